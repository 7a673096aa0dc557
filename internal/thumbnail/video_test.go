package thumbnail

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcerrors "github.com/mediacache/mediacache/pkg/errors"
)

type capturedCall struct {
	name string
	args []string
}

func stubCommands(t *testing.T, mode string) *[]capturedCall {
	t.Helper()
	var mu sync.Mutex
	calls := &[]capturedCall{}
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		mu.Lock()
		*calls = append(*calls, capturedCall{name: name, args: append([]string(nil), args...)})
		mu.Unlock()
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess", "--", filepath.Base(name))
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "THUMB_HELPER_MODE="+mode)
		return cmd
	}
	t.Cleanup(func() {
		commandContext = original
	})
	return calls
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	mode := os.Getenv("THUMB_HELPER_MODE")
	switch args[0] {
	case "ffprobe":
		if mode == "noduration" {
			fmt.Fprintln(os.Stdout, "N/A")
		} else {
			fmt.Fprintln(os.Stdout, "12.500000")
		}
	case "ffmpeg":
		switch mode {
		case "fail":
			fmt.Fprintln(os.Stderr, "moov atom not found")
			os.Exit(1)
		case "hang":
			time.Sleep(10 * time.Second)
		}
		_ = png.Encode(os.Stdout, image.NewRGBA(image.Rect(0, 0, 64, 36)))
	}
	os.Exit(0)
}

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func TestFFmpegGrabberSeeksWithinDuration(t *testing.T) {
	calls := stubCommands(t, "ok")
	g := &FFmpegGrabber{ffmpeg: "ffmpeg", ffprobe: "ffprobe", tempDir: t.TempDir()}

	img, err := g.GrabFrame(context.Background(), []byte("fake video"), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())

	require.Len(t, *calls, 2)
	assert.Equal(t, "ffprobe", (*calls)[0].name)
	assert.Equal(t, "ffmpeg", (*calls)[1].name)
	assert.Equal(t, "1.250", argAfter((*calls)[1].args, "-ss"), "10 percent of 12.5s")

	entries, err := os.ReadDir(g.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp video is removed")
}

func TestFFmpegGrabberUnknownDuration(t *testing.T) {
	calls := stubCommands(t, "noduration")
	g := &FFmpegGrabber{ffmpeg: "ffmpeg", ffprobe: "ffprobe", tempDir: t.TempDir()}

	_, err := g.GrabFrame(context.Background(), []byte("v"), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "3.000", argAfter((*calls)[1].args, "-ss"))
}

func TestFFmpegGrabberFailure(t *testing.T) {
	stubCommands(t, "fail")
	g := &FFmpegGrabber{ffmpeg: "ffmpeg", ffprobe: "ffprobe", tempDir: t.TempDir()}

	_, err := g.GrabFrame(context.Background(), []byte("v"), time.Second)
	require.Error(t, err)
	assert.True(t, mcerrors.IsDecode(err))
}

func TestFFmpegGrabberHonoursDeadline(t *testing.T) {
	stubCommands(t, "hang")
	g := &FFmpegGrabber{ffmpeg: "ffmpeg", ffprobe: "ffprobe", tempDir: t.TempDir()}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := g.GrabFrame(ctx, []byte("v"), time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewFFmpegGrabberMissingBinary(t *testing.T) {
	_, err := NewFFmpegGrabber("mediacache-no-such-ffmpeg", "ffprobe")
	require.Error(t, err)
	assert.Equal(t, mcerrors.ErrCodeFrameGrabUnavail, mcerrors.CodeOf(err))
}
