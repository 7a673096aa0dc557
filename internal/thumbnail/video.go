package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	mcerrors "github.com/mediacache/mediacache/pkg/errors"
)

var commandContext = exec.CommandContext

const (
	// DefaultVideoSeek caps how far into a video the poster frame is taken.
	DefaultVideoSeek = 3 * time.Second

	// DefaultFrameTimeout bounds a whole probe-and-grab.
	DefaultFrameTimeout = 10 * time.Second

	seekFraction = 0.1
)

// FrameGrabber extracts a single still frame from video bytes.
type FrameGrabber interface {
	GrabFrame(ctx context.Context, data []byte, requestedSeek time.Duration) (image.Image, error)
}

// SeekFor picks the poster frame offset: min(requested, duration*0.1, 3s).
// An unknown (zero) duration only applies the requested and absolute caps.
func SeekFor(requested, duration time.Duration) time.Duration {
	seek := DefaultVideoSeek
	if requested >= 0 && requested < seek {
		seek = requested
	}
	if duration > 0 {
		if frac := time.Duration(float64(duration) * seekFraction); frac < seek {
			seek = frac
		}
	}
	return seek
}

// FFmpegGrabber shells out to ffprobe for the duration and ffmpeg for the frame.
type FFmpegGrabber struct {
	ffmpeg  string
	ffprobe string
	tempDir string
}

// NewFFmpegGrabber resolves both binaries on PATH. It fails with
// FRAME_GRABBER_UNAVAILABLE when either is missing.
func NewFFmpegGrabber(ffmpegPath, ffprobePath string) (*FFmpegGrabber, error) {
	ffmpeg, err := exec.LookPath(ffmpegPath)
	if err != nil {
		return nil, mcerrors.Wrap(err, mcerrors.ErrCodeFrameGrabUnavail, "ffmpeg not found").
			WithComponent("thumbnail").WithDetail("binary", ffmpegPath)
	}
	ffprobe, err := exec.LookPath(ffprobePath)
	if err != nil {
		return nil, mcerrors.Wrap(err, mcerrors.ErrCodeFrameGrabUnavail, "ffprobe not found").
			WithComponent("thumbnail").WithDetail("binary", ffprobePath)
	}
	return &FFmpegGrabber{ffmpeg: ffmpeg, ffprobe: ffprobe}, nil
}

// GrabFrame writes data to a temp file, probes it and decodes one PNG frame
// from ffmpeg's stdout.
func (g *FFmpegGrabber) GrabFrame(ctx context.Context, data []byte, requestedSeek time.Duration) (image.Image, error) {
	tmp, err := os.CreateTemp(g.tempDir, "mediacache-video-*")
	if err != nil {
		return nil, fmt.Errorf("create temp video: %w", err)
	}
	path := tmp.Name()
	defer func() { _ = os.Remove(path) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("write temp video: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close temp video: %w", err)
	}

	duration, err := g.probeDuration(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Some containers report no duration; fall back to the fixed cap.
		duration = 0
	}
	seek := SeekFor(requestedSeek, duration)

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-ss", formatSeconds(seek),
		"-i", path,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	}
	cmd := commandContext(ctx, g.ffmpeg, args...) //nolint:gosec
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, mcerrors.Wrap(err, mcerrors.ErrCodeDecodeFailed, "ffmpeg frame extract").
			WithComponent("thumbnail").WithOperation("grab_frame").
			WithDetail("stderr", strings.TrimSpace(stderr.String()))
	}
	img, err := png.Decode(&stdout)
	if err != nil {
		return nil, mcerrors.Wrap(err, mcerrors.ErrCodeDecodeFailed, "decode extracted frame").
			WithComponent("thumbnail").WithOperation("grab_frame")
	}
	return img, nil
}

func (g *FFmpegGrabber) probeDuration(ctx context.Context, path string) (time.Duration, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}
	out, err := commandContext(ctx, g.ffprobe, args...).Output() //nolint:gosec
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	return parseDuration(string(out))
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "N/A" {
		return 0, errors.New("duration unavailable")
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", raw, err)
	}
	if secs < 0 {
		return 0, fmt.Errorf("negative duration %q", raw)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
