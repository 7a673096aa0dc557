package source

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcerrors "github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/types"
)

func writeFile(t *testing.T, root, rel string, data string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(data), 0o644))
}

func newTestLocal(t *testing.T) (*Local, string) {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "b.jpg", "bbb")
	writeFile(t, root, "A.png", "a")
	writeFile(t, root, "clip.MP4", "video")
	writeFile(t, root, "song.flac", "audio")
	writeFile(t, root, "notes.txt", "skip me")
	writeFile(t, root, ".hidden.jpg", "skip me")
	writeFile(t, root, "Trip/day1.jpg", "day1")
	writeFile(t, root, "archive/old.gif", "gif")
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".cache"), 0o755))

	l, err := NewLocal(root, nil, nil)
	require.NoError(t, err)
	return l, root
}

func names(entries []types.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func TestLocalListDirectory(t *testing.T) {
	l, _ := newTestLocal(t)

	listing, err := l.ListDirectory(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, ".", listing.Directory)
	assert.Equal(t, []string{"archive", "Trip"}, names(listing.Subdirectories))
	assert.Equal(t, []string{"A.png", "b.jpg", "clip.MP4", "song.flac"}, names(listing.MediaEntries))

	byName := map[string]types.Entry{}
	for _, e := range listing.MediaEntries {
		byName[e.Name] = e
	}
	assert.Equal(t, types.MediaVideo, byName["clip.MP4"].MediaType)
	assert.Equal(t, types.MediaAudio, byName["song.flac"].MediaType)
	assert.Equal(t, int64(3), byName["b.jpg"].Size)
	assert.False(t, byName["b.jpg"].ModifiedAt.IsZero())
	assert.Equal(t, types.KindFile, byName["b.jpg"].Kind)
	assert.Equal(t, types.KindDirectory, listing.Subdirectories[0].Kind)

	sub, err := l.ListDirectory(context.Background(), "/Trip/")
	require.NoError(t, err)
	assert.Equal(t, "Trip", sub.Directory)
	require.Len(t, sub.MediaEntries, 1)
	assert.Equal(t, "Trip/day1.jpg", sub.MediaEntries[0].Path)
	assert.Empty(t, sub.Subdirectories)
}

func TestLocalReadFileBytes(t *testing.T) {
	l, _ := newTestLocal(t)
	ctx := context.Background()

	listing, err := l.ListDirectory(ctx, "Trip")
	require.NoError(t, err)
	data, err := l.ReadFileBytes(ctx, listing.MediaEntries[0])
	require.NoError(t, err)
	assert.Equal(t, "day1", string(data))
}

func TestLocalErrors(t *testing.T) {
	l, root := newTestLocal(t)
	ctx := context.Background()

	tests := []struct {
		name string
		run  func() error
		code mcerrors.ErrorCode
	}{
		{"missing directory", func() error {
			_, err := l.ListDirectory(ctx, "nope")
			return err
		}, mcerrors.ErrCodeFileNotFound},
		{"file as directory", func() error {
			_, err := l.ListDirectory(ctx, "b.jpg")
			return err
		}, mcerrors.ErrCodeNotDirectory},
		{"escaping the root", func() error {
			_, err := l.ListDirectory(ctx, "../")
			return err
		}, mcerrors.ErrCodePathInvalid},
		{"missing file", func() error {
			_, err := l.ReadFileBytes(ctx, types.Entry{Path: "gone.jpg"})
			return err
		}, mcerrors.ErrCodeFileNotFound},
		{"read escaping the root", func() error {
			_, err := l.ReadFileBytes(ctx, types.Entry{Path: "Trip/../../etc/passwd"})
			return err
		}, mcerrors.ErrCodePathInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			require.Error(t, err)
			assert.Equal(t, tt.code, mcerrors.CodeOf(err))
		})
	}

	t.Run("permission denied", func(t *testing.T) {
		if runtime.GOOS == "windows" || os.Geteuid() == 0 {
			t.Skip("permissions are not enforced")
		}
		locked := filepath.Join(root, "locked")
		require.NoError(t, os.Mkdir(locked, 0o000))
		t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

		_, err := l.ListDirectory(ctx, "locked")
		assert.True(t, mcerrors.IsPermission(err))
	})
}

func TestLocalCanceledContext(t *testing.T) {
	l, _ := newTestLocal(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.ListDirectory(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewLocalRejectsFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.jpg", "x")

	_, err := NewLocal(filepath.Join(root, "a.jpg"), nil, nil)
	assert.Equal(t, mcerrors.ErrCodeNotDirectory, mcerrors.CodeOf(err))

	_, err = NewLocal(filepath.Join(root, "missing"), nil, nil)
	assert.True(t, mcerrors.IsNotFound(err))
}

func TestLocalWatch(t *testing.T) {
	l, root := newTestLocal(t)
	l.debounce = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan string, 8)
	require.NoError(t, l.Watch(ctx, "Trip", func(dir string) { changed <- dir }))

	writeFile(t, root, "Trip/day2.jpg", "a")
	writeFile(t, root, "Trip/day3.jpg", "b")

	select {
	case dir := <-changed:
		assert.Equal(t, "Trip", dir)
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification")
	}

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, changed, "a burst is reported once")

	assert.Error(t, l.Watch(ctx, "missing", func(string) {}))
}
