package source

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mediacache/mediacache/internal/logging"
	mcerrors "github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/types"
)

// Local reads media from a directory tree on the local filesystem.
type Local struct {
	root     string
	logger   *zap.Logger
	metrics  types.MetricsCollector
	debounce time.Duration
}

var _ types.Source = (*Local)(nil)

// NewLocal returns a source rooted at root, which must be an existing directory.
func NewLocal(root string, logger *zap.Logger, metrics types.MetricsCollector) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, mcerrors.Wrap(err, mcerrors.ErrCodePathInvalid, "cannot resolve source root").
			WithComponent("source").WithOperation("NewLocal").WithDetail("root", root)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, mapFSError(err, "NewLocal", root)
	}
	if !info.IsDir() {
		return nil, mcerrors.Newf(mcerrors.ErrCodeNotDirectory, "source root %s is not a directory", root).
			WithComponent("source").WithOperation("NewLocal")
	}
	return &Local{
		root:    abs,
		logger:  logging.Component(logger, "source.local"),
		metrics: types.OrNop(metrics),
	}, nil
}

// Root is the absolute directory the source reads from.
func (l *Local) Root() string { return l.root }

// ListDirectory lists dir, relative to the root. Hidden names and files that
// are not image, video or audio are skipped. Both slices are sorted by name,
// case-insensitively.
func (l *Local) ListDirectory(ctx context.Context, dir string) (*types.Listing, error) {
	start := time.Now()
	rel, full, err := l.resolve(dir)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dirents, err := os.ReadDir(full)
	if err != nil {
		l.metrics.RecordOperation("list_directory", time.Since(start), 0, false)
		return nil, mapFSError(err, "ListDirectory", rel)
	}

	listing := &types.Listing{
		Directory:      rel,
		Subdirectories: []types.Entry{},
		MediaEntries:   []types.Entry{},
	}
	for _, de := range dirents {
		name := de.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		entryPath := joinRel(rel, name)

		if de.IsDir() {
			listing.Subdirectories = append(listing.Subdirectories, types.Entry{
				Name: name,
				Kind: types.KindDirectory,
				Path: entryPath,
			})
			continue
		}

		mt := types.MediaTypeFromName(name)
		if mt == types.MediaOther {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			l.logger.Debug("skipping entry", zap.String("path", entryPath), zap.Error(err))
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		listing.MediaEntries = append(listing.MediaEntries, types.Entry{
			Name:       name,
			Kind:       types.KindFile,
			Path:       entryPath,
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
			MediaType:  mt,
		})
	}

	sortEntries(listing.Subdirectories)
	sortEntries(listing.MediaEntries)

	l.metrics.RecordOperation("list_directory", time.Since(start), 0, true)
	l.logger.Debug("listed directory",
		zap.String("dir", rel),
		zap.Int("subdirectories", len(listing.Subdirectories)),
		zap.Int("media", len(listing.MediaEntries)))
	return listing, nil
}

// ReadFileBytes reads the whole file behind entry.
func (l *Local) ReadFileBytes(ctx context.Context, entry types.Entry) ([]byte, error) {
	start := time.Now()
	rel, full, err := l.resolve(entry.Path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(full) //nolint:gosec // path is confined to the source root by resolve
	if err != nil {
		l.metrics.RecordOperation("read_file", time.Since(start), 0, false)
		return nil, mapFSError(err, "ReadFileBytes", rel)
	}
	l.metrics.RecordOperation("read_file", time.Since(start), int64(len(data)), true)
	return data, nil
}

// resolve turns a slash-separated relative path into its cleaned form and
// the absolute filesystem path.
func (l *Local) resolve(p string) (rel, full string, err error) {
	rel, err = cleanRel(filepath.ToSlash(p))
	if err != nil {
		return "", "", err
	}
	return rel, filepath.Join(l.root, filepath.FromSlash(rel)), nil
}

// cleanRel normalises a relative path. "" and "/" mean the root; any ".."
// segment is rejected rather than cleaned away.
func cleanRel(p string) (string, error) {
	slashed := strings.TrimSpace(p)
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", mcerrors.Newf(mcerrors.ErrCodePathInvalid, "path %q escapes the source root", p).
				WithComponent("source").WithOperation("resolve")
		}
	}
	rel := strings.TrimPrefix(path.Clean("/"+slashed), "/")
	if rel == "" {
		rel = "."
	}
	return rel, nil
}

func joinRel(dir, name string) string {
	if dir == "." || dir == "" {
		return name
	}
	return dir + "/" + name
}

func sortEntries(entries []types.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := strings.ToLower(entries[i].Name), strings.ToLower(entries[j].Name)
		if a != b {
			return a < b
		}
		return entries[i].Name < entries[j].Name
	})
}

// mapFSError converts filesystem errors into MediaErrors.
func mapFSError(err error, operation, p string) error {
	var code mcerrors.ErrorCode
	switch {
	case errors.Is(err, fs.ErrNotExist):
		code = mcerrors.ErrCodeFileNotFound
	case errors.Is(err, fs.ErrPermission):
		code = mcerrors.ErrCodePermissionDenied
	case errors.Is(err, syscall.ENOTDIR):
		code = mcerrors.ErrCodeNotDirectory
	case errors.Is(err, syscall.EISDIR):
		code = mcerrors.ErrCodePathInvalid
	default:
		code = mcerrors.ErrCodeStorageRead
	}
	return mcerrors.Wrap(err, code, "filesystem access failed").
		WithComponent("source").
		WithOperation(operation).
		WithDetail("path", p)
}
