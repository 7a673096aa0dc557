package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mediacache/mediacache/internal/logging"
	mcerrors "github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/types"
)

// ThumbnailRef returns the blob file name used for the thumbnail of id.
func ThumbnailRef(id types.Identity, mimeType string) string {
	hash := sha256.Sum256([]byte(id.Source().Derived(types.DerivedThumbnail).String()))
	return fmt.Sprintf("%x", hash[:16]) + extensionFor(mimeType)
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}

// PutThumbnail writes the thumbnail bytes for the source identity in meta and
// records its metadata. The returned asset carries the assigned Ref.
func (s *Store) PutThumbnail(ctx context.Context, meta types.ThumbnailAsset, data []byte) (types.ThumbnailAsset, error) {
	if meta.Identity.IsZero() {
		return meta, mcerrors.NewError(mcerrors.ErrCodeValidationFailed, "identity is required").
			WithComponent("store").WithOperation("put_thumbnail")
	}
	meta.Identity = meta.Identity.Source()
	meta.Ref = ThumbnailRef(meta.Identity, meta.MimeType)
	meta.Size = int64(len(data))
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeThumbnailFile(meta.Ref, data); err != nil {
		return meta, classifyWrite("put_thumbnail", err)
	}

	err := s.execWithRetry(ctx,
		`INSERT INTO thumbnail_meta (identity, thumbnail_ref, width, height, quality, mime_type, size, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET
		   thumbnail_ref = excluded.thumbnail_ref,
		   width = excluded.width,
		   height = excluded.height,
		   quality = excluded.quality,
		   mime_type = excluded.mime_type,
		   size = excluded.size,
		   created_at = excluded.created_at`,
		meta.Identity.String(), meta.Ref, meta.Width, meta.Height, meta.Quality,
		meta.MimeType, meta.Size, meta.CreatedAt.UnixMilli(),
	)
	if err != nil {
		_ = os.Remove(s.thumbnailPath(meta.Ref))
		return meta, classifyWrite("put_thumbnail", err)
	}
	return meta, nil
}

// writeThumbnailFile writes via a temp file and rename so readers never see a
// partial thumbnail.
func (s *Store) writeThumbnailFile(ref string, data []byte) error {
	final := s.thumbnailPath(ref)
	if !strings.HasPrefix(filepath.Clean(final), filepath.Clean(s.thumbsDir)) {
		return fmt.Errorf("invalid thumbnail path: %s", final)
	}

	tmp, err := os.CreateTemp(s.thumbsDir, ref+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, final); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func (s *Store) thumbnailPath(ref string) string {
	return filepath.Join(s.thumbsDir, filepath.Base(ref))
}

// GetThumbnail returns the thumbnail metadata for the source identity of id.
// Failures are logged and reported as a miss.
func (s *Store) GetThumbnail(ctx context.Context, id types.Identity) (*types.ThumbnailAsset, bool) {
	src := id.Source()
	var meta types.ThumbnailAsset
	var createdAt int64
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT thumbnail_ref, width, height, quality, mime_type, size, created_at
			   FROM thumbnail_meta WHERE identity = ?`, src.String(),
		).Scan(&meta.Ref, &meta.Width, &meta.Height, &meta.Quality, &meta.MimeType, &meta.Size, &createdAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		s.logger.Warn("thumbnail lookup failed; treating as miss", logging.Identity(src), logging.Err(err))
		s.metrics.RecordError("store.get_thumbnail", err)
		return nil, false
	}
	meta.Identity = src
	meta.CreatedAt = time.UnixMilli(createdAt)
	return &meta, true
}

// ReadThumbnailBytes returns the stored bytes for ref.
func (s *Store) ReadThumbnailBytes(ref string) ([]byte, error) {
	data, err := os.ReadFile(s.thumbnailPath(ref))
	if os.IsNotExist(err) {
		return nil, mcerrors.Newf(mcerrors.ErrCodeFileNotFound, "thumbnail %s missing", ref).
			WithComponent("store").WithOperation("read_thumbnail")
	}
	if err != nil {
		return nil, classifyRead("read_thumbnail", err)
	}
	return data, nil
}

// DeleteThumbnail removes the thumbnail row and file for the source identity of id.
func (s *Store) DeleteThumbnail(ctx context.Context, id types.Identity) error {
	meta, ok := s.GetThumbnail(ctx, id)
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.execWithRetry(ctx, "DELETE FROM thumbnail_meta WHERE identity = ?", meta.Identity.String()); err != nil {
		return classifyWrite("delete_thumbnail", err)
	}
	s.removeThumbnailFile(meta.Ref)
	return nil
}

// RemoveThumbnailFiles deletes thumbnail files by ref, as returned by
// PurgeOlderThan. Missing files are ignored.
func (s *Store) RemoveThumbnailFiles(refs []string) int {
	removed := 0
	for _, ref := range refs {
		if s.removeThumbnailFile(ref) {
			removed++
		}
	}
	return removed
}

func (s *Store) removeThumbnailFile(ref string) bool {
	err := os.Remove(s.thumbnailPath(ref))
	if err == nil {
		return true
	}
	if !os.IsNotExist(err) {
		s.logger.Warn("remove thumbnail file failed", zap.String("ref", ref), logging.Err(err))
	}
	return false
}
