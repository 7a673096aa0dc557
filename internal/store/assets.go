package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/h2non/filetype"
	"go.uber.org/zap"

	"github.com/mediacache/mediacache/internal/logging"
	mcerrors "github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/types"
)

const fallbackMIME = "application/octet-stream"

// Get returns the stored asset for id and records the access. Any storage
// failure is logged and reported as a miss.
func (s *Store) Get(ctx context.Context, id types.Identity) (*types.StoredAsset, bool) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	asset, err := s.getLocked(ctx, id)
	if err != nil {
		s.logger.Warn("asset lookup failed; treating as miss", logging.Identity(id), logging.Err(err))
		s.metrics.RecordError("store.get", err)
		s.metrics.RecordCacheMiss("store")
		return nil, false
	}
	if asset == nil {
		s.metrics.RecordCacheMiss("store")
		return nil, false
	}
	s.metrics.RecordCacheHit("store", asset.Size)
	s.metrics.RecordOperation("store.get", time.Since(start), asset.Size, true)
	return asset, true
}

func (s *Store) getLocked(ctx context.Context, id types.Identity) (*types.StoredAsset, error) {
	var asset types.StoredAsset
	var createdAt, accessedAt int64
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT data, mime_type, size, created_at, last_accessed_at, access_count
			   FROM assets WHERE identity = ?`, id.String(),
		).Scan(&asset.Data, &asset.MimeType, &asset.Size, &createdAt, &accessedAt, &asset.AccessCount)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyRead("get", err)
	}

	now := s.now()
	seq := s.nextSeq()
	if err := s.execWithRetry(ctx,
		`UPDATE assets SET access_count = access_count + 1, last_accessed_at = ?, seq = ? WHERE identity = ?`,
		now.UnixMilli(), seq, id.String(),
	); err != nil {
		// the bytes are still good; a lost bump only skews eviction order
		s.logger.Warn("record access failed", logging.Identity(id), logging.Err(err))
	} else {
		asset.AccessCount++
		accessedAt = now.UnixMilli()
	}

	asset.Identity = id
	asset.CreatedAt = time.UnixMilli(createdAt)
	asset.LastAccessedAt = time.UnixMilli(accessedAt)
	return &asset, nil
}

// Put stores data under id, replacing any existing bytes, then runs an
// eviction pass. Items larger than MaxItemBytes are rejected with
// LIMIT_EXCEEDED. An empty mimeType is sniffed from the content.
func (s *Store) Put(ctx context.Context, id types.Identity, data []byte, mimeType string) error {
	if id.IsZero() {
		return mcerrors.NewError(mcerrors.ErrCodeValidationFailed, "identity is required").
			WithComponent("store").WithOperation("put")
	}
	size := int64(len(data))
	if size > s.opts.MaxItemBytes {
		s.metrics.RecordCacheMiss("store_rejected")
		return mcerrors.Newf(mcerrors.ErrCodeLimitExceeded,
			"item is %d bytes, ceiling is %d", size, s.opts.MaxItemBytes).
			WithComponent("store").
			WithOperation("put").
			WithDetail("size", size).
			WithDetail("max_item_bytes", s.opts.MaxItemBytes)
	}
	if mimeType == "" {
		mimeType = sniffMIME(data)
	}

	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()
	seq := s.nextSeq()
	err := s.execWithRetry(ctx,
		`INSERT INTO assets (identity, data, mime_type, size, created_at, last_accessed_at, access_count, seq)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		 ON CONFLICT(identity) DO UPDATE SET
		   data = excluded.data,
		   mime_type = excluded.mime_type,
		   size = excluded.size,
		   last_accessed_at = excluded.last_accessed_at,
		   seq = excluded.seq`,
		id.String(), data, mimeType, size, now, now, seq,
	)
	if err != nil {
		werr := classifyWrite("put", err)
		s.metrics.RecordOperation("store.put", time.Since(start), size, false)
		s.metrics.RecordError("store.put", werr)
		return werr
	}
	s.metrics.RecordOperation("store.put", time.Since(start), size, true)

	if _, err := s.evictLocked(ctx, id); err != nil {
		s.logger.Warn("eviction after put failed", logging.Identity(id), logging.Err(err))
	}
	return nil
}

func sniffMIME(data []byte) string {
	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown || kind.MIME.Value == "" {
		return fallbackMIME
	}
	return kind.MIME.Value
}

// EvictIfOverCapacity deletes least-frequently then least-recently used
// assets while the store is over MaxItems or MaxBytes. Once triggered it
// drains to EvictionTarget*MaxBytes. It returns the number of evicted items.
func (s *Store) EvictIfOverCapacity(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(ctx, types.Identity{})
}

type evictionCandidate struct {
	identity string
	size     int64
}

// evictLocked runs one eviction pass. keep is spared unless it is the only
// remaining row and the hard bounds still fail.
func (s *Store) evictLocked(ctx context.Context, keep types.Identity) (int, error) {
	var count int
	var total int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1), COALESCE(SUM(size), 0) FROM assets",
	).Scan(&count, &total); err != nil {
		return 0, classifyRead("evict", err)
	}

	maxItems, maxBytes := s.opts.MaxItems, s.opts.MaxBytes
	if count <= maxItems && total <= maxBytes {
		return 0, nil
	}
	targetBytes := int64(float64(maxBytes) * s.opts.EvictionTarget)

	rows, err := s.db.QueryContext(ctx,
		`SELECT identity, size FROM assets
		  ORDER BY access_count ASC, last_accessed_at ASC, seq ASC`)
	if err != nil {
		return 0, classifyRead("evict", err)
	}
	var candidates []evictionCandidate
	var kept *evictionCandidate
	for rows.Next() {
		var c evictionCandidate
		if err := rows.Scan(&c.identity, &c.size); err != nil {
			_ = rows.Close()
			return 0, classifyRead("evict", err)
		}
		if !keep.IsZero() && c.identity == keep.String() {
			kc := c
			kept = &kc
			continue
		}
		candidates = append(candidates, c)
	}
	if err := rows.Close(); err != nil {
		return 0, classifyRead("evict", err)
	}
	if kept != nil {
		candidates = append(candidates, *kept)
	}

	evicted := 0
	for i, c := range candidates {
		satisfied := total <= targetBytes && count <= maxItems
		if satisfied {
			break
		}
		isKept := kept != nil && i == len(candidates)-1
		if isKept && total <= maxBytes && count <= maxItems {
			break
		}
		if err := s.execWithRetry(ctx, "DELETE FROM assets WHERE identity = ?", c.identity); err != nil {
			s.metrics.RecordEviction("store", evicted)
			return evicted, classifyWrite("evict", err)
		}
		count--
		total -= c.size
		evicted++
		s.logger.Debug("evicted asset",
			zap.String("identity", c.identity),
			zap.Int64("size", c.size),
			zap.Bool("just_written", isKept),
		)
	}

	s.metrics.RecordEviction("store", evicted)
	if evicted > 0 {
		s.logger.Info("store eviction pass",
			zap.Int("evicted", evicted),
			zap.Int("remaining_items", count),
			zap.Int64("remaining_bytes", total),
		)
	}
	return evicted, nil
}

// Delete removes the asset stored under id, if any.
func (s *Store) Delete(ctx context.Context, id types.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.execWithRetry(ctx, "DELETE FROM assets WHERE identity = ?", id.String()); err != nil {
		return classifyWrite("delete", err)
	}
	return nil
}

// PurgeOlderThan deletes assets and thumbnail metadata created more than
// maxAge ago. It returns the refs of the removed thumbnails so the caller can
// drop their files and any in-memory handles.
func (s *Store) PurgeOlderThan(ctx context.Context, maxAge time.Duration) ([]string, error) {
	cutoff := s.now().Add(-maxAge).UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifyWrite("purge", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		"SELECT thumbnail_ref FROM thumbnail_meta WHERE created_at < ?", cutoff)
	if err != nil {
		return nil, classifyRead("purge", err)
	}
	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			_ = rows.Close()
			return nil, classifyRead("purge", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Close(); err != nil {
		return nil, classifyRead("purge", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM thumbnail_meta WHERE created_at < ?", cutoff); err != nil {
		return nil, classifyWrite("purge", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM assets WHERE created_at < ?", cutoff)
	if err != nil {
		return nil, classifyWrite("purge", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, classifyWrite("purge", err)
	}

	assets, _ := res.RowsAffected()
	s.logger.Info("purged cache entries",
		zap.Duration("max_age", maxAge),
		zap.Int64("assets", assets),
		zap.Int("thumbnails", len(refs)),
	)
	return refs, nil
}

// Stats summarises the stored assets.
func (s *Store) Stats(ctx context.Context) (types.StoreStats, error) {
	stats := types.StoreStats{
		ByType:   make(map[string]types.TypeStats),
		MaxItems: s.opts.MaxItems,
		MaxBytes: s.opts.MaxBytes,
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT mime_type, COUNT(1), COALESCE(SUM(size), 0) FROM assets GROUP BY mime_type")
	if err != nil {
		return stats, classifyRead("stats", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var mime string
		var n int
		var bytes int64
		if err := rows.Scan(&mime, &n, &bytes); err != nil {
			return stats, classifyRead("stats", err)
		}
		category := mimeCategory(mime)
		ts := stats.ByType[category]
		ts.Count += n
		ts.Bytes += bytes
		stats.ByType[category] = ts
		stats.ItemCount += n
		stats.TotalBytes += bytes
	}
	if err := rows.Err(); err != nil {
		return stats, classifyRead("stats", err)
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM thumbnail_meta").Scan(&stats.Thumbnails); err != nil {
		return stats, classifyRead("stats", err)
	}
	return stats, nil
}

func mimeCategory(mime string) string {
	major, _, _ := strings.Cut(mime, "/")
	switch major {
	case "image", "video", "audio":
		return major
	default:
		return "other"
	}
}

// Clear deletes every asset, every thumbnail row and the thumbnail files.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyWrite("clear", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{"DELETE FROM assets", "DELETE FROM thumbnail_meta"} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return classifyWrite("clear", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return classifyWrite("clear", err)
	}

	entries, err := os.ReadDir(s.thumbsDir)
	if err != nil {
		return fmt.Errorf("list thumbnail files: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.thumbsDir, entry.Name())); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("remove thumbnail file failed", zap.String("file", entry.Name()), logging.Err(err))
		}
	}
	s.logger.Info("store cleared")
	return nil
}
