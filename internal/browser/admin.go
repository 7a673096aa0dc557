package browser

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mediacache/mediacache/internal/scheduler"
	mcerrors "github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/types"
)

// Stats is the cache administration view.
type Stats struct {
	Store      types.StoreStats  `json:"store"`
	Thumbnails types.CacheStats  `json:"thumbnails"`
	Handles    types.HandleStats `json:"handles"`
	Scheduler  scheduler.Stats   `json:"scheduler"`
	Blobs      BlobSummary       `json:"blobs"`
	Leases     int               `json:"leases"`
}

// BlobSummary describes the bytes held behind display URLs.
type BlobSummary struct {
	Count int   `json:"count"`
	Bytes int64 `json:"bytes"`
}

// GetStats collects statistics from every layer. A store failure is reported
// as an error alongside the in-memory figures.
func (s *Service) GetStats(ctx context.Context) (Stats, error) {
	st := Stats{
		Thumbnails: s.thumbs.Stats(),
		Handles:    s.pool.Stats(),
		Scheduler:  s.sched.Stats(),
		Leases:     s.leases.len(),
	}
	if s.opts.Blobs != nil {
		st.Blobs = BlobSummary{Count: s.opts.Blobs.Len(), Bytes: s.opts.Blobs.Bytes()}
	}

	storeStats, err := s.store.Stats(ctx)
	if err != nil {
		return st, err
	}
	st.Store = storeStats
	return st, nil
}

// PurgeResult reports what Purge removed.
type PurgeResult struct {
	Thumbnails   int `json:"thumbnails"`
	FilesRemoved int `json:"files_removed"`
}

// Purge deletes stored originals and thumbnails created more than maxAge ago,
// then removes the thumbnail files that belonged to them.
func (s *Service) Purge(ctx context.Context, maxAge time.Duration) (PurgeResult, error) {
	if maxAge < 0 {
		return PurgeResult{}, mcerrors.Newf(mcerrors.ErrCodeValidationFailed, "max age %s is negative", maxAge).
			WithComponent("browser").WithOperation("Purge")
	}
	refs, err := s.store.PurgeOlderThan(ctx, maxAge)
	if err != nil {
		return PurgeResult{}, err
	}
	res := PurgeResult{Thumbnails: len(refs), FilesRemoved: s.thumbs.RemoveFiles(refs)}
	s.logger.Info("cache purged",
		zap.Duration("max_age", maxAge),
		zap.Int("thumbnails", res.Thumbnails),
		zap.Int("files_removed", res.FilesRemoved))
	return res, nil
}

// ClearMemory drops the in-memory thumbnail layer and sweeps idle display
// handles. Persisted data is kept.
func (s *Service) ClearMemory() {
	s.thumbs.ClearMemory()
	swept := s.pool.Sweep()
	s.logger.Info("memory cleared", zap.Int("handles_swept", swept))
}
