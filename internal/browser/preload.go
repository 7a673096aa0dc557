package browser

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mediacache/mediacache/internal/logging"
	"github.com/mediacache/mediacache/pkg/types"
)

// PreloadResult summarises a preload run.
type PreloadResult struct {
	Total     int  `json:"total"`
	Processed int  `json:"processed"`
	Failed    int  `json:"failed"`
	Skipped   int  `json:"skipped"`
	Canceled  bool `json:"canceled"`
}

// Preload warms the caches for entries in batches of PreloadBatchSize:
// originals go to the persistent store and images and videos get a
// thumbnail. ctx is checked between batches; once it is done the remaining
// batches are skipped while reads already in flight run to completion.
// Per-entry failures are counted, not returned.
func (s *Service) Preload(ctx context.Context, entries []types.Entry) (PreloadResult, error) {
	res := PreloadResult{Total: len(entries)}
	batch := s.opts.PreloadBatchSize
	start := time.Now()

	var processed, failed atomic.Int64
	for i := 0; i < len(entries); i += batch {
		if err := ctx.Err(); err != nil {
			res.Canceled = true
			res.Skipped = len(entries) - i
			break
		}

		end := min(i+batch, len(entries))
		work := context.WithoutCancel(ctx)

		var g errgroup.Group
		for _, e := range entries[i:end] {
			g.Go(func() error {
				if err := s.preloadOne(work, e); err != nil {
					failed.Add(1)
					s.logger.Debug("preload failed", zap.String("path", e.Path), logging.Err(err))
					return nil
				}
				processed.Add(1)
				return nil
			})
		}
		_ = g.Wait()
	}

	res.Processed = int(processed.Load())
	res.Failed = int(failed.Load())
	s.metrics.RecordOperation("preload", time.Since(start), int64(res.Processed), !res.Canceled)
	s.logger.Info("preload finished",
		zap.Int("total", res.Total),
		zap.Int("processed", res.Processed),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.Bool("canceled", res.Canceled))

	if res.Canceled {
		return res, ctx.Err()
	}
	return res, nil
}

func (s *Service) preloadOne(ctx context.Context, e types.Entry) error {
	switch e.MediaType {
	case types.MediaImage, types.MediaVideo:
		_, err := s.EnsureThumbnail(ctx, e)
		return err
	default:
		_, _, err := s.loadOriginal(ctx, e)
		return err
	}
}

// StartPreload runs Preload in the background, canceling any preload that is
// still running.
func (s *Service) StartPreload(entries []types.Entry) {
	ctx, cancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return
	}
	if s.preloadCancel != nil {
		s.preloadCancel()
	}
	s.preloadCancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer cancel()
		_, _ = s.Preload(ctx, entries)
	}()
}

// CancelPreload stops the background preload after its current batch.
func (s *Service) CancelPreload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preloadCancel != nil {
		s.preloadCancel()
		s.preloadCancel = nil
	}
}
