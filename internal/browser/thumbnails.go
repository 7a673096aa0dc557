package browser

import (
	"context"
	"time"

	"github.com/mediacache/mediacache/internal/logging"
	"github.com/mediacache/mediacache/internal/scheduler"
	"github.com/mediacache/mediacache/internal/thumbnail"
	mcerrors "github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/types"
)

// GetThumbnailURL returns the thumbnail URL for id if one is cached.
func (s *Service) GetThumbnailURL(ctx context.Context, id types.Identity) (string, bool) {
	return s.thumbs.Get(ctx, id)
}

// EnsureThumbnail returns the thumbnail URL for entry, generating it from the
// original when it is not cached. Audio has no thumbnail.
func (s *Service) EnsureThumbnail(ctx context.Context, entry types.Entry) (string, error) {
	id := entry.Identity()
	if url, ok := s.thumbs.Get(ctx, id); ok {
		return url, nil
	}
	if entry.MediaType == types.MediaAudio || entry.MediaType == types.MediaOther {
		return "", mcerrors.Newf(mcerrors.ErrCodeUnsupportedMedia, "no thumbnail for %s media", entry.MediaType).
			WithComponent("browser").WithOperation("EnsureThumbnail")
	}

	start := time.Now()
	data, mimeType, err := s.loadOriginal(ctx, entry)
	if err != nil {
		s.metrics.RecordError("ensure_thumbnail", err)
		return "", err
	}
	url, err := s.thumbs.GenerateAndCache(ctx, id, data, thumbnail.Metadata{
		Name:      entry.Name,
		MediaType: entry.MediaType,
		MimeType:  mimeType,
	})
	s.metrics.RecordOperation("ensure_thumbnail", time.Since(start), int64(len(data)), err == nil)
	if err != nil {
		s.logger.Debug("thumbnail unavailable", logging.Identity(id), logging.Err(err))
		return "", err
	}
	return url, nil
}

// EnsureThumbnailBytes renders a thumbnail from bytes the caller already has.
func (s *Service) EnsureThumbnailBytes(ctx context.Context, id types.Identity, data []byte, meta thumbnail.Metadata) (string, error) {
	return s.thumbs.GenerateAndCache(ctx, id, data, meta)
}

// EnqueueVisible schedules thumbnail work for a listed item that became
// visible. It reports false for unknown identities, unscheduled media types
// and work that is already pending.
func (s *Service) EnqueueVisible(id types.Identity, mt types.MediaType) bool {
	job := s.jobFor(id, mt)
	if job == nil {
		return false
	}
	return s.sched.Enqueue(id, mt, job)
}

// DequeueHidden drops queued work for an item that left the viewport.
// Running work is left alone.
func (s *Service) DequeueHidden(id types.Identity) bool {
	return s.sched.Dequeue(id)
}

// UpdateVisibility feeds one item's layout into the visibility tracker, which
// enqueues or dequeues on transitions. It reports whether the item is eligible.
func (s *Service) UpdateVisibility(id types.Identity, rect scheduler.Rect, viewport scheduler.Rect) (bool, error) {
	entry, ok := s.Entry(id)
	if !ok {
		return false, mcerrors.Newf(mcerrors.ErrCodeFileNotFound, "identity %s is not in the open directory", id).
			WithComponent("browser").WithOperation("UpdateVisibility")
	}
	vp := scheduler.Viewport{Rect: viewport, Margin: s.opts.LookaheadMargin}
	return s.tracker.Update(entry.Identity(), entry.MediaType, rect, vp), nil
}

// jobFor builds the scheduled load for id, or nil if id is not listed.
func (s *Service) jobFor(id types.Identity, _ types.MediaType) scheduler.Job {
	entry, ok := s.Entry(id)
	if !ok {
		return nil
	}
	return func(ctx context.Context) error {
		_, err := s.EnsureThumbnail(ctx, entry)
		return err
	}
}

// TaskState reports the scheduler's view of id.
func (s *Service) TaskState(id types.Identity) (scheduler.TaskInfo, bool) {
	return s.sched.Task(id)
}
