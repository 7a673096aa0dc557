package browser

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/mediacache/mediacache/internal/handles"
	"github.com/mediacache/mediacache/internal/logging"
	"github.com/mediacache/mediacache/internal/navigation"
	"github.com/mediacache/mediacache/internal/scheduler"
	"github.com/mediacache/mediacache/internal/store"
	"github.com/mediacache/mediacache/internal/thumbnail"
	mcerrors "github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/types"
)

const DefaultPreloadBatchSize = 10

// Watcher is implemented by sources that can report directory changes.
type Watcher interface {
	Watch(ctx context.Context, dir string, fn func(dir string)) error
}

// BlobStats reports the in-memory blob registry. *blobs.Registry implements it.
type BlobStats interface {
	Len() int
	Bytes() int64
}

// Options wires a Service to its components. Source, Store, Pool, Thumbnails,
// Scheduler and Navigation are required.
type Options struct {
	Source     types.Source
	Store      *store.Store
	Pool       *handles.Pool
	Thumbnails *thumbnail.Cache
	Scheduler  *scheduler.Scheduler
	Navigation *navigation.Sequencer
	Blobs      BlobStats

	NeighborRadius   int
	PreloadBatchSize int
	LookaheadMargin  float64
	// PreloadOnOpen starts a background preload of every listed entry.
	PreloadOnOpen bool
	// Watch re-lists the open directory when it changes on disk.
	Watch bool

	Logger  *zap.Logger
	Metrics types.MetricsCollector
}

// Service is the application layer the HTTP API and CLI talk to.
type Service struct {
	opts    Options
	source  types.Source
	store   *store.Store
	pool    *handles.Pool
	thumbs  *thumbnail.Cache
	sched   *scheduler.Scheduler
	nav     *navigation.Sequencer
	tracker *scheduler.VisibilityTracker
	leases  *leaseTable
	logger  *zap.Logger
	metrics types.MetricsCollector

	// ctx bounds background work; it is canceled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.RWMutex
	dir           string
	entries       map[types.Identity]types.Entry
	ordered       []types.Entry
	preloadCancel context.CancelFunc
	watchCancel   context.CancelFunc
	closed        bool
	wg            sync.WaitGroup
}

// New builds a Service. Call Start before enqueueing visible items.
func New(opts Options) (*Service, error) {
	switch {
	case opts.Source == nil:
		return nil, missing("source")
	case opts.Store == nil:
		return nil, missing("store")
	case opts.Pool == nil:
		return nil, missing("handle pool")
	case opts.Thumbnails == nil:
		return nil, missing("thumbnail cache")
	case opts.Scheduler == nil:
		return nil, missing("scheduler")
	case opts.Navigation == nil:
		return nil, missing("navigation")
	}
	if opts.NeighborRadius <= 0 {
		opts.NeighborRadius = navigation.DefaultNeighborRadius
	}
	if opts.PreloadBatchSize <= 0 {
		opts.PreloadBatchSize = DefaultPreloadBatchSize
	}
	if opts.LookaheadMargin < 0 {
		opts.LookaheadMargin = scheduler.DefaultLookaheadMargin
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		opts:    opts,
		source:  opts.Source,
		store:   opts.Store,
		pool:    opts.Pool,
		thumbs:  opts.Thumbnails,
		sched:   opts.Scheduler,
		nav:     opts.Navigation,
		leases:  newLeaseTable(),
		logger:  logging.Component(opts.Logger, "browser"),
		metrics: types.OrNop(opts.Metrics),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[types.Identity]types.Entry),
	}
	s.tracker = scheduler.NewVisibilityTracker(s.sched, s.jobFor)
	return s, nil
}

func missing(what string) error {
	return mcerrors.Newf(mcerrors.ErrCodeInvalidConfig, "browser service requires a %s", what).
		WithComponent("browser").WithOperation("New")
}

// Start launches the load scheduler.
func (s *Service) Start(ctx context.Context) error {
	return s.sched.Start(ctx)
}

// OpenDirectory lists dir and makes its media the navigation list. Listing
// failures are returned to the caller; they are the only blocking errors the
// service produces.
func (s *Service) OpenDirectory(ctx context.Context, dir string) (*types.Listing, error) {
	if s.isClosed() {
		return nil, stopped("OpenDirectory")
	}
	listing, err := s.source.ListDirectory(ctx, dir)
	if err != nil {
		s.metrics.RecordError("open_directory", err)
		s.logger.Warn("failed to open directory", zap.String("dir", dir), logging.Err(err))
		return nil, err
	}

	s.tracker.Reset()
	s.replaceListing(listing)

	s.mu.Lock()
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	s.mu.Unlock()

	if s.opts.Watch {
		s.watch(listing.Directory)
	}
	if s.opts.PreloadOnOpen {
		s.StartPreload(listing.MediaEntries)
	}

	s.logger.Info("directory opened",
		zap.String("dir", listing.Directory),
		zap.Int("media", len(listing.MediaEntries)),
		zap.Int("subdirectories", len(listing.Subdirectories)))
	return listing, nil
}

func (s *Service) replaceListing(listing *types.Listing) {
	entries := make(map[types.Identity]types.Entry, len(listing.MediaEntries))
	items := make([]navigation.Item, 0, len(listing.MediaEntries))
	for _, e := range listing.MediaEntries {
		entries[e.Identity()] = e
		items = append(items, navigation.ItemFromEntry(e))
	}

	s.mu.Lock()
	s.dir = listing.Directory
	s.entries = entries
	s.ordered = listing.MediaEntries
	s.mu.Unlock()

	s.nav.SetList(items)
}

func (s *Service) watch(dir string) {
	w, ok := s.source.(Watcher)
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	if err := w.Watch(ctx, dir, s.refresh); err != nil {
		cancel()
		s.logger.Warn("directory watch unavailable", zap.String("dir", dir), logging.Err(err))
		return
	}
	s.mu.Lock()
	s.watchCancel = cancel
	s.mu.Unlock()
}

// refresh re-lists dir after a change. The navigation cursor survives when
// the current item is still at the same position.
func (s *Service) refresh(dir string) {
	s.mu.RLock()
	current := s.dir
	s.mu.RUnlock()
	if dir != current || s.isClosed() {
		return
	}

	listing, err := s.source.ListDirectory(s.ctx, dir)
	if err != nil {
		s.logger.Warn("failed to refresh directory", zap.String("dir", dir), logging.Err(err))
		return
	}
	s.replaceListing(listing)
	s.logger.Debug("directory refreshed", zap.String("dir", dir), zap.Int("media", len(listing.MediaEntries)))
}

// Directory returns the currently open directory.
func (s *Service) Directory() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dir
}

// Entry returns the listed entry with identity id.
func (s *Service) Entry(id types.Identity) (types.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id.Source()]
	return e, ok
}

// Entries returns the media entries of the open directory in listing order.
func (s *Service) Entries() []types.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Entry(nil), s.ordered...)
}

func (s *Service) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func stopped(op string) error {
	return mcerrors.NewError(mcerrors.ErrCodeComponentStopped, "browser service is closed").
		WithComponent("browser").WithOperation(op)
}

// Close stops background work, releases every outstanding lease and revokes
// all display URLs. The store is left open for its owner to close.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.sched.Stop()
	s.tracker.Reset()

	released := s.leases.releaseAll()
	err := s.pool.Close()
	s.logger.Info("browser service closed", zap.Int("leases_released", released))
	return err
}
