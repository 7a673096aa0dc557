package adapter

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/mediacache/mediacache/internal/api"
	"github.com/mediacache/mediacache/internal/blobs"
	"github.com/mediacache/mediacache/internal/browser"
	"github.com/mediacache/mediacache/internal/config"
	"github.com/mediacache/mediacache/internal/handles"
	"github.com/mediacache/mediacache/internal/logging"
	"github.com/mediacache/mediacache/internal/metrics"
	"github.com/mediacache/mediacache/internal/navigation"
	"github.com/mediacache/mediacache/internal/scheduler"
	"github.com/mediacache/mediacache/internal/source"
	"github.com/mediacache/mediacache/internal/store"
	"github.com/mediacache/mediacache/internal/thumbnail"
	mcerrors "github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/health"
	"github.com/mediacache/mediacache/pkg/types"
)

// Adapter owns every component of a media cache instance
type Adapter struct {
	config *config.Configuration
	logger *zap.Logger

	lock      *flock.Flock
	collector *metrics.Collector
	store     *store.Store
	blobs     *blobs.Registry
	pool      *handles.Pool
	thumbs    *thumbnail.Cache
	source    types.Source
	browser   *browser.Service
	health    *health.Tracker
	server    *api.Server

	mu      sync.Mutex
	started bool
	serving bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// SourceFactory builds the media source. Tests replace it to avoid touching
// S3.
type SourceFactory func(ctx context.Context, cfg config.SourceConfig, logger *zap.Logger, m types.MetricsCollector) (types.Source, error)

// New validates cfg, takes the cache directory lock and wires the
// components. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Configuration, logger *zap.Logger) (*Adapter, error) {
	return NewWithSource(ctx, cfg, logger, NewSource)
}

// NewWithSource is New with a custom source factory.
func NewWithSource(ctx context.Context, cfg *config.Configuration, logger *zap.Logger, newSource SourceFactory) (*Adapter, error) {
	if cfg == nil {
		return nil, invalid(fmt.Errorf("configuration is required"))
	}
	if err := cfg.Validate(); err != nil {
		return nil, invalid(err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	a := &Adapter{
		config: cfg,
		logger: logging.Component(logger, "adapter"),
	}
	if err := a.init(ctx, logger, newSource); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func invalid(err error) error {
	return mcerrors.Wrap(err, mcerrors.ErrCodeInvalidConfig, "invalid configuration").
		WithComponent("adapter").WithOperation("New")
}

func (a *Adapter) init(ctx context.Context, logger *zap.Logger, newSource SourceFactory) error {
	cfg := a.config

	if err := os.MkdirAll(cfg.Global.CacheDir, 0750); err != nil {
		return mcerrors.Wrap(err, mcerrors.ErrCodeStorageWrite, "create cache directory").
			WithComponent("adapter").WithDetail("dir", cfg.Global.CacheDir)
	}
	a.lock = flock.New(cfg.LockPath())
	ok, err := a.lock.TryLock()
	if err != nil {
		return mcerrors.Wrap(err, mcerrors.ErrCodeStorageWrite, "acquire cache lock").
			WithComponent("adapter").WithDetail("lock", cfg.LockPath())
	}
	if !ok {
		a.lock = nil
		return mcerrors.Newf(mcerrors.ErrCodeAlreadyStarted,
			"cache directory %s is in use by another mediacache process", cfg.Global.CacheDir).
			WithComponent("adapter")
	}

	var m types.MetricsCollector
	if cfg.Monitoring.Metrics.Enabled {
		a.collector, err = metrics.NewCollector(&metrics.Config{
			Enabled:   true,
			Namespace: cfg.Monitoring.Metrics.Namespace,
		})
		if err != nil {
			return mcerrors.Wrap(err, mcerrors.ErrCodeInternalError, "create metrics collector").
				WithComponent("adapter")
		}
		m = a.collector
	}

	a.store, err = store.Open(ctx, store.Options{
		Dir:            cfg.Global.CacheDir,
		MaxItems:       cfg.Store.MaxItems,
		MaxBytes:       cfg.Store.MaxBytesValue(),
		MaxItemBytes:   cfg.Store.MaxItemBytesValue(),
		EvictionTarget: cfg.Store.EvictionTarget,
		BusyTimeout:    cfg.Store.BusyTimeout,
		Logger:         logger,
		Metrics:        m,
	})
	if err != nil {
		return mcerrors.Wrap(err, mcerrors.ErrCodeStorageRead, "open store").
			WithComponent("adapter").WithDetail("path", cfg.DatabasePath())
	}

	a.blobs = blobs.NewRegistry("", logger)
	a.pool = handles.NewPool(a.blobs, handles.Options{
		GracePeriod:   cfg.Pool.GracePeriod,
		SweepInterval: cfg.Pool.SweepInterval,
		MaxIdle:       cfg.Pool.MaxIdle,
		Logger:        logger,
		Metrics:       m,
	})

	// Videos fall back to a placeholder when ffmpeg is missing.
	var grabber thumbnail.FrameGrabber
	if g, gerr := thumbnail.NewFFmpegGrabber(cfg.Thumbnail.FFmpegPath, cfg.Thumbnail.FFprobePath); gerr != nil {
		a.logger.Warn("video thumbnails disabled", logging.Err(gerr))
	} else {
		grabber = thumbnail.NewGuardedGrabber(g, cfg.Thumbnail.GrabberTripAfter, cfg.Thumbnail.GrabberCooldown, logger)
	}
	a.thumbs, err = thumbnail.NewCache(a.store, a.pool, thumbnail.Options{
		MaxDimension:  cfg.Thumbnail.MaxDimension,
		Quality:       cfg.Thumbnail.Quality,
		MemoryEntries: cfg.Thumbnail.MemoryEntries,
		VideoSeek:     cfg.Thumbnail.VideoSeek,
		FrameTimeout:  cfg.Thumbnail.FrameTimeout,
		Grabber:       grabber,
		Logger:        logger,
		Metrics:       m,
	})
	if err != nil {
		return err
	}

	a.source, err = newSource(ctx, cfg.Source, logger, m)
	if err != nil {
		return err
	}

	a.browser, err = browser.New(browser.Options{
		Source:     a.source,
		Store:      a.store,
		Pool:       a.pool,
		Thumbnails: a.thumbs,
		Scheduler: scheduler.New(scheduler.Options{
			Concurrency:   cfg.Scheduler.Concurrency,
			YieldInterval: cfg.Scheduler.YieldInterval,
			ImagePriority: cfg.Scheduler.ImagePriority,
			VideoPriority: cfg.Scheduler.VideoPriority,
			Logger:        logger,
			Metrics:       m,
		}),
		Navigation:       navigation.New(logger),
		Blobs:            a.blobs,
		NeighborRadius:   cfg.Navigation.NeighborRadius,
		PreloadBatchSize: cfg.Navigation.PreloadBatchSize,
		LookaheadMargin:  float64(cfg.Scheduler.LookaheadMargin),
		Watch:            cfg.Source.Watch,
		Logger:           logger,
		Metrics:          m,
	})
	if err != nil {
		return err
	}

	a.health = health.NewTracker(health.DefaultConfig(), logger)
	a.health.RegisterComponent("store", func(ctx context.Context) error {
		_, err := a.store.Stats(ctx)
		return err
	})
	a.health.RegisterComponent("source", func(ctx context.Context) error {
		_, err := a.source.ListDirectory(ctx, "")
		return err
	})

	var metricsHandler http.Handler
	if a.collector != nil {
		metricsHandler = a.collector.Handler()
	}
	a.server = api.NewServer(api.ServerConfig{
		Address:      cfg.API.Address,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  api.DefaultServerConfig().IdleTimeout,
		EnableCORS:   cfg.API.EnableCORS,
	}, api.Deps{
		Browser: a.browser,
		Blobs:   a.blobs,
		Metrics: metricsHandler,
		Health:  a.health,
		Logger:  logger,
	})
	return nil
}

// NewSource builds the source named by cfg.Type.
func NewSource(ctx context.Context, cfg config.SourceConfig, logger *zap.Logger, m types.MetricsCollector) (types.Source, error) {
	switch cfg.Type {
	case "s3":
		return source.NewS3(ctx, cfg.S3, logger, m)
	case "local", "":
		return source.NewLocal(cfg.Root, logger, m)
	default:
		return nil, mcerrors.Newf(mcerrors.ErrCodeInvalidConfig, "unsupported source type %q", cfg.Type).
			WithComponent("adapter")
	}
}

// Start launches the scheduler and periodic health checks.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return mcerrors.NewError(mcerrors.ErrCodeAlreadyStarted, "adapter already started").
			WithComponent("adapter").WithOperation("Start")
	}

	if err := a.browser.Start(ctx); err != nil {
		return err
	}
	a.health.CheckNow(ctx)

	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		a.health.StartHealthChecks(hctx)
	}()

	a.started = true
	a.logger.Info("media cache started",
		zap.String("cache_dir", a.config.Global.CacheDir),
		zap.String("source", a.config.Source.Type),
		zap.String("health", a.health.GetOverallHealth().String()))
	return nil
}

// Serve starts the HTTP API in the background.
func (a *Adapter) Serve() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.serving {
		return
	}
	a.serving = true
	a.server.StartBackground()
}

// Stop shuts the API down, stops background work and releases every
// resource, including the cache lock. It is safe to call more than once.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	if a.serving {
		sctx, cancel := context.WithTimeout(ctx, a.config.API.ShutdownTimeout)
		if err := a.server.Shutdown(sctx); err != nil {
			firstErr = err
		}
		cancel()
		a.serving = false
	}
	if a.cancel != nil {
		a.cancel()
		<-a.done
		a.cancel = nil
	}
	a.started = false

	if err := a.closeResources(); err != nil && firstErr == nil {
		firstErr = err
	}
	a.logger.Info("media cache stopped")
	return firstErr
}

// closeResources releases whatever init managed to create.
func (a *Adapter) closeResources() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.browser != nil {
		keep(a.browser.Close())
		a.browser = nil
	} else if a.pool != nil {
		keep(a.pool.Close())
	}
	a.pool = nil
	if a.store != nil {
		keep(a.store.Close())
		a.store = nil
	}
	if a.lock != nil {
		if err := a.lock.Unlock(); err != nil {
			a.logger.Warn("failed to release cache lock", logging.Err(err))
		}
		a.lock = nil
	}
	return firstErr
}

// Browser returns the application service.
func (a *Adapter) Browser() *browser.Service { return a.browser }

// Store returns the persistent store.
func (a *Adapter) Store() *store.Store { return a.store }

// Health returns the component health tracker.
func (a *Adapter) Health() *health.Tracker { return a.health }

// Handler returns the API handler, for embedding in another server.
func (a *Adapter) Handler() http.Handler { return a.server.Handler() }

// ClearCache deletes everything persisted and drops the in-memory
// thumbnail layer.
func (a *Adapter) ClearCache(ctx context.Context) error {
	if a.store == nil {
		return mcerrors.NewError(mcerrors.ErrCodeComponentStopped, "adapter is stopped").
			WithComponent("adapter").WithOperation("ClearCache")
	}
	if err := a.store.Clear(ctx); err != nil {
		return err
	}
	a.thumbs.ClearMemory()
	a.logger.Info("persistent cache cleared")
	return nil
}
