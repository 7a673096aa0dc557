package thumbnail

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mediacache/mediacache/internal/handles"
	"github.com/mediacache/mediacache/internal/logging"
	mcerrors "github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/types"
)

const (
	DefaultQuality       = 80
	DefaultMemoryEntries = 500
)

// Store is the persistent layer for thumbnail bytes and metadata.
// *store.Store implements it.
type Store interface {
	GetThumbnail(ctx context.Context, id types.Identity) (*types.ThumbnailAsset, bool)
	PutThumbnail(ctx context.Context, meta types.ThumbnailAsset, data []byte) (types.ThumbnailAsset, error)
	ReadThumbnailBytes(ref string) ([]byte, error)
	DeleteThumbnail(ctx context.Context, id types.Identity) error
	RemoveThumbnailFiles(refs []string) int
}

// Handles hands out display URLs. *handles.Pool implements it.
type Handles interface {
	Acquire(id types.Identity, data []byte, mimeType string) (*handles.Lease, error)
}

// Metadata describes the source of a thumbnail.
type Metadata struct {
	Name      string
	MediaType types.MediaType
	MimeType  string
	// VideoSeek is the preferred poster frame offset for videos.
	VideoSeek time.Duration
}

// Options configures a Cache.
type Options struct {
	MaxDimension  int
	Quality       int
	MemoryEntries int
	VideoSeek     time.Duration
	FrameTimeout  time.Duration

	// Grabber renders video poster frames. Videos fail with
	// FRAME_GRABBER_UNAVAILABLE when it is nil.
	Grabber  FrameGrabber
	Encoders []Encoder

	Logger  *zap.Logger
	Metrics types.MetricsCollector
}

func (o *Options) setDefaults() {
	if o.MaxDimension <= 0 {
		o.MaxDimension = DefaultMaxDimension
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = DefaultQuality
	}
	if o.MemoryEntries <= 0 {
		o.MemoryEntries = DefaultMemoryEntries
	}
	if o.VideoSeek <= 0 {
		o.VideoSeek = DefaultVideoSeek
	}
	if o.FrameTimeout <= 0 {
		o.FrameTimeout = DefaultFrameTimeout
	}
	if len(o.Encoders) == 0 {
		o.Encoders = DefaultEncoders()
	}
}

type memEntry struct {
	lease *handles.Lease
	meta  types.ThumbnailAsset
}

// Cache serves thumbnail URLs from memory, then from the persistent store,
// and generates missing thumbnails at most once per identity at a time.
type Cache struct {
	store   Store
	handles Handles
	opts    Options
	logger  *zap.Logger
	metrics types.MetricsCollector

	memory *lru.Cache
	group  singleflight.Group
	decode func([]byte) (image.Image, string, error)

	// mu orders memory inserts against Forget and ClearMemory.
	mu sync.Mutex

	hits        atomic.Uint64
	misses      atomic.Uint64
	evictions   atomic.Uint64
	generations atomic.Uint64
}

// NewCache builds a thumbnail cache.
func NewCache(st Store, h Handles, opts Options) (*Cache, error) {
	opts.setDefaults()
	c := &Cache{
		store:   st,
		handles: h,
		opts:    opts,
		logger:  logging.Component(opts.Logger, "thumbnail"),
		metrics: types.OrNop(opts.Metrics),
		decode:  decodeImage,
	}
	mem, err := lru.NewWithEvict(opts.MemoryEntries, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.memory = mem
	return c, nil
}

func (c *Cache) onEvict(_ interface{}, value interface{}) {
	if e, ok := value.(*memEntry); ok {
		e.lease.Release()
	}
}

type outcome int

const (
	outcomeMiss outcome = iota
	outcomeHit
)

type lookupStrategy struct {
	layer string
	fn    func(ctx context.Context, id types.Identity) (string, outcome)
}

func (c *Cache) strategies() []lookupStrategy {
	return []lookupStrategy{
		{layer: "thumbnail_memory", fn: c.fromMemory},
		{layer: "thumbnail_store", fn: c.fromStore},
	}
}

// Get returns a display URL for the thumbnail of id without generating one.
// The URL is owned by the in-memory entry: it stays servable while the entry
// is cached and is revoked one grace period after the entry is evicted or
// cleared. Callers that must pin it longer acquire their own lease from the
// handle pool.
func (c *Cache) Get(ctx context.Context, id types.Identity) (string, bool) {
	src := id.Source()
	for _, s := range c.strategies() {
		url, out := s.fn(ctx, src)
		if out == outcomeHit {
			c.hits.Add(1)
			c.metrics.RecordCacheHit(s.layer, 0)
			return url, true
		}
		c.metrics.RecordCacheMiss(s.layer)
	}
	c.misses.Add(1)
	return "", false
}

// Meta returns the thumbnail metadata for id from memory or the store.
func (c *Cache) Meta(ctx context.Context, id types.Identity) (types.ThumbnailAsset, bool) {
	src := id.Source()
	if v, ok := c.memory.Peek(src); ok {
		return v.(*memEntry).meta, true
	}
	meta, ok := c.store.GetThumbnail(ctx, src)
	if !ok {
		return types.ThumbnailAsset{}, false
	}
	return *meta, true
}

func (c *Cache) fromMemory(_ context.Context, id types.Identity) (string, outcome) {
	// Peek keeps eviction in insertion order.
	v, ok := c.memory.Peek(id)
	if !ok {
		return "", outcomeMiss
	}
	return v.(*memEntry).lease.URL(), outcomeHit
}

func (c *Cache) fromStore(ctx context.Context, id types.Identity) (string, outcome) {
	if c.store == nil {
		return "", outcomeMiss
	}
	meta, ok := c.store.GetThumbnail(ctx, id)
	if !ok {
		return "", outcomeMiss
	}
	data, err := c.store.ReadThumbnailBytes(meta.Ref)
	if err != nil {
		c.logger.Warn("thumbnail file unreadable; dropping metadata",
			logging.Identity(id), zap.String("ref", meta.Ref), logging.Err(err))
		_ = c.store.DeleteThumbnail(ctx, id)
		return "", outcomeMiss
	}
	url, err := c.remember(*meta, data)
	if err != nil {
		c.logger.Warn("register thumbnail handle failed", logging.Identity(id), logging.Err(err))
		return "", outcomeMiss
	}
	return url, outcomeHit
}

// remember registers a handle for the thumbnail bytes and keeps its lease in
// the memory layer. An entry already present wins.
func (c *Cache) remember(meta types.ThumbnailAsset, data []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.memory.Peek(meta.Identity); ok {
		return v.(*memEntry).lease.URL(), nil
	}
	lease, err := c.handles.Acquire(meta.Identity.Derived(types.DerivedThumbnail), data, meta.MimeType)
	if err != nil {
		return "", err
	}
	if evicted := c.memory.Add(meta.Identity, &memEntry{lease: lease, meta: meta}); evicted {
		c.evictions.Add(1)
		c.metrics.RecordEviction("thumbnail_memory", 1)
	}
	return lease.URL(), nil
}

// GenerateAndCache returns the thumbnail URL for id, rendering it from source
// if no cached thumbnail exists. Concurrent calls for one identity share a
// single render and receive the same URL, which has the lifetime described on
// Get. A caller whose ctx ends stops waiting; the shared render carries on.
func (c *Cache) GenerateAndCache(ctx context.Context, id types.Identity, source []byte, meta Metadata) (string, error) {
	src := id.Source()
	if src.IsZero() {
		return "", mcerrors.NewError(mcerrors.ErrCodeValidationFailed, "identity is required").
			WithComponent("thumbnail").WithOperation("generate")
	}
	if url, ok := c.Get(ctx, src); ok {
		return url, nil
	}

	// The shared render must not fail because the caller that started it
	// went away. Each caller stops waiting on its own ctx instead.
	work := context.WithoutCancel(ctx)
	ch := c.group.DoChan(src.String(), func() (interface{}, error) {
		// A generation that finished between Get and Do already cached it.
		if v, ok := c.memory.Peek(src); ok {
			return v.(*memEntry).lease.URL(), nil
		}
		return c.generate(work, src, source, meta)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			c.logger.Debug("joined in-flight thumbnail generation", logging.Identity(src))
		}
		return res.Val.(string), nil
	}
}

func (c *Cache) generate(ctx context.Context, id types.Identity, source []byte, meta Metadata) (string, error) {
	start := time.Now()
	img, err := c.render(ctx, source, meta)
	if err != nil {
		c.metrics.RecordOperation("thumbnail.generate", time.Since(start), int64(len(source)), false)
		c.metrics.RecordError("thumbnail.generate", err)
		c.logger.Debug("thumbnail render failed", logging.Identity(id), logging.Err(err))
		return "", err
	}

	enc, err := encodeFirst(c.opts.Encoders, img, c.opts.Quality)
	if err != nil {
		c.metrics.RecordError("thumbnail.generate", err)
		return "", err
	}
	c.generations.Add(1)

	b := img.Bounds()
	asset := types.ThumbnailAsset{
		Identity:  id,
		Width:     b.Dx(),
		Height:    b.Dy(),
		Quality:   enc.quality,
		MimeType:  enc.mimeType,
		Size:      int64(len(enc.data)),
		CreatedAt: time.Now(),
	}
	if c.store != nil {
		stored, err := c.store.PutThumbnail(ctx, asset, enc.data)
		if err != nil {
			c.logger.Warn("persist thumbnail failed; keeping in memory only",
				logging.Identity(id), logging.Err(err))
			c.metrics.RecordError("thumbnail.persist", err)
		} else {
			asset = stored
		}
	}

	url, err := c.remember(asset, enc.data)
	if err != nil {
		return "", err
	}
	c.metrics.RecordOperation("thumbnail.generate", time.Since(start), asset.Size, true)
	c.logger.Debug("thumbnail generated",
		logging.Identity(id),
		zap.Int("width", asset.Width),
		zap.Int("height", asset.Height),
		zap.String("mime_type", asset.MimeType),
		zap.Duration("elapsed", time.Since(start)),
	)
	return url, nil
}

func (c *Cache) render(ctx context.Context, source []byte, meta Metadata) (image.Image, error) {
	switch meta.MediaType {
	case types.MediaVideo:
		img, err := c.grabFrame(ctx, source, meta)
		if err != nil {
			return nil, err
		}
		return scale(img, c.opts.MaxDimension), nil
	case types.MediaImage, types.MediaOther:
		img, _, err := c.decode(source)
		if err != nil {
			return nil, err
		}
		img = applyOrientation(img, orientation(source))
		return scale(img, c.opts.MaxDimension), nil
	default:
		return nil, mcerrors.Newf(mcerrors.ErrCodeUnsupportedMedia, "no thumbnail for %s", meta.MediaType).
			WithComponent("thumbnail").WithOperation("render")
	}
}

func (c *Cache) grabFrame(ctx context.Context, source []byte, meta Metadata) (image.Image, error) {
	if c.opts.Grabber == nil {
		return nil, mcerrors.NewError(mcerrors.ErrCodeFrameGrabUnavail, "no frame grabber configured").
			WithComponent("thumbnail").WithOperation("grab_frame")
	}
	seek := c.opts.VideoSeek
	if meta.VideoSeek > 0 {
		seek = meta.VideoSeek
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.FrameTimeout)
	defer cancel()
	img, err := c.opts.Grabber.GrabFrame(ctx, source, seek)
	if err == nil {
		return img, nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, mcerrors.Wrap(err, mcerrors.ErrCodeOperationTimeout, "video frame extraction timed out").
			WithComponent("thumbnail").
			WithOperation("grab_frame").
			WithDetail("timeout", c.opts.FrameTimeout.String())
	}
	return nil, err
}

// Forget drops the thumbnail of id from memory and from the store.
func (c *Cache) Forget(ctx context.Context, id types.Identity) error {
	src := id.Source()
	c.mu.Lock()
	c.memory.Remove(src)
	c.mu.Unlock()
	if c.store == nil {
		return nil
	}
	return c.store.DeleteThumbnail(ctx, src)
}

// ClearMemory releases every in-memory thumbnail. Persisted thumbnails stay.
func (c *Cache) ClearMemory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.memory.Len()
	c.memory.Purge()
	c.logger.Debug("thumbnail memory cleared", zap.Int("entries", n))
}

// RemoveFiles deletes purged thumbnail files and drops any in-memory entries
// that point at them. It returns the number of files removed.
func (c *Cache) RemoveFiles(refs []string) int {
	if len(refs) == 0 {
		return 0
	}
	purged := make(map[string]struct{}, len(refs))
	for _, r := range refs {
		purged[r] = struct{}{}
	}

	c.mu.Lock()
	for _, k := range c.memory.Keys() {
		v, ok := c.memory.Peek(k)
		if !ok {
			continue
		}
		if _, hit := purged[v.(*memEntry).meta.Ref]; hit {
			c.memory.Remove(k)
		}
	}
	c.mu.Unlock()

	if c.store == nil {
		return 0
	}
	return c.store.RemoveThumbnailFiles(refs)
}

// Generations returns how many thumbnails have been rendered.
func (c *Cache) Generations() uint64 {
	return c.generations.Load()
}

// Stats reports the memory layer.
func (c *Cache) Stats() types.CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()
	stats := types.CacheStats{
		Hits:      hits,
		Misses:    misses,
		Evictions: c.evictions.Load(),
		Size:      int64(c.memory.Len()),
		Capacity:  int64(c.opts.MemoryEntries),
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	if stats.Capacity > 0 {
		stats.Utilization = float64(stats.Size) / float64(stats.Capacity)
	}
	return stats
}
