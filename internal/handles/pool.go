package handles

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mediacache/mediacache/internal/logging"
	mcerrors "github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/types"
)

const (
	DefaultGracePeriod   = 75 * time.Millisecond
	DefaultSweepInterval = 5 * time.Minute
	DefaultMaxIdle       = 30 * time.Minute
)

// Handle events reported to the metrics collector.
const (
	eventCreated          = "created"
	eventReused           = "reused"
	eventReacquired       = "reacquired"
	eventRevoked          = "revoked"
	eventSwept            = "swept"
	eventUnmatchedRelease = "unmatched_release"
)

// State is the lifecycle state of a handle.
type State int

const (
	StateLive State = iota
	StatePendingRevoke
	StateRevoked
)

func (s State) String() string {
	switch s {
	case StateLive:
		return "live"
	case StatePendingRevoke:
		return "pending_revoke"
	case StateRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Blobs is the URL primitive the pool manages. *blobs.Registry implements it.
type Blobs interface {
	Create(data []byte, mimeType string) string
	Revoke(url string) bool
}

// LoadFunc produces the bytes for an identity that has no live handle.
type LoadFunc func(ctx context.Context) (data []byte, mimeType string, err error)

// Options configures a Pool.
type Options struct {
	GracePeriod   time.Duration
	SweepInterval time.Duration
	MaxIdle       time.Duration

	Logger  *zap.Logger
	Metrics types.MetricsCollector
	Clock   func() time.Time
}

func (o *Options) setDefaults() {
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.MaxIdle <= 0 {
		o.MaxIdle = DefaultMaxIdle
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Handle is a point-in-time view of a pool entry.
type Handle struct {
	Identity       types.Identity
	URL            string
	MimeType       string
	Size           int64
	RefCount       int
	State          State
	LastAccessedAt time.Time
}

type entry struct {
	id           types.Identity
	url          string
	mimeType     string
	size         int64
	refCount     int
	state        State
	generation   uint64
	timer        *time.Timer
	lastAccessed time.Time
}

// Pool hands out display URLs keyed by identity. At most one URL is live per
// identity, and a URL is never revoked while a lease on it is outstanding.
type Pool struct {
	blobs   Blobs
	opts    Options
	logger  *zap.Logger
	metrics types.MetricsCollector
	group   singleflight.Group

	mu        sync.Mutex
	entries   map[types.Identity]*entry
	closed    bool
	created   uint64
	revoked   uint64
	reacquire uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool creates a pool on top of b and starts its idle sweeper.
func NewPool(b Blobs, opts Options) *Pool {
	opts.setDefaults()
	p := &Pool{
		blobs:   b,
		opts:    opts,
		logger:  logging.Component(opts.Logger, "handles"),
		metrics: types.OrNop(opts.Metrics),
		entries: make(map[types.Identity]*entry),
		stopCh:  make(chan struct{}),
	}

	p.wg.Add(1)
	go p.sweepLoop()
	return p
}

// Acquire returns a lease on the display URL for id. A live handle is reused
// and a handle waiting out its grace window is revived with the same URL.
// Otherwise data is registered under a new URL. data is ignored when an
// existing handle is reused.
func (p *Pool) Acquire(id types.Identity, data []byte, mimeType string) (*Lease, error) {
	return p.acquire(id, data, mimeType, true)
}

func (p *Pool) acquire(id types.Identity, data []byte, mimeType string, create bool) (*Lease, error) {
	if id.IsZero() {
		return nil, mcerrors.NewError(mcerrors.ErrCodeValidationFailed, "identity is required").
			WithComponent("handles").WithOperation("acquire")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, mcerrors.NewError(mcerrors.ErrCodeComponentStopped, "handle pool is closed").
			WithComponent("handles").WithOperation("acquire")
	}

	now := p.opts.Clock()
	if e, ok := p.entries[id]; ok {
		switch e.state {
		case StateLive:
			e.refCount++
			e.lastAccessed = now
			p.metrics.RecordHandleEvent(eventReused)
			return p.newLease(e), nil
		case StatePendingRevoke:
			if e.timer != nil {
				e.timer.Stop()
				e.timer = nil
			}
			e.generation++
			e.state = StateLive
			e.refCount = 1
			e.lastAccessed = now
			p.reacquire++
			p.metrics.RecordHandleEvent(eventReacquired)
			p.logger.Debug("handle reacquired within grace window", logging.Identity(id))
			return p.newLease(e), nil
		}
	}
	if !create {
		return nil, nil
	}

	e := &entry{
		id:           id,
		url:          p.blobs.Create(data, mimeType),
		mimeType:     mimeType,
		size:         int64(len(data)),
		refCount:     1,
		state:        StateLive,
		lastAccessed: now,
	}
	p.entries[id] = e
	p.created++
	p.metrics.RecordHandleEvent(eventCreated)
	p.metrics.SetLiveHandles(len(p.entries))
	p.logger.Debug("handle created", logging.Identity(id), zap.String("url", e.url), logging.Bytes("size", e.size))
	return p.newLease(e), nil
}

// AcquireFunc is Acquire with lazily loaded bytes: load runs only when id has
// no live or pending handle. Concurrent calls for the same identity share one
// load.
func (p *Pool) AcquireFunc(ctx context.Context, id types.Identity, load LoadFunc) (*Lease, error) {
	lease, err := p.acquire(id, nil, "", false)
	if err != nil || lease != nil {
		return lease, err
	}

	type loaded struct {
		data     []byte
		mimeType string
	}
	// The load is shared, so it runs detached from any one caller's ctx.
	work := context.WithoutCancel(ctx)
	ch := p.group.DoChan(id.String(), func() (interface{}, error) {
		data, mimeType, err := load(work)
		if err != nil {
			return nil, err
		}
		return loaded{data: data, mimeType: mimeType}, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		l := res.Val.(loaded)
		return p.Acquire(id, l.data, l.mimeType)
	}
}

// Lookup returns a snapshot of the handle for id.
func (p *Pool) Lookup(id types.Identity) (Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return Handle{}, false
	}
	return e.snapshot(), true
}

func (e *entry) snapshot() Handle {
	return Handle{
		Identity:       e.id,
		URL:            e.url,
		MimeType:       e.mimeType,
		Size:           e.size,
		RefCount:       e.refCount,
		State:          e.state,
		LastAccessedAt: e.lastAccessed,
	}
}

func (p *Pool) release(id types.Identity, url string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok || e.url != url || e.state != StateLive || e.refCount <= 0 {
		p.metrics.RecordHandleEvent(eventUnmatchedRelease)
		p.logger.Warn("release without matching acquire", logging.Identity(id), zap.String("url", url))
		return
	}

	e.refCount--
	e.lastAccessed = p.opts.Clock()
	if e.refCount > 0 {
		return
	}

	e.state = StatePendingRevoke
	e.generation++
	gen := e.generation
	e.timer = time.AfterFunc(p.opts.GracePeriod, func() {
		p.expire(id, gen)
	})
}

// expire runs when a grace window ends. The entry may have been reacquired,
// released again or destroyed since the timer was armed.
func (p *Pool) expire(id types.Identity, gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok || e.state != StatePendingRevoke || e.refCount != 0 || e.generation != gen {
		return
	}
	p.revokeLocked(e, eventRevoked)
}

func (p *Pool) revokeLocked(e *entry, event string) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.state = StateRevoked
	p.blobs.Revoke(e.url)
	delete(p.entries, e.id)
	p.revoked++
	p.metrics.RecordHandleEvent(event)
	p.metrics.SetLiveHandles(len(p.entries))
	p.logger.Debug("handle revoked", logging.Identity(e.id), zap.String("reason", event))
}

// Sweep revokes unreferenced handles idle for longer than MaxIdle and returns
// how many it revoked. Referenced handles are never touched.
func (p *Pool) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.opts.Clock().Add(-p.opts.MaxIdle)
	swept := 0
	for _, e := range p.entries {
		if e.refCount > 0 {
			continue
		}
		if e.lastAccessed.Before(cutoff) {
			p.revokeLocked(e, eventSwept)
			swept++
		}
	}
	if swept > 0 {
		p.logger.Info("swept idle handles", zap.Int("count", swept))
	}
	return swept
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Sweep()
		case <-p.stopCh:
			return
		}
	}
}

// DestroyAll revokes every handle regardless of references. Outstanding
// leases become no-ops. It returns the number of revoked handles.
func (p *Pool) DestroyAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, e := range p.entries {
		p.revokeLocked(e, eventRevoked)
		n++
	}
	return n
}

// Close stops the sweeper and destroys all handles.
func (p *Pool) Close() error {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	if n := p.DestroyAll(); n > 0 {
		p.logger.Info("handle pool closed", zap.Int("revoked", n))
	}
	return nil
}

// Stats reports handle counts.
func (p *Pool) Stats() types.HandleStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := types.HandleStats{
		Created:   p.created,
		Revoked:   p.revoked,
		Reacquire: p.reacquire,
	}
	for _, e := range p.entries {
		switch e.state {
		case StateLive:
			stats.Live++
		case StatePendingRevoke:
			stats.Pending++
		}
	}
	return stats
}
