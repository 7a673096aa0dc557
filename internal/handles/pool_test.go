package handles

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediacache/mediacache/internal/blobs"
	mcerrors "github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/types"
)

func newTestPool(t *testing.T, opts Options) (*Pool, *blobs.Registry) {
	t.Helper()
	reg := blobs.NewRegistry("", nil)
	p := NewPool(reg, opts)
	t.Cleanup(func() { _ = p.Close() })
	return p, reg
}

func id(name string) types.Identity {
	return types.ComputeIdentity(name, 1, 1)
}

func live(reg *blobs.Registry, url string) bool {
	_, _, ok := reg.Lookup(url)
	return ok
}

func TestAcquireReusesLiveHandle(t *testing.T) {
	p, reg := newTestPool(t, Options{})

	a, err := p.Acquire(id("a"), []byte("a"), "image/jpeg")
	require.NoError(t, err)
	b, err := p.Acquire(id("a"), []byte("ignored"), "image/jpeg")
	require.NoError(t, err)

	assert.Equal(t, a.URL(), b.URL(), "at most one live URL per identity")
	assert.Equal(t, 1, reg.Len())

	h, ok := p.Lookup(id("a"))
	require.True(t, ok)
	assert.Equal(t, 2, h.RefCount)
	assert.Equal(t, StateLive, h.State)

	data, _, ok := reg.Lookup(a.URL())
	require.True(t, ok)
	assert.Equal(t, []byte("a"), data)
}

func TestNeverRevokedWhileReferenced(t *testing.T) {
	p, reg := newTestPool(t, Options{GracePeriod: 5 * time.Millisecond})

	a, err := p.Acquire(id("a"), []byte("a"), "")
	require.NoError(t, err)
	b, err := p.Acquire(id("a"), nil, "")
	require.NoError(t, err)

	a.Release()
	time.Sleep(30 * time.Millisecond)
	assert.True(t, live(reg, b.URL()), "one lease still holds the URL")

	b.Release()
	assert.Eventually(t, func() bool { return !live(reg, b.URL()) }, time.Second, 5*time.Millisecond)

	_, ok := p.Lookup(id("a"))
	assert.False(t, ok)
}

func TestGraceWindowReacquireKeepsURL(t *testing.T) {
	p, reg := newTestPool(t, Options{GracePeriod: 50 * time.Millisecond})

	first, err := p.Acquire(id("a"), []byte("a"), "")
	require.NoError(t, err)
	first.Release()

	h, ok := p.Lookup(id("a"))
	require.True(t, ok)
	assert.Equal(t, StatePendingRevoke, h.State)

	second, err := p.Acquire(id("a"), []byte("other"), "")
	require.NoError(t, err)
	assert.Equal(t, first.URL(), second.URL())

	time.Sleep(100 * time.Millisecond)
	assert.True(t, live(reg, second.URL()), "cancelled timer must not revoke the revived handle")

	stats := p.Stats()
	assert.Equal(t, 1, stats.Live)
	assert.Equal(t, uint64(1), stats.Created)
	assert.Equal(t, uint64(1), stats.Reacquire)
	assert.Zero(t, stats.Revoked)
}

func TestStaleTimerIgnoredAfterRearm(t *testing.T) {
	p, reg := newTestPool(t, Options{GracePeriod: 40 * time.Millisecond})

	l1, err := p.Acquire(id("a"), []byte("a"), "")
	require.NoError(t, err)
	l1.Release()

	time.Sleep(20 * time.Millisecond)
	l2, err := p.Acquire(id("a"), nil, "")
	require.NoError(t, err)
	l2.Release()

	// The first timer would have fired at 40ms; the second window runs to ~60ms.
	time.Sleep(25 * time.Millisecond)
	assert.True(t, live(reg, l2.URL()))

	assert.Eventually(t, func() bool { return !live(reg, l2.URL()) }, time.Second, 5*time.Millisecond)
}

func TestReleaseIsIdempotentAndNeverNegative(t *testing.T) {
	p, reg := newTestPool(t, Options{GracePeriod: time.Hour})

	a, err := p.Acquire(id("a"), []byte("a"), "")
	require.NoError(t, err)
	b, err := p.Acquire(id("a"), nil, "")
	require.NoError(t, err)

	a.Release()
	a.Release()
	a.Release()

	h, ok := p.Lookup(id("a"))
	require.True(t, ok)
	assert.Equal(t, 1, h.RefCount, "repeated release of one lease counts once")
	assert.True(t, live(reg, b.URL()))

	b.Release()
	h, ok = p.Lookup(id("a"))
	require.True(t, ok)
	assert.Equal(t, 0, h.RefCount)

	var nilLease *Lease
	assert.NotPanics(t, nilLease.Release)
}

func TestUnmatchedReleaseAfterDestroy(t *testing.T) {
	p, reg := newTestPool(t, Options{})

	a, err := p.Acquire(id("a"), []byte("a"), "")
	require.NoError(t, err)
	assert.Equal(t, 1, p.DestroyAll())
	assert.False(t, live(reg, a.URL()))

	b, err := p.Acquire(id("a"), []byte("a"), "")
	require.NoError(t, err)
	assert.NotEqual(t, a.URL(), b.URL(), "destroyed handles are recreated under a fresh URL")

	assert.NotPanics(t, a.Release)

	h, ok := p.Lookup(id("a"))
	require.True(t, ok)
	assert.Equal(t, 1, h.RefCount, "stale lease must not touch the new handle")
}

func TestSweepRevokesOnlyIdleUnreferenced(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	p, reg := newTestPool(t, Options{GracePeriod: time.Hour, MaxIdle: 30 * time.Minute, Clock: clock})

	held, err := p.Acquire(id("held"), []byte("h"), "")
	require.NoError(t, err)
	idle, err := p.Acquire(id("idle"), []byte("i"), "")
	require.NoError(t, err)
	idle.Release()

	advance(10 * time.Minute)
	assert.Zero(t, p.Sweep())

	advance(25 * time.Minute)
	assert.Equal(t, 1, p.Sweep())
	assert.False(t, live(reg, idle.URL()))
	assert.True(t, live(reg, held.URL()), "referenced handles survive any idle time")
}

func TestAcquireFuncLoadsOnce(t *testing.T) {
	p, reg := newTestPool(t, Options{})

	var loads atomic.Int32
	gate := make(chan struct{})
	load := func(ctx context.Context) ([]byte, string, error) {
		loads.Add(1)
		<-gate
		return []byte("payload"), "image/png", nil
	}

	const callers = 8
	leases := make([]*Lease, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := p.AcquireFunc(context.Background(), id("a"), load)
			assert.NoError(t, err)
			leases[i] = l
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), loads.Load())
	assert.Equal(t, 1, reg.Len())
	for _, l := range leases {
		require.NotNil(t, l)
		assert.Equal(t, leases[0].URL(), l.URL())
	}

	h, ok := p.Lookup(id("a"))
	require.True(t, ok)
	assert.Equal(t, callers, h.RefCount)

	// A live handle short-circuits the loader entirely.
	_, err := p.AcquireFunc(context.Background(), id("a"), func(context.Context) ([]byte, string, error) {
		t.Fatal("loader must not run for a live handle")
		return nil, "", nil
	})
	require.NoError(t, err)
}

func TestAcquireFuncPropagatesLoadError(t *testing.T) {
	p, reg := newTestPool(t, Options{})
	boom := errors.New("boom")

	_, err := p.AcquireFunc(context.Background(), id("a"), func(context.Context) ([]byte, string, error) {
		return nil, "", boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, reg.Len())
}

func TestAcquireFuncSurvivesCancelledFirstCaller(t *testing.T) {
	p, reg := newTestPool(t, Options{})

	var loads atomic.Int32
	load := func(ctx context.Context) ([]byte, string, error) {
		loads.Add(1)
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(150 * time.Millisecond):
			return []byte("payload"), "image/png", nil
		}
	}

	first, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = p.AcquireFunc(first, id("a"), load)
	}()
	time.Sleep(10 * time.Millisecond)

	var second *Lease
	var secondErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		second, secondErr = p.AcquireFunc(context.Background(), id("a"), load)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	wg.Wait()

	assert.ErrorIs(t, firstErr, context.Canceled)
	require.NoError(t, secondErr)
	require.NotNil(t, second)
	assert.True(t, live(reg, second.URL()))
	assert.Equal(t, int32(1), loads.Load())

	h, ok := p.Lookup(id("a"))
	require.True(t, ok)
	assert.Equal(t, 1, h.RefCount)
}

func TestAcquireRejectsZeroIdentityAndClosedPool(t *testing.T) {
	reg := blobs.NewRegistry("", nil)
	p := NewPool(reg, Options{})

	_, err := p.Acquire(types.Identity{}, nil, "")
	assert.Equal(t, mcerrors.ErrCodeValidationFailed, mcerrors.CodeOf(err))

	l, err := p.Acquire(id("a"), []byte("a"), "")
	require.NoError(t, err)
	require.NoError(t, p.Close())
	assert.False(t, live(reg, l.URL()), "close revokes everything")

	_, err = p.Acquire(id("a"), []byte("a"), "")
	assert.Equal(t, mcerrors.ErrCodeComponentStopped, mcerrors.CodeOf(err))
	require.NoError(t, p.Close())
}

func TestConcurrentAcquireReleaseKeepsOneURL(t *testing.T) {
	p, reg := newTestPool(t, Options{GracePeriod: time.Millisecond})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l, err := p.Acquire(id("a"), []byte("a"), "")
				if !assert.NoError(t, err) {
					return
				}
				assert.True(t, live(reg, l.URL()), "a held URL is always resolvable")
				assert.LessOrEqual(t, reg.Len(), 1)
				l.Release()
			}
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)
}
