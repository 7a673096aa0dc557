package thumbnail

import (
	"context"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediacache/mediacache/internal/circuit"
	mcerrors "github.com/mediacache/mediacache/pkg/errors"
)

type scriptedGrabber struct {
	errs  []error
	calls int
}

func (g *scriptedGrabber) GrabFrame(ctx context.Context, _ []byte, _ time.Duration) (image.Image, error) {
	g.calls++
	if len(g.errs) == 0 {
		return image.NewRGBA(image.Rect(0, 0, 8, 8)), nil
	}
	err := g.errs[0]
	g.errs = g.errs[1:]
	if err == context.DeadlineExceeded {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, err
}

func TestGuardedGrabberTripsOnTimeouts(t *testing.T) {
	inner := &scriptedGrabber{errs: []error{context.DeadlineExceeded, context.DeadlineExceeded}}
	g := NewGuardedGrabber(inner, 2, time.Hour, nil)

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		_, err := g.GrabFrame(ctx, nil, 0)
		cancel()
		assert.Equal(t, mcerrors.ErrCodeOperationTimeout, mcerrors.CodeOf(err))
	}
	assert.Equal(t, circuit.StateOpen, g.State())

	_, err := g.GrabFrame(context.Background(), nil, 0)
	assert.Equal(t, mcerrors.ErrCodeFrameGrabUnavail, mcerrors.CodeOf(err))
	assert.Equal(t, 2, inner.calls, "open breaker skips ffmpeg")
}

func TestGuardedGrabberIgnoresDecodeFailures(t *testing.T) {
	corrupt := mcerrors.NewError(mcerrors.ErrCodeDecodeFailed, "moov atom not found")
	inner := &scriptedGrabber{errs: []error{corrupt, corrupt, corrupt, corrupt}}
	g := NewGuardedGrabber(inner, 2, time.Hour, nil)

	for i := 0; i < 4; i++ {
		_, err := g.GrabFrame(context.Background(), nil, 0)
		assert.Equal(t, mcerrors.ErrCodeDecodeFailed, mcerrors.CodeOf(err))
	}
	assert.Equal(t, circuit.StateClosed, g.State())

	img, err := g.GrabFrame(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
}

func TestGuardedGrabberRecoversAfterCooldown(t *testing.T) {
	inner := &scriptedGrabber{errs: []error{mcerrors.NewError(mcerrors.ErrCodeInternalError, "ffmpeg crashed")}}
	g := NewGuardedGrabber(inner, 1, 10*time.Millisecond, nil)

	_, err := g.GrabFrame(context.Background(), nil, 0)
	require.Error(t, err)
	assert.Equal(t, circuit.StateOpen, g.State())

	require.Eventually(t, func() bool { return g.State() == circuit.StateHalfOpen }, time.Second, 5*time.Millisecond)
	_, err = g.GrabFrame(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, circuit.StateClosed, g.State())
}
