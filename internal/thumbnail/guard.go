package thumbnail

import (
	"context"
	"errors"
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/mediacache/mediacache/internal/circuit"
	"github.com/mediacache/mediacache/internal/logging"
	mcerrors "github.com/mediacache/mediacache/pkg/errors"
)

// GuardedGrabber pauses frame extraction after repeated timeouts or
// process failures, so a wedged ffmpeg does not hold up every video in a
// directory. Undecodable files do not count against it.
type GuardedGrabber struct {
	next    FrameGrabber
	breaker *circuit.CircuitBreaker
}

var _ FrameGrabber = (*GuardedGrabber)(nil)

// NewGuardedGrabber wraps next. It opens after tripAfter consecutive
// failures and probes again after cooldown.
func NewGuardedGrabber(next FrameGrabber, tripAfter int, cooldown time.Duration, logger *zap.Logger) *GuardedGrabber {
	if tripAfter <= 0 {
		tripAfter = 3
	}
	log := logging.Component(logger, "thumbnail.grabber")
	return &GuardedGrabber{
		next: next,
		breaker: circuit.NewCircuitBreaker("frame_grabber", circuit.Config{
			Timeout:     cooldown,
			ReadyToTrip: circuit.ConsecutiveFailures(uint32(tripAfter)),
			IsSuccessful: func(err error) bool {
				return err == nil || mcerrors.HasCode(err, mcerrors.ErrCodeDecodeFailed)
			},
			OnStateChange: func(name string, from, to circuit.State) {
				log.Warn("frame grabber state changed",
					zap.String("breaker", name),
					zap.Stringer("from", from),
					zap.Stringer("to", to))
			},
		}),
	}
}

// GrabFrame delegates to the wrapped grabber unless the breaker is open.
func (g *GuardedGrabber) GrabFrame(ctx context.Context, data []byte, requestedSeek time.Duration) (image.Image, error) {
	var img image.Image
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		out, err := g.next.GrabFrame(ctx, data, requestedSeek)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return mcerrors.Wrap(err, mcerrors.ErrCodeOperationTimeout, "frame extraction timed out").
					WithComponent("thumbnail").WithOperation("grab_frame")
			}
			return err
		}
		img = out
		return nil
	})
	if errors.Is(err, circuit.ErrOpenState) || errors.Is(err, circuit.ErrTooManyRequests) {
		return nil, mcerrors.Wrap(err, mcerrors.ErrCodeFrameGrabUnavail, "video thumbnails paused after repeated ffmpeg failures").
			WithComponent("thumbnail").WithOperation("grab_frame")
	}
	return img, err
}

// State reports the breaker state.
func (g *GuardedGrabber) State() circuit.State {
	return g.breaker.GetState()
}
