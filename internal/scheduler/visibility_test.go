package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mediacache/mediacache/pkg/types"
)

func TestViewportEligible(t *testing.T) {
	vp := Viewport{Rect: Rect{X: 0, Y: 0, Width: 800, Height: 600}, Margin: 100}

	tests := []struct {
		name string
		r    Rect
		want bool
	}{
		{"inside", Rect{X: 10, Y: 10, Width: 100, Height: 100}, true},
		{"within lookahead below", Rect{X: 10, Y: 650, Width: 100, Height: 100}, true},
		{"within lookahead above", Rect{X: 10, Y: -150, Width: 100, Height: 100}, true},
		{"beyond lookahead", Rect{X: 10, Y: 701, Width: 100, Height: 100}, false},
		{"touching edge is outside", Rect{X: 10, Y: 700, Width: 100, Height: 100}, false},
		{"zero size", Rect{X: 10, Y: 10}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, vp.Eligible(tt.r))
		})
	}
}

type recordingQueue struct {
	enqueued []types.Identity
	dequeued []types.Identity
}

func (q *recordingQueue) Enqueue(id types.Identity, _ types.MediaType, _ Job) bool {
	q.enqueued = append(q.enqueued, id)
	return true
}

func (q *recordingQueue) Dequeue(id types.Identity) bool {
	q.dequeued = append(q.dequeued, id)
	return true
}

func TestVisibilityTrackerTransitions(t *testing.T) {
	q := &recordingQueue{}
	tr := NewVisibilityTracker(q, func(types.Identity, types.MediaType) Job {
		return func(context.Context) error { return nil }
	})
	vp := Viewport{Rect: Rect{Width: 800, Height: 600}, Margin: DefaultLookaheadMargin}
	onScreen := Rect{X: 0, Y: 0, Width: 100, Height: 100}
	offScreen := Rect{X: 0, Y: 5000, Width: 100, Height: 100}
	a := id("a")

	assert.True(t, tr.Update(a, types.MediaImage, onScreen, vp))
	assert.True(t, tr.Update(a, types.MediaImage, onScreen, vp))
	assert.Len(t, q.enqueued, 1, "repeated visibility enqueues once")

	assert.False(t, tr.Update(a, types.MediaImage, offScreen, vp))
	assert.False(t, tr.Update(a, types.MediaImage, offScreen, vp))
	assert.Len(t, q.dequeued, 1)

	tr.Update(a, types.MediaImage, onScreen, vp)
	tr.Update(id("b"), types.MediaVideo, onScreen, vp)
	assert.Equal(t, 2, tr.Visible())

	tr.Reset()
	assert.Zero(t, tr.Visible())
	assert.Len(t, q.dequeued, 3)
}
