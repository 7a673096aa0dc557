package scheduler

import (
	"sync"

	"github.com/mediacache/mediacache/pkg/types"
)

// DefaultLookaheadMargin extends the viewport so items just off screen load early.
const DefaultLookaheadMargin = 100

// Rect is an axis-aligned rectangle in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Empty reports whether r has no area.
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Intersects reports whether r and o overlap.
func (r Rect) Intersects(o Rect) bool {
	if r.Empty() || o.Empty() {
		return false
	}
	return r.X < o.X+o.Width && o.X < r.X+r.Width &&
		r.Y < o.Y+o.Height && o.Y < r.Y+r.Height
}

// Inset grows r by d on every side; negative d shrinks it.
func (r Rect) Inset(d float64) Rect {
	return Rect{X: r.X - d, Y: r.Y - d, Width: r.Width + 2*d, Height: r.Height + 2*d}
}

// Viewport is the visible area plus a lookahead margin.
type Viewport struct {
	Rect   Rect    `json:"rect"`
	Margin float64 `json:"margin"`
}

// Eligible reports whether an item at r should be loaded.
func (v Viewport) Eligible(r Rect) bool {
	return v.Rect.Inset(v.Margin).Intersects(r)
}

// Queue is the part of a Scheduler the tracker drives.
type Queue interface {
	Enqueue(id types.Identity, mt types.MediaType, job Job) bool
	Dequeue(id types.Identity) bool
}

// JobFactory builds the load job for an item that became eligible.
type JobFactory func(id types.Identity, mt types.MediaType) Job

// VisibilityTracker turns per-item layout updates into enqueue and dequeue
// calls, acting only on transitions.
type VisibilityTracker struct {
	queue   Queue
	factory JobFactory

	mu      sync.Mutex
	visible map[types.Identity]bool
}

// NewVisibilityTracker creates a tracker.
func NewVisibilityTracker(q Queue, factory JobFactory) *VisibilityTracker {
	return &VisibilityTracker{
		queue:   q,
		factory: factory,
		visible: make(map[types.Identity]bool),
	}
}

// Update records the position of id and reports whether it is eligible.
func (t *VisibilityTracker) Update(id types.Identity, mt types.MediaType, r Rect, vp Viewport) bool {
	eligible := vp.Eligible(r)

	t.mu.Lock()
	was := t.visible[id]
	if eligible {
		t.visible[id] = true
	} else {
		delete(t.visible, id)
	}
	t.mu.Unlock()

	switch {
	case eligible && !was:
		t.queue.Enqueue(id, mt, t.factory(id, mt))
	case !eligible && was:
		t.queue.Dequeue(id)
	}
	return eligible
}

// Reset forgets all tracked items and dequeues any still waiting, as when the
// listing is replaced.
func (t *VisibilityTracker) Reset() {
	t.mu.Lock()
	ids := make([]types.Identity, 0, len(t.visible))
	for id := range t.visible {
		ids = append(ids, id)
	}
	t.visible = make(map[types.Identity]bool)
	t.mu.Unlock()

	for _, id := range ids {
		t.queue.Dequeue(id)
	}
}

// Visible returns the number of items currently eligible.
func (t *VisibilityTracker) Visible() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.visible)
}
