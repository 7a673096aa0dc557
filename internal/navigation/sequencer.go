// Package navigation keeps the ordered list of items being viewed and a cursor
// into it.
package navigation

import (
	"sync"

	"go.uber.org/zap"

	"github.com/mediacache/mediacache/internal/logging"
	"github.com/mediacache/mediacache/pkg/types"
)

// DefaultNeighborRadius is how many items on each side of the cursor are prefetched.
const DefaultNeighborRadius = 2

// Item is one navigable entry.
type Item struct {
	Identity  types.Identity  `json:"identity"`
	Name      string          `json:"name"`
	Path      string          `json:"path"`
	MediaType types.MediaType `json:"media_type"`
}

// ItemFromEntry builds an Item for a listed file.
func ItemFromEntry(e types.Entry) Item {
	return Item{Identity: e.Identity(), Name: e.Name, Path: e.Path, MediaType: e.MediaType}
}

// IsImage is a Neighbors filter.
func IsImage(it Item) bool {
	return it.MediaType == types.MediaImage
}

// State is a snapshot of the sequencer.
type State struct {
	Items         []Item `json:"items"`
	Cursor        int    `json:"cursor"`
	CanGoNext     bool   `json:"can_go_next"`
	CanGoPrevious bool   `json:"can_go_previous"`
	Current       *Item  `json:"current,omitempty"`
}

// Sequencer moves a cursor over a list without wrapping. The cursor is -1
// when unset.
type Sequencer struct {
	logger *zap.Logger

	mu      sync.Mutex
	items   []Item
	cursor  int
	subs    map[int]func(State)
	nextSub int
}

// New returns an empty sequencer.
func New(logger *zap.Logger) *Sequencer {
	return &Sequencer{
		logger: logging.Component(logger, "navigation"),
		cursor: -1,
		subs:   make(map[int]func(State)),
	}
}

// SetList replaces the list. The cursor is kept only if it is still in range
// and still points at the same identity; otherwise it becomes unset.
func (s *Sequencer) SetList(items []Item) {
	s.mu.Lock()
	var current types.Identity
	if s.cursor >= 0 {
		current = s.items[s.cursor].Identity
	}
	s.items = append([]Item(nil), items...)
	if s.cursor >= len(s.items) || (s.cursor >= 0 && s.items[s.cursor].Identity != current) {
		s.cursor = -1
	}
	state := s.stateLocked()
	s.mu.Unlock()

	s.logger.Debug("navigation list replaced", zap.Int("items", len(items)), zap.Int("cursor", state.Cursor))
	s.notify(state)
}

// SetCurrent moves the cursor to id. It reports false if id is not listed.
func (s *Sequencer) SetCurrent(id types.Identity) bool {
	s.mu.Lock()
	idx := -1
	for i, it := range s.items {
		if it.Identity == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.cursor = idx
	state := s.stateLocked()
	s.mu.Unlock()

	s.notify(state)
	return true
}

// Next advances the cursor. From an unset cursor it moves to the first item.
// At the end of the list it returns false and leaves the cursor unchanged.
func (s *Sequencer) Next() (Item, bool) {
	return s.move(1, nil)
}

// Previous steps the cursor back. At the start of the list it returns false
// and leaves the cursor unchanged.
func (s *Sequencer) Previous() (Item, bool) {
	return s.move(-1, nil)
}

// NextImage steps forward one item at a time until it reaches an image. If no
// image lies ahead the cursor is restored and false is returned.
func (s *Sequencer) NextImage() (Item, bool) {
	return s.move(1, IsImage)
}

// PreviousImage is NextImage in the other direction.
func (s *Sequencer) PreviousImage() (Item, bool) {
	return s.move(-1, IsImage)
}

func (s *Sequencer) move(dir int, want func(Item) bool) (Item, bool) {
	s.mu.Lock()
	start := s.cursor
	for {
		if !s.stepLocked(dir) {
			s.cursor = start
			s.mu.Unlock()
			return Item{}, false
		}
		it := s.items[s.cursor]
		if want == nil || want(it) {
			state := s.stateLocked()
			s.mu.Unlock()
			s.notify(state)
			return it, true
		}
	}
}

func (s *Sequencer) stepLocked(dir int) bool {
	next := s.cursor + dir
	if dir < 0 && s.cursor < 0 {
		return false
	}
	if next < 0 || next >= len(s.items) {
		return false
	}
	s.cursor = next
	return true
}

// Current returns the item under the cursor.
func (s *Sequencer) Current() (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor < 0 {
		return Item{}, false
	}
	return s.items[s.cursor], true
}

// State returns a snapshot.
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Sequencer) stateLocked() State {
	st := State{
		Items:  append([]Item(nil), s.items...),
		Cursor: s.cursor,
	}
	if s.cursor >= 0 {
		cur := s.items[s.cursor]
		st.Current = &cur
		st.CanGoPrevious = s.cursor > 0
		st.CanGoNext = s.cursor < len(s.items)-1
	} else {
		st.CanGoNext = len(s.items) > 0
	}
	return st
}

// Neighbors returns up to radius items on each side of the cursor that pass
// filter, nearest first and alternating forward and back. A nil filter
// accepts everything.
func (s *Sequencer) Neighbors(radius int, filter func(Item) bool) []Item {
	if radius <= 0 {
		radius = DefaultNeighborRadius
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor < 0 {
		return nil
	}

	var out []Item
	for d := 1; d <= radius; d++ {
		for _, idx := range []int{s.cursor + d, s.cursor - d} {
			if idx < 0 || idx >= len(s.items) {
				continue
			}
			if filter == nil || filter(s.items[idx]) {
				out = append(out, s.items[idx])
			}
		}
	}
	return out
}

// Subscribe registers fn to receive the state after every successful change.
// fn runs on the caller's goroutine and must not call back into the
// sequencer synchronously. The returned func unsubscribes.
func (s *Sequencer) Subscribe(fn func(State)) (cancel func()) {
	s.mu.Lock()
	key := s.nextSub
	s.nextSub++
	s.subs[key] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, key)
			s.mu.Unlock()
		})
	}
}

func (s *Sequencer) notify(state State) {
	s.mu.Lock()
	fns := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}
