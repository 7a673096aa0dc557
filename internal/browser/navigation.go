package browser

import (
	"go.uber.org/zap"

	"github.com/mediacache/mediacache/internal/navigation"
	"github.com/mediacache/mediacache/pkg/types"
)

// SetList replaces the navigation list with items.
func (s *Service) SetList(items []navigation.Item) {
	s.nav.SetList(items)
}

// SetCurrent moves the cursor to id and prefetches its neighbours.
func (s *Service) SetCurrent(id types.Identity) bool {
	if !s.nav.SetCurrent(id) {
		return false
	}
	s.prefetchNeighbors()
	return true
}

// Next moves forward one item.
func (s *Service) Next() (navigation.Item, bool) {
	return s.moved(s.nav.Next())
}

// Previous moves back one item.
func (s *Service) Previous() (navigation.Item, bool) {
	return s.moved(s.nav.Previous())
}

// NextImage moves forward to the next image, skipping other media.
func (s *Service) NextImage() (navigation.Item, bool) {
	return s.moved(s.nav.NextImage())
}

// PreviousImage moves back to the previous image, skipping other media.
func (s *Service) PreviousImage() (navigation.Item, bool) {
	return s.moved(s.nav.PreviousImage())
}

// Step moves in the given direction. When the current item is an image, only
// images are stopped at.
func (s *Service) Step(forward bool) (navigation.Item, bool) {
	cur, ok := s.nav.Current()
	imagesOnly := ok && navigation.IsImage(cur)
	switch {
	case forward && imagesOnly:
		return s.NextImage()
	case forward:
		return s.Next()
	case imagesOnly:
		return s.PreviousImage()
	default:
		return s.Previous()
	}
}

// NavigationState returns a snapshot of the sequencer.
func (s *Service) NavigationState() navigation.State {
	return s.nav.State()
}

// Subscribe registers fn for navigation changes.
func (s *Service) Subscribe(fn func(navigation.State)) (cancel func()) {
	return s.nav.Subscribe(fn)
}

func (s *Service) moved(it navigation.Item, ok bool) (navigation.Item, bool) {
	if ok {
		s.prefetchNeighbors()
	}
	return it, ok
}

// prefetchNeighbors schedules thumbnails for the images around the cursor,
// nearest first.
func (s *Service) prefetchNeighbors() {
	neighbors := s.nav.Neighbors(s.opts.NeighborRadius, navigation.IsImage)
	queued := 0
	for _, it := range neighbors {
		if s.EnqueueVisible(it.Identity, it.MediaType) {
			queued++
		}
	}
	if queued > 0 {
		s.logger.Debug("prefetching neighbours", zap.Int("queued", queued), zap.Int("window", len(neighbors)))
	}
}
