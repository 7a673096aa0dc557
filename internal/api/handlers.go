package api

import (
	"net/http"
	"time"

	"github.com/mediacache/mediacache/internal/navigation"
	"github.com/mediacache/mediacache/internal/scheduler"
	mcerrors "github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/health"
	"github.com/mediacache/mediacache/pkg/types"
)

type identityRequest struct {
	Identity types.Identity `json:"identity"`
}

type identitiesRequest struct {
	Identities []types.Identity `json:"identities"`
}

// entry resolves id to an entry of the open directory, responding with an
// error when it cannot.
func (s *Server) entry(w http.ResponseWriter, r *http.Request, id types.Identity) (types.Entry, bool) {
	if id.IsZero() {
		s.respondError(w, r, http.StatusBadRequest, "identity is required")
		return types.Entry{}, false
	}
	e, ok := s.browser.Entry(id)
	if !ok {
		s.respondMediaError(w, r, notListed(id), "")
		return types.Entry{}, false
	}
	return e, true
}

func (s *Server) queryEntry(w http.ResponseWriter, r *http.Request) (types.Entry, bool) {
	raw := r.URL.Query().Get("identity")
	if raw == "" {
		s.respondError(w, r, http.StatusBadRequest, "identity is required")
		return types.Entry{}, false
	}
	id, err := types.ParseIdentity(raw)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return types.Entry{}, false
	}
	return s.entry(w, r, id)
}

func notListed(id types.Identity) error {
	return mcerrors.Newf(mcerrors.ErrCodeFileNotFound, "%s is not in the open directory", id).
		WithComponent("api")
}

// entries resolves ids against the open directory, skipping unknown ones.
// An empty list selects every listed entry.
func (s *Server) entries(ids []types.Identity) []types.Entry {
	if len(ids) == 0 {
		return s.browser.Entries()
	}
	out := make([]types.Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.browser.Entry(id); ok {
			out = append(out, e)
		}
	}
	return out
}

// Health endpoint

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}

	if s.health == nil {
		s.respondJSON(w, r, http.StatusOK, map[string]interface{}{
			"status":    health.StateHealthy,
			"timestamp": time.Now(),
		})
		return
	}

	overall := s.health.GetOverallHealth()
	status := http.StatusOK
	if overall == health.StateUnavailable {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, r, status, map[string]interface{}{
		"status":     overall,
		"components": s.health.GetAllComponents(),
		"timestamp":  time.Now(),
	})
}

// Browsing endpoints

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	listing, err := s.browser.OpenDirectory(r.Context(), r.URL.Query().Get("dir"))
	if err != nil {
		s.respondMediaError(w, r, err, "")
		return
	}

	resp := listingResponse{
		Directory:      listing.Directory,
		Subdirectories: listing.Subdirectories,
		MediaEntries:   make([]entryView, 0, len(listing.MediaEntries)),
	}
	for _, e := range listing.MediaEntries {
		resp.MediaEntries = append(resp.MediaEntries, entryView{Entry: e, Identity: e.Identity()})
	}
	s.respondJSON(w, r, http.StatusOK, resp)
}

// entryView is a listed entry with the identity clients address it by.
type entryView struct {
	types.Entry
	Identity types.Identity `json:"identity"`
}

type listingResponse struct {
	Directory      string        `json:"directory"`
	Subdirectories []types.Entry `json:"subdirectories"`
	MediaEntries   []entryView   `json:"media_entries"`
}

func (s *Server) handleDisplay(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	var req identityRequest
	if !s.decode(w, r, &req) {
		return
	}
	e, ok := s.entry(w, r, req.Identity)
	if !ok {
		return
	}

	display, err := s.browser.AcquireDisplayURL(r.Context(), e)
	if err != nil {
		s.respondMediaError(w, r, err, e.MediaType.String())
		return
	}
	s.respondJSON(w, r, http.StatusOK, display)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	var req struct {
		LeaseID string `json:"lease_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.LeaseID == "" {
		s.respondError(w, r, http.StatusBadRequest, "lease_id is required")
		return
	}
	s.respondJSON(w, r, http.StatusOK, map[string]bool{"released": s.browser.ReleaseLease(req.LeaseID)})
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	e, ok := s.queryEntry(w, r)
	if !ok {
		return
	}

	if r.URL.Query().Get("generate") == "false" {
		url, ok := s.browser.GetThumbnailURL(r.Context(), e.Identity())
		if !ok {
			err := mcerrors.Newf(mcerrors.ErrCodeFileNotFound, "no cached thumbnail for %s", e.Path).
				WithComponent("api")
			s.respondMediaError(w, r, err, e.MediaType.String())
			return
		}
		s.respondJSON(w, r, http.StatusOK, map[string]string{"url": url})
		return
	}

	url, err := s.browser.EnsureThumbnail(r.Context(), e)
	if err != nil {
		s.respondMediaError(w, r, err, e.MediaType.String())
		return
	}
	s.respondJSON(w, r, http.StatusOK, map[string]string{"url": url})
}

type visibleRequest struct {
	Identity types.Identity  `json:"identity"`
	Rect     *scheduler.Rect `json:"rect,omitempty"`
	Viewport *scheduler.Rect `json:"viewport,omitempty"`
}

// handleVisible enqueues an item. With rect and viewport the layout goes
// through the visibility tracker instead, which may also dequeue it.
func (s *Server) handleVisible(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	var req visibleRequest
	if !s.decode(w, r, &req) {
		return
	}
	e, ok := s.entry(w, r, req.Identity)
	if !ok {
		return
	}

	if req.Rect != nil && req.Viewport != nil {
		eligible, err := s.browser.UpdateVisibility(e.Identity(), *req.Rect, *req.Viewport)
		if err != nil {
			s.respondMediaError(w, r, err, "")
			return
		}
		s.respondJSON(w, r, http.StatusOK, map[string]bool{"eligible": eligible})
		return
	}
	s.respondJSON(w, r, http.StatusOK, map[string]bool{"queued": s.browser.EnqueueVisible(e.Identity(), e.MediaType)})
}

func (s *Server) handleHidden(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	var req identityRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Identity.IsZero() {
		s.respondError(w, r, http.StatusBadRequest, "identity is required")
		return
	}
	s.respondJSON(w, r, http.StatusOK, map[string]bool{"dequeued": s.browser.DequeueHidden(req.Identity)})
}

func (s *Server) handlePreload(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	var req identitiesRequest
	if !s.decode(w, r, &req) {
		return
	}
	entries := s.entries(req.Identities)
	s.browser.StartPreload(entries)
	s.respondJSON(w, r, http.StatusAccepted, map[string]int{"queued": len(entries)})
}

func (s *Server) handlePreloadCancel(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	s.browser.CancelPreload()
	s.respondJSON(w, r, http.StatusOK, map[string]bool{"canceled": true})
}

// Navigation endpoints

type moveResponse struct {
	Moved bool             `json:"moved"`
	Item  *navigation.Item `json:"item,omitempty"`
	State navigation.State `json:"state"`
}

func (s *Server) handleNavState(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	s.respondJSON(w, r, http.StatusOK, s.browser.NavigationState())
}

// handleNavList replaces the navigation list with the given identities, or
// with the whole open directory when none are given.
func (s *Server) handleNavList(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	var req identitiesRequest
	if !s.decode(w, r, &req) {
		return
	}
	entries := s.entries(req.Identities)
	items := make([]navigation.Item, 0, len(entries))
	for _, e := range entries {
		items = append(items, navigation.ItemFromEntry(e))
	}
	s.browser.SetList(items)
	s.respondJSON(w, r, http.StatusOK, s.browser.NavigationState())
}

func (s *Server) handleNavCurrent(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	var req identityRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Identity.IsZero() {
		s.respondError(w, r, http.StatusBadRequest, "identity is required")
		return
	}
	if !s.browser.SetCurrent(req.Identity) {
		s.respondMediaError(w, r, notListed(req.Identity), "")
		return
	}
	s.respondJSON(w, r, http.StatusOK, s.browser.NavigationState())
}

func (s *Server) navMove(move func() (navigation.Item, bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.allow(w, r, http.MethodPost) {
			return
		}
		it, ok := move()
		s.respondMove(w, r, it, ok)
	}
}

// handleNavStep moves in ?direction=next|previous, staying on images when
// the current item is one.
func (s *Server) handleNavStep(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	var forward bool
	switch r.URL.Query().Get("direction") {
	case "", "next":
		forward = true
	case "previous":
	default:
		s.respondError(w, r, http.StatusBadRequest, "direction must be next or previous")
		return
	}
	it, ok := s.browser.Step(forward)
	s.respondMove(w, r, it, ok)
}

func (s *Server) respondMove(w http.ResponseWriter, r *http.Request, it navigation.Item, moved bool) {
	resp := moveResponse{Moved: moved, State: s.browser.NavigationState()}
	if moved {
		resp.Item = &it
	}
	s.respondJSON(w, r, http.StatusOK, resp)
}

// Cache administration endpoints

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	stats, err := s.browser.GetStats(r.Context())
	if err != nil {
		s.respondMediaError(w, r, err, "")
		return
	}
	s.respondJSON(w, r, http.StatusOK, stats)
}

func (s *Server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	var req struct {
		OlderThan string `json:"older_than"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.OlderThan == "" {
		s.respondError(w, r, http.StatusBadRequest, "older_than is required")
		return
	}
	age, err := time.ParseDuration(req.OlderThan)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid older_than: "+err.Error())
		return
	}

	res, err := s.browser.Purge(r.Context(), age)
	if err != nil {
		s.respondMediaError(w, r, err, "")
		return
	}
	s.respondJSON(w, r, http.StatusOK, res)
}

func (s *Server) handleCacheClearMemory(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	s.browser.ClearMemory()
	s.respondJSON(w, r, http.StatusOK, map[string]bool{"cleared": true})
}
