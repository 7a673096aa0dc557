package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediacache/mediacache/internal/blobs"
	"github.com/mediacache/mediacache/internal/browser"
	"github.com/mediacache/mediacache/internal/handles"
	"github.com/mediacache/mediacache/internal/metrics"
	"github.com/mediacache/mediacache/internal/navigation"
	"github.com/mediacache/mediacache/internal/scheduler"
	"github.com/mediacache/mediacache/internal/source"
	"github.com/mediacache/mediacache/internal/store"
	"github.com/mediacache/mediacache/internal/thumbnail"
	mcerrors "github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/health"
	"github.com/mediacache/mediacache/pkg/types"
)

type testServer struct {
	*httptest.Server
	browser *browser.Service
	health  *health.Tracker
	ids     map[string]types.Identity
}

func jpegFile(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x += 4 {
		img.Set(x, h/2, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	root := t.TempDir()
	jpegFile(t, filepath.Join(root, "a.jpg"), 400, 200)
	jpegFile(t, filepath.Join(root, "b.jpg"), 64, 64)
	require.NoError(t, os.WriteFile(filepath.Join(root, "clip.mp4"), []byte("not really a video"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.mp3"), []byte("ID3"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(root, "holiday"), 0o750))

	src, err := source.NewLocal(root, nil, nil)
	require.NoError(t, err)

	st, err := store.Open(ctx, store.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	collector, err := metrics.NewCollector(nil)
	require.NoError(t, err)

	reg := blobs.NewRegistry("", nil)
	pool := handles.NewPool(reg, handles.Options{GracePeriod: 10 * time.Millisecond, Metrics: collector})
	thumbs, err := thumbnail.NewCache(st, pool, thumbnail.Options{MaxDimension: 300})
	require.NoError(t, err)

	svc, err := browser.New(browser.Options{
		Source:     src,
		Store:      st,
		Pool:       pool,
		Thumbnails: thumbs,
		Scheduler:  scheduler.New(scheduler.Options{YieldInterval: time.Millisecond}),
		Navigation: navigation.New(nil),
		Blobs:      reg,
		Metrics:    collector,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() { _ = svc.Close() })

	tracker := health.NewTracker(health.TrackerConfig{ErrorThreshold: 1, UnavailableThreshold: 2}, nil)
	tracker.RegisterComponent("store", nil)

	srv := NewServer(DefaultServerConfig(), Deps{
		Browser: svc,
		Blobs:   reg,
		Metrics: collector.Handler(),
		Health:  tracker,
	})
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	ts := &testServer{Server: hs, browser: svc, health: tracker, ids: make(map[string]types.Identity)}
	var listing struct {
		MediaEntries []struct {
			Name     string `json:"name"`
			Identity string `json:"identity"`
		} `json:"media_entries"`
	}
	ts.get(t, "/api/list", http.StatusOK, &listing)
	for _, e := range listing.MediaEntries {
		id, err := types.ParseIdentity(e.Identity)
		require.NoError(t, err)
		ts.ids[e.Name] = id
	}
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, wantStatus int, out interface{}) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, wantStatus, resp.StatusCode, "body: %s", raw)
	if out != nil {
		require.NoError(t, json.Unmarshal(raw, out), "body: %s", raw)
	}
}

func (ts *testServer) get(t *testing.T, path string, wantStatus int, out interface{}) {
	t.Helper()
	ts.do(t, http.MethodGet, path, nil, wantStatus, out)
}

func (ts *testServer) post(t *testing.T, path string, body interface{}, wantStatus int, out interface{}) {
	t.Helper()
	ts.do(t, http.MethodPost, path, body, wantStatus, out)
}

func TestListReturnsSortedMediaWithIdentities(t *testing.T) {
	ts := newTestServer(t)

	var listing struct {
		Directory      string        `json:"directory"`
		Subdirectories []types.Entry `json:"subdirectories"`
		MediaEntries   []struct {
			Name      string          `json:"name"`
			MediaType types.MediaType `json:"media_type"`
			Identity  types.Identity  `json:"identity"`
		} `json:"media_entries"`
	}
	ts.get(t, "/api/list", http.StatusOK, &listing)

	require.Len(t, listing.MediaEntries, 4)
	names := make([]string, 0, 4)
	for _, e := range listing.MediaEntries {
		names = append(names, e.Name)
		assert.False(t, e.Identity.IsZero())
	}
	assert.Equal(t, []string{"a.jpg", "b.jpg", "clip.mp4", "notes.mp3"}, names)
	assert.Equal(t, types.MediaAudio, listing.MediaEntries[3].MediaType)
	require.Len(t, listing.Subdirectories, 1)
	assert.Equal(t, "holiday", listing.Subdirectories[0].Name)
}

func TestListMissingDirectory(t *testing.T) {
	ts := newTestServer(t)

	var resp errorResponse
	ts.get(t, "/api/list?dir=nowhere", http.StatusNotFound, &resp)
	assert.Equal(t, mcerrors.ErrCodeFileNotFound, resp.Code)
	assert.Nil(t, resp.Fallback)

	ts.get(t, "/api/list?dir=../outside", http.StatusBadRequest, &resp)
	assert.Equal(t, mcerrors.ErrCodePathInvalid, resp.Code)
}

func TestDisplayServesBlobAndReleases(t *testing.T) {
	ts := newTestServer(t)

	var display browser.Display
	ts.post(t, "/api/display", map[string]interface{}{"identity": ts.ids["b.jpg"]}, http.StatusOK, &display)
	require.NotEmpty(t, display.LeaseID)
	require.True(t, strings.HasPrefix(display.URL, blobs.PathPrefix))
	assert.Equal(t, ts.ids["b.jpg"], display.Identity)

	resp, err := http.Get(ts.URL + display.URL)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, body)

	// A second acquire while the first lease is held reuses the URL.
	var again browser.Display
	ts.post(t, "/api/display", map[string]interface{}{"identity": ts.ids["b.jpg"]}, http.StatusOK, &again)
	assert.Equal(t, display.URL, again.URL)
	assert.NotEqual(t, display.LeaseID, again.LeaseID)

	var released map[string]bool
	ts.post(t, "/api/release", map[string]string{"lease_id": display.LeaseID}, http.StatusOK, &released)
	assert.True(t, released["released"])
	ts.post(t, "/api/release", map[string]string{"lease_id": display.LeaseID}, http.StatusOK, &released)
	assert.False(t, released["released"])
	ts.post(t, "/api/release", map[string]string{"lease_id": again.LeaseID}, http.StatusOK, &released)
	assert.True(t, released["released"])

	assert.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + display.URL)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusNotFound
	}, time.Second, 10*time.Millisecond, "display url revoked after the grace window")
}

func TestDisplayRequestErrors(t *testing.T) {
	ts := newTestServer(t)
	unknown := types.ComputeIdentity("elsewhere.jpg", 1, 2)

	tests := []struct {
		name   string
		body   interface{}
		status int
		code   mcerrors.ErrorCode
	}{
		{name: "unknown identity", body: map[string]interface{}{"identity": unknown}, status: http.StatusNotFound, code: mcerrors.ErrCodeFileNotFound},
		{name: "missing identity", body: map[string]interface{}{}, status: http.StatusBadRequest},
		{name: "malformed identity", body: map[string]interface{}{"identity": "nope"}, status: http.StatusBadRequest},
		{name: "unknown field", body: map[string]interface{}{"path": "a.jpg"}, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp errorResponse
			ts.post(t, "/api/display", tt.body, tt.status, &resp)
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, tt.code, resp.Code)
		})
	}
}

func TestThumbnailGenerateAndLookup(t *testing.T) {
	ts := newTestServer(t)
	id := ts.ids["a.jpg"].String()

	var miss errorResponse
	ts.get(t, "/api/thumbnail?generate=false&identity="+id, http.StatusNotFound, &miss)
	require.NotNil(t, miss.Fallback)
	assert.Equal(t, mcerrors.IconMissing, miss.Fallback.Icon)

	var out map[string]string
	ts.get(t, "/api/thumbnail?identity="+id, http.StatusOK, &out)
	require.NotEmpty(t, out["url"])

	resp, err := http.Get(ts.URL + out["url"])
	require.NoError(t, err)
	img, _, err := image.Decode(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, 300, img.Bounds().Dx())
	assert.Equal(t, 150, img.Bounds().Dy())

	var cached map[string]string
	ts.get(t, "/api/thumbnail?generate=false&identity="+id, http.StatusOK, &cached)
	assert.Equal(t, out["url"], cached["url"])
}

func TestThumbnailFallbacks(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		file   string
		status int
		code   mcerrors.ErrorCode
		icon   mcerrors.FallbackIcon
	}{
		{name: "audio has no thumbnail", file: "notes.mp3", status: http.StatusUnsupportedMediaType, code: mcerrors.ErrCodeUnsupportedMedia, icon: mcerrors.IconAudio},
		{name: "video without a frame grabber", file: "clip.mp4", status: http.StatusServiceUnavailable, code: mcerrors.ErrCodeFrameGrabUnavail, icon: mcerrors.IconVideo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp errorResponse
			ts.get(t, "/api/thumbnail?identity="+ts.ids[tt.file].String(), tt.status, &resp)
			assert.Equal(t, tt.code, resp.Code)
			require.NotNil(t, resp.Fallback)
			assert.Equal(t, tt.icon, resp.Fallback.Icon)
			assert.Equal(t, tt.code, resp.Fallback.Reason)
		})
	}

	var resp errorResponse
	ts.get(t, "/api/thumbnail", http.StatusBadRequest, &resp)
	ts.get(t, "/api/thumbnail?identity=garbage", http.StatusBadRequest, &resp)
}

func TestVisibleAndHidden(t *testing.T) {
	ts := newTestServer(t)
	id := ts.ids["a.jpg"]

	var out map[string]bool
	viewport := scheduler.Rect{Width: 800, Height: 600}
	far := scheduler.Rect{Y: 5000, Width: 100, Height: 100}
	ts.post(t, "/api/visible", visibleRequest{Identity: id, Rect: &far, Viewport: &viewport}, http.StatusOK, &out)
	assert.False(t, out["eligible"])

	ts.post(t, "/api/visible", map[string]interface{}{"identity": id}, http.StatusOK, &out)
	assert.Contains(t, out, "queued")

	assert.Eventually(t, func() bool {
		_, ok := ts.browser.GetThumbnailURL(context.Background(), id)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	ts.post(t, "/api/hidden", map[string]interface{}{"identity": ts.ids["b.jpg"]}, http.StatusOK, &out)
	assert.False(t, out["dequeued"])
}

func TestNavigationEndpoints(t *testing.T) {
	ts := newTestServer(t)

	var state navigation.State
	ts.get(t, "/api/nav", http.StatusOK, &state)
	require.Len(t, state.Items, 4)
	assert.Equal(t, -1, state.Cursor)

	ts.post(t, "/api/nav/current", map[string]interface{}{"identity": ts.ids["a.jpg"]}, http.StatusOK, &state)
	assert.Equal(t, 0, state.Cursor)

	nav := func(path string) moveResponse {
		t.Helper()
		var move moveResponse
		ts.post(t, path, nil, http.StatusOK, &move)
		return move
	}

	move := nav("/api/nav/next-image")
	require.True(t, move.Moved)
	require.NotNil(t, move.Item)
	assert.Equal(t, "b.jpg", move.Item.Name)

	// No image lies ahead: the cursor stays on b.jpg.
	move = nav("/api/nav/next-image")
	assert.False(t, move.Moved)
	assert.Nil(t, move.Item)
	assert.Equal(t, 1, move.State.Cursor)

	move = nav("/api/nav/step?direction=previous")
	require.True(t, move.Moved)
	require.NotNil(t, move.Item)
	assert.Equal(t, "a.jpg", move.Item.Name)

	move = nav("/api/nav/previous")
	assert.False(t, move.Moved)
	assert.Nil(t, move.Item)
	assert.False(t, move.State.CanGoPrevious)

	nav("/api/nav/next")
	move = nav("/api/nav/next")
	require.True(t, move.Moved)
	require.NotNil(t, move.Item)
	assert.Equal(t, "clip.mp4", move.Item.Name)

	move = nav("/api/nav/previous-image")
	require.True(t, move.Moved)
	require.NotNil(t, move.Item)
	assert.Equal(t, "b.jpg", move.Item.Name)

	var resp errorResponse
	ts.post(t, "/api/nav/step?direction=sideways", nil, http.StatusBadRequest, &resp)
	ts.post(t, "/api/nav/current", map[string]interface{}{"identity": types.ComputeIdentity("x.jpg", 1, 1)}, http.StatusNotFound, &resp)

	ts.post(t, "/api/nav/list", identitiesRequest{Identities: []types.Identity{ts.ids["b.jpg"], ts.ids["a.jpg"]}}, http.StatusOK, &state)
	require.Len(t, state.Items, 2)
	assert.Equal(t, "b.jpg", state.Items[0].Name)
}

func TestCacheEndpoints(t *testing.T) {
	ts := newTestServer(t)

	var display browser.Display
	ts.post(t, "/api/display", map[string]interface{}{"identity": ts.ids["a.jpg"]}, http.StatusOK, &display)

	var stats browser.Stats
	ts.get(t, "/api/cache/stats", http.StatusOK, &stats)
	assert.Equal(t, 1, stats.Store.ItemCount)
	assert.Equal(t, 1, stats.Handles.Live)
	assert.Equal(t, 1, stats.Leases)
	assert.Equal(t, 1, stats.Blobs.Count)

	var resp errorResponse
	ts.post(t, "/api/cache/purge", map[string]string{}, http.StatusBadRequest, &resp)
	ts.post(t, "/api/cache/purge", map[string]string{"older_than": "soon"}, http.StatusBadRequest, &resp)
	ts.post(t, "/api/cache/purge", map[string]string{"older_than": "-1h"}, http.StatusBadRequest, &resp)
	assert.Equal(t, mcerrors.ErrCodeValidationFailed, resp.Code)

	var purged browser.PurgeResult
	ts.post(t, "/api/cache/purge", map[string]string{"older_than": "720h"}, http.StatusOK, &purged)
	assert.Zero(t, purged.Thumbnails)

	var cleared map[string]bool
	ts.post(t, "/api/cache/clear-memory", nil, http.StatusOK, &cleared)
	assert.True(t, cleared["cleared"])
}

func TestPreloadEndpoints(t *testing.T) {
	ts := newTestServer(t)

	var out map[string]int
	ts.post(t, "/api/preload", identitiesRequest{Identities: []types.Identity{ts.ids["a.jpg"]}}, http.StatusAccepted, &out)
	assert.Equal(t, 1, out["queued"])

	assert.Eventually(t, func() bool {
		_, ok := ts.browser.GetThumbnailURL(context.Background(), ts.ids["a.jpg"])
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	var canceled map[string]bool
	ts.post(t, "/api/preload/cancel", nil, http.StatusOK, &canceled)
	assert.True(t, canceled["canceled"])
}

func TestHealthReflectsTracker(t *testing.T) {
	ts := newTestServer(t)

	var body map[string]interface{}
	ts.get(t, "/health", http.StatusOK, &body)
	assert.Equal(t, "healthy", body["status"])

	ts.health.RecordError("store", mcerrors.NewError(mcerrors.ErrCodeStorageRead, "locked"))
	ts.health.RecordError("store", mcerrors.NewError(mcerrors.ErrCodeStorageRead, "locked"))
	ts.get(t, "/health", http.StatusServiceUnavailable, &body)
	assert.Equal(t, "unavailable", body["status"])
}

func TestHealthWithoutTracker(t *testing.T) {
	srv := NewServer(DefaultServerConfig(), Deps{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "mediacache_")
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/list"},
		{http.MethodGet, "/api/display"},
		{http.MethodGet, "/api/release"},
		{http.MethodPost, "/api/thumbnail"},
		{http.MethodGet, "/api/nav/next"},
		{http.MethodPost, "/api/nav"},
		{http.MethodPost, "/api/cache/stats"},
		{http.MethodGet, "/api/cache/purge"},
		{http.MethodDelete, "/health"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			var resp errorResponse
			ts.do(t, tt.method, tt.path, nil, http.StatusMethodNotAllowed, &resp)
			assert.Equal(t, "Method not allowed", resp.Error)
		})
	}
}

func TestCORSPreflightAndRequestID(t *testing.T) {
	srv := NewServer(DefaultServerConfig(), Deps{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/display", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestShutdownWithoutStart(t *testing.T) {
	srv := NewServer(DefaultServerConfig(), Deps{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, srv.Shutdown(ctx))
}
