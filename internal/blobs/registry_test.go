package blobs

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateLookupRevoke(t *testing.T) {
	r := NewRegistry("", nil)

	url := r.Create([]byte("hello"), "text/plain")
	assert.True(t, strings.HasPrefix(url, PathPrefix))

	data, mime, ok := r.Lookup(url)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, "text/plain", mime)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, int64(5), r.Bytes())

	assert.True(t, r.Revoke(url))
	assert.False(t, r.Revoke(url), "second revoke is a no-op")

	_, _, ok = r.Lookup(url)
	assert.False(t, ok)
	assert.Zero(t, r.Len())
	assert.Zero(t, r.Bytes())
}

func TestCreateMintsDistinctURLs(t *testing.T) {
	r := NewRegistry("http://localhost:8765/", nil)

	a := r.Create([]byte("x"), "")
	b := r.Create([]byte("x"), "")
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "http://localhost:8765/blob/"))

	_, mime, ok := r.Lookup(a)
	require.True(t, ok)
	assert.Equal(t, "application/octet-stream", mime)
}

func TestLookupRejectsForeignURLs(t *testing.T) {
	r := NewRegistry("", nil)
	r.Create([]byte("x"), "")

	for _, url := range []string{"", "/blob/", "/blob/not-a-uuid", "/other/0f8fad5b-d9cb-469f-a165-70867728950e"} {
		_, _, ok := r.Lookup(url)
		assert.False(t, ok, url)
		assert.False(t, r.Revoke(url), url)
	}
}

func TestServeHTTP(t *testing.T) {
	r := NewRegistry("", nil)
	url := r.Create([]byte("image bytes"), "image/jpeg")

	tests := []struct {
		name   string
		method string
		path   string
		status int
		body   string
	}{
		{name: "live blob", method: http.MethodGet, path: url, status: http.StatusOK, body: "image bytes"},
		{name: "head", method: http.MethodHead, path: url, status: http.StatusOK},
		{name: "unknown id", method: http.MethodGet, path: "/blob/0f8fad5b-d9cb-469f-a165-70867728950e", status: http.StatusNotFound},
		{name: "bad id", method: http.MethodGet, path: "/blob/abc", status: http.StatusNotFound},
		{name: "wrong method", method: http.MethodPost, path: url, status: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
			}
			if tt.body != "" {
				body, err := io.ReadAll(rec.Body)
				require.NoError(t, err)
				assert.Equal(t, tt.body, string(body))
			}
		})
	}
}

func TestServeHTTPAfterRevoke(t *testing.T) {
	r := NewRegistry("", nil)
	url := r.Create([]byte("gone soon"), "image/png")
	require.True(t, r.Revoke(url))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
