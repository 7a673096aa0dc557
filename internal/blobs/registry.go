// Package blobs holds byte payloads in memory behind opaque, revocable URLs.
//
// A Registry is the primitive the handle pool builds on: Create mints a URL
// that serves the bytes until Revoke is called, after which the URL answers
// 404. The registry does no reference counting of its own.
package blobs

import (
	"bytes"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mediacache/mediacache/internal/logging"
)

// PathPrefix is the route under which blob URLs are served.
const PathPrefix = "/blob/"

type blob struct {
	data      []byte
	mimeType  string
	createdAt time.Time
}

// Registry maps blob URLs to their payloads.
type Registry struct {
	base   string
	logger *zap.Logger

	mu    sync.RWMutex
	blobs map[string]blob
	bytes int64
}

// NewRegistry returns an empty registry. base is prepended to every URL it
// mints; an empty base yields server-relative URLs such as /blob/<id>.
func NewRegistry(base string, logger *zap.Logger) *Registry {
	return &Registry{
		base:   strings.TrimRight(base, "/"),
		logger: logging.Component(logger, "blobs"),
		blobs:  make(map[string]blob),
	}
}

// Create stores data and returns a fresh URL for it. The registry keeps a
// reference to data; callers must not modify it afterwards.
func (r *Registry) Create(data []byte, mimeType string) string {
	key := uuid.NewString()
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	r.mu.Lock()
	r.blobs[key] = blob{data: data, mimeType: mimeType, createdAt: time.Now()}
	r.bytes += int64(len(data))
	r.mu.Unlock()

	return r.base + PathPrefix + key
}

// Revoke drops the payload behind url. It reports whether url was live.
func (r *Registry) Revoke(url string) bool {
	key, ok := r.keyOf(url)
	if !ok {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blobs[key]
	if !ok {
		return false
	}
	delete(r.blobs, key)
	r.bytes -= int64(len(b.data))
	return true
}

// Lookup returns the payload and MIME type behind url.
func (r *Registry) Lookup(url string) ([]byte, string, bool) {
	key, ok := r.keyOf(url)
	if !ok {
		return nil, "", false
	}
	return r.lookupKey(key)
}

func (r *Registry) lookupKey(key string) ([]byte, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.blobs[key]
	if !ok {
		return nil, "", false
	}
	return b.data, b.mimeType, true
}

// Len returns the number of live blobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.blobs)
}

// Bytes returns the total size of live blobs.
func (r *Registry) Bytes() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bytes
}

func (r *Registry) keyOf(url string) (string, bool) {
	idx := strings.LastIndex(url, PathPrefix)
	if idx < 0 {
		return "", false
	}
	key := url[idx+len(PathPrefix):]
	if _, err := uuid.Parse(key); err != nil {
		return "", false
	}
	return key, true
}

// ServeHTTP serves GET and HEAD requests for /blob/<id>.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key, ok := r.keyOf(req.URL.Path)
	if !ok {
		http.NotFound(w, req)
		return
	}

	r.mu.RLock()
	b, ok := r.blobs[key]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug("blob not found", zap.String("key", key))
		http.NotFound(w, req)
		return
	}

	w.Header().Set("Content-Type", b.mimeType)
	w.Header().Set("Cache-Control", "private, no-store")
	http.ServeContent(w, req, "", b.createdAt, bytes.NewReader(b.data))
}
