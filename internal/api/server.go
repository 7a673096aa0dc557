package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mediacache/mediacache/internal/blobs"
	"github.com/mediacache/mediacache/internal/browser"
	"github.com/mediacache/mediacache/internal/logging"
	mcerrors "github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/health"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Server provides the HTTP API for the media browser
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	browser    *browser.Service
	blobs      http.Handler
	metrics    http.Handler
	health     *health.Tracker
	config     ServerConfig
	logger     *zap.Logger
}

// ServerConfig configures the API server
type ServerConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	EnableCORS   bool          `yaml:"enable_cors"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "127.0.0.1:8765",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		EnableCORS:   true,
	}
}

// Deps are the components the server exposes. Browser is required; a nil
// Metrics handler leaves /metrics unregistered and a nil Health tracker
// reports healthy.
type Deps struct {
	Browser *browser.Service
	Blobs   http.Handler
	Metrics http.Handler
	Health  *health.Tracker
	Logger  *zap.Logger
}

// NewServer creates a new API server
func NewServer(config ServerConfig, deps Deps) *Server {
	s := &Server{
		browser: deps.Browser,
		blobs:   deps.Blobs,
		metrics: deps.Metrics,
		health:  deps.Health,
		config:  config,
		logger:  logging.Component(deps.Logger, "api"),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	if s.blobs != nil {
		mux.Handle(blobs.PathPrefix, s.blobs)
	}

	// Browsing
	mux.HandleFunc("/api/list", s.handleList)
	mux.HandleFunc("/api/display", s.handleDisplay)
	mux.HandleFunc("/api/release", s.handleRelease)
	mux.HandleFunc("/api/thumbnail", s.handleThumbnail)
	mux.HandleFunc("/api/visible", s.handleVisible)
	mux.HandleFunc("/api/hidden", s.handleHidden)
	mux.HandleFunc("/api/preload", s.handlePreload)
	mux.HandleFunc("/api/preload/cancel", s.handlePreloadCancel)

	// Navigation
	mux.HandleFunc("/api/nav", s.handleNavState)
	mux.HandleFunc("/api/nav/list", s.handleNavList)
	mux.HandleFunc("/api/nav/current", s.handleNavCurrent)
	mux.HandleFunc("/api/nav/next", s.navMove(s.browser.Next))
	mux.HandleFunc("/api/nav/previous", s.navMove(s.browser.Previous))
	mux.HandleFunc("/api/nav/next-image", s.navMove(s.browser.NextImage))
	mux.HandleFunc("/api/nav/previous-image", s.navMove(s.browser.PreviousImage))
	mux.HandleFunc("/api/nav/step", s.handleNavStep)

	// Cache administration
	mux.HandleFunc("/api/cache/stats", s.handleCacheStats)
	mux.HandleFunc("/api/cache/purge", s.handleCachePurge)
	mux.HandleFunc("/api/cache/clear-memory", s.handleCacheClearMemory)

	var handler http.Handler = mux
	if config.EnableCORS {
		handler = corsMiddleware(handler)
	}
	handler = logging.Middleware(s.logger)(handler)
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the API server and blocks until it stops
func (s *Server) Start() error {
	s.logger.Info("starting API server", zap.String("address", s.config.Address))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return mcerrors.Wrap(err, mcerrors.ErrCodeInternalError, "API server failed").
			WithComponent("api").WithOperation("Start")
	}
	return nil
}

// StartBackground starts the API server in a goroutine. Errors after
// startup are logged.
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Error("API server error", logging.Err(err))
		}
	}()
}

// Shutdown gracefully shuts down the API server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Helper methods

func (s *Server) respondJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.WithContext(r.Context(), s.logger).Warn("failed to encode response", logging.Err(err))
	}
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error     string             `json:"error"`
	Code      mcerrors.ErrorCode `json:"code,omitempty"`
	Fallback  *mcerrors.Fallback `json:"fallback,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, statusCode int, message string) {
	s.respondJSON(w, r, statusCode, errorResponse{Error: message, Timestamp: time.Now()})
}

// respondMediaError maps err to its HTTP status. When mediaType is set the
// body carries the placeholder the client should show instead.
func (s *Server) respondMediaError(w http.ResponseWriter, r *http.Request, err error, mediaType string) {
	resp := errorResponse{
		Error:     err.Error(),
		Code:      mcerrors.CodeOf(err),
		Timestamp: time.Now(),
	}
	if mediaType != "" {
		fb := mcerrors.FallbackFor(err, mediaType)
		resp.Fallback = &fb
	}
	s.respondJSON(w, r, mcerrors.HTTPStatusOf(err), resp)
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	s.respondError(w, r, http.StatusMethodNotAllowed, "Method not allowed")
	return false
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
