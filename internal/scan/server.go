package scan

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StoreControl manages the store connection settings behind the history
type StoreControl interface {
	// Driver names the record store in use
	Driver() string

	// Config returns the current settings with secrets removed
	Config() any

	// Reconfigure validates and saves JSON settings and moves the history onto
	// them. Invalid settings yield an error of kind ConfigInvalid.
	Reconfigure(ctx context.Context, raw []byte) error
}

// ServerConfig holds the optional parts of the HTTP surface
type ServerConfig struct {
	Version  string
	Scanner  string
	Store    StoreControl
	Gatherer prometheus.Gatherer
}

// Server handles HTTP requests for sessions and history
type Server struct {
	manager *Manager
	history *History
	config  ServerConfig
	mux     *http.ServeMux
}

// NewServer creates a new Server with default mux
func NewServer(manager *Manager, history *History, config ServerConfig) *Server {
	return NewServerWithMux(manager, history, config, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(manager *Manager, history *History, config ServerConfig, mux *http.ServeMux) *Server {
	s := &Server{
		manager: manager,
		history: history,
		config:  config,
		mux:     mux,
	}
	s.registerRoutes()
	return s
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/config", s.handleConfig)
	if s.config.Gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))
	}

	// History
	s.mux.HandleFunc("GET /api/history/export", s.handleExportHistory)
	s.mux.HandleFunc("GET /api/history", s.handleSearchHistory)
	s.mux.HandleFunc("GET /api/store-config", s.handleGetStoreConfig)
	s.mux.HandleFunc("PUT /api/store-config", s.handlePutStoreConfig)

	// Sessions (most specific paths first)
	s.mux.HandleFunc("POST /api/sessions/{id}/history/{scanID}/load", s.handleLoadHistoryItem)
	s.mux.HandleFunc("DELETE /api/sessions/{id}/history/{scanID}", s.handleDeleteScan)
	s.mux.HandleFunc("DELETE /api/sessions/{id}/notices/{noticeID}", s.handleDismissNotice)
	s.mux.HandleFunc("PUT /api/sessions/{id}/credential", s.handleSetCredential)
	s.mux.HandleFunc("POST /api/sessions/{id}/image", s.handleUploadImage)
	s.mux.HandleFunc("DELETE /api/sessions/{id}/image", s.handleClearImage)
	s.mux.HandleFunc("POST /api/sessions/{id}/drive", s.handleDriveLink)
	s.mux.HandleFunc("POST /api/sessions/{id}/confirm", s.handleConfirm)
	s.mux.HandleFunc("POST /api/sessions/{id}/extract", s.handleExtract)
	s.mux.HandleFunc("POST /api/sessions/{id}/prompt", s.handleGeneratePrompt)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.handleEndSession)
	s.mux.HandleFunc("POST /api/sessions", s.handleCreateSession)

	// Locally stored images
	s.mux.HandleFunc("GET /blobs/{path...}", s.handleGetBlob)
}

// Handler returns the mux wrapped with CORS handling
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

// Run serves on addr until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	slog.Info("Stopping server")
	return srv.Shutdown(shutdownCtx)
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handler().ServeHTTP(w, r)
}
