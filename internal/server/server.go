// Package server exposes the labeling service over HTTP.
//
// Routes live under /v1 and use the method+pattern ServeMux. Every /v1
// request carries an X-Tenant-Id header; identity and role come from
// X-User-Id and X-User-Role. Health endpoints are unauthenticated.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labelforge/labeld/internal/bridge"
	"github.com/labelforge/labeld/internal/clock"
	"github.com/labelforge/labeld/internal/dispatch"
	"github.com/labelforge/labeld/internal/export"
	"github.com/labelforge/labeld/internal/policy"
	"github.com/labelforge/labeld/internal/storage"
)

// Version is stamped by the build; handlers report it from /health.
var Version = "dev"

// Options configure optional server collaborators.
type Options struct {
	// Token, when non-empty, requires "Authorization: Bearer <token>"
	// on every /v1 request.
	Token string
	// Bridge fetches sample content for the sample read endpoint. A nil
	// bridge serves sample refs without content.
	Bridge bridge.SampleBridge
	// Datasets backs the dataset endpoints. A nil registry means every
	// dataset read is a miss.
	Datasets *export.Registry
	Policies *policy.Registry
	Clock    clock.Clock
}

// Server handles the /v1 API over a store and a dispatcher.
type Server struct {
	store      storage.Store
	dispatcher *dispatch.Dispatcher
	samples    bridge.SampleBridge
	datasets   *export.Registry
	clk        clock.Clock
	token      string
	started    time.Time

	mu         sync.RWMutex
	httpServer *http.Server
	listener   net.Listener
}

// New returns a server over store.
func New(store storage.Store, opts Options) *Server {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System
	}
	datasets := opts.Datasets
	if datasets == nil {
		datasets = export.NewRegistry()
	}
	return &Server{
		store:      store,
		dispatcher: dispatch.New(store, opts.Policies, clk),
		samples:    opts.Bridge,
		datasets:   datasets,
		clk:        clk,
		token:      opts.Token,
		started:    clk.Now(),
	}
}

// Datasets returns the registry backing the dataset endpoints so export
// commands can publish manifests to a running server.
func (s *Server) Datasets() *export.Registry { return s.datasets }

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints, no auth required.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReadiness)

	mux.Handle("POST /v1/schemas", s.api(s.handleCreateSchema))
	mux.Handle("GET /v1/schemas/{id}", s.api(s.handleGetSchema))
	mux.Handle("POST /v1/queues", s.api(s.handleCreateQueue))
	mux.Handle("GET /v1/queues/{id}", s.api(s.handleGetQueue))
	mux.Handle("POST /v1/samples", s.api(s.handleCreateSample))
	mux.Handle("GET /v1/samples/{id}", s.api(s.handleGetSample))
	mux.Handle("GET /v1/queues/{queue_id}/assignments/next", s.api(s.handleFetchNext))
	mux.Handle("POST /v1/labels", s.api(s.handleSubmitLabel))
	mux.Handle("GET /v1/datasets", s.api(s.handleListDatasets))
	mux.Handle("GET /v1/datasets/{id}", s.api(s.handleGetDataset))
	mux.Handle("GET /v1/datasets/{id}/slices/{name}", s.api(s.handleGetSlice))

	return s.logRequests(mux)
}

// Start listens on addr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.mu.Lock()
	s.httpServer = srv
	s.listener = listener
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"version": Version,
		"uptime":  fmt.Sprintf("%.0fs", s.clk.Now().Sub(s.started).Seconds()),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	// Ready means the store answers. A probe read against a tenant that
	// cannot exist exercises the full query path.
	_, err := s.store.GetQueue(r.Context(), "_probe", "_probe")
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready": false,
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}
