// Package server exposes the audit lifecycle over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/tkingovr/isnad/internal/journal"
	"github.com/tkingovr/isnad/internal/lifecycle"
	"github.com/tkingovr/isnad/internal/policy"
	"github.com/tkingovr/isnad/internal/ratelimit"
)

// MaxBodyBytes bounds request bodies.
const MaxBodyBytes = 10 << 20

const shutdownTimeout = 10 * time.Second

// Server is the audit gateway HTTP server.
type Server struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	svc       *lifecycle.Service
	journal   journal.Store
	admission policy.Engine
	limiter   *ratelimit.Limiter
	addr      string
}

// Option configures a Server.
type Option func(*Server)

// WithJournal serves events and stats from j.
func WithJournal(j journal.Store) Option {
	return func(s *Server) { s.journal = j }
}

// WithAdmission checks submissions and payments against e.
func WithAdmission(e policy.Engine) Option {
	return func(s *Server) { s.admission = e }
}

// WithRateLimit applies l to submissions, payments and status polls.
func WithRateLimit(l *ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// NewServer creates a new gateway server.
func NewServer(addr string, svc *lifecycle.Service, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		mux:       http.NewServeMux(),
		logger:    logger,
		svc:       svc,
		journal:   journal.Discard,
		admission: policy.AllowAll{},
		addr:      addr,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/v1/audit/request", s.limit("submit", s.handleSubmit))
	s.mux.HandleFunc("POST /api/v1/audit/pay/{audit_id}", s.limit("pay", s.handlePay))
	s.mux.HandleFunc("GET /api/v1/audit/status/{audit_id}", s.limit("status", s.handleStatus))
	s.mux.HandleFunc("GET /api/v1/audit/history/{audit_id}", s.limit("status", s.handleHistory))
	s.mux.HandleFunc("GET /api/v1/audit/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting gateway", "addr", s.addr, "demo_mode", s.svc.DemoMode())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}
