// Package server exposes the run lifecycle, webhook, and approval endpoints
// over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/showrunner-ai/showrunner"
)

// Options configures the HTTP server.
type Options struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	Registry *showrunner.Registry
	Ingress  *showrunner.Ingress
	Gates    *showrunner.GateController
	Executor *showrunner.Executor
	DLQ      *showrunner.DeadLetterQueue
	Logger   *slog.Logger
}

// Server is the HTTP front door for the orchestration engine.
type Server struct {
	registry *showrunner.Registry
	ingress  *showrunner.Ingress
	gates    *showrunner.GateController
	executor *showrunner.Executor
	dlq      *showrunner.DeadLetterQueue
	logger   *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
}

// New creates a Server with the given options.
func New(opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Ingress == nil {
		return nil, fmt.Errorf("ingress is required")
	}
	if opts.Gates == nil {
		return nil, fmt.Errorf("gate controller is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		registry: opts.Registry,
		ingress:  opts.Ingress,
		gates:    opts.Gates,
		executor: opts.Executor,
		dlq:      opts.DLQ,
		logger:   opts.Logger,
		baseCtx:  ctx,
		cancel:   cancel,
	}

	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /runs", s.handleCreateRun)
	mux.HandleFunc("GET /runs/{run_id}", s.handleGetRun)
	mux.HandleFunc("POST /runs/{run_id}/abort", s.handleAbortRun)
	mux.HandleFunc("POST /webhooks/{provider}", s.handleWebhook)
	mux.HandleFunc("GET /hitl/approve/{run_id}/{gate}", s.handleApprove)
	mux.HandleFunc("GET /deadletters", s.handleListDeadLetters)
	mux.HandleFunc("POST /deadletters/{entry_id}/replay", s.handleReplayDeadLetter)

	s.httpSrv = &http.Server{
		Addr:         opts.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s, nil
}

// Handler returns the server's HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		s.logger.Info("shutting down", "signal", sig.String())
		s.Shutdown()
	}()

	s.logger.Info("listening", "addr", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains connections and stops the server.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
	}
	s.cancel()
}
