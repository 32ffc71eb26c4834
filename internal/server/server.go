// Package server exposes the client-facing HTTP surface: the responses
// passthrough, the chat/completions shim, usage and health endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codexlb/codex-lb/internal/balancer"
	"github.com/codexlb/codex-lb/internal/config"
	"github.com/codexlb/codex-lb/internal/metrics"
	"github.com/codexlb/codex-lb/internal/proxy"
	"github.com/codexlb/codex-lb/internal/refresher"
	"github.com/codexlb/codex-lb/internal/reqlog"
	"github.com/codexlb/codex-lb/internal/store"
	"github.com/codexlb/codex-lb/internal/transport"
)

type Server struct {
	cfg        *config.Config
	store      *store.Store
	builder    *balancer.Builder
	proxy      *proxy.Service
	metrics    *metrics.Registry
	transport  *transport.Manager
	logs       *reqlog.Writer
	refresher  *refresher.Refresher
	httpServer *http.Server
	startTime  time.Time
}

func New(cfg *config.Config, s *store.Store, builder *balancer.Builder, p *proxy.Service,
	reg *metrics.Registry, tm *transport.Manager, logs *reqlog.Writer, rf *refresher.Refresher) *Server {
	srv := &Server{
		cfg:       cfg,
		store:     s,
		builder:   builder,
		proxy:     p,
		metrics:   reg,
		transport: tm,
		logs:      logs,
		refresher: rf,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.UpstreamTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/responses", s.handleResponses)
	mux.HandleFunc("POST /backend-api/codex/responses", s.handleResponsesSSE)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("POST /v1/responses/compact", s.handleCompact)
	mux.HandleFunc("GET /api/codex/usage", s.handleUsage)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.metrics.Snapshot())
	})
}

// Run starts the listener and background loops, blocking until shutdown.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.transport.RunCleanup(ctx)
	go s.logs.Run(ctx)
	if err := s.refresher.Start(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		err := s.httpServer.Shutdown(shutdownCtx)
		s.refresher.Stop()
		cancel()
		s.logs.Wait()
		return err
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
