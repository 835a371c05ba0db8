// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ops is the operator HTTP surface of a coordinator process: health
// probes, prometheus metrics, read-only workflow inspection and a WebSocket
// feed of the run events published on the in-process bus.
package ops

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/maestrohq/maestro/internal/config"
	"github.com/maestrohq/maestro/internal/events"
	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/telemetry"
	"github.com/maestrohq/maestro/internal/workflow"
)

// ReadyCheck reports whether the process is ready to serve work. The ops
// server maps a non-nil error to 503 on /health/ready.
type ReadyCheck func(ctx context.Context) error

// Deps are the collaborators the ops surface exposes. Metrics may be nil, in
// which case /metrics serves 404.
type Deps struct {
	Config  *config.OpsConfig
	Library *workflow.Library
	Bus     *events.Bus
	Metrics *telemetry.Metrics
	Ready   ReadyCheck
}

// Server is the operator HTTP + WebSocket server.
type Server struct {
	httpServer *http.Server
	registry   *clientRegistry
	bus        *events.Bus
	log        zerolog.Logger
}

// New wires the router. It does not start listening; call Run for that.
func New(deps Deps) *Server {
	log := logger.GetOpsLogger()
	registry := newClientRegistry(log)
	handlers := newHandlers(deps)

	r := chi.NewRouter()
	r.Use(recovery(log))
	r.Use(requestID)
	r.Use(accessLog(log))
	r.Use(cors)

	r.Get("/health/live", handlers.live)
	r.Get("/health/ready", handlers.ready)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/workflows", handlers.listWorkflows)
		r.Get("/workflows/{name}", handlers.getWorkflow)
	})
	r.Get("/ws", handleWebSocket(registry, log))

	return &Server{
		httpServer: &http.Server{
			Addr:              deps.Config.Addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		registry: registry,
		bus:      deps.Bus,
		log:      log,
	}
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run starts the event fan-out and the HTTP listener, blocking until the
// listener stops. Cancel ctx and call Shutdown to stop it.
func (s *Server) Run(ctx context.Context) error {
	go s.broadcast(ctx)

	s.log.Info().Str("addr", s.httpServer.Addr).Msg("ops server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// broadcast feeds bus events to the connected WebSocket clients until ctx
// ends or the bus closes.
func (s *Server) broadcast(ctx context.Context) {
	if s.bus == nil {
		return
	}
	ch, cancel := s.bus.Subscribe()
	defer cancel()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				s.log.Info().Msg("event feed stopped, bus closed")
				return
			}
			s.registry.broadcast(ev)
		case <-ctx.Done():
			s.log.Info().Msg("event feed stopped, context canceled")
			return
		}
	}
}
