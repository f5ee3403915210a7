// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stepforge/stepforge/internal/config"
)

// Server wraps an *http.Server configured with the full chi router for the
// HTTP API described by the project/protocol/step/event/webhook surface.
type Server struct {
	httpServer *http.Server
}

// New builds the chi router — middleware stack, REST routes, websocket feed
// — and wraps it in an *http.Server bound to cfg.Port.
func New(cfg *config.ServerConfig, h *Handlers, bus *EventBus) *Server {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Recovery)
	r.Use(Logger)
	r.Use(MaxBodySize(cfg.MaxBodyBytes))
	r.Use(CORS(cfg.AllowedOrigins))

	r.Get("/health", h.Health)
	r.Get("/metrics", h.Metrics)
	r.Get("/ws", HandleWebSocket(bus, cfg.AllowedOrigins))

	r.Route("/api/v1", func(r chi.Router) {
		// Webhooks verify their own signature/token, not the bearer token.
		r.Post("/webhooks/github", h.WebhookGitHub)
		r.Post("/webhooks/gitlab", h.WebhookGitLab)

		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(cfg.APIToken))

			r.Get("/projects", h.ListProjects)
			r.Post("/projects", h.CreateProject)
			r.Get("/projects/{id}", h.GetProject)
			r.Get("/projects/{id}/protocols", h.ListProtocolRuns)
			r.Post("/projects/{id}/protocols", h.CreateProtocolRun)

			r.Get("/protocols/{id}", h.GetProtocolRun)
			r.Get("/protocols/{id}/spec", h.GetSpec)
			r.Get("/protocols/{id}/steps", h.ListSteps)
			r.Post("/protocols/{id}/steps", h.CreateStep)
			r.Get("/protocols/{id}/events", h.GetEvents)
			r.Post("/protocols/{id}/actions/start", h.ActionStart)
			r.Post("/protocols/{id}/actions/pause", h.ActionPause)
			r.Post("/protocols/{id}/actions/resume", h.ActionResume)
			r.Post("/protocols/{id}/actions/cancel", h.ActionCancel)
			r.Post("/protocols/{id}/actions/run-next", h.ActionRunNext)
			r.Post("/protocols/{id}/actions/retry-latest", h.ActionRetryLatest)
			r.Post("/protocols/{id}/actions/open-pr", h.ActionOpenPR)

			r.Post("/steps/{id}/actions/run", h.StepActionRun)
			r.Post("/steps/{id}/actions/run_qa", h.StepActionRunQA)
			r.Post("/steps/{id}/actions/approve", h.StepActionApprove)

			r.Get("/queues/stats", h.GetQueueStats)
			r.Get("/jobs", h.ListJobs)
		})
	})

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		getLog().Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		getLog().Info().Msg("shutting down HTTP server")
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
