// Chatrelay - Real-Time Chat Delivery and Presence Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatrelay

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/chatrelay/internal/middleware"
)

// RouterConfig tunes the HTTP route middleware.
type RouterConfig struct {
	CORSOrigins     []string
	RateLimitReqs   int
	RateLimitWindow time.Duration
}

// NewRouter builds the chi route tree. ws is the WebSocket upgrade handler
// (the socket gateway); handler serves everything else.
func NewRouter(handler *Handler, ws http.Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Relay endpoints: trusted backend callers only; rate limited per source.
	r.Route("/relay", func(r chi.Router) {
		if cfg.RateLimitReqs > 0 {
			r.Use(httprate.LimitByIP(cfg.RateLimitReqs, cfg.RateLimitWindow))
		}
		r.Use(middleware.PrometheusMetrics)

		r.Post("/send-message", handler.SendMessage)
		r.Post("/typing", handler.Typing)
		r.Post("/messages/{id}/read", handler.MarkRead)
		r.Get("/history/{chatId}", handler.History)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.PrometheusMetrics)

		r.Get("/presence/{chatId}", handler.Presence)
		r.Route("/health", func(r chi.Router) {
			r.Get("/live", handler.HealthLive)
			r.Get("/ready", handler.HealthReady)
			r.Get("/", handler.HealthReady)
		})
	})

	// WebSocket upgrade; instrumented by the gateway itself, not the
	// response-writer wrapper, which would break hijacking.
	r.Get("/ws", ws.ServeHTTP)

	r.Handle("/metrics", promhttp.Handler())

	return r
}
