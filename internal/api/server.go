// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/kahva/internal/api/handlers"
	"github.com/autobrr/kahva/internal/api/middleware"
	"github.com/autobrr/kahva/internal/store"
)

type Server struct {
	server  *http.Server
	logger  zerolog.Logger
	host    string
	port    int
	version string

	store   *store.Store
	metrics http.Handler
}

type Dependencies struct {
	Host    string
	Port    int
	Version string
	Store   *store.Store
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
}

func NewServer(deps *Dependencies) *Server {
	s := Server{
		server: &http.Server{
			ReadHeaderTimeout: time.Second * 15,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      120 * time.Second,
			IdleTimeout:       180 * time.Second,
		},
		logger:  log.Logger.With().Str("module", "api").Logger(),
		host:    deps.Host,
		port:    deps.Port,
		version: deps.Version,
		store:   deps.Store,
		metrics: deps.Metrics,
	}

	return &s
}

func (s *Server) ListenAndServe() error {
	return s.open(nil)
}

// ListenAndServeReady behaves like ListenAndServe but signals once the listener is active.
func (s *Server) ListenAndServeReady(ready chan<- struct{}) error {
	return s.open(ready)
}

func (s *Server) open(ready chan<- struct{}) error {
	addr := net.JoinHostPort(s.host, fmt.Sprint(s.port))

	var lastErr error
	for _, proto := range []string{"tcp", "tcp4", "tcp6"} {
		err := s.tryToServe(addr, proto, ready)
		if err == nil {
			return nil
		}

		if errors.Is(err, http.ErrServerClosed) {
			return err
		}

		s.logger.Error().Err(err).Str("addr", addr).Str("proto", proto).Msgf("Failed to start server")
		lastErr = err
	}

	return lastErr
}

func (s *Server) tryToServe(addr, protocol string, ready chan<- struct{}) error {
	listener, err := net.Listen(protocol, addr)
	if err != nil {
		return err
	}

	host := listener.Addr().String()
	// Replace 0.0.0.0 or :: with localhost for clickable links
	if strings.HasPrefix(host, "0.0.0.0:") || strings.HasPrefix(host, "[::]:") {
		host = strings.Replace(host, "0.0.0.0:", "localhost:", 1)
		host = strings.Replace(host, "[::]:", "localhost:", 1)
	}

	s.logger.Info().
		Str("protocol", protocol).
		Str("addr", listener.Addr().String()).
		Msgf("Starting view API - Open: http://%s/api/view", host)

	s.server.Handler = s.Handler()

	if ready != nil {
		select {
		case ready <- struct{}{}:
		default:
		}
	}

	return s.server.Serve(listener)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) Handler() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID) // Must be before logger to capture request ID
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(s.logger))

	// HTTP compression - handles gzip, brotli, zstd, deflate automatically
	compressor, err := httpcompression.DefaultAdapter(
		httpcompression.MinSize(1024),                        // Only compress responses >= 1KB
		httpcompression.GzipCompressionLevel(2),              // Use gzip level 2 (fast) instead of 6 (default)
		httpcompression.Prefer(httpcompression.PreferServer), // Let server choose best compression
	)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to create HTTP compression adapter")
	} else {
		r.Use(compressor)
	}

	// The view is read-only and unauthenticated, so any origin may read it.
	corsMiddleware := cors.New(cors.Options{
		AllowedMethods:  []string{"HEAD", "OPTIONS", "GET"},
		AllowedHeaders:  []string{"Accept", "Content-Type"},
		AllowOriginFunc: func(origin string) bool { return true },
		MaxAge:          300,
	})
	r.Use(corsMiddleware.Handler)

	healthHandler := handlers.NewHealthHandler(s.store)
	viewHandler := handlers.NewViewHandler(s.store, s.version)

	r.Route("/api", func(r chi.Router) {
		r.Get("/view", viewHandler.GetView)
		r.Get("/status", viewHandler.GetStatus)
		r.Get("/fields", viewHandler.GetFields)
	})

	r.Get("/health", healthHandler.HandleHealth)
	r.Get("/healthz/readiness", healthHandler.HandleReady)
	r.Get("/healthz/liveness", healthHandler.HandleLiveness)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	return r
}
