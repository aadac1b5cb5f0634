// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package middleware

import (
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

const maxLoggedQuery = 180

// Logger logs one line per request. Server errors log at error, client errors
// at warn and health checks at trace.
func Logger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			ev := logger.WithLevel(requestLogLevel(r.URL.Path, status)).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(start)).
				Str("remote", r.RemoteAddr)

			if reqID := chimiddleware.GetReqID(r.Context()); reqID != "" {
				ev = ev.Str("request_id", reqID)
			}
			if q := strings.TrimSpace(r.URL.RawQuery); q != "" {
				ev = ev.Str("query", truncate(q, maxLoggedQuery))
			}

			ev.Msg("HTTP request")
		})
	}
}

func requestLogLevel(path string, status int) zerolog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zerolog.ErrorLevel
	case status >= http.StatusBadRequest:
		return zerolog.WarnLevel
	case path == "/health" || strings.HasPrefix(path, "/healthz") || path == "/metrics":
		return zerolog.TraceLevel
	default:
		return zerolog.DebugLevel
	}
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit-3] + "..."
}
