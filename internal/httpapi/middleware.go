// Copyright 2026 The Meshstats Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"net/http"
	"runtime/debug"

	"github.com/meshstats/meshstats/internal/apierr"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// logRequests logs method, path, status, and latency for every
// request, and records the same observation into HTTPRequestsTotal /
// HTTPRequestDuration when a Metrics is configured.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		duration := s.clock.Now().Sub(start)
		s.logger.Info("http request",
			"method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration", duration)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ObserveHTTPRequest(r.Method+" "+r.URL.Path, rec.status, duration)
		}
	})
}

// recoverPanic converts a panic in any handler into a 500 Internal
// response instead of crashing the connection, logging the stack.
func (s *Server) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("http handler panic", "error", rec, "stack", string(debug.Stack()))
				apierr.WriteError(w, apierr.Internal("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
