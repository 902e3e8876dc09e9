package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

type ctxKey int

const actorKey ctxKey = iota

// actorFrom returns the operator recorded as created_by on new campaigns
func actorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey).(string); ok && v != "" {
		return v
	}
	return "api"
}

// loggingMiddleware logs one line per request. Health probes only at debug.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		switch {
		case ww.Status() >= 500:
			level = slog.LevelWarn
		case r.URL.Path == "/health":
			level = slog.LevelDebug
		}

		s.logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"bytes", ww.BytesWritten(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// authMiddleware checks the static API key from the Authorization
// (Bearer) or X-API-Key header and records the calling operator from
// X-Created-By.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := s.config.APIKey; key != "" {
			token := r.Header.Get("X-API-Key")
			if h := r.Header.Get("Authorization"); h != "" {
				token = strings.TrimPrefix(h, "Bearer ")
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
				s.logger.Warn("unauthorized API request",
					"remote_addr", r.RemoteAddr,
					"path", r.URL.Path,
				)
				s.sendError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
		}

		if actor := strings.TrimSpace(r.Header.Get("X-Created-By")); actor != "" {
			r = r.WithContext(context.WithValue(r.Context(), actorKey, actor))
		}
		next.ServeHTTP(w, r)
	})
}
