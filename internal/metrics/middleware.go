package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// HTTPMiddleware records request count, latency and error class per route
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := Global()
		if m == nil {
			next.ServeHTTP(w, r)
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routeLabel(r)

		m.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.APIRequestDurationSeconds.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		if class := errorClass(status); class != "" {
			m.APIErrorsTotal.WithLabelValues(class).Inc()
		}
	})
}

// routeLabel prefers the chi pattern. Requests that never matched a route
// get campaign ids collapsed so label cardinality stays bounded.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}

	segments := strings.Split(r.URL.Path, "/")
	for i, s := range segments {
		if len(s) == 36 {
			if _, err := uuid.Parse(s); err == nil {
				segments[i] = "{id}"
			}
		}
	}
	return strings.Join(segments, "/")
}

// errorClass maps an API status to the error label. Empty for success.
func errorClass(status int) string {
	switch {
	case status < 400:
		return ""
	case status == http.StatusBadRequest:
		return "validation"
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return "auth"
	case status == http.StatusNotFound:
		return "not_found"
	case status == http.StatusConflict:
		return "conflict"
	case status == http.StatusRequestEntityTooLarge:
		return "too_large"
	case status == http.StatusServiceUnavailable:
		return "unavailable"
	case status >= 500:
		return "server_error"
	default:
		return "client_error"
	}
}
