package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerConfig configures the metrics listener
type ServerConfig struct {
	Addr       string
	Path       string
	AllowedIPs []string
}

// Server serves Prometheus metrics on a separate listener
type Server struct {
	httpServer *http.Server
	metrics    *Metrics
	cfg        ServerConfig
	logger     *slog.Logger
	allowed    []*net.IPNet
}

// NewServer creates a metrics server. Invalid entries in AllowedIPs are
// logged and skipped; an empty list allows every client.
func NewServer(m *Metrics, cfg ServerConfig, logger *slog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":9090"
	}
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}

	s := &Server{
		metrics: m,
		cfg:     cfg,
		logger:  logger,
	}

	for _, entry := range cfg.AllowedIPs {
		ipNet, err := parseNetwork(entry)
		if err != nil {
			logger.Warn("invalid entry in metrics allowed_ips", "entry", entry, "error", err)
			continue
		}
		if ipNet != nil {
			s.allowed = append(s.allowed, ipNet)
		}
	}

	if len(s.allowed) > 0 {
		logger.Info("metrics IP filtering enabled", "allowed_networks", len(s.allowed))
	}

	return s
}

// Handler returns the router serving the metrics and health endpoints
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)

	handler := promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	r.With(s.ipFilter).Handle(s.cfg.Path, handler)

	// Not filtered, load balancers probe it
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return r
}

// ListenAndServe starts the metrics HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("starting metrics server", "addr", s.cfg.Addr, "path", s.cfg.Path)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down metrics server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) ipFilter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowed) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r)
		if ip == nil {
			s.logger.Warn("could not parse client IP", "remote_addr", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		if !s.isAllowed(ip) {
			s.logger.Warn("metrics access denied", "ip", ip.String())
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) isAllowed(ip net.IP) bool {
	for _, n := range s.allowed {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// clientIP reads RemoteAddr, which middleware.RealIP has already replaced
// with the forwarded address when a proxy header is present.
func clientIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}

// parseNetwork accepts a CIDR or a single address. Blank input yields nil.
func parseNetwork(entry string) (*net.IPNet, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return nil, nil
	}

	if strings.Contains(entry, "/") {
		_, ipNet, err := net.ParseCIDR(entry)
		return ipNet, err
	}

	ip := net.ParseIP(entry)
	if ip == nil {
		return nil, errors.New("not an IP address")
	}
	bits := 128
	if ip.To4() != nil {
		ip = ip.To4()
		bits = 32
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}
