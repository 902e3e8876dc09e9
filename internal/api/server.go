package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/foxzi/wapanel/internal/bulk"
	"github.com/foxzi/wapanel/internal/config"
	"github.com/foxzi/wapanel/internal/dispatch"
	"github.com/foxzi/wapanel/internal/metrics"
	"github.com/foxzi/wapanel/internal/models"
	"github.com/foxzi/wapanel/internal/quota"
	"github.com/foxzi/wapanel/internal/recipients"
	"github.com/foxzi/wapanel/internal/reminders"
)

// BulkService resolves recipients and launches campaigns
type BulkService interface {
	ResolveUpload(filename string, src io.Reader) (*recipients.Result, error)
	ResolveContacts(ctx context.Context, listName string) (*recipients.Result, error)
	ResolveEntries(entries []models.ResolvedRecipient) *recipients.Result
	Launch(ctx context.Context, req bulk.Request, resolved *recipients.Result) (*bulk.Result, error)
}

// CampaignStore lists campaigns and their recipients
type CampaignStore interface {
	List(ctx context.Context, filter models.CampaignListFilter) ([]models.Campaign, int, error)
	ListRecipients(ctx context.Context, filter models.RecipientFilter) ([]models.Recipient, int, error)
}

// Controller drives campaign runs
type Controller interface {
	StartCampaign(ctx context.Context, id string) (*dispatch.StartResult, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
}

// StatusReporter serves progress views
type StatusReporter interface {
	Status(ctx context.Context) (*models.Status, error)
	Campaign(ctx context.Context, id string) (*models.Status, error)
}

// ReminderTrigger starts appointment reminder campaigns
type ReminderTrigger interface {
	Start(ctx context.Context, leadDays int) (*bulk.Result, error)
	Preview(ctx context.Context, leadDays int) (*reminders.Preview, error)
}

// QuotaReporter reports the daily budget
type QuotaReporter interface {
	Stats() quota.Stats
}

// Deps are the collaborators served over HTTP
type Deps struct {
	Bulk      BulkService
	Campaigns CampaignStore
	Control   Controller
	Progress  StatusReporter
	Reminders ReminderTrigger
	Quota     QuotaReporter
	Version   string
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	deps       Deps
	config     *config.APIConfig
	validate   *validator.Validate
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg *config.APIConfig, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		config:    cfg,
		validate:  validator.New(),
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/bulk-sends", func(r chi.Router) {
			r.Post("/", s.handleCreateBulkSend)
			r.Get("/", s.handleListBulkSends)
			r.Get("/status", s.handleBulkStatus)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetBulkSend)
				r.Get("/recipients", s.handleListRecipients)
				r.Post("/start", s.handleStart)
				r.Post("/pause", s.handleAction("pause", s.deps.Control.Pause))
				r.Post("/resume", s.handleAction("resume", s.deps.Control.Resume))
				r.Post("/cancel", s.handleAction("cancel", s.deps.Control.Cancel))
			})
		})

		r.Route("/reminders", func(r chi.Router) {
			r.Post("/start", s.handleReminderStart)
			r.Get("/preview", s.handleReminderPreview)
		})

		r.Get("/quota", s.handleQuota)
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
