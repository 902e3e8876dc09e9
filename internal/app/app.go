package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/wapanel/internal/api"
	"github.com/foxzi/wapanel/internal/bulk"
	"github.com/foxzi/wapanel/internal/config"
	"github.com/foxzi/wapanel/internal/db"
	"github.com/foxzi/wapanel/internal/dispatch"
	"github.com/foxzi/wapanel/internal/events"
	"github.com/foxzi/wapanel/internal/lock"
	"github.com/foxzi/wapanel/internal/metrics"
	"github.com/foxzi/wapanel/internal/progress"
	"github.com/foxzi/wapanel/internal/quota"
	"github.com/foxzi/wapanel/internal/recipients"
	"github.com/foxzi/wapanel/internal/reminders"
	"github.com/foxzi/wapanel/internal/repository"
	"github.com/foxzi/wapanel/internal/whatsapp"
)

// App is the main application
type App struct {
	config *config.Config
	logger *slog.Logger

	database  *db.DB
	quotaDB   *bolt.DB
	campaigns *repository.CampaignRepository
	governor  *quota.Governor
	publisher events.Publisher
	locker    lock.Locker

	dispatcher *dispatch.Dispatcher
	bulk       *bulk.Service
	progress   *progress.Reporter
	reminders  *reminders.Trigger

	apiServer        *api.Server
	metricsServer    *metrics.Server
	metricsCollector *metrics.Collector
}

// Options overrides collaborators, mostly for tests
type Options struct {
	Sender  dispatch.Sender
	Version string
}

// New creates a new application
func New(cfg *config.Config, opts Options) (*App, error) {
	logger := SetupLogger(cfg.Logging)
	a := &App{config: cfg, logger: logger}

	// Metrics must be registered before the governor reports its counter
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		metrics.SetGlobal(m)
	}

	if err := a.openStorage(); err != nil {
		a.close()
		return nil, err
	}

	if err := a.connect(); err != nil {
		a.close()
		return nil, err
	}

	sender := opts.Sender
	if sender == nil {
		var err error
		if sender, err = newSender(cfg.WhatsApp, logger); err != nil {
			a.close()
			return nil, err
		}
	}

	a.dispatcher = dispatch.New(a.campaigns, sender, a.governor, a.publisher, dispatch.Config{
		Workers:         cfg.Dispatch.Workers,
		SendTimeout:     cfg.Dispatch.SendTimeout,
		PageSize:        cfg.Dispatch.PageSize,
		SyncThreshold:   cfg.Dispatch.SyncThreshold,
		SyncBudget:      cfg.Dispatch.SyncBudget,
		DefaultLanguage: cfg.WhatsApp.DefaultLanguage,
	}, logger)

	resolver := recipients.New(recipients.Config{
		DefaultRegion: cfg.Recipients.DefaultRegion,
		MinDigits:     cfg.Recipients.MinDigits,
	})

	a.bulk = bulk.NewService(a.campaigns, a.dispatcher, repository.NewContactRepository(a.database.DB), a.locker, resolver, bulk.Config{
		DefaultLanguage: cfg.WhatsApp.DefaultLanguage,
		LockTTL:         cfg.Dispatch.LockTTL,
		MaxRecipients:   cfg.Dispatch.MaxRecipients,
	}, logger)

	a.progress = progress.NewReporter(a.campaigns, a.dispatcher, a.governor, logger)

	a.reminders = reminders.NewTrigger(repository.NewAppointmentRepository(a.database.DB), a.bulk, resolver, reminders.Config{
		LeadDays:  cfg.Reminders.LeadDays,
		Templates: cfg.Reminders.Templates,
		Template:  cfg.Reminders.Template,
		Language:  cfg.Reminders.Language,
		Params:    cfg.Reminders.Params,
		Location:  cfg.Server.Location(),
	}, logger)

	a.apiServer = api.NewServer(api.Deps{
		Bulk:      a.bulk,
		Campaigns: a.campaigns,
		Control:   a.dispatcher,
		Progress:  a.progress,
		Reminders: a.reminders,
		Quota:     a.governor,
		Version:   opts.Version,
	}, &cfg.API, logger)

	if m != nil {
		a.metricsServer = metrics.NewServer(m, metrics.ServerConfig{
			Addr:       cfg.Metrics.ListenAddr,
			Path:       cfg.Metrics.Path,
			AllowedIPs: cfg.Metrics.AllowedIPs,
		}, logger.With("component", "metrics"))
		a.metricsCollector = metrics.NewCollector(m, activeStats{a.campaigns}, cfg.Database.Path, cfg.Metrics.CollectInterval)
	}

	return a, nil
}

func (a *App) openStorage() error {
	cfg := a.config

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	a.database = database
	if err := database.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	a.campaigns = repository.NewCampaignRepository(database.DB)

	a.quotaDB, err = bolt.Open(cfg.Database.QuotaPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("failed to open quota storage: %w", err)
	}

	a.governor, err = quota.NewGovernor(a.quotaDB, quota.Config{
		DailyLimit:    cfg.Quota.DailyLimit,
		Location:      cfg.Server.Location(),
		PerSecond:     cfg.Quota.PerSecond,
		Burst:         cfg.Quota.Burst,
		FlushInterval: cfg.Quota.FlushInterval,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to create quota governor: %w", err)
	}
	return nil
}

func (a *App) connect() error {
	cfg := a.config

	a.publisher = events.Nop{}
	if cfg.Events.AMQPURL != "" {
		pub, err := events.NewAMQPPublisher(events.AMQPConfig{
			URL:      cfg.Events.AMQPURL,
			Exchange: cfg.Events.Exchange,
		}, a.logger.With("component", "events"))
		if err != nil {
			return fmt.Errorf("failed to connect event broker: %w", err)
		}
		a.publisher = pub
		a.logger.Info("campaign events enabled", "exchange", cfg.Events.Exchange)
	}

	a.locker = lock.NewLocalLocker()
	if cfg.Redis.Addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		locker, err := lock.NewRedisLocker(ctx, lock.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			WaitFor:  cfg.Redis.WaitFor,
		})
		if err != nil {
			return err
		}
		a.locker = locker
		a.logger.Info("redis creation lock enabled", "addr", cfg.Redis.Addr)
	}
	return nil
}

func newSender(cfg config.WhatsAppConfig, logger *slog.Logger) (dispatch.Sender, error) {
	if cfg.DryRun {
		logger.Warn("whatsapp dry run enabled, messages will not be delivered")
		return whatsapp.NewDryRunSender(logger.With("component", "whatsapp"), cfg.DryRunDelay), nil
	}
	return whatsapp.NewClient(whatsapp.Config{
		BaseURL:       cfg.BaseURL,
		APIVersion:    cfg.APIVersion,
		PhoneNumberID: cfg.PhoneNumberID,
		Token:         cfg.Token,
		Timeout:       cfg.Timeout,
	})
}

// Handler returns the API handler
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting wapanel",
		"api_addr", a.config.API.ListenAddr,
		"timezone", a.config.Server.Location().String(),
		"daily_limit", a.config.Quota.DailyLimit,
		"workers", a.config.Dispatch.Workers,
		"dry_run", a.config.WhatsApp.DryRun,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Pick up campaigns interrupted by the previous process
	if err := a.dispatcher.Recover(ctx); err != nil {
		a.logger.Error("failed to recover campaigns", "error", err)
	}

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		a.metricsCollector.Start(ctx)
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("server error", "error", runErr)
		cancel()
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return err
	}
	return runErr
}

// Shutdown stops intake, lets in-flight sends settle and closes storage.
// Pending recipients stay pending for the next start.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	a.dispatcher.Shutdown(shutdownCtx)

	if a.metricsServer != nil {
		a.metricsCollector.Stop()
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	a.close()
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) close() {
	if a.governor != nil {
		if err := a.governor.Stop(); err != nil {
			a.logger.Error("quota governor stop error", "error", err)
		}
	}
	if a.quotaDB != nil {
		if err := a.quotaDB.Close(); err != nil {
			a.logger.Error("quota storage close error", "error", err)
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Error("event publisher close error", "error", err)
		}
	}
	if closer, ok := a.locker.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.logger.Error("redis close error", "error", err)
		}
	}
	if a.database != nil {
		if err := a.database.Close(); err != nil {
			a.logger.Error("database close error", "error", err)
		}
	}
}

// activeStats feeds the metrics collector from the campaign store
type activeStats struct {
	campaigns *repository.CampaignRepository
}

func (s activeStats) ActiveSnapshot(ctx context.Context) (metrics.CampaignSnapshot, error) {
	c, err := s.campaigns.GetActive(ctx)
	if err != nil || c == nil {
		return metrics.CampaignSnapshot{}, err
	}
	return metrics.CampaignSnapshot{Active: true, Pending: c.Progress().Pending}, nil
}

// SetupLogger creates a logger based on configuration
func SetupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
