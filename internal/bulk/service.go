package bulk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/foxzi/wapanel/internal/dispatch"
	"github.com/foxzi/wapanel/internal/lock"
	"github.com/foxzi/wapanel/internal/models"
	"github.com/foxzi/wapanel/internal/recipients"
)

const createLockKey = "campaign:create"

// ErrBusy is returned while another non-draft campaign is being created
var ErrBusy = errors.New("another bulk send is being created, retry shortly")

// Store creates campaigns
type Store interface {
	Create(ctx context.Context, nc *models.NewCampaign) (*models.Campaign, error)
}

// Starter begins dispatching a stored campaign
type Starter interface {
	StartCampaign(ctx context.Context, id string) (*dispatch.StartResult, error)
}

// ContactSource reads saved contact lists
type ContactSource interface {
	ListByName(ctx context.Context, listName string) ([]models.Contact, error)
}

// Config contains bulk send settings
type Config struct {
	DefaultLanguage string
	// LockTTL bounds how long the creation lock is held
	LockTTL time.Duration
	// MaxRecipients rejects larger campaigns; 0 disables the check
	MaxRecipients int
}

// Request describes a campaign to create
type Request struct {
	Name      string
	Template  string
	Language  string
	Params    map[string]string
	CreatedBy string
	Source    models.CampaignSource
	Draft     bool
}

// Result is the outcome of Launch
type Result struct {
	Campaign   *models.Campaign
	Start      *dispatch.StartResult
	Skipped    int
	Duplicates int
}

// Service creates campaigns from resolved recipients and starts them.
// Creation is serialized through the locker.
type Service struct {
	store    Store
	starter  Starter
	contacts ContactSource
	locker   lock.Locker
	resolver *recipients.Resolver
	cfg      Config
	logger   *slog.Logger
}

// NewService creates a bulk send service
func NewService(store Store, starter Starter, contacts ContactSource, locker lock.Locker, resolver *recipients.Resolver, cfg Config, logger *slog.Logger) *Service {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	return &Service{
		store:    store,
		starter:  starter,
		contacts: contacts,
		locker:   locker,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger.With("component", "bulk"),
	}
}

// Resolver returns the recipient resolver used by the service
func (s *Service) Resolver() *recipients.Resolver {
	return s.resolver
}

// ResolveUpload reads recipients from an uploaded spreadsheet
func (s *Service) ResolveUpload(filename string, src io.Reader) (*recipients.Result, error) {
	return s.resolver.FromFile(filename, src)
}

// ResolveContacts reads recipients from a saved contact list
func (s *Service) ResolveContacts(ctx context.Context, listName string) (*recipients.Result, error) {
	if s.contacts == nil {
		return nil, fmt.Errorf("%w: contact lists are not available", models.ErrValidation)
	}
	contacts, err := s.contacts.ListByName(ctx, listName)
	if err != nil {
		return nil, fmt.Errorf("failed to load contact list: %w", err)
	}
	if len(contacts) == 0 {
		return nil, fmt.Errorf("%w: contact list %q is empty", models.ErrValidation, listName)
	}
	return s.resolver.FromContacts(contacts), nil
}

// ResolveEntries normalizes recipients given inline
func (s *Service) ResolveEntries(entries []models.ResolvedRecipient) *recipients.Result {
	return s.resolver.FromEntries(entries)
}

// Launch creates the campaign and, unless it is a draft, starts it
func (s *Service) Launch(ctx context.Context, req Request, resolved *recipients.Result) (*Result, error) {
	if err := s.validate(req, resolved); err != nil {
		return nil, err
	}

	language := req.Language
	if language == "" {
		language = s.cfg.DefaultLanguage
	}

	c, err := s.create(ctx, &models.NewCampaign{
		Name:       strings.TrimSpace(req.Name),
		Template:   strings.TrimSpace(req.Template),
		Language:   language,
		Params:     req.Params,
		Source:     req.Source,
		CreatedBy:  req.CreatedBy,
		Draft:      req.Draft,
		Recipients: resolved.Recipients,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("campaign created",
		"campaign_id", c.ID,
		"source", c.Source,
		"recipients", c.TotalRecipients,
		"skipped", resolved.Skipped,
		"duplicates", resolved.Duplicates,
		"draft", req.Draft,
	)

	res := &Result{Campaign: c, Skipped: resolved.Skipped, Duplicates: resolved.Duplicates}
	if req.Draft {
		res.Start = &dispatch.StartResult{CampaignID: c.ID, Async: true}
		return res, nil
	}

	start, err := s.starter.StartCampaign(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("campaign %s created but not started: %w", c.ID, err)
	}
	res.Start = start
	return res, nil
}

func (s *Service) create(ctx context.Context, nc *models.NewCampaign) (*models.Campaign, error) {
	// Drafts never take the active slot
	if nc.Draft {
		return s.store.Create(ctx, nc)
	}

	lk, err := s.locker.Obtain(ctx, createLockKey, s.cfg.LockTTL)
	if errors.Is(err, lock.ErrNotObtained) {
		return nil, ErrBusy
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lk.Release(context.Background()); err != nil {
			s.logger.Warn("failed to release creation lock", "error", err)
		}
	}()

	return s.store.Create(ctx, nc)
}

func (s *Service) validate(req Request, resolved *recipients.Result) error {
	if strings.TrimSpace(req.Name) == "" {
		return fmt.Errorf("%w: name is required", models.ErrValidation)
	}
	if strings.TrimSpace(req.Template) == "" {
		return fmt.Errorf("%w: template is required", models.ErrValidation)
	}
	if resolved == nil || len(resolved.Recipients) == 0 {
		return fmt.Errorf("%w: no valid recipients", models.ErrValidation)
	}
	if s.cfg.MaxRecipients > 0 && len(resolved.Recipients) > s.cfg.MaxRecipients {
		return fmt.Errorf("%w: %d recipients exceed the limit of %d",
			models.ErrValidation, len(resolved.Recipients), s.cfg.MaxRecipients)
	}
	return nil
}
