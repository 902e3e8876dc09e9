package reminders

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/foxzi/wapanel/internal/bulk"
	"github.com/foxzi/wapanel/internal/metrics"
	"github.com/foxzi/wapanel/internal/models"
	"github.com/foxzi/wapanel/internal/recipients"
)

// Appointments finds appointments still lacking a reminder
type Appointments interface {
	DueOn(ctx context.Context, date string) ([]models.Appointment, error)
}

// Launcher creates and starts a campaign
type Launcher interface {
	Launch(ctx context.Context, req bulk.Request, resolved *recipients.Result) (*bulk.Result, error)
}

// Config contains reminder settings
type Config struct {
	// LeadDays lists the accepted lead times
	LeadDays []int
	// Templates maps a lead time to its template; Template is the fallback
	Templates map[int]string
	Template  string
	Language  string
	// Params are the campaign template parameters, rendered per recipient
	// from name, date, time, doctor and location.
	Params   map[string]string
	Location *time.Location
}

// Preview lists the appointments a Start would target
type Preview struct {
	LeadDays     int                  `json:"lead_days"`
	Date         string               `json:"date"`
	Template     string               `json:"template"`
	Appointments []models.Appointment `json:"appointments"`
}

// Trigger starts reminder campaigns for appointments a fixed number of
// days ahead. Reminder campaigns compete for the same active slot as any
// other bulk send.
type Trigger struct {
	appointments Appointments
	launcher     Launcher
	resolver     *recipients.Resolver
	cfg          Config
	now          func() time.Time
	logger       *slog.Logger
}

// NewTrigger creates a reminder trigger
func NewTrigger(appointments Appointments, launcher Launcher, resolver *recipients.Resolver, cfg Config, logger *slog.Logger) *Trigger {
	if len(cfg.LeadDays) == 0 {
		cfg.LeadDays = []int{1, 2}
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if len(cfg.Params) == 0 {
		cfg.Params = map[string]string{"1": "{{name}}", "2": "{{date}}", "3": "{{time}}"}
	}
	return &Trigger{
		appointments: appointments,
		launcher:     launcher,
		resolver:     resolver,
		cfg:          cfg,
		now:          time.Now,
		logger:       logger.With("component", "reminders"),
	}
}

// Preview returns the appointments due leadDays from today without sending
func (t *Trigger) Preview(ctx context.Context, leadDays int) (*Preview, error) {
	template, err := t.template(leadDays)
	if err != nil {
		return nil, err
	}

	date := t.dueDate(leadDays)
	due, err := t.appointments.DueOn(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("failed to load appointments: %w", err)
	}
	return &Preview{LeadDays: leadDays, Date: date, Template: template, Appointments: due}, nil
}

// Start creates and starts the reminder campaign for leadDays
func (t *Trigger) Start(ctx context.Context, leadDays int) (*bulk.Result, error) {
	p, err := t.Preview(ctx, leadDays)
	if err != nil {
		return nil, err
	}
	if len(p.Appointments) == 0 {
		return nil, fmt.Errorf("%w: no appointments due on %s without a reminder", models.ErrValidation, p.Date)
	}

	entries := make([]models.ResolvedRecipient, len(p.Appointments))
	for i := range p.Appointments {
		a := &p.Appointments[i]
		entries[i] = models.ResolvedRecipient{
			Phone: a.PatientPhone,
			Name:  a.PatientName,
			Variables: map[string]string{
				"name":     a.PatientName,
				"date":     a.Date,
				"time":     a.Time,
				"doctor":   a.Doctor,
				"location": a.Location,
			},
			ExternalRef: a.ReminderRef(),
		}
	}
	resolved := t.resolver.FromEntries(entries)

	res, err := t.launcher.Launch(ctx, bulk.Request{
		Name:      fmt.Sprintf("Reminders %s (%d %s ahead)", p.Date, leadDays, plural(leadDays, "day", "days")),
		Template:  p.Template,
		Language:  t.cfg.Language,
		Params:    t.cfg.Params,
		CreatedBy: "reminders",
		Source:    models.SourceReminder,
	}, resolved)
	if err != nil {
		return nil, err
	}

	metrics.AddRemindersQueued(res.Campaign.TotalRecipients)
	t.logger.Info("reminder campaign started",
		"campaign_id", res.Campaign.ID,
		"lead_days", leadDays,
		"date", p.Date,
		"appointments", len(p.Appointments),
		"recipients", res.Campaign.TotalRecipients,
	)
	return res, nil
}

func (t *Trigger) template(leadDays int) (string, error) {
	if !slices.Contains(t.cfg.LeadDays, leadDays) {
		return "", fmt.Errorf("%w: unsupported lead time %d, expected one of %v", models.ErrValidation, leadDays, t.cfg.LeadDays)
	}
	if name := t.cfg.Templates[leadDays]; name != "" {
		return name, nil
	}
	if t.cfg.Template == "" {
		return "", fmt.Errorf("%w: no reminder template configured for lead time %d", models.ErrValidation, leadDays)
	}
	return t.cfg.Template, nil
}

// dueDate is today plus leadDays in the configured time zone
func (t *Trigger) dueDate(leadDays int) string {
	y, m, d := t.now().In(t.cfg.Location).Date()
	return time.Date(y, m, d+leadDays, 0, 0, 0, 0, t.cfg.Location).Format(models.DateLayout)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
