package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/wapanel/internal/events"
	"github.com/foxzi/wapanel/internal/metrics"
	"github.com/foxzi/wapanel/internal/models"
	"github.com/foxzi/wapanel/internal/quota"
	"github.com/foxzi/wapanel/internal/whatsapp"
)

const (
	pageRetryDelay = time.Second
	recordTimeout  = 10 * time.Second
)

// recordBackoff spaces the retries of a result write that failed
var recordBackoff = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}

// ErrShuttingDown is returned when a run is requested after Shutdown
var ErrShuttingDown = errors.New("dispatcher is shutting down")

// Store is the campaign persistence used by the dispatcher
type Store interface {
	GetByID(ctx context.Context, id string) (*models.Campaign, error)
	GetActive(ctx context.Context) (*models.Campaign, error)
	GetProgress(ctx context.Context, id string) (models.Progress, error)
	TransitionStatus(ctx context.Context, id string, to models.CampaignStatus) error
	PendingRecipients(ctx context.Context, campaignID string, afterSeq int64, limit int) ([]models.Recipient, error)
	MarkRecipientResult(ctx context.Context, campaignID, recipientID string, out models.SendOutcome) (bool, error)
	CompleteIfDone(ctx context.Context, id string) (bool, error)
	CancelCampaign(ctx context.Context, id string, keep []string) (int, error)
	FailPending(ctx context.Context, id, reason string) (int, error)
	SetBatchHandle(ctx context.Context, id, handle string) error
	Recount(ctx context.Context, id string) (models.Progress, bool, error)
}

// Sender delivers one message
type Sender interface {
	Send(ctx context.Context, msg *whatsapp.Message) (*whatsapp.SendResult, error)
}

// Governor admits sends against the daily budget
type Governor interface {
	Acquire(ctx context.Context, n int) error
}

// Config contains dispatcher settings
type Config struct {
	Workers     int
	SendTimeout time.Duration
	PageSize    int
	// SyncThreshold is the largest campaign StartCampaign waits for; 0 never waits
	SyncThreshold int
	SyncBudget    time.Duration
	// DefaultLanguage applies to campaigns stored without one
	DefaultLanguage string
}

// StartResult tells the caller whether the campaign finished within the call
type StartResult struct {
	CampaignID string           `json:"campaign_id"`
	Async      bool             `json:"async"`
	Progress   *models.Progress `json:"progress,omitempty"`
}

// SendError describes one failed recipient
type SendError struct {
	RecipientID string
	Phone       string
	Err         error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed: %v", e.Phone, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Reason classifies the failure for metrics
func (e *SendError) Reason() string {
	var apiErr *whatsapp.APIError
	switch {
	case errors.Is(e.Err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(e.Err, &apiErr):
		return "provider_error"
	default:
		return "transport"
	}
}

// heldResult is a provider outcome the store could not persist. The
// recipient is never handed to the provider again while it is held.
type heldResult struct {
	recipientID string
	outcome     models.SendOutcome
	reason      string
}

// Dispatcher runs campaigns: one goroutine per live campaign pages pending
// recipients and hands them to a bounded set of send tasks.
type Dispatcher struct {
	store    Store
	sender   Sender
	governor Governor
	events   events.Publisher
	registry *BatchRegistry
	cfg      Config
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	runs   map[string]*run
	held   map[string]map[string]heldResult
	closed bool
	wg     sync.WaitGroup
}

// New creates a dispatcher. A nil publisher discards events.
func New(store Store, sender Sender, governor Governor, pub events.Publisher, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 20 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.SyncBudget <= 0 {
		cfg.SyncBudget = 15 * time.Second
	}
	if pub == nil {
		pub = events.Nop{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		store:    store,
		sender:   sender,
		governor: governor,
		events:   pub,
		registry: NewBatchRegistry(0),
		cfg:      cfg,
		logger:   logger.With("component", "dispatcher"),
		ctx:      ctx,
		cancel:   cancel,
		runs:     make(map[string]*run),
		held:     make(map[string]map[string]heldResult),
	}
}

// Registry exposes the batch registry for reconciliation
func (d *Dispatcher) Registry() *BatchRegistry {
	return d.registry
}

// Lookup returns the registry state of a batch handle
func (d *Dispatcher) Lookup(handle string) (BatchState, bool) {
	return d.registry.Lookup(handle)
}

// Running reports whether a run for the campaign is live and dispatching
func (d *Dispatcher) Running(id string) bool {
	r := d.getRun(id)
	return r != nil && r.currentState() == stateRunning
}

// StartCampaign begins dispatching a campaign. Terminal campaigns return
// their final progress; a campaign that already has a live run is not
// started twice. Small campaigns (see Config.SyncThreshold) are waited for
// up to SyncBudget.
func (d *Dispatcher) StartCampaign(ctx context.Context, id string) (*StartResult, error) {
	c, err := d.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrFatalCampaign, err)
	}

	fresh := c.BatchHandle == ""
	switch c.Status {
	case models.CampaignCompleted, models.CampaignCancelled:
		p := c.Progress()
		return &StartResult{CampaignID: id, Async: false, Progress: &p}, nil
	case models.CampaignPaused:
		return nil, fmt.Errorf("%w: campaign %s is paused, resume it instead", models.ErrValidation, id)
	case models.CampaignPending:
		if err := d.store.TransitionStatus(ctx, id, models.CampaignProcessing); err != nil {
			return nil, err
		}
		c.Status = models.CampaignProcessing
		fresh = true
	}

	r, started, err := d.launch(ctx, c)
	if err != nil {
		return nil, err
	}
	if started && fresh {
		metrics.IncCampaignTransition(string(models.CampaignProcessing))
		metrics.SetActiveCampaign(true, c.TotalRecipients)
		d.publish(c, events.CampaignStarted)
	}

	if d.cfg.SyncThreshold > 0 && c.TotalRecipients <= d.cfg.SyncThreshold {
		timer := time.NewTimer(d.cfg.SyncBudget)
		defer timer.Stop()

		select {
		case <-r.done:
			p, err := d.store.GetProgress(ctx, id)
			if err == nil {
				return &StartResult{CampaignID: id, Async: false, Progress: &p}, nil
			}
		case <-timer.C:
		case <-ctx.Done():
		}
	}

	return &StartResult{CampaignID: id, Async: true}, nil
}

// Pause stops new sends. In-flight sends complete and are recorded; the
// remaining recipients stay pending until Resume.
func (d *Dispatcher) Pause(ctx context.Context, id string) error {
	c, err := d.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if c.Status == models.CampaignPaused {
		return nil
	}

	if err := d.store.TransitionStatus(ctx, id, models.CampaignPaused); err != nil {
		return err
	}
	if r := d.getRun(id); r != nil {
		r.stop(statePausing)
	}

	metrics.IncCampaignTransition(string(models.CampaignPaused))
	d.publish(c, events.CampaignPaused)
	d.logger.Info("campaign paused", "campaign_id", id)
	return nil
}

// Resume continues a paused campaign. A processing campaign without a live
// run (e.g. after a restart) gets a new one.
func (d *Dispatcher) Resume(ctx context.Context, id string) error {
	c, err := d.store.GetByID(ctx, id)
	if err != nil {
		return err
	}

	resumed := false
	switch c.Status {
	case models.CampaignPaused:
		if err := d.store.TransitionStatus(ctx, id, models.CampaignProcessing); err != nil {
			return err
		}
		c.Status = models.CampaignProcessing
		resumed = true
	case models.CampaignProcessing:
	default:
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, c.Status, models.CampaignProcessing)
	}

	if _, _, err := d.launch(ctx, c); err != nil {
		return err
	}

	if resumed {
		metrics.IncCampaignTransition(string(models.CampaignProcessing))
		d.publish(c, events.CampaignResumed)
		d.logger.Info("campaign resumed", "campaign_id", id)
	}
	return nil
}

// Cancel stops the campaign for good. Recipients not yet handed to the
// provider are failed immediately; in-flight sends record their own result.
func (d *Dispatcher) Cancel(ctx context.Context, id string) error {
	c, err := d.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !c.Status.IsTerminal() && d.hasHeld(id) {
		// held results may complete the campaign
		d.flushHeld(c, d.logger.With("campaign_id", id))
		if c, err = d.store.GetByID(ctx, id); err != nil {
			return err
		}
	}
	switch c.Status {
	case models.CampaignCancelled:
		return nil
	case models.CampaignCompleted:
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, c.Status, models.CampaignCancelled)
	}

	var keep []string
	if r := d.getRun(id); r != nil {
		keep = r.beginCancel()
	}

	n, err := d.store.CancelCampaign(ctx, id, keep)
	if err != nil {
		return err
	}

	metrics.AddMessagesFailed(string(c.Source), "cancelled", n)
	metrics.IncCampaignTransition(string(models.CampaignCancelled))
	metrics.SetActiveCampaign(false, 0)
	d.publish(c, events.CampaignCancelled)
	d.logger.Info("campaign cancelled", "campaign_id", id, "failed", n, "in_flight", len(keep))
	return nil
}

// Recover restarts the active campaign after a restart. Paused campaigns
// are left for an explicit Resume.
func (d *Dispatcher) Recover(ctx context.Context) error {
	c, err := d.store.GetActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active campaign: %w", err)
	}
	if c == nil {
		return nil
	}
	if c.Status != models.CampaignProcessing {
		d.logger.Info("active campaign is paused", "campaign_id", c.ID)
		return nil
	}

	_, started, err := d.launch(ctx, c)
	if err != nil {
		return err
	}
	if started {
		metrics.SetActiveCampaign(true, c.TotalRecipients-c.SentCount-c.FailedCount)
		d.logger.Info("recovered campaign", "campaign_id", c.ID, "sent", c.SentCount, "failed", c.FailedCount, "total", c.TotalRecipients)
	}
	return nil
}

// Wait blocks until the live run of the campaign exits
func (d *Dispatcher) Wait(ctx context.Context, id string) error {
	r := d.getRun(id)
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops every run. In-flight sends get until ctx is done to
// finish; untouched recipients stay pending for Recover.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.mu.Lock()
	d.closed = true
	runs := make([]*run, 0, len(d.runs))
	for _, r := range d.runs {
		runs = append(runs, r)
	}
	d.mu.Unlock()

	d.logger.Info("stopping dispatcher", "runs", len(runs))
	for _, r := range runs {
		r.stop(stateStopping)
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("shutdown deadline reached, aborting in-flight sends")
		d.cancel()
		<-done
	}
	d.cancel()

	d.mu.Lock()
	for campaignID, results := range d.held {
		for recipientID := range results {
			d.logger.Error("send result lost at shutdown, recipient stays pending",
				"campaign_id", campaignID, "recipient_id", recipientID)
		}
	}
	d.mu.Unlock()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) getRun(id string) *run {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runs[id]
}

// launch starts a run unless a dispatching one exists. A run that is still
// draining after pause is waited for first.
func (d *Dispatcher) launch(ctx context.Context, c *models.Campaign) (*run, bool, error) {
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return nil, false, ErrShuttingDown
		}

		if existing := d.runs[c.ID]; existing != nil {
			d.mu.Unlock()
			if existing.currentState() == stateRunning {
				return existing, false, nil
			}
			select {
			case <-existing.done:
				continue
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
		}

		snapshot := *c
		if snapshot.Language == "" {
			snapshot.Language = d.cfg.DefaultLanguage
		}
		r := newRun(d.ctx, snapshot, d.registry.register(c.ID))
		d.runs[c.ID] = r
		d.wg.Add(1)
		d.mu.Unlock()

		if err := d.store.SetBatchHandle(ctx, c.ID, r.handle); err != nil {
			d.logger.Warn("failed to store batch handle", "campaign_id", c.ID, "error", err)
		}

		go d.execute(r)
		return r, true, nil
	}
}

func (d *Dispatcher) execute(r *run) {
	defer d.wg.Done()
	defer close(r.done)

	logger := d.logger.With("campaign_id", r.campaign.ID, "batch", r.handle)
	logger.Info("campaign run started", "workers", d.cfg.Workers)

	d.flushHeld(&r.campaign, logger)
	d.dispatchPending(r, logger)
	r.tasks.Wait()
	d.finalize(r, logger)

	d.mu.Lock()
	if d.runs[r.campaign.ID] == r {
		delete(d.runs, r.campaign.ID)
	}
	d.mu.Unlock()
}

// dispatchPending pages pending recipients by seq. When a page comes back
// empty it drains in-flight tasks and rescans from the start, so rows
// skipped while in flight are not missed. A pass that hands out nothing
// ends the run. Held recipients are skipped.
func (d *Dispatcher) dispatchPending(r *run, logger *slog.Logger) {
	sem := make(chan struct{}, d.cfg.Workers)
	var cursor int64
	started := false

	for {
		if r.gate.Err() != nil {
			return
		}

		page, err := d.store.PendingRecipients(r.gate, r.campaign.ID, cursor, d.cfg.PageSize)
		if err != nil {
			if r.gate.Err() != nil {
				return
			}
			logger.Error("failed to load pending recipients", "error", err)
			select {
			case <-r.gate.Done():
				return
			case <-time.After(pageRetryDelay):
			}
			continue
		}

		if len(page) == 0 {
			r.tasks.Wait()
			if !started {
				return
			}
			cursor, started = 0, false
			continue
		}

		for i := range page {
			rcp := page[i]
			cursor = rcp.Seq

			if d.isHeld(r.campaign.ID, rcp.ID) {
				continue
			}

			select {
			case sem <- struct{}{}:
			case <-r.gate.Done():
				return
			}

			if !r.claim(rcp.ID) {
				<-sem
				if r.gate.Err() != nil {
					return
				}
				continue
			}

			started = true
			r.tasks.Add(1)
			go func() {
				defer func() {
					r.release(rcp.ID)
					<-sem
					r.tasks.Done()
				}()
				d.sendOne(r, &rcp, logger)
			}()
		}
	}
}

func (d *Dispatcher) sendOne(r *run, rcp *models.Recipient, logger *slog.Logger) {
	logger = logger.With("recipient_id", rcp.ID)

	if err := d.governor.Acquire(r.gate, 1); err != nil {
		switch {
		case r.currentState() == stateCancelling:
			d.record(r, rcp, models.SendOutcome{Status: models.RecipientFailed, Error: models.CancelledReason}, "cancelled", logger)
		case r.gate.Err() != nil, errors.Is(err, quota.ErrStopped):
			// paused or shutting down; the row stays pending
		default:
			d.record(r, rcp, models.SendOutcome{Status: models.RecipientFailed, Error: "quota: " + err.Error()}, "quota", logger)
		}
		return
	}

	msg := &whatsapp.Message{
		To:       rcp.Phone,
		Template: r.campaign.Template,
		Language: r.campaign.Language,
		Params:   buildParams(r.campaign.Params, rcp),
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.SendTimeout)
	start := time.Now()
	metrics.AddInflight(1)
	res, err := d.sender.Send(ctx, msg)
	metrics.AddInflight(-1)
	metrics.ObserveSendDuration(time.Since(start).Seconds())
	cancel()

	if err != nil {
		if d.ctx.Err() != nil {
			logger.Warn("send aborted by shutdown, recipient left pending")
			return
		}
		sendErr := &SendError{RecipientID: rcp.ID, Phone: rcp.Phone, Err: err}
		logger.Warn("send failed", "error", sendErr)
		d.record(r, rcp, models.SendOutcome{Status: models.RecipientFailed, Error: err.Error()}, sendErr.Reason(), logger)
		return
	}

	d.record(r, rcp, models.SendOutcome{Status: models.RecipientSent, ProviderMessageID: res.MessageID}, "", logger)
}

// record persists one outcome. It does not use the run context so that a
// result obtained during shutdown is still written. A result that cannot be
// written is held so the recipient is not sent again.
func (d *Dispatcher) record(r *run, rcp *models.Recipient, out models.SendOutcome, reason string, logger *slog.Logger) {
	completed, err := d.persist(r.campaign.ID, rcp.ID, out)
	if errors.Is(err, models.ErrRecipientNotPending) {
		logger.Debug("recipient already has a result")
		return
	}
	if err != nil {
		d.hold(r.campaign.ID, heldResult{recipientID: rcp.ID, outcome: out, reason: reason})
		logger.Error("failed to record send result, holding it", "status", out.Status, "error", err)
		return
	}
	d.counted(&r.campaign, out, reason, completed, logger)
}

// persist writes one result, retrying with recordBackoff
func (d *Dispatcher) persist(campaignID, recipientID string, out models.SendOutcome) (bool, error) {
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		completed, err := d.store.MarkRecipientResult(ctx, campaignID, recipientID, out)
		cancel()
		if err == nil || errors.Is(err, models.ErrRecipientNotPending) || attempt >= len(recordBackoff) {
			return completed, err
		}
		time.Sleep(recordBackoff[attempt])
	}
}

func (d *Dispatcher) counted(c *models.Campaign, out models.SendOutcome, reason string, completed bool, logger *slog.Logger) {
	source := string(c.Source)
	if out.Status == models.RecipientSent {
		metrics.IncMessagesSent(source)
		logger.Debug("message sent", "provider_message_id", out.ProviderMessageID)
	} else {
		metrics.IncMessagesFailed(source, reason)
	}

	if completed {
		d.completed(c, logger)
	}
}

func (d *Dispatcher) hold(campaignID string, res heldResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.held[campaignID] == nil {
		d.held[campaignID] = make(map[string]heldResult)
	}
	d.held[campaignID][res.recipientID] = res
}

func (d *Dispatcher) hasHeld(campaignID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.held[campaignID]) > 0
}

func (d *Dispatcher) isHeld(campaignID, recipientID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.held[campaignID][recipientID]
	return ok
}

// flushHeld retries the writes of held results and stops at the first
// write that still fails. Results written, or found already terminal, are
// released.
func (d *Dispatcher) flushHeld(c *models.Campaign, logger *slog.Logger) {
	d.mu.Lock()
	results := make([]heldResult, 0, len(d.held[c.ID]))
	for _, res := range d.held[c.ID] {
		results = append(results, res)
	}
	d.mu.Unlock()

	for _, res := range results {
		completed, err := d.persist(c.ID, res.recipientID, res.outcome)
		if err != nil && !errors.Is(err, models.ErrRecipientNotPending) {
			logger.Error("held send results still not recorded", "held", len(results), "error", err)
			return
		}

		d.mu.Lock()
		delete(d.held[c.ID], res.recipientID)
		if len(d.held[c.ID]) == 0 {
			delete(d.held, c.ID)
		}
		d.mu.Unlock()

		if err == nil {
			d.counted(c, res.outcome, res.reason, completed, logger.With("recipient_id", res.recipientID))
		}
	}
}

func (d *Dispatcher) finalize(r *run, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	id := r.campaign.ID

	d.flushHeld(&r.campaign, logger)

	switch state := r.currentState(); state {
	case statePausing, stateStopping:
		d.registry.drop(r.handle)
		logger.Info("campaign run stopped", "reason", state.String())
		return
	case stateCancelling:
		n, err := d.store.FailPending(ctx, id, models.CancelledReason)
		if err != nil {
			logger.Error("failed to fail remaining recipients", "error", err)
		}
		metrics.AddMessagesFailed(string(r.campaign.Source), "cancelled", n)
		d.registry.finish(r.handle, true)
		logger.Info("campaign run cancelled")
		return
	}

	completed, err := d.store.CompleteIfDone(ctx, id)
	if err != nil {
		logger.Error("failed to finalize campaign", "error", err)
		d.registry.drop(r.handle)
		return
	}
	if !completed {
		p, changed, err := d.store.Recount(ctx, id)
		if err != nil {
			logger.Error("failed to recount campaign", "error", err)
		} else if changed {
			logger.Warn("campaign counters diverged from recipient rows, recounted",
				"sent", p.Sent, "failed", p.Failed, "total", p.Total)
			completed, _ = d.store.CompleteIfDone(ctx, id)
		}
	}
	if completed {
		d.completed(&r.campaign, logger)
	}

	c, err := d.store.GetByID(ctx, id)
	if err == nil && c.Status.IsTerminal() {
		d.registry.finish(r.handle, c.Status == models.CampaignCancelled)
		logger.Info("campaign run finished", "status", c.Status, "sent", c.SentCount, "failed", c.FailedCount)
		return
	}

	d.registry.drop(r.handle)
	if err != nil {
		logger.Error("failed to reload campaign", "error", err)
	} else {
		logger.Warn("campaign run ended before completion", "status", c.Status)
	}
}

func (d *Dispatcher) completed(c *models.Campaign, logger *slog.Logger) {
	metrics.IncCampaignTransition(string(models.CampaignCompleted))
	metrics.SetActiveCampaign(false, 0)
	d.publish(c, events.CampaignCompleted)
	logger.Info("campaign completed")
}

func (d *Dispatcher) publish(c *models.Campaign, typ events.Type) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	ev := events.Event{
		Type:       typ,
		CampaignID: c.ID,
		Name:       c.Name,
		Source:     string(c.Source),
		OccurredAt: time.Now().UTC(),
	}
	if p, err := d.store.GetProgress(ctx, c.ID); err == nil {
		ev.Progress = &p
	}

	if err := d.events.Publish(ctx, ev); err != nil {
		d.logger.Warn("failed to publish event", "type", typ, "campaign_id", c.ID, "error", err)
	}
}
