package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/wapanel/internal/dispatch"
	"github.com/foxzi/wapanel/internal/metrics"
	"github.com/foxzi/wapanel/internal/models"
)

// BatchFinishedReason is recorded on rows left pending by a batch the
// runtime reports as finished.
const BatchFinishedReason = "batch finished without a result"

// Store is the campaign persistence read by the reporter
type Store interface {
	GetActive(ctx context.Context) (*models.Campaign, error)
	GetByID(ctx context.Context, id string) (*models.Campaign, error)
	CompleteIfDone(ctx context.Context, id string) (bool, error)
	CancelCampaign(ctx context.Context, id string, keep []string) (int, error)
	FailPending(ctx context.Context, id, reason string) (int, error)
	Recount(ctx context.Context, id string) (models.Progress, bool, error)
}

// Runtime is the execution side consulted for reconciliation
type Runtime interface {
	Lookup(handle string) (dispatch.BatchState, bool)
	Running(id string) bool
	Resume(ctx context.Context, id string) error
}

// Quota reports the remaining daily budget
type Quota interface {
	Remaining() int
}

// Reporter serves the live status view and heals divergence between the
// stored campaign and the execution runtime on every call.
type Reporter struct {
	store   Store
	runtime Runtime
	quota   Quota
	logger  *slog.Logger

	// A processing campaign without a batch handle younger than grace is
	// assumed to be starting and is not resumed.
	grace time.Duration
	now   func() time.Time
}

// NewReporter creates a reporter
func NewReporter(store Store, runtime Runtime, quota Quota, logger *slog.Logger) *Reporter {
	return &Reporter{
		store:   store,
		runtime: runtime,
		quota:   quota,
		logger:  logger.With("component", "progress"),
		grace:   30 * time.Second,
		now:     time.Now,
	}
}

// Status returns the view of the campaign holding the active slot
func (r *Reporter) Status(ctx context.Context) (*models.Status, error) {
	c, err := r.store.GetActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load active campaign: %w", err)
	}
	if c == nil {
		return &models.Status{QuotaRemaining: r.quota.Remaining()}, nil
	}
	return r.view(ctx, c), nil
}

// Campaign returns the view of one campaign
func (r *Reporter) Campaign(ctx context.Context, id string) (*models.Status, error) {
	c, err := r.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.view(ctx, c), nil
}

func (r *Reporter) view(ctx context.Context, c *models.Campaign) *models.Status {
	healed, err := r.reconcile(ctx, c)
	if err != nil {
		r.logger.Error("reconciliation failed", "campaign_id", c.ID, "error", err)
	} else {
		c = healed
	}

	p := c.Progress()
	return &models.Status{
		Processing:     c.Status == models.CampaignProcessing,
		Paused:         c.Status == models.CampaignPaused,
		Campaign:       c,
		Progress:       &p,
		QuotaRemaining: r.quota.Remaining(),
	}
}

// reconcile brings an active campaign in line with the runtime and the
// persisted counters. It returns the campaign as stored afterwards.
func (r *Reporter) reconcile(ctx context.Context, c *models.Campaign) (*models.Campaign, error) {
	logger := r.logger.With("campaign_id", c.ID, "batch", c.BatchHandle)

	switch c.Status {
	case models.CampaignProcessing:
	case models.CampaignPaused:
		if c.Progress().Done() {
			return r.completeFromCounters(ctx, c, logger)
		}
		return c, nil
	default:
		return c, nil
	}

	var batch dispatch.BatchState
	known := false
	if c.BatchHandle != "" {
		batch, known = r.runtime.Lookup(c.BatchHandle)
	}

	if known && batch.Finished {
		logger.Warn("reconciliation divergence",
			"reason", "batch finished but campaign still processing",
			"cancelled", batch.Cancelled, "sent", c.SentCount, "failed", c.FailedCount, "total", c.TotalRecipients)
		if err := r.forceFinish(ctx, c.ID, batch.Cancelled); err != nil {
			return nil, err
		}
		return r.store.GetByID(ctx, c.ID)
	}

	if c.Progress().Done() {
		return r.completeFromCounters(ctx, c, logger)
	}

	if known || r.runtime.Running(c.ID) {
		return c, nil
	}
	if c.BatchHandle == "" && r.now().Sub(c.UpdatedAt) < r.grace {
		return c, nil
	}

	logger.Warn("reconciliation divergence", "reason", "batch handle unknown to runtime, resuming")
	metrics.IncReconciliation("resumed")
	if err := r.runtime.Resume(ctx, c.ID); err != nil {
		if errors.Is(err, dispatch.ErrShuttingDown) {
			return c, nil
		}
		return nil, fmt.Errorf("failed to resume campaign: %w", err)
	}
	return c, nil
}

func (r *Reporter) completeFromCounters(ctx context.Context, c *models.Campaign, logger *slog.Logger) (*models.Campaign, error) {
	completed, err := r.store.CompleteIfDone(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if completed {
		metrics.IncReconciliation("completed")
		metrics.SetActiveCampaign(false, 0)
		logger.Info("campaign completed from persisted counters", "was", c.Status)
	}
	return r.store.GetByID(ctx, c.ID)
}

// forceFinish applies the runtime's verdict. Rows still pending are failed
// so that the counters cover every recipient.
func (r *Reporter) forceFinish(ctx context.Context, id string, cancelled bool) error {
	if cancelled {
		if _, err := r.store.CancelCampaign(ctx, id, nil); err != nil {
			return fmt.Errorf("failed to force cancel: %w", err)
		}
		metrics.IncReconciliation("cancelled")
		metrics.SetActiveCampaign(false, 0)
		return nil
	}

	if _, _, err := r.store.Recount(ctx, id); err != nil {
		return fmt.Errorf("failed to recount: %w", err)
	}
	if _, err := r.store.FailPending(ctx, id, BatchFinishedReason); err != nil {
		return fmt.Errorf("failed to fail pending recipients: %w", err)
	}
	if _, err := r.store.CompleteIfDone(ctx, id); err != nil {
		return fmt.Errorf("failed to force complete: %w", err)
	}
	metrics.IncReconciliation("completed")
	metrics.SetActiveCampaign(false, 0)
	return nil
}
