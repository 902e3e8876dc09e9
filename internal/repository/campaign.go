package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/foxzi/wapanel/internal/models"
)

const campaignColumns = `id, name, template, language, params, status, source, total_recipients,
	sent_count, failed_count, created_by, batch_handle, created_at, started_at, completed_at, updated_at`

type CampaignRepository struct {
	db *sql.DB
}

func NewCampaignRepository(db *sql.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create persists a campaign and its recipients in one transaction.
// Unless nc.Draft is set the campaign starts in processing and the insert
// only happens when no other campaign holds the active slot.
func (r *CampaignRepository) Create(ctx context.Context, nc *models.NewCampaign) (*models.Campaign, error) {
	if strings.TrimSpace(nc.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", models.ErrValidation)
	}
	if strings.TrimSpace(nc.Template) == "" {
		return nil, fmt.Errorf("%w: template is required", models.ErrValidation)
	}
	if len(nc.Recipients) == 0 {
		return nil, fmt.Errorf("%w: recipient list is empty", models.ErrValidation)
	}

	params, err := json.Marshal(nonNilMap(nc.Params))
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}

	now := time.Now().UTC()
	c := &models.Campaign{
		ID:        uuid.New().String(),
		Name:      nc.Name,
		Template:  nc.Template,
		Language:  nc.Language,
		Params:    nc.Params,
		Status:    models.CampaignProcessing,
		Source:    nc.Source,
		CreatedBy: nc.CreatedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if c.Source == "" {
		c.Source = models.SourceAPI
	}
	if nc.Draft {
		c.Status = models.CampaignPending
	} else {
		c.StartedAt = &now
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	insert := `
		INSERT INTO campaigns (id, name, template, language, params, status, source, created_by, created_at, started_at, updated_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?`
	if !nc.Draft {
		insert += ` WHERE NOT EXISTS (SELECT 1 FROM campaigns WHERE status IN ('processing', 'paused'))`
	}

	res, err := tx.ExecContext(ctx, insert,
		c.ID, c.Name, c.Template, c.Language, string(params), c.Status, c.Source, c.CreatedBy, c.CreatedAt, c.StartedAt, c.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, models.ErrConflict
		}
		return nil, fmt.Errorf("failed to create campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, models.ErrConflict
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO campaign_recipients (id, campaign_id, seq, phone, name, variables, external_ref, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (campaign_id, phone) DO NOTHING`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	inserted := 0
	for _, rcp := range nc.Recipients {
		var vars sql.NullString
		if len(rcp.Variables) > 0 {
			data, err := json.Marshal(rcp.Variables)
			if err != nil {
				return nil, fmt.Errorf("failed to encode recipient variables: %w", err)
			}
			vars = sql.NullString{String: string(data), Valid: true}
		}

		res, err := stmt.ExecContext(ctx,
			uuid.New().String(), c.ID, inserted+1, rcp.Phone, rcp.Name, vars, nullString(rcp.ExternalRef),
			models.RecipientPending, now, now,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to add recipient %s: %w", rcp.Phone, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if _, err := tx.ExecContext(ctx, "UPDATE campaigns SET total_recipients = ? WHERE id = ?", inserted, c.ID); err != nil {
		return nil, fmt.Errorf("failed to set recipient total: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, models.ErrConflict
		}
		return nil, err
	}

	c.TotalRecipients = inserted
	return c, nil
}

// GetByID returns a campaign or models.ErrNotFound
func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*models.Campaign, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+campaignColumns+" FROM campaigns WHERE id = ?", id)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetActive returns the processing or paused campaign, or nil when the slot is free
func (r *CampaignRepository) GetActive(ctx context.Context) (*models.Campaign, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+campaignColumns+` FROM campaigns
		WHERE status IN ('processing', 'paused') ORDER BY created_at DESC LIMIT 1`)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetProgress returns a snapshot of the campaign counters
func (r *CampaignRepository) GetProgress(ctx context.Context, id string) (models.Progress, error) {
	var sent, failed, total int
	err := r.db.QueryRowContext(ctx,
		"SELECT sent_count, failed_count, total_recipients FROM campaigns WHERE id = ?", id,
	).Scan(&sent, &failed, &total)
	if err == sql.ErrNoRows {
		return models.Progress{}, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	if err != nil {
		return models.Progress{}, err
	}
	return models.NewProgress(sent, failed, total), nil
}

// List returns campaigns newest first
func (r *CampaignRepository) List(ctx context.Context, filter models.CampaignListFilter) ([]models.Campaign, int, error) {
	where := " WHERE 1=1"
	args := []any{}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM campaigns"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + campaignColumns + " FROM campaigns" + where + " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	campaigns := []models.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, total, rows.Err()
}

// MarkRecipientResult records the terminal outcome of one send and bumps the
// matching campaign counter. A processing campaign whose counters reach the
// total is completed in the same transaction; the returned flag reports that.
func (r *CampaignRepository) MarkRecipientResult(ctx context.Context, campaignID, recipientID string, out models.SendOutcome) (bool, error) {
	counter := ""
	switch out.Status {
	case models.RecipientSent:
		counter = "sent_count"
	case models.RecipientFailed:
		counter = "failed_count"
	default:
		return false, fmt.Errorf("%w: outcome must be sent or failed, got %q", models.ErrValidation, out.Status)
	}

	now := time.Now().UTC()
	var sentAt *time.Time
	if out.Status == models.RecipientSent {
		sentAt = &now
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE campaign_recipients
		SET status = ?, error = ?, provider_message_id = ?, sent_at = ?, updated_at = ?
		WHERE id = ? AND campaign_id = ? AND status = 'pending'`,
		out.Status, nullString(out.Error), nullString(out.ProviderMessageID), sentAt, now, recipientID, campaignID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update recipient: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, fmt.Errorf("%w: %s", models.ErrRecipientNotPending, recipientID)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE campaigns SET "+counter+" = "+counter+" + 1, updated_at = ? WHERE id = ?", now, campaignID,
	); err != nil {
		return false, fmt.Errorf("failed to update campaign counters: %w", err)
	}

	completed, err := completeIfDone(ctx, tx, campaignID, now)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return completed, nil
}

// CompleteIfDone moves a processing or paused campaign to completed when
// its persisted counters cover every recipient. A pause that lands while the
// last sends are in flight leaves nothing to resume.
func (r *CampaignRepository) CompleteIfDone(ctx context.Context, id string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	completed, err := completeIfDone(ctx, tx, id, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return completed, tx.Commit()
}

func completeIfDone(ctx context.Context, tx *sql.Tx, id string, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE campaigns SET status = 'completed', completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('processing', 'paused') AND sent_count + failed_count >= total_recipients`,
		now, now, id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to complete campaign: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TransitionStatus moves a campaign along the status machine. Moving to the
// current status is a no-op. Entering processing from pending re-checks the
// global active slot.
func (r *CampaignRepository) TransitionStatus(ctx context.Context, id string, to models.CampaignStatus) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current models.CampaignStatus
	err = tx.QueryRowContext(ctx, "SELECT status FROM campaigns WHERE id = ?", id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	if err != nil {
		return err
	}

	if current == to {
		return nil
	}
	if !models.CanTransition(current, to) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, current, to)
	}

	if to == models.CampaignProcessing && current == models.CampaignPending {
		var busy bool
		if err := tx.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT 1 FROM campaigns WHERE status IN ('processing', 'paused') AND id != ?)", id,
		).Scan(&busy); err != nil {
			return err
		}
		if busy {
			return models.ErrConflict
		}
	}

	now := time.Now().UTC()
	query := "UPDATE campaigns SET status = ?, updated_at = ?"
	args := []any{to, now}
	switch {
	case to == models.CampaignProcessing:
		query += ", started_at = COALESCE(started_at, ?)"
		args = append(args, now)
	case to.IsTerminal():
		query += ", completed_at = ?"
		args = append(args, now)
	}
	query += " WHERE id = ? AND status = ?"
	args = append(args, id, current)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return models.ErrConflict
		}
		return fmt.Errorf("failed to update campaign status: %w", err)
	}

	return tx.Commit()
}

// CancelCampaign marks the campaign cancelled and fails every pending
// recipient except those listed in keep, which are still being sent.
// It returns the number of recipients failed.
func (r *CampaignRepository) CancelCampaign(ctx context.Context, id string, keep []string) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var current models.CampaignStatus
	err = tx.QueryRowContext(ctx, "SELECT status FROM campaigns WHERE id = ?", id).Scan(&current)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	if err != nil {
		return 0, err
	}
	if !models.CanTransition(current, models.CampaignCancelled) {
		return 0, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, current, models.CampaignCancelled)
	}

	now := time.Now().UTC()
	if current != models.CampaignCancelled {
		if _, err := tx.ExecContext(ctx,
			"UPDATE campaigns SET status = 'cancelled', completed_at = ?, updated_at = ? WHERE id = ?", now, now, id,
		); err != nil {
			return 0, fmt.Errorf("failed to cancel campaign: %w", err)
		}
	}

	n, err := failPending(ctx, tx, id, models.CancelledReason, keep, now)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// FailPending fails every remaining pending recipient with reason and
// returns how many were touched. Status is left unchanged.
func (r *CampaignRepository) FailPending(ctx context.Context, id, reason string) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	n, err := failPending(ctx, tx, id, reason, nil, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func failPending(ctx context.Context, tx *sql.Tx, id, reason string, keep []string, now time.Time) (int, error) {
	query := `UPDATE campaign_recipients SET status = 'failed', error = ?, updated_at = ?
		WHERE campaign_id = ? AND status = 'pending'`
	args := []any{reason, now, id}
	if len(keep) > 0 {
		query += " AND id NOT IN (" + placeholders(len(keep)) + ")"
		for _, k := range keep {
			args = append(args, k)
		}
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to fail pending recipients: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return 0, nil
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE campaigns SET failed_count = failed_count + ?, updated_at = ? WHERE id = ?", n, now, id,
	); err != nil {
		return 0, fmt.Errorf("failed to update campaign counters: %w", err)
	}
	return int(n), nil
}

// PendingRecipients returns up to limit pending recipients with seq greater
// than afterSeq, in seq order.
func (r *CampaignRepository) PendingRecipients(ctx context.Context, campaignID string, afterSeq int64, limit int) ([]models.Recipient, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+recipientColumns+` FROM campaign_recipients
		WHERE campaign_id = ? AND status = 'pending' AND seq > ?
		ORDER BY seq LIMIT ?`, campaignID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipients := []models.Recipient{}
	for rows.Next() {
		rcp, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, *rcp)
	}
	return recipients, rows.Err()
}

// ListRecipients returns campaign members with optional status filtering
func (r *CampaignRepository) ListRecipients(ctx context.Context, filter models.RecipientFilter) ([]models.Recipient, int, error) {
	where := " WHERE campaign_id = ?"
	args := []any{filter.CampaignID}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM campaign_recipients"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + recipientColumns + " FROM campaign_recipients" + where + " ORDER BY seq"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	recipients := []models.Recipient{}
	for rows.Next() {
		rcp, err := scanRecipient(rows)
		if err != nil {
			return nil, 0, err
		}
		recipients = append(recipients, *rcp)
	}
	return recipients, total, rows.Err()
}

// SetBatchHandle stores the execution runtime handle of the current run
func (r *CampaignRepository) SetBatchHandle(ctx context.Context, id, handle string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE campaigns SET batch_handle = ?, updated_at = ? WHERE id = ?", nullString(handle), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set batch handle: %w", err)
	}
	return nil
}

// Recount recomputes the campaign counters from recipient rows and stores
// them if they differ. The second return value reports whether they did.
func (r *CampaignRepository) Recount(ctx context.Context, id string) (models.Progress, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Progress{}, false, err
	}
	defer tx.Rollback()

	var sent, failed, total int
	err = tx.QueryRowContext(ctx, "SELECT sent_count, failed_count, total_recipients FROM campaigns WHERE id = ?", id).
		Scan(&sent, &failed, &total)
	if err == sql.ErrNoRows {
		return models.Progress{}, false, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	if err != nil {
		return models.Progress{}, false, err
	}

	var rowSent, rowFailed, rowTotal int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(status = 'sent'), 0), COALESCE(SUM(status = 'failed'), 0), COUNT(*)
		FROM campaign_recipients WHERE campaign_id = ?`, id,
	).Scan(&rowSent, &rowFailed, &rowTotal); err != nil {
		return models.Progress{}, false, err
	}

	if rowSent == sent && rowFailed == failed && rowTotal == total {
		return models.NewProgress(sent, failed, total), false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE campaigns SET sent_count = ?, failed_count = ?, total_recipients = ?, updated_at = ?
		WHERE id = ?`, rowSent, rowFailed, rowTotal, time.Now().UTC(), id,
	); err != nil {
		return models.Progress{}, false, fmt.Errorf("failed to store recount: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Progress{}, false, err
	}
	return models.NewProgress(rowSent, rowFailed, rowTotal), true, nil
}

// DeleteOlderThan removes terminal campaigns finished before cutoff together
// with their recipients. With dryRun set it only counts them.
func (r *CampaignRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time, dryRun bool) (int, error) {
	const where = " WHERE status IN ('completed', 'cancelled') AND completed_at < ?"
	if dryRun {
		var n int
		err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM campaigns"+where, cutoff.UTC()).Scan(&n)
		return n, err
	}

	res, err := r.db.ExecContext(ctx, "DELETE FROM campaigns"+where, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete campaigns: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCampaign(s scanner) (*models.Campaign, error) {
	c := &models.Campaign{}
	var params string
	var batchHandle sql.NullString
	var startedAt, completedAt sql.NullTime

	err := s.Scan(&c.ID, &c.Name, &c.Template, &c.Language, &params, &c.Status, &c.Source, &c.TotalRecipients,
		&c.SentCount, &c.FailedCount, &c.CreatedBy, &batchHandle, &c.CreatedAt, &startedAt, &completedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if params != "" && params != "{}" {
		if err := json.Unmarshal([]byte(params), &c.Params); err != nil {
			return nil, fmt.Errorf("campaign %s has corrupt params: %w", c.ID, err)
		}
	}
	c.BatchHandle = batchHandle.String
	if startedAt.Valid {
		c.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	return c, nil
}

const recipientColumns = `id, campaign_id, seq, phone, name, variables, external_ref, status, error,
	provider_message_id, created_at, updated_at, sent_at`

func scanRecipient(s scanner) (*models.Recipient, error) {
	rcp := &models.Recipient{}
	var vars, ref, errText, providerID sql.NullString
	var sentAt sql.NullTime

	err := s.Scan(&rcp.ID, &rcp.CampaignID, &rcp.Seq, &rcp.Phone, &rcp.Name, &vars, &ref, &rcp.Status, &errText,
		&providerID, &rcp.CreatedAt, &rcp.UpdatedAt, &sentAt)
	if err != nil {
		return nil, err
	}

	if vars.Valid && vars.String != "" {
		if err := json.Unmarshal([]byte(vars.String), &rcp.Variables); err != nil {
			return nil, fmt.Errorf("recipient %s has corrupt variables: %w", rcp.ID, err)
		}
	}
	rcp.ExternalRef = ref.String
	rcp.Error = errText.String
	rcp.ProviderMessageID = providerID.String
	if sentAt.Valid {
		rcp.SentAt = &sentAt.Time
	}
	return rcp, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
