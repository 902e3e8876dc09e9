package models

import (
	"math"
	"time"
)

// CampaignStatus is the lifecycle state of a bulk send
type CampaignStatus string

const (
	CampaignPending    CampaignStatus = "pending"
	CampaignProcessing CampaignStatus = "processing"
	CampaignPaused     CampaignStatus = "paused"
	CampaignCompleted  CampaignStatus = "completed"
	CampaignCancelled  CampaignStatus = "cancelled"
)

// CampaignSource records where the recipients of a campaign came from
type CampaignSource string

const (
	SourceUpload   CampaignSource = "upload"
	SourceContacts CampaignSource = "contacts"
	SourceReminder CampaignSource = "reminder"
	SourceAPI      CampaignSource = "api"
)

var transitions = map[CampaignStatus][]CampaignStatus{
	CampaignPending:    {CampaignProcessing, CampaignCancelled},
	CampaignProcessing: {CampaignPaused, CampaignCompleted, CampaignCancelled},
	CampaignPaused:     {CampaignProcessing, CampaignCancelled},
}

// CanTransition reports whether a campaign may move from one status to another.
// Staying in the same status is always allowed.
func CanTransition(from, to CampaignStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignCompleted || s == CampaignCancelled
}

// IsActive reports whether the campaign occupies the global send slot
func (s CampaignStatus) IsActive() bool {
	return s == CampaignProcessing || s == CampaignPaused
}

// Campaign represents one bulk outbound WhatsApp send
type Campaign struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Template        string            `json:"template"`
	Language        string            `json:"language"`
	Params          map[string]string `json:"params,omitempty"`
	Status          CampaignStatus    `json:"status"`
	Source          CampaignSource    `json:"source"`
	TotalRecipients int               `json:"total_recipients"`
	SentCount       int               `json:"sent_count"`
	FailedCount     int               `json:"failed_count"`
	CreatedBy       string            `json:"created_by,omitempty"`
	BatchHandle     string            `json:"batch_handle,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Progress returns the counter snapshot of the campaign
func (c *Campaign) Progress() Progress {
	return NewProgress(c.SentCount, c.FailedCount, c.TotalRecipients)
}

// NewCampaign is the input for creating a campaign with its recipients
type NewCampaign struct {
	Name       string
	Template   string
	Language   string
	Params     map[string]string
	Source     CampaignSource
	CreatedBy  string
	Draft      bool // create in pending status instead of processing
	Recipients []ResolvedRecipient
}

// CampaignListFilter for filtering campaigns
type CampaignListFilter struct {
	Status CampaignStatus
	Limit  int
	Offset int
}

// Progress is a point-in-time view of campaign counters
type Progress struct {
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Percentage int `json:"percentage"`
}

// NewProgress computes pending and percentage from the raw counters
func NewProgress(sent, failed, total int) Progress {
	p := Progress{
		Sent:   sent,
		Failed: failed,
		Total:  total,
	}
	p.Pending = total - sent - failed
	if p.Pending < 0 {
		p.Pending = 0
	}
	if total > 0 {
		p.Percentage = int(math.Round(float64(sent+failed) / float64(total) * 100))
	}
	return p
}

// Done reports whether every recipient has reached a terminal status
func (p Progress) Done() bool {
	return p.Sent+p.Failed >= p.Total
}

// Status is the live view returned to pollers
type Status struct {
	Processing     bool      `json:"processing"`
	Paused         bool      `json:"paused"`
	Campaign       *Campaign `json:"campaign,omitempty"`
	Progress       *Progress `json:"progress,omitempty"`
	QuotaRemaining int       `json:"quota_remaining"`
}
