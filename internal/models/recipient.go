package models

import "time"

// RecipientStatus is the delivery state of one campaign member
type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
)

// CancelledReason is recorded on recipients that were never attempted
// because their campaign was cancelled.
const CancelledReason = "cancelled by user"

// ResolvedRecipient is a normalized, de-duplicated target
type ResolvedRecipient struct {
	Phone       string            `json:"phone"`
	Name        string            `json:"name,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
	ExternalRef string            `json:"external_ref,omitempty"`
}

// Recipient is one target of one campaign
type Recipient struct {
	ID                string            `json:"id"`
	CampaignID        string            `json:"campaign_id"`
	Seq               int64             `json:"seq"`
	Phone             string            `json:"phone"`
	Name              string            `json:"name,omitempty"`
	Variables         map[string]string `json:"variables,omitempty"`
	ExternalRef       string            `json:"external_ref,omitempty"`
	Status            RecipientStatus   `json:"status"`
	Error             string            `json:"error,omitempty"`
	ProviderMessageID string            `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	SentAt            *time.Time        `json:"sent_at,omitempty"`
}

// RecipientFilter for listing campaign members
type RecipientFilter struct {
	CampaignID string
	Status     RecipientStatus
	Limit      int
	Offset     int
}

// SendOutcome is the terminal result of a single send attempt
type SendOutcome struct {
	Status            RecipientStatus
	Error             string
	ProviderMessageID string
}
