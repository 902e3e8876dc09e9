package models

import "errors"

var (
	// ErrValidation marks malformed input rejected before any campaign exists
	ErrValidation = errors.New("validation failed")
	// ErrConflict is returned when another campaign already holds the active slot
	ErrConflict = errors.New("a bulk send is already in progress")
	// ErrNotFound is returned for unknown campaigns
	ErrNotFound = errors.New("campaign not found")
	// ErrFatalCampaign aborts dispatch of a missing or unreadable campaign
	ErrFatalCampaign = errors.New("campaign cannot be dispatched")
	// ErrInvalidTransition is returned when the status machine forbids a move
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrRecipientNotPending is returned when a result is recorded twice
	ErrRecipientNotPending = errors.New("recipient already has a terminal status")
)
