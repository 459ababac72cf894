// Package core defines the fundamental types and errors for the quest engine.
package core

import "errors"

// Core errors that can occur across the system
var (
	// Quest errors
	ErrQuestNotFound  = errors.New("quest not found")
	ErrQuestDisabled  = errors.New("quest is disabled")
	ErrQuestBusy      = errors.New("quest is busy, retry later")
	ErrRuntimeClosed  = errors.New("runtime is closed")
	ErrUnknownTrigger = errors.New("unknown trigger type")

	// Command errors
	ErrInvalidArgs       = errors.New("invalid command arguments")
	ErrMissingBinding    = errors.New("missing binding")
	ErrNoTargetPost      = errors.New("event has no target post")
	ErrSocialUnavailable = errors.New("social client unavailable")
	ErrWorldUnavailable  = errors.New("world store unavailable")

	// Trigger errors
	ErrWebhookUnauthorized = errors.New("webhook secret mismatch")
	ErrMalformedPayload    = errors.New("malformed trigger payload")

	// Storage errors
	ErrRecordNotFound  = errors.New("record not found")
	ErrDuplicateRecord = errors.New("duplicate record")
	ErrMigrationFailed = errors.New("migration failed")

	// Validation errors
	ErrInvalidInput    = errors.New("invalid input")
	ErrMissingRequired = errors.New("missing required field")
)
