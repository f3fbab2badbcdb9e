package dispatch

import "errors"

var (
	// Validation errors (spec §7 kind 1) — surfaced synchronously from the
	// Enqueuer; the job is never persisted.
	ErrEmptyRecipients  = errors.New("dispatch: recipients must be non-empty")
	ErrInvalidRecipient = errors.New("dispatch: recipient is not a valid email address")
	ErrMissingTemplate  = errors.New("dispatch: template_name is required")
	ErrUnknownProvider  = errors.New("dispatch: unknown provider")
	ErrUnknownPriority  = errors.New("dispatch: unknown priority")

	// Store errors (spec §7 kind 2).
	ErrStoreUnreachable = errors.New("dispatch: queue store unreachable")
	ErrStoreClosed      = errors.New("dispatch: store closed")

	// Not found errors.
	ErrJobNotFound    = errors.New("dispatch: job not found")
	ErrDLQNotFound    = errors.New("dispatch: dlq entry not found")
	ErrWorkerNotFound = errors.New("dispatch: worker not found")

	// State errors.
	ErrMaxAttemptsExceeded = errors.New("dispatch: max attempts exceeded")

	// Auth errors (identity collaborator).
	ErrUnauthorized = errors.New("dispatch: missing or invalid service token")
)
