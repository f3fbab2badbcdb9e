// Package provider defines the transport driver contract used by the
// worker pool to actually send an email (spec §4.5 step d), plus a
// circuit breaker wrapper that trips per provider on repeated failures.
package provider

import (
	"context"
)

// Outcome classifies the result of a dispatch attempt (spec §7: kinds 3-7
// aren't Go sentinel errors, they're one of these four values plus a
// reason).
type Outcome int

const (
	// Ok means the message was accepted by the provider.
	Ok Outcome = iota
	// Transient means the failure is retriable: network errors, 5xx,
	// 429, 408, or timeouts.
	Transient
	// Permanent means the failure will never succeed on retry:
	// authentication failure, rejected recipient, malformed address, or
	// a 4xx other than 408/429 from an API provider.
	Permanent
	// Unclassified means the driver couldn't map the failure onto either
	// of the above. Per spec §4.5's conservative default, the worker
	// pool treats it as Transient on a job's first attempt and Permanent
	// on any later one, rather than retrying an unrecognized failure
	// forever.
	Unclassified
)

func (o Outcome) String() string {
	switch o {
	case Ok:
		return "ok"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Unclassified:
		return "unclassified"
	default:
		return "unknown"
	}
}

// Rendered is the subject/body triple the renderer produces for a job.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

// Driver sends one message through a specific provider's transport.
type Driver interface {
	// Send dispatches the message to recipients. It returns Ok on
	// acceptance, or Transient/Permanent/Unclassified with a
	// human-readable reason on failure. A non-nil error indicates the
	// driver itself could not determine an outcome — the worker pool
	// treats that the same as Transient.
	Send(ctx context.Context, from string, recipients []string, msg Rendered) (Outcome, string, error)
}
