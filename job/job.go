package job

import (
	"fmt"
	"net/mail"
	"time"

	"github.com/mailforge/dispatch"
	"github.com/mailforge/dispatch/id"
)

// Priority determines which ready stream a job lives on and the order in
// which a worker polls (spec §3, §4.5).
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Priorities lists all priorities in strict poll order: HIGH before MEDIUM
// before LOW (spec §4.5 step 1, invariant P6).
var Priorities = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

// Valid reports whether p is a recognized priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// ProviderKind selects a transport driver and a rate-limit bucket.
type ProviderKind string

const (
	ProviderSMTP     ProviderKind = "smtp"
	ProviderSendgrid ProviderKind = "sendgrid"
	ProviderMailgun  ProviderKind = "mailgun"
	ProviderAWSSES   ProviderKind = "aws_ses"
)

// Providers lists all recognized provider kinds.
var Providers = []ProviderKind{ProviderSMTP, ProviderSendgrid, ProviderMailgun, ProviderAWSSES}

// Valid reports whether k is a recognized provider kind.
func (k ProviderKind) Valid() bool {
	switch k {
	case ProviderSMTP, ProviderSendgrid, ProviderMailgun, ProviderAWSSES:
		return true
	default:
		return false
	}
}

// Job is the persisted unit of work: an immutable send request envelope
// plus mutable processing state (spec §3).
type Job struct {
	ID              id.JobID       `json:"id"`
	Recipients      []string       `json:"recipients"`
	TemplateName    string         `json:"template_name"`
	TemplateContext map[string]any `json:"template_context,omitempty"`
	Subject         string         `json:"subject,omitempty"`
	Priority        Priority       `json:"priority"`
	Provider        ProviderKind   `json:"provider"`
	ScheduledFor    *time.Time     `json:"scheduled_for,omitempty"`
	SubmittedBy     string         `json:"submitted_by"`
	Endpoint        string         `json:"endpoint"`
	SubmittedAt     time.Time      `json:"submitted_at"`
	AttemptCount    int            `json:"attempt_count"`
}

// New builds a Job from a validated request, applying defaults (MEDIUM
// priority, SMTP provider) and stamping enqueue-time fields. It does not
// persist anything; see the enqueue package for that.
func New(
	recipients []string,
	templateName string,
	templateContext map[string]any,
	subject string,
	priority Priority,
	provider ProviderKind,
	scheduledFor *time.Time,
	submittedBy, endpoint string,
) (*Job, error) {
	if priority == "" {
		priority = PriorityMedium
	}
	if provider == "" {
		provider = ProviderSMTP
	}

	j := &Job{
		ID:              id.NewJobID(),
		Recipients:      recipients,
		TemplateName:    templateName,
		TemplateContext: templateContext,
		Subject:         subject,
		Priority:        priority,
		Provider:        provider,
		ScheduledFor:    scheduledFor,
		SubmittedBy:     submittedBy,
		Endpoint:        endpoint,
		SubmittedAt:     time.Now().UTC(),
		AttemptCount:    0,
	}

	if err := j.Validate(); err != nil {
		return nil, err
	}

	return j, nil
}

// Validate checks the invariants spec §3 requires before a job is ever
// persisted (spec §7 kind 1, boundary B1).
func (j *Job) Validate() error {
	if len(j.Recipients) == 0 {
		return dispatch.ErrEmptyRecipients
	}
	for _, r := range j.Recipients {
		if _, err := mail.ParseAddress(r); err != nil {
			return fmt.Errorf("%w: %q: %w", dispatch.ErrInvalidRecipient, r, err)
		}
	}
	if j.TemplateName == "" {
		return dispatch.ErrMissingTemplate
	}
	if !j.Priority.Valid() {
		return dispatch.ErrUnknownPriority
	}
	if !j.Provider.Valid() {
		return dispatch.ErrUnknownProvider
	}
	return nil
}

// IsParked reports whether the job should bypass ready streams at enqueue
// time because ScheduledFor is strictly in the future (spec §4.3 step 2;
// boundary B2: equal to now goes to the ready stream, not parked).
func (j *Job) IsParked(now time.Time) bool {
	return j.ScheduledFor != nil && j.ScheduledFor.After(now)
}

// FinalStatus enumerates the terminal (or queued) status recorded on an
// AuditRecord (spec §3, §4.8).
type FinalStatus string

const (
	StatusQueued          FinalStatus = "queued"
	StatusSent            FinalStatus = "sent"
	StatusFailedPermanent FinalStatus = "failed_permanent"
	StatusMalformed       FinalStatus = "malformed"
)

// AuditRecord is the immutable-after-terminal audit entry for one job
// (spec §3, keyed by JobID at audit:job:{job_id}).
type AuditRecord struct {
	JobID          id.JobID    `json:"job_id"`
	SubmittedBy    string      `json:"submitted_by"`
	Endpoint       string      `json:"endpoint"`
	SubmittedAt    time.Time   `json:"submitted_at"`
	TemplateName   string      `json:"template_name"`
	RecipientCount int         `json:"recipient_count"`
	FinalStatus    FinalStatus `json:"final_status"`
	AttemptCount   int         `json:"attempt_count"`
	LastError      string      `json:"last_error,omitempty"`
}

// RateBucket is the per-provider token-bucket state (spec §3, §4.2).
type RateBucket struct {
	Provider     ProviderKind `json:"provider"`
	Capacity     float64      `json:"capacity"`
	RefillRate   float64      `json:"refill_rate"`
	Tokens       float64      `json:"tokens"`
	LastRefillTS time.Time    `json:"last_refill_ts"`
}

// DeadLetterEntry is the terminal storage record for a job that exceeded
// MaxAttempts (spec §3, §4.7).
type DeadLetterEntry struct {
	JobID             id.JobID  `json:"job_id"`
	Job               *Job      `json:"job"`
	FailureReason     string    `json:"failure_reason"`
	FinalAttemptCount int       `json:"final_attempt_count"`
	MovedAt           time.Time `json:"moved_at"`
}
