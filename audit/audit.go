// Package audit records the AuditRecord for every enqueue and every
// terminal job transition (spec §4.8, C8). It replaces the teacher's
// audit_hook extension — trimmed to the job-only action vocabulary,
// since this spec has no workflow or cron subsystem to audit — with a
// recorder that writes straight to the queue store instead of bridging
// to an external audit product.
package audit

import (
	"context"
	"log/slog"

	"github.com/mailforge/dispatch/job"
	"github.com/mailforge/dispatch/queuestore"
)

// Recorder writes AuditRecords for job lifecycle transitions. Every
// method is best-effort: a write failure is logged and swallowed,
// never propagated to the caller, per spec §4.8.
type Recorder struct {
	store  queuestore.Store
	logger *slog.Logger
}

// New builds a Recorder backed by store.
func New(store queuestore.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// RecordQueued writes the initial AuditRecord at enqueue time.
func (r *Recorder) RecordQueued(ctx context.Context, j *job.Job) {
	r.write(ctx, &job.AuditRecord{
		JobID:          j.ID,
		SubmittedBy:    j.SubmittedBy,
		Endpoint:       j.Endpoint,
		SubmittedAt:    j.SubmittedAt,
		TemplateName:   j.TemplateName,
		RecipientCount: len(j.Recipients),
		FinalStatus:    job.StatusQueued,
	})
}

// RecordSent overwrites the record with the terminal "sent" status.
func (r *Recorder) RecordSent(ctx context.Context, j *job.Job) {
	r.write(ctx, r.terminal(j, job.StatusSent, ""))
}

// RecordFailedPermanent overwrites the record with the terminal
// "failed_permanent" status and the failure reason.
func (r *Recorder) RecordFailedPermanent(ctx context.Context, j *job.Job, reason string) {
	r.write(ctx, r.terminal(j, job.StatusFailedPermanent, reason))
}

// RecordMalformed overwrites the record with the terminal "malformed"
// status for a job that could not be deserialized or validated.
func (r *Recorder) RecordMalformed(ctx context.Context, j *job.Job, reason string) {
	r.write(ctx, r.terminal(j, job.StatusMalformed, reason))
}

func (r *Recorder) terminal(j *job.Job, status job.FinalStatus, reason string) *job.AuditRecord {
	return &job.AuditRecord{
		JobID:          j.ID,
		SubmittedBy:    j.SubmittedBy,
		Endpoint:       j.Endpoint,
		SubmittedAt:    j.SubmittedAt,
		TemplateName:   j.TemplateName,
		RecipientCount: len(j.Recipients),
		FinalStatus:    status,
		AttemptCount:   j.AttemptCount,
		LastError:      reason,
	}
}

func (r *Recorder) write(ctx context.Context, rec *job.AuditRecord) {
	if err := r.store.WriteAudit(ctx, rec); err != nil {
		r.logger.Warn("audit write failed",
			"job_id", rec.JobID.String(), "final_status", rec.FinalStatus, "error", err.Error())
	}
}
