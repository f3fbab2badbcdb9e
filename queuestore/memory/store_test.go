package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/mailforge/dispatch/id"
	"github.com/mailforge/dispatch/job"
	"github.com/mailforge/dispatch/queuestore/memory"
)

func mustJob(t *testing.T, priority job.Priority) *job.Job {
	t.Helper()
	j, err := job.New([]string{"a@example.com"}, "welcome", nil, "", priority, "", nil, "svc", "/send")
	if err != nil {
		t.Fatalf("job.New: %v", err)
	}
	return j
}

func TestAppendAndReadGroup(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	j := mustJob(t, job.PriorityHigh)
	if _, err := s.Append(ctx, job.PriorityHigh, j); err != nil {
		t.Fatalf("Append: %v", err)
	}

	entries, err := s.ReadGroup(ctx, "workers", "w1", job.Priorities, 10, 0)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Job.ID != j.ID {
		t.Errorf("expected job %s, got %s", j.ID, entries[0].Job.ID)
	}

	// A second read shouldn't redeliver until claimed.
	again, err := s.ReadGroup(ctx, "workers", "w2", job.Priorities, 10, 0)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("expected no redelivery, got %d entries", len(again))
	}
}

func TestPriorityOrder(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	low := mustJob(t, job.PriorityLow)
	high := mustJob(t, job.PriorityHigh)
	if _, err := s.Append(ctx, job.PriorityLow, low); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := s.Append(ctx, job.PriorityHigh, high); err != nil {
		t.Fatalf("Append: %v", err)
	}

	entries, err := s.ReadGroup(ctx, "workers", "w1", job.Priorities, 10, 0)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Job.ID != high.ID {
		t.Errorf("expected high priority job first, got %s", entries[0].Job.ID)
	}
}

func TestAckRemovesFromPending(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	j := mustJob(t, job.PriorityMedium)
	if _, err := s.Append(ctx, job.PriorityMedium, j); err != nil {
		t.Fatalf("Append: %v", err)
	}
	entries, err := s.ReadGroup(ctx, "workers", "w1", job.Priorities, 10, 0)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}

	pending, err := s.Pending(ctx, job.PriorityMedium, "workers")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending entry, got %d", len(pending))
	}

	if err := s.Ack(ctx, job.PriorityMedium, "workers", entries[0].EntryID); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	pending, err = s.Pending(ctx, job.PriorityMedium, "workers")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected 0 pending after ack, got %d", len(pending))
	}
}

func TestClaimReassignsOwnership(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	j := mustJob(t, job.PriorityHigh)
	if _, err := s.Append(ctx, job.PriorityHigh, j); err != nil {
		t.Fatalf("Append: %v", err)
	}
	entries, err := s.ReadGroup(ctx, "workers", "w1", job.Priorities, 10, 0)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}

	claimed, err := s.Claim(ctx, job.PriorityHigh, "workers", "w2", []string{entries[0].EntryID})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Job.ID != j.ID {
		t.Fatalf("expected claimed job %s, got %v", j.ID, claimed)
	}

	pending, err := s.Pending(ctx, job.PriorityHigh, "workers")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Consumer != "w2" {
		t.Fatalf("expected pending owned by w2, got %v", pending)
	}
}

func TestParkAndPromoteDue(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := mustJob(t, job.PriorityHigh)
	due.ScheduledFor = &past
	notDue := mustJob(t, job.PriorityHigh)
	notDue.ScheduledFor = &future

	if err := s.Park(ctx, due); err != nil {
		t.Fatalf("Park: %v", err)
	}
	if err := s.Park(ctx, notDue); err != nil {
		t.Fatalf("Park: %v", err)
	}

	parkedLen, err := s.ParkedLen(ctx)
	if err != nil {
		t.Fatalf("ParkedLen: %v", err)
	}
	if parkedLen != 2 {
		t.Fatalf("expected 2 parked, got %d", parkedLen)
	}

	promoted, err := s.PromoteDue(ctx, now)
	if err != nil {
		t.Fatalf("PromoteDue: %v", err)
	}
	if len(promoted) != 1 || promoted[0].ID != due.ID {
		t.Fatalf("expected only the due job promoted, got %v", promoted)
	}

	parkedLen, err = s.ParkedLen(ctx)
	if err != nil {
		t.Fatalf("ParkedLen: %v", err)
	}
	if parkedLen != 1 {
		t.Errorf("expected 1 job still parked, got %d", parkedLen)
	}

	streamLen, err := s.StreamLen(ctx, job.PriorityHigh)
	if err != nil {
		t.Fatalf("StreamLen: %v", err)
	}
	if streamLen != 1 {
		t.Errorf("expected promoted job on ready stream, got len %d", streamLen)
	}
}

func TestDLQRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	j := mustJob(t, job.PriorityLow)
	entry := &job.DeadLetterEntry{
		JobID:             j.ID,
		Job:               j,
		FailureReason:     "smtp: connection refused",
		FinalAttemptCount: 3,
		MovedAt:           time.Now().UTC(),
	}
	if err := s.PushDLQ(ctx, entry); err != nil {
		t.Fatalf("PushDLQ: %v", err)
	}

	count, err := s.CountDLQ(ctx)
	if err != nil {
		t.Fatalf("CountDLQ: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 DLQ entry, got %d", count)
	}

	list, err := s.ListDLQ(ctx)
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(list) != 1 || list[0].JobID != j.ID {
		t.Fatalf("expected DLQ entry for job %s, got %v", j.ID, list)
	}
}

func TestCountersAndAudit(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	if err := s.IncrSent(ctx); err != nil {
		t.Fatalf("IncrSent: %v", err)
	}
	if err := s.IncrSent(ctx); err != nil {
		t.Fatalf("IncrSent: %v", err)
	}
	if err := s.IncrFailed(ctx); err != nil {
		t.Fatalf("IncrFailed: %v", err)
	}

	counters, err := s.GetCounters(ctx)
	if err != nil {
		t.Fatalf("GetCounters: %v", err)
	}
	if counters.SentTotal != 2 || counters.FailedTotal != 1 {
		t.Fatalf("unexpected counters: %+v", counters)
	}
	if counters.SentToday != 2 {
		t.Errorf("expected SentToday 2, got %d", counters.SentToday)
	}

	j := mustJob(t, job.PriorityMedium)
	rec := &job.AuditRecord{
		JobID:          j.ID,
		SubmittedBy:    "svc",
		Endpoint:       "/send",
		TemplateName:   "welcome",
		RecipientCount: 1,
		FinalStatus:    job.StatusSent,
		AttemptCount:   1,
	}
	if err := s.WriteAudit(ctx, rec); err != nil {
		t.Fatalf("WriteAudit: %v", err)
	}

	got, err := s.GetAudit(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetAudit: %v", err)
	}
	if got == nil || got.FinalStatus != job.StatusSent {
		t.Fatalf("unexpected audit record: %+v", got)
	}
}

func TestHeartbeatExpiry(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	worker := id.NewWorkerID()
	if err := s.Heartbeat(ctx, worker, time.Hour); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	fresh, err := s.FreshHeartbeats(ctx)
	if err != nil {
		t.Fatalf("FreshHeartbeats: %v", err)
	}
	if len(fresh) != 1 {
		t.Fatalf("expected 1 fresh heartbeat, got %d", len(fresh))
	}
}
