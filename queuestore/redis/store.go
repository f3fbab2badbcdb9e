// Package redis implements queuestore.Store on top of Redis: the three
// ready streams use Streams with a shared consumer group so ReadGroup,
// Ack, Pending, and Claim map directly onto XREADGROUP/XACK/XPENDING/
// XCLAIM; parked jobs live in a Sorted Set scored by scheduled_for so
// PromoteDue is a single ZRANGEBYSCORE-then-ZREM sweep.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mailforge/dispatch/id"
	"github.com/mailforge/dispatch/job"
	"github.com/mailforge/dispatch/queuestore"
)

var _ queuestore.Store = (*Store)(nil)

// group is the sole Redis consumer group name; worker identity is carried
// by the per-call consumer string, not by separate groups.
const group = "workers"

// Store implements queuestore.Store backed by Redis.
type Store struct {
	client goredis.Cmdable
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Redis-backed queue store. The caller owns the client's
// lifecycle; Close is a no-op.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.Cmdable { return s.client }

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close(_ context.Context) error { return nil }

// ensureGroup lazily creates the consumer group at the stream's tail,
// tolerating the BUSYGROUP error when it already exists.
func (s *Store) ensureGroup(ctx context.Context, stream string) error {
	err := s.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("dispatch/queuestore/redis: ensure group %s: %w", stream, err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, priority job.Priority, j *job.Job) (string, error) {
	stream := streamKey(string(priority))
	if err := s.ensureGroup(ctx, stream); err != nil {
		return "", err
	}

	payload, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("dispatch/queuestore/redis: marshal job: %w", err)
	}

	entryID, err := s.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"job": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("dispatch/queuestore/redis: xadd %s: %w", stream, err)
	}
	return entryID, nil
}

func (s *Store) ReadGroup(ctx context.Context, _, consumer string, priorities []job.Priority, max int, block time.Duration) ([]queuestore.Entry, error) {
	var out []queuestore.Entry
	for _, p := range priorities {
		if len(out) >= max {
			break
		}
		stream := streamKey(string(p))
		if err := s.ensureGroup(ctx, stream); err != nil {
			return nil, err
		}

		res, err := s.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    int64(max - len(out)),
			Block:    block,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				continue
			}
			return nil, fmt.Errorf("dispatch/queuestore/redis: xreadgroup %s: %w", stream, err)
		}

		for _, streamRes := range res {
			for _, msg := range streamRes.Messages {
				j, jerr := decodeJob(msg.Values)
				if jerr != nil {
					s.logger.Warn("dispatch/queuestore/redis: skipping malformed entry", "entry_id", msg.ID, "error", jerr)
					continue
				}
				out = append(out, queuestore.Entry{EntryID: msg.ID, Priority: p, Job: j})
			}
		}
	}
	return out, nil
}

func (s *Store) Ack(ctx context.Context, priority job.Priority, _, entryID string) error {
	stream := streamKey(string(priority))
	if err := s.client.XAck(ctx, stream, group, entryID).Err(); err != nil {
		return fmt.Errorf("dispatch/queuestore/redis: xack %s: %w", stream, err)
	}
	return nil
}

func (s *Store) Pending(ctx context.Context, priority job.Priority, _ string) ([]queuestore.PendingEntry, error) {
	stream := streamKey(string(priority))
	res, err := s.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  1000,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dispatch/queuestore/redis: xpending %s: %w", stream, err)
	}

	out := make([]queuestore.PendingEntry, 0, len(res))
	for _, p := range res {
		out = append(out, queuestore.PendingEntry{
			EntryID:       p.ID,
			Consumer:      p.Consumer,
			Idle:          p.Idle,
			DeliveryCount: p.RetryCount,
		})
	}
	return out, nil
}

func (s *Store) Claim(ctx context.Context, priority job.Priority, _, consumer string, entryIDs []string) ([]queuestore.Entry, error) {
	stream := streamKey(string(priority))
	msgs, err := s.client.XClaim(ctx, &goredis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  0,
		Messages: entryIDs,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("dispatch/queuestore/redis: xclaim %s: %w", stream, err)
	}

	out := make([]queuestore.Entry, 0, len(msgs))
	for _, msg := range msgs {
		j, jerr := decodeJob(msg.Values)
		if jerr != nil {
			s.logger.Warn("dispatch/queuestore/redis: skipping malformed claimed entry", "entry_id", msg.ID, "error", jerr)
			continue
		}
		out = append(out, queuestore.Entry{EntryID: msg.ID, Priority: priority, Job: j})
	}
	return out, nil
}

func (s *Store) StreamLen(ctx context.Context, priority job.Priority) (int64, error) {
	n, err := s.client.XLen(ctx, streamKey(string(priority))).Result()
	if err != nil {
		return 0, fmt.Errorf("dispatch/queuestore/redis: xlen: %w", err)
	}
	return n, nil
}

// Park stores j in the parked sorted set, scored by ScheduledFor. The job
// JSON itself is the member: its embedded ID keeps members unique.
func (s *Store) Park(ctx context.Context, j *job.Job) error {
	if j.ScheduledFor == nil {
		return fmt.Errorf("dispatch/queuestore/redis: park %s: no scheduled_for", j.ID)
	}
	payload, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("dispatch/queuestore/redis: marshal parked job: %w", err)
	}
	err = s.client.ZAdd(ctx, parkedKey, goredis.Z{
		Score:  float64(j.ScheduledFor.UnixMilli()),
		Member: payload,
	}).Err()
	if err != nil {
		return fmt.Errorf("dispatch/queuestore/redis: zadd parked: %w", err)
	}
	return nil
}

func (s *Store) PromoteDue(ctx context.Context, now time.Time) ([]*job.Job, error) {
	members, err := s.client.ZRangeByScore(ctx, parkedKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("dispatch/queuestore/redis: zrangebyscore parked: %w", err)
	}

	promoted := make([]*job.Job, 0, len(members))
	for _, raw := range members {
		var j job.Job
		if jerr := json.Unmarshal([]byte(raw), &j); jerr != nil {
			s.logger.Warn("dispatch/queuestore/redis: dropping malformed parked entry", "error", jerr)
			_ = s.client.ZRem(ctx, parkedKey, raw).Err()
			continue
		}
		if _, aerr := s.Append(ctx, j.Priority, &j); aerr != nil {
			return promoted, aerr
		}
		if rerr := s.client.ZRem(ctx, parkedKey, raw).Err(); rerr != nil {
			return promoted, fmt.Errorf("dispatch/queuestore/redis: zrem promoted: %w", rerr)
		}
		promoted = append(promoted, &j)
	}
	return promoted, nil
}

func (s *Store) ParkedLen(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, parkedKey).Result()
	if err != nil {
		return 0, fmt.Errorf("dispatch/queuestore/redis: zcard parked: %w", err)
	}
	return n, nil
}

func (s *Store) PushDLQ(ctx context.Context, entry *job.DeadLetterEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("dispatch/queuestore/redis: marshal dlq entry: %w", err)
	}
	if err := s.client.HSet(ctx, dlqKey, entry.JobID.String(), payload).Err(); err != nil {
		return fmt.Errorf("dispatch/queuestore/redis: hset dlq: %w", err)
	}
	return nil
}

func (s *Store) ListDLQ(ctx context.Context) ([]*job.DeadLetterEntry, error) {
	vals, err := s.client.HGetAll(ctx, dlqKey).Result()
	if err != nil {
		return nil, fmt.Errorf("dispatch/queuestore/redis: hgetall dlq: %w", err)
	}

	out := make([]*job.DeadLetterEntry, 0, len(vals))
	for _, raw := range vals {
		var entry job.DeadLetterEntry
		if uerr := json.Unmarshal([]byte(raw), &entry); uerr != nil {
			s.logger.Warn("dispatch/queuestore/redis: skipping malformed dlq entry", "error", uerr)
			continue
		}
		out = append(out, &entry)
	}
	return out, nil
}

func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	n, err := s.client.HLen(ctx, dlqKey).Result()
	if err != nil {
		return 0, fmt.Errorf("dispatch/queuestore/redis: hlen dlq: %w", err)
	}
	return n, nil
}

func (s *Store) IncrSent(ctx context.Context) error {
	pipe := s.client.TxPipeline()
	pipe.Incr(ctx, sentTotalKey)
	dayKey := sentByDayKey(dayString(time.Now().UTC()))
	pipe.Incr(ctx, dayKey)
	pipe.Expire(ctx, dayKey, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dispatch/queuestore/redis: incr sent: %w", err)
	}
	return nil
}

func (s *Store) IncrFailed(ctx context.Context) error {
	pipe := s.client.TxPipeline()
	pipe.Incr(ctx, failedTotalKey)
	dayKey := failedByDayKey(dayString(time.Now().UTC()))
	pipe.Incr(ctx, dayKey)
	pipe.Expire(ctx, dayKey, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dispatch/queuestore/redis: incr failed: %w", err)
	}
	return nil
}

func (s *Store) GetCounters(ctx context.Context) (queuestore.Counters, error) {
	today := dayString(time.Now().UTC())
	pipe := s.client.Pipeline()
	sentTotal := pipe.Get(ctx, sentTotalKey)
	failedTotal := pipe.Get(ctx, failedTotalKey)
	sentToday := pipe.Get(ctx, sentByDayKey(today))
	failedToday := pipe.Get(ctx, failedByDayKey(today))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return queuestore.Counters{}, fmt.Errorf("dispatch/queuestore/redis: get counters: %w", err)
	}
	return queuestore.Counters{
		SentTotal:   parseCounter(sentTotal),
		FailedTotal: parseCounter(failedTotal),
		SentToday:   parseCounter(sentToday),
		FailedToday: parseCounter(failedToday),
	}, nil
}

func parseCounter(cmd *goredis.StringCmd) int64 {
	n, err := cmd.Int64()
	if err != nil {
		return 0
	}
	return n
}

func (s *Store) WriteAudit(ctx context.Context, rec *job.AuditRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("dispatch/queuestore/redis: marshal audit record: %w", err)
	}
	if err := s.client.Set(ctx, auditKey(rec.JobID.String()), payload, 0).Err(); err != nil {
		return fmt.Errorf("dispatch/queuestore/redis: set audit: %w", err)
	}
	return nil
}

func (s *Store) GetAudit(ctx context.Context, jobID id.JobID) (*job.AuditRecord, error) {
	raw, err := s.client.Get(ctx, auditKey(jobID.String())).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dispatch/queuestore/redis: get audit: %w", err)
	}
	var rec job.AuditRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("dispatch/queuestore/redis: unmarshal audit: %w", err)
	}
	return &rec, nil
}

func (s *Store) IncrServiceCounters(ctx context.Context, service, endpoint string, emailCount int) error {
	pipe := s.client.TxPipeline()
	metricsKey := serviceMetricsKey(service)
	pipe.HIncrBy(ctx, metricsKey, "total_calls", 1)
	pipe.HIncrBy(ctx, metricsKey, "total_emails", int64(emailCount))
	pipe.HIncrBy(ctx, metricsKey, "endpoint:"+endpoint, 1)
	pipe.Incr(ctx, serviceCallsKey(service, dayString(time.Now().UTC())))
	pipe.SAdd(ctx, serviceIndexKey, service)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dispatch/queuestore/redis: incr service counters: %w", err)
	}
	return nil
}

// GetServiceCounters reads every service registered in the index set and
// its metrics hash. Best-effort per service: a hash that vanished between
// the index read and the HGetAll is skipped rather than failing the call.
func (s *Store) GetServiceCounters(ctx context.Context) (map[string]queuestore.ServiceCounters, error) {
	services, err := s.client.SMembers(ctx, serviceIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("dispatch/queuestore/redis: smembers service index: %w", err)
	}

	out := make(map[string]queuestore.ServiceCounters, len(services))
	for _, service := range services {
		fields, err := s.client.HGetAll(ctx, serviceMetricsKey(service)).Result()
		if err != nil {
			return nil, fmt.Errorf("dispatch/queuestore/redis: hgetall service metrics %s: %w", service, err)
		}
		if len(fields) == 0 {
			continue
		}

		sc := queuestore.ServiceCounters{Endpoints: make(map[string]int64)}
		for field, raw := range fields {
			n, parseErr := strconv.ParseInt(raw, 10, 64)
			if parseErr != nil {
				continue
			}
			switch {
			case field == "total_calls":
				sc.TotalCalls = n
			case field == "total_emails":
				sc.TotalEmails = n
			case strings.HasPrefix(field, "endpoint:"):
				sc.Endpoints[strings.TrimPrefix(field, "endpoint:")] = n
			}
		}
		out[service] = sc
	}
	return out, nil
}

func (s *Store) Heartbeat(ctx context.Context, workerID id.WorkerID, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, workerHeartbeatKey(workerID.String()), time.Now().UTC().Format(time.RFC3339Nano), ttl)
	pipe.SAdd(ctx, workerHeartbeatSetKey, workerID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dispatch/queuestore/redis: heartbeat: %w", err)
	}
	return nil
}

func (s *Store) FreshHeartbeats(ctx context.Context) ([]string, error) {
	workers, err := s.client.SMembers(ctx, workerHeartbeatSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("dispatch/queuestore/redis: smembers heartbeat index: %w", err)
	}

	var fresh []string
	for _, w := range workers {
		exists, eerr := s.client.Exists(ctx, workerHeartbeatKey(w)).Result()
		if eerr != nil {
			return nil, fmt.Errorf("dispatch/queuestore/redis: exists heartbeat: %w", eerr)
		}
		if exists > 0 {
			fresh = append(fresh, w)
		} else {
			_ = s.client.SRem(ctx, workerHeartbeatSetKey, w).Err()
		}
	}
	return fresh, nil
}

func decodeJob(values map[string]any) (*job.Job, error) {
	raw, ok := values["job"]
	if !ok {
		return nil, errors.New("dispatch/queuestore/redis: entry missing job field")
	}
	var payload []byte
	switch v := raw.(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	default:
		return nil, fmt.Errorf("dispatch/queuestore/redis: unexpected job field type %T", raw)
	}
	var j job.Job
	if err := json.Unmarshal(payload, &j); err != nil {
		return nil, fmt.Errorf("dispatch/queuestore/redis: unmarshal job: %w", err)
	}
	return &j, nil
}

func dayString(t time.Time) string {
	return t.Format("2006-01-02")
}
