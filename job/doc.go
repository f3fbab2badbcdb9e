// Package job defines the email send request envelope and its processing
// state: Priority, ProviderKind, Job, AuditRecord, RateBucket, and
// DeadLetterEntry (spec §3).
//
// A Job is immutable after creation except for AttemptCount and
// ScheduledFor, which only the retry controller mutates. A job exists in exactly one of: parked,
// a ready stream, in-flight with a consumer, acked-terminal, or the dead
// letter queue — never more than one at a time.
package job
