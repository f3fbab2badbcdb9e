package redis

import "fmt"

// Key layout mirrors spec §6.4. Every key is namespaced under "dispatch:"
// to share a Redis instance safely with unrelated workloads.
const keyPrefix = "dispatch:"

func streamKey(priority string) string { return keyPrefix + "queue:ready:" + priority }

const parkedKey = keyPrefix + "queue:parked"

const dlqKey = keyPrefix + "queue:dlq"

const sentTotalKey = keyPrefix + "stats:sent"

const failedTotalKey = keyPrefix + "stats:failed"

func sentByDayKey(day string) string { return keyPrefix + "stats:sent:" + day }

func failedByDayKey(day string) string { return keyPrefix + "stats:failed:" + day }

func auditKey(jobID string) string { return keyPrefix + "audit:job:" + jobID }

func serviceCallsKey(service, day string) string {
	return fmt.Sprintf("%saudit:service:%s:calls:%s", keyPrefix, service, day)
}

func serviceMetricsKey(service string) string {
	return keyPrefix + "audit:service:" + service + ":metrics"
}

const serviceIndexKey = keyPrefix + "audit:service:index"

func workerHeartbeatKey(workerID string) string {
	return keyPrefix + "worker:heartbeat:" + workerID
}

const workerHeartbeatSetKey = keyPrefix + "worker:heartbeat:index"
