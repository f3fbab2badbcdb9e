// Package cluster provides distributed worker coordination and
// consensus-based leader election for the email dispatch engine.
//
// When running multiple dispatch instances, the cluster package coordinates
// which instance is the leader (responsible for scheduler promotion of
// parked jobs and periodic pending-entry reclaim) and which are followers.
//
// # Worker Entity
//
// A [Worker] record describes one Dispatch instance:
//   - a unique [id.WorkerID]
//   - its hostname
//   - the list of queues it polls
//   - its concurrency limit
//   - a state: [WorkerActive], [WorkerDraining], or [WorkerDead]
//
// [Store] offers RegisterWorker, HeartbeatWorker and ReapDeadWorkers for
// such records, but the server, scheduler, worker pool and supervisor do
// not call them: no instance registers or heartbeats through this
// package, and pending-entry reclaim does not depend on it.
//
// # Leader Election
//
// One worker at a time holds leadership. The leader:
//   - promotes due parked jobs onto their ready streams (the scheduler)
//   - reclaims pending entries idle longer than the pending timeout,
//     whichever consumer they were delivered to (the worker pool)
//
// Leadership is managed by [Store.AcquireLeadership] using optimistic locking.
//
// # Kubernetes Consensus
//
// For K8s deployments use the cluster/k8s sub-package which uses Kubernetes
// leader election via client-go for consensus.
package cluster
