// Package state is the State Store (SS): authoritative, transactional
// storage for leases, worker pools, jobs, and audit events, plus the
// advisory-lock primitive leader election is built on.
package state

import (
	"context"
	"time"

	"github.com/newsmesh/gpu-orchestrator/domain/audit"
	"github.com/newsmesh/gpu-orchestrator/domain/job"
	"github.com/newsmesh/gpu-orchestrator/domain/lease"
	"github.com/newsmesh/gpu-orchestrator/domain/pool"
)

// PoolFilter narrows list_pools by optional fields; zero values are
// wildcards.
type PoolFilter struct {
	Agent  string
	Status pool.Status
}

// LockHandle is an opaque leader-lock handle returned by try_leader_lock
// and consumed by renew_leader_lock.
type LockHandle struct {
	Name      string
	AcquiredAt time.Time
	token      int64 // internal advisory-lock key, opaque to callers
}

// Store is the full State Store contract: every mutator commits an audit
// row in the same transaction as the data it mutates.
type Store interface {
	// Lease operations.
	PutLease(ctx context.Context, agent string, device int, hasDevice bool, mode lease.Mode, ttlSeconds int) (lease.Lease, error)
	ExtendLease(ctx context.Context, token string, now time.Time, maxTTLSeconds int) (lease.Lease, error)
	ReleaseLease(ctx context.Context, token string) error
	PurgeExpiredLeases(ctx context.Context, now time.Time) ([]string, error)
	ActiveLeaseCount(ctx context.Context, device int) (int, error)
	ActiveCPULeaseCount(ctx context.Context) (int, error)
	ActiveLeaseCountForAgent(ctx context.Context, agent string) (int, error)
	GetLease(ctx context.Context, token string) (lease.Lease, error)

	// Worker pool operations.
	UpsertPool(ctx context.Context, p pool.Pool) error
	ListPools(ctx context.Context, filter PoolFilter) ([]pool.Pool, error)
	GetPool(ctx context.Context, id string) (pool.Pool, error)

	// Job operations.
	PutJob(ctx context.Context, j job.Job) error
	ClaimJob(ctx context.Context, jobID, workerID string, maxAttempts int) (job.Job, error)
	MarkJobRunning(ctx context.Context, jobID string) error
	FinalizeJob(ctx context.Context, jobID string, status job.Status, lastError string) error
	GetJob(ctx context.Context, jobID string) (job.Job, error)

	// Leader election.
	TryLeaderLock(ctx context.Context, name string, ttl time.Duration) (LockHandle, error)
	RenewLeaderLock(ctx context.Context, handle LockHandle, ttl time.Duration) (LockHandle, error)
	ReleaseLeaderLock(ctx context.Context, handle LockHandle) error

	// Audit.
	ListAudit(ctx context.Context, entityID string, limit int) ([]audit.Event, error)

	Close() error
}
