package state

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	coreerrors "github.com/newsmesh/gpu-orchestrator/internal/errors"

	"github.com/newsmesh/gpu-orchestrator/domain/audit"
	"github.com/newsmesh/gpu-orchestrator/domain/job"
	"github.com/newsmesh/gpu-orchestrator/domain/lease"
	"github.com/newsmesh/gpu-orchestrator/domain/pool"
)

// MemoryStore is an in-process Store implementation, modeled on the
// teacher's MemoryBackend key/value store but holding the core's typed
// rows directly. It backs unit tests and require_bus=false-style
// standalone runs where no PostgreSQL instance is wired.
type MemoryStore struct {
	mu        sync.Mutex
	leases    map[string]lease.Lease
	pools     map[string]pool.Pool
	jobs      map[string]job.Job
	auditLog  []audit.Event
	auditSeq  int64
	locks     map[string]int64 // lock name -> current token, 0 means unheld
}

// NewMemoryStore creates an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leases: make(map[string]lease.Lease),
		pools:  make(map[string]pool.Pool),
		jobs:   make(map[string]job.Job),
		locks:  make(map[string]int64),
	}
}

func (m *MemoryStore) recordAudit(typ audit.EventType, entityID string, detail map[string]string) {
	m.auditSeq++
	m.auditLog = append(m.auditLog, audit.Event{
		ID:        m.auditSeq,
		Type:      typ,
		EntityID:  entityID,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
}

func (m *MemoryStore) PutLease(ctx context.Context, agent string, device int, hasDevice bool, mode lease.Mode, ttlSeconds int) (lease.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hasDevice {
		for _, l := range m.leases {
			if l.Agent == agent && l.HasDevice && l.Device == device && !l.Expired(time.Now()) {
				return lease.Lease{}, coreerrors.LeaseConflict(agent, device)
			}
		}
	}

	now := time.Now()
	l := lease.Lease{
		Token:         uuid.NewString(),
		Agent:         agent,
		Device:        device,
		HasDevice:     hasDevice,
		Mode:          mode,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Duration(ttlSeconds) * time.Second),
		LastHeartbeat: now,
		Metadata:      map[string]string{},
	}
	m.leases[l.Token] = l
	m.recordAudit(audit.EventLeaseGranted, l.Token, map[string]string{"agent": agent})
	return l, nil
}

func (m *MemoryStore) ExtendLease(ctx context.Context, token string, now time.Time, maxTTLSeconds int) (lease.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[token]
	if !ok {
		return lease.Lease{}, coreerrors.LeaseUnknown(token)
	}
	if l.Expired(now) {
		return lease.Lease{}, coreerrors.LeaseExpired(token)
	}

	maxExpiry := l.MaxExpiry(maxTTLSeconds)
	newExpiry := now.Add(time.Duration(maxTTLSeconds) * time.Second)
	if newExpiry.After(maxExpiry) {
		newExpiry = maxExpiry
	}
	l.ExpiresAt = newExpiry
	l.LastHeartbeat = now
	m.leases[token] = l
	m.recordAudit(audit.EventLeaseExtended, token, nil)
	return l, nil
}

func (m *MemoryStore) ReleaseLease(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.leases[token]; !ok {
		return nil // idempotent
	}
	delete(m.leases, token)
	m.recordAudit(audit.EventLeaseReleased, token, nil)
	return nil
}

func (m *MemoryStore) PurgeExpiredLeases(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var tokens []string
	for token, l := range m.leases {
		if l.Expired(now) {
			tokens = append(tokens, token)
			delete(m.leases, token)
			m.recordAudit(audit.EventLeaseExpired, token, nil)
		}
	}
	return tokens, nil
}

func (m *MemoryStore) ActiveLeaseCount(ctx context.Context, device int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	count := 0
	for _, l := range m.leases {
		if l.HasDevice && l.Device == device && !l.Expired(now) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) ActiveCPULeaseCount(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	count := 0
	for _, l := range m.leases {
		if l.Mode == lease.ModeCPU && !l.Expired(now) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) ActiveLeaseCountForAgent(ctx context.Context, agent string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	count := 0
	for _, l := range m.leases {
		if l.Agent == agent && !l.Expired(now) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) GetLease(ctx context.Context, token string) (lease.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[token]
	if !ok {
		return lease.Lease{}, coreerrors.LeaseUnknown(token)
	}
	return l, nil
}

func (m *MemoryStore) UpsertPool(ctx context.Context, p pool.Pool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.pools[p.ID]; ok && existing.Status != p.Status {
		if !pool.CanTransition(existing.Status, p.Status) {
			return coreerrors.FatalInvariant("illegal pool status transition", nil)
		}
	}
	m.pools[p.ID] = p
	m.recordAudit(audit.EventPoolStatus, p.ID, map[string]string{"status": string(p.Status)})
	return nil
}

func (m *MemoryStore) ListPools(ctx context.Context, filter PoolFilter) ([]pool.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []pool.Pool
	for _, p := range m.pools {
		if filter.Agent != "" && p.Agent != filter.Agent {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *MemoryStore) GetPool(ctx context.Context, id string) (pool.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[id]
	if !ok {
		return pool.Pool{}, coreerrors.PoolUnknown(id)
	}
	return p, nil
}

func (m *MemoryStore) PutJob(ctx context.Context, j job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.jobs[j.ID]; ok {
		if !existing.SameSubmission(j.Type, j.Payload) {
			return coreerrors.JobPayloadMismatch(j.ID)
		}
		return nil // idempotent resubmission
	}

	now := time.Now()
	j.Status = job.StatusPending
	j.CreatedAt = now
	j.UpdatedAt = now
	m.jobs[j.ID] = j
	m.recordAudit(audit.EventJobSubmitted, j.ID, map[string]string{"type": j.Type})
	return nil
}

func (m *MemoryStore) ClaimJob(ctx context.Context, jobID, workerID string, maxAttempts int) (job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return job.Job{}, coreerrors.JobUnknown(jobID)
	}
	if !j.Claimable(maxAttempts) {
		if j.Status == job.StatusClaimed || j.Status == job.StatusRunning || j.Status.Terminal() {
			return j, coreerrors.AlreadyClaimed(jobID)
		}
		return job.Job{}, coreerrors.AlreadyClaimed(jobID)
	}
	j.Status = job.StatusClaimed
	j.Attempts++
	j.OwnerID = workerID
	j.UpdatedAt = time.Now()
	m.jobs[jobID] = j
	m.recordAudit(audit.EventJobClaimed, jobID, map[string]string{"worker_id": workerID})
	return j, nil
}

func (m *MemoryStore) MarkJobRunning(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return coreerrors.JobUnknown(jobID)
	}
	j.Status = job.StatusRunning
	j.UpdatedAt = time.Now()
	m.jobs[jobID] = j
	m.recordAudit(audit.EventJobRunning, jobID, nil)
	return nil
}

func (m *MemoryStore) FinalizeJob(ctx context.Context, jobID string, status job.Status, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return coreerrors.JobUnknown(jobID)
	}
	j.Status = status
	j.LastError = lastError
	j.UpdatedAt = time.Now()
	m.jobs[jobID] = j
	m.recordAudit(audit.EventJobFinalized, jobID, map[string]string{"status": string(status)})
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, jobID string) (job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return job.Job{}, coreerrors.JobUnknown(jobID)
	}
	return j, nil
}

func (m *MemoryStore) TryLeaderLock(ctx context.Context, name string, ttl time.Duration) (LockHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tok, held := m.locks[name]; held && tok != 0 {
		return LockHandle{}, coreerrors.LockHeld(name)
	}
	token := time.Now().UnixNano()
	m.locks[name] = token
	m.recordAudit(audit.EventLeaderAcquired, name, nil)
	return LockHandle{Name: name, AcquiredAt: time.Now(), token: token}, nil
}

func (m *MemoryStore) RenewLeaderLock(ctx context.Context, handle LockHandle, ttl time.Duration) (LockHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locks[handle.Name] != handle.token {
		return LockHandle{}, coreerrors.LockLost(handle.Name)
	}
	return handle, nil
}

func (m *MemoryStore) ReleaseLeaderLock(ctx context.Context, handle LockHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locks[handle.Name] == handle.token {
		delete(m.locks, handle.Name)
		m.recordAudit(audit.EventLeaderLost, handle.Name, nil)
	}
	return nil
}

func (m *MemoryStore) ListAudit(ctx context.Context, entityID string, limit int) ([]audit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []audit.Event
	for i := len(m.auditLog) - 1; i >= 0 && len(out) < limit; i-- {
		if entityID == "" || m.auditLog[i].EntityID == entityID {
			out = append(out, m.auditLog[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
