// Package engine is the Orchestrator Engine (OE): admission, lease
// granting, worker-pool lifecycle, job submission, reconciliation,
// reclamation, and leader-gated enforcement, built on the State Store
// and Event Bus.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/newsmesh/gpu-orchestrator/domain/job"
	"github.com/newsmesh/gpu-orchestrator/domain/lease"
	"github.com/newsmesh/gpu-orchestrator/domain/policy"
	"github.com/newsmesh/gpu-orchestrator/domain/pool"

	"github.com/newsmesh/gpu-orchestrator/infrastructure/eventbus"
	"github.com/newsmesh/gpu-orchestrator/infrastructure/state"

	"github.com/newsmesh/gpu-orchestrator/internal/cache"
	coreerrors "github.com/newsmesh/gpu-orchestrator/internal/errors"
	"github.com/newsmesh/gpu-orchestrator/internal/metrics"
)

// Engine is the OE: a single process's admission gate, lease table
// authority client, and leader-gated pool/reconciliation enforcer. The
// admission and device-selection critical section is one mutex per
// process, because SS.put_lease is the true authority — this mutex only
// keeps one process's decision-then-write atomic.
type Engine struct {
	store state.Store
	bus   eventbus.Bus
	gate  *AdmissionGate
	now   func() time.Time

	mu sync.Mutex // serializes admission + device selection per process

	policies *cache.PolicyCache

	knownModels map[string]bool

	leaderMu sync.RWMutex
	isLeader bool

	reconciler *Reconciler
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithKnownModels restricts strict_model_store admission to the given
// model ids; omit to allow any declared model.
func WithKnownModels(models []string) Option {
	return func(e *Engine) {
		set := make(map[string]bool, len(models))
		for _, m := range models {
			set[m] = true
		}
		e.knownModels = set
	}
}

// WithClock overrides the engine's time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an Engine over store/bus with the given admission gate and
// policy snapshot cache.
func New(store state.Store, bus eventbus.Bus, gate *AdmissionGate, policies *cache.PolicyCache, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		bus:      bus,
		gate:     gate,
		policies: policies,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) policy() (p PolicySnapshot, ok bool) {
	v, ok := e.policies.Snapshot()
	if !ok {
		return PolicySnapshot{}, false
	}
	snap, ok := v.(PolicySnapshot)
	return snap, ok
}

// Policy exposes the current policy snapshot to callers outside the
// package, such as the worker runtime's heartbeat cadence.
func (e *Engine) Policy() (PolicySnapshot, bool) {
	return e.policy()
}

// PolicySnapshot is the subset of domain/policy.Policy the engine reads
// on the admission/reconcile hot path.
type PolicySnapshot struct {
	MaxLeaseTTLSeconds         int
	GlobalGPUPressureHighPct   float64
	GlobalGPUPressureLowPct    float64
	StrictModelStore           bool
	GPUDeviceCount             int
	GPUDeviceMemoryMB          int
	CPUPoolSize                int
	JobClaimIdleMS             int
	JobMaxAttempts             int
	PoolDrainGraceSeconds      int
	LeaseHeartbeatGraceSeconds int
}

// HeartbeatInterval is the cadence at which a worker should heartbeat a
// held lease: a third of the configured grace period.
func (p PolicySnapshot) HeartbeatInterval() time.Duration {
	return time.Duration(p.LeaseHeartbeatGraceSeconds) * time.Second / 3
}

// SnapshotFromPolicy projects a domain/policy.Policy onto the fields the
// engine's hot path reads, for installing into the policy cache.
func SnapshotFromPolicy(p policy.Policy) PolicySnapshot {
	return PolicySnapshot{
		MaxLeaseTTLSeconds:         p.MaxLeaseTTLSeconds,
		GlobalGPUPressureHighPct:   p.GlobalGPUPressureHighPct,
		GlobalGPUPressureLowPct:    p.GlobalGPUPressureLowPct,
		StrictModelStore:           p.StrictModelStore,
		GPUDeviceCount:             p.GPUDeviceCount,
		GPUDeviceMemoryMB:          p.GPUDeviceMemoryMB,
		CPUPoolSize:                p.CPUPoolSize,
		JobClaimIdleMS:             p.JobClaimIdleMS,
		JobMaxAttempts:             p.JobMaxAttempts,
		PoolDrainGraceSeconds:      p.PoolDrainGraceSeconds,
		LeaseHeartbeatGraceSeconds: p.LeaseHeartbeatGraceSeconds,
	}
}

// LeaseGPU implements lease_gpu: admission in order (rate/burst -> global
// pressure -> model availability -> device selection) then SS.put_lease.
func (e *Engine) LeaseGPU(ctx context.Context, agent string, minMemoryMB, ttlSeconds int, modelPayload []byte) (lease.Lease, error) {
	snap, ok := e.policy()
	if !ok {
		return lease.Lease{}, coreerrors.ConfigMissing("policy")
	}

	if err := e.gate.checkRate(agent); err != nil {
		metrics.Global().LeasesDenied.WithLabelValues(string(coreerrors.ReasonRateLimited)).Inc()
		return lease.Lease{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.gate.checkPressure(ctx, snap.GPUDeviceCount, snap.GlobalGPUPressureHighPct, snap.GlobalGPUPressureLowPct); err != nil {
		metrics.Global().LeasesDenied.WithLabelValues(string(coreerrors.ReasonGPUPressureHigh)).Inc()
		return lease.Lease{}, err
	}

	if modelPayload != nil {
		if _, available := modelAvailable(modelPayload, e.knownModels); !available {
			if snap.StrictModelStore {
				metrics.Global().LeasesDenied.WithLabelValues(string(coreerrors.ReasonModelUnavailable)).Inc()
				return lease.Lease{}, coreerrors.AdmissionDenied(coreerrors.ReasonModelUnavailable)
			}
			// Non-strict stores treat an unknown model as a reason to
			// fall back to the CPU pool rather than deny outright; a
			// quantized-variant fallback would be a model-serving
			// decision this core doesn't make.
			return e.leaseCPULocked(ctx, agent, ttlSeconds, snap)
		}
	}

	// Free memory is capacity minus reservations; under the fixed
	// integer device-index allocation model a device with any active
	// lease is treated as fully committed (no fractional sharing).
	candidates := make([]deviceCandidate, 0, snap.GPUDeviceCount)
	for i := 0; i < snap.GPUDeviceCount; i++ {
		active, err := e.store.ActiveLeaseCount(ctx, i)
		if err != nil {
			return lease.Lease{}, err
		}
		freeMB := snap.GPUDeviceMemoryMB
		if active > 0 {
			freeMB = 0
		}
		candidates = append(candidates, deviceCandidate{index: i, freeMB: freeMB, activeCount: active})
	}

	device, ok := selectDevice(candidates, minMemoryMB)
	if !ok {
		metrics.Global().LeasesDenied.WithLabelValues(string(coreerrors.ReasonNoDeviceAvailable)).Inc()
		return lease.Lease{}, coreerrors.AdmissionDenied(coreerrors.ReasonNoDeviceAvailable)
	}

	l, err := e.store.PutLease(ctx, agent, device, true, lease.ModeGPU, ttlSeconds)
	if err != nil {
		return lease.Lease{}, err
	}
	metrics.Global().LeasesGranted.WithLabelValues(string(lease.ModeGPU)).Inc()
	return l, nil
}

// LeaseCPU admits a CPU-mode lease, bypassing device selection and the
// GPU pressure gate but still bounded by the separate CPU pool capacity.
func (e *Engine) LeaseCPU(ctx context.Context, agent string, ttlSeconds int) (lease.Lease, error) {
	snap, ok := e.policy()
	if !ok {
		return lease.Lease{}, coreerrors.ConfigMissing("policy")
	}

	if err := e.gate.checkRate(agent); err != nil {
		metrics.Global().LeasesDenied.WithLabelValues(string(coreerrors.ReasonRateLimited)).Inc()
		return lease.Lease{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.leaseCPULocked(ctx, agent, ttlSeconds, snap)
}

// leaseCPULocked performs CPU-mode admission and lease creation; callers
// must already hold e.mu. Shared by LeaseCPU and LeaseGPU's
// unknown-model-under-non-strict-store fallback.
func (e *Engine) leaseCPULocked(ctx context.Context, agent string, ttlSeconds int, snap PolicySnapshot) (lease.Lease, error) {
	active, err := e.store.ActiveCPULeaseCount(ctx)
	if err != nil {
		return lease.Lease{}, err
	}
	if err := cpuAdmission(active, snap.CPUPoolSize); err != nil {
		metrics.Global().LeasesDenied.WithLabelValues(string(coreerrors.ReasonQuotaExceeded)).Inc()
		return lease.Lease{}, err
	}

	l, err := e.store.PutLease(ctx, agent, 0, false, lease.ModeCPU, ttlSeconds)
	if err != nil {
		return lease.Lease{}, err
	}
	metrics.Global().LeasesGranted.WithLabelValues(string(lease.ModeCPU)).Inc()
	return l, nil
}

// HeartbeatLease refreshes a lease; ErrExpired aborts the caller's work.
func (e *Engine) HeartbeatLease(ctx context.Context, token string) (lease.Lease, error) {
	snap, ok := e.policy()
	if !ok {
		return lease.Lease{}, coreerrors.ConfigMissing("policy")
	}
	return e.store.ExtendLease(ctx, token, e.now(), snap.MaxLeaseTTLSeconds)
}

// ReleaseLease releases a held lease.
func (e *Engine) ReleaseLease(ctx context.Context, token string) error {
	return e.store.ReleaseLease(ctx, token)
}

// SubmitJob implements submit_job: persists via SS.put_job (idempotent on
// job id) then appends to the given stream.
func (e *Engine) SubmitJob(ctx context.Context, jobID, jobType string, payload []byte, stream eventbus.Stream) error {
	if jobID == "" {
		jobID = uuid.NewString()
	}
	if err := e.store.PutJob(ctx, job.Job{ID: jobID, Type: jobType, Payload: payload}); err != nil {
		return err
	}
	if _, err := e.bus.Append(ctx, stream, eventbus.Message{JobID: jobID, Type: jobType, Payload: payload}); err != nil {
		return err
	}
	metrics.Global().JobsSubmitted.WithLabelValues(jobType).Inc()
	return nil
}

// RequestPool implements request_pool: persists pool row `starting` and
// appends a preload message. Leader-only: pool lifecycle writes stay on
// one process.
func (e *Engine) RequestPool(ctx context.Context, spec pool.Spec) (string, error) {
	if !e.IsLeader() {
		return "", coreerrors.NotLeader()
	}
	id := uuid.NewString()
	p := pool.Pool{
		ID:             id,
		Agent:          spec.Agent,
		ModelID:        spec.ModelID,
		AdapterID:      spec.AdapterID,
		DesiredWorkers: spec.DesiredWorkers,
		StartedAt:      e.now(),
		Status:         pool.StatusStarting,
		HoldSeconds:    spec.HoldSeconds,
		Metadata:       spec.Metadata,
	}
	if err := e.store.UpsertPool(ctx, p); err != nil {
		return "", err
	}
	if _, err := e.bus.Append(ctx, eventbus.StreamPreloads, eventbus.Message{JobID: id, Type: "preload"}); err != nil {
		return "", err
	}
	return id, nil
}

// IsLeader reports whether this process currently holds the leader lock.
func (e *Engine) IsLeader() bool {
	e.leaderMu.RLock()
	defer e.leaderMu.RUnlock()
	return e.isLeader
}

func (e *Engine) setLeader(v bool) {
	e.leaderMu.Lock()
	e.isLeader = v
	e.leaderMu.Unlock()
}

// DrainPool transitions a pool to draining; leader-only.
func (e *Engine) DrainPool(ctx context.Context, poolID string) error {
	if !e.IsLeader() {
		return coreerrors.NotLeader()
	}
	p, err := e.store.GetPool(ctx, poolID)
	if err != nil {
		return err
	}
	p.Status = pool.StatusDraining
	return e.store.UpsertPool(ctx, p)
}

// SetReconciler wires the reconciler ReconcileNow delegates to. The
// composition root sets this once after constructing both, since the
// Reconciler itself is built over this Engine.
func (e *Engine) SetReconciler(r *Reconciler) {
	e.reconciler = r
}

// ReconcileNow runs one reconciliation pass immediately, for an
// admin-triggered manual tick outside the scheduled cadence. Returns
// ConfigMissing when no reconciler has been wired, and is a no-op
// (returning NotLeader) when this process does not hold the leader lock.
func (e *Engine) ReconcileNow(ctx context.Context) error {
	if e.reconciler == nil {
		return coreerrors.ConfigMissing("reconciler")
	}
	if !e.IsLeader() {
		return coreerrors.NotLeader()
	}
	return e.reconciler.Tick(ctx)
}

// EvictPool forcibly transitions a pool to evicted; leader-only.
func (e *Engine) EvictPool(ctx context.Context, poolID string) error {
	if !e.IsLeader() {
		return coreerrors.NotLeader()
	}
	p, err := e.store.GetPool(ctx, poolID)
	if err != nil {
		return err
	}
	p.Status = pool.StatusEvicted
	return e.store.UpsertPool(ctx, p)
}
