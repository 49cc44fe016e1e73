package engine

import (
	"context"
	"testing"
	"time"

	"github.com/newsmesh/gpu-orchestrator/domain/job"
	"github.com/newsmesh/gpu-orchestrator/domain/pool"
	"github.com/newsmesh/gpu-orchestrator/infrastructure/eventbus"
	"github.com/newsmesh/gpu-orchestrator/infrastructure/state"
	"github.com/newsmesh/gpu-orchestrator/internal/cache"
)

func newTestReconciler(t *testing.T, snap PolicySnapshot) (*Reconciler, *Engine, state.Store, eventbus.Bus) {
	t.Helper()
	eng, store, bus := newWiredEngine(t, snap)
	elector := NewLeaderElector(store, eng, time.Minute)
	return NewReconciler(elector, eng, store, bus), eng, store, bus
}

func TestTickNonLeaderSkipsEnforcement(t *testing.T) {
	store := state.NewMemoryStore()
	if _, err := store.TryLeaderLock(context.Background(), leaderLockName, time.Minute); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	bus := eventbus.NewMemoryBus()
	gate := NewAdmissionGate(nil, nil)
	policies := cache.NewPolicyCache()
	policies.Reload(defaultSnapshot())
	eng := New(store, bus, gate, policies)
	elector := NewLeaderElector(store, eng, time.Minute)
	r := NewReconciler(elector, eng, store, bus)

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if eng.IsLeader() {
		t.Fatalf("expected tick to observe the lock held elsewhere and skip enforcement")
	}
}

func TestTickLeaderPurgesExpiredLeases(t *testing.T) {
	r, eng, store, _ := newTestReconciler(t, defaultSnapshot())

	if _, err := store.PutLease(context.Background(), "agent-a", 0, true, "gpu", -1); err != nil {
		t.Fatalf("seed expired lease: %v", err)
	}

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !eng.IsLeader() {
		t.Fatalf("expected engine to become leader on an uncontended lock")
	}
	count, err := store.ActiveLeaseCount(context.Background(), 0)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected expired lease to be purged, still have %d active", count)
	}
}

func TestTickReclaimsIdleEntryUnderMaxAttempts(t *testing.T) {
	snap := defaultSnapshot()
	snap.JobClaimIdleMS = 0
	snap.JobMaxAttempts = 3
	r, _, store, bus := newTestReconciler(t, snap)

	if err := store.PutJob(context.Background(), job.Job{ID: "job-1", Type: "inference", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("put job: %v", err)
	}
	if err := bus.EnsureGroup(context.Background(), eventbus.StreamInferenceJobs, reconcileConsumerGroup, true); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if _, err := bus.Append(context.Background(), eventbus.StreamInferenceJobs, eventbus.Message{JobID: "job-1", Type: "inference"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	// Deliver but never ack, simulating a worker that died mid-processing.
	if _, err := bus.ReadGroup(context.Background(), eventbus.StreamInferenceJobs, reconcileConsumerGroup, "worker-1", 10, 0); err != nil {
		t.Fatalf("read: %v", err)
	}

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	msgs, err := bus.ReadGroup(context.Background(), eventbus.StreamInferenceJobs, reconcileConsumerGroup, "worker-2", 10, 0)
	if err != nil {
		t.Fatalf("read after reclaim: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Attempts != 1 {
		t.Fatalf("expected one re-appended message with attempts=1, got %+v", msgs)
	}
}

func TestTickDeadLettersJobAtMaxAttempts(t *testing.T) {
	snap := defaultSnapshot()
	snap.JobClaimIdleMS = 0
	snap.JobMaxAttempts = 1
	r, _, store, bus := newTestReconciler(t, snap)

	if err := store.PutJob(context.Background(), job.Job{ID: "job-1", Type: "inference", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("put job: %v", err)
	}
	if err := bus.EnsureGroup(context.Background(), eventbus.StreamInferenceJobs, reconcileConsumerGroup, true); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := bus.EnsureGroup(context.Background(), eventbus.StreamDLQ, reconcileConsumerGroup, true); err != nil {
		t.Fatalf("ensure dlq group: %v", err)
	}
	if _, err := bus.Append(context.Background(), eventbus.StreamInferenceJobs, eventbus.Message{JobID: "job-1", Type: "inference", Attempts: 1}); err != nil {
		t.Fatalf("append: %v", err)
	}
	claimed, err := bus.ReadGroup(context.Background(), eventbus.StreamInferenceJobs, reconcileConsumerGroup, "worker-1", 10, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected one claimed message, got %+v", claimed)
	}
	originID := claimed[0].ID

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	dlq, err := bus.ReadGroup(context.Background(), eventbus.StreamDLQ, reconcileConsumerGroup, "worker-2", 10, 0)
	if err != nil {
		t.Fatalf("read dlq: %v", err)
	}
	if len(dlq) != 1 {
		t.Fatalf("expected the exhausted job to land in the dead-letter stream, got %+v", dlq)
	}
	if dlq[0].OriginMsgID != originID {
		t.Fatalf("expected origin_msg_id %q (the reclaimed inference-stream id), got %q", originID, dlq[0].OriginMsgID)
	}

	j, err := store.GetJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j.Status != job.StatusDeadLetter {
		t.Fatalf("expected job status dead_letter, got %v", j.Status)
	}
}

func TestConvergePoolsPublishesPreloadWhenUnderProvisioned(t *testing.T) {
	r, _, store, bus := newTestReconciler(t, defaultSnapshot())
	if err := bus.EnsureGroup(context.Background(), eventbus.StreamPreloads, "g", true); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	p := pool.Pool{ID: "pool-1", Agent: "agent-a", DesiredWorkers: 2, SpawnedWorkers: 0, Status: pool.StatusStarting}
	if err := store.UpsertPool(context.Background(), p); err != nil {
		t.Fatalf("upsert pool: %v", err)
	}

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	msgs, err := bus.ReadGroup(context.Background(), eventbus.StreamPreloads, "g", "c", 10, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 || msgs[0].JobID != "pool-1" {
		t.Fatalf("expected a preload message for the under-provisioned pool, got %+v", msgs)
	}
}

func TestConvergePoolsTransitionsDrainingToStoppedWhenNoActiveLeases(t *testing.T) {
	r, _, store, _ := newTestReconciler(t, defaultSnapshot())
	p := pool.Pool{ID: "pool-1", Agent: "agent-a", DesiredWorkers: 1, SpawnedWorkers: 1, Status: pool.StatusDraining}
	if err := store.UpsertPool(context.Background(), p); err != nil {
		t.Fatalf("upsert pool: %v", err)
	}

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got, err := store.GetPool(context.Background(), "pool-1")
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if got.Status != pool.StatusStopped {
		t.Fatalf("expected draining pool with no active leases to stop, got %v", got.Status)
	}
}

func TestReconcileNowIsNoOpWhenNotLeader(t *testing.T) {
	store := state.NewMemoryStore()
	if _, err := store.TryLeaderLock(context.Background(), leaderLockName, time.Minute); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	bus := eventbus.NewMemoryBus()
	gate := NewAdmissionGate(nil, nil)
	policies := cache.NewPolicyCache()
	policies.Reload(defaultSnapshot())
	eng := New(store, bus, gate, policies)
	elector := NewLeaderElector(store, eng, time.Minute)
	r := NewReconciler(elector, eng, store, bus)
	eng.SetReconciler(r)

	err := eng.ReconcileNow(context.Background())
	if err == nil {
		t.Fatalf("expected NotLeader before any tick has observed the lock")
	}
}

func TestReconcileNowRunsATickWhenLeader(t *testing.T) {
	r, eng, store, _ := newTestReconciler(t, defaultSnapshot())
	eng.SetReconciler(r)

	if _, err := store.PutLease(context.Background(), "agent-a", 0, true, "gpu", -1); err != nil {
		t.Fatalf("seed expired lease: %v", err)
	}

	// First tick establishes leadership; ReconcileNow can then trigger a
	// second pass synchronously.
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if err := eng.ReconcileNow(context.Background()); err != nil {
		t.Fatalf("reconcile now: %v", err)
	}

	count, err := store.ActiveLeaseCount(context.Background(), 0)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected expired lease purged by the manual tick, still have %d active", count)
	}
}

func TestConvergePoolsStaysDrainingWhileLeasesActive(t *testing.T) {
	r, _, store, _ := newTestReconciler(t, defaultSnapshot())
	if _, err := store.PutLease(context.Background(), "agent-a", 0, true, "gpu", 60); err != nil {
		t.Fatalf("seed lease: %v", err)
	}
	p := pool.Pool{ID: "pool-1", Agent: "agent-a", DesiredWorkers: 1, SpawnedWorkers: 1, Status: pool.StatusDraining}
	if err := store.UpsertPool(context.Background(), p); err != nil {
		t.Fatalf("upsert pool: %v", err)
	}

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got, err := store.GetPool(context.Background(), "pool-1")
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if got.Status != pool.StatusDraining {
		t.Fatalf("expected pool to remain draining while its agent holds an active lease, got %v", got.Status)
	}
}
