package engine

import (
	"context"
	"testing"
	"time"

	"github.com/newsmesh/gpu-orchestrator/domain/pool"
	"github.com/newsmesh/gpu-orchestrator/infrastructure/eventbus"
	"github.com/newsmesh/gpu-orchestrator/infrastructure/state"
	"github.com/newsmesh/gpu-orchestrator/internal/cache"
	coreerrors "github.com/newsmesh/gpu-orchestrator/internal/errors"
	"github.com/newsmesh/gpu-orchestrator/internal/pressure"
	"github.com/newsmesh/gpu-orchestrator/internal/ratelimit"
)

func newWiredEngine(t *testing.T, snap PolicySnapshot) (*Engine, state.Store, eventbus.Bus) {
	t.Helper()
	store := state.NewMemoryStore()
	bus := eventbus.NewMemoryBus()
	gate := NewAdmissionGate(ratelimit.NewAgentLimiters(1000, 1000), pressure.NewFakeSampler(nil))
	policies := cache.NewPolicyCache()
	policies.Reload(snap)
	eng := New(store, bus, gate, policies)
	return eng, store, bus
}

func defaultSnapshot() PolicySnapshot {
	return PolicySnapshot{
		MaxLeaseTTLSeconds:       3600,
		GlobalGPUPressureHighPct: 90,
		GlobalGPUPressureLowPct:  75,
		GPUDeviceCount:           2,
		GPUDeviceMemoryMB:        16000,
		CPUPoolSize:              2,
		JobClaimIdleMS:           30000,
		JobMaxAttempts:           3,
	}
}

func TestLeaseGPUGrantsOnFreeDevice(t *testing.T) {
	eng, _, _ := newWiredEngine(t, defaultSnapshot())
	l, err := eng.LeaseGPU(context.Background(), "agent-a", 8000, 60, nil)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if !l.HasDevice {
		t.Fatalf("expected a device-backed lease")
	}
}

func TestLeaseGPUDeniesWhenNoDeviceHasEnoughFreeMemory(t *testing.T) {
	eng, _, _ := newWiredEngine(t, defaultSnapshot())
	_, err := eng.LeaseGPU(context.Background(), "agent-a", 32000, 60, nil)
	if err == nil {
		t.Fatalf("expected denial: no device has 32000MB free")
	}
	reason, ok := coreerrors.DenialReasonOf(err)
	if !ok || reason != coreerrors.ReasonNoDeviceAvailable {
		t.Fatalf("expected ReasonNoDeviceAvailable, got %v (ok=%v)", reason, ok)
	}
}

func TestLeaseGPUDeniesUnknownModelUnderStrictModelStore(t *testing.T) {
	snap := defaultSnapshot()
	snap.StrictModelStore = true
	eng, _, _ := newWiredEngine(t, snap)
	eng.knownModels = map[string]bool{"llama": true}

	_, err := eng.LeaseGPU(context.Background(), "agent-a", 1000, 60, []byte(`{"model":"mystery"}`))
	if err == nil {
		t.Fatalf("expected denial for unknown model")
	}
	reason, _ := coreerrors.DenialReasonOf(err)
	if reason != coreerrors.ReasonModelUnavailable {
		t.Fatalf("expected ReasonModelUnavailable, got %v", reason)
	}
}

func TestLeaseGPUPicksLeastLoadedDevice(t *testing.T) {
	eng, store, _ := newWiredEngine(t, defaultSnapshot())
	// Pin device 0 with an active lease so device 1 is preferred.
	if _, err := store.PutLease(context.Background(), "agent-busy", 0, true, "gpu", 60); err != nil {
		t.Fatalf("seed lease: %v", err)
	}

	l, err := eng.LeaseGPU(context.Background(), "agent-a", 1000, 60, nil)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if l.Device != 1 {
		t.Fatalf("expected device 1 (unloaded), got %d", l.Device)
	}
}

func TestLeaseCPUDeniesAtPoolCapacity(t *testing.T) {
	eng, _, _ := newWiredEngine(t, defaultSnapshot())
	if _, err := eng.LeaseCPU(context.Background(), "agent-a", 60); err != nil {
		t.Fatalf("first cpu lease: %v", err)
	}
	if _, err := eng.LeaseCPU(context.Background(), "agent-b", 60); err != nil {
		t.Fatalf("second cpu lease: %v", err)
	}
	_, err := eng.LeaseCPU(context.Background(), "agent-c", 60)
	if err == nil {
		t.Fatalf("expected denial once cpu_pool_size is exhausted")
	}
	reason, _ := coreerrors.DenialReasonOf(err)
	if reason != coreerrors.ReasonQuotaExceeded {
		t.Fatalf("expected ReasonQuotaExceeded, got %v", reason)
	}
}

func TestSubmitJobAppendsToStream(t *testing.T) {
	eng, _, bus := newWiredEngine(t, defaultSnapshot())
	if err := bus.EnsureGroup(context.Background(), eventbus.StreamInferenceJobs, "g", true); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := eng.SubmitJob(context.Background(), "job-1", "inference", []byte(`{}`), eventbus.StreamInferenceJobs); err != nil {
		t.Fatalf("submit: %v", err)
	}

	msgs, err := bus.ReadGroup(context.Background(), eventbus.StreamInferenceJobs, "g", "c", 10, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 || msgs[0].JobID != "job-1" {
		t.Fatalf("expected one message for job-1, got %+v", msgs)
	}
}

func TestPoolLifecycleOpsAreLeaderGated(t *testing.T) {
	eng, store, _ := newWiredEngine(t, defaultSnapshot())

	if _, err := eng.RequestPool(context.Background(), pool.Spec{Agent: "a", DesiredWorkers: 1}); err == nil {
		t.Fatalf("expected NotLeader before leadership is granted")
	}
	if err := eng.DrainPool(context.Background(), "whatever"); err == nil {
		t.Fatalf("expected NotLeader for DrainPool")
	}
	if err := eng.EvictPool(context.Background(), "whatever"); err == nil {
		t.Fatalf("expected NotLeader for EvictPool")
	}

	eng.setLeader(true)

	id, err := eng.RequestPool(context.Background(), pool.Spec{Agent: "a", DesiredWorkers: 1})
	if err != nil {
		t.Fatalf("expected RequestPool to succeed once leader: %v", err)
	}

	// A freshly requested pool starts in "starting"; only a "running" pool
	// may legally transition to "draining", so advance it as the worker
	// runtime would on successful spawn before exercising DrainPool.
	p, err := store.GetPool(context.Background(), id)
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	p.Status = pool.StatusRunning
	if err := store.UpsertPool(context.Background(), p); err != nil {
		t.Fatalf("advance to running: %v", err)
	}

	if err := eng.DrainPool(context.Background(), id); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestHeartbeatLeaseExtendsExpiry(t *testing.T) {
	eng, _, _ := newWiredEngine(t, defaultSnapshot())
	l, err := eng.LeaseGPU(context.Background(), "agent-a", 1000, 5, nil)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	renewed, err := eng.HeartbeatLease(context.Background(), l.Token)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !renewed.ExpiresAt.After(l.ExpiresAt.Add(-time.Second)) {
		t.Fatalf("expected heartbeat to maintain or extend expiry")
	}
}

func TestReleaseLeaseFreesDeviceForNextGrant(t *testing.T) {
	eng, _, _ := newWiredEngine(t, defaultSnapshot())
	l, err := eng.LeaseGPU(context.Background(), "agent-a", 16000, 60, nil)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := eng.ReleaseLease(context.Background(), l.Token); err != nil {
		t.Fatalf("release: %v", err)
	}
	// Both devices should be free again; device 0 wins the index tiebreak.
	l2, err := eng.LeaseGPU(context.Background(), "agent-b", 16000, 60, nil)
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}
	if l2.Device != 0 {
		t.Fatalf("expected device 0 after release freed both devices, got %d", l2.Device)
	}
}
