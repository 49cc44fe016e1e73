package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/newsmesh/gpu-orchestrator/domain/job"
	"github.com/newsmesh/gpu-orchestrator/domain/pool"
	"github.com/newsmesh/gpu-orchestrator/domain/registry"

	"github.com/newsmesh/gpu-orchestrator/engine"
	"github.com/newsmesh/gpu-orchestrator/infrastructure/eventbus"
	"github.com/newsmesh/gpu-orchestrator/infrastructure/state"

	"github.com/newsmesh/gpu-orchestrator/internal/cache"
	coreerrors "github.com/newsmesh/gpu-orchestrator/internal/errors"
	"github.com/newsmesh/gpu-orchestrator/internal/pressure"
	"github.com/newsmesh/gpu-orchestrator/internal/ratelimit"
)

// fakeDispatcher lets a test script a canned result or error per call,
// and records every invocation's tool/args for assertions.
type fakeDispatcher struct {
	calls  []registry.CallRequest
	result *registry.CallResult
	err    error
}

func (f *fakeDispatcher) Call(ctx context.Context, agentName, toolName string, args, kwargs map[string]registry.Value, timeout time.Duration) (*registry.CallResult, error) {
	f.calls = append(f.calls, registry.CallRequest{Tool: toolName, Args: args, Kwargs: kwargs})
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &registry.CallResult{}, nil
}

func testPolicy() engine.PolicySnapshot {
	return engine.PolicySnapshot{
		MaxLeaseTTLSeconds:         3600,
		GlobalGPUPressureHighPct:   90,
		GlobalGPUPressureLowPct:    75,
		GPUDeviceCount:             2,
		GPUDeviceMemoryMB:          16000,
		CPUPoolSize:                2,
		JobClaimIdleMS:             30000,
		JobMaxAttempts:             3,
		LeaseHeartbeatGraceSeconds: 30,
	}
}

func newTestPool(t *testing.T, snap engine.PolicySnapshot, dsp Dispatcher) (*Pool, state.Store, eventbus.Bus) {
	t.Helper()
	store := state.NewMemoryStore()
	bus := eventbus.NewMemoryBus()
	gate := engine.NewAdmissionGate(ratelimit.NewAgentLimiters(1000, 1000), pressure.NewFakeSampler(nil))
	policies := cache.NewPolicyCache()
	policies.Reload(snap)
	eng := engine.New(store, bus, gate, policies)

	cfg := DefaultConfig()
	p := New(cfg, store, bus, eng, dsp, nil)
	return p, store, bus
}

func putJob(t *testing.T, store state.Store, id string, decl payload) job.Job {
	t.Helper()
	raw, err := json.Marshal(decl)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := store.PutJob(context.Background(), job.Job{ID: id, Type: "inference", Payload: raw}); err != nil {
		t.Fatalf("put job: %v", err)
	}
	j, err := store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return j
}

func TestProcessJobHappyPathFinalizesDone(t *testing.T) {
	dsp := &fakeDispatcher{result: &registry.CallResult{Values: map[string]registry.Value{"out": {Kind: registry.KindString, String: "ok"}}}}
	p, store, _ := newTestPool(t, testPolicy(), dsp)

	putJob(t, store, "job-1", payload{Agent: "agent-a", Tool: "summarize"})

	if err := p.processJob(context.Background(), eventbus.StreamInferenceJobs, eventbus.Message{JobID: "job-1", Type: "inference"}, "worker-1"); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, err := store.GetJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != job.StatusDone {
		t.Fatalf("expected done, got %v", got.Status)
	}
	if len(dsp.calls) != 1 || dsp.calls[0].Tool != "summarize" {
		t.Fatalf("expected one dispatch to summarize, got %+v", dsp.calls)
	}
}

func TestProcessJobDuplicateClaimIsNoOp(t *testing.T) {
	dsp := &fakeDispatcher{}
	p, store, _ := newTestPool(t, testPolicy(), dsp)

	putJob(t, store, "job-1", payload{Agent: "agent-a", Tool: "summarize"})

	if err := p.processJob(context.Background(), eventbus.StreamInferenceJobs, eventbus.Message{JobID: "job-1", Type: "inference"}, "worker-1"); err != nil {
		t.Fatalf("first process: %v", err)
	}
	// Redelivered message for the now-done job: claim fails with
	// AlreadyClaimed, which must be treated as a no-op, not an error.
	if err := p.processJob(context.Background(), eventbus.StreamInferenceJobs, eventbus.Message{JobID: "job-1", Type: "inference"}, "worker-2"); err != nil {
		t.Fatalf("duplicate process: %v", err)
	}
	if len(dsp.calls) != 1 {
		t.Fatalf("expected no second dispatch on duplicate delivery, got %d calls", len(dsp.calls))
	}
}

func TestProcessJobHandlerErrorRetriesThenDeadLetters(t *testing.T) {
	dsp := &fakeDispatcher{err: context.DeadlineExceeded}
	snap := testPolicy()
	snap.JobMaxAttempts = 2
	p, store, bus := newTestPool(t, snap, dsp)

	putJob(t, store, "job-1", payload{Agent: "agent-a", Tool: "summarize"})
	if err := bus.EnsureGroup(context.Background(), eventbus.StreamInferenceJobs, "g", true); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := bus.EnsureGroup(context.Background(), eventbus.StreamDLQ, "g", true); err != nil {
		t.Fatalf("ensure dlq group: %v", err)
	}

	// First attempt: fails, attempts remain, re-appended to the same stream.
	if err := p.processJob(context.Background(), eventbus.StreamInferenceJobs, eventbus.Message{JobID: "job-1", Type: "inference"}, "worker-1"); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	got, err := store.GetJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != job.StatusFailed {
		t.Fatalf("expected failed after first attempt, got %v", got.Status)
	}

	msgs, err := bus.ReadGroup(context.Background(), eventbus.StreamInferenceJobs, "g", "c", 10, 0)
	if err != nil {
		t.Fatalf("read requeued: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one requeued message, got %d", len(msgs))
	}

	// Second attempt: exhausts job_max_attempts=2, lands in dead_letter.
	if err := p.processJob(context.Background(), eventbus.StreamInferenceJobs, msgs[0], "worker-2"); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	got, err = store.GetJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != job.StatusDeadLetter {
		t.Fatalf("expected dead_letter after exhausting attempts, got %v", got.Status)
	}

	dlq, err := bus.ReadGroup(context.Background(), eventbus.StreamDLQ, "g", "c", 10, 0)
	if err != nil {
		t.Fatalf("read dlq: %v", err)
	}
	if len(dlq) != 1 {
		t.Fatalf("expected one dlq entry, got %d", len(dlq))
	}
}

func TestProcessJobGPUDenialLeavesMessagePendingWhenRetryable(t *testing.T) {
	snap := testPolicy()
	snap.GPUDeviceCount = 1
	snap.GPUDeviceMemoryMB = 1000
	dsp := &fakeDispatcher{}
	p, store, _ := newTestPool(t, snap, dsp)

	// Exhaust the single device's capacity so the next lease is denied.
	if _, err := store.PutLease(context.Background(), "agent-busy", 0, true, "gpu", 60); err != nil {
		t.Fatalf("seed lease: %v", err)
	}

	putJob(t, store, "job-1", payload{Agent: "agent-a", Tool: "summarize", NeedsGPU: true, MinMemoryMB: 500})

	err := p.processJob(context.Background(), eventbus.StreamInferenceJobs, eventbus.Message{JobID: "job-1", Type: "inference"}, "worker-1")
	if err == nil {
		t.Fatalf("expected the message to be left pending on a retryable denial")
	}
	if len(dsp.calls) != 0 {
		t.Fatalf("expected no dispatch without a granted lease")
	}

	got, gerr := store.GetJob(context.Background(), "job-1")
	if gerr != nil {
		t.Fatalf("get job: %v", gerr)
	}
	if got.Status != job.StatusClaimed {
		t.Fatalf("expected job to remain claimed (not finalized) on retryable denial, got %v", got.Status)
	}
}

func TestProcessJobFatalDenialFinalizesFailed(t *testing.T) {
	snap := testPolicy()
	snap.StrictModelStore = true
	dsp := &fakeDispatcher{}
	p, store, _ := newTestPool(t, snap, dsp)
	p.eng = engine.New(store, eventbus.NewMemoryBus(), engine.NewAdmissionGate(ratelimit.NewAgentLimiters(1000, 1000), pressure.NewFakeSampler(nil)), func() *cache.PolicyCache {
		c := cache.NewPolicyCache()
		c.Reload(snap)
		return c
	}(), engine.WithKnownModels([]string{"llama"}))

	raw, _ := json.Marshal(struct {
		Agent       string `json:"agent"`
		Tool        string `json:"tool"`
		NeedsGPU    bool   `json:"needs_gpu"`
		MinMemoryMB int    `json:"min_memory_mb"`
		Model       string `json:"model"`
	}{Agent: "agent-a", Tool: "summarize", NeedsGPU: true, MinMemoryMB: 500, Model: "mystery"})
	if err := store.PutJob(context.Background(), job.Job{ID: "job-1", Type: "inference", Payload: raw}); err != nil {
		t.Fatalf("put job: %v", err)
	}

	if err := p.processJob(context.Background(), eventbus.StreamInferenceJobs, eventbus.Message{JobID: "job-1", Type: "inference"}, "worker-1"); err != nil {
		t.Fatalf("expected fatal denial to be acked (nil error), got %v", err)
	}

	got, err := store.GetJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != job.StatusFailed {
		t.Fatalf("expected failed on unknown model under strict_model_store, got %v", got.Status)
	}
}

func TestProcessPreloadSpawnsWorkerAndConvergesToRunning(t *testing.T) {
	p, store, _ := newTestPool(t, testPolicy(), &fakeDispatcher{})

	pl := pool.Pool{ID: "pool-1", Agent: "agent-a", DesiredWorkers: 1, SpawnedWorkers: 0, Status: pool.StatusStarting}
	if err := store.UpsertPool(context.Background(), pl); err != nil {
		t.Fatalf("upsert pool: %v", err)
	}

	if err := p.processPreload(context.Background(), eventbus.Message{JobID: "pool-1", Type: "preload"}); err != nil {
		t.Fatalf("preload: %v", err)
	}

	got, err := store.GetPool(context.Background(), "pool-1")
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if got.SpawnedWorkers != 1 || got.Status != pool.StatusRunning {
		t.Fatalf("expected fully spawned pool to converge to running, got %+v", got)
	}
}

func TestProcessPreloadOnEvictedPoolIsNoOp(t *testing.T) {
	p, _, _ := newTestPool(t, testPolicy(), &fakeDispatcher{})

	if err := p.processPreload(context.Background(), eventbus.Message{JobID: "ghost-pool", Type: "preload"}); err != nil {
		t.Fatalf("expected no-op for an unknown pool, got %v", err)
	}
}

func TestRetryableDenialClassification(t *testing.T) {
	if retryableDenial(coreerrors.ReasonModelUnavailable) {
		t.Fatalf("expected model_unavailable to be non-retryable")
	}
	for _, reason := range []coreerrors.DenialReason{
		coreerrors.ReasonRateLimited,
		coreerrors.ReasonGPUPressureHigh,
		coreerrors.ReasonNoDeviceAvailable,
		coreerrors.ReasonQuotaExceeded,
	} {
		if !retryableDenial(reason) {
			t.Fatalf("expected %v to be retryable", reason)
		}
	}
}
