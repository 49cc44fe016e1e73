package engine

import (
	"context"
	"testing"

	"github.com/newsmesh/gpu-orchestrator/internal/pressure"
	"github.com/newsmesh/gpu-orchestrator/internal/ratelimit"
)

func TestSelectDevicePrefersMoreFreeMemory(t *testing.T) {
	candidates := []deviceCandidate{
		{index: 0, freeMB: 4000, activeCount: 0},
		{index: 1, freeMB: 16000, activeCount: 0},
	}
	device, ok := selectDevice(candidates, 1000)
	if !ok || device != 1 {
		t.Fatalf("expected device 1, got %v (ok=%v)", device, ok)
	}
}

func TestSelectDeviceTiesBreakOnFewerActiveLeases(t *testing.T) {
	candidates := []deviceCandidate{
		{index: 0, freeMB: 16000, activeCount: 2},
		{index: 1, freeMB: 16000, activeCount: 1},
	}
	device, ok := selectDevice(candidates, 1000)
	if !ok || device != 1 {
		t.Fatalf("expected device 1 (fewer active leases), got %v (ok=%v)", device, ok)
	}
}

func TestSelectDeviceTiesBreakOnLowerIndex(t *testing.T) {
	candidates := []deviceCandidate{
		{index: 2, freeMB: 16000, activeCount: 0},
		{index: 0, freeMB: 16000, activeCount: 0},
	}
	device, ok := selectDevice(candidates, 1000)
	if !ok || device != 0 {
		t.Fatalf("expected device 0, got %v (ok=%v)", device, ok)
	}
}

func TestSelectDeviceExcludesInsufficientFreeMemory(t *testing.T) {
	candidates := []deviceCandidate{
		{index: 0, freeMB: 2000, activeCount: 0},
	}
	_, ok := selectDevice(candidates, 4000)
	if ok {
		t.Fatalf("expected no device to satisfy minMemoryMB")
	}
}

func TestSelectDeviceNoCandidatesReturnsFalse(t *testing.T) {
	_, ok := selectDevice(nil, 1000)
	if ok {
		t.Fatalf("expected false for empty candidate set")
	}
}

func TestPressureGateHysteresisStaysShutUntilLowWatermark(t *testing.T) {
	sampler := pressure.NewFakeSampler(map[string]float64{"0": 92})
	gate := NewAdmissionGate(ratelimit.NewAgentLimiters(100, 200), sampler)

	if err := gate.checkPressure(context.Background(), 1, 90, 75); err == nil {
		t.Fatalf("expected denial at 92pct with high watermark 90")
	}

	sampler.Set("0", 80)
	if err := gate.checkPressure(context.Background(), 1, 90, 75); err == nil {
		t.Fatalf("expected denial to persist at 80pct (between low and high watermarks)")
	}

	sampler.Set("0", 74)
	if err := gate.checkPressure(context.Background(), 1, 90, 75); err != nil {
		t.Fatalf("expected admission to reopen at 74pct (below low watermark): %v", err)
	}
}

func TestPressureGateAdmitsBelowHighWatermarkWhenNeverTripped(t *testing.T) {
	sampler := pressure.NewFakeSampler(map[string]float64{"0": 50})
	gate := NewAdmissionGate(ratelimit.NewAgentLimiters(100, 200), sampler)

	if err := gate.checkPressure(context.Background(), 1, 90, 75); err != nil {
		t.Fatalf("expected admission at 50pct: %v", err)
	}
}

func TestRateGateDeniesOnceBucketExhausted(t *testing.T) {
	gate := NewAdmissionGate(ratelimit.NewAgentLimiters(0.001, 1), pressure.NewFakeSampler(nil))

	if err := gate.checkRate("agent-a"); err != nil {
		t.Fatalf("expected first call to consume the single burst token: %v", err)
	}
	if err := gate.checkRate("agent-a"); err == nil {
		t.Fatalf("expected second call to be denied once the bucket is exhausted")
	}
}

func TestModelAvailableWithNoDeclaredModelAdmits(t *testing.T) {
	_, ok := modelAvailable([]byte(`{"foo":"bar"}`), map[string]bool{"llama": true})
	if !ok {
		t.Fatalf("expected admission when payload declares no model")
	}
}

func TestModelAvailableRejectsUnknownModel(t *testing.T) {
	_, ok := modelAvailable([]byte(`{"model":"mystery"}`), map[string]bool{"llama": true})
	if ok {
		t.Fatalf("expected denial for an undeclared model under a known-model set")
	}
}

func TestModelAvailableAcceptsKnownModel(t *testing.T) {
	name, ok := modelAvailable([]byte(`{"model":"llama"}`), map[string]bool{"llama": true})
	if !ok || name != "llama" {
		t.Fatalf("expected admission for a declared known model, got %q ok=%v", name, ok)
	}
}

func TestCPUAdmissionUnboundedWhenPoolSizeZero(t *testing.T) {
	if err := cpuAdmission(1000, 0); err != nil {
		t.Fatalf("expected unbounded pool to admit regardless of active count: %v", err)
	}
}

func TestCPUAdmissionDeniesAtCapacity(t *testing.T) {
	if err := cpuAdmission(4, 4); err == nil {
		t.Fatalf("expected denial once active leases reach cpu_pool_size")
	}
}
