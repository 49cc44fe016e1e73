package engine

import (
	"context"
	"strconv"

	"github.com/tidwall/gjson"

	coreerrors "github.com/newsmesh/gpu-orchestrator/internal/errors"
	"github.com/newsmesh/gpu-orchestrator/internal/pressure"
	"github.com/newsmesh/gpu-orchestrator/internal/ratelimit"
)

// deviceCandidate is one device's capacity snapshot used by device
// selection: free memory and the number of active leases already
// referencing it.
type deviceCandidate struct {
	index      int
	freeMB     int
	activeCount int
}

// selectDevice ranks candidates by (free memory desc, active-lease count
// asc), tie-breaking by device index asc, and returns the first whose
// free memory satisfies minMemoryMB.
func selectDevice(candidates []deviceCandidate, minMemoryMB int) (int, bool) {
	best := -1
	bestIdx := -1
	for i, c := range candidates {
		if c.freeMB < minMemoryMB {
			continue
		}
		if best == -1 {
			best = i
			bestIdx = c.index
			continue
		}
		cur := candidates[best]
		if c.freeMB > cur.freeMB ||
			(c.freeMB == cur.freeMB && c.activeCount < cur.activeCount) ||
			(c.freeMB == cur.freeMB && c.activeCount == cur.activeCount && c.index < bestIdx) {
			best = i
			bestIdx = c.index
		}
	}
	if best == -1 {
		return 0, false
	}
	return candidates[best].index, true
}

// AdmissionGate holds the stateful pieces of admission control: the
// per-agent token buckets and the pressure sampler, plus the hysteresis
// latch that keeps GPU admission closed from high watermark down to low
// watermark rather than flapping at the high mark alone.
type AdmissionGate struct {
	limiters *ratelimit.AgentLimiters
	sampler  pressure.Sampler

	pressureOpen bool // true once tripped high; cleared only at/below the low watermark
}

// NewAdmissionGate builds the admission gate from the engine's rate
// limiter registry and pressure sampler.
func NewAdmissionGate(limiters *ratelimit.AgentLimiters, sampler pressure.Sampler) *AdmissionGate {
	return &AdmissionGate{limiters: limiters, sampler: sampler}
}

// checkRate applies the per-agent token-bucket gate.
func (g *AdmissionGate) checkRate(agent string) error {
	if !g.limiters.Allow(agent) {
		return coreerrors.AdmissionDenied(coreerrors.ReasonRateLimited)
	}
	return nil
}

// checkPressure applies the global GPU pressure hysteresis gate across
// devices. deviceCount devices are sampled by index; if any device's
// reading is at or above highPct the gate trips and stays shut until
// every device reads at or below lowPct.
func (g *AdmissionGate) checkPressure(ctx context.Context, deviceCount int, highPct, lowPct float64) error {
	maxReading := 0.0
	for i := 0; i < deviceCount; i++ {
		reading, err := g.sampler.Sample(ctx, strconv.Itoa(i))
		if err != nil {
			return coreerrors.StoreUnavailable(err)
		}
		if reading > maxReading {
			maxReading = reading
		}
	}

	if maxReading >= highPct {
		g.pressureOpen = true
	} else if maxReading <= lowPct {
		g.pressureOpen = false
	}

	if g.pressureOpen {
		return coreerrors.AdmissionDenied(coreerrors.ReasonGPUPressureHigh)
	}
	return nil
}

// modelAvailable extracts the optional "model" field from an opaque job
// payload without requiring it to be unmarshaled into a concrete struct,
// the way gjson lets the core inspect one field of an otherwise-opaque
// blob.
func modelAvailable(payload []byte, knownModels map[string]bool) (string, bool) {
	model := gjson.GetBytes(payload, "model")
	if !model.Exists() {
		return "", true // no model declared, nothing to check
	}
	if len(knownModels) == 0 {
		return model.String(), true
	}
	return model.String(), knownModels[model.String()]
}

// cpuAdmission bounds the CPU-mode fallback pool's concurrent lease
// count; a capacity of 0 means unbounded, per the policy's
// cpu_pool_size key.
func cpuAdmission(activeCPULeases, cpuPoolSize int) error {
	if cpuPoolSize > 0 && activeCPULeases >= cpuPoolSize {
		return coreerrors.AdmissionDenied(coreerrors.ReasonQuotaExceeded)
	}
	return nil
}
