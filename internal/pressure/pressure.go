// Package pressure samples per-device GPU utilization for the Orchestrator
// Engine's admission-control hysteresis gate. Host-level sampling falls
// back to CPU utilization where no GPU telemetry is wired, keeping the
// same interface testable with a fake.
package pressure

import (
	"context"

	"github.com/shirou/gopsutil/v3/cpu"
)

// Sampler reports the current utilization percentage (0-100) for a device.
type Sampler interface {
	Sample(ctx context.Context, device string) (float64, error)
}

// HostSampler samples host-level CPU utilization as a stand-in for GPU
// device pressure on hosts with no vendor GPU telemetry wired. It returns
// gopsutil's aggregate host CPU percentage and ignores the device
// argument, so every device reads the same value.
type HostSampler struct{}

// NewHostSampler creates a Sampler backed by gopsutil host metrics.
func NewHostSampler() *HostSampler {
	return &HostSampler{}
}

func (h *HostSampler) Sample(ctx context.Context, device string) (float64, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, nil
	}
	return percents[0], nil
}

// FakeSampler is a deterministic test double whose per-device readings are
// set directly by tests exercising admission-control hysteresis.
type FakeSampler struct {
	readings map[string]float64
}

// NewFakeSampler creates a FakeSampler with an initial set of readings.
func NewFakeSampler(readings map[string]float64) *FakeSampler {
	if readings == nil {
		readings = make(map[string]float64)
	}
	return &FakeSampler{readings: readings}
}

// Set updates the reading returned for device on subsequent Sample calls.
func (f *FakeSampler) Set(device string, pct float64) {
	f.readings[device] = pct
}

func (f *FakeSampler) Sample(ctx context.Context, device string) (float64, error) {
	return f.readings[device], nil
}
