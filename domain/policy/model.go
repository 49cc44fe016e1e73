// Package policy holds the Policy Configuration snapshot consumed by the
// Orchestrator Engine's admission control and reconciler, reloadable at
// runtime independent of the process's static internal/config.Config.
package policy

import "time"

// Policy is the process-wide admission/lease/pool tuning snapshot, the
// domain projection of internal/config.Config's Policy Configuration
// fields. Engine components read it via cache.PolicyCache so a reload
// replaces the whole snapshot atomically.
type Policy struct {
	MaxLeaseTTLSeconds         int
	LeaseHeartbeatGraceSeconds int
	JobClaimIdleMS             int
	JobMaxAttempts             int
	GlobalGPUPressureHighPct   float64
	GlobalGPUPressureLowPct    float64
	PerAgentRate               float64
	PerAgentBurst              int
	PoolHoldSecondsDefault     int
	PoolDrainGraceSeconds      int
	RequireBus                 bool
	StrictModelStore           bool

	GPUDeviceCount    int
	GPUDeviceMemoryMB int
	CPUPoolSize       int
}

// HeartbeatInterval is the cadence at which a worker should heartbeat a
// held lease: a third of the configured grace period, per the worker
// runtime's per-message procedure.
func (p Policy) HeartbeatInterval() time.Duration {
	return time.Duration(p.LeaseHeartbeatGraceSeconds) * time.Second / 3
}

// JobClaimIdle is JobClaimIdleMS as a time.Duration.
func (p Policy) JobClaimIdle() time.Duration {
	return time.Duration(p.JobClaimIdleMS) * time.Millisecond
}
