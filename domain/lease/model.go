// Package lease holds the Lease entity: a time-bounded reservation of a
// GPU (or CPU fallback slot) held by a named agent.
package lease

import "time"

// Mode identifies the kind of device a lease reserves.
type Mode string

const (
	ModeGPU Mode = "gpu"
	ModeCPU Mode = "cpu"
)

// Lease is a time-bounded reservation of a device, identified by its
// opaque token. At most one non-expired lease exists per (Agent, Device)
// unless the device's sharing policy permits otherwise.
type Lease struct {
	Token         string
	Agent         string
	Device        int // device index; meaningless (ignored) for Mode == ModeCPU
	HasDevice     bool
	Mode          Mode
	CreatedAt     time.Time
	ExpiresAt     time.Time
	LastHeartbeat time.Time
	Metadata      map[string]string
}

// Expired reports whether the lease is expired as of now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// MaxExpiry returns the latest allowed expiry for an extend_lease call,
// bounded by maxTTLSeconds measured from creation.
func (l Lease) MaxExpiry(maxTTLSeconds int) time.Time {
	return l.CreatedAt.Add(time.Duration(maxTTLSeconds) * time.Second)
}
