// Package audit holds the Audit Event entity: an append-only row
// describing one state transition in the core (lease granted/released,
// pool status change, job claimed/finalized, leader acquired/lost).
package audit

import "time"

// EventType enumerates the kinds of transitions the core audits.
type EventType string

const (
	EventLeaseGranted   EventType = "lease_granted"
	EventLeaseExtended  EventType = "lease_extended"
	EventLeaseReleased  EventType = "lease_released"
	EventLeaseExpired   EventType = "lease_expired"
	EventPoolStatus     EventType = "pool_status_changed"
	EventJobSubmitted   EventType = "job_submitted"
	EventJobClaimed     EventType = "job_claimed"
	EventJobRunning     EventType = "job_running"
	EventJobFinalized   EventType = "job_finalized"
	EventLeaderAcquired EventType = "leader_acquired"
	EventLeaderLost     EventType = "leader_lost"
)

// Event is one append-only audit row. IDs are monotonic per process and
// assigned by the State Store at insert time.
type Event struct {
	ID        int64
	Type      EventType
	EntityID  string // token, pool id, or job id, depending on Type
	Detail    map[string]string
	CreatedAt time.Time
}
