// Package job holds the Job entity: a unit of work with an externally
// stable identifier, moving through the submit/claim/finalize lifecycle.
package job

import "time"

// Status is a Job lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusClaimed    Status = "claimed"
	StatusRunning    Status = "running"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusDeadLetter
}

// Job is a unit of work moving through
// pending -> claimed -> running -> (done|failed), with failed re-entering
// pending while Attempts < max, and otherwise terminating at dead_letter.
type Job struct {
	ID         string
	Type       string
	Payload    []byte
	Status     Status
	PoolID     string
	HasPool    bool
	Attempts   int
	OwnerID    string // worker identity owning the current claimed/running span
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SameSubmission reports whether a duplicate submit_job call for this job
// id carries an identical type and payload, the idempotency condition
// that makes re-submission a no-op rather than ErrDuplicate.
func (j Job) SameSubmission(typ string, payload []byte) bool {
	if j.Type != typ || len(j.Payload) != len(payload) {
		return false
	}
	for i := range payload {
		if j.Payload[i] != payload[i] {
			return false
		}
	}
	return true
}

// Claimable reports whether the job may transition to claimed: either
// freshly pending, or failed with attempts remaining.
func (j Job) Claimable(maxAttempts int) bool {
	switch j.Status {
	case StatusPending:
		return true
	case StatusFailed:
		return j.Attempts < maxAttempts
	default:
		return false
	}
}
