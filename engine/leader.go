package engine

import (
	"context"
	"time"

	"github.com/newsmesh/gpu-orchestrator/infrastructure/state"
	coreerrors "github.com/newsmesh/gpu-orchestrator/internal/errors"
)

const leaderLockName = "gpu_orchestrator_leader"

// LeaderState is the process-local leader election state machine:
// follower -> candidate -> leader -> follower, on lock loss or
// voluntary step-down.
type LeaderState string

const (
	StateFollower  LeaderState = "follower"
	StateCandidate LeaderState = "candidate"
	StateLeader    LeaderState = "leader"
)

// LeaderElector drives one process's participation in the cluster-wide
// advisory lock, updating the engine's leadership flag as it wins, holds,
// or loses the lock.
type LeaderElector struct {
	store state.Store
	eng   *Engine

	state  LeaderState
	handle state.LockHandle
	ttl    time.Duration
}

// NewLeaderElector builds an elector bound to eng, renewing the lock
// every tick at the given ttl.
func NewLeaderElector(store state.Store, eng *Engine, ttl time.Duration) *LeaderElector {
	return &LeaderElector{store: store, eng: eng, state: StateFollower, ttl: ttl}
}

// State returns the elector's current local state.
func (le *LeaderElector) State() LeaderState {
	return le.state
}

// Tick advances the election state machine by one step: a follower
// attempts to acquire the lock (becoming leader on success), and a
// leader renews its lock (stepping down to follower on loss).
func (le *LeaderElector) Tick(ctx context.Context) error {
	switch le.state {
	case StateLeader:
		handle, err := le.store.RenewLeaderLock(ctx, le.handle, le.ttl)
		if err != nil {
			le.stepDown()
			if se := coreerrors.GetServiceError(err); se != nil && se.Code == coreerrors.ErrCodeLockLost {
				return nil // lock loss is an expected transition, not a tick failure
			}
			return err
		}
		le.handle = handle
		return nil
	default:
		le.state = StateCandidate
		handle, err := le.store.TryLeaderLock(ctx, leaderLockName, le.ttl)
		if err != nil {
			le.state = StateFollower
			if se := coreerrors.GetServiceError(err); se != nil && se.Code == coreerrors.ErrCodeLockHeld {
				return nil // lock held elsewhere is expected, not a tick failure
			}
			return err
		}
		le.handle = handle
		le.state = StateLeader
		le.eng.setLeader(true)
		return nil
	}
}

func (le *LeaderElector) stepDown() {
	le.state = StateFollower
	le.eng.setLeader(false)
}

// StepDown voluntarily releases the lock, e.g. on graceful shutdown.
func (le *LeaderElector) StepDown(ctx context.Context) error {
	if le.state != StateLeader {
		return nil
	}
	err := le.store.ReleaseLeaderLock(ctx, le.handle)
	le.stepDown()
	return err
}
