package state

import (
	"context"
	"hash/fnv"
	"time"

	coreerrors "github.com/newsmesh/gpu-orchestrator/internal/errors"
)

// lockKey derives the bigint key pg_try_advisory_lock expects from a
// human-readable lock name, so callers can keep naming locks by string
// ("gpu_orchestrator_leader") as the concurrency model names them.
func lockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// TryLeaderLock attempts to acquire the cluster-wide advisory lock over
// the dedicated session connection; pg_advisory_lock's hold is tied to
// the backend session, so this must never run on a pooled, potentially
// recycled connection.
func (s *PostgresStore) TryLeaderLock(ctx context.Context, name string, ttl time.Duration) (LockHandle, error) {
	key := lockKey(name)

	var acquired bool
	if err := s.lockConn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		return LockHandle{}, coreerrors.StoreUnavailable(err)
	}
	if !acquired {
		return LockHandle{}, coreerrors.LockHeld(name)
	}
	return LockHandle{Name: name, AcquiredAt: time.Now(), token: key}, nil
}

// RenewLeaderLock re-affirms the lock is still held by this session. The
// PostgreSQL session-level advisory lock has no TTL of its own — ttl only
// bounds how long the caller waits for this check — so renewal here
// verifies the session connection is alive rather than refreshing an
// expiry.
func (s *PostgresStore) RenewLeaderLock(ctx context.Context, handle LockHandle, ttl time.Duration) (LockHandle, error) {
	checkCtx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()

	if err := s.lockConn.PingContext(checkCtx); err != nil {
		return LockHandle{}, coreerrors.LockLost(handle.Name)
	}
	return handle, nil
}

// ReleaseLeaderLock voluntarily steps down, releasing the advisory lock.
func (s *PostgresStore) ReleaseLeaderLock(ctx context.Context, handle LockHandle) error {
	var released bool
	if err := s.lockConn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, handle.token).Scan(&released); err != nil {
		return coreerrors.StoreUnavailable(err)
	}
	return nil
}
