package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	coreerrors "github.com/newsmesh/gpu-orchestrator/internal/errors"

	"github.com/newsmesh/gpu-orchestrator/domain/audit"
	"github.com/newsmesh/gpu-orchestrator/domain/job"
	"github.com/newsmesh/gpu-orchestrator/domain/lease"
	"github.com/newsmesh/gpu-orchestrator/domain/pool"
)

// PostgresStore is the authoritative Store implementation: every mutator
// runs inside one transaction that also inserts the corresponding audit
// row, so a crash mid-mutation never leaves audit and data out of sync.
type PostgresStore struct {
	db *sqlx.DB
	// lockConn is a dedicated, long-lived connection used exclusively for
	// session-level advisory locks: pg_advisory_lock's hold is tied to the
	// backend session, so leader election needs one connection held open
	// for the lifetime of leadership rather than borrowed from the pool.
	lockConn *sql.Conn
}

// Open connects to PostgreSQL at dsn and verifies connectivity.
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("state: open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("state: ping postgres: %w", err)
	}

	lockConn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("state: reserve lock connection: %w", err)
	}

	return &PostgresStore{db: db, lockConn: lockConn}, nil
}

func marshalMeta(m map[string]string) []byte {
	if m == nil {
		m = map[string]string{}
	}
	data, _ := json.Marshal(m)
	return data
}

func unmarshalMeta(data []byte) map[string]string {
	m := map[string]string{}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &m)
	}
	return m
}

func commitOrStoreErr(tx *sqlx.Tx) error {
	if err := tx.Commit(); err != nil {
		return coreerrors.StoreUnavailable(err)
	}
	return nil
}

func (s *PostgresStore) insertAudit(ctx context.Context, tx *sqlx.Tx, typ audit.EventType, entityID string, detail map[string]string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO orchestrator_audit (event_type, entity_id, detail, created_at) VALUES ($1, $2, $3, $4)`,
		string(typ), entityID, marshalMeta(detail), time.Now())
	return err
}

func (s *PostgresStore) PutLease(ctx context.Context, agent string, device int, hasDevice bool, mode lease.Mode, ttlSeconds int) (lease.Lease, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return lease.Lease{}, coreerrors.StoreUnavailable(err)
	}
	defer tx.Rollback()

	if hasDevice {
		var conflicting int
		err = tx.GetContext(ctx, &conflicting,
			`SELECT count(*) FROM orchestrator_leases WHERE agent = $1 AND has_device AND device = $2 AND expires_at > now()`,
			agent, device)
		if err != nil {
			return lease.Lease{}, coreerrors.StoreUnavailable(err)
		}
		if conflicting > 0 {
			return lease.Lease{}, coreerrors.LeaseConflict(agent, device)
		}
	}

	now := time.Now()
	l := lease.Lease{
		Token:         uuid.NewString(),
		Agent:         agent,
		Device:        device,
		HasDevice:     hasDevice,
		Mode:          mode,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Duration(ttlSeconds) * time.Second),
		LastHeartbeat: now,
		Metadata:      map[string]string{},
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO orchestrator_leases (token, agent, device, has_device, mode, created_at, expires_at, last_heartbeat, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		l.Token, l.Agent, l.Device, l.HasDevice, string(l.Mode), l.CreatedAt, l.ExpiresAt, l.LastHeartbeat, marshalMeta(l.Metadata))
	if err != nil {
		return lease.Lease{}, coreerrors.StoreUnavailable(err)
	}

	if err := s.insertAudit(ctx, tx, audit.EventLeaseGranted, l.Token, map[string]string{"agent": agent}); err != nil {
		return lease.Lease{}, coreerrors.StoreUnavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return lease.Lease{}, coreerrors.StoreUnavailable(err)
	}
	return l, nil
}

func (s *PostgresStore) scanLease(ctx context.Context, q sqlx.QueryerContext, token string) (lease.Lease, error) {
	var row struct {
		Token         string    `db:"token"`
		Agent         string    `db:"agent"`
		Device        int       `db:"device"`
		HasDevice     bool      `db:"has_device"`
		Mode          string    `db:"mode"`
		CreatedAt     time.Time `db:"created_at"`
		ExpiresAt     time.Time `db:"expires_at"`
		LastHeartbeat time.Time `db:"last_heartbeat"`
		Metadata      []byte    `db:"metadata"`
	}
	err := sqlx.GetContext(ctx, q, &row, `SELECT token, agent, device, has_device, mode, created_at, expires_at, last_heartbeat, metadata FROM orchestrator_leases WHERE token = $1`, token)
	if err == sql.ErrNoRows {
		return lease.Lease{}, coreerrors.LeaseUnknown(token)
	}
	if err != nil {
		return lease.Lease{}, coreerrors.StoreUnavailable(err)
	}
	return lease.Lease{
		Token:         row.Token,
		Agent:         row.Agent,
		Device:        row.Device,
		HasDevice:     row.HasDevice,
		Mode:          lease.Mode(row.Mode),
		CreatedAt:     row.CreatedAt,
		ExpiresAt:     row.ExpiresAt,
		LastHeartbeat: row.LastHeartbeat,
		Metadata:      unmarshalMeta(row.Metadata),
	}, nil
}

func (s *PostgresStore) ExtendLease(ctx context.Context, token string, now time.Time, maxTTLSeconds int) (lease.Lease, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return lease.Lease{}, coreerrors.StoreUnavailable(err)
	}
	defer tx.Rollback()

	l, err := s.scanLease(ctx, tx, token)
	if err != nil {
		return lease.Lease{}, err
	}
	if l.Expired(now) {
		return lease.Lease{}, coreerrors.LeaseExpired(token)
	}

	maxExpiry := l.MaxExpiry(maxTTLSeconds)
	newExpiry := now.Add(time.Duration(maxTTLSeconds) * time.Second)
	if newExpiry.After(maxExpiry) {
		newExpiry = maxExpiry
	}

	_, err = tx.ExecContext(ctx, `UPDATE orchestrator_leases SET expires_at = $1, last_heartbeat = $2 WHERE token = $3`, newExpiry, now, token)
	if err != nil {
		return lease.Lease{}, coreerrors.StoreUnavailable(err)
	}
	if err := s.insertAudit(ctx, tx, audit.EventLeaseExtended, token, nil); err != nil {
		return lease.Lease{}, coreerrors.StoreUnavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return lease.Lease{}, coreerrors.StoreUnavailable(err)
	}

	l.ExpiresAt = newExpiry
	l.LastHeartbeat = now
	return l, nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, token string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return coreerrors.StoreUnavailable(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM orchestrator_leases WHERE token = $1`, token)
	if err != nil {
		return coreerrors.StoreUnavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tx.Commit() // idempotent: nothing to release
	}
	if err := s.insertAudit(ctx, tx, audit.EventLeaseReleased, token, nil); err != nil {
		return coreerrors.StoreUnavailable(err)
	}
	return commitOrStoreErr(tx)
}

func (s *PostgresStore) PurgeExpiredLeases(ctx context.Context, now time.Time) ([]string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, coreerrors.StoreUnavailable(err)
	}
	defer tx.Rollback()

	var tokens []string
	if err := tx.SelectContext(ctx, &tokens, `SELECT token FROM orchestrator_leases WHERE expires_at <= $1`, now); err != nil {
		return nil, coreerrors.StoreUnavailable(err)
	}
	if len(tokens) == 0 {
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM orchestrator_leases WHERE expires_at <= $1`, now); err != nil {
		return nil, coreerrors.StoreUnavailable(err)
	}
	for _, token := range tokens {
		if err := s.insertAudit(ctx, tx, audit.EventLeaseExpired, token, nil); err != nil {
			return nil, coreerrors.StoreUnavailable(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, coreerrors.StoreUnavailable(err)
	}
	return tokens, nil
}

func (s *PostgresStore) ActiveLeaseCount(ctx context.Context, device int) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT count(*) FROM orchestrator_leases WHERE has_device AND device = $1 AND expires_at > now()`, device)
	if err != nil {
		return 0, coreerrors.StoreUnavailable(err)
	}
	return count, nil
}

func (s *PostgresStore) ActiveCPULeaseCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT count(*) FROM orchestrator_leases WHERE mode = 'cpu' AND expires_at > now()`)
	if err != nil {
		return 0, coreerrors.StoreUnavailable(err)
	}
	return count, nil
}

func (s *PostgresStore) ActiveLeaseCountForAgent(ctx context.Context, agent string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT count(*) FROM orchestrator_leases WHERE agent = $1 AND expires_at > now()`, agent)
	if err != nil {
		return 0, coreerrors.StoreUnavailable(err)
	}
	return count, nil
}

func (s *PostgresStore) GetLease(ctx context.Context, token string) (lease.Lease, error) {
	return s.scanLease(ctx, s.db, token)
}

func (s *PostgresStore) UpsertPool(ctx context.Context, p pool.Pool) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return coreerrors.StoreUnavailable(err)
	}
	defer tx.Rollback()

	var currentStatus sql.NullString
	err = tx.GetContext(ctx, &currentStatus, `SELECT status FROM worker_pools WHERE id = $1`, p.ID)
	if err != nil && err != sql.ErrNoRows {
		return coreerrors.StoreUnavailable(err)
	}
	if currentStatus.Valid && !pool.CanTransition(pool.Status(currentStatus.String), p.Status) {
		return coreerrors.FatalInvariant(fmt.Sprintf("illegal pool transition %s -> %s", currentStatus.String, p.Status), nil)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO worker_pools (id, agent, model_id, adapter_id, desired_workers, spawned_workers, started_at, last_heartbeat, status, hold_seconds, drained_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			desired_workers = EXCLUDED.desired_workers,
			spawned_workers = EXCLUDED.spawned_workers,
			last_heartbeat  = EXCLUDED.last_heartbeat,
			status          = EXCLUDED.status,
			hold_seconds    = EXCLUDED.hold_seconds,
			drained_at      = EXCLUDED.drained_at,
			metadata        = EXCLUDED.metadata`,
		p.ID, p.Agent, p.ModelID, p.AdapterID, p.DesiredWorkers, p.SpawnedWorkers, p.StartedAt, p.LastHeartbeat,
		string(p.Status), p.HoldSeconds, nullTime(p.DrainedAt), marshalMeta(p.Metadata))
	if err != nil {
		return coreerrors.StoreUnavailable(err)
	}

	if err := s.insertAudit(ctx, tx, audit.EventPoolStatus, p.ID, map[string]string{"status": string(p.Status)}); err != nil {
		return coreerrors.StoreUnavailable(err)
	}
	return commitOrStoreErr(tx)
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func (s *PostgresStore) ListPools(ctx context.Context, filter PoolFilter) ([]pool.Pool, error) {
	query := `SELECT id, agent, model_id, adapter_id, desired_workers, spawned_workers, started_at, last_heartbeat, status, hold_seconds, drained_at, metadata FROM worker_pools WHERE 1=1`
	args := []interface{}{}
	if filter.Agent != "" {
		args = append(args, filter.Agent)
		query += fmt.Sprintf(" AND agent = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, coreerrors.StoreUnavailable(err)
	}
	defer rows.Close()

	var out []pool.Pool
	for rows.Next() {
		p, err := scanPoolRow(rows)
		if err != nil {
			return nil, coreerrors.StoreUnavailable(err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *PostgresStore) GetPool(ctx context.Context, id string) (pool.Pool, error) {
	row := s.db.QueryRowxContext(ctx, `SELECT id, agent, model_id, adapter_id, desired_workers, spawned_workers, started_at, last_heartbeat, status, hold_seconds, drained_at, metadata FROM worker_pools WHERE id = $1`, id)
	p, err := scanPoolRow(row)
	if err == sql.ErrNoRows {
		return pool.Pool{}, coreerrors.PoolUnknown(id)
	}
	if err != nil {
		return pool.Pool{}, coreerrors.StoreUnavailable(err)
	}
	return p, nil
}

type poolRowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPoolRow(row poolRowScanner) (pool.Pool, error) {
	var (
		id, agent, modelID, adapterID, status string
		desired, spawned, holdSeconds         int
		startedAt, lastHeartbeat              time.Time
		drainedAt                             sql.NullTime
		metadata                              []byte
	)
	if err := row.Scan(&id, &agent, &modelID, &adapterID, &desired, &spawned, &startedAt, &lastHeartbeat, &status, &holdSeconds, &drainedAt, &metadata); err != nil {
		return pool.Pool{}, err
	}
	p := pool.Pool{
		ID: id, Agent: agent, ModelID: modelID, AdapterID: adapterID,
		DesiredWorkers: desired, SpawnedWorkers: spawned,
		StartedAt: startedAt, LastHeartbeat: lastHeartbeat,
		Status: pool.Status(status), HoldSeconds: holdSeconds,
		Metadata: unmarshalMeta(metadata),
	}
	if drainedAt.Valid {
		p.DrainedAt = drainedAt.Time
	}
	return p, nil
}

func (s *PostgresStore) PutJob(ctx context.Context, j job.Job) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return coreerrors.StoreUnavailable(err)
	}
	defer tx.Rollback()

	var existingType string
	var existingPayload []byte
	err = tx.QueryRowContext(ctx, `SELECT type, payload FROM orchestrator_jobs WHERE id = $1`, j.ID).Scan(&existingType, &existingPayload)
	if err == nil {
		existing := job.Job{Type: existingType, Payload: existingPayload}
		if !existing.SameSubmission(j.Type, j.Payload) {
			return coreerrors.JobPayloadMismatch(j.ID)
		}
		return tx.Commit() // idempotent resubmission
	}
	if err != sql.ErrNoRows {
		return coreerrors.StoreUnavailable(err)
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO orchestrator_jobs (id, type, payload, status, pool_id, attempts, owner_id, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, '', '', $6, $6)`,
		j.ID, j.Type, j.Payload, string(job.StatusPending), nullString(j.PoolID, j.HasPool), now)
	if err != nil {
		return coreerrors.StoreUnavailable(err)
	}

	if err := s.insertAudit(ctx, tx, audit.EventJobSubmitted, j.ID, map[string]string{"type": j.Type}); err != nil {
		return coreerrors.StoreUnavailable(err)
	}
	return commitOrStoreErr(tx)
}

func nullString(s string, has bool) interface{} {
	if !has {
		return nil
	}
	return s
}

func (s *PostgresStore) scanJob(ctx context.Context, q sqlx.QueryerContext, jobID string) (job.Job, error) {
	var row struct {
		ID        string         `db:"id"`
		Type      string         `db:"type"`
		Payload   []byte         `db:"payload"`
		Status    string         `db:"status"`
		PoolID    sql.NullString `db:"pool_id"`
		Attempts  int            `db:"attempts"`
		OwnerID   string         `db:"owner_id"`
		LastError string         `db:"last_error"`
		CreatedAt time.Time      `db:"created_at"`
		UpdatedAt time.Time      `db:"updated_at"`
	}
	err := sqlx.GetContext(ctx, q, &row, `SELECT id, type, payload, status, pool_id, attempts, owner_id, last_error, created_at, updated_at FROM orchestrator_jobs WHERE id = $1`, jobID)
	if err == sql.ErrNoRows {
		return job.Job{}, coreerrors.JobUnknown(jobID)
	}
	if err != nil {
		return job.Job{}, coreerrors.StoreUnavailable(err)
	}
	j := job.Job{
		ID: row.ID, Type: row.Type, Payload: row.Payload, Status: job.Status(row.Status),
		Attempts: row.Attempts, OwnerID: row.OwnerID, LastError: row.LastError,
		CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}
	if row.PoolID.Valid {
		j.PoolID = row.PoolID.String
		j.HasPool = true
	}
	return j, nil
}

func (s *PostgresStore) ClaimJob(ctx context.Context, jobID, workerID string, maxAttempts int) (job.Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return job.Job{}, coreerrors.StoreUnavailable(err)
	}
	defer tx.Rollback()

	j, err := s.scanJob(ctx, tx, jobID)
	if err != nil {
		return job.Job{}, err
	}
	if !j.Claimable(maxAttempts) {
		return j, coreerrors.AlreadyClaimed(jobID)
	}

	j.Status = job.StatusClaimed
	j.Attempts++
	j.OwnerID = workerID
	j.UpdatedAt = time.Now()

	_, err = tx.ExecContext(ctx, `UPDATE orchestrator_jobs SET status = $1, attempts = $2, owner_id = $3, updated_at = $4 WHERE id = $5`,
		string(j.Status), j.Attempts, j.OwnerID, j.UpdatedAt, jobID)
	if err != nil {
		return job.Job{}, coreerrors.StoreUnavailable(err)
	}
	if err := s.insertAudit(ctx, tx, audit.EventJobClaimed, jobID, map[string]string{"worker_id": workerID}); err != nil {
		return job.Job{}, coreerrors.StoreUnavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return job.Job{}, coreerrors.StoreUnavailable(err)
	}
	return j, nil
}

func (s *PostgresStore) MarkJobRunning(ctx context.Context, jobID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return coreerrors.StoreUnavailable(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE orchestrator_jobs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(job.StatusRunning), time.Now(), jobID)
	if err != nil {
		return coreerrors.StoreUnavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return coreerrors.JobUnknown(jobID)
	}
	if err := s.insertAudit(ctx, tx, audit.EventJobRunning, jobID, nil); err != nil {
		return coreerrors.StoreUnavailable(err)
	}
	return commitOrStoreErr(tx)
}

func (s *PostgresStore) FinalizeJob(ctx context.Context, jobID string, status job.Status, lastError string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return coreerrors.StoreUnavailable(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE orchestrator_jobs SET status = $1, last_error = $2, updated_at = $3 WHERE id = $4`,
		string(status), lastError, time.Now(), jobID)
	if err != nil {
		return coreerrors.StoreUnavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return coreerrors.JobUnknown(jobID)
	}
	if err := s.insertAudit(ctx, tx, audit.EventJobFinalized, jobID, map[string]string{"status": string(status)}); err != nil {
		return coreerrors.StoreUnavailable(err)
	}
	return commitOrStoreErr(tx)
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (job.Job, error) {
	return s.scanJob(ctx, s.db, jobID)
}

func (s *PostgresStore) ListAudit(ctx context.Context, entityID string, limit int) ([]audit.Event, error) {
	query := `SELECT id, event_type, entity_id, detail, created_at FROM orchestrator_audit`
	args := []interface{}{}
	if entityID != "" {
		query += ` WHERE entity_id = $1`
		args = append(args, entityID)
	}
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT %d`, limit)

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, coreerrors.StoreUnavailable(err)
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var (
			id        int64
			eventType string
			entID     string
			detail    []byte
			createdAt time.Time
		)
		if err := rows.Scan(&id, &eventType, &entID, &detail, &createdAt); err != nil {
			return nil, coreerrors.StoreUnavailable(err)
		}
		out = append(out, audit.Event{ID: id, Type: audit.EventType(eventType), EntityID: entID, Detail: unmarshalMeta(detail), CreatedAt: createdAt})
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.lockConn.Close()
	return s.db.Close()
}
