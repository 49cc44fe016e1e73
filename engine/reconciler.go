package engine

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"

	"github.com/newsmesh/gpu-orchestrator/domain/job"
	"github.com/newsmesh/gpu-orchestrator/domain/pool"

	"github.com/newsmesh/gpu-orchestrator/infrastructure/eventbus"
	"github.com/newsmesh/gpu-orchestrator/infrastructure/state"

	coreerrors "github.com/newsmesh/gpu-orchestrator/internal/errors"
	"github.com/newsmesh/gpu-orchestrator/internal/metrics"
)

// reconciledStreams lists the EB partitions the reconciler inspects for
// idle pending entries each tick, excluding the control stream (control
// commands are consumed directly, not reclaimed) and the dead-letter
// stream itself.
var reconciledStreams = []eventbus.Stream{
	eventbus.StreamPreloads,
	eventbus.StreamInferenceJobs,
	eventbus.StreamIngestEvents,
}

const reconcileConsumerGroup = "reconciler"

// Reconciler is the leader-only fixed-interval tick described by the
// reconciliation loop: renew the leader lock, purge expired leases,
// reclaim idle pending EB entries, and converge worker pools toward
// their desired size.
type Reconciler struct {
	elector *LeaderElector
	eng     *Engine
	store   state.Store
	bus     eventbus.Bus

	cron *cron.Cron
}

// NewReconciler wires a Reconciler over the engine's store/bus, scheduled
// by a robfig/cron expression (e.g. "@every 5s").
func NewReconciler(elector *LeaderElector, eng *Engine, store state.Store, bus eventbus.Bus) *Reconciler {
	return &Reconciler{elector: elector, eng: eng, store: store, bus: bus, cron: cron.New()}
}

// Start schedules Tick on the given cron spec and begins running it in
// the background. Callers must call Stop on shutdown.
func (r *Reconciler) Start(ctx context.Context, schedule string) error {
	_, err := r.cron.AddFunc(schedule, func() {
		if err := r.Tick(ctx); err != nil {
			metrics.Global().ReconcileErrors.Inc()
		}
	})
	if err != nil {
		return coreerrors.ConfigInvalid("reconcile_schedule", err.Error())
	}
	r.cron.Start()
	return nil
}

// Stop halts the scheduled ticks and waits for any in-flight tick to
// finish.
func (r *Reconciler) Stop() {
	<-r.cron.Stop().Done()
}

// Tick runs one reconciliation pass. Non-leader processes step 1 only
// (attempt to renew/acquire the lock) and otherwise no-op.
func (r *Reconciler) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.Global().ReconcileDuration.Observe(time.Since(start).Seconds())
		metrics.Global().ReconcileTicks.Inc()
		if r.eng.IsLeader() {
			metrics.Global().IsLeader.Set(1)
		} else {
			metrics.Global().IsLeader.Set(0)
		}
	}()

	// Step 1: renew leader lock; on loss, stop enforcing and drop to
	// follower.
	if err := r.elector.Tick(ctx); err != nil {
		return err
	}
	if !r.eng.IsLeader() {
		return nil
	}

	var errs *multierror.Error

	if err := r.purgeExpiredLeases(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := r.reclaimIdleEntries(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := r.convergePools(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}

	return errs.ErrorOrNil()
}

// Step 2: purge expired leases; emit metrics; do not revoke live work —
// only mark; workers detect via heartbeat-expired on next extend.
func (r *Reconciler) purgeExpiredLeases(ctx context.Context) error {
	purged, err := r.store.PurgeExpiredLeases(ctx, time.Now())
	if err != nil {
		return err
	}
	for range purged {
		metrics.Global().LeasesExpired.Inc()
	}
	return nil
}

// Step 3: for each stream, inspect pending entries idle >=
// job_claim_idle_ms; reclaim under job_max_attempts, else DLQ + finalize
// dead_letter.
func (r *Reconciler) reclaimIdleEntries(ctx context.Context) error {
	snap, ok := r.eng.policy()
	if !ok {
		return coreerrors.ConfigMissing("policy")
	}
	idle := time.Duration(snap.JobClaimIdleMS) * time.Millisecond

	var errs *multierror.Error
	for _, stream := range reconciledStreams {
		if err := r.bus.EnsureGroup(ctx, stream, reconcileConsumerGroup, false); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}

		pending, err := r.bus.Pending(ctx, stream, reconcileConsumerGroup, idle)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if len(pending) == 0 {
			continue
		}
		metrics.Global().BusPendingEntries.WithLabelValues(string(stream)).Set(float64(len(pending)))

		ids := make([]string, 0, len(pending))
		for _, p := range pending {
			ids = append(ids, p.ID)
		}
		msgs, err := r.bus.Reclaim(ctx, stream, reconcileConsumerGroup, "reconciler", ids, idle)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		for _, msg := range msgs {
			if err := r.reclaimOne(ctx, stream, msg, snap.JobMaxAttempts); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}
	return errs.ErrorOrNil()
}

func (r *Reconciler) reclaimOne(ctx context.Context, stream eventbus.Stream, msg eventbus.Message, maxAttempts int) error {
	if msg.Attempts < maxAttempts {
		msg.Attempts++
		msg.OriginMsgID = msg.ID
		if _, err := r.bus.Append(ctx, stream, msg); err != nil {
			return err
		}
		metrics.Global().BusReclaims.WithLabelValues(string(stream)).Inc()
		return nil
	}

	msg.OriginMsgID = msg.ID
	if _, err := r.bus.Append(ctx, eventbus.StreamDLQ, msg); err != nil {
		return err
	}
	metrics.Global().BusDeadLettered.WithLabelValues(string(stream)).Inc()
	if err := r.store.FinalizeJob(ctx, msg.JobID, job.StatusDeadLetter, "exhausted retries"); err != nil {
		if coreerrors.GetServiceError(err) == nil || coreerrors.GetServiceError(err).Code != coreerrors.ErrCodeJobUnknown {
			return err
		}
	}
	return nil
}

// Step 4: for each worker pool, converge spawned toward desired; drain
// pools with no active leases transition to stopped.
func (r *Reconciler) convergePools(ctx context.Context) error {
	pools, err := r.store.ListPools(ctx, state.PoolFilter{})
	if err != nil {
		return err
	}

	var errs *multierror.Error
	for _, p := range pools {
		if p.UnderProvisioned() && p.SpawnedWorkers < p.DesiredWorkers {
			if _, err := r.bus.Append(ctx, eventbus.StreamPreloads, eventbus.Message{JobID: p.ID, Type: "preload"}); err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
		}
		if p.Status == pool.StatusDraining {
			active, err := r.activeLeasesForPool(ctx, p)
			if err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			if active == 0 {
				p.Status = pool.StatusStopped
				if err := r.store.UpsertPool(ctx, p); err != nil {
					errs = multierror.Append(errs, err)
				}
			}
		}
		metrics.Global().PoolsByStatus.WithLabelValues(string(p.Status)).Inc()
	}
	return errs.ErrorOrNil()
}

// activeLeasesForPool reports "no active leases reference the pool" by
// counting the pool's agent's currently active leases: a pool's workers
// lease devices under the pool's agent identity, so a drained pool with
// zero referencing leases has zero active count for that agent.
func (r *Reconciler) activeLeasesForPool(ctx context.Context, p pool.Pool) (int, error) {
	return r.store.ActiveLeaseCountForAgent(ctx, p.Agent)
}
