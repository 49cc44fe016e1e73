// Package worker is the Worker Runtime (WR): the per-message consumer
// loop that claims jobs from the Event Bus, leases GPU capacity from the
// Orchestrator Engine when a job declares GPU need, dispatches the work
// to a registered agent through the Agent Registry & Router, and
// finalizes the job's terminal status.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/newsmesh/gpu-orchestrator/domain/job"
	"github.com/newsmesh/gpu-orchestrator/domain/pool"
	"github.com/newsmesh/gpu-orchestrator/domain/registry"

	"github.com/newsmesh/gpu-orchestrator/engine"
	"github.com/newsmesh/gpu-orchestrator/infrastructure/eventbus"
	"github.com/newsmesh/gpu-orchestrator/infrastructure/state"

	coreerrors "github.com/newsmesh/gpu-orchestrator/internal/errors"
	"github.com/newsmesh/gpu-orchestrator/internal/logging"
	"github.com/newsmesh/gpu-orchestrator/internal/metrics"
)

// Dispatcher forwards a tool call to a registered agent, the shape
// infrastructure/registry.Router implements.
type Dispatcher interface {
	Call(ctx context.Context, agentName, toolName string, args, kwargs map[string]registry.Value, timeout time.Duration) (*registry.CallResult, error)
}

// payload is the structured shape a job's opaque payload takes when it
// names an agent invocation: the Agent Router API's call body plus the
// two fields the worker needs before it can invoke lease_gpu.
type payload struct {
	Agent       string                    `json:"agent"`
	Tool        string                    `json:"tool"`
	Args        map[string]registry.Value `json:"args"`
	Kwargs      map[string]registry.Value `json:"kwargs"`
	NeedsGPU    bool                      `json:"needs_gpu"`
	MinMemoryMB int                       `json:"min_memory_mb"`
}

func parsePayload(raw []byte) (payload, error) {
	var p payload
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return payload{}, coreerrors.ConfigInvalid("job_payload", err.Error())
	}
	return p, nil
}

// StreamConfig names one (stream, consumer group) pair a Pool consumes,
// and how many concurrent consumer goroutines read it.
type StreamConfig struct {
	Stream      eventbus.Stream
	Group       string
	Concurrency int
}

// Config tunes a Pool's runtime behavior.
type Config struct {
	WorkerIDPrefix  string
	Streams         []StreamConfig
	ReadBlock       time.Duration // bounded block per ReadGroup call
	ReadCount       int           // messages requested per ReadGroup call
	DispatchTimeout time.Duration
	LeaseTTLSeconds int // default lease TTL when a job omits one
}

// DefaultConfig returns sane defaults for the two job-bearing streams
// (inference_jobs, ingest_events) plus the preload stream, one consumer
// goroutine each.
func DefaultConfig() Config {
	return Config{
		Streams: []StreamConfig{
			{Stream: eventbus.StreamPreloads, Group: "cg:preloads:workers", Concurrency: 1},
			{Stream: eventbus.StreamInferenceJobs, Group: "cg:inference:pool-default", Concurrency: 1},
			{Stream: eventbus.StreamIngestEvents, Group: "cg:ingest:workers", Concurrency: 1},
		},
		ReadBlock:       2 * time.Second,
		ReadCount:       1,
		DispatchTimeout: 30 * time.Second,
		LeaseTTLSeconds: 60,
	}
}

// Pool runs the consumer goroutines implementing the per-message
// procedure against one Engine/Store/Bus/Dispatcher wiring.
type Pool struct {
	cfg    Config
	store  state.Store
	bus    eventbus.Bus
	eng    *engine.Engine
	dsp    Dispatcher
	logger *logging.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a Pool. Callers must call Start to begin consuming.
func New(cfg Config, store state.Store, bus eventbus.Bus, eng *engine.Engine, dsp Dispatcher, logger *logging.Logger) *Pool {
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 1
	}
	if cfg.ReadBlock <= 0 {
		cfg.ReadBlock = 2 * time.Second
	}
	if logger == nil {
		logger = logging.NewFromEnv("worker")
	}
	return &Pool{cfg: cfg, store: store, bus: bus, eng: eng, dsp: dsp, logger: logger}
}

// Start ensures each configured stream's consumer group exists, then
// launches its consumer goroutines. Start returns once groups are ready;
// the goroutines run until ctx is canceled or Stop is called.
func (p *Pool) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for _, sc := range p.cfg.Streams {
		if err := p.bus.EnsureGroup(runCtx, sc.Stream, sc.Group, false); err != nil {
			cancel()
			return err
		}
		n := sc.Concurrency
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			consumerID := p.workerID(sc.Stream, i)
			p.wg.Add(1)
			go p.consumeLoop(runCtx, sc, consumerID)
		}
	}
	return nil
}

// Stop signals every consumer goroutine to exit and waits for them.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) workerID(stream eventbus.Stream, index int) string {
	prefix := p.cfg.WorkerIDPrefix
	if prefix == "" {
		prefix = "worker"
	}
	return fmt.Sprintf("%s-%s-%d-%s", prefix, stream, index, uuid.NewString()[:8])
}

func (p *Pool) consumeLoop(ctx context.Context, sc StreamConfig, consumerID string) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := p.bus.ReadGroup(ctx, sc.Stream, sc.Group, consumerID, p.cfg.ReadCount, p.cfg.ReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.WithError(err).WithFields(map[string]interface{}{"stream": string(sc.Stream)}).Warn("read group failed")
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range msgs {
			p.dispatch(ctx, sc, msg, consumerID)
		}
	}
}

// dispatch runs one message through the procedure appropriate to its
// type and acks it iff the message reached a state where redelivery
// would be wasted or harmful. Any other outcome leaves the message
// pending for the reconciler's idle-entry reclaim.
func (p *Pool) dispatch(ctx context.Context, sc StreamConfig, msg eventbus.Message, consumerID string) {
	var err error
	if msg.Type == "preload" {
		err = p.processPreload(ctx, msg)
	} else {
		err = p.processJob(ctx, sc.Stream, msg, consumerID)
	}
	if err != nil {
		p.logger.WithError(err).WithFields(map[string]interface{}{
			"stream": string(sc.Stream), "job_id": msg.JobID,
		}).Warn("message left pending")
		return
	}
	if ackErr := p.bus.Ack(ctx, sc.Stream, sc.Group, msg.ID); ackErr != nil {
		p.logger.WithError(ackErr).Warn("ack failed")
	}
}

// processPreload spawns one worker slot against the named pool: step
// toward DesiredWorkers and flip starting -> running once fully spawned.
// A pool that no longer exists (evicted and forgotten) is a no-op, not a
// retry target.
func (p *Pool) processPreload(ctx context.Context, msg eventbus.Message) error {
	pl, err := p.store.GetPool(ctx, msg.JobID)
	if err != nil {
		if se := coreerrors.GetServiceError(err); se != nil && se.Code == coreerrors.ErrCodePoolUnknown {
			return nil
		}
		return err
	}
	if !pl.UnderProvisioned() || pl.SpawnedWorkers >= pl.DesiredWorkers {
		return nil
	}

	pl.SpawnedWorkers++
	pl.LastHeartbeat = time.Now()
	if pl.SpawnedWorkers >= pl.DesiredWorkers && pl.Status == pool.StatusStarting {
		pl.Status = pool.StatusRunning
	}
	return p.store.UpsertPool(ctx, pl)
}

// processJob implements spec.md §4.5's per-message procedure for a
// job-bearing message.
func (p *Pool) processJob(ctx context.Context, stream eventbus.Stream, msg eventbus.Message, consumerID string) error {
	snap, ok := p.eng.Policy()
	if !ok {
		return coreerrors.ConfigMissing("policy")
	}

	j, err := p.store.ClaimJob(ctx, msg.JobID, consumerID, snap.JobMaxAttempts)
	if err != nil {
		se := coreerrors.GetServiceError(err)
		if se != nil && se.Code == coreerrors.ErrCodeAlreadyClaimed {
			return nil // duplicate delivery of already-owned work: ack, no side effects
		}
		if se != nil && se.Code == coreerrors.ErrCodeJobUnknown {
			p.logger.WithFields(map[string]interface{}{"job_id": msg.JobID}).Warn("claimed message references unknown job row")
			return nil
		}
		return err
	}

	decl, err := parsePayload(j.Payload)
	if err != nil {
		_ = p.store.FinalizeJob(ctx, j.ID, job.StatusFailed, err.Error())
		return nil
	}

	var held bool
	var token string
	if decl.NeedsGPU {
		l, err := p.eng.LeaseGPU(ctx, decl.Agent, decl.MinMemoryMB, p.leaseTTL(snap), j.Payload)
		if err != nil {
			if reason, ok := coreerrors.DenialReasonOf(err); ok && retryableDenial(reason) {
				return err // leave pending; reconciler or a future poll retries once capacity frees
			}
			if ferr := p.store.FinalizeJob(ctx, j.ID, job.StatusFailed, err.Error()); ferr != nil {
				return ferr
			}
			p.recordFinalize(j, job.StatusFailed)
			return nil
		}
		held = true
		token = l.Token
	}

	if err := p.store.MarkJobRunning(ctx, j.ID); err != nil {
		if held {
			_ = p.eng.ReleaseLease(ctx, token)
		}
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	var hbStop chan struct{}
	if held {
		hbStop = p.startHeartbeat(runCtx, cancel, token, snap.HeartbeatInterval())
	}

	result, callErr := p.dsp.Call(runCtx, decl.Agent, decl.Tool, decl.Args, decl.Kwargs, p.cfg.DispatchTimeout)
	cancel()
	if hbStop != nil {
		<-hbStop
	}

	if held {
		_ = p.eng.ReleaseLease(ctx, token)
	}

	if callErr != nil {
		return p.handleJobFailure(ctx, stream, j, snap, callErr)
	}

	_ = result
	if err := p.store.FinalizeJob(ctx, j.ID, job.StatusDone, ""); err != nil {
		return err
	}
	p.recordFinalize(j, job.StatusDone)
	return nil
}

// handleJobFailure finalizes a failed handler invocation and, while
// attempts remain, re-appends the job to the same stream with an
// incremented attempt count rather than relying solely on the
// reconciler's idle-pending detection to drive the retry.
func (p *Pool) handleJobFailure(ctx context.Context, stream eventbus.Stream, j job.Job, snap engine.PolicySnapshot, callErr error) error {
	if j.Attempts < snap.JobMaxAttempts {
		if err := p.store.FinalizeJob(ctx, j.ID, job.StatusFailed, callErr.Error()); err != nil {
			return err
		}
		_, err := p.bus.Append(ctx, stream, eventbus.Message{JobID: j.ID, Type: j.Type, Payload: j.Payload, Attempts: j.Attempts})
		if err != nil {
			return err
		}
		p.recordFinalize(j, job.StatusFailed)
		return nil
	}

	if err := p.store.FinalizeJob(ctx, j.ID, job.StatusDeadLetter, callErr.Error()); err != nil {
		return err
	}
	if _, err := p.bus.Append(ctx, eventbus.StreamDLQ, eventbus.Message{JobID: j.ID, Type: j.Type, Payload: j.Payload, Attempts: j.Attempts}); err != nil {
		return err
	}
	p.recordFinalize(j, job.StatusDeadLetter)
	return nil
}

func (p *Pool) recordFinalize(j job.Job, status job.Status) {
	metrics.Global().JobsFinalized.WithLabelValues(j.Type, string(status)).Inc()
	if !j.CreatedAt.IsZero() {
		metrics.Global().JobLatency.WithLabelValues(j.Type).Observe(time.Since(j.CreatedAt).Seconds())
	}
	metrics.Global().JobAttempts.WithLabelValues(j.Type).Observe(float64(j.Attempts))
}

func (p *Pool) leaseTTL(snap engine.PolicySnapshot) int {
	if p.cfg.LeaseTTLSeconds > 0 {
		return p.cfg.LeaseTTLSeconds
	}
	if snap.MaxLeaseTTLSeconds > 0 {
		return snap.MaxLeaseTTLSeconds
	}
	return 60
}

// startHeartbeat heartbeats token every interval until runCtx is
// canceled; after three consecutive failures it cancels cancel() itself,
// driving cooperative abort of the in-flight handler call. The returned
// channel closes once the heartbeat goroutine has exited.
func (p *Pool) startHeartbeat(runCtx context.Context, cancel context.CancelFunc, token string, interval time.Duration) chan struct{} {
	done := make(chan struct{})
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		failures := 0
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if _, err := p.eng.HeartbeatLease(context.Background(), token); err != nil {
					failures++
					if failures >= 3 {
						cancel()
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()
	return done
}

// retryableDenial reports whether an admission denial reason represents
// a transient supply/demand condition worth retrying later, as opposed
// to a request that can never succeed unmodified.
func retryableDenial(reason coreerrors.DenialReason) bool {
	switch reason {
	case coreerrors.ReasonModelUnavailable:
		return false
	default:
		return true
	}
}
