// Package app is the orchestration core's composition root: it wires the
// State Store, Event Bus, Agent Registry & Router, Orchestrator Engine,
// Worker Runtime, and HTTP API named by internal/config.Config, and
// sequences their lifecycle through internal/app/system.Manager, the way
// the teacher's own internal/app.Application wires its domain services.
package app

import (
	"context"
	"strings"
	"time"

	"github.com/newsmesh/gpu-orchestrator/domain/policy"

	"github.com/newsmesh/gpu-orchestrator/engine"
	"github.com/newsmesh/gpu-orchestrator/infrastructure/eventbus"
	infraregistry "github.com/newsmesh/gpu-orchestrator/infrastructure/registry"
	"github.com/newsmesh/gpu-orchestrator/infrastructure/state"

	"github.com/newsmesh/gpu-orchestrator/internal/app/system"
	"github.com/newsmesh/gpu-orchestrator/internal/cache"
	"github.com/newsmesh/gpu-orchestrator/internal/config"
	coreerrors "github.com/newsmesh/gpu-orchestrator/internal/errors"
	"github.com/newsmesh/gpu-orchestrator/internal/logging"
	"github.com/newsmesh/gpu-orchestrator/internal/metrics"
	"github.com/newsmesh/gpu-orchestrator/internal/pressure"
	"github.com/newsmesh/gpu-orchestrator/internal/ratelimit"

	"github.com/newsmesh/gpu-orchestrator/httpapi"
	"github.com/newsmesh/gpu-orchestrator/worker"
)

// Application ties the orchestration core's components together and
// manages their lifecycle through one system.Manager.
type Application struct {
	Store    state.Store
	Bus      eventbus.Bus
	Registry *infraregistry.Registry
	Router   *infraregistry.Router
	Engine   *engine.Engine
	Elector  *engine.LeaderElector
	Reconciler *engine.Reconciler
	Workers  *worker.Pool

	policies *cache.PolicyCache
	cfg      *config.Config
	logger   *logging.Logger
	manager  *system.Manager
}

// New builds a fully wired Application from cfg: PostgreSQL-or-memory
// State Store selected by whether DatabaseURL is reachable at startup
// time is the caller's job (New always honors DatabaseURL literally);
// Redis-or-memory Event Bus selected the same way by RequireBus.
func New(ctx context.Context, cfg *config.Config) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, coreerrors.ConfigInvalid("config", err.Error())
	}

	logger := logging.New("orchestrator", cfg.LogLevel, cfg.LogFormat)
	metrics.Init("gpu-orchestrator")

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	bus, err := openBus(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	reg := infraregistry.New()
	router := infraregistry.NewRouter(reg)

	policies := cache.NewPolicyCache()
	policies.Reload(engine.SnapshotFromPolicy(policyFromConfig(cfg)))

	limiters := ratelimit.NewAgentLimiters(cfg.PerAgentRate, cfg.PerAgentBurst)
	gate := engine.NewAdmissionGate(limiters, pressure.NewHostSampler())
	eng := engine.New(store, bus, gate, policies)

	elector := engine.NewLeaderElector(store, eng, time.Duration(cfg.MaxLeaseTTLSeconds)*time.Second)
	reconciler := engine.NewReconciler(elector, eng, store, bus)
	eng.SetReconciler(reconciler)

	workerCfg := worker.DefaultConfig()
	workerPool := worker.New(workerCfg, store, bus, eng, router, logging.NewFromEnv("worker"))

	a := &Application{
		Store: store, Bus: bus, Registry: reg, Router: router,
		Engine: eng, Elector: elector, Reconciler: reconciler, Workers: workerPool,
		policies: policies, cfg: cfg, logger: logger, manager: system.NewManager(),
	}

	if err := a.manager.Register(system.Func{
		ServiceName: "reconciler",
		StartFunc:   func(ctx context.Context) error { return reconciler.Start(ctx, cfg.ReconcileSchedule) },
		StopFunc:    func(ctx context.Context) error { reconciler.Stop(); return nil },
	}); err != nil {
		return nil, err
	}

	if err := a.manager.Register(system.Func{
		ServiceName: "workers",
		StartFunc:   workerPool.Start,
		StopFunc:    func(ctx context.Context) error { workerPool.Stop(); return nil },
	}); err != nil {
		return nil, err
	}

	httpSvc := httpapi.NewService(cfg.HTTPAddr, eng, store, bus, router, 30*time.Second, logging.NewFromEnv("httpapi"))
	if err := a.Attach(httpSvc); err != nil {
		return nil, err
	}

	return a, nil
}

// Attach registers an additional lifecycle-managed service, such as the
// HTTP API. Call before Start.
func (a *Application) Attach(svc system.Service) error {
	return a.manager.Register(svc)
}

// Start begins every registered service in registration order.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops every registered service in reverse order and releases
// leadership if held.
func (a *Application) Stop(ctx context.Context) error {
	_ = a.Elector.StepDown(ctx)
	if err := a.manager.Stop(ctx); err != nil {
		return err
	}
	return a.Store.Close()
}

func openStore(ctx context.Context, cfg *config.Config) (state.Store, error) {
	dsn := strings.TrimSpace(cfg.DatabaseURL)
	if dsn == "" {
		return state.NewMemoryStore(), nil
	}
	store, err := state.Open(ctx, dsn)
	if err != nil {
		return nil, coreerrors.StoreUnavailable(err)
	}
	return store, nil
}

func openBus(ctx context.Context, cfg *config.Config) (eventbus.Bus, error) {
	if !cfg.RequireBus {
		return eventbus.NewMemoryBus(), nil
	}
	bus, err := eventbus.Dial(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		return nil, coreerrors.BusUnavailable(err)
	}
	return bus, nil
}

// policyFromConfig projects the static Config onto the reloadable
// domain/policy.Policy snapshot installed into the engine's cache at
// startup.
func policyFromConfig(cfg *config.Config) policy.Policy {
	return policy.Policy{
		MaxLeaseTTLSeconds:         cfg.MaxLeaseTTLSeconds,
		LeaseHeartbeatGraceSeconds: cfg.LeaseHeartbeatGraceSeconds,
		JobClaimIdleMS:             cfg.JobClaimIdleMS,
		JobMaxAttempts:             cfg.JobMaxAttempts,
		GlobalGPUPressureHighPct:   cfg.GlobalGPUPressureHighPct,
		GlobalGPUPressureLowPct:    cfg.GlobalGPUPressureLowPct,
		PerAgentRate:               cfg.PerAgentRate,
		PerAgentBurst:              cfg.PerAgentBurst,
		PoolHoldSecondsDefault:     cfg.PoolHoldSecondsDefault,
		PoolDrainGraceSeconds:      cfg.PoolDrainGraceSeconds,
		RequireBus:                 cfg.RequireBus,
		StrictModelStore:           cfg.StrictModelStore,
		GPUDeviceCount:             cfg.GPUDeviceCount,
		GPUDeviceMemoryMB:          cfg.GPUDeviceMemoryMB,
		CPUPoolSize:                cfg.CPUPoolSize,
	}
}
