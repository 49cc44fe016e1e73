// Package system provides the lifecycle scaffolding the composition root
// uses to start and stop the orchestrator core's long-running components
// (the reconciler, the worker pool, the HTTP API) in a deterministic order.
package system

import "context"

// Service is a lifecycle-managed component: the reconciler, the worker
// pool, and the HTTP listener are registered as Services so Manager can
// sequence them.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Func adapts a pair of plain functions into a Service, for components
// (like the worker pool) whose Start/Stop don't naturally share a name.
type Func struct {
	ServiceName string
	StartFunc   func(ctx context.Context) error
	StopFunc    func(ctx context.Context) error
}

func (f Func) Name() string { return f.ServiceName }

func (f Func) Start(ctx context.Context) error {
	if f.StartFunc == nil {
		return nil
	}
	return f.StartFunc(ctx)
}

func (f Func) Stop(ctx context.Context) error {
	if f.StopFunc == nil {
		return nil
	}
	return f.StopFunc(ctx)
}
