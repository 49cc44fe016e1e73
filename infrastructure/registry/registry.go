// Package registry is the in-memory Agent Registry half of the ARR: a
// name-keyed directory of agent addresses and declared tool sets behind a
// sync.RWMutex. Writers update the map in place under the write lock and
// readers hold the read lock, so a write waits for in-flight reads;
// ListAgents returns a copied slice that later writes do not change. The
// map itself is not copy-on-write.
package registry

import (
	"sync"
	"time"

	"github.com/newsmesh/gpu-orchestrator/domain/registry"
)

// Registry is the ARR's agent directory.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]registry.AgentInfo
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{agents: make(map[string]registry.AgentInfo)}
}

// Register overwrites any existing entry for agentName; idempotent.
func (r *Registry) Register(agentName, address string, tools map[string]registry.ToolSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.agents[agentName] = registry.AgentInfo{
		Name:          agentName,
		Address:       address,
		Tools:         tools,
		LastHeartbeat: time.Now(),
	}
}

// Deregister removes an agent; a no-op if it was never registered.
func (r *Registry) Deregister(agentName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.agents, agentName)
}

// Lookup returns a copy of the named agent's info.
func (r *Registry) Lookup(agentName string) (registry.AgentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.agents[agentName]
	return info, ok
}

// ListAgents takes an immutable snapshot of the registered agents.
func (r *Registry) ListAgents() []registry.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]registry.AgentInfo, 0, len(r.agents))
	for _, info := range r.agents {
		out = append(out, info)
	}
	return out
}
