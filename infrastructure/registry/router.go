package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/newsmesh/gpu-orchestrator/domain/registry"
	coreerrors "github.com/newsmesh/gpu-orchestrator/internal/errors"
	"github.com/newsmesh/gpu-orchestrator/internal/ratelimit"
	"github.com/newsmesh/gpu-orchestrator/internal/resilience"
)

// Router is the ARR's dispatch half: it forwards synchronous tool calls
// to a registered agent's HTTP address, one circuit breaker per agent so
// a failing agent cannot starve calls to healthy ones, with outbound
// requests to every agent sharing one process-wide rate limit so a
// storm of retries can't itself become the thing that overloads agents.
type Router struct {
	registry *Registry
	client   *ratelimit.RateLimitedClient

	mu       sync.Mutex
	breakers map[string]*resilience.AgentBreaker
}

// NewRouter builds a dispatcher over reg.
func NewRouter(reg *Registry) *Router {
	return &Router{
		registry: reg,
		client:   ratelimit.NewRateLimitedClient(&http.Client{}, ratelimit.DefaultConfig()),
		breakers: make(map[string]*resilience.AgentBreaker),
	}
}

func (r *Router) breakerFor(agentName string) *resilience.AgentBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[agentName]
	if !ok {
		b = resilience.NewAgentBreaker(resilience.AgentBreakerConfig{Name: agentName})
		r.breakers[agentName] = b
	}
	return b
}

// Call routes exact-name to a registered agent and forwards the tool
// call over HTTP, bounded by timeout and guarded by a per-agent circuit
// breaker plus bounded retry of transient dispatch failures.
func (r *Router) Call(ctx context.Context, agentName, toolName string, args, kwargs map[string]registry.Value, timeout time.Duration) (*registry.CallResult, error) {
	info, ok := r.registry.Lookup(agentName)
	if !ok {
		return nil, coreerrors.NoAgent(agentName)
	}
	if !info.HasTool(toolName) {
		return nil, coreerrors.NoTool(agentName, toolName)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(registry.CallRequest{Tool: toolName, Args: args, Kwargs: kwargs})
	if err != nil {
		return nil, coreerrors.Transport(agentName, err)
	}

	breaker := r.breakerFor(agentName)
	raw, err := breaker.Call(callCtx, func(ctx context.Context) ([]byte, error) {
		return r.doPost(ctx, info.Address, toolName, body)
	})
	if err != nil {
		if callCtx.Err() != nil {
			return nil, coreerrors.DispatchTimeout(agentName, toolName)
		}
		return nil, coreerrors.Transport(agentName, err)
	}

	var result registry.CallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, coreerrors.Transport(agentName, err)
	}
	return &result, nil
}

func (r *Router) doPost(ctx context.Context, address, toolName string, body []byte) ([]byte, error) {
	url := fmt.Sprintf("%s/tools/%s", address, toolName)

	var respBody []byte
	err := resilience.RetryDispatch(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		buf := new(bytes.Buffer)
		if _, err := buf.ReadFrom(resp.Body); err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("agent responded %d: %s", resp.StatusCode, buf.String())
		}
		respBody = buf.Bytes()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return respBody, nil
}
