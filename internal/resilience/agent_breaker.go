// Agent dispatch fault tolerance, backed by battle-tested OSS rather than
// a hand-rolled breaker: agent endpoints are
// externally owned processes reached over HTTP, the same shape of boundary
// the teacher's resilience.go wraps with sony/gobreaker and cenkalti/backoff.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
)

// AgentBreakerConfig configures the per-agent circuit breaker used by the
// Agent Registry & Router's dispatch path.
type AgentBreakerConfig struct {
	Name          string
	MaxFailures   uint32
	Timeout       time.Duration
	HalfOpenMax   uint32
	OnStateChange func(name string, from, to gobreaker.State)
}

// AgentBreaker wraps gobreaker.CircuitBreaker for a single addressed agent.
type AgentBreaker struct {
	gb *gobreaker.CircuitBreaker[[]byte]
}

// NewAgentBreaker creates a breaker for one agent's dispatch path.
func NewAgentBreaker(cfg AgentBreakerConfig) *AgentBreaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax == 0 {
		cfg.HalfOpenMax = 3
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenMax,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.OnStateChange(name, from, to)
		}
	}

	return &AgentBreaker{gb: gobreaker.NewCircuitBreaker[[]byte](settings)}
}

// Call executes fn (a single synchronous tool dispatch) through the
// breaker. fn should itself respect ctx's deadline.
func (b *AgentBreaker) Call(ctx context.Context, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	return b.gb.Execute(func() ([]byte, error) {
		return fn(ctx)
	})
}

// RetryDispatch retries fn with exponential backoff bounded by ctx's
// deadline, for the narrow set of dispatch failures considered transient
// (connection refused, timeout) — callers classify which errors qualify by
// returning backoff.Permanent(err) for anything else.
func RetryDispatch(ctx context.Context, fn func() error) error {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(fn, policy)
}
