// Package ratelimit provides the token-bucket primitives used by the
// Orchestrator Engine's admission control, keyed per agent.
package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	Window            time.Duration
}

func DefaultConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		Burst:             200,
		Window:            time.Second,
	}
}

type RateLimiter struct {
	limiter   *rate.Limiter
	perMinute *rate.Limiter
	mu        sync.RWMutex
	config    RateLimitConfig
}

func New(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}

	return &RateLimiter{
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		perMinute: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond*60), cfg.Burst*2),
		config:    cfg,
	}
}

func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

func (r *RateLimiter) AllowN(now time.Time, n int) bool {
	return r.limiter.AllowN(now, n)
}

func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

func (r *RateLimiter) LimitExceeded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.limiter.Allow()
}

func (r *RateLimiter) PerMinuteLimitExceeded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.perMinute.Allow()
}

func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter = rate.NewLimiter(rate.Limit(r.config.RequestsPerSecond), r.config.Burst)
	r.perMinute = rate.NewLimiter(rate.Limit(r.config.RequestsPerSecond*60), r.config.Burst*2)
}

type RateLimitedClient struct {
	client  *http.Client
	limiter *RateLimiter
}

func NewRateLimitedClient(client *http.Client, cfg RateLimitConfig) *RateLimitedClient {
	return &RateLimitedClient{
		client:  client,
		limiter: New(cfg),
	}
}

func (c *RateLimitedClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return c.client.Do(req)
}

func (c *RateLimitedClient) Allow() bool {
	return c.limiter.Allow()
}

func (c *RateLimitedClient) LimitExceeded() bool {
	return c.limiter.LimitExceeded()
}

// AgentLimiters keeps one RateLimiter per agent name, created lazily from
// the policy's per_agent_rate / per_agent_burst on first use.
type AgentLimiters struct {
	mu       sync.Mutex
	byAgent  map[string]*RateLimiter
	rate     float64
	burst    int
}

// NewAgentLimiters creates a registry of per-agent token buckets sharing
// the same steady rate and burst capacity.
func NewAgentLimiters(ratePerSecond float64, burst int) *AgentLimiters {
	return &AgentLimiters{
		byAgent: make(map[string]*RateLimiter),
		rate:    ratePerSecond,
		burst:   burst,
	}
}

// Allow reports whether agent may proceed under its token bucket,
// consuming a token if so.
func (a *AgentLimiters) Allow(agent string) bool {
	a.mu.Lock()
	limiter, ok := a.byAgent[agent]
	if !ok {
		limiter = New(RateLimitConfig{RequestsPerSecond: a.rate, Burst: a.burst})
		a.byAgent[agent] = limiter
	}
	a.mu.Unlock()
	return limiter.Allow()
}

// Reconfigure replaces the shared rate/burst for future (and existing)
// agents, used when policy is reloaded.
func (a *AgentLimiters) Reconfigure(ratePerSecond float64, burst int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rate = ratePerSecond
	a.burst = burst
	a.byAgent = make(map[string]*RateLimiter)
}
