// Package config loads the orchestrator's Policy Configuration and
// connection settings from the environment, following an env-file-per-
// environment convention.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment identifies the deployment environment, selecting which
// config/<env>.env file is loaded before process environment variables
// take over.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// ExitCode enumerates the process exit codes the bootstrap sequence may
// return, matching BSD sysexits.h conventions the way the rest of the
// orchestrator's error taxonomy maps onto HTTP status codes.
type ExitCode int

const (
	ExitOK               ExitCode = 0
	ExitConfigError      ExitCode = 64
	ExitBusUnreachable   ExitCode = 69
	ExitStoreUnreachable ExitCode = 70
	ExitTransientStartup ExitCode = 75
)

// Config holds every tunable of the Orchestrator Engine's Policy
// Configuration plus the connection settings needed to reach the State
// Store and Event Bus.
type Config struct {
	Env Environment

	// Connections.
	HTTPAddr    string
	DatabaseURL string
	RedisAddr   string
	RedisDB     int

	// Policy Configuration (admission control, leases, pools).
	MaxLeaseTTLSeconds         int
	LeaseHeartbeatGraceSeconds int
	JobClaimIdleMS             int
	JobMaxAttempts             int
	GlobalGPUPressureHighPct   float64
	GlobalGPUPressureLowPct    float64
	PerAgentRate               float64
	PerAgentBurst              int
	PoolHoldSecondsDefault     int
	PoolDrainGraceSeconds      int
	RequireBus                 bool
	StrictModelStore           bool

	// Static GPU device inventory: GPUDeviceCount devices, each with
	// GPUDeviceMemoryMB of free memory, indexed 0..GPUDeviceCount-1.
	// CPUPoolSize bounds the separate CPU-mode fallback pool; 0 means
	// unbounded.
	GPUDeviceCount    int
	GPUDeviceMemoryMB int
	CPUPoolSize       int

	// Reconciler cadence, expressed as a robfig/cron schedule spec.
	ReconcileSchedule string

	// Logging.
	LogLevel  string
	LogFormat string

	// Observability toggles.
	MetricsEnabled bool
	MetricsPort    int
}

// Load loads configuration based on the ORCHESTRATOR_ENV environment
// variable, first sourcing an optional config/<env>.env file and then
// process environment variables (which always take precedence).
func Load() (*Config, error) {
	envStr := os.Getenv("ORCHESTRATOR_ENV")
	if envStr == "" {
		envStr = string(Development)
	}
	env, ok := parseEnvironment(envStr)
	if !ok {
		return nil, fmt.Errorf("invalid ORCHESTRATOR_ENV: %s (must be development, testing, or production)", envStr)
	}

	configFile := filepath.Join("config", fmt.Sprintf("%s.env", env))
	if err := godotenv.Load(configFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "warning: could not load %s: %v\n", configFile, err)
		}
	}

	cfg := &Config{Env: env}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	c.HTTPAddr = getEnv("HTTP_ADDR", ":8080")
	c.DatabaseURL = getEnv("DATABASE_URL", "postgres://localhost:5432/gpu_orchestrator?sslmode=disable")
	c.RedisAddr = getEnv("REDIS_ADDR", "localhost:6379")
	c.RedisDB = getIntEnv("REDIS_DB", 0)

	var err error
	c.MaxLeaseTTLSeconds, err = getRequiredIntEnv("MAX_LEASE_TTL_SECONDS", 900)
	if err != nil {
		return err
	}
	c.LeaseHeartbeatGraceSeconds, err = getRequiredIntEnv("LEASE_HEARTBEAT_GRACE_SECONDS", 30)
	if err != nil {
		return err
	}
	c.JobClaimIdleMS, err = getRequiredIntEnv("JOB_CLAIM_IDLE_MS", 60000)
	if err != nil {
		return err
	}
	c.JobMaxAttempts, err = getRequiredIntEnv("JOB_MAX_ATTEMPTS", 3)
	if err != nil {
		return err
	}
	c.GlobalGPUPressureHighPct, err = getRequiredFloatEnv("GLOBAL_GPU_PRESSURE_HIGH_PCT", 90)
	if err != nil {
		return err
	}
	c.GlobalGPUPressureLowPct, err = getRequiredFloatEnv("GLOBAL_GPU_PRESSURE_LOW_PCT", 75)
	if err != nil {
		return err
	}
	c.PerAgentRate, err = getRequiredFloatEnv("PER_AGENT_RATE", 5)
	if err != nil {
		return err
	}
	c.PerAgentBurst, err = getRequiredIntEnv("PER_AGENT_BURST", 10)
	if err != nil {
		return err
	}
	c.PoolHoldSecondsDefault, err = getRequiredIntEnv("POOL_HOLD_SECONDS_DEFAULT", 300)
	if err != nil {
		return err
	}
	c.PoolDrainGraceSeconds, err = getRequiredIntEnv("POOL_DRAIN_GRACE_SECONDS", 60)
	if err != nil {
		return err
	}
	c.RequireBus = getBoolEnv("REQUIRE_BUS", true)
	c.StrictModelStore = getBoolEnv("STRICT_MODEL_STORE", false)

	c.GPUDeviceCount = getIntEnv("GPU_DEVICE_COUNT", 1)
	c.GPUDeviceMemoryMB = getIntEnv("GPU_DEVICE_MEMORY_MB", 16000)
	c.CPUPoolSize = getIntEnv("CPU_POOL_SIZE", 8)

	c.ReconcileSchedule = getEnv("RECONCILE_SCHEDULE", "@every 5s")

	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogFormat = getEnv("LOG_FORMAT", "json")

	c.MetricsEnabled = getBoolEnv("METRICS_ENABLED", true)
	c.MetricsPort = getIntEnv("METRICS_PORT", 9090)

	return nil
}

// Validate enforces the Policy Configuration's internal consistency
// invariants (e.g. hysteresis band ordering) ahead of engine startup.
func (c *Config) Validate() error {
	if c.GlobalGPUPressureLowPct >= c.GlobalGPUPressureHighPct {
		return fmt.Errorf("GLOBAL_GPU_PRESSURE_LOW_PCT (%.1f) must be lower than GLOBAL_GPU_PRESSURE_HIGH_PCT (%.1f)",
			c.GlobalGPUPressureLowPct, c.GlobalGPUPressureHighPct)
	}
	if c.MaxLeaseTTLSeconds <= 0 {
		return errors.New("MAX_LEASE_TTL_SECONDS must be positive")
	}
	if c.JobMaxAttempts <= 0 {
		return errors.New("JOB_MAX_ATTEMPTS must be positive")
	}
	if c.PerAgentRate <= 0 || c.PerAgentBurst <= 0 {
		return errors.New("PER_AGENT_RATE and PER_AGENT_BURST must be positive")
	}
	if c.GPUDeviceCount <= 0 {
		return errors.New("GPU_DEVICE_COUNT must be positive")
	}
	if c.CPUPoolSize < 0 {
		return errors.New("CPU_POOL_SIZE must not be negative")
	}
	return nil
}

func (c *Config) IsDevelopment() bool { return c.Env == Development }
func (c *Config) IsTesting() bool     { return c.Env == Testing }
func (c *Config) IsProduction() bool  { return c.Env == Production }

func parseEnvironment(s string) (Environment, bool) {
	switch Environment(strings.ToLower(strings.TrimSpace(s))) {
	case Development:
		return Development, true
	case Testing:
		return Testing, true
	case Production:
		return Production, true
	default:
		return "", false
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getRequiredIntEnv(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getRequiredFloatEnv(key string, defaultValue float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getBoolEnv(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}
