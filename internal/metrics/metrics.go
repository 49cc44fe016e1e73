// Package metrics provides the orchestration core's Prometheus metrics
// collection, exposed over GET /metrics as Prometheus text exposition.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for one orchestrator process.
type Metrics struct {
	// HTTP metrics (submission/control API).
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics, labeled by ServiceError code.
	ErrorsTotal *prometheus.CounterVec

	// Lease metrics.
	LeasesGranted   *prometheus.CounterVec
	LeasesDenied    *prometheus.CounterVec
	LeasesExpired   prometheus.Counter
	ActiveLeases    *prometheus.GaugeVec
	DevicePressure  *prometheus.GaugeVec

	// Job metrics.
	JobsSubmitted    *prometheus.CounterVec
	JobsFinalized    *prometheus.CounterVec
	JobLatency       *prometheus.HistogramVec
	JobAttempts      *prometheus.HistogramVec

	// Worker pool metrics.
	PoolsByStatus *prometheus.GaugeVec
	PoolConverge  *prometheus.CounterVec

	// Reconciler/leader metrics.
	ReconcileTicks    prometheus.Counter
	ReconcileDuration prometheus.Histogram
	ReconcileErrors   prometheus.Counter
	IsLeader          prometheus.Gauge

	// Event bus metrics.
	BusPendingEntries *prometheus.GaugeVec
	BusReclaims       *prometheus.CounterVec
	BusDeadLettered   *prometheus.CounterVec

	// Service health.
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance registered against the default
// Prometheus registry.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance against a custom registry
// (a fresh prometheus.NewRegistry() avoids collisions with the default
// one); a nil registerer leaves the collectors unregistered.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gpu_orchestrator_http_requests_total",
				Help: "Total number of control-plane HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gpu_orchestrator_http_request_duration_seconds",
				Help:    "Control-plane HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gpu_orchestrator_http_requests_in_flight",
				Help: "Current number of in-flight control-plane HTTP requests",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gpu_orchestrator_errors_total",
				Help: "Total number of errors by code and operation",
			},
			[]string{"code", "operation"},
		),

		LeasesGranted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gpu_orchestrator_leases_granted_total",
				Help: "Total number of leases granted",
			},
			[]string{"mode"},
		),
		LeasesDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gpu_orchestrator_leases_denied_total",
				Help: "Total number of lease requests denied by admission control",
			},
			[]string{"reason"},
		),
		LeasesExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gpu_orchestrator_leases_expired_total",
				Help: "Total number of leases purged as expired by the reconciler",
			},
		),
		ActiveLeases: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gpu_orchestrator_active_leases",
				Help: "Current number of non-expired leases by device",
			},
			[]string{"device"},
		),
		DevicePressure: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gpu_orchestrator_device_pressure_pct",
				Help: "Last sampled utilization percentage per device",
			},
			[]string{"device"},
		),

		JobsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gpu_orchestrator_jobs_submitted_total",
				Help: "Total number of jobs submitted",
			},
			[]string{"type"},
		),
		JobsFinalized: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gpu_orchestrator_jobs_finalized_total",
				Help: "Total number of jobs reaching a terminal status",
			},
			[]string{"type", "status"},
		),
		JobLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gpu_orchestrator_job_latency_seconds",
				Help:    "Time from job submission to terminal status",
				Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"type"},
		),
		JobAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gpu_orchestrator_job_attempts",
				Help:    "Number of attempts a job took before reaching a terminal status",
				Buckets: []float64{1, 2, 3, 4, 5, 8},
			},
			[]string{"type"},
		),

		PoolsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gpu_orchestrator_pools",
				Help: "Current number of worker pools by status",
			},
			[]string{"status"},
		),
		PoolConverge: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gpu_orchestrator_pool_converge_total",
				Help: "Total number of reconciler pool-convergence actions",
			},
			[]string{"pool_id", "action"},
		),

		ReconcileTicks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gpu_orchestrator_reconcile_ticks_total",
				Help: "Total number of reconciler ticks executed while leader",
			},
		),
		ReconcileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gpu_orchestrator_reconcile_duration_seconds",
				Help:    "Duration of one reconciler tick",
				Buckets: []float64{.01, .05, .1, .5, 1, 2, 5},
			},
		),
		ReconcileErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gpu_orchestrator_reconcile_errors_total",
				Help: "Total number of reconciler ticks that reported an aggregated error",
			},
		),
		IsLeader: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gpu_orchestrator_is_leader",
				Help: "1 if this process currently holds the leader advisory lock",
			},
		),

		BusPendingEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gpu_orchestrator_bus_pending_entries",
				Help: "Current number of pending (unacknowledged) entries by stream",
			},
			[]string{"stream"},
		),
		BusReclaims: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gpu_orchestrator_bus_reclaims_total",
				Help: "Total number of idle pending entries reclaimed",
			},
			[]string{"stream"},
		),
		BusDeadLettered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gpu_orchestrator_bus_dead_lettered_total",
				Help: "Total number of entries moved to the dead-letter stream",
			},
			[]string{"stream"},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gpu_orchestrator_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gpu_orchestrator_info",
				Help: "Static service information",
			},
			[]string{"service", "version"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal, m.RequestDuration, m.RequestsInFlight,
			m.ErrorsTotal,
			m.LeasesGranted, m.LeasesDenied, m.LeasesExpired, m.ActiveLeases, m.DevicePressure,
			m.JobsSubmitted, m.JobsFinalized, m.JobLatency, m.JobAttempts,
			m.PoolsByStatus, m.PoolConverge,
			m.ReconcileTicks, m.ReconcileDuration, m.ReconcileErrors, m.IsLeader,
			m.BusPendingEntries, m.BusReclaims, m.BusDeadLettered,
			m.ServiceUptime, m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0").Set(1)
	return m
}

// RecordHTTPRequest records a control-plane HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordError records an error by code and the operation that produced it.
func (m *Metrics) RecordError(code, operation string) {
	m.ErrorsTotal.WithLabelValues(code, operation).Inc()
}

// UpdateUptime updates the service uptime gauge.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight / DecrementInFlight track concurrent HTTP requests.
func (m *Metrics) IncrementInFlight() { m.RequestsInFlight.Inc() }
func (m *Metrics) DecrementInFlight() { m.RequestsInFlight.Dec() }

// Enabled returns whether Prometheus metrics should be exposed, following
// METRICS_ENABLED (defaults to enabled).
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return true
	}
	switch raw {
	case "0", "false", "no", "off":
		return false
	default:
		return true
	}
}

var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance, initializing a default one
// if Init was never called.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalMetrics == nil {
		globalMetrics = New("gpu-orchestrator")
	}
	return globalMetrics
}
