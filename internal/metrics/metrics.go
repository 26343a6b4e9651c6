// Package metrics exposes pipeline execution metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "artgen"

// Metrics holds the collectors the engine updates. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	Runs             *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	StepExecutions   *prometheus.CounterVec
	StepDuration     *prometheus.HistogramVec
	AssetExecutions  *prometheus.CounterVec
	CacheLookups     *prometheus.CounterVec
	Retries          *prometheus.CounterVec
	ApprovalWait     *prometheus.HistogramVec
	RateLimitWait    *prometheus.HistogramVec
	CircuitOpen      *prometheus.CounterVec
	ActiveWorkers    prometheus.Gauge
	PendingApprovals prometheus.Gauge
	CostUSD          *prometheus.CounterVec
}

// New registers the collectors on reg. Passing nil uses a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by final status.",
		}, []string{"pipeline", "status"}),

		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of pipeline runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"pipeline"}),

		StepExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_executions_total",
			Help:      "Step outcomes by kind and status.",
		}, []string{"kind", "status"}),

		StepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_invocation_duration_seconds",
			Help:      "Duration of single executor invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"kind"}),

		AssetExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asset_executions_total",
			Help:      "Per-asset outcomes by step and status.",
		}, []string{"step", "status"}),

		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Checkpoint cache lookups by result.",
		}, []string{"result"}),

		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Executor retries by kind and error code.",
		}, []string{"kind", "code"}),

		ApprovalWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "approval_wait_seconds",
			Help:      "Time spent waiting for human decisions.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"type"}),

		RateLimitWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limit_wait_seconds",
			Help:      "Time spent waiting for provider tokens.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"provider"}),

		CircuitOpen: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_open_total",
			Help:      "Calls rejected by an open provider circuit.",
		}, []string{"provider"}),

		ActiveWorkers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Steps and assets currently executing.",
		}),

		PendingApprovals: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_approvals",
			Help:      "Approval requests awaiting a response.",
		}),

		CostUSD: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Provider cost reported by executors.",
		}, []string{"pipeline"}),
	}
}

// Handler serves the metrics registered on g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) RunFinished(pipeline, status string, d time.Duration, cost float64) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(pipeline, status).Inc()
	m.RunDuration.WithLabelValues(pipeline).Observe(d.Seconds())
	if cost > 0 {
		m.CostUSD.WithLabelValues(pipeline).Add(cost)
	}
}

func (m *Metrics) StepFinished(kind, status string) {
	if m == nil {
		return
	}
	m.StepExecutions.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) Invocation(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) AssetFinished(step, status string) {
	if m == nil {
		return
	}
	m.AssetExecutions.WithLabelValues(step, status).Inc()
}

// CacheLookup counts a hit or a miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) Retry(kind, code string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(kind, code).Inc()
}

func (m *Metrics) ApprovalWaited(requestType string, d time.Duration) {
	if m == nil {
		return
	}
	m.ApprovalWait.WithLabelValues(requestType).Observe(d.Seconds())
}

func (m *Metrics) RateLimited(provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.RateLimitWait.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) CircuitRejected(provider string) {
	if m == nil {
		return
	}
	m.CircuitOpen.WithLabelValues(provider).Inc()
}

// WorkerStarted increments the active gauge; call the returned func when done.
func (m *Metrics) WorkerStarted() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveWorkers.Inc()
	return m.ActiveWorkers.Dec
}

// ApprovalPending tracks one outstanding request; call the returned func
// when it resolves.
func (m *Metrics) ApprovalPending() func() {
	if m == nil {
		return func() {}
	}
	m.PendingApprovals.Inc()
	return m.PendingApprovals.Dec
}
