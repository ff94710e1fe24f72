// Package metrics collects request, execution, connection and queue
// statistics into a Prometheus registry and a rolling summary with alert
// thresholds. A nil or disabled *Metrics accepts every call and records
// nothing.
package metrics

import (
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/msageha/aispire/internal/model"
	"github.com/msageha/aispire/internal/queue"
)

const namespace = "aispire"

// ring keeps the newest values up to its capacity.
type ring[T any] struct {
	items []T
	cap   int
}

func (r *ring[T]) push(v T) {
	if r.cap <= 0 {
		return
	}
	if len(r.items) == r.cap {
		copy(r.items, r.items[1:])
		r.items = r.items[:len(r.items)-1]
	}
	r.items = append(r.items, v)
}

type Option func(*Metrics)

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Metrics) { m.logger = logger.With().Str("component", "metrics").Logger() }
}

func WithClock(now func() time.Time) Option {
	return func(m *Metrics) { m.now = now }
}

// Metrics is the process-wide sink. Construct one at startup and hand it to
// every component that records into it.
type Metrics struct {
	cfg    model.MetricsConfig
	logger zerolog.Logger
	now    func() time.Time

	registry       *prometheus.Registry
	requests       *prometheus.CounterVec
	errors         *prometheus.CounterVec
	requestLatency prometheus.Histogram
	executionTime  prometheus.Histogram
	connections    *prometheus.CounterVec
	commands       *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec
	queueHistory   prometheus.Gauge
	inFlight       prometheus.Gauge
	activeSessions prometheus.Gauge

	mu           sync.Mutex
	latencies    ring[float64]
	execTimes    ring[float64]
	connFailures ring[time.Time]
	totals       totals
	period       period
}

type totals struct {
	requests           int
	errors             int
	connectionAttempts int
	connectionFailures int
}

type period struct {
	start              time.Time
	requests           int
	errors             int
	connectionAttempts int
	connectionFailures int
}

// Summary is a point-in-time view of the rolling statistics.
type Summary struct {
	Timestamp               time.Time     `json:"timestamp" yaml:"timestamp"`
	TotalRequests           int           `json:"total_requests" yaml:"total_requests"`
	TotalErrors             int           `json:"total_errors" yaml:"total_errors"`
	TotalConnectionAttempts int           `json:"total_connection_attempts" yaml:"total_connection_attempts"`
	TotalConnectionFailures int           `json:"total_connection_failures" yaml:"total_connection_failures"`
	AvgRequestLatencyMs     float64       `json:"avg_request_latency_ms" yaml:"avg_request_latency_ms"`
	AvgExecutionTimeMs      float64       `json:"avg_execution_time_ms" yaml:"avg_execution_time_ms"`
	ErrorRate               float64       `json:"error_rate" yaml:"error_rate"`
	CurrentPeriod           PeriodSummary `json:"current_period" yaml:"current_period"`
}

type PeriodSummary struct {
	StartTime              time.Time `json:"start_time" yaml:"start_time"`
	DurationSeconds        float64   `json:"duration_seconds" yaml:"duration_seconds"`
	RequestCount           int       `json:"request_count" yaml:"request_count"`
	ErrorCount             int       `json:"error_count" yaml:"error_count"`
	ConnectionAttemptCount int       `json:"connection_attempt_count" yaml:"connection_attempt_count"`
	ConnectionFailureCount int       `json:"connection_failure_count" yaml:"connection_failure_count"`
}

// New builds the sink. It returns nil when cfg disables metrics.
func New(cfg model.MetricsConfig, opts ...Option) *Metrics {
	if !cfg.Enabled {
		return nil
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}
	m := &Metrics{
		cfg:          cfg,
		logger:       zerolog.Nop(),
		now:          time.Now,
		registry:     prometheus.NewRegistry(),
		latencies:    ring[float64]{cap: cfg.HistorySize},
		execTimes:    ring[float64]{cap: cfg.HistorySize},
		connFailures: ring[time.Time]{cap: cfg.HistorySize},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.period.start = m.now()

	m.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "requests_total", Help: "Protocol envelopes processed by type.",
	}, []string{"type"})
	m.errors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "errors_total", Help: "Errors by category.",
	}, []string{"category"})
	m.requestLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "request_latency_seconds", Help: "Envelope processing latency.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})
	m.executionTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "execution_time_seconds", Help: "Downstream command execution time.",
		Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
	})
	m.connections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "connection_attempts_total", Help: "Downstream connection attempts by outcome.",
	}, []string{"outcome"})
	m.commands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "commands_total", Help: "Command lifecycle transitions by resulting status.",
	}, []string{"status"})
	m.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "queue_pending", Help: "Pending commands by priority.",
	}, []string{"priority"})
	m.queueHistory = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "queue_history", Help: "Commands held in the status history.",
	})
	m.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "commands_in_flight", Help: "Commands currently executing.",
	})
	m.activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "active_sessions", Help: "Open protocol sessions.",
	})

	m.registry.MustRegister(
		m.requests, m.errors, m.requestLatency, m.executionTime, m.connections,
		m.commands, m.queueDepth, m.queueHistory, m.inFlight, m.activeSessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the Prometheus registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Enabled() bool { return m != nil }

// RecordRequest records one processed envelope. A non-empty code counts as
// an error of that category.
func (m *Metrics) RecordRequest(msgType string, latency time.Duration, code string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(msgType).Inc()
	m.RecordRequestLatency(latency)
	if code != "" {
		m.RecordError(code)
	}
}

func (m *Metrics) RecordRequestLatency(d time.Duration) {
	if m == nil {
		return
	}
	ms := millis(d)
	m.requestLatency.Observe(d.Seconds())

	m.mu.Lock()
	m.latencies.push(ms)
	m.totals.requests++
	m.period.requests++
	m.mu.Unlock()

	if limit := m.cfg.AlertThresholds.RequestLatencyMs; limit > 0 && ms > limit {
		m.logger.Warn().Float64("latency_ms", ms).Float64("threshold_ms", limit).Msg("high request latency detected")
	}
}

func (m *Metrics) RecordExecutionTime(d time.Duration) {
	if m == nil {
		return
	}
	ms := millis(d)
	m.executionTime.Observe(d.Seconds())

	m.mu.Lock()
	m.execTimes.push(ms)
	m.mu.Unlock()

	if limit := m.cfg.AlertThresholds.ExecutionTimeMs; limit > 0 && ms > limit {
		m.logger.Warn().Float64("execution_ms", ms).Float64("threshold_ms", limit).Msg("long execution time detected")
	}
}

func (m *Metrics) RecordError(category string) {
	if m == nil {
		return
	}
	if category == "" {
		category = string(model.CategoryUnknown)
	}
	m.errors.WithLabelValues(category).Inc()

	m.mu.Lock()
	m.totals.errors++
	m.period.errors++
	rate := m.errorRateLocked()
	m.mu.Unlock()

	if limit := m.cfg.AlertThresholds.ErrorRate; limit > 0 && rate > limit {
		m.logger.Warn().Float64("error_rate", rate).Float64("threshold", limit).Msg("high error rate detected")
	}
}

// RecordConnection records a downstream connection attempt.
func (m *Metrics) RecordConnection(success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.connections.WithLabelValues(outcome).Inc()

	now := m.now()
	m.mu.Lock()
	m.totals.connectionAttempts++
	m.period.connectionAttempts++
	recent := 0
	if !success {
		m.totals.connectionFailures++
		m.period.connectionFailures++
		m.connFailures.push(now)
		window := m.reportingInterval()
		for _, t := range m.connFailures.items {
			if now.Sub(t) <= window {
				recent++
			}
		}
	}
	m.mu.Unlock()

	if limit := m.cfg.AlertThresholds.ConnectionFailures; !success && limit > 0 && recent >= limit {
		m.logger.Warn().Int("failures", recent).Dur("window", m.reportingInterval()).Msg("high connection failure rate")
	}
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// ObserveQueue refreshes the queue gauges from a snapshot.
func (m *Metrics) ObserveQueue(s queue.Snapshot) {
	if m == nil {
		return
	}
	for p, n := range s.Pending {
		m.queueDepth.WithLabelValues(p).Set(float64(n))
	}
	m.queueHistory.Set(float64(s.History))
	m.inFlight.Set(float64(s.ByStatus[string(model.StatusInProgress)]))
}

// RecordCommand counts a command status transition and records failed
// commands as errors of their category. The queue calls it synchronously on
// every transition.
func (m *Metrics) RecordCommand(status model.Status, category model.Category) {
	if m == nil || status == "" {
		return
	}
	m.commands.WithLabelValues(string(status)).Inc()
	if status == model.StatusFailed {
		m.RecordError(string(category))
	}
}

// Summary returns totals, averages over the bounded history and the
// current period.
func (m *Metrics) Summary() Summary {
	if m == nil {
		return Summary{}
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	return Summary{
		Timestamp:               now,
		TotalRequests:           m.totals.requests,
		TotalErrors:             m.totals.errors,
		TotalConnectionAttempts: m.totals.connectionAttempts,
		TotalConnectionFailures: m.totals.connectionFailures,
		AvgRequestLatencyMs:     round2(mean(m.latencies.items)),
		AvgExecutionTimeMs:      round2(mean(m.execTimes.items)),
		ErrorRate:               m.errorRateLocked(),
		CurrentPeriod: PeriodSummary{
			StartTime:              m.period.start,
			DurationSeconds:        now.Sub(m.period.start).Seconds(),
			RequestCount:           m.period.requests,
			ErrorCount:             m.period.errors,
			ConnectionAttemptCount: m.period.connectionAttempts,
			ConnectionFailureCount: m.period.connectionFailures,
		},
	}
}

// ResetPeriod starts a new reporting period. Totals are kept.
func (m *Metrics) ResetPeriod() {
	if m == nil {
		return
	}
	now := m.now()
	m.mu.Lock()
	m.period = period{start: now}
	m.mu.Unlock()
}

func (m *Metrics) reportingInterval() time.Duration {
	if m.cfg.ReportingIntervalSec <= 0 {
		return time.Minute
	}
	return time.Duration(m.cfg.ReportingIntervalSec) * time.Second
}

// errorRateLocked is errors per request; errors seen before any request
// give a rate of 1.
func (m *Metrics) errorRateLocked() float64 {
	if m.totals.requests == 0 {
		if m.totals.errors > 0 {
			return 1
		}
		return 0
	}
	return float64(m.totals.errors) / float64(m.totals.requests)
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
