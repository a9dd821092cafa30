// monitoring.go: Metrics and store health monitoring for the rate limiting system
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const metricsNamespace = "dreamjournal"

var (
	// Gate decisions per limiter class
	gateDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limit gate decisions by limiter class and outcome",
		},
		[]string{"class", "decision", "reason"},
	)

	suppressedErrorLogs = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ratelimit",
			Name:      "suppressed_error_logs_total",
			Help:      "Store error log lines dropped by log sampling",
		},
	)

	adminClears = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ratelimit",
			Name:      "admin_clears_total",
			Help:      "Administrative counter clears by result",
		},
		[]string{"result"},
	)

	// Redis backend metrics
	storeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "ratelimit_store",
			Name:      "operation_duration_seconds",
			Help:      "Time spent on counter store operations",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"operation"},
	)

	storeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ratelimit_store",
			Name:      "errors_total",
			Help:      "Counter store operation failures",
		},
		[]string{"operation"},
	)

	storeHealthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ratelimit_store",
			Name:      "healthy",
			Help:      "1 when the last counter store health check succeeded",
		},
	)
)

func observeStore(op string, start time.Time) {
	storeLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func recordDecision(class OperationClass, d Decision, reason Reason) {
	gateDecisions.WithLabelValues(class.String(), string(d), string(reason)).Inc()
}

// HealthMonitor polls the counter store and logs health transitions.
type HealthMonitor struct {
	store    CounterStore
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	checked bool
	healthy bool
}

// NewHealthMonitor creates a monitor; an interval of zero disables Run.
func NewHealthMonitor(store CounterStore, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthMonitor{
		store:    store,
		interval: interval,
		logger:   logger.Named("ratelimit.health"),
	}
}

// Check runs one health check, updates the gauge and logs on transitions.
func (m *HealthMonitor) Check(ctx context.Context) bool {
	ok := m.store.HealthCheck(ctx)
	if ok {
		storeHealthy.Set(1)
	} else {
		storeHealthy.Set(0)
	}

	m.mu.Lock()
	changed := !m.checked || m.healthy != ok
	m.checked, m.healthy = true, ok
	m.mu.Unlock()

	if changed {
		if ok {
			m.logger.Info("rate limit store healthy")
		} else {
			m.logger.Warn("rate limit store unhealthy, requests will be handled in degraded mode")
		}
	}
	return ok
}

// Healthy returns the result of the most recent check.
func (m *HealthMonitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// Run checks the store every interval until ctx is done.
func (m *HealthMonitor) Run(ctx context.Context) {
	if m.interval <= 0 {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
