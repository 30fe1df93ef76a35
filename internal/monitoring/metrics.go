package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the coordinator's prometheus instruments. They are
// registered on a private registry so tests and embedders never collide
// with the global one.
type Metrics struct {
	registry *prometheus.Registry

	workersStarted    prometheus.Counter
	workersCompleted  prometheus.Counter
	workerErrors      prometheus.Counter
	sessionsCompleted prometheus.Counter
	alertsRaised      *prometheus.CounterVec

	activeRunners  prometheus.Gauge
	activeSessions prometheus.Gauge
	cpuPercent     prometheus.Gauge
	memoryPercent  prometheus.Gauge

	sessionDuration prometheus.Histogram
}

func newMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		workersStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shiken_workers_started_total",
			Help: "Total number of worker executions started",
		}),
		workersCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shiken_workers_completed_total",
			Help: "Total number of worker executions completed",
		}),
		workerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shiken_worker_errors_total",
			Help: "Total number of worker errors reported",
		}),
		sessionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shiken_sessions_completed_total",
			Help: "Total number of completed sessions",
		}),
		alertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shiken_alerts_total",
			Help: "Total number of alerts raised",
		}, []string{"level"}),
		activeRunners: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shiken_active_runners",
			Help: "Number of registered runners",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shiken_active_sessions",
			Help: "Number of active sessions",
		}),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shiken_cpu_percent",
			Help: "Latest system CPU utilization",
		}),
		memoryPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shiken_memory_percent",
			Help: "Latest system memory utilization",
		}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shiken_session_duration_seconds",
			Help:    "Completed session durations",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
		}),
	}

	m.registry.MustRegister(
		m.workersStarted,
		m.workersCompleted,
		m.workerErrors,
		m.sessionsCompleted,
		m.alertsRaised,
		m.activeRunners,
		m.activeSessions,
		m.cpuPercent,
		m.memoryPercent,
		m.sessionDuration,
	)

	return m
}

// Registry exposes the private registry for scraping or inspection
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
