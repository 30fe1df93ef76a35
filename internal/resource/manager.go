// Package resource composes per-worker health monitoring, classified
// error recovery and adaptive scaling behind one registration surface.
package resource

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Shiken/internal/alert"
	"github.com/shizukutanaka/Shiken/internal/config"
	"github.com/shizukutanaka/Shiken/internal/errors"
	"github.com/shizukutanaka/Shiken/internal/health"
	"github.com/shizukutanaka/Shiken/internal/recovery"
	"github.com/shizukutanaka/Shiken/internal/scaling"
)

// Worker is one registered worker and its health monitor
type Worker struct {
	ID           string
	Metadata     map[string]string
	RegisteredAt time.Time

	monitor *health.Monitor
}

// HealthReport exposes the worker's current health
func (w *Worker) HealthReport() health.Report {
	return w.monitor.GetHealthReport()
}

// Snapshot is a point-in-time view across all managed workers
type Snapshot struct {
	Workers       []health.Report
	ErrorStats    recovery.Stats
	LoadSamples   []scaling.LoadSnapshot
	AssumedPoolSz int
}

// SamplerFactory builds the memory sampler for a newly registered worker
type SamplerFactory func(id string, metadata map[string]string) health.Sampler

// defaultSamplerFactory samples the worker process when metadata carries
// a pid, falling back to the coordinator's own process.
func defaultSamplerFactory(id string, metadata map[string]string) health.Sampler {
	if raw, ok := metadata["pid"]; ok {
		if pid, err := strconv.ParseInt(raw, 10, 32); err == nil {
			return health.ProcessSampler(int32(pid))
		}
	}
	return health.ProcessSampler(int32(os.Getpid()))
}

// Manager owns the health monitors, the recovery manager and the scaler
// for one coordinator process.
type Manager struct {
	logger    *zap.Logger
	healthCfg config.HealthConfig
	recovery  *recovery.Manager
	scaler    *scaling.Scaler
	sink      alert.Sink
	samplers  SamplerFactory

	mu      sync.Mutex
	workers map[string]*Worker
	ctx     context.Context
	started bool
}

// NewManager creates a resource manager
func NewManager(logger *zap.Logger, healthCfg config.HealthConfig, recov *recovery.Manager, scaler *scaling.Scaler, sink alert.Sink) *Manager {
	return &Manager{
		logger:    logger,
		healthCfg: healthCfg,
		recovery:  recov,
		scaler:    scaler,
		sink:      sink,
		samplers:  defaultSamplerFactory,
		workers:   make(map[string]*Worker),
	}
}

// SetSamplerFactory overrides how memory samplers are built for workers
func (m *Manager) SetSamplerFactory(f SamplerFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samplers = f
}

// Start starts the scaler loop and enables registrations
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return
	}
	m.ctx = ctx
	m.started = true
	m.scaler.Start(ctx)

	m.logger.Info("Resource manager started")
}

// Stop stops the scaler and every worker monitor
func (m *Manager) Stop() {
	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*Worker)
	m.mu.Unlock()

	for _, w := range workers {
		w.monitor.Stop()
	}
	m.scaler.Stop()

	m.logger.Info("Resource manager stopped")
}

// RegisterWorker registers a worker and starts its health monitor
func (m *Manager) RegisterWorker(id string, metadata map[string]string) (*Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil, errors.New(errors.ErrorTypeResource, errors.SeverityHigh,
			"NOT_STARTED", "RegisterWorker called before Start")
	}
	if _, exists := m.workers[id]; exists {
		return nil, errors.New(errors.ErrorTypeResource, errors.SeverityLow,
			"DUPLICATE_WORKER", fmt.Sprintf("worker %s already registered", id))
	}

	monitor := health.NewMonitor(m.logger.Named("health"), m.healthCfg, id, m.samplers(id, metadata), m.sink)
	monitor.Start(m.ctx)

	worker := &Worker{
		ID:           id,
		Metadata:     metadata,
		RegisteredAt: time.Now(),
		monitor:      monitor,
	}
	m.workers[id] = worker

	m.logger.Info("Worker registered",
		zap.String("worker_id", id),
		zap.Int("worker_count", len(m.workers)),
	)
	return worker, nil
}

// UnregisterWorker stops the worker's monitor and removes it
func (m *Manager) UnregisterWorker(id, reason string) error {
	m.mu.Lock()
	worker, ok := m.workers[id]
	if ok {
		delete(m.workers, id)
	}
	remaining := len(m.workers)
	m.mu.Unlock()

	if !ok {
		return errors.ErrUnknownWorker.WithContext("worker_id", id)
	}

	worker.monitor.Stop()

	m.logger.Info("Worker unregistered",
		zap.String("worker_id", id),
		zap.String("reason", reason),
		zap.Int("worker_count", remaining),
	)
	return nil
}

// HandleWorkerError runs the recovery protocol for a worker failure.
// When recovery is impossible or exhausted the worker is unregistered
// and the returned error is terminal for that worker only.
func (m *Manager) HandleWorkerError(ctx context.Context, id, message string, errCtx map[string]string) (bool, error) {
	m.mu.Lock()
	_, known := m.workers[id]
	m.mu.Unlock()

	if !known {
		return false, errors.ErrUnknownWorker.WithContext("worker_id", id)
	}

	recovered, err := m.recovery.AttemptRecovery(ctx, id, message, errCtx)
	if recovered {
		return true, nil
	}

	if unregErr := m.UnregisterWorker(id, "recovery failed"); unregErr != nil {
		m.logger.Warn("Failed to unregister worker after recovery failure",
			zap.String("worker_id", id),
			zap.Error(unregErr),
		)
	}

	if m.sink != nil {
		m.sink.HandleAlert(alert.New(alert.TypeWorkerFailed, alert.LevelCritical,
			fmt.Sprintf("Worker %s failed permanently: %s", id, message)).
			WithWorker(id).
			WithDetail("message", message))
	}

	return false, err
}

// Worker returns a registered worker by ID
func (m *Manager) Worker(id string) (*Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	return w, ok
}

// WorkerCount returns the number of registered workers
func (m *Manager) WorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// Scaler exposes the owned scaler for recommendation subscriptions
func (m *Manager) Scaler() *scaling.Scaler {
	return m.scaler
}

// Snapshot collects health, error and load state for reporting
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	snap := Snapshot{
		ErrorStats:    m.recovery.Stats(),
		LoadSamples:   m.scaler.Samples(),
		AssumedPoolSz: m.scaler.WorkerCount(),
	}
	for _, w := range workers {
		snap.Workers = append(snap.Workers, w.HealthReport())
	}
	return snap
}
