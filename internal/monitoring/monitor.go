// Package monitoring aggregates worker activity into sessions, tracks
// system utilization, compares completed sessions against a persisted
// rolling baseline and retains a bounded alert window.
package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/shizukutanaka/Shiken/internal/alert"
	"github.com/shizukutanaka/Shiken/internal/config"
	"github.com/shizukutanaka/Shiken/internal/errors"
	"github.com/shizukutanaka/Shiken/internal/history"
)

// TestCounts is one worker's reported test tally
type TestCounts struct {
	Passed  int
	Failed  int
	Skipped int
}

// workerReport is a timestamped worker-end report; session aggregation
// sums reports falling inside the session window.
type workerReport struct {
	runnerID string
	workerID string
	counts   TestCounts
	at       time.Time
}

// SessionStatus is the lifecycle state of a session
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Session brackets one coordinated batch of worker executions
type Session struct {
	ID        string
	StartTime time.Time
	Config    map[string]string
	Status    SessionStatus
}

// SessionResult is the caller's aggregate verdict for a session
type SessionResult struct {
	Succeeded bool
}

// Baseline is the rolling mean over recent completed sessions
type Baseline struct {
	Sessions     int
	MeanDuration time.Duration
	MeanFailRate float64
}

// RunnerHandle is the per-runner reporting surface
type RunnerHandle struct {
	ID       string
	Metadata map[string]string

	monitor       *Monitor
	registeredAt  time.Time
	lastHeartbeat time.Time
	stale         bool
}

// Heartbeat records liveness for the runner
func (h *RunnerHandle) Heartbeat() {
	h.monitor.touchRunner(h)
}

// ReportWorkerStart records the start of one worker execution
func (h *RunnerHandle) ReportWorkerStart(workerID string) {
	h.monitor.touchRunner(h)
	h.monitor.metrics.workersStarted.Inc()
	h.monitor.logger.Debug("Worker started",
		zap.String("runner_id", h.ID),
		zap.String("worker_id", workerID),
	)
}

// ReportWorkerEnd records the completion of one worker execution with
// its test tally.
func (h *RunnerHandle) ReportWorkerEnd(workerID string, counts TestCounts) {
	h.monitor.touchRunner(h)
	h.monitor.metrics.workersCompleted.Inc()
	h.monitor.recordReport(workerReport{
		runnerID: h.ID,
		workerID: workerID,
		counts:   counts,
		at:       h.monitor.now(),
	})
}

// ReportProgress records intermediate progress
func (h *RunnerHandle) ReportProgress(workerID string, completed, total int) {
	h.monitor.touchRunner(h)
	h.monitor.logger.Debug("Worker progress",
		zap.String("runner_id", h.ID),
		zap.String("worker_id", workerID),
		zap.Int("completed", completed),
		zap.Int("total", total),
	)
}

// ReportError records a worker error observed by the runner
func (h *RunnerHandle) ReportError(workerID, message string) {
	h.monitor.touchRunner(h)
	h.monitor.metrics.workerErrors.Inc()
	h.monitor.logger.Warn("Worker error reported",
		zap.String("runner_id", h.ID),
		zap.String("worker_id", workerID),
		zap.String("message", message),
	)
}

// Monitor is the session aggregator. It implements alert.Sink so other
// components can deliver their alerts into the shared window.
type Monitor struct {
	logger    *zap.Logger
	cfg       config.MonitorConfig
	store     history.Store
	sampler   *SystemSampler
	metrics   *Metrics
	retention time.Duration

	mu       sync.Mutex
	runners  map[string]*RunnerHandle
	sessions map[string]*Session
	reports  []workerReport
	alerts   []alert.Alert

	now func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMonitor creates the aggregator. The store may be a MemoryStore when
// no durable path is configured; retention bounds how long its entries
// are kept.
func NewMonitor(logger *zap.Logger, cfg config.MonitorConfig, store history.Store, sampler *SystemSampler, retention time.Duration) *Monitor {
	m := &Monitor{
		logger:    logger,
		cfg:       cfg,
		store:     store,
		sampler:   sampler,
		metrics:   newMetrics(),
		retention: retention,
		runners:   make(map[string]*RunnerHandle),
		sessions:  make(map[string]*Session),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}

	sampler.OnRecord(func(s SystemSample) {
		m.metrics.cpuPercent.Set(s.CPUPercent)
		m.metrics.memoryPercent.Set(s.MemoryPercent)
	})
	return m
}

// Metrics exposes the prometheus instruments
func (m *Monitor) Metrics() *Metrics {
	return m.metrics
}

// Start launches the system sampler and the maintenance loop
func (m *Monitor) Start(ctx context.Context) {
	m.sampler.Start(ctx)

	m.wg.Add(1)
	go m.maintenanceLoop(ctx)

	m.logger.Info("Monitor started")
}

// Stop stops background work
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
	m.sampler.Stop()

	m.logger.Info("Monitor stopped")
}

// RegisterRunner registers a runner and returns its reporting handle
func (m *Monitor) RegisterRunner(id string, metadata map[string]string) (*RunnerHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runners[id]; exists {
		return nil, errors.New(errors.ErrorTypeResource, errors.SeverityLow,
			"DUPLICATE_RUNNER", fmt.Sprintf("runner %s already registered", id))
	}

	now := m.now()
	handle := &RunnerHandle{
		ID:            id,
		Metadata:      metadata,
		monitor:       m,
		registeredAt:  now,
		lastHeartbeat: now,
	}
	m.runners[id] = handle
	m.metrics.activeRunners.Set(float64(len(m.runners)))

	m.logger.Info("Runner registered", zap.String("runner_id", id))
	return handle, nil
}

// UnregisterRunner removes a runner
func (m *Monitor) UnregisterRunner(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runners[id]; !ok {
		return
	}
	delete(m.runners, id)
	m.metrics.activeRunners.Set(float64(len(m.runners)))

	m.logger.Info("Runner unregistered", zap.String("runner_id", id))
}

// StartSession opens a session bracket
func (m *Monitor) StartSession(id string, cfg map[string]string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; exists {
		return nil, errors.New(errors.ErrorTypeHistorical, errors.SeverityLow,
			"DUPLICATE_SESSION", fmt.Sprintf("session %s already active", id))
	}

	session := &Session{
		ID:        id,
		StartTime: m.now(),
		Config:    cfg,
		Status:    SessionActive,
	}
	m.sessions[id] = session
	m.metrics.activeSessions.Set(float64(len(m.sessions)))

	m.logger.Info("Session started", zap.String("session_id", id))
	return session, nil
}

// EndSession closes a session: sums worker reports inside the window,
// computes utilization statistics, compares against the baseline and
// persists the summary.
func (m *Monitor) EndSession(ctx context.Context, id string, result SessionResult) (history.SessionSummary, error) {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return history.SessionSummary{}, errors.ErrUnknownSession.WithContext("session_id", id)
	}
	delete(m.sessions, id)
	m.metrics.activeSessions.Set(float64(len(m.sessions)))

	// The *Session escaped to the caller at StartSession, so the status
	// write must happen while the lock is still held.
	if result.Succeeded {
		session.Status = SessionCompleted
	} else {
		session.Status = SessionFailed
	}

	end := m.now()
	summary := history.SessionSummary{
		SessionID: id,
		StartTime: session.StartTime,
		EndTime:   end,
		Duration:  end.Sub(session.StartTime),
		Succeeded: result.Succeeded,
	}

	workers := make(map[string]struct{})
	for _, r := range m.reports {
		if r.at.Before(session.StartTime) || r.at.After(end) {
			continue
		}
		summary.TestsPassed += r.counts.Passed
		summary.TestsFailed += r.counts.Failed
		summary.TestsSkipped += r.counts.Skipped
		workers[r.workerID] = struct{}{}
	}
	summary.WorkerCount = len(workers)
	m.mu.Unlock()

	if total := summary.TestsPassed + summary.TestsFailed; total > 0 {
		summary.FailureRate = float64(summary.TestsFailed) / float64(total)
	}

	m.fillUtilization(&summary)

	baseline, hasBaseline := m.LoadBaseline(ctx)
	if hasBaseline {
		m.checkRegression(summary, baseline)
	}
	if summary.FailureRate > m.cfg.FailureRateThreshold {
		m.HandleAlert(alert.New(alert.TypeFailureRate, alert.LevelWarning,
			fmt.Sprintf("Session %s failure rate %.1f%% exceeds threshold %.1f%%",
				id, summary.FailureRate*100, m.cfg.FailureRateThreshold*100)).
			WithDetail("session_id", id).
			WithDetail("failure_rate", summary.FailureRate))
	}

	if err := m.store.Append(ctx, summary); err != nil {
		// Historical persistence failure is never fatal
		errors.New(errors.ErrorTypeHistorical, errors.SeverityMedium,
			"HISTORY_APPEND", "failed to persist session summary").
			WithError(err).
			WithContext("session_id", id).
			Log(m.logger)
	}

	m.metrics.sessionsCompleted.Inc()
	m.metrics.sessionDuration.Observe(summary.Duration.Seconds())

	m.logger.Info("Session ended",
		zap.String("session_id", id),
		zap.Duration("duration", summary.Duration),
		zap.Int("passed", summary.TestsPassed),
		zap.Int("failed", summary.TestsFailed),
		zap.Bool("succeeded", result.Succeeded),
	)
	return summary, nil
}

func (m *Monitor) fillUtilization(summary *history.SessionSummary) {
	samples := m.sampler.Between(summary.StartTime, summary.EndTime)
	if len(samples) == 0 {
		return
	}

	cpus := make([]float64, len(samples))
	mems := make([]float64, len(samples))
	for i, s := range samples {
		cpus[i] = s.CPUPercent
		mems[i] = s.MemoryPercent
		if s.CPUPercent > summary.PeakCPUPct {
			summary.PeakCPUPct = s.CPUPercent
		}
		if s.MemoryPercent > summary.PeakMemoryPct {
			summary.PeakMemoryPct = s.MemoryPercent
		}
	}
	summary.AvgCPUPct = stat.Mean(cpus, nil)
	summary.AvgMemoryPct = stat.Mean(mems, nil)
}

// LoadBaseline computes the rolling mean over the most recent completed
// sessions. A store failure degrades to "no baseline".
func (m *Monitor) LoadBaseline(ctx context.Context) (Baseline, bool) {
	summaries, err := m.store.Load(ctx)
	if err != nil {
		errors.New(errors.ErrorTypeHistorical, errors.SeverityMedium,
			"HISTORY_LOAD", "failed to load session history, continuing without baseline").
			WithError(err).
			Log(m.logger)
		return Baseline{}, false
	}
	if len(summaries) == 0 {
		return Baseline{}, false
	}

	if len(summaries) > m.cfg.BaselineDepth {
		summaries = summaries[len(summaries)-m.cfg.BaselineDepth:]
	}

	durations := make([]float64, len(summaries))
	failRates := make([]float64, len(summaries))
	for i, s := range summaries {
		durations[i] = s.Duration.Seconds()
		failRates[i] = s.FailureRate
	}

	return Baseline{
		Sessions:     len(summaries),
		MeanDuration: time.Duration(stat.Mean(durations, nil) * float64(time.Second)),
		MeanFailRate: stat.Mean(failRates, nil),
	}, true
}

func (m *Monitor) checkRegression(summary history.SessionSummary, baseline Baseline) {
	if baseline.MeanDuration <= 0 {
		return
	}

	limit := time.Duration(float64(baseline.MeanDuration) * (1 + m.cfg.RegressionPct/100))
	if summary.Duration > limit {
		m.HandleAlert(alert.New(alert.TypeRegression, alert.LevelWarning,
			fmt.Sprintf("Session %s took %s, more than %.0f%% over baseline %s",
				summary.SessionID, summary.Duration.Round(time.Millisecond),
				m.cfg.RegressionPct, baseline.MeanDuration.Round(time.Millisecond))).
			WithDetail("session_id", summary.SessionID).
			WithDetail("duration", summary.Duration.String()).
			WithDetail("baseline", baseline.MeanDuration.String()))
	}
}

// HandleAlert implements alert.Sink: alerts land in the bounded trailing
// window and count toward metrics.
func (m *Monitor) HandleAlert(a alert.Alert) {
	m.mu.Lock()
	m.alerts = append(m.alerts, a)
	if len(m.alerts) > m.cfg.AlertWindow {
		m.alerts = m.alerts[len(m.alerts)-m.cfg.AlertWindow:]
	}
	m.mu.Unlock()

	m.metrics.alertsRaised.WithLabelValues(a.Level.String()).Inc()

	fields := []zap.Field{
		zap.String("alert_id", a.ID),
		zap.String("type", string(a.Type)),
		zap.String("level", a.Level.String()),
	}
	if a.WorkerID != "" {
		fields = append(fields, zap.String("worker_id", a.WorkerID))
	}

	switch a.Level {
	case alert.LevelCritical:
		m.logger.Error(a.Message, fields...)
	case alert.LevelWarning:
		m.logger.Warn(a.Message, fields...)
	default:
		m.logger.Info(a.Message, fields...)
	}
}

// Alerts returns the retained alert window, oldest first
func (m *Monitor) Alerts() []alert.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]alert.Alert(nil), m.alerts...)
}

func (m *Monitor) recordReport(r workerReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, r)
}

func (m *Monitor) touchRunner(h *RunnerHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h.lastHeartbeat = m.now()
	h.stale = false
}

// maintenanceLoop prunes history and checks runner staleness
func (m *Monitor) maintenanceLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runMaintenance(ctx)
		}
	}
}

func (m *Monitor) runMaintenance(ctx context.Context) {
	m.checkStaleRunners()
	m.pruneReports()

	if err := m.store.Prune(ctx, m.now().Add(-m.retention)); err != nil {
		errors.New(errors.ErrorTypeHistorical, errors.SeverityMedium,
			"HISTORY_PRUNE", "failed to prune session history").
			WithError(err).
			Log(m.logger)
	}
}

// checkStaleRunners flags runners that stopped heartbeating. Policy: a
// runner silent for staleMultiplier heartbeat intervals is marked stale
// and a warning alert is raised once; it stays registered so a late
// heartbeat can revive it.
func (m *Monitor) checkStaleRunners() {
	cutoff := m.now().Add(-time.Duration(m.cfg.StaleMultiplier) * m.cfg.HeartbeatInterval)

	m.mu.Lock()
	var newlyStale []*RunnerHandle
	for _, h := range m.runners {
		if !h.stale && h.lastHeartbeat.Before(cutoff) {
			h.stale = true
			newlyStale = append(newlyStale, h)
		}
	}
	m.mu.Unlock()

	for _, h := range newlyStale {
		m.HandleAlert(alert.New(alert.TypeRunnerStale, alert.LevelWarning,
			fmt.Sprintf("Runner %s has not heartbeated since %s",
				h.ID, h.lastHeartbeat.Format(time.RFC3339))).
			WithDetail("runner_id", h.ID))
	}
}

// pruneReports drops worker reports no active session window can need
func (m *Monitor) pruneReports() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.cfg.MaintenanceInterval)
	for _, s := range m.sessions {
		if s.StartTime.Before(cutoff) {
			cutoff = s.StartTime
		}
	}

	kept := m.reports[:0]
	for _, r := range m.reports {
		if !r.at.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	m.reports = kept
}
