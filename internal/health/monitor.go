// Package health implements per-worker memory health monitoring: periodic
// sampling into a bounded history, ceiling breach detection and a simple
// leak heuristic over recent samples.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Shiken/internal/alert"
	"github.com/shizukutanaka/Shiken/internal/config"
)

// Status represents worker health. Within one monitor lifetime the status
// only escalates (healthy -> warning -> critical); a fresh monitor is
// required to reset it.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

func (s Status) rank() int {
	switch s {
	case StatusCritical:
		return 2
	case StatusWarning:
		return 1
	default:
		return 0
	}
}

// Trend classifies recent memory movement
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// Sample is a point-in-time memory reading for one worker
type Sample struct {
	WorkerID    string
	MemoryMB    float64
	HeapTotalMB float64
	Timestamp   time.Time
}

// Sampler produces the current memory reading for a worker
type Sampler func() (memoryMB, heapTotalMB float64, err error)

// ProcessSampler samples resident and virtual memory of an OS process
func ProcessSampler(pid int32) Sampler {
	return func() (float64, float64, error) {
		proc, err := process.NewProcess(pid)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to open process %d: %w", pid, err)
		}
		info, err := proc.MemoryInfo()
		if err != nil {
			return 0, 0, fmt.Errorf("failed to read memory info: %w", err)
		}
		const mb = 1024 * 1024
		return float64(info.RSS) / mb, float64(info.VMS) / mb, nil
	}
}

// Report summarizes worker health
type Report struct {
	WorkerID        string
	Status          Status
	Uptime          time.Duration
	MemoryTrend     Trend
	CurrentMemoryMB float64
	RecentAlerts    []alert.Alert
}

// Monitor watches one worker's memory on a fixed interval
type Monitor struct {
	logger   *zap.Logger
	cfg      config.HealthConfig
	workerID string
	sampler  Sampler
	sink     alert.Sink

	mu        sync.Mutex
	samples   []Sample
	alerts    []alert.Alert
	status    Status
	startedAt time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

const reportAlertCount = 5

// NewMonitor creates a monitor for one worker. The sink receives threshold
// and leak alerts; it may be nil.
func NewMonitor(logger *zap.Logger, cfg config.HealthConfig, workerID string, sampler Sampler, sink alert.Sink) *Monitor {
	return &Monitor{
		logger:    logger.With(zap.String("worker_id", workerID)),
		cfg:       cfg,
		workerID:  workerID,
		sampler:   sampler,
		sink:      sink,
		samples:   make([]Sample, 0, cfg.HistorySize),
		status:    StatusHealthy,
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
	}
}

// Start begins periodic sampling
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.sampleLoop(ctx)

	m.logger.Debug("Health monitor started",
		zap.Duration("interval", m.cfg.SampleInterval),
	)
}

// Stop stops sampling
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *Monitor) sampleLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			memMB, heapMB, err := m.sampler()
			if err != nil {
				m.logger.Warn("Memory sample failed", zap.Error(err))
				continue
			}
			m.RecordSample(Sample{
				WorkerID:    m.workerID,
				MemoryMB:    memMB,
				HeapTotalMB: heapMB,
				Timestamp:   time.Now(),
			})
		}
	}
}

// RecordSample appends a sample to the bounded history and re-evaluates
// health. The oldest sample is evicted once the history is full.
func (m *Monitor) RecordSample(s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.samples) >= m.cfg.HistorySize {
		m.samples = append(m.samples[1:], s)
	} else {
		m.samples = append(m.samples, s)
	}

	m.evaluateLocked(s)
}

func (m *Monitor) evaluateLocked(latest Sample) {
	if latest.MemoryMB > m.cfg.MemoryCeilingMB {
		m.escalateLocked(StatusWarning)
		m.raiseLocked(alert.New(alert.TypeMemoryThreshold, alert.LevelWarning,
			fmt.Sprintf("Memory %.1fMB exceeds ceiling %.1fMB", latest.MemoryMB, m.cfg.MemoryCeilingMB)).
			WithWorker(m.workerID).
			WithDetail("memory_mb", latest.MemoryMB).
			WithDetail("ceiling_mb", m.cfg.MemoryCeilingMB))
	}

	if m.leakSuspectedLocked() {
		m.escalateLocked(StatusCritical)
		m.raiseLocked(alert.New(alert.TypeMemoryLeak, alert.LevelCritical,
			fmt.Sprintf("Memory increased in %d of the last %d samples", m.cfg.LeakIncreases, m.cfg.LeakWindow)).
			WithWorker(m.workerID).
			WithDetail("memory_mb", latest.MemoryMB))
	}
}

// leakSuspectedLocked reports whether memory strictly increased in at least
// LeakIncreases of the last LeakWindow samples.
func (m *Monitor) leakSuspectedLocked() bool {
	if len(m.samples) < m.cfg.LeakWindow {
		return false
	}

	window := m.samples[len(m.samples)-m.cfg.LeakWindow:]
	increases := 0
	for i := 1; i < len(window); i++ {
		if window[i].MemoryMB > window[i-1].MemoryMB {
			increases++
		}
	}

	return increases >= m.cfg.LeakIncreases
}

// escalateLocked raises status, never lowers it
func (m *Monitor) escalateLocked(to Status) {
	if to.rank() > m.status.rank() {
		m.logger.Warn("Worker health escalated",
			zap.String("from", string(m.status)),
			zap.String("to", string(to)),
		)
		m.status = to
	}
}

func (m *Monitor) raiseLocked(a alert.Alert) {
	m.alerts = append(m.alerts, a)
	if len(m.alerts) > m.cfg.HistorySize {
		m.alerts = m.alerts[len(m.alerts)-m.cfg.HistorySize:]
	}

	if m.sink != nil {
		m.sink.HandleAlert(a)
	}
}

// Status returns the current health status
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// GetHealthReport returns the current status, uptime, memory trend and the
// most recent alerts.
func (m *Monitor) GetHealthReport() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := Report{
		WorkerID:    m.workerID,
		Status:      m.status,
		Uptime:      time.Since(m.startedAt),
		MemoryTrend: m.trendLocked(),
	}

	if len(m.samples) > 0 {
		report.CurrentMemoryMB = m.samples[len(m.samples)-1].MemoryMB
	}

	n := len(m.alerts)
	if n > reportAlertCount {
		n = reportAlertCount
	}
	report.RecentAlerts = append([]alert.Alert(nil), m.alerts[len(m.alerts)-n:]...)

	return report
}

// trendLocked classifies the percentage change between the first and last
// of the last three samples, with a deadband around zero.
func (m *Monitor) trendLocked() Trend {
	const trendWindow = 3

	if len(m.samples) < trendWindow {
		return TrendStable
	}

	window := m.samples[len(m.samples)-trendWindow:]
	first := window[0].MemoryMB
	last := window[len(window)-1].MemoryMB

	if first <= 0 {
		return TrendStable
	}

	changePct := (last - first) / first * 100
	switch {
	case changePct > m.cfg.TrendDeadband:
		return TrendIncreasing
	case changePct < -m.cfg.TrendDeadband:
		return TrendDecreasing
	default:
		return TrendStable
	}
}
