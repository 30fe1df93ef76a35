// Package scaling samples system-wide CPU and memory pressure and emits
// advisory pool-size recommendations with cooldown hysteresis. The scaler
// never resizes anything itself; applying a recommendation is the
// caller's responsibility.
package scaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Shiken/internal/config"
)

// Action is the recommended pool-size adjustment
type Action string

const (
	ActionScaleUp   Action = "scale_up"
	ActionScaleDown Action = "scale_down"
	ActionMaintain  Action = "maintain"
)

// LoadSnapshot is one system-wide load sample
type LoadSnapshot struct {
	CPUPercent    float64
	MemoryPercent float64
	Load1         float64
	Cores         int
	Timestamp     time.Time
}

// Recommendation is an advisory scaling suggestion
type Recommendation struct {
	Action             Action
	Reason             string
	CurrentWorkers     int
	RecommendedWorkers int
	Snapshot           LoadSnapshot
}

// SystemProbe reads current system load
type SystemProbe interface {
	Snapshot() (LoadSnapshot, error)
}

// GopsutilProbe reads load via gopsutil. CPU pressure is expressed as the
// 1-minute load average normalized by core count.
type GopsutilProbe struct{}

// Snapshot implements SystemProbe
func (GopsutilProbe) Snapshot() (LoadSnapshot, error) {
	avg, err := load.Avg()
	if err != nil {
		return LoadSnapshot{}, fmt.Errorf("failed to read load average: %w", err)
	}

	cores, err := cpu.Counts(true)
	if err != nil || cores < 1 {
		return LoadSnapshot{}, fmt.Errorf("failed to count cpu cores: %w", err)
	}

	vmem, err := mem.VirtualMemory()
	if err != nil {
		return LoadSnapshot{}, fmt.Errorf("failed to read virtual memory: %w", err)
	}

	return LoadSnapshot{
		CPUPercent:    avg.Load1 / float64(cores) * 100,
		MemoryPercent: vmem.UsedPercent,
		Load1:         avg.Load1,
		Cores:         cores,
		Timestamp:     time.Now(),
	}, nil
}

// Observer receives every recommendation the scaler emits
type Observer func(Recommendation)

// Scaler periodically samples load and evaluates the scaling rules
type Scaler struct {
	logger *zap.Logger
	cfg    config.ScalingConfig
	probe  SystemProbe

	mu            sync.Mutex
	samples       []LoadSnapshot
	workers       int
	lastScaleUp   time.Time
	lastScaleDown time.Time
	observers     []Observer

	now func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewScaler creates a scaler starting at the given worker count
func NewScaler(logger *zap.Logger, cfg config.ScalingConfig, probe SystemProbe, initialWorkers int) *Scaler {
	if initialWorkers < cfg.MinWorkers {
		initialWorkers = cfg.MinWorkers
	}
	if initialWorkers > cfg.MaxWorkers {
		initialWorkers = cfg.MaxWorkers
	}

	return &Scaler{
		logger:  logger,
		cfg:     cfg,
		probe:   probe,
		workers: initialWorkers,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// Subscribe registers an observer for emitted recommendations
func (s *Scaler) Subscribe(obs Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, obs)
}

// SetWorkerCount reports the applied pool size back to the scaler
func (s *Scaler) SetWorkerCount(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers = n
}

// WorkerCount returns the pool size the scaler currently assumes
func (s *Scaler) WorkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers
}

// Start begins the sample/evaluate loop
func (s *Scaler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("Adaptive scaler started",
		zap.Duration("interval", s.cfg.SampleInterval),
		zap.Int("min_workers", s.cfg.MinWorkers),
		zap.Int("max_workers", s.cfg.MaxWorkers),
	)
}

// Stop stops the loop
func (s *Scaler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Scaler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			snapshot, err := s.probe.Snapshot()
			if err != nil {
				s.logger.Warn("Load sample failed", zap.Error(err))
				continue
			}
			rec := s.Observe(snapshot)
			s.notify(rec)
		}
	}
}

// Observe records a sample and evaluates the scaling rules against it
func (s *Scaler) Observe(snapshot LoadSnapshot) Recommendation {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples = append(s.samples, snapshot)
	if len(s.samples) > s.cfg.SampleWindow {
		s.samples = s.samples[len(s.samples)-s.cfg.SampleWindow:]
	}

	return s.evaluateLocked(snapshot)
}

func (s *Scaler) evaluateLocked(snap LoadSnapshot) Recommendation {
	now := s.now()
	rec := Recommendation{
		Action:             ActionMaintain,
		Reason:             "load within thresholds",
		CurrentWorkers:     s.workers,
		RecommendedWorkers: s.workers,
		Snapshot:           snap,
	}

	overloaded := snap.CPUPercent > s.cfg.CPUThreshold || snap.MemoryPercent > s.cfg.MemoryThreshold
	underloaded := snap.CPUPercent < s.cfg.CPUThreshold*0.5 && snap.MemoryPercent < s.cfg.MemoryThreshold*0.5

	switch {
	case overloaded && s.workers < s.cfg.MaxWorkers:
		if now.Sub(s.lastScaleUp) < s.cfg.ScaleUpCooldown {
			rec.Reason = "overloaded but scale-up cooldown active"
			return rec
		}
		rec.Action = ActionScaleUp
		rec.RecommendedWorkers = s.workers + 1
		rec.Reason = fmt.Sprintf("cpu %.1f%% / memory %.1f%% above thresholds", snap.CPUPercent, snap.MemoryPercent)
		s.lastScaleUp = now

	case underloaded && s.workers > s.cfg.MinWorkers:
		if now.Sub(s.lastScaleDown) < s.cfg.ScaleDownCooldown {
			rec.Reason = "underloaded but scale-down cooldown active"
			return rec
		}
		rec.Action = ActionScaleDown
		rec.RecommendedWorkers = s.workers - 1
		rec.Reason = fmt.Sprintf("cpu %.1f%% / memory %.1f%% well below thresholds", snap.CPUPercent, snap.MemoryPercent)
		s.lastScaleDown = now
	}

	if rec.Action != ActionMaintain {
		s.logger.Info("Scaling recommendation",
			zap.String("action", string(rec.Action)),
			zap.Int("current", rec.CurrentWorkers),
			zap.Int("recommended", rec.RecommendedWorkers),
			zap.String("reason", rec.Reason),
		)
	}

	return rec
}

func (s *Scaler) notify(rec Recommendation) {
	s.mu.Lock()
	observers := make([]Observer, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	for _, obs := range observers {
		obs(rec)
	}
}

// Samples returns a copy of the retained load window
func (s *Scaler) Samples() []LoadSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LoadSnapshot(nil), s.samples...)
}
