package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// SystemSample is one system-wide utilization reading
type SystemSample struct {
	CPUPercent    float64
	MemoryPercent float64
	MemoryUsed    uint64
	MemoryTotal   uint64
	Timestamp     time.Time
}

// SampleSource produces system samples; gopsutil in production, fakes in
// tests.
type SampleSource func() (SystemSample, error)

// GopsutilSource reads CPU and memory utilization via gopsutil
func GopsutilSource() (SystemSample, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return SystemSample{}, err
	}

	vmem, err := mem.VirtualMemory()
	if err != nil {
		return SystemSample{}, err
	}

	sample := SystemSample{
		MemoryPercent: vmem.UsedPercent,
		MemoryUsed:    vmem.Used,
		MemoryTotal:   vmem.Total,
		Timestamp:     time.Now(),
	}
	if len(percents) > 0 {
		sample.CPUPercent = percents[0]
	}
	return sample, nil
}

// SystemSampler retains a bounded window of system samples so sessions
// can compute peak and average utilization over their time window.
type SystemSampler struct {
	logger   *zap.Logger
	source   SampleSource
	interval time.Duration
	capacity int

	mu       sync.Mutex
	samples  []SystemSample
	onRecord func(SystemSample)

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewSystemSampler creates a sampler retaining capacity samples
func NewSystemSampler(logger *zap.Logger, source SampleSource, interval time.Duration, capacity int) *SystemSampler {
	return &SystemSampler{
		logger:   logger,
		source:   source,
		interval: interval,
		capacity: capacity,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic sampling
func (s *SystemSampler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				sample, err := s.source()
				if err != nil {
					s.logger.Warn("System sample failed", zap.Error(err))
					continue
				}
				s.Record(sample)
			}
		}
	}()
}

// Stop stops sampling
func (s *SystemSampler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

// OnRecord registers a hook invoked for every recorded sample. Set it
// before Start.
func (s *SystemSampler) OnRecord(fn func(SystemSample)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRecord = fn
}

// Record appends a sample, evicting the oldest beyond capacity
func (s *SystemSampler) Record(sample SystemSample) {
	s.mu.Lock()
	s.samples = append(s.samples, sample)
	if len(s.samples) > s.capacity {
		s.samples = s.samples[len(s.samples)-s.capacity:]
	}
	hook := s.onRecord
	s.mu.Unlock()

	if hook != nil {
		hook(sample)
	}
}

// Latest returns the most recent sample, if any
func (s *SystemSampler) Latest() (SystemSample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.samples) == 0 {
		return SystemSample{}, false
	}
	return s.samples[len(s.samples)-1], true
}

// Between returns samples with timestamps inside [start, end]
func (s *SystemSampler) Between(start, end time.Time) []SystemSample {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []SystemSample
	for _, sample := range s.samples {
		if sample.Timestamp.Before(start) || sample.Timestamp.After(end) {
			continue
		}
		out = append(out, sample)
	}
	return out
}
