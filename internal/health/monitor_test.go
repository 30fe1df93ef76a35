package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Shiken/internal/alert"
	"github.com/shizukutanaka/Shiken/internal/config"
)

func healthConfig() config.HealthConfig {
	return config.HealthConfig{
		SampleInterval:  5 * time.Second,
		HistorySize:     10,
		MemoryCeilingMB: 2048,
		LeakWindow:      5,
		LeakIncreases:   4,
		TrendDeadband:   10.0,
	}
}

// collectingSink records every alert it receives
type collectingSink struct {
	alerts []alert.Alert
}

func (s *collectingSink) HandleAlert(a alert.Alert) {
	s.alerts = append(s.alerts, a)
}

func record(m *Monitor, values ...float64) {
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	for i, v := range values {
		m.RecordSample(Sample{
			WorkerID:  "w1",
			MemoryMB:  v,
			Timestamp: base.Add(time.Duration(i) * 5 * time.Second),
		})
	}
}

func TestMonitorStaysHealthy(t *testing.T) {
	m := NewMonitor(zap.NewNop(), healthConfig(), "w1", nil, nil)

	record(m, 100, 105, 102, 104, 101)
	assert.Equal(t, StatusHealthy, m.Status())
}

func TestMonitorWarnsOnCeilingBreach(t *testing.T) {
	sink := &collectingSink{}
	m := NewMonitor(zap.NewNop(), healthConfig(), "w1", nil, sink)

	record(m, 100, 2100)
	assert.Equal(t, StatusWarning, m.Status())

	require.Len(t, sink.alerts, 1)
	assert.Equal(t, alert.TypeMemoryThreshold, sink.alerts[0].Type)
	assert.Equal(t, alert.LevelWarning, sink.alerts[0].Level)
	assert.Equal(t, "w1", sink.alerts[0].WorkerID)
}

func TestMonitorDetectsLeak(t *testing.T) {
	sink := &collectingSink{}
	m := NewMonitor(zap.NewNop(), healthConfig(), "w1", nil, sink)

	// Strictly increasing across the whole leak window
	record(m, 100, 110, 120, 130, 140)
	assert.Equal(t, StatusCritical, m.Status())

	var leaks int
	for _, a := range sink.alerts {
		if a.Type == alert.TypeMemoryLeak {
			leaks++
		}
	}
	assert.GreaterOrEqual(t, leaks, 1)
}

func TestMonitorIgnoresNoisyGrowth(t *testing.T) {
	m := NewMonitor(zap.NewNop(), healthConfig(), "w1", nil, nil)

	// Two dips keep strict increases below the leak threshold
	record(m, 100, 110, 105, 115, 110)
	assert.Equal(t, StatusHealthy, m.Status())
}

func TestMonitorStatusNeverDowngrades(t *testing.T) {
	m := NewMonitor(zap.NewNop(), healthConfig(), "w1", nil, nil)

	record(m, 100, 110, 120, 130, 140)
	require.Equal(t, StatusCritical, m.Status())

	// Flat memory afterwards must not lower the status
	record(m, 100, 100, 100, 100, 100)
	assert.Equal(t, StatusCritical, m.Status())
}

func TestHealthReportTrend(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   Trend
	}{
		{"increasing", []float64{100, 100, 100, 100, 120}, TrendIncreasing},
		{"decreasing", []float64{120, 120, 120, 120, 95}, TrendDecreasing},
		{"within deadband", []float64{100, 104, 106}, TrendStable},
		{"too few samples", []float64{100, 200}, TrendStable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(zap.NewNop(), healthConfig(), "w1", nil, nil)
			record(m, tt.values...)

			report := m.GetHealthReport()
			assert.Equal(t, tt.want, report.MemoryTrend)
			assert.Equal(t, tt.values[len(tt.values)-1], report.CurrentMemoryMB)
		})
	}
}

func TestMonitorBoundsSampleHistory(t *testing.T) {
	cfg := healthConfig()
	cfg.HistorySize = 5
	cfg.LeakWindow = 5
	m := NewMonitor(zap.NewNop(), cfg, "w1", nil, nil)

	record(m, 1, 2, 3, 4, 5, 6, 7, 8)
	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Len(t, m.samples, 5)
	assert.Equal(t, 4.0, m.samples[0].MemoryMB)
}
