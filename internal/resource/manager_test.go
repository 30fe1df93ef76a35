package resource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Shiken/internal/alert"
	"github.com/shizukutanaka/Shiken/internal/config"
	cerrors "github.com/shizukutanaka/Shiken/internal/errors"
	"github.com/shizukutanaka/Shiken/internal/health"
	"github.com/shizukutanaka/Shiken/internal/recovery"
	"github.com/shizukutanaka/Shiken/internal/scaling"
)

// fakeRestarter counts restart requests
type fakeRestarter struct {
	calls int
	err   error
}

func (r *fakeRestarter) RestartWorker(ctx context.Context, workerID string, timeoutScale float64) error {
	r.calls++
	return r.err
}

type sinkRecorder struct {
	alerts []alert.Alert
}

func (s *sinkRecorder) HandleAlert(a alert.Alert) {
	s.alerts = append(s.alerts, a)
}

func newTestManager(t *testing.T, restarter recovery.Restarter, sink alert.Sink) *Manager {
	t.Helper()

	logger := zap.NewNop()

	healthCfg := config.HealthConfig{
		SampleInterval:  time.Hour, // tests record samples directly
		HistorySize:     10,
		MemoryCeilingMB: 2048,
		LeakWindow:      5,
		LeakIncreases:   4,
		TrendDeadband:   10.0,
	}
	recoveryCfg := config.RecoveryConfig{
		MaxRetryAttempts:  2,
		RetryDelay:        0, // no backoff waiting in tests
		BackoffMultiplier: 2.0,
		ErrorWindow:       5 * time.Minute,
		MaxErrorHistory:   100,
	}
	scalingCfg := config.ScalingConfig{
		SampleInterval:    time.Hour,
		SampleWindow:      10,
		CPUThreshold:      75,
		MemoryThreshold:   80,
		MinWorkers:        1,
		MaxWorkers:        8,
		ScaleUpCooldown:   30 * time.Second,
		ScaleDownCooldown: 60 * time.Second,
	}

	recov := recovery.NewManager(logger, recoveryCfg,
		recovery.NewSubstringClassifier(), recovery.DefaultActions(restarter))
	scaler := scaling.NewScaler(logger, scalingCfg, scaling.GopsutilProbe{}, 2)

	m := NewManager(logger, healthCfg, recov, scaler, sink)
	m.SetSamplerFactory(func(id string, metadata map[string]string) health.Sampler {
		return func() (float64, float64, error) { return 100, 200, nil }
	})

	m.Start(context.Background())
	t.Cleanup(m.Stop)
	return m
}

func TestRegisterBeforeStart(t *testing.T) {
	m := NewManager(zap.NewNop(), config.HealthConfig{}, nil, nil, nil)

	_, err := m.RegisterWorker("w1", nil)
	assert.Error(t, err)
}

func TestWorkerRegistration(t *testing.T) {
	m := newTestManager(t, &fakeRestarter{}, nil)

	worker, err := m.RegisterWorker("w1", map[string]string{"suite": "unit"})
	require.NoError(t, err)
	assert.Equal(t, "w1", worker.ID)
	assert.Equal(t, 1, m.WorkerCount())

	// Duplicate registration is rejected
	_, err = m.RegisterWorker("w1", nil)
	assert.Error(t, err)

	retrieved, ok := m.Worker("w1")
	assert.True(t, ok)
	assert.Equal(t, "unit", retrieved.Metadata["suite"])

	require.NoError(t, m.UnregisterWorker("w1", "test done"))
	assert.Equal(t, 0, m.WorkerCount())

	err = m.UnregisterWorker("w1", "again")
	assert.ErrorIs(t, err, cerrors.ErrUnknownWorker)
}

func TestHandleWorkerErrorRecovers(t *testing.T) {
	restarter := &fakeRestarter{}
	m := newTestManager(t, restarter, nil)

	_, err := m.RegisterWorker("w1", nil)
	require.NoError(t, err)

	recovered, err := m.HandleWorkerError(context.Background(), "w1", "connection refused", nil)
	require.NoError(t, err)
	assert.True(t, recovered)
	assert.Equal(t, 1, restarter.calls)

	// The worker survives a successful recovery
	assert.Equal(t, 1, m.WorkerCount())
}

func TestHandleWorkerErrorUnrecoverable(t *testing.T) {
	restarter := &fakeRestarter{}
	sink := &sinkRecorder{}
	m := newTestManager(t, restarter, sink)

	_, err := m.RegisterWorker("w1", nil)
	require.NoError(t, err)

	recovered, err := m.HandleWorkerError(context.Background(), "w1", "heap out of memory", nil)
	assert.False(t, recovered)
	require.Error(t, err)

	// No restart attempted, worker removed, failure alert raised
	assert.Equal(t, 0, restarter.calls)
	assert.Equal(t, 0, m.WorkerCount())

	var failures int
	for _, a := range sink.alerts {
		if a.Type == alert.TypeWorkerFailed {
			failures++
			assert.Equal(t, alert.LevelCritical, a.Level)
		}
	}
	assert.Equal(t, 1, failures)
}

func TestHandleWorkerErrorExhaustsRetries(t *testing.T) {
	restarter := &fakeRestarter{err: context.DeadlineExceeded}
	m := newTestManager(t, restarter, &sinkRecorder{})

	_, err := m.RegisterWorker("w1", nil)
	require.NoError(t, err)

	recovered, err := m.HandleWorkerError(context.Background(), "w1", "connection reset", nil)
	assert.False(t, recovered)
	assert.ErrorIs(t, err, cerrors.ErrRetriesExhausted)
	assert.Equal(t, 2, restarter.calls)
	assert.Equal(t, 0, m.WorkerCount())
}

func TestHandleWorkerErrorUnknownWorker(t *testing.T) {
	m := newTestManager(t, &fakeRestarter{}, nil)

	_, err := m.HandleWorkerError(context.Background(), "ghost", "timed out", nil)
	assert.ErrorIs(t, err, cerrors.ErrUnknownWorker)
}

func TestSnapshotCollectsWorkerHealth(t *testing.T) {
	m := newTestManager(t, &fakeRestarter{}, nil)

	_, err := m.RegisterWorker("w1", nil)
	require.NoError(t, err)
	_, err = m.RegisterWorker("w2", nil)
	require.NoError(t, err)

	snap := m.Snapshot()
	assert.Len(t, snap.Workers, 2)
	assert.Equal(t, 2, snap.AssumedPoolSz)
	for _, report := range snap.Workers {
		assert.Equal(t, health.StatusHealthy, report.Status)
	}
}
