package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sampleSummary(id string, end time.Time) SessionSummary {
	return SessionSummary{
		SessionID:     id,
		StartTime:     end.Add(-time.Minute),
		EndTime:       end,
		Duration:      time.Minute,
		TestsPassed:   42,
		TestsFailed:   3,
		TestsSkipped:  1,
		WorkerCount:   4,
		PeakCPUPct:    81.5,
		AvgCPUPct:     55.2,
		PeakMemoryPct: 70.0,
		AvgMemoryPct:  61.3,
		FailureRate:   3.0 / 45.0,
		Succeeded:     true,
	}
}

func TestMemoryStoreLoadSorted(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Append(ctx, sampleSummary("b", base.Add(2*time.Hour))))
	require.NoError(t, store.Append(ctx, sampleSummary("a", base.Add(time.Hour))))
	require.NoError(t, store.Append(ctx, sampleSummary("c", base.Add(3*time.Hour))))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.Equal(t, "a", loaded[0].SessionID)
	assert.Equal(t, "b", loaded[1].SessionID)
	assert.Equal(t, "c", loaded[2].SessionID)
}

func TestMemoryStorePrune(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Append(ctx, sampleSummary("old", base)))
	require.NoError(t, store.Append(ctx, sampleSummary("new", base.Add(2*time.Hour))))

	require.NoError(t, store.Prune(ctx, base.Add(time.Hour)))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "new", loaded[0].SessionID)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := NewSQLiteStore(zap.NewNop(), path)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	end := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	want := sampleSummary("s1", end)
	require.NoError(t, store.Append(ctx, want))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	got := loaded[0]
	assert.Equal(t, want.SessionID, got.SessionID)
	assert.True(t, got.EndTime.Equal(want.EndTime))
	assert.Equal(t, want.Duration, got.Duration)
	assert.Equal(t, want.TestsPassed, got.TestsPassed)
	assert.Equal(t, want.TestsFailed, got.TestsFailed)
	assert.Equal(t, want.WorkerCount, got.WorkerCount)
	assert.InDelta(t, want.FailureRate, got.FailureRate, 0.0001)
	assert.True(t, got.Succeeded)
}

func TestSQLiteStoreReplacesSameSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := NewSQLiteStore(zap.NewNop(), path)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	end := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	first := sampleSummary("s1", end)
	require.NoError(t, store.Append(ctx, first))

	second := first
	second.TestsPassed = 99
	require.NoError(t, store.Append(ctx, second))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, 99, loaded[0].TestsPassed)
}

func TestSQLiteStorePruneAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := NewSQLiteStore(zap.NewNop(), path)
	require.NoError(t, err)

	ctx := context.Background()
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Append(ctx, sampleSummary("old", base)))
	require.NoError(t, store.Append(ctx, sampleSummary("new", base.Add(2*time.Hour))))
	require.NoError(t, store.Prune(ctx, base.Add(time.Hour)))
	require.NoError(t, store.Close())

	// Data and schema survive reopen
	store, err = NewSQLiteStore(zap.NewNop(), path)
	require.NoError(t, err)
	defer store.Close()

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "new", loaded[0].SessionID)
}
