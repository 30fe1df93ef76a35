package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"
)

// schemaVersion is stored in sqlite's user_version pragma so future
// schema changes can migrate in place.
const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS session_summaries (
	session_id      TEXT PRIMARY KEY,
	start_time      INTEGER NOT NULL,
	end_time        INTEGER NOT NULL,
	duration_ms     INTEGER NOT NULL,
	tests_passed    INTEGER NOT NULL,
	tests_failed    INTEGER NOT NULL,
	tests_skipped   INTEGER NOT NULL,
	worker_count    INTEGER NOT NULL,
	peak_cpu_pct    REAL NOT NULL,
	avg_cpu_pct     REAL NOT NULL,
	peak_memory_pct REAL NOT NULL,
	avg_memory_pct  REAL NOT NULL,
	failure_rate    REAL NOT NULL,
	succeeded       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_end_time ON session_summaries(end_time);
`

// SQLiteStore persists session summaries in a local sqlite database
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteStore opens (creating if needed) the store at path
func NewSQLiteStore(logger *zap.Logger, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// Single writer; sqlite serializes anyway
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}

	s := &SQLiteStore{logger: logger, db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	logger.Info("History store opened",
		zap.String("path", path),
		zap.Int("schema_version", schemaVersion),
	)
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return err
	}

	if version > schemaVersion {
		return fmt.Errorf("history database schema version %d is newer than supported %d", version, schemaVersion)
	}

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}

	if version < schemaVersion {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			return err
		}
	}

	return nil
}

// Load implements Store
func (s *SQLiteStore) Load(ctx context.Context) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, start_time, end_time, duration_ms,
		       tests_passed, tests_failed, tests_skipped, worker_count,
		       peak_cpu_pct, avg_cpu_pct, peak_memory_pct, avg_memory_pct,
		       failure_rate, succeeded
		FROM session_summaries
		ORDER BY end_time ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to load session summaries: %w", err)
	}
	defer rows.Close()

	var summaries []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var start, end, durationMs int64
		var succeeded int

		if err := rows.Scan(&sum.SessionID, &start, &end, &durationMs,
			&sum.TestsPassed, &sum.TestsFailed, &sum.TestsSkipped, &sum.WorkerCount,
			&sum.PeakCPUPct, &sum.AvgCPUPct, &sum.PeakMemoryPct, &sum.AvgMemoryPct,
			&sum.FailureRate, &succeeded); err != nil {
			return nil, fmt.Errorf("failed to scan session summary: %w", err)
		}

		sum.StartTime = time.UnixMilli(start)
		sum.EndTime = time.UnixMilli(end)
		sum.Duration = time.Duration(durationMs) * time.Millisecond
		sum.Succeeded = succeeded != 0
		summaries = append(summaries, sum)
	}

	return summaries, rows.Err()
}

// Append implements Store
func (s *SQLiteStore) Append(ctx context.Context, sum SessionSummary) error {
	succeeded := 0
	if sum.Succeeded {
		succeeded = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO session_summaries (
			session_id, start_time, end_time, duration_ms,
			tests_passed, tests_failed, tests_skipped, worker_count,
			peak_cpu_pct, avg_cpu_pct, peak_memory_pct, avg_memory_pct,
			failure_rate, succeeded
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.SessionID, sum.StartTime.UnixMilli(), sum.EndTime.UnixMilli(),
		sum.Duration.Milliseconds(),
		sum.TestsPassed, sum.TestsFailed, sum.TestsSkipped, sum.WorkerCount,
		sum.PeakCPUPct, sum.AvgCPUPct, sum.PeakMemoryPct, sum.AvgMemoryPct,
		sum.FailureRate, succeeded)
	if err != nil {
		return fmt.Errorf("failed to append session summary: %w", err)
	}
	return nil
}

// Prune implements Store
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM session_summaries WHERE end_time < ?", before.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to prune session summaries: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Debug("Pruned session summaries",
			zap.Int64("removed", n),
			zap.Time("cutoff", before),
		)
	}
	return nil
}

// Close implements Store
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
