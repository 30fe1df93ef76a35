// Package recovery classifies worker failures and runs bounded
// exponential-backoff retries through category-specific recovery actions.
package recovery

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Shiken/internal/config"
	"github.com/shizukutanaka/Shiken/internal/errors"
)

// ErrorRecord is one classified failure, retained in bounded history
type ErrorRecord struct {
	WorkerID    string
	Category    Category
	Severity    errors.ErrorSeverity
	Recoverable bool
	Message     string
	Timestamp   time.Time
	Context     map[string]string
}

// Stats summarizes errors over the trailing window
type Stats struct {
	ErrorsPerMinute float64
	WindowTotal     int
	ByCategory      map[Category]int
	BySeverity      map[errors.ErrorSeverity]int
}

// Action performs one category-specific recovery attempt
type Action interface {
	Recover(ctx context.Context, workerID string, attempt int) error
}

// ActionFunc adapts a function to the Action interface
type ActionFunc func(ctx context.Context, workerID string, attempt int) error

// Recover implements Action
func (f ActionFunc) Recover(ctx context.Context, workerID string, attempt int) error {
	return f(ctx, workerID, attempt)
}

// Restarter relaunches a failed worker. timeoutScale > 1 requests a
// proportionally larger job timeout on the relaunch.
type Restarter interface {
	RestartWorker(ctx context.Context, workerID string, timeoutScale float64) error
}

// DefaultActions binds the standard per-category recovery strategies to a
// restarter: timeouts retry with a progressively larger timeout, network
// errors retry after the backoff delay, everything else restarts outright.
func DefaultActions(r Restarter) map[Category]Action {
	restart := ActionFunc(func(ctx context.Context, workerID string, attempt int) error {
		return r.RestartWorker(ctx, workerID, 1.0)
	})

	return map[Category]Action{
		CategoryTimeout: ActionFunc(func(ctx context.Context, workerID string, attempt int) error {
			return r.RestartWorker(ctx, workerID, math.Pow(1.5, float64(attempt+1)))
		}),
		CategoryNetwork:       restart,
		CategoryProcess:       restart,
		CategoryTestFramework: restart,
		CategoryUnknown:       restart,
	}
}

// Manager executes the recovery protocol, keyed by (worker, category)
type Manager struct {
	logger     *zap.Logger
	cfg        config.RecoveryConfig
	classifier Classifier
	actions    map[Category]Action

	mu       sync.Mutex
	attempts map[string]int
	history  []ErrorRecord

	// test seams
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a recovery manager
func NewManager(logger *zap.Logger, cfg config.RecoveryConfig, classifier Classifier, actions map[Category]Action) *Manager {
	return &Manager{
		logger:     logger,
		cfg:        cfg,
		classifier: classifier,
		actions:    actions,
		attempts:   make(map[string]int),
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func attemptKey(workerID string, category Category) string {
	return workerID + "|" + string(category)
}

// AttemptRecovery classifies the failure and, if recoverable, runs up to
// MaxRetryAttempts recovery attempts with exponential backoff. It returns
// true once an attempt succeeds. On exhaustion it returns false with a
// terminal error and the attempt counter for the key is removed.
func (m *Manager) AttemptRecovery(ctx context.Context, workerID, message string, errCtx map[string]string) (bool, error) {
	c := m.classifier.Classify(message)

	record := ErrorRecord{
		WorkerID:    workerID,
		Category:    c.Category,
		Severity:    c.Severity,
		Recoverable: c.Recoverable,
		Message:     message,
		Timestamp:   m.now(),
		Context:     errCtx,
	}
	m.record(record)

	logger := m.logger.With(
		zap.String("worker_id", workerID),
		zap.String("category", string(c.Category)),
		zap.String("severity", string(c.Severity)),
	)

	if !c.Recoverable {
		logger.Warn("Unrecoverable worker error", zap.String("message", message))
		return false, errors.New(errors.ErrorTypeWorkerRuntime, c.Severity,
			"UNRECOVERABLE", fmt.Sprintf("unrecoverable %s error", c.Category)).
			WithContext("worker_id", workerID).
			WithContext("message", message)
	}

	action, ok := m.actions[c.Category]
	if !ok {
		return false, errors.New(errors.ErrorTypeWorkerRuntime, errors.SeverityHigh,
			"NO_RECOVERY_ACTION", fmt.Sprintf("no recovery action for category %s", c.Category)).
			WithContext("worker_id", workerID)
	}

	key := attemptKey(workerID, c.Category)

	for {
		attempt, exhausted := m.nextAttempt(key)
		if exhausted {
			logger.Error("Recovery attempts exhausted",
				zap.Int("max_attempts", m.cfg.MaxRetryAttempts),
			)
			return false, errors.ErrRetriesExhausted.
				WithContext("worker_id", workerID).
				WithContext("category", string(c.Category))
		}

		delay := m.backoffDelay(attempt)
		logger.Info("Attempting recovery",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
		)

		if err := m.sleep(ctx, delay); err != nil {
			return false, err
		}

		if err := action.Recover(ctx, workerID, attempt); err != nil {
			logger.Warn("Recovery attempt failed",
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}

		m.resetAttempts(key)
		logger.Info("Recovery succeeded", zap.Int("attempts_used", attempt+1))
		return true, nil
	}
}

// backoffDelay computes the delay before the given zero-based attempt
func (m *Manager) backoffDelay(attempt int) time.Duration {
	return time.Duration(float64(m.cfg.RetryDelay) * math.Pow(m.cfg.BackoffMultiplier, float64(attempt)))
}

// nextAttempt claims the next attempt number for the key. When the budget
// is spent the counter is deleted so the map cannot grow without bound.
func (m *Manager) nextAttempt(key string) (attempt int, exhausted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempt = m.attempts[key]
	if attempt >= m.cfg.MaxRetryAttempts {
		delete(m.attempts, key)
		return 0, true
	}

	m.attempts[key] = attempt + 1
	return attempt, false
}

func (m *Manager) resetAttempts(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, key)
}

// PendingAttempts returns the live attempt count for a (worker, category)
// pair. Zero means no recovery is in progress for that key.
func (m *Manager) PendingAttempts(workerID string, category Category) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[attemptKey(workerID, category)]
}

func (m *Manager) record(r ErrorRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, r)
	if m.cfg.MaxErrorHistory > 0 && len(m.history) > m.cfg.MaxErrorHistory {
		m.history = m.history[len(m.history)-m.cfg.MaxErrorHistory:]
	}
}

// History returns a copy of the retained error records
func (m *Manager) History() []ErrorRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ErrorRecord(nil), m.history...)
}

// Stats computes the error rate and breakdowns over the trailing window
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.cfg.ErrorWindow)
	stats := Stats{
		ByCategory: make(map[Category]int),
		BySeverity: make(map[errors.ErrorSeverity]int),
	}

	for _, r := range m.history {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		stats.WindowTotal++
		stats.ByCategory[r.Category]++
		stats.BySeverity[r.Severity]++
	}

	stats.ErrorsPerMinute = float64(stats.WindowTotal) / m.cfg.ErrorWindow.Minutes()
	return stats
}
