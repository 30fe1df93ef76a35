// Package alert defines the advisory alert type shared by the health,
// resource and monitoring components. Alerts are never errors: they are
// delivered to registered sinks and carry no control flow.
package alert

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies what raised the alert
type Type string

const (
	TypeMemoryThreshold Type = "memory_threshold"
	TypeMemoryLeak      Type = "memory_leak"
	TypeWorkerFailed    Type = "worker_failed"
	TypeRunnerStale     Type = "runner_stale"
	TypeRegression      Type = "performance_regression"
	TypeFailureRate     Type = "failure_rate"
	TypeScaling         Type = "scaling"
)

// Level represents alert severity
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "info"
	}
}

// Alert is an immutable advisory event
type Alert struct {
	ID        string
	Type      Type
	Level     Level
	Message   string
	WorkerID  string
	Details   map[string]interface{}
	Timestamp time.Time
}

// New creates an alert stamped with a fresh ID and the current time
func New(typ Type, level Level, message string) Alert {
	return Alert{
		ID:        uuid.NewString(),
		Type:      typ,
		Level:     level,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WithWorker attaches the originating worker ID
func (a Alert) WithWorker(workerID string) Alert {
	a.WorkerID = workerID
	return a
}

// WithDetail attaches a detail field
func (a Alert) WithDetail(key string, value interface{}) Alert {
	if a.Details == nil {
		a.Details = make(map[string]interface{})
	}
	a.Details[key] = value
	return a
}

// Sink receives alerts. Implementations must not block.
type Sink interface {
	HandleAlert(Alert)
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(Alert)

// HandleAlert implements Sink
func (f SinkFunc) HandleAlert(a Alert) { f(a) }
