package errors

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeScheduling    ErrorType = "scheduling"
	ErrorTypeWorkerRuntime ErrorType = "worker_runtime"
	ErrorTypeResource      ErrorType = "resource"
	ErrorTypeHistorical    ErrorType = "historical"
)

// ErrorSeverity represents the severity of an error
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// CoordError represents a coordinator error with context
type CoordError struct {
	Type      ErrorType              `json:"type"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	wrapped   error
}

// Error implements the error interface
func (e *CoordError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error
func (e *CoordError) Unwrap() error {
	return e.wrapped
}

// New creates a new coordinator error
func New(errType ErrorType, severity ErrorSeverity, code string, message string) *CoordError {
	return &CoordError{
		Type:      errType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Context:   make(map[string]interface{}),
	}
}

// clone copies the error so that derived errors never mutate shared
// sentinels like ErrPoolClosed.
func (e *CoordError) clone() *CoordError {
	out := *e
	out.Context = make(map[string]interface{}, len(e.Context)+1)
	for k, v := range e.Context {
		out.Context[k] = v
	}
	return &out
}

// WithError returns a copy wrapping an existing error
func (e *CoordError) WithError(err error) *CoordError {
	out := e.clone()
	out.wrapped = err
	return out
}

// WithContext returns a copy with added context information
func (e *CoordError) WithContext(key string, value interface{}) *CoordError {
	out := e.clone()
	out.Context[key] = value
	return out
}

// Is matches coordinator errors by code, so errors.Is works across the
// copies WithContext and WithError produce.
func (e *CoordError) Is(target error) bool {
	var t *CoordError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// Log logs the error with a level matching its severity
func (e *CoordError) Log(logger *zap.Logger) {
	fields := []zap.Field{
		zap.String("type", string(e.Type)),
		zap.String("severity", string(e.Severity)),
		zap.String("code", e.Code),
		zap.Time("timestamp", e.Timestamp),
	}

	if len(e.Context) > 0 {
		fields = append(fields, zap.Any("context", e.Context))
	}

	if e.wrapped != nil {
		fields = append(fields, zap.Error(e.wrapped))
	}

	switch e.Severity {
	case SeverityCritical:
		logger.Error(e.Message, fields...)
	case SeverityHigh:
		logger.Warn(e.Message, fields...)
	case SeverityMedium:
		logger.Info(e.Message, fields...)
	default:
		logger.Debug(e.Message, fields...)
	}
}

// AsCoordError extracts a CoordError from an error chain, if present
func AsCoordError(err error) (*CoordError, bool) {
	var ce *CoordError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Common error definitions
var (
	ErrPoolClosed = New(
		ErrorTypeScheduling,
		SeverityMedium,
		"POOL_CLOSED",
		"Worker pool is shut down",
	)

	ErrUnknownWorker = New(
		ErrorTypeResource,
		SeverityLow,
		"UNKNOWN_WORKER",
		"Worker is not registered",
	)

	ErrRetriesExhausted = New(
		ErrorTypeWorkerRuntime,
		SeverityCritical,
		"RETRIES_EXHAUSTED",
		"Recovery attempts exhausted",
	)

	ErrUnknownSession = New(
		ErrorTypeHistorical,
		SeverityLow,
		"UNKNOWN_SESSION",
		"Session is not active",
	)
)
