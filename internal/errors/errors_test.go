package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordErrorMessage(t *testing.T) {
	err := New(ErrorTypeScheduling, SeverityHigh, "TEST_CODE", "something broke")
	assert.Equal(t, "TEST_CODE: something broke", err.Error())

	wrapped := err.WithError(stderrors.New("root cause"))
	assert.Equal(t, "TEST_CODE: something broke: root cause", wrapped.Error())
	assert.Equal(t, "root cause", stderrors.Unwrap(wrapped).Error())
}

func TestSentinelsUnchangedByDerivation(t *testing.T) {
	derived := ErrPoolClosed.WithContext("job_id", "j1")

	// The sentinel keeps its empty context; only the copy carries the key
	assert.Empty(t, ErrPoolClosed.Context)
	assert.Equal(t, "j1", derived.Context["job_id"])

	// errors.Is still matches the derived copy against the sentinel
	assert.ErrorIs(t, derived, ErrPoolClosed)
}

func TestAsCoordError(t *testing.T) {
	inner := New(ErrorTypeResource, SeverityLow, "INNER", "inner")
	outer := New(ErrorTypeWorkerRuntime, SeverityHigh, "OUTER", "outer").WithError(inner)

	got, ok := AsCoordError(outer)
	require.True(t, ok)
	assert.Equal(t, "OUTER", got.Code)

	_, ok = AsCoordError(stderrors.New("plain"))
	assert.False(t, ok)
}
