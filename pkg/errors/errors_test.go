package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelMatchingByCode(t *testing.T) {
	derived := ErrQueueNotFound.WithDetail("queue", "orders")
	assert.True(t, errors.Is(derived, ErrQueueNotFound))
	assert.False(t, errors.Is(derived, ErrQueueExists))

	wrapped := fmt.Errorf("handling request: %w", derived)
	assert.True(t, errors.Is(wrapped, ErrQueueNotFound))
}

func TestWithDetailDoesNotMutateSentinel(t *testing.T) {
	_ = ErrValidation.WithDetail("field", "name")
	assert.Empty(t, ErrValidation.Details)

	first := ErrValidation.WithDetail("field", "name")
	second := first.WithDetail("reason", "required")
	assert.Len(t, first.Details, 1)
	assert.Len(t, second.Details, 2)
}

func TestWithCausePreservesChain(t *testing.T) {
	cause := errors.New("connection refused")
	err := ErrStoreUnavailable.WithCause(cause)

	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestRetryability(t *testing.T) {
	tests := []struct {
		name      string
		err       *Error
		retryable bool
	}{
		{"store unavailable is retryable", ErrStoreUnavailable, true},
		{"no healthy nodes is retryable", ErrNoHealthyNodes, true},
		{"validation is not retryable", ErrValidation, false},
		{"queue not found is not retryable", ErrQueueNotFound, false},
		{"queue exists is not retryable", ErrQueueExists, false},
		{"forced retryable", ErrValidation.AsRetryable(), true},
		{"forced fatal", ErrStoreUnavailable.AsFatal(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.err.IsRetryable())
			assert.Equal(t, !tt.retryable, tt.err.IsFatal())
		})
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatus(ErrQueueNotFound))
	assert.Equal(t, http.StatusConflict, HTTPStatus(ErrQueueExists))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(ErrNoHealthyNodes))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(ErrValidation))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("plain")))

	wrapped := fmt.Errorf("outer: %w", ErrMessageNotFound)
	assert.Equal(t, http.StatusNotFound, HTTPStatus(wrapped))
}

func TestToErrorResponse(t *testing.T) {
	resp := ToErrorResponse(ErrQueueNotFound.WithDetail("queue", "orders"))
	assert.Equal(t, "QUEUE_NOT_FOUND", resp.Code)
	assert.Equal(t, "orders", resp.Details["queue"])

	plain := ToErrorResponse(errors.New("boom"))
	assert.Equal(t, ErrInternal.Code, plain.Code)
	assert.Equal(t, "boom", plain.Message)
}

func TestCodeExtraction(t *testing.T) {
	assert.Equal(t, "TIMEOUT", Code(ErrTimeout))
	assert.Equal(t, ErrInternal.Code, Code(errors.New("unknown")))
}

func TestRecoverPanicCapturesStack(t *testing.T) {
	var err error
	func() {
		defer func() {
			err = RecoverPanic(recover())
		}()
		panic("handler exploded")
	}()

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInternal))
	assert.Contains(t, err.Error(), "handler exploded")

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.True(t, e.IsFatal())
	assert.NotEmpty(t, StackTrace(err))
}

func TestRecoverPanicNil(t *testing.T) {
	assert.NoError(t, RecoverPanic(nil))
}
