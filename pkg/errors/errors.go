package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrQueueNotFound        = NewError("QUEUE_NOT_FOUND", "queue not found", http.StatusNotFound)
	ErrQueueExists          = NewError("QUEUE_EXISTS", "queue already exists", http.StatusConflict)
	ErrMessageNotFound      = NewError("MESSAGE_NOT_FOUND", "message not found", http.StatusNotFound)
	ErrSubscriptionNotFound = NewError("SUBSCRIPTION_NOT_FOUND", "subscription not found", http.StatusNotFound)
	ErrStoreUnavailable     = NewError("STORE_UNAVAILABLE", "backing store unavailable", http.StatusServiceUnavailable)
	ErrNoHealthyNodes       = NewError("NO_HEALTHY_NODES", "no healthy nodes available", http.StatusServiceUnavailable)
	ErrNodeNotFound         = NewError("NODE_NOT_FOUND", "node not found", http.StatusNotFound)
	ErrValidation           = NewError("VALIDATION_ERROR", "validation failed", http.StatusBadRequest)
	ErrTimeout              = NewError("TIMEOUT", "operation timed out", http.StatusRequestTimeout)
	ErrInternal             = NewError("INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
	ErrShuttingDown         = NewError("SHUTTING_DOWN", "service is shutting down", http.StatusServiceUnavailable)
)

type RetryableError interface {
	error
	IsRetryable() bool
}

type FatalError interface {
	error
	IsFatal() bool
}

// Error is a coded error carried across the broker. Status is the HTTP
// status used when the error surfaces through the API layer.
type Error struct {
	Code      string
	Message   string
	Status    int
	Details   map[string]interface{}
	Cause     error
	retryable *bool
}

func NewError(code, message string, status int) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Status:  status,
		Details: make(map[string]interface{}),
	}
}

func (e *Error) Error() string {
	msg := e.Message

	if len(e.Details) > 0 {
		if detailMsg, ok := e.Details["message"].(string); ok && detailMsg != "" {
			msg = detailMsg
		}
	}

	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is match any derived copy of a sentinel by code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

func (e *Error) IsRetryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	if e.Cause != nil {
		var retryableErr RetryableError
		if errors.As(e.Cause, &retryableErr) {
			return retryableErr.IsRetryable()
		}
		var fatalErr FatalError
		if errors.As(e.Cause, &fatalErr) {
			return !fatalErr.IsFatal()
		}
	}
	// Configuration errors are never retried.
	switch e.Code {
	case ErrValidation.Code, ErrQueueNotFound.Code, ErrQueueExists.Code, ErrSubscriptionNotFound.Code:
		return false
	}
	return true
}

func (e *Error) IsFatal() bool {
	if e.retryable != nil {
		return !*e.retryable
	}

	if e.Cause != nil {
		var fatalErr FatalError
		if errors.As(e.Cause, &fatalErr) {
			return fatalErr.IsFatal()
		}
	}

	return !e.IsRetryable()
}

func (e *Error) WithCause(cause error) *Error {
	err := *e
	err.Cause = cause
	return &err
}

func (e *Error) WithDetail(key string, value interface{}) *Error {
	err := *e
	err.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		err.Details[k] = v
	}
	err.Details[key] = value
	return &err
}

func (e *Error) AsRetryable() *Error {
	err := *e
	retryable := true
	err.retryable = &retryable
	return &err
}

func (e *Error) AsFatal() *Error {
	err := *e
	retryable := false
	err.retryable = &retryable
	return &err
}

// ErrorResponse is the JSON error body returned by the API layer.
type ErrorResponse struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Is and As re-export the stdlib helpers so callers matching sentinels do
// not need a second errors import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

func ToErrorResponse(err error) ErrorResponse {
	var e *Error
	if errors.As(err, &e) {
		return ErrorResponse{
			Code:    e.Code,
			Message: e.Message,
			Details: e.Details,
		}
	}
	return ErrorResponse{
		Code:    ErrInternal.Code,
		Message: err.Error(),
	}
}

// Code extracts the error code, falling back to INTERNAL_ERROR for
// errors that did not originate in this package.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrInternal.Code
}

// HTTPStatus extracts the HTTP status for API responses.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return http.StatusInternalServerError
}
