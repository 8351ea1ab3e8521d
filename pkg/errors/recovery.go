package errors

import (
	stderrors "errors"
	"fmt"
	"runtime/debug"
)

// RecoverPanic turns a recovered panic into an error carrying the stack
// trace, so a panicking message handler dead-letters with usable context.
func RecoverPanic(r interface{}) error {
	if r == nil {
		return nil
	}

	var err error
	switch v := r.(type) {
	case error:
		err = v
	case string:
		err = fmt.Errorf("panic: %s", v)
	default:
		err = fmt.Errorf("panic: %v", v)
	}

	stackTrace := string(debug.Stack())
	return ErrInternal.
		WithCause(err).
		WithDetail("panic", true).
		WithDetail("stack_trace", stackTrace).
		AsFatal()
}

// StackTrace extracts a captured stack trace from an error, if present.
func StackTrace(err error) string {
	var e *Error
	if !stderrors.As(err, &e) {
		return ""
	}
	if st, ok := e.Details["stack_trace"].(string); ok {
		return st
	}
	return ""
}
