// Package errors defines the coded errors shared by the engine front ends,
// the wire protocol and the client. Error codes travel over the wire as
// strings, so a client can tell a missing key from a corrupt log without
// parsing messages.
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// ErrorCode represents specific error categories in the system
type ErrorCode string

const (
	ErrCodeKeyNotFound          ErrorCode = "KEY_NOT_FOUND"
	ErrCodeCorruption           ErrorCode = "CORRUPTION"
	ErrCodeIOFailure            ErrorCode = "IO_FAILURE"
	ErrCodeProtocolFailure      ErrorCode = "PROTOCOL_FAILURE"
	ErrCodeInvalidArgument      ErrorCode = "INVALID_ARGUMENT"
	ErrCodeStorageClosed        ErrorCode = "STORAGE_CLOSED"
	ErrCodeWrongEngine          ErrorCode = "WRONG_ENGINE"
	ErrCodeCompactionInProgress ErrorCode = "COMPACTION_IN_PROGRESS"
	ErrCodeConnectionFailed     ErrorCode = "CONNECTION_FAILED"
	ErrCodeTimeout              ErrorCode = "TIMEOUT"
	ErrCodeInvalidConfig        ErrorCode = "INVALID_CONFIG"
	ErrCodeInternal             ErrorCode = "INTERNAL_ERROR"
	ErrCodeUnknown              ErrorCode = "UNKNOWN_ERROR"
)

// KVSError represents a structured error with context
type KVSError struct {
	Code       ErrorCode              // Error classification code
	Message    string                 // Human-readable error message
	Cause      error                  // Underlying cause (if any)
	Context    map[string]interface{} // Additional context
	StackTrace string                 // Where the error was created
	Retryable  bool                   // Whether the operation can be retried
}

// Error implements the error interface
func (e *KVSError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Code, e.Message)

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, e.Context[k])
		}
		sb.WriteString(")")
	}

	if e.Cause != nil {
		fmt.Fprintf(&sb, ": %v", e.Cause)
	}
	return sb.String()
}

// Unwrap returns the underlying cause
func (e *KVSError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether this error indicates a retryable operation
func (e *KVSError) IsRetryable() bool {
	return e.Retryable
}

// New creates a new KVSError with the specified code and message
func New(code ErrorCode, message string) *KVSError {
	return &KVSError{
		Code:       code,
		Message:    message,
		Context:    make(map[string]interface{}),
		StackTrace: captureStackTrace(),
	}
}

// Wrap wraps an existing error with a code and message. The retryable flag
// of a wrapped KVSError is kept.
func Wrap(err error, code ErrorCode, message string) *KVSError {
	if err == nil {
		return nil
	}

	wrapped := &KVSError{
		Code:       code,
		Message:    message,
		Cause:      err,
		Context:    make(map[string]interface{}),
		StackTrace: captureStackTrace(),
	}
	var inner *KVSError
	if stderrors.As(err, &inner) {
		wrapped.Retryable = inner.Retryable
	}
	return wrapped
}

// WithContext adds contextual information to an error
func (e *KVSError) WithContext(key string, value interface{}) *KVSError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRetryable marks the error as retryable or not
func (e *KVSError) WithRetryable(retryable bool) *KVSError {
	e.Retryable = retryable
	return e
}

func captureStackTrace() string {
	const maxDepth = 32
	var pcs [maxDepth]uintptr
	n := runtime.Callers(3, pcs[:])

	var sb strings.Builder
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&sb, "\n\t%s:%d %s", frame.File, frame.Line, frame.Function)
		if !more {
			break
		}
	}
	return sb.String()
}

// IsCode reports whether any KVSError in err's chain carries code.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		var kvsErr *KVSError
		if !stderrors.As(err, &kvsErr) {
			return false
		}
		if kvsErr.Code == code {
			return true
		}
		err = kvsErr.Cause
	}
	return false
}

// CodeOf returns the code of the outermost KVSError in err's chain, or
// ErrCodeUnknown when there is none.
func CodeOf(err error) ErrorCode {
	var kvsErr *KVSError
	if stderrors.As(err, &kvsErr) {
		return kvsErr.Code
	}
	return ErrCodeUnknown
}

// IsRetryableError checks if an error is retryable
func IsRetryableError(err error) bool {
	var kvsErr *KVSError
	if stderrors.As(err, &kvsErr) {
		return kvsErr.Retryable
	}
	return false
}

// NewStorageClosedError creates a storage closed error
func NewStorageClosedError() *KVSError {
	return New(ErrCodeStorageClosed, "storage engine is closed")
}

// NewKeyNotFoundError creates a key not found error
func NewKeyNotFoundError(key string) *KVSError {
	return New(ErrCodeKeyNotFound, "key not found").WithContext("key", key)
}

// NewProtocolError creates a protocol error for a malformed frame or message.
func NewProtocolError(message string, cause error) *KVSError {
	if cause == nil {
		return New(ErrCodeProtocolFailure, message)
	}
	return Wrap(cause, ErrCodeProtocolFailure, message)
}

// NewConnectionError creates a connection error
func NewConnectionError(address string, cause error) *KVSError {
	return Wrap(cause, ErrCodeConnectionFailed, "failed to connect to server").
		WithContext("address", address).
		WithRetryable(true)
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(operation string) *KVSError {
	return New(ErrCodeTimeout, "operation timed out").
		WithContext("operation", operation).
		WithRetryable(true)
}

// NewInvalidConfigError creates an invalid configuration error
func NewInvalidConfigError(message string) *KVSError {
	return New(ErrCodeInvalidConfig, message)
}
