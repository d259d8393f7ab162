// Package errors defines the structured error taxonomy shared across the
// runtime. Every failure surfaced by a component carries an ErrorCode so
// callers can branch on the class of failure instead of string matching.
package errors

import (
	"fmt"
	"strings"
)

// ErrorCode represents a structured error code
type ErrorCode string

const (
	// Configuration errors (fatal at start, never retryable)
	ErrCodeConfigInvalid ErrorCode = "CONFIG_INVALID"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"

	// Budget errors
	ErrCodeBudgetExceeded ErrorCode = "BUDGET_EXCEEDED"

	// Tool dispatch errors
	ErrCodeToolNotFound     ErrorCode = "TOOL_NOT_FOUND"
	ErrCodeToolNotAllowed   ErrorCode = "TOOL_NOT_ALLOWED"
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrCodeToolExecution    ErrorCode = "TOOL_EXECUTION"
	ErrCodeToolExit         ErrorCode = "TOOL_EXIT"
	ErrCodeSandboxDenied    ErrorCode = "SANDBOX_DENIED"

	// LLM collaborator errors
	ErrCodeLLMError   ErrorCode = "LLM_ERROR"
	ErrCodeLLMTimeout ErrorCode = "LLM_TIMEOUT"

	// Storage errors
	ErrCodeLoadFailed  ErrorCode = "LOAD_FAILED"
	ErrCodeStorageFull ErrorCode = "STORAGE_FULL"
	ErrCodeNotFound    ErrorCode = "NOT_FOUND"

	// Registry errors
	ErrCodeAlreadyRegistered ErrorCode = "ALREADY_REGISTERED"
	ErrCodeExecutorBusy      ErrorCode = "EXECUTOR_BUSY"
	ErrCodeExecutorStopped   ErrorCode = "EXECUTOR_STOPPED"

	// Execution errors
	ErrCodeExecutionError ErrorCode = "EXECUTION_ERROR"

	// Generic errors
	ErrCodeInternal ErrorCode = "INTERNAL"
	ErrCodeTimeout  ErrorCode = "TIMEOUT"
)

// Error represents a structured runtime error
type Error struct {
	Code       ErrorCode
	Message    string
	Underlying error
	Context    map[string]any
	Retryable  bool
}

// New creates a new structured error
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// Newf creates a new structured error with a formatted message
func Newf(code ErrorCode, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with runtime error context
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:       code,
		Message:    message,
		Underlying: err,
		Context:    make(map[string]any),
	}
}

// WithContext adds context key-value pairs to the error
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryable marks the error as retryable
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		sb.WriteString(" {")
		first := true
		for k, v := range e.Context {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s: %v", k, v))
			first = false
		}
		sb.WriteString("}")
	}

	if e.Underlying != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Underlying))
	}

	return sb.String()
}

// Unwrap returns the underlying error for errors.Is/As
func (e *Error) Unwrap() error {
	return e.Underlying
}

// IsCode checks if an error has a specific error code
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	runtimeErr, ok := err.(*Error)
	if !ok {
		return false
	}

	return runtimeErr.Code == code
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}

	runtimeErr, ok := err.(*Error)
	if !ok {
		return ErrCodeInternal
	}

	return runtimeErr.Code
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	runtimeErr, ok := err.(*Error)
	if !ok {
		return false
	}

	return runtimeErr.Retryable
}
