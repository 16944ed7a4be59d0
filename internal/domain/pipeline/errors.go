package pipeline

import (
	"errors"
	"fmt"
)

// ErrorCode identifies well-known domain error categories used across the
// plan and execution layers.
type ErrorCode string

const (
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"
	ErrCodeDuplicate  ErrorCode = "DUPLICATE_ID"
	ErrCodeCycle      ErrorCode = "CIRCULAR_REFERENCE"
	ErrCodeType       ErrorCode = "INVALID_TYPE"
	ErrCodeNotFound   ErrorCode = "NOT_FOUND"
	ErrCodeMissing    ErrorCode = "MISSING_REQUIRED"
	ErrCodeState      ErrorCode = "INVALID_STATE"
	ErrCodeConflict   ErrorCode = "CONFLICT"
	ErrCodeFatal      ErrorCode = "FATAL"
	ErrCodeExecution  ErrorCode = "EXECUTION_ERROR"
	ErrCodeTimeout    ErrorCode = "TIMEOUT"
	ErrCodeCancelled  ErrorCode = "CANCELLED"
	ErrCodeInternal   ErrorCode = "INTERNAL_ERROR"
)

// DomainError represents a typed error enriched with contextual data while
// remaining free from infrastructure dependencies.
type DomainError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As usage.
func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is allows errors.Is comparisons against other DomainError values.
func (e *DomainError) Is(target error) bool {
	var domainErr *DomainError
	if !errors.As(target, &domainErr) {
		return false
	}
	return e.Code == domainErr.Code && e.Message == domainErr.Message
}

// WithContext clones the error with additional contextual metadata.
func (e *DomainError) WithContext(ctx map[string]interface{}) *DomainError {
	if e == nil {
		return nil
	}
	merged := make(map[string]interface{}, len(e.Context)+len(ctx))
	for k, v := range e.Context {
		merged[k] = v
	}
	for k, v := range ctx {
		merged[k] = v
	}
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Cause:   e.Cause,
		Context: merged,
	}
}

// NewError constructs a DomainError with the supplied code and message.
func NewError(code ErrorCode, message string, cause error, context map[string]interface{}) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: context,
	}
}

// CodeOf returns the code of the outermost DomainError in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		return "", false
	}
	return domainErr.Code, true
}

// HasCode reports whether err carries a DomainError with the given code.
func HasCode(err error, code ErrorCode) bool {
	got, ok := CodeOf(err)
	return ok && got == code
}

// IsFatal reports whether err is a fatal orchestration error. Fatal errors
// are never retried; the owning plan execution is errored out instead.
func IsFatal(err error) bool {
	return HasCode(err, ErrCodeFatal)
}

// IsConflict reports whether err is an exhausted optimistic-concurrency
// conflict.
func IsConflict(err error) bool {
	return HasCode(err, ErrCodeConflict)
}

// NewFatalError wraps cause as a fatal orchestration error.
func NewFatalError(message string, cause error, context map[string]interface{}) *DomainError {
	return NewError(ErrCodeFatal, message, cause, context)
}

func newValidationError(message string, context map[string]interface{}) *DomainError {
	return NewError(ErrCodeValidation, message, nil, context)
}

func newDuplicateError(identifier string) *DomainError {
	return NewError(ErrCodeDuplicate, "duplicate identifier", nil, map[string]interface{}{
		"id": identifier,
	})
}

func newCycleError(path []string) *DomainError {
	return NewError(ErrCodeCycle, "circular node reference detected", nil, map[string]interface{}{
		"path": path,
	})
}

func newTypeError(expected string, actual string) *DomainError {
	return NewError(ErrCodeType, "invalid type", nil, map[string]interface{}{
		"expected": expected,
		"actual":   actual,
	})
}

func newMissingFieldError(field string) *DomainError {
	return NewError(ErrCodeMissing, "missing required field", nil, map[string]interface{}{
		"field": field,
	})
}

func newNotFoundError(kind, id string) *DomainError {
	return NewError(ErrCodeNotFound, kind+" not found", nil, map[string]interface{}{
		"id": id,
	})
}
