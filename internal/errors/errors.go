// Package errors provides the structured error taxonomy of the trust engine.
// Every error carries a category, a code, a message and a retryable flag so
// that transports can map failures consistently.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by the engine stage that raised them.
type ErrorCategory string

const (
	ErrCategoryValidation  ErrorCategory = "VALIDATION"
	ErrCategoryDurability  ErrorCategory = "DURABILITY"
	ErrCategoryAggregation ErrorCategory = "AGGREGATION"
	ErrCategoryQuery       ErrorCategory = "QUERY"
	ErrCategoryCheckpoint  ErrorCategory = "CHECKPOINT"
	ErrCategoryInternal    ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidScore     = "INVALID_SCORE"
	CodeMissingTimestamp = "MISSING_TIMESTAMP"
	CodeInvalidAction    = "INVALID_ACTION"
	CodeInvalidID        = "INVALID_ID"
	CodeInvalidBody      = "INVALID_BODY"

	// Durability codes
	CodeWriteFailed  = "WRITE_FAILED"
	CodeWriteTimeout = "WRITE_TIMEOUT"
	CodeReadFailed   = "READ_FAILED"
	CodeNotFound     = "NOT_FOUND"

	// Aggregation codes
	CodeConflict = "CONFLICT"
	CodeFatal    = "FATAL"

	// Query codes
	CodeInvalidRange = "INVALID_RANGE"

	// Checkpoint codes
	CodeSaveFailed = "SAVE_FAILED"
	CodeLoadFailed = "LOAD_FAILED"
	CodeCorrupt    = "CORRUPT"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// TrustError is the structured error type used throughout the engine.
type TrustError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *TrustError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *TrustError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *TrustError) Is(target error) bool {
	var t *TrustError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new TrustError.
func New(category ErrorCategory, code, message string) *TrustError {
	return &TrustError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new TrustError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *TrustError {
	return &TrustError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *TrustError) WithDetails(details map[string]interface{}) *TrustError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var te *TrustError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a TrustError.
func GetCategory(err error) ErrorCategory {
	var te *TrustError
	if errors.As(err, &te) {
		return te.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a TrustError.
func GetCode(err error) string {
	var te *TrustError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryDurability && code == CodeWriteFailed:
		return true
	case category == ErrCategoryDurability && code == CodeWriteTimeout:
		return true
	case category == ErrCategoryAggregation && code == CodeConflict:
		return true
	case category == ErrCategoryCheckpoint && code == CodeSaveFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *TrustError {
	return New(ErrCategoryValidation, code, message)
}

func NewDurabilityError(code, message string, cause error) *TrustError {
	return Wrap(ErrCategoryDurability, code, message, cause)
}

func NewConflictError(message string, cause error) *TrustError {
	return Wrap(ErrCategoryAggregation, CodeConflict, message, cause)
}

func NewFatalAggregationError(message string, cause error) *TrustError {
	return Wrap(ErrCategoryAggregation, CodeFatal, message, cause)
}

func NewInvalidRangeError(message string) *TrustError {
	return New(ErrCategoryQuery, CodeInvalidRange, message)
}

func NewCheckpointError(code, message string, cause error) *TrustError {
	return Wrap(ErrCategoryCheckpoint, code, message, cause)
}

func NewInternalError(message string, cause error) *TrustError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

// Sentinels for errors.Is matching by category and code.
var (
	ErrNotFound     = New(ErrCategoryDurability, CodeNotFound, "event not found")
	ErrConflict     = New(ErrCategoryAggregation, CodeConflict, "aggregation conflict")
	ErrFatal        = New(ErrCategoryAggregation, CodeFatal, "aggregation retries exhausted")
	ErrInvalidRange = New(ErrCategoryQuery, CodeInvalidRange, "invalid range")
)

// IsValidation reports whether err is any validation error.
func IsValidation(err error) bool {
	return GetCategory(err) == ErrCategoryValidation
}
