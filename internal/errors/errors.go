package errors

import (
	stderrors "errors"
	"fmt"
)

// Error is the structured error type for tonecapture.
// It provides rich context for error handling, logging, and user presentation.
type Error struct {
	// Code is the unique error code (e.g., "ERR_404_NOT_FOUND").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Storage, Validation, Internal).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with sentinel values like ErrNotFound.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *Error) WithSuggestion(suggestion string) *Error {
	e.Suggestion = suggestion
	return e
}

// Sentinels for errors.Is comparisons. They match any *Error with the same code.
var (
	ErrValidation  = &Error{Code: ErrCodeValidation}
	ErrNotFound    = &Error{Code: ErrCodeNotFound}
	ErrDimension   = &Error{Code: ErrCodeDimensionMismatch}
	ErrConsistency = &Error{Code: ErrCodeConsistency}
	ErrCancelled   = &Error{Code: ErrCodeCancelled}
)

// New creates a new Error with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates an Error from an existing error.
// The error's message becomes the Error message.
func Wrap(code string, err error) *Error {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *Error {
	return New(ErrCodeConfigInvalid, message, cause)
}

// StorageError creates an error for a failed registry or blob store operation.
func StorageError(message string, cause error) *Error {
	return New(ErrCodeStorageFailure, message, cause)
}

// ValidationError creates an error for malformed or missing input.
func ValidationError(message string, cause error) *Error {
	return New(ErrCodeValidation, message, cause)
}

// NotFoundError creates an error for an unknown id or fingerprint.
func NotFoundError(what, id string) *Error {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found: %s", what, id), nil).
		WithDetail("kind", what).
		WithDetail("id", id)
}

// DimensionError creates an error for a vector whose length is not the index dimension.
func DimensionError(expected, got int) *Error {
	return New(ErrCodeDimensionMismatch,
		fmt.Sprintf("dimension mismatch: expected %d, got %d", expected, got), nil).
		WithDetail("expected", fmt.Sprint(expected)).
		WithDetail("got", fmt.Sprint(got))
}

// InvalidQueryError creates an error for a malformed filter or search request.
func InvalidQueryError(message string, cause error) *Error {
	return New(ErrCodeInvalidQuery, message, cause)
}

// ConsistencyError creates an error signalling that an index disagrees with the registry.
func ConsistencyError(message string, cause error) *Error {
	return New(ErrCodeConsistency, message, cause)
}

// CancelledError creates an error for an aborted long-running operation.
func CancelledError(message string, cause error) *Error {
	return New(ErrCodeCancelled, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *Error {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable checks if an error is retryable.
// Returns true if an Error in the chain has the Retryable flag set.
func IsRetryable(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
func IsFatal(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Severity == SeverityFatal
	}
	return false
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool { return hasCode(err, ErrCodeValidation) }

// IsInvalidQuery reports whether err is an InvalidQueryError.
func IsInvalidQuery(err error) bool { return hasCode(err, ErrCodeInvalidQuery) }

// IsDimension reports whether err is a DimensionError.
func IsDimension(err error) bool { return hasCode(err, ErrCodeDimensionMismatch) }

// IsConsistency reports whether err is a ConsistencyError.
func IsConsistency(err error) bool { return hasCode(err, ErrCodeConsistency) }

// IsCancelled reports whether err is a CancelledError.
func IsCancelled(err error) bool { return hasCode(err, ErrCodeCancelled) }

// GetCode extracts the error code from the first Error in the chain.
// Returns empty string if there is none.
func GetCode(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}

// GetCategory extracts the category from the first Error in the chain.
func GetCategory(err error) Category {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Category
	}
	return ""
}

func hasCode(err error, code string) bool {
	var e *Error
	for err != nil {
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}
