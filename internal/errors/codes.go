// Package errors provides structured error handling for tonecapture.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Storage errors (registry database, blob store, data directory)
//   - 4XX: Caller errors (validation, dimension mismatch, unknown ids)
//   - 5XX: Internal errors (consistency, cancellation, index apply)
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStorage indicates registry, blob store or data directory errors.
	CategoryStorage Category = "STORAGE"
	// CategoryValidation indicates errors caused by the caller's input.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// Storage errors (200-299)
	ErrCodeStorageFailure = "ERR_201_STORAGE_FAILURE"
	ErrCodeCorruptStore   = "ERR_202_CORRUPT_STORE"
	ErrCodeDataDirLocked  = "ERR_203_DATA_DIR_LOCKED"

	// Caller errors (400-499)
	ErrCodeValidation        = "ERR_401_VALIDATION"
	ErrCodeDimensionMismatch = "ERR_402_DIMENSION_MISMATCH"
	ErrCodeInvalidQuery      = "ERR_403_INVALID_QUERY"
	ErrCodeNotFound          = "ERR_404_NOT_FOUND"

	// Internal errors (500-599)
	ErrCodeInternal    = "ERR_501_INTERNAL"
	ErrCodeConsistency = "ERR_502_CONSISTENCY"
	ErrCodeCancelled   = "ERR_503_CANCELLED"
	ErrCodeIndexApply  = "ERR_504_INDEX_APPLY"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Extract numeric portion (e.g., "401" from "ERR_401_VALIDATION")
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStorage
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeCorruptStore:
		return SeverityFatal
	case ErrCodeConsistency:
		// Consistency errors signal a bug; the engine keeps running but degraded.
		return SeverityWarning
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
// Validation and not-found errors are never retried automatically.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeIndexApply, ErrCodeStorageFailure:
		return true
	default:
		return false
	}
}
