// Package errors provides structured error types for the covar system.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
//
// Codes are part of the API contract: handlers map them to HTTP
// statuses, CLIs map them to exit codes, and the ingest pipeline maps
// them to row findings. They must not be renamed.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation  ErrorCategory = "VALIDATION"
	ErrCategoryIdentity    ErrorCategory = "IDENTITY"
	ErrCategoryRegistry    ErrorCategory = "REGISTRY"
	ErrCategoryQuery       ErrorCategory = "QUERY"
	ErrCategoryConcurrency ErrorCategory = "CONCURRENCY"
	ErrCategoryStorage     ErrorCategory = "STORAGE"
	ErrCategoryInternal    ErrorCategory = "INTERNAL"
)

// Error codes within categories.
const (
	// Validation errors raised while checking rows against a schema version
	CodeMalformedRow        = "MALFORMED_ROW"
	CodeUnknownVariable     = "UNKNOWN_VARIABLE"
	CodeMissingRequired     = "MISSING_REQUIRED"
	CodeTypeMismatch        = "TYPE_MISMATCH"
	CodeConstraintViolation = "CONSTRAINT_VIOLATION"

	// Identity errors
	CodeIdentityAmbiguous  = "IDENTITY_AMBIGUOUS"
	CodeIdentifierAttached = "IDENTIFIER_ATTACHED"

	// Registry errors
	CodeSchemaConflict = "SCHEMA_CONFLICT"
	CodeUnknownVersion = "UNKNOWN_VERSION"

	// Query errors
	CodeInvalidPredicate = "INVALID_PREDICATE"

	// Concurrency errors
	CodeLockTimeout = "LOCK_TIMEOUT"

	// Storage errors
	CodeNotFound = "NOT_FOUND"

	// Internal errors
	CodeInternal = "INTERNAL"
)

// CovarError is the standard error type used across all covar components.
type CovarError struct {
	// Category is the component-level classification
	Category ErrorCategory
	// Code is the stable error code within the category
	Code string
	// Message is a human-readable description
	Message string
	// Details contains structured context for the error
	Details map[string]interface{}
	// Cause is the underlying error, if any
	Cause error
	// Retryable indicates whether the operation may succeed if retried
	Retryable bool
}

func (e *CovarError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause, supporting errors.Is and errors.As.
func (e *CovarError) Unwrap() error {
	return e.Cause
}

// Is matches errors by category and code, ignoring message and details.
func (e *CovarError) Is(target error) bool {
	t, ok := target.(*CovarError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// New creates a CovarError without an underlying cause.
func New(category ErrorCategory, code, message string) *CovarError {
	return &CovarError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Wrap creates a CovarError wrapping an underlying cause.
func Wrap(category ErrorCategory, code, message string, cause error) *CovarError {
	return &CovarError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(code),
	}
}

// WithDetails returns a copy of the error with the given details attached.
// The original error is not modified.
func (e *CovarError) WithDetails(details map[string]interface{}) *CovarError {
	clone := *e
	clone.Details = make(map[string]interface{}, len(details))
	for k, v := range details {
		clone.Details[k] = v
	}
	return &clone
}

// isRetryable determines whether an operation failing with the given
// code may succeed on retry. Only lock contention qualifies; every
// other code describes a property of the data or the request itself.
func isRetryable(code string) bool {
	return code == CodeLockTimeout
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var ce *CovarError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetCategory extracts the category from an error, or "" if it is not a CovarError.
func GetCategory(err error) ErrorCategory {
	var ce *CovarError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ""
}

// GetCode extracts the code from an error, or "" if it is not a CovarError.
func GetCode(err error) string {
	var ce *CovarError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// DetailString extracts a string detail by key, or "" if the error has
// no such detail. Used when turning errors back into row findings.
func DetailString(err error, key string) string {
	var ce *CovarError
	if !errors.As(err, &ce) || ce.Details == nil {
		return ""
	}
	if s, ok := ce.Details[key].(string); ok {
		return s
	}
	return ""
}

// NewMalformedRow reports a row that could not be parsed into cells.
func NewMalformedRow(row int, message string) *CovarError {
	return New(ErrCategoryValidation, CodeMalformedRow, message).
		WithDetails(map[string]interface{}{"row": row})
}

// NewUnknownVariable reports a column that is not defined in the schema version.
func NewUnknownVariable(variable string) *CovarError {
	return New(ErrCategoryValidation, CodeUnknownVariable,
		fmt.Sprintf("variable %q is not defined in this schema version", variable)).
		WithDetails(map[string]interface{}{"variable": variable})
}

// NewMissingRequired reports an empty value for a non-nullable variable.
func NewMissingRequired(variable string) *CovarError {
	return New(ErrCategoryValidation, CodeMissingRequired,
		fmt.Sprintf("variable %q is required but no value was supplied", variable)).
		WithDetails(map[string]interface{}{"variable": variable})
}

// NewTypeMismatch reports a value that does not parse as the declared type.
func NewTypeMismatch(variable, wantType, value string) *CovarError {
	return New(ErrCategoryValidation, CodeTypeMismatch,
		fmt.Sprintf("value %q for variable %q is not a valid %s", value, variable, wantType)).
		WithDetails(map[string]interface{}{"variable": variable, "expected_type": wantType, "value": value})
}

// NewConstraintViolation reports a well-typed value outside the declared
// range or level set.
func NewConstraintViolation(variable, message string) *CovarError {
	return New(ErrCategoryValidation, CodeConstraintViolation, message).
		WithDetails(map[string]interface{}{"variable": variable})
}

// NewIdentityAmbiguous reports a row whose participant could not be
// resolved to exactly one candidate. The row is held for manual review,
// never auto-merged.
func NewIdentityAmbiguous(sourceSystem, localKey string, candidates int) *CovarError {
	return New(ErrCategoryIdentity, CodeIdentityAmbiguous,
		fmt.Sprintf("identifier %s/%s matched %d candidates above threshold", sourceSystem, localKey, candidates)).
		WithDetails(map[string]interface{}{
			"source_system":   sourceSystem,
			"local_key":       localKey,
			"candidate_count": candidates,
		})
}

// NewIdentifierAttached reports an override targeting an identifier
// that is already attached to a participant.
func NewIdentifierAttached(sourceSystem, localKey string) *CovarError {
	return New(ErrCategoryIdentity, CodeIdentifierAttached,
		fmt.Sprintf("identifier %s/%s is already attached", sourceSystem, localKey)).
		WithDetails(map[string]interface{}{
			"source_system": sourceSystem,
			"local_key":     localKey,
		})
}

// NewSchemaConflict reports a draft that redefines an existing variable
// incompatibly with a prior version.
func NewSchemaConflict(message string) *CovarError {
	return New(ErrCategoryRegistry, CodeSchemaConflict, message)
}

// NewUnknownVersion reports a reference to a schema version that was
// never published.
func NewUnknownVersion(version int64) *CovarError {
	return New(ErrCategoryRegistry, CodeUnknownVersion,
		fmt.Sprintf("schema version %d does not exist", version)).
		WithDetails(map[string]interface{}{"version": version})
}

// NewInvalidPredicate reports a predicate rejected at query construction.
func NewInvalidPredicate(message string) *CovarError {
	return New(ErrCategoryQuery, CodeInvalidPredicate, message)
}

// NewLockTimeout reports a merge lock that could not be acquired within
// the configured wait. key names the contended resource, usually a
// participant ID.
func NewLockTimeout(key string, wait time.Duration) *CovarError {
	return New(ErrCategoryConcurrency, CodeLockTimeout,
		fmt.Sprintf("lock %q not acquired within %s", key, wait)).
		WithDetails(map[string]interface{}{"key": key, "wait": wait.String()})
}

// NewNotFound reports a record that does not exist.
func NewNotFound(kind, id string) *CovarError {
	return New(ErrCategoryStorage, CodeNotFound,
		fmt.Sprintf("%s %s not found", kind, id)).
		WithDetails(map[string]interface{}{"kind": kind, "id": id})
}

// NewStorageError wraps a persistence failure.
func NewStorageError(message string, cause error) *CovarError {
	return Wrap(ErrCategoryStorage, CodeInternal, message, cause)
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(message string, cause error) *CovarError {
	return Wrap(ErrCategoryInternal, CodeInternal, message, cause)
}
