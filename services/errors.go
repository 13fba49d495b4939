package services

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeForbidden    ErrorType = "forbidden"
	ErrorTypeRateLimit    ErrorType = "rate_limit"
	ErrorTypeInternal     ErrorType = "internal"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is. Two domain errors match when their types match.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error.
// Call it on freshly constructed errors only, never on the package sentinels.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Sentinels for errors.Is matching

var (
	ErrBatchNotFound = NewDomainError(ErrorTypeNotFound, "batch not found", nil)

	ErrInvalidInput     = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrTenantRequired   = NewDomainError(ErrorTypeValidation, "tenant required", nil)
	ErrMissingRecordKey = NewDomainError(ErrorTypeValidation, "record_key is required", nil)

	ErrUnauthorized      = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrMissingCredential = NewDomainError(ErrorTypeUnauthorized, "missing credential", nil)
	ErrInvalidCredential = NewDomainError(ErrorTypeUnauthorized, "invalid credential", nil)

	ErrForbidden           = NewDomainError(ErrorTypeForbidden, "access forbidden", nil)
	ErrTenantNotAuthorized = NewDomainError(ErrorTypeForbidden, "credential not authorized for this tenant", nil)
	ErrCrossTenantAccess   = NewDomainError(ErrorTypeForbidden, "cross-tenant access", nil)

	ErrRateLimitExceeded = NewDomainError(ErrorTypeRateLimit, "rate limit exceeded", nil)

	ErrInternal      = NewDomainError(ErrorTypeInternal, "internal server error", nil)
	ErrDatabaseError = NewDomainError(ErrorTypeInternal, "database error", nil)
)

// Constructors returning fresh, detail-safe errors

// NewValidationError creates a validation error with the given message
func NewValidationError(message string) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, nil)
}

// NewUnauthorizedError creates an authentication error
func NewUnauthorizedError(message string) *DomainError {
	return NewDomainError(ErrorTypeUnauthorized, message, nil)
}

// NewForbiddenError creates an authorization error
func NewForbiddenError(message string) *DomainError {
	return NewDomainError(ErrorTypeForbidden, message, nil)
}

// NewNotFoundError creates a not found error
func NewNotFoundError(message string) *DomainError {
	return NewDomainError(ErrorTypeNotFound, message, nil)
}

// NewRateLimitError creates a rate limit error carrying the window the
// caller must wait out. resetEpoch is unix seconds.
func NewRateLimitError(limit, remaining int, resetEpoch int64, now time.Time) *DomainError {
	retryAfter := resetEpoch - now.Unix()
	if retryAfter < 0 {
		retryAfter = 0
	}
	return NewDomainError(ErrorTypeRateLimit, "rate limit exceeded", nil).
		WithDetail("limit", limit).
		WithDetail("remaining", remaining).
		WithDetail("reset_epoch", resetEpoch).
		WithDetail("retry_after", retryAfter)
}

// Error type checking helper functions

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return GetErrorType(err) == ErrorTypeNotFound
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return GetErrorType(err) == ErrorTypeValidation
}

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool {
	return GetErrorType(err) == ErrorTypeUnauthorized
}

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool {
	return GetErrorType(err) == ErrorTypeForbidden
}

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool {
	return GetErrorType(err) == ErrorTypeRateLimit
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return GetErrorType(err) == ErrorTypeInternal
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// GetErrorMessage returns the client-facing message of a domain error, or err.Error()
func GetErrorMessage(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Message
	}
	return err.Error()
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}
