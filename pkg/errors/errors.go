// Package errors defines the application error taxonomy.
// Every error that crosses a component boundary carries one of these kinds so
// callers can branch on category without string matching.
package errors

import (
	"errors"
	"fmt"
)

// ErrorType defines different categories of errors
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "VALIDATION"
	ErrorTypeNotFound   ErrorType = "NOT_FOUND"
	ErrorTypeInternal   ErrorType = "INTERNAL"

	// ErrorTypeTransient marks backing-store lock/busy contention.
	// Retried with backoff by the sync manager; surfaced after the bound.
	ErrorTypeTransient ErrorType = "TRANSIENT_CONTENTION"

	// ErrorTypeDivergence marks an unreconcilable local/remote split.
	// Never auto-recovered; the remediation is a full resync.
	ErrorTypeDivergence ErrorType = "IRRECOVERABLE_DIVERGENCE"

	// ErrorTypeMalformedPayload marks a node data field that fails to parse.
	ErrorTypeMalformedPayload ErrorType = "MALFORMED_PAYLOAD"
)

// AppError is the custom error type for the application
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap allows errors.Is and errors.As to work
func (e *AppError) Unwrap() error {
	return e.Err
}

// Constructor functions for different error types

// NewValidation creates a validation error
func NewValidation(message string) error {
	return &AppError{
		Type:    ErrorTypeValidation,
		Message: message,
	}
}

// NewNotFound creates a not found error
func NewNotFound(message string) error {
	return &AppError{
		Type:    ErrorTypeNotFound,
		Message: message,
	}
}

// NewInternal creates an internal error
func NewInternal(message string, err error) error {
	return &AppError{
		Type:    ErrorTypeInternal,
		Message: message,
		Err:     err,
	}
}

// NewTransient creates a transient contention error
func NewTransient(message string, err error) error {
	return &AppError{
		Type:    ErrorTypeTransient,
		Message: message,
		Err:     err,
	}
}

// NewDivergence creates an irrecoverable divergence error
func NewDivergence(message string) error {
	return &AppError{
		Type:    ErrorTypeDivergence,
		Message: message,
	}
}

// NewMalformedPayload creates a malformed payload error
func NewMalformedPayload(message string, err error) error {
	return &AppError{
		Type:    ErrorTypeMalformedPayload,
		Message: message,
		Err:     err,
	}
}

// Wrap wraps an error with additional context, preserving the kind
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Type:    appErr.Type,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     appErr.Err,
		}
	}

	return &AppError{
		Type:    ErrorTypeInternal,
		Message: message,
		Err:     err,
	}
}

// Type checking functions

func isType(err error, t ErrorType) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Type == t
}

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool {
	return isType(err, ErrorTypeValidation)
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return isType(err, ErrorTypeNotFound)
}

// IsInternal checks if an error is an internal error
func IsInternal(err error) bool {
	return isType(err, ErrorTypeInternal)
}

// IsTransient checks if an error is retryable lock/busy contention
func IsTransient(err error) bool {
	return isType(err, ErrorTypeTransient)
}

// IsDivergence checks if an error is an irrecoverable divergence
func IsDivergence(err error) bool {
	return isType(err, ErrorTypeDivergence)
}

// IsMalformedPayload checks if an error is a malformed payload error
func IsMalformedPayload(err error) bool {
	return isType(err, ErrorTypeMalformedPayload)
}
