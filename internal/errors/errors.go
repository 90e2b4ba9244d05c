// Package errors provides the consolidated error definitions for volstream.
//
// This file provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Error wrapping utilities
// - A validation error collector
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Allocation errors: the volume cannot be created.
	ErrNotCacheable           = errors.New("size can never fit in cache")
	ErrCacheSizeExceeded      = errors.New("cache size exceeded")
	ErrUnsupportedPixelFormat = errors.New("unsupported pixel format")
	ErrInvalidGeometry        = errors.New("invalid frame geometry")

	// Usage and validation errors
	ErrUnknownCategory = errors.New("unknown request category")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrMissingField    = errors.New("missing required field")
	ErrInvalidPriority = errors.New("invalid priority")
	ErrNilTask         = errors.New("task has no execute function")

	// State errors
	ErrManagerClosed    = errors.New("request pool is shut down")
	ErrVolumeDecached   = errors.New("volume has been decached")
	ErrPrefetchDisabled = errors.New("prefetch is disabled")

	// Per-frame errors
	ErrFrameNotFound = errors.New("frame not found")
	ErrDecodeFailed  = errors.New("frame decode failed")
	ErrTaskPanic     = errors.New("task panicked")
	ErrTimeout       = errors.New("timeout")

	// Internal errors
	ErrInternal = errors.New("internal error")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// IsFatalAllocation returns true if err prevents a volume from being created.
func IsFatalAllocation(err error) bool {
	return errors.Is(err, ErrNotCacheable) ||
		errors.Is(err, ErrCacheSizeExceeded) ||
		errors.Is(err, ErrUnsupportedPixelFormat) ||
		errors.Is(err, ErrInvalidGeometry)
}

// IsUsage returns true if err is a caller or configuration mistake.
func IsUsage(err error) bool {
	return errors.Is(err, ErrUnknownCategory) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidPriority) ||
		errors.Is(err, ErrNilTask)
}

// IsFrameError returns true if err is scoped to a single frame.
func IsFrameError(err error) bool {
	return errors.Is(err, ErrFrameNotFound) ||
		errors.Is(err, ErrDecodeFailed) ||
		errors.Is(err, ErrTaskPanic) ||
		errors.Is(err, ErrTimeout)
}

// IsRetriable returns true if the error is potentially retriable by a caller.
// The request pool itself never retries.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrCacheSizeExceeded)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

// NewFrameError tags a frame failure with its index and identifier.
func NewFrameError(index int, frameID string, err error) error {
	return fmt.Errorf("frame %d (%s): %w", index, frameID, err)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
