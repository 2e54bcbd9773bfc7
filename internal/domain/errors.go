package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an alert does not exist for the requesting owner.
	ErrNotFound = errors.New("not found")
	// ErrCycleInProgress is returned when a poll cycle is requested while another is running.
	ErrCycleInProgress = errors.New("poll cycle already in progress")
)

// ValidationError reports malformed alert parameters. Not retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError constructs a ValidationError.
func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing alert.
type NotFoundError struct {
	OwnerID string
	AlertID int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("alert %d not found for owner %s", e.AlertID, e.OwnerID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// SourceFetchError reports an unreachable or unparsable spot source.
type SourceFetchError struct {
	Source string
	Err    error
}

func (e *SourceFetchError) Error() string {
	return fmt.Sprintf("fetch spots from %s: %v", e.Source, e.Err)
}

func (e *SourceFetchError) Unwrap() error { return e.Err }

// PersistenceError reports a store failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// DeliveryError reports a notifier failure.
type DeliveryError struct {
	Channel string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver via %s: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Persistence wraps err as a PersistenceError unless it is nil or already classified.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	var ve *ValidationError
	if errors.As(err, &pe) || errors.As(err, &ve) || errors.Is(err, ErrNotFound) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsPersistence reports whether err is a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
