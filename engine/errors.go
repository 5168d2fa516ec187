/*
errors.go - Centralized error types for the engine

PURPOSE:
  All error kinds in one place. Every rejected operation returns a
  specific kind, never a generic failure, so callers can branch with
  errors.Is and the presentation layer can pick a status code without
  parsing messages.

ERROR CATEGORIES:
  1. Validation errors - Domain rule violations, no state change
  2. Concurrency errors - Bounded lock wait exceeded, safe to retry
  3. Storage errors - Persistence failures, operation rolled back

USAGE:
  if errors.Is(err, engine.ErrInsufficientStock) { ... }

  var shortfall *engine.InsufficientStockError
  if errors.As(err, &shortfall) {
      // shortfall.Available, shortfall.Requested
  }
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientStock is returned when an Out movement exceeds the
	// resource's current quantity.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrInvalidAmount is returned when a movement amount is not a
	// positive integer.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrResourceUnavailable is returned when opening a loan on a
	// unit-resource that is not loanable by the caller.
	ErrResourceUnavailable = errors.New("resource unavailable")

	// ErrAlreadyClosed is returned on a second close of the same loan.
	// Fee and dates are immutable after the first close.
	ErrAlreadyClosed = errors.New("loan already closed")

	// ErrAlreadyResolved is returned when cancelling a reservation that
	// has already been fulfilled or cancelled.
	ErrAlreadyResolved = errors.New("reservation already resolved")

	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when creating a resource under an id
	// that is already taken.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrResourceRetired is returned when mutating a soft-deleted resource.
	ErrResourceRetired = errors.New("resource retired")

	// ErrInvalidTransition is returned for administrative status changes
	// the state machine does not permit (e.g. restoring a resource that
	// is not under maintenance).
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrKindMismatch is returned when a quantity operation targets a
	// unit-resource or vice versa.
	ErrKindMismatch = errors.New("operation does not apply to resource kind")

	// ErrBusy is returned when the per-resource lock cannot be acquired
	// within the bounded wait. The caller may retry.
	ErrBusy = errors.New("resource busy")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientStockError details an Out-movement overdraw.
type InsufficientStockError struct {
	ResourceID ResourceID
	Requested  int64
	Available  int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock on %s: requested %d, available %d",
		e.ResourceID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// StorageError wraps a persistence failure. The operation that hit it
// has been rolled back; the stores are still mutually consistent.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidation returns true for domain rule violations. These are
// recoverable: the caller got a typed rejection and no state changed.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrResourceUnavailable) ||
		errors.Is(err, ErrAlreadyClosed) ||
		errors.Is(err, ErrAlreadyResolved) ||
		errors.Is(err, ErrResourceRetired) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrKindMismatch) ||
		errors.Is(err, ErrAlreadyExists)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsStorage returns true for persistence failures.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
