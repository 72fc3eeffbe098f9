/*
errors.go - Centralized error taxonomy for the leave engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every error a component returns matches exactly one KIND sentinel
  with errors.Is, so callers (the HTTP adapter, batch jobs, the
  Transaction Manager's retry loop) branch on kind, never on text.

ERROR KINDS:
  ErrValidation          bad input, illegal transition
  ErrInsufficientBalance hold or post would overdraw an account
  ErrConflict            lock busy / write conflict (retryable)
  ErrAlreadyProcessed    idempotency guard tripped
  ErrNotFound            missing account, request, task
  ErrPermissionDenied    actor lacks a permission
  ErrDatabase            retries exhausted or storage failure (fatal)

USAGE:
  if errors.Is(err, generic.ErrConflict) {
      // only the Transaction Manager retries these
  }

SEE ALSO:
  - txn/manager.go: retry classification via IsRetryable
  - api/handlers.go: Kind -> HTTP status mapping
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// KIND SENTINELS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation          = errors.New("validation error")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrConflict            = errors.New("conflict")
	ErrAlreadyProcessed    = errors.New("already processed")
	ErrNotFound            = errors.New("not found")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrDatabase            = errors.New("database error")
)

// =============================================================================
// SPECIFIC SENTINELS - Each wraps exactly one kind
// =============================================================================

var (
	// ErrLockBusy is returned when another owner holds an unexpired lock.
	ErrLockBusy = fmt.Errorf("%w: lock busy", ErrConflict)

	// ErrWriteConflict is returned when the store detects a concurrent write
	// (SQLITE_BUSY, serialization failure).
	ErrWriteConflict = fmt.Errorf("%w: write conflict", ErrConflict)

	// ErrDuplicateIdempotencyKey is returned when a ledger entry with the same
	// idempotency key already exists. This is expected behavior for retries.
	ErrDuplicateIdempotencyKey = fmt.Errorf("%w: duplicate idempotency key", ErrAlreadyProcessed)

	// ErrCarryoverProcessed is returned for a second year-end run of (user, year).
	ErrCarryoverProcessed = fmt.Errorf("%w: carryover already processed", ErrAlreadyProcessed)

	// ErrOpenedAfterYearEnd is returned when closing a year for an account
	// that did not exist at its year end.
	ErrOpenedAfterYearEnd = fmt.Errorf("%w: account opened after year end", ErrValidation)

	ErrAccountNotFound  = fmt.Errorf("%w: account", ErrNotFound)
	ErrRequestNotFound  = fmt.Errorf("%w: leave request", ErrNotFound)
	ErrTaskNotFound     = fmt.Errorf("%w: approval task", ErrNotFound)
	ErrHoldNotFound     = fmt.Errorf("%w: hold", ErrNotFound)
	ErrRecordNotFound   = fmt.Errorf("%w: carryover record", ErrNotFound)
	ErrWorkflowNotFound = fmt.Errorf("%w: workflow", ErrNotFound)

	// ErrInvalidTransition is returned when a request is not in a state that
	// permits the operation (e.g. cancelling an approved request).
	ErrInvalidTransition = fmt.Errorf("%w: invalid state transition", ErrValidation)

	// ErrAccountExists is returned when opening an account that already exists.
	ErrAccountExists = fmt.Errorf("%w: account already exists", ErrAlreadyProcessed)

	// ErrLockNotHeld is returned when a mutation that requires the account
	// or request lock runs without it, or when releasing a lock whose TTL
	// expired and was taken over.
	ErrLockNotHeld = errors.New("lock not held")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a rejected input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid is shorthand for a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	Account   AccountKey
	Available Amount
	Requested Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %v, requested %v",
		e.Account, e.Available.Value, e.Requested.Value)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// PermissionError names the permission an actor lacked.
type PermissionError struct {
	Actor      UserID
	Permission Permission
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: %s lacks %s", e.Actor, e.Permission)
}

func (e *PermissionError) Unwrap() error { return ErrPermissionDenied }

// DatabaseError is fatal: storage failed or conflict retries ran out.
// It unwraps to both ErrDatabase and the last underlying error.
type DatabaseError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *DatabaseError) Unwrap() []error { return []error{ErrDatabase, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) && !errors.Is(err, ErrDatabase)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrAlreadyProcessed) ||
		errors.Is(err, ErrPermissionDenied)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Kind returns the taxonomy name of err, "internal" when unclassified.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDatabase):
		return "database_error"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrAlreadyProcessed):
		return "already_processed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	default:
		return "internal"
	}
}
