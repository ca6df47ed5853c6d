/*
errors.go - Centralized error types for the dues engine

PURPOSE:
  All error types in one place so every package classifies failures the
  same way. Callers use errors.Is against the sentinels; structured
  errors carry context for operators and unwrap to a sentinel.

ERROR CATEGORIES:
  1. NotFound          - subject or record missing
  2. InvalidInput      - bad date range, non-positive amount, bad shape
  3. ExternalService   - processor / notification failure (retried next pass)
  4. Concurrency       - optimistic-lock failure (re-read and retry once)
  5. Configuration     - automation disabled or no channel (a skip, not a failure)

SEE ALSO:
  - api/handlers.go: Maps categories to HTTP status codes
  - billing/recurring.go: Records item errors without aborting the batch
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a subject or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidRange is returned when a date range ends before it starts.
	ErrInvalidRange = errors.New("invalid range: end before start")

	// ErrExternalService is returned when a collaborator call fails or times out.
	ErrExternalService = errors.New("external service error")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrConfiguration marks a tenant-level configuration gap. Batches treat it as a skip.
	ErrConfiguration = errors.New("configuration error")

	// ErrDuplicateIdempotencyKey is returned when an event with the same
	// idempotency key already exists. Expected on retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrActiveSubscriptionExists enforces one active subscription per
	// (family, instrument).
	ErrActiveSubscriptionExists = errors.New("active subscription already exists for family and instrument")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing resource.
type NotFoundError struct {
	Resource string // "family", "member", "subscription", ...
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidInputError names the offending field.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidInputError) Unwrap() error { return ErrInvalidInput }

// RangeError reports an inverted date range.
type RangeError struct {
	From string
	To   string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("invalid date range: to %s is before from %s", e.To, e.From)
}

func (e *RangeError) Unwrap() []error { return []error{ErrInvalidRange, ErrInvalidInput} }

// ExternalServiceError wraps a failed collaborator call. It matches both
// ErrExternalService and the underlying cause (e.g. context.DeadlineExceeded).
type ExternalServiceError struct {
	Service string // "processor", "email", "sms"
	Op      string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Service, e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() []error { return []error{ErrExternalService, e.Err} }

// ConfigurationError explains why a tenant or item was skipped.
type ConfigurationError struct {
	TenantID TenantID
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("tenant %s: %s", e.TenantID, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on immediate re-read and retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrActiveSubscriptionExists)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsSkip returns true if the error means "nothing to do here" rather than a failure.
func IsSkip(err error) bool {
	return errors.Is(err, ErrConfiguration)
}
