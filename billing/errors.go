/*
errors.go - Error taxonomy for the billing core

CATEGORIES:
  1. Validation    - InvalidRecurrence, Validation, InvalidTransition, InvalidPeriod
  2. Conflicts     - DuplicateInvoiceNumber, DuplicateOccurrence, ConcurrentModification
  3. Scope guards  - TemplateNotFound, InvoiceNotFound, ExpenseNotFound, TenantMismatch
  4. Batch         - PartialBatchFailure (RunDue)

PROPAGATION:
  Per-occurrence and per-template failures are isolated: RunDue keeps going
  and reports them in a PartialBatchFailure. Conflicts are retried a bounded
  number of times before they surface.

USAGE:
  if errors.Is(err, billing.ErrTenantMismatch) { ... }

  var pbf *billing.PartialBatchFailure
  if errors.As(err, &pbf) { ... pbf.Failures ... }
*/
package billing

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/warp/billing-engine/recurrence"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidRecurrence is returned for a malformed frequency, interval or
	// anchor, before any occurrence is generated.
	ErrInvalidRecurrence = recurrence.ErrInvalidRecurrence

	// ErrDuplicateInvoiceNumber is returned when an insert collides on
	// (tenant, invoice number). Retryable.
	ErrDuplicateInvoiceNumber = errors.New("duplicate invoice number")

	// ErrDuplicateOccurrence is returned when a template already has an
	// invoice for the same occurrence date.
	ErrDuplicateOccurrence = errors.New("occurrence already invoiced")

	// ErrConcurrentModification is returned when an optimistic version check
	// fails. Retryable.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	ErrTemplateNotFound = errors.New("recurring template not found")
	ErrInvoiceNotFound  = errors.New("invoice not found")
	ErrExpenseNotFound  = errors.New("expense not found")

	// ErrTenantMismatch is returned when a caller references a record that
	// belongs to another tenant. Never silently re-scoped.
	ErrTenantMismatch = errors.New("record belongs to another tenant")

	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidPeriod     = recurrence.ErrInvalidWindow
	ErrValidation        = errors.New("validation error")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// TransitionError carries the rejected status change.
type TransitionError struct {
	TemplateID string
	From       TemplateStatus
	To         TemplateStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("template %s: cannot go from %s to %s", e.TemplateID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// TemplateFailure is one failed template inside a RunDue batch.
type TemplateFailure struct {
	TemplateID string
	TenantID   string
	Generated  int // occurrences committed before the failure
	Err        error
}

// PartialBatchFailure is returned by RunDue when at least one template
// failed. Succeeded still counts the templates that completed.
type PartialBatchFailure struct {
	Succeeded int
	Failures  []TemplateFailure
}

func (e *PartialBatchFailure) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.TemplateID, f.Err))
	}
	return fmt.Sprintf("%d template(s) failed, %d succeeded: %s",
		len(e.Failures), e.Succeeded, strings.Join(parts, "; "))
}

// Unwrap exposes every template error to errors.Is / errors.As.
func (e *PartialBatchFailure) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDuplicateInvoiceNumber) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidRecurrence) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidPeriod)
}

// IsConflict returns true for uniqueness and version conflicts.
func IsConflict(err error) bool {
	return IsRetryable(err) || errors.Is(err, ErrDuplicateOccurrence)
}

// IsNotFound returns true if the error indicates a missing or out-of-scope
// record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTemplateNotFound) ||
		errors.Is(err, ErrInvoiceNotFound) ||
		errors.Is(err, ErrExpenseNotFound)
}
