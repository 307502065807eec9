/*
errors.go - Centralized error types for the reconciliation ledger

PURPOSE:
  All error kinds in one place for consistency and discoverability.
  The matching engine wraps these with request context; the api package
  maps them to HTTP status codes.

ERROR CATEGORIES:
  1. Lookup errors     - NotFound (404)
  2. Validation errors - CurrencyMismatch, NoRemainingFunds,
                         InvoiceAlreadyPaid, ZeroAmount, InvalidAmount (400)
  3. Apply errors      - ApplyFailed, OverAllocation (500, rolled back)
  4. Propagation       - PropagationFailed (money applied, bookkeeping failed)
  5. Store errors      - ConcurrentModification (retryable)

USAGE:
    if errors.Is(err, ledger.ErrInvoiceAlreadyPaid) {
        // caller picked an invoice with no balance left
    }

    var applyErr *ledger.ApplyError
    if errors.As(err, &applyErr) {
        // applyErr.MatchID was compensated
    }

SEE ALSO:
  - matching/engine.go: Produces these errors
  - api/handlers.go: statusFor maps them to HTTP codes
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/warp/recon-engine/money"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is the parent of every "nothing left to allocate" error.
	ErrInvalidState = errors.New("invalid state")

	// ErrNoRemainingFunds means the bank transaction is already fully allocated.
	ErrNoRemainingFunds = fmt.Errorf("%w: transaction fully allocated already", ErrInvalidState)

	// ErrInvoiceAlreadyPaid means the invoice has no balance left to receive.
	ErrInvoiceAlreadyPaid = fmt.Errorf("%w: invoice already paid", ErrInvalidState)

	// ErrCurrencyMismatch is returned when transaction and invoice currencies differ.
	ErrCurrencyMismatch = errors.New("currency mismatch")

	// ErrZeroAmount is returned when the allocatable amount rounds to dust.
	ErrZeroAmount = errors.New("allocation amount rounds to zero")

	// ErrInvalidAmount is returned for non-numeric amount input.
	ErrInvalidAmount = money.ErrInvalidAmount

	// ErrApplyFailed is returned when the apply step failed and was rolled back.
	ErrApplyFailed = errors.New("apply failed")

	// ErrPropagationFailed is returned when the match was applied but
	// fee event or subscription bookkeeping failed.
	ErrPropagationFailed = errors.New("propagation failed")

	// ErrOverAllocation is returned by ApplyMatch when an apply would push
	// a transaction or invoice past its total.
	ErrOverAllocation = errors.New("allocation exceeds remaining balance")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInvalidRecord is returned when a record fails boundary validation.
	ErrInvalidRecord = errors.New("invalid record")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing record.
type NotFoundError struct {
	Entity string // "bank_transaction", "invoice", ...
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// CurrencyMismatchError carries both sides of the mismatch.
type CurrencyMismatchError struct {
	TransactionCurrency string
	InvoiceCurrency     string
}

func (e *CurrencyMismatchError) Error() string {
	return fmt.Sprintf("currency mismatch: transaction is %s, invoice is %s",
		e.TransactionCurrency, e.InvoiceCurrency)
}

func (e *CurrencyMismatchError) Unwrap() error {
	return ErrCurrencyMismatch
}

// ApplyError reports a failed apply. The suggested match has been removed.
type ApplyError struct {
	MatchID string
	Err     error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply failed for match %s: %v", e.MatchID, e.Err)
}

func (e *ApplyError) Unwrap() []error {
	return []error{ErrApplyFailed, e.Err}
}

// PropagationError reports a downstream bookkeeping failure after the match
// and invoice were durably updated. It requires manual follow-up.
type PropagationError struct {
	InvoiceID      string
	SubscriptionID string // empty when the failure was not subscription specific
	Err            error
}

func (e *PropagationError) Error() string {
	if e.SubscriptionID != "" {
		return fmt.Sprintf("propagation failed for invoice %s (subscription %s): %v",
			e.InvoiceID, e.SubscriptionID, e.Err)
	}
	return fmt.Sprintf("propagation failed for invoice %s: %v", e.InvoiceID, e.Err)
}

func (e *PropagationError) Unwrap() []error {
	return []error{ErrPropagationFailed, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrCurrencyMismatch) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrZeroAmount) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidRecord)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
