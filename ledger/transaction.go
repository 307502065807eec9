package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/recon-engine/money"
)

// BankTransaction is a cash movement from a statement feed. Status and
// MatchedInvoiceIDs are derived from approved matches, never set directly.
type BankTransaction struct {
	ID                string
	Amount            decimal.Decimal // signed, currency units
	Currency          string
	Status            TransactionStatus
	MatchedInvoiceIDs []string
	MatchConfidence   int
	MatchNotes        string
	ValueDate         time.Time
	Counterparty      string
	Memo              string

	Version   int64
	UpdatedAt time.Time
}

// Validate checks the record at the repository boundary.
func (t BankTransaction) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: bank transaction id is required", ErrInvalidRecord)
	}
	if len(t.Currency) != 3 {
		return fmt.Errorf("%w: bank transaction %s has invalid currency %q", ErrInvalidRecord, t.ID, t.Currency)
	}
	if t.Amount.IsZero() {
		return fmt.Errorf("%w: bank transaction %s amount is zero", ErrInvalidRecord, t.ID)
	}
	if t.Status != "" && !t.Status.Valid() {
		return fmt.Errorf("%w: bank transaction %s has unknown status %q", ErrInvalidRecord, t.ID, t.Status)
	}
	return nil
}

// =============================================================================
// DERIVED STATE - pure function of the approved match set
// =============================================================================

// TransactionState is the aggregate a bank transaction should carry.
type TransactionState struct {
	Status            TransactionStatus
	MatchedInvoiceIDs []string // distinct, sorted
	Allocated         decimal.Decimal
}

// DeriveTransactionState computes status and matched invoice ids from the
// approved matches of a transaction. Non-approved rows are ignored, so the
// caller may pass an unfiltered list. The result does not depend on order.
func DeriveTransactionState(amount decimal.Decimal, matches []ReconciliationMatch) TransactionState {
	allocated := decimal.Zero
	seen := make(map[string]bool)
	ids := []string{}

	for _, m := range matches {
		if m.Status != MatchApproved {
			continue
		}
		allocated = allocated.Add(m.MatchedAmount)
		if !seen[m.InvoiceID] {
			seen[m.InvoiceID] = true
			ids = append(ids, m.InvoiceID)
		}
	}
	sort.Strings(ids)

	status := TxPartiallyMatched
	switch {
	case money.IsDust(allocated):
		status = TxUnmatched
	case money.NearlyEqual(allocated, amount):
		status = TxMatched
	}

	return TransactionState{Status: status, MatchedInvoiceIDs: ids, Allocated: allocated}
}

// Matches reports whether the stored aggregate agrees with s.
func (s TransactionState) Matches(t BankTransaction) bool {
	if t.Status != s.Status || len(t.MatchedInvoiceIDs) != len(s.MatchedInvoiceIDs) {
		return false
	}
	stored := append([]string(nil), t.MatchedInvoiceIDs...)
	sort.Strings(stored)
	for i := range stored {
		if stored[i] != s.MatchedInvoiceIDs[i] {
			return false
		}
	}
	return true
}

// Remaining returns the unallocated part of the transaction given the
// allocated total.
func (t BankTransaction) Remaining(allocated decimal.Decimal) decimal.Decimal {
	return t.Amount.Sub(allocated)
}
