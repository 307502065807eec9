/*
Package ledger holds the reconciliation records and the rules that keep
them consistent.

PURPOSE:
  Domain types for bank transactions, invoices, reconciliation matches,
  subscriptions and fee events, plus the pure functions that derive their
  statuses. Storage lives behind the Repository interface (store.go); no
  code in this package touches a database.

KEY CONCEPTS IN THIS FILE (types.go):
  - Status enums for every record type
  - Match types: the four allocation shapes and their manual variants

DESIGN PRINCIPLES:
  1. Derived, not set: transaction status is computed from approved matches
  2. Precision: every amount is a decimal.Decimal
  3. Monotonic funding: subscription funding only moves forward here
  4. Explicit optional fields: decimal.NullDecimal / pointers, never magic zero

SEE ALSO:
  - transaction.go: status derivation
  - invoice.go: apply planning
  - subscription.go: funding transitions
  - store.go: persistence interfaces
*/
package ledger

// =============================================================================
// BANK TRANSACTION STATUS
// =============================================================================

type TransactionStatus string

const (
	TxUnmatched        TransactionStatus = "unmatched"
	TxPartiallyMatched TransactionStatus = "partially_matched"
	TxMatched          TransactionStatus = "matched"
)

func (s TransactionStatus) Valid() bool {
	switch s {
	case TxUnmatched, TxPartiallyMatched, TxMatched:
		return true
	}
	return false
}

// =============================================================================
// INVOICE STATUS
// =============================================================================

type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "draft"
	InvoiceSent          InvoiceStatus = "sent"
	InvoicePartiallyPaid InvoiceStatus = "partially_paid"
	InvoicePaid          InvoiceStatus = "paid"
	InvoiceVoid          InvoiceStatus = "void"
)

func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceDraft, InvoiceSent, InvoicePartiallyPaid, InvoicePaid, InvoiceVoid:
		return true
	}
	return false
}

// InvoiceMatchStatus mirrors the transaction-side view on the invoice row.
type InvoiceMatchStatus string

const (
	InvoiceUnmatched        InvoiceMatchStatus = "unmatched"
	InvoicePartiallyMatched InvoiceMatchStatus = "partially_matched"
	InvoiceMatched          InvoiceMatchStatus = "matched"
)

// =============================================================================
// MATCH STATUS / TYPE / SOURCE
// =============================================================================

type MatchStatus string

const (
	MatchSuggested MatchStatus = "suggested"
	MatchApproved  MatchStatus = "approved"
	MatchRejected  MatchStatus = "rejected"
)

func (s MatchStatus) Valid() bool {
	switch s {
	case MatchSuggested, MatchApproved, MatchRejected:
		return true
	}
	return false
}

// MatchType is the allocation shape of a match.
type MatchType string

const (
	MatchExact    MatchType = "exact"    // pays the invoice and consumes the transaction
	MatchSplit    MatchType = "split"    // pays the invoice, transaction has remainder
	MatchCombined MatchType = "combined" // consumes the transaction, invoice still open
	MatchPartial  MatchType = "partial"  // neither side fully consumed

	manualPrefix = "manual_"
)

// Manual returns the manual-tagged variant ("manual_split").
func (t MatchType) Manual() MatchType {
	if t.IsManual() {
		return t
	}
	return MatchType(manualPrefix + string(t))
}

// IsManual reports whether the type carries the manual tag.
func (t MatchType) IsManual() bool {
	return len(t) > len(manualPrefix) && string(t[:len(manualPrefix)]) == manualPrefix
}

// Base strips the manual tag.
func (t MatchType) Base() MatchType {
	if t.IsManual() {
		return t[len(manualPrefix):]
	}
	return t
}

func (t MatchType) Valid() bool {
	switch t.Base() {
	case MatchExact, MatchSplit, MatchCombined, MatchPartial:
		return true
	}
	return false
}

// MatchSource records who produced a match row.
type MatchSource string

const (
	SourceManual MatchSource = "manual" // created by this engine for a staff request
	SourceAuto   MatchSource = "auto"   // produced by the external suggestion matcher
)

// =============================================================================
// SUBSCRIPTION STATUS
// =============================================================================

type SubscriptionStatus string

const (
	SubPending         SubscriptionStatus = "pending"
	SubCommitted       SubscriptionStatus = "committed"
	SubPartiallyFunded SubscriptionStatus = "partially_funded"
	SubFunded          SubscriptionStatus = "funded"
	SubActive          SubscriptionStatus = "active"
	SubCancelled       SubscriptionStatus = "cancelled"
	SubRejected        SubscriptionStatus = "rejected"
)

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubPending, SubCommitted, SubPartiallyFunded, SubFunded, SubActive, SubCancelled, SubRejected:
		return true
	}
	return false
}

// =============================================================================
// FEE EVENTS
// =============================================================================

type FeeStatus string

const (
	FeeAccrued  FeeStatus = "accrued"
	FeeInvoiced FeeStatus = "invoiced"
	FeePaid     FeeStatus = "paid"
)

func (s FeeStatus) Valid() bool {
	switch s {
	case FeeAccrued, FeeInvoiced, FeePaid:
		return true
	}
	return false
}

type FeeType string

const (
	// FeeSubscription is principal/commitment capture: paying it funds the
	// investor's subscription. Every other type is a recurring fee.
	FeeSubscription FeeType = "subscription"
	FeeManagement   FeeType = "management"
	FeePerformance  FeeType = "performance"
	FeeStructuring  FeeType = "structuring"
	FeeOther        FeeType = "other"
)

// IsPrincipal reports whether paying this fee is a funding event.
func (t FeeType) IsPrincipal() bool {
	return t == FeeSubscription
}
