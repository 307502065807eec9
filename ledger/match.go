package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ReconciliationMatch links a bank transaction to an invoice. Only approved
// matches count toward aggregates.
type ReconciliationMatch struct {
	ID                string
	BankTransactionID string
	InvoiceID         string
	MatchType         MatchType
	MatchedAmount     decimal.Decimal
	MatchConfidence   int // 0-100
	MatchReason       string
	Notes             string
	Status            MatchStatus
	Source            MatchSource

	CreatedBy  string
	CreatedAt  time.Time
	ApprovedBy string
	ApprovedAt *time.Time
}

// Validate checks the record at the repository boundary.
func (m ReconciliationMatch) Validate() error {
	switch {
	case m.ID == "":
		return fmt.Errorf("%w: match id is required", ErrInvalidRecord)
	case m.BankTransactionID == "" || m.InvoiceID == "":
		return fmt.Errorf("%w: match %s must reference a transaction and an invoice", ErrInvalidRecord, m.ID)
	case !m.MatchedAmount.IsPositive():
		return fmt.Errorf("%w: match %s amount must be positive", ErrInvalidRecord, m.ID)
	case m.MatchConfidence < 0 || m.MatchConfidence > 100:
		return fmt.Errorf("%w: match %s confidence %d out of range", ErrInvalidRecord, m.ID, m.MatchConfidence)
	case !m.Status.Valid():
		return fmt.Errorf("%w: match %s has unknown status %q", ErrInvalidRecord, m.ID, m.Status)
	case !m.MatchType.Valid():
		return fmt.Errorf("%w: match %s has unknown type %q", ErrInvalidRecord, m.ID, m.MatchType)
	}
	return nil
}

// SumMatched totals the amounts of approved matches.
func SumMatched(matches []ReconciliationMatch) decimal.Decimal {
	total := decimal.Zero
	for _, m := range matches {
		if m.Status == MatchApproved {
			total = total.Add(m.MatchedAmount)
		}
	}
	return total
}

// ExcludeMatch returns matches without the one with the given id.
func ExcludeMatch(matches []ReconciliationMatch, id string) []ReconciliationMatch {
	out := make([]ReconciliationMatch, 0, len(matches))
	for _, m := range matches {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}
