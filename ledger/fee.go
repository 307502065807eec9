package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// FeeEvent is a charge computed for a subscription and billed on an invoice.
type FeeEvent struct {
	ID             string
	AllocationID   string // subscription id
	FeeType        FeeType
	ComputedAmount decimal.Decimal
	InvoiceID      string
	Status         FeeStatus
	PaidAt         *time.Time
}

// Validate checks the record at the repository boundary.
func (f FeeEvent) Validate() error {
	switch {
	case f.ID == "":
		return fmt.Errorf("%w: fee event id is required", ErrInvalidRecord)
	case f.InvoiceID == "":
		return fmt.Errorf("%w: fee event %s has no invoice", ErrInvalidRecord, f.ID)
	case !f.Status.Valid():
		return fmt.Errorf("%w: fee event %s has unknown status %q", ErrInvalidRecord, f.ID, f.Status)
	case f.FeeType.IsPrincipal() && f.AllocationID == "":
		return fmt.Errorf("%w: principal fee event %s has no allocation", ErrInvalidRecord, f.ID)
	case f.FeeType.IsPrincipal() && !f.ComputedAmount.IsPositive():
		return fmt.Errorf("%w: principal fee event %s amount must be positive", ErrInvalidRecord, f.ID)
	case f.ComputedAmount.IsNegative():
		return fmt.Errorf("%w: fee event %s amount is negative", ErrInvalidRecord, f.ID)
	}
	return nil
}

// Payable reports whether the fee still awaits payment.
func (f FeeEvent) Payable() bool {
	return f.Status == FeeAccrued || f.Status == FeeInvoiced
}

// PrincipalByAllocation groups principal fee amounts by subscription id.
// Recurring fee types are ignored.
func PrincipalByAllocation(events []FeeEvent) (map[string]decimal.Decimal, []string) {
	totals := make(map[string]decimal.Decimal)
	var order []string
	for _, f := range events {
		if !f.FeeType.IsPrincipal() {
			continue
		}
		if _, ok := totals[f.AllocationID]; !ok {
			order = append(order, f.AllocationID)
			totals[f.AllocationID] = decimal.Zero
		}
		totals[f.AllocationID] = totals[f.AllocationID].Add(f.ComputedAmount)
	}
	return totals, order
}
