/*
propagator.go - Books a paid invoice into fee events and subscriptions

PURPOSE:
  When an invoice reaches "paid", its outstanding fee events are settled
  and the principal part of them is credited to the investor
  subscriptions they were raised for.

STEPS:
  1. Payable fee events (accrued, invoiced) -> paid. None left: no-op.
  2. Principal fee events grouped by allocation (subscription) id.
  3. Per subscription:
     - cancelled/rejected: skipped with a warning, never an error
     - funded amount += payment (rounded), status follows the funded ratio
     - persistence failure aborts the whole run

IDEMPOTENCY:
  Only payable fee events feed funding, and they are marked paid in the
  same unit. A retry after success finds nothing payable and does nothing.

SEE ALSO:
  - ledger/subscription.go: ApplyFunding and the status ranks
  - ledger/fee.go: PrincipalByAllocation
  - engine.go: Runs Propagate in its own unit and emits audit records
*/
package matching

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/recon-engine/ledger"
)

// FundingChange describes one subscription credited by a payment.
type FundingChange struct {
	SubscriptionID string
	Payment        decimal.Decimal
	FundedBefore   decimal.Decimal
	FundedAfter    decimal.Decimal
	StatusBefore   ledger.SubscriptionStatus
	StatusAfter    ledger.SubscriptionStatus
}

// SkippedFunding describes a principal payment that was not booked.
type SkippedFunding struct {
	SubscriptionID string
	Status         ledger.SubscriptionStatus // empty when the subscription was not loaded
	Payment        decimal.Decimal
	Reason         string
}

const (
	SkipIneligible       = "subscription not eligible for funding"
	SkipNonPositiveTotal = "principal total is not positive"
)

// PropagationSummary is what one propagation run changed.
type PropagationSummary struct {
	InvoiceID     string
	FeeEventsPaid []string
	Funded        []FundingChange
	Skipped       []SkippedFunding
	// AlreadyDone is set when no payable fee events were left.
	AlreadyDone bool
}

// Propagator applies the downstream effects of a paid invoice.
type Propagator struct {
	logger *zap.Logger
}

func NewPropagator(logger *zap.Logger) *Propagator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Propagator{logger: logger}
}

// Propagate runs against r, which should be a transactional view: every
// error leaves the caller to roll back. Errors are *ledger.PropagationError.
func (p *Propagator) Propagate(ctx context.Context, r ledger.Repository, invoiceID string, at time.Time) (*PropagationSummary, error) {
	summary := &PropagationSummary{InvoiceID: invoiceID}
	fail := func(subID string, err error) (*PropagationSummary, error) {
		return summary, &ledger.PropagationError{InvoiceID: invoiceID, SubscriptionID: subID, Err: err}
	}

	inv, err := r.GetInvoice(ctx, invoiceID)
	if err != nil {
		return fail("", err)
	}
	if !inv.IsPaid() {
		return fail("", fmt.Errorf("%w: invoice %s is %s", ledger.ErrInvalidState, inv.ID, inv.Status))
	}

	events, err := r.ListFeeEventsByInvoice(ctx, invoiceID)
	if err != nil {
		return fail("", err)
	}
	var payable []ledger.FeeEvent
	for _, f := range events {
		if f.Payable() {
			payable = append(payable, f)
		}
	}
	if len(payable) == 0 {
		summary.AlreadyDone = true
		return summary, nil
	}

	for _, f := range payable {
		if err := r.UpdateFeeEventStatus(ctx, f.ID, ledger.FeePaid, at); err != nil {
			return fail("", fmt.Errorf("mark fee event %s paid: %w", f.ID, err))
		}
		summary.FeeEventsPaid = append(summary.FeeEventsPaid, f.ID)
	}

	totals, order := ledger.PrincipalByAllocation(payable)
	for _, subID := range order {
		payment := totals[subID]
		if !payment.IsPositive() {
			p.logger.Warn("principal total not positive, funding skipped",
				zap.String("subscription_id", subID),
				zap.String("invoice_id", invoiceID),
				zap.String("payment", payment.StringFixed(2)),
			)
			summary.Skipped = append(summary.Skipped, SkippedFunding{
				SubscriptionID: subID, Payment: payment, Reason: SkipNonPositiveTotal,
			})
			continue
		}

		sub, err := r.GetSubscription(ctx, subID)
		if err != nil {
			return fail(subID, err)
		}

		if !sub.FundingEligible() {
			p.logger.Warn("subscription not eligible for funding, skipped",
				zap.String("subscription_id", sub.ID),
				zap.String("status", string(sub.Status)),
				zap.String("invoice_id", invoiceID),
				zap.String("payment", payment.StringFixed(2)),
			)
			summary.Skipped = append(summary.Skipped, SkippedFunding{
				SubscriptionID: sub.ID, Status: sub.Status, Payment: payment, Reason: SkipIneligible,
			})
			continue
		}

		updated, err := sub.ApplyFunding(payment, at)
		if err != nil {
			return fail(subID, err)
		}
		if err := r.UpdateSubscriptionFunding(ctx, updated); err != nil {
			return fail(subID, fmt.Errorf("persist funding: %w", err))
		}

		summary.Funded = append(summary.Funded, FundingChange{
			SubscriptionID: sub.ID,
			Payment:        payment,
			FundedBefore:   sub.FundedAmount,
			FundedAfter:    updated.FundedAmount,
			StatusBefore:   sub.Status,
			StatusAfter:    updated.Status,
		})
	}

	return summary, nil
}
