package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/recon-engine/money"
)

// Subscription is an investor's commitment to a vehicle. FundedAmount only
// grows through payment clearing.
type Subscription struct {
	ID           string
	InvestorID   string
	VehicleID    string
	DealID       string
	Commitment   decimal.NullDecimal
	FundedAmount decimal.Decimal
	Status       SubscriptionStatus
	Units        decimal.NullDecimal

	Version   int64
	UpdatedAt time.Time
}

// Validate checks the record at the repository boundary.
func (s Subscription) Validate() error {
	switch {
	case s.ID == "":
		return fmt.Errorf("%w: subscription id is required", ErrInvalidRecord)
	case !s.Status.Valid():
		return fmt.Errorf("%w: subscription %s has unknown status %q", ErrInvalidRecord, s.ID, s.Status)
	case s.FundedAmount.IsNegative():
		return fmt.Errorf("%w: subscription %s funded amount is negative", ErrInvalidRecord, s.ID)
	case s.Commitment.Valid && s.Commitment.Decimal.IsNegative():
		return fmt.Errorf("%w: subscription %s commitment is negative", ErrInvalidRecord, s.ID)
	}
	return nil
}

// =============================================================================
// FUNDING RULES
// =============================================================================

// fundedThreshold is the funded/commitment ratio at which a subscription
// counts as fully funded.
var fundedThreshold = decimal.RequireFromString("0.9999")

// statusRank orders the funding path. A subscription never moves to a lower
// rank through payment clearing.
var statusRank = map[SubscriptionStatus]int{
	SubPending:         0,
	SubCommitted:       1,
	SubPartiallyFunded: 2,
	SubFunded:          3,
	SubActive:          4,
}

// FundingEligible reports whether payments may be booked against s.
// Cancelled and rejected subscriptions are not eligible.
func (s Subscription) FundingEligible() bool {
	_, ok := statusRank[s.Status]
	return ok
}

// FundedRatio returns funded/commitment, or false when the commitment is
// zero or absent.
func (s Subscription) FundedRatio() (decimal.Decimal, bool) {
	if !s.Commitment.Valid || !s.Commitment.Decimal.IsPositive() {
		return decimal.Zero, false
	}
	return s.FundedAmount.Div(s.Commitment.Decimal), true
}

// ApplyFunding books a payment against the subscription and returns the
// updated record. The status follows the funded ratio but never downgrades
// and never reaches active; activation happens at deal close.
func (s Subscription) ApplyFunding(payment decimal.Decimal, at time.Time) (Subscription, error) {
	if !s.FundingEligible() {
		return s, fmt.Errorf("%w: subscription %s is %s", ErrInvalidState, s.ID, s.Status)
	}
	if !payment.IsPositive() {
		return s, fmt.Errorf("%w: funding payment must be positive, got %s", ErrInvalidAmount, payment)
	}

	out := s
	out.FundedAmount = money.RoundCurrency(s.FundedAmount.Add(payment))
	out.UpdatedAt = at

	ratio, ok := out.FundedRatio()
	if !ok {
		return out, nil
	}

	next := out.Status
	switch {
	case ratio.GreaterThanOrEqual(fundedThreshold):
		next = SubFunded
	case ratio.IsPositive():
		next = SubPartiallyFunded
	}
	if statusRank[next] > statusRank[out.Status] {
		out.Status = next
	}
	return out, nil
}
