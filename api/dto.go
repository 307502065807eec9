/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger records from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request / *Input: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Every amount is a decimal.Decimal and serializes as a JSON string
  ("1000.5"). Requests accept strings or numbers.

VALIDATION:
  Request types carry go-playground/validator tags, checked by
  decodeAndValidate before any handler logic runs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/recon-engine/ledger"
	"github.com/warp/recon-engine/matching"
)

// =============================================================================
// REQUESTS
// =============================================================================

// ManualMatchRequest is the body of POST /api/match/manual.
type ManualMatchRequest struct {
	BankTransactionID string           `json:"bank_transaction_id" validate:"required"`
	InvoiceID         string           `json:"invoice_id" validate:"required"`
	MatchedAmount     *decimal.Decimal `json:"matched_amount,omitempty"`
	Notes             string           `json:"notes,omitempty" validate:"max=2000"`
}

// ImportRequest seeds records produced by upstream processes.
type ImportRequest struct {
	BankTransactions []BankTransactionInput `json:"bank_transactions" validate:"dive"`
	Invoices         []InvoiceInput         `json:"invoices" validate:"dive"`
	Subscriptions    []SubscriptionInput    `json:"subscriptions" validate:"dive"`
	FeeEvents        []FeeEventInput        `json:"fee_events" validate:"dive"`
}

type BankTransactionInput struct {
	ID           string           `json:"id" validate:"required"`
	Amount       *decimal.Decimal `json:"amount" validate:"required"`
	Currency     string           `json:"currency" validate:"required,len=3"`
	ValueDate    string           `json:"value_date,omitempty"` // YYYY-MM-DD or RFC3339
	Counterparty string           `json:"counterparty,omitempty"`
	Memo         string           `json:"memo,omitempty"`
}

type InvoiceInput struct {
	ID            string           `json:"id" validate:"required"`
	InvoiceNumber string           `json:"invoice_number,omitempty"`
	Total         *decimal.Decimal `json:"total" validate:"required"`
	PaidAmount    *decimal.Decimal `json:"paid_amount,omitempty"`
	Currency      string           `json:"currency" validate:"required,len=3"`
	Status        string           `json:"status,omitempty" validate:"omitempty,oneof=draft sent partially_paid paid void"`
	InvestorID    string           `json:"investor_id,omitempty"`
	DealID        string           `json:"deal_id,omitempty"`
}

type SubscriptionInput struct {
	ID           string           `json:"id" validate:"required"`
	InvestorID   string           `json:"investor_id,omitempty"`
	VehicleID    string           `json:"vehicle_id,omitempty"`
	DealID       string           `json:"deal_id,omitempty"`
	Commitment   *decimal.Decimal `json:"commitment,omitempty"`
	FundedAmount *decimal.Decimal `json:"funded_amount,omitempty"`
	Status       string           `json:"status" validate:"required,oneof=pending committed partially_funded funded active cancelled rejected"`
	Units        *decimal.Decimal `json:"units,omitempty"`
}

type FeeEventInput struct {
	ID             string           `json:"id" validate:"required"`
	AllocationID   string           `json:"allocation_id,omitempty"`
	FeeType        string           `json:"fee_type" validate:"required,oneof=subscription management performance structuring other"`
	ComputedAmount *decimal.Decimal `json:"computed_amount" validate:"required"`
	InvoiceID      string           `json:"invoice_id" validate:"required"`
	Status         string           `json:"status,omitempty" validate:"omitempty,oneof=accrued invoiced paid"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

type BankTransactionDTO struct {
	ID                string          `json:"id"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            string          `json:"status"`
	MatchedInvoiceIDs []string        `json:"matched_invoice_ids"`
	MatchConfidence   int             `json:"match_confidence"`
	MatchNotes        string          `json:"match_notes,omitempty"`
	ValueDate         string          `json:"value_date,omitempty"`
	Counterparty      string          `json:"counterparty,omitempty"`
	Memo              string          `json:"memo,omitempty"`
	Version           int64           `json:"version"`
}

type InvoiceDTO struct {
	ID            string          `json:"id"`
	InvoiceNumber string          `json:"invoice_number,omitempty"`
	Total         decimal.Decimal `json:"total"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	BalanceDue    decimal.Decimal `json:"balance_due"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
	MatchStatus   string          `json:"match_status"`
	PaidAt        string          `json:"paid_at,omitempty"`
	InvestorID    string          `json:"investor_id,omitempty"`
	DealID        string          `json:"deal_id,omitempty"`
	Version       int64           `json:"version"`
}

type MatchDTO struct {
	ID                string          `json:"id"`
	BankTransactionID string          `json:"bank_transaction_id"`
	InvoiceID         string          `json:"invoice_id"`
	MatchType         string          `json:"match_type"`
	MatchedAmount     decimal.Decimal `json:"matched_amount"`
	MatchConfidence   int             `json:"match_confidence"`
	MatchReason       string          `json:"match_reason,omitempty"`
	Notes             string          `json:"notes,omitempty"`
	Status            string          `json:"status"`
	Source            string          `json:"source"`
	CreatedBy         string          `json:"created_by,omitempty"`
	CreatedAt         string          `json:"created_at"`
	ApprovedBy        string          `json:"approved_by,omitempty"`
	ApprovedAt        string          `json:"approved_at,omitempty"`
}

type FundingDTO struct {
	SubscriptionID string          `json:"subscription_id"`
	Payment        decimal.Decimal `json:"payment"`
	FundedBefore   decimal.Decimal `json:"funded_before"`
	FundedAfter    decimal.Decimal `json:"funded_after"`
	StatusBefore   string          `json:"status_before"`
	StatusAfter    string          `json:"status_after"`
}

type SkippedFundingDTO struct {
	SubscriptionID string          `json:"subscription_id"`
	Status         string          `json:"status,omitempty"`
	Payment        decimal.Decimal `json:"payment"`
	Reason         string          `json:"reason"`
}

type PropagationDTO struct {
	InvoiceID     string              `json:"invoice_id"`
	FeeEventsPaid []string            `json:"fee_events_paid"`
	Funded        []FundingDTO        `json:"funded"`
	Skipped       []SkippedFundingDTO `json:"skipped"`
	AlreadyDone   bool                `json:"already_done"`
}

// AppliedMatchResponse is returned by manual match and approve.
type AppliedMatchResponse struct {
	Success            bool               `json:"success"`
	MatchID            string             `json:"match_id"`
	MatchType          string             `json:"match_type"`
	AppliedAmount      decimal.Decimal    `json:"applied_amount"`
	BankTransaction    BankTransactionDTO `json:"bank_transaction"`
	Invoice            InvoiceDTO         `json:"invoice"`
	Matches            []MatchDTO         `json:"matches"`
	TotalMatchedAmount decimal.Decimal    `json:"total_matched_amount"`
	AlreadyApplied     bool               `json:"already_applied,omitempty"`
	Propagation        *PropagationDTO    `json:"propagation,omitempty"`

	// Set only with 207: the money is booked, downstream bookkeeping is not.
	Error             string `json:"error,omitempty"`
	PropagationFailed bool   `json:"propagation_failed,omitempty"`
}

type BankTransactionResponse struct {
	BankTransaction    BankTransactionDTO `json:"bank_transaction"`
	Matches            []MatchDTO         `json:"matches"`
	TotalMatchedAmount decimal.Decimal    `json:"total_matched_amount"`
	RemainingAmount    decimal.Decimal    `json:"remaining_amount"`
	Healed             bool               `json:"healed,omitempty"`
}

type InvoiceResponse struct {
	Invoice InvoiceDTO `json:"invoice"`
	Matches []MatchDTO `json:"matches"`
}

type AuditEntryDTO struct {
	ID         string         `json:"id"`
	Timestamp  string         `json:"timestamp"`
	ActorID    string         `json:"actor_id,omitempty"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type ImportResponse struct {
	BankTransactions int `json:"bank_transactions"`
	Invoices         int `json:"invoices"`
	Subscriptions    int `json:"subscriptions"`
	FeeEvents        int `json:"fee_events"`
}

type SweepResponse struct {
	Deleted      []string `json:"deleted"`
	Transactions []string `json:"transactions"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func toBankTransactionDTO(t ledger.BankTransaction) BankTransactionDTO {
	ids := t.MatchedInvoiceIDs
	if ids == nil {
		ids = []string{}
	}
	return BankTransactionDTO{
		ID:                t.ID,
		Amount:            t.Amount,
		Currency:          t.Currency,
		Status:            string(t.Status),
		MatchedInvoiceIDs: ids,
		MatchConfidence:   t.MatchConfidence,
		MatchNotes:        t.MatchNotes,
		ValueDate:         formatTime(t.ValueDate),
		Counterparty:      t.Counterparty,
		Memo:              t.Memo,
		Version:           t.Version,
	}
}

func toInvoiceDTO(inv ledger.Invoice) InvoiceDTO {
	return InvoiceDTO{
		ID:            inv.ID,
		InvoiceNumber: inv.InvoiceNumber,
		Total:         inv.Total,
		PaidAmount:    inv.PaidAmount,
		BalanceDue:    inv.Remaining(),
		Currency:      inv.Currency,
		Status:        string(inv.Status),
		MatchStatus:   string(inv.MatchStatus),
		PaidAt:        formatTimePtr(inv.PaidAt),
		InvestorID:    inv.InvestorID,
		DealID:        inv.DealID,
		Version:       inv.Version,
	}
}

func toMatchDTO(m ledger.ReconciliationMatch) MatchDTO {
	return MatchDTO{
		ID:                m.ID,
		BankTransactionID: m.BankTransactionID,
		InvoiceID:         m.InvoiceID,
		MatchType:         string(m.MatchType),
		MatchedAmount:     m.MatchedAmount,
		MatchConfidence:   m.MatchConfidence,
		MatchReason:       m.MatchReason,
		Notes:             m.Notes,
		Status:            string(m.Status),
		Source:            string(m.Source),
		CreatedBy:         m.CreatedBy,
		CreatedAt:         formatTime(m.CreatedAt),
		ApprovedBy:        m.ApprovedBy,
		ApprovedAt:        formatTimePtr(m.ApprovedAt),
	}
}

func toMatchDTOs(matches []ledger.ReconciliationMatch) []MatchDTO {
	out := make([]MatchDTO, 0, len(matches))
	for _, m := range matches {
		out = append(out, toMatchDTO(m))
	}
	return out
}

func toPropagationDTO(s *matching.PropagationSummary) *PropagationDTO {
	if s == nil {
		return nil
	}
	dto := &PropagationDTO{
		InvoiceID:     s.InvoiceID,
		FeeEventsPaid: append([]string{}, s.FeeEventsPaid...),
		Funded:        make([]FundingDTO, 0, len(s.Funded)),
		Skipped:       make([]SkippedFundingDTO, 0, len(s.Skipped)),
		AlreadyDone:   s.AlreadyDone,
	}
	for _, f := range s.Funded {
		dto.Funded = append(dto.Funded, FundingDTO{
			SubscriptionID: f.SubscriptionID,
			Payment:        f.Payment,
			FundedBefore:   f.FundedBefore,
			FundedAfter:    f.FundedAfter,
			StatusBefore:   string(f.StatusBefore),
			StatusAfter:    string(f.StatusAfter),
		})
	}
	for _, sk := range s.Skipped {
		dto.Skipped = append(dto.Skipped, SkippedFundingDTO{
			SubscriptionID: sk.SubscriptionID,
			Status:         string(sk.Status),
			Payment:        sk.Payment,
			Reason:         sk.Reason,
		})
	}
	return dto
}

func toAppliedMatchResponse(res *matching.AppliedMatchResult) AppliedMatchResponse {
	return AppliedMatchResponse{
		Success:            true,
		MatchID:            res.MatchID,
		MatchType:          string(res.MatchType),
		AppliedAmount:      res.AppliedAmount,
		BankTransaction:    toBankTransactionDTO(res.Transaction),
		Invoice:            toInvoiceDTO(res.Invoice),
		Matches:            toMatchDTOs(res.Matches),
		TotalMatchedAmount: res.TotalMatchedAmount,
		AlreadyApplied:     res.AlreadyApplied,
		Propagation:        toPropagationDTO(res.Propagation),
	}
}

func toAuditEntryDTO(e ledger.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:         e.ID,
		Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
		ActorID:    e.ActorID,
		Action:     string(e.Action),
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Metadata:   e.Metadata,
	}
}

// =============================================================================
// IMPORT CONVERSIONS
// =============================================================================

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func orZero(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

func toNull(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*d)
}

func (in BankTransactionInput) toRecord() (ledger.BankTransaction, error) {
	valueDate, err := parseDate(in.ValueDate)
	if err != nil {
		return ledger.BankTransaction{}, err
	}
	return ledger.BankTransaction{
		ID:           in.ID,
		Amount:       orZero(in.Amount),
		Currency:     in.Currency,
		ValueDate:    valueDate,
		Counterparty: in.Counterparty,
		Memo:         in.Memo,
	}, nil
}

func (in InvoiceInput) toRecord() ledger.Invoice {
	return ledger.Invoice{
		ID:            in.ID,
		InvoiceNumber: in.InvoiceNumber,
		Total:         orZero(in.Total),
		PaidAmount:    orZero(in.PaidAmount),
		Currency:      in.Currency,
		Status:        ledger.InvoiceStatus(in.Status),
		InvestorID:    in.InvestorID,
		DealID:        in.DealID,
	}
}

func (in SubscriptionInput) toRecord() ledger.Subscription {
	return ledger.Subscription{
		ID:           in.ID,
		InvestorID:   in.InvestorID,
		VehicleID:    in.VehicleID,
		DealID:       in.DealID,
		Commitment:   toNull(in.Commitment),
		FundedAmount: orZero(in.FundedAmount),
		Status:       ledger.SubscriptionStatus(in.Status),
		Units:        toNull(in.Units),
	}
}

func (in FeeEventInput) toRecord() ledger.FeeEvent {
	status := ledger.FeeStatus(in.Status)
	if status == "" {
		status = ledger.FeeInvoiced
	}
	return ledger.FeeEvent{
		ID:             in.ID,
		AllocationID:   in.AllocationID,
		FeeType:        ledger.FeeType(in.FeeType),
		ComputedAmount: orZero(in.ComputedAmount),
		InvoiceID:      in.InvoiceID,
		Status:         status,
	}
}
