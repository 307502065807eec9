/*
engine.go - Match application engine

PURPOSE:
  Turns a staff decision ("this payment pays that invoice") into durable
  ledger state. Every operation re-reads current truth through the
  repository; nothing is cached between calls.

CREATE MANUAL MATCH:
  One WithTx unit:
    1. load transaction, invoice, approved matches (NotFound)
    2. currency check, void check
    3-4. Classify -> amount and type
    5. insert suggested match (manual_<type>, confidence 100)
    6. ApplyMatch (atomic, idempotent)
    7. self-heal the transaction aggregate from approved matches
    8. drop superseded suggested rows for the pair
  After commit:
    9. invoice paid -> Propagator in its own unit
   10. audit: match_applied (invoice), transaction_allocated (transaction)
   11. result

FAILURE MODES:
  - validation before insert: nothing written, error as classified
  - anything after insert (apply, heal, cancellation): the unit rolls back
    and the engine also deletes the suggested row if it survived (stores
    without real transactions), then returns *ledger.ApplyError
  - propagation: match and invoice stay committed, the result comes back
    together with *ledger.PropagationError

SEE ALSO:
  - classifier.go: amount and type
  - propagator.go: fee events and subscription funding
  - sweeper.go: cleanup of suggested rows that escaped compensation
*/
package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/recon-engine/audit"
	"github.com/warp/recon-engine/ledger"
)

// Notifier is told when an invoice becomes paid. Failures are logged only.
type Notifier interface {
	InvoicePaid(ctx context.Context, inv ledger.Invoice) error
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	repo       ledger.TxRepository
	propagator *Propagator
	audit      audit.Emitter
	notifier   Notifier
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithAudit(a audit.Emitter) Option { return func(e *Engine) { e.audit = a } }

func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithIDGenerator(newID func() string) Option { return func(e *Engine) { e.newID = newID } }

func NewEngine(repo ledger.TxRepository, opts ...Option) *Engine {
	e := &Engine{
		repo:   repo,
		audit:  audit.Nop{},
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.propagator = NewPropagator(e.logger)
	return e
}

// =============================================================================
// REQUEST / RESULT
// =============================================================================

type ManualMatchRequest struct {
	BankTransactionID string
	InvoiceID         string
	RequestedAmount   *decimal.Decimal // optional; clamps the applied amount when positive
	Notes             string
	ActorID           string
}

func (r ManualMatchRequest) validate() error {
	switch {
	case r.BankTransactionID == "":
		return fmt.Errorf("%w: bank_transaction_id is required", ledger.ErrInvalidRecord)
	case r.InvoiceID == "":
		return fmt.Errorf("%w: invoice_id is required", ledger.ErrInvalidRecord)
	case r.ActorID == "":
		return fmt.Errorf("%w: actor is required", ledger.ErrInvalidRecord)
	}
	return nil
}

// AppliedMatchResult is the state after a match was applied.
type AppliedMatchResult struct {
	MatchID            string
	MatchType          ledger.MatchType
	AppliedAmount      decimal.Decimal
	Transaction        ledger.BankTransaction
	Invoice            ledger.Invoice
	Matches            []ledger.ReconciliationMatch // approved, for the transaction
	TotalMatchedAmount decimal.Decimal
	Propagation        *PropagationSummary // nil unless the invoice became paid
	AlreadyApplied     bool
}

// RecomputeResult is the outcome of a standalone self-heal.
type RecomputeResult struct {
	Transaction ledger.BankTransaction
	Matches     []ledger.ReconciliationMatch
	Healed      bool
}

// settled is the committed state of a transaction/invoice pair.
type settled struct {
	transaction ledger.BankTransaction
	invoice     ledger.Invoice
	approved    []ledger.ReconciliationMatch
}

// =============================================================================
// CREATE MANUAL MATCH
// =============================================================================

// CreateManualMatch allocates funds from a bank transaction to an invoice.
func (e *Engine) CreateManualMatch(ctx context.Context, req ManualMatchRequest) (*AppliedMatchResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	matchID := e.newID()
	var (
		inserted bool
		cls      Classification
		st       *settled
	)

	err := e.repo.WithTx(ctx, func(r ledger.Repository) error {
		inserted = false

		txn, inv, approved, err := e.loadPair(ctx, r, req.BankTransactionID, req.InvoiceID)
		if err != nil {
			return err
		}

		cls, err = Classify(ClassifyInput{
			TransactionAmount:   txn.Amount,
			Allocated:           ledger.SumMatched(approved),
			InvoiceRemaining:    inv.Remaining(),
			TransactionCurrency: txn.Currency,
			InvoiceCurrency:     inv.Currency,
			Requested:           req.RequestedAmount,
		})
		if err != nil {
			return err
		}

		match := ledger.ReconciliationMatch{
			ID:                matchID,
			BankTransactionID: txn.ID,
			InvoiceID:         inv.ID,
			MatchType:         cls.Type.Manual(),
			MatchedAmount:     cls.Amount,
			MatchConfidence:   100,
			MatchReason:       fmt.Sprintf("manual match (%s)", cls.Type),
			Notes:             req.Notes,
			Status:            ledger.MatchSuggested,
			Source:            ledger.SourceManual,
			CreatedBy:         req.ActorID,
			CreatedAt:         e.now(),
		}
		if err := r.InsertMatch(ctx, match); err != nil {
			return fmt.Errorf("insert match: %w", err)
		}
		inserted = true

		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.ApplyMatch(ctx, matchID, req.ActorID); err != nil {
			return err
		}

		st, err = e.settle(ctx, r, txn.ID, inv.ID)
		return err
	})
	if err != nil {
		if inserted {
			return nil, e.compensate(ctx, matchID, err)
		}
		return nil, err
	}

	e.logger.Info("manual match applied",
		zap.String("match_id", matchID),
		zap.String("bank_transaction_id", req.BankTransactionID),
		zap.String("invoice_id", req.InvoiceID),
		zap.String("match_type", string(cls.Type.Manual())),
		zap.String("amount", cls.Amount.StringFixed(2)),
		zap.String("actor_id", req.ActorID),
	)

	return e.finish(ctx, req.ActorID, ledger.ReconciliationMatch{
		ID:            matchID,
		MatchType:     cls.Type.Manual(),
		MatchedAmount: cls.Amount,
		Source:        ledger.SourceManual,
	}, st)
}

// compensate removes the suggested row of a failed apply when it survived
// the rollback, and reports the failure.
func (e *Engine) compensate(ctx context.Context, matchID string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	log := e.logger.With(zap.String("match_id", matchID), zap.NamedError("cause", cause))

	m, err := e.repo.GetMatch(ctx, matchID)
	switch {
	case ledger.IsNotFound(err):
		log.Warn("apply failed, unit rolled back")
	case err != nil:
		log.Error("apply failed, could not inspect suggested match", zap.Error(err))
	case m.Status == ledger.MatchSuggested:
		if err := e.repo.DeleteMatch(ctx, matchID); err != nil {
			log.Error("apply failed, compensating delete failed; left for sweeper", zap.Error(err))
		} else {
			log.Warn("apply failed, suggested match removed")
		}
	case m.Status == ledger.MatchApproved:
		// Non-atomic store: the apply landed but a later step did not.
		// The next recompute restores the transaction aggregate.
		log.Error("match applied but follow-up failed")
		return fmt.Errorf("match %s applied, follow-up failed: %w", matchID, cause)
	}

	return &ledger.ApplyError{MatchID: matchID, Err: cause}
}

// =============================================================================
// APPROVE / REJECT SUGGESTED
// =============================================================================

// ApproveSuggestedMatch applies a suggested match produced elsewhere.
// Approving an approved match returns the current state and changes nothing.
func (e *Engine) ApproveSuggestedMatch(ctx context.Context, matchID, actorID string) (*AppliedMatchResult, error) {
	if actorID == "" {
		return nil, fmt.Errorf("%w: actor is required", ledger.ErrInvalidRecord)
	}

	var (
		match   ledger.ReconciliationMatch
		already bool
		st      *settled
	)
	err := e.repo.WithTx(ctx, func(r ledger.Repository) error {
		m, err := r.GetMatch(ctx, matchID)
		if err != nil {
			return err
		}
		match = *m

		switch m.Status {
		case ledger.MatchApproved:
			already = true
			st, err = e.read(ctx, r, m.BankTransactionID, m.InvoiceID)
			return err
		case ledger.MatchRejected:
			return fmt.Errorf("%w: match %s was rejected", ledger.ErrInvalidState, m.ID)
		}

		if _, _, _, err := e.loadPair(ctx, r, m.BankTransactionID, m.InvoiceID); err != nil {
			return err
		}
		if err := r.ApplyMatch(ctx, m.ID, actorID); err != nil {
			return fmt.Errorf("apply match %s: %w", m.ID, err)
		}
		st, err = e.settle(ctx, r, m.BankTransactionID, m.InvoiceID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if already {
		return e.result(match, st, true), nil
	}

	e.logger.Info("suggested match approved",
		zap.String("match_id", match.ID),
		zap.String("amount", match.MatchedAmount.StringFixed(2)),
		zap.String("actor_id", actorID),
	)
	return e.finish(ctx, actorID, match, st)
}

// RejectSuggestedMatch moves a suggested match to rejected.
func (e *Engine) RejectSuggestedMatch(ctx context.Context, matchID, actorID string) (*ledger.ReconciliationMatch, error) {
	if actorID == "" {
		return nil, fmt.Errorf("%w: actor is required", ledger.ErrInvalidRecord)
	}

	var out *ledger.ReconciliationMatch
	err := e.repo.WithTx(ctx, func(r ledger.Repository) error {
		if err := r.RejectMatch(ctx, matchID); err != nil {
			return err
		}
		var err error
		out, err = r.GetMatch(ctx, matchID)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.audit.Log(ctx, audit.Event{
		ActorID:    actorID,
		Action:     ledger.AuditMatchRejected,
		EntityType: audit.EntityMatch,
		EntityID:   out.ID,
		Metadata: map[string]any{
			"bank_transaction_id": out.BankTransactionID,
			"invoice_id":          out.InvoiceID,
			"amount":              out.MatchedAmount.StringFixed(2),
		},
	})
	return out, nil
}

// =============================================================================
// RECOMPUTE / PROPAGATE
// =============================================================================

// RecomputeTransaction re-derives the transaction aggregate from its
// approved matches and overwrites the stored one when they disagree.
func (e *Engine) RecomputeTransaction(ctx context.Context, txID, actorID string) (*RecomputeResult, error) {
	var (
		res    RecomputeResult
		before ledger.BankTransaction
	)
	err := e.repo.WithTx(ctx, func(r ledger.Repository) error {
		var err error
		before, res.Healed, err = e.heal(ctx, r, txID)
		if err != nil {
			return err
		}
		txn, err := r.GetBankTransaction(ctx, txID)
		if err != nil {
			return err
		}
		res.Transaction = *txn
		res.Matches, err = r.ListMatchesByTransaction(ctx, txID, ledger.MatchApproved)
		return err
	})
	if err != nil {
		return nil, err
	}

	if res.Healed {
		e.logger.Warn("bank transaction aggregate drift corrected",
			zap.String("bank_transaction_id", txID),
			zap.String("stored_status", string(before.Status)),
			zap.String("derived_status", string(res.Transaction.Status)),
		)
		e.audit.Log(ctx, audit.Event{
			ActorID:    actorID,
			Action:     ledger.AuditTransactionHealed,
			EntityType: audit.EntityBankTransaction,
			EntityID:   txID,
			Metadata: map[string]any{
				"status_before":              string(before.Status),
				"status_after":               string(res.Transaction.Status),
				"matched_invoice_ids_before": before.MatchedInvoiceIDs,
				"matched_invoice_ids_after":  res.Transaction.MatchedInvoiceIDs,
			},
		})
	}
	return &res, nil
}

// PropagateInvoice reruns downstream propagation for a paid invoice. Used to
// retry after a PropagationError; a completed run makes it a no-op.
func (e *Engine) PropagateInvoice(ctx context.Context, invoiceID, actorID string) (*PropagationSummary, error) {
	inv, err := e.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if !inv.IsPaid() {
		return nil, fmt.Errorf("%w: invoice %s is %s, not paid", ledger.ErrInvalidState, inv.ID, inv.Status)
	}

	summary, err := e.propagate(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	e.auditPropagation(ctx, actorID, "", summary)
	return summary, nil
}

// =============================================================================
// UNIT STEPS
// =============================================================================

// loadPair loads both sides and checks they can be matched at all.
func (e *Engine) loadPair(ctx context.Context, r ledger.Repository, txID, invoiceID string) (*ledger.BankTransaction, *ledger.Invoice, []ledger.ReconciliationMatch, error) {
	txn, err := r.GetBankTransaction(ctx, txID)
	if err != nil {
		return nil, nil, nil, err
	}
	inv, err := r.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, nil, nil, err
	}
	if txn.Currency != inv.Currency {
		return nil, nil, nil, &ledger.CurrencyMismatchError{
			TransactionCurrency: txn.Currency,
			InvoiceCurrency:     inv.Currency,
		}
	}
	if inv.Status == ledger.InvoiceVoid {
		return nil, nil, nil, fmt.Errorf("%w: invoice %s is void", ledger.ErrInvalidState, inv.ID)
	}
	if err := inv.Validate(); err != nil {
		return nil, nil, nil, err
	}
	approved, err := r.ListMatchesByTransaction(ctx, txn.ID, ledger.MatchApproved)
	if err != nil {
		return nil, nil, nil, err
	}
	return txn, inv, approved, nil
}

// heal overwrites the stored transaction aggregate when it disagrees with
// the one derived from approved matches. It returns the stored record as it
// was before.
func (e *Engine) heal(ctx context.Context, r ledger.Repository, txID string) (ledger.BankTransaction, bool, error) {
	txn, err := r.GetBankTransaction(ctx, txID)
	if err != nil {
		return ledger.BankTransaction{}, false, err
	}
	approved, err := r.ListMatchesByTransaction(ctx, txID, ledger.MatchApproved)
	if err != nil {
		return *txn, false, err
	}

	state := ledger.DeriveTransactionState(txn.Amount, approved)
	if state.Matches(*txn) {
		return *txn, false, nil
	}

	updated := *txn
	updated.Status = state.Status
	updated.MatchedInvoiceIDs = state.MatchedInvoiceIDs
	if err := r.UpdateTransactionState(ctx, updated); err != nil {
		return *txn, false, fmt.Errorf("update bank transaction %s: %w", txID, err)
	}
	return *txn, true, nil
}

// settle runs the post-apply steps of a unit: self-heal, then removal of
// superseded suggestions for the pair.
func (e *Engine) settle(ctx context.Context, r ledger.Repository, txID, invoiceID string) (*settled, error) {
	if _, _, err := e.heal(ctx, r, txID); err != nil {
		return nil, err
	}
	if _, err := r.DeleteSuggestedMatches(ctx, txID, invoiceID); err != nil {
		return nil, fmt.Errorf("delete superseded suggestions: %w", err)
	}
	return e.read(ctx, r, txID, invoiceID)
}

func (e *Engine) read(ctx context.Context, r ledger.Repository, txID, invoiceID string) (*settled, error) {
	txn, err := r.GetBankTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	inv, err := r.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	approved, err := r.ListMatchesByTransaction(ctx, txID, ledger.MatchApproved)
	if err != nil {
		return nil, err
	}
	return &settled{transaction: *txn, invoice: *inv, approved: approved}, nil
}

// =============================================================================
// AFTER COMMIT
// =============================================================================

func (e *Engine) result(m ledger.ReconciliationMatch, st *settled, already bool) *AppliedMatchResult {
	return &AppliedMatchResult{
		MatchID:            m.ID,
		MatchType:          m.MatchType,
		AppliedAmount:      m.MatchedAmount,
		Transaction:        st.transaction,
		Invoice:            st.invoice,
		Matches:            st.approved,
		TotalMatchedAmount: ledger.SumMatched(st.approved),
		AlreadyApplied:     already,
	}
}

// finish runs the post-commit steps for a freshly applied match.
func (e *Engine) finish(ctx context.Context, actorID string, m ledger.ReconciliationMatch, st *settled) (*AppliedMatchResult, error) {
	res := e.result(m, st, false)

	var perr error
	if res.Invoice.IsPaid() {
		res.Propagation, perr = e.propagate(ctx, res.Invoice.ID)
		e.notifyPaid(ctx, res.Invoice)
	}

	e.auditApplied(ctx, actorID, res, m.Source == ledger.SourceManual)
	if res.Propagation != nil {
		e.auditPropagation(ctx, actorID, res.MatchID, res.Propagation)
	}
	return res, perr
}

// propagate runs the propagator in its own unit. The match is already
// committed, so a cancelled request does not stop the bookkeeping.
func (e *Engine) propagate(ctx context.Context, invoiceID string) (*PropagationSummary, error) {
	ctx = context.WithoutCancel(ctx)

	var summary *PropagationSummary
	err := e.repo.WithTx(ctx, func(r ledger.Repository) error {
		var err error
		summary, err = e.propagator.Propagate(ctx, r, invoiceID, e.now())
		return err
	})
	if err != nil {
		e.logger.Error("propagation failed, manual follow-up required",
			zap.String("invoice_id", invoiceID),
			zap.Error(err),
		)
		var perr *ledger.PropagationError
		if !errors.As(err, &perr) {
			err = &ledger.PropagationError{InvoiceID: invoiceID, Err: err}
		}
		return nil, err
	}
	return summary, nil
}

func (e *Engine) notifyPaid(ctx context.Context, inv ledger.Invoice) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.InvoicePaid(ctx, inv); err != nil {
		e.logger.Warn("invoice paid notification failed",
			zap.String("invoice_id", inv.ID),
			zap.Error(err),
		)
	}
}

func (e *Engine) auditApplied(ctx context.Context, actorID string, res *AppliedMatchResult, manual bool) {
	amount := res.AppliedAmount.StringFixed(2)

	e.audit.Log(ctx, audit.Event{
		ActorID:    actorID,
		Action:     ledger.AuditMatchApplied,
		EntityType: audit.EntityInvoice,
		EntityID:   res.Invoice.ID,
		Metadata: map[string]any{
			"match_id":            res.MatchID,
			"bank_transaction_id": res.Transaction.ID,
			"match_type":          string(res.MatchType),
			"amount":              amount,
			"manual":              manual,
			"invoice_status":      string(res.Invoice.Status),
		},
	})
	e.audit.Log(ctx, audit.Event{
		ActorID:    actorID,
		Action:     ledger.AuditTransactionUpdated,
		EntityType: audit.EntityBankTransaction,
		EntityID:   res.Transaction.ID,
		Metadata: map[string]any{
			"match_id":            res.MatchID,
			"invoice_id":          res.Invoice.ID,
			"amount":              amount,
			"status":              string(res.Transaction.Status),
			"matched_invoice_ids": res.Transaction.MatchedInvoiceIDs,
		},
	})
}

func (e *Engine) auditPropagation(ctx context.Context, actorID, matchID string, s *PropagationSummary) {
	if s.AlreadyDone {
		return
	}

	e.audit.Log(ctx, audit.Event{
		ActorID:    actorID,
		Action:     ledger.AuditFeesPaid,
		EntityType: audit.EntityInvoice,
		EntityID:   s.InvoiceID,
		Metadata: map[string]any{
			"match_id":      matchID,
			"fee_event_ids": s.FeeEventsPaid,
		},
	})
	for _, f := range s.Funded {
		e.audit.Log(ctx, audit.Event{
			ActorID:    actorID,
			Action:     ledger.AuditSubscriptionFunded,
			EntityType: audit.EntitySubscription,
			EntityID:   f.SubscriptionID,
			Metadata: map[string]any{
				"invoice_id":           s.InvoiceID,
				"match_id":             matchID,
				"payment":              f.Payment.StringFixed(2),
				"funded_amount_before": f.FundedBefore.StringFixed(2),
				"funded_amount_after":  f.FundedAfter.StringFixed(2),
				"status_before":        string(f.StatusBefore),
				"status_after":         string(f.StatusAfter),
			},
		})
	}
	for _, sk := range s.Skipped {
		e.audit.Log(ctx, audit.Event{
			ActorID:    actorID,
			Action:     ledger.AuditFundingSkipped,
			EntityType: audit.EntitySubscription,
			EntityID:   sk.SubscriptionID,
			Metadata: map[string]any{
				"invoice_id": s.InvoiceID,
				"match_id":   matchID,
				"payment":    sk.Payment.StringFixed(2),
				"status":     string(sk.Status),
				"reason":     sk.Reason,
			},
		})
	}
}
