// Package store provides in-memory Repository implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/recon-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.TxRepository, ledger.Importer and ledger.AuditLog.
// WithTx holds the store lock for the whole unit, so units are serialized
// and see each other's committed writes only.
type Memory struct {
	mu    sync.Mutex
	state memoryState
	now   func() time.Time
}

type memoryState struct {
	transactions  map[string]ledger.BankTransaction
	invoices      map[string]ledger.Invoice
	matches       map[string]ledger.ReconciliationMatch
	subscriptions map[string]ledger.Subscription
	fees          map[string]ledger.FeeEvent
	audit         []ledger.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		state: memoryState{
			transactions:  make(map[string]ledger.BankTransaction),
			invoices:      make(map[string]ledger.Invoice),
			matches:       make(map[string]ledger.ReconciliationMatch),
			subscriptions: make(map[string]ledger.Subscription),
			fees:          make(map[string]ledger.FeeEvent),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	view := &memoryView{m: m}

	if err := fn(view); err != nil {
		m.state = snapshot
		return err
	}
	// A cancelled unit never commits, mirroring database/sql.
	if err := ctx.Err(); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		transactions:  make(map[string]ledger.BankTransaction, len(s.transactions)),
		invoices:      make(map[string]ledger.Invoice, len(s.invoices)),
		matches:       make(map[string]ledger.ReconciliationMatch, len(s.matches)),
		subscriptions: make(map[string]ledger.Subscription, len(s.subscriptions)),
		fees:          make(map[string]ledger.FeeEvent, len(s.fees)),
		audit:         append([]ledger.AuditEntry(nil), s.audit...),
	}
	for k, v := range s.transactions {
		out.transactions[k] = v
	}
	for k, v := range s.invoices {
		out.invoices[k] = v
	}
	for k, v := range s.matches {
		out.matches[k] = v
	}
	for k, v := range s.subscriptions {
		out.subscriptions[k] = v
	}
	for k, v := range s.fees {
		out.fees[k] = v
	}
	return out
}

// locked runs fn as its own unit for the non-transactional methods.
func (m *Memory) locked(fn func(v *memoryView) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memoryView{m: m})
}

// =============================================================================
// REPOSITORY (outside a transaction)
// =============================================================================

func (m *Memory) GetBankTransaction(ctx context.Context, id string) (out *ledger.BankTransaction, err error) {
	err = m.locked(func(v *memoryView) error { out, err = v.GetBankTransaction(ctx, id); return err })
	return out, err
}

func (m *Memory) GetInvoice(ctx context.Context, id string) (out *ledger.Invoice, err error) {
	err = m.locked(func(v *memoryView) error { out, err = v.GetInvoice(ctx, id); return err })
	return out, err
}

func (m *Memory) GetMatch(ctx context.Context, id string) (out *ledger.ReconciliationMatch, err error) {
	err = m.locked(func(v *memoryView) error { out, err = v.GetMatch(ctx, id); return err })
	return out, err
}

func (m *Memory) GetSubscription(ctx context.Context, id string) (out *ledger.Subscription, err error) {
	err = m.locked(func(v *memoryView) error { out, err = v.GetSubscription(ctx, id); return err })
	return out, err
}

func (m *Memory) ListMatchesByTransaction(ctx context.Context, txID string, statuses ...ledger.MatchStatus) (out []ledger.ReconciliationMatch, err error) {
	err = m.locked(func(v *memoryView) error { out, err = v.ListMatchesByTransaction(ctx, txID, statuses...); return err })
	return out, err
}

func (m *Memory) ListMatchesByInvoice(ctx context.Context, invoiceID string, statuses ...ledger.MatchStatus) (out []ledger.ReconciliationMatch, err error) {
	err = m.locked(func(v *memoryView) error { out, err = v.ListMatchesByInvoice(ctx, invoiceID, statuses...); return err })
	return out, err
}

func (m *Memory) ListStaleSuggestions(ctx context.Context, source ledger.MatchSource, cutoff time.Time) (out []ledger.ReconciliationMatch, err error) {
	err = m.locked(func(v *memoryView) error { out, err = v.ListStaleSuggestions(ctx, source, cutoff); return err })
	return out, err
}

func (m *Memory) ListFeeEventsByInvoice(ctx context.Context, invoiceID string) (out []ledger.FeeEvent, err error) {
	err = m.locked(func(v *memoryView) error { out, err = v.ListFeeEventsByInvoice(ctx, invoiceID); return err })
	return out, err
}

func (m *Memory) InsertMatch(ctx context.Context, match ledger.ReconciliationMatch) error {
	return m.locked(func(v *memoryView) error { return v.InsertMatch(ctx, match) })
}

func (m *Memory) DeleteMatch(ctx context.Context, id string) error {
	return m.locked(func(v *memoryView) error { return v.DeleteMatch(ctx, id) })
}

func (m *Memory) RejectMatch(ctx context.Context, id string) error {
	return m.locked(func(v *memoryView) error { return v.RejectMatch(ctx, id) })
}

func (m *Memory) DeleteSuggestedMatches(ctx context.Context, txID, invoiceID string) (n int, err error) {
	err = m.locked(func(v *memoryView) error { n, err = v.DeleteSuggestedMatches(ctx, txID, invoiceID); return err })
	return n, err
}

// ApplyMatch is atomic on its own: a failed apply leaves no partial write.
func (m *Memory) ApplyMatch(ctx context.Context, matchID, approvedBy string) error {
	return m.WithTx(ctx, func(r ledger.Repository) error { return r.ApplyMatch(ctx, matchID, approvedBy) })
}

func (m *Memory) UpdateTransactionState(ctx context.Context, t ledger.BankTransaction) error {
	return m.locked(func(v *memoryView) error { return v.UpdateTransactionState(ctx, t) })
}

func (m *Memory) UpdateFeeEventStatus(ctx context.Context, id string, status ledger.FeeStatus, at time.Time) error {
	return m.locked(func(v *memoryView) error { return v.UpdateFeeEventStatus(ctx, id, status, at) })
}

func (m *Memory) UpdateSubscriptionFunding(ctx context.Context, s ledger.Subscription) error {
	return m.locked(func(v *memoryView) error { return v.UpdateSubscriptionFunding(ctx, s) })
}

// =============================================================================
// IMPORTER
// =============================================================================

func (m *Memory) SaveBankTransaction(_ context.Context, t ledger.BankTransaction) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.Status == "" {
		t.Status = ledger.TxUnmatched
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t.Version = m.state.transactions[t.ID].Version + 1
	t.MatchedInvoiceIDs = append([]string(nil), t.MatchedInvoiceIDs...)
	m.state.transactions[t.ID] = t
	return nil
}

func (m *Memory) SaveInvoice(_ context.Context, inv ledger.Invoice) error {
	if err := inv.Validate(); err != nil {
		return err
	}
	if inv.Status == "" {
		inv.Status = ledger.InvoiceSent
	}
	if inv.MatchStatus == "" {
		inv.MatchStatus = ledger.InvoiceUnmatched
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inv.Version = m.state.invoices[inv.ID].Version + 1
	m.state.invoices[inv.ID] = inv
	return nil
}

func (m *Memory) SaveSubscription(_ context.Context, s ledger.Subscription) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Version = m.state.subscriptions[s.ID].Version + 1
	m.state.subscriptions[s.ID] = s
	return nil
}

func (m *Memory) SaveFeeEvent(_ context.Context, f ledger.FeeEvent) error {
	if err := f.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.fees[f.ID] = f
	return nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, entry ledger.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.audit = append(m.state.audit, entry)
	return nil
}

func (m *Memory) QueryAudit(_ context.Context, filter ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ledger.AuditEntry
	for _, e := range m.state.audit {
		if !auditMatches(e, filter) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func auditMatches(e ledger.AuditEntry, f ledger.AuditFilter) bool {
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if len(f.Actions) == 0 {
		return true
	}
	for _, a := range f.Actions {
		if e.Action == a {
			return true
		}
	}
	return false
}

// =============================================================================
// MEMORY VIEW - Repository over the locked state
// =============================================================================

type memoryView struct {
	m *Memory
}

func (v *memoryView) st() *memoryState { return &v.m.state }

func (v *memoryView) GetBankTransaction(_ context.Context, id string) (*ledger.BankTransaction, error) {
	t, ok := v.st().transactions[id]
	if !ok {
		return nil, &ledger.NotFoundError{Entity: "bank_transaction", ID: id}
	}
	t.MatchedInvoiceIDs = append([]string(nil), t.MatchedInvoiceIDs...)
	return &t, nil
}

func (v *memoryView) GetInvoice(_ context.Context, id string) (*ledger.Invoice, error) {
	inv, ok := v.st().invoices[id]
	if !ok {
		return nil, &ledger.NotFoundError{Entity: "invoice", ID: id}
	}
	return &inv, nil
}

func (v *memoryView) GetMatch(_ context.Context, id string) (*ledger.ReconciliationMatch, error) {
	match, ok := v.st().matches[id]
	if !ok {
		return nil, &ledger.NotFoundError{Entity: "match", ID: id}
	}
	return &match, nil
}

func (v *memoryView) GetSubscription(_ context.Context, id string) (*ledger.Subscription, error) {
	s, ok := v.st().subscriptions[id]
	if !ok {
		return nil, &ledger.NotFoundError{Entity: "subscription", ID: id}
	}
	return &s, nil
}

func (v *memoryView) ListMatchesByTransaction(_ context.Context, txID string, statuses ...ledger.MatchStatus) ([]ledger.ReconciliationMatch, error) {
	return v.filterMatches(func(m ledger.ReconciliationMatch) bool { return m.BankTransactionID == txID }, statuses), nil
}

func (v *memoryView) ListMatchesByInvoice(_ context.Context, invoiceID string, statuses ...ledger.MatchStatus) ([]ledger.ReconciliationMatch, error) {
	return v.filterMatches(func(m ledger.ReconciliationMatch) bool { return m.InvoiceID == invoiceID }, statuses), nil
}

func (v *memoryView) ListStaleSuggestions(_ context.Context, source ledger.MatchSource, cutoff time.Time) ([]ledger.ReconciliationMatch, error) {
	return v.filterMatches(func(m ledger.ReconciliationMatch) bool {
		return m.Source == source && m.CreatedAt.Before(cutoff)
	}, []ledger.MatchStatus{ledger.MatchSuggested}), nil
}

func (v *memoryView) filterMatches(keep func(ledger.ReconciliationMatch) bool, statuses []ledger.MatchStatus) []ledger.ReconciliationMatch {
	out := []ledger.ReconciliationMatch{}
	for _, m := range v.st().matches {
		if keep(m) && hasStatus(m.Status, statuses) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func hasStatus(s ledger.MatchStatus, statuses []ledger.MatchStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}

func (v *memoryView) ListFeeEventsByInvoice(_ context.Context, invoiceID string) ([]ledger.FeeEvent, error) {
	out := []ledger.FeeEvent{}
	for _, f := range v.st().fees {
		if f.InvoiceID == invoiceID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *memoryView) InsertMatch(_ context.Context, m ledger.ReconciliationMatch) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.Status != ledger.MatchSuggested {
		return fmt.Errorf("%w: match %s must be inserted as suggested", ledger.ErrInvalidState, m.ID)
	}
	if _, exists := v.st().matches[m.ID]; exists {
		return fmt.Errorf("%w: match %s already exists", ledger.ErrInvalidRecord, m.ID)
	}
	if _, ok := v.st().transactions[m.BankTransactionID]; !ok {
		return &ledger.NotFoundError{Entity: "bank_transaction", ID: m.BankTransactionID}
	}
	if _, ok := v.st().invoices[m.InvoiceID]; !ok {
		return &ledger.NotFoundError{Entity: "invoice", ID: m.InvoiceID}
	}
	v.st().matches[m.ID] = m
	return nil
}

func (v *memoryView) DeleteMatch(_ context.Context, id string) error {
	m, ok := v.st().matches[id]
	if !ok {
		return &ledger.NotFoundError{Entity: "match", ID: id}
	}
	if m.Status == ledger.MatchApproved {
		return fmt.Errorf("%w: approved match %s cannot be deleted", ledger.ErrInvalidState, id)
	}
	delete(v.st().matches, id)
	return nil
}

func (v *memoryView) RejectMatch(_ context.Context, id string) error {
	m, ok := v.st().matches[id]
	if !ok {
		return &ledger.NotFoundError{Entity: "match", ID: id}
	}
	if m.Status != ledger.MatchSuggested {
		return fmt.Errorf("%w: match %s is %s", ledger.ErrInvalidState, id, m.Status)
	}
	m.Status = ledger.MatchRejected
	v.st().matches[id] = m
	return nil
}

func (v *memoryView) DeleteSuggestedMatches(_ context.Context, txID, invoiceID string) (int, error) {
	n := 0
	for id, m := range v.st().matches {
		if m.BankTransactionID == txID && m.InvoiceID == invoiceID && m.Status == ledger.MatchSuggested {
			delete(v.st().matches, id)
			n++
		}
	}
	return n, nil
}

func (v *memoryView) ApplyMatch(ctx context.Context, matchID, approvedBy string) error {
	m, ok := v.st().matches[matchID]
	if !ok {
		return &ledger.NotFoundError{Entity: "match", ID: matchID}
	}
	if m.Status == ledger.MatchApproved {
		return nil
	}

	inv, ok := v.st().invoices[m.InvoiceID]
	if !ok {
		return &ledger.NotFoundError{Entity: "invoice", ID: m.InvoiceID}
	}
	txn, ok := v.st().transactions[m.BankTransactionID]
	if !ok {
		return &ledger.NotFoundError{Entity: "bank_transaction", ID: m.BankTransactionID}
	}
	existing, _ := v.ListMatchesByTransaction(ctx, txn.ID, ledger.MatchApproved)

	now := v.m.now()
	updated, err := ledger.PlanApply(ledger.ApplyInput{
		Match:               m,
		Invoice:             inv,
		Transaction:         txn,
		TransactionApproved: existing,
		At:                  now,
	})
	if err != nil {
		return err
	}

	m.Status = ledger.MatchApproved
	m.ApprovedBy = approvedBy
	m.ApprovedAt = &now
	v.st().matches[m.ID] = m

	updated.Version = inv.Version + 1
	v.st().invoices[inv.ID] = updated
	return nil
}

func (v *memoryView) UpdateTransactionState(_ context.Context, t ledger.BankTransaction) error {
	cur, ok := v.st().transactions[t.ID]
	if !ok {
		return &ledger.NotFoundError{Entity: "bank_transaction", ID: t.ID}
	}
	if cur.Version != t.Version {
		return fmt.Errorf("%w: bank transaction %s", ledger.ErrConcurrentModification, t.ID)
	}
	cur.Status = t.Status
	cur.MatchedInvoiceIDs = append([]string(nil), t.MatchedInvoiceIDs...)
	cur.MatchConfidence = t.MatchConfidence
	cur.MatchNotes = t.MatchNotes
	cur.Version++
	cur.UpdatedAt = v.m.now()
	v.st().transactions[t.ID] = cur
	return nil
}

func (v *memoryView) UpdateFeeEventStatus(_ context.Context, id string, status ledger.FeeStatus, at time.Time) error {
	f, ok := v.st().fees[id]
	if !ok {
		return &ledger.NotFoundError{Entity: "fee_event", ID: id}
	}
	f.Status = status
	if status == ledger.FeePaid {
		f.PaidAt = &at
	}
	v.st().fees[id] = f
	return nil
}

func (v *memoryView) UpdateSubscriptionFunding(_ context.Context, s ledger.Subscription) error {
	cur, ok := v.st().subscriptions[s.ID]
	if !ok {
		return &ledger.NotFoundError{Entity: "subscription", ID: s.ID}
	}
	if cur.Version != s.Version {
		return fmt.Errorf("%w: subscription %s", ledger.ErrConcurrentModification, s.ID)
	}
	if s.FundedAmount.LessThan(cur.FundedAmount) {
		return fmt.Errorf("%w: subscription %s funded amount cannot decrease", ledger.ErrInvalidState, s.ID)
	}
	cur.FundedAmount = s.FundedAmount
	cur.Status = s.Status
	cur.Version++
	cur.UpdatedAt = v.m.now()
	v.st().subscriptions[s.ID] = cur
	return nil
}
