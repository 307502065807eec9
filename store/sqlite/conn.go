/*
conn.go - ledger.Repository over a single SQL handle

PURPOSE:
  conn runs every Reader and Writer call on one queryer: the *sql.DB for
  standalone calls, the *sql.Tx inside WithTx. It never locks; the Store
  owns the mutex.

SEE ALSO:
  - sqlite.go: Store, schema, WithTx
  - ledger/invoice.go: PlanApply, shared with the in-memory store
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/recon-engine/ledger"
	"github.com/warp/recon-engine/money"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

type conn struct {
	q   queryer
	now func() time.Time
}

var _ ledger.Repository = (*conn)(nil)

const (
	transactionColumns = `id, amount, currency, status, matched_invoice_ids, match_confidence,
		match_notes, value_date, counterparty, memo, version, updated_at`

	invoiceColumns = `id, invoice_number, total, paid_amount, balance_due, currency, status,
		match_status, paid_at, investor_id, deal_id, version, updated_at`

	matchColumns = `id, bank_transaction_id, invoice_id, match_type, matched_amount, match_confidence,
		match_reason, notes, status, source, created_by, created_at, approved_by, approved_at`

	subscriptionColumns = `id, investor_id, vehicle_id, deal_id, commitment, funded_amount, status,
		units, version, updated_at`

	feeEventColumns = `id, allocation_id, fee_type, computed_amount, invoice_id, status, paid_at`
)

// =============================================================================
// READER
// =============================================================================

func (c *conn) GetBankTransaction(ctx context.Context, id string) (*ledger.BankTransaction, error) {
	row := c.q.QueryRowContext(ctx, "SELECT "+transactionColumns+" FROM bank_transactions WHERE id = ?", id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{Entity: "bank_transaction", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bank transaction %s: %w", id, err)
	}
	return t, nil
}

func (c *conn) GetInvoice(ctx context.Context, id string) (*ledger.Invoice, error) {
	row := c.q.QueryRowContext(ctx, "SELECT "+invoiceColumns+" FROM invoices WHERE id = ?", id)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{Entity: "invoice", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice %s: %w", id, err)
	}
	return inv, nil
}

func (c *conn) GetMatch(ctx context.Context, id string) (*ledger.ReconciliationMatch, error) {
	row := c.q.QueryRowContext(ctx, "SELECT "+matchColumns+" FROM reconciliation_matches WHERE id = ?", id)
	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{Entity: "match", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get match %s: %w", id, err)
	}
	return m, nil
}

func (c *conn) GetSubscription(ctx context.Context, id string) (*ledger.Subscription, error) {
	row := c.q.QueryRowContext(ctx, "SELECT "+subscriptionColumns+" FROM subscriptions WHERE id = ?", id)
	s, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{Entity: "subscription", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription %s: %w", id, err)
	}
	return s, nil
}

func (c *conn) ListMatchesByTransaction(ctx context.Context, txID string, statuses ...ledger.MatchStatus) ([]ledger.ReconciliationMatch, error) {
	return c.listMatches(ctx, "bank_transaction_id = ?", []any{txID}, statuses)
}

func (c *conn) ListMatchesByInvoice(ctx context.Context, invoiceID string, statuses ...ledger.MatchStatus) ([]ledger.ReconciliationMatch, error) {
	return c.listMatches(ctx, "invoice_id = ?", []any{invoiceID}, statuses)
}

func (c *conn) ListStaleSuggestions(ctx context.Context, source ledger.MatchSource, cutoff time.Time) ([]ledger.ReconciliationMatch, error) {
	return c.listMatches(ctx, "source = ? AND created_at < ?",
		[]any{string(source), formatTime(cutoff)}, []ledger.MatchStatus{ledger.MatchSuggested})
}

func (c *conn) listMatches(ctx context.Context, where string, args []any, statuses []ledger.MatchStatus) ([]ledger.ReconciliationMatch, error) {
	query := "SELECT " + matchColumns + " FROM reconciliation_matches WHERE " + where
	if len(statuses) > 0 {
		query += " AND status IN (" + placeholders(len(statuses)) + ")"
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list matches: %w", err)
	}
	defer rows.Close()

	out := []ledger.ReconciliationMatch{}
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (c *conn) ListFeeEventsByInvoice(ctx context.Context, invoiceID string) ([]ledger.FeeEvent, error) {
	rows, err := c.q.QueryContext(ctx,
		"SELECT "+feeEventColumns+" FROM fee_events WHERE invoice_id = ? ORDER BY id ASC", invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list fee events: %w", err)
	}
	defer rows.Close()

	out := []ledger.FeeEvent{}
	for rows.Next() {
		f, err := scanFeeEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fee event: %w", err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// =============================================================================
// WRITER
// =============================================================================

func (c *conn) InsertMatch(ctx context.Context, m ledger.ReconciliationMatch) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.Status != ledger.MatchSuggested {
		return fmt.Errorf("%w: match %s must be inserted as suggested", ledger.ErrInvalidState, m.ID)
	}
	if _, err := c.GetBankTransaction(ctx, m.BankTransactionID); err != nil {
		return err
	}
	if _, err := c.GetInvoice(ctx, m.InvoiceID); err != nil {
		return err
	}

	query := `
		INSERT INTO reconciliation_matches (` + matchColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := c.q.ExecContext(ctx, query,
		m.ID, m.BankTransactionID, m.InvoiceID, string(m.MatchType), m.MatchedAmount.String(),
		m.MatchConfidence, nullString(m.MatchReason), nullString(m.Notes), string(m.Status),
		string(m.Source), nullString(m.CreatedBy), formatTime(m.CreatedAt),
		nullString(m.ApprovedBy), nullTimePtr(m.ApprovedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: match %s already exists", ledger.ErrInvalidRecord, m.ID)
		}
		return fmt.Errorf("failed to insert match: %w", err)
	}
	return nil
}

func (c *conn) DeleteMatch(ctx context.Context, id string) error {
	m, err := c.GetMatch(ctx, id)
	if err != nil {
		return err
	}
	if m.Status == ledger.MatchApproved {
		return fmt.Errorf("%w: approved match %s cannot be deleted", ledger.ErrInvalidState, id)
	}
	res, err := c.q.ExecContext(ctx,
		"DELETE FROM reconciliation_matches WHERE id = ? AND status != ?", id, string(ledger.MatchApproved))
	if err != nil {
		return fmt.Errorf("failed to delete match: %w", err)
	}
	return expectOne(res, "match", id)
}

func (c *conn) RejectMatch(ctx context.Context, id string) error {
	m, err := c.GetMatch(ctx, id)
	if err != nil {
		return err
	}
	if m.Status != ledger.MatchSuggested {
		return fmt.Errorf("%w: match %s is %s", ledger.ErrInvalidState, id, m.Status)
	}
	res, err := c.q.ExecContext(ctx,
		"UPDATE reconciliation_matches SET status = ? WHERE id = ? AND status = ?",
		string(ledger.MatchRejected), id, string(ledger.MatchSuggested))
	if err != nil {
		return fmt.Errorf("failed to reject match: %w", err)
	}
	return expectOne(res, "match", id)
}

func (c *conn) DeleteSuggestedMatches(ctx context.Context, txID, invoiceID string) (int, error) {
	res, err := c.q.ExecContext(ctx,
		"DELETE FROM reconciliation_matches WHERE bank_transaction_id = ? AND invoice_id = ? AND status = ?",
		txID, invoiceID, string(ledger.MatchSuggested))
	if err != nil {
		return 0, fmt.Errorf("failed to delete suggested matches: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ApplyMatch validates against current rows and writes the match and the
// invoice. Callers outside WithTx go through Store.ApplyMatch, which wraps
// this in its own transaction.
func (c *conn) ApplyMatch(ctx context.Context, matchID, approvedBy string) error {
	m, err := c.GetMatch(ctx, matchID)
	if err != nil {
		return err
	}
	if m.Status == ledger.MatchApproved {
		return nil
	}
	inv, err := c.GetInvoice(ctx, m.InvoiceID)
	if err != nil {
		return err
	}
	txn, err := c.GetBankTransaction(ctx, m.BankTransactionID)
	if err != nil {
		return err
	}
	existing, err := c.ListMatchesByTransaction(ctx, txn.ID, ledger.MatchApproved)
	if err != nil {
		return err
	}

	now := c.now()
	updated, err := ledger.PlanApply(ledger.ApplyInput{
		Match:               *m,
		Invoice:             *inv,
		Transaction:         *txn,
		TransactionApproved: existing,
		At:                  now,
	})
	if err != nil {
		return err
	}

	res, err := c.q.ExecContext(ctx, `
		UPDATE reconciliation_matches SET status = ?, approved_by = ?, approved_at = ?
		WHERE id = ? AND status = ?`,
		string(ledger.MatchApproved), nullString(approvedBy), formatTime(now),
		m.ID, string(ledger.MatchSuggested))
	if err != nil {
		return fmt.Errorf("failed to approve match: %w", err)
	}
	if err := expectCAS(res, "match", m.ID); err != nil {
		return err
	}

	res, err = c.q.ExecContext(ctx, `
		UPDATE invoices SET paid_amount = ?, balance_due = ?, status = ?, match_status = ?,
			paid_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		updated.PaidAmount.String(), nullDecimal(updated.BalanceDue), string(updated.Status),
		string(updated.MatchStatus), nullTimePtr(updated.PaidAt), formatTime(now),
		inv.ID, inv.Version)
	if err != nil {
		return fmt.Errorf("failed to update invoice: %w", err)
	}
	return expectCAS(res, "invoice", inv.ID)
}

func (c *conn) UpdateTransactionState(ctx context.Context, t ledger.BankTransaction) error {
	ids, err := encodeIDs(t.MatchedInvoiceIDs)
	if err != nil {
		return err
	}
	res, err := c.q.ExecContext(ctx, `
		UPDATE bank_transactions SET status = ?, matched_invoice_ids = ?, match_confidence = ?,
			match_notes = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(t.Status), ids, t.MatchConfidence, nullString(t.MatchNotes), formatTime(c.now()),
		t.ID, t.Version)
	if err != nil {
		return fmt.Errorf("failed to update bank transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := c.GetBankTransaction(ctx, t.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: bank transaction %s", ledger.ErrConcurrentModification, t.ID)
	}
	return nil
}

func (c *conn) UpdateFeeEventStatus(ctx context.Context, id string, status ledger.FeeStatus, at time.Time) error {
	var paidAt sql.NullString
	if status == ledger.FeePaid {
		paidAt = sql.NullString{String: formatTime(at), Valid: true}
	}
	res, err := c.q.ExecContext(ctx,
		"UPDATE fee_events SET status = ?, paid_at = COALESCE(?, paid_at) WHERE id = ?",
		string(status), paidAt, id)
	if err != nil {
		return fmt.Errorf("failed to update fee event: %w", err)
	}
	return expectOne(res, "fee_event", id)
}

func (c *conn) UpdateSubscriptionFunding(ctx context.Context, s ledger.Subscription) error {
	cur, err := c.GetSubscription(ctx, s.ID)
	if err != nil {
		return err
	}
	if cur.Version != s.Version {
		return fmt.Errorf("%w: subscription %s", ledger.ErrConcurrentModification, s.ID)
	}
	if s.FundedAmount.LessThan(cur.FundedAmount) {
		return fmt.Errorf("%w: subscription %s funded amount cannot decrease", ledger.ErrInvalidState, s.ID)
	}
	res, err := c.q.ExecContext(ctx, `
		UPDATE subscriptions SET funded_amount = ?, status = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		s.FundedAmount.String(), string(s.Status), formatTime(c.now()), s.ID, s.Version)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	return expectCAS(res, "subscription", s.ID)
}

// =============================================================================
// SCANNERS
// =============================================================================

func scanTransaction(row rowScanner) (*ledger.BankTransaction, error) {
	var (
		t                              ledger.BankTransaction
		amount, status, ids, updatedAt string
		notes, valueDate, cp, memo     sql.NullString
	)
	err := row.Scan(&t.ID, &amount, &t.Currency, &status, &ids, &t.MatchConfidence,
		&notes, &valueDate, &cp, &memo, &t.Version, &updatedAt)
	if err != nil {
		return nil, err
	}
	if t.Amount, err = parseAmount(amount); err != nil {
		return nil, fmt.Errorf("bank transaction %s amount: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(ids), &t.MatchedInvoiceIDs); err != nil {
		return nil, fmt.Errorf("bank transaction %s matched ids: %w", t.ID, err)
	}
	t.Status = ledger.TransactionStatus(status)
	t.MatchNotes = notes.String
	if valueDate.Valid {
		t.ValueDate = parseTime(valueDate.String)
	}
	t.Counterparty = cp.String
	t.Memo = memo.String
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

func scanInvoice(row rowScanner) (*ledger.Invoice, error) {
	var (
		inv                                  ledger.Invoice
		total, paid, status, mstatus, upd    string
		number, balance, paidAt, investor, d sql.NullString
	)
	err := row.Scan(&inv.ID, &number, &total, &paid, &balance, &inv.Currency, &status,
		&mstatus, &paidAt, &investor, &d, &inv.Version, &upd)
	if err != nil {
		return nil, err
	}
	if inv.Total, err = parseAmount(total); err != nil {
		return nil, fmt.Errorf("invoice %s total: %w", inv.ID, err)
	}
	if inv.PaidAmount, err = parseAmount(paid); err != nil {
		return nil, fmt.Errorf("invoice %s paid amount: %w", inv.ID, err)
	}
	if inv.BalanceDue, err = parseNullDecimal(balance); err != nil {
		return nil, fmt.Errorf("invoice %s balance due: %w", inv.ID, err)
	}
	inv.InvoiceNumber = number.String
	inv.Status = ledger.InvoiceStatus(status)
	inv.MatchStatus = ledger.InvoiceMatchStatus(mstatus)
	inv.PaidAt = parseTimePtr(paidAt)
	inv.InvestorID = investor.String
	inv.DealID = d.String
	inv.UpdatedAt = parseTime(upd)
	return &inv, nil
}

func scanMatch(row rowScanner) (*ledger.ReconciliationMatch, error) {
	var (
		m                                          ledger.ReconciliationMatch
		matchType, amount, status, source, created string
		reason, notes, createdBy, approvedBy, at   sql.NullString
	)
	err := row.Scan(&m.ID, &m.BankTransactionID, &m.InvoiceID, &matchType, &amount, &m.MatchConfidence,
		&reason, &notes, &status, &source, &createdBy, &created, &approvedBy, &at)
	if err != nil {
		return nil, err
	}
	if m.MatchedAmount, err = parseAmount(amount); err != nil {
		return nil, fmt.Errorf("match %s amount: %w", m.ID, err)
	}
	m.MatchType = ledger.MatchType(matchType)
	m.MatchReason = reason.String
	m.Notes = notes.String
	m.Status = ledger.MatchStatus(status)
	m.Source = ledger.MatchSource(source)
	m.CreatedBy = createdBy.String
	m.CreatedAt = parseTime(created)
	m.ApprovedBy = approvedBy.String
	m.ApprovedAt = parseTimePtr(at)
	return &m, nil
}

func scanSubscription(row rowScanner) (*ledger.Subscription, error) {
	var (
		s                              ledger.Subscription
		funded, status, upd            string
		investor, vehicle, d, cm, unit sql.NullString
	)
	err := row.Scan(&s.ID, &investor, &vehicle, &d, &cm, &funded, &status, &unit, &s.Version, &upd)
	if err != nil {
		return nil, err
	}
	if s.FundedAmount, err = parseAmount(funded); err != nil {
		return nil, fmt.Errorf("subscription %s funded amount: %w", s.ID, err)
	}
	if s.Commitment, err = parseNullDecimal(cm); err != nil {
		return nil, fmt.Errorf("subscription %s commitment: %w", s.ID, err)
	}
	if s.Units, err = parseNullDecimal(unit); err != nil {
		return nil, fmt.Errorf("subscription %s units: %w", s.ID, err)
	}
	s.InvestorID = investor.String
	s.VehicleID = vehicle.String
	s.DealID = d.String
	s.Status = ledger.SubscriptionStatus(status)
	s.UpdatedAt = parseTime(upd)
	return &s, nil
}

func scanFeeEvent(row rowScanner) (*ledger.FeeEvent, error) {
	var (
		f                    ledger.FeeEvent
		feeType, amt, status string
		allocation, paidAt   sql.NullString
	)
	err := row.Scan(&f.ID, &allocation, &feeType, &amt, &f.InvoiceID, &status, &paidAt)
	if err != nil {
		return nil, err
	}
	if f.ComputedAmount, err = parseAmount(amt); err != nil {
		return nil, fmt.Errorf("fee event %s amount: %w", f.ID, err)
	}
	f.AllocationID = allocation.String
	f.FeeType = ledger.FeeType(feeType)
	f.Status = ledger.FeeStatus(status)
	f.PaidAt = parseTimePtr(paidAt)
	return &f, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed width in UTC so lexical order equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return nullTime(*t)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDecimal(d decimal.NullDecimal) sql.NullString {
	if !d.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Decimal.String(), Valid: true}
}

func parseNullDecimal(s sql.NullString) (decimal.NullDecimal, error) {
	if !s.Valid || s.String == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := money.ToAmount(s.String)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

// parseAmount reads a NOT NULL money column. An empty value is corruption,
// not zero.
func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty money column", money.ErrInvalidAmount)
	}
	return money.ToAmount(s)
}

func encodeIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("failed to encode matched invoice ids: %w", err)
	}
	return string(b), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// expectOne maps zero affected rows to NotFound.
func expectOne(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ledger.NotFoundError{Entity: entity, ID: id}
	}
	return nil
}

// expectCAS maps zero affected rows to a lost compare-and-swap.
func expectCAS(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ledger.ErrConcurrentModification, entity, id)
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
