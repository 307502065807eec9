/*
Package sqlite provides a SQLite-backed implementation of the ledger interfaces.

PURPOSE:
  Implements ledger.TxRepository, ledger.Importer and ledger.AuditLog using
  SQLite. In production, the same patterns apply to PostgreSQL - only minor
  SQL dialect differences.

KEY TABLES:
  bank_transactions:       Statement lines with their derived match status
  invoices:                Amounts owed, paid amount, balance due
  reconciliation_matches:  Suggested/approved/rejected links
  subscriptions:           Investor commitments and funded amounts
  fee_events:              Charges billed on invoices
  audit_log:               Append-only audit trail

INDEXES:
  - idx_matches_transaction: approved sum per transaction (hot path)
  - idx_matches_invoice:     matches per invoice
  - idx_matches_stale:       sweeper lookup by status/source/age
  - idx_fee_events_invoice:  propagation

STORAGE FORMATS:
  - Money as decimal TEXT (never REAL)
  - Times as fixed-width UTC TEXT, so string order is time order
  - matched_invoice_ids and audit metadata as JSON TEXT

CONCURRENCY:
  One connection, guarded by a mutex. WithTx holds the mutex for the whole
  BEGIN..COMMIT unit; every statement inside the unit goes through the
  *sql.Tx only. Versioned rows are updated with compare-and-swap
  (WHERE id = ? AND version = ?).

USAGE:
  store, err := sqlite.New("./data/recon.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := matching.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/recon-engine/ledger"
)

var (
	_ ledger.TxRepository = (*Store)(nil)
	_ ledger.Importer     = (*Store)(nil)
	_ ledger.AuditLog     = (*Store)(nil)
)

// Store implements the ledger storage interfaces using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and makes the
	// store mutex the only writer.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	store := NewWithDB(db)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewWithDB wraps an already open handle. The schema is not migrated.
func NewWithDB(db *sql.DB) *Store {
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the database schema.
func (s *Store) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schema := `
	CREATE TABLE IF NOT EXISTS bank_transactions (
		id TEXT PRIMARY KEY,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		matched_invoice_ids TEXT NOT NULL DEFAULT '[]',
		match_confidence INTEGER NOT NULL DEFAULT 0,
		match_notes TEXT,
		value_date TEXT,
		counterparty TEXT,
		memo TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		invoice_number TEXT,
		total TEXT NOT NULL,
		paid_amount TEXT NOT NULL DEFAULT '0',
		balance_due TEXT,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		match_status TEXT NOT NULL,
		paid_at TEXT,
		investor_id TEXT,
		deal_id TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reconciliation_matches (
		id TEXT PRIMARY KEY,
		bank_transaction_id TEXT NOT NULL REFERENCES bank_transactions(id),
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		match_type TEXT NOT NULL,
		matched_amount TEXT NOT NULL,
		match_confidence INTEGER NOT NULL DEFAULT 0,
		match_reason TEXT,
		notes TEXT,
		status TEXT NOT NULL,
		source TEXT NOT NULL,
		created_by TEXT,
		created_at TEXT NOT NULL,
		approved_by TEXT,
		approved_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_matches_transaction
		ON reconciliation_matches(bank_transaction_id, status);
	CREATE INDEX IF NOT EXISTS idx_matches_invoice
		ON reconciliation_matches(invoice_id, status);
	CREATE INDEX IF NOT EXISTS idx_matches_stale
		ON reconciliation_matches(status, source, created_at);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		investor_id TEXT,
		vehicle_id TEXT,
		deal_id TEXT,
		commitment TEXT,
		funded_amount TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		units TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS fee_events (
		id TEXT PRIMARY KEY,
		allocation_id TEXT,
		fee_type TEXT NOT NULL,
		computed_amount TEXT NOT NULL,
		invoice_id TEXT NOT NULL,
		status TEXT NOT NULL,
		paid_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_fee_events_invoice
		ON fee_events(invoice_id);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		metadata_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity
		ON audit_log(entity_type, entity_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxRepository)
// =============================================================================

// WithTx executes fn within a database transaction. Every repository call
// made through r runs on the same *sql.Tx.
func (s *Store) WithTx(ctx context.Context, fn func(r ledger.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx, now: s.now}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// locked runs fn as its own statement-level unit.
func (s *Store) locked(fn func(c *conn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&conn{q: s.db, now: s.now})
}

// =============================================================================
// REPOSITORY (outside a transaction)
// =============================================================================

func (s *Store) GetBankTransaction(ctx context.Context, id string) (out *ledger.BankTransaction, err error) {
	err = s.locked(func(c *conn) error { out, err = c.GetBankTransaction(ctx, id); return err })
	return out, err
}

func (s *Store) GetInvoice(ctx context.Context, id string) (out *ledger.Invoice, err error) {
	err = s.locked(func(c *conn) error { out, err = c.GetInvoice(ctx, id); return err })
	return out, err
}

func (s *Store) GetMatch(ctx context.Context, id string) (out *ledger.ReconciliationMatch, err error) {
	err = s.locked(func(c *conn) error { out, err = c.GetMatch(ctx, id); return err })
	return out, err
}

func (s *Store) GetSubscription(ctx context.Context, id string) (out *ledger.Subscription, err error) {
	err = s.locked(func(c *conn) error { out, err = c.GetSubscription(ctx, id); return err })
	return out, err
}

func (s *Store) ListMatchesByTransaction(ctx context.Context, txID string, statuses ...ledger.MatchStatus) (out []ledger.ReconciliationMatch, err error) {
	err = s.locked(func(c *conn) error { out, err = c.ListMatchesByTransaction(ctx, txID, statuses...); return err })
	return out, err
}

func (s *Store) ListMatchesByInvoice(ctx context.Context, invoiceID string, statuses ...ledger.MatchStatus) (out []ledger.ReconciliationMatch, err error) {
	err = s.locked(func(c *conn) error { out, err = c.ListMatchesByInvoice(ctx, invoiceID, statuses...); return err })
	return out, err
}

func (s *Store) ListStaleSuggestions(ctx context.Context, source ledger.MatchSource, cutoff time.Time) (out []ledger.ReconciliationMatch, err error) {
	err = s.locked(func(c *conn) error { out, err = c.ListStaleSuggestions(ctx, source, cutoff); return err })
	return out, err
}

func (s *Store) ListFeeEventsByInvoice(ctx context.Context, invoiceID string) (out []ledger.FeeEvent, err error) {
	err = s.locked(func(c *conn) error { out, err = c.ListFeeEventsByInvoice(ctx, invoiceID); return err })
	return out, err
}

func (s *Store) InsertMatch(ctx context.Context, m ledger.ReconciliationMatch) error {
	return s.locked(func(c *conn) error { return c.InsertMatch(ctx, m) })
}

func (s *Store) DeleteMatch(ctx context.Context, id string) error {
	return s.locked(func(c *conn) error { return c.DeleteMatch(ctx, id) })
}

func (s *Store) RejectMatch(ctx context.Context, id string) error {
	return s.locked(func(c *conn) error { return c.RejectMatch(ctx, id) })
}

func (s *Store) DeleteSuggestedMatches(ctx context.Context, txID, invoiceID string) (n int, err error) {
	err = s.locked(func(c *conn) error { n, err = c.DeleteSuggestedMatches(ctx, txID, invoiceID); return err })
	return n, err
}

// ApplyMatch runs in its own transaction: a failed apply leaves no partial write.
func (s *Store) ApplyMatch(ctx context.Context, matchID, approvedBy string) error {
	return s.WithTx(ctx, func(r ledger.Repository) error { return r.ApplyMatch(ctx, matchID, approvedBy) })
}

func (s *Store) UpdateTransactionState(ctx context.Context, t ledger.BankTransaction) error {
	return s.locked(func(c *conn) error { return c.UpdateTransactionState(ctx, t) })
}

func (s *Store) UpdateFeeEventStatus(ctx context.Context, id string, status ledger.FeeStatus, at time.Time) error {
	return s.locked(func(c *conn) error { return c.UpdateFeeEventStatus(ctx, id, status, at) })
}

// UpdateSubscriptionFunding reads then writes, so it runs in a transaction.
func (s *Store) UpdateSubscriptionFunding(ctx context.Context, sub ledger.Subscription) error {
	return s.WithTx(ctx, func(r ledger.Repository) error { return r.UpdateSubscriptionFunding(ctx, sub) })
}

// =============================================================================
// IMPORTER (ledger.Importer)
// =============================================================================

// SaveBankTransaction inserts or replaces a statement line. Re-importing an
// existing id bumps its version.
func (s *Store) SaveBankTransaction(ctx context.Context, t ledger.BankTransaction) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.Status == "" {
		t.Status = ledger.TxUnmatched
	}
	ids, err := encodeIDs(t.MatchedInvoiceIDs)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO bank_transactions
		(id, amount, currency, status, matched_invoice_ids, match_confidence, match_notes,
		 value_date, counterparty, memo, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET
			amount = excluded.amount,
			currency = excluded.currency,
			status = excluded.status,
			matched_invoice_ids = excluded.matched_invoice_ids,
			match_confidence = excluded.match_confidence,
			match_notes = excluded.match_notes,
			value_date = excluded.value_date,
			counterparty = excluded.counterparty,
			memo = excluded.memo,
			version = bank_transactions.version + 1,
			updated_at = excluded.updated_at
	`
	return s.locked(func(c *conn) error {
		_, err := c.q.ExecContext(ctx, query,
			t.ID, t.Amount.String(), t.Currency, string(t.Status), ids, t.MatchConfidence,
			nullString(t.MatchNotes), nullTime(t.ValueDate), nullString(t.Counterparty), nullString(t.Memo),
			formatTime(s.now()),
		)
		if err != nil {
			return fmt.Errorf("failed to save bank transaction: %w", err)
		}
		return nil
	})
}

func (s *Store) SaveInvoice(ctx context.Context, inv ledger.Invoice) error {
	if err := inv.Validate(); err != nil {
		return err
	}
	if inv.Status == "" {
		inv.Status = ledger.InvoiceSent
	}
	if inv.MatchStatus == "" {
		inv.MatchStatus = ledger.InvoiceUnmatched
	}

	query := `
		INSERT INTO invoices
		(id, invoice_number, total, paid_amount, balance_due, currency, status, match_status,
		 paid_at, investor_id, deal_id, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET
			invoice_number = excluded.invoice_number,
			total = excluded.total,
			paid_amount = excluded.paid_amount,
			balance_due = excluded.balance_due,
			currency = excluded.currency,
			status = excluded.status,
			match_status = excluded.match_status,
			paid_at = excluded.paid_at,
			investor_id = excluded.investor_id,
			deal_id = excluded.deal_id,
			version = invoices.version + 1,
			updated_at = excluded.updated_at
	`
	return s.locked(func(c *conn) error {
		_, err := c.q.ExecContext(ctx, query,
			inv.ID, nullString(inv.InvoiceNumber), inv.Total.String(), inv.PaidAmount.String(),
			nullDecimal(inv.BalanceDue), inv.Currency, string(inv.Status), string(inv.MatchStatus),
			nullTimePtr(inv.PaidAt), nullString(inv.InvestorID), nullString(inv.DealID),
			formatTime(s.now()),
		)
		if err != nil {
			return fmt.Errorf("failed to save invoice: %w", err)
		}
		return nil
	})
}

func (s *Store) SaveSubscription(ctx context.Context, sub ledger.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO subscriptions
		(id, investor_id, vehicle_id, deal_id, commitment, funded_amount, status, units, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET
			investor_id = excluded.investor_id,
			vehicle_id = excluded.vehicle_id,
			deal_id = excluded.deal_id,
			commitment = excluded.commitment,
			funded_amount = excluded.funded_amount,
			status = excluded.status,
			units = excluded.units,
			version = subscriptions.version + 1,
			updated_at = excluded.updated_at
	`
	return s.locked(func(c *conn) error {
		_, err := c.q.ExecContext(ctx, query,
			sub.ID, nullString(sub.InvestorID), nullString(sub.VehicleID), nullString(sub.DealID),
			nullDecimal(sub.Commitment), sub.FundedAmount.String(), string(sub.Status), nullDecimal(sub.Units),
			formatTime(s.now()),
		)
		if err != nil {
			return fmt.Errorf("failed to save subscription: %w", err)
		}
		return nil
	})
}

func (s *Store) SaveFeeEvent(ctx context.Context, f ledger.FeeEvent) error {
	if err := f.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO fee_events (id, allocation_id, fee_type, computed_amount, invoice_id, status, paid_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			allocation_id = excluded.allocation_id,
			fee_type = excluded.fee_type,
			computed_amount = excluded.computed_amount,
			invoice_id = excluded.invoice_id,
			status = excluded.status,
			paid_at = excluded.paid_at
	`
	return s.locked(func(c *conn) error {
		_, err := c.q.ExecContext(ctx, query,
			f.ID, nullString(f.AllocationID), string(f.FeeType), f.ComputedAmount.String(),
			f.InvoiceID, string(f.Status), nullTimePtr(f.PaidAt),
		)
		if err != nil {
			return fmt.Errorf("failed to save fee event: %w", err)
		}
		return nil
	})
}

// =============================================================================
// AUDIT LOG (ledger.AuditLog)
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, e ledger.AuditEntry) error {
	metadataJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode audit metadata: %w", err)
	}

	query := `
		INSERT INTO audit_log (id, timestamp, actor_id, action, entity_type, entity_id, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	return s.locked(func(c *conn) error {
		_, err := c.q.ExecContext(ctx, query,
			e.ID, formatTime(e.Timestamp), nullString(e.ActorID), string(e.Action),
			e.EntityType, e.EntityID, string(metadataJSON),
		)
		if err != nil {
			return fmt.Errorf("failed to append audit entry: %w", err)
		}
		return nil
	})
}

// QueryAudit returns matching entries in insertion order.
func (s *Store) QueryAudit(ctx context.Context, filter ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, filter.ActorID)
	}
	if len(filter.Actions) > 0 {
		where = append(where, "action IN ("+placeholders(len(filter.Actions))+")")
		for _, a := range filter.Actions {
			args = append(args, string(a))
		}
	}

	query := "SELECT id, timestamp, actor_id, action, entity_type, entity_id, metadata_json FROM audit_log"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY rowid ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var out []ledger.AuditEntry
	err := s.locked(func(c *conn) error {
		rows, err := c.q.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query audit log: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				e            ledger.AuditEntry
				ts           string
				actorID      sql.NullString
				action       string
				metadataJSON sql.NullString
			)
			if err := rows.Scan(&e.ID, &ts, &actorID, &action, &e.EntityType, &e.EntityID, &metadataJSON); err != nil {
				return fmt.Errorf("failed to scan audit entry: %w", err)
			}
			e.Timestamp = parseTime(ts)
			e.ActorID = actorID.String
			e.Action = ledger.AuditAction(action)
			if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
				if err := json.Unmarshal([]byte(metadataJSON.String), &e.Metadata); err != nil {
					return fmt.Errorf("failed to decode audit metadata %s: %w", e.ID, err)
				}
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}
