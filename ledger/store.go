/*
store.go - Persistence interfaces for reconciliation records

PURPOSE:
  Defines the boundary between the matching engine and the database. The
  Repository is the sole owner of persisted financial state: the engine
  never caches balances and re-reads current truth before every decision.

KEY INTERFACES:
  Reader:        Lookups for every record type
  Writer:        Mutations, including the atomic ApplyMatch primitive
  Repository:    Reader + Writer
  TxRepository:  Repository + WithTx (atomic multi-table units)
  Importer:      Seeding by the external import/invoicing processes
  AuditLog:      Append-only audit storage

APPLY PRIMITIVE:
  ApplyMatch(matchID, approvedBy) moves a suggested match to approved and
  books its amount on the invoice as ONE transactional unit:
  - already approved: no-op (idempotent, never double-credits)
  - rejected or over-allocating: fails loudly, nothing written
  Every implementation validates through ledger.PlanApply.

OPTIMISTIC CONCURRENCY:
  Bank transactions, invoices and subscriptions carry a Version. Updates
  are compare-and-swap on that version and return ErrConcurrentModification
  when another writer got there first.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (production)
  - ledger/store/memory.go: In-memory (tests, dev)

SEE ALSO:
  - invoice.go: PlanApply
  - matching/engine.go: Consumer of these interfaces
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// REPOSITORY
// =============================================================================

// Reader returns copies; mutating a returned record has no effect on storage.
// Missing records yield an error wrapping ErrNotFound.
type Reader interface {
	GetBankTransaction(ctx context.Context, id string) (*BankTransaction, error)
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	GetMatch(ctx context.Context, id string) (*ReconciliationMatch, error)
	GetSubscription(ctx context.Context, id string) (*Subscription, error)

	// ListMatchesByTransaction returns matches for a transaction, optionally
	// filtered by status, ordered by creation time.
	ListMatchesByTransaction(ctx context.Context, txID string, statuses ...MatchStatus) ([]ReconciliationMatch, error)

	// ListMatchesByInvoice returns matches for an invoice, optionally filtered by status.
	ListMatchesByInvoice(ctx context.Context, invoiceID string, statuses ...MatchStatus) ([]ReconciliationMatch, error)

	// ListStaleSuggestions returns suggested matches from source created before cutoff.
	ListStaleSuggestions(ctx context.Context, source MatchSource, cutoff time.Time) ([]ReconciliationMatch, error)

	ListFeeEventsByInvoice(ctx context.Context, invoiceID string) ([]FeeEvent, error)
}

type Writer interface {
	// InsertMatch stores a new match row. Only suggested rows may be inserted.
	InsertMatch(ctx context.Context, m ReconciliationMatch) error

	// DeleteMatch removes a match that is not approved.
	DeleteMatch(ctx context.Context, id string) error

	// RejectMatch moves a suggested match to rejected.
	RejectMatch(ctx context.Context, id string) error

	// DeleteSuggestedMatches removes suggested rows for a transaction/invoice pair.
	DeleteSuggestedMatches(ctx context.Context, txID, invoiceID string) (int, error)

	// ApplyMatch is the atomic, idempotent apply primitive.
	ApplyMatch(ctx context.Context, matchID, approvedBy string) error

	// UpdateTransactionState overwrites the derived aggregate of a transaction
	// (status, matched invoice ids). Compare-and-swap on t.Version.
	UpdateTransactionState(ctx context.Context, t BankTransaction) error

	// UpdateFeeEventStatus sets the status of a fee event.
	UpdateFeeEventStatus(ctx context.Context, id string, status FeeStatus, at time.Time) error

	// UpdateSubscriptionFunding persists funded amount and status.
	// Compare-and-swap on s.Version.
	UpdateSubscriptionFunding(ctx context.Context, s Subscription) error
}

type Repository interface {
	Reader
	Writer
}

// TxRepository wraps Repository with transaction support.
type TxRepository interface {
	Repository

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through r is rolled back.
	WithTx(ctx context.Context, fn func(r Repository) error) error
}

// Importer seeds records created by upstream processes (statement import,
// invoicing, subscription onboarding). Records are validated before write.
type Importer interface {
	SaveBankTransaction(ctx context.Context, t BankTransaction) error
	SaveInvoice(ctx context.Context, inv Invoice) error
	SaveSubscription(ctx context.Context, s Subscription) error
	SaveFeeEvent(ctx context.Context, f FeeEvent) error
}

// =============================================================================
// AUDIT LOG - Separate from the ledger, tracks who did what when
// =============================================================================

// AuditEntry records one monetary mutation.
type AuditEntry struct {
	ID         string
	Timestamp  time.Time
	ActorID    string
	Action     AuditAction
	EntityType string
	EntityID   string
	Metadata   map[string]any
}

type AuditAction string

const (
	AuditMatchApplied       AuditAction = "match_applied"
	AuditTransactionUpdated AuditAction = "transaction_allocated"
	AuditTransactionHealed  AuditAction = "transaction_self_healed"
	AuditMatchRejected      AuditAction = "match_rejected"
	AuditSubscriptionFunded AuditAction = "subscription_funded"
	AuditFundingSkipped     AuditAction = "subscription_funding_skipped"
	AuditFeesPaid           AuditAction = "fee_events_paid"
	AuditSuggestionsSwept   AuditAction = "suggestions_swept"
)

// AuditLog stores audit entries. Append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type AuditFilter struct {
	EntityType string
	EntityID   string
	ActorID    string
	Actions    []AuditAction
	Limit      int
}
