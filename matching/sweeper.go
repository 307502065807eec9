/*
sweeper.go - Periodic cleanup of orphaned manual suggestions

PURPOSE:
  A manual match is inserted as "suggested" and approved in the same unit.
  A suggested row with source=manual that is older than a few minutes can
  only come from a request that died between insert and apply on a store
  without real transactions, or from a failed compensating delete. The
  sweeper removes those rows and recomputes the affected transactions.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Only source=manual rows are touched; suggestions from the external
    matcher (source=auto) wait for a human decision however old they are
  - Each row is re-checked and deleted in its own unit, so a row approved
    since the listing is left alone

USAGE:
  sweeper := matching.NewSweeper(repo, engine, logger)
  sweeper.TTL = 15 * time.Minute
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - engine.go: compensate, RecomputeTransaction
  - api/handlers.go: POST /api/admin/sweep
*/
package matching

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/recon-engine/audit"
	"github.com/warp/recon-engine/ledger"
)

// SweeperActor is the actor id recorded for sweeper changes.
const SweeperActor = "system:sweeper"

// SweepReport summarizes one sweep.
type SweepReport struct {
	Deleted      []string // match ids
	Transactions []string // recomputed bank transaction ids
}

// Sweeper deletes stale manual suggestions.
type Sweeper struct {
	Repo     ledger.TxRepository
	Engine   *Engine
	Audit    audit.Emitter
	Interval time.Duration
	TTL      time.Duration
	Enabled  bool

	logger *zap.Logger
	now    func() time.Time
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewSweeper(repo ledger.TxRepository, engine *Engine, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		Repo:     repo,
		Engine:   engine,
		Audit:    audit.Nop{},
		Interval: 5 * time.Minute,
		TTL:      15 * time.Minute,
		Enabled:  true,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start begins the sweep loop.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("sweeper disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.logger.Info("sweeper started",
		zap.Duration("interval", s.Interval),
		zap.Duration("ttl", s.TTL),
	)
}

// Stop stops the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	for {
		select {
		case <-ticker.C:
			if _, err := s.RunOnce(context.Background()); err != nil {
				s.logger.Error("sweep failed", zap.Error(err))
			}
		case <-stop:
			return
		}
	}
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (*SweepReport, error) {
	cutoff := s.now().Add(-s.TTL)

	stale, err := s.Repo.ListStaleSuggestions(ctx, ledger.SourceManual, cutoff)
	if err != nil {
		return nil, err
	}

	report := &SweepReport{Deleted: []string{}, Transactions: []string{}}
	touched := make(map[string]bool)

	for _, m := range stale {
		deleted, err := s.deleteIfStale(ctx, m.ID, cutoff)
		if err != nil {
			s.logger.Warn("sweeper could not delete suggestion",
				zap.String("match_id", m.ID),
				zap.Error(err),
			)
			continue
		}
		if !deleted {
			continue
		}
		report.Deleted = append(report.Deleted, m.ID)
		touched[m.BankTransactionID] = true

		s.Audit.Log(ctx, audit.Event{
			ActorID:    SweeperActor,
			Action:     ledger.AuditSuggestionsSwept,
			EntityType: audit.EntityMatch,
			EntityID:   m.ID,
			Metadata: map[string]any{
				"bank_transaction_id": m.BankTransactionID,
				"invoice_id":          m.InvoiceID,
				"amount":              m.MatchedAmount.StringFixed(2),
				"created_at":          m.CreatedAt.Format(time.RFC3339),
			},
		})
	}

	for txID := range touched {
		report.Transactions = append(report.Transactions, txID)
	}
	sort.Strings(report.Transactions)

	if s.Engine != nil {
		for _, txID := range report.Transactions {
			if _, err := s.Engine.RecomputeTransaction(ctx, txID, SweeperActor); err != nil {
				s.logger.Error("sweeper recompute failed",
					zap.String("bank_transaction_id", txID),
					zap.Error(err),
				)
			}
		}
	}

	if len(report.Deleted) > 0 {
		s.logger.Info("sweep completed",
			zap.Int("deleted", len(report.Deleted)),
			zap.Int("transactions", len(report.Transactions)),
		)
	}
	return report, nil
}

func (s *Sweeper) deleteIfStale(ctx context.Context, matchID string, cutoff time.Time) (bool, error) {
	var deleted bool
	err := s.Repo.WithTx(ctx, func(r ledger.Repository) error {
		m, err := r.GetMatch(ctx, matchID)
		if ledger.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if m.Status != ledger.MatchSuggested || m.Source != ledger.SourceManual || !m.CreatedAt.Before(cutoff) {
			return nil
		}
		if err := r.DeleteMatch(ctx, matchID); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	return deleted, err
}
