/*
handlers.go - HTTP API handlers for the reconciliation engine

PURPOSE:
  Exposes the matching engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine. No money logic lives here.

ENDPOINTS:
  Matching:
    POST   /api/match/manual                    Create and apply a manual match
    POST   /api/matches/{id}/approve            Approve a suggested match
    POST   /api/matches/{id}/reject             Reject a suggested match

  Records:
    GET    /api/bank-transactions/{id}          Transaction + approved matches
    POST   /api/bank-transactions/{id}/recompute Self-heal the aggregate
    GET    /api/invoices/{id}                   Invoice + matches
    POST   /api/invoices/{id}/propagate         Retry downstream propagation

  Audit:
    GET    /api/audit?entity_type=&entity_id=&actor_id=&action=&limit=

  Admin:
    POST   /api/admin/import                    Seed upstream records
    POST   /api/admin/sweep                     Run the orphan sweep now

ERROR HANDLING:
  Errors are returned as {"error": "..."} with:
  - 400: Validation errors, currency mismatch, nothing left to allocate
  - 401: Missing X-Actor-ID on a mutation
  - 404: Transaction, invoice or match not found
  - 409: Concurrent modification, over-allocation
  - 500: Apply failure (compensated), internal errors
  - 207: Match applied but propagation failed; full body plus
         "error" and "propagation_failed": true

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/recon-engine/ledger"
	"github.com/warp/recon-engine/matching"
	"github.com/warp/recon-engine/money"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is the storage the handlers read from and seed.
type Store interface {
	ledger.Reader
	ledger.Importer
	ledger.AuditLog
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   Store
	Engine  *matching.Engine
	Sweeper *matching.Sweeper

	logger   *zap.Logger
	validate *validator.Validate
}

// NewHandler creates a new handler. sweeper may be nil.
func NewHandler(store Store, engine *matching.Engine, sweeper *matching.Sweeper, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Store:    store,
		Engine:   engine,
		Sweeper:  sweeper,
		logger:   logger,
		validate: validator.New(),
	}
}

// =============================================================================
// MATCHING ENDPOINTS
// =============================================================================

// CreateManualMatch allocates a bank transaction to an invoice.
func (h *Handler) CreateManualMatch(w http.ResponseWriter, r *http.Request) {
	var req ManualMatchRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	res, err := h.Engine.CreateManualMatch(r.Context(), matching.ManualMatchRequest{
		BankTransactionID: req.BankTransactionID,
		InvoiceID:         req.InvoiceID,
		RequestedAmount:   req.MatchedAmount,
		Notes:             req.Notes,
		ActorID:           ActorFrom(r.Context()),
	})
	h.writeApplied(w, r, res, err)
}

// ApproveMatch applies a suggested match.
func (h *Handler) ApproveMatch(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.ApproveSuggestedMatch(r.Context(), chi.URLParam(r, "id"), ActorFrom(r.Context()))
	h.writeApplied(w, r, res, err)
}

// RejectMatch rejects a suggested match.
func (h *Handler) RejectMatch(w http.ResponseWriter, r *http.Request) {
	m, err := h.Engine.RejectSuggestedMatch(r.Context(), chi.URLParam(r, "id"), ActorFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMatchDTO(*m))
}

// writeApplied maps an engine result to 200, 207 or an error status.
func (h *Handler) writeApplied(w http.ResponseWriter, r *http.Request, res *matching.AppliedMatchResult, err error) {
	var perr *ledger.PropagationError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, toAppliedMatchResponse(res))
	case res != nil && errors.As(err, &perr):
		h.logger.Error("match applied, propagation failed",
			zap.String("match_id", res.MatchID),
			zap.String("invoice_id", perr.InvoiceID),
			zap.String("subscription_id", perr.SubscriptionID),
			zap.Error(err),
		)
		body := toAppliedMatchResponse(res)
		body.Error = err.Error()
		body.PropagationFailed = true
		writeJSON(w, http.StatusMultiStatus, body)
	default:
		h.writeError(w, r, err)
	}
}

// =============================================================================
// RECORD ENDPOINTS
// =============================================================================

// GetBankTransaction returns a transaction with its approved matches.
func (h *Handler) GetBankTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	txn, err := h.Store.GetBankTransaction(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	approved, err := h.Store.ListMatchesByTransaction(ctx, txn.ID, ledger.MatchApproved)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bankTransactionResponse(*txn, approved, false))
}

// RecomputeTransaction re-derives the transaction aggregate from approved matches.
func (h *Handler) RecomputeTransaction(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.RecomputeTransaction(r.Context(), chi.URLParam(r, "id"), ActorFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bankTransactionResponse(res.Transaction, res.Matches, res.Healed))
}

func bankTransactionResponse(txn ledger.BankTransaction, approved []ledger.ReconciliationMatch, healed bool) BankTransactionResponse {
	total := ledger.SumMatched(approved)
	return BankTransactionResponse{
		BankTransaction:    toBankTransactionDTO(txn),
		Matches:            toMatchDTOs(approved),
		TotalMatchedAmount: money.RoundCurrency(total),
		RemainingAmount:    money.RoundCurrency(txn.Remaining(total)),
		Healed:             healed,
	}
}

// GetInvoice returns an invoice with every match that references it.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inv, err := h.Store.GetInvoice(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	matches, err := h.Store.ListMatchesByInvoice(ctx, inv.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, InvoiceResponse{Invoice: toInvoiceDTO(*inv), Matches: toMatchDTOs(matches)})
}

// PropagateInvoice retries downstream propagation for a paid invoice.
func (h *Handler) PropagateInvoice(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Engine.PropagateInvoice(r.Context(), chi.URLParam(r, "id"), ActorFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPropagationDTO(summary))
}

// =============================================================================
// AUDIT
// =============================================================================

// ListAudit returns audit entries filtered by query parameters.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.AuditFilter{
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		ActorID:    q.Get("actor_id"),
		Limit:      100,
	}
	for _, a := range q["action"] {
		filter.Actions = append(filter.Actions, ledger.AuditAction(a))
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 1000 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be between 1 and 1000"})
			return
		}
		filter.Limit = limit
	}

	entries, err := h.Store.QueryAudit(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]AuditEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toAuditEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// ADMIN
// =============================================================================

// Import seeds records. Records are saved in dependency order; the first
// failure stops the import and reports which record failed.
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	ctx := r.Context()
	var resp ImportResponse

	for _, in := range req.BankTransactions {
		rec, err := in.toRecord()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("bank transaction %s: invalid value_date: %v", in.ID, err)})
			return
		}
		if err := h.Store.SaveBankTransaction(ctx, rec); err != nil {
			h.writeError(w, r, err)
			return
		}
		resp.BankTransactions++
	}
	for _, in := range req.Invoices {
		if err := h.Store.SaveInvoice(ctx, in.toRecord()); err != nil {
			h.writeError(w, r, err)
			return
		}
		resp.Invoices++
	}
	for _, in := range req.Subscriptions {
		if err := h.Store.SaveSubscription(ctx, in.toRecord()); err != nil {
			h.writeError(w, r, err)
			return
		}
		resp.Subscriptions++
	}
	for _, in := range req.FeeEvents {
		if err := h.Store.SaveFeeEvent(ctx, in.toRecord()); err != nil {
			h.writeError(w, r, err)
			return
		}
		resp.FeeEvents++
	}

	h.logger.Info("records imported",
		zap.String("actor_id", ActorFrom(ctx)),
		zap.Int("bank_transactions", resp.BankTransactions),
		zap.Int("invoices", resp.Invoices),
		zap.Int("subscriptions", resp.Subscriptions),
		zap.Int("fee_events", resp.FeeEvents),
	)
	writeJSON(w, http.StatusOK, resp)
}

// Sweep runs one orphan sweep immediately.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	if h.Sweeper == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "sweeper is not configured"})
		return
	}
	report, err := h.Sweeper.RunOnce(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := SweepResponse{Deleted: []string{}, Transactions: []string{}}
	resp.Deleted = append(resp.Deleted, report.Deleted...)
	resp.Transactions = append(resp.Transactions, report.Transactions...)
	writeJSON(w, http.StatusOK, resp)
}

// Health reports liveness and, when the store supports it, database reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// decodeAndValidate parses the body into dst and runs validator tags.
// On failure it writes a 400 and returns false.
func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation failed: " + err.Error()})
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("actor_id", ActorFrom(r.Context())),
			zap.Error(err),
		)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

// statusFor maps ledger errors to HTTP status codes. Order matters: an
// ApplyError or PropagationError wraps its cause, which may itself be a
// client-class error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrApplyFailed), errors.Is(err, ledger.ErrPropagationFailed):
		return http.StatusInternalServerError
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case ledger.IsRetryable(err), errors.Is(err, ledger.ErrOverAllocation):
		return http.StatusConflict
	case ledger.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
