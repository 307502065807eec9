/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. Logger:     zap request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the review UI
  6. Actor:      X-Actor-ID on every mutation (401 otherwise)

ROUTE GROUPS:
  /api/match/manual             Create and apply a manual match
  /api/matches/{id}/*           Approve / reject suggested matches
  /api/bank-transactions/{id}   Transaction view and self-heal
  /api/invoices/{id}            Invoice view and propagation retry
  /api/audit                    Audit trail
  /api/admin/*                  Import and sweep
  /api/health                   Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// ActorHeader carries the authenticated staff user id. Authentication
// itself happens upstream.
const ActorHeader = "X-Actor-ID"

type actorKey struct{}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/bank-transactions/{id}", h.GetBankTransaction)
		r.Get("/invoices/{id}", h.GetInvoice)
		r.Get("/audit", h.ListAudit)

		// Mutations
		r.Group(func(r chi.Router) {
			r.Use(RequireActor)

			r.Post("/match/manual", h.CreateManualMatch)

			r.Route("/matches", func(r chi.Router) {
				r.Post("/{id}/approve", h.ApproveMatch)
				r.Post("/{id}/reject", h.RejectMatch)
			})

			r.Post("/bank-transactions/{id}/recompute", h.RecomputeTransaction)
			r.Post("/invoices/{id}/propagate", h.PropagateInvoice)

			r.Route("/admin", func(r chi.Router) {
				r.Post("/import", h.Import)
				r.Post("/sweep", h.Sweep)
			})
		})
	})

	return r
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// RequestLogger logs one line per request.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.Int("status", ww.Status()),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("query", r.URL.RawQuery),
				zap.String("ip", r.RemoteAddr),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("actor_id", r.Header.Get(ActorHeader)),
				zap.Duration("cost", time.Since(start)),
			)
		})
	}
}

// RequireActor rejects requests without an actor id.
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := r.Header.Get(ActorHeader)
		if actor == "" {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: ActorHeader + " header is required"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

// ActorFrom returns the actor set by RequireActor.
func ActorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}
