/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. Logger:     Structured request log (zap)
  4. CORS:       Cross-origin requests for the HR frontend
  5. Actor:      X-User-ID -> generic.Actor (API routes only)

ROUTE GROUPS:
  /healthz              Liveness
  /api/v1/requests/*    Leave requests
  /api/v1/balances/*    Balances and ledger
  /api/v1/admin/*       Batch jobs and corrections

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

	"github.com/warp/leave-engine/approval"
	"github.com/warp/leave-engine/generic"
)

// =============================================================================
// ACTORS
// =============================================================================

// ActorResolver turns an authenticated user id into an Actor.
type ActorResolver interface {
	Resolve(ctx context.Context, user generic.UserID) (generic.Actor, error)
}

// RoleResolver grants Base to every user plus the permissions of each
// directory role the user is a member of.
type RoleResolver struct {
	Directory *approval.StaticDirectory
	Base      []generic.Permission
	Roles     map[string][]generic.Permission
}

// DefaultRoles: employees submit their own leave and decide their tasks,
// "hr" acts for others, "admin" may run every job.
func DefaultRoles(dir *approval.StaticDirectory) *RoleResolver {
	return &RoleResolver{
		Directory: dir,
		Base:      []generic.Permission{generic.PermSubmitOwn, generic.PermDecide},
		Roles: map[string][]generic.Permission{
			"hr":    {generic.PermSubmitAny, generic.PermCancelAny, generic.PermAdjust, generic.PermAssign},
			"admin": generic.AllPermissions,
		},
	}
}

func (rr *RoleResolver) Resolve(ctx context.Context, user generic.UserID) (generic.Actor, error) {
	perms := append([]generic.Permission(nil), rr.Base...)
	for role, granted := range rr.Roles {
		members, err := rr.Directory.MembersOf(ctx, role)
		if err != nil {
			return generic.Actor{}, err
		}
		for _, m := range members {
			if m == user {
				perms = append(perms, granted...)
				break
			}
		}
	}
	return generic.NewActor(user, perms...), nil
}

type actorKey struct{}

// ActorFrom returns the request's actor; the zero Actor holds no permission.
func ActorFrom(ctx context.Context) generic.Actor {
	a, _ := ctx.Value(actorKey{}).(generic.Actor)
	return a
}

func WithActor(ctx context.Context, a generic.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// Authenticate resolves X-User-ID; requests without it get 401.
func Authenticate(resolver ActorResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := r.Header.Get("X-User-ID")
			if user == "" {
				writeError(w, http.StatusUnauthorized, "missing X-User-ID", "", nil)
				return
			}
			actor, err := resolver.Resolve(r.Context(), generic.UserID(user))
			if err != nil {
				writeError(w, http.StatusInternalServerError, "cannot resolve actor", generic.Kind(err), err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// RequestLogger logs one line per request.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

// =============================================================================
// ROUTER
// =============================================================================

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(h.log.Named("http")))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Authenticate(h.actors))

		r.Route("/requests", func(r chi.Router) {
			r.Get("/", h.ListRequests)
			r.Post("/", h.SubmitRequest)
			r.Post("/drafts", h.SaveDraft)
			r.Get("/{id}", h.GetRequest)
			r.Post("/{id}/decision", h.Decide)
			r.Post("/{id}/cancel", h.Cancel)
		})

		r.Get("/inbox", h.Inbox)
		r.Post("/delegations", h.Delegate)

		r.Route("/balances/{user}/{type}", func(r chi.Router) {
			r.Get("/", h.GetBalance)
			r.Get("/ledger", h.GetLedger)
		})

		r.Get("/policies", h.ListPolicies)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/assignments", h.CreateAssignment)
			r.Post("/adjustments", h.CreateAdjustment)
			r.Post("/accruals", h.RunAccrual)
			r.Post("/year-end", h.RunYearEnd)
			r.Post("/carryover-expiry", h.ExpireCarryover)
			r.Post("/archive", h.Archive)
			r.Get("/verify/{user}/{type}", h.Verify)
			r.Get("/audit", h.ListAudit)
		})
	})

	return r
}
