package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/scopelens/internal/api/middleware"
	"github.com/kiranshivaraju/scopelens/internal/api/response"
	"github.com/kiranshivaraju/scopelens/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	Session   *mw.Session
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	// end-user routes, session authenticated
	UploadScan   http.HandlerFunc
	ListScans    http.HandlerFunc
	GetScan      http.HandlerFunc
	ScanStats    http.HandlerFunc
	Subscription http.HandlerFunc
	ClaimKey     http.HandlerFunc

	// dispatch routes, API key with the admin or dispatch scope
	Dispatch           http.HandlerFunc
	DispatchPlagiarism http.HandlerFunc

	// admin routes, API key with the admin scope
	ListQueue     http.HandlerFunc
	QueueAction   http.HandlerFunc
	ListAccounts  http.HandlerFunc
	CreateAccount http.HandlerFunc
	UpdateAccount http.HandlerFunc
	GenerateKeys  http.HandlerFunc

	ListCoreAccounts  http.HandlerFunc
	CreateCoreAccount http.HandlerFunc
	UpdateCoreAccount http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// User routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Session.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/scans", orNotImplemented(deps.UploadScan))
		r.Get("/api/v1/scans", orNotImplemented(deps.ListScans))
		r.Get("/api/v1/scans/stats", orNotImplemented(deps.ScanStats))
		r.Get("/api/v1/scans/{scanID}", orNotImplemented(deps.GetScan))

		r.Get("/api/v1/subscription", orNotImplemented(deps.Subscription))
		r.Post("/api/v1/license-keys/claim", orNotImplemented(deps.ClaimKey))
	})

	// Admin routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeAdmin, models.ScopeDispatch))

			r.Post("/api/v1/admin/queue/dispatch", orNotImplemented(deps.Dispatch))
			r.Post("/api/v1/admin/plagiarism/dispatch", orNotImplemented(deps.DispatchPlagiarism))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeAdmin))

			r.Get("/api/v1/admin/queue", orNotImplemented(deps.ListQueue))
			r.Post("/api/v1/admin/queue/actions", orNotImplemented(deps.QueueAction))

			r.Get("/api/v1/admin/accounts", orNotImplemented(deps.ListAccounts))
			r.Post("/api/v1/admin/accounts", orNotImplemented(deps.CreateAccount))
			r.Patch("/api/v1/admin/accounts/{accountID}", orNotImplemented(deps.UpdateAccount))

			r.Get("/api/v1/admin/core-accounts", orNotImplemented(deps.ListCoreAccounts))
			r.Post("/api/v1/admin/core-accounts", orNotImplemented(deps.CreateCoreAccount))
			r.Patch("/api/v1/admin/core-accounts/{accountID}", orNotImplemented(deps.UpdateCoreAccount))

			r.Post("/api/v1/admin/license-keys", orNotImplemented(deps.GenerateKeys))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
