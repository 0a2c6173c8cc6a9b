package router

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/timrx/backend/internal/auth"
	"github.com/timrx/backend/internal/handlers"
	"github.com/timrx/backend/internal/jobs"
	"github.com/timrx/backend/internal/middleware"
)

// Handlers groups every HTTP handler served by the API.
type Handlers struct {
	Auth      *auth.Handler
	Jobs      *jobs.Handler
	Wallet    *handlers.WalletHandler
	Catalog   *handlers.CatalogHandler
	Purchases *handlers.PurchaseHandler
	Admin     *handlers.AdminHandler
	Health    *handlers.HealthHandler
}

// Options carries the route guards.
type Options struct {
	Tokens middleware.TokenValidator
	Touch  middleware.Toucher
	// AdminKey guards /api/v1/admin. Empty disables the admin routes.
	AdminKey string
	// CallbackToken guards provider callbacks via X-Callback-Token.
	CallbackToken string
	Logger        *slog.Logger
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// New returns the API router. Everything except health, metrics, the
// catalog and provider/payment callbacks requires a bearer token.
func New(h Handlers, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = promhttp.Handler()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(opts.Logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	r.Get("/healthz", h.Health.Health)
	r.Handle("/metrics", opts.Metrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/actions", h.Catalog.ListActions)
		r.Get("/plans", h.Catalog.ListPlans)
		r.Post("/identities", h.Auth.CreateIdentity)
		r.Post("/payments/webhook", h.Purchases.Webhook)

		r.With(middleware.RequireKey("X-Callback-Token", opts.CallbackToken)).
			Post("/providers/{provider}/callback", h.Jobs.ProviderCallback)

		r.Group(func(r chi.Router) {
			r.Use(middleware.IdentityAuth(opts.Tokens, opts.Touch))

			r.Get("/me", h.Auth.Me)
			r.Post("/me/email", h.Auth.AttachEmail)

			r.Get("/wallet", h.Wallet.GetWallet)
			r.Get("/wallet/ledger", h.Wallet.ListLedger)
			r.Get("/wallet/verify", h.Wallet.VerifyLedger)

			r.Post("/jobs", h.Jobs.StartJob)
			r.Get("/jobs", h.Jobs.ListJobs)
			r.Get("/jobs/{id}", h.Jobs.GetJob)

			r.Post("/purchases/checkout", h.Purchases.Checkout)
			r.Post("/purchases/confirm", h.Purchases.Confirm)
			r.Get("/purchases", h.Purchases.List)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.AdminKey(opts.AdminKey))
			r.Post("/identities/{id}/grant", h.Admin.Grant)
			r.Post("/identities/{id}/repair", h.Admin.Repair)
			r.Get("/ledger/audit", h.Admin.Audit)
			r.Post("/reservations/sweep", h.Admin.Sweep)
		})
	})
	return r
}
