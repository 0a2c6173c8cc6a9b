package main

import (
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/cors"

	"github.com/timrx/backend/internal/auth"
	"github.com/timrx/backend/internal/config"
	"github.com/timrx/backend/internal/handlers"
	"github.com/timrx/backend/internal/jobs"
	"github.com/timrx/backend/internal/ledger"
	"github.com/timrx/backend/internal/pricing"
	"github.com/timrx/backend/internal/purchases"
	"github.com/timrx/backend/internal/reservations"
	"github.com/timrx/backend/internal/router"
	"github.com/timrx/backend/internal/wallets"
)

type apiDeps struct {
	pool      *pgxpool.Pool
	catalog   *pricing.Catalog
	auth      auth.Service
	wallets   *wallets.Service
	ledger    ledger.Service
	jobs      *jobs.Service
	purchases *purchases.Service
	engine    *reservations.Engine
	logger    *slog.Logger
}

// newAPIHandler builds every HTTP handler and wraps the router in CORS.
func newAPIHandler(cfg *config.Config, d apiDeps) http.Handler {
	h := router.Handlers{
		Auth: auth.NewHandler(d.auth, d.wallets, d.logger),
		Jobs: jobs.NewHandler(d.jobs, d.logger),
		Wallet: &handlers.WalletHandler{
			Wallets: d.wallets,
			Ledger:  d.ledger,
			Logger:  d.logger,
		},
		Catalog: &handlers.CatalogHandler{Catalog: d.catalog},
		Purchases: &handlers.PurchaseHandler{
			Purchases: d.purchases,
			Logger:    d.logger,
		},
		Admin: &handlers.AdminHandler{
			Grants:  d.wallets,
			Ledger:  d.ledger,
			Sweeper: d.engine,
			Logger:  d.logger,
		},
		Health: &handlers.HealthHandler{DB: d.pool},
	}

	if cfg.AdminAPIKey == "" {
		slog.Warn("ADMIN_API_KEY not set, admin routes reject every request")
	}
	if cfg.ProviderCallbackToken == "" {
		slog.Warn("PROVIDER_CALLBACK_TOKEN not set, provider callbacks disabled (polling only)")
	}

	api := router.New(h, router.Options{
		Tokens:        d.auth,
		Touch:         d.auth,
		AdminKey:      cfg.AdminAPIKey,
		CallbackToken: cfg.ProviderCallbackToken,
		Logger:        d.logger,
	})

	return cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}).Handler(api)
}
