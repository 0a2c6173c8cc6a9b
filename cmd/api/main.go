package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/timrx/backend/internal/auth"
	"github.com/timrx/backend/internal/config"
	"github.com/timrx/backend/internal/database"
	"github.com/timrx/backend/internal/execution"
	"github.com/timrx/backend/internal/jobs"
	"github.com/timrx/backend/internal/ledger"
	"github.com/timrx/backend/internal/metrics"
	"github.com/timrx/backend/internal/payments"
	"github.com/timrx/backend/internal/pricing"
	"github.com/timrx/backend/internal/providers"
	"github.com/timrx/backend/internal/purchases"
	"github.com/timrx/backend/internal/repository"
	"github.com/timrx/backend/internal/reservations"
	"github.com/timrx/backend/internal/telemetry"
	"github.com/timrx/backend/internal/wallets"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "timrx-credits", cfg.OTelEndpoint, cfg.OTelEnabled)
	if err != nil {
		slog.Warn("Tracing disabled", "error", err)
	}
	defer shutdownTracing(context.Background())

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. make dev-up", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("Connected to PostgreSQL database successfully!")

	applied, err := database.Migrate(ctx, pool)
	if err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Schema migrations applied", "applied", applied)

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	catalog, err := pricing.Load(ctx, repository.NewPricingRepo(pool))
	if err != nil {
		slog.Error("Failed to load pricing catalog", "error", err)
		os.Exit(1)
	}
	params, err := pricing.NewParamsValidator()
	if err != nil {
		slog.Error("Failed to compile params schemas", "error", err)
		os.Exit(1)
	}

	// Wallet snapshot cache is optional.
	var cache *redis.Client
	if cfg.RedisAddr != "" {
		cache = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := cache.Ping(ctx).Err(); err != nil {
			slog.Warn("Redis unreachable, wallet cache disabled", "error", err)
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	m := metrics.Get()
	walletRepo := repository.NewWalletRepo(pool)
	ledgerRepo := ledger.NewRepository(pool)

	walletSvc := wallets.NewService(pool, walletRepo, ledgerRepo, cache, cfg.WalletCacheTTL)
	ledgerSvc := ledger.NewService(ledgerRepo, walletRepo, m, logger, walletSvc.Invalidate)

	jobsRepo := jobs.NewRepository(pool)
	engine := reservations.NewEngine(pool, walletRepo, repository.NewReservationRepo(pool), ledgerRepo, catalog,
		reservations.Config{TTL: cfg.ReservationTTL, SweepBatchSize: cfg.SweepBatchSize})
	engine.Jobs = jobsRepo
	engine.OnWalletChange = walletSvc.Invalidate

	// Jobs: insert funcs are set after the River client is created (breaks init cycle)
	var insertMu sync.Mutex
	var riverClient *river.Client[pgx.Tx]
	client := func() *river.Client[pgx.Tx] {
		insertMu.Lock()
		defer insertMu.Unlock()
		if riverClient == nil {
			panic("river client not wired")
		}
		return riverClient
	}
	insertDispatch := func(ctx context.Context, tx pgx.Tx, args execution.DispatchJobArgs) error {
		_, err := client().InsertTx(ctx, tx, args, nil)
		return err
	}
	schedulePoll := func(ctx context.Context, args execution.PollJobArgs, at time.Time) error {
		_, err := client().Insert(ctx, args, &river.InsertOpts{ScheduledAt: at})
		return err
	}

	provider := providers.NewHTTPClient(cfg.GenerationProviderURL, cfg.GenerationProviderKey)
	jobsSvc := jobs.NewService(jobsRepo, engine, catalog, provider, insertDispatch, schedulePoll)
	jobsSvc.Params = params
	jobsSvc.PollInterval = cfg.PollInterval

	authSvc := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret, walletSvc, cfg.SignupGrantCredits, logger)

	payClient, err := payments.New(cfg.PaymentProvider, cfg.PaymentAPIURL, cfg.PaymentAPIKey)
	if err != nil {
		slog.Error("Invalid PAYMENT_PROVIDER", "provider", cfg.PaymentProvider, "error", err)
		os.Exit(1)
	}
	purchaseSvc := purchases.NewService(pool, repository.NewPurchaseRepo(pool), walletSvc, catalog, payClient)
	purchaseSvc.Emails = authSvc
	purchaseSvc.RedirectURL = cfg.FrontendBaseURL + "/hub.html?checkout=success"
	purchaseSvc.WebhookURL = cfg.PublicBaseURL + "/api/v1/payments/webhook"

	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewDispatchWorker(jobsSvc))
	river.AddWorker(workers, execution.NewPollWorker(jobsSvc, cfg.PollInterval))
	river.AddWorker(workers, execution.NewSweepWorker(engine, cfg.StaleReservationAge, logger))

	rc, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.WorkerConcurrency},
		},
		Workers:      workers,
		PeriodicJobs: []*river.PeriodicJob{execution.PeriodicSweep(cfg.SweepInterval)},
		Logger:       logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}
	insertMu.Lock()
	riverClient = rc
	insertMu.Unlock()

	if err := rc.Start(ctx); err != nil {
		slog.Error("River client failed to start", "error", err)
		os.Exit(1)
	}

	handler := newAPIHandler(cfg, apiDeps{
		pool:      pool,
		catalog:   catalog,
		auth:      authSvc,
		wallets:   walletSvc,
		ledger:    ledgerSvc,
		jobs:      jobsSvc,
		purchases: purchaseSvc,
		engine:    engine,
		logger:    logger,
	})

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	if err := rc.Stop(shutdownCtx); err != nil {
		slog.Error("River stop failed", "error", err)
	}
}
