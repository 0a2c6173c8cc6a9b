// Command maintenance runs the credit ledger's scheduled upkeep: the nightly
// drift audit, expiry sweeps and stale-hold reconciliation. With -once it
// runs a single task and exits; -grant applies one admin grant.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/timrx/backend/internal/config"
	"github.com/timrx/backend/internal/database"
	"github.com/timrx/backend/internal/jobs"
	"github.com/timrx/backend/internal/ledger"
	"github.com/timrx/backend/internal/metrics"
	"github.com/timrx/backend/internal/models"
	"github.com/timrx/backend/internal/pricing"
	"github.com/timrx/backend/internal/repository"
	"github.com/timrx/backend/internal/reservations"
	"github.com/timrx/backend/internal/wallets"
)

type tasks struct {
	cfg     *config.Config
	ledger  ledger.Service
	engine  *reservations.Engine
	wallets *wallets.Service
	log     *slog.Logger
}

func main() {
	once := flag.String("once", "", "run one task and exit: audit, sweep or reconcile")
	grantTo := flag.String("grant", "", "identity id to credit with -amount")
	amount := flag.Int("amount", 0, "credits for -grant; negative debits")
	reason := flag.String("reason", "", "reason recorded with -grant")
	refID := flag.String("ref", "", "idempotency reference for -grant")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "timrx-maintenance")
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Cannot reach PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	catalog, err := pricing.Load(ctx, repository.NewPricingRepo(pool))
	if err != nil {
		slog.Error("Failed to load pricing catalog", "error", err)
		os.Exit(1)
	}

	walletRepo := repository.NewWalletRepo(pool)
	ledgerRepo := ledger.NewRepository(pool)
	// Grants and repairs drop the API's cached snapshot when Redis is shared.
	var cache *redis.Client
	if cfg.RedisAddr != "" {
		cache = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer cache.Close()
	}
	walletSvc := wallets.NewService(pool, walletRepo, ledgerRepo, cache, cfg.WalletCacheTTL)
	engine := reservations.NewEngine(pool, walletRepo, repository.NewReservationRepo(pool), ledgerRepo, catalog,
		reservations.Config{TTL: cfg.ReservationTTL, SweepBatchSize: cfg.SweepBatchSize})
	engine.Jobs = jobs.NewRepository(pool)
	t := &tasks{
		cfg:     cfg,
		ledger:  ledger.NewService(ledgerRepo, walletRepo, metrics.Get(), logger, walletSvc.Invalidate),
		engine:  engine,
		wallets: walletSvc,
		log:     logger,
	}

	switch {
	case *grantTo != "":
		if err := t.grant(ctx, *grantTo, *amount, *reason, *refID); err != nil {
			slog.Error("Grant failed", "error", err)
			os.Exit(1)
		}
		return
	case *once != "":
		if err := t.run(ctx, *once); err != nil {
			slog.Error("Task failed", "task", *once, "error", err)
			os.Exit(1)
		}
		return
	}

	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(cfg.AuditSchedule, t.job("audit", 10*time.Minute)); err != nil {
		slog.Error("Invalid AUDIT_SCHEDULE", "schedule", cfg.AuditSchedule, "error", err)
		os.Exit(1)
	}
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", cfg.SweepInterval), t.job("sweep", time.Minute)); err != nil {
		slog.Error("Failed to schedule sweep", "error", err)
		os.Exit(1)
	}
	if cfg.StaleReservationAge > 0 {
		if _, err := c.AddFunc("@every 15m", t.job("reconcile", 5*time.Minute)); err != nil {
			slog.Error("Failed to schedule reconcile", "error", err)
			os.Exit(1)
		}
	}

	c.Start()
	slog.Info("Maintenance jobs started", "audit_schedule", cfg.AuditSchedule, "sweep_interval", cfg.SweepInterval)

	<-ctx.Done()
	slog.Info("Shutting down gracefully...")
	select {
	case <-c.Stop().Done():
		slog.Info("Maintenance jobs stopped")
	case <-time.After(30 * time.Second):
		slog.Warn("Maintenance jobs forced to stop after timeout")
	}
}

func (t *tasks) job(name string, timeout time.Duration) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := t.run(ctx, name); err != nil {
			t.log.Error("maintenance task failed", "task", name, "error", err)
		}
	}
}

func (t *tasks) run(ctx context.Context, name string) error {
	switch name {
	case "audit":
		drift, repaired, err := ledger.AuditAndRepair(ctx, t.ledger, t.cfg.AutoRepairDrift)
		if err != nil {
			return err
		}
		t.log.Info("ledger audit finished", "drifted", len(drift), "repaired", repaired, "auto_repair", t.cfg.AutoRepairDrift)
	case "sweep":
		n, err := t.engine.SweepExpired(ctx, time.Now())
		if err != nil {
			return err
		}
		t.log.Info("sweep finished", "expired", n)
	case "reconcile":
		n, err := t.engine.ReconcileStale(ctx, time.Now().Add(-t.cfg.StaleReservationAge))
		if err != nil {
			return err
		}
		t.log.Info("stale reconcile finished", "released", n)
	default:
		return fmt.Errorf("unknown task %q", name)
	}
	return nil
}

func (t *tasks) grant(ctx context.Context, identity string, amount int, reason, ref string) error {
	id, err := uuid.Parse(identity)
	if err != nil {
		return fmt.Errorf("invalid identity id: %w", err)
	}
	if reason == "" {
		return fmt.Errorf("-reason is required")
	}
	w, applied, err := t.wallets.Grant(ctx, id, wallets.Credit{
		EntryType: models.LedgerEntryAdminAdjust,
		Amount:    amount,
		RefID:     ref,
		Meta:      map[string]any{"reason": reason, "source": "cli"},
	})
	if err != nil {
		return err
	}
	if w != nil {
		t.log.Info("grant finished", "identity_id", id, "applied", applied, "balance", w.Balance)
	}
	return nil
}
