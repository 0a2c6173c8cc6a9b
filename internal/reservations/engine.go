// Package reservations places, captures, releases and expires credit holds.
// Every mutation locks the identity's wallet row first, then touches the
// reservation and (for the sweep) the job, so concurrent calls for one
// identity are serialized by the database.
package reservations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/timrx/backend/internal/metrics"
	"github.com/timrx/backend/internal/models"
)

// TxBeginner starts a transaction. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// WalletStore is the wallet repository surface used by the engine.
type WalletStore interface {
	EnsureTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID) error
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID) (*models.Wallet, error)
	UpdateTx(ctx context.Context, tx pgx.Tx, w *models.Wallet) error
}

// ReservationStore is the reservation repository surface used by the engine.
type ReservationStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, r *models.Reservation) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Reservation, error)
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Reservation, error)
	TransitionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, at time.Time) (bool, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Reservation, error)
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*models.Reservation, error)
}

// LedgerWriter appends ledger entries.
type LedgerWriter interface {
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
}

// CostLookup resolves an action key to its cost row. *pricing.Catalog satisfies it.
type CostLookup interface {
	Lookup(actionKey string) (models.ActionCost, error)
}

// JobFailer fails the non-terminal job backed by a reservation when the
// sweep expires it.
type JobFailer interface {
	FailByReservationTx(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID, errMsg string) (bool, error)
}

type Config struct {
	TTL            time.Duration
	SweepBatchSize int
}

// Engine is the reservation state machine over the wallet, reservation and
// ledger tables.
type Engine struct {
	DB           TxBeginner
	Wallets      WalletStore
	Reservations ReservationStore
	Ledger       LedgerWriter
	Costs        CostLookup
	Jobs         JobFailer
	Metrics      *metrics.CreditMetrics
	Logger       *slog.Logger

	// OnWalletChange is called after a commit that changed an identity's wallet.
	OnWalletChange func(ctx context.Context, identityID uuid.UUID)
	Now            func() time.Time

	cfg Config
}

func NewEngine(db TxBeginner, wallets WalletStore, reservations ReservationStore, ledger LedgerWriter, costs CostLookup, cfg Config) *Engine {
	if cfg.TTL <= 0 {
		cfg.TTL = 20 * time.Minute
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 200
	}
	return &Engine{
		DB:           db,
		Wallets:      wallets,
		Reservations: reservations,
		Ledger:       ledger,
		Costs:        costs,
		Metrics:      metrics.Get(),
		Logger:       slog.Default(),
		Now:          time.Now,
		cfg:          cfg,
	}
}

// TTL is the hold lifetime applied by Reserve.
func (e *Engine) TTL() time.Duration { return e.cfg.TTL }

// Reserve places a hold for actionKey in its own transaction.
func (e *Engine) Reserve(ctx context.Context, identityID uuid.UUID, actionKey string) (*models.Reservation, error) {
	tx, err := e.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	res, err := e.ReserveTx(ctx, tx, identityID, actionKey, nil)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	e.NotifyWalletChange(ctx, identityID)
	return res, nil
}

// ReserveTx places a held reservation inside tx, creating the wallet if
// needed. It returns an *InsufficientCreditsError when available credits do
// not cover the action's cost; the wallet is left untouched in that case.
func (e *Engine) ReserveTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID, actionKey string, refJobID *uuid.UUID) (*models.Reservation, error) {
	defer e.observe("reserve", e.Now())

	cost, err := e.Costs.Lookup(actionKey)
	if err != nil {
		return nil, err
	}
	if err := e.Wallets.EnsureTx(ctx, tx, identityID); err != nil {
		e.Metrics.ReservationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("ensure wallet: %w", err)
	}
	w, err := e.LockWalletTx(ctx, tx, identityID)
	if err != nil {
		e.Metrics.ReservationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if w.Available() < cost.CostCredits {
		e.Metrics.ReservationsTotal.WithLabelValues("insufficient").Inc()
		return nil, &InsufficientCreditsError{
			ActionCode: cost.ActionCode,
			Required:   cost.CostCredits,
			Available:  w.Available(),
		}
	}

	w.Reserved += cost.CostCredits
	if err := e.Wallets.UpdateTx(ctx, tx, w); err != nil {
		e.Metrics.ReservationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("update wallet: %w", err)
	}
	now := e.Now()
	res := &models.Reservation{
		ID:          uuid.New(),
		IdentityID:  identityID,
		ActionCode:  cost.ActionCode,
		CostCredits: cost.CostCredits,
		Status:      models.ReservationStatusHeld,
		RefJobID:    refJobID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.cfg.TTL),
	}
	if err := e.Reservations.CreateTx(ctx, tx, res); err != nil {
		e.Metrics.ReservationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("create reservation: %w", err)
	}
	e.Metrics.ReservationsTotal.WithLabelValues("held").Inc()
	return res, nil
}

// Capture converts a held reservation into a settled debit. Capturing an
// already captured reservation returns the current wallet unchanged.
func (e *Engine) Capture(ctx context.Context, reservationID uuid.UUID) (*models.Wallet, error) {
	return e.finalize(ctx, reservationID, func(tx pgx.Tx) (*models.Wallet, error) {
		return e.CaptureTx(ctx, tx, reservationID)
	})
}

// Release cancels a held reservation without debiting. Releasing a released
// or expired reservation returns the current wallet unchanged.
func (e *Engine) Release(ctx context.Context, reservationID uuid.UUID, reason string) (*models.Wallet, error) {
	return e.finalize(ctx, reservationID, func(tx pgx.Tx) (*models.Wallet, error) {
		return e.ReleaseTx(ctx, tx, reservationID, reason)
	})
}

func (e *Engine) finalize(ctx context.Context, reservationID uuid.UUID, fn func(pgx.Tx) (*models.Wallet, error)) (*models.Wallet, error) {
	tx, err := e.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	w, err := fn(tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	e.NotifyWalletChange(ctx, w.IdentityID)
	return w, nil
}

// CaptureTx captures reservationID inside tx.
func (e *Engine) CaptureTx(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID) (*models.Wallet, error) {
	defer e.observe("capture", e.Now())

	res, w, err := e.lockReservation(ctx, tx, reservationID)
	if err != nil {
		return nil, err
	}
	switch res.Status {
	case models.ReservationStatusCaptured:
		e.Metrics.FinalizationsTotal.WithLabelValues("noop").Inc()
		return w, nil
	case models.ReservationStatusReleased, models.ReservationStatusExpired:
		return nil, fmt.Errorf("capture %s: %w (status %s)", reservationID, ErrReservationNotHeld, res.Status)
	}

	ok, err := e.Reservations.TransitionTx(ctx, tx, res.ID, models.ReservationStatusCaptured, e.Now())
	if err != nil {
		return nil, fmt.Errorf("transition reservation: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("capture %s: %w", reservationID, ErrReservationNotHeld)
	}
	w.Balance -= res.CostCredits
	w.Reserved -= res.CostCredits
	if err := e.Wallets.UpdateTx(ctx, tx, w); err != nil {
		return nil, fmt.Errorf("update wallet: %w", err)
	}
	if err := e.appendEntry(ctx, tx, res, models.LedgerEntryReservationCapture, -res.CostCredits, w.Balance, ""); err != nil {
		return nil, err
	}
	e.Metrics.FinalizationsTotal.WithLabelValues("captured").Inc()
	e.Metrics.CreditsCaptured.Add(float64(res.CostCredits))
	return w, nil
}

// ReleaseTx releases reservationID inside tx.
func (e *Engine) ReleaseTx(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID, reason string) (*models.Wallet, error) {
	defer e.observe("release", e.Now())

	res, w, err := e.lockReservation(ctx, tx, reservationID)
	if err != nil {
		return nil, err
	}
	switch res.Status {
	case models.ReservationStatusReleased, models.ReservationStatusExpired:
		e.Metrics.FinalizationsTotal.WithLabelValues("noop").Inc()
		return w, nil
	case models.ReservationStatusCaptured:
		return nil, fmt.Errorf("release %s: %w (status %s)", reservationID, ErrReservationNotHeld, res.Status)
	}

	ok, err := e.Reservations.TransitionTx(ctx, tx, res.ID, models.ReservationStatusReleased, e.Now())
	if err != nil {
		return nil, fmt.Errorf("transition reservation: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("release %s: %w", reservationID, ErrReservationNotHeld)
	}
	w.Reserved -= res.CostCredits
	if err := e.Wallets.UpdateTx(ctx, tx, w); err != nil {
		return nil, fmt.Errorf("update wallet: %w", err)
	}
	if err := e.appendEntry(ctx, tx, res, models.LedgerEntryReservationRelease, 0, w.Balance, reason); err != nil {
		return nil, err
	}
	e.Metrics.FinalizationsTotal.WithLabelValues("released").Inc()
	return w, nil
}

// SweepExpired expires every held reservation whose expires_at is before
// now, one transaction per reservation. Rows another sweeper already moved
// are skipped, so concurrent sweeps expire each reservation once.
func (e *Engine) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	defer e.observe("sweep_expired", e.Now())

	var (
		expired int
		errs    []error
	)
	for {
		batch, err := e.Reservations.ListExpired(ctx, now, e.cfg.SweepBatchSize)
		if err != nil {
			return expired, errors.Join(append(errs, fmt.Errorf("list expired: %w", err))...)
		}
		progressed := 0
		for _, res := range batch {
			if ctx.Err() != nil {
				return expired, errors.Join(append(errs, ctx.Err())...)
			}
			done, err := e.expireOne(ctx, res)
			if err != nil {
				errs = append(errs, fmt.Errorf("expire %s: %w", res.ID, err))
				continue
			}
			progressed++
			if done {
				expired++
			}
		}
		if len(batch) < e.cfg.SweepBatchSize || progressed == 0 {
			break
		}
	}
	if expired > 0 {
		e.Metrics.SweepExpiredTotal.Add(float64(expired))
		e.Logger.Info("expired reservations", "count", expired)
	}
	return expired, errors.Join(errs...)
}

func (e *Engine) expireOne(ctx context.Context, res *models.Reservation) (bool, error) {
	tx, err := e.DB.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	w, err := e.LockWalletTx(ctx, tx, res.IdentityID)
	if err != nil {
		return false, err
	}
	ok, err := e.Reservations.TransitionTx(ctx, tx, res.ID, models.ReservationStatusExpired, e.Now())
	if err != nil {
		return false, fmt.Errorf("transition reservation: %w", err)
	}
	if !ok {
		return false, nil
	}
	w.Reserved -= res.CostCredits
	if err := e.Wallets.UpdateTx(ctx, tx, w); err != nil {
		return false, fmt.Errorf("update wallet: %w", err)
	}
	if err := e.appendEntry(ctx, tx, res, models.LedgerEntryReservationExpire, 0, w.Balance, "ttl elapsed"); err != nil {
		return false, err
	}
	if e.Jobs != nil {
		if _, err := e.Jobs.FailByReservationTx(ctx, tx, res.ID, "reservation expired"); err != nil {
			return false, fmt.Errorf("fail job: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	e.Metrics.FinalizationsTotal.WithLabelValues("expired").Inc()
	e.NotifyWalletChange(ctx, res.IdentityID)
	return true, nil
}

// ReconcileStale releases held reservations created before cutoff whose job
// is terminal or missing. It returns how many were released.
func (e *Engine) ReconcileStale(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := e.Reservations.ListStale(ctx, cutoff, e.cfg.SweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale: %w", err)
	}
	var (
		released int
		errs     []error
	)
	for _, res := range stale {
		if _, err := e.Release(ctx, res.ID, "stale: job terminal or missing"); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", res.ID, err))
			continue
		}
		released++
	}
	if released > 0 {
		e.Metrics.StaleReconciledTotal.Add(float64(released))
		e.Logger.Info("reconciled stale reservations", "count", released)
	}
	return released, errors.Join(errs...)
}

// LockWalletTx locks the identity's wallet row for the rest of tx.
func (e *Engine) LockWalletTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID) (*models.Wallet, error) {
	w, err := e.Wallets.GetForUpdateTx(ctx, tx, identityID)
	if err != nil {
		return nil, fmt.Errorf("lock wallet %s: %w", identityID, err)
	}
	return w, nil
}

// NotifyWalletChange runs the OnWalletChange hook, if set.
func (e *Engine) NotifyWalletChange(ctx context.Context, identityID uuid.UUID) {
	if e.OnWalletChange != nil {
		e.OnWalletChange(ctx, identityID)
	}
}

// lockReservation resolves the owning identity, locks its wallet and re-reads
// the reservation under that lock.
func (e *Engine) lockReservation(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID) (*models.Reservation, *models.Wallet, error) {
	res, err := e.Reservations.GetByID(ctx, reservationID)
	if err != nil {
		return nil, nil, notFound(reservationID, err)
	}
	w, err := e.LockWalletTx(ctx, tx, res.IdentityID)
	if err != nil {
		return nil, nil, err
	}
	res, err = e.Reservations.GetForUpdateTx(ctx, tx, reservationID)
	if err != nil {
		return nil, nil, notFound(reservationID, err)
	}
	return res, w, nil
}

func (e *Engine) appendEntry(ctx context.Context, tx pgx.Tx, res *models.Reservation, entryType string, amount, balanceAfter int, reason string) error {
	meta := map[string]any{"action_code": res.ActionCode, "cost_credits": res.CostCredits}
	if reason != "" {
		meta["reason"] = reason
	}
	if res.RefJobID != nil {
		meta["job_id"] = res.RefJobID.String()
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := e.Ledger.CreateTx(ctx, tx, &models.LedgerEntry{
		ID:           uuid.New(),
		IdentityID:   res.IdentityID,
		EntryType:    entryType,
		Amount:       amount,
		BalanceAfter: &balanceAfter,
		RefType:      models.LedgerRefReservation,
		RefID:        res.ID.String(),
		Meta:         raw,
	}); err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

func (e *Engine) observe(op string, start time.Time) {
	e.Metrics.OperationDuration.WithLabelValues(op).Observe(e.Now().Sub(start).Seconds())
}

func notFound(id uuid.UUID, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrReservationNotFound, id)
	}
	return err
}
