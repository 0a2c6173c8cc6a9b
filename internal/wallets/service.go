// Package wallets serves wallet snapshots and applies credits (purchases,
// grants, admin adjustments) under the wallet row lock.
package wallets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/timrx/backend/internal/metrics"
	"github.com/timrx/backend/internal/models"
)

var (
	ErrInvalidAmount = errors.New("amount must be non-zero")
	// ErrBelowReserved is returned when a negative adjustment would leave
	// the balance under the credits currently on hold.
	ErrBelowReserved = errors.New("adjustment would leave balance below reserved credits")
)

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type WalletStore interface {
	EnsureTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID) error
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID) (*models.Wallet, error)
	Get(ctx context.Context, identityID uuid.UUID) (*models.Wallet, error)
	UpdateTx(ctx context.Context, tx pgx.Tx, w *models.Wallet) error
}

type LedgerStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	ExistsTx(ctx context.Context, tx pgx.Tx, entryType, refType, refID string) (bool, error)
}

// Credit describes one balance increase (or admin decrease) and the ledger
// reference it is recorded under.
type Credit struct {
	EntryType string
	Amount    int
	RefType   string
	RefID     string
	Meta      map[string]any
}

type Service struct {
	DB      TxBeginner
	Wallets WalletStore
	Ledger  LedgerStore
	// Cache holds wallet snapshots; nil disables caching.
	Cache    *redis.Client
	CacheTTL time.Duration
	Metrics  *metrics.CreditMetrics
	Logger   *slog.Logger
}

func NewService(db TxBeginner, wallets WalletStore, ledger LedgerStore, cache *redis.Client, cacheTTL time.Duration) *Service {
	return &Service{
		DB:       db,
		Wallets:  wallets,
		Ledger:   ledger,
		Cache:    cache,
		CacheTTL: cacheTTL,
		Metrics:  metrics.Get(),
		Logger:   slog.Default(),
	}
}

// Snapshots are keyed by a per-identity generation that Invalidate bumps, so
// a reader that loaded the wallet before a commit can only write its
// snapshot under a generation nobody reads any more.
const generationTTL = 24 * time.Hour

func generationKey(identityID uuid.UUID) string {
	return "wallet:gen:" + identityID.String()
}

func cacheKey(identityID uuid.UUID, gen int64) string {
	return fmt.Sprintf("wallet:%s:%d", identityID, gen)
}

// Get returns the identity's wallet snapshot. An identity without a wallet
// has an empty one.
func (s *Service) Get(ctx context.Context, identityID uuid.UUID) (models.WalletSnapshot, error) {
	gen, cacheable := s.generation(ctx, identityID)
	if cacheable {
		if snap, ok := s.cached(ctx, identityID, gen); ok {
			return snap, nil
		}
	}
	w, err := s.Wallets.Get(ctx, identityID)
	if errors.Is(err, pgx.ErrNoRows) {
		w, err = &models.Wallet{IdentityID: identityID}, nil
	}
	if err != nil {
		return models.WalletSnapshot{}, fmt.Errorf("get wallet: %w", err)
	}
	snap := w.Snapshot()
	if cacheable {
		s.store(ctx, snap, gen)
	}
	return snap, nil
}

// generation reads the identity's current cache generation. ok is false
// when the cache is disabled or unreachable.
func (s *Service) generation(ctx context.Context, identityID uuid.UUID) (int64, bool) {
	if s.Cache == nil {
		return 0, false
	}
	gen, err := s.Cache.Get(ctx, generationKey(identityID)).Int64()
	switch {
	case errors.Is(err, redis.Nil):
		return 0, true
	case err != nil:
		s.Metrics.WalletCacheTotal.WithLabelValues("error").Inc()
		s.Logger.Warn("wallet cache generation read failed", "identity_id", identityID, "error", err)
		return 0, false
	}
	return gen, true
}

func (s *Service) cached(ctx context.Context, identityID uuid.UUID, gen int64) (models.WalletSnapshot, bool) {
	raw, err := s.Cache.Get(ctx, cacheKey(identityID, gen)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		s.Metrics.WalletCacheTotal.WithLabelValues("miss").Inc()
		return models.WalletSnapshot{}, false
	case err != nil:
		s.Metrics.WalletCacheTotal.WithLabelValues("error").Inc()
		s.Logger.Warn("wallet cache get failed", "identity_id", identityID, "error", err)
		return models.WalletSnapshot{}, false
	}
	var snap models.WalletSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		s.Metrics.WalletCacheTotal.WithLabelValues("error").Inc()
		return models.WalletSnapshot{}, false
	}
	s.Metrics.WalletCacheTotal.WithLabelValues("hit").Inc()
	return snap, true
}

func (s *Service) store(ctx context.Context, snap models.WalletSnapshot, gen int64) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := s.Cache.Set(ctx, cacheKey(snap.IdentityID, gen), string(raw), s.CacheTTL).Err(); err != nil {
		s.Logger.Warn("wallet cache set failed", "identity_id", snap.IdentityID, "error", err)
	}
}

// Invalidate retires every cached snapshot of the identity by bumping its
// generation. It is called after every committed wallet mutation.
func (s *Service) Invalidate(ctx context.Context, identityID uuid.UUID) {
	if s.Cache == nil {
		return
	}
	key := generationKey(identityID)
	if err := s.Cache.Incr(ctx, key).Err(); err != nil {
		s.Logger.Warn("wallet cache invalidate failed", "identity_id", identityID, "error", err)
		return
	}
	if err := s.Cache.Expire(ctx, key, generationTTL).Err(); err != nil {
		s.Logger.Warn("wallet cache generation expire failed", "identity_id", identityID, "error", err)
	}
}

// CreditTx locks the wallet, applies c.Amount to the balance and appends the
// matching ledger entry. The wallet is created if missing.
func (s *Service) CreditTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID, c Credit) (*models.Wallet, error) {
	if c.Amount == 0 {
		return nil, ErrInvalidAmount
	}
	if err := s.Wallets.EnsureTx(ctx, tx, identityID); err != nil {
		return nil, fmt.Errorf("ensure wallet: %w", err)
	}
	w, err := s.Wallets.GetForUpdateTx(ctx, tx, identityID)
	if err != nil {
		return nil, fmt.Errorf("lock wallet: %w", err)
	}
	if w.Balance+c.Amount < w.Reserved {
		return nil, ErrBelowReserved
	}
	w.Balance += c.Amount
	if err := s.Wallets.UpdateTx(ctx, tx, w); err != nil {
		return nil, fmt.Errorf("update wallet: %w", err)
	}

	var meta json.RawMessage
	if len(c.Meta) > 0 {
		if meta, err = json.Marshal(c.Meta); err != nil {
			return nil, err
		}
	}
	balance := w.Balance
	if err := s.Ledger.CreateTx(ctx, tx, &models.LedgerEntry{
		ID:           uuid.New(),
		IdentityID:   identityID,
		EntryType:    c.EntryType,
		Amount:       c.Amount,
		BalanceAfter: &balance,
		RefType:      c.RefType,
		RefID:        c.RefID,
		Meta:         meta,
	}); err != nil {
		return nil, fmt.Errorf("append ledger entry: %w", err)
	}
	if c.Amount > 0 {
		s.Metrics.CreditsGranted.WithLabelValues(c.EntryType).Add(float64(c.Amount))
	}
	return w, nil
}

// Grant applies a grant-referenced credit once per (entry type, refID).
// A repeated grant returns the current wallet and applied=false.
func (s *Service) Grant(ctx context.Context, identityID uuid.UUID, c Credit) (w *models.Wallet, applied bool, err error) {
	c.RefType = models.LedgerRefGrant
	if c.RefID == "" {
		c.RefID = uuid.NewString()
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	exists, err := s.Ledger.ExistsTx(ctx, tx, c.EntryType, c.RefType, c.RefID)
	if err != nil {
		return nil, false, err
	}
	if exists {
		w, err := s.Wallets.Get(ctx, identityID)
		return w, false, err
	}
	w, err = s.CreditTx(ctx, tx, identityID, c)
	if isUniqueViolation(err) {
		tx.Rollback(ctx)
		w, err := s.Wallets.Get(ctx, identityID)
		return w, false, err
	}
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			w, err := s.Wallets.Get(ctx, identityID)
			return w, false, err
		}
		return nil, false, err
	}
	s.Invalidate(ctx, identityID)
	s.Logger.Info("credits granted", "identity_id", identityID, "entry_type", c.EntryType, "amount", c.Amount, "ref_id", c.RefID)
	return w, true, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
