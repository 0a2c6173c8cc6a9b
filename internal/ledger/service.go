package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/timrx/backend/internal/metrics"
	"github.com/timrx/backend/internal/models"
)

// ErrRepairBelowReserved is returned when the ledger sum is lower than the
// credits currently on hold, so the balance cannot be reset to it.
var ErrRepairBelowReserved = errors.New("ledger sum is below reserved credits")

const auditLimit = 1000

type Service interface {
	List(ctx context.Context, identityID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, error)
	Verify(ctx context.Context, identityID uuid.UUID) (*Verification, error)
	Audit(ctx context.Context) ([]models.WalletDrift, error)
	Repair(ctx context.Context, identityID uuid.UUID) (bool, error)
}

// Store is the ledger repository surface. *Repository satisfies it.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	ListByIdentity(ctx context.Context, identityID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, error)
	SumTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID) (sum, count int, err error)
	Sum(ctx context.Context, identityID uuid.UUID) (sum, count int, err error)
	ListDrift(ctx context.Context, limit int) ([]models.WalletDrift, error)
}

type WalletStore interface {
	Get(ctx context.Context, identityID uuid.UUID) (*models.Wallet, error)
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID) (*models.Wallet, error)
	UpdateTx(ctx context.Context, tx pgx.Tx, w *models.Wallet) error
}

// Verification compares a wallet with the sum of its ledger entries.
type Verification struct {
	IdentityID uuid.UUID `json:"identity_id"`
	Balance    int       `json:"balance"`
	Reserved   int       `json:"reserved"`
	LedgerSum  int       `json:"ledger_sum"`
	EntryCount int       `json:"entry_count"`
	Consistent bool      `json:"consistent"`
}

type service struct {
	store    Store
	wallets  WalletStore
	metrics  *metrics.CreditMetrics
	log      *slog.Logger
	onRepair func(ctx context.Context, identityID uuid.UUID)
}

// NewService returns the ledger service. onRepair runs after a wallet balance
// is rewritten and may be nil.
func NewService(store Store, wallets WalletStore, m *metrics.CreditMetrics, log *slog.Logger, onRepair func(context.Context, uuid.UUID)) Service {
	if m == nil {
		m = metrics.Get()
	}
	if log == nil {
		log = slog.Default()
	}
	return &service{store: store, wallets: wallets, metrics: m, log: log, onRepair: onRepair}
}

var _ Service = (*service)(nil)

func (s *service) List(ctx context.Context, identityID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	entries, err := s.store.ListByIdentity(ctx, identityID, limit, offset)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	return entries, nil
}

func (s *service) Verify(ctx context.Context, identityID uuid.UUID) (*Verification, error) {
	w, err := s.wallets.Get(ctx, identityID)
	if errors.Is(err, pgx.ErrNoRows) {
		w, err = &models.Wallet{IdentityID: identityID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	sum, count, err := s.store.Sum(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("sum ledger: %w", err)
	}
	return &Verification{
		IdentityID: identityID,
		Balance:    w.Balance,
		Reserved:   w.Reserved,
		LedgerSum:  sum,
		EntryCount: count,
		Consistent: sum == w.Balance,
	}, nil
}

// Audit lists wallets whose balance disagrees with their ledger and records
// the count on the drift gauge.
func (s *service) Audit(ctx context.Context) ([]models.WalletDrift, error) {
	drift, err := s.store.ListDrift(ctx, auditLimit)
	if err != nil {
		return nil, fmt.Errorf("list drift: %w", err)
	}
	s.metrics.LedgerDriftWallets.Set(float64(len(drift)))
	for _, d := range drift {
		s.log.Warn("wallet drift detected",
			"identity_id", d.IdentityID, "balance", d.Balance, "ledger_sum", d.LedgerSum, "drift", d.Drift())
	}
	if drift == nil {
		drift = []models.WalletDrift{}
	}
	return drift, nil
}

// Repair resets the wallet balance to its ledger sum under the wallet lock.
// It reports whether the balance changed.
func (s *service) Repair(ctx context.Context, identityID uuid.UUID) (bool, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	w, err := s.wallets.GetForUpdateTx(ctx, tx, identityID)
	if err != nil {
		return false, fmt.Errorf("lock wallet: %w", err)
	}
	sum, _, err := s.store.SumTx(ctx, tx, identityID)
	if err != nil {
		return false, fmt.Errorf("sum ledger: %w", err)
	}
	if sum == w.Balance {
		return false, nil
	}
	if sum < w.Reserved {
		return false, fmt.Errorf("%w: identity %s sum %d reserved %d", ErrRepairBelowReserved, identityID, sum, w.Reserved)
	}
	before := w.Balance
	w.Balance = sum
	if err := s.wallets.UpdateTx(ctx, tx, w); err != nil {
		return false, fmt.Errorf("update wallet: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	s.log.Info("wallet balance repaired from ledger", "identity_id", identityID, "before", before, "after", sum)
	if s.onRepair != nil {
		s.onRepair(ctx, identityID)
	}
	return true, nil
}

// AuditAndRepair runs Audit and, when repair is set, Repair on every
// drifting wallet. It returns the drift found and how many were repaired.
func AuditAndRepair(ctx context.Context, svc Service, repair bool) (drift []models.WalletDrift, repaired int, err error) {
	drift, err = svc.Audit(ctx)
	if err != nil || !repair {
		return drift, 0, err
	}
	var errs []error
	for _, d := range drift {
		ok, err := svc.Repair(ctx, d.IdentityID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			repaired++
		}
	}
	return drift, repaired, errors.Join(errs...)
}
