package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/timrx/backend/internal/models"
)

const ledgerColumns = `id, identity_id, entry_type, amount_credits, balance_after, ref_type, ref_id, meta, created_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// CreateTx appends a ledger entry inside the given transaction.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	return tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (id, identity_id, entry_type, amount_credits, balance_after, ref_type, ref_id, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, e.ID, e.IdentityID, e.EntryType, e.Amount, e.BalanceAfter, e.RefType, e.RefID, e.Meta).Scan(&e.CreatedAt)
}

// ExistsTx reports whether an entry with the given type and reference exists.
func (r *Repository) ExistsTx(ctx context.Context, tx pgx.Tx, entryType, refType, refID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ledger_entries WHERE entry_type = $1 AND ref_type = $2 AND ref_id = $3
		)
	`, entryType, refType, refID).Scan(&exists)
	return exists, err
}

// ListByIdentity returns entries newest first.
func (r *Repository) ListByIdentity(ctx context.Context, identityID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_entries
		WHERE identity_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, identityID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.IdentityID, &e.EntryType, &e.Amount, &e.BalanceAfter, &e.RefType, &e.RefID, &e.Meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}

// SumTx returns the signed sum and count of an identity's entries.
func (r *Repository) SumTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID) (sum, count int, err error) {
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_credits), 0), COUNT(*) FROM ledger_entries WHERE identity_id = $1
	`, identityID).Scan(&sum, &count)
	return sum, count, err
}

// Sum is SumTx outside a transaction.
func (r *Repository) Sum(ctx context.Context, identityID uuid.UUID) (sum, count int, err error) {
	err = r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_credits), 0), COUNT(*) FROM ledger_entries WHERE identity_id = $1
	`, identityID).Scan(&sum, &count)
	return sum, count, err
}

// ListDrift returns wallets whose balance differs from their ledger sum.
func (r *Repository) ListDrift(ctx context.Context, limit int) ([]models.WalletDrift, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT w.identity_id, w.balance, w.reserved, COALESCE(l.total, 0)
		FROM wallets w
		LEFT JOIN (
			SELECT identity_id, SUM(amount_credits) AS total FROM ledger_entries GROUP BY identity_id
		) l ON l.identity_id = w.identity_id
		WHERE w.balance <> COALESCE(l.total, 0)
		ORDER BY w.identity_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.WalletDrift
	for rows.Next() {
		var d models.WalletDrift
		if err := rows.Scan(&d.IdentityID, &d.Balance, &d.Reserved, &d.LedgerSum); err != nil {
			return nil, err
		}
		list = append(list, d)
	}
	return list, rows.Err()
}
