package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/timrx/backend/internal/models"
)

type WalletRepo struct {
	pool *pgxpool.Pool
}

func NewWalletRepo(pool *pgxpool.Pool) *WalletRepo {
	return &WalletRepo{pool: pool}
}

// EnsureTx creates an empty wallet for the identity if none exists yet.
func (r *WalletRepo) EnsureTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO wallets (identity_id) VALUES ($1)
		ON CONFLICT (identity_id) DO NOTHING
	`, identityID)
	return err
}

// GetForUpdateTx locks the wallet row. Call within a transaction.
func (r *WalletRepo) GetForUpdateTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID) (*models.Wallet, error) {
	var w models.Wallet
	err := tx.QueryRow(ctx, `
		SELECT identity_id, balance, reserved, updated_at
		FROM wallets WHERE identity_id = $1 FOR UPDATE
	`, identityID).Scan(&w.IdentityID, &w.Balance, &w.Reserved, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// Get returns the wallet, or pgx.ErrNoRows if it was never created.
func (r *WalletRepo) Get(ctx context.Context, identityID uuid.UUID) (*models.Wallet, error) {
	var w models.Wallet
	err := r.pool.QueryRow(ctx, `
		SELECT identity_id, balance, reserved, updated_at
		FROM wallets WHERE identity_id = $1
	`, identityID).Scan(&w.IdentityID, &w.Balance, &w.Reserved, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// UpdateTx writes balance and reserved. Call after GetForUpdateTx in the same tx.
func (r *WalletRepo) UpdateTx(ctx context.Context, tx pgx.Tx, w *models.Wallet) error {
	return tx.QueryRow(ctx, `
		UPDATE wallets SET balance = $2, reserved = $3, updated_at = now()
		WHERE identity_id = $1
		RETURNING updated_at
	`, w.IdentityID, w.Balance, w.Reserved).Scan(&w.UpdatedAt)
}

// ListIdentityIDs pages through every wallet owner, oldest first.
func (r *WalletRepo) ListIdentityIDs(ctx context.Context, limit, offset int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT identity_id FROM wallets ORDER BY identity_id LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
