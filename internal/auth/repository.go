package auth

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/timrx/backend/internal/models"
)

const identityColumns = `id, email, email_verified, created_at, last_seen_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// CreateTx inserts an identity inside the given transaction.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, i *models.Identity) error {
	return tx.QueryRow(ctx, `
		INSERT INTO identities (id, email, email_verified)
		VALUES ($1, $2, $3)
		RETURNING created_at, last_seen_at
	`, i.ID, i.Email, i.EmailVerified).Scan(&i.CreatedAt, &i.LastSeenAt)
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Identity, error) {
	return scanIdentity(r.pool.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = $1`, id))
}

func (r *Repository) GetByEmail(ctx context.Context, email string) (*models.Identity, error) {
	return scanIdentity(r.pool.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE email = $1`, email))
}

// AttachEmailTx sets the email only when the identity has none. Reports
// whether the row changed. A unique violation means another identity owns it.
func (r *Repository) AttachEmailTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, email string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE identities SET email = $2 WHERE id = $1 AND email IS NULL
	`, id, email)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Touch bumps last_seen_at.
func (r *Repository) Touch(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE identities SET last_seen_at = now() WHERE id = $1`, id)
	return err
}

func scanIdentity(row pgx.Row) (*models.Identity, error) {
	var i models.Identity
	if err := row.Scan(&i.ID, &i.Email, &i.EmailVerified, &i.CreatedAt, &i.LastSeenAt); err != nil {
		return nil, err
	}
	return &i, nil
}
