package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/timrx/backend/internal/models"
)

const purchaseColumns = `id, identity_id, plan_code, plan_name, price::text, currency, credits, provider,
	provider_payment_id, email, status, paid_amount::text, paid_at, created_at`

type PurchaseRepo struct {
	pool *pgxpool.Pool
}

func NewPurchaseRepo(pool *pgxpool.Pool) *PurchaseRepo {
	return &PurchaseRepo{pool: pool}
}

func (r *PurchaseRepo) Create(ctx context.Context, p *models.Purchase) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO purchases (id, identity_id, plan_code, plan_name, price, currency, credits, provider, provider_payment_id, email, status)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11)
		RETURNING created_at
	`, p.ID, p.IdentityID, p.PlanCode, p.PlanName, p.Price.String(), p.Currency, p.Credits, p.Provider,
		p.ProviderPaymentID, p.Email, p.Status).Scan(&p.CreatedAt)
}

func (r *PurchaseRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Purchase, error) {
	return scanPurchase(r.pool.QueryRow(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, id))
}

// GetByProviderPaymentIDForUpdateTx locks the purchase identified by its
// idempotency key.
func (r *PurchaseRepo) GetByProviderPaymentIDForUpdateTx(ctx context.Context, tx pgx.Tx, provider, providerPaymentID string) (*models.Purchase, error) {
	return scanPurchase(tx.QueryRow(ctx, `
		SELECT `+purchaseColumns+` FROM purchases
		WHERE provider = $1 AND provider_payment_id = $2
		FOR UPDATE
	`, provider, providerPaymentID))
}

// SetProviderPaymentID replaces the checkout placeholder with the provider's id.
func (r *PurchaseRepo) SetProviderPaymentID(ctx context.Context, id uuid.UUID, providerPaymentID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE purchases SET provider_payment_id = $2 WHERE id = $1 AND status = 'pending'
	`, id, providerPaymentID)
	return err
}

// MarkPaidTx transitions a not-yet-paid purchase to paid.
func (r *PurchaseRepo) MarkPaidTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, paidAmount decimal.Decimal, paidAt time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE purchases SET status = 'paid', paid_amount = $2::numeric, paid_at = $3
		WHERE id = $1 AND status <> 'paid'
	`, id, paidAmount.String(), paidAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed moves a pending purchase to failed.
func (r *PurchaseRepo) MarkFailed(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE purchases SET status = 'failed' WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PurchaseRepo) ListByIdentity(ctx context.Context, identityID uuid.UUID, limit, offset int) ([]*models.Purchase, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+purchaseColumns+` FROM purchases WHERE identity_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, identityID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

func scanPurchase(row pgx.Row) (*models.Purchase, error) {
	var p models.Purchase
	var price string
	var paid *string
	err := row.Scan(&p.ID, &p.IdentityID, &p.PlanCode, &p.PlanName, &price, &p.Currency, &p.Credits, &p.Provider,
		&p.ProviderPaymentID, &p.Email, &p.Status, &paid, &p.PaidAt, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if p.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("purchase %s price %q: %w", p.ID, price, err)
	}
	if paid != nil {
		d, err := decimal.NewFromString(*paid)
		if err != nil {
			return nil, fmt.Errorf("purchase %s paid amount %q: %w", p.ID, *paid, err)
		}
		p.PaidAmount = &d
	}
	return &p, nil
}
