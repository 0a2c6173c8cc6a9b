package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/timrx/backend/internal/models"
)

const reservationColumns = `id, identity_id, action_code, cost_credits, status, ref_job_id,
	created_at, expires_at, captured_at, released_at`

type ReservationRepo struct {
	pool *pgxpool.Pool
}

func NewReservationRepo(pool *pgxpool.Pool) *ReservationRepo {
	return &ReservationRepo{pool: pool}
}

// CreateTx inserts a held reservation inside the given transaction.
func (r *ReservationRepo) CreateTx(ctx context.Context, tx pgx.Tx, res *models.Reservation) error {
	return tx.QueryRow(ctx, `
		INSERT INTO credit_reservations (id, identity_id, action_code, cost_credits, status, ref_job_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, res.ID, res.IdentityID, res.ActionCode, res.CostCredits, res.Status, res.RefJobID, res.CreatedAt, res.ExpiresAt).Scan(&res.CreatedAt)
}

func (r *ReservationRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Reservation, error) {
	return scanReservation(r.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM credit_reservations WHERE id = $1`, id))
}

// GetForUpdateTx locks the reservation row. Callers lock the owning wallet first.
func (r *ReservationRepo) GetForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Reservation, error) {
	return scanReservation(tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM credit_reservations WHERE id = $1 FOR UPDATE`, id))
}

// TransitionTx moves a held reservation to a terminal status. It is a
// compare-and-set on status: false means another caller finalized it first.
func (r *ReservationRepo) TransitionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, at time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE credit_reservations
		SET status = $2,
			captured_at = CASE WHEN $2 = 'captured' THEN $3::timestamptz END,
			released_at = CASE WHEN $2 <> 'captured' THEN $3::timestamptz END
		WHERE id = $1 AND status = 'held'
	`, id, status, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListExpired returns held reservations whose expiry is before now, oldest first.
func (r *ReservationRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Reservation, error) {
	return r.list(ctx, `
		SELECT `+reservationColumns+` FROM credit_reservations
		WHERE status = 'held' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
}

// ListStale returns held reservations created before cutoff whose job is
// terminal or missing.
func (r *ReservationRepo) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*models.Reservation, error) {
	return r.list(ctx, `
		SELECT r.id, r.identity_id, r.action_code, r.cost_credits, r.status, r.ref_job_id,
			r.created_at, r.expires_at, r.captured_at, r.released_at
		FROM credit_reservations r
		LEFT JOIN jobs j ON j.reservation_id = r.id
		WHERE r.status = 'held' AND r.created_at < $1
			AND (j.id IS NULL OR j.status IN ('done', 'failed'))
		ORDER BY r.created_at
		LIMIT $2
	`, cutoff, limit)
}

func (r *ReservationRepo) list(ctx context.Context, query string, args ...any) ([]*models.Reservation, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, res)
	}
	return list, rows.Err()
}

func scanReservation(row pgx.Row) (*models.Reservation, error) {
	var res models.Reservation
	err := row.Scan(&res.ID, &res.IdentityID, &res.ActionCode, &res.CostCredits, &res.Status, &res.RefJobID,
		&res.CreatedAt, &res.ExpiresAt, &res.CapturedAt, &res.ReleasedAt)
	if err != nil {
		return nil, err
	}
	return &res, nil
}
