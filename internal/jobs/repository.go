package jobs

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/timrx/backend/internal/models"
)

const jobColumns = `id, identity_id, provider, action_code, status, cost_credits, reservation_id,
	upstream_job_id, params, progress, result, error_message, created_at, updated_at, completed_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// CreateTx inserts a queued job inside the given transaction.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, j *models.Job) error {
	return tx.QueryRow(ctx, `
		INSERT INTO jobs (id, identity_id, provider, action_code, status, cost_credits, reservation_id, params)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, j.ID, j.IdentityID, j.Provider, j.ActionCode, j.Status, j.CostCredits, j.ReservationID, j.Params).Scan(&j.CreatedAt, &j.UpdatedAt)
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

// GetByUpstreamID correlates a provider's job id back to ours.
func (r *Repository) GetByUpstreamID(ctx context.Context, provider, upstreamID string) (*models.Job, error) {
	return scanJob(r.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE provider = $1 AND upstream_job_id = $2
	`, provider, upstreamID))
}

func (r *Repository) ListByIdentity(ctx context.Context, identityID uuid.UUID, limit, offset int) ([]*models.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE identity_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, identityID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

// MarkRunning records the upstream id of a dispatched job. Only a queued job
// moves; false means it was finalized meanwhile.
func (r *Repository) MarkRunning(ctx context.Context, id uuid.UUID, upstreamJobID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = 'running', upstream_job_id = $2, updated_at = now()
		WHERE id = $1 AND status = 'queued'
	`, id, upstreamJobID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateProgress stores provider progress on a non-terminal job.
func (r *Repository) UpdateProgress(ctx context.Context, id uuid.UUID, progress *int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = 'running', progress = COALESCE($2, progress), updated_at = now()
		WHERE id = $1 AND status IN ('queued', 'running')
	`, id, progress)
	return err
}

// FinishTx sets a terminal status. Only a non-terminal job moves, so a
// repeated terminal update reports false and changes nothing.
func (r *Repository) FinishTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, result json.RawMessage, errMsg *string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $2, result = $3, error_message = $4,
			progress = CASE WHEN $2 = 'done' THEN 100 ELSE progress END,
			completed_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ('queued', 'running')
	`, id, status, result, errMsg)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// FailByReservationTx fails the non-terminal job funded by the reservation.
func (r *Repository) FailByReservationTx(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID, errMsg string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET status = 'failed', error_message = $2, completed_at = now(), updated_at = now()
		WHERE reservation_id = $1 AND status IN ('queued', 'running')
	`, reservationID, errMsg)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.IdentityID, &j.Provider, &j.ActionCode, &j.Status, &j.CostCredits, &j.ReservationID,
		&j.UpstreamJobID, &j.Params, &j.Progress, &j.Result, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
