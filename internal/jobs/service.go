// Package jobs runs generation jobs against the credit reservation engine:
// a job is created in the same transaction as its hold, dispatched after
// commit, and its terminal provider status captures or releases the hold.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/timrx/backend/internal/execution"
	"github.com/timrx/backend/internal/metrics"
	"github.com/timrx/backend/internal/models"
	"github.com/timrx/backend/internal/providers"
	"github.com/timrx/backend/internal/reservations"
)

var ErrJobNotFound = errors.New("job not found")

var tracer = otel.Tracer("github.com/timrx/backend/internal/jobs")

// Store is the job repository surface. *Repository satisfies it.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	CreateTx(ctx context.Context, tx pgx.Tx, j *models.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetByUpstreamID(ctx context.Context, provider, upstreamID string) (*models.Job, error)
	ListByIdentity(ctx context.Context, identityID uuid.UUID, limit, offset int) ([]*models.Job, error)
	MarkRunning(ctx context.Context, id uuid.UUID, upstreamJobID string) (bool, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, progress *int) error
	FinishTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, result json.RawMessage, errMsg *string) (bool, error)
}

// Reserver is the reservation engine surface. *reservations.Engine satisfies it.
type Reserver interface {
	ReserveTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID, actionKey string, refJobID *uuid.UUID) (*models.Reservation, error)
	CaptureTx(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID) (*models.Wallet, error)
	ReleaseTx(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID, reason string) (*models.Wallet, error)
	LockWalletTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID) (*models.Wallet, error)
	NotifyWalletChange(ctx context.Context, identityID uuid.UUID)
}

type CostLookup interface {
	Lookup(actionKey string) (models.ActionCost, error)
}

type ParamsValidator interface {
	Validate(actionCode string, params json.RawMessage) error
}

// InsertDispatchTxFunc enqueues a dispatch job within the given transaction.
// Provided by main using river.Client.InsertTx.
type InsertDispatchTxFunc func(ctx context.Context, tx pgx.Tx, args execution.DispatchJobArgs) error

// SchedulePollFunc enqueues the first status poll of a dispatched job.
type SchedulePollFunc func(ctx context.Context, args execution.PollJobArgs, at time.Time) error

// Service is the job orchestrator. It satisfies execution.JobRunner.
type Service struct {
	Store        Store
	Engine       Reserver
	Costs        CostLookup
	Params       ParamsValidator
	Provider     providers.Client
	InsertTx     InsertDispatchTxFunc
	SchedulePoll SchedulePollFunc
	Metrics      *metrics.CreditMetrics
	Logger       *slog.Logger
	Now          func() time.Time

	// PollInterval is the delay before the first poll of a dispatched job.
	PollInterval time.Duration
	// RetryDelay is the base backoff between MarkRunning attempts.
	RetryDelay time.Duration
}

const markRunningAttempts = 3

func NewService(store Store, engine Reserver, costs CostLookup, provider providers.Client, insertTx InsertDispatchTxFunc, schedulePoll SchedulePollFunc) *Service {
	return &Service{
		Store:        store,
		Engine:       engine,
		Costs:        costs,
		Provider:     provider,
		InsertTx:     insertTx,
		SchedulePoll: schedulePoll,
		Metrics:      metrics.Get(),
		Logger:       slog.Default(),
		Now:          time.Now,
		PollInterval: 5 * time.Second,
		RetryDelay:   200 * time.Millisecond,
	}
}

var _ execution.JobRunner = (*Service)(nil)

// Start reserves the action's cost and creates a queued job funded by that
// hold. The hold, the job and its dispatch job commit together; the
// provider is only contacted after commit. Insufficient credits are
// returned as *reservations.InsufficientCreditsError and create no job.
func (s *Service) Start(ctx context.Context, identityID uuid.UUID, actionKey string, params json.RawMessage) (*models.Job, *models.Reservation, error) {
	ctx, span := tracer.Start(ctx, "jobs.Start", trace.WithAttributes(
		attribute.String("identity_id", identityID.String()),
		attribute.String("action_key", actionKey),
	))
	defer span.End()

	cost, err := s.Costs.Lookup(actionKey)
	if err != nil {
		return nil, nil, err
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	if s.Params != nil {
		if err := s.Params.Validate(cost.ActionCode, params); err != nil {
			return nil, nil, err
		}
	}

	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	jobID := uuid.New()
	res, err := s.Engine.ReserveTx(ctx, tx, identityID, cost.ActionCode, &jobID)
	if err != nil {
		if !errors.Is(err, reservations.ErrInsufficientCredits) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "reserve failed")
		}
		return nil, nil, err
	}
	job := &models.Job{
		ID:            jobID,
		IdentityID:    identityID,
		Provider:      cost.Provider,
		ActionCode:    cost.ActionCode,
		Status:        models.JobStatusQueued,
		CostCredits:   res.CostCredits,
		ReservationID: res.ID,
		Params:        params,
	}
	if err := s.Store.CreateTx(ctx, tx, job); err != nil {
		return nil, nil, fmt.Errorf("create job: %w", err)
	}
	if err := s.InsertTx(ctx, tx, execution.DispatchJobArgs{JobID: job.ID}); err != nil {
		return nil, nil, fmt.Errorf("enqueue dispatch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	s.Engine.NotifyWalletChange(ctx, identityID)
	s.Logger.Info("job started", "job_id", job.ID, "identity_id", identityID,
		"action_code", job.ActionCode, "reservation_id", res.ID, "cost_credits", res.CostCredits)
	return job, res, nil
}

// Get returns the caller's job. A job owned by another identity is reported
// as not found.
func (s *Service) Get(ctx context.Context, identityID, jobID uuid.UUID) (*models.Job, error) {
	job, err := s.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.IdentityID != identityID {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// List returns the identity's jobs, newest first.
func (s *Service) List(ctx context.Context, identityID uuid.UUID, limit, offset int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.Store.ListByIdentity(ctx, identityID, limit, offset)
}

// Dispatch submits a queued job to its provider. A submit failure fails the
// job and releases its hold; the upstream call is not retried. Once Submit
// has succeeded, an error is only returned after the job is running, so a
// redelivery reschedules the poll and never submits twice.
func (s *Service) Dispatch(ctx context.Context, jobID uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "jobs.Dispatch", trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	job, err := s.load(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		s.Logger.Warn("dispatch for unknown job", "job_id", jobID)
		return nil
	}
	if err != nil {
		return err
	}
	switch job.Status {
	case models.JobStatusRunning:
		// Submitted by an earlier attempt that failed to schedule its poll.
		return s.schedulePoll(ctx, job.ID)
	case models.JobStatusQueued:
	default:
		return nil
	}

	upstreamID, err := s.Provider.Submit(ctx, job.Provider, job.ActionCode, job.Params)
	if err != nil {
		span.RecordError(err)
		s.Metrics.DispatchFailures.WithLabelValues(job.Provider).Inc()
		s.Logger.Error("provider submit failed", "job_id", job.ID, "provider", job.Provider, "error", err)
		_, ferr := s.finish(ctx, job, models.JobStatusFailed, nil, "dispatch failed: "+err.Error())
		return ferr
	}
	moved, err := s.markRunning(ctx, job.ID, upstreamID)
	if err != nil {
		// Not retryable: the job stays queued until the expiry sweep fails it.
		span.RecordError(err)
		s.Logger.Error("submitted job could not be marked running",
			"job_id", job.ID, "provider", job.Provider, "upstream_job_id", upstreamID, "error", err)
		return nil
	}
	if !moved {
		s.Logger.Info("job finished before dispatch completed", "job_id", job.ID, "upstream_job_id", upstreamID)
		return nil
	}
	s.Logger.Info("job dispatched", "job_id", job.ID, "provider", job.Provider, "upstream_job_id", upstreamID)
	return s.schedulePoll(ctx, job.ID)
}

// markRunning records the upstream id of a submitted job, retrying only
// the write.
func (s *Service) markRunning(ctx context.Context, jobID uuid.UUID, upstreamID string) (bool, error) {
	var err error
	for attempt := 1; attempt <= markRunningAttempts; attempt++ {
		var moved bool
		if moved, err = s.Store.MarkRunning(ctx, jobID, upstreamID); err == nil {
			return moved, nil
		}
		if attempt == markRunningAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(s.RetryDelay * time.Duration(attempt)):
		}
	}
	return false, fmt.Errorf("mark running: %w", err)
}

func (s *Service) schedulePoll(ctx context.Context, jobID uuid.UUID) error {
	if err := s.SchedulePoll(ctx, execution.PollJobArgs{JobID: jobID}, s.Now().Add(s.PollInterval)); err != nil {
		return fmt.Errorf("schedule poll: %w", err)
	}
	return nil
}

// Poll asks the provider for the job's state and applies it. done reports
// that the job no longer needs polling. An upstream "not found" fails the
// job so its hold is released.
func (s *Service) Poll(ctx context.Context, jobID uuid.UUID) (bool, error) {
	job, err := s.load(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if job.IsTerminal() {
		return true, nil
	}
	if job.UpstreamJobID == nil {
		s.Logger.Warn("poll for undispatched job", "job_id", job.ID, "status", job.Status)
		return true, nil
	}

	upd, err := s.Provider.Poll(ctx, job.Provider, *job.UpstreamJobID)
	if errors.Is(err, providers.ErrUpstreamNotFound) {
		s.Logger.Warn("upstream job not found", "job_id", job.ID, "upstream_job_id", *job.UpstreamJobID)
		_, err := s.finish(ctx, job, models.JobStatusFailed, nil, "upstream job not found")
		return err == nil, err
	}
	if err != nil {
		return false, fmt.Errorf("poll %s: %w", job.Provider, err)
	}
	if err := s.apply(ctx, job, *upd); err != nil {
		return false, err
	}
	return upd.Terminal(), nil
}

// OnProviderUpdate applies one provider observation to a job. done captures
// the hold and failed releases it; anything else only records progress.
// Repeated terminal updates are no-ops.
func (s *Service) OnProviderUpdate(ctx context.Context, jobID uuid.UUID, upd providers.Update) error {
	job, err := s.load(ctx, jobID)
	if err != nil {
		return err
	}
	return s.apply(ctx, job, upd)
}

// HandleCallback routes a pushed provider update to the job correlated by
// its upstream id.
func (s *Service) HandleCallback(ctx context.Context, provider, upstreamID string, upd providers.Update) error {
	job, err := s.Store.GetByUpstreamID(ctx, provider, upstreamID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}
	return s.apply(ctx, job, upd)
}

func (s *Service) apply(ctx context.Context, job *models.Job, upd providers.Update) error {
	switch providers.NormalizeStatus(upd.Status) {
	case providers.StatusDone:
		_, err := s.finish(ctx, job, models.JobStatusDone, upd.Result, "")
		return err
	case providers.StatusFailed:
		msg := upd.Error
		if msg == "" {
			msg = "provider reported failure"
		}
		_, err := s.finish(ctx, job, models.JobStatusFailed, nil, msg)
		return err
	default:
		if job.IsTerminal() {
			return nil
		}
		return s.Store.UpdateProgress(ctx, job.ID, upd.Progress)
	}
}

// finish moves the job to a terminal status and settles its hold in one
// transaction under the wallet lock. It reports false when the job was
// already terminal.
func (s *Service) finish(ctx context.Context, job *models.Job, status string, result json.RawMessage, errMsg string) (bool, error) {
	ctx, span := tracer.Start(ctx, "jobs.finish", trace.WithAttributes(
		attribute.String("job_id", job.ID.String()),
		attribute.String("status", status),
	))
	defer span.End()

	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	if _, err := s.Engine.LockWalletTx(ctx, tx, job.IdentityID); err != nil {
		return false, err
	}
	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}
	moved, err := s.Store.FinishTx(ctx, tx, job.ID, status, result, msg)
	if err != nil {
		return false, fmt.Errorf("finish job: %w", err)
	}
	if !moved {
		s.Logger.Info("job already terminal", "job_id", job.ID, "status", status)
		return false, nil
	}

	if status == models.JobStatusDone {
		_, err = s.Engine.CaptureTx(ctx, tx, job.ReservationID)
	} else {
		_, err = s.Engine.ReleaseTx(ctx, tx, job.ReservationID, "job failed: "+errMsg)
	}
	if errors.Is(err, reservations.ErrReservationNotHeld) {
		s.Logger.Warn("reservation no longer held at job finish", "job_id", job.ID,
			"reservation_id", job.ReservationID, "status", status, "error", err)
	} else if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "settle reservation")
		return false, fmt.Errorf("settle reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	s.Metrics.JobsTotal.WithLabelValues(status).Inc()
	s.Engine.NotifyWalletChange(ctx, job.IdentityID)
	s.Logger.Info("job finished", "job_id", job.ID, "identity_id", job.IdentityID,
		"status", status, "reservation_id", job.ReservationID)
	return true, nil
}

func (s *Service) load(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	job, err := s.Store.GetByID(ctx, jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}
