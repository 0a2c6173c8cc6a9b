package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

// DispatchJobArgs submits a queued generation job to its provider.
type DispatchJobArgs struct {
	JobID uuid.UUID `json:"job_id"`
}

func (DispatchJobArgs) Kind() string { return "dispatch_generation" }

func (DispatchJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 5}
}

// PollJobArgs polls a dispatched job until the provider reports a terminal state.
type PollJobArgs struct {
	JobID uuid.UUID `json:"job_id"`
}

func (PollJobArgs) Kind() string { return "poll_generation" }

func (PollJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{UniqueOpts: river.UniqueOpts{ByArgs: true}}
}

// JobRunner defines the contract the workers need from the job orchestrator.
type JobRunner interface {
	Dispatch(ctx context.Context, jobID uuid.UUID) error
	Poll(ctx context.Context, jobID uuid.UUID) (done bool, err error)
}

type DispatchWorker struct {
	river.WorkerDefaults[DispatchJobArgs]
	jobs JobRunner
}

func NewDispatchWorker(jobs JobRunner) *DispatchWorker {
	return &DispatchWorker{jobs: jobs}
}

func (w *DispatchWorker) Work(ctx context.Context, job *river.Job[DispatchJobArgs]) error {
	if err := w.jobs.Dispatch(ctx, job.Args.JobID); err != nil {
		return fmt.Errorf("dispatch job %s: %w", job.Args.JobID, err)
	}
	return nil
}

// PollWorker re-snoozes itself every interval while the job is in flight.
// Transient poll errors go through River's retry backoff; a job that never
// settles is failed by the reservation sweep once its hold expires.
type PollWorker struct {
	river.WorkerDefaults[PollJobArgs]
	jobs     JobRunner
	interval time.Duration
}

func NewPollWorker(jobs JobRunner, interval time.Duration) *PollWorker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &PollWorker{jobs: jobs, interval: interval}
}

func (w *PollWorker) Work(ctx context.Context, job *river.Job[PollJobArgs]) error {
	done, err := w.jobs.Poll(ctx, job.Args.JobID)
	if err != nil {
		return fmt.Errorf("poll job %s: %w", job.Args.JobID, err)
	}
	if done {
		return nil
	}
	return river.JobSnooze(w.interval)
}

func (w *PollWorker) Timeout(*river.Job[PollJobArgs]) time.Duration { return 30 * time.Second }

// SweepReservationsArgs is the periodic expiry sweep.
type SweepReservationsArgs struct{}

func (SweepReservationsArgs) Kind() string { return "sweep_reservations" }

// Sweeper expires held reservations past their TTL and releases holds whose
// job already ended. *reservations.Engine satisfies it.
type Sweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int, error)
	ReconcileStale(ctx context.Context, cutoff time.Time) (int, error)
}

type SweepWorker struct {
	river.WorkerDefaults[SweepReservationsArgs]
	sweeper  Sweeper
	staleAge time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// NewSweepWorker builds the sweep worker. A zero staleAge disables stale
// reconciliation.
func NewSweepWorker(sweeper Sweeper, staleAge time.Duration, log *slog.Logger) *SweepWorker {
	if log == nil {
		log = slog.Default()
	}
	return &SweepWorker{sweeper: sweeper, staleAge: staleAge, log: log, now: time.Now}
}

func (w *SweepWorker) Work(ctx context.Context, job *river.Job[SweepReservationsArgs]) error {
	now := w.now()
	expired, err := w.sweeper.SweepExpired(ctx, now)
	if err != nil {
		// Rows that failed stay held and are picked up by the next run.
		w.log.Error("reservation sweep incomplete", "expired", expired, "error", err)
	}
	if w.staleAge > 0 {
		if _, serr := w.sweeper.ReconcileStale(ctx, now.Add(-w.staleAge)); serr != nil {
			w.log.Error("stale reservation reconcile incomplete", "error", serr)
		}
	}
	return nil
}

// PeriodicSweep schedules the sweep every interval, starting at boot.
func PeriodicSweep(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return SweepReservationsArgs{}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}
