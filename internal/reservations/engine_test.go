package reservations

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/timrx/backend/internal/metrics"
	"github.com/timrx/backend/internal/models"
	"github.com/timrx/backend/internal/pricing"
	"github.com/timrx/backend/internal/testkit"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

var testCosts = []models.ActionCost{
	{ActionCode: models.ActionMeshyTextTo3D, CostCredits: 20, Provider: models.ProviderMeshy},
	{ActionCode: models.ActionGeminiVideo, CostCredits: 60, Provider: models.ProviderGemini},
	{ActionCode: models.ActionOpenAIImage, CostCredits: 10, Provider: models.ProviderOpenAI},
}

func newTestEngine(t *testing.T, batch int) (*Engine, *testkit.MemStore) {
	t.Helper()
	store := testkit.NewMemStore()
	e := NewEngine(store, store.WalletStore(), store.ReservationStore(), store.LedgerStore(),
		pricing.NewCatalog(testCosts, nil), Config{TTL: 20 * time.Minute, SweepBatchSize: batch})
	e.Jobs = store.JobStore()
	e.Metrics = metrics.NewForRegistry(prometheus.NewRegistry())
	e.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return e, store
}

func checkInvariants(t *testing.T, store *testkit.MemStore) {
	t.Helper()
	if err := store.CheckInvariants(); err != nil {
		t.Fatalf("invariant violated: %v", err)
	}
}

// ---------------------------------------------------------------------------
// 1. Reserve then capture
// ---------------------------------------------------------------------------

func TestReserveCapture(t *testing.T) {
	e, store := newTestEngine(t, 10)
	ctx := context.Background()
	id := store.SeedIdentity(100)

	res, err := e.Reserve(ctx, id, "text-to-3d")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.Status != models.ReservationStatusHeld || res.CostCredits != 20 {
		t.Fatalf("reservation: got status %s cost %d", res.Status, res.CostCredits)
	}
	if res.ActionCode != models.ActionMeshyTextTo3D {
		t.Errorf("action code: got %s, want %s", res.ActionCode, models.ActionMeshyTextTo3D)
	}
	if got := res.ExpiresAt.Sub(res.CreatedAt); got != 20*time.Minute {
		t.Errorf("ttl: got %s, want 20m", got)
	}
	w := store.Wallet(id)
	if w.Available() != 80 || w.Balance != 100 || w.Reserved != 20 {
		t.Errorf("after reserve: got balance %d reserved %d", w.Balance, w.Reserved)
	}
	if n := len(store.LedgerFor(id)); n != 1 {
		t.Errorf("reserve must not write ledger entries: got %d entries", n)
	}

	w, err = e.Capture(ctx, res.ID)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if w.Balance != 80 || w.Reserved != 0 {
		t.Errorf("after capture: got balance %d reserved %d, want 80/0", w.Balance, w.Reserved)
	}
	captures := store.LedgerByType(id, models.LedgerEntryReservationCapture)
	if len(captures) != 1 || captures[0].Amount != -20 {
		t.Fatalf("capture entries: got %+v", captures)
	}
	if captures[0].RefType != models.LedgerRefReservation || captures[0].RefID != res.ID.String() {
		t.Errorf("capture entry should reference the reservation, got %s/%s", captures[0].RefType, captures[0].RefID)
	}
	if captures[0].BalanceAfter == nil || *captures[0].BalanceAfter != 80 {
		t.Errorf("balance_after: got %v, want 80", captures[0].BalanceAfter)
	}
	if got := store.Reservation(res.ID); got.Status != models.ReservationStatusCaptured || got.CapturedAt == nil || got.ReleasedAt != nil {
		t.Errorf("reservation after capture: %+v", got)
	}
	checkInvariants(t, store)
}

// ---------------------------------------------------------------------------
// 2. Insufficient credits
// ---------------------------------------------------------------------------

func TestReserve_InsufficientCredits(t *testing.T) {
	e, store := newTestEngine(t, 10)
	ctx := context.Background()
	id := store.SeedIdentity(50)

	_, err := e.Reserve(ctx, id, models.ActionGeminiVideo)
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	var ice *InsufficientCreditsError
	if !errors.As(err, &ice) {
		t.Fatalf("expected *InsufficientCreditsError, got %T", err)
	}
	if ice.Required != 60 || ice.Available != 50 {
		t.Errorf("got required %d available %d, want 60/50", ice.Required, ice.Available)
	}
	w := store.Wallet(id)
	if w.Balance != 50 || w.Reserved != 0 {
		t.Errorf("wallet should be unchanged, got balance %d reserved %d", w.Balance, w.Reserved)
	}
	if got := testutil.ToFloat64(e.Metrics.ReservationsTotal.WithLabelValues("insufficient")); got != 1 {
		t.Errorf("insufficient counter: got %v, want 1", got)
	}
	checkInvariants(t, store)
}

func TestReserve_AvailableExcludesHeld(t *testing.T) {
	e, store := newTestEngine(t, 10)
	ctx := context.Background()
	id := store.SeedIdentity(30)

	if _, err := e.Reserve(ctx, id, models.ActionMeshyTextTo3D); err != nil {
		t.Fatalf("first Reserve: %v", err)
	}
	_, err := e.Reserve(ctx, id, models.ActionMeshyTextTo3D)
	var ice *InsufficientCreditsError
	if !errors.As(err, &ice) || ice.Available != 10 {
		t.Fatalf("second Reserve: expected insufficient with available 10, got %v", err)
	}
	if _, err := e.Reserve(ctx, id, models.ActionOpenAIImage); err != nil {
		t.Fatalf("exact-fit Reserve: %v", err)
	}
	if w := store.Wallet(id); w.Available() != 0 {
		t.Errorf("available: got %d, want 0", w.Available())
	}
	checkInvariants(t, store)
}

func TestReserve_UnknownAction(t *testing.T) {
	e, store := newTestEngine(t, 10)
	id := store.SeedIdentity(100)

	if _, err := e.Reserve(context.Background(), id, "teleport"); !errors.Is(err, pricing.ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
}

func TestReserve_MissingWalletIsEmpty(t *testing.T) {
	e, store := newTestEngine(t, 10)
	id := uuid.New()

	_, err := e.Reserve(context.Background(), id, models.ActionOpenAIImage)
	var ice *InsufficientCreditsError
	if !errors.As(err, &ice) || ice.Available != 0 || ice.Required != 10 {
		t.Fatalf("expected insufficient credits on a fresh identity, got %v", err)
	}
	if w := store.Wallet(id); w != nil {
		t.Errorf("a rejected reserve must not persist a wallet, got %+v", w)
	}
}

// ---------------------------------------------------------------------------
// 3. Idempotence
// ---------------------------------------------------------------------------

func TestCapture_Idempotent(t *testing.T) {
	e, store := newTestEngine(t, 10)
	ctx := context.Background()
	id := store.SeedIdentity(100)

	res, err := e.Reserve(ctx, id, models.ActionMeshyTextTo3D)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	first, err := e.Capture(ctx, res.ID)
	if err != nil {
		t.Fatalf("first Capture: %v", err)
	}
	second, err := e.Capture(ctx, res.ID)
	if err != nil {
		t.Fatalf("second Capture should be a no-op, got %v", err)
	}
	if first.Balance != second.Balance || first.Reserved != second.Reserved {
		t.Errorf("wallet differs: first %+v second %+v", first, second)
	}
	if n := len(store.LedgerByType(id, models.LedgerEntryReservationCapture)); n != 1 {
		t.Errorf("capture entries: got %d, want 1", n)
	}
	if got := testutil.ToFloat64(e.Metrics.FinalizationsTotal.WithLabelValues("noop")); got != 1 {
		t.Errorf("noop counter: got %v, want 1", got)
	}
	checkInvariants(t, store)
}

func TestRelease_Idempotent(t *testing.T) {
	e, store := newTestEngine(t, 10)
	ctx := context.Background()
	id := store.SeedIdentity(100)

	res, err := e.Reserve(ctx, id, models.ActionMeshyTextTo3D)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	for i := 0; i < 2; i++ {
		w, err := e.Release(ctx, res.ID, "upstream failed")
		if err != nil {
			t.Fatalf("Release #%d: %v", i+1, err)
		}
		if w.Balance != 100 || w.Reserved != 0 {
			t.Errorf("Release #%d: got balance %d reserved %d, want 100/0", i+1, w.Balance, w.Reserved)
		}
	}
	releases := store.LedgerByType(id, models.LedgerEntryReservationRelease)
	if len(releases) != 1 || releases[0].Amount != 0 {
		t.Fatalf("release entries: got %+v", releases)
	}
	if got := store.Reservation(res.ID); got.Status != models.ReservationStatusReleased || got.ReleasedAt == nil {
		t.Errorf("reservation after release: %+v", got)
	}
	checkInvariants(t, store)
}

func TestFinalize_CrossTransitionsRejected(t *testing.T) {
	e, store := newTestEngine(t, 10)
	ctx := context.Background()
	id := store.SeedIdentity(100)

	released, _ := e.Reserve(ctx, id, models.ActionOpenAIImage)
	if _, err := e.Release(ctx, released.ID, ""); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := e.Capture(ctx, released.ID); !errors.Is(err, ErrReservationNotHeld) {
		t.Errorf("capture after release: expected ErrReservationNotHeld, got %v", err)
	}

	captured, _ := e.Reserve(ctx, id, models.ActionOpenAIImage)
	if _, err := e.Capture(ctx, captured.ID); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if _, err := e.Release(ctx, captured.ID, ""); !errors.Is(err, ErrReservationNotHeld) {
		t.Errorf("release after capture: expected ErrReservationNotHeld, got %v", err)
	}
	if w := store.Wallet(id); w.Balance != 90 || w.Reserved != 0 {
		t.Errorf("wallet: got balance %d reserved %d, want 90/0", w.Balance, w.Reserved)
	}
	checkInvariants(t, store)
}

func TestFinalize_NotFound(t *testing.T) {
	e, _ := newTestEngine(t, 10)
	ctx := context.Background()

	if _, err := e.Capture(ctx, uuid.New()); !errors.Is(err, ErrReservationNotFound) {
		t.Errorf("Capture: expected ErrReservationNotFound, got %v", err)
	}
	if _, err := e.Release(ctx, uuid.New(), ""); !errors.Is(err, ErrReservationNotFound) {
		t.Errorf("Release: expected ErrReservationNotFound, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// 4. Concurrency
// ---------------------------------------------------------------------------

func TestReserve_ConcurrentSingleWinner(t *testing.T) {
	e, store := newTestEngine(t, 10)
	id := store.SeedIdentity(20)

	const n = 16
	var (
		wg           sync.WaitGroup
		wins, denied atomic.Int32
		start        = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := e.Reserve(context.Background(), id, models.ActionMeshyTextTo3D)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrInsufficientCredits):
				denied.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 || denied.Load() != n-1 {
		t.Fatalf("got %d wins and %d denials, want 1 and %d", wins.Load(), denied.Load(), n-1)
	}
	if w := store.Wallet(id); w.Reserved != 20 || w.Available() != 0 {
		t.Errorf("wallet: got reserved %d available %d", w.Reserved, w.Available())
	}
	checkInvariants(t, store)
}

func TestCapture_ConcurrentOnce(t *testing.T) {
	e, store := newTestEngine(t, 10)
	id := store.SeedIdentity(100)
	res, err := e.Reserve(context.Background(), id, models.ActionMeshyTextTo3D)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Capture(context.Background(), res.ID); err != nil {
				t.Errorf("Capture: %v", err)
			}
		}()
	}
	wg.Wait()

	if w := store.Wallet(id); w.Balance != 80 || w.Reserved != 0 {
		t.Errorf("wallet: got balance %d reserved %d, want 80/0", w.Balance, w.Reserved)
	}
	if n := len(store.LedgerByType(id, models.LedgerEntryReservationCapture)); n != 1 {
		t.Errorf("capture entries: got %d, want 1", n)
	}
	checkInvariants(t, store)
}

// ---------------------------------------------------------------------------
// 5. Expiry sweep
// ---------------------------------------------------------------------------

func TestSweepExpired(t *testing.T) {
	e, store := newTestEngine(t, 2)
	ctx := context.Background()
	id := store.SeedIdentity(100)

	var held []uuid.UUID
	for i := 0; i < 5; i++ {
		res, err := e.Reserve(ctx, id, models.ActionOpenAIImage)
		if err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		held = append(held, res.ID)
	}
	fresh, err := e.Reserve(ctx, id, models.ActionOpenAIImage)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	// Nothing is due yet.
	if n, err := e.SweepExpired(ctx, time.Now()); err != nil || n != 0 {
		t.Fatalf("early sweep: got %d, %v", n, err)
	}

	// Twenty-one minutes on, everything reserved so far is overdue.
	later := time.Now().Add(21 * time.Minute)
	e.Now = func() time.Time { return later }
	extended, err := e.Reserve(ctx, id, models.ActionOpenAIImage)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	n, err := e.SweepExpired(ctx, later)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 6 {
		t.Fatalf("expired: got %d, want 6", n)
	}
	for _, rid := range append(held, fresh.ID) {
		if got := store.Reservation(rid).Status; got != models.ReservationStatusExpired {
			t.Errorf("reservation %s: got %s, want expired", rid, got)
		}
	}
	if got := store.Reservation(extended.ID).Status; got != models.ReservationStatusHeld {
		t.Errorf("unexpired reservation: got %s, want held", got)
	}
	if w := store.Wallet(id); w.Balance != 100 || w.Reserved != 10 {
		t.Errorf("wallet: got balance %d reserved %d, want 100/10", w.Balance, w.Reserved)
	}
	if got := len(store.LedgerByType(id, models.LedgerEntryReservationExpire)); got != 6 {
		t.Errorf("expire entries: got %d, want 6", got)
	}
	checkInvariants(t, store)
}

func TestSweepExpired_Concurrent(t *testing.T) {
	e, store := newTestEngine(t, 3)
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 4; i++ {
		id := store.SeedIdentity(100)
		ids = append(ids, id)
		for j := 0; j < 5; j++ {
			if _, err := e.Reserve(ctx, id, models.ActionOpenAIImage); err != nil {
				t.Fatalf("Reserve: %v", err)
			}
		}
	}

	now := time.Now().Add(time.Hour)
	var (
		wg    sync.WaitGroup
		total atomic.Int32
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := e.SweepExpired(ctx, now)
			if err != nil {
				t.Errorf("SweepExpired: %v", err)
			}
			total.Add(int32(n))
		}()
	}
	wg.Wait()

	if total.Load() != 20 {
		t.Fatalf("total expired across sweeps: got %d, want 20", total.Load())
	}
	for _, id := range ids {
		if got := len(store.LedgerByType(id, models.LedgerEntryReservationExpire)); got != 5 {
			t.Errorf("identity %s: expire entries %d, want 5", id, got)
		}
		if w := store.Wallet(id); w.Reserved != 0 || w.Balance != 100 {
			t.Errorf("identity %s: balance %d reserved %d", id, w.Balance, w.Reserved)
		}
	}
	checkInvariants(t, store)
}

func TestSweepExpired_FailsBackingJob(t *testing.T) {
	e, store := newTestEngine(t, 10)
	ctx := context.Background()
	id := store.SeedIdentity(100)

	jobID := uuid.New()
	res, err := e.Reserve(ctx, id, models.ActionMeshyTextTo3D)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	store.SeedJob(&models.Job{
		ID: jobID, IdentityID: id, Provider: models.ProviderMeshy, ActionCode: res.ActionCode,
		Status: models.JobStatusRunning, CostCredits: 20, ReservationID: res.ID,
	})

	if n, err := e.SweepExpired(ctx, time.Now().Add(time.Hour)); err != nil || n != 1 {
		t.Fatalf("SweepExpired: got %d, %v", n, err)
	}
	job := store.Job(jobID)
	if job.Status != models.JobStatusFailed {
		t.Fatalf("job status: got %s, want failed", job.Status)
	}
	if job.ErrorMessage == nil || *job.ErrorMessage != "reservation expired" {
		t.Errorf("job error: got %v", job.ErrorMessage)
	}

	// A late completion callback cannot capture an expired hold.
	if _, err := e.Capture(ctx, res.ID); !errors.Is(err, ErrReservationNotHeld) {
		t.Errorf("capture after expiry: expected ErrReservationNotHeld, got %v", err)
	}
	checkInvariants(t, store)
}

// ---------------------------------------------------------------------------
// 6. Atomicity
// ---------------------------------------------------------------------------

func TestReserve_RollsBackOnStorageError(t *testing.T) {
	e, store := newTestEngine(t, 10)
	ctx := context.Background()
	id := store.SeedIdentity(100)

	boom := errors.New("connection reset")
	store.FailNext("Reservations.CreateTx", boom)
	if _, err := e.Reserve(ctx, id, models.ActionMeshyTextTo3D); !errors.Is(err, boom) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if w := store.Wallet(id); w.Reserved != 0 {
		t.Errorf("reserved should roll back to 0, got %d", w.Reserved)
	}
	checkInvariants(t, store)
}

func TestCapture_RollsBackOnLedgerError(t *testing.T) {
	e, store := newTestEngine(t, 10)
	ctx := context.Background()
	id := store.SeedIdentity(100)

	res, err := e.Reserve(ctx, id, models.ActionMeshyTextTo3D)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	store.FailNext("Ledger.CreateTx", errors.New("disk full"))
	if _, err := e.Capture(ctx, res.ID); err == nil {
		t.Fatal("expected capture to fail")
	}
	if got := store.Reservation(res.ID).Status; got != models.ReservationStatusHeld {
		t.Errorf("reservation should still be held, got %s", got)
	}
	if w := store.Wallet(id); w.Balance != 100 || w.Reserved != 20 {
		t.Errorf("wallet should be untouched, got balance %d reserved %d", w.Balance, w.Reserved)
	}
	checkInvariants(t, store)

	// The retry succeeds.
	if _, err := e.Capture(ctx, res.ID); err != nil {
		t.Fatalf("retry Capture: %v", err)
	}
	checkInvariants(t, store)
}

func TestCapture_RollsBackOnCommitError(t *testing.T) {
	e, store := newTestEngine(t, 10)
	ctx := context.Background()
	id := store.SeedIdentity(100)

	res, err := e.Reserve(ctx, id, models.ActionMeshyTextTo3D)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	store.FailNext("Commit", errors.New("serialization failure"))
	if _, err := e.Capture(ctx, res.ID); err == nil {
		t.Fatal("expected capture to fail")
	}
	if n := len(store.LedgerByType(id, models.LedgerEntryReservationCapture)); n != 0 {
		t.Errorf("capture entries after failed commit: got %d, want 0", n)
	}
	checkInvariants(t, store)
}

// ---------------------------------------------------------------------------
// 7. Stale reconciliation
// ---------------------------------------------------------------------------

func TestReconcileStale(t *testing.T) {
	e, store := newTestEngine(t, 10)
	ctx := context.Background()
	id := store.SeedIdentity(100)
	old := time.Now().Add(-2 * time.Hour)

	seed := func(jobStatus string) uuid.UUID {
		res := &models.Reservation{
			ID: uuid.New(), IdentityID: id, ActionCode: models.ActionOpenAIImage, CostCredits: 10,
			Status: models.ReservationStatusHeld, CreatedAt: old, ExpiresAt: time.Now().Add(time.Hour),
		}
		store.SeedReservation(res)
		if jobStatus != "" {
			store.SeedJob(&models.Job{
				ID: uuid.New(), IdentityID: id, ActionCode: res.ActionCode, Status: jobStatus,
				CostCredits: 10, ReservationID: res.ID,
			})
		}
		return res.ID
	}
	doneJob := seed(models.JobStatusDone)
	noJob := seed("")
	running := seed(models.JobStatusRunning)

	n, err := e.ReconcileStale(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ReconcileStale: %v", err)
	}
	if n != 2 {
		t.Fatalf("reconciled: got %d, want 2", n)
	}
	for _, rid := range []uuid.UUID{doneJob, noJob} {
		if got := store.Reservation(rid).Status; got != models.ReservationStatusReleased {
			t.Errorf("reservation %s: got %s, want released", rid, got)
		}
	}
	if got := store.Reservation(running).Status; got != models.ReservationStatusHeld {
		t.Errorf("reservation with running job: got %s, want held", got)
	}
	if w := store.Wallet(id); w.Reserved != 10 {
		t.Errorf("reserved: got %d, want 10", w.Reserved)
	}
	checkInvariants(t, store)
}

// ---------------------------------------------------------------------------
// 8. Ledger integrity over a mixed sequence
// ---------------------------------------------------------------------------

func TestLedgerIntegrity(t *testing.T) {
	e, store := newTestEngine(t, 10)
	ctx := context.Background()
	id := store.SeedIdentity(200)

	var notified atomic.Int32
	e.OnWalletChange = func(context.Context, uuid.UUID) { notified.Add(1) }

	actions := []string{models.ActionOpenAIImage, models.ActionMeshyTextTo3D, models.ActionGeminiVideo}
	for i := 0; i < 12; i++ {
		res, err := e.Reserve(ctx, id, actions[i%len(actions)])
		if errors.Is(err, ErrInsufficientCredits) {
			continue
		}
		if err != nil {
			t.Fatalf("Reserve #%d: %v", i, err)
		}
		if i%2 == 0 {
			_, err = e.Capture(ctx, res.ID)
		} else {
			_, err = e.Release(ctx, res.ID, "failed")
		}
		if err != nil {
			t.Fatalf("finalize #%d: %v", i, err)
		}
		checkInvariants(t, store)
	}

	sum := 0
	for _, entry := range store.LedgerFor(id) {
		sum += entry.Amount
	}
	if w := store.Wallet(id); w.Balance != sum {
		t.Errorf("balance %d != ledger sum %d", w.Balance, sum)
	}
	if notified.Load() == 0 {
		t.Error("OnWalletChange was never called")
	}
}
