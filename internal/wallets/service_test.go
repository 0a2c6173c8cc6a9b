package wallets

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timrx/backend/internal/metrics"
	"github.com/timrx/backend/internal/models"
	"github.com/timrx/backend/internal/testkit"
)

func newTestService(t *testing.T, cache *redis.Client) (*Service, *testkit.MemStore) {
	t.Helper()
	store := testkit.NewMemStore()
	svc := NewService(store, store.WalletStore(), store.LedgerStore(), cache, time.Minute)
	svc.Metrics = metrics.NewForRegistry(prometheus.NewRegistry())
	svc.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return svc, store
}

func TestGet_MissingWalletIsEmpty(t *testing.T) {
	svc, _ := newTestService(t, nil)
	id := uuid.New()

	snap, err := svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.WalletSnapshot{IdentityID: id}, snap)
}

func TestGet_CacheMissThenHit(t *testing.T) {
	cache, mock := redismock.NewClientMock()
	svc, store := newTestService(t, cache)
	id := store.SeedIdentity(120)
	gen := "wallet:gen:" + id.String()
	key := "wallet:" + id.String() + ":0"

	want := models.WalletSnapshot{IdentityID: id, Balance: 120, Available: 120}
	raw, err := json.Marshal(want)
	require.NoError(t, err)

	mock.ExpectGet(gen).RedisNil()
	mock.ExpectGet(key).RedisNil()
	mock.ExpectSet(key, string(raw), time.Minute).SetVal("OK")
	mock.ExpectGet(gen).RedisNil()
	mock.ExpectGet(key).SetVal(string(raw))

	ctx := context.Background()
	first, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, want, first)

	second, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, want, second)

	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.Metrics.WalletCacheTotal.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.Metrics.WalletCacheTotal.WithLabelValues("hit")))
}

func TestGet_CacheErrorFallsBackToStore(t *testing.T) {
	cache, mock := redismock.NewClientMock()
	svc, store := newTestService(t, cache)
	id := store.SeedIdentity(40)

	mock.ExpectGet("wallet:gen:" + id.String()).SetErr(errors.New("connection refused"))

	snap, err := svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 40, snap.Balance)
	require.NoError(t, mock.ExpectationsWereMet(), "an unreachable cache is neither read nor written")
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.Metrics.WalletCacheTotal.WithLabelValues("error")))
}

func TestGet_StaleWriteAfterInvalidateIsNeverServed(t *testing.T) {
	cache, mock := redismock.NewClientMock()
	svc, store := newTestService(t, cache)
	ctx := context.Background()
	id := store.SeedIdentity(100)
	gen := "wallet:gen:" + id.String()

	stale := models.WalletSnapshot{IdentityID: id, Balance: 100, Available: 100}
	staleRaw, err := json.Marshal(stale)
	require.NoError(t, err)
	fresh := models.WalletSnapshot{IdentityID: id, Balance: 120, Available: 120}
	freshRaw, err := json.Marshal(fresh)
	require.NoError(t, err)

	// A reader resolved generation 0 and loaded the wallet before the grant.
	mock.ExpectGet(gen).RedisNil()
	g, ok := svc.generation(ctx, id)
	require.True(t, ok)
	require.Equal(t, int64(0), g)

	// The grant commits and bumps the generation.
	mock.ExpectIncr(gen).SetVal(1)
	mock.ExpectExpire(gen, generationTTL).SetVal(true)
	_, applied, err := svc.Grant(ctx, id, Credit{EntryType: models.LedgerEntryAdminAdjust, Amount: 20, RefID: "bonus"})
	require.NoError(t, err)
	require.True(t, applied)

	// The slow reader writes its stale snapshot late, under the old generation.
	mock.ExpectSet("wallet:"+id.String()+":0", string(staleRaw), time.Minute).SetVal("OK")
	svc.store(ctx, stale, g)

	// Later readers use generation 1 and see the committed balance.
	mock.ExpectGet(gen).SetVal("1")
	mock.ExpectGet("wallet:" + id.String() + ":1").RedisNil()
	mock.ExpectSet("wallet:"+id.String()+":1", string(freshRaw), time.Minute).SetVal("OK")
	snap, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, fresh, snap)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGrant_AppliesOnce(t *testing.T) {
	cache, mock := redismock.NewClientMock()
	svc, store := newTestService(t, cache)
	id := store.SeedIdentity(0)
	ctx := context.Background()

	mock.ExpectIncr("wallet:gen:" + id.String()).SetVal(1)
	mock.ExpectExpire("wallet:gen:"+id.String(), generationTTL).SetVal(true)

	credit := Credit{EntryType: models.LedgerEntrySignupGrant, Amount: 25, RefID: "signup:" + id.String()}
	w, applied, err := svc.Grant(ctx, id, credit)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 25, w.Balance)

	w, applied, err = svc.Grant(ctx, id, credit)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 25, w.Balance)

	grants := store.LedgerByType(id, models.LedgerEntrySignupGrant)
	require.Len(t, grants, 1)
	assert.Equal(t, models.LedgerRefGrant, grants[0].RefType)
	require.NoError(t, store.CheckInvariants())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGrant_NegativeAdjustment(t *testing.T) {
	svc, store := newTestService(t, nil)
	id := store.SeedIdentity(50)
	store.SeedReservation(&models.Reservation{
		ID: uuid.New(), IdentityID: id, ActionCode: models.ActionMeshyTextTo3D, CostCredits: 20,
		Status: models.ReservationStatusHeld, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute),
	})
	ctx := context.Background()

	_, _, err := svc.Grant(ctx, id, Credit{EntryType: models.LedgerEntryAdminAdjust, Amount: -40})
	assert.ErrorIs(t, err, ErrBelowReserved)

	w, applied, err := svc.Grant(ctx, id, Credit{EntryType: models.LedgerEntryAdminAdjust, Amount: -30, Meta: map[string]any{"note": "chargeback"}})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 20, w.Balance)
	assert.Equal(t, 0, w.Available())
	require.NoError(t, store.CheckInvariants())
}

func TestGrant_ZeroAmount(t *testing.T) {
	svc, store := newTestService(t, nil)
	id := store.SeedIdentity(10)

	_, _, err := svc.Grant(context.Background(), id, Credit{EntryType: models.LedgerEntryAdminAdjust})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCreditTx_CreatesWallet(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()
	id := uuid.New()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	w, err := svc.CreditTx(ctx, tx, id, Credit{
		EntryType: models.LedgerEntryPurchaseCredit, Amount: 300,
		RefType: models.LedgerRefPurchase, RefID: uuid.NewString(),
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	assert.Equal(t, 300, w.Balance)
	require.NotNil(t, store.Wallet(id))
	assert.Equal(t, 300, store.Wallet(id).Balance)
	assert.Equal(t, 300.0, testutil.ToFloat64(svc.Metrics.CreditsGranted.WithLabelValues(models.LedgerEntryPurchaseCredit)))
	require.NoError(t, store.CheckInvariants())
}
