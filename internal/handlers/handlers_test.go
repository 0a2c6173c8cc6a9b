package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timrx/backend/internal/ledger"
	"github.com/timrx/backend/internal/middleware"
	"github.com/timrx/backend/internal/models"
	"github.com/timrx/backend/internal/payments"
	"github.com/timrx/backend/internal/pricing"
	"github.com/timrx/backend/internal/purchases"
	"github.com/timrx/backend/internal/reservations"
	"github.com/timrx/backend/internal/wallets"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type stubPurchaser struct {
	checkoutErr error
	confirmErr  error
	webhookErr  error
	outcome     purchases.WebhookOutcome
	webhookIDs  []string
}

func (s *stubPurchaser) StartCheckout(context.Context, uuid.UUID, string, string) (*purchases.CheckoutResult, error) {
	if s.checkoutErr != nil {
		return nil, s.checkoutErr
	}
	return &purchases.CheckoutResult{PurchaseID: uuid.New(), CheckoutURL: "https://pay.example/checkout/1"}, nil
}

func (s *stubPurchaser) Confirm(context.Context, uuid.UUID, string) (purchases.WebhookOutcome, error) {
	return s.outcome, s.confirmErr
}

func (s *stubPurchaser) HandleWebhook(_ context.Context, paymentID string) (purchases.WebhookOutcome, error) {
	s.webhookIDs = append(s.webhookIDs, paymentID)
	return s.outcome, s.webhookErr
}

func (s *stubPurchaser) List(context.Context, uuid.UUID, int, int) ([]*models.Purchase, error) {
	return []*models.Purchase{{ID: uuid.New(), PlanCode: "starter_80", Status: models.PurchaseStatusPaid}}, nil
}

type stubLedger struct {
	entries  []*models.LedgerEntry
	verify   *ledger.Verification
	drift    []models.WalletDrift
	repaired bool
	err      error
}

func (s *stubLedger) List(context.Context, uuid.UUID, int, int) ([]*models.LedgerEntry, error) {
	return s.entries, s.err
}

func (s *stubLedger) Verify(_ context.Context, id uuid.UUID) (*ledger.Verification, error) {
	return s.verify, s.err
}

func (s *stubLedger) Audit(context.Context) ([]models.WalletDrift, error) { return s.drift, s.err }

func (s *stubLedger) Repair(context.Context, uuid.UUID) (bool, error) { return s.repaired, s.err }

type stubWallets struct {
	snap models.WalletSnapshot
	err  error
}

func (s stubWallets) Get(context.Context, uuid.UUID) (models.WalletSnapshot, error) {
	return s.snap, s.err
}

type stubGranter struct {
	credit  wallets.Credit
	applied bool
	err     error
}

func (s *stubGranter) Grant(_ context.Context, id uuid.UUID, c wallets.Credit) (*models.Wallet, bool, error) {
	s.credit = c
	if s.err != nil {
		return nil, false, s.err
	}
	return &models.Wallet{IdentityID: id, Balance: 100 + c.Amount}, s.applied, nil
}

type stubSweeper struct{ n int }

func (s stubSweeper) SweepExpired(context.Context, time.Time) (int, error) { return s.n, nil }

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func withIdentity(id uuid.UUID) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id != uuid.Nil {
				r = r.WithContext(middleware.WithIdentity(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func serve(h http.Handler, method, path, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// Respond helpers
// ---------------------------------------------------------------------------

func TestWriteInsufficientCredits(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteInsufficientCredits(rec, &reservations.InsufficientCreditsError{ActionCode: "MESHY_REFINE", Required: 10, Available: 3})

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.JSONEq(t, `{"ok":false,"error":{"code":"INSUFFICIENT_CREDITS","message":"this action needs 10 credits, 3 available","action_code":"MESHY_REFINE","required":10,"available":3}}`, rec.Body.String())
}

func TestPagination(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x?limit=7&offset=-3", nil)
	limit, offset := Pagination(req)
	assert.Equal(t, 7, limit)
	assert.Equal(t, 0, offset)
}

// ---------------------------------------------------------------------------
// Wallet and catalog
// ---------------------------------------------------------------------------

func TestWalletHandler(t *testing.T) {
	id := uuid.New()
	bal := 40
	h := &WalletHandler{
		Wallets: stubWallets{snap: models.WalletSnapshot{IdentityID: id, Balance: 40, Reserved: 15, Available: 25}},
		Ledger: &stubLedger{
			entries: []*models.LedgerEntry{{ID: uuid.New(), IdentityID: id, EntryType: models.LedgerEntryPurchaseCredit, Amount: 40, BalanceAfter: &bal}},
			verify:  &ledger.Verification{IdentityID: id, Balance: 40, LedgerSum: 40, EntryCount: 1, Consistent: true},
		},
		Logger: quietLogger(),
	}
	r := chi.NewRouter()
	r.Use(withIdentity(id))
	r.Get("/api/v1/wallet", h.GetWallet)
	r.Get("/api/v1/wallet/ledger", h.ListLedger)
	r.Get("/api/v1/wallet/verify", h.VerifyLedger)

	rec := serve(r, http.MethodGet, "/api/v1/wallet", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap models.WalletSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 25, snap.Available)

	rec = serve(r, http.MethodGet, "/api/v1/wallet/ledger?limit=10", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Entries []models.LedgerEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Entries, 1)
	assert.Equal(t, 40, page.Entries[0].Amount)

	rec = serve(r, http.MethodGet, "/api/v1/wallet/verify", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"consistent":true`)
}

func TestWalletHandler_Errors(t *testing.T) {
	h := &WalletHandler{Wallets: stubWallets{err: errors.New("db down")}, Ledger: &stubLedger{err: errors.New("db down")}, Logger: quietLogger()}

	r := chi.NewRouter()
	r.Get("/anon", h.GetWallet)
	r.Group(func(r chi.Router) {
		r.Use(withIdentity(uuid.New()))
		r.Get("/wallet", h.GetWallet)
		r.Get("/ledger", h.ListLedger)
	})

	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/anon", "", "").Code)
	assert.Equal(t, http.StatusInternalServerError, serve(r, http.MethodGet, "/wallet", "", "").Code)
	assert.Equal(t, http.StatusInternalServerError, serve(r, http.MethodGet, "/ledger", "", "").Code)
}

func TestCatalogHandler(t *testing.T) {
	cat := pricing.NewCatalog(
		[]models.ActionCost{{ActionCode: models.ActionOpenAIImage, CostCredits: 10, Provider: models.ProviderOpenAI}},
		[]models.Plan{
			{Code: "starter_80", Name: "Starter", Price: decimal.RequireFromString("7.99"), Currency: "GBP", Credits: 80, Active: true},
			{Code: "legacy", Name: "Legacy", Price: decimal.RequireFromString("1.00"), Currency: "GBP", Credits: 5, Active: false},
		},
	)
	h := &CatalogHandler{Catalog: cat}

	rec := httptest.NewRecorder()
	h.ListActions(rec, httptest.NewRequest(http.MethodGet, "/api/v1/actions", nil))
	assert.Contains(t, rec.Body.String(), `"action_code":"OPENAI_IMAGE"`)

	rec = httptest.NewRecorder()
	h.ListPlans(rec, httptest.NewRequest(http.MethodGet, "/api/v1/plans", nil))
	var body struct {
		Plans []models.Plan `json:"plans"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Plans, 1)
	assert.Equal(t, "starter_80", body.Plans[0].Code)
}

// ---------------------------------------------------------------------------
// Purchases
// ---------------------------------------------------------------------------

func purchaseRouter(p Purchaser, id uuid.UUID) http.Handler {
	h := &PurchaseHandler{Purchases: p, Logger: quietLogger()}
	r := chi.NewRouter()
	r.Post("/api/v1/payments/webhook", h.Webhook)
	r.Group(func(r chi.Router) {
		r.Use(withIdentity(id))
		r.Post("/api/v1/purchases/checkout", h.Checkout)
		r.Post("/api/v1/purchases/confirm", h.Confirm)
		r.Get("/api/v1/purchases", h.List)
	})
	return r
}

func TestCheckout(t *testing.T) {
	cases := []struct {
		name string
		err  error
		body string
		want int
	}{
		{"ok", nil, `{"plan_code":"starter_80","email":"a@b.co"}`, http.StatusCreated},
		{"missing plan", nil, `{}`, http.StatusBadRequest},
		{"bad email", nil, `{"plan_code":"starter_80","email":"nope"}`, http.StatusBadRequest},
		{"unknown plan", pricing.ErrUnknownPlan, `{"plan_code":"gold"}`, http.StatusBadRequest},
		{"provider down", purchases.ErrCheckoutFailed, `{"plan_code":"starter_80"}`, http.StatusBadGateway},
		{"storage", errors.New("db down"), `{"plan_code":"starter_80"}`, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := purchaseRouter(&stubPurchaser{checkoutErr: tc.err}, uuid.New())
			rec := serve(r, http.MethodPost, "/api/v1/purchases/checkout", "application/json", tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}

	r := purchaseRouter(&stubPurchaser{}, uuid.New())
	rec := serve(r, http.MethodPost, "/api/v1/purchases/checkout", "application/json", `{"plan_code":"starter_80"}`)
	assert.Contains(t, rec.Body.String(), `"checkout_url":"https://pay.example/checkout/1"`)
}

func TestConfirm_Outcomes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"credited", nil, http.StatusOK},
		{"not owner", purchases.ErrNotOwner, http.StatusForbidden},
		{"unknown payment", payments.ErrPaymentNotFound, http.StatusNotFound},
		{"still open", purchases.ErrPaymentNotPaid, http.StatusConflict},
		{"storage", errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := purchaseRouter(&stubPurchaser{confirmErr: tc.err, outcome: purchases.OutcomeCredited}, uuid.New())
			rec := serve(r, http.MethodPost, "/api/v1/purchases/confirm", "application/json", `{"payment_id":"tr_1"}`)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestListPurchases(t *testing.T) {
	r := purchaseRouter(&stubPurchaser{}, uuid.New())
	rec := serve(r, http.MethodGet, "/api/v1/purchases", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"plan_code":"starter_80"`)

	r = purchaseRouter(&stubPurchaser{}, uuid.Nil)
	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/api/v1/purchases", "", "").Code)
}

func TestWebhook_FormAndJSON(t *testing.T) {
	p := &stubPurchaser{outcome: purchases.OutcomeCredited}
	r := purchaseRouter(p, uuid.Nil)

	rec := serve(r, http.MethodPost, "/api/v1/payments/webhook", "application/x-www-form-urlencoded", "id=tr_form")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"outcome":"credited"`)

	rec = serve(r, http.MethodPost, "/api/v1/payments/webhook", "application/json", `{"id":"tr_json"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"tr_form", "tr_json"}, p.webhookIDs)

	rec = serve(r, http.MethodPost, "/api/v1/payments/webhook", "application/x-www-form-urlencoded", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook_AcknowledgesOutcomesAndRetriesErrors(t *testing.T) {
	r := purchaseRouter(&stubPurchaser{outcome: purchases.OutcomeIgnored}, uuid.Nil)
	rec := serve(r, http.MethodPost, "/api/v1/payments/webhook", "application/x-www-form-urlencoded", "id=tr_unknown")
	assert.Equal(t, http.StatusOK, rec.Code)

	r = purchaseRouter(&stubPurchaser{webhookErr: errors.New("mollie timeout")}, uuid.Nil)
	rec = serve(r, http.MethodPost, "/api/v1/payments/webhook", "application/x-www-form-urlencoded", "id=tr_1")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "mollie timeout")
}

// ---------------------------------------------------------------------------
// Admin and health
// ---------------------------------------------------------------------------

func adminRouter(h *AdminHandler) http.Handler {
	r := chi.NewRouter()
	r.Post("/api/v1/admin/identities/{id}/grant", h.Grant)
	r.Post("/api/v1/admin/identities/{id}/repair", h.Repair)
	r.Get("/api/v1/admin/ledger/audit", h.Audit)
	r.Post("/api/v1/admin/reservations/sweep", h.Sweep)
	return r
}

func TestAdminGrant(t *testing.T) {
	g := &stubGranter{applied: true}
	r := adminRouter(&AdminHandler{Grants: g, Logger: quietLogger()})
	id := uuid.New()

	rec := serve(r, http.MethodPost, "/api/v1/admin/identities/"+id.String()+"/grant", "application/json",
		`{"amount":25,"reason":"support goodwill","ref_id":"ticket-881"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp grantResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Applied)
	assert.Equal(t, 125, resp.Wallet.Balance)
	assert.Equal(t, models.LedgerEntryAdminAdjust, g.credit.EntryType)
	assert.Equal(t, "ticket-881", g.credit.RefID)
	assert.Equal(t, "support goodwill", g.credit.Meta["reason"])
}

func TestAdminGrant_Errors(t *testing.T) {
	id := uuid.New().String()
	cases := []struct {
		name string
		path string
		err  error
		body string
		want int
	}{
		{"bad id", "/api/v1/admin/identities/xyz/grant", nil, `{"amount":5,"reason":"x"}`, http.StatusBadRequest},
		{"zero amount", "/api/v1/admin/identities/" + id + "/grant", nil, `{"amount":0,"reason":"x"}`, http.StatusBadRequest},
		{"no reason", "/api/v1/admin/identities/" + id + "/grant", nil, `{"amount":5}`, http.StatusBadRequest},
		{"below reserved", "/api/v1/admin/identities/" + id + "/grant", wallets.ErrBelowReserved, `{"amount":-500,"reason":"x"}`, http.StatusConflict},
		{"storage", "/api/v1/admin/identities/" + id + "/grant", errors.New("db down"), `{"amount":5,"reason":"x"}`, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := adminRouter(&AdminHandler{Grants: &stubGranter{err: tc.err}, Logger: quietLogger()})
			rec := serve(r, http.MethodPost, tc.path, "application/json", tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
}

func TestAdminAuditRepairSweep(t *testing.T) {
	id := uuid.New()
	l := &stubLedger{drift: []models.WalletDrift{{IdentityID: id, Balance: 10, LedgerSum: 30}}, repaired: true}
	r := adminRouter(&AdminHandler{Ledger: l, Sweeper: stubSweeper{n: 3}, Logger: quietLogger()})

	rec := serve(r, http.MethodGet, "/api/v1/admin/ledger/audit", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), id.String())

	rec = serve(r, http.MethodPost, "/api/v1/admin/identities/"+id.String()+"/repair", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"repaired":true}`, rec.Body.String())

	rec = serve(r, http.MethodPost, "/api/v1/admin/reservations/sweep", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"expired":3}`, rec.Body.String())

	l.err = ledger.ErrRepairBelowReserved
	rec = serve(r, http.MethodPost, "/api/v1/admin/identities/"+id.String()+"/repair", "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	(&HealthHandler{DB: stubPinger{}}).Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	(&HealthHandler{DB: stubPinger{err: errors.New("refused")}}).Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
