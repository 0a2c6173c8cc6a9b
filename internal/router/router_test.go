package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/timrx/backend/internal/auth"
	"github.com/timrx/backend/internal/handlers"
	"github.com/timrx/backend/internal/jobs"
	"github.com/timrx/backend/internal/models"
	"github.com/timrx/backend/internal/pricing"
)

type rejectAll struct{}

func (rejectAll) ValidateToken(context.Context, string) (uuid.UUID, error) {
	return uuid.Nil, errors.New("no")
}

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

func newTestRouter() http.Handler {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cat := pricing.NewCatalog([]models.ActionCost{{ActionCode: models.ActionMeshyRig, CostCredits: 15, Provider: models.ProviderMeshy}}, nil)
	return New(Handlers{
		Auth:      auth.NewHandler(nil, nil, log),
		Jobs:      jobs.NewHandler(nil, log),
		Wallet:    &handlers.WalletHandler{Logger: log},
		Catalog:   &handlers.CatalogHandler{Catalog: cat},
		Purchases: &handlers.PurchaseHandler{Logger: log},
		Admin:     &handlers.AdminHandler{Logger: log},
		Health:    &handlers.HealthHandler{DB: okPinger{}},
	}, Options{
		Tokens:        rejectAll{},
		AdminKey:      "admin-secret",
		CallbackToken: "cb-secret",
		Logger:        log,
		Metrics:       http.NotFoundHandler(),
	})
}

func TestRouter_Guards(t *testing.T) {
	r := newTestRouter()
	cases := []struct {
		method, path string
		header, val  string
		want         int
	}{
		{http.MethodGet, "/healthz", "", "", http.StatusOK},
		{http.MethodGet, "/api/v1/actions", "", "", http.StatusOK},
		{http.MethodGet, "/api/v1/me", "", "", http.StatusUnauthorized},
		{http.MethodGet, "/api/v1/wallet", "Authorization", "Bearer forged", http.StatusUnauthorized},
		{http.MethodPost, "/api/v1/jobs", "", "", http.StatusUnauthorized},
		{http.MethodGet, "/api/v1/admin/ledger/audit", "", "", http.StatusForbidden},
		{http.MethodGet, "/api/v1/admin/ledger/audit", "X-Admin-Key", "wrong", http.StatusForbidden},
		{http.MethodPost, "/api/v1/providers/meshy/callback", "", "", http.StatusForbidden},
		{http.MethodPost, "/api/v1/providers/meshy/callback", "X-Callback-Token", "cb-secret", http.StatusBadRequest},
		{http.MethodDelete, "/api/v1/jobs", "", "", http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(""))
			if tc.header != "" {
				req.Header.Set(tc.header, tc.val)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}
