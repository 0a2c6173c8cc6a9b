package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timrx/backend/internal/middleware"
	"github.com/timrx/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type stubWallets struct {
	snap models.WalletSnapshot
	err  error
}

func (s stubWallets) Get(_ context.Context, id uuid.UUID) (models.WalletSnapshot, error) {
	snap := s.snap
	snap.IdentityID = id
	return snap, s.err
}

func newHandlerRouter(t *testing.T, wallets WalletReader) (http.Handler, *service) {
	t.Helper()
	svc, _ := newTestService(t, 0)
	h := NewHandler(svc, wallets, quietLogger())

	r := chi.NewRouter()
	r.Post("/api/v1/identities", h.CreateIdentity)
	r.Group(func(r chi.Router) {
		r.Use(middleware.IdentityAuth(svc, svc))
		r.Get("/api/v1/me", h.Me)
		r.Post("/api/v1/me/email", h.AttachEmail)
	})
	return r, svc
}

func send(h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func createIdentity(t *testing.T, h http.Handler) CreateIdentityResponse {
	t.Helper()
	rec := send(h, http.MethodPost, "/api/v1/identities", "", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp CreateIdentityResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestCreateIdentityThenMe(t *testing.T) {
	h, _ := newHandlerRouter(t, stubWallets{snap: models.WalletSnapshot{Balance: 50, Reserved: 20, Available: 30}})

	created := createIdentity(t, h)
	assert.NotEmpty(t, created.Token)
	assert.NotEmpty(t, created.Identity.ID)

	rec := send(h, http.MethodGet, "/api/v1/me", created.Token, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var me MeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, created.Identity.ID, me.Identity.ID)
	assert.Equal(t, created.Identity.ID, me.Wallet.IdentityID.String())
	assert.Equal(t, 30, me.Wallet.Available)
}

func TestMe_RequiresToken(t *testing.T) {
	h, _ := newHandlerRouter(t, stubWallets{})
	assert.Equal(t, http.StatusUnauthorized, send(h, http.MethodGet, "/api/v1/me", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, send(h, http.MethodGet, "/api/v1/me", "bogus", "").Code)
}

func TestMe_WalletErrorIs500(t *testing.T) {
	h, _ := newHandlerRouter(t, stubWallets{err: errors.New("redis and db down")})
	created := createIdentity(t, h)

	rec := send(h, http.MethodGet, "/api/v1/me", created.Token, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "redis")
}

func TestAttachEmail_Handler(t *testing.T) {
	h, _ := newHandlerRouter(t, stubWallets{})
	a := createIdentity(t, h)
	b := createIdentity(t, h)

	rec := send(h, http.MethodPost, "/api/v1/me/email", a.Token, `{"email":"maker@example.com"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	cases := []struct {
		name  string
		token string
		body  string
		want  int
	}{
		{"same email again", a.Token, `{"email":"maker@example.com"}`, http.StatusOK},
		{"different email on owner", a.Token, `{"email":"new@example.com"}`, http.StatusConflict},
		{"taken by another", b.Token, `{"email":"Maker@example.com"}`, http.StatusConflict},
		{"not an email", b.Token, `{"email":"maker"}`, http.StatusBadRequest},
		{"missing", b.Token, `{}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := send(h, http.MethodPost, "/api/v1/me/email", tc.token, tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
}
