package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/timrx/backend/internal/ledger"
	"github.com/timrx/backend/internal/middleware"
	"github.com/timrx/backend/internal/models"
)

// WalletReader serves cached wallet snapshots.
type WalletReader interface {
	Get(ctx context.Context, identityID uuid.UUID) (models.WalletSnapshot, error)
}

// LedgerReader is the read side of the ledger service.
type LedgerReader interface {
	List(ctx context.Context, identityID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, error)
	Verify(ctx context.Context, identityID uuid.UUID) (*ledger.Verification, error)
}

// WalletHandler serves /api/v1/wallet endpoints.
type WalletHandler struct {
	Wallets WalletReader
	Ledger  LedgerReader
	Logger  *slog.Logger
}

// --- GET /api/v1/wallet ---

func (h *WalletHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromCtx(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, CodeUnauthorized, "unauthorized")
		return
	}
	snap, err := h.Wallets.Get(r.Context(), id)
	if err != nil {
		h.Logger.Error("get wallet failed", "identity_id", id, "error", err)
		WriteError(w, http.StatusInternalServerError, CodeInternal, "could not load wallet")
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}

// --- GET /api/v1/wallet/ledger ---

func (h *WalletHandler) ListLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromCtx(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, CodeUnauthorized, "unauthorized")
		return
	}
	limit, offset := Pagination(r)
	entries, err := h.Ledger.List(r.Context(), id, limit, offset)
	if err != nil {
		h.Logger.Error("list ledger failed", "identity_id", id, "error", err)
		WriteError(w, http.StatusInternalServerError, CodeInternal, "could not list ledger")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// --- GET /api/v1/wallet/verify ---

// VerifyLedger compares the caller's balance against its ledger sum.
func (h *WalletHandler) VerifyLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromCtx(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, CodeUnauthorized, "unauthorized")
		return
	}
	v, err := h.Ledger.Verify(r.Context(), id)
	if err != nil {
		h.Logger.Error("verify ledger failed", "identity_id", id, "error", err)
		WriteError(w, http.StatusInternalServerError, CodeInternal, "could not verify ledger")
		return
	}
	WriteJSON(w, http.StatusOK, v)
}
