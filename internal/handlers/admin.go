package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/timrx/backend/internal/ledger"
	"github.com/timrx/backend/internal/models"
	"github.com/timrx/backend/internal/wallets"
)

// Granter applies grant-referenced credits. *wallets.Service satisfies it.
type Granter interface {
	Grant(ctx context.Context, identityID uuid.UUID, c wallets.Credit) (*models.Wallet, bool, error)
}

// Auditor finds and repairs wallets whose balance disagrees with the ledger.
type Auditor interface {
	Audit(ctx context.Context) ([]models.WalletDrift, error)
	Repair(ctx context.Context, identityID uuid.UUID) (bool, error)
}

// ReservationSweeper expires holds past their deadline.
type ReservationSweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// AdminHandler serves /api/v1/admin endpoints. Routes are guarded by the
// admin key middleware.
type AdminHandler struct {
	Grants  Granter
	Ledger  Auditor
	Sweeper ReservationSweeper
	Logger  *slog.Logger
}

type grantRequest struct {
	Amount int    `json:"amount" validate:"required,ne=0"`
	Reason string `json:"reason" validate:"required,max=256"`
	RefID  string `json:"ref_id" validate:"omitempty,max=128"`
}

type grantResponse struct {
	Applied bool                  `json:"applied"`
	Wallet  models.WalletSnapshot `json:"wallet"`
}

// Grant handles POST /api/v1/admin/identities/{id}/grant. A negative amount
// debits the wallet. A repeated ref_id is acknowledged with applied=false.
func (h *AdminHandler) Grant(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "invalid identity id")
		return
	}
	var req grantRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	wallet, applied, err := h.Grants.Grant(r.Context(), id, wallets.Credit{
		EntryType: models.LedgerEntryAdminAdjust,
		Amount:    req.Amount,
		RefID:     req.RefID,
		Meta:      map[string]any{"reason": req.Reason},
	})
	switch {
	case errors.Is(err, wallets.ErrBelowReserved):
		WriteError(w, http.StatusConflict, CodeConflict, err.Error())
		return
	case errors.Is(err, wallets.ErrInvalidAmount):
		WriteError(w, http.StatusBadRequest, CodeValidation, err.Error())
		return
	case err != nil:
		h.Logger.Error("admin grant failed", "identity_id", id, "error", err)
		WriteError(w, http.StatusInternalServerError, CodeInternal, "could not apply grant")
		return
	}
	h.Logger.Info("admin grant", "identity_id", id, "amount", req.Amount, "applied", applied, "reason", req.Reason)
	resp := grantResponse{Applied: applied, Wallet: models.WalletSnapshot{IdentityID: id}}
	if wallet != nil {
		resp.Wallet = wallet.Snapshot()
	}
	WriteJSON(w, http.StatusOK, resp)
}

// Audit handles GET /api/v1/admin/ledger/audit.
func (h *AdminHandler) Audit(w http.ResponseWriter, r *http.Request) {
	drift, err := h.Ledger.Audit(r.Context())
	if err != nil {
		h.Logger.Error("ledger audit failed", "error", err)
		WriteError(w, http.StatusInternalServerError, CodeInternal, "audit failed")
		return
	}
	if drift == nil {
		drift = []models.WalletDrift{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"drift": drift})
}

// Repair handles POST /api/v1/admin/identities/{id}/repair.
func (h *AdminHandler) Repair(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "invalid identity id")
		return
	}
	repaired, err := h.Ledger.Repair(r.Context(), id)
	if errors.Is(err, ledger.ErrRepairBelowReserved) {
		WriteError(w, http.StatusConflict, CodeConflict, err.Error())
		return
	}
	if err != nil {
		h.Logger.Error("wallet repair failed", "identity_id", id, "error", err)
		WriteError(w, http.StatusInternalServerError, CodeInternal, "repair failed")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"repaired": repaired})
}

// Sweep handles POST /api/v1/admin/reservations/sweep.
func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.Sweeper.SweepExpired(r.Context(), time.Now())
	if err != nil {
		h.Logger.Error("manual sweep failed", "expired", n, "error", err)
		WriteError(w, http.StatusInternalServerError, CodeInternal, "sweep failed")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int{"expired": n})
}
