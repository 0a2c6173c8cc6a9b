package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/timrx/backend/internal/handlers"
	"github.com/timrx/backend/internal/middleware"
	"github.com/timrx/backend/internal/models"
)

// Request/response structs use snake_case JSON.

type AttachEmailRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

type IdentityResponse struct {
	ID         string    `json:"id"`
	Email      *string   `json:"email,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

type CreateIdentityResponse struct {
	Identity IdentityResponse `json:"identity"`
	Token    string           `json:"token"`
}

type MeResponse struct {
	Identity IdentityResponse      `json:"identity"`
	Wallet   models.WalletSnapshot `json:"wallet"`
}

// WalletReader serves wallet snapshots. *wallets.Service satisfies it.
type WalletReader interface {
	Get(ctx context.Context, identityID uuid.UUID) (models.WalletSnapshot, error)
}

type Handler struct {
	svc     Service
	wallets WalletReader
	log     *slog.Logger
}

func NewHandler(svc Service, wallets WalletReader, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, wallets: wallets, log: log}
}

// CreateIdentity handles POST /api/v1/identities.
func (h *Handler) CreateIdentity(w http.ResponseWriter, r *http.Request) {
	ident, token, err := h.svc.CreateAnonymous(r.Context())
	if err != nil {
		h.log.Error("create identity failed", "error", err)
		handlers.WriteError(w, http.StatusInternalServerError, handlers.CodeInternal, "could not create identity")
		return
	}
	handlers.WriteJSON(w, http.StatusCreated, CreateIdentityResponse{Identity: identityToResponse(ident), Token: token})
}

// Me handles GET /api/v1/me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromCtx(r.Context())
	if !ok {
		handlers.WriteError(w, http.StatusUnauthorized, handlers.CodeUnauthorized, "unauthorized")
		return
	}
	ident, err := h.svc.Get(r.Context(), id)
	if errors.Is(err, ErrIdentityNotFound) {
		handlers.WriteError(w, http.StatusNotFound, handlers.CodeNotFound, "identity not found")
		return
	}
	if err != nil {
		h.log.Error("get identity failed", "identity_id", id, "error", err)
		handlers.WriteError(w, http.StatusInternalServerError, handlers.CodeInternal, "could not load identity")
		return
	}
	wallet, err := h.wallets.Get(r.Context(), id)
	if err != nil {
		h.log.Error("get wallet failed", "identity_id", id, "error", err)
		handlers.WriteError(w, http.StatusInternalServerError, handlers.CodeInternal, "could not load wallet")
		return
	}
	handlers.WriteJSON(w, http.StatusOK, MeResponse{Identity: identityToResponse(ident), Wallet: wallet})
}

// AttachEmail handles POST /api/v1/me/email.
func (h *Handler) AttachEmail(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromCtx(r.Context())
	if !ok {
		handlers.WriteError(w, http.StatusUnauthorized, handlers.CodeUnauthorized, "unauthorized")
		return
	}
	var req AttachEmailRequest
	if err := handlers.DecodeJSON(w, r, &req); err != nil {
		handlers.WriteError(w, http.StatusBadRequest, handlers.CodeValidation, err.Error())
		return
	}
	err := h.svc.AttachEmail(r.Context(), id, req.Email)
	switch {
	case errors.Is(err, ErrInvalidEmail):
		handlers.WriteError(w, http.StatusBadRequest, handlers.CodeValidation, err.Error())
	case errors.Is(err, ErrEmailTaken), errors.Is(err, ErrEmailAlreadySet):
		handlers.WriteError(w, http.StatusConflict, handlers.CodeConflict, err.Error())
	case errors.Is(err, ErrIdentityNotFound):
		handlers.WriteError(w, http.StatusNotFound, handlers.CodeNotFound, "identity not found")
	case err != nil:
		h.log.Error("attach email failed", "identity_id", id, "error", err)
		handlers.WriteError(w, http.StatusInternalServerError, handlers.CodeInternal, "could not attach email")
	default:
		handlers.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func identityToResponse(i *models.Identity) IdentityResponse {
	return IdentityResponse{
		ID:         i.ID.String(),
		Email:      i.Email,
		CreatedAt:  i.CreatedAt,
		LastSeenAt: i.LastSeenAt,
	}
}
