package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/timrx/backend/internal/middleware"
	"github.com/timrx/backend/internal/models"
	"github.com/timrx/backend/internal/payments"
	"github.com/timrx/backend/internal/pricing"
	"github.com/timrx/backend/internal/purchases"
)

// Purchaser is the purchase service surface used by the handler.
type Purchaser interface {
	StartCheckout(ctx context.Context, identityID uuid.UUID, planCode, email string) (*purchases.CheckoutResult, error)
	Confirm(ctx context.Context, identityID uuid.UUID, paymentID string) (purchases.WebhookOutcome, error)
	HandleWebhook(ctx context.Context, paymentID string) (purchases.WebhookOutcome, error)
	List(ctx context.Context, identityID uuid.UUID, limit, offset int) ([]*models.Purchase, error)
}

// PurchaseHandler serves checkout, confirmation and the payment webhook.
type PurchaseHandler struct {
	Purchases Purchaser
	Logger    *slog.Logger
}

// --- POST /api/v1/purchases/checkout ---

type checkoutRequest struct {
	PlanCode string `json:"plan_code" validate:"required,max=64"`
	Email    string `json:"email" validate:"omitempty,email,max=254"`
}

func (h *PurchaseHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromCtx(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, CodeUnauthorized, "unauthorized")
		return
	}
	var req checkoutRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	res, err := h.Purchases.StartCheckout(r.Context(), id, req.PlanCode, req.Email)
	switch {
	case errors.Is(err, pricing.ErrUnknownPlan):
		WriteError(w, http.StatusBadRequest, CodeValidation, err.Error())
	case errors.Is(err, purchases.ErrCheckoutFailed):
		h.Logger.Error("checkout failed", "identity_id", id, "plan", req.PlanCode, "error", err)
		WriteError(w, http.StatusBadGateway, CodeUpstream, "payment provider unavailable")
	case err != nil:
		h.Logger.Error("checkout failed", "identity_id", id, "plan", req.PlanCode, "error", err)
		WriteError(w, http.StatusInternalServerError, CodeInternal, "could not start checkout")
	default:
		WriteJSON(w, http.StatusCreated, res)
	}
}

// --- POST /api/v1/purchases/confirm ---

type confirmRequest struct {
	PaymentID string `json:"payment_id" validate:"required,max=128"`
}

// Confirm lets a returning buyer settle their payment without waiting for
// the webhook.
func (h *PurchaseHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromCtx(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, CodeUnauthorized, "unauthorized")
		return
	}
	var req confirmRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	outcome, err := h.Purchases.Confirm(r.Context(), id, req.PaymentID)
	switch {
	case errors.Is(err, purchases.ErrNotOwner):
		WriteError(w, http.StatusForbidden, CodeForbidden, err.Error())
	case errors.Is(err, payments.ErrPaymentNotFound):
		WriteError(w, http.StatusNotFound, CodeNotFound, "payment not found")
	case errors.Is(err, purchases.ErrPaymentNotPaid):
		WriteError(w, http.StatusConflict, CodeConflict, "payment is not paid yet")
	case err != nil:
		h.Logger.Error("confirm payment failed", "identity_id", id, "payment_id", req.PaymentID, "error", err)
		WriteError(w, http.StatusInternalServerError, CodeInternal, "could not confirm payment")
	default:
		WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "outcome": outcome})
	}
}

// --- GET /api/v1/purchases ---

func (h *PurchaseHandler) List(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromCtx(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, CodeUnauthorized, "unauthorized")
		return
	}
	limit, offset := Pagination(r)
	list, err := h.Purchases.List(r.Context(), id, limit, offset)
	if err != nil {
		h.Logger.Error("list purchases failed", "identity_id", id, "error", err)
		WriteError(w, http.StatusInternalServerError, CodeInternal, "could not list purchases")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"purchases": list})
}

// --- POST /api/v1/payments/webhook ---

// Webhook acknowledges every business outcome with 200. Only storage or
// provider errors answer 500 so the provider redelivers.
func (h *PurchaseHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	paymentID, err := webhookPaymentID(w, r)
	if err != nil || paymentID == "" {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "missing payment id")
		return
	}
	outcome, err := h.Purchases.HandleWebhook(r.Context(), paymentID)
	if err != nil {
		h.Logger.Error("payment webhook failed", "payment_id", paymentID, "error", err)
		WriteError(w, http.StatusInternalServerError, CodeInternal, "webhook not applied")
		return
	}
	h.Logger.Info("payment webhook handled", "payment_id", paymentID, "outcome", outcome)
	WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "outcome": outcome})
}

// webhookPaymentID reads the payment id from a form post (id=tr_...) or a
// JSON body.
func webhookPaymentID(w http.ResponseWriter, r *http.Request) (string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return "", err
		}
		return strings.TrimSpace(body.ID), nil
	}
	if err := r.ParseForm(); err != nil {
		return "", err
	}
	return strings.TrimSpace(r.PostForm.Get("id")), nil
}
