package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/timrx/backend/internal/handlers"
	"github.com/timrx/backend/internal/middleware"
	"github.com/timrx/backend/internal/models"
	"github.com/timrx/backend/internal/pricing"
	"github.com/timrx/backend/internal/providers"
	"github.com/timrx/backend/internal/reservations"
)

// Request/response structs use snake_case JSON.

type StartJobRequest struct {
	ActionCode string          `json:"action_code" validate:"required,max=64"`
	Params     json.RawMessage `json:"params"`
}

type StartJobResponse struct {
	JobID         string    `json:"job_id"`
	ReservationID string    `json:"reservation_id"`
	Status        string    `json:"status"`
	CostCredits   int       `json:"cost_credits"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type JobResponse struct {
	ID          string          `json:"id"`
	ActionCode  string          `json:"action_code"`
	Provider    string          `json:"provider"`
	Status      string          `json:"status"`
	CostCredits int             `json:"cost_credits"`
	Progress    *int            `json:"progress,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// CallbackRequest is a pushed task update. Meshy-style task objects
// (model_urls, task_error) are accepted as well as the plain shape.
type CallbackRequest struct {
	ID        string          `json:"id" validate:"required"`
	Status    string          `json:"status" validate:"required"`
	Progress  *int            `json:"progress" validate:"omitempty,min=0,max=100"`
	Result    json.RawMessage `json:"result"`
	ModelURLs json.RawMessage `json:"model_urls"`
	Error     string          `json:"error"`
	TaskError *struct {
		Message string `json:"message"`
	} `json:"task_error"`
}

// Orchestrator is the job service surface used by the handler.
type Orchestrator interface {
	Start(ctx context.Context, identityID uuid.UUID, actionKey string, params json.RawMessage) (*models.Job, *models.Reservation, error)
	Get(ctx context.Context, identityID, jobID uuid.UUID) (*models.Job, error)
	List(ctx context.Context, identityID uuid.UUID, limit, offset int) ([]*models.Job, error)
	HandleCallback(ctx context.Context, provider, upstreamID string, upd providers.Update) error
}

type Handler struct {
	svc Orchestrator
	log *slog.Logger
}

func NewHandler(svc Orchestrator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// StartJob handles POST /api/v1/jobs: reserve then queue, 202 or 402.
func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	identityID, ok := middleware.IdentityFromCtx(r.Context())
	if !ok {
		handlers.WriteError(w, http.StatusUnauthorized, handlers.CodeUnauthorized, "unauthorized")
		return
	}
	var req StartJobRequest
	if err := handlers.DecodeJSON(w, r, &req); err != nil {
		handlers.WriteError(w, http.StatusBadRequest, handlers.CodeValidation, err.Error())
		return
	}

	job, res, err := h.svc.Start(r.Context(), identityID, req.ActionCode, req.Params)
	var ice *reservations.InsufficientCreditsError
	switch {
	case errors.As(err, &ice):
		h.log.Info("insufficient credits", "identity_id", identityID, "action_code", ice.ActionCode,
			"required", ice.Required, "available", ice.Available)
		handlers.WriteInsufficientCredits(w, ice)
		return
	case errors.Is(err, pricing.ErrUnknownAction), errors.Is(err, pricing.ErrInvalidParams):
		handlers.WriteError(w, http.StatusBadRequest, handlers.CodeValidation, err.Error())
		return
	case err != nil:
		h.log.Error("start job failed", "identity_id", identityID, "error", err)
		handlers.WriteError(w, http.StatusInternalServerError, handlers.CodeInternal, "could not start job")
		return
	}
	handlers.WriteJSON(w, http.StatusAccepted, StartJobResponse{
		JobID:         job.ID.String(),
		ReservationID: res.ID.String(),
		Status:        job.Status,
		CostCredits:   res.CostCredits,
		ExpiresAt:     res.ExpiresAt,
	})
}

// GetJob handles GET /api/v1/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	identityID, ok := middleware.IdentityFromCtx(r.Context())
	if !ok {
		handlers.WriteError(w, http.StatusUnauthorized, handlers.CodeUnauthorized, "unauthorized")
		return
	}
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		handlers.WriteError(w, http.StatusBadRequest, handlers.CodeBadRequest, "invalid job id")
		return
	}
	job, err := h.svc.Get(r.Context(), identityID, jobID)
	if errors.Is(err, ErrJobNotFound) {
		handlers.WriteError(w, http.StatusNotFound, handlers.CodeNotFound, "job not found")
		return
	}
	if err != nil {
		h.log.Error("get job failed", "job_id", jobID, "error", err)
		handlers.WriteError(w, http.StatusInternalServerError, handlers.CodeInternal, "could not load job")
		return
	}
	handlers.WriteJSON(w, http.StatusOK, jobToResponse(job))
}

// ListJobs handles GET /api/v1/jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	identityID, ok := middleware.IdentityFromCtx(r.Context())
	if !ok {
		handlers.WriteError(w, http.StatusUnauthorized, handlers.CodeUnauthorized, "unauthorized")
		return
	}
	limit, offset := handlers.Pagination(r)
	list, err := h.svc.List(r.Context(), identityID, limit, offset)
	if err != nil {
		h.log.Error("list jobs failed", "identity_id", identityID, "error", err)
		handlers.WriteError(w, http.StatusInternalServerError, handlers.CodeInternal, "could not list jobs")
		return
	}
	resp := make([]JobResponse, 0, len(list))
	for _, j := range list {
		resp = append(resp, jobToResponse(j))
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]interface{}{"jobs": resp})
}

// ProviderCallback handles POST /api/v1/providers/{provider}/callback.
// Repeated terminal callbacks are acknowledged and change nothing.
func (h *Handler) ProviderCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	var req CallbackRequest
	if err := handlers.DecodeJSON(w, r, &req); err != nil {
		handlers.WriteError(w, http.StatusBadRequest, handlers.CodeValidation, err.Error())
		return
	}
	upd := providers.Update{
		Status:   req.Status,
		Progress: req.Progress,
		Result:   req.Result,
		Error:    req.Error,
	}
	if len(upd.Result) == 0 && len(req.ModelURLs) > 0 {
		upd.Result, _ = json.Marshal(map[string]json.RawMessage{"model_urls": req.ModelURLs})
	}
	if upd.Error == "" && req.TaskError != nil {
		upd.Error = req.TaskError.Message
	}

	err := h.svc.HandleCallback(r.Context(), provider, req.ID, upd)
	if errors.Is(err, ErrJobNotFound) {
		h.log.Warn("callback for unknown upstream job", "provider", provider, "upstream_job_id", req.ID)
		handlers.WriteError(w, http.StatusNotFound, handlers.CodeNotFound, "job not found")
		return
	}
	if err != nil {
		h.log.Error("provider callback failed", "provider", provider, "upstream_job_id", req.ID, "error", err)
		handlers.WriteError(w, http.StatusInternalServerError, handlers.CodeInternal, "callback not applied")
		return
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func jobToResponse(j *models.Job) JobResponse {
	return JobResponse{
		ID:          j.ID.String(),
		ActionCode:  j.ActionCode,
		Provider:    j.Provider,
		Status:      j.Status,
		CostCredits: j.CostCredits,
		Progress:    j.Progress,
		Result:      j.Result,
		Error:       j.ErrorMessage,
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CompletedAt,
	}
}
