package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/timrx/backend/internal/reservations"
)

// Error codes returned in the error body.
const (
	CodeBadRequest          = "BAD_REQUEST"
	CodeValidation          = "VALIDATION_ERROR"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
	CodeNotFound            = "NOT_FOUND"
	CodeConflict            = "CONFLICT"
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	CodeUpstream            = "UPSTREAM_ERROR"
	CodeInternal            = "INTERNAL_ERROR"
)

const maxBodyBytes = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

type errorBody struct {
	OK    bool        `json:"ok"`
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	ActionCode string `json:"action_code,omitempty"`
	Required   *int   `json:"required,omitempty"`
	Available  *int   `json:"available,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// WriteInsufficientCredits answers 402 with the shortfall so the client can
// prompt for a top-up.
func WriteInsufficientCredits(w http.ResponseWriter, e *reservations.InsufficientCreditsError) {
	required, available := e.Required, e.Available
	WriteJSON(w, http.StatusPaymentRequired, errorBody{Error: errorDetail{
		Code:       CodeInsufficientCredits,
		Message:    fmt.Sprintf("this action needs %d credits, %d available", required, available),
		ActionCode: e.ActionCode,
		Required:   &required,
		Available:  &available,
	}})
}

// DecodeJSON reads a JSON body into dst and runs its validate tags.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		return validationMessage(err)
	}
	return nil
}

func validationMessage(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// Pagination reads limit and offset query parameters. Bad values fall back
// to zero and the service applies its defaults.
func Pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
