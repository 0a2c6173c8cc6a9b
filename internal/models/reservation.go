package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ReservationStatusHeld     = "held"
	ReservationStatusCaptured = "captured"
	ReservationStatusReleased = "released"
	ReservationStatusExpired  = "expired"
)

// Reservation is a tentative debit against a wallet. CostCredits is copied
// from the action cost at creation time.
type Reservation struct {
	ID          uuid.UUID  `json:"id"`
	IdentityID  uuid.UUID  `json:"identity_id"`
	ActionCode  string     `json:"action_code"`
	CostCredits int        `json:"cost_credits"`
	Status      string     `json:"status"`
	RefJobID    *uuid.UUID `json:"ref_job_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	CapturedAt  *time.Time `json:"captured_at,omitempty"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
}

// IsTerminal reports whether the reservation can no longer change.
func (r *Reservation) IsTerminal() bool {
	return r.Status != ReservationStatusHeld
}
