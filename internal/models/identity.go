package models

import (
	"time"

	"github.com/google/uuid"
)

// Identity is one end user, anonymous until an email is attached.
type Identity struct {
	ID            uuid.UUID `json:"id"`
	Email         *string   `json:"email,omitempty"`
	EmailVerified bool      `json:"email_verified"`
	CreatedAt     time.Time `json:"created_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
}
