package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusQueued  = "queued"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusFailed  = "failed"
)

// Job is one external generation task funded by exactly one reservation.
type Job struct {
	ID            uuid.UUID       `json:"id"`
	IdentityID    uuid.UUID       `json:"identity_id"`
	Provider      string          `json:"provider"`
	ActionCode    string          `json:"action_code"`
	Status        string          `json:"status"`
	CostCredits   int             `json:"cost_credits"`
	ReservationID uuid.UUID       `json:"reservation_id"`
	UpstreamJobID *string         `json:"upstream_job_id,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
	Progress      *int            `json:"progress,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the job status can no longer change.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusDone || j.Status == JobStatusFailed
}
