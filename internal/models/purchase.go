package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	PurchaseStatusPending = "pending"
	PurchaseStatusPaid    = "paid"
	PurchaseStatusFailed  = "failed"
)

// Plan is a credit pack offered for sale. Price is GBP.
type Plan struct {
	Code     string          `json:"code"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency"`
	Credits  int             `json:"credits"`
	Active   bool            `json:"active"`
}

// Purchase is one external payment attempt. The plan fields are a snapshot
// taken at checkout.
type Purchase struct {
	ID                uuid.UUID        `json:"id"`
	IdentityID        uuid.UUID        `json:"identity_id"`
	PlanCode          string           `json:"plan_code"`
	PlanName          string           `json:"plan_name"`
	Price             decimal.Decimal  `json:"price"`
	Currency          string           `json:"currency"`
	Credits           int              `json:"credits"`
	Provider          string           `json:"provider"`
	ProviderPaymentID string           `json:"provider_payment_id"`
	Email             *string          `json:"email,omitempty"`
	Status            string           `json:"status"`
	PaidAmount        *decimal.Decimal `json:"paid_amount,omitempty"`
	PaidAt            *time.Time       `json:"paid_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}
