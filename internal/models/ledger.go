package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Ledger entry types.
const (
	LedgerEntryPurchaseCredit     = "purchase_credit"
	LedgerEntrySignupGrant        = "signup_grant"
	LedgerEntryAdminAdjust        = "admin_adjust"
	LedgerEntryReservationCapture = "reservation_capture"
	LedgerEntryReservationRelease = "reservation_release"
	LedgerEntryReservationExpire  = "reservation_expire"
)

// Ledger reference types.
const (
	LedgerRefPurchase    = "purchase"
	LedgerRefReservation = "reservation"
	LedgerRefGrant       = "grant"
)

// LedgerEntry is append-only. The sum of Amount for an identity equals its
// wallet balance.
type LedgerEntry struct {
	ID           uuid.UUID       `json:"id"`
	IdentityID   uuid.UUID       `json:"identity_id"`
	EntryType    string          `json:"entry_type"`
	Amount       int             `json:"amount_credits"`
	BalanceAfter *int            `json:"balance_after,omitempty"`
	RefType      string          `json:"ref_type,omitempty"`
	RefID        string          `json:"ref_id,omitempty"`
	Meta         json.RawMessage `json:"meta,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// WalletDrift is a wallet whose balance disagrees with its ledger sum.
type WalletDrift struct {
	IdentityID uuid.UUID `json:"identity_id"`
	Balance    int       `json:"balance"`
	Reserved   int       `json:"reserved"`
	LedgerSum  int       `json:"ledger_sum"`
}

// Drift is ledger sum minus balance.
func (d WalletDrift) Drift() int {
	return d.LedgerSum - d.Balance
}
