package models

import (
	"time"

	"github.com/google/uuid"
)

type Wallet struct {
	IdentityID uuid.UUID `json:"identity_id"`
	Balance    int       `json:"balance"`
	Reserved   int       `json:"reserved"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Available is the amount eligible for new holds.
func (w *Wallet) Available() int {
	return w.Balance - w.Reserved
}

// WalletSnapshot is the read model served to clients.
type WalletSnapshot struct {
	IdentityID uuid.UUID `json:"identity_id"`
	Balance    int       `json:"balance"`
	Reserved   int       `json:"reserved"`
	Available  int       `json:"available"`
}

func (w *Wallet) Snapshot() WalletSnapshot {
	return WalletSnapshot{
		IdentityID: w.IdentityID,
		Balance:    w.Balance,
		Reserved:   w.Reserved,
		Available:  w.Available(),
	}
}
