package models

import "time"

// LedgerEntry is the append-only audit row written alongside every balance
// mutation. The stored balance is the user's balance after the entry applied.
type LedgerEntry struct {
	ID            int64     `json:"id" db:"id"`
	UserID        int64     `json:"user_id" db:"user_id"`
	EntryType     string    `json:"entry_type" db:"entry_type"` // DEBIT or CREDIT
	Amount        int64     `json:"amount" db:"amount"`         // in cents
	Balance       int64     `json:"balance" db:"balance"`
	ReferenceType string    `json:"reference_type" db:"reference_type"` // cashout, deposit, withdrawal, refund
	ReferenceID   string    `json:"reference_id" db:"reference_id"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

const (
	EntryDebit  = "DEBIT"
	EntryCredit = "CREDIT"
)
