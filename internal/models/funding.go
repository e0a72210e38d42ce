package models

import "time"

const (
	FundingPending  = "PENDING"
	FundingApproved = "APPROVED"
	FundingRejected = "REJECTED"
)

// Deposit is a user's claim that an external payment happened. It credits the
// balance only when an operator approves it; ExternalRef is globally unique so
// the same payment can never be submitted twice.
type Deposit struct {
	ID          int64      `json:"id" db:"id"`
	UserID      int64      `json:"user_id" db:"user_id"`
	Amount      int64      `json:"amount" db:"amount"` // in cents
	ExternalRef string     `json:"external_ref" db:"external_ref"`
	Status      string     `json:"status" db:"status"`
	ReviewedBy  *int64     `json:"reviewed_by,omitempty" db:"reviewed_by"`
	ReviewedAt  *time.Time `json:"reviewed_at,omitempty" db:"reviewed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// Withdrawal reserves its amount at request time: the debit happens when the
// row is inserted, so concurrent requests cannot jointly overdraw. Rejection
// refunds the reserved amount; approval only flips the status.
type Withdrawal struct {
	ID          int64      `json:"id" db:"id"`
	UserID      int64      `json:"user_id" db:"user_id"`
	Amount      int64      `json:"amount" db:"amount"` // in cents
	Destination string     `json:"destination" db:"destination"`
	Status      string     `json:"status" db:"status"`
	ReviewedBy  *int64     `json:"reviewed_by,omitempty" db:"reviewed_by"`
	ReviewedAt  *time.Time `json:"reviewed_at,omitempty" db:"reviewed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}
