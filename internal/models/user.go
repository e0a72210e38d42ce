package models

import "time"

type User struct {
	ID        int64     `json:"id" example:"1"`                   // User ID
	Email     string    `json:"email" example:"user@example.com"` // User email
	Username  string    `json:"username" example:"miner42"`       // Display name
	Role      string    `json:"role" example:"USER"`              // USER or ADMIN
	Balance   int64     `json:"balance" example:"10000"`          // in cents
	Version   int       `json:"-"`                                // for optimistic locking
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)
