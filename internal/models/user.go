package models

import "time"

// User account statuses. A pending account exists but cannot log in or
// spawn until an admin approves it.
const (
	UserStatusPending  = "pending"
	UserStatusApproved = "approved"
)

// User represents a user account in the system.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"` // Never expose this to the client
	IsAdmin      bool      `json:"isAdmin"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
}
