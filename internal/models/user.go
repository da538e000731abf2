package models

import "time"

// User represents a registered chat account.
type User struct {
	ID           int64     `json:"id,string"`
	Name         string    `json:"name"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"`
	Verified     bool      `json:"verified"`
	IsAdmin      bool      `json:"is_admin,omitempty"`
	PublicKey    string    `json:"public_key,omitempty"` // base64 Ed25519 identity key
	CreatedAt    time.Time `json:"created_at"`
}
