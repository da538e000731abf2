package crypto

import (
	"github.com/google/uuid"
)

// NewUUIDv7 generates a time-ordered UUID v7.
func NewUUIDv7() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewServerID returns a fresh identity for a server process. IDs sort by
// start time, which keeps directory dumps readable.
func NewServerID() string {
	return NewUUIDv7().String()
}
