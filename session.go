package egress

import "github.com/google/uuid"

// NewSessionID returns a random session ID for UpdateSessionID. Switching
// to a fresh session makes the gateway pick a new exit.
func NewSessionID() string {
	return uuid.NewString()
}
