package session

import (
	"time"

	"github.com/openkcm/session-authority/internal/identity"
)

// Session is the persisted record. ID is derived from the bearer token, the
// token itself is never stored.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Result is the outcome of a validation. Both fields are nil for an anonymous request.
type Result struct {
	Session *Session
	User    *identity.User
}

func (r Result) Authenticated() bool {
	return r.Session != nil && r.User != nil
}
