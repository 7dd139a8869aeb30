package session

import (
	"context"
	"time"
)

// Repository persists session records keyed by session id.
//
// LoadSession and UpdateExpiry return serviceerr.ErrNotFound for unknown ids,
// UpdateExpiry never recreates a deleted record, DeleteSession of an unknown id succeeds.
type Repository interface {
	LoadSession(ctx context.Context, sessionID string) (Session, error)
	StoreSession(ctx context.Context, session Session) error
	UpdateExpiry(ctx context.Context, sessionID string, expiresAt time.Time) error
	DeleteSession(ctx context.Context, sessionID string) error
}

// ExpiredPurger is implemented by stores without native key expiry.
type ExpiredPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
