package sessionvalkey

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/openkcm/session-authority/internal/session"
)

const objectTypeSession = "session"

// Repository stores sessions in ValKey. Keys expire together with the session,
// so no housekeeping is required.
type Repository struct {
	store *store
}

var _ session.Repository = (*Repository)(nil)

func NewRepository(valkeyClient valkey.Client, prefix string) *Repository {
	return &Repository{
		store: newStore(valkeyClient, prefix),
	}
}

func (r *Repository) LoadSession(ctx context.Context, sessionID string) (s session.Session, _ error) {
	if err := r.store.Get(ctx, objectTypeSession, sessionID, &s); err != nil {
		return session.Session{}, fmt.Errorf("getting session from store: %w", err)
	}

	return s, nil
}

func (r *Repository) StoreSession(ctx context.Context, s session.Session) error {
	if err := r.store.Set(ctx, objectTypeSession, s.ID, s, s.ExpiresAt); err != nil {
		return fmt.Errorf("setting session into storage: %w", err)
	}

	return nil
}

func (r *Repository) UpdateExpiry(ctx context.Context, sessionID string, expiresAt time.Time) error {
	s, err := r.LoadSession(ctx, sessionID)
	if err != nil {
		return err
	}

	s.ExpiresAt = expiresAt
	if err := r.store.Replace(ctx, objectTypeSession, sessionID, s, expiresAt); err != nil {
		return fmt.Errorf("updating session expiry: %w", err)
	}

	return nil
}

func (r *Repository) DeleteSession(ctx context.Context, sessionID string) error {
	if err := r.store.Destroy(ctx, objectTypeSession, sessionID); err != nil {
		return fmt.Errorf("deleting session from store: %w", err)
	}

	return nil
}
