package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-authority/internal/identity"
	"github.com/openkcm/session-authority/internal/serviceerr"
	"github.com/openkcm/session-authority/internal/token"
)

const (
	DefaultLifetime      = 30 * 24 * time.Hour
	DefaultRenewalWindow = 15 * 24 * time.Hour
)

// Users resolves the user a session belongs to.
type Users interface {
	Get(ctx context.Context, id string) (identity.User, error)
}

type AuthorityOption func(*Authority)

func WithClock(now func() time.Time) AuthorityOption {
	return func(a *Authority) {
		a.now = now
	}
}

func WithLifetime(lifetime, renewalWindow time.Duration) AuthorityOption {
	return func(a *Authority) {
		a.lifetime = lifetime
		a.renewalWindow = renewalWindow
	}
}

// WithStoreTimeout bounds each call to the session store. Zero disables the bound.
func WithStoreTimeout(d time.Duration) AuthorityOption {
	return func(a *Authority) {
		a.storeTimeout = d
	}
}

func WithTokenGenerator(fn func() (string, error)) AuthorityOption {
	return func(a *Authority) {
		a.generate = fn
	}
}

// Authority issues, validates with sliding renewal, and revokes sessions.
type Authority struct {
	sessions Repository
	users    Users

	now           func() time.Time
	generate      func() (string, error)
	lifetime      time.Duration
	renewalWindow time.Duration
	storeTimeout  time.Duration
}

func NewAuthority(sessions Repository, users Users, opts ...AuthorityOption) *Authority {
	a := &Authority{
		sessions:      sessions,
		users:         users,
		now:           time.Now,
		generate:      token.Generate,
		lifetime:      DefaultLifetime,
		renewalWindow: DefaultRenewalWindow,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}

	return a
}

// CreateSession issues a session for userID. The returned bearer token is the
// only copy in existence and has to be handed to the client right away.
func (a *Authority) CreateSession(ctx context.Context, userID string) (Session, string, error) {
	tok, err := a.generate()
	if err != nil {
		return Session{}, "", fmt.Errorf("generating session token: %w", err)
	}

	s := Session{
		ID:        token.DeriveID(tok),
		UserID:    userID,
		ExpiresAt: a.now().Add(a.lifetime),
	}

	if err := a.store(ctx, s); err != nil {
		return Session{}, "", serviceerr.Storage(fmt.Errorf("storing session: %w", err))
	}

	slogctx.Debug(ctx, "Created session", "session", shortID(s.ID), "user_id", userID, "expires_at", s.ExpiresAt)

	return s, tok, nil
}

// Validate resolves a bearer token into its session and user, extending the
// session when it is inside the renewal window. Unknown, expired and orphaned
// sessions yield an anonymous Result and a nil error; only store failures are errors.
func (a *Authority) Validate(ctx context.Context, tok string) (Result, error) {
	if tok == "" {
		return Result{}, nil
	}

	id := token.DeriveID(tok)
	ctx = slogctx.With(ctx, "session", shortID(id))

	s, err := a.load(ctx, id)
	if err != nil {
		if errors.Is(err, serviceerr.ErrNotFound) {
			return Result{}, nil
		}

		return Result{}, serviceerr.Storage(fmt.Errorf("loading session: %w", err))
	}

	now := a.now()

	if !now.Before(s.ExpiresAt) {
		if err := a.delete(ctx, id); err != nil {
			return Result{}, serviceerr.Storage(fmt.Errorf("deleting expired session: %w", err))
		}

		slogctx.Debug(ctx, "Deleted expired session")
		return Result{}, nil
	}

	if !now.Before(s.ExpiresAt.Add(-a.renewalWindow)) {
		expiresAt := now.Add(a.lifetime)
		if err := a.updateExpiry(ctx, id, expiresAt); err != nil {
			if errors.Is(err, serviceerr.ErrNotFound) {
				// invalidated between load and renewal
				return Result{}, nil
			}

			return Result{}, serviceerr.Storage(fmt.Errorf("renewing session: %w", err))
		}

		s.ExpiresAt = expiresAt
		slogctx.Debug(ctx, "Renewed session", "expires_at", expiresAt)
	}

	user, err := a.users.Get(ctx, s.UserID)
	if err != nil {
		if errors.Is(err, serviceerr.ErrNotFound) {
			slogctx.Warn(ctx, "Session references an unknown user", "user_id", s.UserID)
			return Result{}, nil
		}

		return Result{}, fmt.Errorf("loading session user: %w", err)
	}

	return Result{Session: &s, User: &user}, nil
}

// Invalidate removes the session. Removing an unknown session succeeds.
func (a *Authority) Invalidate(ctx context.Context, sessionID string) error {
	if err := a.delete(ctx, sessionID); err != nil {
		return serviceerr.Storage(fmt.Errorf("deleting session: %w", err))
	}

	slogctx.Debug(ctx, "Invalidated session", "session", shortID(sessionID))

	return nil
}

// PurgesExpired reports whether the store needs PurgeExpired to drop expired records.
func (a *Authority) PurgesExpired() bool {
	_, ok := a.sessions.(ExpiredPurger)
	return ok
}

// PurgeExpired removes expired records from stores that cannot expire them on their own.
// It is a no-op for stores with native expiry.
func (a *Authority) PurgeExpired(ctx context.Context) (int64, error) {
	purger, ok := a.sessions.(ExpiredPurger)
	if !ok {
		return 0, nil
	}

	n, err := purger.PurgeExpired(ctx, a.now())
	if err != nil {
		return 0, serviceerr.Storage(fmt.Errorf("purging expired sessions: %w", err))
	}

	return n, nil
}

func (a *Authority) load(ctx context.Context, id string) (Session, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	return a.sessions.LoadSession(ctx, id)
}

func (a *Authority) store(ctx context.Context, s Session) error {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	return a.sessions.StoreSession(ctx, s)
}

func (a *Authority) updateExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	return a.sessions.UpdateExpiry(ctx, id, expiresAt)
}

func (a *Authority) delete(ctx context.Context, id string) error {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	return a.sessions.DeleteSession(ctx, id)
}

func (a *Authority) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.storeTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, a.storeTimeout)
}

// shortID is enough of a session id to correlate log lines.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}

	return id
}
