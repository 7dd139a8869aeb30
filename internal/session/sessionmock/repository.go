package sessionmock

import (
	"context"
	"sync"
	"time"

	"github.com/openkcm/session-authority/internal/serviceerr"
	"github.com/openkcm/session-authority/internal/session"
)

type RepositoryOption func(*Repository)

type Repository struct {
	mu       sync.Mutex
	sessions map[string]session.Session

	afterLoad func()

	loadSessionErr, storeSessionErr, updateExpiryErr, deleteSessionErr error
}

func WithSession(sess session.Session) RepositoryOption {
	return func(r *Repository) { r.sessions[sess.ID] = sess }
}
func WithLoadSessionError(err error) RepositoryOption {
	return func(r *Repository) { r.loadSessionErr = err }
}
func WithStoreSessionError(err error) RepositoryOption {
	return func(r *Repository) { r.storeSessionErr = err }
}
func WithUpdateExpiryError(err error) RepositoryOption {
	return func(r *Repository) { r.updateExpiryErr = err }
}
func WithDeleteSessionError(err error) RepositoryOption {
	return func(r *Repository) { r.deleteSessionErr = err }
}

// WithAfterLoad runs fn after every successful LoadSession, outside the lock.
func WithAfterLoad(fn func()) RepositoryOption {
	return func(r *Repository) { r.afterLoad = fn }
}

var (
	_ session.Repository    = (*Repository)(nil)
	_ session.ExpiredPurger = (*Repository)(nil)
)

func NewInMemRepository(opts ...RepositoryOption) *Repository {
	r := &Repository{
		sessions: make(map[string]session.Session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Repository) LoadSession(_ context.Context, sessionID string) (session.Session, error) {
	r.mu.Lock()
	if r.loadSessionErr != nil {
		r.mu.Unlock()
		return session.Session{}, r.loadSessionErr
	}
	s, ok := r.sessions[sessionID]
	r.mu.Unlock()

	if !ok {
		return session.Session{}, serviceerr.ErrNotFound
	}
	if r.afterLoad != nil {
		r.afterLoad()
	}
	return s, nil
}

func (r *Repository) StoreSession(_ context.Context, s session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.storeSessionErr != nil {
		return r.storeSessionErr
	}
	r.sessions[s.ID] = s
	return nil
}

func (r *Repository) UpdateExpiry(_ context.Context, sessionID string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.updateExpiryErr != nil {
		return r.updateExpiryErr
	}
	s, ok := r.sessions[sessionID]
	if !ok {
		return serviceerr.ErrNotFound
	}
	s.ExpiresAt = expiresAt
	r.sessions[sessionID] = s
	return nil
}

func (r *Repository) DeleteSession(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deleteSessionErr != nil {
		return r.deleteSessionErr
	}
	delete(r.sessions, sessionID)
	return nil
}

func (r *Repository) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, s := range r.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

// Get returns the stored record without going through the error injection.
func (r *Repository) Get(sessionID string) (session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	return s, ok
}

func (r *Repository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}
