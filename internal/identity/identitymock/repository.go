package identitymock

import (
	"context"
	"sync"

	"github.com/openkcm/session-authority/internal/identity"
	"github.com/openkcm/session-authority/internal/serviceerr"
)

type RepositoryOption func(*Repository)

type Repository struct {
	mu         sync.Mutex
	users      map[string]identity.User
	byExternal map[string]string

	beforeCreate func()

	getErr, getByExternalErr, createErr error
}

func WithUser(user identity.User) RepositoryOption {
	return func(r *Repository) {
		r.users[user.ID] = user
		r.byExternal[user.ExternalID] = user.ID
	}
}
func WithGetError(err error) RepositoryOption {
	return func(r *Repository) { r.getErr = err }
}
func WithGetByExternalIDError(err error) RepositoryOption {
	return func(r *Repository) { r.getByExternalErr = err }
}
func WithCreateError(err error) RepositoryOption {
	return func(r *Repository) { r.createErr = err }
}

// WithBeforeCreate runs fn at the start of every Create call, outside the lock.
func WithBeforeCreate(fn func()) RepositoryOption {
	return func(r *Repository) { r.beforeCreate = fn }
}

var _ = identity.Repository(&Repository{})

func NewInMemRepository(opts ...RepositoryOption) *Repository {
	r := &Repository{
		users:      make(map[string]identity.User),
		byExternal: make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Repository) GetByID(_ context.Context, id string) (identity.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.getErr != nil {
		return identity.User{}, r.getErr
	}
	if user, ok := r.users[id]; ok {
		return user, nil
	}
	return identity.User{}, serviceerr.ErrNotFound
}

func (r *Repository) GetByExternalID(_ context.Context, externalID string) (identity.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.getByExternalErr != nil {
		return identity.User{}, r.getByExternalErr
	}
	if id, ok := r.byExternal[externalID]; ok {
		return r.users[id], nil
	}
	return identity.User{}, serviceerr.ErrNotFound
}

func (r *Repository) Create(_ context.Context, user identity.User) error {
	if r.beforeCreate != nil {
		r.beforeCreate()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.createErr != nil {
		return r.createErr
	}
	if _, ok := r.users[user.ID]; ok {
		return serviceerr.ErrConflict
	}
	if _, ok := r.byExternal[user.ExternalID]; ok {
		return serviceerr.ErrConflict
	}

	r.users[user.ID] = user
	r.byExternal[user.ExternalID] = user.ID
	return nil
}

// Len returns the number of stored users.
func (r *Repository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.users)
}
