package identity

import "context"

// Repository persists users. Lookups of unknown users return serviceerr.ErrNotFound,
// Create returns serviceerr.ErrConflict when the id or the external id is taken.
type Repository interface {
	GetByID(ctx context.Context, id string) (User, error)
	GetByExternalID(ctx context.Context, externalID string) (User, error)
	Create(ctx context.Context, user User) error
}
