package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-authority/internal/serviceerr"
)

type ServiceOption func(*Service)

// WithStoreTimeout bounds each repository call. Zero disables the bound.
func WithStoreTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		s.storeTimeout = d
	}
}

// WithIDGenerator replaces the UUID generator used for new users.
func WithIDGenerator(fn func() string) ServiceOption {
	return func(s *Service) {
		s.newID = fn
	}
}

type Service struct {
	repository   Repository
	storeTimeout time.Duration
	newID        func() string
}

func NewService(repo Repository, opts ...ServiceOption) *Service {
	s := &Service{
		repository: repo,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s
}

// Get returns the user with the given local id.
// Absence is reported as serviceerr.ErrNotFound, any other failure as a storage failure.
func (s *Service) Get(ctx context.Context, id string) (User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	user, err := s.repository.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, serviceerr.ErrNotFound) {
			return User{}, serviceerr.ErrNotFound
		}

		return User{}, serviceerr.Storage(fmt.Errorf("getting user: %w", err))
	}

	return user, nil
}

// Provision returns the user linked to the profile's external id, creating it
// on first sight. When a concurrent first login wins the insert, the winner's
// record is returned so both callers end up with the same user.
func (s *Service) Provision(ctx context.Context, profile Profile) (User, error) {
	user, err := s.getByExternalID(ctx, profile.ExternalID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, serviceerr.ErrNotFound) {
		return User{}, serviceerr.Storage(fmt.Errorf("looking up user by external id: %w", err))
	}

	user = User{
		ID:         s.newID(),
		ExternalID: profile.ExternalID,
		Email:      profile.Email,
		Name:       profile.Name,
		Avatar:     profile.Avatar,
	}

	err = s.create(ctx, user)
	switch {
	case err == nil:
		slogctx.Info(ctx, "Created user for new external identity", "user_id", user.ID)
		return user, nil
	case errors.Is(err, serviceerr.ErrConflict):
		slogctx.Debug(ctx, "User was created concurrently, re-reading it")

		winner, err := s.getByExternalID(ctx, profile.ExternalID)
		if err != nil {
			return User{}, serviceerr.Storage(fmt.Errorf("re-reading user after conflict: %w", err))
		}

		return winner, nil
	default:
		return User{}, serviceerr.Storage(fmt.Errorf("creating user: %w", err))
	}
}

func (s *Service) getByExternalID(ctx context.Context, externalID string) (User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	return s.repository.GetByExternalID(ctx, externalID)
}

func (s *Service) create(ctx context.Context, user User) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	return s.repository.Create(ctx, user)
}

func (s *Service) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, s.storeTimeout)
}
