package identitysql_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/session-authority/internal/dbtest/postgrestest"
	"github.com/openkcm/session-authority/internal/identity"
	"github.com/openkcm/session-authority/internal/identity/identitysql"
	"github.com/openkcm/session-authority/internal/serviceerr"
)

var dbPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	pool, _, terminate := postgrestest.Start(ctx)

	dbPool = pool

	code := m.Run()
	terminate(ctx)
	os.Exit(code)
}

var seedUser = identity.User{
	ID:         postgrestest.SeedUserID,
	ExternalID: postgrestest.SeedUserExternalID,
	Email:      "seed@example.com",
	Name:       "Seed User",
	Avatar:     "https://example.com/seed.png",
}

func TestRepository_GetByID(t *testing.T) {
	tests := []struct {
		name      string
		id        string
		want      identity.User
		assertErr assert.ErrorAssertionFunc
	}{
		{
			name:      "Success",
			id:        postgrestest.SeedUserID,
			want:      seedUser,
			assertErr: assert.NoError,
		},
		{
			name: "Error does not exist",
			id:   "does-not-exist",
			assertErr: func(t assert.TestingT, err error, _ ...any) bool {
				return assert.ErrorIs(t, err, serviceerr.ErrNotFound)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := identitysql.NewRepository(dbPool)

			got, err := r.GetByID(t.Context(), tt.id)
			if !tt.assertErr(t, err) || err != nil {
				assert.Zero(t, got)
				return
			}

			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Repository.GetByID() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRepository_GetByExternalID(t *testing.T) {
	r := identitysql.NewRepository(dbPool)

	got, err := r.GetByExternalID(t.Context(), postgrestest.SeedUserExternalID)
	require.NoError(t, err)
	assert.Equal(t, seedUser, got)

	_, err = r.GetByExternalID(t.Context(), "unknown-sub")
	assert.ErrorIs(t, err, serviceerr.ErrNotFound)
}

func TestRepository_Create(t *testing.T) {
	tests := []struct {
		name      string
		user      identity.User
		assertErr assert.ErrorAssertionFunc
	}{
		{
			name: "Create succeeds",
			user: identity.User{
				ID:         "user-create-success",
				ExternalID: "google-sub-create-success",
				Email:      "new@example.com",
				Name:       "New User",
				Avatar:     "https://example.com/default-avatar.png",
			},
			assertErr: assert.NoError,
		},
		{
			name: "Duplicate external id",
			user: identity.User{
				ID:         "user-duplicate-external",
				ExternalID: postgrestest.SeedUserExternalID,
				Email:      "dup@example.com",
				Name:       "Dup",
			},
			assertErr: func(t assert.TestingT, err error, _ ...any) bool {
				return assert.ErrorIs(t, err, serviceerr.ErrConflict)
			},
		},
		{
			name: "Duplicate id",
			user: identity.User{
				ID:         postgrestest.SeedUserID,
				ExternalID: "google-sub-duplicate-id",
				Email:      "dup@example.com",
				Name:       "Dup",
			},
			assertErr: func(t assert.TestingT, err error, _ ...any) bool {
				return assert.Error(t, err) && assert.NotErrorIs(t, err, serviceerr.ErrConflict)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := identitysql.NewRepository(dbPool)

			err := r.Create(t.Context(), tt.user)
			if !tt.assertErr(t, err) || err != nil {
				return
			}

			got, err := r.GetByID(t.Context(), tt.user.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.user, got)
		})
	}
}

func TestRepository_ProvisionRace(t *testing.T) {
	svc := identity.NewService(identitysql.NewRepository(dbPool))
	profile := identity.Profile{ExternalID: "google-sub-race", Email: "race@example.com", Name: "Race"}

	const n = 10
	ids := make(chan string, n)
	errs := make(chan error, n)
	for range n {
		go func() {
			u, err := svc.Provision(t.Context(), profile)
			errs <- err
			ids <- u.ID
		}()
	}

	first := ""
	for range n {
		require.NoError(t, <-errs)
		id := <-ids
		if first == "" {
			first = id
		}
		assert.Equal(t, first, id)
	}
}
