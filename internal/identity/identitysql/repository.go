package identitysql

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/openkcm/session-authority/internal/identity"
	"github.com/openkcm/session-authority/internal/serviceerr"
)

type Repository struct {
	db *pgxpool.Pool
}

var _ identity.Repository = (*Repository)(nil)

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{
		db: db,
	}
}

func (r *Repository) GetByID(ctx context.Context, id string) (identity.User, error) {
	ctx, span := otel.GetTracerProvider().Tracer("").Start(ctx, "get_user_by_id_sql")
	defer span.End()

	user, err := r.get(ctx, `SELECT id, external_id, email, name, avatar FROM users WHERE id = $1;`, id)
	if err != nil {
		span.RecordError(err)
		return identity.User{}, err
	}

	return user, nil
}

func (r *Repository) GetByExternalID(ctx context.Context, externalID string) (identity.User, error) {
	ctx, span := otel.GetTracerProvider().Tracer("").Start(ctx, "get_user_by_external_id_sql")
	defer span.End()

	user, err := r.get(ctx, `SELECT id, external_id, email, name, avatar FROM users WHERE external_id = $1;`, externalID)
	if err != nil {
		span.RecordError(err)
		return identity.User{}, err
	}

	return user, nil
}

func (r *Repository) get(ctx context.Context, query string, arg string) (identity.User, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return identity.User{}, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var user identity.User
	if err := tx.QueryRow(ctx, query, arg).
		Scan(&user.ID, &user.ExternalID, &user.Email, &user.Name, &user.Avatar); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return identity.User{}, serviceerr.ErrNotFound
		}

		return identity.User{}, fmt.Errorf("selecting from users: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return identity.User{}, fmt.Errorf("committing tx: %w", err)
	}

	return user, nil
}

func (r *Repository) Create(ctx context.Context, user identity.User) error {
	ctx, span := otel.GetTracerProvider().Tracer("").Start(ctx, "create_user_sql")
	defer span.End()

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO users (id, external_id, email, name, avatar) VALUES ($1, $2, $3, $4, $5);`,
		user.ID, user.ExternalID, user.Email, user.Name, user.Avatar,
	); err != nil {
		if err, ok := handlePgError(err); ok {
			return err
		}

		span.RecordError(err)
		return fmt.Errorf("inserting into users: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("committing tx: %w", err)
	}

	return nil
}
