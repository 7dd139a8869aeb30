package sessionsql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/openkcm/session-authority/internal/serviceerr"
	"github.com/openkcm/session-authority/internal/session"
)

// Repository stores sessions in the sessions table. Expired rows stay until
// PurgeExpired removes them.
type Repository struct {
	db *pgxpool.Pool
}

var (
	_ session.Repository    = (*Repository)(nil)
	_ session.ExpiredPurger = (*Repository)(nil)
)

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{
		db: db,
	}
}

func (r *Repository) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	ctx, span := otel.GetTracerProvider().Tracer("").Start(ctx, "load_session_sql")
	defer span.End()

	var s session.Session
	if err := r.db.QueryRow(ctx,
		`SELECT id, user_id, expires_at FROM sessions WHERE id = $1;`, sessionID,
	).Scan(&s.ID, &s.UserID, &s.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.Session{}, serviceerr.ErrNotFound
		}

		span.RecordError(err)
		return session.Session{}, fmt.Errorf("selecting from sessions: %w", err)
	}

	s.ExpiresAt = s.ExpiresAt.UTC()

	return s, nil
}

func (r *Repository) StoreSession(ctx context.Context, s session.Session) error {
	ctx, span := otel.GetTracerProvider().Tracer("").Start(ctx, "store_session_sql")
	defer span.End()

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO sessions (id, user_id, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET user_id = EXCLUDED.user_id, expires_at = EXCLUDED.expires_at;`,
		s.ID, s.UserID, s.ExpiresAt,
	); err != nil {
		span.RecordError(err)
		return fmt.Errorf("upserting into sessions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("committing tx: %w", err)
	}

	return nil
}

func (r *Repository) UpdateExpiry(ctx context.Context, sessionID string, expiresAt time.Time) error {
	ctx, span := otel.GetTracerProvider().Tracer("").Start(ctx, "update_session_expiry_sql")
	defer span.End()

	tag, err := r.db.Exec(ctx, `UPDATE sessions SET expires_at = $2 WHERE id = $1;`, sessionID, expiresAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("updating sessions: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return serviceerr.ErrNotFound
	}

	return nil
}

func (r *Repository) DeleteSession(ctx context.Context, sessionID string) error {
	ctx, span := otel.GetTracerProvider().Tracer("").Start(ctx, "delete_session_sql")
	defer span.End()

	if _, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1;`, sessionID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("deleting from sessions: %w", err)
	}

	return nil
}

// PurgeExpired deletes every session whose expiry is not after now.
func (r *Repository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	ctx, span := otel.GetTracerProvider().Tracer("").Start(ctx, "purge_expired_sessions_sql")
	defer span.End()

	tag, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1;`, now)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}

	return tag.RowsAffected(), nil
}
