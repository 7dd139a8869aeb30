package identitysql

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/openkcm/session-authority/internal/serviceerr"
)

const (
	uniqueViolation      = "23505"
	externalIDConstraint = "users_external_id_key"
)

// handlePgError maps a duplicate external id to ErrConflict. Other unique
// violations, such as a primary key collision, stay storage errors.
func handlePgError(err error) (error, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == externalIDConstraint {
		return serviceerr.ErrConflict, true
	}

	return err, false
}
