package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrFailedToParseConfig    = errors.New("failed to parse database config")
	ErrFailedToConnect        = errors.New("failed to open database connection")
	ErrHealthcheckFailed      = errors.New("healthcheck failed, connection is not available")
	ErrFailedToApplyMigration = errors.New("failed to apply migrations")
)

// IsUndefinedTableError reports SQLSTATE 42P01, returned when the schema has
// not been migrated yet.
func IsUndefinedTableError(err error) bool {
	return hasCode(err, "42P01")
}

// IsQueryCanceledError reports SQLSTATE 57014 (statement timeout or cancel).
func IsQueryCanceledError(err error) bool {
	return hasCode(err, "57014")
}

// IsConnectionError reports class 08 connection exceptions.
func IsConnectionError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return len(pgErr.Code) == 5 && pgErr.Code[:2] == "08"
	}
	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}

func hasCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
