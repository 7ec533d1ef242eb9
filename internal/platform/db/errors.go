package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL SQLSTATE codes the repositories care about.
const (
	codeUniqueViolation = "23505"
	codeUndefinedColumn = "42703"
	codeUndefinedTable  = "42P01"
)

// ErrSchemaOutdated marks errors caused by a database that is missing a
// migration. Callers surface it with an operator-facing message.
var ErrSchemaOutdated = errors.New("database schema is out of date")

// IsNoRows reports whether err is pgx's "no rows in result set".
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

// ClassifyError turns schema drift errors into an actionable ErrSchemaOutdated.
// Any other error is returned unchanged.
func ClassifyError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeUndefinedColumn:
		return fmt.Errorf("%w (%s). Run `intake-server migrate up` to add the missing column: %w",
			ErrSchemaOutdated, pgErr.Message, err)
	case codeUndefinedTable:
		return fmt.Errorf("%w (%s). Run `intake-server migrate up`: %w",
			ErrSchemaOutdated, pgErr.Message, err)
	}
	return err
}
