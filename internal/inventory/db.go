package inventory

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBPool matches the methods from *pgxpool.Pool that the repositories use.
// This allows us to mock the database in tests.
type DBPool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

const (
	pgCodeLockNotAvailable = "55P03"
	pgCodeUniqueViolation  = "23505"
	pgCodeCheckViolation   = "23514"
)

// mapPgError translates low-level Postgres errors into the domain taxonomy.
// Row-lock contention (FOR UPDATE NOWAIT) and constraint backstops surface as
// ErrConflict so the caller can retry; everything else passes through as a
// storage failure.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgCodeLockNotAvailable:
			return ErrConflict
		case pgCodeUniqueViolation:
			return ErrAlreadyExists
		case pgCodeCheckViolation:
			return ErrConflict
		}
	}
	return err
}
