package reservation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bitcoinstore/inventory-service-go/internal/inventory"
)

// Repository persists reservation records. Reads are snapshot reads; the
// write paths are tx-scoped so the service can commit a reservation row and
// the matching ledger/registry mutation atomically.
type Repository interface {
	Get(ctx context.Context, id string) (Reservation, error)
	Query(ctx context.Context, f Filter) ([]Reservation, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]string, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	CreateTx(ctx context.Context, tx pgx.Tx, r Reservation) error
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, id string) (Reservation, error)
	MarkExpiredTx(ctx context.Context, tx pgx.Tx, id string) error
}

type PostgresRepository struct {
	pool inventory.DBPool
}

func NewPostgresRepository(pool inventory.DBPool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const reservationColumns = `id, kind, sku, serial, qty, user_id, created_at, expires_at, expired`

func (r *PostgresRepository) Get(ctx context.Context, id string) (Reservation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id=$1`, id)
	return scanReservation(row)
}

func (r *PostgresRepository) Query(ctx context.Context, f Filter) ([]Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations`
	var clauses []string
	var args []any
	add := func(column, value string) {
		args = append(args, value)
		clauses = append(clauses, column+"=$"+strconv.Itoa(len(args)))
	}
	if f.SKU != "" {
		add("sku", f.SKU)
	}
	if f.Serial != "" {
		add("serial", f.Serial)
	}
	if f.UserID != "" {
		add("user_id", f.UserID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var res Reservation
		if err := rows.Scan(&res.ID, &res.Kind, &res.SKU, &res.Serial, &res.Qty, &res.UserID, &res.CreatedAt, &res.ExpiresAt, &res.Expired); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// ListDue returns the ids of active reservations whose expiration has
// passed, oldest first. Used by the administrative sweep.
func (r *PostgresRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM reservations
		WHERE expired=false AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due reservations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan reservation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresRepository) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	return r.pool.BeginTx(ctx, txOptions)
}

func (r *PostgresRepository) CreateTx(ctx context.Context, tx pgx.Tx, res Reservation) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO reservations (id, kind, sku, serial, qty, user_id, created_at, expires_at, expired)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false)
	`, res.ID, res.Kind, res.SKU, res.Serial, res.Qty, res.UserID, res.CreatedAt, res.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", translateError(err))
	}
	return nil
}

func (r *PostgresRepository) GetForUpdateTx(ctx context.Context, tx pgx.Tx, id string) (Reservation, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE id=$1
		FOR UPDATE NOWAIT
	`, id)
	res, err := scanReservation(row)
	if err != nil {
		return Reservation{}, translateError(err)
	}
	return res, nil
}

func (r *PostgresRepository) MarkExpiredTx(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `UPDATE reservations SET expired=true WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("mark expired: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return inventory.ErrNotFound
	}
	return nil
}

func scanReservation(row pgx.Row) (Reservation, error) {
	var res Reservation
	if err := row.Scan(&res.ID, &res.Kind, &res.SKU, &res.Serial, &res.Qty, &res.UserID, &res.CreatedAt, &res.ExpiresAt, &res.Expired); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, inventory.ErrNotFound
		}
		return Reservation{}, err
	}
	return res, nil
}

func translateError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03": // lock_not_available
			return inventory.ErrConflict
		case "23505": // unique_violation
			return inventory.ErrAlreadyExists
		}
	}
	return err
}
