package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Registry owns the per-item state for non-fungible stock. Serials are
// globally unique, so a serial alone identifies an item; the SKU is carried
// for grouping and querying. The same FOR UPDATE NOWAIT lock discipline as
// the ledger applies.
type Registry interface {
	Get(ctx context.Context, sku, serial string) (NonFungibleItem, error)
	GetBySerial(ctx context.Context, serial string) (NonFungibleItem, error)
	List(ctx context.Context) ([]NonFungibleItem, error)
	Create(ctx context.Context, sku, serial string) (NonFungibleItem, error)
	Delete(ctx context.Context, sku, serial string) error
	Reserve(ctx context.Context, serial string) (NonFungibleItem, error)
	Release(ctx context.Context, serial string) (NonFungibleItem, error)
}

// TransactionalRegistry exposes the tx-scoped variants for the reservation
// manager.
type TransactionalRegistry interface {
	Registry
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	ReserveTx(ctx context.Context, tx pgx.Tx, serial string) (NonFungibleItem, error)
	ReleaseTx(ctx context.Context, tx pgx.Tx, serial string) (NonFungibleItem, error)
	MarkSoldTx(ctx context.Context, tx pgx.Tx, serial string) (NonFungibleItem, error)
}

type PostgresRegistry struct {
	pool DBPool
}

func NewPostgresRegistry(pool DBPool) *PostgresRegistry {
	return &PostgresRegistry{pool: pool}
}

const itemColumns = `sku, serial, reserved, sold, created_at, updated_at`

func (r *PostgresRegistry) Get(ctx context.Context, sku, serial string) (NonFungibleItem, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM non_fungible_items WHERE sku=$1 AND serial=$2`, sku, serial)
	return scanItem(row)
}

func (r *PostgresRegistry) GetBySerial(ctx context.Context, serial string) (NonFungibleItem, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM non_fungible_items WHERE serial=$1`, serial)
	return scanItem(row)
}

func (r *PostgresRegistry) List(ctx context.Context) ([]NonFungibleItem, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+itemColumns+` FROM non_fungible_items ORDER BY sku, serial`)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []NonFungibleItem
	for rows.Next() {
		var it NonFungibleItem
		if err := rows.Scan(&it.SKU, &it.Serial, &it.Reserved, &it.Sold, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *PostgresRegistry) Create(ctx context.Context, sku, serial string) (NonFungibleItem, error) {
	if sku == "" || serial == "" {
		return NonFungibleItem{}, fmt.Errorf("%w: sku and serial are required", ErrInvalidArgument)
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO non_fungible_items (sku, serial)
		VALUES ($1, $2)
		RETURNING `+itemColumns, sku, serial)
	item, err := scanItem(row)
	if err != nil {
		return NonFungibleItem{}, mapPgError(err)
	}
	return item, nil
}

// Delete is refused while the item is reserved, mirroring the ledger rule.
// Sold items may be deleted; they can never be reserved again anyway.
func (r *PostgresRegistry) Delete(ctx context.Context, sku, serial string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	item, err := lockItemRow(ctx, tx, serial)
	if err != nil {
		return err
	}
	if item.SKU != sku {
		return ErrNotFound
	}
	if item.Reserved {
		return fmt.Errorf("%w: item %s is reserved", ErrConflict, serial)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM non_fungible_items WHERE serial=$1`, serial); err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *PostgresRegistry) Reserve(ctx context.Context, serial string) (NonFungibleItem, error) {
	return r.inTx(ctx, func(tx pgx.Tx) (NonFungibleItem, error) {
		return r.ReserveTx(ctx, tx, serial)
	})
}

func (r *PostgresRegistry) ReserveTx(ctx context.Context, tx pgx.Tx, serial string) (NonFungibleItem, error) {
	item, err := lockItemRow(ctx, tx, serial)
	if err != nil {
		return NonFungibleItem{}, err
	}
	if item.Sold {
		return NonFungibleItem{}, fmt.Errorf("%w: item %s", ErrAlreadySold, serial)
	}
	if item.Reserved {
		return NonFungibleItem{}, fmt.Errorf("%w: item %s", ErrAlreadyReserved, serial)
	}
	return updateItemRow(ctx, tx, serial, true, false)
}

func (r *PostgresRegistry) Release(ctx context.Context, serial string) (NonFungibleItem, error) {
	return r.inTx(ctx, func(tx pgx.Tx) (NonFungibleItem, error) {
		return r.ReleaseTx(ctx, tx, serial)
	})
}

// ReleaseTx clears the reserved flag. Releasing an unreserved item is a
// no-op, not an error.
func (r *PostgresRegistry) ReleaseTx(ctx context.Context, tx pgx.Tx, serial string) (NonFungibleItem, error) {
	item, err := lockItemRow(ctx, tx, serial)
	if err != nil {
		return NonFungibleItem{}, err
	}
	if !item.Reserved {
		return item, nil
	}
	return updateItemRow(ctx, tx, serial, false, item.Sold)
}

// MarkSoldTx finalizes a sale. The item must currently be reserved: a sale
// only ever happens by fulfilling the reservation that holds the item.
func (r *PostgresRegistry) MarkSoldTx(ctx context.Context, tx pgx.Tx, serial string) (NonFungibleItem, error) {
	item, err := lockItemRow(ctx, tx, serial)
	if err != nil {
		return NonFungibleItem{}, err
	}
	if item.Sold {
		return NonFungibleItem{}, fmt.Errorf("%w: item %s", ErrAlreadySold, serial)
	}
	if !item.Reserved {
		return NonFungibleItem{}, fmt.Errorf("%w: item %s is not reserved", ErrConflict, serial)
	}
	return updateItemRow(ctx, tx, serial, false, true)
}

func (r *PostgresRegistry) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	return r.pool.BeginTx(ctx, txOptions)
}

func (r *PostgresRegistry) inTx(ctx context.Context, fn func(tx pgx.Tx) (NonFungibleItem, error)) (NonFungibleItem, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return NonFungibleItem{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	item, err := fn(tx)
	if err != nil {
		return NonFungibleItem{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return NonFungibleItem{}, fmt.Errorf("commit: %w", err)
	}
	return item, nil
}

func lockItemRow(ctx context.Context, tx pgx.Tx, serial string) (NonFungibleItem, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+itemColumns+`
		FROM non_fungible_items
		WHERE serial=$1
		FOR UPDATE NOWAIT
	`, serial)
	item, err := scanItem(row)
	if err != nil {
		return NonFungibleItem{}, mapPgError(err)
	}
	return item, nil
}

func updateItemRow(ctx context.Context, tx pgx.Tx, serial string, reserved, sold bool) (NonFungibleItem, error) {
	row := tx.QueryRow(ctx, `
		UPDATE non_fungible_items
		SET reserved=$2, sold=$3, updated_at=now()
		WHERE serial=$1
		RETURNING `+itemColumns, serial, reserved, sold)
	item, err := scanItem(row)
	if err != nil {
		return NonFungibleItem{}, mapPgError(err)
	}
	return item, nil
}

func scanItem(row pgx.Row) (NonFungibleItem, error) {
	var it NonFungibleItem
	if err := row.Scan(&it.SKU, &it.Serial, &it.Reserved, &it.Sold, &it.CreatedAt, &it.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return NonFungibleItem{}, ErrNotFound
		}
		return NonFungibleItem{}, err
	}
	return it, nil
}
