package inventory

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
)

// Ledger owns the durable counters for fungible stock. Every mutation locks
// the SKU row with FOR UPDATE NOWAIT so that check-then-commit sequences are
// atomic with respect to other operations on the same SKU; contention comes
// back as ErrConflict rather than blocking.
type Ledger interface {
	Get(ctx context.Context, sku string) (FungibleStock, error)
	List(ctx context.Context) ([]FungibleStock, error)
	Create(ctx context.Context, sku string, initialStock int) (FungibleStock, error)
	Delete(ctx context.Context, sku string) error
	Adjust(ctx context.Context, sku string, delta int) (FungibleStock, error)
	Reserve(ctx context.Context, sku string, qty int) (FungibleStock, error)
	Release(ctx context.Context, sku string, qty int) (FungibleStock, error)
}

// TransactionalLedger additionally exposes the tx-scoped variants so the
// reservation manager can commit a counter change and a reservation row in
// one transaction.
type TransactionalLedger interface {
	Ledger
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	ReserveTx(ctx context.Context, tx pgx.Tx, sku string, qty int) (FungibleStock, error)
	ReleaseTx(ctx context.Context, tx pgx.Tx, sku string, qty int) (FungibleStock, error)
	FulfillTx(ctx context.Context, tx pgx.Tx, sku string, qty int) (FungibleStock, error)
}

type PostgresLedger struct {
	pool   DBPool
	logger *log.Logger
}

func NewPostgresLedger(pool DBPool, logger *log.Logger) *PostgresLedger {
	return &PostgresLedger{pool: pool, logger: logger}
}

const stockColumns = `sku, amount_in_stock, amount_reserved, created_at, updated_at`

func (l *PostgresLedger) Get(ctx context.Context, sku string) (FungibleStock, error) {
	row := l.pool.QueryRow(ctx, `SELECT `+stockColumns+` FROM fungible_stock WHERE sku=$1`, sku)
	return scanStock(row)
}

func (l *PostgresLedger) List(ctx context.Context) ([]FungibleStock, error) {
	rows, err := l.pool.Query(ctx, `SELECT `+stockColumns+` FROM fungible_stock ORDER BY sku`)
	if err != nil {
		return nil, fmt.Errorf("list stock: %w", err)
	}
	defer rows.Close()

	var items []FungibleStock
	for rows.Next() {
		var s FungibleStock
		if err := rows.Scan(&s.SKU, &s.AmountInStock, &s.AmountReserved, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stock: %w", err)
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (l *PostgresLedger) Create(ctx context.Context, sku string, initialStock int) (FungibleStock, error) {
	if initialStock < 0 {
		return FungibleStock{}, fmt.Errorf("%w: initial stock must not be negative", ErrInvalidArgument)
	}
	row := l.pool.QueryRow(ctx, `
		INSERT INTO fungible_stock (sku, amount_in_stock)
		VALUES ($1, $2)
		RETURNING `+stockColumns, sku, initialStock)
	stock, err := scanStock(row)
	if err != nil {
		return FungibleStock{}, mapPgError(err)
	}
	return stock, nil
}

// Delete removes a SKU from the ledger. It is refused while reservations are
// outstanding: deleting stock out from under an active hold would strand the
// reservation with nothing to release against.
func (l *PostgresLedger) Delete(ctx context.Context, sku string) error {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	stock, err := lockStockRow(ctx, tx, sku)
	if err != nil {
		return err
	}
	if stock.AmountReserved > 0 {
		return fmt.Errorf("%w: %d units still reserved for sku %s", ErrConflict, stock.AmountReserved, sku)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM fungible_stock WHERE sku=$1`, sku); err != nil {
		return fmt.Errorf("delete stock: %w", err)
	}
	return tx.Commit(ctx)
}

// Adjust applies an administrative stock delta. The result may not drop below
// zero, and may not drop below the amount currently reserved.
func (l *PostgresLedger) Adjust(ctx context.Context, sku string, delta int) (FungibleStock, error) {
	return l.inTx(ctx, func(tx pgx.Tx) (FungibleStock, error) {
		return l.AdjustTx(ctx, tx, sku, delta)
	})
}

func (l *PostgresLedger) AdjustTx(ctx context.Context, tx pgx.Tx, sku string, delta int) (FungibleStock, error) {
	stock, err := lockStockRow(ctx, tx, sku)
	if err != nil {
		return FungibleStock{}, err
	}

	next := stock.AmountInStock + delta
	if next < 0 {
		return FungibleStock{}, fmt.Errorf("%w: cannot remove %d units, only %d in stock", ErrInsufficientInventory, -delta, stock.AmountInStock)
	}
	if next < stock.AmountReserved {
		return FungibleStock{}, fmt.Errorf("%w: %d units reserved, cannot reduce stock to %d", ErrConflict, stock.AmountReserved, next)
	}

	return updateStockRow(ctx, tx, sku, next, stock.AmountReserved)
}

func (l *PostgresLedger) Reserve(ctx context.Context, sku string, qty int) (FungibleStock, error) {
	return l.inTx(ctx, func(tx pgx.Tx) (FungibleStock, error) {
		return l.ReserveTx(ctx, tx, sku, qty)
	})
}

func (l *PostgresLedger) ReserveTx(ctx context.Context, tx pgx.Tx, sku string, qty int) (FungibleStock, error) {
	stock, err := lockStockRow(ctx, tx, sku)
	if err != nil {
		return FungibleStock{}, err
	}
	if stock.Available() < qty {
		return FungibleStock{}, fmt.Errorf("%w: requested %d, available %d", ErrInsufficientInventory, qty, stock.Available())
	}
	return updateStockRow(ctx, tx, sku, stock.AmountInStock, stock.AmountReserved+qty)
}

func (l *PostgresLedger) Release(ctx context.Context, sku string, qty int) (FungibleStock, error) {
	return l.inTx(ctx, func(tx pgx.Tx) (FungibleStock, error) {
		return l.ReleaseTx(ctx, tx, sku, qty)
	})
}

// ReleaseTx hands back reserved units. A release larger than the outstanding
// reservation count is floored at zero: the counters stay consistent and the
// mismatch is logged for reconciliation instead of crashing the caller.
func (l *PostgresLedger) ReleaseTx(ctx context.Context, tx pgx.Tx, sku string, qty int) (FungibleStock, error) {
	stock, err := lockStockRow(ctx, tx, sku)
	if err != nil {
		return FungibleStock{}, err
	}

	next := stock.AmountReserved - qty
	if next < 0 {
		l.logger.Printf("release anomaly: sku=%s reserved=%d release=%d, flooring at zero", sku, stock.AmountReserved, qty)
		next = 0
	}
	return updateStockRow(ctx, tx, sku, stock.AmountInStock, next)
}

// FulfillTx converts a reservation into a sale: the units leave both the
// reserved counter and the stock itself.
func (l *PostgresLedger) FulfillTx(ctx context.Context, tx pgx.Tx, sku string, qty int) (FungibleStock, error) {
	stock, err := lockStockRow(ctx, tx, sku)
	if err != nil {
		return FungibleStock{}, err
	}
	if stock.AmountReserved < qty || stock.AmountInStock < qty {
		return FungibleStock{}, fmt.Errorf("%w: cannot fulfill %d units, stock=%d reserved=%d", ErrConflict, qty, stock.AmountInStock, stock.AmountReserved)
	}
	return updateStockRow(ctx, tx, sku, stock.AmountInStock-qty, stock.AmountReserved-qty)
}

func (l *PostgresLedger) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	return l.pool.BeginTx(ctx, txOptions)
}

func (l *PostgresLedger) inTx(ctx context.Context, fn func(tx pgx.Tx) (FungibleStock, error)) (FungibleStock, error) {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return FungibleStock{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	stock, err := fn(tx)
	if err != nil {
		return FungibleStock{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return FungibleStock{}, fmt.Errorf("commit: %w", err)
	}
	return stock, nil
}

func lockStockRow(ctx context.Context, tx pgx.Tx, sku string) (FungibleStock, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+stockColumns+`
		FROM fungible_stock
		WHERE sku=$1
		FOR UPDATE NOWAIT
	`, sku)
	stock, err := scanStock(row)
	if err != nil {
		return FungibleStock{}, mapPgError(err)
	}
	return stock, nil
}

func updateStockRow(ctx context.Context, tx pgx.Tx, sku string, inStock, reserved int) (FungibleStock, error) {
	row := tx.QueryRow(ctx, `
		UPDATE fungible_stock
		SET amount_in_stock=$2, amount_reserved=$3, updated_at=now()
		WHERE sku=$1
		RETURNING `+stockColumns, sku, inStock, reserved)
	stock, err := scanStock(row)
	if err != nil {
		return FungibleStock{}, mapPgError(err)
	}
	return stock, nil
}

func scanStock(row pgx.Row) (FungibleStock, error) {
	var s FungibleStock
	if err := row.Scan(&s.SKU, &s.AmountInStock, &s.AmountReserved, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FungibleStock{}, ErrNotFound
		}
		return FungibleStock{}, err
	}
	return s, nil
}
