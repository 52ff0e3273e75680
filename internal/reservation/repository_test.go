package reservation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"

	"github.com/bitcoinstore/inventory-service-go/internal/inventory"
)

var reservationCols = []string{"id", "kind", "sku", "serial", "qty", "user_id", "created_at", "expires_at", "expired"}

func newRepo(t *testing.T) (*PostgresRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("new mock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return NewPostgresRepository(mock), mock
}

func reservationRow(mock pgxmock.PgxPoolIface, id string, expired bool) *pgxmock.Rows {
	now := time.Now()
	return mock.NewRows(reservationCols).
		AddRow(id, "fungible", "BTC-TSHIRT", "", 3, "user-1", now, now.Add(time.Minute), expired)
}

func TestPostgresRepository_Get(t *testing.T) {
	repo, mock := newRepo(t)

	mock.ExpectQuery("SELECT .* FROM reservations WHERE id=").
		WithArgs("res-1").
		WillReturnRows(reservationRow(mock, "res-1", false))

	res, err := repo.Get(context.Background(), "res-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res.ID != "res-1" || res.Kind != KindFungible || res.Qty != 3 {
		t.Fatalf("unexpected reservation: %+v", res)
	}
}

func TestPostgresRepository_GetMissing(t *testing.T) {
	repo, mock := newRepo(t)

	mock.ExpectQuery("SELECT .* FROM reservations WHERE id=").
		WithArgs("nope").
		WillReturnRows(mock.NewRows(reservationCols))

	_, err := repo.Get(context.Background(), "nope")
	if !errors.Is(err, inventory.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresRepository_QueryFilters(t *testing.T) {
	t.Run("no filter", func(t *testing.T) {
		repo, mock := newRepo(t)

		mock.ExpectQuery("SELECT .* FROM reservations ORDER BY created_at").
			WillReturnRows(reservationRow(mock, "res-1", false))

		out, err := repo.Query(context.Background(), Filter{})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(out) != 1 {
			t.Fatalf("got %d reservations, want 1", len(out))
		}
	})

	t.Run("sku and user", func(t *testing.T) {
		repo, mock := newRepo(t)

		mock.ExpectQuery(`WHERE sku=\$1 AND user_id=\$2`).
			WithArgs("BTC-TSHIRT", "user-1").
			WillReturnRows(reservationRow(mock, "res-1", false))

		out, err := repo.Query(context.Background(), Filter{SKU: "BTC-TSHIRT", UserID: "user-1"})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(out) != 1 {
			t.Fatalf("got %d reservations, want 1", len(out))
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("serial", func(t *testing.T) {
		repo, mock := newRepo(t)

		mock.ExpectQuery(`WHERE serial=\$1`).
			WithArgs("SN-1").
			WillReturnRows(mock.NewRows(reservationCols))

		out, err := repo.Query(context.Background(), Filter{Serial: "SN-1"})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(out) != 0 {
			t.Fatalf("got %d reservations, want 0", len(out))
		}
	})
}

func TestPostgresRepository_ListDue(t *testing.T) {
	repo, mock := newRepo(t)
	now := time.Now()

	mock.ExpectQuery("SELECT id FROM reservations").
		WithArgs(now, 100).
		WillReturnRows(mock.NewRows([]string{"id"}).AddRow("res-1").AddRow("res-2"))

	ids, err := repo.ListDue(context.Background(), now, 100)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(ids) != 2 || ids[0] != "res-1" || ids[1] != "res-2" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestPostgresRepository_CreateTx(t *testing.T) {
	repo, mock := newRepo(t)
	ctx := context.Background()
	now := time.Now()

	res := Reservation{
		ID:        "res-1",
		Kind:      KindFungible,
		SKU:       "BTC-TSHIRT",
		Qty:       3,
		UserID:    "user-1",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO reservations").
		WithArgs(res.ID, res.Kind, res.SKU, res.Serial, res.Qty, res.UserID, res.CreatedAt, res.ExpiresAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	tx, err := repo.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := repo.CreateTx(ctx, tx, res); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresRepository_GetForUpdateTxContention(t *testing.T) {
	repo, mock := newRepo(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE NOWAIT").
		WithArgs("res-1").
		WillReturnError(&pgconn.PgError{Code: "55P03"})
	mock.ExpectRollback()

	tx, err := repo.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = repo.GetForUpdateTx(ctx, tx, "res-1")
	if !errors.Is(err, inventory.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestPostgresRepository_MarkExpiredTx(t *testing.T) {
	t.Run("flips the flag", func(t *testing.T) {
		repo, mock := newRepo(t)
		ctx := context.Background()

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE reservations SET expired=true").
			WithArgs("res-1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		tx, err := repo.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := repo.MarkExpiredTx(ctx, tx, "res-1"); err != nil {
			t.Fatalf("mark expired: %v", err)
		}
		if err := tx.Commit(ctx); err != nil {
			t.Fatalf("commit: %v", err)
		}
	})

	t.Run("zero rows is not found", func(t *testing.T) {
		repo, mock := newRepo(t)
		ctx := context.Background()

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE reservations SET expired=true").
			WithArgs("nope").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectRollback()

		tx, err := repo.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := repo.MarkExpiredTx(ctx, tx, "nope"); !errors.Is(err, inventory.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}
