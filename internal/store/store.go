// Package store is the persistence gateway. Every operation that changes
// state runs in one transaction, commits before it returns, and reports
// failures as categorized pipeline errors.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

const (
	seqOrders      = "orders"
	seqMedications = "medications"
	seqOutbox      = "outbox"
)

// sequenceFloors reads the highest value already stored for each counter.
var sequenceFloors = map[string]string{
	seqOrders:      `SELECT COALESCE(MAX(order_id), 0) FROM orders`,
	seqMedications: `SELECT COALESCE(MAX(medication_id), 0) FROM medications`,
	seqOutbox:      `SELECT COALESCE(MAX(seq), 0) FROM outbox`,
}

type Store struct {
	db     *sqlx.DB
	driver string
	now    func() time.Time
}

// Open connects to the database. Migrations are applied separately with Migrate.
func Open(ctx context.Context, driver, dsn string, maxOpenConns int) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect %s: %w", driver, err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}

	slog.Info("Database connected", "driver", driver, "maxOpenConns", maxOpenConns)
	return New(db), nil
}

func New(db *sqlx.DB) *Store {
	return &Store{
		db:     db,
		driver: db.DriverName(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// withTx commits when fn succeeds and rolls back otherwise, including on panic.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				slog.Error("Transaction rollback failed", "error", rbErr)
			}
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			err = classify("commit transaction", commitErr)
		}
	}()

	return fn(tx)
}

// nextID advances the named counter and returns its new value. The UPDATE
// holds the row lock until the surrounding transaction ends, so concurrent
// allocations serialize and a rolled back transaction releases its value.
// The counter never returns a value at or below the backing column's maximum,
// so rows written around it (imports, other writers) are skipped over.
func nextID(ctx context.Context, tx *sqlx.Tx, name string) (int64, error) {
	floor, ok := sequenceFloors[name]
	if !ok {
		return 0, configurationError(fmt.Sprintf("unknown sequence %q", name))
	}

	query := `UPDATE id_sequences SET current_value = CASE
		WHEN current_value >= (` + floor + `) THEN current_value + 1
		ELSE (` + floor + `) + 1
	END WHERE name = ?`
	res, err := tx.ExecContext(ctx, tx.Rebind(query), name)
	if err != nil {
		return 0, classify("advance sequence "+name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return 0, configurationError(fmt.Sprintf("sequence %q is not seeded, run migrations", name))
	}

	var id int64
	if err := tx.GetContext(ctx, &id,
		tx.Rebind(`SELECT current_value FROM id_sequences WHERE name = ?`), name); err != nil {
		return 0, classify("read sequence "+name, err)
	}
	return id, nil
}
