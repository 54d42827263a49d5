package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting repository
// methods accept either a bare pool connection or an in-flight transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTx runs fn inside a default (read-committed) transaction and commits
// iff fn returns nil, consistent with pgx's documented BeginFunc contract.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return s.runTx(ctx, pgx.TxOptions{}, fn)
}

// Serializable runs fn inside a SERIALIZABLE transaction — the
// linearization point §4.3/§5 requires for every operation that
// reads current_epoch, validates it, and advances it.
func (s *Store) Serializable(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return s.runTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, fn)
}

func (s *Store) runTx(ctx context.Context, opts pgx.TxOptions, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// IsSerializationFailure reports whether err is a Postgres serialization
// failure (SQLSTATE 40001), the signal to retry a Serializable transaction.
func IsSerializationFailure(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "40001"
	}
	return false
}

var ErrNoRows = pgx.ErrNoRows

func PoolFrom(s *Store) *pgxpool.Pool { return s.pool }
