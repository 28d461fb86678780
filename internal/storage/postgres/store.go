package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sundayezeilo/urlgroups/internal/shortener"
)

// Store is a shortener.Store backed by a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ shortener.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithinTx runs fn in a read-committed transaction, rolling back on error or
// panic. Conditional updates in Queries take the row locks that serialize
// competing group operations.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, q shortener.Queries) error) (err error) {
	const op = "postgres.WithinTx"

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapError(op, err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}

		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			return
		}

		if commitErr := tx.Commit(ctx); commitErr != nil {
			err = mapError(op, fmt.Errorf("commit: %w", commitErr))
		}
	}()

	err = fn(ctx, &queries{db: tx})
	return err
}
