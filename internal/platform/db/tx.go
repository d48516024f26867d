package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const DBTxKey contextKey = "db_tx"

// TxFromContext returns the transaction stored by WithTx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx begins a transaction on the tenant connection in ctx and returns a
// derived context carrying it. Repositories pick the transaction up through
// TxFromContext.
func WithTx(ctx context.Context) (context.Context, pgx.Tx, error) {
	conn := ConnFromContext(ctx)
	if conn == nil {
		return ctx, nil, errors.New("no database connection in context")
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}

// Begin starts a transaction on the most specific handle available: a nested
// savepoint inside an existing transaction, the tenant connection, or the pool.
func Begin(ctx context.Context, pool *pgxpool.Pool) (pgx.Tx, error) {
	if tx := TxFromContext(ctx); tx != nil {
		return tx.Begin(ctx)
	}
	if conn := ConnFromContext(ctx); conn != nil {
		return conn.Begin(ctx)
	}
	if pool == nil {
		return nil, errors.New("no database connection available")
	}
	return pool.Begin(ctx)
}
