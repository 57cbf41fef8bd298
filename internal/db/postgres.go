package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgxPool implements Database over a pgxpool.Pool, the concrete
// PostgreSQL backend for the abstract interfaces above. Kept to the
// generic Executor surface rather than any domain-specific schema.
type pgxPool struct {
	pool *pgxpool.Pool
}

// NewPostgresPool opens a pgxpool-backed Database against dsn, verifying
// connectivity before returning.
func NewPostgresPool(ctx context.Context, dsn string) (Database, error) {
	if dsn == "" {
		return nil, fmt.Errorf("db: postgres DSN is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("db: create postgres pool: %w", err)
	}
	d := &pgxPool{pool: pool}
	if err := d.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return d, nil
}

func (d *pgxPool) Exec(ctx context.Context, sql string, args ...any) (Result, error) {
	tag, err := d.pool.Exec(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgxResult{tag}, nil
}

func (d *pgxPool) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return d.pool.QueryRow(ctx, sql, args...)
}

func (d *pgxPool) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := d.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgxRows{rows}, nil
}

func (d *pgxPool) BeginTx(ctx context.Context, opts *TxOptions) (Tx, error) {
	pgxOpts := pgx.TxOptions{}
	if opts != nil {
		if opts.ReadOnly {
			pgxOpts.AccessMode = pgx.ReadOnly
		}
		switch opts.IsolationLevel {
		case "serializable":
			pgxOpts.IsoLevel = pgx.Serializable
		case "repeatable read":
			pgxOpts.IsoLevel = pgx.RepeatableRead
		case "read committed":
			pgxOpts.IsoLevel = pgx.ReadCommitted
		}
	}
	tx, err := d.pool.BeginTx(ctx, pgxOpts)
	if err != nil {
		return nil, err
	}
	return pgxTx{tx}, nil
}

func (d *pgxPool) Ping(ctx context.Context) error { return d.pool.Ping(ctx) }

func (d *pgxPool) Close() error {
	d.pool.Close()
	return nil
}

func (d *pgxPool) DriverName() string { return "postgres" }

// pgxResult adapts pgconn.CommandTag to Result.
type pgxResult struct {
	tag pgconnCommandTag
}

func (r pgxResult) RowsAffected() int64 { return r.tag.RowsAffected() }

// pgconnCommandTag mirrors the subset of pgconn.CommandTag used above,
// avoiding a direct dependency on the pgconn package's full surface.
type pgconnCommandTag interface {
	RowsAffected() int64
}

// pgxRows adapts pgx.Rows to the Rows interface.
type pgxRows struct {
	rows pgx.Rows
}

func (r pgxRows) Next() bool             { return r.rows.Next() }
func (r pgxRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r pgxRows) Err() error             { return r.rows.Err() }
func (r pgxRows) Close()                 { r.rows.Close() }

// pgxTx adapts pgx.Tx to the Tx interface.
type pgxTx struct {
	tx pgx.Tx
}

func (t pgxTx) Exec(ctx context.Context, sql string, args ...any) (Result, error) {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgxResult{tag}, nil
}

func (t pgxTx) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return t.tx.QueryRow(ctx, sql, args...)
}

func (t pgxTx) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgxRows{rows}, nil
}

func (t pgxTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t pgxTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }
