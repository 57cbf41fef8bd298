// Package db defines the narrow SQL surface the platform's optional
// relational consumers (today: the Manifest Registry's secondary index)
// program against, so they can be driven by a real pgxpool in the daemon
// and by an in-memory fake in tests without importing a driver.
package db

import (
	"context"
)

// Row represents a single row returned by a query.
type Row interface {
	Scan(dest ...any) error
}

// Rows represents a set of rows returned by a query.
type Rows interface {
	// Next advances to the next row, returning false when exhausted.
	Next() bool
	// Scan reads column values from the current row.
	Scan(dest ...any) error
	// Err returns any error encountered during iteration.
	Err() error
	// Close releases the rows.
	Close()
}

// Result describes the outcome of an executed statement.
type Result interface {
	RowsAffected() int64
}

// Executor can execute queries and statements. Both Database and Tx
// satisfy it, so code works the same inside or outside a transaction.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (Result, error)
	QueryRow(ctx context.Context, sql string, args ...any) Row
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
}

// Tx represents a transaction; Commit or Rollback must be called
// exactly once.
type Tx interface {
	Executor
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TxOptions configures transaction behavior.
type TxOptions struct {
	ReadOnly bool
	// IsolationLevel values are implementation-specific
	// (e.g. "serializable", "read committed").
	IsolationLevel string
}

// Database abstracts a SQL connection pool. Implementations handle
// pooling, health checks, and reconnection internally.
type Database interface {
	Executor

	BeginTx(ctx context.Context, opts *TxOptions) (Tx, error)
	Ping(ctx context.Context) error
	Close() error
	DriverName() string
}
