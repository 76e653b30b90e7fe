// Package executor defines the minimal adapter boundary the session and
// preloader drive SQL through. Anything presenting this interface — a raw
// driver wrapper, a connection-pool client, an in-memory fake for tests —
// is an acceptable Executor; relq's core never imports a concrete driver.
package executor

import "context"

// Row is one row of a result set as a positional value slice, aligned with
// Result.Columns.
type Row []any

// Result is a columnar result set: a column name list plus row-major
// values.
type Result struct {
	Columns []string
	Values  []Row
}

// Capabilities advertises optional behavior the session and preloader
// adapt to instead of assuming.
type Capabilities struct {
	// Transactions reports whether BeginTransaction/CommitTransaction/
	// RollbackTransaction are implemented.
	Transactions bool
	// Concurrent reports whether ExecuteSQL may be called concurrently on
	// this Executor without external synchronization. Single-connection
	// drivers (e.g. some SQL Server clients) must report false.
	Concurrent bool
}

// Executor is the sole boundary between relq's core and a concrete
// database client. Dialects never call Executor methods directly — only
// the session does.
type Executor interface {
	ExecuteSQL(ctx context.Context, sql string, params []any) (Result, error)

	BeginTransaction(ctx context.Context) error
	CommitTransaction(ctx context.Context) error
	RollbackTransaction(ctx context.Context) error

	Capabilities() Capabilities

	// Dispose releases any resources the Executor owns (connections,
	// prepared statements). Safe to call more than once.
	Dispose() error
}

// LastInsertIDer is an optional extension an Executor implements when its
// underlying driver reports a generated identity value (MySQL, SQLite) —
// PostgreSQL and SQL Server retrieve identity-generated PKs through
// RETURNING/OUTPUT instead, so they need not implement this.
type LastInsertIDer interface {
	LastInsertID() (int64, error)
}
