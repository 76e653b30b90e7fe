// Package dbadapter wraps database/sql (with the pgx/v5 stdlib driver for
// postgres) behind the executor.Executor contract. Every dialect is driven
// through database/sql rather than a native client per driver, since
// executor.Executor's shape (ExecuteSQL/BeginTransaction/...) maps directly
// onto *sql.DB / *sql.Tx.
package dbadapter

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"

	"github.com/relq/relq/executor"
	"github.com/relq/relq/relerr"
)

// driverFor maps a relq dialect name to its database/sql driver name.
func driverFor(dialectName string) (string, error) {
	switch dialectName {
	case "postgres":
		return "pgx", nil
	case "mysql", "mariadb":
		return "mysql", nil
	case "sqlite":
		return "sqlite", nil
	case "mssql":
		return "sqlserver", nil
	default:
		return "", relerr.Of(relerr.InvalidSchema, "dbadapter: unsupported dialect %q", dialectName)
	}
}

// Adapter implements executor.Executor over a *sql.DB, delegating to an
// in-flight *sql.Tx once a transaction has begun.
type Adapter struct {
	db         *sql.DB
	tx         *sql.Tx
	dialect    string
	lastInsert int64
}

// Open establishes a pooled connection for dialectName against dsn.
func Open(dialectName, dsn string, maxOpen, maxIdle int) (*Adapter, error) {
	driverName, err := driverFor(dialectName)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, relerr.Wrap(relerr.ExecutorFailure, err, fmt.Sprintf("open %s connection", dialectName))
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	return &Adapter{db: db, dialect: dialectName}, nil
}

// queryer is the subset of *sql.DB/*sql.Tx ExecuteSQL needs, letting it run
// identically inside or outside a transaction.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (a *Adapter) active() queryer {
	if a.tx != nil {
		return a.tx
	}
	return a.db
}

// ExecuteSQL runs sql against the active connection or transaction. SELECT
// statements are routed through QueryContext; everything else through
// ExecContext, whose RowsAffected/LastInsertId are folded into an empty
// Result (columns/rows are a SELECT-only concept here) plus a.lastInsert.
func (a *Adapter) ExecuteSQL(ctx context.Context, query string, params []any) (executor.Result, error) {
	if isSelect(query) {
		rows, err := a.active().QueryContext(ctx, query, params...)
		if err != nil {
			return executor.Result{}, relerr.Wrap(relerr.ExecutorFailure, err, "query")
		}
		defer rows.Close()
		return scanRows(rows)
	}

	res, err := a.active().ExecContext(ctx, query, params...)
	if err != nil {
		return executor.Result{}, relerr.Wrap(relerr.ExecutorFailure, err, "exec")
	}
	if id, err := res.LastInsertId(); err == nil {
		a.lastInsert = id
	}
	return executor.Result{}, nil
}

// isSelect reports whether query is a row-producing statement: a bare
// SELECT, or a WITH/WITH RECURSIVE common-table-expression prelude ahead of
// one (query.SelectBuilder.With/WithRecursive always wrap a SELECT).
func isSelect(query string) bool {
	trimmed := strings.TrimLeft(query, " \t\n\r(")
	return hasCaseInsensitivePrefix(trimmed, "select") || hasCaseInsensitivePrefix(trimmed, "with")
}

func hasCaseInsensitivePrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

func scanRows(rows *sql.Rows) (executor.Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return executor.Result{}, relerr.Wrap(relerr.ExecutorFailure, err, "read columns")
	}

	result := executor.Result{Columns: cols}
	for rows.Next() {
		scanTargets := make([]any, len(cols))
		values := make([]any, len(cols))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return executor.Result{}, relerr.Wrap(relerr.ExecutorFailure, err, "scan row")
		}
		result.Values = append(result.Values, executor.Row(values))
	}
	if err := rows.Err(); err != nil {
		return executor.Result{}, relerr.Wrap(relerr.ExecutorFailure, err, "row iteration")
	}
	return result, nil
}

func (a *Adapter) BeginTransaction(ctx context.Context) error {
	if a.tx != nil {
		return relerr.Of(relerr.TransactionAborted, "dbadapter: transaction already in progress")
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return relerr.Wrap(relerr.ExecutorFailure, err, "begin transaction")
	}
	a.tx = tx
	return nil
}

func (a *Adapter) CommitTransaction(ctx context.Context) error {
	if a.tx == nil {
		return relerr.Of(relerr.TransactionAborted, "dbadapter: no transaction in progress")
	}
	err := a.tx.Commit()
	a.tx = nil
	if err != nil {
		return relerr.Wrap(relerr.ExecutorFailure, err, "commit transaction")
	}
	return nil
}

func (a *Adapter) RollbackTransaction(ctx context.Context) error {
	if a.tx == nil {
		return relerr.Of(relerr.TransactionAborted, "dbadapter: no transaction in progress")
	}
	err := a.tx.Rollback()
	a.tx = nil
	if err != nil {
		return relerr.Wrap(relerr.ExecutorFailure, err, "rollback transaction")
	}
	return nil
}

// Capabilities reports transaction support unconditionally (database/sql
// always supports it) and concurrency per dialect: SQLite's single-writer
// model means concurrent ExecuteSQL calls on one *sql.DB can deadlock under
// modernc.org/sqlite's default journal mode, so it alone reports false.
func (a *Adapter) Capabilities() executor.Capabilities {
	return executor.Capabilities{
		Transactions: true,
		Concurrent:   a.dialect != "sqlite",
	}
}

func (a *Adapter) Dispose() error {
	if a.tx != nil {
		_ = a.tx.Rollback()
		a.tx = nil
	}
	return a.db.Close()
}

// LastInsertID implements executor.LastInsertIDer for MySQL/SQLite, whose
// drivers populate sql.Result.LastInsertId.
func (a *Adapter) LastInsertID() (int64, error) {
	return a.lastInsert, nil
}
