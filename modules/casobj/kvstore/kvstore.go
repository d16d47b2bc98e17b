// SPDX-License-Identifier: Apache-2.0

// Package kvstore wraps database/sql behind the narrow contract the object
// store's durability layer (bloom/exact-sha table, WAL, compaction journal)
// actually needs: parameterised exec/query against a handful of tables,
// with idempotent DDL. MySQL is the production path; the SQLite path serves
// single-node deployment and tests that need a real reopenable file to
// exercise crash recovery.
package kvstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// KVStore is the local key/value store contract the durability layer
// consumes: parameterised SQL statements returning row sets, with atomic
// per-call exec.
type KVStore interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	// Driver reports which SQL dialect this store speaks, since a couple of
	// statements (INSERT OR REPLACE vs. INSERT ... ON DUPLICATE KEY UPDATE)
	// are not portable between sqlite and mysql.
	Driver() Dialect
	Close() error
}

// Dialect distinguishes the small set of non-portable SQL constructs the
// bloom/WAL/journal tables rely on.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectMySQL
)

type store struct {
	db      *sql.DB
	dialect Dialect
}

func (s *store) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *store) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *store) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s *store) Driver() Dialect { return s.dialect }

func (s *store) Close() error { return s.db.Close() }

// OpenSQLite opens (creating if absent) a SQLite-backed local KV store at
// path. An empty path opens a private in-memory database, used by unit
// tests that don't need to survive a process restart.
func OpenSQLite(path string) (KVStore, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("casobj/kvstore: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver does not support concurrent writers
	return &store{db: db, dialect: DialectSQLite}, nil
}

// OpenMySQL connects to a MySQL/compatible server with conservative
// connection-pool limits.
func OpenMySQL(cfg *mysql.Config) (KVStore, error) {
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("casobj/kvstore: new connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxIdleConns(25)
	db.SetMaxOpenConns(50)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &store{db: db, dialect: DialectMySQL}, nil
}
