// SPDX-License-Identifier: Apache-2.0

// Package walog implements the object store's write-ahead log: a durable
// row per buffered object, made durable before the write is acknowledged
// and replayed on startup so a crash between a write and its flush never
// loses data.
package walog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/zeta-vcs/cascore/modules/casobj/hash"
	"github.com/zeta-vcs/cascore/modules/casobj/kvstore"
)

const createTableDDLSQLite = `CREATE TABLE IF NOT EXISTS write_buffer_wal (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sha TEXT NOT NULL,
	type TEXT NOT NULL,
	data BLOB,
	path TEXT,
	created_at BIGINT NOT NULL
)`

const createTableDDLMySQL = `CREATE TABLE IF NOT EXISTS write_buffer_wal (
	id BIGINT PRIMARY KEY AUTO_INCREMENT,
	sha VARCHAR(40) NOT NULL,
	type VARCHAR(16) NOT NULL,
	data LONGBLOB,
	path VARCHAR(1024),
	created_at BIGINT NOT NULL
)`

const createIndexDDL = `CREATE INDEX IF NOT EXISTS idx_write_buffer_wal_sha ON write_buffer_wal(sha)`

// Row is one replayed WAL entry, in id order.
type Row struct {
	ID   int64
	SHA  string
	Type hash.ObjectType
	Data []byte
	Path string
}

// Log is the write-ahead log, backed by the local KV store's
// write_buffer_wal table.
type Log struct {
	kv kvstore.KVStore
}

// New creates the write_buffer_wal table if absent.
func New(ctx context.Context, kv kvstore.KVStore) (*Log, error) {
	l := &Log{kv: kv}
	if err := l.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) ensureSchema(ctx context.Context) error {
	ddl := createTableDDLSQLite
	if l.kv.Driver() == kvstore.DialectMySQL {
		ddl = createTableDDLMySQL
	}
	if _, err := l.kv.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("casobj/walog: create write_buffer_wal: %w", err)
	}
	if l.kv.Driver() == kvstore.DialectSQLite {
		if _, err := l.kv.ExecContext(ctx, createIndexDDL); err != nil {
			return fmt.Errorf("casobj/walog: create sha index: %w", err)
		}
	}
	return nil
}

// Append inserts a new WAL row and returns its id. The row must be durable
// before the caller acknowledges the write it covers.
func (l *Log) Append(ctx context.Context, sha string, t hash.ObjectType, data []byte, path string, createdAt int64) (int64, error) {
	res, err := l.kv.ExecContext(ctx,
		"INSERT INTO write_buffer_wal(sha, type, data, path, created_at) VALUES(?, ?, ?, ?, ?)",
		sha, string(t), data, path, createdAt)
	if err != nil {
		return 0, fmt.Errorf("casobj/walog: append: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("casobj/walog: read inserted id: %w", err)
	}
	return id, nil
}

// Clear deletes the given ids in one batched statement. A nil or empty slice
// is a no-op.
func (l *Log) Clear(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := "DELETE FROM write_buffer_wal WHERE id IN (" + placeholders(len(ids)) + ")"
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := l.kv.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("casobj/walog: clear: %w", err)
	}
	return nil
}

// Recover replays rows in id order, for startup.
// The caller is responsible for skipping any SHA already present
// in its in-memory buffer (defence against a partial clear); rows with an
// unknown type are discarded here — logged and deleted — rather than handed
// to the caller, since no buffer representation exists for them.
func (l *Log) Recover(ctx context.Context) ([]Row, error) {
	rows, err := l.kv.QueryContext(ctx, "SELECT id, sha, type, data, path, created_at FROM write_buffer_wal ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("casobj/walog: recover: %w", err)
	}
	defer rows.Close()

	var out []Row
	var unknownIDs []int64
	for rows.Next() {
		var (
			id        int64
			sha       string
			rawType   string
			data      []byte
			path      sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&id, &sha, &rawType, &data, &path, &createdAt); err != nil {
			return nil, fmt.Errorf("casobj/walog: scan row: %w", err)
		}
		t := hash.ObjectType(rawType)
		if !hash.Valid(t) {
			logrus.Warnf("casobj/walog: discarding wal row %d for sha %s: unknown type %q", id, sha, rawType)
			unknownIDs = append(unknownIDs, id)
			continue
		}
		out = append(out, Row{ID: id, SHA: sha, Type: t, Data: data, Path: path.String})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(unknownIDs) > 0 {
		if err := l.Clear(ctx, unknownIDs); err != nil {
			logrus.Warnf("casobj/walog: failed to delete discarded rows: %v", err)
		}
	}
	return out, nil
}

func placeholders(n int) string {
	out := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
