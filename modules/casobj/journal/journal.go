// SPDX-License-Identifier: Apache-2.0

// Package journal implements the two-phase compaction journal: a durable
// row tracking one compaction's source/target keys and its phase, so a
// crash mid-compaction leaves either the pre- or post-compaction state
// intact, never a partial mix of both.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeta-vcs/cascore/modules/casobj/kvstore"
)

// Status is a compaction_journal row's phase.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusWritten    Status = "written"
)

const createTableDDLSQLite = `CREATE TABLE IF NOT EXISTS compaction_journal (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_keys TEXT NOT NULL,
	target_key TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at BIGINT NOT NULL
)`

const createTableDDLMySQL = `CREATE TABLE IF NOT EXISTS compaction_journal (
	id BIGINT PRIMARY KEY AUTO_INCREMENT,
	source_keys TEXT NOT NULL,
	target_key VARCHAR(1024) NOT NULL,
	status VARCHAR(16) NOT NULL,
	created_at BIGINT NOT NULL
)`

// Entry is one compaction_journal row.
type Entry struct {
	ID         int64
	SourceKeys []string
	TargetKey  string
	Status     Status
	CreatedAt  int64
}

// Journal is the compaction_journal table wrapper.
type Journal struct {
	kv kvstore.KVStore
}

// New creates the compaction_journal table if absent.
func New(ctx context.Context, kv kvstore.KVStore) (*Journal, error) {
	j := &Journal{kv: kv}
	ddl := createTableDDLSQLite
	if kv.Driver() == kvstore.DialectMySQL {
		ddl = createTableDDLMySQL
	}
	if _, err := kv.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("casobj/journal: create compaction_journal: %w", err)
	}
	return j, nil
}

// BeginCompaction inserts an in_progress row. It must run before any source
// is read or target written.
func (j *Journal) BeginCompaction(ctx context.Context, sourceKeys []string, targetKey string) (int64, error) {
	encoded, err := json.Marshal(sourceKeys)
	if err != nil {
		return 0, fmt.Errorf("casobj/journal: encode source keys: %w", err)
	}
	res, err := j.kv.ExecContext(ctx,
		"INSERT INTO compaction_journal(source_keys, target_key, status, created_at) VALUES(?, ?, ?, ?)",
		string(encoded), targetKey, string(StatusInProgress), time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("casobj/journal: begin compaction: %w", err)
	}
	return res.LastInsertId()
}

// MarkWritten transitions a row to written once the target has been put to
// the blob store.
func (j *Journal) MarkWritten(ctx context.Context, id int64) error {
	if _, err := j.kv.ExecContext(ctx,
		"UPDATE compaction_journal SET status = ? WHERE id = ?", string(StatusWritten), id); err != nil {
		return fmt.Errorf("casobj/journal: mark written: %w", err)
	}
	return nil
}

// Complete deletes the row once all source files have been deleted from the
// blob store (or once a rolled-back compaction has removed its partial
// target).
func (j *Journal) Complete(ctx context.Context, id int64) error {
	if _, err := j.kv.ExecContext(ctx, "DELETE FROM compaction_journal WHERE id = ?", id); err != nil {
		return fmt.Errorf("casobj/journal: complete: %w", err)
	}
	return nil
}

// Pending returns every outstanding row, for startup recovery.
func (j *Journal) Pending(ctx context.Context) ([]Entry, error) {
	rows, err := j.kv.QueryContext(ctx, "SELECT id, source_keys, target_key, status, created_at FROM compaction_journal ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("casobj/journal: list pending: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			rawStatus  string
			rawSources string
		)
		if err := rows.Scan(&e.ID, &rawSources, &e.TargetKey, &rawStatus, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("casobj/journal: scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(rawSources), &e.SourceKeys); err != nil {
			return nil, fmt.Errorf("casobj/journal: decode source keys for row %d: %w", e.ID, err)
		}
		e.Status = Status(rawStatus)
		out = append(out, e)
	}
	return out, rows.Err()
}
