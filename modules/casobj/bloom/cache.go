// SPDX-License-Identifier: Apache-2.0

package bloom

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zeta-vcs/cascore/modules/casobj/hash"
	"github.com/zeta-vcs/cascore/modules/casobj/kvstore"
)

// Status is the three-way answer bloom.Cache.Check gives for a SHA.
type Status int

const (
	Absent Status = iota
	Probable
	Definite
)

// Config holds the filter and exact-cache tunables.
type Config struct {
	FilterBits       uint64
	HashCount        int
	SegmentThreshold int
	MaxSegments      int
	ExactCacheLimit  int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		FilterBits:       DefaultNumBits,
		HashCount:        DefaultHashCount,
		SegmentThreshold: 10000,
		MaxSegments:      10,
		ExactCacheLimit:  100000,
	}
}

// Metadata is the (type, size) pair the exact-SHA table records for a
// confirmed object.
type Metadata struct {
	Type hash.ObjectType
	Size int64
}

// Cache is the segmented Bloom filter plus exact-SHA table, persisted in
// the local KV store.
type Cache struct {
	kv     kvstore.KVStore
	cfg    Config
	filter *Segmented
}

const createExactTableDDLSQLite = `CREATE TABLE IF NOT EXISTS sha_cache (
	sha TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	size INTEGER NOT NULL,
	added_at BIGINT NOT NULL
)`

const createExactIndexDDLSQLite = `CREATE INDEX IF NOT EXISTS idx_sha_cache_added_at ON sha_cache(added_at)`

const createExactTableDDLMySQL = `CREATE TABLE IF NOT EXISTS sha_cache (
	sha VARCHAR(40) PRIMARY KEY,
	type VARCHAR(16) NOT NULL,
	size BIGINT NOT NULL,
	added_at BIGINT NOT NULL,
	INDEX idx_sha_cache_added_at (added_at)
)`

// NewCache creates the bloom/exact-sha tables if absent and loads any
// previously persisted segments.
func NewCache(ctx context.Context, kv kvstore.KVStore, cfg Config) (*Cache, error) {
	c := &Cache{kv: kv, cfg: cfg}
	if err := c.ensureSchema(ctx); err != nil {
		return nil, err
	}
	filter, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	c.filter = filter
	return c, nil
}

func (c *Cache) ensureSchema(ctx context.Context) error {
	if _, err := c.kv.ExecContext(ctx, createBloomTableDDL); err != nil {
		return fmt.Errorf("casobj/bloom: create bloom_filter table: %w", err)
	}
	exactDDL := createExactTableDDLSQLite
	if c.kv.Driver() == kvstore.DialectMySQL {
		exactDDL = createExactTableDDLMySQL
	}
	if _, err := c.kv.ExecContext(ctx, exactDDL); err != nil {
		return fmt.Errorf("casobj/bloom: create sha_cache table: %w", err)
	}
	if c.kv.Driver() == kvstore.DialectSQLite {
		if _, err := c.kv.ExecContext(ctx, createExactIndexDDLSQLite); err != nil {
			return fmt.Errorf("casobj/bloom: create sha_cache index: %w", err)
		}
	}
	return nil
}

// load reads persisted segments back. A single legacy row at index 1 loads
// as one segment.
func (c *Cache) load(ctx context.Context) (*Segmented, error) {
	rows, err := c.kv.QueryContext(ctx, "SELECT id, filter_data, item_count FROM bloom_filter ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("casobj/bloom: load segments: %w", err)
	}
	defer rows.Close()

	type persistedSeg struct {
		id    int
		data  []byte
		count int
	}
	var persisted []persistedSeg
	for rows.Next() {
		var p persistedSeg
		if err := rows.Scan(&p.id, &p.data, &p.count); err != nil {
			return nil, fmt.Errorf("casobj/bloom: scan segment row: %w", err)
		}
		persisted = append(persisted, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(persisted) == 0 {
		return NewSegmented(c.cfg.FilterBits, c.cfg.HashCount, c.cfg.SegmentThreshold, c.cfg.MaxSegments), nil
	}
	segs := make([]*segment, 0, len(persisted))
	for _, p := range persisted {
		seg, err := decodeSegment(p.data, p.count)
		if err != nil {
			return nil, fmt.Errorf("casobj/bloom: %w", err)
		}
		segs = append(segs, seg)
	}
	return &Segmented{
		numBits:          c.cfg.FilterBits,
		hashCount:        c.cfg.HashCount,
		segmentThreshold: c.cfg.SegmentThreshold,
		maxSegments:      c.cfg.MaxSegments,
		segments:         segs,
	}, nil
}

// Persist truncates the bloom_filter table and re-inserts the current
// segments in order.
func (c *Cache) Persist(ctx context.Context) error {
	if _, err := c.kv.ExecContext(ctx, "DELETE FROM bloom_filter"); err != nil {
		return fmt.Errorf("casobj/bloom: truncate bloom_filter: %w", err)
	}
	now := time.Now().UnixMilli()
	for i, seg := range c.filter.segments {
		data := encodeSegment(seg)
		if _, err := c.kv.ExecContext(ctx,
			"INSERT INTO bloom_filter(id, filter_data, item_count, updated_at) VALUES(?, ?, ?, ?)",
			i+1, data, seg.items, now); err != nil {
			return fmt.Errorf("casobj/bloom: persist segment %d: %w", i+1, err)
		}
	}
	return nil
}

// Add upserts (sha, type, size, now) into the exact-SHA table, evicting the
// oldest rows past ExactCacheLimit, then inserts into the Bloom filter only
// after the SQL succeeds: if the SQL fails the bloom is unchanged.
func (c *Cache) Add(ctx context.Context, sha string, t hash.ObjectType, size int64) error {
	now := time.Now().UnixMilli()
	upsert := "INSERT OR REPLACE INTO sha_cache(sha, type, size, added_at) VALUES(?, ?, ?, ?)"
	if c.kv.Driver() == kvstore.DialectMySQL {
		upsert = "INSERT INTO sha_cache(sha, type, size, added_at) VALUES(?, ?, ?, ?) " +
			"ON DUPLICATE KEY UPDATE type = VALUES(type), size = VALUES(size), added_at = VALUES(added_at)"
	}
	if _, err := c.kv.ExecContext(ctx, upsert, sha, string(t), size, now); err != nil {
		return fmt.Errorf("casobj/bloom: upsert sha_cache: %w", err)
	}
	if err := c.evictExcess(ctx); err != nil {
		// Eviction failure doesn't un-do the upsert above or block the bloom
		// insert; it just means the table may temporarily exceed its cap.
		logrus.Warnf("casobj/bloom: evict excess sha_cache rows: %v", err)
	}
	c.filter.Insert(sha)
	return nil
}

func (c *Cache) evictExcess(ctx context.Context) error {
	var count int
	if err := c.kv.QueryRowContext(ctx, "SELECT COUNT(*) FROM sha_cache").Scan(&count); err != nil {
		return err
	}
	excess := count - c.cfg.ExactCacheLimit
	if excess <= 0 {
		return nil
	}
	rows, err := c.kv.QueryContext(ctx, "SELECT sha FROM sha_cache ORDER BY added_at ASC LIMIT ?", excess)
	if err != nil {
		return err
	}
	var victims []string
	for rows.Next() {
		var sha string
		if err := rows.Scan(&sha); err != nil {
			rows.Close()
			return err
		}
		victims = append(victims, sha)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	sort.Strings(victims) // deterministic statement ordering for batched delete
	for _, sha := range victims {
		if _, err := c.kv.ExecContext(ctx, "DELETE FROM sha_cache WHERE sha = ?", sha); err != nil {
			return err
		}
	}
	return nil
}

// Check answers the three-way existence probe: exact-table hit is Definite,
// filter hit is Probable, anything else is Absent.
func (c *Cache) Check(ctx context.Context, sha string) (Status, error) {
	var exists int
	err := c.kv.QueryRowContext(ctx, "SELECT 1 FROM sha_cache WHERE sha = ?", sha).Scan(&exists)
	switch {
	case err == nil:
		return Definite, nil
	case err != sql.ErrNoRows:
		return Absent, fmt.Errorf("casobj/bloom: check exact table: %w", err)
	}
	if c.filter.MightContain(sha) {
		return Probable, nil
	}
	return Absent, nil
}

// GetMetadata reads the exact-SHA table only; it never consults the filter.
func (c *Cache) GetMetadata(ctx context.Context, sha string) (*Metadata, error) {
	var t string
	var size int64
	err := c.kv.QueryRowContext(ctx, "SELECT type, size FROM sha_cache WHERE sha = ?", sha).Scan(&t, &size)
	switch {
	case err == nil:
		return &Metadata{Type: hash.ObjectType(t), Size: size}, nil
	case err == sql.ErrNoRows:
		return nil, nil
	default:
		return nil, fmt.Errorf("casobj/bloom: get metadata: %w", err)
	}
}

// Items, SegmentCount, FalsePositiveRate, ExactCacheSize back the engine's
// stats reporting.
func (c *Cache) Items() int                 { return c.filter.Items() }
func (c *Cache) SegmentCount() int          { return c.filter.SegmentCount() }
func (c *Cache) FalsePositiveRate() float64 { return c.filter.FalsePositiveRate() }

func (c *Cache) ExactCacheSize(ctx context.Context) (int, error) {
	var count int
	if err := c.kv.QueryRowContext(ctx, "SELECT COUNT(*) FROM sha_cache").Scan(&count); err != nil {
		return 0, fmt.Errorf("casobj/bloom: count sha_cache: %w", err)
	}
	return count, nil
}

// Clear resets the in-memory filter. It does not touch the exact-SHA table.
func (c *Cache) Clear() {
	c.filter.Clear()
}
