// SPDX-License-Identifier: Apache-2.0

package bloom

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zeta-vcs/cascore/modules/casobj/hash"
	"github.com/zeta-vcs/cascore/modules/casobj/kvstore"
)

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	kv, err := kvstore.OpenSQLite("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	c, err := NewCache(context.Background(), kv, cfg)
	require.NoError(t, err)
	return c
}

func TestCheckDefiniteProbableAbsent(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, DefaultConfig())

	status, err := c.Check(ctx, "sha-unknown")
	require.NoError(t, err)
	require.Equal(t, Absent, status)

	// In the filter but not in the exact-SHA table.
	c.filter.Insert("sha-filter-only")
	status, err = c.Check(ctx, "sha-filter-only")
	require.NoError(t, err)
	require.Equal(t, Probable, status)

	require.NoError(t, c.Add(ctx, "sha-known", hash.BlobObject, 5))
	status, err = c.Check(ctx, "sha-known")
	require.NoError(t, err)
	require.Equal(t, Definite, status)
}

func TestSegmentRollover(t *testing.T) {
	cfg := Config{FilterBits: 1024, HashCount: 3, SegmentThreshold: 4, MaxSegments: 100, ExactCacheLimit: 100000}
	s := NewSegmented(cfg.FilterBits, cfg.HashCount, cfg.SegmentThreshold, cfg.MaxSegments)
	for i := 0; i < 10; i++ {
		s.Insert(fmt.Sprintf("sha-%d", i))
	}
	require.Equal(t, 3, s.SegmentCount()) // ceil(10/4)
	require.Equal(t, 10, s.Items())
	for i := 0; i < 10; i++ {
		require.True(t, s.MightContain(fmt.Sprintf("sha-%d", i)))
	}
}

func TestSegmentMergeOnOverflow(t *testing.T) {
	s := NewSegmented(1024, 3, 2, 3) // maxSegments=3, threshold=2
	for i := 0; i < 14; i++ {
		s.Insert(fmt.Sprintf("sha-%d", i))
	}
	require.LessOrEqual(t, s.SegmentCount(), 3)
	for i := 0; i < 14; i++ {
		require.True(t, s.MightContain(fmt.Sprintf("sha-%d", i)), "sha-%d should still be found after merge", i)
	}
}

func TestBloomSoundnessNoFalseNegatives(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, DefaultConfig())
	inserted := make([]string, 0, 200)
	for i := 0; i < 200; i++ {
		sha := fmt.Sprintf("abc-%04d", i)
		require.NoError(t, c.Add(ctx, sha, hash.BlobObject, 1))
		inserted = append(inserted, sha)
	}
	for _, sha := range inserted {
		status, err := c.Check(ctx, sha)
		require.NoError(t, err)
		require.NotEqual(t, Absent, status)
	}
}

func TestExactCacheEviction(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Config{FilterBits: DefaultNumBits, HashCount: DefaultHashCount, SegmentThreshold: 10000, MaxSegments: 10, ExactCacheLimit: 5})
	for i := 0; i < 20; i++ {
		require.NoError(t, c.Add(ctx, fmt.Sprintf("sha-%02d", i), hash.BlobObject, 1))
	}
	size, err := c.ExactCacheSize(ctx)
	require.NoError(t, err)
	require.LessOrEqual(t, size, 5)
}

func TestPersistAndReload(t *testing.T) {
	ctx := context.Background()
	kv, err := kvstore.OpenSQLite(t.TempDir() + "/bloom.db")
	require.NoError(t, err)
	defer kv.Close()

	cfg := DefaultConfig()
	c, err := NewCache(ctx, kv, cfg)
	require.NoError(t, err)
	require.NoError(t, c.Add(ctx, "persisted-sha", hash.BlobObject, 42))
	require.NoError(t, c.Persist(ctx))

	reloaded, err := NewCache(ctx, kv, cfg)
	require.NoError(t, err)
	status, err := reloaded.Check(ctx, "persisted-sha")
	require.NoError(t, err)
	require.Equal(t, Definite, status) // exact table survives regardless of bloom persist
}

func TestGetMetadata(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, DefaultConfig())
	meta, err := c.GetMetadata(ctx, "missing")
	require.NoError(t, err)
	require.Nil(t, meta)

	require.NoError(t, c.Add(ctx, "present", hash.TreeObject, 99))
	meta, err = c.GetMetadata(ctx, "present")
	require.NoError(t, err)
	require.NotNil(t, meta)
	require.Equal(t, hash.TreeObject, meta.Type)
	require.Equal(t, int64(99), meta.Size)
}
