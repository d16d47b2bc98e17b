// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zeta-vcs/cascore/modules/casobj/blobstore"
	"github.com/zeta-vcs/cascore/modules/casobj/bloom"
	"github.com/zeta-vcs/cascore/modules/casobj/columnar"
	"github.com/zeta-vcs/cascore/modules/casobj/hash"
	"github.com/zeta-vcs/cascore/modules/casobj/kvstore"
	"github.com/zeta-vcs/cascore/modules/casobj/variant"
)

func indexOfSHA(batch *variant.ColumnBatch, sha string) int {
	for i, s := range batch.SHAs {
		if s == sha {
			return i
		}
	}
	return -1
}

func newTestEngine(t *testing.T) (*Engine, blobstore.Store, kvstore.KVStore) {
	t.Helper()
	blob := blobstore.NewMemory()
	kv, err := kvstore.OpenSQLite("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	cfg := DefaultConfig()
	cfg.Prefix = "repo1"
	e := New(cfg, blob, kv)
	return e, blob, kv
}

// Tiny inline round-trip: a small blob survives put, flush, and get.
func TestTinyInlineRoundTrip(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	sha, err := e.PutObject(ctx, hash.BlobObject, []byte("hello"), "")
	require.NoError(t, err)
	require.Equal(t, "b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0", sha)

	key, err := e.Flush(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, key)

	obj, err := e.GetObject(ctx, sha)
	require.NoError(t, err)
	require.NotNil(t, obj)
	require.Equal(t, hash.BlobObject, obj.Type)
	require.Equal(t, []byte("hello"), obj.Content)
}

// Overflow round-trip through raw/ storage.
func TestOverflowRoundTrip(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	payload := make([]byte, 2*1024*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	sha, err := e.PutObject(ctx, hash.BlobObject, payload, "")
	require.NoError(t, err)

	_, err = e.Flush(ctx)
	require.NoError(t, err)

	obj, err := e.GetObject(ctx, sha)
	require.NoError(t, err)
	require.NotNil(t, obj)
	require.Equal(t, payload, obj.Content)
}

// Commit shredding surfaces author/date/message in the flushed file.
func TestCommitShredding(t *testing.T) {
	ctx := context.Background()
	e, blob, _ := newTestEngine(t)

	commit := "tree aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa\n" +
		"parent bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb\n" +
		"author Alice <a@x> 1700000000 +0000\n" +
		"committer Alice <a@x> 1700000000 +0000\n" +
		"\n" +
		"ship"

	sha, err := e.PutObject(ctx, hash.CommitObject, []byte(commit), "")
	require.NoError(t, err)

	key, err := e.Flush(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, key)

	data, err := blob.Get(ctx, key)
	require.NoError(t, err)
	batch, err := columnar.Decode(data)
	require.NoError(t, err)

	idx := indexOfSHA(batch, sha)
	require.GreaterOrEqual(t, idx, 0)
	require.Equal(t, hash.CommitObject, batch.Types[idx])
	require.Equal(t, int64(len(commit)), batch.Sizes[idx])
	require.NotNil(t, batch.AuthorNames[idx])
	require.Equal(t, "Alice", *batch.AuthorNames[idx])
	require.NotNil(t, batch.AuthorDates[idx])
	require.Equal(t, int64(1700000000000), *batch.AuthorDates[idx])
	require.NotNil(t, batch.Messages[idx])
	require.Equal(t, "ship", *batch.Messages[idx])
}

// Crash-safety via WAL replay, and deterministic
// file-id on the subsequent flush.
func TestCrashSafetyWALReplay(t *testing.T) {
	ctx := context.Background()
	blob := blobstore.NewMemory()
	kv, err := kvstore.OpenSQLite(t.TempDir() + "/wal.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	cfg := DefaultConfig()
	cfg.Prefix = "repo1"
	e1 := New(cfg, blob, kv)

	shas := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		sha, err := e1.PutObject(ctx, hash.BlobObject, []byte{byte(i), byte(i + 1)}, "")
		require.NoError(t, err)
		shas = append(shas, sha)
	}
	// Simulate a crash: a fresh Engine over the same collaborators, never
	// flushed, reopens and replays the WAL on its first operation.
	e2 := New(cfg, blob, kv)
	for _, sha := range shas {
		obj, err := e2.GetObject(ctx, sha)
		require.NoError(t, err)
		require.NotNil(t, obj, "sha %s should survive WAL replay", sha)
	}

	key, err := e2.Flush(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, key)

	sorted := append([]string(nil), shas...)
	sort.Strings(sorted)
	require.Equal(t, cfg.Prefix+"/objects/"+hash.BytesToHex(sha256Prefix16(sorted))+".parquet", key)
}

// Flush is idempotent: a second flush with nothing new buffered
// produces no new file.
func TestFlushIdempotent(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	_, err := e.PutObject(ctx, hash.BlobObject, []byte("x"), "")
	require.NoError(t, err)
	key1, err := e.Flush(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, key1)

	key2, err := e.Flush(ctx)
	require.NoError(t, err)
	require.Empty(t, key2)

	stats, err := e.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.ParquetFiles)
}

// Compact is idempotent: first call produces a file, second
// call (buffer empty, one file left) returns nil.
func TestCompactIdempotent(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	_, err := e.PutObject(ctx, hash.BlobObject, []byte("a"), "")
	require.NoError(t, err)
	_, err = e.Flush(ctx)
	require.NoError(t, err)

	_, err = e.PutObject(ctx, hash.BlobObject, []byte("b"), "")
	require.NoError(t, err)
	_, err = e.Flush(ctx)
	require.NoError(t, err)

	key1, err := e.Compact(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, key1)

	key2, err := e.Compact(ctx)
	require.NoError(t, err)
	require.Empty(t, key2)

	stats, err := e.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.ParquetFiles)
}

// Compaction purges tombstones.
func TestCompactionPurgesTombstones(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	shaA, err := e.PutObject(ctx, hash.BlobObject, []byte("AAAA"), "")
	require.NoError(t, err)
	_, err = e.Flush(ctx)
	require.NoError(t, err)

	shaB, err := e.PutObject(ctx, hash.BlobObject, []byte("BBBB"), "")
	require.NoError(t, err)
	_, err = e.Flush(ctx)
	require.NoError(t, err)

	require.NoError(t, e.DeleteObject(ctx, shaA))

	key, err := e.Compact(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, key)

	obj, err := e.GetObject(ctx, shaA)
	require.NoError(t, err)
	require.Nil(t, obj)

	has, err := e.HasObject(ctx, shaB)
	require.NoError(t, err)
	require.True(t, has)
}

// Compaction crash recovery for an in_progress journal row,
// simulated by opening a fresh engine against the same collaborators after
// hand-inserting an in_progress journal row whose target was never put.
func TestCompactionCrashRecoveryInProgress(t *testing.T) {
	ctx := context.Background()
	blob := blobstore.NewMemory()
	kv, err := kvstore.OpenSQLite(t.TempDir() + "/journal.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	cfg := DefaultConfig()
	cfg.Prefix = "repo1"
	e1 := New(cfg, blob, kv)

	sha, err := e1.PutObject(ctx, hash.BlobObject, []byte("keep-me"), "")
	require.NoError(t, err)
	sourceKey, err := e1.Flush(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, sourceKey)

	// Hand-simulate the crash window between journal.BeginCompaction and a
	// successful blob.Put(target): insert the row, but never write or list
	// the target key.
	_, err = kv.ExecContext(ctx,
		"INSERT INTO compaction_journal(source_keys, target_key, status, created_at) VALUES(?, ?, ?, ?)",
		`["`+sourceKey+`"]`, cfg.Prefix+"/objects/orphan-target.parquet", "in_progress", 0)
	require.NoError(t, err)

	e2 := New(cfg, blob, kv)
	obj, err := e2.GetObject(ctx, sha)
	require.NoError(t, err)
	require.NotNil(t, obj, "original object must still be reachable via the untouched source file")
	require.Equal(t, []byte("keep-me"), obj.Content)

	rows, err := kv.QueryContext(ctx, "SELECT COUNT(*) FROM compaction_journal")
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var count int
	require.NoError(t, rows.Scan(&count))
	require.Equal(t, 0, count)
}

// Put-then-delete-then-get returns nil, with the tombstone winning.
func TestPutThenDeleteThenGetReturnsNil(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	sha, err := e.PutObject(ctx, hash.BlobObject, []byte("gone"), "")
	require.NoError(t, err)
	require.NoError(t, e.DeleteObject(ctx, sha))

	obj, err := e.GetObject(ctx, sha)
	require.NoError(t, err)
	require.Nil(t, obj)

	has, err := e.HasObject(ctx, sha)
	require.NoError(t, err)
	require.False(t, has)
}

// An empty buffer flush returns an empty key.
func TestEmptyFlushReturnsNil(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	key, err := e.Flush(ctx)
	require.NoError(t, err)
	require.Empty(t, key)
}

// A single-file compact returns an empty key.
func TestSingleFileCompactReturnsNil(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	_, err := e.PutObject(ctx, hash.BlobObject, []byte("solo"), "")
	require.NoError(t, err)
	_, err = e.Flush(ctx)
	require.NoError(t, err)

	key, err := e.Compact(ctx)
	require.NoError(t, err)
	require.Empty(t, key)
}

// A zero-byte blob is accepted and round-trips.
func TestZeroByteBlobRoundTrips(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	sha, err := e.PutObject(ctx, hash.BlobObject, nil, "")
	require.NoError(t, err)
	_, err = e.Flush(ctx)
	require.NoError(t, err)

	obj, err := e.GetObject(ctx, sha)
	require.NoError(t, err)
	require.NotNil(t, obj)
	require.Empty(t, obj.Content)
}

// An LFS-pointer blob is detected iff the exact literal prefix matches
// and length < 512.
func TestLFSPointerDetection(t *testing.T) {
	ctx := context.Background()
	e, blob, _ := newTestEngine(t)

	ptr := "version https://git-lfs.github.com/spec/v1\n" +
		"oid sha256:4d7a214614ab2935c943f9e0ff69d22eadbb8f32b1258daaa5e2ca24d17e2393\n" +
		"size 12345\n"
	sha, err := e.PutObject(ctx, hash.BlobObject, []byte(ptr), "")
	require.NoError(t, err)
	key, err := e.Flush(ctx)
	require.NoError(t, err)

	data, err := blob.Get(ctx, key)
	require.NoError(t, err)
	batch, err := columnar.Decode(data)
	require.NoError(t, err)
	idx := indexOfSHA(batch, sha)
	require.GreaterOrEqual(t, idx, 0)
	require.EqualValues(t, "lfs", batch.Storages[idx])
}

// A blob matching the LFS-pointer literal prefix but carrying a malformed
// body must not stall Flush forever: PutObject buffers it happily (it never
// parses the pointer), so the failure mode this guards against is Flush
// never being able to drain that object out of the buffer.
func TestMalformedLFSPointerDoesNotStallFlush(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	bad := "version https://git-lfs.github.com/spec/v1\nnot a valid pointer body\n"
	shaBad, err := e.PutObject(ctx, hash.BlobObject, []byte(bad), "")
	require.NoError(t, err)

	shaGood, err := e.PutObject(ctx, hash.BlobObject, []byte("a normal blob"), "")
	require.NoError(t, err)

	key, err := e.Flush(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, key)

	objBad, err := e.GetObject(ctx, shaBad)
	require.NoError(t, err)
	require.NotNil(t, objBad)
	require.Equal(t, []byte(bad), objBad.Content)

	objGood, err := e.GetObject(ctx, shaGood)
	require.NoError(t, err)
	require.NotNil(t, objGood)
	require.Equal(t, []byte("a normal blob"), objGood.Content)
}

// A bloom-probable SHA that was never written must come back false from
// HasObject: probable is confirmed by an actual file scan, never trusted.
// A one-bit filter makes every probe read as probable once anything has
// been inserted, so the false positive here is deterministic.
func TestHasObjectProbableMissScansFiles(t *testing.T) {
	ctx := context.Background()
	blob := blobstore.NewMemory()
	kv, err := kvstore.OpenSQLite("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	cfg := DefaultConfig()
	cfg.Prefix = "repo1"
	cfg.Bloom.FilterBits = 1
	e := New(cfg, blob, kv)

	shaPresent, err := e.PutObject(ctx, hash.BlobObject, []byte("present"), "")
	require.NoError(t, err)
	_, err = e.Flush(ctx)
	require.NoError(t, err)

	shaAbsent := "0123456789abcdef0123456789abcdef01234567"
	require.NotEqual(t, shaPresent, shaAbsent)

	status, err := e.bloomCache.Check(ctx, shaAbsent)
	require.NoError(t, err)
	require.Equal(t, bloom.Probable, status)

	has, err := e.HasObject(ctx, shaAbsent)
	require.NoError(t, err)
	require.False(t, has, "probable-but-absent sha must not report as present")

	has, err = e.HasObject(ctx, shaPresent)
	require.NoError(t, err)
	require.True(t, has)
}

// HasObject/GetObject reject syntactically invalid SHAs without error.
func TestInvalidSHARejected(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	obj, err := e.GetObject(ctx, "not-a-sha")
	require.NoError(t, err)
	require.Nil(t, obj)

	has, err := e.HasObject(ctx, "not-a-sha")
	require.NoError(t, err)
	require.False(t, has)
}

// Putting the same object twice before a flush keeps exactly one buffer
// entry and one WAL row, and the flush drains cleanly.
func TestDuplicatePutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e, _, kv := newTestEngine(t)

	sha1, err := e.PutObject(ctx, hash.BlobObject, []byte("twice"), "")
	require.NoError(t, err)
	sha2, err := e.PutObject(ctx, hash.BlobObject, []byte("twice"), "")
	require.NoError(t, err)
	require.Equal(t, sha1, sha2)

	stats, err := e.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.BufferedObjects)

	var walRows int
	require.NoError(t, kv.QueryRowContext(ctx, "SELECT COUNT(*) FROM write_buffer_wal").Scan(&walRows))
	require.Equal(t, 1, walRows)

	key, err := e.Flush(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, key)

	obj, err := e.GetObject(ctx, sha1)
	require.NoError(t, err)
	require.NotNil(t, obj)
	require.Equal(t, []byte("twice"), obj.Content)
}

// Re-putting a deleted SHA resurrects it: the tombstone must not shadow the
// fresh write, and a subsequent compaction must keep the object.
func TestReputAfterDeleteResurrects(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	sha, err := e.PutObject(ctx, hash.BlobObject, []byte("phoenix"), "")
	require.NoError(t, err)
	_, err = e.Flush(ctx)
	require.NoError(t, err)

	require.NoError(t, e.DeleteObject(ctx, sha))
	obj, err := e.GetObject(ctx, sha)
	require.NoError(t, err)
	require.Nil(t, obj)

	sha2, err := e.PutObject(ctx, hash.BlobObject, []byte("phoenix"), "")
	require.NoError(t, err)
	require.Equal(t, sha, sha2)

	obj, err = e.GetObject(ctx, sha)
	require.NoError(t, err)
	require.NotNil(t, obj)
	require.Equal(t, []byte("phoenix"), obj.Content)

	_, err = e.PutObject(ctx, hash.BlobObject, []byte("second file"), "")
	require.NoError(t, err)
	_, err = e.Flush(ctx)
	require.NoError(t, err)
	_, err = e.Compact(ctx)
	require.NoError(t, err)

	obj, err = e.GetObject(ctx, sha)
	require.NoError(t, err)
	require.NotNil(t, obj, "resurrected object must survive compaction")
}

// PutObject rejects an unknown object type.
func TestPutObjectRejectsUnknownType(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	_, err := e.PutObject(ctx, hash.ObjectType("widget"), []byte("x"), "")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidInput))
}
