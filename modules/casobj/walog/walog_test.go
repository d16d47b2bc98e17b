// SPDX-License-Identifier: Apache-2.0

package walog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zeta-vcs/cascore/modules/casobj/hash"
	"github.com/zeta-vcs/cascore/modules/casobj/kvstore"
)

func newTestLog(t *testing.T) (*Log, kvstore.KVStore) {
	t.Helper()
	kv, err := kvstore.OpenSQLite("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	l, err := New(context.Background(), kv)
	require.NoError(t, err)
	return l, kv
}

func TestAppendAndRecoverInOrder(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)

	id1, err := l.Append(ctx, "sha-1", hash.BlobObject, []byte("one"), "", 100)
	require.NoError(t, err)
	id2, err := l.Append(ctx, "sha-2", hash.TreeObject, []byte("two"), "", 101)
	require.NoError(t, err)
	require.Less(t, id1, id2)

	rows, err := l.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "sha-1", rows[0].SHA)
	require.Equal(t, hash.BlobObject, rows[0].Type)
	require.Equal(t, []byte("one"), rows[0].Data)
	require.Equal(t, "sha-2", rows[1].SHA)
}

func TestClearRemovesRows(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)

	id1, err := l.Append(ctx, "sha-1", hash.BlobObject, []byte("one"), "", 100)
	require.NoError(t, err)
	_, err = l.Append(ctx, "sha-2", hash.BlobObject, []byte("two"), "", 101)
	require.NoError(t, err)

	require.NoError(t, l.Clear(ctx, []int64{id1}))

	rows, err := l.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "sha-2", rows[0].SHA)
}

func TestClearEmptyIsNoop(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)
	_, err := l.Append(ctx, "sha-1", hash.BlobObject, []byte("one"), "", 100)
	require.NoError(t, err)

	require.NoError(t, l.Clear(ctx, nil))

	rows, err := l.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestRecoverDiscardsUnknownType(t *testing.T) {
	ctx := context.Background()
	l, kv := newTestLog(t)

	_, err := kv.ExecContext(ctx,
		"INSERT INTO write_buffer_wal(sha, type, data, path, created_at) VALUES(?, ?, ?, ?, ?)",
		"sha-bad", "widget", []byte("x"), "", 1)
	require.NoError(t, err)
	_, err = l.Append(ctx, "sha-good", hash.BlobObject, []byte("y"), "", 2)
	require.NoError(t, err)

	rows, err := l.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "sha-good", rows[0].SHA)

	// the discarded row must actually be deleted, not merely skipped
	rows2, err := l.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, rows2, 1)
}

func TestRecoverWithPath(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)
	_, err := l.Append(ctx, "sha-path", hash.BlobObject, nil, "raw/ab/cdef", 5)
	require.NoError(t, err)

	rows, err := l.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "raw/ab/cdef", rows[0].Path)
}
