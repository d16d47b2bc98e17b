// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, "a/1", []byte("hello world")))
	require.NoError(t, store.Put(ctx, "a/2", []byte("second object")))
	require.NoError(t, store.Put(ctx, "b/1", []byte("other prefix")))

	got, err := store.Get(ctx, "a/1")
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), got)

	partial, err := store.GetRange(ctx, "a/1", 6, 5)
	require.NoError(t, err)
	require.Equal(t, []byte("world"), partial)

	tail, err := store.GetRange(ctx, "a/1", 6, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("world"), tail)

	entries, err := store.List(ctx, "a/")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.NoError(t, store.Delete(ctx, "a/1"))
	_, err = store.Get(ctx, "a/1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Delete(ctx, "a/1")) // delete of absent key is a no-op
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, NewMemory())
}

func TestDiskStoreContract(t *testing.T) {
	store, err := NewDisk(t.TempDir())
	require.NoError(t, err)
	runStoreContract(t, store)
}

func TestDiskStorePutIsAtomic(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDisk(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "deep/nested/key", []byte("payload")))

	entries, err := filepath.Glob(filepath.Join(dir, "incoming", "*"))
	require.NoError(t, err)
	require.Empty(t, entries, "temp staging file should be renamed away, not left behind")
}

func TestDiskStoreGetRangeMissingKey(t *testing.T) {
	store, err := NewDisk(t.TempDir())
	require.NoError(t, err)
	_, err = store.GetRange(context.Background(), "nope", 0, 10)
	require.True(t, errors.Is(err, ErrNotFound))
}
