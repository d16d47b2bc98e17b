// SPDX-License-Identifier: Apache-2.0

package hash

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestObjectHelloBlob(t *testing.T) {
	sha, err := Object(BlobObject, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, "b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0", sha)
}

func TestObjectEmptyBlob(t *testing.T) {
	sha, err := Object(BlobObject, nil)
	require.NoError(t, err)
	require.Equal(t, "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391", sha)
}

func TestObjectInvalidType(t *testing.T) {
	_, err := Object("bogus", []byte("x"))
	require.Error(t, err)
}

func TestHexRoundTrip(t *testing.T) {
	sha, err := Object(CommitObject, []byte("whatever"))
	require.NoError(t, err)
	b, ok := HexToBytes(sha)
	require.True(t, ok)
	require.Equal(t, sha, BytesToHex(b))
}

func TestValidSHA(t *testing.T) {
	require.True(t, ValidSHA("b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0"))
	require.False(t, ValidSHA("B6FC4C620B67D95F953A5C1C1230AAAB5DB5A1B0"))
	require.False(t, ValidSHA("too-short"))
	require.False(t, ValidSHA("zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"))
}
