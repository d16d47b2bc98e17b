// SPDX-License-Identifier: Apache-2.0

package columnar

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zeta-vcs/cascore/modules/casobj/hash"
	"github.com/zeta-vcs/cascore/modules/casobj/variant"
)

func sampleBatch(t *testing.T) *variant.ColumnBatch {
	t.Helper()
	objs := []variant.BatchObject{
		{SHA: "aaaa", Type: hash.BlobObject, Payload: []byte("hello")},
		{SHA: "bbbb", Type: hash.CommitObject, Payload: []byte(
			"tree " + "0000000000000000000000000000000000000000" + "\n" +
				"author A <a@example.com> 1000 +0000\n" +
				"committer A <a@example.com> 1000 +0000\n\nmsg\n")},
	}
	b, err := variant.EncodeBatch(objs, "repo-prefix", variant.InlineThreshold)
	require.NoError(t, err)
	return b
}

func TestEncodeDecodeRoundTripEachCodec(t *testing.T) {
	for _, codec := range []Codec{CodecNone, CodecSnappy, CodecZstd} {
		t.Run(string(codec), func(t *testing.T) {
			batch := sampleBatch(t)
			data, err := Encode(batch, codec)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			require.Equal(t, batch.SHAs, got.SHAs)
			require.Equal(t, batch.Types, got.Types)
			require.Equal(t, batch.Sizes, got.Sizes)
			require.Equal(t, batch.Storages, got.Storages)
			require.Equal(t, batch.RawData, got.RawData)
			require.Equal(t, *batch.AuthorNames[1], *got.AuthorNames[1])
			require.Equal(t, *batch.Messages[1], *got.Messages[1])
			require.Nil(t, got.AuthorNames[0])
		})
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	_, err := Decode([]byte("not-a-columnar-file"))
	require.Error(t, err)
}

func TestDecodeRejectsTruncated(t *testing.T) {
	batch := sampleBatch(t)
	data, err := Encode(batch, CodecNone)
	require.NoError(t, err)
	_, err = Decode(data[:len(data)-4])
	require.Error(t, err)
}
