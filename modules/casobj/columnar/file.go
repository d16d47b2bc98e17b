// SPDX-License-Identifier: Apache-2.0

// Package columnar serialises a variant.ColumnBatch to and from the
// immutable columnar file format: one file per flush or compaction, holding
// the batch's parallel column vectors serialised row by row as
// length-prefixed fields, with optional whole-file compression.
package columnar

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"

	"github.com/zeta-vcs/cascore/modules/casobj/hash"
	"github.com/zeta-vcs/cascore/modules/casobj/variant"
)

// Codec selects the whole-file compression applied around the serialised
// column vectors.
type Codec string

const (
	CodecSnappy Codec = "SNAPPY"
	CodecZstd   Codec = "ZSTD"
	CodecNone   Codec = "NONE"
)

const magic = "CASC"
const formatVersion = 1

var zstdEncoders = sync.Pool{
	New: func() any {
		e, _ := zstd.NewWriter(nil)
		return e
	},
}

var zstdDecoders = sync.Pool{
	New: func() any {
		d, _ := zstd.NewReader(nil)
		return d
	},
}

// Encode serialises a batch into one columnar file's bytes, using codec for
// the whole-file payload.
func Encode(batch *variant.ColumnBatch, codec Codec) ([]byte, error) {
	var raw bytes.Buffer
	n := len(batch.SHAs)
	writeUint32(&raw, uint32(n))
	for i := 0; i < n; i++ {
		writeString(&raw, batch.SHAs[i])
		writeString(&raw, string(batch.Types[i]))
		writeInt64(&raw, batch.Sizes[i])
		writeString(&raw, string(batch.Storages[i]))
		writeBytes(&raw, batch.VariantMeta[i])
		writeBytes(&raw, batch.VariantValue[i])
		writeBytes(&raw, batch.RawData[i])
		writeOptString(&raw, batch.Paths[i])
		writeOptString(&raw, batch.AuthorNames[i])
		writeOptInt64(&raw, batch.AuthorDates[i])
		writeOptString(&raw, batch.Messages[i])
	}

	payload, err := compress(raw.Bytes(), codec)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	out.WriteString(magic)
	writeUint32(&out, formatVersion)
	writeString(&out, string(codec))
	out.Write(payload)
	return out.Bytes(), nil
}

// Decode parses a columnar file's bytes back into a ColumnBatch. Any
// structural inconsistency is reported as a wrapped error so the caller can
// treat the file as corrupt (log, skip during compaction).
func Decode(data []byte) (*variant.ColumnBatch, error) {
	r := bytes.NewReader(data)
	hdr := make([]byte, len(magic))
	if _, err := io.ReadFull(r, hdr); err != nil || string(hdr) != magic {
		return nil, fmt.Errorf("casobj/columnar: bad magic")
	}
	version, err := readUint32(r)
	if err != nil || version != formatVersion {
		return nil, fmt.Errorf("casobj/columnar: unsupported format version")
	}
	codecName, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("casobj/columnar: %w", err)
	}
	rest, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("casobj/columnar: %w", err)
	}
	raw, err := decompress(rest, Codec(codecName))
	if err != nil {
		return nil, fmt.Errorf("casobj/columnar: %w", err)
	}

	rr := bytes.NewReader(raw)
	n, err := readUint32(rr)
	if err != nil {
		return nil, fmt.Errorf("casobj/columnar: %w", err)
	}
	b := &variant.ColumnBatch{
		SHAs:         make([]string, n),
		Types:        make([]hash.ObjectType, n),
		Sizes:        make([]int64, n),
		Paths:        make([]*string, n),
		Storages:     make([]variant.StorageMode, n),
		VariantMeta:  make([][]byte, n),
		VariantValue: make([][]byte, n),
		RawData:      make([][]byte, n),
		AuthorNames:  make([]*string, n),
		AuthorDates:  make([]*int64, n),
		Messages:     make([]*string, n),
	}
	for i := uint32(0); i < n; i++ {
		sha, err := readString(rr)
		if err != nil {
			return nil, fmt.Errorf("casobj/columnar: row %d: %w", i, err)
		}
		typ, err := readString(rr)
		if err != nil {
			return nil, fmt.Errorf("casobj/columnar: row %d: %w", i, err)
		}
		size, err := readInt64(rr)
		if err != nil {
			return nil, fmt.Errorf("casobj/columnar: row %d: %w", i, err)
		}
		storage, err := readString(rr)
		if err != nil {
			return nil, fmt.Errorf("casobj/columnar: row %d: %w", i, err)
		}
		meta, err := readBytes(rr)
		if err != nil {
			return nil, fmt.Errorf("casobj/columnar: row %d: %w", i, err)
		}
		value, err := readBytes(rr)
		if err != nil {
			return nil, fmt.Errorf("casobj/columnar: row %d: %w", i, err)
		}
		rawData, err := readBytes(rr)
		if err != nil {
			return nil, fmt.Errorf("casobj/columnar: row %d: %w", i, err)
		}
		path, err := readOptString(rr)
		if err != nil {
			return nil, fmt.Errorf("casobj/columnar: row %d: %w", i, err)
		}
		author, err := readOptString(rr)
		if err != nil {
			return nil, fmt.Errorf("casobj/columnar: row %d: %w", i, err)
		}
		authorDate, err := readOptInt64(rr)
		if err != nil {
			return nil, fmt.Errorf("casobj/columnar: row %d: %w", i, err)
		}
		message, err := readOptString(rr)
		if err != nil {
			return nil, fmt.Errorf("casobj/columnar: row %d: %w", i, err)
		}
		b.SHAs[i] = sha
		b.Types[i] = hash.ObjectType(typ)
		b.Sizes[i] = size
		b.Storages[i] = variant.StorageMode(storage)
		b.VariantMeta[i] = meta
		b.VariantValue[i] = value
		b.RawData[i] = rawData
		b.Paths[i] = path
		b.AuthorNames[i] = author
		b.AuthorDates[i] = authorDate
		b.Messages[i] = message
	}
	return b, nil
}

func compress(data []byte, codec Codec) ([]byte, error) {
	switch codec {
	case CodecNone, "":
		return data, nil
	case CodecSnappy:
		return s2.EncodeSnappy(nil, data), nil
	case CodecZstd:
		enc := zstdEncoders.Get().(*zstd.Encoder)
		defer zstdEncoders.Put(enc)
		var buf bytes.Buffer
		enc.Reset(&buf)
		if _, err := enc.Write(data); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("casobj/columnar: unknown codec %q", codec)
	}
}

func decompress(data []byte, codec Codec) ([]byte, error) {
	switch codec {
	case CodecNone, "":
		return data, nil
	case CodecSnappy:
		return s2.Decode(nil, data)
	case CodecZstd:
		dec := zstdDecoders.Get().(*zstd.Decoder)
		defer zstdDecoders.Put(dec)
		if err := dec.Reset(bytes.NewReader(data)); err != nil {
			return nil, err
		}
		return io.ReadAll(dec)
	default:
		return nil, fmt.Errorf("casobj/columnar: unknown codec %q", codec)
	}
}
