// SPDX-License-Identifier: Apache-2.0

package variant

import (
	"fmt"

	"github.com/zeta-vcs/cascore/modules/casobj/hash"
)

// StorageMode is the routing decision made for one object's payload,
// derived from its type, length, and prefix.
type StorageMode string

const (
	Inline StorageMode = "inline"
	LFS    StorageMode = "lfs"
	R2     StorageMode = "r2"
)

// InlineThreshold is the default payload length above which a payload is
// routed to remote overflow storage instead of being inlined in the
// columnar file. Config overrides this (pkg/casconfig).
const InlineThreshold = 1 << 20 // 1 MiB

const lfsPointerMaxBytes = 512

const lfsPointerPrefix = "version https://git-lfs.github.com/spec/v1"

// DetectStorageMode classifies a payload: lfs takes priority over inline
// for small blob payloads that are actually LFS pointer text; anything over
// inlineThreshold is r2 regardless of type. Pass InlineThreshold for the
// default.
func DetectStorageMode(t hash.ObjectType, payload []byte, inlineThreshold int64) StorageMode {
	if int64(len(payload)) > inlineThreshold {
		return R2
	}
	if t == hash.BlobObject && len(payload) < lfsPointerMaxBytes && looksLikeLFSPointer(payload) {
		return LFS
	}
	return Inline
}

func looksLikeLFSPointer(payload []byte) bool {
	if len(payload) < len(lfsPointerPrefix) {
		return false
	}
	return string(payload[:len(lfsPointerPrefix)]) == lfsPointerPrefix
}

// EncodedRow is one object's representation inside a columnar file.
type EncodedRow struct {
	SHA             string
	Type            hash.ObjectType
	Size            int64
	Storage         StorageMode
	VariantMetadata []byte
	VariantValue    []byte
	RawData         []byte // only set when Storage == Inline
	Path            *string
	AuthorName      *string
	AuthorDateMS    *int64
	Message         *string
}

// EncodeOptions carries the per-call context encodeObject needs beyond the
// object's own bytes.
type EncodeOptions struct {
	Path            *string
	R2Prefix        string
	InlineThreshold int64
}

// rawKey builds the "raw/{sha[0:2]}/{sha[2:]}" overflow key shape shared by
// the r2 and lfs storage modes.
func rawKey(prefix, sha string) string {
	if len(sha) < 2 {
		return fmt.Sprintf("%s/raw/%s", prefix, sha)
	}
	return fmt.Sprintf("%s/raw/%s/%s", prefix, sha[:2], sha[2:])
}

// EncodeObject turns one object into its columnar row, including the
// variant (metadata, value) pair that records how to fetch its payload.
func EncodeObject(sha string, t hash.ObjectType, payload []byte, opts EncodeOptions) (*EncodedRow, error) {
	threshold := opts.InlineThreshold
	if threshold == 0 {
		threshold = InlineThreshold
	}
	mode := DetectStorageMode(t, payload, threshold)
	row := &EncodedRow{
		SHA:     sha,
		Type:    t,
		Size:    int64(len(payload)),
		Storage: mode,
		Path:    opts.Path,
	}

	var routing Value
	switch mode {
	case Inline:
		row.RawData = payload
		routing = Bytes(payload)
	case R2:
		routing = Object(map[string]Value{
			"r2_key": String(rawKey(opts.R2Prefix, sha)),
			"size":   Int(int64(len(payload))),
		})
	case LFS:
		ptr, err := ParseLFSPointer(payload)
		if err != nil {
			// The payload matched the literal LFS-pointer prefix but its
			// oid/size lines are missing or malformed. Same tolerance as
			// ExtractCommitFields: fall back to r2-style routing keyed by
			// the object's own sha instead of failing the whole batch over
			// one bad object.
			routing = Object(map[string]Value{
				"r2_key":  String(rawKey(opts.R2Prefix, sha)),
				"size":    Int(int64(len(payload))),
				"pointer": Bool(false),
			})
			break
		}
		routing = Object(map[string]Value{
			"r2_key":  String(fmt.Sprintf("%s/lfs/%s/%s", opts.R2Prefix, ptr.OID[:2], ptr.OID[2:])),
			"oid":     String(ptr.OID),
			"size":    Int(ptr.Size),
			"pointer": Bool(true),
		})
	}

	metadata, value := Encode(routing)
	row.VariantMetadata = metadata
	row.VariantValue = value

	if t == hash.CommitObject {
		if fields := ExtractCommitFields(payload); fields != nil {
			row.AuthorName = &fields.AuthorName
			row.AuthorDateMS = &fields.AuthorDateMS
			row.Message = &fields.Message
		}
	}
	return row, nil
}

// ColumnBatch is the parallel-vector form encodeBatch produces: one slot per
// input object, in input order, ready to be written as column vectors in a
// columnar file.
type ColumnBatch struct {
	SHAs         []string
	Types        []hash.ObjectType
	Sizes        []int64
	Paths        []*string
	Storages     []StorageMode
	VariantMeta  [][]byte
	VariantValue [][]byte
	RawData      [][]byte
	AuthorNames  []*string
	AuthorDates  []*int64
	Messages     []*string
}

// BatchObject is one input to EncodeBatch.
type BatchObject struct {
	SHA     string
	Type    hash.ObjectType
	Payload []byte
	Path    *string
}

// EncodeBatch encodes a slice of objects into parallel column vectors,
// preserving input order.
func EncodeBatch(objects []BatchObject, r2Prefix string, inlineThreshold int64) (*ColumnBatch, error) {
	b := &ColumnBatch{
		SHAs:         make([]string, len(objects)),
		Types:        make([]hash.ObjectType, len(objects)),
		Sizes:        make([]int64, len(objects)),
		Paths:        make([]*string, len(objects)),
		Storages:     make([]StorageMode, len(objects)),
		VariantMeta:  make([][]byte, len(objects)),
		VariantValue: make([][]byte, len(objects)),
		RawData:      make([][]byte, len(objects)),
		AuthorNames:  make([]*string, len(objects)),
		AuthorDates:  make([]*int64, len(objects)),
		Messages:     make([]*string, len(objects)),
	}
	for i, o := range objects {
		row, err := EncodeObject(o.SHA, o.Type, o.Payload, EncodeOptions{Path: o.Path, R2Prefix: r2Prefix, InlineThreshold: inlineThreshold})
		if err != nil {
			return nil, err
		}
		b.SHAs[i] = row.SHA
		b.Types[i] = row.Type
		b.Sizes[i] = row.Size
		b.Paths[i] = row.Path
		b.Storages[i] = row.Storage
		b.VariantMeta[i] = row.VariantMetadata
		b.VariantValue[i] = row.VariantValue
		b.RawData[i] = row.RawData
		b.AuthorNames[i] = row.AuthorName
		b.AuthorDates[i] = row.AuthorDateMS
		b.Messages[i] = row.Message
	}
	return b, nil
}
