// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/zeta-vcs/cascore/modules/casobj/hash"
	"github.com/zeta-vcs/cascore/modules/casobj/variant"
)

// compactRow is the unified per-object representation Compact merges from
// both already-encoded columnar-file rows and still-buffered objects before
// re-encoding them into the one output file.
type compactRow = variant.EncodedRow

// compactRowFromBatch copies row i of an already-decoded columnar file's
// batch verbatim — a compacted row for an object that was already flushed
// carries forward its existing encoding rather than being recomputed from
// payload bytes the engine may no longer hold in memory (e.g. r2/lfs
// overflow objects, whose payload lives only on the blob store).
func compactRowFromBatch(b *variant.ColumnBatch, i int) compactRow {
	return compactRow{
		SHA:             b.SHAs[i],
		Type:            b.Types[i],
		Size:            b.Sizes[i],
		Storage:         b.Storages[i],
		VariantMetadata: b.VariantMeta[i],
		VariantValue:    b.VariantValue[i],
		RawData:         b.RawData[i],
		Path:            b.Paths[i],
		AuthorName:      b.AuthorNames[i],
		AuthorDateMS:    b.AuthorDates[i],
		Message:         b.Messages[i],
	}
}

// compactRowFromBuffered encodes a still-buffered object the same way Flush
// would have, since it has never been through EncodeObject yet.
func (e *Engine) compactRowFromBuffered(bo *bufferedObject) (compactRow, error) {
	var path *string
	if bo.Path != "" {
		p := bo.Path
		path = &p
	}
	row, err := variant.EncodeObject(bo.SHA, bo.Type, bo.Data, variant.EncodeOptions{Path: path, R2Prefix: e.cfg.Prefix, InlineThreshold: e.cfg.InlineThreshold})
	if err != nil {
		return compactRow{}, err
	}
	return *row, nil
}

// compactRowsToBatch assembles the merged rows into the parallel-vector form
// columnar.Encode expects.
func compactRowsToBatch(rows []compactRow) *variant.ColumnBatch {
	b := &variant.ColumnBatch{
		SHAs:         make([]string, len(rows)),
		Types:        make([]hash.ObjectType, len(rows)),
		Sizes:        make([]int64, len(rows)),
		Paths:        make([]*string, len(rows)),
		Storages:     make([]variant.StorageMode, len(rows)),
		VariantMeta:  make([][]byte, len(rows)),
		VariantValue: make([][]byte, len(rows)),
		RawData:      make([][]byte, len(rows)),
		AuthorNames:  make([]*string, len(rows)),
		AuthorDates:  make([]*int64, len(rows)),
		Messages:     make([]*string, len(rows)),
	}
	for i, r := range rows {
		b.SHAs[i] = r.SHA
		b.Types[i] = r.Type
		b.Sizes[i] = r.Size
		b.Paths[i] = r.Path
		b.Storages[i] = r.Storage
		b.VariantMeta[i] = r.VariantMetadata
		b.VariantValue[i] = r.VariantValue
		b.RawData[i] = r.RawData
		b.AuthorNames[i] = r.AuthorName
		b.AuthorDates[i] = r.AuthorDateMS
		b.Messages[i] = r.Message
	}
	return b
}
