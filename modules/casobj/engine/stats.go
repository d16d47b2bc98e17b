// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/zeta-vcs/cascore/modules/casobj/columnar"
	"github.com/zeta-vcs/cascore/modules/casobj/variant"
)

// BloomStats is the bloom-cache section of Stats.
type BloomStats struct {
	Items          int
	FalsePositive  float64
	Segments       int
	ExactCacheSize int
}

// LargestFile names the biggest currently-live columnar file.
type LargestFile struct {
	Key         string
	RecordCount int
	SizeBytes   int64
}

// Stats is GetStats's answer: the buffer/file/bloom counters plus the
// LargestFile and OverflowObjects extras, which a caller is free to ignore.
type Stats struct {
	BufferedObjects int
	BufferedBytes   int64
	ParquetFiles    int
	Bloom           BloomStats

	LargestFile     *LargestFile
	OverflowObjects int
}

// GetStats reports the engine's current buffer/file/bloom state. It scans
// the current columnar files to compute LargestFile/OverflowObjects, which
// costs one blob.Get per file; callers that poll this frequently should rely
// on the reflog-style Audit() ring buffer instead for lightweight recent
// activity.
func (e *Engine) GetStats(ctx context.Context) (Stats, error) {
	if err := e.ensureInitialized(ctx); err != nil {
		return Stats{}, err
	}

	e.stateMu.Lock()
	bufferedObjects := len(e.buffer)
	bufferedBytes := e.bufferBytes
	fileKeys := append([]string(nil), e.objectFileKeys...)
	overflow := 0
	for _, bo := range e.buffer {
		if variant.DetectStorageMode(bo.Type, bo.Data, e.cfg.InlineThreshold) != variant.Inline {
			overflow++
		}
	}
	e.stateMu.Unlock()

	exactSize, err := e.bloomCache.ExactCacheSize(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("casobj/engine: stats: %w", err)
	}

	stats := Stats{
		BufferedObjects: bufferedObjects,
		BufferedBytes:   bufferedBytes,
		ParquetFiles:    len(fileKeys),
		Bloom: BloomStats{
			Items:          e.bloomCache.Items(),
			FalsePositive:  e.bloomCache.FalsePositiveRate(),
			Segments:       e.bloomCache.SegmentCount(),
			ExactCacheSize: exactSize,
		},
		OverflowObjects: overflow,
	}

	for _, key := range fileKeys {
		data, err := e.blob.Get(ctx, key)
		if err != nil {
			logrus.Warnf("casobj/engine: stats: skip unreadable file %s: %v", key, err)
			continue
		}
		batch, err := columnar.Decode(data)
		if err != nil {
			logrus.Warnf("casobj/engine: stats: skip undecodable file %s: %v", key, err)
			continue
		}
		for _, s := range batch.Storages {
			if s != variant.Inline {
				stats.OverflowObjects++
			}
		}
		if stats.LargestFile == nil || int64(len(data)) > stats.LargestFile.SizeBytes {
			stats.LargestFile = &LargestFile{Key: key, RecordCount: len(batch.SHAs), SizeBytes: int64(len(data))}
		}
	}

	return stats, nil
}

// Audit returns a copy of the in-memory reflog-style ring buffer of recent
// flush/compact records. This is observability sugar, never persisted and
// never a source of truth for recovery.
func (e *Engine) Audit() []string {
	e.auditMu.Lock()
	defer e.auditMu.Unlock()
	return append([]string(nil), e.audit...)
}
