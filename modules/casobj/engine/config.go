// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/zeta-vcs/cascore/modules/casobj/blobstore"
	"github.com/zeta-vcs/cascore/modules/casobj/bloom"
	"github.com/zeta-vcs/cascore/modules/casobj/columnar"
)

// Config is the engine's tunables. pkg/casconfig loads these from TOML plus
// an environment overlay; the zero value of Config is never used directly
// by an Engine — New fills in any zero field with its documented default.
type Config struct {
	Prefix string // per-repository key prefix on the blob store

	FlushThreshold       int
	FlushBytesThreshold  int64
	MaxBufferObjects     int
	MaxBufferBytes       int64
	Codec                columnar.Codec
	InlineThreshold      int64
	VerifyBloomNegatives bool

	Bloom bloom.Config

	// PostFlushHandler, if set, is invoked after a successful flush with
	// the record of what was written. Its errors are logged and swallowed,
	// never propagated to the caller of Flush.
	PostFlushHandler func(FlushNotification)
}

// FlushNotification is what Flush hands to the optional post-flush handler.
// BlobStoreRef lets the handler write additional artifacts under Prefix
// using the same blob store Flush just wrote to.
type FlushNotification struct {
	ParquetKey    string
	FileSizeBytes int64
	RecordCount   int
	BlobStoreRef  blobstore.Store
	Prefix        string
}

// DefaultConfig returns the engine's documented defaults.
func DefaultConfig() Config {
	return Config{
		FlushThreshold:      1000,
		FlushBytesThreshold: 10 * 1024 * 1024,
		MaxBufferObjects:    10000,
		MaxBufferBytes:      50 * 1024 * 1024,
		Codec:               columnar.CodecSnappy,
		InlineThreshold:     1 << 20,
		Bloom:               bloom.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FlushThreshold == 0 {
		c.FlushThreshold = d.FlushThreshold
	}
	if c.FlushBytesThreshold == 0 {
		c.FlushBytesThreshold = d.FlushBytesThreshold
	}
	if c.MaxBufferObjects == 0 {
		c.MaxBufferObjects = d.MaxBufferObjects
	}
	if c.MaxBufferBytes == 0 {
		c.MaxBufferBytes = d.MaxBufferBytes
	}
	if c.Codec == "" {
		c.Codec = d.Codec
	}
	if c.InlineThreshold == 0 {
		c.InlineThreshold = d.InlineThreshold
	}
	if c.Bloom.FilterBits == 0 {
		c.Bloom.FilterBits = d.Bloom.FilterBits
	}
	if c.Bloom.HashCount == 0 {
		c.Bloom.HashCount = d.Bloom.HashCount
	}
	if c.Bloom.SegmentThreshold == 0 {
		c.Bloom.SegmentThreshold = d.Bloom.SegmentThreshold
	}
	if c.Bloom.MaxSegments == 0 {
		c.Bloom.MaxSegments = d.Bloom.MaxSegments
	}
	if c.Bloom.ExactCacheLimit == 0 {
		c.Bloom.ExactCacheLimit = d.Bloom.ExactCacheLimit
	}
	return c
}
