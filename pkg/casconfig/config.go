// SPDX-License-Identifier: Apache-2.0

// Package casconfig loads the columnar CAS engine's tunables from a TOML
// file, with an environment-variable overlay applied afterward for
// container-friendly overrides.
package casconfig

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/zeta-vcs/cascore/modules/casobj/bloom"
	"github.com/zeta-vcs/cascore/modules/casobj/columnar"
	"github.com/zeta-vcs/cascore/modules/casobj/engine"
)

// Config is the on-disk/TOML shape of an engine.Config, plus the
// collaborator connection settings cascore.Open needs to build the engine's
// blobstore/kvstore. Zero-valued fields fall back to engine.DefaultConfig's
// defaults, so an empty Config is always usable for local development
// against the in-memory/sqlite collaborators.
type Config struct {
	Prefix string `toml:"prefix"`

	FlushThreshold       int    `toml:"flush_threshold,omitempty"`
	FlushBytesThreshold  int64  `toml:"flush_bytes_threshold,omitempty"`
	MaxBufferObjects     int    `toml:"max_buffer_objects,omitempty"`
	MaxBufferBytes       int64  `toml:"max_buffer_bytes,omitempty"`
	Codec                string `toml:"codec,omitempty"`
	InlineThreshold      int64  `toml:"inline_threshold,omitempty"`
	VerifyBloomNegatives bool   `toml:"verify_bloom_negatives,omitempty"`

	Bloom BloomConfig `toml:"bloom,omitempty"`

	Blob  BlobConfig  `toml:"blob,omitempty"`
	Store StoreConfig `toml:"store,omitempty"`
}

// BloomConfig mirrors bloom.Config's TOML surface.
type BloomConfig struct {
	FilterBits       uint64 `toml:"filter_bits,omitempty"`
	HashCount        int    `toml:"hash_count,omitempty"`
	SegmentThreshold int    `toml:"segment_threshold,omitempty"`
	MaxSegments      int    `toml:"max_segments,omitempty"`
	ExactCacheLimit  int    `toml:"exact_cache_limit,omitempty"`
}

// BlobConfig selects and configures the blob-store collaborator.
type BlobConfig struct {
	Kind string `toml:"kind"` // "memory" | "disk" | "s3"

	// disk
	Dir string `toml:"dir,omitempty"`

	// s3
	Region          string `toml:"region,omitempty"`
	Bucket          string `toml:"bucket,omitempty"`
	Endpoint        string `toml:"endpoint,omitempty"`
	AccessKeyID     string `toml:"access_key_id,omitempty"`
	SecretAccessKey string `toml:"secret_access_key,omitempty"`
	UsePathStyle    bool   `toml:"use_path_style,omitempty"`
}

// StoreConfig selects and configures the local KV-store collaborator.
type StoreConfig struct {
	Kind string `toml:"kind"` // "sqlite" | "mysql"

	// sqlite
	Path string `toml:"path,omitempty"`

	// mysql
	DSN string `toml:"dsn,omitempty"`
}

// Load reads path as TOML into a Config, then applies the CASCORE_* env
// overlay: each env var wins over whatever the file set. Whole fields are
// overlaid after decode rather than expanded inline, since most of the
// tunables are numeric rather than path-like strings.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("casconfig: decode %s: %w", path, err)
		}
	}
	applyEnvOverlay(&cfg)
	return cfg, nil
}

func applyEnvOverlay(cfg *Config) {
	if v, ok := os.LookupEnv("CASCORE_PREFIX"); ok {
		cfg.Prefix = v
	}
	envInt("CASCORE_FLUSH_THRESHOLD", &cfg.FlushThreshold)
	envInt64("CASCORE_FLUSH_BYTES_THRESHOLD", &cfg.FlushBytesThreshold)
	envInt("CASCORE_MAX_BUFFER_OBJECTS", &cfg.MaxBufferObjects)
	envInt64("CASCORE_MAX_BUFFER_BYTES", &cfg.MaxBufferBytes)
	if v, ok := os.LookupEnv("CASCORE_CODEC"); ok {
		cfg.Codec = v
	}
	envInt64("CASCORE_INLINE_THRESHOLD", &cfg.InlineThreshold)
	envBool("CASCORE_VERIFY_BLOOM_NEGATIVES", &cfg.VerifyBloomNegatives)
}

func envInt(name string, dst *int) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v, ok := os.LookupEnv(name); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// EngineConfig converts the TOML/env-loaded Config into an engine.Config.
// Fields left at their zero value stay zero here; engine.New fills them with
// engine.DefaultConfig's defaults.
func (c Config) EngineConfig() engine.Config {
	return engine.Config{
		Prefix:               c.Prefix,
		FlushThreshold:       c.FlushThreshold,
		FlushBytesThreshold:  c.FlushBytesThreshold,
		MaxBufferObjects:     c.MaxBufferObjects,
		MaxBufferBytes:       c.MaxBufferBytes,
		Codec:                columnar.Codec(c.Codec),
		InlineThreshold:      c.InlineThreshold,
		VerifyBloomNegatives: c.VerifyBloomNegatives,
		Bloom: bloom.Config{
			FilterBits:       c.Bloom.FilterBits,
			HashCount:        c.Bloom.HashCount,
			SegmentThreshold: c.Bloom.SegmentThreshold,
			MaxSegments:      c.Bloom.MaxSegments,
			ExactCacheLimit:  c.Bloom.ExactCacheLimit,
		},
	}
}
