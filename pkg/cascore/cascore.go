// SPDX-License-Identifier: Apache-2.0

// Package cascore is the wiring façade that turns a casconfig.Config into a
// ready-to-use engine.Engine: pick the blob and KV collaborators by kind,
// construct them, hand them to the component that does the real work.
package cascore

import (
	"context"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/zeta-vcs/cascore/modules/casobj/blobstore"
	"github.com/zeta-vcs/cascore/modules/casobj/engine"
	"github.com/zeta-vcs/cascore/modules/casobj/kvstore"
	"github.com/zeta-vcs/cascore/pkg/casconfig"
)

// Store bundles an Engine with the collaborators it was built from, so
// callers that need direct blob/kv access (e.g. an admin tool inspecting raw
// overflow objects) don't have to reconstruct them separately.
type Store struct {
	*engine.Engine

	Blob blobstore.Store
	KV   kvstore.KVStore
}

// Open builds the blob store and KV store named by cfg and wires them into a
// new engine.Engine. The returned Store's Close releases the KV store's
// connection pool; the engine itself holds no separate resources to close.
func Open(ctx context.Context, cfg casconfig.Config) (*Store, error) {
	blob, err := openBlobStore(ctx, cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("cascore: open blob store: %w", err)
	}
	kv, err := openKVStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("cascore: open kv store: %w", err)
	}
	eng := engine.New(cfg.EngineConfig(), blob, kv)
	return &Store{Engine: eng, Blob: blob, KV: kv}, nil
}

// Close releases the KV store's underlying connection pool.
func (s *Store) Close() error {
	return s.KV.Close()
}

func openBlobStore(ctx context.Context, cfg casconfig.BlobConfig) (blobstore.Store, error) {
	switch cfg.Kind {
	case "", "memory":
		return blobstore.NewMemory(), nil
	case "disk":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("cascore: blob.dir is required for kind=disk")
		}
		return blobstore.NewDisk(cfg.Dir)
	case "s3":
		return blobstore.NewS3(ctx, blobstore.S3Options{
			Region:          cfg.Region,
			Bucket:          cfg.Bucket,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			UsePathStyle:    cfg.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("cascore: unknown blob.kind %q", cfg.Kind)
	}
}

func openKVStore(cfg casconfig.StoreConfig) (kvstore.KVStore, error) {
	switch cfg.Kind {
	case "", "sqlite":
		return kvstore.OpenSQLite(cfg.Path)
	case "mysql":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("cascore: store.dsn is required for kind=mysql")
		}
		mcfg, err := mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("cascore: parse mysql dsn: %w", err)
		}
		return kvstore.OpenMySQL(mcfg)
	default:
		return nil, fmt.Errorf("cascore: unknown store.kind %q", cfg.Kind)
	}
}
