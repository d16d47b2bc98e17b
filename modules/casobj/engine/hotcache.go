// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/sirupsen/logrus"
)

// hotReadCacheTTL bounds how long a materialised object can shortcut repeat
// GetObject calls, so it can never outlive a tombstone or compaction
// indefinitely. The durable bloom/exact-SHA semantics are authoritative;
// this is volatile, process-local sugar on top.
const hotReadCacheTTL = time.Hour

// hotReadCache is a thin Get/SetWithTTL façade over ristretto, specialised
// to the one value type GetObject actually produces. A construction failure
// degrades to "no cache" rather than failing the engine, since this layer
// is pure performance sugar.
type hotReadCache struct {
	cache *ristretto.Cache[string, *Object]
}

func newHotReadCache() *hotReadCache {
	c, err := ristretto.NewCache(&ristretto.Config[string, *Object]{
		NumCounters: 1e6,
		MaxCost:     1 << 26, // 64 MiB of cached decoded objects
		BufferItems: 64,
	})
	if err != nil {
		logrus.Warnf("casobj/engine: hot-read cache disabled: %v", err)
		return &hotReadCache{}
	}
	return &hotReadCache{cache: c}
}

func (h *hotReadCache) get(sha string) (*Object, bool) {
	if h == nil || h.cache == nil {
		return nil, false
	}
	return h.cache.Get(sha)
}

func (h *hotReadCache) set(sha string, obj *Object) {
	if h == nil || h.cache == nil {
		return
	}
	h.cache.SetWithTTL(sha, obj, int64(len(obj.Content))+1, hotReadCacheTTL)
}

func (h *hotReadCache) remove(sha string) {
	if h == nil || h.cache == nil {
		return
	}
	h.cache.Del(sha)
}

func (h *hotReadCache) clear() {
	if h == nil || h.cache == nil {
		return
	}
	h.cache.Clear()
}
