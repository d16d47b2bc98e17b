// SPDX-License-Identifier: Apache-2.0

// Package engine is the columnar content-addressed object store itself. It
// buffers incoming writes, flushes them to immutable columnar files on the
// blob store, serves reads by scanning those files newest-first, tombstones
// deletions, and compacts files — coordinating the hasher, variant codec,
// bloom cache, blob-store I/O, write-ahead log, and compaction journal
// under a reader/writer lock and a flush mutex.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/zeta-vcs/cascore/modules/casobj/blobstore"
	"github.com/zeta-vcs/cascore/modules/casobj/bloom"
	"github.com/zeta-vcs/cascore/modules/casobj/columnar"
	"github.com/zeta-vcs/cascore/modules/casobj/hash"
	"github.com/zeta-vcs/cascore/modules/casobj/journal"
	"github.com/zeta-vcs/cascore/modules/casobj/kvstore"
	"github.com/zeta-vcs/cascore/modules/casobj/variant"
	"github.com/zeta-vcs/cascore/modules/casobj/walog"
)

// bufferedObject is the in-memory form of one not-yet-flushed write:
// sha/type/data/path plus the WAL row id so that row can be cleared once
// the flush that persisted it succeeds.
type bufferedObject struct {
	SHA   string
	Type  hash.ObjectType
	Data  []byte
	Path  string
	WALID int64
}

// Object is what GetObject returns on a hit: the object's type and raw
// payload.
type Object struct {
	Type    hash.ObjectType
	Content []byte
}

// Engine is the columnar CAS engine. The zero value is not usable; build one
// with New. An Engine owns its locks, buffer, bloom cache, and journal —
// there is no process-wide singleton, and a host may run any number of
// independently configured Engines (one per repository prefix) against the
// same collaborators.
type Engine struct {
	cfg  Config
	blob blobstore.Store
	kv   kvstore.KVStore

	bloomCache *bloom.Cache
	wal        *walog.Log
	journal    *journal.Journal

	// rwLock governs concurrency with Compact: PutObject, GetObject,
	// HasObject, and Flush all take the reader side and may run concurrently
	// with each other; Compact takes the writer side exclusively. Go's
	// sync.RWMutex is writer-preferring (a blocked Lock call stops new
	// RLock calls from jumping the queue), so a lone compaction eventually
	// proceeds under sustained read/write load.
	rwLock sync.RWMutex
	// flushMutex serialises Flush with itself even though two concurrent
	// flushes would both hold only the reader side of rwLock. Acquired
	// before rwLock, never the other way around.
	flushMutex sync.Mutex
	// stateMu protects the actual mutation of the fields below: the
	// operations above hold only rwLock's reader side and may run in
	// parallel, so the buffer/index/tombstone writes underneath need their
	// own serialisation.
	stateMu sync.Mutex

	buffer         []*bufferedObject
	bufferIndex    map[string]*bufferedObject
	bufferBytes    int64
	walIDs         []int64
	objectFileKeys []string // order = newest last
	tombstones     map[string]struct{}
	compactionFlag bool

	initOnce sync.Once
	initErr  error

	// scanGroup collapses concurrent GetObject calls for the same in-flight
	// SHA into one underlying multi-file scan.
	scanGroup singleflight.Group

	auditMu sync.Mutex
	audit   []string // reflog-style ring of recent flush/compact records

	hotCache *hotReadCache // volatile read acceleration, may be disabled
}

const auditRingCapacity = 256

// New constructs an Engine against the given collaborators. It does not
// block on initialization; the first call to any operation triggers the
// one-shot initialize(), memoised via initOnce.
func New(cfg Config, blob blobstore.Store, kv kvstore.KVStore) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:         cfg,
		blob:        blob,
		kv:          kv,
		bufferIndex: make(map[string]*bufferedObject),
		tombstones:  make(map[string]struct{}),
	}
	e.hotCache = newHotReadCache()
	return e
}

// ensureInitialized runs initialize() exactly once across the Engine's
// lifetime.
func (e *Engine) ensureInitialized(ctx context.Context) error {
	e.initOnce.Do(func() {
		e.initErr = e.initialize(ctx)
	})
	return e.initErr
}

// initialize runs the startup steps in order: create the WAL and journal
// tables, load the bloom cache, list the current columnar files, recover
// any interrupted compaction, then replay the WAL into the buffer. The
// steps have a real dependency chain (journal recovery needs the listed
// file keys; WAL replay needs the buffer to exist), so they are strictly
// sequential.
func (e *Engine) initialize(ctx context.Context) error {
	wal, err := walog.New(ctx, e.kv)
	if err != nil {
		return fmt.Errorf("casobj/engine: init wal: %w", err)
	}
	e.wal = wal

	j, err := journal.New(ctx, e.kv)
	if err != nil {
		return fmt.Errorf("casobj/engine: init journal: %w", err)
	}
	e.journal = j

	bc, err := bloom.NewCache(ctx, e.kv, e.cfg.Bloom)
	if err != nil {
		return fmt.Errorf("casobj/engine: init bloom cache: %w", err)
	}
	e.bloomCache = bc

	objectsPrefix := e.objectsPrefix()
	listed, err := e.blob.List(ctx, objectsPrefix)
	if err != nil {
		return fmt.Errorf("casobj/engine: list %s: %w", objectsPrefix, err)
	}
	keys := make([]string, 0, len(listed))
	for _, info := range listed {
		keys = append(keys, info.Key)
	}
	sort.Strings(keys)
	e.objectFileKeys = keys

	if err := e.recoverJournal(ctx); err != nil {
		return fmt.Errorf("casobj/engine: journal recovery: %w", err)
	}

	if err := e.replayWAL(ctx); err != nil {
		return fmt.Errorf("casobj/engine: wal replay: %w", err)
	}
	return nil
}

func (e *Engine) objectsPrefix() string {
	return e.cfg.Prefix + "/objects/"
}

func (e *Engine) rawKey(sha string) string {
	if len(sha) < 2 {
		return fmt.Sprintf("%s/raw/%s", e.cfg.Prefix, sha)
	}
	return fmt.Sprintf("%s/raw/%s/%s", e.cfg.Prefix, sha[:2], sha[2:])
}

// recoverJournal finishes or rolls back any compaction interrupted by a
// crash: written rows roll forward (delete sources, adopt the
// post-compaction file list), in_progress rows roll back (delete the
// partial target).
func (e *Engine) recoverJournal(ctx context.Context) error {
	pending, err := e.journal.Pending(ctx)
	if err != nil {
		return err
	}
	for _, entry := range pending {
		switch entry.Status {
		case journal.StatusWritten:
			for _, src := range entry.SourceKeys {
				if err := e.blob.Delete(ctx, src); err != nil {
					logrus.Warnf("casobj/engine: recovery: delete source %s: %v", src, err)
				}
			}
			e.objectFileKeys = replaceFileKeys(e.objectFileKeys, entry.SourceKeys, entry.TargetKey)
			if err := e.journal.Complete(ctx, entry.ID); err != nil {
				return fmt.Errorf("complete written journal row %d: %w", entry.ID, err)
			}
		case journal.StatusInProgress:
			if err := e.blob.Delete(ctx, entry.TargetKey); err != nil {
				logrus.Warnf("casobj/engine: recovery: delete partial target %s: %v", entry.TargetKey, err)
			}
			if err := e.journal.Complete(ctx, entry.ID); err != nil {
				return fmt.Errorf("complete in_progress journal row %d: %w", entry.ID, err)
			}
		}
	}
	return nil
}

// replaceFileKeys removes sources and appends target, preserving newest-last
// order and avoiding a duplicate if target is somehow already present.
func replaceFileKeys(keys, sources []string, target string) []string {
	drop := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		drop[s] = struct{}{}
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := drop[k]; ok {
			continue
		}
		if k == target {
			continue
		}
		out = append(out, k)
	}
	out = append(out, target)
	return out
}

// replayWAL replays rows into the in-memory buffer in id order, skipping
// any SHA already buffered (defensive against a partial clear).
func (e *Engine) replayWAL(ctx context.Context) error {
	rows, err := e.wal.Recover(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if _, ok := e.bufferIndex[row.SHA]; ok {
			continue
		}
		bo := &bufferedObject{SHA: row.SHA, Type: row.Type, Data: row.Data, Path: row.Path, WALID: row.ID}
		e.buffer = append(e.buffer, bo)
		e.bufferIndex[row.SHA] = bo
		e.bufferBytes += int64(len(row.Data))
		e.walIDs = append(e.walIDs, row.ID)
		if err := e.bloomCache.Add(ctx, row.SHA, row.Type, int64(len(row.Data))); err != nil {
			return fmt.Errorf("replay bloom add for %s: %w", row.SHA, err)
		}
	}
	return nil
}

// PutObject hashes and stores one object. Large/LFS payloads overflow to
// the blob store before the WAL row is appended; the WAL row is appended
// before the object is buffered; the bloom filter learns about the SHA
// before PutObject returns. A soft-trigger flush is dispatched after the
// reader lock is released; a hard-trigger flush is awaited inline, which is
// what makes the hard threshold an actual back-pressure mechanism rather
// than advisory.
func (e *Engine) PutObject(ctx context.Context, t hash.ObjectType, data []byte, path string) (string, error) {
	if err := e.ensureInitialized(ctx); err != nil {
		return "", err
	}
	if !hash.Valid(t) {
		return "", NewErrInvalidInput(fmt.Sprintf("unknown object type %q", t))
	}
	sha, err := hash.Object(t, data)
	if err != nil {
		return "", NewErrInvalidInput(err.Error())
	}

	mode := variant.DetectStorageMode(t, data, e.cfg.InlineThreshold)

	e.rwLock.RLock()
	defer e.rwLock.RUnlock()

	if mode == variant.R2 || mode == variant.LFS {
		if err := e.blob.Put(ctx, e.rawKey(sha), data); err != nil {
			return "", NewErrStorageUnavailable(fmt.Sprintf("overflow put %s", sha), err)
		}
	}

	walID, err := e.wal.Append(ctx, sha, t, data, path, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("casobj/engine: wal append %s: %w", sha, err)
	}

	e.stateMu.Lock()
	// A re-put of a deleted SHA resurrects it: the tombstone would otherwise
	// shadow the fresh buffer entry and compaction would drop it.
	delete(e.tombstones, sha)
	if _, dup := e.bufferIndex[sha]; dup {
		// Same SHA, same content. The buffer entry and its WAL row already
		// cover this write; keep exactly one of each so the next flush does
		// not double-count the object.
		e.stateMu.Unlock()
		if err := e.wal.Clear(ctx, []int64{walID}); err != nil {
			logrus.Warnf("casobj/engine: clear duplicate wal row for %s: %v", sha, err)
		}
		return sha, nil
	}
	bo := &bufferedObject{SHA: sha, Type: t, Data: data, Path: path, WALID: walID}
	e.buffer = append(e.buffer, bo)
	e.bufferIndex[sha] = bo
	e.bufferBytes += int64(len(data))
	e.walIDs = append(e.walIDs, walID)
	bufferedCount := len(e.buffer)
	bufferedBytes := e.bufferBytes
	hardTrip := bufferedCount >= e.cfg.MaxBufferObjects || bufferedBytes >= e.cfg.MaxBufferBytes
	softTrip := bufferedCount >= e.cfg.FlushThreshold || bufferedBytes >= e.cfg.FlushBytesThreshold
	e.checkInvariant()
	e.stateMu.Unlock()

	if err := e.bloomCache.Add(ctx, sha, t, int64(len(data))); err != nil {
		return "", fmt.Errorf("casobj/engine: bloom add %s: %w", sha, err)
	}

	if hardTrip {
		// Hard back-pressure: flush before returning control to the caller's
		// next PutObject, so a sustained writer self-throttles.
		// Flush acquires its own locks, which is why this call happens after
		// this method's deferred RUnlock would otherwise fire — we release
		// explicitly here instead of waiting for defer.
		e.rwLock.RUnlock()
		_, flushErr := e.Flush(ctx)
		e.rwLock.RLock() // reacquired so the deferred RUnlock above stays balanced
		if flushErr != nil {
			return sha, flushErr
		}
	} else if softTrip {
		go func() {
			if _, err := e.Flush(context.Background()); err != nil {
				logrus.Warnf("casobj/engine: background flush after soft trigger failed: %v", err)
			}
		}()
	}

	return sha, nil
}

// GetObject returns an object's type and payload, or nil if it is absent,
// tombstoned, or its SHA is syntactically invalid.
func (e *Engine) GetObject(ctx context.Context, sha string) (*Object, error) {
	if err := e.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	if !hash.ValidSHA(sha) {
		return nil, nil
	}

	e.rwLock.RLock()
	defer e.rwLock.RUnlock()

	e.stateMu.Lock()
	_, tombstoned := e.tombstones[sha]
	buffered, inBuffer := e.bufferIndex[sha]
	e.stateMu.Unlock()
	if tombstoned {
		return nil, nil
	}
	if inBuffer {
		if obj, ok := e.hotCache.get(sha); ok {
			return obj, nil
		}
		return &Object{Type: buffered.Type, Content: buffered.Data}, nil
	}

	if obj, ok := e.hotCache.get(sha); ok {
		return obj, nil
	}

	status, err := e.bloomCache.Check(ctx, sha)
	if err != nil {
		return nil, fmt.Errorf("casobj/engine: bloom check %s: %w", sha, err)
	}
	if status == bloom.Absent {
		return nil, nil
	}

	e.stateMu.Lock()
	fileKeys := append([]string(nil), e.objectFileKeys...)
	e.stateMu.Unlock()

	type scanHit struct {
		obj  *Object
		size int64
	}
	v, err, _ := e.scanGroup.Do(sha, func() (any, error) {
		obj, size, err := e.scanForObject(ctx, fileKeys, sha)
		if err != nil {
			return nil, err
		}
		return scanHit{obj: obj, size: size}, nil
	})
	if err != nil {
		return nil, err
	}
	hit := v.(scanHit)
	obj, size := hit.obj, hit.size
	if obj == nil {
		return nil, nil
	}
	if status == bloom.Probable {
		if err := e.bloomCache.Add(ctx, sha, obj.Type, size); err != nil {
			logrus.Warnf("casobj/engine: promote %s to definite: %v", sha, err)
		}
	}
	e.hotCache.set(sha, obj)
	return obj, nil
}

// scanForObject walks fileKeys newest-first, decoding each until it finds
// sha's row. Files are visited in parallel via
// errgroup, but the semantics are identical to a strictly sequential
// newest-first scan: when several files carry sha (a re-put after an earlier
// flush), only the match from the highest-index, newest file is kept.
func (e *Engine) scanForObject(ctx context.Context, fileKeys []string, sha string) (*Object, int64, error) {
	type found struct {
		idx  int
		obj  *Object
		size int64
	}
	results := make([]*found, len(fileKeys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := len(fileKeys) - 1; i >= 0; i-- {
		i := i
		g.Go(func() error {
			obj, size, err := e.readRowFromFile(gctx, fileKeys[i], sha)
			if err != nil {
				logrus.Warnf("casobj/engine: scan %s: %v", fileKeys[i], err)
				return nil
			}
			if obj != nil {
				results[i] = &found{idx: i, obj: obj, size: size}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	best := -1
	for i, r := range results {
		if r != nil && i > best {
			best = i
		}
	}
	if best == -1 {
		return nil, 0, nil
	}
	return results[best].obj, results[best].size, nil
}

// readRowFromFile fetches and decodes one columnar file, returning the
// object reconstructed from the row matching sha, or nil if absent from this
// file. Corruption in a single file is the caller's concern to log and skip;
// this method returns the error so the caller can decide.
func (e *Engine) readRowFromFile(ctx context.Context, key, sha string) (*Object, int64, error) {
	data, err := e.blob.Get(ctx, key)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	batch, err := columnar.Decode(data)
	if err != nil {
		return nil, 0, NewErrCorruption(key, err)
	}
	for i, rowSHA := range batch.SHAs {
		if rowSHA != sha {
			continue
		}
		if batch.Storages[i] == variant.Inline && (batch.RawData[i] != nil || batch.Sizes[i] == 0) {
			// The wire format does not distinguish a zero-byte payload from
			// an absent one, so a nil raw_data on an inline row with size 0
			// is the empty object, not a missing column.
			return &Object{Type: batch.Types[i], Content: batch.RawData[i]}, batch.Sizes[i], nil
		}
		raw, err := e.blob.Get(ctx, e.rawKey(sha))
		if err != nil {
			if errors.Is(err, blobstore.ErrNotFound) {
				return nil, 0, nil
			}
			return nil, 0, err
		}
		return &Object{Type: batch.Types[i], Content: raw}, batch.Sizes[i], nil
	}
	return nil, 0, nil
}

// HasObject answers an existence probe without necessarily materialising
// the payload: true on a buffer hit or a definite bloom result, false on
// absent. A probable result is only probable — bloom false positives are
// routine — so it is always confirmed by scanning the columnar files, with
// a confirmed hit promoted to definite. When VerifyBloomNegatives is set,
// an absent result is also re-verified by a scan, self-healing the filter
// should a pathological false negative ever occur; that re-scan is never
// required for correctness in steady state.
func (e *Engine) HasObject(ctx context.Context, sha string) (bool, error) {
	if err := e.ensureInitialized(ctx); err != nil {
		return false, err
	}
	if !hash.ValidSHA(sha) {
		return false, nil
	}

	e.rwLock.RLock()
	defer e.rwLock.RUnlock()

	e.stateMu.Lock()
	_, tombstoned := e.tombstones[sha]
	_, inBuffer := e.bufferIndex[sha]
	fileKeys := append([]string(nil), e.objectFileKeys...)
	e.stateMu.Unlock()
	if tombstoned {
		return false, nil
	}
	if inBuffer {
		return true, nil
	}

	status, err := e.bloomCache.Check(ctx, sha)
	if err != nil {
		return false, fmt.Errorf("casobj/engine: bloom check %s: %w", sha, err)
	}
	switch status {
	case bloom.Definite:
		return true, nil
	case bloom.Absent:
		if !e.cfg.VerifyBloomNegatives {
			return false, nil
		}
	}

	obj, size, err := e.scanForObject(ctx, fileKeys, sha)
	if err != nil {
		return false, err
	}
	if obj == nil {
		return false, nil
	}
	if err := e.bloomCache.Add(ctx, sha, obj.Type, size); err != nil {
		logrus.Warnf("casobj/engine: self-heal bloom add %s: %v", sha, err)
	}
	return true, nil
}

// DeleteObject tombstones sha: it is removed from the buffer and its WAL row
// deleted, and it is honoured as absent by GetObject/HasObject until the
// next successful Compact purges it.
func (e *Engine) DeleteObject(ctx context.Context, sha string) error {
	if err := e.ensureInitialized(ctx); err != nil {
		return err
	}
	if !hash.ValidSHA(sha) {
		return NewErrInvalidInput("malformed sha")
	}

	e.rwLock.RLock()
	defer e.rwLock.RUnlock()

	e.stateMu.Lock()
	e.tombstones[sha] = struct{}{}
	var removedWALID int64
	var hadBuffered bool
	if bo, ok := e.bufferIndex[sha]; ok {
		hadBuffered = true
		removedWALID = bo.WALID
		delete(e.bufferIndex, sha)
		for i, b := range e.buffer {
			if b.SHA == sha {
				e.bufferBytes -= int64(len(b.Data))
				e.buffer = append(e.buffer[:i], e.buffer[i+1:]...)
				break
			}
		}
		for i, id := range e.walIDs {
			if id == removedWALID {
				e.walIDs = append(e.walIDs[:i], e.walIDs[i+1:]...)
				break
			}
		}
	}
	e.checkInvariant()
	e.stateMu.Unlock()

	e.hotCache.remove(sha)

	if hadBuffered {
		if err := e.wal.Clear(ctx, []int64{removedWALID}); err != nil {
			return fmt.Errorf("casobj/engine: clear wal row for deleted %s: %w", sha, err)
		}
	}
	return nil
}

// Flush drains the buffer into one new immutable columnar file. It acquires
// flushMutex before rwLock's reader side, never the other way around.
// Local state (buffer, WAL ids) is cleared only after blob.Put succeeds, so
// a transient blob-store failure leaves both unchanged and the caller can
// retry; because the file key is a deterministic hash of the sorted SHAs, a
// retry with the same buffer content produces the same key (idempotent).
func (e *Engine) Flush(ctx context.Context) (string, error) {
	if err := e.ensureInitialized(ctx); err != nil {
		return "", err
	}

	e.flushMutex.Lock()
	defer e.flushMutex.Unlock()

	e.rwLock.RLock()
	defer e.rwLock.RUnlock()

	e.stateMu.Lock()
	snapshot := append([]*bufferedObject(nil), e.buffer...)
	walIDs := append([]int64(nil), e.walIDs...)
	e.stateMu.Unlock()

	if len(snapshot) == 0 {
		return "", nil
	}

	objects := make([]variant.BatchObject, len(snapshot))
	for i, bo := range snapshot {
		var path *string
		if bo.Path != "" {
			p := bo.Path
			path = &p
		}
		objects[i] = variant.BatchObject{SHA: bo.SHA, Type: bo.Type, Payload: bo.Data, Path: path}
	}
	batch, err := variant.EncodeBatch(objects, e.cfg.Prefix, e.cfg.InlineThreshold)
	if err != nil {
		return "", fmt.Errorf("casobj/engine: encode batch: %w", err)
	}

	fileBytes, err := columnar.Encode(batch, e.cfg.Codec)
	if err != nil {
		return "", fmt.Errorf("casobj/engine: encode columnar file: %w", err)
	}

	fileID := flushFileID(snapshot)
	key := fmt.Sprintf("%s/objects/%s.parquet", e.cfg.Prefix, fileID)

	if err := e.blob.Put(ctx, key, fileBytes); err != nil {
		return "", NewErrStorageUnavailable(fmt.Sprintf("put columnar file %s", key), err)
	}

	e.stateMu.Lock()
	flushedSHAs := make(map[string]struct{}, len(snapshot))
	for _, bo := range snapshot {
		flushedSHAs[bo.SHA] = struct{}{}
	}
	remaining := e.buffer[:0]
	for _, bo := range e.buffer {
		if _, done := flushedSHAs[bo.SHA]; done {
			delete(e.bufferIndex, bo.SHA)
			e.bufferBytes -= int64(len(bo.Data))
			continue
		}
		remaining = append(remaining, bo)
	}
	e.buffer = remaining
	remainingIDs := e.walIDs[:0]
	flushedIDSet := make(map[int64]struct{}, len(walIDs))
	for _, id := range walIDs {
		flushedIDSet[id] = struct{}{}
	}
	for _, id := range e.walIDs {
		if _, done := flushedIDSet[id]; done {
			continue
		}
		remainingIDs = append(remainingIDs, id)
	}
	e.walIDs = remainingIDs
	alreadyListed := false
	for _, k := range e.objectFileKeys {
		if k == key {
			alreadyListed = true
			break
		}
	}
	if !alreadyListed {
		e.objectFileKeys = append(e.objectFileKeys, key)
	}
	if len(e.objectFileKeys) >= 2 || len(e.buffer) > 0 {
		e.compactionFlag = true
	}
	e.checkInvariant()
	e.stateMu.Unlock()

	if err := e.wal.Clear(ctx, walIDs); err != nil {
		logrus.Warnf("casobj/engine: clear wal rows after flush: %v", err)
	}

	if err := e.bloomCache.Persist(ctx); err != nil {
		logrus.Warnf("casobj/engine: persist bloom segments after flush: %v", err)
	}

	e.recordAudit("flush", key, len(snapshot))

	if e.cfg.PostFlushHandler != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logrus.Warnf("casobj/engine: post-flush handler panicked: %v", r)
				}
			}()
			e.cfg.PostFlushHandler(FlushNotification{
				ParquetKey:    key,
				FileSizeBytes: int64(len(fileBytes)),
				RecordCount:   len(snapshot),
				BlobStoreRef:  e.blob,
				Prefix:        e.cfg.Prefix,
			})
		}()
	}

	return key, nil
}

// flushFileID is the hex of the first 16 bytes of SHA-256 over the sorted
// SHAs of the batch, making re-flush of identical buffer content
// idempotent.
func flushFileID(snapshot []*bufferedObject) string {
	shas := make([]string, len(snapshot))
	for i, bo := range snapshot {
		shas[i] = bo.SHA
	}
	sort.Strings(shas)
	return hash.BytesToHex(sha256Prefix16(shas))
}

// Compact merges all current columnar files into one, dropping tombstoned
// and duplicate rows. It takes the exclusive writer side of rwLock: no
// PutObject/GetObject/HasObject/Flush runs concurrently with a Compact.
func (e *Engine) Compact(ctx context.Context) (string, error) {
	if err := e.ensureInitialized(ctx); err != nil {
		return "", err
	}

	e.rwLock.Lock()
	defer e.rwLock.Unlock()

	e.stateMu.Lock()
	sources := append([]string(nil), e.objectFileKeys...)
	e.stateMu.Unlock()

	if len(sources) < 2 {
		return "", nil
	}

	target := fmt.Sprintf("%s/objects/%s.parquet", e.cfg.Prefix, uuid.NewString())

	journalID, err := e.journal.BeginCompaction(ctx, sources, target)
	if err != nil {
		return "", fmt.Errorf("casobj/engine: begin compaction journal: %w", err)
	}
	// rollback undoes an abandoned compaction so no in_progress row outlives
	// the call: sources stay canonical, the partial target (if any) goes.
	rollback := func() {
		if err := e.blob.Delete(ctx, target); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
			logrus.Warnf("casobj/engine: compact rollback: delete target %s: %v", target, err)
		}
		if err := e.journal.Complete(ctx, journalID); err != nil {
			logrus.Warnf("casobj/engine: compact rollback: remove journal row %d: %v", journalID, err)
		}
	}

	seen := make(map[string]struct{})
	e.stateMu.Lock()
	tombstoned := make(map[string]struct{}, len(e.tombstones))
	for sha := range e.tombstones {
		tombstoned[sha] = struct{}{}
	}
	e.stateMu.Unlock()

	var rows []compactRow
	for _, src := range sources {
		data, err := e.blob.Get(ctx, src)
		if err != nil {
			logrus.Warnf("casobj/engine: compact: skip unreadable source %s: %v", src, err)
			continue
		}
		batch, err := columnar.Decode(data)
		if err != nil {
			logrus.Warnf("casobj/engine: compact: skip undecodable source %s: %v", src, err)
			continue
		}
		for i, sha := range batch.SHAs {
			if _, dead := tombstoned[sha]; dead {
				continue
			}
			if _, dup := seen[sha]; dup {
				continue
			}
			seen[sha] = struct{}{}
			rows = append(rows, compactRowFromBatch(batch, i))
		}
	}

	e.stateMu.Lock()
	bufferedSnapshot := append([]*bufferedObject(nil), e.buffer...)
	e.stateMu.Unlock()
	for _, bo := range bufferedSnapshot {
		if _, dead := tombstoned[bo.SHA]; dead {
			continue
		}
		if _, dup := seen[bo.SHA]; dup {
			continue
		}
		seen[bo.SHA] = struct{}{}
		row, err := e.compactRowFromBuffered(bo)
		if err != nil {
			rollback()
			return "", fmt.Errorf("casobj/engine: encode buffered object %s for compaction: %w", bo.SHA, err)
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		if err := e.journal.Complete(ctx, journalID); err != nil {
			return "", fmt.Errorf("casobj/engine: abandon empty compaction journal: %w", err)
		}
		return "", nil
	}

	batch := compactRowsToBatch(rows)
	fileBytes, err := columnar.Encode(batch, e.cfg.Codec)
	if err != nil {
		rollback()
		return "", fmt.Errorf("casobj/engine: encode compacted file: %w", err)
	}

	if err := e.blob.Put(ctx, target, fileBytes); err != nil {
		rollback()
		return "", NewErrStorageUnavailable(fmt.Sprintf("put compacted file %s", target), err)
	}

	if err := e.journal.MarkWritten(ctx, journalID); err != nil {
		rollback()
		return "", fmt.Errorf("casobj/engine: mark compaction written: %w", err)
	}

	for _, src := range sources {
		if err := e.blob.Delete(ctx, src); err != nil {
			logrus.Warnf("casobj/engine: compact: delete source %s: %v", src, err)
		}
	}

	e.stateMu.Lock()
	e.objectFileKeys = []string{target}
	e.buffer = nil
	e.bufferIndex = make(map[string]*bufferedObject)
	e.bufferBytes = 0
	e.walIDs = nil
	e.tombstones = make(map[string]struct{})
	e.compactionFlag = false
	e.checkInvariant()
	e.stateMu.Unlock()

	if err := e.bloomCache.Persist(ctx); err != nil {
		logrus.Warnf("casobj/engine: persist bloom segments after compact: %v", err)
	}

	if err := e.journal.Complete(ctx, journalID); err != nil {
		return "", fmt.Errorf("casobj/engine: complete compaction journal: %w", err)
	}

	e.recordAudit("compact", target, len(rows))
	e.hotCache.clear()

	return target, nil
}

// ScheduleCompaction sets the compaction-needed flag when the file count or
// buffer makes compaction worthwhile. The host is responsible for the
// actual timer wake-up that later calls RunCompactionIfNeeded.
func (e *Engine) ScheduleCompaction() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if len(e.objectFileKeys) >= 2 || len(e.buffer) > 0 {
		e.compactionFlag = true
	}
	return e.compactionFlag
}

// RunCompactionIfNeeded clears the scheduled flag regardless of outcome and
// runs Compact.
func (e *Engine) RunCompactionIfNeeded(ctx context.Context) (string, error) {
	e.stateMu.Lock()
	e.compactionFlag = false
	e.stateMu.Unlock()
	return e.Compact(ctx)
}

// checkInvariant panics via ErrInvariantViolated when the relation between
// buffer, bufferIndex, and walIDs no longer holds. Called under stateMu,
// immediately after PutObject, DeleteObject, Flush and Compact mutate those
// three fields (startup WAL replay does not call it): an internal bug
// here is not something a caller can recover from, so the process stops.
func (e *Engine) checkInvariant() {
	if len(e.buffer) != len(e.walIDs) {
		panic(fmt.Errorf("%w: buffer holds %d objects but %d wal ids are tracked",
			ErrInvariantViolated, len(e.buffer), len(e.walIDs)))
	}
	if len(e.buffer) != len(e.bufferIndex) {
		panic(fmt.Errorf("%w: buffer holds %d objects but bufferIndex holds %d entries",
			ErrInvariantViolated, len(e.buffer), len(e.bufferIndex)))
	}
}

func (e *Engine) recordAudit(op, key string, count int) {
	e.auditMu.Lock()
	defer e.auditMu.Unlock()
	line := fmt.Sprintf("%s %s %s %d", time.Now().UTC().Format(time.RFC3339Nano), op, key, count)
	e.audit = append(e.audit, line)
	if len(e.audit) > auditRingCapacity {
		e.audit = e.audit[len(e.audit)-auditRingCapacity:]
	}
}
