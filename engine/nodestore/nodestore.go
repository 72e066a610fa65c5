// Package nodestore implements C2: a reference-counted cache of trie
// nodes layered over the kvstore (C1). Every node and auxiliary entry is
// identified by a 32-byte hash; the store tracks how many live
// references point at each one, and only a purge pass ever reclaims
// space.
package nodestore

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/shardchain/accountengine/engine/engerrors"
	"github.com/shardchain/accountengine/engine/kvstore"
	"github.com/shardchain/accountengine/engine/types"
)

// entry is the in-memory representation of a reference-counted node.
type entry struct {
	payload  []byte
	refcount int32
	dirty    bool
}

// auxEntry is an auxiliary, non-Merkle side-channel record.
type auxEntry struct {
	payload []byte
	live    bool
}

// purgedRingSize bounds the archival-mode ring of recently purged
// hashes retained for diagnostics/replay tooling; it does not affect
// correctness, since archival mode never actually discards node bytes.
const purgedRingSize = 4096

// Store is the C2 overlay: a pair of maps (main, pending-disk) fronting
// the durable kvstore.Store, plus an auxiliary side table.
type Store struct {
	mu sync.Mutex

	kv *kvstore.Store

	archival bool

	// main is the transactional buffer: the live working set, rolled
	// back wholesale on error.
	main map[types.Hash]*entry
	aux  map[string]*auxEntry

	// pendingDisk is allocated by New and reset by a successful Commit;
	// nothing else writes to it, and Commit builds its batch from main.
	pendingDisk map[types.Hash]*entry

	// bufferedMain/bufferedAux hold a one-deep snapshot taken by
	// BufferState, restored by RevertState.
	bufferedMain map[types.Hash]*entry
	bufferedAux  map[string]*auxEntry
	hasBuffer    bool

	liveRootEpoch uint64

	stopSignal     chan struct{}
	purgeRunning   bool
	recentlyPurged *lru.Cache[types.Hash, struct{}]
}

// New constructs a Store atop kv. archival controls both kill()'s
// behavior on a missing key and whether purge() erases or merely marks.
func New(kv *kvstore.Store, archival bool) (*Store, error) {
	ring, err := lru.New[types.Hash, struct{}](purgedRingSize)
	if err != nil {
		return nil, fmt.Errorf("nodestore: new purge ring: %w", err)
	}
	return &Store{
		kv:             kv,
		archival:       archival,
		main:           make(map[types.Hash]*entry),
		aux:            make(map[string]*auxEntry),
		pendingDisk:    make(map[types.Hash]*entry),
		stopSignal:     make(chan struct{}),
		recentlyPurged: ring,
	}, nil
}

// Insert adds hash with bytes if absent, else bumps its refcount.
func (s *Store) Insert(hash types.Hash, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.main[hash]; ok {
		e.refcount++
		e.dirty = true
		return
	}
	s.main[hash] = &entry{payload: append([]byte(nil), payload...), refcount: 1, dirty: true}
}

// Kill decrements hash's refcount to a floor of 0; physical removal is
// deferred to Purge. In non-archival mode, killing an entry absent from
// both the buffer and the backing store is an error (§4.2/§9 decision).
func (s *Store) Kill(hash types.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.main[hash]; ok {
		if e.refcount > 0 {
			e.refcount--
		}
		e.dirty = true
		return nil
	}

	// Not in the buffer: consult the backing store so a kill following
	// a prior commit still behaves correctly.
	raw, ok, err := s.kv.Get(kvstore.BucketContractStateDB, hash.Bytes())
	if err != nil {
		return err
	}
	if !ok {
		if s.archival {
			return nil
		}
		return fmt.Errorf("nodestore: kill %s: %w", hash, engerrors.ErrNotFound)
	}
	rc, payload := decodeStored(raw)
	if rc > 0 {
		rc--
	}
	s.main[hash] = &entry{payload: payload, refcount: rc, dirty: true}
	return nil
}

// Lookup cascades: the transactional buffer first, then the backing
// store. There are no separate "temp" or "atomic" tiers in this
// package, and a Store has no parent Store to fall through to; the
// façade (C8) tracks its commit tiers as trie roots over one Store.
func (s *Store) Lookup(hash types.Hash) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.main[hash]; ok {
		if e.refcount <= 0 && !s.archival {
			return nil, false
		}
		return append([]byte(nil), e.payload...), true
	}
	raw, ok, err := s.kv.Get(kvstore.BucketContractStateDB, hash.Bytes())
	if err != nil || !ok {
		return nil, false
	}
	rc, payload := decodeStored(raw)
	if rc <= 0 && !s.archival {
		return nil, false
	}
	return payload, true
}

// Exists reports whether hash currently names a live node.
func (s *Store) Exists(hash types.Hash) bool {
	_, ok := s.Lookup(hash)
	return ok
}

// InsertAux stores an auxiliary record outside the Merkle tree proper.
func (s *Store) InsertAux(key string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aux[key] = &auxEntry{payload: append([]byte(nil), payload...), live: true}
}

// LookupAux fetches an auxiliary record.
func (s *Store) LookupAux(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.aux[key]; ok {
		if !a.live {
			return nil, false
		}
		return append([]byte(nil), a.payload...), true
	}
	raw, ok, err := s.kv.Get(kvstore.BucketMetadata, auxKVKey(key))
	if err != nil || !ok {
		return nil, false
	}
	return raw, true
}

// RemoveAux marks an auxiliary record dead; physical removal happens on
// the next Commit.
func (s *Store) RemoveAux(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aux[key] = &auxEntry{live: false}
}

// Commit flushes the main buffer to C1 as one atomic batch and records
// blockNum as the live-root epoch.
func (s *Store) Commit(blockNum uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ops []kvstore.WriteOp
	for h, e := range s.main {
		if e.refcount <= 0 && !s.archival {
			ops = append(ops, kvstore.WriteOp{Op: kvstore.OpDelete, Bucket: kvstore.BucketContractStateDB, Key: h.Bytes()})
			continue
		}
		ops = append(ops, kvstore.WriteOp{
			Op:     kvstore.OpPut,
			Bucket: kvstore.BucketContractStateDB,
			Key:    h.Bytes(),
			Value:  encodeStored(e.refcount, e.payload),
		})
	}
	for k, a := range s.aux {
		if !a.live {
			ops = append(ops, kvstore.WriteOp{Op: kvstore.OpDelete, Bucket: kvstore.BucketMetadata, Key: auxKVKey(k)})
			continue
		}
		ops = append(ops, kvstore.WriteOp{Op: kvstore.OpPut, Bucket: kvstore.BucketMetadata, Key: auxKVKey(k), Value: a.payload})
	}
	if err := s.kv.BatchWrite(ops); err != nil {
		return err
	}
	s.liveRootEpoch = blockNum
	s.main = make(map[types.Hash]*entry)
	s.aux = make(map[string]*auxEntry)
	s.pendingDisk = make(map[types.Hash]*entry)
	s.hasBuffer = false
	s.bufferedMain = nil
	s.bufferedAux = nil
	return nil
}

// Rollback drops the entire main buffer, discarding every uncommitted
// insert/kill since the last Commit.
func (s *Store) Rollback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.main = make(map[types.Hash]*entry)
	s.aux = make(map[string]*auxEntry)
	s.hasBuffer = false
	s.bufferedMain = nil
	s.bufferedAux = nil
}

// BufferState takes a one-deep snapshot of the current buffer, for
// contract-storage-style revertible inner calls.
func (s *Store) BufferState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bufferedMain = cloneMain(s.main)
	s.bufferedAux = cloneAux(s.aux)
	s.hasBuffer = true
}

// RevertState restores the last BufferState snapshot, discarding any
// mutation made since.
func (s *Store) RevertState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasBuffer {
		return
	}
	s.main = cloneMain(s.bufferedMain)
	s.aux = cloneAux(s.bufferedAux)
}

// Purge evicts zero-refcount entries (and dead auxiliary entries). In
// archival mode it retains the payload but still reports the hash into
// purgedOut, so archival deployments never lose data but callers can
// still observe what "would" have been reclaimed.
func (s *Store) Purge(purgedOut *[]types.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for h, e := range s.main {
		if e.refcount > 0 {
			continue
		}
		if purgedOut != nil {
			*purgedOut = append(*purgedOut, h)
		}
		s.recentlyPurged.Add(h, struct{}{})
		if !s.archival {
			delete(s.main, h)
		}
	}
	for k, a := range s.aux {
		if a.live {
			continue
		}
		if !s.archival {
			delete(s.aux, k)
		}
	}
}

// SetStopSignal requests cooperative abort of a background purge pass.
func (s *Store) SetStopSignal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stopSignal:
		// already closed
	default:
		close(s.stopSignal)
	}
	s.stopSignal = make(chan struct{})
}

// IsPurgeRunning reports whether a background purge goroutine is active.
func (s *Store) IsPurgeRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purgeRunning
}

// RunBackgroundPurge checks the stop signal once, before starting, and
// returns early if SetStopSignal has already fired; otherwise it runs
// one full Purge, which holds the store lock for the whole pass. A stop
// signal raised while that pass runs is not observed.
func (s *Store) RunBackgroundPurge(purgedOut *[]types.Hash) {
	s.mu.Lock()
	s.purgeRunning = true
	stopCh := s.stopSignal
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.purgeRunning = false
		s.mu.Unlock()
	}()

	select {
	case <-stopCh:
		return
	default:
	}
	s.Purge(purgedOut)
}

func cloneMain(m map[types.Hash]*entry) map[types.Hash]*entry {
	out := make(map[types.Hash]*entry, len(m))
	for k, v := range m {
		cp := *v
		cp.payload = append([]byte(nil), v.payload...)
		out[k] = &cp
	}
	return out
}

func cloneAux(m map[string]*auxEntry) map[string]*auxEntry {
	out := make(map[string]*auxEntry, len(m))
	for k, v := range m {
		cp := *v
		cp.payload = append([]byte(nil), v.payload...)
		out[k] = &cp
	}
	return out
}

func auxKVKey(key string) []byte {
	return append([]byte("aux\x16"), []byte(key)...)
}

// encodeStored/decodeStored lay out a 4-byte big-endian refcount
// followed by the raw node payload, so a restart can recover refcounts
// without a separate side table.
func encodeStored(refcount int32, payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	out[0] = byte(refcount >> 24)
	out[1] = byte(refcount >> 16)
	out[2] = byte(refcount >> 8)
	out[3] = byte(refcount)
	copy(out[4:], payload)
	return out
}

func decodeStored(raw []byte) (int32, []byte) {
	if len(raw) < 4 {
		return 0, nil
	}
	rc := int32(raw[0])<<24 | int32(raw[1])<<16 | int32(raw[2])<<8 | int32(raw[3])
	return rc, append([]byte(nil), raw[4:]...)
}
