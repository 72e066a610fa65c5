// Package kvstore implements C1: a durable, ordered, byte-key to
// byte-value map backed by an embedded B+Tree (bbolt). Writes are atomic
// at batch granularity; readers see a consistent snapshot for the
// lifetime of an iterator, since bbolt read transactions already provide
// exactly that guarantee.
package kvstore

import (
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/shardchain/accountengine/engine/engerrors"
)

// Column families, laid out per §6 as one bbolt bucket each.
var (
	BucketState             = []byte("state")
	BucketContractCode      = []byte("contract_code")
	BucketContractInitData  = []byte("contract_init_data")
	BucketContractStateDB   = []byte("contract_state_db")
	BucketMetadata          = []byte("metadata")
)

var allBuckets = [][]byte{
	BucketState, BucketContractCode, BucketContractInitData,
	BucketContractStateDB, BucketMetadata,
}

// MetaStateRootKey is the singleton key under BucketMetadata holding the
// current committed state root (§6).
var MetaStateRootKey = []byte("STATEROOT")

// Op tags one operation inside a BatchWrite call.
type Op int

const (
	OpPut Op = iota
	OpDelete
)

// WriteOp is one element of a batch passed to BatchWrite.
type WriteOp struct {
	Op     Op
	Bucket []byte
	Key    []byte
	Value  []byte
}

// Store is the concrete C1 implementation. It owns no business logic:
// callers (C2 and C4) decide what bucket and key shape to use.
type Store struct {
	db   *bolt.DB
	path string
}

// Open creates or opens the bbolt file at path, creating every column
// family bucket if absent.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 0})
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %s: %w", path, err)
	}
	s := &Store{db: db, path: path}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("kvstore: init buckets: %w", err)
	}
	return s, nil
}

// Close releases the underlying file handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get fetches a single value. ok is false when the key is absent; it is
// never an error for a key to be missing.
func (s *Store) Get(bucket, key []byte) (value []byte, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("kvstore: unknown bucket %q: %w", bucket, engerrors.ErrCorrupt)
		}
		v := b.Get(key)
		if v == nil {
			return nil
		}
		value = append([]byte(nil), v...)
		ok = true
		return nil
	})
	if err != nil {
		return nil, false, classify(err)
	}
	return value, ok, nil
}

// Put writes a single key/value pair in its own batch.
func (s *Store) Put(bucket, key, value []byte) error {
	return s.BatchWrite([]WriteOp{{Op: OpPut, Bucket: bucket, Key: key, Value: value}})
}

// Delete removes a single key in its own batch.
func (s *Store) Delete(bucket, key []byte) error {
	return s.BatchWrite([]WriteOp{{Op: OpDelete, Bucket: bucket, Key: key}})
}

// BatchWrite applies every operation atomically: bbolt's single
// read-write transaction either commits the whole batch to disk or, on
// any error, discards it entirely — there is no partially-visible
// intermediate state.
func (s *Store) BatchWrite(ops []WriteOp) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, op := range ops {
			b := tx.Bucket(op.Bucket)
			if b == nil {
				return fmt.Errorf("kvstore: unknown bucket %q: %w", op.Bucket, engerrors.ErrCorrupt)
			}
			switch op.Op {
			case OpPut:
				if err := b.Put(op.Key, op.Value); err != nil {
					return err
				}
			case OpDelete:
				if err := b.Delete(op.Key); err != nil {
					return err
				}
			default:
				return fmt.Errorf("kvstore: unknown op %d", op.Op)
			}
		}
		return nil
	})
	return classify(err)
}

// Iterator walks a bucket's keys in byte-lexicographic order, optionally
// restricted to a prefix. It is backed by one bbolt read transaction for
// its entire lifetime, so the view it returns is internally consistent
// even if writers commit concurrently.
type Iterator struct {
	tx     *bolt.Tx
	cursor *bolt.Cursor
	prefix []byte
	key    []byte
	value  []byte
	done   bool
}

// Iter opens a prefix iterator over bucket. Callers must call Close when
// done to release the underlying read transaction.
func (s *Store) Iter(bucket, prefix []byte) (*Iterator, error) {
	tx, err := s.db.Begin(false)
	if err != nil {
		return nil, classify(err)
	}
	b := tx.Bucket(bucket)
	if b == nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("kvstore: unknown bucket %q: %w", bucket, engerrors.ErrCorrupt)
	}
	it := &Iterator{tx: tx, cursor: b.Cursor(), prefix: prefix}
	k, v := it.cursor.Seek(prefix)
	it.advance(k, v)
	return it, nil
}

func (it *Iterator) advance(k, v []byte) {
	if k == nil || (len(it.prefix) > 0 && !hasPrefix(k, it.prefix)) {
		it.done = true
		it.key, it.value = nil, nil
		return
	}
	it.key = append([]byte(nil), k...)
	it.value = append([]byte(nil), v...)
}

// Next advances the iterator, returning false once exhausted.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	first := it.key != nil && it.value != nil
	_ = first
	k, v := it.cursor.Next()
	it.advance(k, v)
	return !it.done
}

// Key returns the current key. Valid only between a successful call to
// Next (or the implicit first position after Iter) and the next Next.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current value.
func (it *Iterator) Value() []byte { return it.value }

// Close releases the iterator's underlying read transaction.
func (it *Iterator) Close() error {
	if it.tx == nil {
		return nil
	}
	return it.tx.Rollback()
}

// Reset clears every bucket. Used by AccountStore.Init() for a hard
// reset of the persistent store.
func (s *Store) Reset() error {
	return classify(s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if err := tx.DeleteBucket(b); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(b); err != nil {
				return err
			}
		}
		return nil
	}))
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// classify maps bbolt/filesystem errors onto the engine's error taxonomy.
// A closed or I/O-level failure is transient (BackendUnavailable); a
// corrupted database file reported by bbolt itself is fatal.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, bolt.ErrDatabaseNotOpen) || errors.Is(err, bolt.ErrTimeout) {
		return fmt.Errorf("%w: %v", engerrors.ErrBackendUnavailable, err)
	}
	if errors.Is(err, bolt.ErrInvalid) || errors.Is(err, bolt.ErrChecksum) || errors.Is(err, bolt.ErrCorrupt) {
		return fmt.Errorf("%w: %v", engerrors.ErrCorrupt, err)
	}
	return err
}
