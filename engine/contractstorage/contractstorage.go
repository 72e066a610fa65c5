// Package contractstorage implements C4: the per-contract key/value
// space addressed by the composite keys described in §3 — an address,
// a field name, and zero or more nested map indices, separated by the
// ASCII record-separator byte. Scalar leaves are Merkle-included via a
// per-account trie (C3 over C2); a flat mirror in the KV store (C1)
// exists purely so a short query can still enumerate the subtree
// beneath it without walking a hashed trie path for every candidate key
// — the same flat-plus-trie duplication go-ethereum's state database
// itself relies on for its account snapshot layer.
package contractstorage

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/shardchain/accountengine/engine/kvstore"
	"github.com/shardchain/accountengine/engine/nodestore"
	"github.com/shardchain/accountengine/engine/trie"
	"github.com/shardchain/accountengine/engine/types"
)

// recordSeparator is the ASCII record-separator byte used to join a
// composite key's segments.
const recordSeparator = 0x16

// reservedDepthSuffix marks the reserved field name under which a
// field's declared nested-map depth is stored.
const reservedDepthSuffix = "__depth__"

// Query names a field plus an ordered list of map indices.
type Query struct {
	Field   string
	Indices [][]byte
}

// NestedValue is either a scalar leaf or a nested map of further
// NestedValues, keyed by the hex encoding of the next index — the
// in-memory counterpart of "serialized as a nested map" in §4.4.
type NestedValue struct {
	Scalar []byte
	Map    map[string]*NestedValue
}

// IsScalar reports whether v carries a leaf value rather than a map.
func (v *NestedValue) IsScalar() bool { return v != nil && v.Scalar != nil }

// Store is the C4 implementation: one per-account trie of scalar
// entries, a flat enumeration mirror, and the code/init-data sidecar.
type Store struct {
	kv *kvstore.Store
	ns *nodestore.Store

	// tries caches one *trie.Trie per account address that has been
	// touched this process lifetime; storage_root is always the
	// authority, loaded via LoadRoot/stored via Root.
	tries map[types.Address]*trie.Trie

	bufferedMirror map[string][]byte
	mirrorBuffer   map[string][]byte
	hasBuffer      bool
}

// New constructs a Store atop kv/ns.
func New(kv *kvstore.Store, ns *nodestore.Store) *Store {
	return &Store{
		kv:           kv,
		ns:           ns,
		tries:        make(map[types.Address]*trie.Trie),
		mirrorBuffer: make(map[string][]byte),
	}
}

func (s *Store) trieFor(addr types.Address, root types.Hash) (*trie.Trie, error) {
	t, ok := s.tries[addr]
	if !ok {
		t = trie.New(s.ns)
		s.tries[addr] = t
	}
	if t.Root() != root {
		if err := t.SetRoot(root); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func compositeKey(addr types.Address, field string, indices [][]byte) []byte {
	var buf bytes.Buffer
	buf.Write(addr.Bytes())
	buf.WriteByte(recordSeparator)
	buf.WriteString(field)
	for _, idx := range indices {
		buf.WriteByte(recordSeparator)
		buf.Write(idx)
	}
	return buf.Bytes()
}

func depthKey(addr types.Address, field string) []byte {
	return compositeKey(addr, field+"\x16"+reservedDepthSuffix, nil)
}

// PutCode stores a contract's immutable bytecode, not Merkle-included.
func (s *Store) PutCode(addr types.Address, code []byte) error {
	return s.kv.Put(kvstore.BucketContractCode, addr.Bytes(), code)
}

// GetCode retrieves a contract's bytecode.
func (s *Store) GetCode(addr types.Address) ([]byte, bool, error) {
	return s.kv.Get(kvstore.BucketContractCode, addr.Bytes())
}

// PutInitData stores a contract's raw init payload.
func (s *Store) PutInitData(addr types.Address, data []byte) error {
	return s.kv.Put(kvstore.BucketContractInitData, addr.Bytes(), data)
}

// GetInitData retrieves a contract's raw init payload.
func (s *Store) GetInitData(addr types.Address) ([]byte, bool, error) {
	return s.kv.Get(kvstore.BucketContractInitData, addr.Bytes())
}

// DeclareFieldDepth records how many nested-map index levels a field
// carries, so a short Fetch/Update query can tell "stop here and return
// a scalar" from "stop here and return/replace a subtree".
func (s *Store) DeclareFieldDepth(addr types.Address, root types.Hash, field string, depth int) (types.Hash, error) {
	t, err := s.trieFor(addr, root)
	if err != nil {
		return types.Hash{}, err
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(depth))
	if err := t.Insert(depthKey(addr, field), buf[:]); err != nil {
		return types.Hash{}, err
	}
	return t.Root(), nil
}

func (s *Store) fieldDepth(addr types.Address, root types.Hash, field string) (int, error) {
	t, err := s.trieFor(addr, root)
	if err != nil {
		return 0, err
	}
	v, found, err := t.Get(depthKey(addr, field))
	if err != nil {
		return 0, err
	}
	if !found || len(v) != 4 {
		return 0, nil
	}
	return int(binary.BigEndian.Uint32(v)), nil
}

// Fetch resolves query against addr's state trie rooted at root. A
// query reaching the field's full declared depth returns a scalar; a
// shorter query returns the remaining subtree as a nested map.
func (s *Store) Fetch(addr types.Address, root types.Hash, q Query) (*NestedValue, bool, error) {
	depth, err := s.fieldDepth(addr, root, q.Field)
	if err != nil {
		return nil, false, err
	}
	if len(q.Indices) >= depth {
		t, err := s.trieFor(addr, root)
		if err != nil {
			return nil, false, err
		}
		v, found, err := t.Get(compositeKey(addr, q.Field, q.Indices))
		if err != nil || !found {
			return nil, found, err
		}
		return &NestedValue{Scalar: v}, true, nil
	}

	prefix := compositeKey(addr, q.Field, q.Indices)
	entries, err := s.enumerate(prefix)
	if err != nil {
		return nil, false, err
	}
	if len(entries) == 0 {
		return nil, false, nil
	}
	return buildNested(prefix, entries), true, nil
}

// Update inserts a scalar (query reaches the field's declared depth) or
// splats a nested map (query stops short), creating intermediate paths
// and overwriting only the reachable subtree. When ignoreVal is true,
// the reachable subtree is deleted instead.
func (s *Store) Update(addr types.Address, root types.Hash, q Query, value *NestedValue, ignoreVal bool) (types.Hash, error) {
	depth, err := s.fieldDepth(addr, root, q.Field)
	if err != nil {
		return types.Hash{}, err
	}
	t, err := s.trieFor(addr, root)
	if err != nil {
		return types.Hash{}, err
	}

	prefix := compositeKey(addr, q.Field, q.Indices)

	if len(q.Indices) >= depth {
		if ignoreVal {
			if err := s.deleteKey(t, addr, prefix); err != nil {
				return types.Hash{}, err
			}
			return t.Root(), nil
		}
		if err := t.Insert(prefix, value.Scalar); err != nil {
			return types.Hash{}, err
		}
		s.mirrorPut(addr, prefix, value.Scalar)
		return t.Root(), nil
	}

	// Splat: clear the reachable subtree first, then write the
	// replacement (nil value.Map on ignoreVal means "write nothing").
	if err := s.deleteSubtree(t, addr, prefix); err != nil {
		return types.Hash{}, err
	}
	if !ignoreVal && value != nil {
		if err := s.writeNested(t, addr, prefix, value); err != nil {
			return types.Hash{}, err
		}
	}
	return t.Root(), nil
}

func (s *Store) writeNested(t *trie.Trie, addr types.Address, prefix []byte, v *NestedValue) error {
	if v.IsScalar() {
		if err := t.Insert(prefix, v.Scalar); err != nil {
			return err
		}
		s.mirrorPut(addr, prefix, v.Scalar)
		return nil
	}
	for idxHex, child := range v.Map {
		idx, err := hexDecode(idxHex)
		if err != nil {
			return err
		}
		childKey := append(append([]byte(nil), prefix...), recordSeparator)
		childKey = append(childKey, idx...)
		if err := s.writeNested(t, addr, childKey, child); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) deleteKey(t *trie.Trie, addr types.Address, key []byte) error {
	if _, err := t.Delete(key); err != nil {
		return err
	}
	s.mirrorDelete(addr, key)
	return nil
}

func (s *Store) deleteSubtree(t *trie.Trie, addr types.Address, prefix []byte) error {
	entries, err := s.enumerate(prefix)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := s.deleteKey(t, addr, e.key); err != nil {
			return err
		}
	}
	return nil
}

type mirrorEntry struct {
	key   []byte
	value []byte
}

// enumerate walks the flat mirror bucket for every live entry under
// prefix, applying any still-uncommitted BufferState-era writes.
func (s *Store) enumerate(prefix []byte) ([]mirrorEntry, error) {
	seen := make(map[string][]byte)
	it, err := s.kv.Iter(kvstore.BucketState, prefix)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	for k := it.Key(); k != nil; {
		seen[string(k)] = append([]byte(nil), it.Value()...)
		if !it.Next() {
			break
		}
		k = it.Key()
	}
	for k, v := range s.mirrorBuffer {
		if len(k) >= len(prefix) && bytes.HasPrefix([]byte(k), prefix) {
			if v == nil {
				delete(seen, k)
			} else {
				seen[k] = v
			}
		}
	}

	out := make([]mirrorEntry, 0, len(seen))
	for k, v := range seen {
		out = append(out, mirrorEntry{key: []byte(k), value: v})
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].key, out[j].key) < 0 })
	return out, nil
}

func (s *Store) mirrorPut(addr types.Address, key, value []byte) {
	s.mirrorBuffer[string(key)] = append([]byte(nil), value...)
}

func (s *Store) mirrorDelete(addr types.Address, key []byte) {
	s.mirrorBuffer[string(key)] = nil
}

// BufferCurrentState snapshots the flat mirror's pending writes one
// level deep. It only covers the enumeration mirror: a caller unwinding
// a failed inner call must also call the backing nodestore.Store's own
// BufferState/RevertState in the same sequence so the trie's node
// buffer and this mirror stay in lock-step, as the evaluator (C7) does
// around every inner-call boundary.
func (s *Store) BufferCurrentState() {
	s.bufferedMirror = make(map[string][]byte, len(s.mirrorBuffer))
	for k, v := range s.mirrorBuffer {
		s.bufferedMirror[k] = v
	}
	s.hasBuffer = true
}

// RevertPrevState restores the last BufferCurrentState snapshot.
func (s *Store) RevertPrevState() {
	if !s.hasBuffer {
		return
	}
	s.mirrorBuffer = make(map[string][]byte, len(s.bufferedMirror))
	for k, v := range s.bufferedMirror {
		s.mirrorBuffer[k] = v
	}
}

// FlushMirror durably commits every buffered flat-mirror write into C1,
// called alongside the node store's own Commit at block boundary.
func (s *Store) FlushMirror() error {
	var ops []kvstore.WriteOp
	for k, v := range s.mirrorBuffer {
		if v == nil {
			ops = append(ops, kvstore.WriteOp{Op: kvstore.OpDelete, Bucket: kvstore.BucketState, Key: []byte(k)})
		} else {
			ops = append(ops, kvstore.WriteOp{Op: kvstore.OpPut, Bucket: kvstore.BucketState, Key: []byte(k), Value: v})
		}
	}
	if len(ops) == 0 {
		return nil
	}
	if err := s.kv.BatchWrite(ops); err != nil {
		return err
	}
	s.mirrorBuffer = make(map[string][]byte)
	s.bufferedMirror = nil
	s.hasBuffer = false
	return nil
}

// buildNested reconstructs a NestedValue tree from a flat set of
// composite-key entries sharing prefix.
func buildNested(prefix []byte, entries []mirrorEntry) *NestedValue {
	root := &NestedValue{Map: make(map[string]*NestedValue)}
	for _, e := range entries {
		rest := e.key[len(prefix):]
		if len(rest) == 0 {
			continue
		}
		rest = rest[1:] // drop the leading record separator
		insertLeaf(root, rest, e.value)
	}
	return root
}

func insertLeaf(node *NestedValue, rest []byte, value []byte) {
	sep := bytes.IndexByte(rest, recordSeparator)
	if sep < 0 {
		idxHex := hexEncode(rest)
		node.Map[idxHex] = &NestedValue{Scalar: value}
		return
	}
	head, tail := rest[:sep], rest[sep+1:]
	idxHex := hexEncode(head)
	child, ok := node.Map[idxHex]
	if !ok {
		child = &NestedValue{Map: make(map[string]*NestedValue)}
		node.Map[idxHex] = child
	}
	insertLeaf(child, tail, value)
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0x0f]
	}
	return string(out)
}

func hexDecode(s string) ([]byte, error) {
	out := make([]byte, len(s)/2)
	for i := range out {
		hi, err := hexNibble(s[i*2])
		if err != nil {
			return nil, err
		}
		lo, err := hexNibble(s[i*2+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	default:
		return 0, bytesErr{c}
	}
}

type bytesErr struct{ c byte }

func (e bytesErr) Error() string { return "contractstorage: invalid hex nibble" }
