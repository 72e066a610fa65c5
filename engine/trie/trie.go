// Package trie implements C3: a 16-ary hashed Merkle-Patricia trie
// layered over the node store (C2). Keys are always SHA-256 hashed
// before use as a trie path, so physical layout never leaks raw key
// ordering; values are caller-supplied opaque bytes (serialized
// accounts, in the account-store's use of this package).
package trie

import (
	"bytes"
	"fmt"

	"github.com/shardchain/accountengine/engine/engerrors"
	"github.com/shardchain/accountengine/engine/nodestore"
	"github.com/shardchain/accountengine/engine/types"
)

// emptyRootHash is the well-known sentinel returned by Root() for a
// trie holding no key/value pairs.
var emptyRootHash types.Hash

// Trie is a single logical view over a node store. Independent Trie
// values may share one *nodestore.Store; each is bound to a root, and
// nodestore.Store.Lookup falls through only from the store's buffer to
// its backing kvstore. There is no per-tier overlay here: the façade
// (C8) keeps one Trie and tracks its commit tiers as roots (SetRoot).
type Trie struct {
	ns       *nodestore.Store
	rootHash types.Hash
}

// New returns an empty trie bound to ns.
func New(ns *nodestore.Store) *Trie {
	return &Trie{ns: ns, rootHash: emptyRootHash}
}

// Root returns the hash of the root node's serialization, or the
// well-known empty-trie sentinel.
func (t *Trie) Root() types.Hash { return t.rootHash }

// SetRoot rebinds the in-memory view to a previously committed root.
// Subsequent reads are resolved through the node store; it fails with
// ErrUnknownRoot if h is neither the current root nor discoverable.
func (t *Trie) SetRoot(h types.Hash) error {
	if h == emptyRootHash {
		t.rootHash = h
		return nil
	}
	if h == t.rootHash {
		return nil
	}
	if !t.ns.Exists(h) {
		return fmt.Errorf("trie: set_root %s: %w", h, engerrors.ErrUnknownRoot)
	}
	t.rootHash = h
	return nil
}

func (t *Trie) rootRef() childRef {
	if t.rootHash == emptyRootHash {
		return nil
	}
	return childRef(t.rootHash.Bytes())
}

// Get looks up key, first hashing it into a nibble path.
func (t *Trie) Get(key []byte) (value []byte, found bool, err error) {
	path := toNibbles(sum256(key))
	return t.getAt(t.rootRef(), path)
}

// Insert writes value under key, rebuilding every node on the path from
// the leaf up to a (possibly new) root.
func (t *Trie) Insert(key, value []byte) error {
	path := toNibbles(sum256(key))
	newRef, err := t.insertAt(t.rootRef(), path, value)
	if err != nil {
		return err
	}
	return t.commitNewRoot(newRef)
}

// Delete removes key, rebalancing any branch that drops to a single
// child. found reports whether the key was present.
func (t *Trie) Delete(key []byte) (found bool, err error) {
	path := toNibbles(sum256(key))
	newRef, found, err := t.deleteAt(t.rootRef(), path)
	if err != nil || !found {
		return found, err
	}
	return true, t.commitNewRoot(newRef)
}

// commitNewRoot stores newRef durably (forcing a hash-keyed entry in
// the node store even for a root small enough to otherwise qualify for
// inline embedding, since the root must always be independently
// discoverable via SetRoot) and updates t.rootHash.
func (t *Trie) commitNewRoot(newRef childRef) error {
	if newRef == nil {
		t.rootHash = emptyRootHash
		return nil
	}
	if isHashRef(newRef) {
		t.rootHash = types.BytesToHash(newRef)
		return nil
	}
	h := types.BytesToHash(sum256(newRef))
	t.ns.Insert(h, newRef)
	t.rootHash = h
	return nil
}

// Proof is the result of GetProof: the value (if found) plus every node
// touched during the traversal, serialized, keyed by its own hash — a
// verifier can recompute the root from this set alone.
type Proof struct {
	Value []byte
	Found bool
	Nodes map[types.Hash][]byte
}

// GetProof returns value (if any) plus the full set of nodes traversed
// to reach it, each serialized, sufficient for an external verifier to
// recompute the root.
func (t *Trie) GetProof(key []byte) (*Proof, error) {
	path := toNibbles(sum256(key))
	p := &Proof{Nodes: make(map[types.Hash][]byte)}
	v, found, err := t.proofAt(t.rootRef(), path, p)
	if err != nil {
		return nil, err
	}
	p.Value, p.Found = v, found
	return p, nil
}

func (t *Trie) resolve(ref childRef) (*wireNode, []byte, error) {
	if ref == nil {
		return nil, nil, nil
	}
	if isHashRef(ref) {
		h := types.BytesToHash(ref)
		raw, ok := t.ns.Lookup(h)
		if !ok {
			return nil, nil, fmt.Errorf("trie: resolve %s: %w", h, engerrors.ErrCorrupt)
		}
		n, err := decodeNode(raw)
		if err != nil {
			return nil, nil, err
		}
		return n, raw, nil
	}
	n, err := decodeNode(ref)
	if err != nil {
		return nil, nil, err
	}
	return n, ref, nil
}

// store serializes n, choosing an inline or hash-backed child_ref per
// §3, inserting into the node store in the hash-backed case.
func (t *Trie) store(n *wireNode) (childRef, error) {
	h, raw, err := hashNode(n)
	if err != nil {
		return nil, err
	}
	ref := refFor(raw, h)
	if isHashRef(ref) {
		t.ns.Insert(h, raw)
	}
	return ref, nil
}

// kill releases a reference that is being replaced. Inline references
// carry no node-store-backed entry, so there is nothing to kill.
func (t *Trie) kill(ref childRef) error {
	if ref == nil || !isHashRef(ref) {
		return nil
	}
	return t.ns.Kill(types.BytesToHash(ref))
}

func (t *Trie) getAt(ref childRef, path []byte) ([]byte, bool, error) {
	n, _, err := t.resolve(ref)
	if err != nil {
		return nil, false, err
	}
	if n == nil {
		return nil, false, nil
	}
	switch kind(n.Kind) {
	case kindLeaf:
		existing, _ := hexPrefixDecode(n.Path)
		if bytes.Equal(existing, path) {
			return n.Value, true, nil
		}
		return nil, false, nil
	case kindExtension:
		existing, _ := hexPrefixDecode(n.Path)
		cp := commonPrefixLen(existing, path)
		if cp < len(existing) {
			return nil, false, nil
		}
		return t.getAt(n.Child, path[cp:])
	case kindBranch:
		if len(path) == 0 {
			if n.Value == nil {
				return nil, false, nil
			}
			return n.Value, true, nil
		}
		return t.getAt(n.Children[path[0]], path[1:])
	default:
		return nil, false, fmt.Errorf("trie: unknown node kind %d", n.Kind)
	}
}

func (t *Trie) proofAt(ref childRef, path []byte, p *Proof) ([]byte, bool, error) {
	n, raw, err := t.resolve(ref)
	if err != nil {
		return nil, false, err
	}
	if n == nil {
		return nil, false, nil
	}
	p.Nodes[types.BytesToHash(sum256(raw))] = append([]byte(nil), raw...)

	switch kind(n.Kind) {
	case kindLeaf:
		existing, _ := hexPrefixDecode(n.Path)
		if bytes.Equal(existing, path) {
			return n.Value, true, nil
		}
		return nil, false, nil
	case kindExtension:
		existing, _ := hexPrefixDecode(n.Path)
		cp := commonPrefixLen(existing, path)
		if cp < len(existing) {
			return nil, false, nil
		}
		return t.proofAt(n.Child, path[cp:], p)
	case kindBranch:
		if len(path) == 0 {
			if n.Value == nil {
				return nil, false, nil
			}
			return n.Value, true, nil
		}
		return t.proofAt(n.Children[path[0]], path[1:], p)
	default:
		return nil, false, fmt.Errorf("trie: unknown node kind %d", n.Kind)
	}
}

func (t *Trie) insertAt(ref childRef, path []byte, value []byte) (childRef, error) {
	n, _, err := t.resolve(ref)
	if err != nil {
		return nil, err
	}
	if n == nil {
		leaf := &wireNode{Kind: uint8(kindLeaf), Path: hexPrefixEncode(path, true), Value: value}
		return t.store(leaf)
	}

	switch kind(n.Kind) {
	case kindLeaf:
		existing, _ := hexPrefixDecode(n.Path)
		cp := commonPrefixLen(existing, path)
		if cp == len(existing) && cp == len(path) {
			if err := t.kill(ref); err != nil {
				return nil, err
			}
			return t.store(&wireNode{Kind: uint8(kindLeaf), Path: n.Path, Value: value})
		}
		branch := &wireNode{Kind: uint8(kindBranch)}
		if cp < len(existing) {
			sub, err := t.store(&wireNode{Kind: uint8(kindLeaf), Path: hexPrefixEncode(existing[cp+1:], true), Value: n.Value})
			if err != nil {
				return nil, err
			}
			branch.Children[existing[cp]] = sub
		} else {
			branch.Value = n.Value
		}
		if cp < len(path) {
			sub, err := t.store(&wireNode{Kind: uint8(kindLeaf), Path: hexPrefixEncode(path[cp+1:], true), Value: value})
			if err != nil {
				return nil, err
			}
			branch.Children[path[cp]] = sub
		} else {
			branch.Value = value
		}
		if err := t.kill(ref); err != nil {
			return nil, err
		}
		return t.wrapWithExtension(branch, path[:cp])

	case kindExtension:
		existing, _ := hexPrefixDecode(n.Path)
		cp := commonPrefixLen(existing, path)
		if cp == len(existing) {
			newChild, err := t.insertAt(n.Child, path[cp:], value)
			if err != nil {
				return nil, err
			}
			if err := t.kill(ref); err != nil {
				return nil, err
			}
			return t.store(&wireNode{Kind: uint8(kindExtension), Path: n.Path, Child: newChild})
		}
		branch := &wireNode{Kind: uint8(kindBranch)}
		if cp < len(existing) {
			rem := existing[cp+1:]
			var childForBranch childRef
			if len(rem) == 0 {
				childForBranch = n.Child
			} else {
				childForBranch, err = t.store(&wireNode{Kind: uint8(kindExtension), Path: hexPrefixEncode(rem, false), Child: n.Child})
				if err != nil {
					return nil, err
				}
			}
			branch.Children[existing[cp]] = childForBranch
		}
		if cp < len(path) {
			sub, err := t.store(&wireNode{Kind: uint8(kindLeaf), Path: hexPrefixEncode(path[cp+1:], true), Value: value})
			if err != nil {
				return nil, err
			}
			branch.Children[path[cp]] = sub
		} else {
			branch.Value = value
		}
		if err := t.kill(ref); err != nil {
			return nil, err
		}
		return t.wrapWithExtension(branch, path[:cp])

	case kindBranch:
		newBranch := cloneBranch(n)
		if len(path) == 0 {
			newBranch.Value = value
		} else {
			childNew, err := t.insertAt(n.Children[path[0]], path[1:], value)
			if err != nil {
				return nil, err
			}
			newBranch.Children[path[0]] = childNew
		}
		if err := t.kill(ref); err != nil {
			return nil, err
		}
		return t.store(newBranch)

	default:
		return nil, fmt.Errorf("trie: unknown node kind %d", n.Kind)
	}
}

// wrapWithExtension stores branch, wrapping it in an extension over
// prefix when prefix is non-empty.
func (t *Trie) wrapWithExtension(branch *wireNode, prefix []byte) (childRef, error) {
	branchRef, err := t.store(branch)
	if err != nil {
		return nil, err
	}
	if len(prefix) == 0 {
		return branchRef, nil
	}
	return t.store(&wireNode{Kind: uint8(kindExtension), Path: hexPrefixEncode(prefix, false), Child: branchRef})
}

func (t *Trie) deleteAt(ref childRef, path []byte) (childRef, bool, error) {
	n, _, err := t.resolve(ref)
	if err != nil {
		return nil, false, err
	}
	if n == nil {
		return ref, false, nil
	}

	switch kind(n.Kind) {
	case kindLeaf:
		existing, _ := hexPrefixDecode(n.Path)
		if !bytes.Equal(existing, path) {
			return ref, false, nil
		}
		if err := t.kill(ref); err != nil {
			return nil, false, err
		}
		return nil, true, nil

	case kindExtension:
		existing, _ := hexPrefixDecode(n.Path)
		cp := commonPrefixLen(existing, path)
		if cp < len(existing) {
			return ref, false, nil
		}
		childNew, found, err := t.deleteAt(n.Child, path[cp:])
		if err != nil || !found {
			return ref, found, err
		}
		if err := t.kill(ref); err != nil {
			return nil, false, err
		}
		if childNew == nil {
			return nil, true, nil
		}
		merged, err := t.mergeExtension(existing, childNew)
		return merged, true, err

	case kindBranch:
		if len(path) == 0 {
			if n.Value == nil {
				return ref, false, nil
			}
			newBranch := cloneBranch(n)
			newBranch.Value = nil
			if err := t.kill(ref); err != nil {
				return nil, false, err
			}
			collapsed, err := t.finalizeBranch(newBranch)
			return collapsed, true, err
		}
		idx := path[0]
		childNew, found, err := t.deleteAt(n.Children[idx], path[1:])
		if err != nil || !found {
			return ref, found, err
		}
		newBranch := cloneBranch(n)
		newBranch.Children[idx] = childNew
		if err := t.kill(ref); err != nil {
			return nil, false, err
		}
		collapsed, err := t.finalizeBranch(newBranch)
		return collapsed, true, err

	default:
		return nil, false, fmt.Errorf("trie: unknown node kind %d", n.Kind)
	}
}

// mergeExtension merges prefix with childNew's own path, collapsing a
// chain of single-child nodes into one canonical node, as required when
// a deletion leaves an extension pointing at another extension or leaf.
func (t *Trie) mergeExtension(prefix []byte, childNew childRef) (childRef, error) {
	child, _, err := t.resolve(childNew)
	if err != nil {
		return nil, err
	}
	switch kind(child.Kind) {
	case kindLeaf:
		childPath, _ := hexPrefixDecode(child.Path)
		merged := append(append([]byte(nil), prefix...), childPath...)
		if err := t.kill(childNew); err != nil {
			return nil, err
		}
		return t.store(&wireNode{Kind: uint8(kindLeaf), Path: hexPrefixEncode(merged, true), Value: child.Value})
	case kindExtension:
		childPath, _ := hexPrefixDecode(child.Path)
		merged := append(append([]byte(nil), prefix...), childPath...)
		if err := t.kill(childNew); err != nil {
			return nil, err
		}
		return t.store(&wireNode{Kind: uint8(kindExtension), Path: hexPrefixEncode(merged, false), Child: child.Child})
	default: // branch: rewire, no merge possible
		return t.store(&wireNode{Kind: uint8(kindExtension), Path: hexPrefixEncode(prefix, false), Child: childNew})
	}
}

// finalizeBranch collapses a branch that has dropped to at most one
// live child (and no value of its own) into an extension merged with
// its remaining neighbour, per §4.3's rebalancing rule.
func (t *Trie) finalizeBranch(b *wireNode) (childRef, error) {
	if b.Value != nil {
		return t.store(b)
	}
	count, onlyIdx := 0, -1
	for i, c := range b.Children {
		if c != nil {
			count++
			onlyIdx = i
		}
	}
	switch count {
	case 0:
		return nil, nil
	case 1:
		return t.mergeExtension([]byte{byte(onlyIdx)}, b.Children[onlyIdx])
	default:
		return t.store(b)
	}
}

func cloneBranch(n *wireNode) *wireNode {
	cp := &wireNode{Kind: n.Kind, Value: append([]byte(nil), n.Value...)}
	cp.Children = n.Children
	return cp
}
