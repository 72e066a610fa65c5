package trie

import (
	"crypto/sha256"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/shardchain/accountengine/engine/types"
)

// kind tags which of the three node shapes a wire node carries.
type kind byte

const (
	kindLeaf kind = iota
	kindExtension
	kindBranch
)

// wireNode is the RLP-serializable representation of a trie node. Only
// the fields relevant to its Kind are populated; RLP requires a fixed
// shape, so every field is present but zero-valued when unused.
type wireNode struct {
	Kind     uint8
	Path     []byte   // hex-prefix encoded path, for Leaf/Extension
	Value    []byte   // leaf value, or a branch's own terminal value
	Child    []byte   // extension's single child ref
	Children [16][]byte // branch's 16 child refs (nil entry = empty slot)
}

// childRef names a child node either by its 32-byte hash (when the
// child's serialization is at least as long as a hash) or by the raw
// serialized bytes of the child itself (when shorter) — an "inline"
// reference that avoids a wasted round trip through the node store for
// small subtrees.
type childRef []byte

const refInlineMaxLen = types.HashLength

func isHashRef(ref childRef) bool { return len(ref) == types.HashLength }

// encodeNode serializes n via RLP.
func encodeNode(n *wireNode) ([]byte, error) {
	b, err := rlp.EncodeToBytes(n)
	if err != nil {
		return nil, fmt.Errorf("trie: encode node: %w", err)
	}
	return b, nil
}

// decodeNode deserializes raw RLP bytes back into a wireNode. RLP has
// no notion of a nil byte slice, only an empty string, so a zero-length
// Value, Child or Children slot is normalized back to nil after
// decoding (Path is left as decoded) — callers
// distinguish "absent" from "present but empty" via nil-ness.
func decodeNode(raw []byte) (*wireNode, error) {
	var n wireNode
	if err := rlp.DecodeBytes(raw, &n); err != nil {
		return nil, fmt.Errorf("trie: decode node: %w", err)
	}
	if len(n.Value) == 0 {
		n.Value = nil
	}
	if len(n.Child) == 0 {
		n.Child = nil
	}
	for i := range n.Children {
		if len(n.Children[i]) == 0 {
			n.Children[i] = nil
		}
	}
	return &n, nil
}

// hashNode returns SHA-256 of n's canonical serialization, and the
// serialization itself.
func hashNode(n *wireNode) (types.Hash, []byte, error) {
	raw, err := encodeNode(n)
	if err != nil {
		return types.Hash{}, nil, err
	}
	return types.BytesToHash(sum256(raw)), raw, nil
}

// refFor decides whether a freshly-built child should be stored by hash
// (the common case) or embedded inline (only for tiny subtrees),
// matching §3's child_ref invariant.
func refFor(serialized []byte, h types.Hash) childRef {
	if len(serialized) < refInlineMaxLen {
		return childRef(append([]byte(nil), serialized...))
	}
	return childRef(append([]byte(nil), h.Bytes()...))
}

func sum256(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}
