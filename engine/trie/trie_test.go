package trie

import (
	"path/filepath"
	"testing"

	"github.com/shardchain/accountengine/engine/kvstore"
	"github.com/shardchain/accountengine/engine/nodestore"
	"github.com/shardchain/accountengine/engine/types"
	"github.com/shardchain/accountengine/internal/testutil"
)

func newTestTrie(t *testing.T) *Trie {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	t.Cleanup(func() { sb.Cleanup() })
	kv, err := kvstore.Open(filepath.Join(sb.Path(""), "state.db"))
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	ns, err := nodestore.New(kv, false)
	if err != nil {
		t.Fatalf("nodestore.New: %v", err)
	}
	return New(ns)
}

func TestEmptyTrieRoot(t *testing.T) {
	tr := newTestTrie(t)
	if tr.Root() != emptyRootHash {
		t.Fatalf("expected empty trie root to be the sentinel")
	}
}

func TestInsertGetRoundTrip(t *testing.T) {
	tr := newTestTrie(t)
	if err := tr.Insert([]byte("alpha"), []byte("1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.Insert([]byte("beta"), []byte("2")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	v, found, err := tr.Get([]byte("alpha"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || string(v) != "1" {
		t.Fatalf("got (%q, %v), want (1, true)", v, found)
	}
	v, found, err = tr.Get([]byte("beta"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || string(v) != "2" {
		t.Fatalf("got (%q, %v), want (2, true)", v, found)
	}
}

func TestGetMissingKey(t *testing.T) {
	tr := newTestTrie(t)
	if err := tr.Insert([]byte("alpha"), []byte("1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	_, found, err := tr.Get([]byte("nope"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatalf("expected missing key to report not found")
	}
}

func TestRootIndependentOfInsertionOrder(t *testing.T) {
	keys := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	values := []string{"1", "2", "3", "4", "5"}
	orders := [][]int{
		{0, 1, 2, 3, 4},
		{4, 3, 2, 1, 0},
		{2, 0, 4, 1, 3},
	}

	var roots []types.Hash
	for _, order := range orders {
		tr := newTestTrie(t)
		for _, i := range order {
			if err := tr.Insert([]byte(keys[i]), []byte(values[i])); err != nil {
				t.Fatalf("Insert: %v", err)
			}
		}
		roots = append(roots, tr.Root())
	}
	for i := 1; i < len(roots); i++ {
		if roots[i] != roots[0] {
			t.Fatalf("root depends on insertion order: order %d gave %s, order 0 gave %s", i, roots[i], roots[0])
		}
	}
}

func TestUpdateExistingKey(t *testing.T) {
	tr := newTestTrie(t)
	if err := tr.Insert([]byte("alpha"), []byte("1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.Insert([]byte("alpha"), []byte("2")); err != nil {
		t.Fatalf("Insert (update): %v", err)
	}
	v, found, err := tr.Get([]byte("alpha"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || string(v) != "2" {
		t.Fatalf("got (%q, %v), want (2, true)", v, found)
	}
}

func TestDeleteThenMissing(t *testing.T) {
	tr := newTestTrie(t)
	if err := tr.Insert([]byte("alpha"), []byte("1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.Insert([]byte("beta"), []byte("2")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	found, err := tr.Delete([]byte("alpha"))
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !found {
		t.Fatalf("expected Delete to report found")
	}
	_, found, err = tr.Get([]byte("alpha"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatalf("expected alpha gone after delete")
	}
	v, found, err := tr.Get([]byte("beta"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || string(v) != "2" {
		t.Fatalf("expected beta to survive deletion of alpha")
	}
}

func TestDeleteAllEmptiesRoot(t *testing.T) {
	tr := newTestTrie(t)
	if err := tr.Insert([]byte("alpha"), []byte("1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := tr.Delete([]byte("alpha")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if tr.Root() != emptyRootHash {
		t.Fatalf("expected root to return to the empty sentinel after deleting every key")
	}
}

func TestDeleteMissingKeyIsNoop(t *testing.T) {
	tr := newTestTrie(t)
	if err := tr.Insert([]byte("alpha"), []byte("1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	rootBefore := tr.Root()
	found, err := tr.Delete([]byte("nope"))
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if found {
		t.Fatalf("expected Delete of absent key to report not found")
	}
	if tr.Root() != rootBefore {
		t.Fatalf("expected root unchanged after deleting an absent key")
	}
}

func TestSetRootUnknownFails(t *testing.T) {
	tr := newTestTrie(t)
	var bogus [32]byte
	bogus[0] = 0xff
	var h types.Hash = bogus
	if err := tr.SetRoot(h); err == nil {
		t.Fatalf("expected SetRoot on an undiscoverable hash to fail")
	}
}

func TestGetProofContainsRootPath(t *testing.T) {
	tr := newTestTrie(t)
	for i, k := range []string{"alpha", "beta", "gamma"} {
		if err := tr.Insert([]byte(k), []byte{byte(i)}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	proof, err := tr.GetProof([]byte("alpha"))
	if err != nil {
		t.Fatalf("GetProof: %v", err)
	}
	if !proof.Found {
		t.Fatalf("expected alpha to be found in proof")
	}
	if len(proof.Nodes) == 0 {
		t.Fatalf("expected at least one node in the proof set")
	}
}
