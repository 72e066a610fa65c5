package nodestore

import (
	"path/filepath"
	"testing"

	"github.com/shardchain/accountengine/engine/kvstore"
	"github.com/shardchain/accountengine/engine/types"
	"github.com/shardchain/accountengine/internal/testutil"
)

func openTestStore(t *testing.T, archival bool) *Store {
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
	ns, err := New(kv, archival)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ns
}

func hashOf(b byte) types.Hash {
	var h types.Hash
	h[0] = b
	return h
}

func TestRefcountSoundnessNonArchival(t *testing.T) {
	ns := openTestStore(t, false)
	h := hashOf(1)

	ns.Insert(h, []byte("payload"))
	if !ns.Exists(h) {
		t.Fatalf("expected node to exist after insert")
	}
	if err := ns.Kill(h); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	var purged []types.Hash
	ns.Purge(&purged)
	if ns.Exists(h) {
		t.Fatalf("expected node gone after insert;kill;purge cycle")
	}
	if len(purged) != 1 || purged[0] != h {
		t.Fatalf("expected purged set {%v}, got %v", h, purged)
	}
}

func TestKillMissingKeyNonArchivalErrors(t *testing.T) {
	ns := openTestStore(t, false)
	h := hashOf(2)
	if err := ns.Kill(h); err == nil {
		t.Fatalf("expected error killing absent key in non-archival mode")
	}
}

func TestKillMissingKeyArchivalIsNoop(t *testing.T) {
	ns := openTestStore(t, true)
	h := hashOf(3)
	if err := ns.Kill(h); err != nil {
		t.Fatalf("expected no-op, got error: %v", err)
	}
}

func TestArchivalPurgeRetainsPayload(t *testing.T) {
	ns := openTestStore(t, true)
	h := hashOf(4)
	ns.Insert(h, []byte("payload"))
	if err := ns.Kill(h); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	var purged []types.Hash
	ns.Purge(&purged)
	if len(purged) != 1 {
		t.Fatalf("expected purge to report the killed hash even in archival mode")
	}
	if !ns.Exists(h) {
		t.Fatalf("archival mode must retain payload after purge")
	}
}

func TestBufferStateRevertState(t *testing.T) {
	ns := openTestStore(t, false)
	h1, h2 := hashOf(5), hashOf(6)

	ns.Insert(h1, []byte("one"))
	ns.BufferState()
	ns.Insert(h2, []byte("two"))

	if !ns.Exists(h2) {
		t.Fatalf("expected h2 to exist before revert")
	}
	ns.RevertState()
	if ns.Exists(h2) {
		t.Fatalf("expected h2 to be gone after revert")
	}
	if !ns.Exists(h1) {
		t.Fatalf("expected h1 (buffered before the mutation) to survive revert")
	}
}

func TestCommitPersistsAcrossRestart(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	defer sb.Cleanup()
	dbPath := filepath.Join(sb.Path(""), "state.db")

	kv1, err := kvstore.Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ns1, err := New(kv1, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := hashOf(7)
	ns1.Insert(h, []byte("durable"))
	if err := ns1.Commit(1); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := kv1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	kv2, err := kvstore.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer kv2.Close()
	ns2, err := New(kv2, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	v, ok := ns2.Lookup(h)
	if !ok || string(v) != "durable" {
		t.Fatalf("expected committed node to survive restart, got (%q, %v)", v, ok)
	}
}

func TestRollbackDropsMainBuffer(t *testing.T) {
	ns := openTestStore(t, false)
	h := hashOf(8)
	ns.Insert(h, []byte("transient"))
	ns.Rollback()
	if ns.Exists(h) {
		t.Fatalf("expected node to vanish after rollback")
	}
}

func TestAuxRoundTrip(t *testing.T) {
	ns := openTestStore(t, false)
	ns.InsertAux("k", []byte("v"))
	v, ok := ns.LookupAux("k")
	if !ok || string(v) != "v" {
		t.Fatalf("got (%q, %v), want (v, true)", v, ok)
	}
	ns.RemoveAux("k")
	if _, ok := ns.LookupAux("k"); ok {
		t.Fatalf("expected aux entry removed")
	}
}
