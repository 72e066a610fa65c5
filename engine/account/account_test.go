package account

import (
	"crypto/sha256"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/shardchain/accountengine/engine/contractstorage"
	"github.com/shardchain/accountengine/engine/kvstore"
	"github.com/shardchain/accountengine/engine/nodestore"
	"github.com/shardchain/accountengine/engine/types"
	"github.com/shardchain/accountengine/internal/testutil"
)

func newTestCS(t *testing.T) *contractstorage.Store {
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
	return contractstorage.New(kv, ns)
}

func TestIncreaseDecreaseBalance(t *testing.T) {
	cs := newTestCS(t)
	var addr types.Address
	addr[0] = 1
	a := New(addr, cs)

	if err := a.IncreaseBalance(big.NewInt(100)); err != nil {
		t.Fatalf("IncreaseBalance: %v", err)
	}
	if a.GetBalance().Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("got balance %s, want 100", a.GetBalance())
	}
	if !a.DecreaseBalance(big.NewInt(40)) {
		t.Fatalf("expected DecreaseBalance to succeed")
	}
	if a.GetBalance().Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("got balance %s, want 60", a.GetBalance())
	}
	if a.DecreaseBalance(big.NewInt(1000)) {
		t.Fatalf("expected DecreaseBalance to fail on insufficient funds")
	}
	if a.GetBalance().Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("balance mutated despite failed decrease: got %s", a.GetBalance())
	}
}

func TestNonceMonotonic(t *testing.T) {
	cs := newTestCS(t)
	var addr types.Address
	a := New(addr, cs)
	for i := 0; i < 5; i++ {
		a.IncreaseNonce()
	}
	if a.GetNonce() != 5 {
		t.Fatalf("got nonce %d, want 5", a.GetNonce())
	}
}

func TestSetCodeFailsWhenAlreadySet(t *testing.T) {
	cs := newTestCS(t)
	var addr types.Address
	addr[0] = 2
	a := New(addr, cs)
	if err := a.SetCode([]byte("code-v1")); err != nil {
		t.Fatalf("SetCode: %v", err)
	}
	if err := a.SetCode([]byte("code-v2")); err == nil {
		t.Fatalf("expected second SetCode to fail")
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	cs := newTestCS(t)
	var addr types.Address
	addr[0] = 3
	a := New(addr, cs)
	if err := a.IncreaseBalance(big.NewInt(12345)); err != nil {
		t.Fatalf("IncreaseBalance: %v", err)
	}
	a.IncreaseNonce()
	a.IncreaseNonce()

	raw := a.Serialize()
	if len(raw) != RecordWidth {
		t.Fatalf("got %d bytes, want %d", len(raw), RecordWidth)
	}
	back, err := Deserialize(addr, raw, cs)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if back.GetBalance().Cmp(big.NewInt(12345)) != 0 {
		t.Fatalf("got balance %s, want 12345", back.GetBalance())
	}
	if back.GetNonce() != 2 {
		t.Fatalf("got nonce %d, want 2", back.GetNonce())
	}
}

func TestInitContractSeedsFields(t *testing.T) {
	cs := newTestCS(t)
	var addr types.Address
	addr[0] = 4
	a := New(addr, cs)

	initJSON := []byte(`[
		{"vname":"_scilla_version","type":"Uint32","value":1},
		{"vname":"owner","type":"ByStr20","value":"0x0000000000000000000000000000000000000001"}
	]`)
	if err := a.InitContract(initJSON, 10); err != nil {
		t.Fatalf("InitContract: %v", err)
	}

	isLib, version, extlibs, err := a.GetContractAuxiliaries()
	if err != nil {
		t.Fatalf("GetContractAuxiliaries: %v", err)
	}
	if isLib {
		t.Fatalf("expected is_library false by default")
	}
	if version != 1 {
		t.Fatalf("got scilla version %d, want 1", version)
	}
	if len(extlibs) != 0 {
		t.Fatalf("expected no extlibs, got %v", extlibs)
	}

	v, found, err := cs.Fetch(addr, a.GetStorageRoot(), contractstorage.Query{Field: "owner"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !found {
		t.Fatalf("expected owner field to be seeded")
	}
	_ = v
}

func TestGetAddressFromPublicKey(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	pub := priv.PubKey().SerializeCompressed()
	addr, err := GetAddressFromPublicKey(pub)
	if err != nil {
		t.Fatalf("GetAddressFromPublicKey: %v", err)
	}
	if addr.IsZero() {
		t.Fatalf("expected a non-zero derived address")
	}
}

func TestGetAddressForContractDeterministic(t *testing.T) {
	var sender types.Address
	sender[0] = 9
	a1 := GetAddressForContract(sender, 3)
	a2 := GetAddressForContract(sender, 3)
	if a1 != a2 {
		t.Fatalf("expected deterministic contract address derivation")
	}
	a3 := GetAddressForContract(sender, 4)
	if a1 == a3 {
		t.Fatalf("expected different nonce to yield different address")
	}
}

// TestGetAddressForContractMatchesSpecS3 pins the exact two-input formula
// from spec.md's S3 worked example: A_c = last-20-bytes(SHA-256(alice || 0)),
// with no version byte mixed into the digest.
func TestGetAddressForContractMatchesSpecS3(t *testing.T) {
	var alice types.Address
	alice[0] = 0xAA

	buf := make([]byte, types.AddressLength+8)
	copy(buf, alice.Bytes())
	want := sha256.Sum256(buf)

	got := GetAddressForContract(alice, 0)
	if got != types.BytesToAddress(want[:]) {
		t.Fatalf("GetAddressForContract(alice, 0) = %x, want last-20-bytes(SHA-256(alice||nonce)) = %x", got, want)
	}
}
