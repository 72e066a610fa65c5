// Package account implements C5: the per-account balance/nonce/code
// record and the operations the evaluator (C7) drives it through. An
// Account is a thin view over one address's slot in the account trie
// plus its contract sub-state in C4; nothing here talks to the KV store
// directly.
package account

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/shardchain/accountengine/engine/contractstorage"
	"github.com/shardchain/accountengine/engine/engerrors"
	"github.com/shardchain/accountengine/engine/types"
)

// balanceWidth/nonceWidth/the two hash widths sum to the 88-byte fixed
// account record layout from §3/§4.5.
const (
	balanceWidth = 16
	nonceWidth   = 8
	RecordWidth  = balanceWidth + nonceWidth + types.HashLength + types.HashLength
)

var maxBalance = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// Account is one account's mutable record plus a handle onto its
// contract sub-state store, scoped to a single commit tier's overlay.
type Account struct {
	Address     types.Address
	Balance     *big.Int
	Nonce       uint64
	StorageRoot types.Hash
	CodeHash    types.Hash

	cs *contractstorage.Store
}

// New constructs a freshly created account (the lazy-creation path:
// first credit, or contract creation).
func New(addr types.Address, cs *contractstorage.Store) *Account {
	return &Account{
		Address: addr,
		Balance: new(big.Int),
		cs:      cs,
	}
}

// IncreaseBalance adds delta to the balance. It errors on overflow past
// the 128-bit ceiling the fixed-width serialization enforces.
func (a *Account) IncreaseBalance(delta *big.Int) error {
	if delta.Sign() < 0 {
		return fmt.Errorf("account: increase_balance with negative delta: %w", engerrors.ErrMathError)
	}
	sum := new(big.Int).Add(a.Balance, delta)
	if sum.Cmp(maxBalance) > 0 {
		return fmt.Errorf("account: balance overflow: %w", engerrors.ErrMathError)
	}
	a.Balance = sum
	return nil
}

// DecreaseBalance subtracts delta, reporting false (and leaving the
// balance untouched) rather than erroring, when funds are insufficient
// — callers treat this as a normal gas/value-transfer rejection path,
// not an exceptional one.
func (a *Account) DecreaseBalance(delta *big.Int) bool {
	if delta.Sign() < 0 {
		return false
	}
	if a.Balance.Cmp(delta) < 0 {
		return false
	}
	a.Balance = new(big.Int).Sub(a.Balance, delta)
	return true
}

// IncreaseNonce bumps the account's nonce by one. The evaluator calls
// this on every accepted outgoing transaction, win or lose.
func (a *Account) IncreaseNonce() { a.Nonce++ }

// GetBalance returns the account's current balance.
func (a *Account) GetBalance() *big.Int { return new(big.Int).Set(a.Balance) }

// GetNonce returns the account's current nonce.
func (a *Account) GetNonce() uint64 { return a.Nonce }

// SetCode installs code's hash as the account's code_hash and stores
// the bytecode in C4's code sidecar. It fails if the account already
// carries a code hash: code is immutable once set.
func (a *Account) SetCode(code []byte) error {
	if !a.CodeHash.IsZero() {
		return fmt.Errorf("account: %s: code already set", a.Address)
	}
	sum := sha256.Sum256(code)
	if err := a.cs.PutCode(a.Address, code); err != nil {
		return err
	}
	a.CodeHash = types.Hash(sum)
	return nil
}

// scillaInitEntry is one element of a Scilla-style init payload: a list
// of {vname, type, value} triples supplied at contract creation.
type scillaInitEntry struct {
	VName string          `json:"vname"`
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

const (
	initFieldScillaVersion = "_scilla_version"
	initFieldIsLibrary     = "_is_library"
	initFieldExtlibs       = "_extlibs"
)

// InitContract parses initData (a JSON array of vname/type/value
// triples) and seeds the account's state trie: each entry becomes a
// depth-0 scalar field, and the reserved fields driving
// GetContractAuxiliaries are recorded for fast lookup.
func (a *Account) InitContract(initData []byte, blockNum uint64) error {
	var entries []scillaInitEntry
	if err := json.Unmarshal(initData, &entries); err != nil {
		return fmt.Errorf("account: parse init payload: %w: %v", engerrors.ErrFailContractInit, err)
	}
	if err := a.cs.PutInitData(a.Address, initData); err != nil {
		return err
	}

	root := a.StorageRoot
	for _, e := range entries {
		var err error
		root, err = a.cs.DeclareFieldDepth(a.Address, root, e.VName, 0)
		if err != nil {
			return err
		}
		root, err = a.cs.Update(a.Address, root, contractstorage.Query{Field: e.VName}, &contractstorage.NestedValue{Scalar: e.Value}, false)
		if err != nil {
			return fmt.Errorf("account: seed field %q: %w: %v", e.VName, engerrors.ErrFailContractInit, err)
		}
	}
	a.StorageRoot = root
	return nil
}

// GetContractAuxiliaries reads back the reserved fields InitContract
// recorded, describing whether this account is a Scilla library, which
// interpreter version it targets, and which libraries it imports.
func (a *Account) GetContractAuxiliaries() (isLibrary bool, scillaVersion int, extlibAddresses []types.Address, err error) {
	v, found, err := a.cs.Fetch(a.Address, a.StorageRoot, contractstorage.Query{Field: initFieldScillaVersion})
	if err != nil {
		return false, 0, nil, err
	}
	if found && v.IsScalar() {
		var n int
		if err := json.Unmarshal(v.Scalar, &n); err == nil {
			scillaVersion = n
		}
	}

	v, found, err = a.cs.Fetch(a.Address, a.StorageRoot, contractstorage.Query{Field: initFieldIsLibrary})
	if err != nil {
		return false, 0, nil, err
	}
	if found && v.IsScalar() {
		var b bool
		if err := json.Unmarshal(v.Scalar, &b); err == nil {
			isLibrary = b
		}
	}

	v, found, err = a.cs.Fetch(a.Address, a.StorageRoot, contractstorage.Query{Field: initFieldExtlibs})
	if err != nil {
		return false, 0, nil, err
	}
	if found && v.IsScalar() {
		var addrs []string
		if err := json.Unmarshal(v.Scalar, &addrs); err == nil {
			for _, s := range addrs {
				addr, err := types.AddressFromHex(s)
				if err == nil {
					extlibAddresses = append(extlibAddresses, addr)
				}
			}
		}
	}
	return isLibrary, scillaVersion, extlibAddresses, nil
}

// StateMutation is one field-level write applied by UpdateStates.
type StateMutation struct {
	Query contractstorage.Query
	Value *contractstorage.NestedValue
}

// UpdateStates applies a batch of contract-storage modifications and
// deletions in one pass, optionally forcing the per-field depth
// metadata to be rewritten (used when a migration changes a field's
// declared nesting).
func (a *Account) UpdateStates(modifications []StateMutation, deletions []contractstorage.Query, forceMetadataRewrite bool) error {
	root := a.StorageRoot
	for _, m := range modifications {
		if forceMetadataRewrite {
			var err error
			root, err = a.cs.DeclareFieldDepth(a.Address, root, m.Query.Field, len(m.Query.Indices))
			if err != nil {
				return err
			}
		}
		var err error
		root, err = a.cs.Update(a.Address, root, m.Query, m.Value, false)
		if err != nil {
			return err
		}
	}
	for _, q := range deletions {
		var err error
		root, err = a.cs.Update(a.Address, root, q, nil, true)
		if err != nil {
			return err
		}
	}
	a.StorageRoot = root
	return nil
}

// GetStorageRoot returns the account's current contract state root.
func (a *Account) GetStorageRoot() types.Hash { return a.StorageRoot }

// Commit freezes pending contract-storage writes: the trie mutations
// already landed in C2's main buffer as each Update call ran, so commit
// here re-takes the contract storage's one-deep undo snapshot at the
// current state, so a later Rollback no longer undoes earlier writes.
func (a *Account) Commit() {
	a.cs.BufferCurrentState()
}

// Rollback discards pending contract-storage writes made since the
// last Commit, restoring the contract storage mirror snapshot. Callers
// must also roll back the underlying node store's buffer in lock-step.
func (a *Account) Rollback() {
	a.cs.RevertPrevState()
}

// Serialize lays the account base record out as balance || nonce ||
// storage_root || code_hash, fixed-width.
func (a *Account) Serialize() []byte {
	out := make([]byte, RecordWidth)
	a.Balance.FillBytes(out[:balanceWidth])
	binary.BigEndian.PutUint64(out[balanceWidth:balanceWidth+nonceWidth], a.Nonce)
	copy(out[balanceWidth+nonceWidth:balanceWidth+nonceWidth+types.HashLength], a.StorageRoot.Bytes())
	copy(out[balanceWidth+nonceWidth+types.HashLength:], a.CodeHash.Bytes())
	return out
}

// Deserialize parses a fixed-width account record produced by
// Serialize back into addr's Account.
func Deserialize(addr types.Address, raw []byte, cs *contractstorage.Store) (*Account, error) {
	if len(raw) != RecordWidth {
		return nil, fmt.Errorf("account: record has %d bytes, want %d: %w", len(raw), RecordWidth, engerrors.ErrCorrupt)
	}
	a := &Account{Address: addr, cs: cs}
	a.Balance = new(big.Int).SetBytes(raw[:balanceWidth])
	a.Nonce = binary.BigEndian.Uint64(raw[balanceWidth : balanceWidth+nonceWidth])
	a.StorageRoot = types.BytesToHash(raw[balanceWidth+nonceWidth : balanceWidth+nonceWidth+types.HashLength])
	a.CodeHash = types.BytesToHash(raw[balanceWidth+nonceWidth+types.HashLength:])
	return a, nil
}

// GetAddressFromPublicKey derives an externally-owned account's address
// as the last 20 bytes of SHA-256(compressed_pubkey), validating that
// pubkey actually decodes to a point on the secp256k1 curve first.
func GetAddressFromPublicKey(pubkey []byte) (types.Address, error) {
	pk, err := secp256k1.ParsePubKey(pubkey)
	if err != nil {
		return types.Address{}, fmt.Errorf("account: invalid public key: %w", err)
	}
	compressed := pk.SerializeCompressed()
	sum := sha256.Sum256(compressed)
	return types.BytesToAddress(sum[:]), nil
}

// GetAddressForContract derives a to-be-created contract's address as
// the last 20 bytes of SHA-256(sender_addr || nonce_be64).
func GetAddressForContract(sender types.Address, nonce uint64) types.Address {
	buf := make([]byte, types.AddressLength+nonceWidth)
	copy(buf, sender.Bytes())
	binary.BigEndian.PutUint64(buf[types.AddressLength:], nonce)
	sum := sha256.Sum256(buf)
	return types.BytesToAddress(sum[:])
}
