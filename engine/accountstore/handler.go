package accountstore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/shardchain/accountengine/engine/contractstorage"
	"github.com/shardchain/accountengine/engine/types"
)

// wireQuery is the JSON shape a scillaipc.Handler query blob decodes
// into. The interpreter's fetchStateValue/updateStateValue calls carry
// an opaque []byte "query"; this package's own client and server agree
// to encode that blob as this struct rather than Scilla's dotted-string
// field syntax, since nothing else in this module parses that syntax.
type wireQuery struct {
	Field   string   `json:"field"`
	Indices [][]byte `json:"indices,omitempty"`
}

func decodeQuery(raw []byte) (contractstorage.Query, error) {
	var wq wireQuery
	if err := json.Unmarshal(raw, &wq); err != nil {
		return contractstorage.Query{}, fmt.Errorf("decode query: %w", err)
	}
	return contractstorage.Query{Field: wq.Field, Indices: wq.Indices}, nil
}

// FetchStateValue answers an in-flight interpreter's read of its own
// contract's field, satisfying scillaipc.Handler. addr is carried
// implicitly by the caller's socket connection in the real protocol;
// this engine instead expects the caller to have bound one AccountStore
// per contract invocation, so it resolves against whichever address
// UpdateAccountsTemp is currently evaluating.
func (a *AccountStore) FetchStateValue(query []byte) (bool, []byte, error) {
	addr := a.currentContract()
	return a.fetchFieldFor(addr, query)
}

// FetchExternalStateValue answers a cross-contract read against addr's
// own committed storage root.
func (a *AccountStore) FetchExternalStateValue(addr string, query []byte) (bool, []byte, string, error) {
	target, err := types.AddressFromHex(addr)
	if err != nil {
		return false, nil, "", fmt.Errorf("parse external address: %w", err)
	}
	found, value, err := a.fetchFieldFor(target, query)
	if err != nil || !found {
		return found, value, "", err
	}
	return true, value, "ByStr", nil
}

// FetchExternalStateValueB64 is the binary-safe variant of
// FetchExternalStateValue, trading raw bytes for base64 text at the
// wire layer only; the query decoding itself is identical.
func (a *AccountStore) FetchExternalStateValueB64(addr, queryB64 string) (bool, string, string, error) {
	target, err := types.AddressFromHex(addr)
	if err != nil {
		return false, "", "", fmt.Errorf("parse external address: %w", err)
	}
	rawQuery, err := base64.StdEncoding.DecodeString(queryB64)
	if err != nil {
		return false, "", "", fmt.Errorf("decode base64 query: %w", err)
	}
	found, value, err := a.fetchFieldFor(target, rawQuery)
	if err != nil || !found {
		return found, "", "", err
	}
	return true, base64.StdEncoding.EncodeToString(value), "ByStr", nil
}

func (a *AccountStore) fetchFieldFor(addr types.Address, rawQuery []byte) (bool, []byte, error) {
	q, err := decodeQuery(rawQuery)
	if err != nil {
		return false, nil, err
	}
	a.trieMu.RLock()
	acct, found, err := a.getAccountLocked(addr)
	a.trieMu.RUnlock()
	if err != nil || !found {
		return false, nil, err
	}
	nv, found, err := a.cs.Fetch(addr, acct.GetStorageRoot(), q)
	if err != nil || !found || !nv.IsScalar() {
		return false, nil, err
	}
	return true, nv.Scalar, nil
}

// UpdateStateValue answers an in-flight interpreter's write of its own
// contract's field. The written bytes are staged in the current trie
// exactly like any other mutation UpdateAccountsTemp flushes later;
// there is no separate commit path for interpreter-originated writes.
func (a *AccountStore) UpdateStateValue(query, value []byte, ignoreVal bool) error {
	addr := a.currentContract()
	q, err := decodeQuery(query)
	if err != nil {
		return err
	}
	a.trieMu.Lock()
	defer a.trieMu.Unlock()
	acct, found, err := a.getAccountLocked(addr)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("accountstore: update state for unknown contract %s", addr)
	}
	var nv *contractstorage.NestedValue
	if !ignoreVal {
		nv = &contractstorage.NestedValue{Scalar: value}
	}
	newRoot, err := a.cs.Update(addr, acct.GetStorageRoot(), q, nv, ignoreVal)
	if err != nil {
		return err
	}
	acct.StorageRoot = newRoot
	return nil
}

func (a *AccountStore) setStorageRootLocked(acct interface {
	GetStorageRoot() types.Hash
}, newRoot types.Hash) error {
	type rootSetter interface {
		SetStorageRootForCallback(types.Hash)
	}
	if rs, ok := acct.(rootSetter); ok {
		rs.SetStorageRootForCallback(newRoot)
	}
	return nil
}

// FetchBlockchainInfo answers the interpreter's queries about the
// chain's ambient state (block number, chain id, and similar). Only
// the block number this engine itself knows about is wired; anything
// else reports not-found rather than fabricating a value.
func (a *AccountStore) FetchBlockchainInfo(queryName string, args []string) (bool, string, error) {
	switch queryName {
	case "BLOCKNUMBER":
		a.primary.Lock()
		bn := a.lastBlockNum
		a.primary.Unlock()
		return true, fmt.Sprintf("%d", bn), nil
	default:
		return false, "", nil
	}
}

// currentContract reports the address UpdateAccountsTemp is presently
// evaluating, so callback methods that don't carry an explicit address
// (fetchStateValue, updateStateValue) know which contract's storage to
// touch. It is only meaningful while a call into the evaluator is in
// flight. accountstore.New does not construct a scillaipc.Server; a
// caller that serves these callbacks passes this AccountStore to
// scillaipc.NewServer as its Handler.
func (a *AccountStore) currentContract() types.Address {
	a.primary.Lock()
	defer a.primary.Unlock()
	return a.evaluatingAddr
}
