package evaluator

import (
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/shardchain/accountengine/engine/account"
	"github.com/shardchain/accountengine/engine/contractstorage"
	"github.com/shardchain/accountengine/engine/engerrors"
	"github.com/shardchain/accountengine/engine/kvstore"
	"github.com/shardchain/accountengine/engine/nodestore"
	"github.com/shardchain/accountengine/engine/scillaipc"
	"github.com/shardchain/accountengine/engine/types"
	"github.com/shardchain/accountengine/internal/testutil"
)

type fakeAccounts struct {
	mu sync.Mutex
	m  map[types.Address]*account.Account
	cs *contractstorage.Store
}

func newFakeAccounts(cs *contractstorage.Store) *fakeAccounts {
	return &fakeAccounts{m: make(map[types.Address]*account.Account), cs: cs}
}

func (f *fakeAccounts) GetAccount(addr types.Address) (*account.Account, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.m[addr]
	return a, ok, nil
}

func (f *fakeAccounts) AddAccount(addr types.Address) (*account.Account, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.m[addr]; ok {
		return a, false, nil
	}
	a := account.New(addr, f.cs)
	f.m[addr] = a
	return a, true, nil
}

type evalFixture struct {
	sb          *testutil.Sandbox
	kv          *kvstore.Store
	ns          *nodestore.Store
	cs          *contractstorage.Store
	accounts    *fakeAccounts
	interp      *fakeInterpreter
	clients     *scillaipc.ClientManager
	eval        *Evaluator
	fromPriv    *secp256k1.PrivateKey
	fromAddr    types.Address
}

func newEvalFixture(t *testing.T) *evalFixture {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	kv, err := kvstore.Open(sb.Path("db.bolt"))
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	ns, err := nodestore.New(kv, false)
	if err != nil {
		t.Fatalf("nodestore.New: %v", err)
	}
	cs := contractstorage.New(kv, ns)
	accounts := newFakeAccounts(cs)

	// No test fixture seeds a _scilla_version init field, so every
	// account defaults to interpreter version 0.
	sockPathFmt := filepath.Join(sb.Root, "v%d.sock")
	interp, err := newFakeInterpreter(fmt.Sprintf(sockPathFmt, 0))
	if err != nil {
		t.Fatalf("newFakeInterpreter: %v", err)
	}
	clients := scillaipc.NewClientManager(sockPathFmt, nil, 1, time.Second)

	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	fromAddr, err := account.GetAddressFromPublicKey(priv.PubKey().SerializeCompressed())
	if err != nil {
		t.Fatalf("GetAddressFromPublicKey: %v", err)
	}
	fromAcct := account.New(fromAddr, cs)
	accounts.m[fromAddr] = fromAcct

	gas := DefaultGasTable(nil)
	ev := New(accounts, gas, clients, ns, cs, 4, nil)

	f := &evalFixture{sb: sb, kv: kv, ns: ns, cs: cs, accounts: accounts, interp: interp, clients: clients, eval: ev, fromPriv: priv, fromAddr: fromAddr}
	t.Cleanup(func() {
		interp.Close()
		kv.Close()
		sb.Cleanup()
	})
	return f
}

func (f *evalFixture) fund(amount uint64) {
	acct, _, _ := f.accounts.GetAccount(f.fromAddr)
	_ = acct.IncreaseBalance(big.NewInt(0).SetUint64(amount))
}

func (f *evalFixture) newTx(toAddr types.Address, amount, gasPrice, gasLimit uint64, code, data []byte) *Transaction {
	tx := &Transaction{
		Version:    1,
		Nonce:      1,
		ToAddr:     toAddr,
		FromPubkey: f.fromPriv.PubKey().SerializeCompressed(),
		Amount:     amount,
		GasPrice:   gasPrice,
		GasLimit:   gasLimit,
		Code:       code,
		Data:       data,
	}
	f.sign(tx)
	return tx
}

// sign computes tx's signature over its core fields with the fixture's
// sender key, the same way a real submitter would before handing the
// transaction to the evaluator.
func (f *evalFixture) sign(tx *Transaction) {
	if err := tx.Sign(f.fromPriv); err != nil {
		panic(err)
	}
}

func TestEvaluatePlainTransfer(t *testing.T) {
	f := newEvalFixture(t)
	f.fund(1000)

	toAddr := types.Address{9, 9, 9}
	tx := f.newTx(toAddr, 100, 1, 10, nil, nil)

	receipt, status, err := f.eval.Evaluate(1, 1, false, tx, Extras{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if status != engerrors.StatusAccepted {
		t.Fatalf("got status %v, want Accepted", status)
	}
	if !receipt.Success {
		t.Fatalf("expected successful transfer, errors: %v", receipt.Errors)
	}

	fromAcct, _, _ := f.accounts.GetAccount(f.fromAddr)
	if fromAcct.GetNonce() != 1 {
		t.Fatalf("got nonce %d, want 1", fromAcct.GetNonce())
	}
	toAcct, exists, _ := f.accounts.GetAccount(toAddr)
	if !exists {
		t.Fatalf("expected recipient to be lazily created")
	}
	if toAcct.GetBalance().Uint64() != 100 {
		t.Fatalf("got recipient balance %d, want 100", toAcct.GetBalance().Uint64())
	}
	// balance: 1000 - gasDeposit(10) - amount(100) + refund(10, since non-contract has zero penalty)
	if fromAcct.GetBalance().Uint64() != 1000-100 {
		t.Fatalf("got sender balance %d, want %d", fromAcct.GetBalance().Uint64(), 1000-100)
	}
}

func TestEvaluateInsufficientBalanceDropsTransaction(t *testing.T) {
	f := newEvalFixture(t)
	f.fund(5)

	toAddr := types.Address{9, 9, 9}
	tx := f.newTx(toAddr, 100, 1, 10, nil, nil)

	_, status, err := f.eval.Evaluate(1, 1, false, tx, Extras{})
	if err == nil {
		t.Fatalf("expected an error")
	}
	if status != engerrors.StatusDroppedInsufficientBalance {
		t.Fatalf("got status %v, want DroppedInsufficientBalance", status)
	}
	fromAcct, _, _ := f.accounts.GetAccount(f.fromAddr)
	if fromAcct.GetNonce() != 0 {
		t.Fatalf("nonce must not be bumped on a dropped transaction")
	}
}

func TestEvaluateDropsForgedSignature(t *testing.T) {
	f := newEvalFixture(t)
	f.fund(1000)

	toAddr := types.Address{9, 9, 9}
	tx := f.newTx(toAddr, 100, 1, 10, nil, nil)
	tx.Signature[0] ^= 0xFF

	_, status, err := f.eval.Evaluate(1, 1, false, tx, Extras{})
	if err == nil {
		t.Fatalf("expected an error for a forged signature")
	}
	if status != engerrors.StatusDroppedInvalidSignature {
		t.Fatalf("got status %v, want DroppedInvalidSignature", status)
	}
	fromAcct, _, _ := f.accounts.GetAccount(f.fromAddr)
	if fromAcct.GetNonce() != 0 {
		t.Fatalf("nonce must not be bumped when the signature fails to verify")
	}
	if fromAcct.GetBalance().Uint64() != 1000 {
		t.Fatalf("balance must be untouched when the signature fails to verify")
	}
}

func TestEvaluateDropsMissingSignature(t *testing.T) {
	f := newEvalFixture(t)
	f.fund(1000)

	toAddr := types.Address{9, 9, 9}
	tx := f.newTx(toAddr, 100, 1, 10, nil, nil)
	tx.Signature = nil

	_, status, err := f.eval.Evaluate(1, 1, false, tx, Extras{})
	if err == nil {
		t.Fatalf("expected an error for a missing signature")
	}
	if status != engerrors.StatusDroppedInvalidSignature {
		t.Fatalf("got status %v, want DroppedInvalidSignature", status)
	}
}

func TestEvaluateContractCreation(t *testing.T) {
	f := newEvalFixture(t)
	f.fund(10000)

	tx := f.newTx(types.ZeroAddress, 0, 1, 1000, []byte("scilla contract code"), []byte(`[{"vname":"owner","type":"ByStr20","value":"0x00"}]`))

	receipt, _, err := f.eval.Evaluate(1, 1, false, tx, Extras{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !receipt.Success {
		t.Fatalf("expected successful creation, errors: %v", receipt.Errors)
	}

	contractAddr := account.GetAddressForContract(f.fromAddr, 0)
	newAcct, exists, _ := f.accounts.GetAccount(contractAddr)
	if !exists {
		t.Fatalf("expected contract account to exist")
	}
	if newAcct.CodeHash.IsZero() {
		t.Fatalf("expected code hash to be set")
	}
}

func TestEvaluateContractCallRefusesValue(t *testing.T) {
	f := newEvalFixture(t)
	f.fund(10000)

	toAddr := types.Address{7, 7, 7}
	toAcct := account.New(toAddr, f.cs)
	if err := toAcct.SetCode([]byte("lib code")); err != nil {
		t.Fatalf("SetCode: %v", err)
	}
	f.accounts.m[toAddr] = toAcct

	f.interp.runFn = func(req scillaipc.RunRequest) (scillaipc.InterpreterReply, error) {
		return scillaipc.InterpreterReply{GasRemaining: req.GasLimit, Accepted: false}, nil
	}

	tx := f.newTx(toAddr, 500, 1, 1000, nil, []byte(`{"_tag":"Foo"}`))
	_, _, err := f.eval.Evaluate(1, 1, false, tx, Extras{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if toAcct.GetBalance().Sign() != 0 {
		t.Fatalf("callee that refused the value must not receive it, got balance %s", toAcct.GetBalance())
	}
	fromAcct, _, _ := f.accounts.GetAccount(f.fromAddr)
	penalty := f.eval.classPenalty(ClassContractCall)
	want := 10000 - tx.GasLimit*tx.GasPrice + (tx.GasLimit-penalty)*tx.GasPrice
	if fromAcct.GetBalance().Uint64() != want {
		t.Fatalf("got sender balance %d, want %d", fromAcct.GetBalance().Uint64(), want)
	}
}

func TestEvaluateEdgeCapExceeded(t *testing.T) {
	f := newEvalFixture(t)
	f.fund(10000)

	toAddr := types.Address{7, 7, 7}
	toAcct := account.New(toAddr, f.cs)
	if err := toAcct.SetCode([]byte("code")); err != nil {
		t.Fatalf("SetCode: %v", err)
	}
	f.accounts.m[toAddr] = toAcct

	f.eval.maxEdges = 1
	f.interp.runFn = func(req scillaipc.RunRequest) (scillaipc.InterpreterReply, error) {
		return scillaipc.InterpreterReply{
			GasRemaining: req.GasLimit,
			Accepted:     true,
			Messages: []scillaipc.OutgoingMessage{
				{Recipient: toAddr.String(), Tag: "loop"},
				{Recipient: toAddr.String(), Tag: "loop"},
			},
		}, nil
	}

	tx := f.newTx(toAddr, 0, 1, 1000, nil, []byte(`{"_tag":"Go"}`))
	receipt, _, err := f.eval.Evaluate(1, 1, false, tx, Extras{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if receipt.Success {
		t.Fatalf("expected edge cap to fail the transaction")
	}
	found := false
	for _, e := range receipt.Errors {
		if e == "inter-contract call edge cap exceeded" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected edge cap error in receipt, got %v", receipt.Errors)
	}
}

func TestEvaluateRunnerErrorIsPostGasDeduction(t *testing.T) {
	f := newEvalFixture(t)
	f.fund(10000)

	toAddr := types.Address{7, 7, 7}
	toAcct := account.New(toAddr, f.cs)
	if err := toAcct.SetCode([]byte("code")); err != nil {
		t.Fatalf("SetCode: %v", err)
	}
	f.accounts.m[toAddr] = toAcct

	f.interp.runFn = func(req scillaipc.RunRequest) (scillaipc.InterpreterReply, error) {
		return scillaipc.InterpreterReply{}, errUnknownMethod
	}

	tx := f.newTx(toAddr, 0, 1, 1000, nil, []byte(`{"_tag":"Go"}`))
	receipt, status, err := f.eval.Evaluate(1, 1, false, tx, Extras{})
	if err != nil {
		t.Fatalf("a post-gas-deduction failure must still return a receipt: %v", err)
	}
	if receipt.Success {
		t.Fatalf("expected runner failure to mark the receipt unsuccessful")
	}
	if status != engerrors.StatusAccepted {
		t.Fatalf("got status %v, want Accepted (nonce/gas already committed)", status)
	}
	fromAcct, _, _ := f.accounts.GetAccount(f.fromAddr)
	if fromAcct.GetNonce() != 1 {
		t.Fatalf("nonce must still be bumped on a post-gas-deduction failure")
	}
}
