package evaluator

import (
	"errors"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"github.com/shardchain/accountengine/engine/account"
	"github.com/shardchain/accountengine/engine/contractstorage"
	"github.com/shardchain/accountengine/engine/engerrors"
	"github.com/shardchain/accountengine/engine/nodestore"
	"github.com/shardchain/accountengine/engine/scillaipc"
	"github.com/shardchain/accountengine/engine/types"
)

// AccountProvider is the façade's (C8) account lookup/creation surface,
// kept minimal so this package never imports the façade itself.
type AccountProvider interface {
	GetAccount(addr types.Address) (acct *account.Account, exists bool, err error)
	// AddAccount lazily creates addr's account, reporting created=false
	// if one already existed (the contract-address-collision case).
	AddAccount(addr types.Address) (acct *account.Account, created bool, err error)
}

// Extras carries the ambient inputs the evaluator's interpreter calls
// need but that are not part of the transaction itself.
type Extras struct {
	ChainID   uint64
	Timestamp uint64
	BlockHash types.Hash
}

// Evaluator runs one transaction through the §4.7 state machine.
type Evaluator struct {
	accounts    AccountProvider
	gas         *GasTable
	interpreter *scillaipc.ClientManager
	ns          *nodestore.Store
	cs          *contractstorage.Store
	maxEdges    int
	log         *zap.Logger
}

// New constructs an Evaluator wired to the façade's component
// instances.
func New(accounts AccountProvider, gas *GasTable, interpreter *scillaipc.ClientManager, ns *nodestore.Store, cs *contractstorage.Store, maxEdges int, log *zap.Logger) *Evaluator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Evaluator{accounts: accounts, gas: gas, interpreter: interpreter, ns: ns, cs: cs, maxEdges: maxEdges, log: log}
}

func bigU(v uint64) *big.Int { return new(big.Int).SetUint64(v) }

// Evaluate runs tx against the current account set, returning a
// receipt plus the transaction's disposition.
func (e *Evaluator) Evaluate(blockNum uint64, numShards int, isDSBlock bool, tx *Transaction, extras Extras) (*Receipt, engerrors.TxnStatus, error) {
	fromAddr, err := account.GetAddressFromPublicKey(tx.FromPubkey)
	if err != nil {
		return nil, engerrors.StatusDroppedInvalidFrom, fmt.Errorf("%w: %v", engerrors.ErrInvalidFromAccount, err)
	}
	fromAcct, exists, err := e.accounts.GetAccount(fromAddr)
	if err != nil {
		return nil, engerrors.StatusDroppedInvalidFrom, err
	}
	if !exists {
		return nil, engerrors.StatusDroppedInvalidFrom, engerrors.ErrInvalidFromAccount
	}

	if !tx.VerifySignature() {
		return nil, engerrors.StatusDroppedInvalidSignature, engerrors.ErrInvalidSignature
	}

	var toAcct *account.Account
	var toExists bool
	if !tx.ToAddr.IsZero() {
		toAcct, toExists, err = e.accounts.GetAccount(tx.ToAddr)
		if err != nil {
			return nil, engerrors.StatusDroppedInvalidTo, err
		}
	}
	toIsContract := toExists && !toAcct.CodeHash.IsZero()

	class, err := Classify(tx, toIsContract)
	if err != nil {
		return nil, engerrors.StatusDroppedIncorrectType, err
	}

	nonceAtEntry := fromAcct.GetNonce()

	var contractAddr types.Address
	var newAcct *account.Account
	if class == ClassContractCreation {
		contractAddr = account.GetAddressForContract(fromAddr, nonceAtEntry)
		var created bool
		newAcct, created, err = e.accounts.AddAccount(contractAddr)
		if err != nil {
			return nil, engerrors.StatusDroppedContractCreationFailed, err
		}
		if !created {
			return nil, engerrors.StatusDroppedContractCreationFailed, engerrors.ErrFailContractAccountCreation
		}
	}

	penalty := e.classPenalty(class)
	if tx.GasLimit < penalty {
		return nil, engerrors.StatusDroppedInsufficientGasLimit, engerrors.ErrInsufficientGasLimit
	}

	gasDeposit := tx.GasLimit * tx.GasPrice
	required := bigU(gasDeposit)
	if class == ClassContractCall && tx.Amount > 0 {
		required = new(big.Int).Add(required, bigU(tx.Amount))
	}
	if fromAcct.GetBalance().Cmp(required) < 0 {
		return nil, engerrors.StatusDroppedInsufficientBalance, engerrors.ErrInsufficientBalance
	}

	if !fromAcct.DecreaseBalance(bigU(gasDeposit)) {
		return nil, engerrors.StatusDroppedMathError, engerrors.ErrMathError
	}
	fromAcct.IncreaseNonce()

	receipt := &Receipt{}
	edges := 0

	var gasRemaining uint64
	var runErrs []string
	switch class {
	case ClassNonContract:
		gasRemaining, receipt.Success = e.runNonContract(fromAcct, tx)
	case ClassContractCreation:
		gasRemaining, receipt.Success, runErrs = e.runContractCreation(newAcct, contractAddr, tx, blockNum, &edges, receipt, penalty)
	case ClassContractCall:
		gasRemaining, receipt.Success, runErrs = e.runContractCall(fromAcct, toAcct, tx, blockNum, &edges, receipt, penalty)
	}
	// processMessages appends nested-call errors to receipt.Errors
	// directly; keep them alongside the top-level run's own errors.
	receipt.Errors = append(receipt.Errors, runErrs...)

	refund := gasRemaining * tx.GasPrice
	if err := fromAcct.IncreaseBalance(bigU(refund)); err != nil {
		return nil, engerrors.StatusDroppedMathError, err
	}

	receipt.CumGas = tx.GasLimit - gasRemaining
	receipt.Accepted = receipt.Success
	return receipt, engerrors.StatusAccepted, nil
}

func (e *Evaluator) classPenalty(class Class) uint64 {
	switch class {
	case ClassNonContract:
		return 0
	case ClassContractCreation:
		return e.gas.Cost(GasClassContractCreate) + e.gas.Cost(GasClassScillaCheckerInvoke) + e.gas.Cost(GasClassScillaRunnerInvoke)
	case ClassContractCall:
		return e.gas.Cost(GasClassContractInvoke) + e.gas.Cost(GasClassScillaRunnerInvoke)
	default:
		return 0
	}
}

// runNonContract moves tx.Amount from fromAcct to the recipient,
// lazily creating the recipient account on its first credit.
func (e *Evaluator) runNonContract(fromAcct *account.Account, tx *Transaction) (gasRemaining uint64, success bool) {
	toAcct, _, err := e.accounts.AddAccount(tx.ToAddr)
	if err != nil {
		return tx.GasLimit, false
	}
	if !fromAcct.DecreaseBalance(bigU(tx.Amount)) {
		return tx.GasLimit, false
	}
	if err := toAcct.IncreaseBalance(bigU(tx.Amount)); err != nil {
		_ = fromAcct.IncreaseBalance(bigU(tx.Amount))
		return tx.GasLimit, false
	}
	return tx.GasLimit, true
}

func (e *Evaluator) runContractCreation(newAcct *account.Account, contractAddr types.Address, tx *Transaction, blockNum uint64, edges *int, receipt *Receipt, penalty uint64) (gasRemaining uint64, success bool, errs []string) {
	floor := tx.GasLimit - penalty

	if err := newAcct.SetCode(tx.Code); err != nil {
		return floor, false, []string{err.Error()}
	}
	if err := newAcct.InitContract(tx.Data, blockNum); err != nil {
		return floor, false, []string{err.Error()}
	}
	isLibrary, scillaVersion, _, err := newAcct.GetContractAuxiliaries()
	if err != nil {
		return floor, false, []string{err.Error()}
	}

	budget := tx.GasLimit - penalty
	checkReply, err := e.interpreter.CallChecker(scillaVersion, scillaipc.CheckRequest{
		Code: tx.Code, ContractAddr: contractAddr.String(), GasLimit: budget, ScillaVersion: scillaVersion,
	})
	if err != nil {
		return floor, false, []string{fmt.Sprintf("%v: %v", engerrors.ErrCheckerFailed, err)}
	}
	budget = checkReply.GasRemaining

	if isLibrary {
		libCost := e.gas.Cost(GasClassScillaLibInvoke)
		if budget < libCost {
			return 0, false, []string{engerrors.ErrNoGasRemainingFound.Error()}
		}
		budget -= libCost
	}

	runReply, err := e.interpreter.CallRunner(scillaVersion, scillaipc.RunRequest{
		ContractAddr: contractAddr.String(), Message: tx.Data, GasLimit: budget, BlockNum: blockNum, IsCreation: true, ScillaVersion: scillaVersion,
	})
	if err != nil {
		return floor, false, []string{fmt.Sprintf("%v: %v", engerrors.ErrRunnerFailed, err)}
	}

	final, ok := e.processMessages(contractAddr, runReply, blockNum, edges, receipt)
	return final, ok, runReply.Errors
}

func (e *Evaluator) runContractCall(fromAcct, toAcct *account.Account, tx *Transaction, blockNum uint64, edges *int, receipt *Receipt, penalty uint64) (gasRemaining uint64, success bool, errs []string) {
	floor := tx.GasLimit - penalty
	_, scillaVersion, _, err := toAcct.GetContractAuxiliaries()
	if err != nil {
		return floor, false, []string{err.Error()}
	}

	budget := tx.GasLimit - penalty
	runReply, err := e.interpreter.CallRunner(scillaVersion, scillaipc.RunRequest{
		ContractAddr: toAcct.Address.String(), Message: tx.Data, GasLimit: budget, BlockNum: blockNum, IsCreation: false, ScillaVersion: scillaVersion,
	})
	if err != nil {
		if errors.Is(err, engerrors.ErrExecuteCmdTimeout) {
			return floor, false, []string{engerrors.ErrExecuteCmdTimeout.Error()}
		}
		return floor, false, []string{fmt.Sprintf("%v: %v", engerrors.ErrRunnerFailed, err)}
	}

	// A transition's payment only lands if the callee's run reports
	// _accepted: a library recipient is charged gas but never receives
	// value, since it never sets _accepted.
	if runReply.Accepted && tx.Amount > 0 {
		if !fromAcct.DecreaseBalance(bigU(tx.Amount)) {
			return runReply.GasRemaining, false, []string{engerrors.ErrBalanceTransferFailed.Error()}
		}
		if err := toAcct.IncreaseBalance(bigU(tx.Amount)); err != nil {
			return runReply.GasRemaining, false, []string{err.Error()}
		}
	}

	final, ok := e.processMessages(toAcct.Address, runReply, blockNum, edges, receipt)
	return final, ok, runReply.Errors
}

// processMessages walks runReply.Messages in DFS order, recursing into
// outgoing inter-contract calls and enforcing the per-transaction edge
// cap. Each inner call runs under its own atomic layer: the node store
// and contract storage buffers are snapshotted before the call and
// reverted if the call, or anything nested under it, fails.
func (e *Evaluator) processMessages(caller types.Address, runReply *scillaipc.InterpreterReply, blockNum uint64, edges *int, receipt *Receipt) (gasRemaining uint64, success bool) {
	gasRemaining = runReply.GasRemaining
	success = len(runReply.Errors) == 0

	for _, msg := range runReply.Messages {
		*edges++
		if *edges > e.maxEdges {
			receipt.Errors = append(receipt.Errors, engerrors.ErrMaxEdgesReached.Error())
			return gasRemaining, false
		}

		toAddr, err := types.AddressFromHex(msg.Recipient)
		if err != nil {
			receipt.Errors = append(receipt.Errors, err.Error())
			return gasRemaining, false
		}
		callee, exists, err := e.accounts.GetAccount(toAddr)
		if err != nil {
			receipt.Errors = append(receipt.Errors, err.Error())
			return gasRemaining, false
		}
		if !exists || callee.CodeHash.IsZero() {
			receipt.Errors = append(receipt.Errors, engerrors.ErrContractNotExist.Error())
			return gasRemaining, false
		}

		e.ns.BufferState()
		e.cs.BufferCurrentState()

		_, scillaVersion, _, err := callee.GetContractAuxiliaries()
		if err != nil {
			e.ns.RevertState()
			e.cs.RevertPrevState()
			receipt.Errors = append(receipt.Errors, err.Error())
			return gasRemaining, false
		}

		inner, err := e.interpreter.CallRunner(scillaVersion, scillaipc.RunRequest{
			ContractAddr: toAddr.String(), Message: msg.Params, GasLimit: gasRemaining, BlockNum: blockNum, ScillaVersion: scillaVersion,
		})
		if err != nil {
			e.ns.RevertState()
			e.cs.RevertPrevState()
			receipt.Errors = append(receipt.Errors, err.Error())
			return gasRemaining, false
		}

		receipt.Transitions = append(receipt.Transitions, Transition{From: caller, To: toAddr, Tag: msg.Tag})

		sub, ok := e.processMessages(toAddr, inner, blockNum, edges, receipt)
		gasRemaining = sub
		if !ok {
			e.ns.RevertState()
			e.cs.RevertPrevState()
			return gasRemaining, false
		}
	}
	return gasRemaining, success
}
