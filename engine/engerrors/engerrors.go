// Package engerrors defines the tagged error taxonomy every engine
// component propagates across its boundary (§7). No exceptions cross a
// component boundary: callers compare against these sentinels with
// errors.Is, or wrap them with fmt.Errorf("...: %w", ...) for added
// context.
package engerrors

import "errors"

// Pre-commit errors: the transaction never touched gas or nonce.
var (
	ErrInvalidFromAccount         = errors.New("sender account missing")
	ErrInvalidToAccount           = errors.New("recipient class mismatch")
	ErrInsufficientBalance        = errors.New("insufficient balance for gas deposit")
	ErrInsufficientGasLimit       = errors.New("gas limit below class penalty")
	ErrMathError                  = errors.New("balance or gas arithmetic overflow/underflow")
	ErrFailContractAccountCreation = errors.New("contract address collision or add_account failure")
	ErrFailScillaLib              = errors.New("library resolution failure")
	ErrFailContractInit           = errors.New("init payload rejected")
	ErrIncorrectTxnType           = errors.New("transaction classification impossible")
	ErrInvalidSignature           = errors.New("transaction signature does not verify against core fields")
)

// Post-gas-deduction errors: nonce is bumped, a receipt is produced.
var (
	ErrExecuteCmdTimeout    = errors.New("interpreter call timed out")
	ErrCheckerFailed        = errors.New("interpreter checker returned non-zero status")
	ErrRunnerFailed         = errors.New("interpreter runner returned non-zero status")
	ErrJSONOutputCorrupted  = errors.New("interpreter output was not valid JSON")
	ErrNoGasRemainingFound  = errors.New("interpreter output missing gas_remaining")
	ErrOutputIllegal        = errors.New("interpreter output failed schema validation")
	ErrMessageCorrupted     = errors.New("outgoing message payload malformed")
	ErrReceiptIsNull        = errors.New("interpreter returned no receipt")
)

// Recursive-call invariants: abort the inner call, unwind the atomic
// layer, and fail the outer transaction.
var (
	ErrMaxEdgesReached       = errors.New("inter-contract call edge cap exceeded")
	ErrVersionInconsistent   = errors.New("interpreter version mismatch across call chain")
	ErrBalanceTransferFailed = errors.New("value transfer between accounts failed")
	ErrContractNotExist      = errors.New("callee contract does not exist")
	ErrLogEntryInstallFailed = errors.New("event/log entry could not be installed")
)

// Storage/backend errors.
var (
	ErrBackendUnavailable = errors.New("kv store transiently unavailable")
	ErrCorrupt            = errors.New("kv store or node store structurally corrupt")
	ErrUnknownRoot         = errors.New("trie root neither current nor discoverable in node store")
	ErrNotFound            = errors.New("key not found")
)

// TxnStatus classifies the disposition of a submitted transaction,
// independent of the Go error returned alongside it — the evaluator
// always returns a TxnStatus so callers never have to string-match an
// error to decide whether a transaction was dropped or merely failed.
type TxnStatus int

const (
	// StatusAccepted means the transaction was admitted into the block,
	// regardless of whether its logical execution succeeded.
	StatusAccepted TxnStatus = iota
	// StatusDroppedInvalidSignature means the signature did not verify
	// against the transaction's core fields and sender public key.
	StatusDroppedInvalidSignature
	// StatusDroppedInvalidFrom means the sender account did not exist.
	StatusDroppedInvalidFrom
	// StatusDroppedInvalidTo means the recipient class did not match
	// the transaction's classification.
	StatusDroppedInvalidTo
	// StatusDroppedInsufficientBalance means the sender could not cover
	// the gas deposit (plus amount, for a value-bearing call).
	StatusDroppedInsufficientBalance
	// StatusDroppedInsufficientGasLimit means gas_limit was below the
	// flat penalty for the transaction's class.
	StatusDroppedInsufficientGasLimit
	// StatusDroppedMathError means balance or gas arithmetic over/underflowed.
	StatusDroppedMathError
	// StatusDroppedContractCreationFailed means the derived contract
	// address collided with an existing account.
	StatusDroppedContractCreationFailed
	// StatusDroppedIncorrectType means classification failed outright.
	StatusDroppedIncorrectType
	// StatusFailed means the transaction was accepted (nonce bumped,
	// gas charged) but its logical execution failed.
	StatusFailed
)

// String renders a human-readable label, used in logs and receipts.
func (s TxnStatus) String() string {
	switch s {
	case StatusAccepted:
		return "Accepted"
	case StatusDroppedInvalidSignature:
		return "DroppedInvalidSignature"
	case StatusDroppedInvalidFrom:
		return "DroppedInvalidFrom"
	case StatusDroppedInvalidTo:
		return "DroppedInvalidTo"
	case StatusDroppedInsufficientBalance:
		return "DroppedInsufficientBalance"
	case StatusDroppedInsufficientGasLimit:
		return "DroppedInsufficientGasLimit"
	case StatusDroppedMathError:
		return "DroppedMathError"
	case StatusDroppedContractCreationFailed:
		return "DroppedContractCreationFailed"
	case StatusDroppedIncorrectType:
		return "DroppedIncorrectType"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}
