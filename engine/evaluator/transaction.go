package evaluator

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"

	"github.com/shardchain/accountengine/engine/engerrors"
	"github.com/shardchain/accountengine/engine/types"
)

// Class classifies a transaction per §3.
type Class int

const (
	ClassNonContract Class = iota
	ClassContractCreation
	ClassContractCall
)

// Transaction is the wire shape of one submitted transaction.
type Transaction struct {
	Version    uint32
	Nonce      uint64
	ToAddr     types.Address
	FromPubkey []byte
	Amount     uint64
	GasPrice   uint64
	GasLimit   uint64
	Code       []byte
	Data       []byte
	Signature  []byte
}

// coreFields serializes every field but Signature, in a fixed order,
// for hashing into a transaction id and for signature verification.
func (tx *Transaction) coreFields() []byte {
	buf := make([]byte, 0, 4+8+types.AddressLength+len(tx.FromPubkey)+8+8+8+len(tx.Code)+len(tx.Data))
	var scratch [8]byte

	binary.BigEndian.PutUint32(scratch[:4], tx.Version)
	buf = append(buf, scratch[:4]...)

	binary.BigEndian.PutUint64(scratch[:], tx.Nonce)
	buf = append(buf, scratch[:]...)

	buf = append(buf, tx.ToAddr.Bytes()...)
	buf = append(buf, tx.FromPubkey...)

	binary.BigEndian.PutUint64(scratch[:], tx.Amount)
	buf = append(buf, scratch[:]...)
	binary.BigEndian.PutUint64(scratch[:], tx.GasPrice)
	buf = append(buf, scratch[:]...)
	binary.BigEndian.PutUint64(scratch[:], tx.GasLimit)
	buf = append(buf, scratch[:]...)

	buf = append(buf, tx.Code...)
	buf = append(buf, tx.Data...)
	return buf
}

// TranID returns SHA-256(core_fields).
func (tx *Transaction) TranID() types.Hash {
	sum := sha256.Sum256(tx.coreFields())
	return types.Hash(sum)
}

// Sign computes tx.Signature over core_fields with priv and stores it,
// the counterpart to VerifySignature for transaction submitters.
func (tx *Transaction) Sign(priv *secp256k1.PrivateKey) error {
	digest := sha256.Sum256(tx.coreFields())
	sig, err := schnorr.Sign(priv, digest[:])
	if err != nil {
		return fmt.Errorf("evaluator: sign transaction: %w", err)
	}
	tx.Signature = sig.Serialize()
	return nil
}

// VerifySignature checks tx.Signature against tx.FromPubkey over
// core_fields, using a Schnorr signature over secp256k1 as the
// originating implementation's libCrypto/Schnorr.cpp does.
func (tx *Transaction) VerifySignature() bool {
	pk, err := secp256k1.ParsePubKey(tx.FromPubkey)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(tx.Signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(tx.coreFields())
	return sig.Verify(digest[:], pk)
}

// Classify determines the transaction's class. toIsContract reports
// whether ToAddr currently names an account with non-zero code_hash.
func Classify(tx *Transaction, toIsContract bool) (Class, error) {
	switch {
	case tx.ToAddr.IsZero() && len(tx.Code) > 0:
		return ClassContractCreation, nil
	case len(tx.Code) == 0 && !tx.ToAddr.IsZero() && !toIsContract:
		return ClassNonContract, nil
	case !tx.ToAddr.IsZero() && toIsContract && len(tx.Data) > 0:
		return ClassContractCall, nil
	default:
		return 0, fmt.Errorf("evaluator: cannot classify transaction: %w", engerrors.ErrIncorrectTxnType)
	}
}

// Receipt is the outcome of evaluating one transaction.
type Receipt struct {
	Success     bool
	CumGas      uint64
	Events      []Event
	Transitions []Transition
	Errors      []string
	Accepted    bool
}

// Event is one emitted log entry.
type Event struct {
	Name   string
	Params map[string]string
}

// Transition is one inter-contract call recorded in DFS order.
type Transition struct {
	From   types.Address
	To     types.Address
	Amount uint64
	Tag    string
}
