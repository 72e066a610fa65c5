// Package types holds the small set of value types shared across every
// engine component: addresses, hashes, and the byte layouts that make a
// state root reproducible across independent replays.
package types

import (
	"encoding/hex"
	"errors"
)

// AddressLength is the width, in bytes, of an account address.
const AddressLength = 20

// HashLength is the width, in bytes, of a node/state hash.
const HashLength = 32

// Address is a 20-byte account identifier, derived per §3 of the spec as
// the last 20 bytes of SHA-256(compressed_pubkey) for externally-owned
// accounts, or SHA-256(sender_address || nonce) for contract accounts.
type Address [AddressLength]byte

// ZeroAddress is the well-known zero address used to mark contract
// creation transactions and non-contract storage/code hashes.
var ZeroAddress Address

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool { return a == ZeroAddress }

// Bytes returns a's bytes as a freshly allocated slice.
func (a Address) Bytes() []byte {
	b := make([]byte, AddressLength)
	copy(b, a[:])
	return b
}

// String renders the address as a lower-case hex string.
func (a Address) String() string { return hex.EncodeToString(a[:]) }

// BytesToAddress truncates or left-pads b into an Address. Inputs longer
// than AddressLength are truncated from the left, matching the
// "last-20-bytes" convention used throughout spec.md.
func BytesToAddress(b []byte) Address {
	var a Address
	if len(b) >= AddressLength {
		copy(a[:], b[len(b)-AddressLength:])
	} else {
		copy(a[AddressLength-len(b):], b)
	}
	return a
}

// AddressFromHex parses a hex-encoded address.
func AddressFromHex(s string) (Address, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, err
	}
	if len(b) != AddressLength {
		return Address{}, errors.New("types: wrong address length")
	}
	var a Address
	copy(a[:], b)
	return a, nil
}

// Hash is a 32-byte SHA-256 digest: a trie-node hash, a state root, a
// code hash, or a transaction id, depending on context.
type Hash [HashLength]byte

// ZeroHash is the all-zero hash, used to mark "no code"/"no storage"
// on non-contract accounts.
var ZeroHash Hash

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool { return h == ZeroHash }

// Bytes returns h's bytes as a freshly allocated slice.
func (h Hash) Bytes() []byte {
	b := make([]byte, HashLength)
	copy(b, h[:])
	return b
}

// String renders the hash as a lower-case hex string.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// BytesToHash truncates or left-pads b into a Hash.
func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) >= HashLength {
		copy(h[:], b[len(b)-HashLength:])
	} else {
		copy(h[HashLength-len(b):], b)
	}
	return h
}
