package common

import (
	"encoding/binary"
	"math"
)

const (
	// MaxNonceValue is the maximum value that the Account.Nonce can have
	MaxNonceValue = math.MaxUint32
	// NonceBytesLen is the length of a nonce in public data
	NonceBytesLen = 4
)

// Nonce is the counter of signed transactions executed by an account
type Nonce uint32

// Bytes returns a byte array of length 4 representing the Nonce
func (n Nonce) Bytes() []byte {
	var b [NonceBytesLen]byte
	binary.BigEndian.PutUint32(b[:], uint32(n))
	return b[:]
}

// Next returns the nonce that follows n, or ErrNonceOverflow when n is the
// maximum value
func (n Nonce) Next() (Nonce, error) {
	if n == MaxNonceValue {
		return 0, Wrap(ErrNonceOverflow)
	}
	return n + 1, nil
}
