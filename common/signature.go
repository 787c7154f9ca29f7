package common

import (
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/iden3/go-iden3-crypto/babyjub"
	"github.com/iden3/go-iden3-crypto/poseidon"
)

// poseidonMaxInputs is the number of field elements hashed per poseidon
// call; longer inputs are chained
const poseidonMaxInputs = 5

// fieldElementBytes is the number of bytes that always fit in a field element
const fieldElementBytes = 31

// PoseidonChain hashes an arbitrary number of field elements by chaining
// poseidon calls of at most poseidonMaxInputs elements, the first element of
// each call being the previous result
func PoseidonChain(elems []*big.Int) (*big.Int, error) {
	if len(elems) <= poseidonMaxInputs {
		h, err := poseidon.Hash(elems)
		return h, Wrap(err)
	}
	acc, err := poseidon.Hash(elems[:poseidonMaxInputs])
	if err != nil {
		return nil, Wrap(err)
	}
	rest := elems[poseidonMaxInputs:]
	for len(rest) > 0 {
		n := poseidonMaxInputs - 1
		if len(rest) < n {
			n = len(rest)
		}
		in := append([]*big.Int{acc}, rest[:n]...)
		if acc, err = poseidon.Hash(in); err != nil {
			return nil, Wrap(err)
		}
		rest = rest[n:]
	}
	return acc, nil
}

// HashBytesPoseidon splits b in 31 byte field elements and hashes them
func HashBytesPoseidon(b []byte) (*big.Int, error) {
	elems := make([]*big.Int, 0, len(b)/fieldElementBytes+1)
	for i := 0; i < len(b); i += fieldElementBytes {
		end := i + fieldElementBytes
		if end > len(b) {
			end = len(b)
		}
		elems = append(elems, new(big.Int).SetBytes(b[i:end]))
	}
	if len(elems) == 0 {
		elems = append(elems, big.NewInt(0))
	}
	return PoseidonChain(elems)
}

// PubKeyHashFromPublicKey returns the hash identifying a rollup signing key:
// the last 20 bytes of poseidon(x, y)
func PubKeyHashFromPublicKey(pk *babyjub.PublicKey) (PubKeyHash, error) {
	h, err := poseidon.Hash([]*big.Int{pk.X, pk.Y})
	if err != nil {
		return PubKeyHash{}, Wrap(err)
	}
	var pkh PubKeyHash
	copy(pkh[:], ethCommon.BigToHash(h).Bytes()[32-PubKeyHashLen:])
	return pkh, nil
}

// TxSignature is the rollup signature of a transaction together with the key
// that produced it
type TxSignature struct {
	PubKey    babyjub.PublicKeyComp `json:"pubKey"`
	Signature babyjub.SignatureComp `json:"signature"`
}

// Verify checks that the signature is valid for msg and that the key matches
// the expected PubKeyHash
func (s *TxSignature) Verify(msg *big.Int, expected PubKeyHash) bool {
	pk, err := s.PubKey.Decompress()
	if err != nil {
		return false
	}
	pkh, err := PubKeyHashFromPublicKey(pk)
	if err != nil || pkh != expected {
		return false
	}
	sig, err := s.Signature.Decompress()
	if err != nil {
		return false
	}
	return pk.VerifyPoseidon(msg, sig)
}

// SignPoseidon signs msg with sk
func SignPoseidon(sk *babyjub.PrivateKey, msg *big.Int) *TxSignature {
	return &TxSignature{
		PubKey:    sk.Public().Compress(),
		Signature: sk.SignPoseidon(msg).Compress(),
	}
}
