package common

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	ethCommon "github.com/ethereum/go-ethereum/common"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"
)

// ChangePubKeyAuthType selects how the owner of the L1 address authorizes a
// new rollup key
type ChangePubKeyAuthType string

const (
	// ChangePubKeyECDSA is an EIP-191 signature made by the L1 address
	ChangePubKeyECDSA ChangePubKeyAuthType = "ECDSA"
	// ChangePubKeyCREATE2 proves that the L1 address is a contract
	// deployed with CREATE2 from the given creator, salt and code hash
	ChangePubKeyCREATE2 ChangePubKeyAuthType = "CREATE2"
)

// ChangePubKeyAuthMsg is the template of the message signed by the L1
// address to authorize a rollup key
const ChangePubKeyAuthMsg = "Register rollup pubkey:\n\n%x\nnonce: 0x%08x\naccount id: 0x%08x\n\n" +
	"Only sign this message for a trusted client!"

// ChangePubKeyAuth is the L1 authorization attached to a ChangePubKey
type ChangePubKeyAuth struct {
	Type ChangePubKeyAuthType `json:"type"`
	// EthSignature is the 65 byte ECDSA signature
	EthSignature []byte `json:"ethSignature,omitempty"`
	// CREATE2 data
	CreatorAddress ethCommon.Address `json:"creatorAddress,omitempty"`
	SaltArg        ethCommon.Hash    `json:"saltArg,omitempty"`
	CodeHash       ethCommon.Hash    `json:"codeHash,omitempty"`
}

// ChangePubKeyMessage returns the text signed by the L1 address
func ChangePubKeyMessage(pkh PubKeyHash, nonce Nonce, accountID AccountID) []byte {
	return []byte(fmt.Sprintf(ChangePubKeyAuthMsg, pkh[:], uint32(nonce), uint32(accountID)))
}

// HashToSign returns the EIP-191 hash signed by the L1 address to authorize
// tx
func (a *ChangePubKeyAuth) HashToSign(tx *Tx) []byte {
	return accounts.TextHash(ChangePubKeyMessage(tx.NewPubKeyHash, tx.Nonce, tx.AccountID))
}

// Sign stores in a.EthSignature the signature of tx made with `signHash`.
// `signHash` should do an ethereum signature using the account corresponding
// to `tx.From`. It is a function so that tests can sign directly with a
// private key while the node signs with the keystore.
func (a *ChangePubKeyAuth) Sign(tx *Tx, signHash func(hash []byte) ([]byte, error)) error {
	sig, err := signHash(a.HashToSign(tx))
	if err != nil {
		return Wrap(err)
	}
	sig[64] += 27
	a.Type = ChangePubKeyECDSA
	a.EthSignature = sig
	return nil
}

// CREATE2Salt returns the salt used to deploy the account contract, bound to
// the new key hash
func (a *ChangePubKeyAuth) CREATE2Salt(pkh PubKeyHash) [32]byte {
	var salt [32]byte
	copy(salt[:], ethCrypto.Keccak256(a.SaltArg[:], pkh[:]))
	return salt
}

// Verify checks that the authorization was produced for tx by tx.From
func (a *ChangePubKeyAuth) Verify(tx *Tx) error {
	switch a.Type {
	case ChangePubKeyECDSA:
		if len(a.EthSignature) != 65 { //nolint:gomnd
			return Wrap(fmt.Errorf("%w: signature length %d", ErrInvalidChangePubKeyAuth,
				len(a.EthSignature)))
		}
		sig := make([]byte, len(a.EthSignature))
		copy(sig, a.EthSignature)
		if sig[64] >= 27 { //nolint:gomnd
			sig[64] -= 27
		}
		pub, err := ethCrypto.SigToPub(a.HashToSign(tx), sig)
		if err != nil {
			return Wrap(fmt.Errorf("%w: %v", ErrInvalidChangePubKeyAuth, err))
		}
		if ethCrypto.PubkeyToAddress(*pub) != tx.From {
			return Wrap(fmt.Errorf("%w: signer is not %s", ErrInvalidChangePubKeyAuth,
				tx.From.Hex()))
		}
	case ChangePubKeyCREATE2:
		addr := ethCrypto.CreateAddress2(a.CreatorAddress, a.CREATE2Salt(tx.NewPubKeyHash),
			a.CodeHash[:])
		if addr != tx.From {
			return Wrap(fmt.Errorf("%w: CREATE2 address %s is not %s", ErrInvalidChangePubKeyAuth,
				addr.Hex(), tx.From.Hex()))
		}
	default:
		return Wrap(fmt.Errorf("%w: unknown auth type %q", ErrInvalidChangePubKeyAuth, a.Type))
	}
	return nil
}

// EthWitness returns the data the rollup contract uses to check the
// authorization on commit
func (a *ChangePubKeyAuth) EthWitness() []byte {
	switch a.Type {
	case ChangePubKeyECDSA:
		return append([]byte{0x00}, a.EthSignature...)
	case ChangePubKeyCREATE2:
		w := []byte{0x01}
		w = append(w, a.CreatorAddress[:]...)
		w = append(w, a.SaltArg[:]...)
		return append(w, a.CodeHash[:]...)
	}
	return nil
}
