package common

import (
	"bytes"
	"fmt"
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/iden3/go-iden3-crypto/babyjub"
)

// TxType is the kind of an off-chain transaction
type TxType string

const (
	// TxTypeTransfer moves funds between rollup accounts
	TxTypeTransfer TxType = "Transfer"
	// TxTypeWithdraw moves funds from a rollup account to an L1 address
	TxTypeWithdraw TxType = "Withdraw"
	// TxTypeChangePubKey sets the rollup signing key of an account
	TxTypeChangePubKey TxType = "ChangePubKey"
)

// Tx is a signed off-chain transaction. For ChangePubKey, Token is the fee
// token and Amount is unused.
type Tx struct {
	Type      TxType            `json:"type"`
	AccountID AccountID         `json:"accountId"`
	From      ethCommon.Address `json:"from"`
	To        ethCommon.Address `json:"to"`
	Token     TokenID           `json:"token"`
	Amount    *big.Int          `json:"amount"`
	Fee       *big.Int          `json:"fee"`
	Nonce     Nonce             `json:"nonce"`
	// FastProcessing requests a withdrawal to be sealed as soon as possible
	FastProcessing bool              `json:"fastProcessing,omitempty"`
	NewPubKeyHash  PubKeyHash        `json:"newPubKeyHash,omitempty"`
	Auth           *ChangePubKeyAuth `json:"auth,omitempty"`
	Signature      *TxSignature      `json:"signature,omitempty"`
}

// Bytes returns the canonical encoding of the transaction, which is signed
// and hashed
func (tx *Tx) Bytes() ([]byte, error) {
	var b bytes.Buffer
	fee, err := packedFeeBytes(tx.Fee)
	if err != nil {
		return nil, err
	}
	switch tx.Type {
	case TxTypeTransfer:
		amount, err := packedAmountBytes(tx.Amount)
		if err != nil {
			return nil, err
		}
		b.WriteByte(byte(OpTypeTransfer))
		b.Write(tx.AccountID.Bytes())
		b.Write(tx.From[:])
		b.Write(tx.To[:])
		b.Write(tx.Token.Bytes(4)) //nolint:gomnd
		b.Write(amount)
		b.Write(fee)
		b.Write(tx.Nonce.Bytes())
	case TxTypeWithdraw:
		amount, err := amountBytes(tx.Amount)
		if err != nil {
			return nil, err
		}
		b.WriteByte(byte(OpTypeWithdraw))
		b.Write(tx.AccountID.Bytes())
		b.Write(tx.From[:])
		b.Write(tx.To[:])
		b.Write(tx.Token.Bytes(4)) //nolint:gomnd
		b.Write(amount)
		b.Write(fee)
		b.Write(tx.Nonce.Bytes())
		if tx.FastProcessing {
			b.WriteByte(1)
		} else {
			b.WriteByte(0)
		}
	case TxTypeChangePubKey:
		b.WriteByte(byte(OpTypeChangePubKey))
		b.Write(tx.AccountID.Bytes())
		b.Write(tx.From[:])
		b.Write(tx.NewPubKeyHash[:])
		b.Write(tx.Token.Bytes(4)) //nolint:gomnd
		b.Write(fee)
		b.Write(tx.Nonce.Bytes())
	default:
		return nil, Wrap(fmt.Errorf("%w: unknown tx type %q", ErrInvalidTx, tx.Type))
	}
	return b.Bytes(), nil
}

// Hash returns the keccak256 of the canonical encoding
func (tx *Tx) Hash() (ethCommon.Hash, error) {
	b, err := tx.Bytes()
	if err != nil {
		return ethCommon.Hash{}, err
	}
	return ethCrypto.Keccak256Hash(b), nil
}

// HashToSign returns the message signed with the rollup key
func (tx *Tx) HashToSign() (*big.Int, error) {
	b, err := tx.Bytes()
	if err != nil {
		return nil, err
	}
	return HashBytesPoseidon(b)
}

// Sign signs the transaction with the rollup key sk
func (tx *Tx) Sign(sk *babyjub.PrivateKey) error {
	msg, err := tx.HashToSign()
	if err != nil {
		return err
	}
	tx.Signature = SignPoseidon(sk, msg)
	return nil
}

// VerifySignature checks the rollup signature against pkh
func (tx *Tx) VerifySignature(pkh PubKeyHash) bool {
	if tx.Signature == nil {
		return false
	}
	msg, err := tx.HashToSign()
	if err != nil {
		return false
	}
	return tx.Signature.Verify(msg, pkh)
}

// FeeOrZero returns the fee, or zero when unset
func (tx *Tx) FeeOrZero() *big.Int {
	if tx.Fee == nil {
		return big.NewInt(0)
	}
	return tx.Fee
}

// AmountOrZero returns the amount, or zero when unset
func (tx *Tx) AmountOrZero() *big.Int {
	if tx.Amount == nil {
		return big.NewInt(0)
	}
	return tx.Amount
}

// CheckWellFormed validates the fields that do not depend on state
func (tx *Tx) CheckWellFormed() error {
	if tx.Fee == nil || tx.Fee.Sign() < 0 {
		return Wrap(fmt.Errorf("%w: missing fee", ErrInvalidTx))
	}
	if !IsPackableFee(tx.Fee) {
		return Wrap(ErrFeeNotPackable)
	}
	switch tx.Type {
	case TxTypeTransfer, TxTypeWithdraw:
		if tx.Amount == nil || tx.Amount.Sign() < 0 {
			return Wrap(fmt.Errorf("%w: missing amount", ErrInvalidTx))
		}
		if !IsPackableAmount(tx.Amount) {
			return Wrap(ErrAmountNotPackable)
		}
		if tx.Type == TxTypeTransfer && tx.To == EmptyAddr {
			return Wrap(fmt.Errorf("%w: transfer to zero address", ErrInvalidTx))
		}
	case TxTypeChangePubKey:
		if tx.NewPubKeyHash.IsZero() {
			return Wrap(fmt.Errorf("%w: empty new pubkey hash", ErrInvalidTx))
		}
		if tx.Auth == nil {
			return Wrap(ErrInvalidChangePubKeyAuth)
		}
	default:
		return Wrap(fmt.Errorf("%w: unknown tx type %q", ErrInvalidTx, tx.Type))
	}
	return nil
}

// OpType returns the op produced by executing the transaction. Transfers to
// an address without account become TransferToNew.
func (tx *Tx) OpType(recipientExists bool) OpType {
	switch tx.Type {
	case TxTypeTransfer:
		if recipientExists {
			return OpTypeTransfer
		}
		return OpTypeTransferToNew
	case TxTypeWithdraw:
		return OpTypeWithdraw
	case TxTypeChangePubKey:
		return OpTypeChangePubKey
	}
	return OpTypeNoop
}

// Equal returns true when both transactions have the same content
func (tx *Tx) Equal(other *Tx) bool {
	h1, err1 := tx.Hash()
	h2, err2 := other.Hash()
	return err1 == nil && err2 == nil && h1 == h2
}
