package common

import (
	"encoding/binary"
	"fmt"
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// OpType is the opcode of a block operation
type OpType uint8

const (
	// OpTypeNoop pads a block to its size
	OpTypeNoop OpType = 0x00
	// OpTypeDeposit credits an L1 deposit
	OpTypeDeposit OpType = 0x01
	// OpTypeTransferToNew is a transfer that creates the recipient account
	OpTypeTransferToNew OpType = 0x02
	// OpTypeWithdraw moves funds to L1
	OpTypeWithdraw OpType = 0x03
	// OpTypeTransfer is a transfer between existing accounts
	OpTypeTransfer OpType = 0x05
	// OpTypeFullExit withdraws a whole balance through a priority request
	OpTypeFullExit OpType = 0x06
	// OpTypeChangePubKey sets the signing key of an account
	OpTypeChangePubKey OpType = 0x07
)

func (t OpType) String() string {
	switch t {
	case OpTypeNoop:
		return "Noop"
	case OpTypeDeposit:
		return "Deposit"
	case OpTypeTransferToNew:
		return "TransferToNew"
	case OpTypeWithdraw:
		return "Withdraw"
	case OpTypeTransfer:
		return "Transfer"
	case OpTypeFullExit:
		return "FullExit"
	case OpTypeChangePubKey:
		return "ChangePubKey"
	}
	return fmt.Sprintf("OpType(%d)", uint8(t))
}

// IsOnchain returns true for ops the rollup contract must look at when the
// block is committed
func (t OpType) IsOnchain() bool {
	switch t {
	case OpTypeDeposit, OpTypeWithdraw, OpTypeFullExit, OpTypeChangePubKey:
		return true
	}
	return false
}

// IsProcessable returns true for ops that move funds out of the rollup when
// the block is executed
func (t OpType) IsProcessable() bool {
	return t == OpTypeWithdraw || t == OpTypeFullExit
}

// Op is an executed operation as it is written in the block public data
type Op struct {
	Type OpType `json:"type"`
	// AccountID is the sender, the deposit target or the exiting account
	AccountID AccountID `json:"accountId"`
	// ToAccountID is the recipient of transfers
	ToAccountID AccountID `json:"toAccountId"`
	Token       TokenID   `json:"token"`
	Amount      *big.Int  `json:"amount"`
	Fee         *big.Int  `json:"fee"`
	// Address is the deposit recipient, the withdrawal target, the new
	// account address of TransferToNew, the FullExit owner or the
	// ChangePubKey account address
	Address    ethCommon.Address `json:"address"`
	PubKeyHash PubKeyHash        `json:"pubKeyHash"`
	Nonce      Nonce             `json:"nonce"`
}

func amountBytes(v *big.Int) ([]byte, error) {
	b := make([]byte, AmountBytesLen)
	if v == nil {
		return b, nil
	}
	if v.Sign() < 0 || v.BitLen() > AmountBytesLen*8 {
		return nil, Wrap(fmt.Errorf("amount %s does not fit in %d bytes", v, AmountBytesLen))
	}
	return v.FillBytes(b), nil
}

func packedAmountBytes(v *big.Int) ([]byte, error) {
	f, err := NewFloat40(v)
	if err != nil {
		return nil, Wrap(fmt.Errorf("%w: %v", ErrAmountNotPackable, err))
	}
	return f.Bytes()
}

func packedFeeBytes(v *big.Int) ([]byte, error) {
	if v == nil {
		v = big.NewInt(0)
	}
	f, err := NewFloat16(v)
	if err != nil {
		return nil, Wrap(fmt.Errorf("%w: %v", ErrFeeNotPackable, err))
	}
	return f.Bytes()
}

// PublicData returns the encoding of the op, padded with zeros to its chunk
// size
func (op *Op) PublicData(l *ChunkLayout) ([]byte, error) {
	b := []byte{byte(op.Type)}
	token := op.Token.Bytes(l.TokenBytes)
	switch op.Type {
	case OpTypeNoop:
	case OpTypeDeposit:
		amount, err := amountBytes(op.Amount)
		if err != nil {
			return nil, err
		}
		b = append(b, op.AccountID.Bytes()...)
		b = append(b, token...)
		b = append(b, amount...)
		b = append(b, op.Address[:]...)
	case OpTypeTransferToNew:
		amount, err := packedAmountBytes(op.Amount)
		if err != nil {
			return nil, err
		}
		fee, err := packedFeeBytes(op.Fee)
		if err != nil {
			return nil, err
		}
		b = append(b, op.AccountID.Bytes()...)
		b = append(b, token...)
		b = append(b, amount...)
		b = append(b, op.Address[:]...)
		b = append(b, op.ToAccountID.Bytes()...)
		b = append(b, fee...)
	case OpTypeWithdraw:
		amount, err := amountBytes(op.Amount)
		if err != nil {
			return nil, err
		}
		fee, err := packedFeeBytes(op.Fee)
		if err != nil {
			return nil, err
		}
		b = append(b, op.AccountID.Bytes()...)
		b = append(b, token...)
		b = append(b, amount...)
		b = append(b, fee...)
		b = append(b, op.Address[:]...)
	case OpTypeTransfer:
		amount, err := packedAmountBytes(op.Amount)
		if err != nil {
			return nil, err
		}
		fee, err := packedFeeBytes(op.Fee)
		if err != nil {
			return nil, err
		}
		b = append(b, op.AccountID.Bytes()...)
		b = append(b, token...)
		b = append(b, op.ToAccountID.Bytes()...)
		b = append(b, amount...)
		b = append(b, fee...)
	case OpTypeFullExit:
		amount, err := amountBytes(op.Amount)
		if err != nil {
			return nil, err
		}
		b = append(b, op.AccountID.Bytes()...)
		b = append(b, op.Address[:]...)
		b = append(b, token...)
		b = append(b, amount...)
	case OpTypeChangePubKey:
		fee, err := packedFeeBytes(op.Fee)
		if err != nil {
			return nil, err
		}
		b = append(b, op.AccountID.Bytes()...)
		b = append(b, op.PubKeyHash[:]...)
		b = append(b, op.Address[:]...)
		b = append(b, op.Nonce.Bytes()...)
		b = append(b, token...)
		b = append(b, fee...)
	default:
		return nil, Wrap(fmt.Errorf("unknown op type %d", op.Type))
	}
	size := l.Chunks(op.Type) * ChunkBytes
	if len(b) > size {
		return nil, Wrap(fmt.Errorf("%s encoding uses %d bytes, more than %d", op.Type, len(b), size))
	}
	padded := make([]byte, size)
	copy(padded, b)
	return padded, nil
}

type pubDataReader struct {
	b   []byte
	pos int
	err error
}

func (r *pubDataReader) next(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	if r.pos+n > len(r.b) {
		r.err = Wrap(fmt.Errorf("public data too short: need %d bytes at %d, have %d",
			n, r.pos, len(r.b)))
		return make([]byte, n)
	}
	out := r.b[r.pos : r.pos+n]
	r.pos += n
	return out
}

func (r *pubDataReader) accountID() AccountID {
	id, _ := AccountIDFromBytes(r.next(AccountIDBytesLen))
	return id
}

func (r *pubDataReader) token(l *ChunkLayout) TokenID {
	t, _ := TokenIDFromBytes(r.next(l.TokenBytes))
	return t
}

func (r *pubDataReader) address() ethCommon.Address {
	return ethCommon.BytesToAddress(r.next(ethCommon.AddressLength))
}

func (r *pubDataReader) amount() *big.Int {
	return new(big.Int).SetBytes(r.next(AmountBytesLen))
}

func (r *pubDataReader) packedAmount() *big.Int {
	v, err := Float40FromBytes(r.next(Float40BytesLength)).BigInt()
	if err != nil && r.err == nil {
		r.err = err
	}
	return v
}

func (r *pubDataReader) packedFee() *big.Int {
	v, err := Float16FromBytes(r.next(Float16BytesLength)).BigInt()
	if err != nil && r.err == nil {
		r.err = err
	}
	return v
}

// OpFromPublicData decodes an op from its public data. data must start at
// the opcode; trailing bytes beyond the op are ignored.
func OpFromPublicData(l *ChunkLayout, data []byte) (*Op, error) {
	if len(data) == 0 {
		return nil, Wrap(fmt.Errorf("empty public data"))
	}
	r := &pubDataReader{b: data, pos: 1}
	op := &Op{Type: OpType(data[0])}
	switch op.Type {
	case OpTypeNoop:
	case OpTypeDeposit:
		op.AccountID = r.accountID()
		op.Token = r.token(l)
		op.Amount = r.amount()
		op.Address = r.address()
	case OpTypeTransferToNew:
		op.AccountID = r.accountID()
		op.Token = r.token(l)
		op.Amount = r.packedAmount()
		op.Address = r.address()
		op.ToAccountID = r.accountID()
		op.Fee = r.packedFee()
	case OpTypeWithdraw:
		op.AccountID = r.accountID()
		op.Token = r.token(l)
		op.Amount = r.amount()
		op.Fee = r.packedFee()
		op.Address = r.address()
	case OpTypeTransfer:
		op.AccountID = r.accountID()
		op.Token = r.token(l)
		op.ToAccountID = r.accountID()
		op.Amount = r.packedAmount()
		op.Fee = r.packedFee()
	case OpTypeFullExit:
		op.AccountID = r.accountID()
		op.Address = r.address()
		op.Token = r.token(l)
		op.Amount = r.amount()
	case OpTypeChangePubKey:
		op.AccountID = r.accountID()
		copy(op.PubKeyHash[:], r.next(PubKeyHashLen))
		op.Address = r.address()
		op.Nonce = Nonce(binary.BigEndian.Uint32(r.next(NonceBytesLen)))
		op.Token = r.token(l)
		op.Fee = r.packedFee()
	default:
		return nil, Wrap(fmt.Errorf("unknown opcode 0x%02x", data[0]))
	}
	if r.err != nil {
		return nil, r.err
	}
	return op, nil
}
