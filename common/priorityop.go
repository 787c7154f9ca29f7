package common

import (
	"fmt"
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// PriorityOpType is the kind of a priority operation
type PriorityOpType string

const (
	// PriorityOpDeposit credits an L1 deposit to an address
	PriorityOpDeposit PriorityOpType = "Deposit"
	// PriorityOpFullExit withdraws the whole balance of a token
	PriorityOpFullExit PriorityOpType = "FullExit"
)

// Deposit is the payload of a deposit priority op
type Deposit struct {
	From   ethCommon.Address `json:"from"`
	To     ethCommon.Address `json:"to"`
	Token  TokenID           `json:"token"`
	Amount *big.Int          `json:"amount"`
}

// FullExit is the payload of a full exit priority op
type FullExit struct {
	AccountID  AccountID         `json:"accountId"`
	EthAddress ethCommon.Address `json:"ethAddress"`
	Token      TokenID           `json:"token"`
}

// PriorityOp is an operation submitted on L1 that the rollup must execute,
// in SerialID order
type PriorityOp struct {
	SerialID      uint64         `json:"serialId" meddler:"serial_id"`
	Type          PriorityOpType `json:"type" meddler:"op_type"`
	Deposit       *Deposit       `json:"deposit,omitempty" meddler:"-"`
	FullExit      *FullExit      `json:"fullExit,omitempty" meddler:"-"`
	EthHash       ethCommon.Hash `json:"ethHash" meddler:"eth_hash"`
	EthBlock      int64          `json:"ethBlock" meddler:"eth_block"`
	EthLogIndex   uint           `json:"ethLogIndex" meddler:"eth_log_index"`
	DeadlineBlock int64          `json:"deadlineBlock" meddler:"deadline_block"`
	PubData       []byte         `json:"pubData" meddler:"pub_data"`
}

// Chunks returns the chunks the op uses in a block
func (p *PriorityOp) Chunks(l *ChunkLayout) int {
	switch p.Type {
	case PriorityOpDeposit:
		return l.Chunks(OpTypeDeposit)
	case PriorityOpFullExit:
		return l.Chunks(OpTypeFullExit)
	}
	return 0
}

// ParsePriorityOp decodes the payload of a NewPriorityRequest event. The
// public data carries the op fields; the deposit sender is the event sender.
func ParsePriorityOp(l *ChunkLayout, sender ethCommon.Address, serialID uint64,
	opType uint8, pubData []byte) (*PriorityOp, error) {
	op, err := OpFromPublicData(l, pubData)
	if err != nil {
		return nil, Wrap(err)
	}
	if uint8(op.Type) != opType {
		return nil, Wrap(fmt.Errorf("priority op %d: type %d does not match public data %s",
			serialID, opType, op.Type))
	}
	p := &PriorityOp{SerialID: serialID, PubData: pubData}
	switch op.Type {
	case OpTypeDeposit:
		p.Type = PriorityOpDeposit
		p.Deposit = &Deposit{
			From:   sender,
			To:     op.Address,
			Token:  op.Token,
			Amount: op.Amount,
		}
	case OpTypeFullExit:
		p.Type = PriorityOpFullExit
		p.FullExit = &FullExit{
			AccountID:  op.AccountID,
			EthAddress: op.Address,
			Token:      op.Token,
		}
	default:
		return nil, Wrap(fmt.Errorf("priority op %d has unsupported type %s", serialID, op.Type))
	}
	return p, nil
}

// EncodePriorityOpPubData returns the public data of a priority op as the
// rollup contract emits it
func EncodePriorityOpPubData(l *ChunkLayout, p *PriorityOp) ([]byte, error) {
	var op *Op
	switch p.Type {
	case PriorityOpDeposit:
		op = &Op{Type: OpTypeDeposit, Token: p.Deposit.Token, Amount: p.Deposit.Amount,
			Address: p.Deposit.To}
	case PriorityOpFullExit:
		op = &Op{Type: OpTypeFullExit, AccountID: p.FullExit.AccountID, Token: p.FullExit.Token,
			Address: p.FullExit.EthAddress}
	default:
		return nil, Wrap(fmt.Errorf("unknown priority op type %q", p.Type))
	}
	return op.PublicData(l)
}
