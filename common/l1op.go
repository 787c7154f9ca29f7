package common

import (
	"math/big"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// L1Action is the contract call an L1 operation performs for a block
type L1Action string

const (
	// L1ActionCommit publishes the block data (commitBlocks)
	L1ActionCommit L1Action = "commit"
	// L1ActionVerify publishes the block proof (proveBlocks)
	L1ActionVerify L1Action = "verify"
	// L1ActionExecute processes the block onchain ops (executeBlocks)
	L1ActionExecute L1Action = "execute"
)

// L1Actions lists the actions in pipeline order
var L1Actions = []L1Action{L1ActionCommit, L1ActionVerify, L1ActionExecute}

// L1Operation is a contract call that must land on L1 for a block
type L1Operation struct {
	ID          int64           `meddler:"id,pk"`
	Action      L1Action        `meddler:"action"`
	BlockNumber BlockNumber     `meddler:"block_number"`
	Confirmed   bool            `meddler:"confirmed"`
	FinalHash   *ethCommon.Hash `meddler:"final_hash"`
	CreatedAt   time.Time       `meddler:"created_at,utctime"`
}

// L1TxAttempt is one signed transaction sent for an L1Operation. All the
// attempts of an operation share the nonce; later ones pay more gas.
type L1TxAttempt struct {
	ID            int64          `meddler:"id,pk"`
	OpID          int64          `meddler:"op_id"`
	Nonce         uint64         `meddler:"nonce"`
	GasPrice      *big.Int       `meddler:"gas_price,bigint"`
	GasLimit      uint64         `meddler:"gas_limit"`
	RawTx         []byte         `meddler:"raw_tx"`
	TxHash        ethCommon.Hash `meddler:"tx_hash"`
	DeadlineBlock int64          `meddler:"deadline_block"`
	CreatedAt     time.Time      `meddler:"created_at,utctime"`
}

// PendingL1Operation is an unconfirmed operation with the attempts sent for
// it, oldest first
type PendingL1Operation struct {
	Op       L1Operation
	Attempts []L1TxAttempt
}

// LastAttempt returns the most recent attempt, or nil
func (p *PendingL1Operation) LastAttempt() *L1TxAttempt {
	if len(p.Attempts) == 0 {
		return nil
	}
	return &p.Attempts[len(p.Attempts)-1]
}
