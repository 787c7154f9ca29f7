package historydb

import (
	"math/big"
	"time"

	"zkrollup-operator/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// accountUpdateWrite is the row of account_updates: a common.AccountUpdate
// tagged with the block that produced it and its position in the block
type accountUpdateWrite struct {
	BlockNumber   common.BlockNumber       `meddler:"block_number"`
	UpdateOrder   int                      `meddler:"update_order"`
	Type          common.AccountUpdateType `meddler:"update_type"`
	AccountID     common.AccountID         `meddler:"account_id"`
	Address       ethCommon.Address        `meddler:"address"`
	Nonce         common.Nonce             `meddler:"nonce"`
	Token         common.TokenID           `meddler:"token_id"`
	OldBalance    *big.Int                 `meddler:"old_balance,bigintnull"`
	NewBalance    *big.Int                 `meddler:"new_balance,bigintnull"`
	OldNonce      common.Nonce             `meddler:"old_nonce"`
	NewNonce      common.Nonce             `meddler:"new_nonce"`
	OldPubKeyHash common.PubKeyHash        `meddler:"old_pub_key_hash"`
	NewPubKeyHash common.PubKeyHash        `meddler:"new_pub_key_hash"`
}

func newAccountUpdateWrite(block common.BlockNumber, order int, u *common.AccountUpdate) accountUpdateWrite {
	return accountUpdateWrite{
		BlockNumber:   block,
		UpdateOrder:   order,
		Type:          u.Type,
		AccountID:     u.AccountID,
		Address:       u.Address,
		Nonce:         u.Nonce,
		Token:         u.Token,
		OldBalance:    u.OldBalance,
		NewBalance:    u.NewBalance,
		OldNonce:      u.OldNonce,
		NewNonce:      u.NewNonce,
		OldPubKeyHash: u.OldPubKeyHash,
		NewPubKeyHash: u.NewPubKeyHash,
	}
}

func (w *accountUpdateWrite) update() common.AccountUpdate {
	return common.AccountUpdate{
		Type:          w.Type,
		AccountID:     w.AccountID,
		Address:       w.Address,
		Nonce:         w.Nonce,
		Token:         w.Token,
		OldBalance:    w.OldBalance,
		NewBalance:    w.NewBalance,
		OldNonce:      w.OldNonce,
		NewNonce:      w.NewNonce,
		OldPubKeyHash: w.OldPubKeyHash,
		NewPubKeyHash: w.NewPubKeyHash,
	}
}

// executedTxWrite is the row of executed_transactions
type executedTxWrite struct {
	BlockNumber common.BlockNumber `meddler:"block_number"`
	BlockIndex  uint32             `meddler:"block_index"`
	TxHash      ethCommon.Hash     `meddler:"tx_hash"`
	AccountID   common.AccountID   `meddler:"account_id"`
	Nonce       common.Nonce       `meddler:"nonce"`
	Tx          *common.Tx         `meddler:"tx,json"`
	Op          *common.Op         `meddler:"op,json"`
	Success     bool               `meddler:"success"`
	FailReason  *string            `meddler:"fail_reason"`
	CreatedAt   time.Time          `meddler:"created_at,utctime"`
}

// executedPriorityOpWrite is the row of executed_priority_operations
type executedPriorityOpWrite struct {
	BlockNumber common.BlockNumber `meddler:"block_number"`
	BlockIndex  uint32             `meddler:"block_index"`
	SerialID    uint64             `meddler:"serial_id"`
	PriorityOp  *common.PriorityOp `meddler:"priority_op,json"`
	Op          *common.Op         `meddler:"op,json"`
	CreatedAt   time.Time          `meddler:"created_at,utctime"`
}

// priorityOpRow is the row of priority_operations. The whole op is kept as
// JSON next to the columns used for lookups.
type priorityOpRow struct {
	SerialID      uint64                `meddler:"serial_id"`
	Type          common.PriorityOpType `meddler:"op_type"`
	EthHash       ethCommon.Hash        `meddler:"eth_hash"`
	EthBlock      int64                 `meddler:"eth_block"`
	EthLogIndex   uint                  `meddler:"eth_log_index"`
	DeadlineBlock int64                 `meddler:"deadline_block"`
	Op            *common.PriorityOp    `meddler:"op,json"`
}

// balanceRow is the row of account_balances
type balanceRow struct {
	AccountID common.AccountID `meddler:"account_id"`
	TokenID   common.TokenID   `meddler:"token_id"`
	Balance   *big.Int         `meddler:"balance,bigint"`
}

// WatcherState is the progress of the L1 watcher
type WatcherState struct {
	LastBlock     int64          `meddler:"last_block"`
	LastBlockHash ethCommon.Hash `meddler:"last_block_hash"`
}

// AccountAPI is an account as exposed by the API
type AccountAPI struct {
	ID         common.AccountID    `json:"id"`
	Address    ethCommon.Address   `json:"address"`
	PubKeyHash common.PubKeyHash   `json:"pubKeyHash"`
	Nonce      common.Nonce        `json:"nonce"`
	Balances   map[string]*big.Int `json:"balances"`
}

// NewAccountAPI returns the API representation of acc, with the balances
// keyed by token symbol when the token is known
func NewAccountAPI(acc *common.Account, tokens map[common.TokenID]common.Token) *AccountAPI {
	a := &AccountAPI{
		ID:         acc.ID,
		Address:    acc.Address,
		PubKeyHash: acc.PubKeyHash,
		Nonce:      acc.Nonce,
		Balances:   make(map[string]*big.Int, len(acc.Balances)),
	}
	for _, tokenID := range acc.Tokens() {
		key := tokenID.String()
		if token, ok := tokens[tokenID]; ok {
			key = token.Symbol
		}
		a.Balances[key] = acc.Balance(tokenID)
	}
	return a
}
