package common

import (
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// PoolTx is a transaction waiting in the mempool
type PoolTx struct {
	Hash       ethCommon.Hash `meddler:"tx_hash"`
	AccountID  AccountID      `meddler:"account_id"`
	Nonce      Nonce          `meddler:"nonce"`
	Tx         *Tx            `meddler:"tx,json"`
	ReceivedAt time.Time      `meddler:"received_at,utctime"`
}

// NewPoolTx computes the hash of tx and stamps it with the reception time
func NewPoolTx(tx *Tx, now time.Time) (*PoolTx, error) {
	hash, err := tx.Hash()
	if err != nil {
		return nil, Wrap(err)
	}
	return &PoolTx{
		Hash:       hash,
		AccountID:  tx.AccountID,
		Nonce:      tx.Nonce,
		Tx:         tx,
		ReceivedAt: now.UTC(),
	}, nil
}
