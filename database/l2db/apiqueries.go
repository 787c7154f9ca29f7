package l2db

import (
	"zkrollup-operator/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// GetTxAPI return the specified pending tx
func (l2db *L2DB) GetTxAPI(hash ethCommon.Hash) (*common.PoolTx, error) {
	cancel, err := l2db.apiConnCon.Acquire()
	defer cancel()
	if err != nil {
		return nil, common.Wrap(err)
	}
	defer l2db.apiConnCon.Release()
	return l2db.GetTx(hash)
}
