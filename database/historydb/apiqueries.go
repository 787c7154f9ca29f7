package historydb

import (
	"zkrollup-operator/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// GetAccountAPI returns the committed account owned by addr
func (hdb *HistoryDB) GetAccountAPI(addr ethCommon.Address) (*AccountAPI, error) {
	cancel, err := hdb.apiConnCon.Acquire()
	defer cancel()
	if err != nil {
		return nil, common.Wrap(err)
	}
	defer hdb.apiConnCon.Release()
	acc, err := hdb.getAccount(hdb.dbRead, "address = $1", addr)
	if err != nil {
		return nil, common.Wrap(err)
	}
	tokens, err := hdb.GetTokens()
	if err != nil {
		return nil, common.Wrap(err)
	}
	byID := make(map[common.TokenID]common.Token, len(tokens))
	for _, token := range tokens {
		byID[token.TokenID] = token
	}
	return NewAccountAPI(acc, byID), nil
}

// GetNodeStatusAPI returns the pipeline progress of the node
func (hdb *HistoryDB) GetNodeStatusAPI() (*NodeStatus, error) {
	cancel, err := hdb.apiConnCon.Acquire()
	defer cancel()
	if err != nil {
		return nil, common.Wrap(err)
	}
	defer hdb.apiConnCon.Release()
	return hdb.getNodeStatus(hdb.dbRead)
}

// GetExecutedTxAPI returns the execution result of a transaction, nil if it
// was not executed
func (hdb *HistoryDB) GetExecutedTxAPI(hash ethCommon.Hash) (*common.ExecutedOperation, error) {
	cancel, err := hdb.apiConnCon.Acquire()
	defer cancel()
	if err != nil {
		return nil, common.Wrap(err)
	}
	defer hdb.apiConnCon.Release()
	return hdb.GetExecutedTx(hash)
}
