package api

import (
	"fmt"
	"net/http"
	"time"

	"zkrollup-operator/common"
	"zkrollup-operator/database/historydb"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// Transaction status in the responses of the transaction endpoints
const (
	TxStatusPending  = "pending"
	TxStatusExecuted = "executed"
	TxStatusFailed   = "failed"
)

type txResponse struct {
	Hash       ethCommon.Hash            `json:"hash"`
	Status     string                    `json:"status"`
	Tx         *common.Tx                `json:"tx,omitempty"`
	Execution  *common.ExecutedOperation `json:"execution,omitempty"`
	ReceivedAt *time.Time                `json:"receivedAt,omitempty"`
}

type statusResponse struct {
	*historydb.NodeStatus
	IsLeader bool `json:"isLeader"`
}

func (a *API) getHealth(c *gin.Context) {
	successResponse(c, http.StatusOK, "ok", gin.H{"isLeader": a.coord.IsLeader()})
}

func (a *API) postTx(c *gin.Context) {
	var tx common.Tx
	if err := c.ShouldBindJSON(&tx); err != nil {
		retBadReq(c, err)
		return
	}
	if err := a.coord.Insert(c.Request.Context(), &tx); err != nil {
		retErr(c, err)
		return
	}
	hash, err := tx.Hash()
	if err != nil {
		retErr(c, err)
		return
	}
	successResponse(c, http.StatusOK, "transaction accepted", txResponse{
		Hash:   hash,
		Status: TxStatusPending,
	})
}

// getTx looks for the transaction among the executed ones first, then in the
// mempool
func (a *API) getTx(c *gin.Context) {
	hash, err := parseHash(c.Param("hash"))
	if err != nil {
		retBadReq(c, err)
		return
	}
	executed, err := a.historyDB.GetExecutedTxAPI(hash)
	if err != nil {
		retErr(c, err)
		return
	}
	if executed != nil {
		status := TxStatusExecuted
		if !executed.Success {
			status = TxStatusFailed
		}
		successResponse(c, http.StatusOK, "transaction found", txResponse{
			Hash:      hash,
			Status:    status,
			Tx:        executed.Tx,
			Execution: executed,
		})
		return
	}
	pending, err := a.l2DB.GetTxAPI(hash)
	if err != nil {
		retErr(c, err)
		return
	}
	successResponse(c, http.StatusOK, "transaction found", txResponse{
		Hash:       hash,
		Status:     TxStatusPending,
		Tx:         pending.Tx,
		ReceivedAt: &pending.ReceivedAt,
	})
}

func (a *API) getAccount(c *gin.Context) {
	addr := c.Param("address")
	if !ethCommon.IsHexAddress(addr) {
		retBadReq(c, fmt.Errorf("invalid address %q", addr))
		return
	}
	account, err := a.historyDB.GetAccountAPI(ethCommon.HexToAddress(addr))
	if err != nil {
		retErr(c, err)
		return
	}
	successResponse(c, http.StatusOK, "account found", account)
}

func (a *API) getStatus(c *gin.Context) {
	status, err := a.historyDB.GetNodeStatusAPI()
	if err != nil {
		retErr(c, err)
		return
	}
	successResponse(c, http.StatusOK, "node status", statusResponse{
		NodeStatus: status,
		IsLeader:   a.coord.IsLeader(),
	})
}

func parseHash(s string) (ethCommon.Hash, error) {
	var hash ethCommon.Hash
	if err := hash.UnmarshalText([]byte(s)); err != nil {
		return hash, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	return hash, nil
}
