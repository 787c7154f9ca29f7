/*
Package api serves the HTTP front end of the operator node: transaction
submission to the mempool of the leader and read only views of the accounts,
the transactions and the pipeline progress.  The prometheus metrics are served
under /metrics.
*/
package api

import (
	"context"
	"errors"
	"math/big"

	"zkrollup-operator/common"
	"zkrollup-operator/database/historydb"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Coordinator accepts the transactions of the leader
type Coordinator interface {
	Insert(ctx context.Context, tx *common.Tx) error
	IsLeader() bool
}

// HistoryReader reads the committed state
type HistoryReader interface {
	GetAccountAPI(addr ethCommon.Address) (*historydb.AccountAPI, error)
	GetNodeStatusAPI() (*historydb.NodeStatus, error)
	GetExecutedTxAPI(hash ethCommon.Hash) (*common.ExecutedOperation, error)
}

// PoolReader reads the pending transactions
type PoolReader interface {
	GetTxAPI(hash ethCommon.Hash) (*common.PoolTx, error)
}

// API serves HTTP requests to allow external interaction with the operator
// node
type API struct {
	coord     Coordinator
	historyDB HistoryReader
	l2DB      PoolReader
	config    *configAPI
}

// Config wraps the parameters needed to start the API
type Config struct {
	Version         string
	Server          *gin.Engine
	Coordinator     Coordinator
	HistoryDB       HistoryReader
	L2DB            PoolReader
	ChainID         *big.Int
	RollupAddress   ethCommon.Address
	ContractVersion common.ContractVersion
	BlockChunkSizes []int
}

// NewAPI sets the endpoints and the appropriate handlers, but doesn't start
// the server
func NewAPI(setup Config) (*API, error) {
	if setup.Server == nil {
		return nil, common.Wrap(errors.New("missing gin engine"))
	}
	if setup.Coordinator == nil || setup.HistoryDB == nil || setup.L2DB == nil {
		return nil, common.Wrap(errors.New("cannot serve the API without coordinator, HistoryDB and L2DB"))
	}
	a := &API{
		coord:     setup.Coordinator,
		historyDB: setup.HistoryDB,
		l2DB:      setup.L2DB,
		config:    newConfigAPI(setup),
	}

	setup.Server.NoRoute(a.noRoute)
	setup.Server.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := setup.Server.Group("/v1")
	v1.GET("/health", a.getHealth)
	v1.GET("/config", a.getConfig)
	v1.GET("/status", a.getStatus)
	v1.POST("/transactions", a.postTx)
	v1.GET("/transactions/:hash", a.getTx)
	v1.GET("/accounts/:address", a.getAccount)
	return a, nil
}
