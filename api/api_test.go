package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"zkrollup-operator/common"
	"zkrollup-operator/coordinator"
	"zkrollup-operator/database/historydb"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCoordinator struct {
	leader   bool
	err      error
	inserted []*common.Tx
}

func (c *fakeCoordinator) Insert(ctx context.Context, tx *common.Tx) error {
	if c.err != nil {
		return c.err
	}
	c.inserted = append(c.inserted, tx)
	return nil
}

func (c *fakeCoordinator) IsLeader() bool {
	return c.leader
}

type fakeStore struct {
	accounts map[ethCommon.Address]*historydb.AccountAPI
	executed map[ethCommon.Hash]*common.ExecutedOperation
	pending  map[ethCommon.Hash]*common.PoolTx
	status   *historydb.NodeStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts: make(map[ethCommon.Address]*historydb.AccountAPI),
		executed: make(map[ethCommon.Hash]*common.ExecutedOperation),
		pending:  make(map[ethCommon.Hash]*common.PoolTx),
		status:   &historydb.NodeStatus{LastCommittedBlock: 7, LastVerifiedBlock: 5, Leader: "op-1"},
	}
}

func (s *fakeStore) GetAccountAPI(addr ethCommon.Address) (*historydb.AccountAPI, error) {
	acc, ok := s.accounts[addr]
	if !ok {
		return nil, common.Wrap(sql.ErrNoRows)
	}
	return acc, nil
}

func (s *fakeStore) GetNodeStatusAPI() (*historydb.NodeStatus, error) {
	return s.status, nil
}

func (s *fakeStore) GetExecutedTxAPI(hash ethCommon.Hash) (*common.ExecutedOperation, error) {
	return s.executed[hash], nil
}

func (s *fakeStore) GetTxAPI(hash ethCommon.Hash) (*common.PoolTx, error) {
	tx, ok := s.pending[hash]
	if !ok {
		return nil, common.Wrap(sql.ErrNoRows)
	}
	return tx, nil
}

type testResponse struct {
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func newTestAPI(t *testing.T) (*gin.Engine, *fakeCoordinator, *fakeStore) {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	coord := &fakeCoordinator{leader: true}
	store := newFakeStore()
	_, err := NewAPI(Config{
		Version:         "test",
		Server:          engine,
		Coordinator:     coord,
		HistoryDB:       store,
		L2DB:            store,
		ChainID:         big.NewInt(1337),
		ContractVersion: common.ContractV2,
		BlockChunkSizes: []int{10, 32},
	})
	require.NoError(t, err)
	return engine, coord, store
}

func doRequest(t *testing.T, engine *gin.Engine, method, path string, body interface{}) (int, testResponse) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	var res testResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return w.Code, res
}

func testTransfer() *common.Tx {
	return &common.Tx{
		Type:      common.TxTypeTransfer,
		AccountID: 3,
		From:      ethCommon.HexToAddress("0x1111111111111111111111111111111111111111"),
		To:        ethCommon.HexToAddress("0x2222222222222222222222222222222222222222"),
		Token:     0,
		Amount:    big.NewInt(1000),
		Fee:       big.NewInt(10),
		Nonce:     4,
	}
}

func TestNewAPIRequiresDependencies(t *testing.T) {
	_, err := NewAPI(Config{Server: gin.New()})
	assert.Error(t, err)
}

func TestPostTx(t *testing.T) {
	engine, coord, _ := newTestAPI(t)
	tx := testTransfer()
	code, res := doRequest(t, engine, http.MethodPost, "/v1/transactions", tx)
	require.Equal(t, http.StatusOK, code, res.Error)
	require.Len(t, coord.inserted, 1)
	assert.Equal(t, tx.Nonce, coord.inserted[0].Nonce)

	var data txResponse
	require.NoError(t, json.Unmarshal(res.Data, &data))
	hash, err := tx.Hash()
	require.NoError(t, err)
	assert.Equal(t, hash, data.Hash)
	assert.Equal(t, TxStatusPending, data.Status)
}

func TestPostTxErrors(t *testing.T) {
	engine, coord, _ := newTestAPI(t)

	code, _ := doRequest(t, engine, http.MethodPost, "/v1/transactions", "not a tx")
	assert.Equal(t, http.StatusBadRequest, code)

	coord.err = common.Wrap(fmt.Errorf("%w: have 3, want 4", common.ErrNonceMismatch))
	code, res := doRequest(t, engine, http.MethodPost, "/v1/transactions", testTransfer())
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, res.Error, common.ErrNonceMismatch.Error())

	coord.err = common.Wrap(coordinator.ErrNotLeader)
	code, _ = doRequest(t, engine, http.MethodPost, "/v1/transactions", testTransfer())
	assert.Equal(t, http.StatusServiceUnavailable, code)

	coord.err = common.Wrap(fmt.Errorf("connection reset"))
	code, _ = doRequest(t, engine, http.MethodPost, "/v1/transactions", testTransfer())
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestGetTx(t *testing.T) {
	engine, _, store := newTestAPI(t)
	tx := testTransfer()
	hash, err := tx.Hash()
	require.NoError(t, err)

	code, _ := doRequest(t, engine, http.MethodGet, "/v1/transactions/"+hash.Hex(), nil)
	assert.Equal(t, http.StatusNotFound, code)

	store.pending[hash] = &common.PoolTx{Hash: hash, Tx: tx, ReceivedAt: time.Unix(1700000000, 0)}
	code, res := doRequest(t, engine, http.MethodGet, "/v1/transactions/"+hash.Hex(), nil)
	require.Equal(t, http.StatusOK, code)
	var data txResponse
	require.NoError(t, json.Unmarshal(res.Data, &data))
	assert.Equal(t, TxStatusPending, data.Status)
	assert.NotNil(t, data.ReceivedAt)

	store.executed[hash] = &common.ExecutedOperation{BlockNumber: 9, Tx: tx, Success: false,
		FailReason: common.ErrInsufficientBalance.Error()}
	code, res = doRequest(t, engine, http.MethodGet, "/v1/transactions/"+hash.Hex(), nil)
	require.Equal(t, http.StatusOK, code)
	data = txResponse{}
	require.NoError(t, json.Unmarshal(res.Data, &data))
	assert.Equal(t, TxStatusFailed, data.Status)
	require.NotNil(t, data.Execution)
	assert.Equal(t, common.BlockNumber(9), data.Execution.BlockNumber)

	code, _ = doRequest(t, engine, http.MethodGet, "/v1/transactions/0xzz", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestGetAccount(t *testing.T) {
	engine, _, store := newTestAPI(t)
	addr := ethCommon.HexToAddress("0x1111111111111111111111111111111111111111")

	code, _ := doRequest(t, engine, http.MethodGet, "/v1/accounts/"+addr.Hex(), nil)
	assert.Equal(t, http.StatusNotFound, code)

	store.accounts[addr] = &historydb.AccountAPI{
		ID:       3,
		Address:  addr,
		Nonce:    4,
		Balances: map[string]*big.Int{"ETH": big.NewInt(500)},
	}
	code, res := doRequest(t, engine, http.MethodGet, "/v1/accounts/"+addr.Hex(), nil)
	require.Equal(t, http.StatusOK, code)
	var acc historydb.AccountAPI
	require.NoError(t, json.Unmarshal(res.Data, &acc))
	assert.Equal(t, common.AccountID(3), acc.ID)
	assert.Equal(t, 0, big.NewInt(500).Cmp(acc.Balances["ETH"]))

	code, _ = doRequest(t, engine, http.MethodGet, "/v1/accounts/nope", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestGetStatusAndConfig(t *testing.T) {
	engine, coord, _ := newTestAPI(t)
	coord.leader = false

	code, res := doRequest(t, engine, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, code)
	var status statusResponse
	require.NoError(t, json.Unmarshal(res.Data, &status))
	assert.False(t, status.IsLeader)
	assert.Equal(t, common.BlockNumber(7), status.LastCommittedBlock)
	assert.Equal(t, "op-1", status.Leader)

	code, res = doRequest(t, engine, http.MethodGet, "/v1/config", nil)
	require.Equal(t, http.StatusOK, code)
	var cfg configAPI
	require.NoError(t, json.Unmarshal(res.Data, &cfg))
	assert.Equal(t, uint8(common.ContractV2), cfg.ContractVersion)
	assert.Equal(t, []int{10, 32}, cfg.BlockChunkSizes)
	assert.Equal(t, int64(1337), cfg.ChainID.Int64())

	code, _ = doRequest(t, engine, http.MethodGet, "/v1/unknown", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestMetricsEndpoint(t *testing.T) {
	engine, _, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
