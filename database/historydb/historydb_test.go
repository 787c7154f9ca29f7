package historydb

import (
	"math/big"
	"os"
	"testing"
	"time"

	"zkrollup-operator/common"
	"zkrollup-operator/database"
	"zkrollup-operator/log"
	"zkrollup-operator/test"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var historyDB *HistoryDB
var historyDBWithACC *HistoryDB

func TestMain(m *testing.M) {
	// init DB
	db, err := database.InitTestSQLDB()
	if err != nil {
		panic(err)
	}
	historyDB = NewHistoryDB(db, db, nil)
	apiConnCon := database.NewAPIConnectionController(1, time.Second)
	historyDBWithACC = NewHistoryDB(db, db, apiConnCon)

	// Run tests
	result := m.Run()
	// Close DB
	if err := db.Close(); err != nil {
		log.Error("Error closing the history DB", err)
	}
	os.Exit(result)
}

// saveBlocks stores n deposit blocks, one new account per block
func saveBlocks(t *testing.T, n int) []ethCommon.Address {
	var addrs []ethCommon.Address
	var ops []common.PriorityOp
	for i := 0; i < n; i++ {
		addr := test.NewUser(byte(i + 1)).Addr
		ops = append(ops, test.GenDeposit(uint64(i), addr, 0, int64(100*(i+1))))
		addrs = append(addrs, addr)
	}
	require.NoError(t, historyDB.AddPriorityOps(ops))
	for i := 0; i < n; i++ {
		block, updates := test.GenBlock(common.BlockNumber(i+1), uint64(i),
			common.AccountID(i), addrs[i], int64(100*(i+1)))
		op, err := historyDB.SaveBlock(block, updates)
		require.NoError(t, err)
		assert.Equal(t, common.L1ActionCommit, op.Action)
		assert.Equal(t, block.Number, op.BlockNumber)
	}
	return addrs
}

func TestSaveBlock(t *testing.T) {
	test.WipeDB(historyDB.DB())

	last, err := historyDB.LoadLastCommittedBlock()
	require.NoError(t, err)
	assert.Nil(t, last)

	addrs := saveBlocks(t, 3)

	last, err = historyDB.LoadLastCommittedBlock()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, common.BlockNumber(3), last.Number)
	assert.Equal(t, big.NewInt(4), last.NewStateRoot)

	block, err := historyDB.GetBlock(2)
	require.NoError(t, err)
	require.Len(t, block.ExecutedOps, 1)
	e := block.ExecutedOps[0]
	assert.True(t, e.IsPriorityOp())
	assert.Equal(t, uint64(1), e.PriorityOp.SerialID)
	assert.Equal(t, common.OpTypeDeposit, e.Op.Type)
	assert.Equal(t, addrs[1], e.Op.Address)

	acc, err := historyDB.GetAccountByAddress(addrs[2])
	require.NoError(t, err)
	assert.Equal(t, common.AccountID(2), acc.ID)
	assert.Equal(t, big.NewInt(300), acc.Balance(0))

	pending, err := historyDB.LoadPendingL1Ops()
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, p := range pending {
		assert.Equal(t, common.BlockNumber(i+1), p.Op.BlockNumber)
		assert.Empty(t, p.Attempts)
	}
}

func TestSaveBlockGap(t *testing.T) {
	test.WipeDB(historyDB.DB())
	saveBlocks(t, 1)
	addr := test.NewUser(9).Addr
	require.NoError(t, historyDB.AddPriorityOps([]common.PriorityOp{test.GenDeposit(1, addr, 0, 5)}))
	block, updates := test.GenBlock(3, 1, 1, addr, 5)
	_, err := historyDB.SaveBlock(block, updates)
	require.Error(t, err)
	assert.True(t, common.IsFatal(err))

	// nothing of the failed block was stored
	last, err := historyDB.GetLastBlockNumber()
	require.NoError(t, err)
	assert.Equal(t, common.BlockNumber(1), last)
	_, err = historyDB.GetAccount(1)
	assert.Error(t, err)
}

func TestLoadCommittedState(t *testing.T) {
	test.WipeDB(historyDB.DB())
	saveBlocks(t, 3)

	state, err := historyDB.LoadCommittedState(3)
	require.NoError(t, err)
	assert.Len(t, state, 3)

	state, err = historyDB.LoadCommittedState(1)
	require.NoError(t, err)
	require.Len(t, state, 1)
	assert.Equal(t, big.NewInt(100), state[0].Balance(0))

	state, err = historyDB.LoadCommittedState(0)
	require.NoError(t, err)
	assert.Empty(t, state)
}

func TestPriorityOps(t *testing.T) {
	test.WipeDB(historyDB.DB())
	next, err := historyDB.GetNextPriorityOpSerial()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), next)

	user := test.NewUser(1)
	ops := []common.PriorityOp{
		test.GenDeposit(0, user.Addr, 0, 10),
		test.GenFullExit(1, 0, user.Addr, 0),
	}
	require.NoError(t, historyDB.AddPriorityOps(ops))
	// idempotent
	require.NoError(t, historyDB.AddPriorityOps(ops[:1]))

	next, err = historyDB.GetNextPriorityOpSerial()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next)

	fetched, err := historyDB.GetUnprocessedPriorityOps(1)
	require.NoError(t, err)
	require.Len(t, fetched, 1)
	assert.Equal(t, common.PriorityOpFullExit, fetched[0].Type)
	assert.Equal(t, user.Addr, fetched[0].FullExit.EthAddress)
}

func TestL1Ops(t *testing.T) {
	test.WipeDB(historyDB.DB())
	saveBlocks(t, 2)

	nonce, err := historyDB.GetNextL1Nonce()
	require.NoError(t, err)
	assert.Nil(t, nonce)

	commit, err := historyDB.GetL1Op(common.L1ActionCommit, 1)
	require.NoError(t, err)
	require.NotNil(t, commit)
	for i := 0; i < 2; i++ {
		require.NoError(t, historyDB.RecordL1TxAttempt(&common.L1TxAttempt{
			OpID:          commit.ID,
			Nonce:         7,
			GasPrice:      big.NewInt(int64(100 + i)),
			GasLimit:      21000,
			RawTx:         []byte{byte(i)},
			TxHash:        ethCommon.BigToHash(big.NewInt(int64(i + 1))),
			DeadlineBlock: 10,
		}))
	}
	nonce, err = historyDB.GetNextL1Nonce()
	require.NoError(t, err)
	require.NotNil(t, nonce)
	assert.Equal(t, uint64(8), *nonce)

	pending, err := historyDB.LoadPendingL1Ops()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Len(t, pending[0].Attempts, 2)
	assert.Equal(t, big.NewInt(101), pending[0].LastAttempt().GasPrice)

	finalHash := ethCommon.BigToHash(big.NewInt(2))
	require.NoError(t, historyDB.MarkL1TxConfirmed(commit.ID, finalHash))
	pending, err = historyDB.LoadPendingL1Ops()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, common.BlockNumber(2), pending[0].Op.BlockNumber)

	lastCommit, err := historyDB.GetLastL1OpBlock(common.L1ActionCommit, true)
	require.NoError(t, err)
	assert.Equal(t, common.BlockNumber(1), lastCommit)

	verify, err := historyDB.EnqueueL1Op(common.L1ActionVerify, 1)
	require.NoError(t, err)
	again, err := historyDB.EnqueueL1Op(common.L1ActionVerify, 1)
	require.NoError(t, err)
	assert.Equal(t, verify.ID, again.ID)

	verified, err := historyDB.LoadLastVerifiedBlock()
	require.NoError(t, err)
	assert.Equal(t, common.BlockNumber(0), verified)
	require.NoError(t, historyDB.MarkL1TxConfirmed(verify.ID, finalHash))
	verified, err = historyDB.LoadLastVerifiedBlock()
	require.NoError(t, err)
	assert.Equal(t, common.BlockNumber(1), verified)

	// pending ops come in pipeline order: commit 2 before verify 2
	_, err = historyDB.EnqueueL1Op(common.L1ActionVerify, 2)
	require.NoError(t, err)
	pending, err = historyDB.LoadPendingL1Ops()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, common.L1ActionCommit, pending[0].Op.Action)
	assert.Equal(t, common.L1ActionVerify, pending[1].Op.Action)
}

func TestRevertBlocks(t *testing.T) {
	test.WipeDB(historyDB.DB())
	saveBlocks(t, 2)

	// block 3 executes a transfer from account 0 to account 1
	alice := test.NewUser(1)
	tx := alice.Transfer(0, test.NewUser(2).Addr, 40, 0, 0)
	block := &common.Block{
		Number:          3,
		OldStateRoot:    big.NewInt(3),
		NewStateRoot:    big.NewInt(4),
		BlockSize:       10,
		FirstPriorityOp: 2,
		LastPriorityOp:  2,
		Timestamp:       time.Now().UTC().Truncate(time.Second),
		ContractVersion: common.ContractV1,
		ExecutedOps: []*common.ExecutedOperation{{
			BlockNumber: 3,
			Tx:          tx,
			Op: &common.Op{Type: common.OpTypeTransfer, AccountID: 0, ToAccountID: 1,
				Amount: big.NewInt(40), Fee: big.NewInt(0)},
			Success: true,
		}},
	}
	updates := []common.AccountUpdate{
		{Type: common.AccountUpdateBalance, AccountID: 0, OldBalance: big.NewInt(100),
			NewBalance: big.NewInt(60), OldNonce: 0, NewNonce: 1},
		{Type: common.AccountUpdateBalance, AccountID: 1, OldBalance: big.NewInt(200),
			NewBalance: big.NewInt(240)},
	}
	_, err := historyDB.SaveBlock(block, updates)
	require.NoError(t, err)
	acc, err := historyDB.GetAccount(0)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(60), acc.Balance(0))
	assert.Equal(t, common.Nonce(1), acc.Nonce)

	requeued, err := historyDB.RevertBlocks(2)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	last, err := historyDB.GetLastBlockNumber()
	require.NoError(t, err)
	assert.Equal(t, common.BlockNumber(1), last)
	acc, err = historyDB.GetAccount(0)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(100), acc.Balance(0))
	assert.Equal(t, common.Nonce(0), acc.Nonce)
	_, err = historyDB.GetAccount(1)
	assert.Error(t, err)

	status, err := historyDB.GetNodeStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, status.MempoolSize)
	assert.Equal(t, 1, status.PendingL1Ops)

	_, err = historyDB.RevertBlocks(0)
	assert.Error(t, err)
}

func TestTokens(t *testing.T) {
	test.WipeDB(historyDB.DB())
	tokens, err := historyDB.GetTokens()
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, common.NativeToken.Symbol, tokens[0].Symbol)

	token := common.Token{
		TokenID:     1,
		EthBlockNum: 5,
		EthAddr:     ethCommon.HexToAddress("0x1111111111111111111111111111111111111111"),
		Symbol:      "DAI",
		Decimals:    18,
	}
	require.NoError(t, historyDB.RegisterToken(&token))
	require.NoError(t, historyDB.RegisterToken(&token))
	fetched, err := historyDB.GetToken(1)
	require.NoError(t, err)
	assert.Equal(t, token, *fetched)
}

func TestVote(t *testing.T) {
	test.WipeDB(historyDB.DB())
	leader, err := historyDB.CurrentLeader()
	require.NoError(t, err)
	assert.Nil(t, leader)

	now := time.Now().UTC().Truncate(time.Millisecond)
	timeout := 10 * time.Second
	leader, err = historyDB.Vote("a", timeout, now)
	require.NoError(t, err)
	assert.Equal(t, "a", leader.Name)

	// b can not take over while a is alive
	leader, err = historyDB.Vote("b", timeout, now.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "a", leader.Name)

	// a refreshes
	leader, err = historyDB.Vote("a", timeout, now.Add(8*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "a", leader.Name)

	// a goes silent
	leader, err = historyDB.Vote("b", timeout, now.Add(19*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "b", leader.Name)
}

func TestAPIQueries(t *testing.T) {
	test.WipeDB(historyDB.DB())
	addrs := saveBlocks(t, 1)
	acc, err := historyDBWithACC.GetAccountAPI(addrs[0])
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(100), acc.Balances["ETH"])

	status, err := historyDBWithACC.GetNodeStatusAPI()
	require.NoError(t, err)
	assert.Equal(t, common.BlockNumber(1), status.LastCommittedBlock)
	assert.Equal(t, uint64(1), status.NextPriorityOp)

	require.NoError(t, historyDB.SetWatcherState(&WatcherState{LastBlock: 42,
		LastBlockHash: ethCommon.BigToHash(big.NewInt(42))}))
	state, err := historyDB.GetWatcherState()
	require.NoError(t, err)
	assert.Equal(t, int64(42), state.LastBlock)
	status, err = historyDB.GetNodeStatus()
	require.NoError(t, err)
	assert.Equal(t, int64(42), status.LastL1Block)
}
