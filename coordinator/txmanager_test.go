package coordinator

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"zkrollup-operator/common"
	"zkrollup-operator/eth"
	"zkrollup-operator/etherscan"
	"zkrollup-operator/test"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var operatorAddr = ethCommon.HexToAddress("0x7e5f4552091a69125d5dfcb7b8c2659029395bdf")

func txManagerCfg() TxManagerCfg {
	return TxManagerCfg{
		WaitConfirmations:  1,
		GasPriceFactor:     1,
		GasPriceBumpFactor: 1.5,
		MaxGasPrice:        big.NewInt(100e9),
		StuckBlocks:        2,
		CheckInterval:      time.Second,
		MaxInflight:        4,
		GasLimitMargin:     1.5,
		GasLimit:           1000000,
		GasSpeed:           etherscan.GasSpeedPropose,
	}
}

func newTestEthClient() *test.Client {
	return test.NewClient(false, &test.StepTimer{T: 1700000000, Step: 12}, operatorAddr)
}

func newTestTxManager(t *testing.T, cfg TxManagerCfg, ethClient *test.Client,
	store *memStore, oracle etherscan.Client) *TxManager {
	txm, err := NewTxManager(context.Background(), cfg, ethClient, store, oracle,
		clockwork.NewFakeClock())
	require.NoError(t, err)
	return txm
}

func txMethod(t *testing.T, data []byte) string {
	calldata, err := eth.NewRollupCalldata()
	require.NoError(t, err)
	method, err := calldata.Method(data)
	require.NoError(t, err)
	return method
}

func TestTxManagerSendAndConfirm(t *testing.T) {
	ctx := context.Background()
	ethClient := newTestEthClient()
	store := newMemStore()
	store.addBlock(1)
	store.addBlock(2)
	txm := newTestTxManager(t, txManagerCfg(), ethClient, store, nil)

	for _, n := range []common.BlockNumber{1, 2} {
		op, err := store.EnqueueL1Op(common.L1ActionCommit, n)
		require.NoError(t, err)
		txm.add(*op)
	}
	require.NoError(t, txm.Check(ctx))
	pending := ethClient.CtlPendingTxs()
	require.Len(t, pending, 2)
	for i, tx := range pending {
		assert.Equal(t, uint64(i), tx.Nonce())
		assert.Equal(t, "commitBlocks", txMethod(t, tx.Data()))
		assert.Equal(t, uint64(450000), tx.Gas())
		assert.Equal(t, big.NewInt(1e9), tx.GasPrice())
	}
	assert.Equal(t, 2, txm.Inflight())

	// not mined yet
	require.NoError(t, txm.Check(ctx))
	assert.Empty(t, txm.outbox)

	ethClient.CtlMineBlock()
	require.NoError(t, txm.Check(ctx))
	require.Len(t, txm.outbox, 2)
	assert.Equal(t, common.BlockNumber(1), txm.outbox[0].BlockNumber)
	assert.Equal(t, common.BlockNumber(2), txm.outbox[1].BlockNumber)
	assert.True(t, txm.outbox[0].Confirmed)
	assert.Equal(t, pending[0].Hash(), *txm.outbox[0].FinalHash)
	assert.Equal(t, 0, txm.Inflight())

	stored := store.getOp(common.L1ActionCommit, 2)
	assert.True(t, stored.Confirmed)
	totals, err := ethClient.RollupTotals()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), totals.Committed)
}

func TestTxManagerWaitConfirmations(t *testing.T) {
	ctx := context.Background()
	ethClient := newTestEthClient()
	store := newMemStore()
	store.addBlock(1)
	cfg := txManagerCfg()
	cfg.WaitConfirmations = 3
	txm := newTestTxManager(t, cfg, ethClient, store, nil)

	op, err := store.EnqueueL1Op(common.L1ActionCommit, 1)
	require.NoError(t, err)
	txm.add(*op)
	require.NoError(t, txm.Check(ctx))

	ethClient.CtlMineBlocks(2)
	require.NoError(t, txm.Check(ctx))
	assert.Empty(t, txm.outbox)

	ethClient.CtlMineBlock()
	require.NoError(t, txm.Check(ctx))
	assert.Len(t, txm.outbox, 1)
}

func TestTxManagerBlockOrder(t *testing.T) {
	ctx := context.Background()
	ethClient := newTestEthClient()
	store := newMemStore()
	store.addBlock(1)
	store.addBlock(2)
	txm := newTestTxManager(t, txManagerCfg(), ethClient, store, nil)

	op2, err := store.EnqueueL1Op(common.L1ActionCommit, 2)
	require.NoError(t, err)
	txm.add(*op2)
	require.NoError(t, txm.Check(ctx))
	assert.Empty(t, ethClient.CtlPendingTxs())

	op1, err := store.EnqueueL1Op(common.L1ActionCommit, 1)
	require.NoError(t, err)
	txm.add(*op1)
	require.NoError(t, txm.Check(ctx))
	pending := ethClient.CtlPendingTxs()
	require.Len(t, pending, 2)
	assert.Equal(t, pending[0].Hash(), store.opAttempts(op1.ID)[0].TxHash)
	assert.Equal(t, pending[1].Hash(), store.opAttempts(op2.ID)[0].TxHash)

	// already sent operations are ignored
	txm.add(*op1)
	assert.Equal(t, 0, txm.queues[common.L1ActionCommit].Len())
}

func TestTxManagerMaxInflight(t *testing.T) {
	ctx := context.Background()
	ethClient := newTestEthClient()
	store := newMemStore()
	cfg := txManagerCfg()
	cfg.MaxInflight = 2
	txm := newTestTxManager(t, cfg, ethClient, store, nil)
	for n := common.BlockNumber(1); n <= 3; n++ {
		store.addBlock(n)
		op, err := store.EnqueueL1Op(common.L1ActionCommit, n)
		require.NoError(t, err)
		txm.add(*op)
	}
	require.NoError(t, txm.Check(ctx))
	assert.Len(t, ethClient.CtlPendingTxs(), 2)

	ethClient.CtlMineBlock()
	require.NoError(t, txm.Check(ctx))
	assert.Len(t, ethClient.CtlPendingTxs(), 1)
	assert.Len(t, txm.outbox, 2)
}

func TestTxManagerReplaceStuck(t *testing.T) {
	ctx := context.Background()
	ethClient := newTestEthClient()
	store := newMemStore()
	store.addBlock(1)
	txm := newTestTxManager(t, txManagerCfg(), ethClient, store, nil)

	op, err := store.EnqueueL1Op(common.L1ActionCommit, 1)
	require.NoError(t, err)
	txm.add(*op)
	ethClient.CtlSetSendError(errors.New("dropped"))
	require.NoError(t, txm.Check(ctx))
	ethClient.CtlSetSendError(nil)
	assert.Empty(t, ethClient.CtlPendingTxs())
	require.Len(t, store.opAttempts(op.ID), 1)

	ethClient.CtlMineBlock()
	require.NoError(t, txm.Check(ctx))
	require.Len(t, store.opAttempts(op.ID), 1)

	ethClient.CtlMineBlock()
	require.NoError(t, txm.Check(ctx))
	attempts := store.opAttempts(op.ID)
	require.Len(t, attempts, 2)
	assert.Equal(t, attempts[0].Nonce, attempts[1].Nonce)
	assert.Equal(t, big.NewInt(1.5e9), attempts[1].GasPrice)
	assert.Equal(t, int64(4), attempts[1].DeadlineBlock)
	pending := ethClient.CtlPendingTxs()
	require.Len(t, pending, 1)
	assert.Equal(t, attempts[1].TxHash, pending[0].Hash())

	ethClient.CtlMineBlock()
	require.NoError(t, txm.Check(ctx))
	require.Len(t, txm.outbox, 1)
	assert.Equal(t, attempts[1].TxHash, *txm.outbox[0].FinalHash)
}

func TestTxManagerReplaceAtMaxGasPrice(t *testing.T) {
	ctx := context.Background()
	ethClient := newTestEthClient()
	store := newMemStore()
	store.addBlock(1)
	cfg := txManagerCfg()
	cfg.MaxGasPrice = big.NewInt(1e9)
	txm := newTestTxManager(t, cfg, ethClient, store, nil)

	op, err := store.EnqueueL1Op(common.L1ActionCommit, 1)
	require.NoError(t, err)
	txm.add(*op)
	ethClient.CtlSetSendError(errors.New("dropped"))
	require.NoError(t, txm.Check(ctx))
	ethClient.CtlSetSendError(nil)

	ethClient.CtlMineBlocks(2)
	require.NoError(t, txm.Check(ctx))
	// no new attempt, the stored transaction is broadcast again
	assert.Len(t, store.opAttempts(op.ID), 1)
	pending := ethClient.CtlPendingTxs()
	require.Len(t, pending, 1)
	assert.Equal(t, store.opAttempts(op.ID)[0].TxHash, pending[0].Hash())
}

func TestTxManagerFailedTxIsFatal(t *testing.T) {
	ctx := context.Background()
	ethClient := newTestEthClient()
	store := newMemStore()
	store.addBlock(1)
	txm := newTestTxManager(t, txManagerCfg(), ethClient, store, nil)

	op, err := store.EnqueueL1Op(common.L1ActionCommit, 1)
	require.NoError(t, err)
	txm.add(*op)
	ethClient.CtlFailNonce(0)
	require.NoError(t, txm.Check(ctx))
	ethClient.CtlMineBlock()
	err = txm.Check(ctx)
	require.Error(t, err)
	assert.True(t, common.IsFatal(err))
	assert.ErrorIs(t, common.Unwrap(err), common.ErrL1TxFailed)
	assert.Equal(t, 1, txm.Inflight())
}

func TestTxManagerVerifyAndExecute(t *testing.T) {
	ctx := context.Background()
	ethClient := newTestEthClient()
	store := newMemStore()
	store.addBlock(1)
	txm := newTestTxManager(t, txManagerCfg(), ethClient, store, nil)

	verify, err := store.EnqueueL1Op(common.L1ActionVerify, 1)
	require.NoError(t, err)
	txm.add(*verify)
	// no proof stored yet
	err = txm.Check(ctx)
	require.Error(t, err)
	assert.False(t, common.IsFatal(err))
	assert.Empty(t, ethClient.CtlPendingTxs())

	proof := common.ProofInput{BlockNumber: 1, Proof: []*big.Int{big.NewInt(1), big.NewInt(2)}}
	raw, err := proof.Bytes()
	require.NoError(t, err)
	require.NoError(t, store.StoreProof(1, raw))
	execute, err := store.EnqueueL1Op(common.L1ActionExecute, 1)
	require.NoError(t, err)
	txm.add(*execute)
	require.NoError(t, txm.Check(ctx))

	pending := ethClient.CtlPendingTxs()
	require.Len(t, pending, 2)
	assert.Equal(t, "proveBlocks", txMethod(t, pending[0].Data()))
	assert.Equal(t, "executeBlocks", txMethod(t, pending[1].Data()))
}

type fakeOracle struct {
	price *etherscan.GasPriceEtherscan
	err   error
}

func (o *fakeOracle) GetGasPrice(ctx context.Context) (*etherscan.GasPriceEtherscan, error) {
	return o.price, o.err
}

func TestTxManagerGasPrice(t *testing.T) {
	ctx := context.Background()
	ethClient := newTestEthClient()
	ethClient.CtlSetBaseFee(big.NewInt(2e9))
	cfg := txManagerCfg()
	cfg.GasPriceFactor = 1.5
	cfg.MaxGasPrice = big.NewInt(5e9)

	txm := newTestTxManager(t, cfg, ethClient, newMemStore(), nil)
	price, err := txm.gasPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(3e9), price)

	oracle := &fakeOracle{price: &etherscan.GasPriceEtherscan{ProposeGasPrice: "2.5", FastGasPrice: "9"}}
	txm = newTestTxManager(t, cfg, ethClient, newMemStore(), oracle)
	price, err = txm.gasPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(2.5e9), price)

	txm.cfg.GasSpeed = etherscan.GasSpeedFast
	price, err = txm.gasPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(5e9), price)

	// oracle failure falls back to the base fee
	oracle.err = errors.New("unavailable")
	price, err = txm.gasPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(3e9), price)
}

func TestTxManagerRestore(t *testing.T) {
	ethClient := newTestEthClient()
	store := newMemStore()
	for n := common.BlockNumber(1); n <= 3; n++ {
		store.addBlock(n)
	}
	c1, _ := store.EnqueueL1Op(common.L1ActionCommit, 1)
	require.NoError(t, store.MarkL1TxConfirmed(c1.ID, ethCommon.Hash{1}))
	c2, _ := store.EnqueueL1Op(common.L1ActionCommit, 2)
	require.NoError(t, store.RecordL1TxAttempt(&common.L1TxAttempt{
		OpID: c2.ID, Nonce: 4, GasPrice: big.NewInt(1e9), TxHash: ethCommon.Hash{2},
		DeadlineBlock: 100,
	}))
	_, _ = store.EnqueueL1Op(common.L1ActionCommit, 3)
	_, _ = store.EnqueueL1Op(common.L1ActionVerify, 1)

	txm := newTestTxManager(t, txManagerCfg(), ethClient, store, nil)
	assert.Equal(t, uint64(5), txm.nextNonce)
	assert.Equal(t, 1, txm.Inflight())
	assert.Equal(t, common.BlockNumber(3), txm.queues[common.L1ActionCommit].Next())
	assert.Equal(t, common.BlockNumber(1), txm.queues[common.L1ActionVerify].Next())
	assert.Equal(t, common.BlockNumber(1), txm.queues[common.L1ActionExecute].Next())

	// without attempts the nonce comes from the L1 node
	txm = newTestTxManager(t, txManagerCfg(), ethClient, newMemStore(), nil)
	assert.Equal(t, uint64(0), txm.nextNonce)
}

func TestTxManagerRun(t *testing.T) {
	ethClient := newTestEthClient()
	store := newMemStore()
	store.addBlock(1)
	clock := clockwork.NewFakeClock()
	txm, err := NewTxManager(context.Background(), txManagerCfg(), ethClient, store, nil, clock)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- txm.Run(ctx) }()

	op, err := store.EnqueueL1Op(common.L1ActionCommit, 1)
	require.NoError(t, err)
	require.NoError(t, txm.Enqueue(ctx, *op))

	timeout := time.After(5 * time.Second)
	for {
		select {
		case confirmed := <-txm.Confirmed():
			assert.Equal(t, op.ID, confirmed.ID)
			assert.True(t, confirmed.Confirmed)
			cancel()
			require.NoError(t, <-errCh)
			return
		case <-time.After(5 * time.Millisecond):
			ethClient.CtlMineBlock()
			clock.Advance(time.Second)
		case <-timeout:
			t.Fatal("L1 operation not confirmed")
		}
	}
}
