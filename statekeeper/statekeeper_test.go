package statekeeper

import (
	"context"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"zkrollup-operator/common"
	"zkrollup-operator/database/statedb"
	"zkrollup-operator/log"
	"zkrollup-operator/test"
	"zkrollup-operator/txprocessor"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init("debug", []string{"stdout"})
}

var feeAddr = ethCommon.HexToAddress("0xfee0000000000000000000000000000000000fee")

type memStore struct {
	last     *common.Block
	accounts map[common.AccountID]*common.Account
	ops      []common.PriorityOp
}

func (s *memStore) LoadLastCommittedBlock() (*common.Block, error) {
	return s.last, nil
}

func (s *memStore) LoadCommittedState(at common.BlockNumber) (map[common.AccountID]*common.Account, error) {
	return s.accounts, nil
}

func (s *memStore) GetUnprocessedPriorityOps(from uint64) ([]common.PriorityOp, error) {
	var ops []common.PriorityOp
	for _, op := range s.ops {
		if op.SerialID >= from {
			ops = append(ops, op)
		}
	}
	return ops, nil
}

type proposer struct {
	mu       sync.Mutex
	txs      []*common.Tx
	removed  []ethCommon.Hash
	returned []ethCommon.Hash
}

func (p *proposer) ProposeBlock(ctx context.Context, maxChunks int,
	accounts statedb.AccountGetter) ([]*common.Tx, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	txs := p.txs
	p.txs = nil
	return txs, nil
}

func (p *proposer) Remove(ctx context.Context, hashes []ethCommon.Hash) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, hashes...)
	return nil
}

func (p *proposer) Return(ctx context.Context, hashes []ethCommon.Hash) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.returned = append(p.returned, hashes...)
	return nil
}

func (p *proposer) add(txs ...*common.Tx) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txs = append(p.txs, txs...)
}

func newStateDB(t *testing.T) *statedb.StateDB {
	dir, err := os.MkdirTemp("", "tmpdb")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	sdb, err := statedb.NewStateDB(statedb.Config{Path: dir, Keep: 128})
	require.NoError(t, err)
	t.Cleanup(sdb.Close)
	return sdb
}

func defaultConfig() Config {
	return Config{
		FeeAccountAddress:       feeAddr,
		BlockChunkSizes:         []int{10, 32},
		MaxMiniblockIterations:  1,
		FastMiniblockIterations: 1,
		MiniblockInterval:       time.Second,
		MaxProcessableToken:     10,
	}
}

type testEnv struct {
	sk       *StateKeeper
	sdb      *statedb.StateDB
	store    *memStore
	proposer *proposer
	alice    *test.User
	bob      *test.User
	ops      chan []common.PriorityOp
	health   chan bool
	ctx      context.Context
}

// newTestEnv commits block 1 holding alice (id 0, 1000) and starts a
// StateKeeper on top of it
func newTestEnv(t *testing.T, cfg Config) *testEnv {
	env := &testEnv{
		sdb:      newStateDB(t),
		proposer: &proposer{},
		alice:    test.NewUser(1),
		bob:      test.NewUser(2),
		ops:      make(chan []common.PriorityOp),
		health:   make(chan bool),
		ctx:      context.Background(),
	}
	_, err := env.sdb.CreateAccount(env.alice.Account(0, 0, 1000))
	require.NoError(t, err)
	require.NoError(t, env.sdb.MakeCheckpoint())
	env.store = &memStore{last: &common.Block{
		Number:       1,
		NewStateRoot: env.sdb.Root(),
	}}
	env.sk, err = NewStateKeeper(cfg, env.sdb, env.store, env.proposer, env.ops, env.health,
		clockwork.NewFakeClock())
	require.NoError(t, err)
	return env
}

func (env *testEnv) sealed(t *testing.T) common.CommitRequest {
	select {
	case req := <-env.sk.CommitRequests():
		return req
	default:
		require.FailNow(t, "no block sealed")
	}
	return common.CommitRequest{}
}

func (env *testEnv) noneSealed(t *testing.T) {
	assert.Len(t, env.sk.CommitRequests(), 0)
}

func TestRestoreGenesis(t *testing.T) {
	sdb := newStateDB(t)
	store := &memStore{ops: []common.PriorityOp{
		test.GenDeposit(0, test.NewUser(1).Addr, 0, 100),
	}}
	sk, err := NewStateKeeper(defaultConfig(), sdb, store, &proposer{}, nil, nil,
		clockwork.NewFakeClock())
	require.NoError(t, err)
	assert.Equal(t, common.BlockNumber(1), sk.NextBlock())
	assert.Equal(t, int64(0), sdb.Root().Int64())
	assert.Len(t, sk.queued, 1)
}

func TestRestoreRebuild(t *testing.T) {
	alice := test.NewUser(1)
	accounts := map[common.AccountID]*common.Account{0: alice.Account(0, 3, 500)}
	ref := newStateDB(t)
	require.NoError(t, ref.Rebuild(5, accounts))

	store := &memStore{
		last:     &common.Block{Number: 5, NewStateRoot: ref.Root(), LastPriorityOp: 2},
		accounts: accounts,
		ops: []common.PriorityOp{
			test.GenDeposit(1, alice.Addr, 0, 1),
			test.GenDeposit(2, alice.Addr, 0, 1),
		},
	}
	sdb := newStateDB(t)
	sk, err := NewStateKeeper(defaultConfig(), sdb, store, &proposer{}, nil, nil,
		clockwork.NewFakeClock())
	require.NoError(t, err)
	assert.Equal(t, common.BlockNumber(6), sk.NextBlock())
	assert.Equal(t, common.BlockNumber(5), sdb.CurrentBlock())
	acc, err := sdb.GetAccount(0)
	require.NoError(t, err)
	assert.Equal(t, common.Nonce(3), acc.Nonce)
	require.Len(t, sk.queued, 1)
	assert.Equal(t, uint64(2), sk.queued[0].SerialID)

	store.last.NewStateRoot = big.NewInt(12345)
	_, err = NewStateKeeper(defaultConfig(), newStateDB(t), store, &proposer{}, nil, nil,
		clockwork.NewFakeClock())
	require.Error(t, err)
	assert.True(t, common.IsFatal(err))
	assert.ErrorIs(t, common.Unwrap(err), common.ErrStateRootMismatch)
}

func TestPriorityOpsSealed(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	require.NoError(t, env.sk.enqueue([]common.PriorityOp{
		test.GenDeposit(0, env.alice.Addr, 0, 100),
		test.GenDeposit(1, env.bob.Addr, 0, 50),
	}))
	oldRoot := env.sdb.Root()
	require.NoError(t, env.sk.iteration(env.ctx))

	req := env.sealed(t)
	block := req.Block
	assert.Equal(t, common.BlockNumber(2), block.Number)
	assert.Equal(t, 32, block.BlockSize)
	assert.Equal(t, 12, block.UsedChunks())
	assert.Equal(t, uint64(0), block.FirstPriorityOp)
	assert.Equal(t, uint64(2), block.LastPriorityOp)
	assert.Equal(t, oldRoot, block.OldStateRoot)
	assert.Equal(t, env.sdb.Root(), block.NewStateRoot)
	require.Len(t, block.ExecutedOps, 2)
	for i, e := range block.ExecutedOps {
		assert.Equal(t, uint32(i), e.BlockIndex)
		assert.Equal(t, block.Number, e.BlockNumber)
		assert.True(t, e.Success)
	}
	assert.NotEmpty(t, req.AccountUpdates)
	assert.Equal(t, common.BlockNumber(2), env.sdb.CurrentBlock())

	bob, err := env.sdb.GetAccountByAddress(env.bob.Addr)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(50), bob.Balance(0))

	pubData, err := block.PublicData()
	require.NoError(t, err)
	assert.Len(t, pubData, 32*common.ChunkBytes)

	// the next block starts where this one ended
	assert.Equal(t, uint64(2), env.sk.pending.firstPriorityOp)
	assert.Equal(t, common.BlockNumber(3), env.sk.NextBlock())
}

func TestTxsAndFees(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	tx := env.alice.Transfer(0, env.bob.Addr, 100, 5, 0)
	env.proposer.add(tx)
	require.NoError(t, env.sk.iteration(env.ctx))

	req := env.sealed(t)
	require.Len(t, req.Block.ExecutedOps, 1)
	e := req.Block.ExecutedOps[0]
	assert.True(t, e.Success)
	assert.Equal(t, common.OpTypeTransferToNew, e.Op.Type)
	assert.Equal(t, 10, req.Block.BlockSize)

	// alice 0, bob 1, fee account 2
	assert.Equal(t, common.AccountID(2), req.Block.FeeAccountID)
	fee, err := env.sdb.GetAccountByAddress(feeAddr)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(5), fee.Balance(0))
	alice, err := env.sdb.GetAccount(0)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(895), alice.Balance(0))
	assert.Equal(t, common.Nonce(1), alice.Nonce)

	hash, err := tx.Hash()
	require.NoError(t, err)
	assert.Equal(t, []ethCommon.Hash{hash}, env.proposer.removed)

	// the fee account receives a second credit without being created again
	env.proposer.add(env.alice.Transfer(0, env.bob.Addr, 1, 3, 1))
	require.NoError(t, env.sk.iteration(env.ctx))
	req = env.sealed(t)
	assert.Equal(t, common.AccountID(2), req.Block.FeeAccountID)
	fee, err = env.sdb.GetAccountByAddress(feeAddr)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(8), fee.Balance(0))
}

func TestFailedTxIncluded(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	bad := env.alice.Transfer(0, env.bob.Addr, 5000, 5, 0)
	env.proposer.add(bad)
	require.NoError(t, env.sk.iteration(env.ctx))

	req := env.sealed(t)
	require.Len(t, req.Block.ExecutedOps, 1)
	e := req.Block.ExecutedOps[0]
	assert.False(t, e.Success)
	assert.Nil(t, e.Op)
	assert.Contains(t, e.FailReason, common.ErrInsufficientBalance.Error())
	assert.Equal(t, 0, req.Block.UsedChunks())
	// only the fee account is created
	require.Len(t, req.AccountUpdates, 1)
	assert.Equal(t, common.AccountUpdateCreate, req.AccountUpdates[0].Type)
	assert.Equal(t, feeAddr, req.AccountUpdates[0].Address)
	assert.Equal(t, req.AccountUpdates[0].AccountID, req.Block.FeeAccountID)
	assert.Len(t, env.proposer.removed, 1)
	alice, err := env.sdb.GetAccount(0)
	require.NoError(t, err)
	assert.Equal(t, common.Nonce(0), alice.Nonce)
}

func TestFutureNonceReturned(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	// alice's account nonce is 0
	ahead := env.alice.Transfer(0, env.bob.Addr, 10, 1, 1)
	hAhead, err := ahead.Hash()
	require.NoError(t, err)
	env.proposer.add(ahead)
	require.NoError(t, env.sk.iteration(env.ctx))
	env.noneSealed(t)
	assert.Empty(t, env.proposer.removed)
	assert.Equal(t, []ethCommon.Hash{hAhead}, env.proposer.returned)

	// nonce 0 fails, nonce 1 is still ahead
	failing := env.alice.Transfer(0, env.bob.Addr, 5000, 1, 0)
	hFailing, err := failing.Hash()
	require.NoError(t, err)
	env.proposer.add(failing, ahead)
	require.NoError(t, env.sk.iteration(env.ctx))
	req := env.sealed(t)
	require.Len(t, req.Block.ExecutedOps, 1)
	assert.False(t, req.Block.ExecutedOps[0].Success)
	assert.Equal(t, []ethCommon.Hash{hFailing}, env.proposer.removed)
	assert.Equal(t, []ethCommon.Hash{hAhead, hAhead}, env.proposer.returned)

	// once nonce 0 succeeds nonce 1 follows in the same block
	env.proposer.add(env.alice.Transfer(0, env.bob.Addr, 10, 1, 0), ahead)
	require.NoError(t, env.sk.iteration(env.ctx))
	req = env.sealed(t)
	require.Len(t, req.Block.ExecutedOps, 2)
	assert.True(t, req.Block.ExecutedOps[0].Success)
	assert.True(t, req.Block.ExecutedOps[1].Success)
	alice, err := env.sdb.GetAccount(0)
	require.NoError(t, err)
	assert.Equal(t, common.Nonce(2), alice.Nonce)
}

// accountMap reads every account of sdb
func accountMap(t *testing.T, sdb *statedb.StateDB) map[common.AccountID]*common.Account {
	accounts := make(map[common.AccountID]*common.Account)
	for id := common.AccountID(0); id < sdb.NextAccountID(); id++ {
		acc, err := sdb.GetAccount(id)
		if common.Unwrap(err) == statedb.ErrAccountNotFound {
			continue
		}
		require.NoError(t, err)
		accounts[id] = acc
	}
	return accounts
}

func assertSameAccounts(t *testing.T, expected, actual map[common.AccountID]*common.Account) {
	require.Equal(t, len(expected), len(actual))
	for id, acc := range expected {
		require.Contains(t, actual, id)
		assert.Equal(t, acc.Bytes(), actual[id].Bytes(), "account %d", id)
	}
}

// replay executes the ops of blocks on sdb and checks the root after each
// block
func replay(t *testing.T, sdb *statedb.StateDB, blocks []*common.Block) {
	tp := txprocessor.NewTxProcessor(sdb, txprocessor.Config{MaxProcessableToken: 10})
	for _, b := range blocks {
		require.Equal(t, b.OldStateRoot.String(), sdb.Root().String(), "block %d", b.Number)
		fees := common.CollectedFees{}
		for _, e := range b.ExecutedOps {
			switch {
			case e.PriorityOp != nil:
				_, err := tp.ExecutePriorityOp(e.PriorityOp)
				require.NoError(t, err)
			case e.Success:
				out, err := tp.ExecuteTx(e.Tx)
				require.NoError(t, err)
				fees.Add(out.FeeToken, out.Fee)
			default:
				_, err := tp.ExecuteTx(e.Tx)
				require.Error(t, err)
			}
		}
		id, _, err := tp.CollectFees(feeAddr, fees)
		require.NoError(t, err)
		assert.Equal(t, b.FeeAccountID, id)
		require.NoError(t, sdb.MakeCheckpoint())
		assert.Equal(t, b.NewStateRoot.String(), sdb.Root().String(), "block %d", b.Number)
	}
}

func TestReplayExecutedOps(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	alice, bob := env.alice, env.bob
	var blocks []*common.Block

	require.NoError(t, env.sk.enqueue([]common.PriorityOp{
		test.GenDeposit(0, bob.Addr, 0, 100),
		test.GenDeposit(1, alice.Addr, 0, 50),
	}))
	env.proposer.add(alice.Transfer(0, bob.Addr, 100, 5, 0))
	require.NoError(t, env.sk.iteration(env.ctx))
	blocks = append(blocks, env.sealed(t).Block)

	require.NoError(t, env.sk.enqueue([]common.PriorityOp{
		test.GenFullExit(2, 1, bob.Addr, 0),
	}))
	env.proposer.add(
		alice.Withdraw(0, 10, 1, 1, false),
		alice.Transfer(0, bob.Addr, 5000, 1, 2),
	)
	require.NoError(t, env.sk.iteration(env.ctx))
	blocks = append(blocks, env.sealed(t).Block)
	require.Len(t, blocks[1].ExecutedOps, 3)
	assert.False(t, blocks[1].ExecutedOps[2].Success)

	env.proposer.add(alice.Transfer(0, test.NewUser(3).Addr, 20, 2, 2))
	require.NoError(t, env.sk.iteration(env.ctx))
	blocks = append(blocks, env.sealed(t).Block)

	// block 1 holds alice only
	sdb := newStateDB(t)
	_, err := sdb.CreateAccount(alice.Account(0, 0, 1000))
	require.NoError(t, err)
	require.NoError(t, sdb.MakeCheckpoint())
	replay(t, sdb, blocks)
	assertSameAccounts(t, accountMap(t, env.sdb), accountMap(t, sdb))
}

func TestRestartRederivesBlock(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	var (
		blocks    []*common.Block
		committed map[common.AccountID]*common.Account
	)
	for i := 0; i < 6; i++ {
		dep := test.GenDeposit(uint64(i), test.NewUser(byte(10+i)).Addr, 0, int64(10*(i+1)))
		env.store.ops = append(env.store.ops, dep)
		require.NoError(t, env.sk.enqueue([]common.PriorityOp{dep}))
		env.proposer.add(env.alice.Transfer(0, env.bob.Addr, 1, 1, common.Nonce(i)))
		require.NoError(t, env.sk.iteration(env.ctx))
		block := env.sealed(t).Block
		blocks = append(blocks, block)
		if block.Number == 6 {
			committed = accountMap(t, env.sdb)
		}
	}
	sealed7 := blocks[5]
	require.Equal(t, common.BlockNumber(7), sealed7.Number)
	pubData7, err := sealed7.PublicData()
	require.NoError(t, err)

	// block 7 was sealed but never persisted, the store ends at block 6
	env.store.last = blocks[4]
	env.store.accounts = committed
	rederive := func(sdb *statedb.StateDB) {
		p := &proposer{}
		sk, err := NewStateKeeper(defaultConfig(), sdb, env.store, p, nil, nil,
			clockwork.NewFakeClock())
		require.NoError(t, err)
		assert.Equal(t, common.BlockNumber(7), sk.NextBlock())
		assertSameAccounts(t, committed, accountMap(t, sdb))
		// the mempool still holds the tx of block 7
		p.add(sealed7.ExecutedOps[1].Tx)
		require.NoError(t, sk.iteration(env.ctx))
		var block *common.Block
		select {
		case req := <-sk.CommitRequests():
			block = req.Block
		default:
			require.FailNow(t, "block 7 not sealed again")
		}
		assert.Equal(t, common.BlockNumber(7), block.Number)
		assert.Equal(t, sealed7.NewStateRoot.String(), block.NewStateRoot.String())
		assert.Equal(t, sealed7.FeeAccountID, block.FeeAccountID)
		assert.Equal(t, sealed7.LastPriorityOp, block.LastPriorityOp)
		pubData, err := block.PublicData()
		require.NoError(t, err)
		assert.Equal(t, pubData7, pubData)
	}
	// from the block 6 checkpoint
	rederive(env.sdb)
	// from the committed account map, without checkpoints
	rederive(newStateDB(t))
}

func TestSealWhenFull(t *testing.T) {
	cfg := defaultConfig()
	cfg.BlockChunkSizes = []int{12, 10}
	cfg.MaxMiniblockIterations = 5
	env := newTestEnv(t, cfg)
	require.NoError(t, env.sk.enqueue([]common.PriorityOp{
		test.GenDeposit(0, env.alice.Addr, 0, 1),
		test.GenDeposit(1, env.alice.Addr, 0, 1),
		test.GenDeposit(2, env.alice.Addr, 0, 1),
	}))
	require.NoError(t, env.sk.iteration(env.ctx))

	req := env.sealed(t)
	assert.Equal(t, 12, req.Block.BlockSize)
	assert.Len(t, req.Block.ExecutedOps, 2)
	assert.Equal(t, uint64(2), req.Block.LastPriorityOp)
	env.noneSealed(t)
	assert.Len(t, env.sk.pending.executedOps, 1)
	assert.Equal(t, 6, env.sk.pending.usedChunks)
}

func TestTxNotFittingIsReturned(t *testing.T) {
	cfg := defaultConfig()
	cfg.BlockChunkSizes = []int{10}
	cfg.MaxMiniblockIterations = 5
	env := newTestEnv(t, cfg)
	require.NoError(t, env.sk.enqueue([]common.PriorityOp{
		test.GenDeposit(0, env.alice.Addr, 0, 1),
	}))
	first := env.alice.Transfer(0, env.alice.Addr, 1, 1, 0)
	second := env.alice.Transfer(0, env.bob.Addr, 1, 1, 1)
	env.proposer.add(first, second)
	require.NoError(t, env.sk.iteration(env.ctx))

	req := env.sealed(t)
	// deposit 6 + transfer 2, the transfer to a new account does not fit
	require.Len(t, req.Block.ExecutedOps, 2)
	assert.Equal(t, common.OpTypeTransfer, req.Block.ExecutedOps[1].Op.Type)
	h1, err := first.Hash()
	require.NoError(t, err)
	h2, err := second.Hash()
	require.NoError(t, err)
	assert.Equal(t, []ethCommon.Hash{h1}, env.proposer.removed)
	assert.Equal(t, []ethCommon.Hash{h2}, env.proposer.returned)
}

func TestMiniblockIterations(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxMiniblockIterations = 3
	cfg.FastMiniblockIterations = 1
	env := newTestEnv(t, cfg)

	env.proposer.add(env.alice.Transfer(0, env.alice.Addr, 1, 1, 0))
	require.NoError(t, env.sk.iteration(env.ctx))
	env.noneSealed(t)
	require.NoError(t, env.sk.iteration(env.ctx))
	env.noneSealed(t)
	require.NoError(t, env.sk.iteration(env.ctx))
	env.sealed(t)

	// empty iterations don't count
	for i := 0; i < 5; i++ {
		require.NoError(t, env.sk.iteration(env.ctx))
	}
	env.noneSealed(t)

	env.proposer.add(env.alice.Withdraw(0, 10, 1, 1, true))
	require.NoError(t, env.sk.iteration(env.ctx))
	req := env.sealed(t)
	assert.Equal(t, common.OpTypeWithdraw, req.Block.ExecutedOps[0].Op.Type)
}

func TestEnqueue(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	addr := env.alice.Addr
	require.NoError(t, env.sk.enqueue([]common.PriorityOp{
		test.GenDeposit(0, addr, 0, 1), test.GenDeposit(1, addr, 0, 1),
	}))
	require.NoError(t, env.sk.enqueue([]common.PriorityOp{
		test.GenDeposit(1, addr, 0, 1), test.GenDeposit(2, addr, 0, 1),
	}))
	assert.Len(t, env.sk.queued, 3)

	// a gap is filled from the store
	env.store.ops = []common.PriorityOp{
		test.GenDeposit(3, addr, 0, 1), test.GenDeposit(4, addr, 0, 1),
	}
	require.NoError(t, env.sk.enqueue([]common.PriorityOp{test.GenDeposit(5, addr, 0, 1)}))
	require.Len(t, env.sk.queued, 6)
	for i, op := range env.sk.queued {
		assert.Equal(t, uint64(i), op.SerialID)
	}

	err := env.sk.enqueue([]common.PriorityOp{test.GenDeposit(9, addr, 0, 1)})
	require.Error(t, err)
	assert.True(t, common.IsFatal(err))
	assert.ErrorIs(t, common.Unwrap(err), common.ErrPriorityOpGap)
}

func TestUnhealthyL1(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.sk.l1Healthy = false
	require.NoError(t, env.sk.enqueue([]common.PriorityOp{
		test.GenDeposit(0, env.alice.Addr, 0, 1),
	}))
	require.NoError(t, env.sk.iteration(env.ctx))
	env.noneSealed(t)
	assert.Len(t, env.sk.queued, 1)

	env.sk.l1Healthy = true
	require.NoError(t, env.sk.iteration(env.ctx))
	env.sealed(t)
}

func TestRunSealBlock(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxMiniblockIterations = 100
	env := newTestEnv(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- env.sk.Run(ctx) }()

	env.ops <- []common.PriorityOp{test.GenDeposit(0, env.alice.Addr, 0, 1)}
	env.health <- true
	require.NoError(t, env.sk.SealBlock(ctx))
	req := <-env.sk.CommitRequests()
	assert.Equal(t, common.BlockNumber(2), req.Block.Number)
	assert.Len(t, req.Block.ExecutedOps, 1)

	// nothing pending, nothing sealed
	require.NoError(t, env.sk.SealBlock(ctx))
	env.noneSealed(t)

	cancel()
	assert.NoError(t, <-done)
}
