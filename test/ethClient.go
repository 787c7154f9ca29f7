package test

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"reflect"
	"sort"
	"sync"
	"time"

	"zkrollup-operator/common"
	"zkrollup-operator/eth"
	"zkrollup-operator/log"

	"github.com/ethereum/go-ethereum"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/mitchellh/copystructure"
)

func init() {
	copystructure.Copiers[reflect.TypeOf(big.Int{})] =
		func(raw interface{}) (interface{}, error) {
			in := raw.(big.Int)
			out := new(big.Int).Set(&in)
			return *out, nil
		}
}

// gasUsed is the gas every mined transaction uses
const gasUsed = 300000

// RollupBlock stores all the data related to the Rollup SC from an ethereum block
type RollupBlock struct {
	Totals       eth.RollupTotals
	NextSerialID uint64
	NextTokenID  common.TokenID
	Events       eth.RollupEvents
	Txs          map[ethCommon.Hash]*types.Transaction
	Failed       map[ethCommon.Hash]bool
}

// EthereumBlock stores all the generic data related to the an ethereum block
type EthereumBlock struct {
	BlockNum   int64
	Time       int64
	Hash       ethCommon.Hash
	ParentHash ethCommon.Hash
	Tokens     map[ethCommon.Address]eth.ERC20Consts
	// Nonce is the nonce of the client account after the block
	Nonce uint64
}

// Block represents a ethereum block
type Block struct {
	Rollup *RollupBlock
	Eth    *EthereumBlock
}

func (b *Block) copy() *Block {
	bCopyRaw, err := copystructure.Copy(b)
	if err != nil {
		panic(err)
	}
	return bCopyRaw.(*Block)
}

// Next prepares the successive block.
func (b *Block) Next() *Block {
	// transactions and events belong to b only
	txs, failed, events := b.Rollup.Txs, b.Rollup.Failed, b.Rollup.Events
	b.Rollup.Txs, b.Rollup.Failed, b.Rollup.Events = nil, nil, eth.RollupEvents{}
	blockNext := b.copy()
	b.Rollup.Txs, b.Rollup.Failed, b.Rollup.Events = txs, failed, events
	blockNext.Rollup.Events = eth.NewRollupEvents()
	blockNext.Rollup.Txs = make(map[ethCommon.Hash]*types.Transaction)
	blockNext.Rollup.Failed = make(map[ethCommon.Hash]bool)
	blockNext.Eth.BlockNum = b.Eth.BlockNum + 1
	blockNext.Eth.ParentHash = b.Eth.Hash
	return blockNext
}

// Timer is an interface to simulate a source of time, useful to advance time
// virtually.
type Timer interface {
	Time() int64
}

// StepTimer is a Timer that advances Step seconds on every call
type StepTimer struct {
	mu   sync.Mutex
	T    int64
	Step int64
}

// Time returns the current time and advances it
func (t *StepTimer) Time() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.T
	t.T += t.Step
	return now
}

type hasher struct {
	counter uint64
}

// Next returns the next hash
func (h *hasher) Next() ethCommon.Hash {
	var hash ethCommon.Hash
	binary.LittleEndian.PutUint64(hash[:], h.counter)
	hash[31] = 0xbb
	h.counter++
	return hash
}

// Client implements the eth.ClientInterface interface, allowing to manipulate
// the values for testing, working with deterministic results.  Raw
// transactions sent to it are mined in nonce order by CtlMineBlock and update
// the rollup block counters according to their calldata.
type Client struct {
	rw          *sync.RWMutex
	log         bool
	addr        ethCommon.Address
	rollupAddr  ethCommon.Address
	chainID     *big.Int
	calldata    *eth.RollupCalldata
	blocks      map[int64]*Block
	blockNum    int64 // last mined block num
	maxBlockNum int64 // highest block num calculated
	timer       Timer
	hasher      hasher
	baseFee     *big.Int
	pending     map[uint64]*types.Transaction
	failNonces  map[uint64]bool
	sendErr     error
}

// NewClient returns a new test Client that implements the eth.ClientInterface
// interface, with block 0 mined.
func NewClient(l bool, timer Timer, addr ethCommon.Address) *Client {
	calldata, err := eth.NewRollupCalldata()
	if err != nil {
		panic(err)
	}
	c := &Client{
		rw:         &sync.RWMutex{},
		log:        l,
		addr:       addr,
		rollupAddr: ethCommon.HexToAddress("0x2b1d1d07b3d8c4e6a0c1fe3b2b2c4b7b4a1d3c01"),
		chainID:    big.NewInt(1337), //nolint:gomnd
		calldata:   calldata,
		blocks:     make(map[int64]*Block),
		timer:      timer,
		baseFee:    big.NewInt(1000000000), //nolint:gomnd
		pending:    make(map[uint64]*types.Transaction),
		failNonces: make(map[uint64]bool),
	}
	genesis := &Block{
		Rollup: &RollupBlock{
			Events: eth.NewRollupEvents(),
			Txs:    make(map[ethCommon.Hash]*types.Transaction),
			Failed: make(map[ethCommon.Hash]bool),
			// token 0 is the native token
			NextTokenID: 1,
		},
		Eth: &EthereumBlock{
			BlockNum: 0,
			Time:     timer.Time(),
			Hash:     c.hasher.Next(),
			Tokens:   make(map[ethCommon.Address]eth.ERC20Consts),
		},
	}
	c.blocks[0] = genesis
	c.blocks[1] = genesis.Next()
	return c
}

//
// Mock Control
//

// Debugw calls log.Debugw if c.log is true
func (c *Client) Debugw(template string, kv ...interface{}) {
	if c.log {
		log.Debugw(template, kv...)
	}
}

func (c *Client) nextBlock() *Block {
	return c.blocks[c.blockNum+1]
}

func (c *Client) currentBlock() *Block {
	return c.blocks[c.blockNum]
}

// CtlMineBlock mines the next block, including the pending transactions
// whose nonce follows the account nonce
func (c *Client) CtlMineBlock() {
	c.rw.Lock()
	defer c.rw.Unlock()

	block := c.nextBlock()
	for {
		tx, ok := c.pending[block.Eth.Nonce]
		if !ok {
			break
		}
		delete(c.pending, tx.Nonce())
		block.Rollup.Txs[tx.Hash()] = tx
		block.Eth.Nonce++
		if c.failNonces[tx.Nonce()] {
			delete(c.failNonces, tx.Nonce())
			block.Rollup.Failed[tx.Hash()] = true
			continue
		}
		name, n, err := c.calldata.Blocks(tx.Data())
		if err != nil {
			block.Rollup.Failed[tx.Hash()] = true
			continue
		}
		switch name {
		case "commitBlocks":
			block.Rollup.Totals.Committed += uint32(n)
		case "proveBlocks":
			block.Rollup.Totals.Proven += uint32(n)
		case "executeBlocks":
			block.Rollup.Totals.Executed += uint32(n)
		}
	}
	c.blockNum++
	c.maxBlockNum = c.blockNum
	block.Eth.Time = c.timer.Time()
	block.Eth.Hash = c.hasher.Next()
	events := &block.Rollup.Events
	for i := range events.PriorityOps {
		op := &events.PriorityOps[i]
		op.EthBlock = block.Eth.BlockNum
		op.EthLogIndex = uint(i)
		op.EthHash = c.hasher.Next()
	}
	for i := range events.NewTokens {
		events.NewTokens[i].EthBlockNum = block.Eth.BlockNum
		events.NewTokens[i].LogIndex = uint(len(events.PriorityOps) + i)
	}
	if len(events.PriorityOps)+len(events.NewTokens) > 0 {
		events.BlockHashes[block.Eth.BlockNum] = block.Eth.Hash
	}
	c.blocks[c.blockNum+1] = block.Next()
	c.Debugw("TestClient mined block", "blockNum", c.blockNum, "txs", len(block.Rollup.Txs))
}

// CtlMineBlocks mines n blocks
func (c *Client) CtlMineBlocks(n int) {
	for i := 0; i < n; i++ {
		c.CtlMineBlock()
	}
}

// CtlRollback discards the last mined block and its events.  Use this to
// replace a mined block to simulate reorgs.  The transactions it included
// are dropped.
func (c *Client) CtlRollback() {
	c.rw.Lock()
	defer c.rw.Unlock()

	if c.blockNum == 0 {
		panic("Can't rollback at blockNum = 0")
	}
	delete(c.blocks, c.blockNum+1)
	delete(c.blocks, c.blockNum)
	c.blockNum--
	c.blocks[c.blockNum+1] = c.currentBlock().Next()
}

// CtlAddPriorityOp adds a priority op to the next block, assigning its
// serial id, which is returned
func (c *Client) CtlAddPriorityOp(op common.PriorityOp) uint64 {
	c.rw.Lock()
	defer c.rw.Unlock()

	block := c.nextBlock()
	op.SerialID = block.Rollup.NextSerialID
	block.Rollup.NextSerialID++
	block.Rollup.Events.PriorityOps = append(block.Rollup.Events.PriorityOps, op)
	return op.SerialID
}

// CtlAddERC20 registers an ERC20 token in the next block and returns its
// token id
func (c *Client) CtlAddERC20(tokenAddr ethCommon.Address, constants eth.ERC20Consts) common.TokenID {
	c.rw.Lock()
	defer c.rw.Unlock()

	block := c.nextBlock()
	id := block.Rollup.NextTokenID
	block.Rollup.NextTokenID++
	block.Eth.Tokens[tokenAddr] = constants
	block.Rollup.Events.NewTokens = append(block.Rollup.Events.NewTokens, eth.RollupEventNewToken{
		Address: tokenAddr,
		TokenID: id,
	})
	return id
}

// CtlSetBaseFee sets the base fee returned by EthBaseFee
func (c *Client) CtlSetBaseFee(baseFee *big.Int) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.baseFee = new(big.Int).Set(baseFee)
}

// CtlFailNonce makes the transaction with the given nonce revert when mined
func (c *Client) CtlFailNonce(nonce uint64) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.failNonces[nonce] = true
}

// CtlSetSendError makes EthSendRawTransaction fail with err, nil restores it
func (c *Client) CtlSetSendError(err error) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.sendErr = err
}

// CtlPendingTxs returns the transactions waiting to be mined, by nonce
func (c *Client) CtlPendingTxs() []*types.Transaction {
	c.rw.RLock()
	defer c.rw.RUnlock()

	txs := make([]*types.Transaction, 0, len(c.pending))
	for _, tx := range c.pending {
		txs = append(txs, tx)
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].Nonce() < txs[j].Nonce() })
	return txs
}

// CtlMinedTxs returns the transactions mined in the canonical chain in
// nonce order
func (c *Client) CtlMinedTxs() []*types.Transaction {
	c.rw.RLock()
	defer c.rw.RUnlock()

	var txs []*types.Transaction
	for i := int64(0); i <= c.blockNum; i++ {
		for _, tx := range c.blocks[i].Rollup.Txs {
			txs = append(txs, tx)
		}
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].Nonce() < txs[j].Nonce() })
	return txs
}

//
// Ethereum
//

// EthChainID returns the ChainID of the ethereum network
func (c *Client) EthChainID() (*big.Int, error) {
	return c.chainID, nil
}

// EthAddress returns the ethereum address of the account loaded into the Client
func (c *Client) EthAddress() (*ethCommon.Address, error) {
	addr := c.addr
	return &addr, nil
}

// EthLastBlock returns the last blockNum
func (c *Client) EthLastBlock() (int64, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()

	if c.blockNum < c.maxBlockNum {
		panic("blockNum has decreased.  " +
			"After a rollback you must mine to reach the same or higher blockNum")
	}
	return c.blockNum, nil
}

// EthBlockByNumber returns the block for the given block number.  If number
// == -1, the latests known block is returned.
func (c *Client) EthBlockByNumber(ctx context.Context, blockNum int64) (*common.L1Block, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()

	if blockNum > c.blockNum {
		return nil, common.Wrap(ethereum.NotFound)
	}
	if blockNum == -1 {
		blockNum = c.blockNum
	}
	block, ok := c.blocks[blockNum]
	if !ok {
		return nil, common.Wrap(ethereum.NotFound)
	}
	return &common.L1Block{
		Num:        blockNum,
		Timestamp:  time.Unix(block.Eth.Time, 0),
		Hash:       block.Eth.Hash,
		ParentHash: block.Eth.ParentHash,
	}, nil
}

// EthTransactionReceipt returns the receipt of a mined transaction, nil if it
// is not mined
func (c *Client) EthTransactionReceipt(ctx context.Context,
	txHash ethCommon.Hash) (*types.Receipt, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()

	for i := int64(0); i <= c.blockNum; i++ {
		b := c.blocks[i]
		if _, ok := b.Rollup.Txs[txHash]; !ok {
			continue
		}
		status := types.ReceiptStatusSuccessful
		if b.Rollup.Failed[txHash] {
			status = types.ReceiptStatusFailed
		}
		return &types.Receipt{
			TxHash:            txHash,
			Status:            status,
			BlockHash:         b.Eth.Hash,
			BlockNumber:       big.NewInt(b.Eth.BlockNum),
			GasUsed:           gasUsed,
			EffectiveGasPrice: new(big.Int).Set(c.baseFee),
		}, nil
	}
	return nil, nil
}

// EthERC20Consts returns the constants defined for a particular ERC20 Token instance.
func (c *Client) EthERC20Consts(tokenAddr ethCommon.Address) (*eth.ERC20Consts, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()

	if constants, ok := c.currentBlock().Eth.Tokens[tokenAddr]; ok {
		return &constants, nil
	}
	return nil, common.Wrap(fmt.Errorf("tokenAddr not found"))
}

// EthNonceAt returns the nonce of the client account after the last mined
// block
func (c *Client) EthNonceAt(ctx context.Context, account ethCommon.Address,
	blockNumber *big.Int) (uint64, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return c.currentBlock().Eth.Nonce, nil
}

// EthBaseFee returns the base fee set with CtlSetBaseFee
func (c *Client) EthBaseFee(ctx context.Context) (*big.Int, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return new(big.Int).Set(c.baseFee), nil
}

// EthEstimateGas returns the gas used by every transaction
func (c *Client) EthEstimateGas(ctx context.Context, to ethCommon.Address,
	data []byte) (uint64, error) {
	return gasUsed, nil
}

// EthSignTx returns tx unchanged, the test chain does not check senders
func (c *Client) EthSignTx(tx *types.Transaction) (*types.Transaction, error) {
	return tx, nil
}

// EthSendRawTransaction adds tx to the pending pool.  A transaction with the
// same nonce replaces the pending one.
func (c *Client) EthSendRawTransaction(ctx context.Context, tx *types.Transaction) error {
	c.rw.Lock()
	defer c.rw.Unlock()

	if c.sendErr != nil {
		return c.sendErr
	}
	if tx.Nonce() < c.currentBlock().Eth.Nonce {
		return common.Wrap(fmt.Errorf("nonce too low"))
	}
	c.pending[tx.Nonce()] = tx
	c.Debugw("TestClient tx received", "nonce", tx.Nonce(), "hash", tx.Hash())
	return nil
}

//
// Rollup
//

// RollupAddress returns the address of the rollup contract
func (c *Client) RollupAddress() ethCommon.Address {
	return c.rollupAddr
}

// RollupTotals returns the rollup block counters at the last mined block
func (c *Client) RollupTotals() (*eth.RollupTotals, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	totals := c.currentBlock().Rollup.Totals
	return &totals, nil
}

// RollupEventsByRange returns the events of the mined blocks in [from, to]
func (c *Client) RollupEventsByRange(ctx context.Context, from, to int64) (*eth.RollupEvents, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()

	events := eth.NewRollupEvents()
	for i := from; i <= to && i <= c.blockNum; i++ {
		b := c.blocks[i].Rollup.Events
		events.PriorityOps = append(events.PriorityOps, b.PriorityOps...)
		events.NewTokens = append(events.NewTokens, b.NewTokens...)
		for num, hash := range b.BlockHashes {
			events.BlockHashes[num] = hash
		}
	}
	return &events, nil
}

// RollupCommitBlocksData returns the commitBlocks calldata
func (c *Client) RollupCommitBlocksData(last common.StoredBlockInfo,
	blocks []*common.Block) ([]byte, error) {
	return c.calldata.RollupCommitBlocksData(last, blocks)
}

// RollupProveBlocksData returns the proveBlocks calldata
func (c *Client) RollupProveBlocksData(committed []common.StoredBlockInfo,
	proof *common.ProofInput) ([]byte, error) {
	return c.calldata.RollupProveBlocksData(committed, proof)
}

// RollupExecuteBlocksData returns the executeBlocks calldata
func (c *Client) RollupExecuteBlocksData(blocks []*common.Block) ([]byte, error) {
	return c.calldata.RollupExecuteBlocksData(blocks)
}

var _ eth.ClientInterface = (*Client)(nil)
