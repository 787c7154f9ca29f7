/*
Package statekeeper executes priority operations and transactions into
fixed-size blocks.

The StateKeeper owns the StateDB.  On every miniblock iteration it first
executes the queued priority operations, then asks the mempool for a batch of
transactions that fits in the remaining chunks of the pending block.  A block
is sealed when the next operation would not fit in the largest allowed size,
when the iteration cap is reached, or when SealBlock is called.  Sealed blocks
are sent to the committer as CommitRequests.
*/
package statekeeper

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"zkrollup-operator/common"
	"zkrollup-operator/database/statedb"
	"zkrollup-operator/log"
	"zkrollup-operator/metric"
	"zkrollup-operator/txprocessor"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
)

// DefaultBlockChunkSizes are the block sizes supported by the default
// verifier keys
var DefaultBlockChunkSizes = []int{10, 32, 72, 156, 322}

// Proposer hands out transactions to be executed, starting each sender at
// its nonce in accounts.  Implemented by the mempool.
type Proposer interface {
	ProposeBlock(ctx context.Context, maxChunks int, accounts statedb.AccountGetter) ([]*common.Tx, error)
	Remove(ctx context.Context, hashes []ethCommon.Hash) error
	Return(ctx context.Context, hashes []ethCommon.Hash) error
}

// Store is the committed history the StateKeeper restores from
type Store interface {
	LoadLastCommittedBlock() (*common.Block, error)
	LoadCommittedState(at common.BlockNumber) (map[common.AccountID]*common.Account, error)
	GetUnprocessedPriorityOps(from uint64) ([]common.PriorityOp, error)
}

// Config of the StateKeeper
type Config struct {
	FeeAccountAddress ethCommon.Address
	// BlockChunkSizes are the allowed block sizes, ascending
	BlockChunkSizes []int
	// MaxMiniblockIterations is the number of iterations after which a non
	// empty block is sealed
	MaxMiniblockIterations int
	// FastMiniblockIterations replaces MaxMiniblockIterations for blocks
	// containing a fast withdrawal
	FastMiniblockIterations int
	MiniblockInterval       time.Duration
	ContractVersion         common.ContractVersion
	MaxProcessableToken     common.TokenID
	// CommitQueueLen is the capacity of the CommitRequest channel
	CommitQueueLen int
}

type pendingBlock struct {
	usedChunks             int
	executedOps            []*common.ExecutedOperation
	accountUpdates         []common.AccountUpdate
	collectedFees          common.CollectedFees
	fastProcessingRequired bool
	firstPriorityOp        uint64
	nextPriorityOp         uint64
	iterations             int
	oldRoot                *big.Int
}

func newPendingBlock(nextPriorityOp uint64, root *big.Int) *pendingBlock {
	return &pendingBlock{
		collectedFees:   make(common.CollectedFees),
		firstPriorityOp: nextPriorityOp,
		nextPriorityOp:  nextPriorityOp,
		oldRoot:         root,
	}
}

func (p *pendingBlock) empty() bool { return len(p.executedOps) == 0 }

// StateKeeper builds blocks out of priority ops and mempool txs
type StateKeeper struct {
	cfg      Config
	layout   *common.ChunkLayout
	sdb      *statedb.StateDB
	tp       *txprocessor.TxProcessor
	store    Store
	proposer Proposer
	clock    clockwork.Clock

	priorityOps <-chan []common.PriorityOp
	health      <-chan bool
	sealCh      chan chan error
	commitCh    chan common.CommitRequest

	pending   *pendingBlock
	nextBlock common.BlockNumber
	// queued priority ops, starting at pending.nextPriorityOp
	queued    []common.PriorityOp
	l1Healthy bool
}

// NewStateKeeper creates a StateKeeper and restores the StateDB to the last
// committed block.  priorityOps and health are the outputs of the watcher.
func NewStateKeeper(cfg Config, sdb *statedb.StateDB, store Store, proposer Proposer,
	priorityOps <-chan []common.PriorityOp, health <-chan bool,
	clock clockwork.Clock) (*StateKeeper, error) {
	if len(cfg.BlockChunkSizes) == 0 {
		cfg.BlockChunkSizes = DefaultBlockChunkSizes
	}
	sizes := append([]int(nil), cfg.BlockChunkSizes...)
	sort.Ints(sizes)
	cfg.BlockChunkSizes = sizes
	if cfg.ContractVersion == 0 {
		cfg.ContractVersion = common.ContractV1
	}
	layout, err := common.ChunkLayoutFor(cfg.ContractVersion)
	if err != nil {
		return nil, common.Wrap(err)
	}
	for _, t := range []common.OpType{common.OpTypeDeposit, common.OpTypeFullExit,
		common.OpTypeTransferToNew, common.OpTypeWithdraw, common.OpTypeTransfer,
		common.OpTypeChangePubKey} {
		if layout.Chunks(t) > sizes[len(sizes)-1] {
			return nil, common.Wrap(fmt.Errorf("largest block size %d can't fit a %s op",
				sizes[len(sizes)-1], t))
		}
	}
	if cfg.MaxMiniblockIterations <= 0 {
		cfg.MaxMiniblockIterations = 10 //nolint:gomnd
	}
	if cfg.FastMiniblockIterations <= 0 {
		cfg.FastMiniblockIterations = cfg.MaxMiniblockIterations
	}
	if cfg.MiniblockInterval <= 0 {
		cfg.MiniblockInterval = 200 * time.Millisecond //nolint:gomnd
	}
	if cfg.CommitQueueLen <= 0 {
		cfg.CommitQueueLen = 16 //nolint:gomnd
	}
	sk := &StateKeeper{
		cfg:    cfg,
		layout: layout,
		sdb:    sdb,
		tp: txprocessor.NewTxProcessor(sdb, txprocessor.Config{
			Layout:              layout,
			MaxProcessableToken: cfg.MaxProcessableToken,
		}),
		store:       store,
		proposer:    proposer,
		clock:       clock,
		priorityOps: priorityOps,
		health:      health,
		sealCh:      make(chan chan error),
		commitCh:    make(chan common.CommitRequest, cfg.CommitQueueLen),
		l1Healthy:   true,
	}
	if err := sk.restore(); err != nil {
		return nil, err
	}
	return sk, nil
}

// CommitRequests returns the channel of sealed blocks
func (sk *StateKeeper) CommitRequests() <-chan common.CommitRequest {
	return sk.commitCh
}

// NextBlock returns the number of the block being built
func (sk *StateKeeper) NextBlock() common.BlockNumber {
	return sk.nextBlock
}

func (sk *StateKeeper) maxChunks() int {
	return sk.cfg.BlockChunkSizes[len(sk.cfg.BlockChunkSizes)-1]
}

// blockSize returns the smallest allowed size that fits used chunks
func (sk *StateKeeper) blockSize(used int) int {
	for _, s := range sk.cfg.BlockChunkSizes {
		if s >= used {
			return s
		}
	}
	return sk.maxChunks()
}

// restore resets the StateDB to the last committed block and loads the
// priority ops that are not part of any block yet
func (sk *StateKeeper) restore() error {
	last, err := sk.store.LoadLastCommittedBlock()
	if err != nil {
		return common.Wrap(err)
	}
	if last == nil {
		last = &common.Block{Number: 0}
	}
	exists, err := sk.sdb.CheckpointExists(last.Number)
	if err != nil {
		return common.Wrap(err)
	}
	if exists || last.Number == 0 {
		if err := sk.sdb.Reset(last.Number); err != nil {
			return common.Wrap(err)
		}
	} else {
		accounts, err := sk.store.LoadCommittedState(last.Number)
		if err != nil {
			return common.Wrap(err)
		}
		if err := sk.sdb.Rebuild(last.Number, accounts); err != nil {
			return common.Wrap(err)
		}
	}
	root := sk.sdb.Root()
	if last.NewStateRoot != nil && root.Cmp(last.NewStateRoot) != 0 {
		return common.NewFatal(fmt.Errorf("%w: block %d stores %s, state has %s",
			common.ErrStateRootMismatch, last.Number, last.NewStateRoot, root))
	}
	ops, err := sk.store.GetUnprocessedPriorityOps(last.LastPriorityOp)
	if err != nil {
		return common.Wrap(err)
	}
	sk.nextBlock = last.Number + 1
	sk.pending = newPendingBlock(last.LastPriorityOp, root)
	sk.queued = nil
	if err := sk.enqueue(ops); err != nil {
		return err
	}
	log.Infow("StateKeeper: restored", "block", last.Number,
		"root", root.String(), "queuedPriorityOps", len(sk.queued))
	return nil
}

// nextQueueSerial is the serial id the next incoming priority op must have
func (sk *StateKeeper) nextQueueSerial() uint64 {
	return sk.pending.nextPriorityOp + uint64(len(sk.queued))
}

// enqueue appends ops to the queue, skipping the ones already seen.  A gap is
// filled from the store.
func (sk *StateKeeper) enqueue(ops []common.PriorityOp) error {
	for i := range ops {
		next := sk.nextQueueSerial()
		switch {
		case ops[i].SerialID < next:
			continue
		case ops[i].SerialID > next:
			missing, err := sk.store.GetUnprocessedPriorityOps(next)
			if err != nil {
				return common.Wrap(err)
			}
			for j := range missing {
				if missing[j].SerialID == sk.nextQueueSerial() {
					sk.queued = append(sk.queued, missing[j])
				}
			}
			if ops[i].SerialID != sk.nextQueueSerial() {
				if ops[i].SerialID < sk.nextQueueSerial() {
					continue
				}
				return common.NewFatal(fmt.Errorf("%w: expected %d, got %d",
					common.ErrPriorityOpGap, sk.nextQueueSerial(), ops[i].SerialID))
			}
		}
		sk.queued = append(sk.queued, ops[i])
	}
	return nil
}

// Run executes miniblock iterations until ctx is done or a fatal error occurs
func (sk *StateKeeper) Run(ctx context.Context) error {
	ticker := sk.clock.NewTicker(sk.cfg.MiniblockInterval)
	defer ticker.Stop()
	for {
		var err error
		select {
		case <-ctx.Done():
			log.Info("StateKeeper: done")
			return nil
		case ops := <-sk.priorityOps:
			err = sk.enqueue(ops)
		case healthy := <-sk.health:
			if healthy != sk.l1Healthy {
				log.Infow("StateKeeper: L1 health changed", "healthy", healthy)
			}
			sk.l1Healthy = healthy
		case reply := <-sk.sealCh:
			err = sk.sealRequested(ctx)
			reply <- err
		case <-ticker.Chan():
			err = sk.iteration(ctx)
		}
		if err != nil {
			if common.IsFatal(err) {
				log.Errorw("StateKeeper: fatal error", "err", err)
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			log.Errorw("StateKeeper: iteration", "err", err)
		}
	}
}

// SealBlock executes an iteration and seals the pending block if it is not
// empty
func (sk *StateKeeper) SealBlock(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case sk.sealCh <- reply:
	case <-ctx.Done():
		return common.Wrap(common.ErrDone)
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return common.Wrap(common.ErrDone)
	}
}

func (sk *StateKeeper) sealRequested(ctx context.Context) error {
	if err := sk.execute(ctx); err != nil {
		return err
	}
	if sk.pending.empty() {
		return nil
	}
	return sk.seal(ctx)
}

// iteration is one miniblock iteration
func (sk *StateKeeper) iteration(ctx context.Context) error {
	if err := sk.execute(ctx); err != nil {
		return err
	}
	if sk.pending.empty() {
		sk.pending.iterations = 0
		return nil
	}
	sk.pending.iterations++
	limit := sk.cfg.MaxMiniblockIterations
	if sk.pending.fastProcessingRequired {
		limit = sk.cfg.FastMiniblockIterations
	}
	if sk.pending.iterations >= limit {
		return sk.seal(ctx)
	}
	return nil
}

// execute runs the queued priority ops and a batch of mempool txs into the
// pending block.  Nothing is executed while L1 is unhealthy.
func (sk *StateKeeper) execute(ctx context.Context) error {
	if !sk.l1Healthy {
		log.Debug("StateKeeper: L1 unhealthy, skipping iteration")
		return nil
	}
	if err := sk.executePriorityOps(ctx); err != nil {
		return err
	}
	return sk.executeTxs(ctx)
}

func (sk *StateKeeper) executePriorityOps(ctx context.Context) error {
	for len(sk.queued) > 0 {
		op := sk.queued[0]
		chunks := op.Chunks(sk.layout)
		if sk.pending.usedChunks+chunks > sk.maxChunks() {
			if err := sk.seal(ctx); err != nil {
				return err
			}
			continue
		}
		out, err := sk.tp.ExecutePriorityOp(&op)
		if err != nil {
			return common.Wrap(err)
		}
		sk.pending.usedChunks += chunks
		sk.pending.nextPriorityOp++
		sk.pending.accountUpdates = append(sk.pending.accountUpdates, out.Updates...)
		sk.pending.executedOps = append(sk.pending.executedOps, &common.ExecutedOperation{
			PriorityOp: &op,
			Op:         out.Op,
			Success:    true,
		})
		sk.queued = sk.queued[1:]
		metric.ExecutedOps.WithLabelValues(out.Op.Type.String(), "true").Inc()
	}
	return nil
}

func txHashes(txs []*common.Tx) ([]ethCommon.Hash, error) {
	hashes := make([]ethCommon.Hash, len(txs))
	for i, tx := range txs {
		h, err := tx.Hash()
		if err != nil {
			return nil, common.Wrap(err)
		}
		hashes[i] = h
	}
	return hashes, nil
}

func (sk *StateKeeper) executeTxs(ctx context.Context) error {
	free := sk.maxChunks() - sk.pending.usedChunks
	if free <= 0 {
		return nil
	}
	txs, err := sk.proposer.ProposeBlock(ctx, free, sk.sdb)
	if err != nil {
		return common.Wrap(err)
	}
	if len(txs) == 0 {
		return nil
	}
	hashes, err := txHashes(txs)
	if err != nil {
		return err
	}
	var executed, returned []ethCommon.Hash
	full := false
	for i, tx := range txs {
		ahead, err := sk.nonceAhead(tx)
		if err != nil {
			return err
		}
		if ahead {
			// an earlier tx of the sender failed, keep it for later
			returned = append(returned, hashes[i])
			continue
		}
		opType, err := sk.tp.TxOpType(tx)
		if err != nil && !common.IsValidationError(err) {
			return err
		}
		if err == nil && sk.pending.usedChunks+sk.layout.Chunks(opType) > sk.maxChunks() {
			full = true
			returned = append(returned, hashes[i:]...)
			break
		}
		if err := sk.executeTx(tx); err != nil {
			return err
		}
		executed = append(executed, hashes[i])
	}
	if err := sk.proposer.Remove(ctx, executed); err != nil {
		return common.Wrap(err)
	}
	if len(returned) > 0 {
		if err := sk.proposer.Return(ctx, returned); err != nil {
			return common.Wrap(err)
		}
	}
	if full {
		return sk.seal(ctx)
	}
	return nil
}

// nonceAhead reports whether the nonce of tx is above the nonce of its sender
// in the pending state.  Such a tx can be executed in a later block.
func (sk *StateKeeper) nonceAhead(tx *common.Tx) (bool, error) {
	acc, err := sk.sdb.GetAccount(tx.AccountID)
	if common.Unwrap(err) == statedb.ErrAccountNotFound {
		return false, nil
	} else if err != nil {
		return false, common.Wrap(err)
	}
	return tx.Nonce > acc.Nonce, nil
}

// executeTx applies tx to the pending block.  Txs that fail validation are
// included as failed operations.
func (sk *StateKeeper) executeTx(tx *common.Tx) error {
	out, err := sk.tp.ExecuteTx(tx)
	if err != nil {
		if !common.IsValidationError(err) {
			return err
		}
		log.Debugw("StateKeeper: tx failed", "account", tx.AccountID, "nonce", tx.Nonce, "err", err)
		sk.pending.executedOps = append(sk.pending.executedOps, &common.ExecutedOperation{
			Tx:         tx,
			Success:    false,
			FailReason: common.Unwrap(err).Error(),
		})
		metric.ExecutedOps.WithLabelValues(string(tx.Type), "false").Inc()
		return nil
	}
	sk.pending.usedChunks += sk.layout.Chunks(out.Op.Type)
	sk.pending.accountUpdates = append(sk.pending.accountUpdates, out.Updates...)
	sk.pending.collectedFees.Add(out.FeeToken, out.Fee)
	if out.FastProcessing {
		sk.pending.fastProcessingRequired = true
	}
	sk.pending.executedOps = append(sk.pending.executedOps, &common.ExecutedOperation{
		Tx:      tx,
		Op:      out.Op,
		Success: true,
	})
	metric.ExecutedOps.WithLabelValues(out.Op.Type.String(), "true").Inc()
	return nil
}

// seal closes the pending block, checkpoints the state and sends the block to
// the committer
func (sk *StateKeeper) seal(ctx context.Context) error {
	p := sk.pending
	feeAccountID, feeUpdates, err := sk.tp.CollectFees(sk.cfg.FeeAccountAddress, p.collectedFees)
	if err != nil {
		return common.Wrap(err)
	}
	now := sk.clock.Now().UTC().Truncate(time.Second)
	block := &common.Block{
		Number:          sk.nextBlock,
		FeeAccountID:    feeAccountID,
		OldStateRoot:    p.oldRoot,
		NewStateRoot:    sk.sdb.Root(),
		BlockSize:       sk.blockSize(p.usedChunks),
		FirstPriorityOp: p.firstPriorityOp,
		LastPriorityOp:  p.nextPriorityOp,
		Timestamp:       now,
		ContractVersion: sk.cfg.ContractVersion,
		ExecutedOps:     p.executedOps,
	}
	for i, e := range block.ExecutedOps {
		e.BlockNumber = block.Number
		e.BlockIndex = uint32(i)
		e.CreatedAt = now
	}
	if err := sk.sdb.MakeCheckpoint(); err != nil {
		return common.Wrap(err)
	}
	req := common.CommitRequest{
		Block:          block,
		AccountUpdates: append(p.accountUpdates, feeUpdates...),
	}
	select {
	case sk.commitCh <- req:
	case <-ctx.Done():
		return common.Wrap(common.ErrDone)
	}
	log.Infow("StateKeeper: block sealed", "block", block.Number, "size", block.BlockSize,
		"usedChunks", p.usedChunks, "ops", len(block.ExecutedOps),
		"root", block.NewStateRoot.String())
	metric.BlocksSealed.Inc()
	metric.LastSealedBlock.Set(float64(block.Number))
	metric.BlockChunks.Observe(float64(p.usedChunks))

	sk.nextBlock++
	sk.pending = newPendingBlock(p.nextPriorityOp, block.NewStateRoot)
	return nil
}
