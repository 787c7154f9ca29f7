package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"zkrollup-operator/common"
	"zkrollup-operator/log"
	"zkrollup-operator/metric"

	"github.com/cenkalti/backoff/v4"
)

// CommitterStore persists sealed blocks, their proofs and the L1 operation
// log
type CommitterStore interface {
	SaveBlock(block *common.Block, updates []common.AccountUpdate) (*common.L1Operation, error)
	EnqueueL1Op(action common.L1Action, block common.BlockNumber) (*common.L1Operation, error)
	GetBlock(number common.BlockNumber) (*common.Block, error)
	StoreProof(number common.BlockNumber, proof []byte) error
	GetProof(number common.BlockNumber) ([]byte, error)
	GetLastL1OpBlock(action common.L1Action, confirmed bool) (common.BlockNumber, error)
	GetLastBlockNumber() (common.BlockNumber, error)
}

// BlockProver calculates the proof of a block
type BlockProver interface {
	Prove(ctx context.Context, block *common.Block) (*common.ProofInput, error)
}

// L1Sender sends L1 operations and reports the final ones
type L1Sender interface {
	Enqueue(ctx context.Context, op common.L1Operation) error
	Confirmed() <-chan common.L1Operation
}

// CommitterCfg is the configuration of the Committer
type CommitterCfg struct {
	// SaveRetryDelay is the first delay between attempts to store a block
	SaveRetryDelay time.Duration
	// SaveMaxElapsedTime bounds the attempts to store a block, after which
	// the error is fatal
	SaveMaxElapsedTime time.Duration
	// ProofRetryDelay is the first delay between attempts of a failed
	// proof job.  Proof jobs are retried until they succeed.
	ProofRetryDelay time.Duration
}

type proofResult struct {
	block common.BlockNumber
	proof *common.ProofInput
}

// Committer moves sealed blocks through the L1 pipeline: it stores each
// block and enqueues its Commit, starts the proof job once the Commit is
// final, enqueues the Verify when the proof is ready and the Execute once the
// Verify is final.  Verify and Execute are enqueued in block order.
type Committer struct {
	cfg      CommitterCfg
	store    CommitterStore
	prover   BlockProver
	sender   L1Sender
	requests <-chan common.CommitRequest

	lastSaved common.BlockNumber
	// proven holds the blocks with a stored proof whose Verify is not
	// enqueued yet
	proven  *SparseQueue[struct{}]
	proofCh chan proofResult
	wg      sync.WaitGroup
}

// NewCommitter creates a Committer that reads the sealed blocks from
// requests
func NewCommitter(cfg CommitterCfg, store CommitterStore, prover BlockProver, sender L1Sender,
	requests <-chan common.CommitRequest) (*Committer, error) {
	if cfg.SaveRetryDelay == 0 {
		cfg.SaveRetryDelay = 100 * time.Millisecond //nolint:gomnd
	}
	if cfg.SaveMaxElapsedTime == 0 {
		cfg.SaveMaxElapsedTime = time.Minute
	}
	if cfg.ProofRetryDelay == 0 {
		cfg.ProofRetryDelay = time.Second
	}
	lastSaved, err := store.GetLastBlockNumber()
	if err != nil {
		return nil, common.Wrap(err)
	}
	lastVerify, err := store.GetLastL1OpBlock(common.L1ActionVerify, false)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &Committer{
		cfg:       cfg,
		store:     store,
		prover:    prover,
		sender:    sender,
		requests:  requests,
		lastSaved: lastSaved,
		proven:    NewSparseQueue[struct{}](lastVerify + 1),
		proofCh:   make(chan proofResult),
	}, nil
}

// LastSaved returns the last stored block
func (c *Committer) LastSaved() common.BlockNumber {
	return c.lastSaved
}

// restore resumes the work interrupted by a restart: proof jobs of the
// blocks with a final Commit and no Verify, and the Execute of the blocks
// with a final Verify
func (c *Committer) restore(ctx context.Context) error {
	lastCommitted, err := c.store.GetLastL1OpBlock(common.L1ActionCommit, true)
	if err != nil {
		return common.Wrap(err)
	}
	for n := c.proven.Next(); n <= lastCommitted; n++ {
		proof, err := c.store.GetProof(n)
		if err != nil {
			return common.Wrap(err)
		}
		if proof != nil {
			c.proven.Insert(n, struct{}{})
			continue
		}
		if err := c.startProof(ctx, n); err != nil {
			return err
		}
	}
	if err := c.enqueueVerifies(ctx); err != nil {
		return err
	}

	lastVerified, err := c.store.GetLastL1OpBlock(common.L1ActionVerify, true)
	if err != nil {
		return common.Wrap(err)
	}
	lastExecute, err := c.store.GetLastL1OpBlock(common.L1ActionExecute, false)
	if err != nil {
		return common.Wrap(err)
	}
	for n := lastExecute + 1; n <= lastVerified; n++ {
		if err := c.enqueue(ctx, common.L1ActionExecute, n); err != nil {
			return err
		}
	}
	metric.LastCommittedBlock.Set(float64(c.lastSaved))
	metric.LastVerifiedBlock.Set(float64(lastVerified))
	log.Infow("Committer: restored", "lastSaved", c.lastSaved, "lastCommitted", lastCommitted,
		"lastVerified", lastVerified, "nextVerify", c.proven.Next())
	return nil
}

// Run processes commit requests, L1 confirmations and proofs until ctx is
// done.  Errors that break the block order are fatal and returned.
func (c *Committer) Run(ctx context.Context) error {
	defer c.wg.Wait()
	if err := c.restore(ctx); err != nil {
		return err
	}
	for {
		var err error
		select {
		case <-ctx.Done():
			log.Info("Committer done")
			return nil
		case req := <-c.requests:
			err = c.commit(ctx, req)
		case op := <-c.sender.Confirmed():
			err = c.confirmed(ctx, op)
		case res := <-c.proofCh:
			err = c.proved(ctx, res)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *Committer) commit(ctx context.Context, req common.CommitRequest) error {
	block := req.Block
	if block.Number != c.lastSaved+1 {
		return common.NewFatal(fmt.Errorf("%w: block %d after block %d",
			common.ErrBlockGap, block.Number, c.lastSaved))
	}
	var op *common.L1Operation
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.SaveRetryDelay
	b.MaxElapsedTime = c.cfg.SaveMaxElapsedTime
	if err := backoff.RetryNotify(func() error {
		var err error
		op, err = c.store.SaveBlock(block, req.AccountUpdates)
		if common.IsFatal(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		log.Warnw("Committer: retrying SaveBlock", "block", block.Number, "err", err, "in", d)
	}); err != nil {
		if common.IsFatal(err) || ctx.Err() != nil {
			return err
		}
		return common.NewFatal(err)
	}
	c.lastSaved = block.Number
	metric.LastCommittedBlock.Set(float64(block.Number))
	log.Infow("Committer: block saved", "block", block.Number, "ops", len(block.ExecutedOps),
		"size", block.BlockSize)
	return c.sender.Enqueue(ctx, *op)
}

func (c *Committer) confirmed(ctx context.Context, op common.L1Operation) error {
	switch op.Action {
	case common.L1ActionCommit:
		return c.startProof(ctx, op.BlockNumber)
	case common.L1ActionVerify:
		metric.LastVerifiedBlock.Set(float64(op.BlockNumber))
		return c.enqueue(ctx, common.L1ActionExecute, op.BlockNumber)
	case common.L1ActionExecute:
		metric.LastExecutedBlock.Set(float64(op.BlockNumber))
		log.Infow("Committer: block executed", "block", op.BlockNumber)
	}
	return nil
}

// startProof runs the proof job of block in the background, retrying until
// it succeeds or ctx is done
func (c *Committer) startProof(ctx context.Context, number common.BlockNumber) error {
	block, err := c.store.GetBlock(number)
	if err != nil {
		return common.Wrap(err)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = c.cfg.ProofRetryDelay
		b.MaxElapsedTime = 0
		var proof *common.ProofInput
		if err := backoff.RetryNotify(func() error {
			var err error
			proof, err = c.prover.Prove(ctx, block)
			return err
		}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
			log.Warnw("Committer: retrying proof", "block", number, "err", err, "in", d)
		}); err != nil {
			return
		}
		select {
		case c.proofCh <- proofResult{block: number, proof: proof}:
		case <-ctx.Done():
		}
	}()
	return nil
}

func (c *Committer) proved(ctx context.Context, res proofResult) error {
	raw, err := res.proof.Bytes()
	if err != nil {
		return common.Wrap(err)
	}
	if err := c.store.StoreProof(res.block, raw); err != nil {
		return common.Wrap(err)
	}
	c.proven.Insert(res.block, struct{}{})
	return c.enqueueVerifies(ctx)
}

func (c *Committer) enqueueVerifies(ctx context.Context) error {
	for {
		next := c.proven.Next()
		if _, ok := c.proven.Pop(); !ok {
			return nil
		}
		if err := c.enqueue(ctx, common.L1ActionVerify, next); err != nil {
			return err
		}
	}
}

func (c *Committer) enqueue(ctx context.Context, action common.L1Action, block common.BlockNumber) error {
	op, err := c.store.EnqueueL1Op(action, block)
	if err != nil {
		return common.Wrap(err)
	}
	log.Debugw("Committer: L1 operation enqueued", "action", action, "block", block)
	return c.sender.Enqueue(ctx, *op)
}
