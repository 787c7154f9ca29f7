package coordinator

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"zkrollup-operator/common"
	"zkrollup-operator/eth"
	"zkrollup-operator/etherscan"
	"zkrollup-operator/log"
	"zkrollup-operator/metric"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jonboulle/clockwork"
)

// TxManagerStore is the persistent log of L1 operations used by the
// TxManager.  Every attempt is recorded before it is sent so that a restart
// never reuses a nonce for a different operation.
type TxManagerStore interface {
	LoadPendingL1Ops() ([]common.PendingL1Operation, error)
	GetLastL1OpBlock(action common.L1Action, confirmed bool) (common.BlockNumber, error)
	RecordL1TxAttempt(attempt *common.L1TxAttempt) error
	MarkL1TxConfirmed(opID int64, finalHash ethCommon.Hash) error
	GetNextL1Nonce() (*uint64, error)
	GetBlock(number common.BlockNumber) (*common.Block, error)
	GetProof(number common.BlockNumber) ([]byte, error)
}

// TxManagerCfg is the configuration of the TxManager
type TxManagerCfg struct {
	// WaitConfirmations is the number of blocks including the one that
	// mined a transaction after which it is final
	WaitConfirmations int64
	// GasPriceFactor multiplies the L1 base fee when no gas oracle is set
	GasPriceFactor float64
	// GasPriceBumpFactor multiplies the gas price of a replacement
	GasPriceBumpFactor float64
	// MaxGasPrice in wei
	MaxGasPrice *big.Int
	// StuckBlocks is the number of L1 blocks after which an unmined
	// attempt is replaced
	StuckBlocks   int64
	CheckInterval time.Duration
	// MaxInflight is the maximum number of unconfirmed operations with a
	// sent transaction
	MaxInflight int
	// GasLimitMargin multiplies the estimated gas
	GasLimitMargin float64
	// GasLimit is used when the estimation fails
	GasLimit uint64
	// GasSpeed selects the gas oracle price
	GasSpeed etherscan.GasSpeed
}

// monitoredOp is an operation with at least one sent attempt
type monitoredOp struct {
	op       common.L1Operation
	attempts []common.L1TxAttempt
}

func (m *monitoredOp) last() *common.L1TxAttempt {
	return &m.attempts[len(m.attempts)-1]
}

// TxManager sends the L1 operations to the rollup contract, one nonce per
// operation, and follows them until they are final.  Operations of an action
// are sent in block order.  Unmined transactions are replaced with a higher
// gas price and failed ones stop the node.
type TxManager struct {
	cfg       TxManagerCfg
	ethClient eth.ClientInterface
	store     TxManagerStore
	gasOracle etherscan.Client
	clock     clockwork.Clock
	account   ethCommon.Address

	queues    map[common.L1Action]*SparseQueue[common.L1Operation]
	monitored []*monitoredOp
	nextNonce uint64

	inCh      chan common.L1Operation
	confirmCh chan common.L1Operation
	outbox    []common.L1Operation
}

// NewTxManager creates a TxManager and restores its state from the store.
// gasOracle can be nil, then the gas price follows the L1 base fee.
func NewTxManager(ctx context.Context, cfg TxManagerCfg, ethClient eth.ClientInterface,
	store TxManagerStore, gasOracle etherscan.Client, clock clockwork.Clock) (*TxManager, error) {
	account, err := ethClient.EthAddress()
	if err != nil {
		return nil, common.Wrap(err)
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 1
	}
	if cfg.GasLimitMargin < 1 {
		cfg.GasLimitMargin = 1
	}
	if cfg.GasPriceBumpFactor <= 1 {
		cfg.GasPriceBumpFactor = 1.1 //nolint:gomnd
	}
	t := TxManager{
		cfg:       cfg,
		ethClient: ethClient,
		store:     store,
		gasOracle: gasOracle,
		clock:     clock,
		account:   *account,
		queues:    make(map[common.L1Action]*SparseQueue[common.L1Operation]),
		inCh:      make(chan common.L1Operation, cfg.MaxInflight),
		confirmCh: make(chan common.L1Operation),
	}
	if err := t.restore(ctx); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *TxManager) restore(ctx context.Context) error {
	pending, err := t.store.LoadPendingL1Ops()
	if err != nil {
		return common.Wrap(err)
	}
	unsent := make(map[common.L1Action][]common.L1Operation)
	for _, p := range pending {
		if len(p.Attempts) > 0 {
			t.monitored = append(t.monitored, &monitoredOp{op: p.Op, attempts: p.Attempts})
		} else {
			unsent[p.Op.Action] = append(unsent[p.Op.Action], p.Op)
		}
	}
	sort.Slice(t.monitored, func(i, j int) bool {
		return t.monitored[i].attempts[0].Nonce < t.monitored[j].attempts[0].Nonce
	})
	for _, action := range common.L1Actions {
		var next common.BlockNumber
		if ops := unsent[action]; len(ops) > 0 {
			next = ops[0].BlockNumber
		} else {
			last, err := t.store.GetLastL1OpBlock(action, false)
			if err != nil {
				return common.Wrap(err)
			}
			next = last + 1
		}
		q := NewSparseQueue[common.L1Operation](next)
		for _, op := range unsent[action] {
			q.Insert(op.BlockNumber, op)
		}
		t.queues[action] = q
	}

	nonce, err := t.store.GetNextL1Nonce()
	if err != nil {
		return common.Wrap(err)
	}
	if nonce != nil {
		t.nextNonce = *nonce
	} else {
		n, err := t.ethClient.EthNonceAt(ctx, t.account, nil)
		if err != nil {
			return common.Wrap(err)
		}
		t.nextNonce = n
	}
	log.Infow("TxManager: restored", "inflight", len(t.monitored), "nextNonce", t.nextNonce,
		"nextCommit", t.queues[common.L1ActionCommit].Next(),
		"nextVerify", t.queues[common.L1ActionVerify].Next(),
		"nextExecute", t.queues[common.L1ActionExecute].Next())
	return nil
}

// Enqueue hands an operation stored in the L1 operation log to the
// TxManager
func (t *TxManager) Enqueue(ctx context.Context, op common.L1Operation) error {
	select {
	case t.inCh <- op:
		return nil
	case <-ctx.Done():
		return common.Wrap(common.ErrDone)
	}
}

// Confirmed returns the channel where operations are delivered once final,
// in the order they were confirmed
func (t *TxManager) Confirmed() <-chan common.L1Operation {
	return t.confirmCh
}

// Inflight returns the number of operations with a sent, unconfirmed
// transaction
func (t *TxManager) Inflight() int {
	return len(t.monitored)
}

// Run monitors and sends transactions until ctx is done.  It returns a fatal
// error when a transaction fails on L1.
func (t *TxManager) Run(ctx context.Context) error {
	ticker := t.clock.NewTicker(t.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		var out chan common.L1Operation
		var first common.L1Operation
		if len(t.outbox) > 0 {
			out = t.confirmCh
			first = t.outbox[0]
		}
		select {
		case <-ctx.Done():
			log.Info("TxManager done")
			return nil
		case op := <-t.inCh:
			t.add(op)
		case out <- first:
			t.outbox = t.outbox[1:]
		case <-ticker.Chan():
			if err := t.Check(ctx); err != nil {
				if common.IsFatal(err) {
					return err
				}
				if ctx.Err() != nil {
					continue
				}
				log.Errorw("TxManager: check", "err", err)
			}
		}
	}
}

func (t *TxManager) add(op common.L1Operation) {
	for _, m := range t.monitored {
		if m.op.ID == op.ID {
			return
		}
	}
	if !t.queues[op.Action].Insert(op.BlockNumber, op) {
		log.Debugw("TxManager: operation already sent", "action", op.Action, "block", op.BlockNumber)
	}
}

// Check runs one monitoring round: confirms or replaces the sent
// transactions and then sends the queued operations that fit
func (t *TxManager) Check(ctx context.Context) error {
drain:
	for {
		select {
		case op := <-t.inCh:
			t.add(op)
		default:
			break drain
		}
	}
	head, err := t.ethClient.EthLastBlock()
	if err != nil {
		return common.Wrap(err)
	}
	if err := t.monitor(ctx, head); err != nil {
		return err
	}
	return t.sendQueued(ctx, head)
}

func (t *TxManager) monitor(ctx context.Context, head int64) error {
	remaining := t.monitored[:0]
	for i, m := range t.monitored {
		done, err := t.checkOp(ctx, m, head)
		if err != nil {
			remaining = append(remaining, t.monitored[i:]...)
			t.monitored = remaining
			return err
		}
		if !done {
			remaining = append(remaining, m)
		}
	}
	t.monitored = remaining
	return nil
}

// checkOp returns true when the operation is final
func (t *TxManager) checkOp(ctx context.Context, m *monitoredOp, head int64) (bool, error) {
	var receipt *types.Receipt
	for i := len(m.attempts) - 1; i >= 0; i-- {
		r, err := t.ethClient.EthTransactionReceipt(ctx, m.attempts[i].TxHash)
		if err != nil {
			return false, common.Wrap(err)
		}
		if r != nil {
			receipt = r
			break
		}
	}
	if receipt == nil {
		if head >= m.last().DeadlineBlock {
			return false, t.replace(ctx, m, head)
		}
		return false, nil
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return false, common.NewFatal(fmt.Errorf("%w: %s of block %d in tx %s",
			common.ErrL1TxFailed, m.op.Action, m.op.BlockNumber, receipt.TxHash.Hex()))
	}
	confirmations := head - receipt.BlockNumber.Int64() + 1
	if confirmations < t.cfg.WaitConfirmations {
		return false, nil
	}
	if err := t.store.MarkL1TxConfirmed(m.op.ID, receipt.TxHash); err != nil {
		return false, common.Wrap(err)
	}
	op := m.op
	op.Confirmed = true
	hash := receipt.TxHash
	op.FinalHash = &hash
	t.outbox = append(t.outbox, op)
	metric.L1TxConfirmed.WithLabelValues(string(op.Action)).Inc()
	log.Infow("TxManager: L1 operation confirmed", "action", op.Action,
		"block", op.BlockNumber, "tx", hash.Hex(), "attempts", len(m.attempts))
	return true, nil
}

func (t *TxManager) sendQueued(ctx context.Context, head int64) error {
	for _, action := range common.L1Actions {
		q := t.queues[action]
		for len(t.monitored) < t.cfg.MaxInflight {
			op, ok := q.Peek()
			if !ok {
				break
			}
			if err := t.sendNew(ctx, op, head); err != nil {
				return err
			}
			q.Pop()
		}
	}
	return nil
}

func (t *TxManager) sendNew(ctx context.Context, op common.L1Operation, head int64) error {
	data, err := t.calldata(op)
	if err != nil {
		return err
	}
	to := t.ethClient.RollupAddress()
	gasLimit, err := t.ethClient.EthEstimateGas(ctx, to, data)
	if err != nil {
		log.Warnw("TxManager: gas estimation failed, using the configured limit",
			"action", op.Action, "block", op.BlockNumber, "err", err)
		gasLimit = t.cfg.GasLimit
	} else {
		gasLimit = uint64(float64(gasLimit) * t.cfg.GasLimitMargin)
	}
	gasPrice, err := t.gasPrice(ctx)
	if err != nil {
		return err
	}
	m := &monitoredOp{op: op}
	if err := t.send(ctx, m, t.nextNonce, gasPrice, gasLimit, data, head); err != nil {
		return err
	}
	t.nextNonce++
	t.monitored = append(t.monitored, m)
	metric.L1TxSent.WithLabelValues(string(op.Action), "new").Inc()
	return nil
}

// replace sends the stuck operation again with the same nonce and a bumped
// gas price
func (t *TxManager) replace(ctx context.Context, m *monitoredOp, head int64) error {
	last := m.last()
	var prev types.Transaction
	if err := prev.UnmarshalBinary(last.RawTx); err != nil {
		return common.Wrap(err)
	}
	bumped := mulFloat(last.GasPrice, t.cfg.GasPriceBumpFactor)
	current, err := t.gasPrice(ctx)
	if err != nil {
		return err
	}
	if current.Cmp(bumped) > 0 {
		bumped = current
	}
	bumped = t.capGasPrice(bumped)
	if bumped.Cmp(last.GasPrice) <= 0 {
		log.Warnw("TxManager: gas price at its maximum, rebroadcasting",
			"action", m.op.Action, "block", m.op.BlockNumber, "gasPrice", last.GasPrice)
		last.DeadlineBlock = head + t.cfg.StuckBlocks
		if err := t.ethClient.EthSendRawTransaction(ctx, &prev); err != nil {
			log.Warnw("TxManager: rebroadcast", "tx", last.TxHash.Hex(), "err", err)
		}
		return nil
	}
	if err := t.send(ctx, m, last.Nonce, bumped, last.GasLimit, prev.Data(), head); err != nil {
		return err
	}
	metric.L1TxSent.WithLabelValues(string(m.op.Action), "replacement").Inc()
	log.Infow("TxManager: replaced stuck transaction", "action", m.op.Action,
		"block", m.op.BlockNumber, "nonce", last.Nonce, "gasPrice", bumped)
	return nil
}

// send signs a transaction, records the attempt and sends it.  A send error
// after the attempt was recorded is only logged, the attempt will be replaced
// after its deadline.
func (t *TxManager) send(ctx context.Context, m *monitoredOp, nonce uint64, gasPrice *big.Int,
	gasLimit uint64, data []byte, head int64) error {
	to := t.ethClient.RollupAddress()
	tx, err := t.ethClient.EthSignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	}))
	if err != nil {
		return common.Wrap(err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return common.Wrap(err)
	}
	attempt := common.L1TxAttempt{
		OpID:          m.op.ID,
		Nonce:         nonce,
		GasPrice:      gasPrice,
		GasLimit:      gasLimit,
		RawTx:         raw,
		TxHash:        tx.Hash(),
		DeadlineBlock: head + t.cfg.StuckBlocks,
		CreatedAt:     t.clock.Now().UTC(),
	}
	if err := t.store.RecordL1TxAttempt(&attempt); err != nil {
		return common.Wrap(err)
	}
	m.attempts = append(m.attempts, attempt)
	if err := t.ethClient.EthSendRawTransaction(ctx, tx); err != nil {
		log.Warnw("TxManager: send", "action", m.op.Action, "block", m.op.BlockNumber,
			"nonce", nonce, "err", err)
		return nil
	}
	log.Debugw("TxManager: tx sent", "action", m.op.Action, "block", m.op.BlockNumber,
		"nonce", nonce, "gasPrice", gasPrice, "tx", tx.Hash().Hex())
	return nil
}

// calldata builds the contract call of op from the stored block and proof
func (t *TxManager) calldata(op common.L1Operation) ([]byte, error) {
	block, err := t.store.GetBlock(op.BlockNumber)
	if err != nil {
		return nil, common.Wrap(err)
	}
	switch op.Action {
	case common.L1ActionCommit:
		var last common.StoredBlockInfo
		if op.BlockNumber <= 1 {
			last = common.GenesisStoredBlockInfo(block.OldStateRoot)
		} else {
			prev, err := t.store.GetBlock(op.BlockNumber - 1)
			if err != nil {
				return nil, common.Wrap(err)
			}
			if last, err = prev.StoredInfo(); err != nil {
				return nil, err
			}
		}
		return t.ethClient.RollupCommitBlocksData(last, []*common.Block{block})
	case common.L1ActionVerify:
		raw, err := t.store.GetProof(op.BlockNumber)
		if err != nil {
			return nil, common.Wrap(err)
		}
		if raw == nil {
			return nil, common.Wrap(fmt.Errorf("no proof stored for block %d", op.BlockNumber))
		}
		proof, err := common.ProofInputFromBytes(raw)
		if err != nil {
			return nil, err
		}
		info, err := block.StoredInfo()
		if err != nil {
			return nil, err
		}
		return t.ethClient.RollupProveBlocksData([]common.StoredBlockInfo{info}, proof)
	case common.L1ActionExecute:
		return t.ethClient.RollupExecuteBlocksData([]*common.Block{block})
	}
	return nil, common.Wrap(fmt.Errorf("unknown L1 action %q", op.Action))
}

// gasPrice returns the oracle price when available, the base fee times
// GasPriceFactor otherwise, capped at MaxGasPrice
func (t *TxManager) gasPrice(ctx context.Context) (*big.Int, error) {
	if t.gasOracle != nil {
		res, err := t.gasOracle.GetGasPrice(ctx)
		if err == nil {
			var price *big.Int
			if price, err = res.Wei(t.cfg.GasSpeed); err == nil {
				return t.capGasPrice(price), nil
			}
		}
		log.Warnw("TxManager: gas oracle failed, using the base fee", "err", err)
	}
	baseFee, err := t.ethClient.EthBaseFee(ctx)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return t.capGasPrice(mulFloat(baseFee, t.cfg.GasPriceFactor)), nil
}

func (t *TxManager) capGasPrice(price *big.Int) *big.Int {
	if t.cfg.MaxGasPrice != nil && price.Cmp(t.cfg.MaxGasPrice) > 0 {
		return new(big.Int).Set(t.cfg.MaxGasPrice)
	}
	return price
}

func mulFloat(x *big.Int, f float64) *big.Int {
	res, _ := new(big.Float).Mul(new(big.Float).SetInt(x), big.NewFloat(f)).Int(nil)
	return res
}
