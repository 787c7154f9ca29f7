/*
Package mempool keeps the signed transactions waiting to be included in a
block.

A single goroutine (Run) owns the in-memory index of pending transactions.
Every other goroutine talks to it through Insert, ProposeBlock, Remove,
Return and Size, which send a typed request over one bounded channel and wait
for the reply.

Accepted transactions are persisted in the mempool table (l2db) so that they
survive a restart; the content of the table is loaded back when the Mempool
is created.  Transactions handed to the state keeper by ProposeBlock are held
back until they are either removed (executed) or returned (not included).
*/
package mempool

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"zkrollup-operator/common"
	"zkrollup-operator/database/statedb"
	"zkrollup-operator/log"
	"zkrollup-operator/metric"
	"zkrollup-operator/txprocessor"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
)

// Store is the persistent mempool table
type Store interface {
	Insert(ptx *common.PoolTx) error
	Replace(old ethCommon.Hash, ptx *common.PoolTx) error
	GetAll() ([]common.PoolTx, error)
	Purge(now time.Time) ([]ethCommon.Hash, error)
}

// StateReader reads accounts of the last sealed block
type StateReader interface {
	LastGetAccount(id common.AccountID) (*common.Account, error)
	LastGetAccountByAddress(addr ethCommon.Address) (*common.Account, error)
}

// TokenGetter returns registered tokens
type TokenGetter interface {
	GetToken(id common.TokenID) (*common.Token, error)
}

// Config of the Mempool
type Config struct {
	// MaxNonceGap is how far ahead of the account nonce a tx nonce can be
	MaxNonceGap common.Nonce
	// MinFee is the minimum fee of transfers and withdrawals
	MinFee *big.Int
	// MaxChangePubKeyPerDay limits the fee-less ChangePubKey txs of an
	// account in a RateLimitWindow
	MaxChangePubKeyPerDay int
	// MaxProcessableToken is the largest token accepted to pay fees
	MaxProcessableToken common.TokenID
	Layout              *common.ChunkLayout
	// MaxBlockChunks is the largest block size, a tx whose op needs more
	// chunks is rejected
	MaxBlockChunks int
	// QueueLen is the capacity of the request channel
	QueueLen int
	Purger   PurgerCfg
}

type entry struct {
	ptx      *common.PoolTx
	chunks   int
	seq      uint64
	proposed bool
}

// Mempool holds the pending transactions
type Mempool struct {
	cfg     Config
	store   Store
	state   StateReader
	tokens  TokenGetter
	clock   clockwork.Clock
	limiter *rateLimiter
	purger  *Purger
	reqCh   chan request

	bySender    map[common.AccountID]map[common.Nonce]*entry
	byHash      map[ethCommon.Hash]*entry
	knownTokens map[common.TokenID]struct{}
	seq         uint64
}

// NewMempool creates a Mempool and loads the transactions persisted in store
func NewMempool(cfg Config, store Store, state StateReader, tokens TokenGetter,
	clock clockwork.Clock) (*Mempool, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Layout == nil {
		cfg.Layout = common.DefaultChunkLayout
	}
	if cfg.MinFee == nil {
		cfg.MinFee = big.NewInt(0)
	}
	if cfg.QueueLen <= 0 {
		cfg.QueueLen = 64 //nolint:gomnd
	}
	m := &Mempool{
		cfg:         cfg,
		store:       store,
		state:       state,
		tokens:      tokens,
		clock:       clock,
		limiter:     newRateLimiter(clock, cfg.MaxChangePubKeyPerDay),
		purger:      NewPurger(cfg.Purger, store),
		reqCh:       make(chan request, cfg.QueueLen),
		bySender:    make(map[common.AccountID]map[common.Nonce]*entry),
		byHash:      make(map[ethCommon.Hash]*entry),
		knownTokens: map[common.TokenID]struct{}{common.NativeToken.TokenID: {}},
	}
	ptxs, err := store.GetAll()
	if err != nil {
		return nil, common.Wrap(err)
	}
	for i := range ptxs {
		ptx := &ptxs[i]
		opType, err := m.opType(ptx.Tx)
		if err != nil {
			opType = ptx.Tx.OpType(true)
		}
		m.add(ptx, cfg.Layout.Chunks(opType))
		if isFeeLessChangePubKey(ptx.Tx) {
			m.limiter.restore(ptx.AccountID, ptx.ReceivedAt)
		}
	}
	log.Infow("Mempool loaded", "txs", len(ptxs))
	return m, nil
}

func (m *Mempool) add(ptx *common.PoolTx, chunks int) {
	m.seq++
	e := &entry{ptx: ptx, chunks: chunks, seq: m.seq}
	txs, ok := m.bySender[ptx.AccountID]
	if !ok {
		txs = make(map[common.Nonce]*entry)
		m.bySender[ptx.AccountID] = txs
	}
	txs[ptx.Nonce] = e
	m.byHash[ptx.Hash] = e
	metric.MempoolSize.Set(float64(len(m.byHash)))
}

func (m *Mempool) delete(hash ethCommon.Hash) {
	e, ok := m.byHash[hash]
	if !ok {
		return
	}
	delete(m.byHash, hash)
	if txs, ok := m.bySender[e.ptx.AccountID]; ok {
		delete(txs, e.ptx.Nonce)
		if len(txs) == 0 {
			delete(m.bySender, e.ptx.AccountID)
		}
	}
	metric.MempoolSize.Set(float64(len(m.byHash)))
}

//
// Requests
//

type request interface {
	handle(m *Mempool)
}

type insertRequest struct {
	tx    *common.Tx
	reply chan error
}

func (r *insertRequest) handle(m *Mempool) { r.reply <- m.insert(r.tx) }

type proposeRequest struct {
	maxChunks int
	accounts  statedb.AccountGetter
	reply     chan []*common.Tx
}

func (r *proposeRequest) handle(m *Mempool) { r.reply <- m.proposeBlock(r.maxChunks, r.accounts) }

type removeRequest struct {
	hashes []ethCommon.Hash
	reply  chan struct{}
}

func (r *removeRequest) handle(m *Mempool) {
	for _, h := range r.hashes {
		m.delete(h)
	}
	r.reply <- struct{}{}
}

type returnRequest struct {
	hashes []ethCommon.Hash
	reply  chan struct{}
}

func (r *returnRequest) handle(m *Mempool) {
	for _, h := range r.hashes {
		if e, ok := m.byHash[h]; ok {
			e.proposed = false
		}
	}
	r.reply <- struct{}{}
}

type sizeRequest struct {
	reply chan int
}

func (r *sizeRequest) handle(m *Mempool) { r.reply <- len(m.byHash) }

func call[T any](ctx context.Context, m *Mempool, req request, reply chan T) (T, error) {
	var zero T
	select {
	case m.reqCh <- req:
	case <-ctx.Done():
		return zero, common.Wrap(common.ErrDone)
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return zero, common.Wrap(common.ErrDone)
	}
}

// Insert validates tx and adds it to the pool. Validation failures return
// one of the common validation errors.
func (m *Mempool) Insert(ctx context.Context, tx *common.Tx) error {
	reply := make(chan error, 1)
	res, err := call(ctx, m, &insertRequest{tx: tx, reply: reply}, reply)
	if err != nil {
		return err
	}
	return res
}

// ProposeBlock returns txs using at most maxChunks chunks, ordered by
// ascending nonce per sender and by fee density across senders.  The txs of a
// sender start at the nonce of its account in accounts, the pending state of
// the caller; a nil accounts reads the last sealed state.  The returned txs
// are not proposed again until they are returned.
func (m *Mempool) ProposeBlock(ctx context.Context, maxChunks int,
	accounts statedb.AccountGetter) ([]*common.Tx, error) {
	reply := make(chan []*common.Tx, 1)
	req := &proposeRequest{maxChunks: maxChunks, accounts: accounts, reply: reply}
	return call(ctx, m, req, reply)
}

// Remove drops executed txs
func (m *Mempool) Remove(ctx context.Context, hashes []ethCommon.Hash) error {
	reply := make(chan struct{}, 1)
	_, err := call(ctx, m, &removeRequest{hashes: hashes, reply: reply}, reply)
	return err
}

// Return makes proposed txs that were not included available again
func (m *Mempool) Return(ctx context.Context, hashes []ethCommon.Hash) error {
	reply := make(chan struct{}, 1)
	_, err := call(ctx, m, &returnRequest{hashes: hashes, reply: reply}, reply)
	return err
}

// Size returns the number of pending txs
func (m *Mempool) Size(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	return call(ctx, m, &sizeRequest{reply: reply}, reply)
}

// Run serves the requests until ctx is done
func (m *Mempool) Run(ctx context.Context) {
	var purgeCh <-chan time.Time
	if m.cfg.Purger.PurgeInterval > 0 {
		ticker := m.clock.NewTicker(m.cfg.Purger.PurgeInterval)
		defer ticker.Stop()
		purgeCh = ticker.Chan()
	}
	for {
		select {
		case <-ctx.Done():
			log.Info("Mempool done")
			return
		case req := <-m.reqCh:
			req.handle(m)
		case now := <-purgeCh:
			m.purge(now)
		}
	}
}

func (m *Mempool) purge(now time.Time) {
	hashes, err := m.purger.PurgeMaybe(now)
	if err != nil {
		log.Errorw("Mempool: purge", "err", err)
		return
	}
	for _, h := range hashes {
		if e, ok := m.byHash[h]; ok && !e.proposed {
			m.delete(h)
		}
	}
}

//
// Validation
//

func (m *Mempool) opType(tx *common.Tx) (common.OpType, error) {
	if tx.Type != common.TxTypeTransfer {
		return tx.OpType(true), nil
	}
	_, err := m.state.LastGetAccountByAddress(tx.To)
	if common.Unwrap(err) == statedb.ErrAccountNotFound {
		return tx.OpType(false), nil
	} else if err != nil {
		return common.OpTypeNoop, common.Wrap(err)
	}
	return tx.OpType(true), nil
}

func (m *Mempool) checkToken(token common.TokenID) error {
	if token > m.cfg.Layout.MaxTokenID() {
		return common.Wrap(fmt.Errorf("%w: %d", common.ErrUnknownToken, token))
	}
	if _, ok := m.knownTokens[token]; ok {
		return nil
	}
	_, err := m.tokens.GetToken(token)
	if common.Unwrap(err) == sql.ErrNoRows {
		return common.Wrap(fmt.Errorf("%w: %d", common.ErrUnknownToken, token))
	} else if err != nil {
		return common.Wrap(err)
	}
	// tokens are never unregistered
	m.knownTokens[token] = struct{}{}
	return nil
}

func isFeeLessChangePubKey(tx *common.Tx) bool {
	return tx.Type == common.TxTypeChangePubKey && tx.FeeOrZero().Sign() == 0
}

func insertResult(err error) string {
	if err == nil {
		return "accepted"
	}
	if kind := common.ValidationKind(err); kind != nil {
		return kind.Error()
	}
	return "error"
}

func (m *Mempool) insert(tx *common.Tx) (err error) {
	defer func() {
		metric.MempoolInsert.WithLabelValues(insertResult(err)).Inc()
	}()
	if err := tx.CheckWellFormed(); err != nil {
		return err
	}
	ptx, err := common.NewPoolTx(tx, m.clock.Now())
	if err != nil {
		return common.Wrap(fmt.Errorf("%w: %v", common.ErrInvalidTx, err))
	}
	if _, ok := m.byHash[ptx.Hash]; ok {
		// already pending
		return nil
	}
	if err := m.checkToken(tx.Token); err != nil {
		return err
	}
	sender, err := m.state.LastGetAccount(tx.AccountID)
	if common.Unwrap(err) == statedb.ErrAccountNotFound {
		return common.Wrap(fmt.Errorf("%w: %d", common.ErrUnknownSender, tx.AccountID))
	} else if err != nil {
		return common.Wrap(err)
	}
	if err := txprocessor.CheckTx(tx, sender, m.cfg.MaxProcessableToken); err != nil {
		return err
	}
	feeLessChangePubKey := isFeeLessChangePubKey(tx)
	if tx.Type != common.TxTypeChangePubKey && tx.Fee.Cmp(m.cfg.MinFee) < 0 {
		return common.Wrap(fmt.Errorf("%w: %s < %s", common.ErrFeeTooLow, tx.Fee, m.cfg.MinFee))
	}
	if tx.Nonce < sender.Nonce {
		return common.Wrap(fmt.Errorf("%w: %d < %d", common.ErrNonceTooLow, tx.Nonce, sender.Nonce))
	}
	if uint64(tx.Nonce) > uint64(sender.Nonce)+uint64(m.cfg.MaxNonceGap) {
		return common.Wrap(fmt.Errorf("%w: nonce %d, account nonce %d", common.ErrNonceGap,
			tx.Nonce, sender.Nonce))
	}
	opType, err := m.opType(tx)
	if err != nil {
		return err
	}
	chunks := m.cfg.Layout.Chunks(opType)
	if chunks > m.cfg.MaxBlockChunks {
		return common.Wrap(fmt.Errorf("%w: %s uses %d chunks", common.ErrOpTooLarge, opType, chunks))
	}

	if old, ok := m.bySender[tx.AccountID][tx.Nonce]; ok {
		if old.proposed {
			return common.Wrap(fmt.Errorf("%w: tx with nonce %d is being executed",
				common.ErrReplacementUnderpriced, tx.Nonce))
		}
		if tx.Fee.Cmp(old.ptx.Tx.FeeOrZero()) <= 0 {
			return common.Wrap(fmt.Errorf("%w: fee %s, pending fee %s",
				common.ErrReplacementUnderpriced, tx.Fee, old.ptx.Tx.FeeOrZero()))
		}
		if feeLessChangePubKey {
			if err := m.limiter.allow(tx.AccountID); err != nil {
				return err
			}
		}
		if err := m.store.Replace(old.ptx.Hash, ptx); err != nil {
			return common.Wrap(err)
		}
		m.delete(old.ptx.Hash)
	} else {
		if feeLessChangePubKey {
			if err := m.limiter.allow(tx.AccountID); err != nil {
				return err
			}
		}
		// a tx executed in the pending block is still in the table until
		// its block is saved, the store reports it as ErrDuplicateTx
		if err := m.store.Insert(ptx); err != nil {
			return common.Wrap(err)
		}
	}
	if feeLessChangePubKey {
		m.limiter.record(tx.AccountID)
	}
	m.add(ptx, chunks)
	log.Debugw("Mempool: tx accepted", "hash", ptx.Hash, "account", tx.AccountID,
		"nonce", tx.Nonce, "type", tx.Type)
	return nil
}
