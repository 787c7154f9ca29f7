/*
Package synchronizer implements the L1 watcher.

The Synchronizer polls the L1 node for NewPriorityRequest and NewToken events
of the rollup contract.  Events are kept unconfirmed until the L1 head is
ConfirmationsForEvent blocks ahead of the block that contains them; then the
priority operations are stored and handed to the state keeper and the tokens
are registered.

Reorgs are detected by comparing the hash of the last scanned block against
the chain.  The hashes of recently scanned blocks are cached so that the fork
point can be found walking back; unconfirmed events at or after the fork point
are dropped and scanned again.  A confirmed priority operation that vanishes
is an invariant violation and stops the node.
*/
package synchronizer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"zkrollup-operator/common"
	"zkrollup-operator/database/historydb"
	"zkrollup-operator/eth"
	"zkrollup-operator/log"
	"zkrollup-operator/metric"

	"github.com/cenkalti/backoff/v4"
	ethCommon "github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// defaultTokenDecimals is used when the ERC20 constants of a token can not be
// read
const defaultTokenDecimals = 18

// Stats of the synchronizer
type Stats struct {
	Eth struct {
		LastBlock int64
	}
	Sync struct {
		Updated   time.Time
		LastBlock common.L1Block
		// NextSerialID is the serial id of the next priority op to be
		// confirmed
		NextSerialID uint64
		Unconfirmed  int
	}
}

// Synced returns true if the Synchronizer is up to date with the last ethereum block
func (s *Stats) Synced() bool {
	return s.Eth.LastBlock == s.Sync.LastBlock.Num
}

// StatsHolder stores stats and that allows reading and writing them
// concurrently
type StatsHolder struct {
	Stats
	clock clockwork.Clock
	rw    sync.RWMutex
}

// NewStatsHolder creates a new StatsHolder that stamps updates with clock
func NewStatsHolder(clock clockwork.Clock) *StatsHolder {
	return &StatsHolder{clock: clock}
}

// UpdateEth stores the last L1 block number
func (s *StatsHolder) UpdateEth(head int64) {
	s.rw.Lock()
	s.Eth.LastBlock = head
	s.rw.Unlock()
}

// UpdateSync updates the synchronizer stats
func (s *StatsHolder) UpdateSync(lastBlock common.L1Block, nextSerialID uint64, unconfirmed int) {
	now := s.clock.Now()
	s.rw.Lock()
	s.Sync.LastBlock = lastBlock
	s.Sync.NextSerialID = nextSerialID
	s.Sync.Unconfirmed = unconfirmed
	s.Sync.Updated = now
	s.rw.Unlock()
}

// CopyStats returns a copy of the inner Stats
func (s *StatsHolder) CopyStats() *Stats {
	s.rw.RLock()
	sCopy := s.Stats
	s.rw.RUnlock()
	return &sCopy
}

// Store is the persistence used by the Synchronizer
type Store interface {
	AddPriorityOps(ops []common.PriorityOp) error
	GetNextPriorityOpSerial() (uint64, error)
	RegisterToken(token *common.Token) error
	SetWatcherState(state *historydb.WatcherState) error
	GetWatcherState() (*historydb.WatcherState, error)
}

// Config is the Synchronizer configuration
type Config struct {
	// StartBlock is the first L1 block scanned on a fresh store, usually
	// the block the rollup contract was deployed at
	StartBlock int64
	// ConfirmationsForEvent is the depth at which an event is final
	ConfirmationsForEvent int64
	PollInterval          time.Duration
	// TaskLimit is the largest block range requested in one call
	TaskLimit int64
	// RequestPerTaskLimit is the number of L1 requests per second
	RequestPerTaskLimit float64
	RequestTimeout      time.Duration
	// RetryDelay is the first delay of the exponential backoff
	RetryDelay time.Duration
	// MaxElapsedTime bounds the retries of one poll, after that the
	// watcher is reported unhealthy
	MaxElapsedTime time.Duration
	// BlockHashCacheSize is the number of scanned block hashes kept for
	// reorg detection
	BlockHashCacheSize int
}

// Synchronizer implements the L1 watcher
type Synchronizer struct {
	ethClient eth.ClientInterface
	store     Store
	cfg       Config
	clock     clockwork.Clock
	limiter   *rate.Limiter
	hashes    *lru.Cache[int64, ethCommon.Hash]
	stats     *StatsHolder

	// lastSeen is the last scanned block
	lastSeen common.L1Block
	// confirmedBlock is the last block whose events are confirmed
	confirmedBlock int64
	// lastConfirmedOpBlock is the L1 block of the last confirmed priority op
	lastConfirmedOpBlock int64
	unconfirmedOps       []common.PriorityOp
	unconfirmedTokens    []eth.RollupEventNewToken
	nextSerial           uint64
	nextConfirmedSerial  uint64

	opsCh    chan []common.PriorityOp
	healthCh chan bool
	alive    bool
}

// NewSynchronizer creates a new Synchronizer resuming from the stored watcher
// state
func NewSynchronizer(ethClient eth.ClientInterface, store Store, cfg Config,
	clock clockwork.Clock) (*Synchronizer, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.TaskLimit <= 0 {
		cfg.TaskLimit = 1000 //nolint:gomnd
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxElapsedTime <= 0 {
		cfg.MaxElapsedTime = time.Minute
	}
	if cfg.BlockHashCacheSize <= 0 {
		cfg.BlockHashCacheSize = 256 //nolint:gomnd
	}
	limit := rate.Inf
	if cfg.RequestPerTaskLimit > 0 {
		limit = rate.Limit(cfg.RequestPerTaskLimit)
	}
	hashes, err := lru.New[int64, ethCommon.Hash](cfg.BlockHashCacheSize)
	if err != nil {
		return nil, common.Wrap(err)
	}
	s := &Synchronizer{
		ethClient: ethClient,
		store:     store,
		cfg:       cfg,
		clock:     clock,
		limiter:   rate.NewLimiter(limit, 1),
		hashes:    hashes,
		stats:     NewStatsHolder(clock),
		opsCh:     make(chan []common.PriorityOp, 16), //nolint:gomnd
		healthCh:  make(chan bool, 1),
		alive:     true,
	}
	return s, s.init()
}

func (s *Synchronizer) init() error {
	state, err := s.store.GetWatcherState()
	if err != nil {
		return common.Wrap(err)
	}
	if state == nil {
		s.lastSeen = common.L1Block{Num: s.cfg.StartBlock - 1}
	} else {
		s.lastSeen = common.L1Block{Num: state.LastBlock, Hash: state.LastBlockHash}
		s.hashes.Add(state.LastBlock, state.LastBlockHash)
	}
	s.confirmedBlock = s.lastSeen.Num
	s.lastConfirmedOpBlock = s.lastSeen.Num
	s.nextConfirmedSerial, err = s.store.GetNextPriorityOpSerial()
	if err != nil {
		return common.Wrap(err)
	}
	s.nextSerial = s.nextConfirmedSerial
	s.stats.UpdateSync(s.lastSeen, s.nextConfirmedSerial, 0)
	log.Infow("Sync init", "lastBlock", s.lastSeen.Num, "nextSerialID", s.nextSerial)
	return nil
}

// Stats returns a copy of the Synchronizer Stats.  It is safe to call Stats()
// during a Sync call
func (s *Synchronizer) Stats() *Stats {
	return s.stats.CopyStats()
}

// PriorityOps returns the channel of confirmed priority ops, in serial order
func (s *Synchronizer) PriorityOps() <-chan []common.PriorityOp {
	return s.opsCh
}

// Health returns the channel where changes of the watcher liveness are sent
func (s *Synchronizer) Health() <-chan bool {
	return s.healthCh
}

func (s *Synchronizer) setAlive(alive bool) {
	metric.WatcherAlive.Set(metric.BoolValue(alive))
	if alive == s.alive {
		return
	}
	s.alive = alive
	// only the latest value matters
	select {
	case <-s.healthCh:
	default:
	}
	s.healthCh <- alive
}

// Run polls the L1 node every PollInterval until ctx is done or a fatal error
// happens, which is returned
func (s *Synchronizer) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		err := s.syncWithRetry(ctx)
		if common.IsFatal(err) {
			log.Errorw("Synchronizer: fatal", "err", err)
			return err
		} else if ctx.Err() != nil {
			log.Info("Synchronizer done")
			return nil
		} else if err != nil {
			log.Errorw("Synchronizer: L1 unreachable", "err", err)
			s.setAlive(false)
		} else {
			s.setAlive(true)
		}
		select {
		case <-ctx.Done():
			log.Info("Synchronizer done")
			return nil
		case <-ticker.Chan():
		}
	}
}

func (s *Synchronizer) syncWithRetry(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	if s.cfg.RetryDelay > 0 {
		b.InitialInterval = s.cfg.RetryDelay
	}
	b.MaxElapsedTime = s.cfg.MaxElapsedTime
	return backoff.RetryNotify(func() error {
		err := s.Sync(ctx)
		if common.IsFatal(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		log.Warnw("Synchronizer: retrying", "err", err, "in", d)
	})
}

// call runs fn under the request rate limit and timeout
func (s *Synchronizer) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return common.Wrap(err)
	}
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}
	return fn(ctx)
}

func (s *Synchronizer) blockByNumber(ctx context.Context, num int64) (*common.L1Block, error) {
	var block *common.L1Block
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		block, err = s.ethClient.EthBlockByNumber(ctx, num)
		return err
	})
	if err != nil {
		return nil, common.Wrap(fmt.Errorf("EthBlockByNumber %d: %w", num, err))
	}
	return block, nil
}

// Sync runs one poll: reorg check, scan of the new blocks and confirmation
// of the events deep enough
func (s *Synchronizer) Sync(ctx context.Context) error {
	var head int64
	if err := s.call(ctx, func(context.Context) error {
		var err error
		head, err = s.ethClient.EthLastBlock()
		return err
	}); err != nil {
		return common.Wrap(fmt.Errorf("EthLastBlock: %w", err))
	}
	s.stats.UpdateEth(head)
	metric.EthLastBlockNum.Set(float64(head))

	if s.lastSeen.Num >= s.cfg.StartBlock && s.lastSeen.Num <= head {
		block, err := s.blockByNumber(ctx, s.lastSeen.Num)
		if err != nil {
			return err
		}
		if s.lastSeen.Hash != (ethCommon.Hash{}) && block.Hash != s.lastSeen.Hash {
			log.Warnw("Reorg detected", "block", s.lastSeen.Num,
				"hash(got)", block.Hash, "hash(exp)", s.lastSeen.Hash)
			if err := s.reorg(ctx); err != nil {
				return err
			}
		}
	}

	for from := s.lastSeen.Num + 1; from <= head; from = s.lastSeen.Num + 1 {
		to := from + s.cfg.TaskLimit - 1
		if to > head {
			to = head
		}
		if err := s.scan(ctx, from, to); err != nil {
			return err
		}
	}

	if err := s.confirm(ctx, head); err != nil {
		return err
	}
	s.stats.UpdateSync(s.lastSeen, s.nextConfirmedSerial,
		len(s.unconfirmedOps)+len(s.unconfirmedTokens))
	metric.LastBlockNum.Set(float64(s.lastSeen.Num))
	log.Debugw("Synced", "lastBlock", s.lastSeen.Num, "ethLastBlock", head,
		"unconfirmedOps", len(s.unconfirmedOps))
	return nil
}

// scan fetches the events of [from, to] into the unconfirmed queues
func (s *Synchronizer) scan(ctx context.Context, from, to int64) error {
	var events *eth.RollupEvents
	if err := s.call(ctx, func(ctx context.Context) error {
		var err error
		events, err = s.ethClient.RollupEventsByRange(ctx, from, to)
		return err
	}); err != nil {
		return common.Wrap(fmt.Errorf("RollupEventsByRange [%d, %d]: %w", from, to, err))
	}
	for _, op := range events.PriorityOps {
		if op.SerialID < s.nextSerial {
			log.Warnw("Synchronizer: priority op already seen", "serialID", op.SerialID)
			continue
		}
		if op.SerialID != s.nextSerial {
			return common.NewFatal(fmt.Errorf("%w: expected %d, got %d",
				common.ErrPriorityOpGap, s.nextSerial, op.SerialID))
		}
		s.unconfirmedOps = append(s.unconfirmedOps, op)
		s.nextSerial++
	}
	s.unconfirmedTokens = append(s.unconfirmedTokens, events.NewTokens...)
	for num, hash := range events.BlockHashes {
		s.hashes.Add(num, hash)
	}
	block, err := s.blockByNumber(ctx, to)
	if err != nil {
		return err
	}
	s.hashes.Add(block.Num, block.Hash)
	s.lastSeen = *block
	return nil
}

// confirm persists and emits the events at depth ConfirmationsForEvent
func (s *Synchronizer) confirm(ctx context.Context, head int64) error {
	watermark := head - s.cfg.ConfirmationsForEvent
	if watermark > s.lastSeen.Num {
		watermark = s.lastSeen.Num
	}
	if watermark <= s.confirmedBlock {
		return nil
	}

	n := 0
	for n < len(s.unconfirmedTokens) && s.unconfirmedTokens[n].EthBlockNum <= watermark {
		n++
	}
	for _, ev := range s.unconfirmedTokens[:n] {
		if err := s.registerToken(ctx, ev); err != nil {
			return err
		}
	}
	s.unconfirmedTokens = s.unconfirmedTokens[n:]

	n = 0
	for n < len(s.unconfirmedOps) && s.unconfirmedOps[n].EthBlock <= watermark {
		n++
	}
	ops := append([]common.PriorityOp(nil), s.unconfirmedOps[:n]...)
	if len(ops) > 0 {
		if err := s.store.AddPriorityOps(ops); err != nil {
			return common.Wrap(err)
		}
		select {
		case s.opsCh <- ops:
		case <-ctx.Done():
			return common.Wrap(common.ErrDone)
		}
		s.unconfirmedOps = s.unconfirmedOps[n:]
		s.nextConfirmedSerial = ops[len(ops)-1].SerialID + 1
		s.lastConfirmedOpBlock = ops[len(ops)-1].EthBlock
		metric.PriorityOpsConfirmed.Add(float64(len(ops)))
		log.Infow("Priority ops confirmed", "from", ops[0].SerialID,
			"to", ops[len(ops)-1].SerialID)
	}

	block, err := s.blockByNumber(ctx, watermark)
	if err != nil {
		return err
	}
	if err := s.store.SetWatcherState(&historydb.WatcherState{
		LastBlock:     block.Num,
		LastBlockHash: block.Hash,
	}); err != nil {
		return common.Wrap(err)
	}
	s.confirmedBlock = watermark
	return nil
}

func (s *Synchronizer) registerToken(ctx context.Context, ev eth.RollupEventNewToken) error {
	token := &common.Token{
		TokenID:     ev.TokenID,
		EthBlockNum: ev.EthBlockNum,
		EthAddr:     ev.Address,
		Decimals:    defaultTokenDecimals,
	}
	var consts *eth.ERC20Consts
	err := s.call(ctx, func(context.Context) error {
		var err error
		consts, err = s.ethClient.EthERC20Consts(ev.Address)
		return err
	})
	if err != nil {
		log.Warnw("Synchronizer: ERC20 constants", "token", ev.Address.Hex(), "err", err)
	} else {
		token.Symbol = consts.Symbol
		token.Decimals = consts.Decimals
	}
	if err := s.store.RegisterToken(token); err != nil {
		return common.Wrap(err)
	}
	log.Infow("Token registered", "id", token.TokenID, "address", token.EthAddr.Hex(),
		"symbol", token.Symbol)
	return nil
}

// reorg finds the fork point walking back the cached block hashes and drops
// the unconfirmed events at or after it
func (s *Synchronizer) reorg(ctx context.Context) error {
	nums := s.hashes.Keys()
	sort.Slice(nums, func(i, j int) bool { return nums[i] > nums[j] })
	// without a matching cached hash the fork is assumed at the oldest
	// mismatching block
	fork := s.lastSeen.Num
	for _, num := range nums {
		if num > s.lastSeen.Num || num < s.cfg.StartBlock {
			continue
		}
		cached, _ := s.hashes.Peek(num)
		block, err := s.blockByNumber(ctx, num)
		if err != nil {
			return err
		}
		if block.Hash == cached {
			fork = num + 1
			break
		}
		s.hashes.Remove(num)
		fork = num
	}
	if fork <= s.lastConfirmedOpBlock {
		return common.NewFatal(fmt.Errorf("%w: fork at L1 block %d, last confirmed op at %d",
			common.ErrConfirmedOpVanished, fork, s.lastConfirmedOpBlock))
	}

	ops := s.unconfirmedOps[:0]
	for _, op := range s.unconfirmedOps {
		if op.EthBlock < fork {
			ops = append(ops, op)
		}
	}
	s.unconfirmedOps = ops
	tokens := s.unconfirmedTokens[:0]
	for _, ev := range s.unconfirmedTokens {
		if ev.EthBlockNum < fork {
			tokens = append(tokens, ev)
		}
	}
	s.unconfirmedTokens = tokens
	s.nextSerial = s.nextConfirmedSerial
	if len(s.unconfirmedOps) > 0 {
		s.nextSerial = s.unconfirmedOps[len(s.unconfirmedOps)-1].SerialID + 1
	}
	for _, num := range s.hashes.Keys() {
		if num >= fork {
			s.hashes.Remove(num)
		}
	}
	if s.confirmedBlock >= fork {
		s.confirmedBlock = fork - 1
	}

	discarded := s.lastSeen.Num - (fork - 1)
	if fork-1 < s.cfg.StartBlock {
		s.lastSeen = common.L1Block{Num: fork - 1}
	} else {
		block, err := s.blockByNumber(ctx, fork-1)
		if err != nil {
			return err
		}
		s.lastSeen = *block
		s.hashes.Add(block.Num, block.Hash)
	}
	metric.Reorgs.Inc()
	log.Infow("Reorg handled", "fork", fork, "discarded", discarded,
		"unconfirmedOps", len(s.unconfirmedOps))
	return nil
}
