package coordinator

import (
	"context"
	"fmt"
	"sync"

	"zkrollup-operator/common"
	"zkrollup-operator/database/historydb"
	"zkrollup-operator/database/l2db"
	"zkrollup-operator/database/statedb"
	"zkrollup-operator/eth"
	"zkrollup-operator/etherscan"
	"zkrollup-operator/log"
	"zkrollup-operator/mempool"
	"zkrollup-operator/statekeeper"
	"zkrollup-operator/synchronizer"

	"github.com/jonboulle/clockwork"
)

// PipelineCfg is the configuration of the components run by the Pipeline
type PipelineCfg struct {
	Mempool      mempool.Config
	Synchronizer synchronizer.Config
	StateKeeper  statekeeper.Config
	Committer    CommitterCfg
	TxManager    TxManagerCfg
}

// Deps are the long lived dependencies shared by every pipeline
type Deps struct {
	HistoryDB *historydb.HistoryDB
	L2DB      *l2db.L2DB
	StateDB   *statedb.StateDB
	EthClient eth.ClientInterface
	// GasOracle can be nil
	GasOracle etherscan.Client
	Provers   *ProversPool
	Clock     clockwork.Clock
}

type component struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Pipeline runs the block production components of the leader: Mempool,
// Synchronizer, StateKeeper, Committer and TxManager, each in its own
// goroutine.  The components restore their state from the store every time a
// pipeline starts.
type Pipeline struct {
	num   int
	cfg   PipelineCfg
	deps  Deps
	coord *Coordinator

	started    bool
	components []*component

	mempool     *mempool.Mempool
	sync        *synchronizer.Synchronizer
	stateKeeper *statekeeper.StateKeeper
	committer   *Committer
	txManager   *TxManager

	rw sync.RWMutex
}

// NewPipeline creates a stopped Pipeline
func NewPipeline(num int, cfg PipelineCfg, deps Deps, coord *Coordinator) *Pipeline {
	return &Pipeline{
		num:   num,
		cfg:   cfg,
		deps:  deps,
		coord: coord,
	}
}

// Start builds the components and runs them
func (p *Pipeline) Start(ctx context.Context) (err error) {
	if p.started {
		log.Fatal("Pipeline already started")
	}
	p.started = true
	defer func() {
		if err != nil {
			p.Stop()
		}
	}()
	d := p.deps

	mp, err := mempool.NewMempool(p.cfg.Mempool, d.L2DB, d.StateDB, d.HistoryDB, d.Clock)
	if err != nil {
		return common.Wrap(err)
	}
	p.spawn("Mempool", func(ctx context.Context) error {
		mp.Run(ctx)
		return nil
	})

	s, err := synchronizer.NewSynchronizer(d.EthClient, d.HistoryDB, p.cfg.Synchronizer, d.Clock)
	if err != nil {
		return common.Wrap(err)
	}
	p.spawn("Synchronizer", s.Run)

	sk, err := statekeeper.NewStateKeeper(p.cfg.StateKeeper, d.StateDB, d.HistoryDB, mp,
		s.PriorityOps(), s.Health(), d.Clock)
	if err != nil {
		return err
	}
	p.spawn("StateKeeper", sk.Run)

	txm, err := NewTxManager(ctx, p.cfg.TxManager, d.EthClient, d.HistoryDB, d.GasOracle, d.Clock)
	if err != nil {
		return err
	}
	committer, err := NewCommitter(p.cfg.Committer, d.HistoryDB, d.Provers, txm, sk.CommitRequests())
	if err != nil {
		return err
	}
	p.spawn("Committer", committer.Run)
	p.spawn("TxManager", txm.Run)

	p.rw.Lock()
	p.mempool, p.sync, p.stateKeeper, p.committer, p.txManager = mp, s, sk, committer, txm
	p.rw.Unlock()
	log.Infow("Pipeline started", "pipeline", p.num, "nextBlock", sk.NextBlock())
	return nil
}

// spawn runs a component.  A component that stops with an error makes the
// coordinator stop the pipeline, or the node when the error is fatal.
func (p *Pipeline) spawn(name string, run func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &component{name: name, cancel: cancel, done: make(chan struct{})}
	p.components = append(p.components, c)
	go func() {
		defer close(c.done)
		err := run(ctx)
		if ctx.Err() != nil || p.coord == nil {
			return
		}
		if err == nil {
			err = common.Wrap(fmt.Errorf("stopped unexpectedly"))
		}
		log.Errorw("Pipeline component failed", "pipeline", p.num, "component", name, "err", err)
		if common.IsFatal(err) {
			p.coord.SendMsg(context.Background(), MsgFatal{Component: name, Err: err})
			return
		}
		p.coord.SendMsg(context.Background(), MsgStopPipeline{
			PipelineNum: p.num,
			Reason:      fmt.Sprintf("%s: %v", name, err),
		})
	}()
}

// Stop cancels the components in reverse start order: TxManager, Committer,
// StateKeeper, Synchronizer and finally Mempool, waiting for each one
func (p *Pipeline) Stop() {
	p.rw.Lock()
	p.mempool, p.sync, p.stateKeeper, p.committer, p.txManager = nil, nil, nil, nil, nil
	p.rw.Unlock()
	for i := len(p.components) - 1; i >= 0; i-- {
		c := p.components[i]
		c.cancel()
		<-c.done
		log.Debugw("Pipeline component stopped", "pipeline", p.num, "component", c.name)
	}
	p.components = nil
	log.Infow("Pipeline stopped", "pipeline", p.num)
}

// Insert adds a transaction to the mempool of the running pipeline
func (p *Pipeline) Insert(ctx context.Context, tx *common.Tx) error {
	p.rw.RLock()
	mp := p.mempool
	p.rw.RUnlock()
	if mp == nil {
		return common.Wrap(ErrNotLeader)
	}
	return mp.Insert(ctx, tx)
}

// SealBlock seals the pending block of the running pipeline
func (p *Pipeline) SealBlock(ctx context.Context) error {
	p.rw.RLock()
	sk := p.stateKeeper
	p.rw.RUnlock()
	if sk == nil {
		return common.Wrap(ErrNotLeader)
	}
	return sk.SealBlock(ctx)
}

// SyncStats returns the L1 watcher stats, nil while not running
func (p *Pipeline) SyncStats() *synchronizer.Stats {
	p.rw.RLock()
	s := p.sync
	p.rw.RUnlock()
	if s == nil {
		return nil
	}
	return s.Stats()
}
