/*
Package coordinator handles the block production of the operator node while
it holds the leadership.

The Coordinator begins with the pipeline stopped.  Its main goroutine listens
for leadership changes reported by the leader elector: when the node becomes
the leader the Pipeline is started, and when it loses the leadership the
Pipeline is stopped, so that a single node writes to the store and to L1 at
any time.

The Pipeline runs one goroutine per component.  The Mempool holds the pending
transactions, the Synchronizer reports the confirmed priority operations from
L1, and the StateKeeper executes both into blocks of fixed chunk sizes.  Every
sealed block goes to the Committer, which stores it and enqueues its Commit
L1 operation.  Once the Commit is final on L1 the Committer asks an idle proof
server from the ProversPool for the block proof, and enqueues the Verify when
the proof is ready, and then the Execute once the Verify is final.  The
components restore their state from the store on every start.

The TxManager sends the L1 operations, one nonce per operation and each
action in block order.  It checks the sent transactions periodically:
transactions are final after a number of confirmation blocks, unmined ones are
replaced with a higher gas price after a deadline, and a reverted one stops
the node.

A component that stops with an error makes the Coordinator restart the
Pipeline after a delay, unless the error is fatal: then the Coordinator stops
and reports it to the node.
*/
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"zkrollup-operator/common"
	"zkrollup-operator/log"
	"zkrollup-operator/synchronizer"
)

// ErrNotLeader is returned by the operations that need a running pipeline
// while this node is not the leader
var ErrNotLeader = errors.New("this node is not the leader")

const (
	queueLen         = 16
	longWaitDuration = 999 * time.Hour
)

// Config contains the Coordinator configuration
type Config struct {
	Pipeline PipelineCfg
	// RestartDelay is the waiting interval before restarting a pipeline
	// that stopped with an error
	RestartDelay time.Duration
}

// MsgLeadership indicates a leadership change
type MsgLeadership struct {
	Leader bool
}

// MsgStopPipeline indicates a signal to restart the pipeline
type MsgStopPipeline struct {
	// PipelineNum is the pipeline that failed.  Messages of an already
	// stopped pipeline are ignored.
	PipelineNum int
	Reason      string
}

// MsgFatal indicates an invariant violation after which the node must stop
type MsgFatal struct {
	Component string
	Err       error
}

// Coordinator implements the Coordinator type
type Coordinator struct {
	cfg         Config
	deps        Deps
	leadership  <-chan bool
	pipelineNum int // The first pipeline is 1
	leader      bool
	started     bool

	pipeline *Pipeline
	rw       sync.RWMutex

	msgCh   chan interface{}
	fatalCh chan error
	ctx     context.Context
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewCoordinator creates a new Coordinator.  leadership reports the
// leadership changes of this node.
func NewCoordinator(cfg Config, deps Deps, leadership <-chan bool) *Coordinator {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:        cfg,
		deps:       deps,
		leadership: leadership,
		msgCh:      make(chan interface{}, queueLen),
		fatalCh:    make(chan error, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SendMsg is a thread safe method to pass a message to the Coordinator
func (c *Coordinator) SendMsg(ctx context.Context, msg interface{}) {
	select {
	case c.msgCh <- msg:
	case <-ctx.Done():
	case <-c.ctx.Done():
	}
}

// Fatal returns the channel where a fatal pipeline error is reported
func (c *Coordinator) Fatal() <-chan error {
	return c.fatalCh
}

// IsLeader returns true while this node holds the leadership
func (c *Coordinator) IsLeader() bool {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return c.leader
}

func (c *Coordinator) currentPipeline() *Pipeline {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return c.pipeline
}

// Insert adds a transaction to the mempool.  Only the leader accepts
// transactions.
func (c *Coordinator) Insert(ctx context.Context, tx *common.Tx) error {
	p := c.currentPipeline()
	if p == nil {
		return common.Wrap(ErrNotLeader)
	}
	return p.Insert(ctx, tx)
}

// SealBlock seals the pending block of the leader
func (c *Coordinator) SealBlock(ctx context.Context) error {
	p := c.currentPipeline()
	if p == nil {
		return common.Wrap(ErrNotLeader)
	}
	return p.SealBlock(ctx)
}

// SyncStats returns the L1 watcher stats of the leader, nil otherwise
func (c *Coordinator) SyncStats() *synchronizer.Stats {
	p := c.currentPipeline()
	if p == nil {
		return nil
	}
	return p.SyncStats()
}

func (c *Coordinator) startPipeline(ctx context.Context) error {
	c.pipelineNum++
	p := NewPipeline(c.pipelineNum, c.cfg.Pipeline, c.deps, c)
	if err := p.Start(ctx); err != nil {
		return err
	}
	c.rw.Lock()
	c.pipeline = p
	c.rw.Unlock()
	return nil
}

func (c *Coordinator) stopPipeline() {
	c.rw.Lock()
	p := c.pipeline
	c.pipeline = nil
	c.rw.Unlock()
	if p != nil {
		p.Stop()
	}
}

// handleMsg returns true when the pipeline must be (re)started
func (c *Coordinator) handleMsg(msg interface{}) (restart bool) {
	switch msg := msg.(type) {
	case MsgLeadership:
		c.rw.Lock()
		c.leader = msg.Leader
		c.rw.Unlock()
		if msg.Leader {
			log.Info("Coordinator: leadership acquired, starting pipeline")
			return c.currentPipeline() == nil
		}
		log.Info("Coordinator: leadership lost, stopping pipeline")
		c.stopPipeline()
	case MsgStopPipeline:
		p := c.currentPipeline()
		if p == nil || p.num != msg.PipelineNum {
			return false
		}
		log.Warnw("Coordinator: stopping pipeline", "pipeline", msg.PipelineNum, "reason", msg.Reason)
		c.stopPipeline()
		return c.IsLeader()
	case MsgFatal:
		log.Errorw("Coordinator: fatal error", "component", msg.Component, "err", msg.Err)
		c.stopPipeline()
		select {
		case c.fatalCh <- msg.Err:
		default:
		}
		c.cancel()
	default:
		log.Fatalw("Coordinator Unexpected Coordinator msg of type %T: %+v", msg, msg)
	}
	return false
}

// Start the coordinator
func (c *Coordinator) Start() {
	if c.started {
		log.Fatal("Coordinator already started")
	}
	c.started = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		timer := time.NewTimer(longWaitDuration)
		defer timer.Stop()
		resetTimer := func(d time.Duration) {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d)
		}
		for {
			select {
			case <-c.ctx.Done():
				log.Info("Coordinator done")
				return
			case leader := <-c.leadership:
				if c.handleMsg(MsgLeadership{Leader: leader}) {
					resetTimer(0)
				}
			case msg := <-c.msgCh:
				if c.handleMsg(msg) {
					resetTimer(c.cfg.RestartDelay)
				}
			case <-timer.C:
				timer.Reset(longWaitDuration)
				if !c.IsLeader() || c.currentPipeline() != nil {
					continue
				}
				if err := c.startPipeline(c.ctx); c.ctx.Err() != nil {
					continue
				} else if err != nil {
					log.Errorw("Coordinator.startPipeline", "err", err)
					if common.IsFatal(err) {
						c.handleMsg(MsgFatal{Component: "Pipeline", Err: err})
						continue
					}
					resetTimer(c.cfg.RestartDelay)
				}
			}
		}
	}()
}

// Stop the coordinator and its pipeline
func (c *Coordinator) Stop() {
	if !c.started {
		log.Fatal("Coordinator already stopped")
	}
	c.started = false
	log.Infow("Stopping Coordinator...")
	c.cancel()
	c.wg.Wait()
	c.stopPipeline()
}
