/*
Package leaderelection keeps a single writer among the operator nodes sharing
a store.  Every node votes periodically on the leader election row: the vote
takes the row over only when the current leader stopped voting for longer than
the timeout, or refreshes it when the voter already is the leader.
*/
package leaderelection

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"zkrollup-operator/common"
	"zkrollup-operator/database/historydb"
	"zkrollup-operator/log"
	"zkrollup-operator/metric"

	"github.com/jonboulle/clockwork"
)

// Voter stores the votes.  Implemented by historydb.HistoryDB.
type Voter interface {
	Vote(name string, timeout time.Duration, now time.Time) (*historydb.Leader, error)
}

// Config of the Elector
type Config struct {
	// Name identifies this node in the leader election row
	Name string
	// Timeout after which a silent leader loses the leadership
	Timeout time.Duration
	// Interval between votes, smaller than Timeout
	Interval time.Duration
}

// Elector votes periodically and reports the leadership changes of this node
type Elector struct {
	cfg      Config
	voter    Voter
	clock    clockwork.Clock
	leader   atomic.Bool
	lastVote time.Time
	changes  chan bool
}

// NewElector creates an Elector.  The node starts as a follower.
func NewElector(cfg Config, voter Voter, clock clockwork.Clock) (*Elector, error) {
	if cfg.Name == "" {
		return nil, common.Wrap(fmt.Errorf("empty node name"))
	}
	if cfg.Interval <= 0 || cfg.Interval >= cfg.Timeout {
		return nil, common.Wrap(fmt.Errorf("vote interval %v must be positive and below the timeout %v",
			cfg.Interval, cfg.Timeout))
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Elector{
		cfg:     cfg,
		voter:   voter,
		clock:   clock,
		changes: make(chan bool, 1),
	}, nil
}

// Changes returns the channel of leadership changes: true when this node
// becomes the leader, false when it loses the leadership
func (e *Elector) Changes() <-chan bool {
	return e.changes
}

// IsLeader returns true while this node holds the leadership
func (e *Elector) IsLeader() bool {
	return e.leader.Load()
}

// Run votes every Interval until ctx is done
func (e *Elector) Run(ctx context.Context) {
	ticker := e.clock.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		e.report(ctx, e.Vote())
		select {
		case <-ctx.Done():
			log.Info("Elector done")
			return
		case <-ticker.Chan():
		}
	}
}

func (e *Elector) report(ctx context.Context, leader bool) {
	if leader == e.leader.Load() {
		return
	}
	e.leader.Store(leader)
	metric.IsLeader.Set(metric.BoolValue(leader))
	log.Infow("Elector: leadership changed", "name", e.cfg.Name, "leader", leader)
	select {
	case e.changes <- leader:
	case <-ctx.Done():
	}
}

// Vote runs one election round and returns whether this node is the leader.
// When the vote can't be stored the leader steps down before another node
// is able to take over.
func (e *Elector) Vote() bool {
	now := e.clock.Now()
	leader, err := e.voter.Vote(e.cfg.Name, e.cfg.Timeout, now)
	if err != nil {
		log.Warnw("Elector: vote", "err", err)
		if !e.leader.Load() {
			return false
		}
		return now.Sub(e.lastVote) < e.cfg.Timeout-e.cfg.Interval
	}
	if leader.Name != e.cfg.Name {
		return false
	}
	e.lastVote = now
	return true
}
