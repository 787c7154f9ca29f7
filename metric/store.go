package metric

import (
	"context"
	"time"

	"zkrollup-operator/database/historydb"
	"zkrollup-operator/log"

	"github.com/jonboulle/clockwork"
)

// StatusGetter reads the pipeline progress from the store
type StatusGetter interface {
	GetNodeStatus() (*historydb.NodeStatus, error)
}

// StoreCollector periodically copies the pipeline progress kept in the store
// into gauges, so that every node (leader or not) reports it
type StoreCollector struct {
	store    StatusGetter
	interval time.Duration
	clock    clockwork.Clock
}

// NewStoreCollector creates a StoreCollector reading store every interval
func NewStoreCollector(store StatusGetter, interval time.Duration,
	clock clockwork.Clock) *StoreCollector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &StoreCollector{
		store:    store,
		interval: interval,
		clock:    clock,
	}
}

// Collect reads the store once and updates the gauges
func (c *StoreCollector) Collect() error {
	status, err := c.store.GetNodeStatus()
	if err != nil {
		return err
	}
	LastCommittedBlock.Set(float64(status.LastCommittedBlock))
	LastVerifiedBlock.Set(float64(status.LastVerifiedBlock))
	LastExecutedBlock.Set(float64(status.LastExecutedBlock))
	StoredMempoolSize.Set(float64(status.MempoolSize))
	PendingL1Ops.Set(float64(status.PendingL1Ops))
	return nil
}

// Run collects every interval until ctx is done
func (c *StoreCollector) Run(ctx context.Context) {
	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		if err := c.Collect(); err != nil {
			log.Warnw("StoreCollector.Collect", "err", err)
		}
		select {
		case <-ctx.Done():
			log.Info("StoreCollector done")
			return
		case <-ticker.Chan():
		}
	}
}
