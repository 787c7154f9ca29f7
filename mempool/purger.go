package mempool

import (
	"time"

	"zkrollup-operator/common"
	"zkrollup-operator/log"
	"zkrollup-operator/metric"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// PurgerCfg is the purger configuration
type PurgerCfg struct {
	// PurgeInterval is the delay between purges of outdated
	// transactions. Outdated txs are those that have been in the pool for
	// longer than the store TTL.
	PurgeInterval time.Duration
}

// Purger manages cleanup of transactions in the pool
type Purger struct {
	cfg       PurgerCfg
	store     Store
	lastPurge time.Time
}

// NewPurger creates a Purger over store
func NewPurger(cfg PurgerCfg, store Store) *Purger {
	return &Purger{cfg: cfg, store: store}
}

// CanPurge returns true when the last purge happened more than
// PurgeInterval ago
func (p *Purger) CanPurge(now time.Time) bool {
	return now.Sub(p.lastPurge) >= p.cfg.PurgeInterval
}

// PurgeMaybe deletes the expired txs from the store if the interval elapsed
// and returns their hashes
func (p *Purger) PurgeMaybe(now time.Time) ([]ethCommon.Hash, error) {
	if !p.CanPurge(now) {
		return nil, nil
	}
	p.lastPurge = now
	hashes, err := p.store.Purge(now)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if len(hashes) > 0 {
		log.Infow("Purger: purged expired txs", "count", len(hashes))
		metric.MempoolPurged.Add(float64(len(hashes)))
	}
	return hashes, nil
}
