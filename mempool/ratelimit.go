package mempool

import (
	"time"

	"zkrollup-operator/common"

	"github.com/jonboulle/clockwork"
)

// RateLimitWindow is the length of the fee-less ChangePubKey window
const RateLimitWindow = 24 * time.Hour

// rateLimiter counts fee-less ChangePubKey txs per account. The counters are
// dropped when the window elapses.
type rateLimiter struct {
	clock       clockwork.Clock
	limit       int
	windowStart time.Time
	counts      map[common.AccountID]int
}

func newRateLimiter(clock clockwork.Clock, limit int) *rateLimiter {
	return &rateLimiter{
		clock:       clock,
		limit:       limit,
		windowStart: clock.Now(),
		counts:      make(map[common.AccountID]int),
	}
}

func (r *rateLimiter) roll() {
	if now := r.clock.Now(); now.Sub(r.windowStart) >= RateLimitWindow {
		r.windowStart = now
		r.counts = make(map[common.AccountID]int)
	}
}

// allow returns ErrRateLimit when id reached the limit in the current window
func (r *rateLimiter) allow(id common.AccountID) error {
	r.roll()
	if r.counts[id] >= r.limit {
		return common.Wrap(common.ErrRateLimit)
	}
	return nil
}

// restore counts a tx reloaded from the store that was received at at.  The
// window is moved back to the oldest counted tx.
func (r *rateLimiter) restore(id common.AccountID, at time.Time) {
	if r.clock.Now().Sub(at) >= RateLimitWindow {
		return
	}
	if at.Before(r.windowStart) {
		r.windowStart = at
	}
	r.counts[id]++
}

func (r *rateLimiter) record(id common.AccountID) {
	r.roll()
	r.counts[id]++
}
