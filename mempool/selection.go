package mempool

import (
	"container/heap"

	"zkrollup-operator/common"
	"zkrollup-operator/database/statedb"
	"zkrollup-operator/log"
)

// chain is the run of proposable txs of one sender with contiguous nonces
type chain struct {
	entries []*entry
	pos     int
}

func (c *chain) head() *entry { return c.entries[c.pos] }

// chainHeap orders chains by the fee density of their head tx, ties broken by
// arrival order
type chainHeap []*chain

func (h chainHeap) Len() int { return len(h) }

func (h chainHeap) Less(i, j int) bool {
	a, b := h[i].head(), h[j].head()
	cmp := common.FeeDensity(a.ptx.Tx.FeeOrZero(), a.chunks).
		Cmp(common.FeeDensity(b.ptx.Tx.FeeOrZero(), b.chunks))
	if cmp != 0 {
		return cmp > 0
	}
	return a.seq < b.seq
}

func (h chainHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *chainHeap) Push(x interface{}) { *h = append(*h, x.(*chain)) }

func (h *chainHeap) Pop() interface{} {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

// senderChain collects the not yet proposed txs of a sender starting at
// nonce next, the nonce of the sender's account, and stopping at the first
// gap.  Proposed txs keep the chain contiguous but are skipped.
func senderChain(txs map[common.Nonce]*entry, next common.Nonce) *chain {
	c := &chain{}
	for e, ok := txs[next]; ok; e, ok = txs[next] {
		if !e.proposed {
			c.entries = append(c.entries, e)
		}
		next++
	}
	if len(c.entries) == 0 {
		return nil
	}
	return c
}

// accountNonce returns the nonce of account id in accounts, or in the last
// sealed state when accounts is nil
func (m *Mempool) accountNonce(accounts statedb.AccountGetter,
	id common.AccountID) (common.Nonce, bool) {
	var (
		acc *common.Account
		err error
	)
	if accounts != nil {
		acc, err = accounts.GetAccount(id)
	} else {
		acc, err = m.state.LastGetAccount(id)
	}
	if err != nil {
		if common.Unwrap(err) != statedb.ErrAccountNotFound {
			log.Warnw("Mempool: reading sender nonce", "account", id, "err", err)
		}
		return 0, false
	}
	return acc.Nonce, true
}

func (m *Mempool) proposeBlock(maxChunks int, accounts statedb.AccountGetter) []*common.Tx {
	h := make(chainHeap, 0, len(m.bySender))
	for id, txs := range m.bySender {
		next, ok := m.accountNonce(accounts, id)
		if !ok {
			continue
		}
		if c := senderChain(txs, next); c != nil {
			h = append(h, c)
		}
	}
	heap.Init(&h)
	var (
		txs  []*common.Tx
		used int
	)
	for h.Len() > 0 {
		c := heap.Pop(&h).(*chain)
		e := c.head()
		if used+e.chunks > maxChunks {
			// later txs of this sender depend on this one
			continue
		}
		used += e.chunks
		e.proposed = true
		txs = append(txs, e.ptx.Tx)
		c.pos++
		if c.pos < len(c.entries) {
			heap.Push(&h, c)
		}
	}
	return txs
}
