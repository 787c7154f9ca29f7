package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespaceMempool     = "mempool"
	namespaceSync        = "synchronizer"
	namespaceStateKeeper = "statekeeper"
	namespaceCoordinator = "coordinator"
	namespaceStore       = "store"
)

var (
	// MempoolInsert inserts by result (accepted, replaced, duplicate or
	// the rejection reason)
	MempoolInsert = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceMempool,
			Name:      "insert_total",
			Help:      "",
		}, []string{"result"})

	// MempoolSize txs held in memory
	MempoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceMempool,
			Name:      "size",
			Help:      "",
		})

	// MempoolPurged txs purged after TTL
	MempoolPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespaceMempool,
			Name:      "purged_total",
			Help:      "",
		})

	// Reorgs block reorg count
	Reorgs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespaceSync,
			Name:      "reorgs",
			Help:      "",
		})

	// LastBlockNum last block synced
	LastBlockNum = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceSync,
			Name:      "synced_last_block_num",
			Help:      "",
		})

	// EthLastBlockNum last eth block seen
	EthLastBlockNum = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceSync,
			Name:      "eth_last_block_num",
			Help:      "",
		})

	// PriorityOpsConfirmed priority ops emitted to the state keeper
	PriorityOpsConfirmed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespaceSync,
			Name:      "priority_ops_confirmed_total",
			Help:      "",
		})

	// WatcherAlive is 1 while the L1 watcher reaches the L1 node
	WatcherAlive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceSync,
			Name:      "alive",
			Help:      "",
		})

	// ExecutedOps ops executed by the state keeper
	ExecutedOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceStateKeeper,
			Name:      "executed_ops_total",
			Help:      "",
		}, []string{"type", "success"})

	// BlocksSealed sealed block count
	BlocksSealed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespaceStateKeeper,
			Name:      "blocks_sealed_total",
			Help:      "",
		})

	// LastSealedBlock last sealed block number
	LastSealedBlock = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceStateKeeper,
			Name:      "last_sealed_block",
			Help:      "",
		})

	// BlockChunks used chunks of the sealed blocks
	BlockChunks = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespaceStateKeeper,
			Name:      "block_chunks",
			Help:      "",
			Buckets:   []float64{10, 32, 72, 156, 322}, //nolint:gomnd
		})

	// L1TxSent L1 transactions sent, by action and kind (new or replacement)
	L1TxSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceCoordinator,
			Name:      "l1_tx_sent_total",
			Help:      "",
		}, []string{"action", "kind"})

	// L1TxConfirmed L1 operations confirmed, by action
	L1TxConfirmed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceCoordinator,
			Name:      "l1_tx_confirmed_total",
			Help:      "",
		}, []string{"action"})

	// IsLeader is 1 while this node holds the leadership
	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceCoordinator,
			Name:      "is_leader",
			Help:      "",
		})

	// WaitServerProof duration time to get the calculated
	// proof from the server.
	WaitServerProof = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespaceCoordinator,
			Name:      "wait_server_proof",
			Help:      "",
		}, []string{"block_size"})

	// LastCommittedBlock last block saved by the committer
	LastCommittedBlock = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceStore,
			Name:      "last_committed_block",
			Help:      "",
		})

	// LastVerifiedBlock last block with a confirmed verify
	LastVerifiedBlock = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceStore,
			Name:      "last_verified_block",
			Help:      "",
		})

	// LastExecutedBlock last block with a confirmed execute
	LastExecutedBlock = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceStore,
			Name:      "last_executed_block",
			Help:      "",
		})

	// StoredMempoolSize txs in the mempool table
	StoredMempoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceStore,
			Name:      "mempool_size",
			Help:      "",
		})

	// PendingL1Ops L1 operations not confirmed yet
	PendingL1Ops = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceStore,
			Name:      "pending_l1_ops",
			Help:      "",
		})
)

func init() {
	prometheus.MustRegister(
		MempoolInsert, MempoolSize, MempoolPurged,
		Reorgs, LastBlockNum, EthLastBlockNum, PriorityOpsConfirmed, WatcherAlive,
		ExecutedOps, BlocksSealed, LastSealedBlock, BlockChunks,
		L1TxSent, L1TxConfirmed, IsLeader, WaitServerProof,
		LastCommittedBlock, LastVerifiedBlock, LastExecutedBlock,
		StoredMempoolSize, PendingL1Ops,
	)
}

// MeasureDuration measure the method execution duration
// and save it into a histogram metric
func MeasureDuration(histogram *prometheus.HistogramVec, start time.Time, lvs ...string) {
	duration := time.Since(start)
	histogram.WithLabelValues(lvs...).Observe(float64(duration.Milliseconds()))
}

// BoolValue returns 1 for true and 0 for false
func BoolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
