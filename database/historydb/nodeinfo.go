package historydb

import (
	"database/sql"
	"time"

	"zkrollup-operator/common"

	"github.com/russross/meddler"
)

// Leader is the content of the leader election row
type Leader struct {
	Name    string    `meddler:"name"`
	VotedAt time.Time `meddler:"voted_at,utctime"`
}

// Vote claims or refreshes the leadership for name. The row is taken over
// only when the current leader did not vote during the last timeout, or when
// name already is the leader. Returns the leader after the vote.
func (hdb *HistoryDB) Vote(name string, timeout time.Duration, now time.Time) (*Leader, error) {
	now = now.UTC()
	if _, err := hdb.dbWrite.Exec(
		`INSERT INTO leader_election (item_id, name, voted_at) VALUES (1, $1, $2)
		ON CONFLICT (item_id) DO UPDATE SET name = EXCLUDED.name, voted_at = EXCLUDED.voted_at
		WHERE leader_election.voted_at < $3 OR leader_election.name = EXCLUDED.name;`,
		name, now, now.Add(-timeout),
	); err != nil {
		return nil, common.Wrap(err)
	}
	return hdb.currentLeader(hdb.dbWrite)
}

// CurrentLeader returns the current leader row, nil if nobody ever voted
func (hdb *HistoryDB) CurrentLeader() (*Leader, error) {
	leader, err := hdb.currentLeader(hdb.dbRead)
	if common.Unwrap(err) == sql.ErrNoRows {
		return nil, nil
	}
	return leader, err
}

func (hdb *HistoryDB) currentLeader(d meddler.DB) (*Leader, error) {
	leader := &Leader{}
	err := meddler.QueryRow(
		d, leader, "SELECT name, voted_at FROM leader_election WHERE item_id = 1;",
	)
	return leader, common.Wrap(err)
}

// NodeStatus is the pipeline progress of the node as exposed by the API and
// the store sourced metrics
type NodeStatus struct {
	LastCommittedBlock common.BlockNumber `json:"lastCommittedBlock" meddler:"last_committed_block"`
	LastCommitMined    common.BlockNumber `json:"lastCommitConfirmed" meddler:"last_commit_confirmed"`
	LastVerifiedBlock  common.BlockNumber `json:"lastVerifiedBlock" meddler:"last_verified_block"`
	LastExecutedBlock  common.BlockNumber `json:"lastExecutedBlock" meddler:"last_executed_block"`
	MempoolSize        int                `json:"mempoolSize" meddler:"mempool_size"`
	PendingL1Ops       int                `json:"pendingL1Operations" meddler:"pending_l1_ops"`
	NextPriorityOp     uint64             `json:"nextPriorityOp" meddler:"next_priority_op"`
	LastL1Block        int64              `json:"lastL1Block" meddler:"last_l1_block"`
	Leader             string             `json:"leader" meddler:"leader"`
}

const nodeStatusQuery = `SELECT
	(SELECT COALESCE(MAX(block_number), 0) FROM blocks) AS last_committed_block,
	(SELECT COALESCE(MAX(block_number), 0) FROM l1_operations
		WHERE action = 'commit' AND confirmed) AS last_commit_confirmed,
	(SELECT COALESCE(MAX(block_number), 0) FROM l1_operations
		WHERE action = 'verify' AND confirmed) AS last_verified_block,
	(SELECT COALESCE(MAX(block_number), 0) FROM l1_operations
		WHERE action = 'execute' AND confirmed) AS last_executed_block,
	(SELECT COUNT(*) FROM mempool) AS mempool_size,
	(SELECT COUNT(*) FROM l1_operations WHERE NOT confirmed) AS pending_l1_ops,
	(SELECT COALESCE(MAX(last_priority_op), 0) FROM blocks) AS next_priority_op,
	(SELECT COALESCE(MAX(last_block), 0) FROM watcher_state) AS last_l1_block,
	(SELECT COALESCE(MAX(name), '') FROM leader_election) AS leader;`

// GetNodeStatus returns the pipeline progress read from the store
func (hdb *HistoryDB) GetNodeStatus() (*NodeStatus, error) {
	return hdb.getNodeStatus(hdb.dbRead)
}

func (hdb *HistoryDB) getNodeStatus(d meddler.DB) (*NodeStatus, error) {
	status := &NodeStatus{}
	err := meddler.QueryRow(d, status, nodeStatusQuery)
	return status, common.Wrap(err)
}
