/*
Package l2db is responsible for storing and retrieving the transactions received
by the operator through the api and kept in the mempool until they are executed
in a block or expire.

This package is spitted in different files following these ideas:
- l2db.go: constructor and functions used by packages other than the api.
- apiqueries.go: functions used by the API, the queries implemented in this functions use a semaphore
to restrict the maximum concurrent connections to the database.
*/
package l2db

import (
	"errors"
	"fmt"
	"time"

	"zkrollup-operator/common"
	"zkrollup-operator/database"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/russross/meddler"
)

var (
	// ErrPoolFull is returned when the mempool table holds maxTxs transactions
	ErrPoolFull = fmt.Errorf("the pool is at full capacity. More transactions are not accepted currently")
)

// L2DB stores the mempool transactions and keeps them until they are no
// longer relevant due to them being executed or expired
type L2DB struct {
	dbRead     *sqlx.DB
	dbWrite    *sqlx.DB
	ttl        time.Duration
	maxTxs     uint32 // limit of txs that are accepted in the pool
	apiConnCon *database.APIConnectionController
}

// NewL2DB creates a L2DB.
// To create it, it's needed db connection, maxTxs that the DB should have and
// TTL (time to live) for pending txs.
func NewL2DB(
	dbRead, dbWrite *sqlx.DB,
	maxTxs uint32,
	TTL time.Duration,
	apiConnCon *database.APIConnectionController,
) *L2DB {
	return &L2DB{
		dbRead:     dbRead,
		dbWrite:    dbWrite,
		ttl:        TTL,
		maxTxs:     maxTxs,
		apiConnCon: apiConnCon,
	}
}

// DB returns a pointer to the L2DB.db. This method should be used only for
// internal testing purposes.
func (l2db *L2DB) DB() *sqlx.DB {
	return l2db.dbWrite
}

// TTL returns the time after which a pending tx is purged
func (l2db *L2DB) TTL() time.Duration {
	return l2db.ttl
}

// Insert adds a transaction to the pool. The insert fails with ErrPoolFull if
// the pool already holds maxTxs transactions.
func (l2db *L2DB) Insert(ptx *common.PoolTx) error {
	values, err := meddler.Default.Values(ptx, true)
	if err != nil {
		return common.Wrap(err)
	}
	// This query creates a temporary table containing the values to insert
	// that will only get selected if the pool is not full
	query := `INSERT INTO mempool (tx_hash, account_id, nonce, tx, received_at)
	SELECT * FROM (VALUES (?::BYTEA, ?::BIGINT, ?::BIGINT, ?::JSONB, ?::TIMESTAMP)) as tmp
	WHERE (SELECT COUNT(*) FROM mempool) < ?;`
	values = append(values, l2db.maxTxs)
	res, err := l2db.dbWrite.Exec(l2db.dbWrite.Rebind(query), values...)
	if isUniqueViolation(err) {
		// same hash, or same sender and nonce, still in the table
		return common.Wrap(fmt.Errorf("%w: %v", common.ErrDuplicateTx, err))
	} else if err != nil {
		return common.Wrap(err)
	}
	if rowsAffected, err := res.RowsAffected(); err != nil || rowsAffected == 0 {
		// If the query didn't affect any row, and there is no error in the query
		// it's safe to assume that the WHERE clause wasn't true, and so the pool is full
		return common.Wrap(ErrPoolFull)
	}
	return nil
}

// Replace swaps the pending tx old for ptx (same sender and nonce) in one
// transaction
func (l2db *L2DB) Replace(old ethCommon.Hash, ptx *common.PoolTx) (err error) {
	txn, err := l2db.dbWrite.Beginx()
	if err != nil {
		return common.Wrap(err)
	}
	defer func() {
		if err != nil {
			database.Rollback(txn)
		}
	}()
	if _, err = txn.Exec("DELETE FROM mempool WHERE tx_hash = $1;", old); err != nil {
		return common.Wrap(err)
	}
	if err = meddler.Insert(txn, "mempool", ptx); err != nil {
		return common.Wrap(err)
	}
	return common.Wrap(txn.Commit())
}

// GetTx returns the pending tx with the given hash
func (l2db *L2DB) GetTx(hash ethCommon.Hash) (*common.PoolTx, error) {
	ptx := new(common.PoolTx)
	return ptx, common.Wrap(meddler.QueryRow(
		l2db.dbRead, ptx,
		"SELECT * FROM mempool WHERE tx_hash = $1;",
		hash,
	))
}

// GetAll returns every pending tx in reception order
func (l2db *L2DB) GetAll() ([]common.PoolTx, error) {
	var txs []*common.PoolTx
	err := meddler.QueryAll(
		l2db.dbRead, &txs,
		"SELECT * FROM mempool ORDER BY received_at, account_id, nonce;",
	)
	return database.SlicePtrsToSlice(txs).([]common.PoolTx), common.Wrap(err)
}

// Remove deletes the txs with the given hashes
func (l2db *L2DB) Remove(hashes []ethCommon.Hash) error {
	if len(hashes) == 0 {
		return nil
	}
	query, args, err := sqlx.In("DELETE FROM mempool WHERE tx_hash IN (?);", hashes)
	if err != nil {
		return common.Wrap(err)
	}
	query = l2db.dbWrite.Rebind(query)
	_, err = l2db.dbWrite.Exec(query, args...)
	return common.Wrap(err)
}

// Purge deletes the txs received before now - TTL and returns their hashes
func (l2db *L2DB) Purge(now time.Time) ([]ethCommon.Hash, error) {
	rows, err := l2db.dbWrite.Query(
		"DELETE FROM mempool WHERE received_at < $1 RETURNING tx_hash;",
		now.Add(-l2db.ttl).UTC(),
	)
	if err != nil {
		return nil, common.Wrap(err)
	}
	defer rows.Close() //nolint:errcheck
	var hashes []ethCommon.Hash
	for rows.Next() {
		var hash ethCommon.Hash
		if err := rows.Scan(&hash); err != nil {
			return nil, common.Wrap(err)
		}
		hashes = append(hashes, hash)
	}
	return hashes, common.Wrap(rows.Err())
}

// Count returns the number of pending txs
func (l2db *L2DB) Count() (int, error) {
	var count int
	err := l2db.dbRead.QueryRow("SELECT COUNT(*) FROM mempool;").Scan(&count)
	return count, common.Wrap(err)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation"
}
