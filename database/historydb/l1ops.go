package historydb

import (
	"database/sql"
	"time"

	"zkrollup-operator/common"
	"zkrollup-operator/database"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/russross/meddler"
)

// EnqueueL1Op stores the L1 operation action for block. Enqueueing an
// operation twice returns the stored one.
func (hdb *HistoryDB) EnqueueL1Op(action common.L1Action, block common.BlockNumber) (*common.L1Operation, error) {
	if _, err := hdb.dbWrite.Exec(
		`INSERT INTO l1_operations (action, block_number) VALUES ($1, $2)
		ON CONFLICT (action, block_number) DO NOTHING;`,
		action, block,
	); err != nil {
		return nil, common.Wrap(err)
	}
	return hdb.getL1Op(hdb.dbWrite, action, block)
}

func (hdb *HistoryDB) getL1Op(d meddler.DB, action common.L1Action,
	block common.BlockNumber) (*common.L1Operation, error) {
	op := &common.L1Operation{}
	err := meddler.QueryRow(
		d, op,
		"SELECT * FROM l1_operations WHERE action = $1 AND block_number = $2;",
		action, block,
	)
	return op, common.Wrap(err)
}

// GetL1Op returns the L1 operation action of block, nil if it was not
// enqueued
func (hdb *HistoryDB) GetL1Op(action common.L1Action, block common.BlockNumber) (*common.L1Operation, error) {
	op, err := hdb.getL1Op(hdb.dbRead, action, block)
	if common.Unwrap(err) == sql.ErrNoRows {
		return nil, nil
	}
	return op, err
}

// RecordL1TxAttempt stores a signed transaction before it is sent
func (hdb *HistoryDB) RecordL1TxAttempt(attempt *common.L1TxAttempt) error {
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	return common.Wrap(meddler.Insert(hdb.dbWrite, "l1_op_attempts", attempt))
}

// MarkL1TxConfirmed marks the operation as confirmed by the mined
// transaction finalHash
func (hdb *HistoryDB) MarkL1TxConfirmed(opID int64, finalHash ethCommon.Hash) error {
	_, err := hdb.dbWrite.Exec(
		"UPDATE l1_operations SET confirmed = TRUE, final_hash = $1 WHERE id = $2;",
		finalHash, opID,
	)
	return common.Wrap(err)
}

// LoadPendingL1Ops returns the unconfirmed operations with their attempts,
// in (block, action) pipeline order
func (hdb *HistoryDB) LoadPendingL1Ops() ([]common.PendingL1Operation, error) {
	var ops []*common.L1Operation
	if err := meddler.QueryAll(
		hdb.dbRead, &ops,
		`SELECT * FROM l1_operations WHERE NOT confirmed
		ORDER BY block_number, CASE action WHEN 'commit' THEN 0 WHEN 'verify' THEN 1 ELSE 2 END;`,
	); err != nil {
		return nil, common.Wrap(err)
	}
	var attempts []*common.L1TxAttempt
	if err := meddler.QueryAll(
		hdb.dbRead, &attempts,
		`SELECT l1_op_attempts.* FROM l1_op_attempts
		INNER JOIN l1_operations ON l1_op_attempts.op_id = l1_operations.id
		WHERE NOT l1_operations.confirmed ORDER BY l1_op_attempts.id;`,
	); err != nil {
		return nil, common.Wrap(err)
	}
	byOp := make(map[int64][]common.L1TxAttempt)
	for _, a := range attempts {
		byOp[a.OpID] = append(byOp[a.OpID], *a)
	}
	pending := make([]common.PendingL1Operation, len(ops))
	for i, op := range ops {
		pending[i] = common.PendingL1Operation{Op: *op, Attempts: byOp[op.ID]}
	}
	return pending, nil
}

// GetNextL1Nonce returns the nonce following the highest nonce used by any
// attempt, or nil when no attempt was ever recorded
func (hdb *HistoryDB) GetNextL1Nonce() (*uint64, error) {
	var nonce sql.NullInt64
	if err := hdb.dbRead.QueryRow(
		"SELECT MAX(nonce) FROM l1_op_attempts;",
	).Scan(&nonce); err != nil {
		return nil, common.Wrap(err)
	}
	if !nonce.Valid {
		return nil, nil
	}
	next := uint64(nonce.Int64) + 1
	return &next, nil
}

// GetLastL1OpBlock returns the highest block with an operation of the given
// action, optionally only among the confirmed ones. 0 if there is none.
func (hdb *HistoryDB) GetLastL1OpBlock(action common.L1Action, confirmed bool) (common.BlockNumber, error) {
	query := "SELECT COALESCE(MAX(block_number), 0) FROM l1_operations WHERE action = $1"
	if confirmed {
		query += " AND confirmed"
	}
	var n common.BlockNumber
	err := hdb.dbRead.QueryRow(query+";", action).Scan(&n)
	return n, common.Wrap(err)
}

// LoadLastVerifiedBlock returns the highest block whose Verify operation is
// confirmed on L1, 0 if there is none
func (hdb *HistoryDB) LoadLastVerifiedBlock() (common.BlockNumber, error) {
	return hdb.GetLastL1OpBlock(common.L1ActionVerify, true)
}

// GetL1OpsCount returns the number of unconfirmed L1 operations
func (hdb *HistoryDB) GetL1OpsCount() (int, error) {
	var count int
	err := hdb.dbRead.QueryRow(
		"SELECT COUNT(*) FROM l1_operations WHERE NOT confirmed;",
	).Scan(&count)
	return count, common.Wrap(err)
}

// GetL1OpAttempts returns the attempts of an operation, oldest first
func (hdb *HistoryDB) GetL1OpAttempts(opID int64) ([]common.L1TxAttempt, error) {
	var attempts []*common.L1TxAttempt
	err := meddler.QueryAll(
		hdb.dbRead, &attempts,
		"SELECT * FROM l1_op_attempts WHERE op_id = $1 ORDER BY id;", opID,
	)
	return database.SlicePtrsToSlice(attempts).([]common.L1TxAttempt), common.Wrap(err)
}
