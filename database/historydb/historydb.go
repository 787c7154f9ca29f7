/*
Package historydb is the persistent store of the operator: committed blocks
and the account state they produce, confirmed priority operations, tokens,
the L1 operations sent for each block and the leader election row.

This package is split in different files following these ideas:
- historydb.go: constructor, blocks, accounts, priority ops and tokens.
- l1ops.go: the L1 operations and the transactions sent for them.
- nodeinfo.go: leader election and node status.
- apiqueries.go: functions used by the API, the queries implemented in these
functions use a semaphore to restrict the maximum concurrent connections to
the database.
- views.go: structs used to retrieve/store data from/to the database.
*/
package historydb

import (
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"zkrollup-operator/common"
	"zkrollup-operator/database"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	"github.com/russross/meddler"
)

// HistoryDB persist the historic of the rollup
type HistoryDB struct {
	dbRead     *sqlx.DB
	dbWrite    *sqlx.DB
	apiConnCon *database.APIConnectionController
}

// NewHistoryDB initialize the DB
func NewHistoryDB(dbRead, dbWrite *sqlx.DB, apiConnCon *database.APIConnectionController) *HistoryDB {
	return &HistoryDB{
		dbRead:     dbRead,
		dbWrite:    dbWrite,
		apiConnCon: apiConnCon,
	}
}

// DB returns a pointer to the HistoryDB.db. This method should be used only for
// internal testing purposes.
func (hdb *HistoryDB) DB() *sqlx.DB {
	return hdb.dbWrite
}

// RegisterToken inserts a token. Registering the same token twice is a no-op.
func (hdb *HistoryDB) RegisterToken(token *common.Token) error {
	_, err := hdb.dbWrite.Exec(
		`INSERT INTO tokens (token_id, eth_block_num, eth_addr, symbol, decimals)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT (token_id) DO NOTHING;`,
		token.TokenID, token.EthBlockNum, token.EthAddr, token.Symbol, token.Decimals,
	)
	return common.Wrap(err)
}

// GetTokens returns all the registered tokens ordered by id
func (hdb *HistoryDB) GetTokens() ([]common.Token, error) {
	var tokens []*common.Token
	err := meddler.QueryAll(
		hdb.dbRead, &tokens,
		"SELECT * FROM tokens ORDER BY token_id;",
	)
	return database.SlicePtrsToSlice(tokens).([]common.Token), common.Wrap(err)
}

// GetToken returns the token with the given id
func (hdb *HistoryDB) GetToken(tokenID common.TokenID) (*common.Token, error) {
	token := &common.Token{}
	err := meddler.QueryRow(
		hdb.dbRead, token, "SELECT * FROM tokens WHERE token_id = $1;", tokenID,
	)
	return token, common.Wrap(err)
}

// AddPriorityOps stores confirmed priority operations. An op already stored
// (same serial id) is ignored.
func (hdb *HistoryDB) AddPriorityOps(ops []common.PriorityOp) (err error) {
	if len(ops) == 0 {
		return nil
	}
	txn, err := hdb.dbWrite.Beginx()
	if err != nil {
		return common.Wrap(err)
	}
	defer func() {
		if err != nil {
			database.Rollback(txn)
		}
	}()
	for i := range ops {
		op := &ops[i]
		row := priorityOpRow{
			SerialID:      op.SerialID,
			Type:          op.Type,
			EthHash:       op.EthHash,
			EthBlock:      op.EthBlock,
			EthLogIndex:   op.EthLogIndex,
			DeadlineBlock: op.DeadlineBlock,
			Op:            op,
		}
		values, err := meddler.Default.Values(&row, true)
		if err != nil {
			return common.Wrap(err)
		}
		if _, err = txn.Exec(
			`INSERT INTO priority_operations (serial_id, op_type, eth_hash, eth_block,
			eth_log_index, deadline_block, op) VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (serial_id) DO NOTHING;`,
			values...,
		); err != nil {
			return common.Wrap(err)
		}
	}
	return common.Wrap(txn.Commit())
}

// GetUnprocessedPriorityOps returns the confirmed priority ops with serial id
// >= from, in serial order
func (hdb *HistoryDB) GetUnprocessedPriorityOps(from uint64) ([]common.PriorityOp, error) {
	var rows []*priorityOpRow
	if err := meddler.QueryAll(
		hdb.dbRead, &rows,
		"SELECT * FROM priority_operations WHERE serial_id >= $1 ORDER BY serial_id;",
		from,
	); err != nil {
		return nil, common.Wrap(err)
	}
	ops := make([]common.PriorityOp, 0, len(rows))
	for _, row := range rows {
		ops = append(ops, *row.Op)
	}
	return ops, nil
}

// GetNextPriorityOpSerial returns the serial id the next confirmed priority
// op must have
func (hdb *HistoryDB) GetNextPriorityOpSerial() (uint64, error) {
	row := hdb.dbRead.QueryRow("SELECT COALESCE(MAX(serial_id) + 1, 0) FROM priority_operations;")
	var next uint64
	return next, common.Wrap(row.Scan(&next))
}

// SaveBlock stores a sealed block with its executed operations and account
// updates, applies the updates to the committed state, removes the executed
// transactions from the mempool and enqueues the Commit L1 operation of the
// block, all in one SQL transaction. The block must be the successor of the
// last stored block.
func (hdb *HistoryDB) SaveBlock(block *common.Block,
	updates []common.AccountUpdate) (l1Op *common.L1Operation, err error) {
	txn, err := hdb.dbWrite.Beginx()
	if err != nil {
		return nil, common.Wrap(err)
	}
	defer func() {
		if err != nil {
			database.Rollback(txn)
		}
	}()

	last, err := hdb.lastBlockNumber(txn)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if block.Number != last+1 {
		return nil, common.NewFatal(fmt.Errorf("%w: saving block %d after block %d",
			common.ErrBlockGap, block.Number, last))
	}
	if err = meddler.Insert(txn, "blocks", block); err != nil {
		return nil, common.Wrap(err)
	}
	if err = hdb.addExecutedOps(txn, block); err != nil {
		return nil, common.Wrap(err)
	}
	writes := make([]accountUpdateWrite, len(updates))
	for i := range updates {
		writes[i] = newAccountUpdateWrite(block.Number, i, &updates[i])
	}
	if err = database.BulkInsert(
		txn,
		`INSERT INTO account_updates (
			block_number,
			update_order,
			update_type,
			account_id,
			address,
			nonce,
			token_id,
			old_balance,
			new_balance,
			old_nonce,
			new_nonce,
			old_pub_key_hash,
			new_pub_key_hash
		) VALUES %s;`,
		writes,
	); err != nil {
		return nil, common.Wrap(err)
	}
	for i := range updates {
		if err = applyAccountUpdate(txn, &updates[i]); err != nil {
			return nil, common.Wrap(err)
		}
	}
	if err = removeExecutedFromMempool(txn, block); err != nil {
		return nil, common.Wrap(err)
	}
	l1Op = &common.L1Operation{
		Action:      common.L1ActionCommit,
		BlockNumber: block.Number,
		CreatedAt:   time.Now().UTC(),
	}
	if err = meddler.Insert(txn, "l1_operations", l1Op); err != nil {
		return nil, common.Wrap(err)
	}
	return l1Op, common.Wrap(txn.Commit())
}

func (hdb *HistoryDB) addExecutedOps(d meddler.DB, block *common.Block) error {
	var txs []executedTxWrite
	var priorityOps []executedPriorityOpWrite
	for _, e := range block.ExecutedOps {
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = block.Timestamp
		}
		if e.IsPriorityOp() {
			priorityOps = append(priorityOps, executedPriorityOpWrite{
				BlockNumber: block.Number,
				BlockIndex:  e.BlockIndex,
				SerialID:    e.PriorityOp.SerialID,
				PriorityOp:  e.PriorityOp,
				Op:          e.Op,
				CreatedAt:   createdAt.UTC(),
			})
			continue
		}
		hash, err := e.Tx.Hash()
		if err != nil {
			return common.Wrap(err)
		}
		var failReason *string
		if !e.Success {
			reason := e.FailReason
			failReason = &reason
		}
		txs = append(txs, executedTxWrite{
			BlockNumber: block.Number,
			BlockIndex:  e.BlockIndex,
			TxHash:      hash,
			AccountID:   e.Tx.AccountID,
			Nonce:       e.Tx.Nonce,
			Tx:          e.Tx,
			Op:          e.Op,
			Success:     e.Success,
			FailReason:  failReason,
			CreatedAt:   createdAt.UTC(),
		})
	}
	if err := database.BulkInsert(
		d,
		`INSERT INTO executed_transactions (
			block_number,
			block_index,
			tx_hash,
			account_id,
			nonce,
			tx,
			op,
			success,
			fail_reason,
			created_at
		) VALUES %s;`,
		txs,
	); err != nil {
		return common.Wrap(err)
	}
	return common.Wrap(database.BulkInsert(
		d,
		`INSERT INTO executed_priority_operations (
			block_number,
			block_index,
			serial_id,
			priority_op,
			op,
			created_at
		) VALUES %s;`,
		priorityOps,
	))
}

func removeExecutedFromMempool(d sqlx.Execer, block *common.Block) error {
	var hashes []ethCommon.Hash
	for _, e := range block.ExecutedOps {
		if e.Tx == nil {
			continue
		}
		hash, err := e.Tx.Hash()
		if err != nil {
			return common.Wrap(err)
		}
		hashes = append(hashes, hash)
	}
	if len(hashes) == 0 {
		return nil
	}
	query, args, err := sqlx.In("DELETE FROM mempool WHERE tx_hash IN (?);", hashes)
	if err != nil {
		return common.Wrap(err)
	}
	_, err = d.Exec(sqlx.Rebind(sqlx.DOLLAR, query), args...)
	return common.Wrap(err)
}

// applyAccountUpdate writes a single update into accounts/account_balances
func applyAccountUpdate(d sqlx.Execer, u *common.AccountUpdate) error {
	var err error
	switch u.Type {
	case common.AccountUpdateCreate:
		_, err = d.Exec(
			`INSERT INTO accounts (account_id, address, pub_key_hash, nonce)
			VALUES ($1, $2, $3, $4);`,
			u.AccountID, u.Address, common.PubKeyHash{}, u.Nonce,
		)
	case common.AccountUpdateDelete:
		_, err = d.Exec("DELETE FROM accounts WHERE account_id = $1;", u.AccountID)
	case common.AccountUpdateBalance:
		if u.NewBalance == nil || u.NewBalance.Sign() == 0 {
			_, err = d.Exec(
				"DELETE FROM account_balances WHERE account_id = $1 AND token_id = $2;",
				u.AccountID, u.Token,
			)
		} else {
			_, err = d.Exec(
				`INSERT INTO account_balances (account_id, token_id, balance)
				VALUES ($1, $2, $3)
				ON CONFLICT (account_id, token_id) DO UPDATE SET balance = EXCLUDED.balance;`,
				u.AccountID, u.Token, u.NewBalance.String(),
			)
		}
		if err == nil {
			_, err = d.Exec("UPDATE accounts SET nonce = $1 WHERE account_id = $2;",
				u.NewNonce, u.AccountID)
		}
	case common.AccountUpdatePubKeyHash:
		_, err = d.Exec(
			"UPDATE accounts SET pub_key_hash = $1, nonce = $2 WHERE account_id = $3;",
			u.NewPubKeyHash, u.NewNonce, u.AccountID,
		)
	default:
		err = fmt.Errorf("unknown account update type %q", u.Type)
	}
	return common.Wrap(err)
}

func (hdb *HistoryDB) lastBlockNumber(d meddler.DB) (common.BlockNumber, error) {
	row := d.QueryRow("SELECT COALESCE(MAX(block_number), 0) FROM blocks;")
	var n common.BlockNumber
	return n, common.Wrap(row.Scan(&n))
}

// GetLastBlockNumber returns the number of the last saved block, 0 if there
// is none
func (hdb *HistoryDB) GetLastBlockNumber() (common.BlockNumber, error) {
	return hdb.lastBlockNumber(hdb.dbRead)
}

// LoadLastCommittedBlock returns the last saved block without its
// operations, or nil if no block was saved yet
func (hdb *HistoryDB) LoadLastCommittedBlock() (*common.Block, error) {
	block := &common.Block{}
	err := meddler.QueryRow(
		hdb.dbRead, block, "SELECT * FROM blocks ORDER BY block_number DESC LIMIT 1;",
	)
	if common.Unwrap(err) == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, common.Wrap(err)
	}
	return block, nil
}

// GetBlock returns the block with the given number including its executed
// operations ordered by block index
func (hdb *HistoryDB) GetBlock(number common.BlockNumber) (*common.Block, error) {
	block := &common.Block{}
	if err := meddler.QueryRow(
		hdb.dbRead, block, "SELECT * FROM blocks WHERE block_number = $1;", number,
	); err != nil {
		return nil, common.Wrap(err)
	}
	var txs []*executedTxWrite
	if err := meddler.QueryAll(
		hdb.dbRead, &txs,
		"SELECT * FROM executed_transactions WHERE block_number = $1 ORDER BY block_index;",
		number,
	); err != nil {
		return nil, common.Wrap(err)
	}
	var priorityOps []*executedPriorityOpWrite
	if err := meddler.QueryAll(
		hdb.dbRead, &priorityOps,
		"SELECT * FROM executed_priority_operations WHERE block_number = $1 ORDER BY block_index;",
		number,
	); err != nil {
		return nil, common.Wrap(err)
	}
	block.ExecutedOps = make([]*common.ExecutedOperation, 0, len(txs)+len(priorityOps))
	i, j := 0, 0
	for i < len(txs) || j < len(priorityOps) {
		if j >= len(priorityOps) || (i < len(txs) && txs[i].BlockIndex < priorityOps[j].BlockIndex) {
			tx := txs[i]
			e := &common.ExecutedOperation{
				BlockNumber: number,
				BlockIndex:  tx.BlockIndex,
				Tx:          tx.Tx,
				Op:          tx.Op,
				Success:     tx.Success,
				CreatedAt:   tx.CreatedAt,
			}
			if tx.FailReason != nil {
				e.FailReason = *tx.FailReason
			}
			block.ExecutedOps = append(block.ExecutedOps, e)
			i++
			continue
		}
		p := priorityOps[j]
		block.ExecutedOps = append(block.ExecutedOps, &common.ExecutedOperation{
			BlockNumber: number,
			BlockIndex:  p.BlockIndex,
			PriorityOp:  p.PriorityOp,
			Op:          p.Op,
			Success:     true,
			CreatedAt:   p.CreatedAt,
		})
		j++
	}
	return block, nil
}

// GetExecutedTx returns the execution of the transaction with the given hash,
// or nil if it was not executed
func (hdb *HistoryDB) GetExecutedTx(hash ethCommon.Hash) (*common.ExecutedOperation, error) {
	tx := &executedTxWrite{}
	err := meddler.QueryRow(
		hdb.dbRead, tx,
		`SELECT * FROM executed_transactions WHERE tx_hash = $1
		ORDER BY block_number DESC LIMIT 1;`, hash,
	)
	if common.Unwrap(err) == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, common.Wrap(err)
	}
	e := &common.ExecutedOperation{
		BlockNumber: tx.BlockNumber,
		BlockIndex:  tx.BlockIndex,
		Tx:          tx.Tx,
		Op:          tx.Op,
		Success:     tx.Success,
		CreatedAt:   tx.CreatedAt,
	}
	if tx.FailReason != nil {
		e.FailReason = *tx.FailReason
	}
	return e, nil
}

// LoadCommittedState returns the account state after block at. The accounts
// table holds the state after the last saved block; the updates of the
// blocks after at are undone in memory.
func (hdb *HistoryDB) LoadCommittedState(at common.BlockNumber) (map[common.AccountID]*common.Account, error) {
	accounts, err := hdb.loadAccounts(hdb.dbRead)
	if err != nil {
		return nil, common.Wrap(err)
	}
	updates, err := hdb.getAccountUpdatesAfter(hdb.dbRead, at)
	if err != nil {
		return nil, common.Wrap(err)
	}
	for i := len(updates) - 1; i >= 0; i-- {
		if err := common.ApplyAccountUpdate(accounts, updates[i].Reverse()); err != nil {
			return nil, common.Wrap(err)
		}
	}
	return accounts, nil
}

func (hdb *HistoryDB) loadAccounts(d meddler.DB) (map[common.AccountID]*common.Account, error) {
	var accs []*common.Account
	if err := meddler.QueryAll(
		d, &accs, "SELECT * FROM accounts ORDER BY account_id;",
	); err != nil {
		return nil, common.Wrap(err)
	}
	var balances []*balanceRow
	if err := meddler.QueryAll(
		d, &balances, "SELECT * FROM account_balances;",
	); err != nil {
		return nil, common.Wrap(err)
	}
	accounts := make(map[common.AccountID]*common.Account, len(accs))
	for _, acc := range accs {
		acc.Balances = make(map[common.TokenID]*big.Int)
		accounts[acc.ID] = acc
	}
	for _, b := range balances {
		acc, ok := accounts[b.AccountID]
		if !ok {
			return nil, common.Wrap(fmt.Errorf("balance of unknown account %d", b.AccountID))
		}
		acc.SetBalance(b.TokenID, b.Balance)
	}
	return accounts, nil
}

// getAccountUpdatesAfter returns the updates of the blocks after block, in
// application order
func (hdb *HistoryDB) getAccountUpdatesAfter(d meddler.DB,
	block common.BlockNumber) ([]common.AccountUpdate, error) {
	var rows []*accountUpdateWrite
	if err := meddler.QueryAll(
		d, &rows,
		`SELECT block_number, update_order, update_type, account_id, address, nonce,
		token_id, old_balance, new_balance, old_nonce, new_nonce, old_pub_key_hash,
		new_pub_key_hash FROM account_updates WHERE block_number > $1
		ORDER BY block_number, update_order;`,
		block,
	); err != nil {
		return nil, common.Wrap(err)
	}
	updates := make([]common.AccountUpdate, len(rows))
	for i, row := range rows {
		updates[i] = row.update()
	}
	return updates, nil
}

// GetAccount returns the committed account with the given id
func (hdb *HistoryDB) GetAccount(id common.AccountID) (*common.Account, error) {
	return hdb.getAccount(hdb.dbRead, "account_id = $1", id)
}

// GetAccountByAddress returns the committed account owned by addr. When
// several accounts share the address the first created one is returned.
func (hdb *HistoryDB) GetAccountByAddress(addr ethCommon.Address) (*common.Account, error) {
	return hdb.getAccount(hdb.dbRead, "address = $1", addr)
}

func (hdb *HistoryDB) getAccount(d meddler.DB, where string, arg interface{}) (*common.Account, error) {
	acc := &common.Account{}
	if err := meddler.QueryRow(
		d, acc,
		"SELECT * FROM accounts WHERE "+where+" ORDER BY account_id LIMIT 1;", arg,
	); err != nil {
		return nil, common.Wrap(err)
	}
	var balances []*balanceRow
	if err := meddler.QueryAll(
		d, &balances,
		"SELECT * FROM account_balances WHERE account_id = $1;", acc.ID,
	); err != nil {
		return nil, common.Wrap(err)
	}
	acc.Balances = make(map[common.TokenID]*big.Int, len(balances))
	for _, b := range balances {
		acc.SetBalance(b.TokenID, b.Balance)
	}
	return acc, nil
}

// RevertBlocks deletes the blocks >= from, undoes their account updates on
// the committed state and puts their transactions back into the mempool.
// The L1 operations of the reverted blocks are deleted as well. Returns the
// transactions that were re-queued.
func (hdb *HistoryDB) RevertBlocks(from common.BlockNumber) (requeued int, err error) {
	if from == 0 {
		return 0, common.Wrap(fmt.Errorf("block 0 can not be reverted"))
	}
	txn, err := hdb.dbWrite.Beginx()
	if err != nil {
		return 0, common.Wrap(err)
	}
	defer func() {
		if err != nil {
			database.Rollback(txn)
		}
	}()
	updates, err := hdb.getAccountUpdatesAfter(txn, from-1)
	if err != nil {
		return 0, common.Wrap(err)
	}
	for i := len(updates) - 1; i >= 0; i-- {
		reverse := updates[i].Reverse()
		if err = applyAccountUpdate(txn, &reverse); err != nil {
			return 0, common.Wrap(err)
		}
	}
	res, err := txn.Exec(
		`INSERT INTO mempool (tx_hash, account_id, nonce, tx)
		SELECT tx_hash, account_id, nonce, tx FROM executed_transactions
		WHERE block_number >= $1 AND success
		ON CONFLICT DO NOTHING;`, from,
	)
	if err != nil {
		return 0, common.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, common.Wrap(err)
	}
	if _, err = txn.Exec("DELETE FROM l1_operations WHERE block_number >= $1;", from); err != nil {
		return 0, common.Wrap(err)
	}
	if _, err = txn.Exec("DELETE FROM blocks WHERE block_number >= $1;", from); err != nil {
		return 0, common.Wrap(err)
	}
	return int(n), common.Wrap(txn.Commit())
}

// SetWatcherState stores the last L1 block processed by the watcher
func (hdb *HistoryDB) SetWatcherState(state *WatcherState) error {
	_, err := hdb.dbWrite.Exec(
		`INSERT INTO watcher_state (item_id, last_block, last_block_hash, updated_at)
		VALUES (1, $1, $2, timezone('utc', now()))
		ON CONFLICT (item_id) DO UPDATE SET last_block = EXCLUDED.last_block,
		last_block_hash = EXCLUDED.last_block_hash, updated_at = EXCLUDED.updated_at;`,
		state.LastBlock, state.LastBlockHash,
	)
	return common.Wrap(err)
}

// GetWatcherState returns the stored watcher progress, nil if there is none
func (hdb *HistoryDB) GetWatcherState() (*WatcherState, error) {
	state := &WatcherState{}
	err := meddler.QueryRow(
		hdb.dbRead, state,
		"SELECT last_block, last_block_hash FROM watcher_state WHERE item_id = 1;",
	)
	if common.Unwrap(err) == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, common.Wrap(err)
	}
	return state, nil
}

// StoreProof stores the proof of a block
func (hdb *HistoryDB) StoreProof(number common.BlockNumber, proof []byte) error {
	_, err := hdb.dbWrite.Exec(
		`INSERT INTO proofs (block_number, proof) VALUES ($1, $2)
		ON CONFLICT (block_number) DO UPDATE SET proof = EXCLUDED.proof;`,
		number, proof,
	)
	return common.Wrap(err)
}

// GetProof returns the proof of a block, nil if it is not stored
func (hdb *HistoryDB) GetProof(number common.BlockNumber) ([]byte, error) {
	var proof []byte
	err := hdb.dbRead.QueryRow(
		"SELECT proof FROM proofs WHERE block_number = $1;", number,
	).Scan(&proof)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return proof, common.Wrap(err)
}
