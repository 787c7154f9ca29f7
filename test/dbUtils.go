package test

import (
	"fmt"
	"strings"

	dbUtils "zkrollup-operator/database"

	"github.com/jmoiron/sqlx"
)

// storeTables are every table of the schema, children first
var storeTables = []string{
	"l1_op_attempts", "l1_operations", "proofs",
	"executed_priority_operations", "executed_transactions", "account_updates",
	"blocks", "priority_operations", "mempool",
	"account_balances", "accounts", "tokens",
	"leader_election", "watcher_state",
}

// nativeTokenRow is the token 0 row seeded by the first migration
const nativeTokenRow = `INSERT INTO tokens (token_id, eth_block_num, eth_addr, symbol, decimals)
VALUES (0, 0, DECODE('0000000000000000000000000000000000000000', 'hex'), 'ETH', 18);`

// WipeDB empties every table of the store, restarts their sequences and
// seeds the native token again.  The schema is migrated up first, so a fresh
// database works too.
func WipeDB(db *sqlx.DB) {
	if err := dbUtils.MigrationsUp(db.DB); err != nil {
		panic(err)
	}
	query := fmt.Sprintf("TRUNCATE %s RESTART IDENTITY CASCADE;", strings.Join(storeTables, ", "))
	if _, err := db.Exec(query); err != nil {
		panic(err)
	}
	if _, err := db.Exec(nativeTokenRow); err != nil {
		panic(err)
	}
}
