/*
Package statedb keeps the account map of the rollup and its sparse merkle tree
on top of a pebble KVDB with one checkpoint per sealed block.

The StateDB is owned by the state keeper, which is the only writer. Other
goroutines read the state of the last sealed block through the Last* methods.
*/
package statedb

import (
	"errors"
	"math/big"

	"zkrollup-operator/common"
	"zkrollup-operator/database/kvdb"
	"zkrollup-operator/log"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/iden3/go-merkletree"
	"github.com/iden3/go-merkletree/db"
	"github.com/iden3/go-merkletree/db/pebble"
)

const (
	// MaxNLevels is the maximum value of NLevels for the merkle tree,
	// which comes from the fact that AccountID has 24 bits.
	MaxNLevels = common.AccountTreeLevels
)

// Config of the StateDB
type Config struct {
	// Path where the checkpoints will be stored
	Path string
	// Keep is the number of old checkpoints to keep.  If 0, all
	// checkpoints are kept.
	Keep int
	// NoLast skips having an opened DB with a checkpoint to the last
	// block for thread-safe reads.
	NoLast bool
	// NLevels is the number of merkle tree levels. 0 means MaxNLevels.
	NLevels int
}

var (
	// ErrStateDBWithoutMT is used when a method that requires a MerkleTree
	// is called in a StateDB that does not have a MerkleTree defined
	ErrStateDBWithoutMT = errors.New(
		"cannot call method to use MerkleTree in a StateDB without MerkleTree")
	// ErrAccountNotFound is used when an AccountID or address has no account
	ErrAccountNotFound = errors.New("account can not be found")
	// ErrAccountAlreadyExists is used when creating an account over an
	// existing one
	ErrAccountAlreadyExists = errors.New("account already exists")

	// PrefixKeyMTAcc is the key prefix for account merkle tree in the db
	PrefixKeyMTAcc = []byte("ma:")
	// PrefixKeyAccount is the key prefix for the encoded account by id
	PrefixKeyAccount = []byte("a:")
	// PrefixKeyAddr is the key prefix for address -> AccountID in the db
	PrefixKeyAddr = []byte("e:")
)

// StateDB represents the state database with an integrated Merkle tree.
type StateDB struct {
	cfg         Config
	db          *kvdb.KVDB
	AccountTree *merkletree.MerkleTree
}

// AccountGetter reads accounts by id.  The StateDB reads the pending state,
// Last the last checkpoint.
type AccountGetter interface {
	GetAccount(id common.AccountID) (*common.Account, error)
}

// Last is a read view of the last checkpoint
type Last struct {
	db db.Storage
}

// GetAccount returns the account with the given id in the last checkpoint
func (s *Last) GetAccount(id common.AccountID) (*common.Account, error) {
	return getAccountInDB(s.db, id)
}

// GetAccountByAddress returns the account owned by addr in the last
// checkpoint
func (s *Last) GetAccountByAddress(addr ethCommon.Address) (*common.Account, error) {
	id, err := getAccountIDByAddressInDB(s.db, addr)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return getAccountInDB(s.db, id)
}

// DB returns the underlying storage of Last
func (s *Last) DB() db.Storage {
	return s.db
}

// NewStateDB opens the StateDB at cfg.Path, resetting it to its last
// checkpoint
func NewStateDB(cfg Config) (*StateDB, error) {
	if cfg.NLevels == 0 {
		cfg.NLevels = MaxNLevels
	}
	kv, err := kvdb.NewKVDB(kvdb.Config{Path: cfg.Path, Keep: cfg.Keep, NoLast: cfg.NoLast})
	if err != nil {
		return nil, common.Wrap(err)
	}
	mt, err := merkletree.NewMerkleTree(kv.StorageWithPrefix(PrefixKeyMTAcc), cfg.NLevels)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &StateDB{
		cfg:         cfg,
		db:          kv,
		AccountTree: mt,
	}, nil
}

// LastRead is a thread-safe method to query the last checkpoint of the StateDB
// via the Last type methods
func (s *StateDB) LastRead(fn func(sdbLast *Last) error) error {
	return s.db.LastRead(
		func(db *pebble.Storage) error {
			return fn(&Last{
				db: db,
			})
		},
	)
}

// LastGetAccount is a thread-safe method to query an account in the last
// checkpoint of the StateDB.
func (s *StateDB) LastGetAccount(id common.AccountID) (*common.Account, error) {
	var account *common.Account
	if err := s.LastRead(func(sdb *Last) error {
		var err error
		account, err = sdb.GetAccount(id)
		return err
	}); err != nil {
		return nil, common.Wrap(err)
	}
	return account, nil
}

// LastGetAccountByAddress is a thread-safe method to query the account owned
// by addr in the last checkpoint of the StateDB.
func (s *StateDB) LastGetAccountByAddress(addr ethCommon.Address) (*common.Account, error) {
	var account *common.Account
	if err := s.LastRead(func(sdb *Last) error {
		var err error
		account, err = sdb.GetAccountByAddress(addr)
		return err
	}); err != nil {
		return nil, common.Wrap(err)
	}
	return account, nil
}

// Close closes the StateDB.
func (s *StateDB) Close() {
	s.db.Close()
}

// Reset resets the StateDB to the checkpoint at the given block. Reset
// does not delete the checkpoints between old current and the new current,
// those checkpoints will remain in the storage, and eventually will be
// deleted when MakeCheckpoint overwrites them.
func (s *StateDB) Reset(block common.BlockNumber) error {
	log.Debugw("Making StateDB Reset", "block", block)
	if err := s.db.Reset(block); err != nil {
		return common.Wrap(err)
	}
	// open the Account MT for the current s.db
	mt, err := merkletree.NewMerkleTree(s.db.StorageWithPrefix(PrefixKeyMTAcc), s.cfg.NLevels)
	if err != nil {
		return common.Wrap(err)
	}
	s.AccountTree = mt
	return nil
}

// Rebuild replaces the whole state with accounts and checkpoints it as
// block. Used when no checkpoint of block is available.
func (s *StateDB) Rebuild(block common.BlockNumber, accounts map[common.AccountID]*common.Account) error {
	log.Infow("Rebuilding StateDB", "block", block, "accounts", len(accounts))
	if err := s.Reset(0); err != nil {
		return common.Wrap(err)
	}
	ids := make([]common.AccountID, 0, len(accounts))
	for id := range accounts {
		ids = append(ids, id)
	}
	sortAccountIDs(ids)
	for _, id := range ids {
		if _, err := s.CreateAccount(accounts[id]); err != nil {
			return common.Wrap(err)
		}
	}
	if block == 0 {
		return nil
	}
	if err := s.db.SetCurrentBlock(block - 1); err != nil {
		return common.Wrap(err)
	}
	return s.MakeCheckpoint()
}

// MakeCheckpoint does a checkpoint of the next block in the defined path.
// Internally this advances & stores the current BlockNumber, and then stores
// a Checkpoint of the current state of the StateDB.
func (s *StateDB) MakeCheckpoint() error {
	log.Debugw("Making StateDB checkpoint", "block", s.CurrentBlock()+1)
	return s.db.MakeCheckpoint()
}

// CurrentBlock returns the last block checkpointed or reset to
func (s *StateDB) CurrentBlock() common.BlockNumber {
	return s.db.CurrentBlock
}

// CheckpointExists returns true if the checkpoint exists
func (s *StateDB) CheckpointExists(block common.BlockNumber) (bool, error) {
	return s.db.CheckpointExists(block)
}

// NextAccountID returns the id the next created account gets
func (s *StateDB) NextAccountID() common.AccountID {
	return s.db.NextAccountID
}

// DeleteOldCheckpoints deletes old checkpoints when there are more than
// `cfg.Keep` checkpoints
func (s *StateDB) DeleteOldCheckpoints() error {
	return s.db.DeleteOldCheckpoints()
}

// Root returns the root of the account tree
func (s *StateDB) Root() *big.Int {
	return s.AccountTree.Root().BigInt()
}
