/*
Package kvdb is the pebble storage of the account tree with one checkpoint per
sealed block.

The directory at Config.Path holds:

	current/        the store the state keeper writes to
	last/           a copy of the newest checkpoint, read by the API
	block-<N>/      the state after block N

Every MakeCheckpoint advances the current block, snapshots current/ into
block-<N>/ and refreshes last/.  Reset(N) drops the checkpoints after N and
copies block-<N>/ back into current/.  Checkpoint numbers are always
contiguous.
*/
package kvdb

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"zkrollup-operator/common"
	"zkrollup-operator/log"

	"github.com/iden3/go-merkletree/db"
	"github.com/iden3/go-merkletree/db/pebble"
)

const (
	dirCurrent          = "current"
	dirLast             = "last"
	checkpointDirPrefix = "block-"
	// DefaultKeep is the default number of block checkpoints kept on disk
	DefaultKeep = 128
)

var (
	keyCurrentBlock  = []byte("meta:block")
	keyNextAccountID = []byte("meta:nextaccount")
	// ErrNoLast is returned by LastRead when the KVDB runs without the last
	// block view
	ErrNoLast = fmt.Errorf("kvdb opened without the last block view")
)

// Config of the KVDB
type Config struct {
	// Path of the directory holding the current store and the checkpoints
	Path string
	// Keep is the number of block checkpoints kept, 0 keeps them all
	Keep int
	// NoLast disables the last block view
	NoLast bool
}

// KVDB is the account tree storage with block checkpoints
type KVDB struct {
	cfg Config
	db  *pebble.Storage
	// CurrentBlock is the last sealed block of the current store
	CurrentBlock common.BlockNumber
	// NextAccountID is the id the next created account gets
	NextAccountID common.AccountID

	copyMu  sync.Mutex
	pruneMu sync.Mutex
	pruneWg sync.WaitGroup
	last    *lastView
}

// lastView is the read only copy of the newest checkpoint
type lastView struct {
	dir string
	rw  sync.RWMutex
	db  *pebble.Storage
}

// replace swaps the view for the store built by fill in the view directory
func (v *lastView) replace(fill func(dir string) error) error {
	v.rw.Lock()
	defer v.rw.Unlock()
	v.closeLocked()
	if err := os.RemoveAll(v.dir); err != nil {
		return common.Wrap(err)
	}
	if err := fill(v.dir); err != nil {
		return common.Wrap(err)
	}
	sto, err := pebble.NewPebbleStorage(v.dir, false)
	if err != nil {
		return common.Wrap(err)
	}
	v.db = sto
	return nil
}

func (v *lastView) closeLocked() {
	if v.db != nil {
		v.db.Close()
		v.db = nil
	}
}

func (v *lastView) close() {
	v.rw.Lock()
	defer v.rw.Unlock()
	v.closeLocked()
}

// NewKVDB opens the KVDB at cfg.Path, resetting the current store to the
// checkpoint of the block it was at
func NewKVDB(cfg Config) (*KVDB, error) {
	if err := os.MkdirAll(cfg.Path, 0o750); err != nil { //nolint:gomnd
		return nil, common.Wrap(err)
	}
	sto, err := pebble.NewPebbleStorage(filepath.Join(cfg.Path, dirCurrent), false)
	if err != nil {
		return nil, common.Wrap(err)
	}
	k := &KVDB{cfg: cfg, db: sto}
	if !cfg.NoLast {
		k.last = &lastView{dir: filepath.Join(cfg.Path, dirLast)}
	}
	block, err := k.storedBlock()
	if err != nil {
		sto.Close()
		return nil, common.Wrap(err)
	}
	if err := k.Reset(block); err != nil {
		return nil, common.Wrap(err)
	}
	return k, nil
}

// LastRead runs fn on the last block view, concurrently with the writer
func (k *KVDB) LastRead(fn func(db *pebble.Storage) error) error {
	if k.last == nil {
		return common.Wrap(ErrNoLast)
	}
	k.last.rw.RLock()
	defer k.last.rw.RUnlock()
	return fn(k.last.db)
}

// DB returns the current store
func (k *KVDB) DB() *pebble.Storage {
	return k.db
}

// StorageWithPrefix returns the current store restricted to a key prefix
func (k *KVDB) StorageWithPrefix(prefix []byte) db.Storage {
	return k.db.WithPrefix(prefix)
}

// Reset makes the current store the state after block, deleting the
// checkpoints of later blocks.  Block 0 is the empty genesis state.
func (k *KVDB) Reset(block common.BlockNumber) error {
	if k.db != nil {
		k.db.Close()
		k.db = nil
	}
	currentDir := filepath.Join(k.cfg.Path, dirCurrent)
	if err := os.RemoveAll(currentDir); err != nil {
		return common.Wrap(err)
	}
	if err := k.deleteCheckpointsAfter(block); err != nil {
		return common.Wrap(err)
	}
	if block > 0 {
		if err := k.copyCheckpoint(block, currentDir); err != nil {
			return common.Wrap(err)
		}
	}
	if k.last != nil {
		err := k.last.replace(func(dir string) error {
			if block == 0 {
				return nil
			}
			return k.copyCheckpoint(block, dir)
		})
		if err != nil {
			return common.Wrap(err)
		}
	}
	var err error
	if k.db, err = pebble.NewPebbleStorage(currentDir, false); err != nil {
		return common.Wrap(err)
	}
	if k.CurrentBlock, err = k.storedBlock(); err != nil {
		return common.Wrap(err)
	}
	if k.NextAccountID, err = k.storedNextAccountID(); err != nil {
		return common.Wrap(err)
	}
	return nil
}

func (k *KVDB) deleteCheckpointsAfter(block common.BlockNumber) error {
	k.pruneMu.Lock()
	defer k.pruneMu.Unlock()
	list, err := k.ListCheckpoints()
	if err != nil {
		return common.Wrap(err)
	}
	for _, n := range list {
		if common.BlockNumber(n) <= block {
			continue
		}
		if err := k.DeleteCheckpoint(common.BlockNumber(n)); err != nil {
			return common.Wrap(err)
		}
	}
	return nil
}

func (k *KVDB) storedBlock() (common.BlockNumber, error) {
	b, err := k.db.Get(keyCurrentBlock)
	if common.Unwrap(err) == db.ErrNotFound {
		return 0, nil
	} else if err != nil {
		return 0, common.Wrap(err)
	}
	if len(b) != 4 { //nolint:gomnd
		return 0, common.Wrap(fmt.Errorf("stored block number of %d bytes", len(b)))
	}
	return common.BlockNumber(binary.BigEndian.Uint32(b)), nil
}

func (k *KVDB) storedNextAccountID() (common.AccountID, error) {
	b, err := k.db.Get(keyNextAccountID)
	if common.Unwrap(err) == db.ErrNotFound {
		return 0, nil
	} else if err != nil {
		return 0, common.Wrap(err)
	}
	return common.AccountIDFromBytes(b)
}

func (k *KVDB) put(key, value []byte) error {
	tx, err := k.db.NewTx()
	if err != nil {
		return common.Wrap(err)
	}
	if err := tx.Put(key, value); err != nil {
		return common.Wrap(err)
	}
	return common.Wrap(tx.Commit())
}

// SetCurrentBlock overrides the current block, for a state rebuilt from the
// store instead of a checkpoint
func (k *KVDB) SetCurrentBlock(block common.BlockNumber) error {
	k.CurrentBlock = block
	return k.put(keyCurrentBlock, block.Bytes())
}

// SetNextAccountID stores the id the next created account gets
func (k *KVDB) SetNextAccountID(id common.AccountID) error {
	k.NextAccountID = id
	return k.put(keyNextAccountID, id.Bytes())
}

func (k *KVDB) checkpointDir(block common.BlockNumber) string {
	return filepath.Join(k.cfg.Path, checkpointDirPrefix+strconv.FormatUint(uint64(block), 10))
}

// ListCheckpoints returns the sorted block numbers of the checkpoints on
// disk.  A gap between them is an error.
func (k *KVDB) ListCheckpoints() ([]int, error) {
	entries, err := os.ReadDir(k.cfg.Path)
	if err != nil {
		return nil, common.Wrap(err)
	}
	list := []int{}
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || !strings.HasPrefix(name, checkpointDirPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, checkpointDirPrefix))
		if err != nil {
			return nil, common.Wrap(fmt.Errorf("checkpoint dir %v: %w", name, err))
		}
		list = append(list, n)
	}
	sort.Ints(list)
	for i := 1; i < len(list); i++ {
		if list[i] != list[i-1]+1 {
			log.Errorw("KVDB: gap between checkpoints", "checkpoints", list)
			return nil, common.Wrap(fmt.Errorf("checkpoint gap at block %d", list[i]))
		}
	}
	return list, nil
}

// CheckpointExists returns true when the checkpoint of block is on disk
func (k *KVDB) CheckpointExists(block common.BlockNumber) (bool, error) {
	if _, err := os.Stat(k.checkpointDir(block)); os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, common.Wrap(err)
	}
	return true, nil
}

// DeleteCheckpoint removes the checkpoint of block, which must exist
func (k *KVDB) DeleteCheckpoint(block common.BlockNumber) error {
	exists, err := k.CheckpointExists(block)
	if err != nil {
		return common.Wrap(err)
	}
	if !exists {
		return common.Wrap(fmt.Errorf("no checkpoint of block %d", block))
	}
	return common.Wrap(os.RemoveAll(k.checkpointDir(block)))
}

// copyCheckpoint writes a pebble checkpoint of the block checkpoint to dest
func (k *KVDB) copyCheckpoint(block common.BlockNumber, dest string) error {
	exists, err := k.CheckpointExists(block)
	if err != nil {
		return common.Wrap(err)
	}
	if !exists {
		return common.Wrap(fmt.Errorf("no checkpoint of block %d", block))
	}
	k.copyMu.Lock()
	defer k.copyMu.Unlock()
	src, err := pebble.NewPebbleStorage(k.checkpointDir(block), false)
	if err != nil {
		return common.Wrap(err)
	}
	defer src.Close()
	return checkpoint(src, dest)
}

// checkpoint writes a pebble checkpoint of sto to dest, replacing dest
func checkpoint(sto *pebble.Storage, dest string) error {
	if err := os.RemoveAll(dest); err != nil {
		return common.Wrap(err)
	}
	return common.Wrap(sto.Pebble().Checkpoint(dest))
}

// MakeCheckpoint advances the current block and stores the checkpoint of
// the current state for it.  Checkpoints beyond Keep are pruned in the
// background.
func (k *KVDB) MakeCheckpoint() error {
	if err := k.SetCurrentBlock(k.CurrentBlock + 1); err != nil {
		return common.Wrap(err)
	}
	if err := checkpoint(k.db, k.checkpointDir(k.CurrentBlock)); err != nil {
		return common.Wrap(err)
	}
	if k.last != nil {
		block := k.CurrentBlock
		err := k.last.replace(func(dir string) error {
			return k.copyCheckpoint(block, dir)
		})
		if err != nil {
			return common.Wrap(err)
		}
	}
	k.pruneWg.Add(1)
	go func() {
		defer k.pruneWg.Done()
		if err := k.DeleteOldCheckpoints(); err != nil {
			log.Errorw("KVDB: pruning checkpoints", "err", err)
		}
	}()
	return nil
}

// DeleteOldCheckpoints deletes the oldest checkpoints beyond cfg.Keep
func (k *KVDB) DeleteOldCheckpoints() error {
	k.pruneMu.Lock()
	defer k.pruneMu.Unlock()
	if k.cfg.Keep <= 0 {
		return nil
	}
	list, err := k.ListCheckpoints()
	if err != nil {
		return common.Wrap(err)
	}
	for len(list) > k.cfg.Keep {
		if err := k.DeleteCheckpoint(common.BlockNumber(list[0])); err != nil {
			return common.Wrap(err)
		}
		list = list[1:]
	}
	return nil
}

// Close waits for the pruning in flight and closes the stores
func (k *KVDB) Close() {
	k.pruneWg.Wait()
	if k.db != nil {
		k.db.Close()
		k.db = nil
	}
	if k.last != nil {
		k.last.close()
	}
}
