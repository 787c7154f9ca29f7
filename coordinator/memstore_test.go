package coordinator

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"zkrollup-operator/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// memStore keeps the blocks and the L1 operation log in memory
type memStore struct {
	mu       sync.Mutex
	blocks   map[common.BlockNumber]*common.Block
	proofs   map[common.BlockNumber][]byte
	ops      []*common.L1Operation
	attempts []common.L1TxAttempt
	nextID   int64
	saveErr  error
}

func newMemStore() *memStore {
	return &memStore{
		blocks: make(map[common.BlockNumber]*common.Block),
		proofs: make(map[common.BlockNumber][]byte),
	}
}

func testBlock(number common.BlockNumber) *common.Block {
	return &common.Block{
		Number:          number,
		OldStateRoot:    big.NewInt(int64(number) - 1),
		NewStateRoot:    big.NewInt(int64(number)),
		BlockSize:       10,
		Timestamp:       time.Unix(1700000000+int64(number), 0).UTC(),
		ContractVersion: common.ContractV2,
	}
}

func actionIndex(a common.L1Action) int {
	for i, action := range common.L1Actions {
		if action == a {
			return i
		}
	}
	return len(common.L1Actions)
}

func (s *memStore) addBlock(number common.BlockNumber) *common.Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := testBlock(number)
	s.blocks[number] = b
	return b
}

func (s *memStore) EnqueueL1Op(action common.L1Action, block common.BlockNumber) (*common.L1Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueue(action, block), nil
}

func (s *memStore) enqueue(action common.L1Action, block common.BlockNumber) *common.L1Operation {
	for _, op := range s.ops {
		if op.Action == action && op.BlockNumber == block {
			cpy := *op
			return &cpy
		}
	}
	s.nextID++
	op := &common.L1Operation{ID: s.nextID, Action: action, BlockNumber: block}
	s.ops = append(s.ops, op)
	cpy := *op
	return &cpy
}

func (s *memStore) SaveBlock(block *common.Block, updates []common.AccountUpdate) (*common.L1Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return nil, s.saveErr
	}
	var last common.BlockNumber
	for n := range s.blocks {
		if n > last {
			last = n
		}
	}
	if block.Number != last+1 {
		return nil, common.NewFatal(fmt.Errorf("%w: saving block %d after block %d",
			common.ErrBlockGap, block.Number, last))
	}
	s.blocks[block.Number] = block
	return s.enqueue(common.L1ActionCommit, block.Number), nil
}

func (s *memStore) GetBlock(number common.BlockNumber) (*common.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[number]
	if !ok {
		return nil, common.Wrap(fmt.Errorf("block %d not found", number))
	}
	return b, nil
}

func (s *memStore) StoreProof(number common.BlockNumber, proof []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proofs[number] = proof
	return nil
}

func (s *memStore) GetProof(number common.BlockNumber) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proofs[number], nil
}

func (s *memStore) LoadPendingL1Ops() ([]common.PendingL1Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []common.PendingL1Operation
	for _, op := range s.ops {
		if op.Confirmed {
			continue
		}
		p := common.PendingL1Operation{Op: *op}
		for _, a := range s.attempts {
			if a.OpID == op.ID {
				p.Attempts = append(p.Attempts, a)
			}
		}
		pending = append(pending, p)
	}
	sort.Slice(pending, func(i, j int) bool {
		a, b := pending[i].Op, pending[j].Op
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		return actionIndex(a.Action) < actionIndex(b.Action)
	})
	return pending, nil
}

func (s *memStore) GetLastL1OpBlock(action common.L1Action, confirmed bool) (common.BlockNumber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last common.BlockNumber
	for _, op := range s.ops {
		if op.Action != action || (confirmed && !op.Confirmed) {
			continue
		}
		if op.BlockNumber > last {
			last = op.BlockNumber
		}
	}
	return last, nil
}

func (s *memStore) RecordL1TxAttempt(attempt *common.L1TxAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt.ID = int64(len(s.attempts) + 1)
	s.attempts = append(s.attempts, *attempt)
	return nil
}

func (s *memStore) MarkL1TxConfirmed(opID int64, finalHash ethCommon.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range s.ops {
		if op.ID == opID {
			op.Confirmed = true
			hash := finalHash
			op.FinalHash = &hash
			return nil
		}
	}
	return common.Wrap(fmt.Errorf("L1 operation %d not found", opID))
}

func (s *memStore) GetNextL1Nonce() (*uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.attempts) == 0 {
		return nil, nil
	}
	var max uint64
	for _, a := range s.attempts {
		if a.Nonce > max {
			max = a.Nonce
		}
	}
	next := max + 1
	return &next, nil
}

func (s *memStore) getOp(action common.L1Action, block common.BlockNumber) *common.L1Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range s.ops {
		if op.Action == action && op.BlockNumber == block {
			cpy := *op
			return &cpy
		}
	}
	return nil
}

func (s *memStore) opAttempts(opID int64) []common.L1TxAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	var attempts []common.L1TxAttempt
	for _, a := range s.attempts {
		if a.OpID == opID {
			attempts = append(attempts, a)
		}
	}
	return attempts
}

func (s *memStore) GetLastBlockNumber() (common.BlockNumber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last common.BlockNumber
	for n := range s.blocks {
		if n > last {
			last = n
		}
	}
	return last, nil
}
