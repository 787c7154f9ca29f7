package common

import (
	"encoding/binary"
	"math/big"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/minio/sha256-simd"
)

// L1Block represents of an Ethereum block
type L1Block struct {
	Num        int64          `meddler:"eth_block_num"`
	Timestamp  time.Time      `meddler:"timestamp,utctime"`
	Hash       ethCommon.Hash `meddler:"hash"`
	ParentHash ethCommon.Hash `meddler:"-" json:"-"`
}

// BlockNumber is the number of a rollup block. Block 0 is the genesis state.
type BlockNumber uint32

// Bytes returns a byte array of length 4 representing the BlockNumber
func (bn BlockNumber) Bytes() []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(bn))
	return b[:]
}

// BigInt returns a *big.Int representing the BlockNumber
func (bn BlockNumber) BigInt() *big.Int {
	return big.NewInt(int64(bn))
}

// ExecutedOperation is a transaction or priority op included in a block,
// successful or not. Failed transactions carry no Op and use no chunks.
type ExecutedOperation struct {
	BlockNumber BlockNumber `json:"blockNumber"`
	BlockIndex  uint32      `json:"blockIndex"`
	Tx          *Tx         `json:"tx,omitempty"`
	PriorityOp  *PriorityOp `json:"priorityOp,omitempty"`
	Op          *Op         `json:"op,omitempty"`
	Success     bool        `json:"success"`
	FailReason  string      `json:"failReason,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// IsPriorityOp returns true for executed priority operations
func (e *ExecutedOperation) IsPriorityOp() bool {
	return e.PriorityOp != nil
}

// Block is a sealed rollup block
type Block struct {
	Number       BlockNumber `meddler:"block_number"`
	FeeAccountID AccountID   `meddler:"fee_account_id"`
	OldStateRoot *big.Int    `meddler:"old_state_root,bigint"`
	NewStateRoot *big.Int    `meddler:"new_state_root,bigint"`
	// BlockSize is the number of chunks of the block, one of the allowed
	// sizes
	BlockSize int `meddler:"block_size"`
	// FirstPriorityOp and LastPriorityOp delimit the serial ids of the
	// priority ops included in the block as [first, last)
	FirstPriorityOp uint64               `meddler:"first_priority_op"`
	LastPriorityOp  uint64               `meddler:"last_priority_op"`
	Timestamp       time.Time            `meddler:"timestamp,utctime"`
	ContractVersion ContractVersion      `meddler:"contract_version"`
	ExecutedOps     []*ExecutedOperation `meddler:"-"`
}

// Layout returns the chunk layout the block was built with
func (b *Block) Layout() *ChunkLayout {
	l, err := ChunkLayoutFor(b.ContractVersion)
	if err != nil {
		return DefaultChunkLayout
	}
	return l
}

// SuccessfulOps returns the ops of the block that made it to public data
func (b *Block) SuccessfulOps() []*Op {
	ops := make([]*Op, 0, len(b.ExecutedOps))
	for _, e := range b.ExecutedOps {
		if e.Success && e.Op != nil {
			ops = append(ops, e.Op)
		}
	}
	return ops
}

// UsedChunks returns the chunks used by the successful ops, without padding
func (b *Block) UsedChunks() int {
	l := b.Layout()
	n := 0
	for _, op := range b.SuccessfulOps() {
		n += l.Chunks(op.Type)
	}
	return n
}

// NumPriorityOps returns the number of priority ops in the block
func (b *Block) NumPriorityOps() uint64 {
	return b.LastPriorityOp - b.FirstPriorityOp
}

// PublicData returns the concatenation of the successful ops followed by Noop
// padding up to BlockSize chunks
func (b *Block) PublicData() ([]byte, error) {
	l := b.Layout()
	data := make([]byte, 0, b.BlockSize*ChunkBytes)
	for _, op := range b.SuccessfulOps() {
		pd, err := op.PublicData(l)
		if err != nil {
			return nil, Wrap(err)
		}
		data = append(data, pd...)
	}
	for len(data) < b.BlockSize*ChunkBytes {
		data = append(data, make([]byte, ChunkBytes)...)
	}
	return data, nil
}

// OnchainOperation is an op of the block the contract must look at on
// commit
type OnchainOperation struct {
	EthWitness       []byte
	PublicDataOffset uint32
}

// OnchainOperations returns the onchain ops of the block, with the offset of
// each one in the public data
func (b *Block) OnchainOperations() ([]OnchainOperation, error) {
	l := b.Layout()
	var out []OnchainOperation
	offset := 0
	for _, e := range b.ExecutedOps {
		if !e.Success || e.Op == nil {
			continue
		}
		if e.Op.Type.IsOnchain() {
			op := OnchainOperation{PublicDataOffset: uint32(offset)}
			if e.Op.Type == OpTypeChangePubKey && e.Tx != nil && e.Tx.Auth != nil {
				op.EthWitness = e.Tx.Auth.EthWitness()
			}
			out = append(out, op)
		}
		offset += l.Chunks(e.Op.Type) * ChunkBytes
	}
	return out, nil
}

// ProcessableOpsPubData returns the public data of the ops that the contract
// processes on execute (withdrawals and full exits)
func (b *Block) ProcessableOpsPubData() ([][]byte, error) {
	l := b.Layout()
	var out [][]byte
	for _, op := range b.SuccessfulOps() {
		if !op.Type.IsProcessable() {
			continue
		}
		pd, err := op.PublicData(l)
		if err != nil {
			return nil, Wrap(err)
		}
		out = append(out, pd)
	}
	return out, nil
}

// PendingOnchainOpsHash returns the keccak chain of the processable ops
func (b *Block) PendingOnchainOpsHash() (ethCommon.Hash, error) {
	ops, err := b.ProcessableOpsPubData()
	if err != nil {
		return ethCommon.Hash{}, err
	}
	h := EmptyStringKeccak
	for _, pd := range ops {
		h = ethCrypto.Keccak256Hash(h[:], pd)
	}
	return h, nil
}

func uint256Bytes(v *big.Int) []byte {
	return ethCommon.BigToHash(v).Bytes()
}

// Commitment returns sha256(block_number ‖ fee_account ‖ old_root ‖ new_root
// ‖ timestamp ‖ sha256(public_data)), every number as 32 bytes
func (b *Block) Commitment() (ethCommon.Hash, error) {
	pubData, err := b.PublicData()
	if err != nil {
		return ethCommon.Hash{}, err
	}
	oldRoot := b.OldStateRoot
	if oldRoot == nil {
		oldRoot = big.NewInt(0)
	}
	pubDataHash := sha256.Sum256(pubData)
	h := sha256.New()
	h.Write(uint256Bytes(b.Number.BigInt()))
	h.Write(uint256Bytes(b.FeeAccountID.BigInt()))
	h.Write(uint256Bytes(oldRoot))
	h.Write(uint256Bytes(b.NewStateRoot))
	h.Write(uint256Bytes(big.NewInt(b.Timestamp.Unix())))
	h.Write(pubDataHash[:])
	return ethCommon.BytesToHash(h.Sum(nil)), nil
}

// StoredInfo returns the summary the contract keeps for the block
func (b *Block) StoredInfo() (StoredBlockInfo, error) {
	pending, err := b.PendingOnchainOpsHash()
	if err != nil {
		return StoredBlockInfo{}, err
	}
	commitment, err := b.Commitment()
	if err != nil {
		return StoredBlockInfo{}, err
	}
	return StoredBlockInfo{
		BlockNumber:                  uint32(b.Number),
		PriorityOperations:           b.NumPriorityOps(),
		PendingOnchainOperationsHash: pending,
		Timestamp:                    big.NewInt(b.Timestamp.Unix()),
		StateHash:                    ethCommon.BigToHash(b.NewStateRoot),
		Commitment:                   commitment,
	}, nil
}

// CommitRequest is produced by the state keeper when a block is sealed
type CommitRequest struct {
	Block          *Block
	AccountUpdates []AccountUpdate
}
