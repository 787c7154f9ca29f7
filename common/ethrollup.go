package common

import (
	"fmt"
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	// ChunkBytes is the size of a public data chunk
	ChunkBytes = 9
	// AmountBytesLen is the length of a full (unpacked) amount in public data
	AmountBytesLen = 16
)

// ContractVersion selects the public data layout understood by the rollup
// contract
type ContractVersion uint8

const (
	// ContractV1 encodes token ids with 2 bytes, the width of the NewToken
	// event.  It is the default.
	ContractV1 ContractVersion = 1
	// ContractV2 encodes token ids with 4 bytes
	ContractV2 ContractVersion = 2
)

// ChunkLayout holds the chunk cost table and token width of a contract
// version. Every component uses the same table.
type ChunkLayout struct {
	Version    ContractVersion
	TokenBytes int
	chunks     map[OpType]int
}

var chunkLayouts = map[ContractVersion]*ChunkLayout{
	ContractV1: {
		Version:    ContractV1,
		TokenBytes: 2, //nolint:gomnd
		chunks: map[OpType]int{
			OpTypeNoop:          1,
			OpTypeDeposit:       6, //nolint:gomnd
			OpTypeTransferToNew: 6, //nolint:gomnd
			OpTypeWithdraw:      6, //nolint:gomnd
			OpTypeTransfer:      2, //nolint:gomnd
			OpTypeFullExit:      6, //nolint:gomnd
			OpTypeChangePubKey:  6, //nolint:gomnd
		},
	},
	ContractV2: {
		Version:    ContractV2,
		TokenBytes: 4, //nolint:gomnd
		chunks: map[OpType]int{
			OpTypeNoop:          1,
			OpTypeDeposit:       6, //nolint:gomnd
			OpTypeTransferToNew: 6, //nolint:gomnd
			OpTypeWithdraw:      6, //nolint:gomnd
			OpTypeTransfer:      3, //nolint:gomnd
			OpTypeFullExit:      6, //nolint:gomnd
			OpTypeChangePubKey:  7, //nolint:gomnd
		},
	},
}

// ChunkLayoutFor returns the layout of the given contract version
func ChunkLayoutFor(v ContractVersion) (*ChunkLayout, error) {
	l, ok := chunkLayouts[v]
	if !ok {
		return nil, Wrap(fmt.Errorf("unknown contract version %d", v))
	}
	return l, nil
}

// DefaultChunkLayout is the layout of ContractV1
var DefaultChunkLayout = chunkLayouts[ContractV1]

// Chunks returns the number of chunks used by an op of type t
func (l *ChunkLayout) Chunks(t OpType) int {
	return l.chunks[t]
}

// MaxTokenID returns the largest token id the layout can encode
func (l *ChunkLayout) MaxTokenID() TokenID {
	if l.TokenBytes >= 4 { //nolint:gomnd
		return TokenID(^uint32(0))
	}
	return TokenID(1<<(8*l.TokenBytes) - 1)
}

// EmptyStringKeccak is keccak256 of the empty string, the initial value of
// the pending onchain operations hash
var EmptyStringKeccak = ethCrypto.Keccak256Hash([]byte{})

// StoredBlockInfo is the block summary kept by the rollup contract. It is
// passed back to the contract when committing, proving and executing.
type StoredBlockInfo struct {
	BlockNumber                  uint32
	PriorityOperations           uint64
	PendingOnchainOperationsHash [32]byte
	Timestamp                    *big.Int
	StateHash                    [32]byte
	Commitment                   [32]byte
}

// GenesisStoredBlockInfo returns the stored info of block 0
func GenesisStoredBlockInfo(genesisRoot *big.Int) StoredBlockInfo {
	return StoredBlockInfo{
		BlockNumber:                  0,
		PendingOnchainOperationsHash: EmptyStringKeccak,
		Timestamp:                    big.NewInt(0),
		StateHash:                    ethCommon.BigToHash(genesisRoot),
	}
}
