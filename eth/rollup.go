package eth

import (
	"context"
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"zkrollup-operator/common"
	"zkrollup-operator/eth/contracts/zksync"
	"zkrollup-operator/log"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// RollupEventNewPriorityRequest is an event of the Rollup Smart Contract
type RollupEventNewPriorityRequest struct {
	Sender          ethCommon.Address
	SerialId        uint64 //nolint:revive,stylecheck
	OpType          uint8
	PubData         []byte
	ExpirationBlock *big.Int
}

// RollupEventNewToken is an event of the Rollup Smart Contract
type RollupEventNewToken struct {
	Address     ethCommon.Address
	TokenID     common.TokenID
	EthBlockNum int64
	LogIndex    uint
}

// RollupEvents is the list of events of the Rollup Smart Contract in a range
// of blocks, each list in block and log order
type RollupEvents struct {
	PriorityOps []common.PriorityOp
	NewTokens   []RollupEventNewToken
	// BlockHashes has the hash of every block that contained an event
	BlockHashes map[int64]ethCommon.Hash
}

// NewRollupEvents creates an empty RollupEvents with the slices initialized.
func NewRollupEvents() RollupEvents {
	return RollupEvents{
		PriorityOps: make([]common.PriorityOp, 0),
		NewTokens:   make([]RollupEventNewToken, 0),
		BlockHashes: make(map[int64]ethCommon.Hash),
	}
}

// RollupTotals are the block counters kept by the Rollup Smart Contract
type RollupTotals struct {
	Committed uint32
	Proven    uint32
	Executed  uint32
}

// RollupInterface is the inteface to to Rollup Smart Contract
type RollupInterface interface {
	RollupAddress() ethCommon.Address
	RollupTotals() (*RollupTotals, error)
	RollupEventsByRange(ctx context.Context, from, to int64) (*RollupEvents, error)

	// Calldata of the block pipeline transactions, sent by the L1 sender
	RollupCommitBlocksData(last common.StoredBlockInfo, blocks []*common.Block) ([]byte, error)
	RollupProveBlocksData(committed []common.StoredBlockInfo, proof *common.ProofInput) ([]byte, error)
	RollupExecuteBlocksData(blocks []*common.Block) ([]byte, error)
}

//
// Implementation
//

// RollupClient is the implementation of the interface to the Rollup Smart Contract in ethereum.
type RollupClient struct {
	*RollupCalldata
	client  *EthereumClient
	address ethCommon.Address
	zksync  *zksync.ZkSync
	opts    *bind.CallOpts
	layout  *common.ChunkLayout
}

// RollupCalldata packs the calldata of the block pipeline functions of the
// Rollup Smart Contract
type RollupCalldata struct {
	contractAbi abi.ABI
}

// NewRollupCalldata creates a RollupCalldata
func NewRollupCalldata() (*RollupCalldata, error) {
	contractAbi, err := abi.JSON(strings.NewReader(zksync.ZkSyncABI))
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &RollupCalldata{contractAbi: contractAbi}, nil
}

// Method returns the name of the contract function data calls
func (c *RollupCalldata) Method(data []byte) (string, error) {
	if len(data) < 4 { //nolint:gomnd
		return "", common.Wrap(fmt.Errorf("calldata too short: %d bytes", len(data)))
	}
	method, err := c.contractAbi.MethodById(data[:4])
	if err != nil {
		return "", common.Wrap(err)
	}
	return method.Name, nil
}

// NewRollupClient creates a new RollupClient
func NewRollupClient(client *EthereumClient, address ethCommon.Address,
	version common.ContractVersion) (*RollupClient, error) {
	calldata, err := NewRollupCalldata()
	if err != nil {
		return nil, common.Wrap(err)
	}
	contract, err := zksync.NewZkSync(address, client.client)
	if err != nil {
		return nil, common.Wrap(err)
	}
	layout, err := common.ChunkLayoutFor(version)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &RollupClient{
		RollupCalldata: calldata,
		client:         client,
		address:        address,
		zksync:         contract,
		opts:           newCallOpts(),
		layout:         layout,
	}, nil
}

// newCallOpts returns a CallOpts to be used in ethereum calls with a non-zero
// From address.
func newCallOpts() *bind.CallOpts {
	return &bind.CallOpts{
		From: ethCommon.HexToAddress("0x0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f"),
	}
}

// RollupAddress returns the address of the Rollup Smart Contract
func (c *RollupClient) RollupAddress() ethCommon.Address {
	return c.address
}

// RollupTotals returns the committed, proven and executed block counters
func (c *RollupClient) RollupTotals() (totals *RollupTotals, err error) {
	totals = new(RollupTotals)
	if err := c.client.Call(func(ec *ethclient.Client) error {
		if totals.Committed, err = c.zksync.TotalBlocksCommitted(c.opts); err != nil {
			return common.Wrap(err)
		}
		if totals.Proven, err = c.zksync.TotalBlocksProven(c.opts); err != nil {
			return common.Wrap(err)
		}
		totals.Executed, err = c.zksync.TotalBlocksExecuted(c.opts)
		return common.Wrap(err)
	}); err != nil {
		return nil, common.Wrap(err)
	}
	return totals, nil
}

var (
	logZKNewPriorityRequest = crypto.Keccak256Hash([]byte(
		"NewPriorityRequest(address,uint64,uint8,bytes,uint256)"))
	logZKNewToken = crypto.Keccak256Hash([]byte(
		"NewToken(address,uint16)"))
)

// RollupEventsByRange returns the NewPriorityRequest and NewToken events in
// the blocks [from, to] that happened in the Rollup Smart Contract.
func (c *RollupClient) RollupEventsByRange(ctx context.Context, from, to int64) (*RollupEvents, error) {
	rollupEvents := NewRollupEvents()
	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(from),
		ToBlock:   big.NewInt(to),
		Addresses: []ethCommon.Address{
			c.address,
		},
		Topics: [][]ethCommon.Hash{{logZKNewPriorityRequest, logZKNewToken}},
	}
	ctx, cancel := c.client.withTimeout(ctx)
	defer cancel()
	logs, err := c.client.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, common.Wrap(err)
	}

	for _, vLog := range logs {
		if vLog.Removed {
			continue
		}
		blockNum := int64(vLog.BlockNumber)
		if hash, ok := rollupEvents.BlockHashes[blockNum]; ok && hash != vLog.BlockHash {
			log.Errorw("Block hash mismatch", "block", blockNum,
				"expected", hash.String(), "got", vLog.BlockHash.String())
			return nil, common.Wrap(ErrBlockHashMismatchEvent)
		}
		rollupEvents.BlockHashes[blockNum] = vLog.BlockHash
		switch vLog.Topics[0] {
		case logZKNewPriorityRequest:
			var req RollupEventNewPriorityRequest
			if err := c.contractAbi.UnpackIntoInterface(&req, "NewPriorityRequest",
				vLog.Data); err != nil {
				return nil, common.Wrap(err)
			}
			op, err := common.ParsePriorityOp(c.layout, req.Sender, req.SerialId,
				req.OpType, req.PubData)
			if err != nil {
				return nil, common.Wrap(fmt.Errorf("log %d of block %d: %w",
					vLog.Index, blockNum, err))
			}
			op.EthHash = vLog.TxHash
			op.EthBlock = blockNum
			op.EthLogIndex = vLog.Index
			if req.ExpirationBlock != nil {
				op.DeadlineBlock = req.ExpirationBlock.Int64()
			}
			rollupEvents.PriorityOps = append(rollupEvents.PriorityOps, *op)
		case logZKNewToken:
			if len(vLog.Topics) < 3 { //nolint:gomnd
				return nil, common.Wrap(fmt.Errorf("NewToken log %d of block %d without topics",
					vLog.Index, blockNum))
			}
			rollupEvents.NewTokens = append(rollupEvents.NewTokens, RollupEventNewToken{
				Address:     ethCommon.BytesToAddress(vLog.Topics[1].Bytes()),
				TokenID:     common.TokenID(new(big.Int).SetBytes(vLog.Topics[2][:]).Uint64()),
				EthBlockNum: blockNum,
				LogIndex:    vLog.Index,
			})
		}
	}
	return &rollupEvents, nil
}

func toStoredBlockInfo(s common.StoredBlockInfo) zksync.StoredBlockInfo {
	return zksync.StoredBlockInfo{
		BlockNumber:                  s.BlockNumber,
		PriorityOperations:           s.PriorityOperations,
		PendingOnchainOperationsHash: s.PendingOnchainOperationsHash,
		Timestamp:                    s.Timestamp,
		StateHash:                    s.StateHash,
		Commitment:                   s.Commitment,
	}
}

// Blocks returns the contract function data calls and the number of rollup
// blocks it carries
func (c *RollupCalldata) Blocks(data []byte) (string, int, error) {
	name, err := c.Method(data)
	if err != nil {
		return "", 0, err
	}
	args, err := c.contractAbi.Methods[name].Inputs.Unpack(data[4:])
	if err != nil {
		return "", 0, common.Wrap(err)
	}
	arg := 0
	if name == "commitBlocks" {
		arg = 1
	}
	if len(args) <= arg {
		return name, 0, nil
	}
	v := reflect.ValueOf(args[arg])
	if v.Kind() != reflect.Slice {
		return name, 0, nil
	}
	return name, v.Len(), nil
}

// RollupCommitBlocksData returns the calldata of commitBlocks for blocks,
// which must follow the block described by last
func (c *RollupCalldata) RollupCommitBlocksData(last common.StoredBlockInfo,
	blocks []*common.Block) ([]byte, error) {
	infos := make([]zksync.CommitBlockInfo, len(blocks))
	for i, b := range blocks {
		if uint32(b.Number) != last.BlockNumber+uint32(i)+1 {
			return nil, common.Wrap(fmt.Errorf("commit of block %d after block %d",
				b.Number, last.BlockNumber))
		}
		pubData, err := b.PublicData()
		if err != nil {
			return nil, common.Wrap(err)
		}
		onchainOps, err := b.OnchainOperations()
		if err != nil {
			return nil, common.Wrap(err)
		}
		ops := make([]zksync.OnchainOperationData, len(onchainOps))
		for j, op := range onchainOps {
			witness := op.EthWitness
			if witness == nil {
				witness = []byte{}
			}
			ops[j] = zksync.OnchainOperationData{
				EthWitness:       witness,
				PublicDataOffset: op.PublicDataOffset,
			}
		}
		infos[i] = zksync.CommitBlockInfo{
			NewStateHash:      ethCommon.BigToHash(b.NewStateRoot),
			PublicData:        pubData,
			Timestamp:         big.NewInt(b.Timestamp.Unix()),
			OnchainOperations: ops,
			BlockNumber:       uint32(b.Number),
			FeeAccount:        uint32(b.FeeAccountID),
		}
	}
	data, err := c.contractAbi.Pack("commitBlocks", toStoredBlockInfo(last), infos)
	return data, common.Wrap(err)
}

// RollupProveBlocksData returns the calldata of proveBlocks
func (c *RollupCalldata) RollupProveBlocksData(committed []common.StoredBlockInfo,
	proof *common.ProofInput) ([]byte, error) {
	infos := make([]zksync.StoredBlockInfo, len(committed))
	for i := range committed {
		infos[i] = toStoredBlockInfo(committed[i])
	}
	input := zksync.ProofInput{
		RecursiveInput: nonNilBigInts(proof.RecursiveInput),
		Proof:          nonNilBigInts(proof.Proof),
		Commitments:    nonNilBigInts(proof.Commitments),
		VkIndexes:      proof.VkIndexes,
	}
	if input.VkIndexes == nil {
		input.VkIndexes = []uint8{}
	}
	for i, limb := range proof.SubproofsLimbs {
		if limb == nil {
			limb = big.NewInt(0)
		}
		input.SubproofsLimbs[i] = limb
	}
	data, err := c.contractAbi.Pack("proveBlocks", infos, input)
	return data, common.Wrap(err)
}

// RollupExecuteBlocksData returns the calldata of executeBlocks
func (c *RollupCalldata) RollupExecuteBlocksData(blocks []*common.Block) ([]byte, error) {
	infos := make([]zksync.ExecuteBlockInfo, len(blocks))
	for i, b := range blocks {
		stored, err := b.StoredInfo()
		if err != nil {
			return nil, common.Wrap(err)
		}
		pending, err := b.ProcessableOpsPubData()
		if err != nil {
			return nil, common.Wrap(err)
		}
		if pending == nil {
			pending = [][]byte{}
		}
		infos[i] = zksync.ExecuteBlockInfo{
			StoredBlock:              toStoredBlockInfo(stored),
			PendingOnchainOpsPubdata: pending,
		}
	}
	data, err := c.contractAbi.Pack("executeBlocks", infos)
	return data, common.Wrap(err)
}

func nonNilBigInts(v []*big.Int) []*big.Int {
	out := make([]*big.Int, len(v))
	for i := range v {
		if v[i] == nil {
			out[i] = big.NewInt(0)
		} else {
			out[i] = v[i]
		}
	}
	return out
}
