package zksync

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const storedBlockInfoComponents = `[
	{"internalType":"uint32","name":"blockNumber","type":"uint32"},
	{"internalType":"uint64","name":"priorityOperations","type":"uint64"},
	{"internalType":"bytes32","name":"pendingOnchainOperationsHash","type":"bytes32"},
	{"internalType":"uint256","name":"timestamp","type":"uint256"},
	{"internalType":"bytes32","name":"stateHash","type":"bytes32"},
	{"internalType":"bytes32","name":"commitment","type":"bytes32"}
]`

// ZkSyncABI is the input ABI used to generate the binding from.
var ZkSyncABI = `[
{"anonymous":false,"inputs":[
	{"indexed":false,"internalType":"address","name":"sender","type":"address"},
	{"indexed":false,"internalType":"uint64","name":"serialId","type":"uint64"},
	{"indexed":false,"internalType":"uint8","name":"opType","type":"uint8"},
	{"indexed":false,"internalType":"bytes","name":"pubData","type":"bytes"},
	{"indexed":false,"internalType":"uint256","name":"expirationBlock","type":"uint256"}
],"name":"NewPriorityRequest","type":"event"},
{"anonymous":false,"inputs":[
	{"indexed":true,"internalType":"address","name":"token","type":"address"},
	{"indexed":true,"internalType":"uint16","name":"tokenId","type":"uint16"}
],"name":"NewToken","type":"event"},
{"anonymous":false,"inputs":[
	{"indexed":true,"internalType":"uint32","name":"blockNumber","type":"uint32"}
],"name":"BlockCommit","type":"event"},
{"anonymous":false,"inputs":[
	{"indexed":true,"internalType":"uint32","name":"blockNumber","type":"uint32"}
],"name":"BlockVerification","type":"event"},
{"inputs":[
	{"components":` + storedBlockInfoComponents + `,"internalType":"struct Storage.StoredBlockInfo","name":"_lastCommittedBlockData","type":"tuple"},
	{"components":[
		{"internalType":"bytes32","name":"newStateHash","type":"bytes32"},
		{"internalType":"bytes","name":"publicData","type":"bytes"},
		{"internalType":"uint256","name":"timestamp","type":"uint256"},
		{"components":[
			{"internalType":"bytes","name":"ethWitness","type":"bytes"},
			{"internalType":"uint32","name":"publicDataOffset","type":"uint32"}
		],"internalType":"struct ZkSync.OnchainOperationData[]","name":"onchainOperations","type":"tuple[]"},
		{"internalType":"uint32","name":"blockNumber","type":"uint32"},
		{"internalType":"uint32","name":"feeAccount","type":"uint32"}
	],"internalType":"struct ZkSync.CommitBlockInfo[]","name":"_newBlocksData","type":"tuple[]"}
],"name":"commitBlocks","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[
	{"components":` + storedBlockInfoComponents + `,"internalType":"struct Storage.StoredBlockInfo[]","name":"_committedBlocks","type":"tuple[]"},
	{"components":[
		{"internalType":"uint256[]","name":"recursiveInput","type":"uint256[]"},
		{"internalType":"uint256[]","name":"proof","type":"uint256[]"},
		{"internalType":"uint256[]","name":"commitments","type":"uint256[]"},
		{"internalType":"uint8[]","name":"vkIndexes","type":"uint8[]"},
		{"internalType":"uint256[16]","name":"subproofsLimbs","type":"uint256[16]"}
	],"internalType":"struct ZkSync.ProofInput","name":"_proof","type":"tuple"}
],"name":"proveBlocks","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[
	{"components":[
		{"components":` + storedBlockInfoComponents + `,"internalType":"struct Storage.StoredBlockInfo","name":"storedBlock","type":"tuple"},
		{"internalType":"bytes[]","name":"pendingOnchainOpsPubdata","type":"bytes[]"}
	],"internalType":"struct ZkSync.ExecuteBlockInfo[]","name":"_blocksData","type":"tuple[]"}
],"name":"executeBlocks","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[],"name":"totalBlocksCommitted","outputs":[{"internalType":"uint32","name":"","type":"uint32"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"totalBlocksProven","outputs":[{"internalType":"uint32","name":"","type":"uint32"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"totalBlocksExecuted","outputs":[{"internalType":"uint32","name":"","type":"uint32"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"totalOpenPriorityRequests","outputs":[{"internalType":"uint64","name":"","type":"uint64"}],"stateMutability":"view","type":"function"}
]`

// ERC20ABI is the subset of the ERC20 interface read for new tokens
const ERC20ABI = `[
{"inputs":[],"name":"symbol","outputs":[{"internalType":"string","name":"","type":"string"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"name","outputs":[{"internalType":"string","name":"","type":"string"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

// StoredBlockInfo is an auto generated low-level Go binding around an user-defined struct.
type StoredBlockInfo struct {
	BlockNumber                  uint32
	PriorityOperations           uint64
	PendingOnchainOperationsHash [32]byte
	Timestamp                    *big.Int
	StateHash                    [32]byte
	Commitment                   [32]byte
}

// OnchainOperationData is an auto generated low-level Go binding around an user-defined struct.
type OnchainOperationData struct {
	EthWitness       []byte
	PublicDataOffset uint32
}

// CommitBlockInfo is an auto generated low-level Go binding around an user-defined struct.
type CommitBlockInfo struct {
	NewStateHash      [32]byte
	PublicData        []byte
	Timestamp         *big.Int
	OnchainOperations []OnchainOperationData
	BlockNumber       uint32
	FeeAccount        uint32
}

// ProofInput is an auto generated low-level Go binding around an user-defined struct.
type ProofInput struct {
	RecursiveInput []*big.Int
	Proof          []*big.Int
	Commitments    []*big.Int
	VkIndexes      []uint8
	SubproofsLimbs [16]*big.Int
}

// ExecuteBlockInfo is an auto generated low-level Go binding around an user-defined struct.
type ExecuteBlockInfo struct {
	StoredBlock              StoredBlockInfo
	PendingOnchainOpsPubdata [][]byte
}

// ZkSync is an auto generated Go binding around an Ethereum contract.
type ZkSync struct {
	ZkSyncCaller     // Read-only binding to the contract
	ZkSyncTransactor // Write-only binding to the contract
	ZkSyncFilterer   // Log filterer for contract events
}

// ZkSyncCaller is an auto generated read-only Go binding around an Ethereum contract.
type ZkSyncCaller struct {
	contract *bind.BoundContract // Generic contract wrapper for the low level calls
}

// ZkSyncTransactor is an auto generated write-only Go binding around an Ethereum contract.
type ZkSyncTransactor struct {
	contract *bind.BoundContract // Generic contract wrapper for the low level calls
}

// ZkSyncFilterer is an auto generated log filtering Go binding around an Ethereum contract events.
type ZkSyncFilterer struct {
	contract *bind.BoundContract // Generic contract wrapper for the low level calls
}

// NewZkSync creates a new instance of ZkSync, bound to a specific deployed contract.
func NewZkSync(address common.Address, backend bind.ContractBackend) (*ZkSync, error) {
	contract, err := bindZkSync(address, backend, backend, backend)
	if err != nil {
		return nil, err
	}
	return &ZkSync{ZkSyncCaller: ZkSyncCaller{contract: contract}, ZkSyncTransactor: ZkSyncTransactor{contract: contract}, ZkSyncFilterer: ZkSyncFilterer{contract: contract}}, nil
}

// bindZkSync binds a generic wrapper to an already deployed contract.
func bindZkSync(address common.Address, caller bind.ContractCaller, transactor bind.ContractTransactor, filterer bind.ContractFilterer) (*bind.BoundContract, error) {
	parsed, err := abi.JSON(strings.NewReader(ZkSyncABI))
	if err != nil {
		return nil, err
	}
	return bind.NewBoundContract(address, parsed, caller, transactor, filterer), nil
}

func (_ZkSync *ZkSyncCaller) callUint32(opts *bind.CallOpts, method string) (uint32, error) {
	var out []interface{}
	err := _ZkSync.contract.Call(opts, &out, method)

	if err != nil {
		return *new(uint32), err
	}

	out0 := *abi.ConvertType(out[0], new(uint32)).(*uint32)

	return out0, err
}

// TotalBlocksCommitted is a free data retrieval call binding the contract method.
//
// Solidity: function totalBlocksCommitted() view returns(uint32)
func (_ZkSync *ZkSyncCaller) TotalBlocksCommitted(opts *bind.CallOpts) (uint32, error) {
	return _ZkSync.callUint32(opts, "totalBlocksCommitted")
}

// TotalBlocksProven is a free data retrieval call binding the contract method.
//
// Solidity: function totalBlocksProven() view returns(uint32)
func (_ZkSync *ZkSyncCaller) TotalBlocksProven(opts *bind.CallOpts) (uint32, error) {
	return _ZkSync.callUint32(opts, "totalBlocksProven")
}

// TotalBlocksExecuted is a free data retrieval call binding the contract method.
//
// Solidity: function totalBlocksExecuted() view returns(uint32)
func (_ZkSync *ZkSyncCaller) TotalBlocksExecuted(opts *bind.CallOpts) (uint32, error) {
	return _ZkSync.callUint32(opts, "totalBlocksExecuted")
}

// TotalOpenPriorityRequests is a free data retrieval call binding the contract method.
//
// Solidity: function totalOpenPriorityRequests() view returns(uint64)
func (_ZkSync *ZkSyncCaller) TotalOpenPriorityRequests(opts *bind.CallOpts) (uint64, error) {
	var out []interface{}
	err := _ZkSync.contract.Call(opts, &out, "totalOpenPriorityRequests")

	if err != nil {
		return *new(uint64), err
	}

	out0 := *abi.ConvertType(out[0], new(uint64)).(*uint64)

	return out0, err
}

// CommitBlocks is a paid mutator transaction binding the contract method.
//
// Solidity: function commitBlocks((uint32,uint64,bytes32,uint256,bytes32,bytes32) _lastCommittedBlockData, (bytes32,bytes,uint256,(bytes,uint32)[],uint32,uint32)[] _newBlocksData) returns()
func (_ZkSync *ZkSyncTransactor) CommitBlocks(opts *bind.TransactOpts, _lastCommittedBlockData StoredBlockInfo, _newBlocksData []CommitBlockInfo) (*types.Transaction, error) {
	return _ZkSync.contract.Transact(opts, "commitBlocks", _lastCommittedBlockData, _newBlocksData)
}

// ProveBlocks is a paid mutator transaction binding the contract method.
//
// Solidity: function proveBlocks((uint32,uint64,bytes32,uint256,bytes32,bytes32)[] _committedBlocks, (uint256[],uint256[],uint256[],uint8[],uint256[16]) _proof) returns()
func (_ZkSync *ZkSyncTransactor) ProveBlocks(opts *bind.TransactOpts, _committedBlocks []StoredBlockInfo, _proof ProofInput) (*types.Transaction, error) {
	return _ZkSync.contract.Transact(opts, "proveBlocks", _committedBlocks, _proof)
}

// ExecuteBlocks is a paid mutator transaction binding the contract method.
//
// Solidity: function executeBlocks(((uint32,uint64,bytes32,uint256,bytes32,bytes32),bytes[])[] _blocksData) returns()
func (_ZkSync *ZkSyncTransactor) ExecuteBlocks(opts *bind.TransactOpts, _blocksData []ExecuteBlockInfo) (*types.Transaction, error) {
	return _ZkSync.contract.Transact(opts, "executeBlocks", _blocksData)
}
