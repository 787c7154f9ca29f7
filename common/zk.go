// Package common zk.go contains the data exchanged with the proof server:
// the inputs used to generate the proof of a block and the proof itself
package common

import (
	"encoding/json"
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ZKInputs represents the inputs that will be used to generate the zkSNARK
// proof of a block
type ZKInputs struct {
	// BlockNumber is the block being proven
	BlockNumber BlockNumber `json:"blockNumber"`
	// FeeAccountID is the account that received the block fees
	FeeAccountID AccountID `json:"feeAccountId"`
	// OldStateRoot is the account tree root before the block
	OldStateRoot *big.Int `json:"oldStateRoot"`
	// NewStateRoot is the account tree root after the block
	NewStateRoot *big.Int `json:"newStateRoot"`
	// Timestamp of the block in seconds
	Timestamp int64 `json:"timestamp"`
	// PublicData of the block, padded to the block size
	PublicData hexutil.Bytes `json:"publicData"`
	// Commitment is the value checked by the contract on proveBlocks
	Commitment ethCommon.Hash `json:"commitment"`
	// BlockSize in chunks, selects the circuit
	BlockSize int `json:"blockSize"`
}

// NewZKInputs builds the prover inputs of a sealed block
func NewZKInputs(b *Block) (*ZKInputs, error) {
	pubData, err := b.PublicData()
	if err != nil {
		return nil, Wrap(err)
	}
	commitment, err := b.Commitment()
	if err != nil {
		return nil, Wrap(err)
	}
	return &ZKInputs{
		BlockNumber:  b.Number,
		FeeAccountID: b.FeeAccountID,
		OldStateRoot: b.OldStateRoot,
		NewStateRoot: b.NewStateRoot,
		Timestamp:    b.Timestamp.Unix(),
		PublicData:   pubData,
		Commitment:   commitment,
		BlockSize:    b.BlockSize,
	}, nil
}

// ProofInput is the aggregated proof as expected by proveBlocks
type ProofInput struct {
	RecursiveInput []*big.Int     `json:"recursiveInput"`
	Proof          []*big.Int     `json:"proof"`
	Commitments    []*big.Int     `json:"commitments"`
	VkIndexes      []uint8        `json:"vkIndexes"`
	SubproofsLimbs [16]*big.Int   `json:"subproofsLimbs"`
	BlockNumber    BlockNumber    `json:"blockNumber"`
	Commitment     ethCommon.Hash `json:"commitment"`
}

// Bytes returns the opaque representation stored for the proof
func (p *ProofInput) Bytes() ([]byte, error) {
	b, err := json.Marshal(p)
	return b, Wrap(err)
}

// ProofInputFromBytes parses a stored proof
func ProofInputFromBytes(b []byte) (*ProofInput, error) {
	var p ProofInput
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, Wrap(err)
	}
	for i := range p.SubproofsLimbs {
		if p.SubproofsLimbs[i] == nil {
			p.SubproofsLimbs[i] = big.NewInt(0)
		}
	}
	return &p, nil
}
