package common

import (
	"math/big"
	"sort"
)

// FeeDensity returns the fee paid per chunk, used to order transactions
// across senders
func FeeDensity(fee *big.Int, chunks int) *big.Rat {
	if fee == nil || chunks <= 0 {
		return new(big.Rat)
	}
	return new(big.Rat).SetFrac(fee, big.NewInt(int64(chunks)))
}

// CollectedFees accumulates the fees of a block per token
type CollectedFees map[TokenID]*big.Int

// Add adds fee to the token total
func (c CollectedFees) Add(token TokenID, fee *big.Int) {
	if fee == nil || fee.Sign() == 0 {
		return
	}
	if cur, ok := c[token]; ok {
		cur.Add(cur, fee)
		return
	}
	c[token] = new(big.Int).Set(fee)
}

// Tokens returns the tokens with non zero fees, sorted
func (c CollectedFees) Tokens() []TokenID {
	tokens := make([]TokenID, 0, len(c))
	for t, v := range c {
		if v.Sign() != 0 {
			tokens = append(tokens, t)
		}
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens
}
