package common

import (
	"encoding/binary"
	"fmt"
	"strconv"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// Token is a struct that represents an Ethereum token that can be used in the
// rollup
type Token struct {
	TokenID TokenID `json:"id" meddler:"token_id"`
	// EthBlockNum indicates the Ethereum block number in which this token was registered
	EthBlockNum int64             `json:"ethereumBlockNum" meddler:"eth_block_num"`
	EthAddr     ethCommon.Address `json:"ethereumAddress" meddler:"eth_addr"`
	Symbol      string            `json:"symbol" meddler:"symbol"`
	Decimals    uint64            `json:"decimals" meddler:"decimals"`
}

// NativeToken is the token with id 0, always present
var NativeToken = Token{
	TokenID:  0,
	EthAddr:  EmptyAddr,
	Symbol:   "ETH",
	Decimals: 18, //nolint:gomnd
}

// TokenID is the unique identifier of the token, as set in the smart contract
type TokenID uint32

// Bytes returns a byte array of length n (2 or 4) representing the TokenID
func (t TokenID) Bytes(n int) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(t))
	return b[4-n:]
}

func (t TokenID) String() string {
	return strconv.FormatUint(uint64(t), 10)
}

// TokenIDFromBytes returns the TokenID encoded in b (2 or 4 bytes)
func TokenIDFromBytes(b []byte) (TokenID, error) {
	switch len(b) {
	case 2: //nolint:gomnd
		return TokenID(binary.BigEndian.Uint16(b)), nil
	case 4: //nolint:gomnd
		return TokenID(binary.BigEndian.Uint32(b)), nil
	}
	return 0, Wrap(fmt.Errorf("can not parse TokenID, bytes len %d", len(b)))
}
