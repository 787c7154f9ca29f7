package common

import (
	"math/big"
	"testing"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOps() []*Op {
	addr := ethCommon.HexToAddress("0x7e5f4552091a69125d5dfcb7b8c2659029395bdf")
	pkh := PubKeyHash{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}
	return []*Op{
		{Type: OpTypeNoop},
		{Type: OpTypeDeposit, AccountID: 7, Token: 3, Amount: big.NewInt(100), Address: addr},
		{Type: OpTypeTransferToNew, AccountID: 1, ToAccountID: 9, Token: 0,
			Amount: big.NewInt(1000), Fee: big.NewInt(10), Address: addr},
		{Type: OpTypeWithdraw, AccountID: 2, Token: 1, Amount: big.NewInt(12345),
			Fee: big.NewInt(20), Address: addr},
		{Type: OpTypeTransfer, AccountID: 0, ToAccountID: 1, Token: 0, Amount: big.NewInt(10),
			Fee: big.NewInt(1)},
		{Type: OpTypeFullExit, AccountID: 4, Token: 2, Amount: big.NewInt(777), Address: addr},
		{Type: OpTypeChangePubKey, AccountID: 5, PubKeyHash: pkh, Address: addr, Nonce: 3,
			Token: 0, Fee: big.NewInt(0)},
	}
}

func TestOpPublicDataRoundtrip(t *testing.T) {
	for _, version := range []ContractVersion{ContractV1, ContractV2} {
		l, err := ChunkLayoutFor(version)
		require.NoError(t, err)
		for _, op := range testOps() {
			pd, err := op.PublicData(l)
			require.NoError(t, err, op.Type)
			assert.Equal(t, l.Chunks(op.Type)*ChunkBytes, len(pd), op.Type)
			assert.Equal(t, byte(op.Type), pd[0])

			back, err := OpFromPublicData(l, pd)
			require.NoError(t, err, op.Type)
			assert.Equal(t, op.Type, back.Type)
			assert.Equal(t, op.AccountID, back.AccountID)
			assert.Equal(t, op.Token, back.Token)
			assert.Equal(t, op.Address, back.Address)
			if op.Amount != nil {
				assert.Equal(t, 0, op.Amount.Cmp(back.Amount), op.Type)
			}
			if op.Fee != nil {
				assert.Equal(t, 0, op.Fee.Cmp(back.Fee), op.Type)
			}
			assert.Equal(t, op.ToAccountID, back.ToAccountID)
			assert.Equal(t, op.PubKeyHash, back.PubKeyHash)
			assert.Equal(t, op.Nonce, back.Nonce)
		}
	}
}

func TestChunkCosts(t *testing.T) {
	v1, err := ChunkLayoutFor(ContractV1)
	require.NoError(t, err)
	v2, err := ChunkLayoutFor(ContractV2)
	require.NoError(t, err)

	assert.Equal(t, 1, v1.Chunks(OpTypeNoop))
	assert.Equal(t, 6, v1.Chunks(OpTypeDeposit))
	assert.Equal(t, 2, v1.Chunks(OpTypeTransfer))
	assert.Equal(t, 6, v1.Chunks(OpTypeChangePubKey))
	assert.Equal(t, 3, v2.Chunks(OpTypeTransfer))
	assert.Equal(t, 7, v2.Chunks(OpTypeChangePubKey))
	assert.Equal(t, TokenID(0xffff), v1.MaxTokenID())

	_, err = ChunkLayoutFor(ContractVersion(9))
	assert.Error(t, err)
}

func TestDepositLayout(t *testing.T) {
	addr := ethCommon.HexToAddress("0x7e5f4552091a69125d5dfcb7b8c2659029395bdf")
	op := &Op{Type: OpTypeDeposit, AccountID: 7, Token: 3, Amount: big.NewInt(100), Address: addr}
	amount := make([]byte, 16)
	amount[15] = 100

	// token_id(4)
	v2, err := ChunkLayoutFor(ContractV2)
	require.NoError(t, err)
	pd, err := op.PublicData(v2)
	require.NoError(t, err)
	require.Len(t, pd, 6*ChunkBytes)
	assert.Equal(t, []byte{0x01}, pd[0:1])
	assert.Equal(t, []byte{0, 0, 0, 7}, pd[1:5])
	assert.Equal(t, []byte{0, 0, 0, 3}, pd[5:9])
	assert.Equal(t, amount, pd[9:25])
	assert.Equal(t, addr.Bytes(), pd[25:45])
	assert.Equal(t, make([]byte, 9), pd[45:])

	// token(2) under the default layout
	pd, err = op.PublicData(DefaultChunkLayout)
	require.NoError(t, err)
	require.Len(t, pd, 6*ChunkBytes)
	assert.Equal(t, ContractV1, DefaultChunkLayout.Version)
	assert.Equal(t, []byte{0, 3}, pd[5:7])
	assert.Equal(t, amount, pd[7:23])
	assert.Equal(t, addr.Bytes(), pd[23:43])
	assert.Equal(t, make([]byte, 11), pd[43:])
}

func TestOpPublicDataErrors(t *testing.T) {
	l := DefaultChunkLayout
	// amount not packable in a transfer
	op := &Op{Type: OpTypeTransfer, Amount: new(big.Int).Lsh(big.NewInt(1), 35),
		Fee: big.NewInt(0)}
	_, err := op.PublicData(l)
	assert.ErrorIs(t, Unwrap(err), ErrAmountNotPackable)

	_, err = OpFromPublicData(l, []byte{0x09})
	assert.Error(t, err)
	_, err = OpFromPublicData(l, []byte{byte(OpTypeDeposit), 0, 0})
	assert.Error(t, err)
}

func TestPriorityOpParsing(t *testing.T) {
	l := DefaultChunkLayout
	from := ethCommon.HexToAddress("0x1111111111111111111111111111111111111111")
	to := ethCommon.HexToAddress("0x2222222222222222222222222222222222222222")
	dep := &PriorityOp{Type: PriorityOpDeposit, Deposit: &Deposit{From: from, To: to, Token: 1,
		Amount: big.NewInt(500)}}
	pd, err := EncodePriorityOpPubData(l, dep)
	require.NoError(t, err)

	parsed, err := ParsePriorityOp(l, from, 4, uint8(OpTypeDeposit), pd)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), parsed.SerialID)
	assert.Equal(t, PriorityOpDeposit, parsed.Type)
	assert.Equal(t, *dep.Deposit, *parsed.Deposit)
	assert.Equal(t, 6, parsed.Chunks(l))

	_, err = ParsePriorityOp(l, from, 4, uint8(OpTypeFullExit), pd)
	assert.Error(t, err)

	exit := &PriorityOp{Type: PriorityOpFullExit, FullExit: &FullExit{AccountID: 3, EthAddress: to,
		Token: 2}}
	pd, err = EncodePriorityOpPubData(l, exit)
	require.NoError(t, err)
	parsed, err = ParsePriorityOp(l, to, 5, uint8(OpTypeFullExit), pd)
	require.NoError(t, err)
	assert.Equal(t, *exit.FullExit, *parsed.FullExit)
}
