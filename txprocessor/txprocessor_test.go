package txprocessor

import (
	"math/big"
	"os"
	"testing"

	"zkrollup-operator/common"
	"zkrollup-operator/database/statedb"
	"zkrollup-operator/log"
	"zkrollup-operator/test"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init("debug", []string{"stdout"})
}

func newTxProcessor(t *testing.T) *TxProcessor {
	dir, err := os.MkdirTemp("", "tmpdb")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	sdb, err := statedb.NewStateDB(statedb.Config{Path: dir, Keep: 128})
	require.NoError(t, err)
	t.Cleanup(sdb.Close)
	return NewTxProcessor(sdb, Config{Layout: common.DefaultChunkLayout, MaxProcessableToken: 10})
}

// setup creates alice (id 0, unlocked, 1000 of token 0) and bob (id 1,
// locked, empty)
func setup(t *testing.T) (*TxProcessor, *test.User, *test.User) {
	tp := newTxProcessor(t)
	alice, bob := test.NewUser(1), test.NewUser(2)
	_, err := tp.StateDB().CreateAccount(alice.Account(0, 0, 1000))
	require.NoError(t, err)
	_, err = tp.StateDB().CreateAccount(common.NewAccount(1, bob.Addr))
	require.NoError(t, err)
	return tp, alice, bob
}

func TestTransfer(t *testing.T) {
	tp, alice, bob := setup(t)

	out, err := tp.ExecuteTx(alice.Transfer(0, bob.Addr, 100, 5, 0))
	require.NoError(t, err)
	assert.Equal(t, common.OpTypeTransfer, out.Op.Type)
	assert.Equal(t, common.AccountID(1), out.Op.ToAccountID)
	assert.Equal(t, big.NewInt(5), out.Fee)
	assert.Len(t, out.Updates, 2)

	a, err := tp.StateDB().GetAccount(0)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(895), a.Balance(0))
	assert.Equal(t, common.Nonce(1), a.Nonce)
	b, err := tp.StateDB().GetAccount(1)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(100), b.Balance(0))
	assert.Equal(t, common.Nonce(0), b.Nonce)

	// same nonce again
	_, err = tp.ExecuteTx(alice.Transfer(0, bob.Addr, 100, 5, 0))
	assert.ErrorIs(t, common.Unwrap(err), common.ErrNonceMismatch)
	assert.True(t, common.IsValidationError(err))
}

func TestTransferToNew(t *testing.T) {
	tp, alice, _ := setup(t)
	carol := test.NewUser(3)

	opType, err := tp.TxOpType(alice.Transfer(0, carol.Addr, 1, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, common.OpTypeTransferToNew, opType)

	out, err := tp.ExecuteTx(alice.Transfer(0, carol.Addr, 10, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, common.OpTypeTransferToNew, out.Op.Type)
	assert.Equal(t, common.AccountID(2), out.Op.ToAccountID)
	assert.Len(t, out.Updates, 3)
	acc, err := tp.StateDB().GetAccountByAddress(carol.Addr)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(10), acc.Balance(0))
	assert.True(t, acc.Locked())
}

func TestTransferToSelf(t *testing.T) {
	tp, alice, _ := setup(t)
	_, err := tp.ExecuteTx(alice.Transfer(0, alice.Addr, 100, 5, 0))
	require.NoError(t, err)
	a, err := tp.StateDB().GetAccount(0)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(995), a.Balance(0))
}

func TestTxValidation(t *testing.T) {
	tp, alice, bob := setup(t)
	root := tp.StateDB().Root()

	_, err := tp.ExecuteTx(alice.Transfer(0, bob.Addr, 1000, 1, 0))
	assert.ErrorIs(t, common.Unwrap(err), common.ErrInsufficientBalance)

	_, err = tp.ExecuteTx(alice.Transfer(5, bob.Addr, 1, 1, 0))
	assert.ErrorIs(t, common.Unwrap(err), common.ErrUnknownSender)

	// bob has no key yet
	_, err = tp.ExecuteTx(bob.Transfer(1, alice.Addr, 0, 0, 0))
	assert.ErrorIs(t, common.Unwrap(err), common.ErrAccountLocked)

	tx := alice.Transfer(0, bob.Addr, 1, 1, 0)
	tx.Amount = big.NewInt(2)
	_, err = tp.ExecuteTx(tx)
	assert.ErrorIs(t, common.Unwrap(err), common.ErrBadSignature)

	tx = alice.Transfer(0, bob.Addr, 1, 1, 0)
	tx.Token = 11
	require.NoError(t, tx.Sign(&alice.BJJ))
	_, err = tp.ExecuteTx(tx)
	assert.ErrorIs(t, common.Unwrap(err), common.ErrFeeTokenNotProcessable)

	tx = alice.Transfer(0, bob.Addr, 1, 1, 0)
	tx.Token = 1 << 16
	require.NoError(t, tx.Sign(&alice.BJJ))
	_, err = tp.ExecuteTx(tx)
	assert.ErrorIs(t, common.Unwrap(err), common.ErrUnknownToken)

	// nothing was applied
	assert.Equal(t, root, tp.StateDB().Root())
}

func TestNonceOverflow(t *testing.T) {
	tp := newTxProcessor(t)
	alice, bob := test.NewUser(1), test.NewUser(2)
	_, err := tp.StateDB().CreateAccount(alice.Account(0, common.MaxNonceValue, 1000))
	require.NoError(t, err)
	_, err = tp.ExecuteTx(alice.Transfer(0, bob.Addr, 1, 0, common.MaxNonceValue))
	assert.ErrorIs(t, common.Unwrap(err), common.ErrNonceOverflow)
}

func TestWithdraw(t *testing.T) {
	tp, alice, _ := setup(t)
	out, err := tp.ExecuteTx(alice.Withdraw(0, 300, 2, 0, true))
	require.NoError(t, err)
	assert.True(t, out.FastProcessing)
	assert.Equal(t, common.OpTypeWithdraw, out.Op.Type)
	assert.Equal(t, alice.Addr, out.Op.Address)
	a, err := tp.StateDB().GetAccount(0)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(698), a.Balance(0))
}

func TestChangePubKey(t *testing.T) {
	tp, _, bob := setup(t)
	_, err := tp.ExecutePriorityOp(ptr(test.GenDeposit(0, bob.Addr, 0, 50)))
	require.NoError(t, err)

	out, err := tp.ExecuteTx(bob.ChangePubKey(1, 3, 0))
	require.NoError(t, err)
	assert.Equal(t, common.OpTypeChangePubKey, out.Op.Type)
	assert.Equal(t, bob.PubKeyHash, out.Op.PubKeyHash)
	assert.Equal(t, common.Nonce(0), out.Op.Nonce)
	b, err := tp.StateDB().GetAccount(1)
	require.NoError(t, err)
	assert.Equal(t, bob.PubKeyHash, b.PubKeyHash)
	assert.Equal(t, common.Nonce(1), b.Nonce)
	assert.Equal(t, big.NewInt(47), b.Balance(0))

	// bad authorization: signed by someone else
	carol := test.NewUser(3)
	_, err = tp.ExecutePriorityOp(ptr(test.GenDeposit(1, carol.Addr, 0, 50)))
	require.NoError(t, err)
	tx := carol.ChangePubKey(2, 0, 0)
	require.NoError(t, tx.Auth.Sign(tx, bob.SignHash))
	_, err = tp.ExecuteTx(tx)
	assert.ErrorIs(t, common.Unwrap(err), common.ErrInvalidChangePubKeyAuth)

	// fee token not processable
	tx = carol.ChangePubKey(2, 0, 0)
	tx.Token = 11
	require.NoError(t, tx.Auth.Sign(tx, carol.SignHash))
	require.NoError(t, tx.Sign(&carol.BJJ))
	_, err = tp.ExecuteTx(tx)
	assert.ErrorIs(t, common.Unwrap(err), common.ErrFeeTokenNotProcessable)
}

func ptr(p common.PriorityOp) *common.PriorityOp {
	return &p
}

func TestPriorityOps(t *testing.T) {
	tp, alice, _ := setup(t)
	dave := test.NewUser(4)

	out, err := tp.ExecutePriorityOp(ptr(test.GenDeposit(0, dave.Addr, 3, 70)))
	require.NoError(t, err)
	assert.Equal(t, common.AccountID(2), out.Op.AccountID)
	assert.Len(t, out.Updates, 2)

	// full exit by the wrong owner withdraws nothing
	out, err = tp.ExecutePriorityOp(ptr(test.GenFullExit(1, 2, alice.Addr, 3)))
	require.NoError(t, err)
	assert.Equal(t, int64(0), out.Op.Amount.Int64())
	assert.Empty(t, out.Updates)

	// full exit of a missing account
	out, err = tp.ExecutePriorityOp(ptr(test.GenFullExit(2, 99, dave.Addr, 3)))
	require.NoError(t, err)
	assert.Equal(t, int64(0), out.Op.Amount.Int64())

	out, err = tp.ExecutePriorityOp(ptr(test.GenFullExit(3, 2, dave.Addr, 3)))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(70), out.Op.Amount)
	acc, err := tp.StateDB().GetAccount(2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), acc.Balance(3).Int64())
}

func TestCollectFees(t *testing.T) {
	tp, _, _ := setup(t)
	feeAddr := ethCommon.HexToAddress("0xfee")

	// created even without fees
	id, updates, err := tp.CollectFees(feeAddr, common.CollectedFees{})
	require.NoError(t, err)
	assert.Equal(t, common.AccountID(2), id)
	require.Len(t, updates, 1)
	assert.Equal(t, common.AccountUpdateCreate, updates[0].Type)
	acc, err := tp.StateDB().GetAccountByAddress(feeAddr)
	require.NoError(t, err)
	assert.Equal(t, id, acc.ID)

	// a later deposit gets a new id
	bob := test.NewUser(5)
	out, err := tp.ExecutePriorityOp(ptr(test.GenDeposit(0, bob.Addr, 0, 1)))
	require.NoError(t, err)
	assert.Equal(t, common.AccountID(3), out.Op.AccountID)

	fees := common.CollectedFees{}
	fees.Add(0, big.NewInt(5))
	fees.Add(2, big.NewInt(7))
	fees.Add(0, big.NewInt(1))
	id, updates, err = tp.CollectFees(feeAddr, fees)
	require.NoError(t, err)
	assert.Equal(t, common.AccountID(2), id)
	assert.Len(t, updates, 2)
	acc, err = tp.StateDB().GetAccount(id)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(6), acc.Balance(0))
	assert.Equal(t, big.NewInt(7), acc.Balance(2))

	_, updates, err = tp.CollectFees(feeAddr, fees)
	require.NoError(t, err)
	assert.Len(t, updates, 2)
}

func TestUpdatesRevert(t *testing.T) {
	tp, alice, _ := setup(t)
	root := tp.StateDB().Root()
	carol := test.NewUser(3)
	out, err := tp.ExecuteTx(alice.Transfer(0, carol.Addr, 10, 1, 0))
	require.NoError(t, err)
	require.NoError(t, tp.StateDB().RevertUpdates(out.Updates))
	assert.Equal(t, root, tp.StateDB().Root())
	assert.Equal(t, common.AccountID(2), tp.StateDB().NextAccountID())
}

// tokenSupply sums the balances of token over every account
func tokenSupply(t *testing.T, tp *TxProcessor, token common.TokenID) int64 {
	sum := big.NewInt(0)
	for id := common.AccountID(0); id < tp.StateDB().NextAccountID(); id++ {
		acc, err := tp.StateDB().GetAccount(id)
		if common.Unwrap(err) == statedb.ErrAccountNotFound {
			continue
		}
		require.NoError(t, err)
		sum.Add(sum, acc.Balance(token))
	}
	return sum.Int64()
}

func TestBalanceConservation(t *testing.T) {
	tp, alice, bob := setup(t)
	carol := test.NewUser(3)
	feeAddr := ethCommon.HexToAddress("0xfee")
	fees := common.CollectedFees{}
	collect := func(out *OpOutput) {
		if out.Fee != nil && out.Fee.Sign() > 0 {
			fees.Add(out.FeeToken, out.Fee)
		}
	}
	pendingFees := func() int64 {
		if f, ok := fees[0]; ok {
			return f.Int64()
		}
		return 0
	}
	supply := int64(1000)
	require.Equal(t, supply, tokenSupply(t, tp, 0))

	// transfers only move balances, fees wait for the seal
	out, err := tp.ExecuteTx(alice.Transfer(0, bob.Addr, 100, 5, 0))
	require.NoError(t, err)
	collect(out)
	out, err = tp.ExecuteTx(alice.Transfer(0, carol.Addr, 50, 2, 1))
	require.NoError(t, err)
	collect(out)
	assert.Equal(t, supply, tokenSupply(t, tp, 0)+pendingFees())

	out, err = tp.ExecutePriorityOp(ptr(test.GenDeposit(0, carol.Addr, 0, 200)))
	require.NoError(t, err)
	supply += 200
	assert.Equal(t, supply, tokenSupply(t, tp, 0)+pendingFees())

	out, err = tp.ExecuteTx(alice.Withdraw(0, 300, 3, 2, false))
	require.NoError(t, err)
	collect(out)
	supply -= 300
	assert.Equal(t, supply, tokenSupply(t, tp, 0)+pendingFees())

	// a failed tx changes nothing
	_, err = tp.ExecuteTx(bob.Transfer(1, alice.Addr, 1, 0, 0))
	require.Error(t, err)
	assert.Equal(t, supply, tokenSupply(t, tp, 0)+pendingFees())

	out, err = tp.ExecutePriorityOp(ptr(test.GenFullExit(1, 2, carol.Addr, 0)))
	require.NoError(t, err)
	assert.Equal(t, int64(250), out.Op.Amount.Int64())
	supply -= out.Op.Amount.Int64()
	assert.Equal(t, supply, tokenSupply(t, tp, 0)+pendingFees())

	_, _, err = tp.CollectFees(feeAddr, fees)
	require.NoError(t, err)
	assert.Equal(t, int64(650), supply)
	assert.Equal(t, supply, tokenSupply(t, tp, 0))
}
