package test

import (
	"crypto/ecdsa"
	"math/big"
	"time"

	"zkrollup-operator/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/iden3/go-iden3-crypto/babyjub"
)

// WARNING: the generators in this file doesn't necessary follow the protocol
// they are intended to check that the parsers between struct <==> DB are correct

// User is a test user with an L1 key and a rollup key
type User struct {
	EthSk      *ecdsa.PrivateKey
	Addr       ethCommon.Address
	BJJ        babyjub.PrivateKey
	PubKeyHash common.PubKeyHash
}

// NewUser returns a deterministic user derived from seed
func NewUser(seed byte) *User {
	var k [32]byte
	k[31] = seed
	k[0] = 1
	ethSk, err := ethCrypto.ToECDSA(k[:])
	if err != nil {
		panic(err)
	}
	var bjj babyjub.PrivateKey
	copy(bjj[:], k[:])
	bjj[1] = seed
	pkh, err := common.PubKeyHashFromPublicKey(bjj.Public())
	if err != nil {
		panic(err)
	}
	return &User{
		EthSk:      ethSk,
		Addr:       ethCrypto.PubkeyToAddress(ethSk.PublicKey),
		BJJ:        bjj,
		PubKeyHash: pkh,
	}
}

// Account returns an unlocked account of u with the given balances of token 0
func (u *User) Account(id common.AccountID, nonce common.Nonce, balance int64) *common.Account {
	acc := common.NewAccount(id, u.Addr)
	acc.PubKeyHash = u.PubKeyHash
	acc.Nonce = nonce
	acc.SetBalance(0, big.NewInt(balance))
	return acc
}

// SignHash signs an ethereum hash with the L1 key of u
func (u *User) SignHash(hash []byte) ([]byte, error) {
	return ethCrypto.Sign(hash, u.EthSk)
}

// Transfer returns a signed transfer of token 0 from u
func (u *User) Transfer(id common.AccountID, to ethCommon.Address, amount, fee int64,
	nonce common.Nonce) *common.Tx {
	tx := &common.Tx{
		Type:      common.TxTypeTransfer,
		AccountID: id,
		From:      u.Addr,
		To:        to,
		Token:     0,
		Amount:    big.NewInt(amount),
		Fee:       big.NewInt(fee),
		Nonce:     nonce,
	}
	if err := tx.Sign(&u.BJJ); err != nil {
		panic(err)
	}
	return tx
}

// Withdraw returns a signed withdrawal of token 0 from u to its own address
func (u *User) Withdraw(id common.AccountID, amount, fee int64, nonce common.Nonce,
	fast bool) *common.Tx {
	tx := &common.Tx{
		Type:           common.TxTypeWithdraw,
		AccountID:      id,
		From:           u.Addr,
		To:             u.Addr,
		Token:          0,
		Amount:         big.NewInt(amount),
		Fee:            big.NewInt(fee),
		Nonce:          nonce,
		FastProcessing: fast,
	}
	if err := tx.Sign(&u.BJJ); err != nil {
		panic(err)
	}
	return tx
}

// ChangePubKey returns a ChangePubKey of u setting its own rollup key,
// authorized with an ECDSA signature of its L1 key
func (u *User) ChangePubKey(id common.AccountID, fee int64, nonce common.Nonce) *common.Tx {
	tx := &common.Tx{
		Type:          common.TxTypeChangePubKey,
		AccountID:     id,
		From:          u.Addr,
		Token:         0,
		Fee:           big.NewInt(fee),
		Nonce:         nonce,
		NewPubKeyHash: u.PubKeyHash,
		Auth:          &common.ChangePubKeyAuth{},
	}
	if err := tx.Auth.Sign(tx, u.SignHash); err != nil {
		panic(err)
	}
	if err := tx.Sign(&u.BJJ); err != nil {
		panic(err)
	}
	return tx
}

// GenDeposit generates a confirmed deposit priority op
func GenDeposit(serialID uint64, to ethCommon.Address, token common.TokenID,
	amount int64) common.PriorityOp {
	return common.PriorityOp{
		SerialID: serialID,
		Type:     common.PriorityOpDeposit,
		Deposit: &common.Deposit{
			From:   to,
			To:     to,
			Token:  token,
			Amount: big.NewInt(amount),
		},
		EthHash:       ethCommon.BigToHash(big.NewInt(int64(serialID) + 1)),
		EthBlock:      int64(serialID) + 1,
		DeadlineBlock: int64(serialID) + 1000, //nolint:gomnd
	}
}

// GenFullExit generates a confirmed full exit priority op
func GenFullExit(serialID uint64, id common.AccountID, addr ethCommon.Address,
	token common.TokenID) common.PriorityOp {
	return common.PriorityOp{
		SerialID: serialID,
		Type:     common.PriorityOpFullExit,
		FullExit: &common.FullExit{
			AccountID:  id,
			EthAddress: addr,
			Token:      token,
		},
		EthHash:       ethCommon.BigToHash(big.NewInt(int64(serialID) + 1)),
		EthBlock:      int64(serialID) + 1,
		DeadlineBlock: int64(serialID) + 1000, //nolint:gomnd
	}
}

// GenBlock generates a block containing a deposit of amount to a new
// account id for addr, together with the account updates of the deposit.
// WARNING: This is meant for DB/API testing, the roots are not real.
func GenBlock(number common.BlockNumber, serialID uint64, id common.AccountID,
	addr ethCommon.Address, amount int64) (*common.Block, []common.AccountUpdate) {
	deposit := GenDeposit(serialID, addr, 0, amount)
	block := &common.Block{
		Number:          number,
		FeeAccountID:    0,
		OldStateRoot:    big.NewInt(int64(number)),
		NewStateRoot:    big.NewInt(int64(number) + 1),
		BlockSize:       10, //nolint:gomnd
		FirstPriorityOp: serialID,
		LastPriorityOp:  serialID + 1,
		Timestamp:       time.Now().UTC().Truncate(time.Second),
		ContractVersion: common.ContractV1,
		ExecutedOps: []*common.ExecutedOperation{{
			BlockNumber: number,
			BlockIndex:  0,
			PriorityOp:  &deposit,
			Op: &common.Op{
				Type:      common.OpTypeDeposit,
				AccountID: id,
				Token:     0,
				Amount:    big.NewInt(amount),
				Address:   addr,
			},
			Success: true,
		}},
	}
	updates := []common.AccountUpdate{
		{Type: common.AccountUpdateCreate, AccountID: id, Address: addr},
		{
			Type:       common.AccountUpdateBalance,
			AccountID:  id,
			Token:      0,
			OldBalance: big.NewInt(0),
			NewBalance: big.NewInt(amount),
		},
	}
	return block, updates
}
