/*
Package txprocessor applies transactions and priority operations to the
StateDB, updating the balances, nonces and keys of the accounts.

Every state change goes through an AccountUpdate so that the caller can
persist it and undo it later.  The TxProcessor is used by the state keeper,
which owns the StateDB:

	 +-----------+
	 |StateKeeper|
	 +-----+-----+
	       |  Tx / PriorityOp
	       v
	  TxProcessor ----> []AccountUpdate, Op
	       |
	       v
	    StateDB
	       +
	  +----+-----+
	  |          |
	  v          v
	KVDB     MerkleTree

The exposed methods are:
  - ExecuteTx: validates a signed transaction against the state and applies
    it, or returns a validation error leaving the state untouched.
  - ExecutePriorityOp: applies a confirmed deposit or full exit.  They never
    fail; an invalid full exit withdraws a zero amount.
  - CollectFees: credits the fees of a block to the fee account.
*/
package txprocessor

import (
	"fmt"
	"math/big"

	"zkrollup-operator/common"
	"zkrollup-operator/database/statedb"
	"zkrollup-operator/log"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// TxProcessor represents the TxProcessor object
type TxProcessor struct {
	state  *statedb.StateDB
	config Config
}

// Config contains the TxProcessor configuration parameters
type Config struct {
	// Layout is the chunk layout of the contract, it bounds the token ids
	Layout *common.ChunkLayout
	// MaxProcessableToken is the largest token accepted to pay fees
	MaxProcessableToken common.TokenID
}

// OpOutput is the result of applying a transaction or priority op
type OpOutput struct {
	Op      *common.Op
	Updates []common.AccountUpdate
	// Fee is collected in FeeToken once the block is sealed
	Fee      *big.Int
	FeeToken common.TokenID
	// FastProcessing is set by fast withdrawals
	FastProcessing bool
}

// NewTxProcessor returns a new TxProcessor with the given *StateDB & Config
func NewTxProcessor(state *statedb.StateDB, config Config) *TxProcessor {
	if config.Layout == nil {
		config.Layout = common.DefaultChunkLayout
	}
	return &TxProcessor{
		state:  state,
		config: config,
	}
}

// StateDB returns the StateDB of the TxProcessor
func (tp *TxProcessor) StateDB() *statedb.StateDB {
	return tp.state
}

// changes records the updates applied to the state while processing one
// operation, so that they can be reverted if a later step fails
type changes struct {
	tp      *TxProcessor
	updates []common.AccountUpdate
}

func (c *changes) apply(u common.AccountUpdate) error {
	if err := c.tp.state.ApplyUpdate(u); err != nil {
		return common.Wrap(err)
	}
	c.updates = append(c.updates, u)
	return nil
}

func (c *changes) revert() {
	if err := c.tp.state.RevertUpdates(c.updates); err != nil {
		log.Errorw("TxProcessor: reverting partial updates", "err", err)
	}
	c.updates = nil
}

func (c *changes) createAccount(addr ethCommon.Address) (*common.Account, error) {
	id := c.tp.state.NextAccountID()
	if id > common.MaxAccountID {
		return nil, common.Wrap(common.ErrAccountIDOverflow)
	}
	if err := c.apply(common.AccountUpdate{
		Type:      common.AccountUpdateCreate,
		AccountID: id,
		Address:   addr,
	}); err != nil {
		return nil, err
	}
	return common.NewAccount(id, addr), nil
}

// setBalance sets the balance of acc in token and its nonce
func (c *changes) setBalance(acc *common.Account, token common.TokenID, balance *big.Int,
	nonce common.Nonce) error {
	u := common.AccountUpdate{
		Type:       common.AccountUpdateBalance,
		AccountID:  acc.ID,
		Token:      token,
		OldBalance: new(big.Int).Set(acc.Balance(token)),
		NewBalance: new(big.Int).Set(balance),
		OldNonce:   acc.Nonce,
		NewNonce:   nonce,
	}
	if err := c.apply(u); err != nil {
		return err
	}
	acc.SetBalance(token, balance)
	acc.Nonce = nonce
	return nil
}

func (tp *TxProcessor) checkToken(token common.TokenID) error {
	if token > tp.config.Layout.MaxTokenID() {
		return common.Wrap(fmt.Errorf("%w: %d", common.ErrUnknownToken, token))
	}
	return nil
}

// TxOpType returns the op the transaction produces in the current state
func (tp *TxProcessor) TxOpType(tx *common.Tx) (common.OpType, error) {
	if tx.Type != common.TxTypeTransfer {
		return tx.OpType(true), nil
	}
	_, err := tp.state.GetAccountByAddress(tx.To)
	if common.Unwrap(err) == statedb.ErrAccountNotFound {
		return tx.OpType(false), nil
	} else if err != nil {
		return common.OpTypeNoop, common.Wrap(err)
	}
	return tx.OpType(true), nil
}

// CheckTx validates tx against the sender account.  It checks everything
// that ExecuteTx checks, so that mempool admission and execution agree.
func CheckTx(tx *common.Tx, sender *common.Account, maxProcessableToken common.TokenID) error {
	if err := tx.CheckWellFormed(); err != nil {
		return err
	}
	if sender.Address != tx.From {
		return common.Wrap(fmt.Errorf("%w: account %d is not owned by %s", common.ErrUnknownSender,
			sender.ID, tx.From.Hex()))
	}
	switch tx.Type {
	case common.TxTypeChangePubKey:
		if tx.Token > maxProcessableToken {
			return common.Wrap(common.ErrFeeTokenNotProcessable)
		}
		if !tx.VerifySignature(tx.NewPubKeyHash) {
			return common.Wrap(common.ErrBadSignature)
		}
		if err := tx.Auth.Verify(tx); err != nil {
			return err
		}
	default:
		if sender.Locked() {
			return common.Wrap(common.ErrAccountLocked)
		}
		if tx.Fee.Sign() > 0 && tx.Token > maxProcessableToken {
			return common.Wrap(common.ErrFeeTokenNotProcessable)
		}
		if !tx.VerifySignature(sender.PubKeyHash) {
			return common.Wrap(common.ErrBadSignature)
		}
	}
	if _, err := tx.Nonce.Next(); err != nil {
		return err
	}
	need := new(big.Int).Add(tx.AmountOrZero(), tx.FeeOrZero())
	if sender.Balance(tx.Token).Cmp(need) < 0 {
		return common.Wrap(fmt.Errorf("%w: account %d has %s of token %d, needs %s",
			common.ErrInsufficientBalance, sender.ID, sender.Balance(tx.Token), tx.Token, need))
	}
	return nil
}

// ExecuteTx validates tx and applies it to the state.  On a validation error
// the state is left untouched.
func (tp *TxProcessor) ExecuteTx(tx *common.Tx) (*OpOutput, error) {
	sender, err := tp.state.GetAccount(tx.AccountID)
	if common.Unwrap(err) == statedb.ErrAccountNotFound {
		return nil, common.Wrap(fmt.Errorf("%w: %d", common.ErrUnknownSender, tx.AccountID))
	} else if err != nil {
		return nil, common.Wrap(err)
	}
	if err := tp.checkToken(tx.Token); err != nil {
		return nil, err
	}
	if err := CheckTx(tx, sender, tp.config.MaxProcessableToken); err != nil {
		return nil, err
	}
	if tx.Nonce != sender.Nonce {
		return nil, common.Wrap(fmt.Errorf("%w: tx nonce %d, account nonce %d",
			common.ErrNonceMismatch, tx.Nonce, sender.Nonce))
	}

	c := &changes{tp: tp}
	var out *OpOutput
	switch tx.Type {
	case common.TxTypeTransfer:
		out, err = tp.applyTransfer(c, tx, sender)
	case common.TxTypeWithdraw:
		out, err = tp.applyWithdraw(c, tx, sender)
	case common.TxTypeChangePubKey:
		out, err = tp.applyChangePubKey(c, tx, sender)
	default:
		err = common.Wrap(fmt.Errorf("%w: unknown tx type %q", common.ErrInvalidTx, tx.Type))
	}
	if err != nil {
		c.revert()
		return nil, err
	}
	out.Updates = c.updates
	out.Fee = tx.FeeOrZero()
	out.FeeToken = tx.Token
	return out, nil
}

func (tp *TxProcessor) applyTransfer(c *changes, tx *common.Tx,
	sender *common.Account) (*OpOutput, error) {
	nextNonce, err := tx.Nonce.Next()
	if err != nil {
		return nil, err
	}
	debit := new(big.Int).Add(tx.Amount, tx.FeeOrZero())
	balance := new(big.Int).Sub(sender.Balance(tx.Token), debit)
	if err := c.setBalance(sender, tx.Token, balance, nextNonce); err != nil {
		return nil, err
	}

	op := &common.Op{
		Type:      common.OpTypeTransfer,
		AccountID: sender.ID,
		Token:     tx.Token,
		Amount:    new(big.Int).Set(tx.Amount),
		Fee:       tx.FeeOrZero(),
		Address:   tx.To,
	}
	recipient, err := tp.state.GetAccountByAddress(tx.To)
	if common.Unwrap(err) == statedb.ErrAccountNotFound {
		op.Type = common.OpTypeTransferToNew
		if recipient, err = c.createAccount(tx.To); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, common.Wrap(err)
	}
	op.ToAccountID = recipient.ID
	credited := new(big.Int).Add(recipient.Balance(tx.Token), tx.Amount)
	if err := c.setBalance(recipient, tx.Token, credited, recipient.Nonce); err != nil {
		return nil, err
	}
	return &OpOutput{Op: op}, nil
}

func (tp *TxProcessor) applyWithdraw(c *changes, tx *common.Tx,
	sender *common.Account) (*OpOutput, error) {
	nextNonce, err := tx.Nonce.Next()
	if err != nil {
		return nil, err
	}
	debit := new(big.Int).Add(tx.Amount, tx.FeeOrZero())
	balance := new(big.Int).Sub(sender.Balance(tx.Token), debit)
	if err := c.setBalance(sender, tx.Token, balance, nextNonce); err != nil {
		return nil, err
	}
	return &OpOutput{
		Op: &common.Op{
			Type:      common.OpTypeWithdraw,
			AccountID: sender.ID,
			Token:     tx.Token,
			Amount:    new(big.Int).Set(tx.Amount),
			Fee:       tx.FeeOrZero(),
			Address:   tx.To,
		},
		FastProcessing: tx.FastProcessing,
	}, nil
}

func (tp *TxProcessor) applyChangePubKey(c *changes, tx *common.Tx,
	sender *common.Account) (*OpOutput, error) {
	nextNonce, err := tx.Nonce.Next()
	if err != nil {
		return nil, err
	}
	if err := c.apply(common.AccountUpdate{
		Type:          common.AccountUpdatePubKeyHash,
		AccountID:     sender.ID,
		OldPubKeyHash: sender.PubKeyHash,
		NewPubKeyHash: tx.NewPubKeyHash,
		OldNonce:      sender.Nonce,
		NewNonce:      nextNonce,
	}); err != nil {
		return nil, err
	}
	sender.PubKeyHash = tx.NewPubKeyHash
	sender.Nonce = nextNonce
	if tx.FeeOrZero().Sign() > 0 {
		balance := new(big.Int).Sub(sender.Balance(tx.Token), tx.Fee)
		if err := c.setBalance(sender, tx.Token, balance, sender.Nonce); err != nil {
			return nil, err
		}
	}
	return &OpOutput{
		Op: &common.Op{
			Type:       common.OpTypeChangePubKey,
			AccountID:  sender.ID,
			PubKeyHash: tx.NewPubKeyHash,
			Address:    sender.Address,
			Nonce:      tx.Nonce,
			Token:      tx.Token,
			Fee:        tx.FeeOrZero(),
		},
	}, nil
}

// ExecutePriorityOp applies a confirmed priority op.  Deposits to unknown
// addresses create the account.  A full exit of an account not owned by the
// requester withdraws nothing but is still included.
func (tp *TxProcessor) ExecutePriorityOp(p *common.PriorityOp) (*OpOutput, error) {
	c := &changes{tp: tp}
	var out *OpOutput
	var err error
	switch p.Type {
	case common.PriorityOpDeposit:
		out, err = tp.applyDeposit(c, p.Deposit)
	case common.PriorityOpFullExit:
		out, err = tp.applyFullExit(c, p.FullExit)
	default:
		err = common.Wrap(fmt.Errorf("unknown priority op type %q", p.Type))
	}
	if err != nil {
		c.revert()
		return nil, err
	}
	out.Updates = c.updates
	out.Fee = big.NewInt(0)
	return out, nil
}

func (tp *TxProcessor) applyDeposit(c *changes, d *common.Deposit) (*OpOutput, error) {
	acc, err := tp.state.GetAccountByAddress(d.To)
	if common.Unwrap(err) == statedb.ErrAccountNotFound {
		if acc, err = c.createAccount(d.To); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, common.Wrap(err)
	}
	amount := d.Amount
	if amount == nil {
		amount = big.NewInt(0)
	}
	balance := new(big.Int).Add(acc.Balance(d.Token), amount)
	if err := c.setBalance(acc, d.Token, balance, acc.Nonce); err != nil {
		return nil, err
	}
	return &OpOutput{
		Op: &common.Op{
			Type:      common.OpTypeDeposit,
			AccountID: acc.ID,
			Token:     d.Token,
			Amount:    new(big.Int).Set(amount),
			Address:   d.To,
		},
	}, nil
}

func (tp *TxProcessor) applyFullExit(c *changes, f *common.FullExit) (*OpOutput, error) {
	op := &common.Op{
		Type:      common.OpTypeFullExit,
		AccountID: f.AccountID,
		Token:     f.Token,
		Amount:    big.NewInt(0),
		Address:   f.EthAddress,
	}
	acc, err := tp.state.GetAccount(f.AccountID)
	if common.Unwrap(err) == statedb.ErrAccountNotFound {
		return &OpOutput{Op: op}, nil
	} else if err != nil {
		return nil, common.Wrap(err)
	}
	if acc.Address != f.EthAddress || tp.checkToken(f.Token) != nil {
		return &OpOutput{Op: op}, nil
	}
	amount := new(big.Int).Set(acc.Balance(f.Token))
	if amount.Sign() > 0 {
		if err := c.setBalance(acc, f.Token, big.NewInt(0), acc.Nonce); err != nil {
			return nil, err
		}
	}
	op.Amount = amount
	return &OpOutput{Op: op}, nil
}

// CollectFees credits fees to the account of feeAddr.  The account is created
// by the first call, with or without fees, so every block names an existing
// fee account.  It returns the fee account id and the applied updates.
func (tp *TxProcessor) CollectFees(feeAddr ethCommon.Address,
	fees common.CollectedFees) (common.AccountID, []common.AccountUpdate, error) {
	c := &changes{tp: tp}
	acc, err := tp.state.GetAccountByAddress(feeAddr)
	if common.Unwrap(err) == statedb.ErrAccountNotFound {
		if acc, err = c.createAccount(feeAddr); err != nil {
			return 0, nil, err
		}
	} else if err != nil {
		return 0, nil, common.Wrap(err)
	}
	for _, token := range fees.Tokens() {
		balance := new(big.Int).Add(acc.Balance(token), fees[token])
		if err := c.setBalance(acc, token, balance, acc.Nonce); err != nil {
			c.revert()
			return 0, nil, err
		}
	}
	return acc.ID, c.updates, nil
}
