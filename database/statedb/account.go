package statedb

import (
	"zkrollup-operator/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/iden3/go-merkletree"
	"github.com/iden3/go-merkletree/db"
)

// Deleted entries are overwritten with an empty value, the storage
// transactions have no delete.
var tombstone = []byte{}

func accountKey(id common.AccountID) []byte {
	return append(append([]byte{}, PrefixKeyAccount...), id.Bytes()...)
}

func addrKey(addr ethCommon.Address) []byte {
	return append(append([]byte{}, PrefixKeyAddr...), addr.Bytes()...)
}

func getAccountInDB(sto db.Storage, id common.AccountID) (*common.Account, error) {
	b, err := sto.Get(accountKey(id))
	if common.Unwrap(err) == db.ErrNotFound || (err == nil && len(b) == 0) {
		return nil, common.Wrap(ErrAccountNotFound)
	} else if err != nil {
		return nil, common.Wrap(err)
	}
	return common.AccountFromBytes(b)
}

func getAccountIDByAddressInDB(sto db.Storage, addr ethCommon.Address) (common.AccountID, error) {
	b, err := sto.Get(addrKey(addr))
	if common.Unwrap(err) == db.ErrNotFound || (err == nil && len(b) == 0) {
		return 0, common.Wrap(ErrAccountNotFound)
	} else if err != nil {
		return 0, common.Wrap(err)
	}
	return common.AccountIDFromBytes(b)
}

// GetAccount returns the account for the given id
func (s *StateDB) GetAccount(id common.AccountID) (*common.Account, error) {
	return getAccountInDB(s.db.DB(), id)
}

// GetAccountByAddress returns the account owned by addr. When several
// accounts share the address the first created one is returned.
func (s *StateDB) GetAccountByAddress(addr ethCommon.Address) (*common.Account, error) {
	id, err := getAccountIDByAddressInDB(s.db.DB(), addr)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return s.GetAccount(id)
}

// CreateAccount stores a new account and adds its leaf to the tree, returning
// a CircomProcessorProof. The next free AccountID advances past account.ID.
func (s *StateDB) CreateAccount(account *common.Account) (*merkletree.CircomProcessorProof, error) {
	if account.ID > common.MaxAccountID {
		return nil, common.Wrap(common.ErrAccountIDOverflow)
	}
	if _, err := s.GetAccount(account.ID); err == nil {
		return nil, common.Wrap(ErrAccountAlreadyExists)
	} else if common.Unwrap(err) != ErrAccountNotFound {
		return nil, common.Wrap(err)
	}
	v, err := account.HashValue()
	if err != nil {
		return nil, common.Wrap(err)
	}
	_, addrErr := getAccountIDByAddressInDB(s.db.DB(), account.Address)

	tx, err := s.db.DB().NewTx()
	if err != nil {
		return nil, common.Wrap(err)
	}
	if err := tx.Put(accountKey(account.ID), account.Bytes()); err != nil {
		return nil, common.Wrap(err)
	}
	// first seen wins
	if common.Unwrap(addrErr) == ErrAccountNotFound {
		if err := tx.Put(addrKey(account.Address), account.ID.Bytes()); err != nil {
			return nil, common.Wrap(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, common.Wrap(err)
	}
	if account.ID >= s.db.NextAccountID {
		if err := s.db.SetNextAccountID(account.ID + 1); err != nil {
			return nil, common.Wrap(err)
		}
	}
	if s.AccountTree == nil {
		return nil, nil
	}
	return s.AccountTree.AddAndGetCircomProof(account.ID.BigInt(), v)
}

// UpdateAccount overwrites the account with the same id and updates its leaf,
// returning a CircomProcessorProof.
func (s *StateDB) UpdateAccount(account *common.Account) (*merkletree.CircomProcessorProof, error) {
	v, err := account.HashValue()
	if err != nil {
		return nil, common.Wrap(err)
	}
	tx, err := s.db.DB().NewTx()
	if err != nil {
		return nil, common.Wrap(err)
	}
	if err := tx.Put(accountKey(account.ID), account.Bytes()); err != nil {
		return nil, common.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, common.Wrap(err)
	}
	if s.AccountTree == nil {
		return nil, nil
	}
	proof, err := s.AccountTree.Update(account.ID.BigInt(), v)
	return proof, common.Wrap(err)
}

// DeleteAccount removes the account and its leaf. Only the undo of a
// creation deletes accounts, so the next free AccountID goes back to id when
// id was the last created one.
func (s *StateDB) DeleteAccount(id common.AccountID) error {
	account, err := s.GetAccount(id)
	if err != nil {
		return common.Wrap(err)
	}
	owner, err := getAccountIDByAddressInDB(s.db.DB(), account.Address)
	if err != nil && common.Unwrap(err) != ErrAccountNotFound {
		return common.Wrap(err)
	}
	tx, err := s.db.DB().NewTx()
	if err != nil {
		return common.Wrap(err)
	}
	if err := tx.Put(accountKey(id), tombstone); err != nil {
		return common.Wrap(err)
	}
	if owner == id {
		if err := tx.Put(addrKey(account.Address), tombstone); err != nil {
			return common.Wrap(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return common.Wrap(err)
	}
	if id+1 == s.db.NextAccountID {
		if err := s.db.SetNextAccountID(id); err != nil {
			return common.Wrap(err)
		}
	}
	if s.AccountTree == nil {
		return nil
	}
	return common.Wrap(s.AccountTree.Delete(id.BigInt()))
}

// ApplyUpdate applies an AccountUpdate to the state
func (s *StateDB) ApplyUpdate(u common.AccountUpdate) error {
	switch u.Type {
	case common.AccountUpdateCreate:
		acc := common.NewAccount(u.AccountID, u.Address)
		acc.Nonce = u.Nonce
		_, err := s.CreateAccount(acc)
		return common.Wrap(err)
	case common.AccountUpdateDelete:
		return s.DeleteAccount(u.AccountID)
	}
	acc, err := s.GetAccount(u.AccountID)
	if err != nil {
		return common.Wrap(err)
	}
	accounts := map[common.AccountID]*common.Account{acc.ID: acc}
	if err := common.ApplyAccountUpdate(accounts, u); err != nil {
		return common.Wrap(err)
	}
	_, err = s.UpdateAccount(acc)
	return common.Wrap(err)
}

// RevertUpdates undoes updates, last first
func (s *StateDB) RevertUpdates(updates []common.AccountUpdate) error {
	for i := len(updates) - 1; i >= 0; i-- {
		if err := s.ApplyUpdate(updates[i].Reverse()); err != nil {
			return common.Wrap(err)
		}
	}
	return nil
}
