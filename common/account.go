package common

import (
	"database/sql/driver"
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/iden3/go-iden3-crypto/poseidon"
)

const (
	// AccountTreeLevels is the depth of the account merkle tree
	AccountTreeLevels = 24
	// MaxAccountID is the maximum value that AccountID can have (2**24-1)
	MaxAccountID = AccountID(1<<AccountTreeLevels - 1)
	// AccountIDBytesLen is the length of an AccountID in public data
	AccountIDBytesLen = 4
	// PubKeyHashLen is the length of a PubKeyHash
	PubKeyHashLen = 20
	// maxBalanceBits is the maximum number of bits a balance can use
	maxBalanceBits = 128
)

var (
	// EmptyAddr is used to check if an ethereum address is 0
	EmptyAddr = ethCommon.Address{}
	// MaxBalance is the maximum balance an account can hold for a token
	MaxBalance = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), maxBalanceBits), big.NewInt(1))
)

// AccountID is the dense identifier of an account, which is also its leaf
// index in the account tree
type AccountID uint32

// Bytes returns a byte array of length 4 representing the AccountID
func (id AccountID) Bytes() []byte {
	var b [AccountIDBytesLen]byte
	binary.BigEndian.PutUint32(b[:], uint32(id))
	return b[:]
}

// BigInt returns a *big.Int representing the AccountID
func (id AccountID) BigInt() *big.Int {
	return big.NewInt(int64(id))
}

// AccountIDFromBytes returns the AccountID encoded in b
func AccountIDFromBytes(b []byte) (AccountID, error) {
	if len(b) != AccountIDBytesLen {
		return 0, Wrap(fmt.Errorf("can not parse AccountID, bytes len %d, expected %d",
			len(b), AccountIDBytesLen))
	}
	return AccountID(binary.BigEndian.Uint32(b)), nil
}

// PubKeyHash is the hash of the rollup signing key that controls an account.
// The zero value means that the account has no signing key yet.
type PubKeyHash [PubKeyHashLen]byte

// IsZero returns true when no key has been set
func (h PubKeyHash) IsZero() bool {
	return h == PubKeyHash{}
}

// BigInt returns the PubKeyHash as a *big.Int
func (h PubKeyHash) BigInt() *big.Int {
	return new(big.Int).SetBytes(h[:])
}

// String returns the hex representation of the PubKeyHash
func (h PubKeyHash) String() string {
	return hexutil.Encode(h[:])
}

// MarshalText implements encoding.TextMarshaler
func (h PubKeyHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (h *PubKeyHash) UnmarshalText(text []byte) error {
	b, err := hexutil.Decode(string(text))
	if err != nil {
		return Wrap(err)
	}
	if len(b) != PubKeyHashLen {
		return Wrap(fmt.Errorf("invalid PubKeyHash length %d", len(b)))
	}
	copy(h[:], b)
	return nil
}

// Scan implements Scanner for database/sql
func (h *PubKeyHash) Scan(src interface{}) error {
	srcB, ok := src.([]byte)
	if !ok {
		return Wrap(fmt.Errorf("can't scan %T into PubKeyHash", src))
	}
	if len(srcB) != PubKeyHashLen {
		return Wrap(fmt.Errorf("can't scan []byte of len %d into PubKeyHash", len(srcB)))
	}
	copy(h[:], srcB)
	return nil
}

// Value implements valuer for database/sql
func (h PubKeyHash) Value() (driver.Value, error) {
	return h[:], nil
}

// PubKeyHashFromBytes returns the PubKeyHash contained in b
func PubKeyHashFromBytes(b []byte) (PubKeyHash, error) {
	var h PubKeyHash
	if len(b) != PubKeyHashLen {
		return h, Wrap(fmt.Errorf("can not parse PubKeyHash, bytes len %d, expected %d",
			len(b), PubKeyHashLen))
	}
	copy(h[:], b)
	return h, nil
}

// Account is the state of a rollup account
type Account struct {
	ID         AccountID            `json:"id" meddler:"account_id"`
	Address    ethCommon.Address    `json:"address" meddler:"address"`
	PubKeyHash PubKeyHash           `json:"pubKeyHash" meddler:"pub_key_hash"`
	Nonce      Nonce                `json:"nonce" meddler:"nonce"`
	Balances   map[TokenID]*big.Int `json:"balances" meddler:"-"`
}

// NewAccount returns an empty account owned by addr
func NewAccount(id AccountID, addr ethCommon.Address) *Account {
	return &Account{
		ID:       id,
		Address:  addr,
		Balances: make(map[TokenID]*big.Int),
	}
}

// Balance returns the balance of the account for the given token. The
// returned value is a copy.
func (a *Account) Balance(token TokenID) *big.Int {
	if b, ok := a.Balances[token]; ok && b != nil {
		return new(big.Int).Set(b)
	}
	return big.NewInt(0)
}

// SetBalance sets the balance of a token, removing zero balances
func (a *Account) SetBalance(token TokenID, balance *big.Int) {
	if a.Balances == nil {
		a.Balances = make(map[TokenID]*big.Int)
	}
	if balance.Sign() == 0 {
		delete(a.Balances, token)
		return
	}
	a.Balances[token] = new(big.Int).Set(balance)
}

// Tokens returns the ids of the tokens with non zero balance, sorted
func (a *Account) Tokens() []TokenID {
	tokens := make([]TokenID, 0, len(a.Balances))
	for t, b := range a.Balances {
		if b != nil && b.Sign() != 0 {
			tokens = append(tokens, t)
		}
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens
}

// Copy returns a deep copy of the account
func (a *Account) Copy() *Account {
	c := *a
	c.Balances = make(map[TokenID]*big.Int, len(a.Balances))
	for t, b := range a.Balances {
		c.Balances[t] = new(big.Int).Set(b)
	}
	return &c
}

// BalancesHash returns the poseidon chain over the non zero balances of the
// account sorted by token id: h = H(h, token, balance), starting at 0
func (a *Account) BalancesHash() (*big.Int, error) {
	h := big.NewInt(0)
	for _, t := range a.Tokens() {
		var err error
		h, err = poseidon.Hash([]*big.Int{h, big.NewInt(int64(t)), a.Balances[t]})
		if err != nil {
			return nil, Wrap(err)
		}
	}
	return h, nil
}

// HashValue returns the value of the account leaf in the account tree
func (a *Account) HashValue() (*big.Int, error) {
	balances, err := a.BalancesHash()
	if err != nil {
		return nil, Wrap(err)
	}
	h, err := poseidon.Hash([]*big.Int{
		a.ID.BigInt(),
		big.NewInt(int64(a.Nonce)),
		new(big.Int).SetBytes(a.Address.Bytes()),
		a.PubKeyHash.BigInt(),
		balances,
	})
	return h, Wrap(err)
}

// accountHeaderLen is id(4) | nonce(4) | address(20) | pkh(20) | nBalances(4)
const accountHeaderLen = AccountIDBytesLen + NonceBytesLen + ethCommon.AddressLength +
	PubKeyHashLen + 4

// Bytes encodes the account as the header followed by one
// token(4) | len(1) | balance entry per non zero balance
func (a *Account) Bytes() []byte {
	tokens := a.Tokens()
	b := make([]byte, accountHeaderLen, accountHeaderLen+len(tokens)*(4+1+maxBalanceBits/8))
	copy(b[0:4], a.ID.Bytes())
	copy(b[4:8], a.Nonce.Bytes())
	copy(b[8:28], a.Address.Bytes())
	copy(b[28:48], a.PubKeyHash[:])
	binary.BigEndian.PutUint32(b[48:52], uint32(len(tokens)))
	for _, t := range tokens {
		var tb [4]byte
		binary.BigEndian.PutUint32(tb[:], uint32(t))
		v := a.Balances[t].Bytes()
		b = append(b, tb[:]...)
		b = append(b, byte(len(v)))
		b = append(b, v...)
	}
	return b
}

// AccountFromBytes decodes an account encoded with Account.Bytes
func AccountFromBytes(b []byte) (*Account, error) {
	if len(b) < accountHeaderLen {
		return nil, Wrap(fmt.Errorf("can not parse Account, bytes len %d", len(b)))
	}
	id, err := AccountIDFromBytes(b[0:4])
	if err != nil {
		return nil, Wrap(err)
	}
	a := NewAccount(id, ethCommon.BytesToAddress(b[8:28]))
	a.Nonce = Nonce(binary.BigEndian.Uint32(b[4:8]))
	copy(a.PubKeyHash[:], b[28:48])
	n := int(binary.BigEndian.Uint32(b[48:52]))
	rest := b[accountHeaderLen:]
	for i := 0; i < n; i++ {
		if len(rest) < 5 || len(rest) < 5+int(rest[4]) {
			return nil, Wrap(fmt.Errorf("can not parse Account balance %d", i))
		}
		t := TokenID(binary.BigEndian.Uint32(rest[0:4]))
		l := int(rest[4])
		a.SetBalance(t, new(big.Int).SetBytes(rest[5:5+l]))
		rest = rest[5+l:]
	}
	return a, nil
}

// Locked returns true while the account has no signing key
func (a *Account) Locked() bool {
	return a.PubKeyHash.IsZero()
}

// AccountUpdateType is the kind of change recorded by an AccountUpdate
type AccountUpdateType string

const (
	// AccountUpdateCreate creates an account
	AccountUpdateCreate AccountUpdateType = "create"
	// AccountUpdateDelete deletes an account, only produced when reverting
	// a creation
	AccountUpdateDelete AccountUpdateType = "delete"
	// AccountUpdateBalance changes the balance of one token and the nonce
	AccountUpdateBalance AccountUpdateType = "balance"
	// AccountUpdatePubKeyHash changes the signing key and the nonce
	AccountUpdatePubKeyHash AccountUpdateType = "pubkey"
)

// AccountUpdate is a reversible change to a single account. Old and new
// values are both kept so that a list of updates can be undone.
type AccountUpdate struct {
	Type      AccountUpdateType `json:"type" meddler:"update_type"`
	AccountID AccountID         `json:"accountId" meddler:"account_id"`
	// Address and Nonce are set for create and delete
	Address ethCommon.Address `json:"address" meddler:"address"`
	Nonce   Nonce             `json:"nonce" meddler:"nonce"`
	// Token, OldBalance and NewBalance are set for balance updates
	Token      TokenID  `json:"token" meddler:"token_id"`
	OldBalance *big.Int `json:"oldBalance,omitempty" meddler:"old_balance,bigintnull"`
	NewBalance *big.Int `json:"newBalance,omitempty" meddler:"new_balance,bigintnull"`
	// OldNonce and NewNonce are set for balance and pubkey updates
	OldNonce Nonce `json:"oldNonce" meddler:"old_nonce"`
	NewNonce Nonce `json:"newNonce" meddler:"new_nonce"`
	// OldPubKeyHash and NewPubKeyHash are set for pubkey updates
	OldPubKeyHash PubKeyHash `json:"oldPubKeyHash" meddler:"old_pub_key_hash"`
	NewPubKeyHash PubKeyHash `json:"newPubKeyHash" meddler:"new_pub_key_hash"`
}

// Reverse returns the update that undoes u
func (u AccountUpdate) Reverse() AccountUpdate {
	r := u
	switch u.Type {
	case AccountUpdateCreate:
		r.Type = AccountUpdateDelete
	case AccountUpdateDelete:
		r.Type = AccountUpdateCreate
	case AccountUpdateBalance:
		r.OldBalance, r.NewBalance = u.NewBalance, u.OldBalance
		r.OldNonce, r.NewNonce = u.NewNonce, u.OldNonce
	case AccountUpdatePubKeyHash:
		r.OldPubKeyHash, r.NewPubKeyHash = u.NewPubKeyHash, u.OldPubKeyHash
		r.OldNonce, r.NewNonce = u.NewNonce, u.OldNonce
	}
	return r
}

// ApplyAccountUpdate applies u to the accounts map
func ApplyAccountUpdate(accounts map[AccountID]*Account, u AccountUpdate) error {
	switch u.Type {
	case AccountUpdateCreate:
		if _, ok := accounts[u.AccountID]; ok {
			return Wrap(fmt.Errorf("account %d already exists", u.AccountID))
		}
		acc := NewAccount(u.AccountID, u.Address)
		acc.Nonce = u.Nonce
		accounts[u.AccountID] = acc
	case AccountUpdateDelete:
		if _, ok := accounts[u.AccountID]; !ok {
			return Wrap(fmt.Errorf("account %d does not exist", u.AccountID))
		}
		delete(accounts, u.AccountID)
	case AccountUpdateBalance:
		acc, ok := accounts[u.AccountID]
		if !ok {
			return Wrap(fmt.Errorf("account %d does not exist", u.AccountID))
		}
		acc.SetBalance(u.Token, u.NewBalance)
		acc.Nonce = u.NewNonce
	case AccountUpdatePubKeyHash:
		acc, ok := accounts[u.AccountID]
		if !ok {
			return Wrap(fmt.Errorf("account %d does not exist", u.AccountID))
		}
		acc.PubKeyHash = u.NewPubKeyHash
		acc.Nonce = u.NewNonce
	default:
		return Wrap(fmt.Errorf("unknown account update type %q", u.Type))
	}
	return nil
}
