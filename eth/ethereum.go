package eth

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"zkrollup-operator/common"
	"zkrollup-operator/eth/contracts/zksync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	ethKeystore "github.com/ethereum/go-ethereum/accounts/keystore"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	// ErrAccountNil is used when the calls can not be made because the account is nil
	ErrAccountNil = fmt.Errorf("authorized calls can't be made when the account is nil")
	// ErrBlockHashMismatchEvent is used when there's a block hash mismatch
	// between different events of the same block
	ErrBlockHashMismatchEvent = fmt.Errorf("block hash mismatch in event log")
	// ErrNoBaseFee is used when the L1 head has no base fee (pre London)
	ErrNoBaseFee = fmt.Errorf("L1 head has no base fee")
)

// ERC20Consts are the constants defined in a particular ERC20 Token instance
type ERC20Consts struct {
	Name     string
	Symbol   string
	Decimals uint64
}

// EthereumConfig defines the configuration parameters of the EthereumClient
type EthereumConfig struct {
	// RequestTimeout bounds every single RPC
	RequestTimeout time.Duration
}

// EthereumClient is an ethereum client to call Smart Contract methods and check blockchain
// information.
type EthereumClient struct {
	client   *ethclient.Client
	chainID  *big.Int
	account  *accounts.Account
	ks       *ethKeystore.KeyStore
	config   *EthereumConfig
	erc20ABI abi.ABI
}

// EthereumInterface is the interface to Ethereum
type EthereumInterface interface {
	EthLastBlock() (int64, error)
	EthBlockByNumber(context.Context, int64) (*common.L1Block, error)
	EthAddress() (*ethCommon.Address, error)
	EthTransactionReceipt(context.Context, ethCommon.Hash) (*types.Receipt, error)
	EthERC20Consts(ethCommon.Address) (*ERC20Consts, error)
	EthChainID() (*big.Int, error)
	EthNonceAt(ctx context.Context, account ethCommon.Address, blockNumber *big.Int) (uint64, error)
	EthBaseFee(ctx context.Context) (*big.Int, error)
	EthEstimateGas(ctx context.Context, to ethCommon.Address, data []byte) (uint64, error)
	EthSignTx(tx *types.Transaction) (*types.Transaction, error)
	EthSendRawTransaction(ctx context.Context, tx *types.Transaction) error
}

// NewEthereumClient creates a EthereumClient instance.  The account is not
// mandatory (it can be nil).  If the account is nil, CallAuth will fail with
// ErrAccountNil.
func NewEthereumClient(client *ethclient.Client, account *accounts.Account,
	ks *ethKeystore.KeyStore, config *EthereumConfig) (*EthereumClient, error) {
	if config == nil {
		config = &EthereumConfig{RequestTimeout: 10 * time.Second} //nolint:gomnd
	}
	erc20ABI, err := abi.JSON(strings.NewReader(zksync.ERC20ABI))
	if err != nil {
		return nil, common.Wrap(err)
	}
	c := &EthereumClient{
		client:   client,
		account:  account,
		ks:       ks,
		config:   config,
		erc20ABI: erc20ABI,
	}
	ctx, cancel := c.withTimeout(context.Background())
	defer cancel()
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, common.Wrap(err)
	}
	c.chainID = chainID
	return c, nil
}

func (c *EthereumClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.config.RequestTimeout)
}

// EthLastBlock returns the last block number in the blockchain
func (c *EthereumClient) EthLastBlock() (int64, error) {
	ctx, cancel := c.withTimeout(context.Background())
	defer cancel()
	header, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, common.Wrap(err)
	}
	return header.Number.Int64(), nil
}

// EthBlockByNumber internally calls ethclient.Client HeaderByNumber and returns
// *common.L1Block.  If number == -1, the latests known block is returned.
func (c *EthereumClient) EthBlockByNumber(ctx context.Context, number int64) (*common.L1Block,
	error) {
	blockNum := big.NewInt(number)
	if number == -1 {
		blockNum = nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	header, err := c.client.HeaderByNumber(ctx, blockNum)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &common.L1Block{
		Num:        header.Number.Int64(),
		Timestamp:  time.Unix(int64(header.Time), 0),
		ParentHash: header.ParentHash,
		Hash:       header.Hash(),
	}, nil
}

// EthAddress returns the ethereum address of the account loaded into the EthereumClient
func (c *EthereumClient) EthAddress() (*ethCommon.Address, error) {
	if c.account == nil {
		return nil, common.Wrap(ErrAccountNil)
	}
	return &c.account.Address, nil
}

// EthTransactionReceipt returns the transaction receipt of the given txHash.
// A not yet mined transaction returns (nil, nil).
func (c *EthereumClient) EthTransactionReceipt(ctx context.Context,
	txHash ethCommon.Hash) (*types.Receipt, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	receipt, err := c.client.TransactionReceipt(ctx, txHash)
	if err == ethereum.NotFound {
		return nil, nil
	}
	return receipt, common.Wrap(err)
}

// EthChainID returns the ChainID of the ethereum network
func (c *EthereumClient) EthChainID() (*big.Int, error) {
	return c.chainID, nil
}

// EthNonceAt returns the account nonce of the given account. The block number can
// be nil, in which case the nonce is taken from the latest known block.
func (c *EthereumClient) EthNonceAt(ctx context.Context,
	account ethCommon.Address, blockNumber *big.Int) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	nonce, err := c.client.NonceAt(ctx, account, blockNumber)
	return nonce, common.Wrap(err)
}

// EthBaseFee returns the base fee of the latest block
func (c *EthereumClient) EthBaseFee(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	head, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, common.Wrap(fmt.Errorf("getting head: %w", err))
	}
	if head.BaseFee == nil {
		return nil, common.Wrap(ErrNoBaseFee)
	}
	return head.BaseFee, nil
}

// EthEstimateGas estimates the gas of calling `to` with data from the
// loaded account
func (c *EthereumClient) EthEstimateGas(ctx context.Context, to ethCommon.Address,
	data []byte) (uint64, error) {
	if c.account == nil {
		return 0, common.Wrap(ErrAccountNil)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	gas, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From: c.account.Address,
		To:   &to,
		Data: data,
	})
	return gas, common.Wrap(err)
}

// EthSignTx signs tx with the loaded account through the keystore
func (c *EthereumClient) EthSignTx(tx *types.Transaction) (*types.Transaction, error) {
	if c.account == nil {
		return nil, common.Wrap(ErrAccountNil)
	}
	signed, err := c.ks.SignTx(*c.account, tx, c.chainID)
	return signed, common.Wrap(err)
}

// EthSendRawTransaction broadcasts a signed transaction
func (c *EthereumClient) EthSendRawTransaction(ctx context.Context, tx *types.Transaction) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return common.Wrap(c.client.SendTransaction(ctx, tx))
}

// EthKeyStore returns the keystore in the EthereumClient
func (c *EthereumClient) EthKeyStore() *ethKeystore.KeyStore {
	return c.ks
}

func (c *EthereumClient) erc20Call(ctx context.Context, token ethCommon.Address,
	method string) ([]interface{}, error) {
	data, err := c.erc20ABI.Pack(method)
	if err != nil {
		return nil, common.Wrap(err)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, common.Wrap(err)
	}
	out, err := c.erc20ABI.Unpack(method, res)
	return out, common.Wrap(err)
}

// EthERC20Consts returns the constants defined for a particular ERC20 Token
// instance.  Tokens without name, symbol or decimals get the zero value of
// the missing field.
func (c *EthereumClient) EthERC20Consts(tokenAddress ethCommon.Address) (*ERC20Consts, error) {
	ctx := context.Background()
	consts := &ERC20Consts{}
	var errs []string
	if out, err := c.erc20Call(ctx, tokenAddress, "name"); err == nil && len(out) == 1 {
		consts.Name, _ = out[0].(string)
	} else if err != nil {
		errs = append(errs, err.Error())
	}
	if out, err := c.erc20Call(ctx, tokenAddress, "symbol"); err == nil && len(out) == 1 {
		consts.Symbol, _ = out[0].(string)
	} else if err != nil {
		errs = append(errs, err.Error())
	}
	if out, err := c.erc20Call(ctx, tokenAddress, "decimals"); err == nil && len(out) == 1 {
		if d, ok := out[0].(uint8); ok {
			consts.Decimals = uint64(d)
		}
	} else if err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) == 3 { //nolint:gomnd
		return nil, common.Wrap(fmt.Errorf("ERC20 %s: %s", tokenAddress.Hex(),
			strings.Join(errs, "; ")))
	}
	return consts, nil
}

// Call performs a read only Smart Contract method call.
func (c *EthereumClient) Call(fn func(*ethclient.Client) error) error {
	return fn(c.client)
}
