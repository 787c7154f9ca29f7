package eth

import (
	"fmt"

	"zkrollup-operator/common"
	"zkrollup-operator/log"

	"github.com/ethereum/go-ethereum/accounts"
	ethKeystore "github.com/ethereum/go-ethereum/accounts/keystore"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ClientInterface is the L1 client used by the watcher and the sender: chain
// reads, transaction signing and sending, and the rollup contract events and
// calldata.
type ClientInterface interface {
	EthereumInterface
	RollupInterface
}

// RollupConfig is the configuration for the Rollup smart contract interface
type RollupConfig struct {
	Address ethCommon.Address
	// Version selects the public data layout of the deployed contract
	Version common.ContractVersion
}

// KeystoreConfig locates the keystore holding the operator key
type KeystoreConfig struct {
	Path     string
	Password string
	// Light uses the light scrypt parameters, for tests and dev networks
	Light bool
	// Address is the operator account that must be in the keystore
	Address ethCommon.Address
}

// OpenKeystore opens the keystore at cfg.Path and unlocks the operator
// account.  A keystore without accounts gets a new one, which still has to
// be configured as the operator address before the node can use it.
func OpenKeystore(cfg KeystoreConfig) (*ethKeystore.KeyStore, *accounts.Account, error) {
	scryptN, scryptP := ethKeystore.StandardScryptN, ethKeystore.StandardScryptP
	if cfg.Light {
		scryptN, scryptP = ethKeystore.LightScryptN, ethKeystore.LightScryptP
	}
	ks := ethKeystore.NewKeyStore(cfg.Path, scryptN, scryptP)
	if len(ks.Accounts()) == 0 {
		account, err := ks.NewAccount(cfg.Password)
		if err != nil {
			return nil, nil, common.Wrap(err)
		}
		log.Infow("New keystore account created", "addr", account.Address.Hex())
	}
	if !ks.HasAddress(cfg.Address) {
		return nil, nil, common.Wrap(fmt.Errorf(
			"ethereum keystore %v doesn't have the key for address %v", cfg.Path, cfg.Address))
	}
	account := &accounts.Account{Address: cfg.Address}
	if err := ks.Unlock(*account, cfg.Password); err != nil {
		return nil, nil, common.Wrap(err)
	}
	log.Infow("Operator ethereum account unlocked in the keystore", "addr", cfg.Address)
	return ks, account, nil
}

// Client is used to interact with Ethereum and the rollup smart contract.
type Client struct {
	EthereumClient
	RollupClient
}

// ClientConfig is the configuration of the Client
type ClientConfig struct {
	Ethereum EthereumConfig
	Rollup   RollupConfig
}

// NewClient creates a new Client.  The rollup address must be set: every
// operation of the node targets that contract.
func NewClient(client *ethclient.Client, account *accounts.Account, ks *ethKeystore.KeyStore,
	cfg *ClientConfig) (*Client, error) {
	if cfg.Rollup.Address == (ethCommon.Address{}) {
		return nil, common.Wrap(fmt.Errorf("rollup contract address not set"))
	}
	ethereumClient, err := NewEthereumClient(client, account, ks, &cfg.Ethereum)
	if err != nil {
		return nil, common.Wrap(err)
	}
	rollupClient, err := NewRollupClient(ethereumClient, cfg.Rollup.Address, cfg.Rollup.Version)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &Client{
		EthereumClient: *ethereumClient,
		RollupClient:   *rollupClient,
	}, nil
}
