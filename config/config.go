package config

import (
	"math/big"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// Duration is a wrapper type that parses time duration from text.
type Duration struct {
	time.Duration `validate:"required"`
}

// UnmarshalText unmarshalls time duration from text.
func (d *Duration) UnmarshalText(data []byte) error {
	duration, err := time.ParseDuration(string(data))
	if err != nil {
		return err
	}
	d.Duration = duration
	return nil
}

// PostgreSQL is the configuration of the database connections. The read
// connection is optional: when HostRead is empty the write connection is
// used for everything.
type PostgreSQL struct {
	// Port of the PostgreSQL write server
	PortWrite int `validate:"required" env:"ZKOP_POSTGRES_PORT_WRITE"`
	// Host of the PostgreSQL write server
	HostWrite string `validate:"required" env:"ZKOP_POSTGRES_HOST_WRITE"`
	// User of the PostgreSQL write server
	UserWrite string `validate:"required" env:"ZKOP_POSTGRES_USER_WRITE"`
	// Password of the PostgreSQL write server
	PasswordWrite string `validate:"required" env:"ZKOP_POSTGRES_PASS_WRITE"`
	// Name of the PostgreSQL write server database
	NameWrite string `validate:"required" env:"ZKOP_POSTGRES_NAME_WRITE"`
	// Port of the PostgreSQL read server
	PortRead int `env:"ZKOP_POSTGRES_PORT_READ"`
	// Host of the PostgreSQL read server
	HostRead string `env:"ZKOP_POSTGRES_HOST_READ"`
	// User of the PostgreSQL read server
	UserRead string `env:"ZKOP_POSTGRES_USER_READ"`
	// Password of the PostgreSQL read server
	PasswordRead string `env:"ZKOP_POSTGRES_PASS_READ"`
	// Name of the PostgreSQL read server database
	NameRead string `env:"ZKOP_POSTGRES_NAME_READ"`
	// PoolSize is the maximum number of open connections (db_pool_size)
	PoolSize int `validate:"required" env:"ZKOP_DB_POOL_SIZE"`
	// AcquireTimeout is the maximum time to wait for a free connection
	AcquireTimeout Duration `validate:"required"`
}

// Node is the configuration of the operator node
type Node struct {
	Log struct {
		// Level of logging: debug, info, warn, error
		Level string `validate:"required" env:"ZKOP_LOG_LEVEL"`
		// Out are the outputs of the logger (stdout or file paths)
		Out []string `validate:"required"`
	}
	PostgreSQL PostgreSQL `validate:"required"`
	StateDB    struct {
		// Path where the account tree and its checkpoints are stored
		Path string `validate:"required" env:"ZKOP_STATEDB_PATH"`
		// Keep is the number of checkpoints to keep
		Keep int `validate:"required"`
	} `validate:"required"`
	Web3 struct {
		// URL is the URL of the web3 ethereum-node RPC server
		URL string `validate:"required" env:"ZKOP_WEB3_URL"`
		// RequestTimeout is the timeout of every L1 RPC
		RequestTimeout Duration `validate:"required"`
	} `validate:"required"`
	SmartContracts struct {
		// Rollup is the address of the rollup smart contract
		Rollup ethCommon.Address `validate:"required"`
		// ContractVersion selects the public data layout (1 or 2)
		ContractVersion uint8 `validate:"required,min=1,max=2"`
	} `validate:"required"`
	Operator struct {
		// Name identifies this node in the leader election
		Name string `validate:"required" env:"ZKOP_OPERATOR_NAME"`
		// Address is the L1 account that signs the rollup transactions
		Address ethCommon.Address `validate:"required"`
		// FeeAccountAddress receives the fees collected in each block
		FeeAccountAddress ethCommon.Address `validate:"required"`
		Keystore          struct {
			// Path to the keystore
			Path string `validate:"required" env:"ZKOP_KEYSTORE_PATH"`
			// Password used to decrypt the keys in the keystore
			Password string `validate:"required" env:"ZKOP_KEYSTORE_PASSWORD"`
		} `validate:"required"`
		// LightScrypt if set, uses light parameters for the ethereum
		// keystore encryption algorithm.
		LightScrypt bool
	} `validate:"required"`
	LeaderElection struct {
		// Timeout after which a silent leader loses leadership
		// (leader_election_timeout)
		Timeout Duration `validate:"required"`
		// Interval between votes
		Interval Duration `validate:"required"`
	} `validate:"required"`
	Mempool struct {
		// MaxNonceGap is the maximum distance between the account nonce
		// and the nonce of an accepted transaction
		MaxNonceGap uint32 `validate:"required"`
		// MaxChangePubKeyPerDay limits the fee-less ChangePubKey txs per
		// account in a 24h window (max_change_pubkey_per_day)
		MaxChangePubKeyPerDay int `validate:"required"`
		// MinFee is the minimum fee of non ChangePubKey transactions
		MinFee *big.Int `validate:"required"`
		// MaxTxs is the maximum number of pending transactions
		MaxTxs uint32 `validate:"required"`
		// TTL is the time after which a pending transaction is purged
		TTL Duration `validate:"required"`
		// PurgeInterval is the period of the purge of expired txs
		PurgeInterval Duration `validate:"required"`
	} `validate:"required"`
	StateKeeper struct {
		// BlockChunkSizes are the allowed block sizes in chunks,
		// ascending (block_chunk_sizes)
		BlockChunkSizes []int `validate:"required,min=1"`
		// MaxMiniblockIterations is the number of iterations after
		// which a non empty block is sealed (max_miniblock_iterations)
		MaxMiniblockIterations int `validate:"required"`
		// FastMiniblockIterations is the iteration cap of blocks
		// containing a fast withdrawal (fast_miniblock_iterations)
		FastMiniblockIterations int `validate:"required"`
		// MiniblockInterval is the period of the iterations
		MiniblockInterval Duration `validate:"required"`
		// MaxProcessableToken is the highest token id usable to pay fees
		MaxProcessableToken uint32
	} `validate:"required"`
	Watcher struct {
		// ConfirmationsForEvent is the depth after which an L1 event is
		// final (eth_confirmations_for_event)
		ConfirmationsForEvent uint64 `validate:"required"`
		// PollInterval is the period of the L1 head polling
		PollInterval Duration `validate:"required"`
		// RetryDelay is the initial delay between retries of a failed
		// request
		RetryDelay Duration `validate:"required"`
		// MaxElapsedTime is the time after which a failing request is
		// given up and the watcher is reported as unhealthy
		MaxElapsedTime Duration `validate:"required"`
		// TaskLimit is the maximum number of L1 blocks whose logs are
		// requested at once
		TaskLimit int64 `validate:"required"`
		// RequestPerTaskLimit is the maximum number of requests per
		// second
		RequestPerTaskLimit float64 `validate:"required"`
		// StartBlock is the L1 block where the rollup contract was
		// deployed
		StartBlock int64
		// BlockHashCacheSize is the number of recent L1 block hashes kept
		// to detect reorgs
		BlockHashCacheSize int `validate:"required"`
	} `validate:"required"`
	Sender struct {
		// WaitConfirmations is the number of confirmations after which an
		// L1 transaction is final (eth_wait_confirmations)
		WaitConfirmations uint64 `validate:"required"`
		// GasPriceFactor multiplies the network base fee
		// (eth_gas_price_factor)
		GasPriceFactor float64 `validate:"required"`
		// GasPriceBumpFactor multiplies the gas price of a stuck
		// transaction (eth_gas_price_bump_factor)
		GasPriceBumpFactor float64 `validate:"required"`
		// MaxGasPrice is the maximum gas price in gwei
		MaxGasPrice int64 `validate:"required"`
		// StuckBlocks is the number of L1 blocks after which a pending
		// transaction is replaced
		StuckBlocks int64 `validate:"required"`
		// CheckInterval is the period of the transaction monitoring
		CheckInterval Duration `validate:"required"`
		// MaxInflight is the maximum number of unconfirmed transactions
		MaxInflight int `validate:"required"`
		// GasLimitMargin multiplies the estimated gas limit
		GasLimitMargin float64 `validate:"required"`
		// GasLimit is used when the gas estimation fails, which happens
		// when the call depends on a transaction that is still pending
		GasLimit uint64 `validate:"required"`
		// GasSpeed selects the etherscan gas price: safe, propose or fast
		GasSpeed string
	} `validate:"required"`
	Prover struct {
		// URLs of the proof servers
		URLs []string `validate:"required"`
		// PollInterval is the period of proof status queries
		PollInterval Duration `validate:"required"`
		// RequestTimeout bounds every request to a proof server
		RequestTimeout Duration `validate:"required"`
	} `validate:"required"`
	Pipeline struct {
		// RestartDelay is the wait before restarting a pipeline whose
		// component stopped with a non fatal error
		RestartDelay Duration `validate:"required"`
		// SaveRetryDelay is the first delay between attempts to store a
		// sealed block
		SaveRetryDelay Duration `validate:"required"`
		// SaveMaxElapsedTime bounds the attempts to store a sealed block,
		// after which the node stops
		SaveMaxElapsedTime Duration `validate:"required"`
		// ProofRetryDelay is the first delay between attempts of a failed
		// proof job
		ProofRetryDelay Duration `validate:"required"`
	} `validate:"required"`
	Etherscan struct {
		// URL of the etherscan API. When empty the gas price is taken
		// from the L1 node
		URL string `env:"ZKOP_ETHERSCAN_URL"`
		// APIKey of the etherscan API
		APIKey string `env:"ZKOP_ETHERSCAN_APIKEY"`
	}
	API struct {
		// Address where the API will listen
		Address string `validate:"required" env:"ZKOP_API_ADDRESS"`
		// ReadTimeout of the http server
		ReadTimeout Duration `validate:"required"`
		// WriteTimeout of the http server
		WriteTimeout Duration `validate:"required"`
		// MaxSQLConnections is the maximum number of concurrent SQL
		// connections used by the API
		MaxSQLConnections int `validate:"required"`
		// SQLConnectionTimeout is the maximum time to wait for a SQL
		// connection
		SQLConnectionTimeout Duration `validate:"required"`
	} `validate:"required"`
	Metrics struct {
		// StoreInterval is the period of the store sourced gauges
		StoreInterval Duration `validate:"required"`
	} `validate:"required"`
	Debug struct {
		// MeddlerLogs enables meddler debug mode, where unused columns and struct
		// fields will be logged
		MeddlerLogs bool
		// GinDebugMode sets Gin-Gonic (the web framework) to run in
		// debug mode
		GinDebugMode bool
	}
}

// DefaultValues are the defaults of the node configuration
const DefaultValues = `
[Log]
Level = "info"
Out = ["stdout"]

[PostgreSQL]
PortWrite = 5432
HostWrite = "localhost"
UserWrite = "zkop"
NameWrite = "zkop"
PoolSize = 10
AcquireTimeout = "20s"

[StateDB]
Path = "/var/zkop/statedb"
Keep = 128

[Web3]
URL = "http://localhost:8545"
RequestTimeout = "10s"

[SmartContracts]
ContractVersion = 1

[Operator]
Name = "operator"
LightScrypt = false

[LeaderElection]
Timeout = "30s"
Interval = "5s"

[Mempool]
MaxNonceGap = 100
MaxChangePubKeyPerDay = 10
MinFee = "0"
MaxTxs = 100000
TTL = "24h"
PurgeInterval = "10m"

[StateKeeper]
BlockChunkSizes = [10, 32, 72, 156, 322]
MaxMiniblockIterations = 10
FastMiniblockIterations = 5
MiniblockInterval = "200ms"
MaxProcessableToken = 100

[Watcher]
ConfirmationsForEvent = 1
PollInterval = "3s"
RetryDelay = "1s"
MaxElapsedTime = "60s"
TaskLimit = 1000
RequestPerTaskLimit = 10
StartBlock = 0
BlockHashCacheSize = 1024

[Sender]
WaitConfirmations = 1
GasPriceFactor = 1.0
GasPriceBumpFactor = 1.15
MaxGasPrice = 500
StuckBlocks = 20
CheckInterval = "2s"
MaxInflight = 16
GasLimitMargin = 1.2
GasLimit = 5000000
GasSpeed = "propose"

[Prover]
URLs = ["http://localhost:3000"]
PollInterval = "1s"
RequestTimeout = "30s"

[Pipeline]
RestartDelay = "5s"
SaveRetryDelay = "100ms"
SaveMaxElapsedTime = "1m"
ProofRetryDelay = "1s"

[API]
Address = "0.0.0.0:8080"
ReadTimeout = "30s"
WriteTimeout = "30s"
MaxSQLConnections = 100
SQLConnectionTimeout = "2s"

[Metrics]
StoreInterval = "10s"
`
