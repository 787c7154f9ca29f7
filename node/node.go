/*
Package node does the initialization of all the required objects to run the
operator node.

Every node connects to the shared store, keeps a local copy of the account
tree and votes in the leader election.  Only the leader runs the block
production pipeline of the Coordinator; the other nodes stay in cold standby,
serving the read only API and the store sourced metrics until they are
elected.
*/
package node

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"zkrollup-operator/api"
	"zkrollup-operator/common"
	"zkrollup-operator/config"
	"zkrollup-operator/coordinator"
	"zkrollup-operator/coordinator/prover"
	dbUtils "zkrollup-operator/database"
	"zkrollup-operator/database/historydb"
	"zkrollup-operator/database/l2db"
	"zkrollup-operator/database/statedb"
	"zkrollup-operator/eth"
	"zkrollup-operator/etherscan"
	"zkrollup-operator/leaderelection"
	"zkrollup-operator/log"
	"zkrollup-operator/mempool"
	"zkrollup-operator/metric"
	"zkrollup-operator/statekeeper"
	"zkrollup-operator/synchronizer"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"github.com/russross/meddler"
)

const shutdownTimeout = 10 * time.Second

// Node is the operator node
type Node struct {
	nodeAPI        *NodeAPI
	coord          *coordinator.Coordinator
	elector        *leaderelection.Elector
	storeCollector *metric.StoreCollector

	// General
	cfg          *config.Node
	sqlConnRead  *sqlx.DB
	sqlConnWrite *sqlx.DB
	historyDB    *historydb.HistoryDB
	stateDB      *statedb.StateDB
	ctx          context.Context
	wg           sync.WaitGroup
	cancel       context.CancelFunc
}

// NodeAPI holds the node http API
type NodeAPI struct { //nolint:golint
	api          *api.API
	engine       *gin.Engine
	addr         string
	readtimeout  time.Duration
	writetimeout time.Duration
}

// NewNodeAPI creates a new NodeAPI (which internally calls api.NewAPI)
func NewNodeAPI(addr string, cfgAPI config.Node, apiConfig api.Config) (*NodeAPI, error) {
	_api, err := api.NewAPI(apiConfig)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &NodeAPI{
		addr:         addr,
		api:          _api,
		engine:       apiConfig.Server,
		readtimeout:  cfgAPI.API.ReadTimeout.Duration,
		writetimeout: cfgAPI.API.WriteTimeout.Duration,
	}, nil
}

// Run starts the http server of the NodeAPI.  To stop it, pass a context
// with cancellation.
func (a *NodeAPI) Run(ctx context.Context) error {
	server := &http.Server{
		Handler:        a.engine,
		ReadTimeout:    a.readtimeout,
		WriteTimeout:   a.writetimeout,
		MaxHeaderBytes: 1 << 20, //nolint:gomnd
	}
	server.Addr = a.addr
	errCh := make(chan error, 1)
	go func() {
		log.Infof("NodeAPI is ready at %v", a.addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- common.Wrap(err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("Stopping NodeAPI...")
	ctxTimeout, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctxTimeout); err != nil {
		return common.Wrap(err)
	}
	log.Info("NodeAPI done")
	return nil
}

// InitSQLDBs opens the write connection and the read connection, which is
// the write one when PostgreSQL.HostRead is empty.  The migrations run on the
// write connection.
func InitSQLDBs(cfg *config.PostgreSQL) (dbRead, dbWrite *sqlx.DB, err error) {
	dbWrite, err = dbUtils.InitSQLDB(
		cfg.PortWrite,
		cfg.HostWrite,
		cfg.UserWrite,
		cfg.PasswordWrite,
		cfg.NameWrite,
	)
	if err != nil {
		return nil, nil, common.Wrap(fmt.Errorf("dbUtils.InitSQLDB: %w", err))
	}
	dbWrite.SetMaxOpenConns(cfg.PoolSize)
	if cfg.HostRead == "" {
		return dbWrite, dbWrite, nil
	} else if cfg.HostRead == cfg.HostWrite {
		return nil, nil, common.Wrap(fmt.Errorf(
			"PostgreSQL.HostRead and PostgreSQL.HostWrite must be different",
		))
	}
	dbRead, err = dbUtils.ConnectSQLDB(
		cfg.PortRead,
		cfg.HostRead,
		cfg.UserRead,
		cfg.PasswordRead,
		cfg.NameRead,
	)
	if err != nil {
		return nil, nil, common.Wrap(fmt.Errorf("dbUtils.ConnectSQLDB: %w", err))
	}
	dbRead.SetMaxOpenConns(cfg.PoolSize)
	return dbRead, dbWrite, nil
}

// PipelineConfig maps the node configuration to the configuration of the
// block production pipeline
func PipelineConfig(cfg *config.Node) (coordinator.PipelineCfg, error) {
	layout, err := common.ChunkLayoutFor(common.ContractVersion(cfg.SmartContracts.ContractVersion))
	if err != nil {
		return coordinator.PipelineCfg{}, common.Wrap(err)
	}
	sizes := cfg.StateKeeper.BlockChunkSizes
	gwei := big.NewInt(1_000_000_000) //nolint:gomnd
	return coordinator.PipelineCfg{
		Mempool: mempool.Config{
			MaxNonceGap:           common.Nonce(cfg.Mempool.MaxNonceGap),
			MinFee:                cfg.Mempool.MinFee,
			MaxChangePubKeyPerDay: cfg.Mempool.MaxChangePubKeyPerDay,
			MaxProcessableToken:   common.TokenID(cfg.StateKeeper.MaxProcessableToken),
			Layout:                layout,
			MaxBlockChunks:        sizes[len(sizes)-1],
			Purger: mempool.PurgerCfg{
				PurgeInterval: cfg.Mempool.PurgeInterval.Duration,
			},
		},
		Synchronizer: synchronizer.Config{
			StartBlock:            cfg.Watcher.StartBlock,
			ConfirmationsForEvent: int64(cfg.Watcher.ConfirmationsForEvent),
			PollInterval:          cfg.Watcher.PollInterval.Duration,
			TaskLimit:             cfg.Watcher.TaskLimit,
			RequestPerTaskLimit:   cfg.Watcher.RequestPerTaskLimit,
			RequestTimeout:        cfg.Web3.RequestTimeout.Duration,
			RetryDelay:            cfg.Watcher.RetryDelay.Duration,
			MaxElapsedTime:        cfg.Watcher.MaxElapsedTime.Duration,
			BlockHashCacheSize:    cfg.Watcher.BlockHashCacheSize,
		},
		StateKeeper: statekeeper.Config{
			FeeAccountAddress:       cfg.Operator.FeeAccountAddress,
			BlockChunkSizes:         sizes,
			MaxMiniblockIterations:  cfg.StateKeeper.MaxMiniblockIterations,
			FastMiniblockIterations: cfg.StateKeeper.FastMiniblockIterations,
			MiniblockInterval:       cfg.StateKeeper.MiniblockInterval.Duration,
			ContractVersion:         layout.Version,
			MaxProcessableToken:     common.TokenID(cfg.StateKeeper.MaxProcessableToken),
		},
		Committer: coordinator.CommitterCfg{
			SaveRetryDelay:     cfg.Pipeline.SaveRetryDelay.Duration,
			SaveMaxElapsedTime: cfg.Pipeline.SaveMaxElapsedTime.Duration,
			ProofRetryDelay:    cfg.Pipeline.ProofRetryDelay.Duration,
		},
		TxManager: coordinator.TxManagerCfg{
			WaitConfirmations:  int64(cfg.Sender.WaitConfirmations),
			GasPriceFactor:     cfg.Sender.GasPriceFactor,
			GasPriceBumpFactor: cfg.Sender.GasPriceBumpFactor,
			MaxGasPrice:        new(big.Int).Mul(big.NewInt(cfg.Sender.MaxGasPrice), gwei),
			StuckBlocks:        cfg.Sender.StuckBlocks,
			CheckInterval:      cfg.Sender.CheckInterval.Duration,
			MaxInflight:        cfg.Sender.MaxInflight,
			GasLimitMargin:     cfg.Sender.GasLimitMargin,
			GasLimit:           cfg.Sender.GasLimit,
			GasSpeed:           etherscan.GasSpeed(cfg.Sender.GasSpeed),
		},
	}, nil
}

func newEthClient(cfg *config.Node) (*eth.Client, error) {
	ethClient, err := ethclient.Dial(cfg.Web3.URL)
	if err != nil {
		return nil, common.Wrap(err)
	}

	keyStore, operatorAccount, err := eth.OpenKeystore(eth.KeystoreConfig{
		Path:     cfg.Operator.Keystore.Path,
		Password: cfg.Operator.Keystore.Password,
		Light:    cfg.Operator.LightScrypt,
		Address:  cfg.Operator.Address,
	})
	if err != nil {
		return nil, common.Wrap(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Web3.RequestTimeout.Duration)
	defer cancel()
	balance, err := ethClient.BalanceAt(ctx, cfg.Operator.Address, nil)
	if err != nil {
		return nil, common.Wrap(err)
	}
	log.Infow("Operator ethereum account balance",
		"addr", cfg.Operator.Address,
		"balance", balance,
	)

	return eth.NewClient(ethClient, operatorAccount, keyStore, &eth.ClientConfig{
		Ethereum: eth.EthereumConfig{
			RequestTimeout: cfg.Web3.RequestTimeout.Duration,
		},
		Rollup: eth.RollupConfig{
			Address: cfg.SmartContracts.Rollup,
			Version: common.ContractVersion(cfg.SmartContracts.ContractVersion),
		},
	})
}

// NewNode creates a Node
func NewNode(cfg *config.Node, version string) (*Node, error) {
	meddler.Debug = cfg.Debug.MeddlerLogs
	pipelineCfg, err := PipelineConfig(cfg)
	if err != nil {
		return nil, err
	}
	dbRead, dbWrite, err := InitSQLDBs(&cfg.PostgreSQL)
	if err != nil {
		return nil, err
	}
	apiConnCon := dbUtils.NewAPIConnectionController(
		cfg.API.MaxSQLConnections,
		cfg.API.SQLConnectionTimeout.Duration,
	)
	historyDB := historydb.NewHistoryDB(dbRead, dbWrite, apiConnCon)
	l2DB := l2db.NewL2DB(dbRead, dbWrite, cfg.Mempool.MaxTxs, cfg.Mempool.TTL.Duration, apiConnCon)

	client, err := newEthClient(cfg)
	if err != nil {
		return nil, err
	}
	chainID, err := client.EthChainID()
	if err != nil {
		return nil, common.Wrap(err)
	}

	stateDB, err := statedb.NewStateDB(statedb.Config{
		Path: cfg.StateDB.Path,
		Keep: cfg.StateDB.Keep,
	})
	if err != nil {
		return nil, common.Wrap(err)
	}

	var gasOracle etherscan.Client
	if cfg.Etherscan.URL != "" {
		log.Info("EtherScan method detected in configuration file")
		service, err := etherscan.NewEtherscanService(cfg.Etherscan.URL, cfg.Etherscan.APIKey)
		if err != nil {
			return nil, common.Wrap(err)
		}
		gasOracle = service
	} else {
		log.Info("EtherScan method not configured in config file")
	}

	provers := make([]prover.Client, 0, len(cfg.Prover.URLs))
	for _, url := range cfg.Prover.URLs {
		provers = append(provers, prover.NewProofServerClient(url,
			cfg.Prover.PollInterval.Duration, cfg.Prover.RequestTimeout.Duration))
	}

	clock := clockwork.NewRealClock()
	elector, err := leaderelection.NewElector(leaderelection.Config{
		Name:     cfg.Operator.Name,
		Timeout:  cfg.LeaderElection.Timeout.Duration,
		Interval: cfg.LeaderElection.Interval.Duration,
	}, historyDB, clock)
	if err != nil {
		return nil, err
	}

	coord := coordinator.NewCoordinator(coordinator.Config{
		Pipeline:     pipelineCfg,
		RestartDelay: cfg.Pipeline.RestartDelay.Duration,
	}, coordinator.Deps{
		HistoryDB: historyDB,
		L2DB:      l2DB,
		StateDB:   stateDB,
		EthClient: client,
		GasOracle: gasOracle,
		Provers:   coordinator.NewProversPool(provers),
		Clock:     clock,
	}, elector.Changes())

	if cfg.Debug.GinDebugMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.Default()
	engine.Use(cors.Default())
	nodeAPI, err := NewNodeAPI(cfg.API.Address, *cfg, api.Config{
		Version:         version,
		Server:          engine,
		Coordinator:     coord,
		HistoryDB:       historyDB,
		L2DB:            l2DB,
		ChainID:         chainID,
		RollupAddress:   cfg.SmartContracts.Rollup,
		ContractVersion: pipelineCfg.StateKeeper.ContractVersion,
		BlockChunkSizes: cfg.StateKeeper.BlockChunkSizes,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		nodeAPI:        nodeAPI,
		coord:          coord,
		elector:        elector,
		storeCollector: metric.NewStoreCollector(historyDB, cfg.Metrics.StoreInterval.Duration, clock),
		cfg:            cfg,
		sqlConnRead:    dbRead,
		sqlConnWrite:   dbWrite,
		historyDB:      historyDB,
		stateDB:        stateDB,
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

func (n *Node) goRun(name string, run func(ctx context.Context)) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		run(n.ctx)
		log.Infow("Node: stopped", "component", name)
	}()
}

// Start the node
func (n *Node) Start() {
	log.Infow("Starting node...", "name", n.cfg.Operator.Name)
	n.coord.Start()
	n.goRun("Elector", n.elector.Run)
	n.goRun("StoreCollector", n.storeCollector.Run)
	n.goRun("NodeAPI", func(ctx context.Context) {
		if err := n.nodeAPI.Run(ctx); err != nil {
			log.Fatalw("NodeAPI.Run", "err", err)
		}
	})
	n.goRun("FatalWatcher", func(ctx context.Context) {
		select {
		case err := <-n.coord.Fatal():
			log.Fatalw("Coordinator stopped on a fatal error", "err", err)
		case <-ctx.Done():
		}
	})
}

// Stop the node
func (n *Node) Stop() {
	log.Infow("Stopping node...")
	n.cancel()
	n.wg.Wait()
	n.coord.Stop()
	n.stateDB.Close()
	if err := n.sqlConnWrite.Close(); err != nil {
		log.Errorw("Node.Stop: closing the write connection", "err", err)
	}
	if n.sqlConnRead != n.sqlConnWrite {
		if err := n.sqlConnRead.Close(); err != nil {
			log.Errorw("Node.Stop: closing the read connection", "err", err)
		}
	}
}
