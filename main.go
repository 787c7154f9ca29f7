package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"zkrollup-operator/common"
	"zkrollup-operator/config"
	dbUtils "zkrollup-operator/database"
	"zkrollup-operator/database/historydb"
	"zkrollup-operator/log"
	"zkrollup-operator/node"

	"github.com/joho/godotenv"
	"github.com/urfave/cli"
)

const (
	flagCfg     = "cfg"
	flagYes     = "yes"
	flagBlock   = "block"
	flagEnv     = "env"
	nMigrations = "nMigrations"
)

var (
	// Version represents the program based on the git tag
	Version = "v0.1.0"
	// Commit represents the program based on the git commit
	Commit = "dev"
)

func cmdVersion(c *cli.Context) error {
	fmt.Printf("Version = \"%v\"\n", Version)
	fmt.Printf("Commit = \"%v\"\n", Commit)
	return nil
}

// loadEnvFile loads the variables of the .env file, if any, into the
// environment before the configuration is read
func loadEnvFile(c *cli.Context) error {
	path := c.GlobalString(flagEnv)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if os.IsNotExist(err) && path == ".env" {
			return nil
		}
		return common.Wrap(fmt.Errorf("godotenv.Load(%v): %w", path, err))
	}
	return nil
}

func parseCli(c *cli.Context) (*config.Node, error) {
	cfg, err := config.LoadNode(c.String(flagCfg))
	if err != nil {
		if err := cli.ShowAppHelp(c); err != nil {
			panic(err)
		}
		return nil, common.Wrap(err)
	}
	log.Init(cfg.Log.Level, cfg.Log.Out)
	return cfg, nil
}

func waitSigInt() {
	stopCh := make(chan interface{})

	// catch ^C to send the stop signal
	ossig := make(chan os.Signal, 1)
	signal.Notify(ossig, os.Interrupt, syscall.SIGTERM)
	const forceStopCount = 3
	go func() {
		n := 0
		for sig := range ossig {
			log.Infow("Received signal", "signal", sig)
			stopCh <- nil
			n++
			if n == forceStopCount {
				log.Fatalf("Received %v Interrupt Signals", forceStopCount)
			}
		}
	}()
	<-stopCh
}

func cmdRun(c *cli.Context) error {
	cfg, err := parseCli(c)
	if err != nil {
		return common.Wrap(fmt.Errorf("error parsing flags and config: %w", err))
	}
	innerNode, err := node.NewNode(cfg, Version)
	if err != nil {
		return common.Wrap(fmt.Errorf("error starting node: %w", err))
	}
	innerNode.Start()
	waitSigInt()
	innerNode.Stop()
	return nil
}

func confirm(c *cli.Context, question string) bool {
	if c.Bool(flagYes) {
		return true
	}
	fmt.Printf("%v [y/N] ", question)
	var answer string
	if _, err := fmt.Scanln(&answer); err != nil {
		return false
	}
	return strings.ToLower(strings.TrimSpace(answer)) == "y"
}

func cmdWipeDBs(c *cli.Context) error {
	cfg, err := parseCli(c)
	if err != nil {
		return common.Wrap(fmt.Errorf("error parsing flags and config: %w", err))
	}
	if !confirm(c, "This will remove the whole SQL database and the local account tree. Continue?") {
		log.Info("Aborted")
		return nil
	}
	db, err := dbUtils.ConnectSQLDB(
		cfg.PostgreSQL.PortWrite,
		cfg.PostgreSQL.HostWrite,
		cfg.PostgreSQL.UserWrite,
		cfg.PostgreSQL.PasswordWrite,
		cfg.PostgreSQL.NameWrite,
	)
	if err != nil {
		return common.Wrap(err)
	}
	defer db.Close() //nolint:errcheck
	log.Info("Wiping SQL DB...")
	if err := dbUtils.MigrationsDown(db.DB, 0); err != nil {
		return common.Wrap(fmt.Errorf("dbUtils.MigrationsDown: %w", err))
	}
	log.Infow("Wiping StateDB...", "path", cfg.StateDB.Path)
	if err := os.RemoveAll(cfg.StateDB.Path); err != nil {
		return common.Wrap(fmt.Errorf("os.RemoveAll: %w", err))
	}
	return nil
}

func cmdMigrateDown(c *cli.Context) error {
	cfg, err := parseCli(c)
	if err != nil {
		return common.Wrap(fmt.Errorf("error parsing flags and config: %w", err))
	}
	n := c.Uint(nMigrations)
	db, err := dbUtils.ConnectSQLDB(
		cfg.PostgreSQL.PortWrite,
		cfg.PostgreSQL.HostWrite,
		cfg.PostgreSQL.UserWrite,
		cfg.PostgreSQL.PasswordWrite,
		cfg.PostgreSQL.NameWrite,
	)
	if err != nil {
		return common.Wrap(err)
	}
	defer db.Close() //nolint:errcheck
	return dbUtils.MigrationsDown(db.DB, n)
}

// cmdRevertBlocks deletes the stored blocks from the given one.  Their
// transactions go back to the mempool and the account tree is restored from
// the store when the node starts again.
func cmdRevertBlocks(c *cli.Context) error {
	cfg, err := parseCli(c)
	if err != nil {
		return common.Wrap(fmt.Errorf("error parsing flags and config: %w", err))
	}
	from := common.BlockNumber(c.Uint64(flagBlock))
	if !confirm(c, fmt.Sprintf("This will revert every block from %d. Continue?", from)) {
		log.Info("Aborted")
		return nil
	}
	dbRead, dbWrite, err := node.InitSQLDBs(&cfg.PostgreSQL)
	if err != nil {
		return err
	}
	defer dbWrite.Close() //nolint:errcheck
	apiConnCon := dbUtils.NewAPIConnectionController(1, cfg.API.SQLConnectionTimeout.Duration)
	historyDB := historydb.NewHistoryDB(dbRead, dbWrite, apiConnCon)
	if leader, err := historyDB.CurrentLeader(); err != nil {
		return common.Wrap(err)
	} else if leader != nil {
		log.Warnw("The node holding the leadership must be stopped before reverting blocks",
			"leader", leader.Name, "votedAt", leader.VotedAt)
	}
	requeued, err := historyDB.RevertBlocks(from)
	if err != nil {
		return common.Wrap(fmt.Errorf("historyDB.RevertBlocks: %w", err))
	}
	log.Infow("Blocks reverted", "from", from, "requeuedTxs", requeued)
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "zkop-node"
	app.Version = Version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  flagEnv,
			Usage: "Environment `FILE` loaded before the configuration",
			Value: ".env",
		},
	}
	app.Before = loadEnvFile

	cfgFlag := cli.StringFlag{
		Name:     flagCfg,
		Usage:    "Node configuration `FILE`",
		Required: false,
	}
	yesFlag := cli.BoolFlag{
		Name:  flagYes,
		Usage: "Skip the confirmation prompt",
	}

	app.Commands = []cli.Command{
		{
			Name:    "version",
			Aliases: []string{},
			Usage:   "Show the application version and build",
			Action:  cmdVersion,
		},
		{
			Name:    "run",
			Aliases: []string{},
			Usage:   "Run the operator node",
			Action:  cmdRun,
			Flags:   []cli.Flag{cfgFlag},
		},
		{
			Name:    "wipedb",
			Aliases: []string{},
			Usage: "Wipe the SQL DB (HistoryDB and L2DB) and the StateDB, " +
				"leaving the node in a clean state",
			Action: cmdWipeDBs,
			Flags:  []cli.Flag{cfgFlag, yesFlag},
		},
		{
			Name:    "migrate-down",
			Aliases: []string{},
			Usage:   "Run the SQL migrations Down",
			Action:  cmdMigrateDown,
			Flags: []cli.Flag{
				cfgFlag,
				cli.UintFlag{
					Name:  nMigrations,
					Usage: "Number of migrations to run Down, 0 means all",
					Value: 0,
				},
			},
		},
		{
			Name:    "revert-blocks",
			Aliases: []string{},
			Usage:   "Revert the stored blocks from a block number, putting their transactions back in the mempool",
			Action:  cmdRevertBlocks,
			Flags: []cli.Flag{
				cfgFlag,
				yesFlag,
				cli.Uint64Flag{
					Name:     flagBlock,
					Usage:    "First block `NUMBER` to revert",
					Required: true,
				},
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Printf("\nError: %v\n", common.Wrap(err))
		os.Exit(1)
	}
}
