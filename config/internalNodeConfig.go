package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env"
	"github.com/go-playground/validator"
)

func loadDefault(defaultValues string, cfg interface{}) error {
	if _, err := toml.Decode(defaultValues, cfg); err != nil {
		return err
	}
	return nil
}

func loadFile(path string, cfg interface{}) error {
	bs, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	cfgToml := string(bs)
	if _, err := toml.Decode(cfgToml, cfg); err != nil {
		return err
	}
	return nil
}

// loadEnv parses the env tags of cfg and of every nested struct, which
// env.Parse does not visit
func loadEnv(cfg interface{}) error {
	if err := env.Parse(cfg); err != nil {
		return err
	}
	v := reflect.Indirect(reflect.ValueOf(cfg))
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		if field.Kind() != reflect.Struct || !field.CanAddr() || !field.CanSet() {
			continue
		}
		if err := loadEnv(field.Addr().Interface()); err != nil {
			return err
		}
	}
	return nil
}

// LoadConfig is the function that loads the configuration: defaults first,
// then the file (if any), then the environment variables
func LoadConfig(filePath string, defaultValues string, cfg interface{}) error {
	//Get default configuration
	if err := loadDefault(defaultValues, cfg); err != nil {
		return fmt.Errorf("error loading default configuration: %w", err)
	}
	// Get file configuration
	var errLoadFile error
	if filePath != "" {
		errLoadFile = loadFile(filePath, cfg)
	}
	// Overwrite file configuration with the env configuration
	errLoadEnv := loadEnv(cfg)
	if errLoadFile != nil {
		return fmt.Errorf("error loading configuration file: %w", errLoadFile)
	}
	if errLoadEnv != nil {
		return fmt.Errorf("error loading environment variables: %w", errLoadEnv)
	}
	return nil
}

// LoadNode loads the node configuration from the defaults, the file at path
// and the environment, and validates it
func LoadNode(path string) (*Node, error) {
	var cfg Node
	if err := LoadConfig(path, DefaultValues, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the required fields and the relations between fields
func (cfg *Node) Validate() error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("error validating configuration file: %w", err)
	}
	sizes := cfg.StateKeeper.BlockChunkSizes
	for i := 1; i < len(sizes); i++ {
		if sizes[i] <= sizes[i-1] {
			return fmt.Errorf("StateKeeper.BlockChunkSizes must be strictly ascending: %v", sizes)
		}
	}
	if cfg.StateKeeper.FastMiniblockIterations > cfg.StateKeeper.MaxMiniblockIterations {
		return fmt.Errorf("StateKeeper.FastMiniblockIterations (%d) > MaxMiniblockIterations (%d)",
			cfg.StateKeeper.FastMiniblockIterations, cfg.StateKeeper.MaxMiniblockIterations)
	}
	if cfg.Sender.GasPriceBumpFactor <= 1 {
		return fmt.Errorf("Sender.GasPriceBumpFactor must be > 1, got %v",
			cfg.Sender.GasPriceBumpFactor)
	}
	switch cfg.Sender.GasSpeed {
	case "", "safe", "propose", "fast":
	default:
		return fmt.Errorf("Sender.GasSpeed must be safe, propose or fast, got %q", cfg.Sender.GasSpeed)
	}
	if cfg.LeaderElection.Interval.Duration >= cfg.LeaderElection.Timeout.Duration {
		return fmt.Errorf("LeaderElection.Interval (%v) must be below LeaderElection.Timeout (%v)",
			cfg.LeaderElection.Interval.Duration, cfg.LeaderElection.Timeout.Duration)
	}
	return nil
}
