package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfigFile = `
[PostgreSQL]
PasswordWrite = "yourpasswordhere"

[SmartContracts]
Rollup = "0x1111111111111111111111111111111111111111"

[Operator]
Address = "0x2222222222222222222222222222222222222222"
FeeAccountAddress = "0x3333333333333333333333333333333333333333"
  [Operator.Keystore]
  Path = "/tmp/ks"
  Password = "secret"

[StateKeeper]
BlockChunkSizes = [6, 30]
`

func writeConfig(t *testing.T, content string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadNode(t *testing.T) {
	cfg, err := LoadNode(writeConfig(t, testConfigFile))
	require.NoError(t, err)

	// defaults
	assert.Equal(t, 10, cfg.PostgreSQL.PoolSize)
	assert.Equal(t, 20*time.Second, cfg.PostgreSQL.AcquireTimeout.Duration)
	assert.Equal(t, 10, cfg.Mempool.MaxChangePubKeyPerDay)
	assert.Equal(t, 1.15, cfg.Sender.GasPriceBumpFactor)
	assert.Equal(t, uint8(1), cfg.SmartContracts.ContractVersion)
	// file values
	assert.Equal(t, []int{6, 30}, cfg.StateKeeper.BlockChunkSizes)
	assert.Equal(t, "secret", cfg.Operator.Keystore.Password)
	assert.Equal(t, "0x1111111111111111111111111111111111111111",
		cfg.SmartContracts.Rollup.Hex())
}

func TestLoadNodeEnv(t *testing.T) {
	t.Setenv("ZKOP_POSTGRES_PASS_WRITE", "fromenv")
	t.Setenv("ZKOP_OPERATOR_NAME", "node-b")
	cfg, err := LoadNode(writeConfig(t, testConfigFile))
	require.NoError(t, err)
	assert.Equal(t, "fromenv", cfg.PostgreSQL.PasswordWrite)
	assert.Equal(t, "node-b", cfg.Operator.Name)
}

func TestValidate(t *testing.T) {
	_, err := LoadNode(writeConfig(t, testConfigFile+`
[Sender]
GasPriceBumpFactor = 0.9
`))
	assert.Error(t, err)

	bad := `
[PostgreSQL]
PasswordWrite = "x"
[StateKeeper]
BlockChunkSizes = [30, 6]
`
	_, err = LoadNode(writeConfig(t, bad))
	assert.Error(t, err)

	_, err = LoadNode(writeConfig(t, testConfigFile+`
[Sender]
GasSpeed = "ludicrous"
`))
	assert.Error(t, err)

	_, err = LoadNode(writeConfig(t, testConfigFile+`
[LeaderElection]
Timeout = "5s"
Interval = "5s"
`))
	assert.Error(t, err)
}
