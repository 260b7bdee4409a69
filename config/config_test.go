package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, ":4040", cfg.ListenAddress)
	assert.Equal(t, 15*time.Second, cfg.ContractSweepInterval.Std())
	assert.Equal(t, 3*time.Second, cfg.AwaitPollInterval.Std())
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
ListenAddress = ":5050"
AuthTimeout = "10s"
ContractIdleTimeout = "2m"

[Database]
Driver = "postgres"
DSN = "host=db user=sync dbname=branchsync"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":5050", cfg.ListenAddress)
	assert.Equal(t, 10*time.Second, cfg.AuthTimeout.Std())
	assert.Equal(t, 2*time.Minute, cfg.ContractIdleTimeout.Std())
	assert.Equal(t, "postgres", cfg.Database.Driver)
	// untouched keys keep defaults
	assert.Equal(t, 15*time.Second, cfg.CabinetSweepInterval.Std())
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	path := writeConfig(t, `SocketPort = 4040`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SocketPort")
}

func TestLoadRejectsBadDriver(t *testing.T) {
	path := writeConfig(t, `
[Database]
Driver = "oracle"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsPollLongerThanTimeout(t *testing.T) {
	path := writeConfig(t, `
AwaitPollInterval = "40s"
AwaitTimeout = "30s"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestAdminAuthRequiresSecret(t *testing.T) {
	path := writeConfig(t, `
[Admin]
AuthEnabled = true
`)
	_, err := Load(path)
	assert.Error(t, err)
}
