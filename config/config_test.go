package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/i5heu/locationd/config"
)

func TestApplyDefaultsFillsZeroValues(t *testing.T) {
	var cfg config.Config
	cfg.ApplyDefaults()

	require.Equal(t, "locationd", cfg.KeySpacePrefix)
	require.Equal(t, "default", cfg.EventHubEpoch)
	require.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	require.Equal(t, 15*time.Second, cfg.MasterLeaseExpiryTime)
	require.Equal(t, 2, cfg.ReplicaCredit)
	require.Equal(t, "./data", cfg.DataDir)
	require.Equal(t, uint(5), cfg.MinimumFreeGB)
	require.Equal(t, "localhost:6379", cfg.RedisAddrPrimary)
	require.Equal(t, "localhost:6380", cfg.RedisAddrSecondary)
}

func TestApplyDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := config.Config{ReplicaCredit: 9, DataDir: "/var/lib/locationd"}
	cfg.ApplyDefaults()

	require.Equal(t, 9, cfg.ReplicaCredit)
	require.Equal(t, "/var/lib/locationd", cfg.DataDir)
	// unrelated fields still get defaulted
	require.Equal(t, "locationd", cfg.KeySpacePrefix)
}

func TestLoadParsesYAMLAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "locationd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("keySpacePrefix: mycluster\nreplicaCredit: 7\n"), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "mycluster", cfg.KeySpacePrefix)
	require.Equal(t, 7, cfg.ReplicaCredit)
	require.Equal(t, "./data", cfg.DataDir, "unset fields should still be defaulted")
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
