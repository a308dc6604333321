package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
node:
  node_id: node-1
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "node-1", cfg.Node.NodeID)
	assert.Equal(t, "0.0.0.0", cfg.Node.Host)
	assert.Equal(t, 5710, cfg.Node.Port)
	assert.Equal(t, 271, cfg.Partitions.Count)
	assert.Equal(t, 1024, cfg.Partitions.KeyLockBankSize)
	assert.Equal(t, 1, cfg.Dispatch.TryCount)
	assert.Equal(t, 100*time.Millisecond, cfg.Dispatch.TryPause)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.InvocationTimeout)
	assert.Equal(t, 5*time.Second, cfg.Dispatch.BackupAckTimeout)
	assert.Equal(t, 16, cfg.Dispatch.Workers)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfig_ExplicitValues(t *testing.T) {
	path := writeConfig(t, `
node:
  node_id: node-2
  host: 192.168.1.10
  port: 6000
partitions:
  count: 31
  key_lock_bank_size: 128
dispatch:
  try_count: 5
  try_pause: 250ms
  invocation_timeout: 10s
  backup_ack_timeout: 2s
gossip:
  enabled: true
  bind_port: 7950
  seed_nodes:
    - 192.168.1.11:7950
metrics:
  enabled: true
  port: 9100
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 31, cfg.Partitions.Count)
	assert.Equal(t, 128, cfg.Partitions.KeyLockBankSize)
	assert.Equal(t, 5, cfg.Dispatch.TryCount)
	assert.Equal(t, 250*time.Millisecond, cfg.Dispatch.TryPause)
	assert.Equal(t, 10*time.Second, cfg.Dispatch.InvocationTimeout)
	assert.True(t, cfg.Gossip.Enabled)
	assert.Equal(t, []string{"192.168.1.11:7950"}, cfg.Gossip.SeedNodes)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9100, cfg.Metrics.Port)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "node: [not a mapping")
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing node id", func(c *Config) { c.Node.NodeID = "" }, "node_id"},
		{"bad port", func(c *Config) { c.Node.Port = 70000 }, "port"},
		{"no partitions", func(c *Config) { c.Partitions.Count = -1 }, "count"},
		{"bad lock bank", func(c *Config) { c.Partitions.KeyLockBankSize = -1 }, "key_lock_bank_size"},
		{"bad try count", func(c *Config) { c.Dispatch.TryCount = -1 }, "try_count"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.Node.NodeID = "node-1"
			setDefaults(cfg)
			tc.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
