package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig holds node identity and grid transport configuration
type NodeConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PartitionConfig holds partition table configuration
type PartitionConfig struct {
	Count           int `yaml:"count"`
	KeyLockBankSize int `yaml:"key_lock_bank_size"`
}

// DispatchConfig holds operation dispatch configuration
type DispatchConfig struct {
	TryCount          int           `yaml:"try_count"`
	TryPause          time.Duration `yaml:"try_pause"`
	InvocationTimeout time.Duration `yaml:"invocation_timeout"`
	BackupAckTimeout  time.Duration `yaml:"backup_ack_timeout"`
	Workers           int           `yaml:"workers"`
	QueueSize         int           `yaml:"queue_size"`
}

// GossipConfig holds gossip membership configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for a grid node
type Config struct {
	Node       NodeConfig      `yaml:"node"`
	Partitions PartitionConfig `yaml:"partitions"`
	Dispatch   DispatchConfig  `yaml:"dispatch"`
	Gossip     GossipConfig    `yaml:"gossip"`
	Metrics    MetricsConfig   `yaml:"metrics"`
	Logging    LoggingConfig   `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Node.Host == "" {
		cfg.Node.Host = "0.0.0.0"
	}
	if cfg.Node.Port == 0 {
		cfg.Node.Port = 5710
	}
	if cfg.Node.ShutdownTimeout == 0 {
		cfg.Node.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Partitions.Count == 0 {
		cfg.Partitions.Count = 271
	}
	if cfg.Partitions.KeyLockBankSize == 0 {
		cfg.Partitions.KeyLockBankSize = 1024
	}

	if cfg.Dispatch.TryCount == 0 {
		cfg.Dispatch.TryCount = 1
	}
	if cfg.Dispatch.TryPause == 0 {
		cfg.Dispatch.TryPause = 100 * time.Millisecond
	}
	if cfg.Dispatch.InvocationTimeout == 0 {
		cfg.Dispatch.InvocationTimeout = 30 * time.Second
	}
	if cfg.Dispatch.BackupAckTimeout == 0 {
		cfg.Dispatch.BackupAckTimeout = 5 * time.Second
	}
	if cfg.Dispatch.Workers == 0 {
		cfg.Dispatch.Workers = 16
	}
	if cfg.Dispatch.QueueSize == 0 {
		cfg.Dispatch.QueueSize = 1024
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Node.NodeID == "" {
		return fmt.Errorf("node.node_id is required")
	}
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return fmt.Errorf("node.port must be between 1 and 65535")
	}
	if c.Partitions.Count < 1 {
		return fmt.Errorf("partitions.count must be positive")
	}
	if c.Partitions.KeyLockBankSize < 1 {
		return fmt.Errorf("partitions.key_lock_bank_size must be positive")
	}
	if c.Dispatch.TryCount < 1 {
		return fmt.Errorf("dispatch.try_count must be at least 1")
	}
	return nil
}
