package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/devrev/datagrid/internal/cluster"
	"github.com/devrev/datagrid/internal/codec"
	"github.com/devrev/datagrid/internal/config"
	"github.com/devrev/datagrid/internal/counter"
	"github.com/devrev/datagrid/internal/metrics"
	"github.com/devrev/datagrid/internal/model"
	"github.com/devrev/datagrid/internal/partition"
	"github.com/devrev/datagrid/internal/server"
	"github.com/devrev/datagrid/internal/service"
	"github.com/devrev/datagrid/internal/transport"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Node.NodeID),
		zap.String("host", cfg.Node.Host),
		zap.Int("port", cfg.Node.Port),
		zap.Int("partitions", cfg.Partitions.Count))

	// Initialize metrics
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(cfg.Node.NodeID)
	}

	// Start the grid transport
	tp, err := transport.NewTCP(fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port), logger)
	if err != nil {
		logger.Fatal("Failed to start transport", zap.Error(err))
	}
	self := tp.Self()

	// Partition table
	table := partition.NewTable(cfg.Partitions.Count, logger)

	// Cluster membership: gossip when enabled, single-node otherwise
	var membershipView service.Membership
	var gossip *cluster.Membership
	if cfg.Gossip.Enabled {
		gossip, err = cluster.New(
			&cluster.Config{
				Enabled:        cfg.Gossip.Enabled,
				BindPort:       cfg.Gossip.BindPort,
				SeedNodes:      cfg.Gossip.SeedNodes,
				GossipInterval: cfg.Gossip.GossipInterval,
				ProbeTimeout:   cfg.Gossip.ProbeTimeout,
				ProbeInterval:  cfg.Gossip.ProbeInterval,
			},
			cfg.Node.NodeID,
			self,
			logger,
		)
		if err != nil {
			logger.Fatal("Failed to initialize gossip membership", zap.Error(err))
		}
		membershipView = gossip
	} else {
		static := cluster.NewStatic(self)
		membershipView = static
		table.Rebuild(static.Members())
	}

	// Operation type registry and dispatch runtime
	types := codec.NewRegistry()
	ns := service.NewNodeService(
		&service.Config{
			DefaultTryCount:    cfg.Dispatch.TryCount,
			DefaultTryPause:    cfg.Dispatch.TryPause,
			InvocationTimeout:  cfg.Dispatch.InvocationTimeout,
			BackupAckTimeout:   cfg.Dispatch.BackupAckTimeout,
			KeyLockBankSize:    cfg.Partitions.KeyLockBankSize,
			OperationWorkers:   cfg.Dispatch.Workers,
			OperationQueueSize: cfg.Dispatch.QueueSize,
		},
		self,
		table,
		membershipView,
		tp,
		codec.JSON{},
		types,
		m,
		logger,
	)

	// Register grid services
	counter.RegisterOperations(types)
	if err := ns.Services().Register(counter.ServiceName, counter.NewService(logger)); err != nil {
		logger.Fatal("Failed to register counter service", zap.Error(err))
	}
	if err := ns.Services().StartAll(); err != nil {
		logger.Fatal("Failed to start services", zap.Error(err))
	}

	// Wire the transport into dispatch
	tp.SetHandler(ns.HandlePacket)
	tp.OnDisconnect(ns.OnMemberLeft)
	tp.Start()

	// Join the cluster after listeners are in place so no event is missed
	if gossip != nil {
		gossip.OnMemberJoin(func(addr model.Address) {
			table.Rebuild(gossip.Members())
		})
		gossip.OnMemberLeave(func(addr model.Address) {
			ns.OnMemberLeft(addr)
			table.Rebuild(gossip.Members())
		})
		if err := gossip.Join(); err != nil {
			logger.Warn("Cluster join incomplete, continuing with known members", zap.Error(err))
		}
		table.Rebuild(gossip.Members())
	}

	logger.Info("Grid node started",
		zap.String("node_id", cfg.Node.NodeID),
		zap.String("address", self.String()))

	// Metrics server
	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(
			&server.MetricsServerConfig{Port: cfg.Metrics.Port, Path: cfg.Metrics.Path},
			ns,
			logger,
		)
		metricsServer.Start()
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error("Failed to stop metrics server", zap.Error(err))
		}
	}
	if gossip != nil {
		if err := gossip.Shutdown(); err != nil {
			logger.Error("Failed to leave cluster", zap.Error(err))
		}
	}
	if err := ns.Shutdown(cfg.Node.ShutdownTimeout); err != nil {
		logger.Error("Failed to drain operation pool", zap.Error(err))
	}
	if err := tp.Close(); err != nil {
		logger.Error("Failed to close transport", zap.Error(err))
	}
}

// initLogger initializes the zap logger
func initLogger(cfg *config.LoggingConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zapCfg.Level = level

	return zapCfg.Build()
}
