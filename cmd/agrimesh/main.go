// Package main implements the AgriMesh platform entry point. AgriMesh is a
// coordination substrate for a multi-agent agricultural advisory mesh:
// agents exchange envelopes over NATS JetStream, share conversation state
// through a TTL context store, and expose an observation gateway.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/krishio/agrimesh/agent"
	"github.com/krishio/agrimesh/broker"
	"github.com/krishio/agrimesh/cmga"
	"github.com/krishio/agrimesh/config"
	"github.com/krishio/agrimesh/contextstore"
	"github.com/krishio/agrimesh/envelope"
	"github.com/krishio/agrimesh/gateway"
	"github.com/krishio/agrimesh/metric"
	"github.com/krishio/agrimesh/natsclient"
)

// Build information constants.
const (
	Version = "0.1.0"
	appName = "agrimesh"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting AgriMesh",
		"version", Version,
		"config_path", cliCfg.ConfigPath)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	registry := metric.NewMetricsRegistry()
	metrics := registry.CoreMetrics()

	// The bus is load-bearing: failure to reach it at startup is fatal.
	client, err := connectBus(signalCtx, cfg, metrics, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			slog.Warn("bus close reported errors", "error", err)
		}
	}()

	store := contextstore.NewStore(client, cfg.ContextStore, logger)
	if err := store.Initialize(signalCtx); err != nil {
		return fmt.Errorf("initialize context store: %w", err)
	}

	bus := broker.New(client, logger,
		broker.WithMetrics(metrics),
		broker.WithSnapshotter(store),
		broker.WithContextResolver(store),
		broker.WithRequestTimeout(cfg.NATS.RequestTimeout.Std()),
	)
	if err := bus.Initialize(signalCtx); err != nil {
		return fmt.Errorf("initialize broker: %w", err)
	}
	defer bus.Close()

	governance, err := startGovernanceAgent(signalCtx, cfg, bus, store, logger, metrics, registry)
	if err != nil {
		return err
	}

	var gw *gateway.Server
	if cfg.Gateway.Enabled {
		gw = gateway.NewServer(cfg.Gateway, client, registry, logger)
		if err := gw.Start(signalCtx); err != nil {
			return fmt.Errorf("start gateway: %w", err)
		}
	}

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	slog.Info("AgriMesh started",
		"gateway_enabled", cfg.Gateway.Enabled,
		"metrics_enabled", cfg.Metrics.Enabled,
		"governance_agent", governance != nil)

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	shutdown(cliCfg.ShutdownTimeout, governance, gw, metricsServer)
	slog.Info("AgriMesh shutdown complete")
	return nil
}

// connectBus creates the NATS client and establishes the connection.
func connectBus(ctx context.Context, cfg *config.Config, metrics *metric.Metrics, logger *slog.Logger) (*natsclient.Client, error) {
	client, err := natsclient.NewClient(cfg.NATS.URL,
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.Std()),
		natsclient.WithTimeout(cfg.NATS.ConnectTimeout.Std()),
		natsclient.WithMetrics(metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS", "url", cfg.NATS.URL)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return client, nil
}

// startGovernanceAgent brings up the collective governance agent unless the
// config explicitly disables it.
func startGovernanceAgent(
	ctx context.Context,
	cfg *config.Config,
	bus *broker.Broker,
	store *contextstore.Store,
	logger *slog.Logger,
	metrics *metric.Metrics,
	registry *metric.MetricsRegistry,
) (*cmga.Agent, error) {
	agentName := string(envelope.AgentCollectiveGovernance)
	agentCfg, configured := cfg.Agent(agentName)
	if !configured {
		agentCfg = config.AgentConfig{Enabled: true}
	}
	if !agentCfg.Enabled {
		slog.Info("Agent disabled in config", "agent", agentName)
		return nil, nil
	}

	governance, err := cmga.New(agent.NewBrokerBus(bus), store, agentCfg, logger, metrics, registry)
	if err != nil {
		return nil, fmt.Errorf("create %s agent: %w", agentName, err)
	}
	if err := governance.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize %s agent: %w", agentName, err)
	}
	if err := governance.Start(ctx); err != nil {
		return nil, fmt.Errorf("start %s agent: %w", agentName, err)
	}
	slog.Info("Agent started", "agent", agentName, "capabilities", governance.Capabilities())
	return governance, nil
}

// shutdown stops surfaces first, then the agent, so in-flight work drains
// before the subscribe loop goes away.
func shutdown(timeout time.Duration, governance *cmga.Agent, gw *gateway.Server, metricsServer *metric.Server) {
	if metricsServer != nil {
		if err := metricsServer.Stop(timeout); err != nil {
			slog.Warn("metrics server stop failed", "error", err)
		}
	}
	if gw != nil {
		if err := gw.Stop(timeout); err != nil {
			slog.Warn("gateway stop failed", "error", err)
		}
	}
	if governance != nil {
		if err := governance.Stop(timeout); err != nil {
			slog.Warn("agent stop failed", "error", err)
		}
	}
}
