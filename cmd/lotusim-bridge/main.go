// Package main implements the entry point for the LOTUSim bridge. The
// bridge receives vessel telemetry and render commands from a LOTUSim
// physics backend over one of two transports, reconciles backend simulation
// time with the local frame clock, and mirrors the resulting scene to
// WebSocket viewer clients.
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

	"github.com/IRL-Crossing-CNRS/lotusim-bridge/bridge"
	"github.com/IRL-Crossing-CNRS/lotusim-bridge/config"
	"github.com/IRL-Crossing-CNRS/lotusim-bridge/gateway/ws"
	"github.com/IRL-Crossing-CNRS/lotusim-bridge/metric"
	"github.com/IRL-Crossing-CNRS/lotusim-bridge/natsclient"
	"github.com/IRL-Crossing-CNRS/lotusim-bridge/transport"
	"github.com/IRL-Crossing-CNRS/lotusim-bridge/transport/udptcp"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "lotusim-bridge"
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
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsRegistry := metric.NewMetricsRegistry()
	clock := bridge.NewWallClock()

	backend, natsClient, err := setupBackend(ctx, cfg, clock, logger, metricsRegistry)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Stop(cliCfg.ShutdownTimeout); err != nil {
			logger.Warn("Backend stop failed", "error", err)
		}
		if natsClient != nil {
			_ = natsClient.Close(context.Background())
		}
	}()

	mirror := ws.New(ws.Deps{
		Config:          ws.Config{Port: cfg.Viewer.Port, Path: cfg.Viewer.Path},
		Logger:          logger.With("component", "ws_mirror"),
		MetricsRegistry: metricsRegistry,
	})
	if err := mirror.Start(ctx); err != nil {
		return fmt.Errorf("start scene mirror: %w", err)
	}
	defer func() {
		if err := mirror.Stop(cliCfg.ShutdownTimeout); err != nil {
			logger.Warn("Scene mirror stop failed", "error", err)
		}
	}()

	opsServer := startOpsServer(cfg, metricsRegistry, backend, logger)
	defer func() { _ = opsServer.Stop() }()

	consumer := bridge.NewConsumer(backend, mirror, clock, logger.With("component", "consumer"))

	slog.Info("Bridge running",
		"transport", cfg.Transport,
		"namespace", cfg.Namespace,
		"frame_rate", cfg.Frame.Rate)

	runFrameLoop(ctx, consumer, cfg.Frame.Rate)

	slog.Info("Shutting down", "frames", consumer.Frames())
	return nil
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting LOTUSim bridge",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// initializeConfiguration loads and validates configuration. An empty path
// runs on built-in defaults with environment overrides.
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if cliCfg.ConfigPath == "" {
		cfg = config.Default()
	} else {
		cfg, err = config.NewLoader().LoadFile(cliCfg.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setupBackend creates the configured transport, connecting a NATS client
// first when the pub/sub transport is selected. The returned client is nil
// for the UDP/TCP transport.
func setupBackend(
	ctx context.Context,
	cfg *config.Config,
	clock bridge.FrameClock,
	logger *slog.Logger,
	metricsRegistry *metric.MetricsRegistry,
) (bridge.Backend, *natsclient.Client, error) {
	kind, err := transport.ParseKind(cfg.Transport)
	if err != nil {
		return nil, nil, err
	}

	deps := transport.Deps{
		Namespace:       cfg.Namespace,
		Clock:           clock,
		Logger:          logger.With("component", kind.String()),
		MetricsRegistry: metricsRegistry,
		UDPTCP: udptcp.Config{
			Port: cfg.Telemetry.Port,
			Bind: cfg.Telemetry.Bind,
		},
	}

	var natsClient *natsclient.Client
	if kind == transport.KindNATS {
		natsClient, err = natsclient.NewClient(cfg.NATS.URL,
			natsclient.WithName(cfg.NATS.Name),
			natsclient.WithLogger(logger.With("component", "natsclient")))
		if err != nil {
			return nil, nil, fmt.Errorf("create NATS client: %w", err)
		}
		if err := natsClient.Connect(ctx); err != nil {
			return nil, nil, fmt.Errorf("connect to NATS: %w", err)
		}
		if err := natsClient.WaitForConnection(ctx); err != nil {
			_ = natsClient.Close(context.Background())
			return nil, nil, fmt.Errorf("wait for NATS connection: %w", err)
		}
		deps.NATSClient = natsClient
	}

	backend, err := transport.New(ctx, kind, deps)
	if err != nil {
		if natsClient != nil {
			_ = natsClient.Close(context.Background())
		}
		return nil, nil, fmt.Errorf("start transport: %w", err)
	}

	return backend, natsClient, nil
}

// startOpsServer launches the metrics/health server in the background
func startOpsServer(
	cfg *config.Config,
	metricsRegistry *metric.MetricsRegistry,
	backend bridge.Backend,
	logger *slog.Logger,
) *metric.Server {
	opsServer := metric.NewServer(cfg.Ops.Port, cfg.Ops.Path, metricsRegistry, func() bool {
		return backend.Health().Healthy
	})

	go func() {
		if err := opsServer.Start(); err != nil {
			logger.Warn("Ops server exited", "error", err)
		}
	}()

	return opsServer
}

// runFrameLoop drives the consumer at the configured frame rate until the
// context is cancelled
func runFrameLoop(ctx context.Context, consumer *bridge.Consumer, rate float64) {
	interval := time.Duration(float64(time.Second) / rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			consumer.Frame()
		}
	}
}
