package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gelogrammer/speech-metrics-service/internal/config"
	"github.com/gelogrammer/speech-metrics-service/internal/metrics"
	"github.com/gelogrammer/speech-metrics-service/internal/server"
	"github.com/gelogrammer/speech-metrics-service/internal/stream"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	envFile := flag.String("env", ".env", "Optional .env file with SPEECHMETRICS_* overrides")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load environment: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid environment override: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("Service starting",
		slog.String("service", server.ServiceName),
		slog.String("version", server.Version),
		slog.String("config_path", *configPath),
	)

	engineCfg := cfg.Engine.ToEngine()
	logger.Info("Configuration loaded",
		slog.Int("udp_port", cfg.Server.UDPPort),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("workers", cfg.Server.Workers),
		slog.Int("max_sessions", cfg.Server.MaxSessions),
		slog.String("engine", engineCfg.String()),
		slog.String("log_level", cfg.Logging.Level),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("Service stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appMetrics := metrics.NewMetrics(nil)
	logger.Info("Prometheus metrics initialized")

	streamMgr, err := stream.NewManager(logger, stream.ManagerConfig{
		Engine:      cfg.Engine.ToEngine(),
		Timeout:     cfg.Server.GetSessionTimeoutDuration(),
		MaxSessions: cfg.Server.MaxSessions,
	}, stream.WithMetrics(appMetrics))
	if err != nil {
		return fmt.Errorf("failed to create stream manager: %w", err)
	}
	defer streamMgr.Stop()

	udpServer := server.NewUDPServer(&cfg.Server, logger, streamMgr, appMetrics)
	if err := udpServer.Start(); err != nil {
		return err
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, streamMgr, udpServer, appMetrics)
		if err := httpServer.Start(); err != nil {
			udpServer.Stop()
			return err
		}
	}

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("udp_address", udpServer.Addr().String()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Starting graceful shutdown...")

		// Stop HTTP server first (stop accepting new requests)
		if httpServer == nil {
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("error stopping HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return udpServer.Stop()
	})

	err = g.Wait()

	stats := udpServer.GetStatistics()
	logger.Info("Final server statistics",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("packets_dropped", stats.PacketsDropped),
		slog.Uint64("parse_errors", stats.ParseErrors),
		slog.Uint64("active_sessions", stats.ActiveSessions),
	)

	return err
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
