// Command offline-cached runs the offline resource-management core as a
// local daemon: a bounded cache and durable store in front of a remote
// backend, with a write-through sync queue for offline mutations.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	offline "github.com/Desmondshah/AnimeMuseAI-sub007"
	"github.com/Desmondshah/AnimeMuseAI-sub007/server"
	"github.com/Desmondshah/AnimeMuseAI-sub007/telemetry"
)

var cli struct {
	Address       string        `help:"Address to listen on." default:":8080"`
	StorePath     string        `help:"Path to the persistent store database." default:"./offline.db"`
	Remote        string        `help:"Base URL of the remote backend mutations sync to." required:""`
	RemoteToken   string        `help:"Bearer token for the remote backend." env:"OFFLINE_REMOTE_TOKEN"`
	CacheBudget   int64         `help:"Cache memory budget in bytes." default:"52428800"`
	CacheEntries  int           `help:"Cache entry-count budget." default:"1000"`
	CacheTTL      time.Duration `help:"Default TTL for cached values." default:"30m"`
	SweepInterval time.Duration `help:"How often to sweep expired cache entries." default:"5m"`
	FlushInterval time.Duration `help:"How often the sync queue flushes while online." default:"30s"`
	OTLPEndpoint  string        `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics export."`
	Prometheus    bool          `help:"Serve Prometheus metrics on /metrics." default:"true"`
	LogLevel      string        `help:"Log level (debug, info, warn, error)." enum:"debug,info,warn,error" default:"info"`
	Version       kong.VersionFlag
}

var version = "dev"

func main() {
	kong.Parse(&cli,
		kong.Name("offline-cached"),
		kong.Description("Local offline cache and sync daemon."),
		kong.Vars{"version": version},
	)

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cli.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "offline-cached",
		ServiceVersion:   version,
		OTLPEndpoint:     cli.OTLPEndpoint,
		EnablePrometheus: cli.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	manager, err := offline.New(offline.Config{
		StorePath:         cli.StorePath,
		CacheMemoryBudget: cli.CacheBudget,
		CacheCountBudget:  cli.CacheEntries,
		CacheTTL:          cli.CacheTTL,
		SweepInterval:     cli.SweepInterval,
		FlushInterval:     cli.FlushInterval,
		RemoteBaseURL:     cli.Remote,
		RemoteAuthToken:   cli.RemoteToken,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("creating manager: %w", err)
	}

	srv, err := server.New(server.Config{
		Address: cli.Address,
		Manager: manager,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("daemon started",
		"address", srv.Address(),
		"store", cli.StorePath,
		"remote", cli.Remote,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
