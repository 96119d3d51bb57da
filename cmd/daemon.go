package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/coordinator"
	"github.com/nextlevelbuilder/agentgate/internal/daemon"
	"github.com/nextlevelbuilder/agentgate/internal/gateway"
	"github.com/nextlevelbuilder/agentgate/internal/store"
	storefile "github.com/nextlevelbuilder/agentgate/internal/store/file"
	storesqlite "github.com/nextlevelbuilder/agentgate/internal/store/sqlite"
	"github.com/nextlevelbuilder/agentgate/internal/supervisor"
	"github.com/nextlevelbuilder/agentgate/internal/tracing"
)

var withMock bool

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the gateway daemon",
		Run: func(cmd *cobra.Command, args []string) {
			runDaemon()
		},
	}
	cmd.Flags().BoolVar(&withMock, "with-mock", false, "register the mock echo backend")
	return cmd
}

func runDaemon() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	dataDir := cfg.DataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		slog.Error("data dir create failed", "dir", dataDir, "error", err)
		os.Exit(1)
	}

	lock, err := daemon.AcquireLock(dataDir)
	if err != nil {
		slog.Error("daemon lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry.OTLPEndpoint, Version)
	if err != nil {
		slog.Warn("tracing setup failed", "error", err)
	} else {
		defer shutdownTracing(context.Background())
	}

	st, err := openStore(cfg, dataDir)
	if err != nil {
		slog.Error("store open failed", "error", err)
		os.Exit(1)
	}

	eventBus := bus.New()
	sup := supervisor.New(eventBus, cfg.Sessions.KillGracePeriod(), cfg.Sessions.CrashThreshold())
	resolver := coordinator.BuildResolver(cfg, sup, nil, withMock)

	coord := coordinator.New(coordinator.Options{
		Config:     cfg,
		Bus:        eventBus,
		Store:      st,
		ProcessLog: store.NewProcessLog(cfg.Sessions.ProcessLogLines),
		Supervisor: sup,
		Resolver:   resolver,
	})
	if err := coord.Start(ctx); err != nil {
		slog.Error("coordinator start failed", "error", err)
		os.Exit(1)
	}
	defer coord.Stop()

	control, err := daemon.NewControlAPI(coord, dataDir)
	if err != nil {
		slog.Error("control api init failed", "error", err)
		os.Exit(1)
	}
	if err := control.Start(ctx); err != nil {
		slog.Error("control api start failed", "error", err)
		os.Exit(1)
	}

	srv := gateway.NewServer(cfg, coord.Bridge())

	// Hot-reload the parts that are safe to swap at runtime.
	if err := config.Watch(ctx, resolveConfigPath(), func(fresh *config.Config) {
		srv.SetAllowedOrigins(fresh.Gateway.AllowedOrigins)
	}); err != nil {
		slog.Debug("config watch unavailable", "error", err)
	}

	if err := srv.Start(ctx); err != nil {
		slog.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

func openStore(cfg *config.Config, dataDir string) (store.Store, error) {
	if cfg.Storage.Driver == "sqlite" {
		return storesqlite.Open(filepath.Join(dataDir, "agentgate.db"))
	}
	return storefile.New(filepath.Join(dataDir, "sessions"))
}
