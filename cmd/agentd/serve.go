package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/agent"
	"github.com/fyrsmithlabs/agentd/internal/approval"
	"github.com/fyrsmithlabs/agentd/internal/blobstore"
	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/engine"
	"github.com/fyrsmithlabs/agentd/internal/events"
	"github.com/fyrsmithlabs/agentd/internal/httpapi"
	"github.com/fyrsmithlabs/agentd/internal/logging"
	"github.com/fyrsmithlabs/agentd/internal/metrics"
	"github.com/fyrsmithlabs/agentd/internal/store"
	"github.com/fyrsmithlabs/agentd/internal/worktree"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the agentd daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *configPath)
		},
	}
}

// runServe wires the daemon and blocks until ctx is cancelled.
func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := config.EnsureDataDirs(cfg); err != nil {
		return err
	}

	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting agentd",
		zap.String("version", version),
		zap.String("store", cfg.Store.Path),
		zap.Int("http_port", cfg.Server.Port))

	st, err := store.OpenSQLite(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	blobs, err := blobstore.NewFS(cfg.Store.BlobRoot)
	if err != nil {
		return fmt.Errorf("failed to open blob store: %w", err)
	}

	bus := events.NewBus(logger)
	bridge := approval.NewBridge(st, bus, cfg.Bridge.PollInterval, logger)
	router := approval.NewRouter(st, bus, bridge, logger)
	trees := worktree.NewManager(cfg.Worktree.BaseDir, logger)

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve own binary: %w", err)
	}
	mgr := agent.NewManager(agent.Config{
		MCPCommand:   exe,
		MCPArgs:      []string{"mcp"},
		StorePath:    cfg.Store.Path,
		RunDir:       cfg.Agents.RunDir,
		Binaries:     cfg.Agents.Binaries,
		PreviewBytes: cfg.Agents.PreviewBytes,
		StdinGrace:   cfg.Agents.StdinGrace,
		TermGrace:    cfg.Agents.TermGrace,
	}, st, blobs, bus, router, logger)

	eng := engine.New(st, blobs, bus, router, mgr, trees, logger)

	api, err := httpapi.NewServer(st, eng, router, trees, logger, &httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	// Optional NATS mirror for out-of-process UIs.
	var natsPub *events.NATSPublisher
	if cfg.Events.NATSURL != "" {
		natsPub, err = events.ConnectNATS(cfg.Events.NATSURL, logger)
		if err != nil {
			return err
		}
		defer natsPub.Close()
	}

	// Seed before recovery so pre-existing approvals are not re-announced,
	// then heal sessions the previous daemon left behind.
	if err := bridge.Seed(ctx); err != nil {
		return fmt.Errorf("failed to seed approval bridge: %w", err)
	}
	if err := eng.RecoverSessions(ctx); err != nil {
		return fmt.Errorf("failed to recover sessions: %w", err)
	}

	go bridge.Run(ctx)
	go eng.Run(ctx)
	go metrics.NewCollector(bus, mgr).Run(ctx)
	go natsPub.Run(ctx, bus)

	errCh := make(chan error, 1)
	go func() {
		if err := api.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	return nil
}
