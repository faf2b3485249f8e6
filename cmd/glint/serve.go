package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/glintlabs/glint/internal/config"
	"github.com/glintlabs/glint/pkg/live"
	"github.com/glintlabs/glint/pkg/state"
)

func serveCmd() *cobra.Command {
	var (
		configDir string
		address   string
		redisURL  string
		deploy    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the widget coordination server",
		Long: `Start the widget coordination server.

Configuration is read from glint.json in the config directory, overlaid
with GLINT_* environment variables, then with flags.

Examples:
  glint serve
  glint serve --address=:9000
  glint serve --deploy --redis-url=redis://localhost:6379/0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configDir, address, redisURL, deploy)
		},
	}

	cmd.Flags().StringVarP(&configDir, "config-dir", "c", ".", "Directory containing glint.json")
	cmd.Flags().StringVarP(&address, "address", "a", "", "Listen address (default from config)")
	cmd.Flags().StringVarP(&redisURL, "redis-url", "r", "", "Redis URL (implies deploy mode)")
	cmd.Flags().BoolVarP(&deploy, "deploy", "d", false, "Use shared Redis backends")

	return cmd
}

func runServe(configDir, address, redisURL string, deploy bool) error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return err
	}
	if address != "" {
		cfg.Address = address
	}
	if redisURL != "" {
		cfg.RedisURL = redisURL
		cfg.DeployMode = true
	}
	if deploy {
		cfg.DeployMode = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	metrics := state.NewMetrics(state.MetricsConfig{Namespace: cfg.MetricsNamespace})
	manager := state.NewManager(cfg.StateConfig(), logger, metrics)
	server := live.NewServer(manager, cfg.ServerConfig(), logger)

	mode := "memory"
	if cfg.DeployMode {
		mode = "redis"
	}
	logger.Info("starting glint",
		"version", version,
		"address", cfg.Address,
		"mode", mode,
		"worker_id", manager.WorkerID())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	if err := manager.Shutdown(ctx); err != nil {
		logger.Error("state shutdown failed", "error", err)
	}
	return nil
}
