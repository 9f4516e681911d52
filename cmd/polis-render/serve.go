package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-render/pkg/config"
	"github.com/polisai/polis-render/pkg/logging"
	"github.com/polisai/polis-render/pkg/router"
	"github.com/polisai/polis-render/pkg/server"
	"github.com/polisai/polis-render/pkg/telemetry"
)

const telemetryShutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve transformed routes and reload on configuration changes",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("data-listen", "", "HTTP listen address for transformed routes")
	cmd.Flags().String("admin-listen", "", "HTTP listen address for the admin endpoints")
	cmd.Flags().String("otel-endpoint", "", "OTLP gRPC endpoint")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}

	watcher, err := config.NewWatcher(path, config.WithWatchLogger(slog.Default()))
	if err != nil {
		return err
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			slog.Default().Error("Failed to close config watcher", "error", err)
		}
	}()

	cfg := watcher.Current()
	applyLoggingFlags(cmd, cfg)
	applyServeFlags(cmd, cfg)

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: cmd.ErrOrStderr(),
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     version,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
		Headers:     cfg.Telemetry.Headers,
	})
	if err != nil {
		return fmt.Errorf("telemetry initialization failed: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			logger.Error("Telemetry shutdown failed", "error", err)
		}
	}()

	metrics := server.NewMetrics()
	opts := router.Options{
		Logger:        logger,
		ErrorRenderer: server.ErrorRenderer(logger),
	}

	table, err := buildTable(ctx, cfg, opts)
	if err != nil {
		return err
	}
	rt := router.New(table)
	defer func() { _ = rt.Close() }()
	metrics.SetActiveRoutes(len(table.Routes()))
	logRoutes(logger, table)

	go watchConfig(ctx, watcher.Subscribe(), rt, metrics, opts, logger)

	logger.Info("Starting polis-render",
		"config", path,
		"routes", len(cfg.Routes),
		"data_address", cfg.Server.DataAddress,
		"admin_address", cfg.Server.AdminAddress,
	)

	srv := server.New(cfg.Server, rt, metrics, logger)
	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info("Shut down")
	return nil
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("data-listen"); v != "" {
		cfg.Server.DataAddress = v
	}
	if v, _ := cmd.Flags().GetString("admin-listen"); v != "" {
		cfg.Server.AdminAddress = v
	}
	if v, _ := cmd.Flags().GetString("otel-endpoint"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
}

// buildTable compiles every route of cfg against its resource namespace.
func buildTable(ctx context.Context, cfg *config.Config, opts router.Options) (*router.Table, error) {
	ns, err := cfg.Namespace()
	if err != nil {
		return nil, err
	}
	return router.Build(ctx, cfg, ns, opts)
}

// watchConfig rebuilds the route table for every reloaded configuration. A
// configuration whose routes fail to compile leaves the serving table in
// place.
func watchConfig(ctx context.Context, updates <-chan *config.Config, rt *router.Router, metrics *server.Metrics, opts router.Options, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-updates:
			table, err := buildTable(ctx, cfg, opts)
			if err != nil {
				metrics.RecordConfigReload("error")
				logger.Error("Failed to rebuild routes, keeping previous table", "error", err)
				continue
			}
			rt.Swap(table)
			metrics.RecordConfigReload("success")
			metrics.SetActiveRoutes(len(table.Routes()))
			logger.Info("Routes updated", "count", len(table.Routes()))
			logRoutes(logger, table)
		}
	}
}

func logRoutes(logger *slog.Logger, table *router.Table) {
	for _, r := range table.Routes() {
		logger.Info("Route active",
			"pattern", r.Pattern,
			"transform", r.Transform,
			"engine", r.Engine,
			"media_type", r.MediaType,
			"upstream", r.Upstream,
		)
	}
}
