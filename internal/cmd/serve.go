package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/driftworks/autoloop/internal/config"
	"github.com/driftworks/autoloop/internal/observability"
	"github.com/driftworks/autoloop/internal/server"
	"github.com/driftworks/autoloop/internal/server/handlers"
	"github.com/driftworks/autoloop/pkg/bridge"
	"github.com/driftworks/autoloop/pkg/jobstore"
	"github.com/driftworks/autoloop/pkg/manifest"
	"github.com/driftworks/autoloop/pkg/output"
	"github.com/driftworks/autoloop/pkg/reclaim"
	"github.com/driftworks/autoloop/pkg/runner"
)

var serveManifestPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the collaborator HTTP server",
	Long: `Run the collaborator HTTP server: job control, commit gate and the
UI bridge, backed by the local job store.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveManifestPath, "manifest", "autoloop.yaml",
		"Path to the project manifest")
}

// storeHealthChecker probes the job database.
type storeHealthChecker struct {
	store *jobstore.Store
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	return c.store.Ping(ctx)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.GetConfig()
	logger := observability.CLILogger

	m, err := manifest.Load(serveManifestPath)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := jobstore.Open(ctx, filepath.Join(cfg.Data.Dir, "jobs.db"))
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer store.Close()

	rm := reclaim.New(logger, reclaim.WithReservedPorts(m.Ports.Reserved...))

	eventsFile, err := os.OpenFile(filepath.Join(cfg.Data.Dir, "events.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer eventsFile.Close()
	events := output.NewJSONLWriter(eventsFile)
	defer events.Close()

	run, err := runner.New(filepath.Join(cfg.Data.Dir, "jobs"), store, rm,
		runner.WithLogger(logger),
		runner.WithEventWriter(events))
	if err != nil {
		return fmt.Errorf("build runner: %w", err)
	}
	defer func() {
		if err := run.Shutdown(context.Background()); err != nil {
			logger.Warn("runner shutdown", zap.Error(err))
		}
	}()

	// Reclaim the project's dev ports before accepting work so restarted
	// dev servers can bind immediately.
	if len(m.Ports.Dev) > 0 {
		freed, err := rm.WaitForPortsToFree(ctx, m.Ports.Dev, reclaim.WaitOptions{
			Timeout:  cfg.Reclaim.Timeout,
			Interval: cfg.Reclaim.Interval,
		})
		if err != nil {
			return fmt.Errorf("reclaim dev ports: %w", err)
		}
		if !freed {
			logger.Warn("some dev ports are still occupied",
				zap.Ints("ports", m.Ports.Dev))
		}
	}

	handlers.InitHealthManager(versionInfo.Version)
	handlers.GetHealthManager().RegisterChecker("jobstore", storeHealthChecker{store: store})

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithLogger(logger),
		server.WithVersion(versionInfo.Version),
		server.WithDeps(&server.Deps{
			Runner:   run,
			Store:    store,
			Manifest: m,
			Broker:   bridge.NewBroker(logger),
			Queue:    bridge.NewQueue(),
		}))

	go func() {
		select {
		case <-srv.ShutdownRequested():
			stop()
		case <-ctx.Done():
		}
	}()

	logger.Info("starting autoloop server",
		zap.String("project", m.Project.ID),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port))
	return srv.Start(ctx)
}
