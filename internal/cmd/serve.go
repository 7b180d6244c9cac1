package cmd

import (
	"context"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/packmirror/packmirror/internal/config"
	"github.com/packmirror/packmirror/internal/observability"
	"github.com/packmirror/packmirror/internal/server"
	"github.com/packmirror/packmirror/internal/server/handlers"
	"github.com/packmirror/packmirror/pkg/broker"
	"github.com/packmirror/packmirror/pkg/catalog"
	"github.com/packmirror/packmirror/pkg/jobs"
	"github.com/packmirror/packmirror/pkg/notify"
	"github.com/packmirror/packmirror/pkg/pipeline"
	"github.com/packmirror/packmirror/pkg/retry"
	"github.com/packmirror/packmirror/pkg/runner"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the mirror job daemon and HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (overrides config)")
	serveCmd.Flags().Int("port", 0, "Listen port (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	overrides := map[string]any{}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		overrides["server.host"] = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		overrides["server.port"] = port
	}

	cfg, err := config.Load(ctx, overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if err := observability.Init(cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	log := observability.CLILogger

	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid component catalog", err)
	}

	deps, err := buildRuntime(cfg, cat, log)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Cannot initialize job registry", err)
	}
	if err := deps.registry.Recover(ctx); err != nil {
		return exitError(foundry.ExitFileWriteError, "Cannot recover persisted jobs", err)
	}

	srv := server.New(server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, server.Deps{
		Registry: deps.registry,
		Broker:   broker.New(),
		Catalog:  cat,
		Log:      log,
		Version:  handlers.VersionInfo{Version: buildVersion, Commit: buildCommit, Date: buildDate},
	})

	log.Info("Daemon starting",
		zap.String("home_dir", cfg.Mirror.HomeDir),
		zap.String("final_registry", cfg.Mirror.FinalRegistry))
	if err := srv.Start(ctx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "HTTP server failed", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := deps.registry.Shutdown(shutdownCtx); err != nil {
		log.Warn("Jobs did not drain before shutdown deadline", zap.Error(err))
	}
	log.Info("Daemon stopped")
	return nil
}

type runtimeDeps struct {
	registry *jobs.Registry
}

// buildRuntime assembles the pipeline and registry from configuration.
// Shared by serve and the one-shot mirror command.
func buildRuntime(cfg *config.Config, cat *catalog.Catalog, log *zap.Logger) (*runtimeDeps, error) {
	run := runner.New(log)

	var targets []notify.Notifier
	if cfg.Notify.WebhookURL != "" {
		targets = append(targets, notify.NewWebhook(cfg.Notify.WebhookURL, log))
	}
	if cfg.Notify.Email != "" {
		targets = append(targets, notify.NewMail(cfg.Notify.Email, run))
	}
	var notifier notify.Notifier = notify.Nop{}
	if len(targets) > 0 {
		notifier = notify.NewMulti(log, targets...)
	}

	p := pipeline.New(pipeline.Config{
		SourceRegistry:   cfg.Mirror.SourceRegistry,
		FinalRegistry:    cfg.Mirror.FinalRegistry,
		RegistryAuthFile: cfg.Mirror.RegistryAuthFile,
		MaxPerRegistry:   cfg.Mirror.MaxPerRegistry,
		StageTimeout:     cfg.Mirror.StageTimeout,
		MirrorTimeout:    cfg.Mirror.MirrorTimeout,
		OCBin:            cfg.Mirror.OCBin,
		PodmanBin:        cfg.Mirror.PodmanBin,
	}, run, retry.Policy{
		BaseDelay:   cfg.Mirror.RetryBaseDelay,
		MaxAttempts: cfg.Mirror.MaxRetries,
	}, notifier, log)

	reg, err := jobs.NewRegistry(jobs.Options{
		RootDir:    filepath.Join(cfg.Mirror.HomeDir, "jobs"),
		MinDiskGB:  float64(cfg.Mirror.MinDiskSpaceGB),
		Catalog:    cat,
		Supervisor: p.Supervise,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}
	return &runtimeDeps{registry: reg}, nil
}
