package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/packmirror/packmirror/internal/config"
	"github.com/packmirror/packmirror/internal/observability"
	"github.com/packmirror/packmirror/pkg/catalog"
	"github.com/packmirror/packmirror/pkg/jobs"
	"github.com/packmirror/packmirror/pkg/logstore"
	"github.com/packmirror/packmirror/pkg/report"
)

var (
	mirrorComponent  string
	mirrorVersion    string
	mirrorMode       string
	mirrorName       string
	mirrorFilters    []string
	mirrorRegistry   string
	mirrorEntitleKey string
	mirrorEmail      string
)

var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Run a single mirror job in the foreground",
	Long: `Run one mirror job without the daemon, streaming its log to stdout
and exiting with the job's outcome.

The entitlement key is read from --entitlement-key, or from the
IBM_ENTITLEMENT_KEY environment variable when the flag is not set.

Examples:
  packmirror mirror --component ibm-mq --version 9.4.2
  packmirror mirror --component ibm-mq --mode selective --filter '**/ibm-mq/**'
  packmirror mirror --component ibm-mq --mode dry-run`,
	RunE: runMirror,
}

func init() {
	rootCmd.AddCommand(mirrorCmd)
	mirrorCmd.Flags().StringVar(&mirrorComponent, "component", "", "CASE component to mirror (required)")
	mirrorCmd.Flags().StringVar(&mirrorVersion, "version", "", "Component version (default: latest known)")
	mirrorCmd.Flags().StringVar(&mirrorMode, "mode", string(jobs.ModeStandard), "Mirror mode: standard, selective, update-existing, direct-to-registry, dry-run")
	mirrorCmd.Flags().StringVar(&mirrorName, "name", "", "Job name (default: derived from component and time)")
	mirrorCmd.Flags().StringSliceVar(&mirrorFilters, "filter", nil, "Image filter pattern for selective mode (repeatable)")
	mirrorCmd.Flags().StringVar(&mirrorRegistry, "registry", "", "Final registry (overrides config)")
	mirrorCmd.Flags().StringVar(&mirrorEntitleKey, "entitlement-key", "", "IBM entitlement key")
	mirrorCmd.Flags().StringVar(&mirrorEmail, "notify-email", "", "Send completion mail to this address")
	_ = mirrorCmd.MarkFlagRequired("component")
}

func runMirror(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid component catalog", err)
	}

	key := mirrorEntitleKey
	if key == "" {
		key = os.Getenv("IBM_ENTITLEMENT_KEY")
	}
	name := mirrorName
	if name == "" {
		name = fmt.Sprintf("%s-%s", mirrorComponent, time.Now().UTC().Format("20060102-150405"))
	}

	deps, err := buildRuntime(cfg, cat, observability.CLILogger)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Cannot initialize job registry", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = deps.registry.Shutdown(shutdownCtx)
	}()

	rec, err := deps.registry.Create(ctx, jobs.Spec{
		Name:           name,
		Component:      mirrorComponent,
		Version:        mirrorVersion,
		Mode:           jobs.Mode(mirrorMode),
		ImageFilters:   mirrorFilters,
		FinalRegistry:  mirrorRegistry,
		EntitlementKey: key,
		NotifyEmail:    mirrorEmail,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot create mirror job", err)
	}
	fmt.Fprintf(os.Stdout, "job %s started (%s %s, mode %s)\n", rec.ID, rec.Spec.Component, rec.Spec.Version, rec.Spec.Mode)

	// Follow the app log while polling for the terminal state. On
	// SIGINT the registry shutdown above stops the subprocess.
	logs := deps.registry.Store().Logs(&rec)
	followCtx, cancelFollow := context.WithCancel(context.Background())
	defer cancelFollow()
	lines := logs.Follow(followCtx, logstore.StreamApp, 0)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	var final jobs.Record
	interrupt := ctx.Done()
poll:
	for {
		select {
		case line := <-lines:
			if line != "" {
				fmt.Fprintln(os.Stdout, line)
			}
		case <-ticker.C:
			final, err = deps.registry.Get(rec.ID)
			if err != nil {
				return exitError(foundry.ExitFileNotFound, "Job disappeared", err)
			}
			if final.State.Terminal() {
				break poll
			}
		case <-interrupt:
			_, _ = deps.registry.RequestStop(rec.ID)
			interrupt = nil
		}
	}
	cancelFollow()
	drainLines(lines)

	fmt.Fprintf(os.Stdout, "job %s finished: %s\n", final.ID, final.State)
	if path := report.Path(final.WorkDir, final.Name()); fileReadable(path) {
		fmt.Fprintf(os.Stdout, "summary report: %s\n", path)
	}

	switch final.State {
	case jobs.StateCompleted:
		return nil
	case jobs.StateStopped:
		return exitError(foundry.ExitSignalInt, "Mirror job stopped", fmt.Errorf("job %s stopped before completion", final.ID))
	default:
		return exitError(foundry.ExitExternalServiceUnavailable, "Mirror job failed",
			fmt.Errorf("%s: %s", final.FailureCode, final.FailureMessage))
	}
}

func drainLines(lines <-chan string) {
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line != "" {
				fmt.Fprintln(os.Stdout, line)
			}
		default:
			return
		}
	}
}

func fileReadable(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
