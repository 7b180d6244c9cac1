package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/packmirror/packmirror/internal/config"
	"github.com/packmirror/packmirror/internal/observability"
	"github.com/packmirror/packmirror/pkg/preflight"
	"github.com/packmirror/packmirror/pkg/runner"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the mirroring environment and suggest fixes.

Examples:
  packmirror doctor`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	log := observability.CLILogger
	log.Info("=== packmirror doctor ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	allChecks := true
	toolsMissing := false
	checkNum := 1
	totalChecks := 7

	// Check 1: Environment
	log.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	// Check 2: Configuration
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking configuration... ❌ %v", checkNum, totalChecks, err))
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking configuration... ✅ home=%s", checkNum, totalChecks, cfg.Mirror.HomeDir),
		zap.String("home_dir", cfg.Mirror.HomeDir))
	checkNum++

	// Check 3: Mirroring tools
	checker := preflight.Checker{
		OCBin:     cfg.Mirror.OCBin,
		PodmanBin: cfg.Mirror.PodmanBin,
		Run:       runner.New(log),
	}
	rep, toolsErr := checker.Tools(cmd.Context())
	for _, check := range rep.Checks {
		if check.OK {
			log.Info(fmt.Sprintf("[%d/%d] Checking %s... ✅ %s", checkNum, totalChecks, check.Capability, check.Detail))
		} else {
			log.Error(fmt.Sprintf("[%d/%d] Checking %s... ❌ %s", checkNum, totalChecks, check.Capability, check.Detail))
			allChecks = false
		}
		checkNum++
	}
	if toolsErr != nil {
		toolsMissing = true
	}

	// Check 4: Mirror home directory
	if err := os.MkdirAll(cfg.Mirror.HomeDir, 0o755); err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking mirror home... ❌ not writable: %v", checkNum, totalChecks, err))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking mirror home... ✅ %s", checkNum, totalChecks, cfg.Mirror.HomeDir))
	}
	checkNum++

	// Check 5: Disk space
	gb, diskErr := preflight.AvailableGB(cfg.Mirror.HomeDir)
	switch {
	case diskErr != nil:
		log.Warn(fmt.Sprintf("[%d/%d] Checking disk space... ⚠️  cannot stat %s: %v", checkNum, totalChecks, cfg.Mirror.HomeDir, diskErr))
	case cfg.Mirror.MinDiskSpaceGB > 0 && gb < float64(cfg.Mirror.MinDiskSpaceGB):
		log.Warn(fmt.Sprintf("[%d/%d] Checking disk space... ⚠️  %.1f GB available, %d GB required", checkNum, totalChecks, gb, cfg.Mirror.MinDiskSpaceGB))
		allChecks = false
	default:
		log.Info(fmt.Sprintf("[%d/%d] Checking disk space... ✅ %.1f GB available", checkNum, totalChecks, gb),
			zap.Float64("available_gb", gb))
	}

	log.Info("")
	if allChecks {
		log.Info("✅ All checks passed! Your packmirror installation is healthy.")
	} else {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	log.Info("")
	log.Info("=== End Diagnostics ===")

	if toolsMissing {
		return exitError(foundry.ExitExternalServiceUnavailable, "Required mirroring tools are missing", toolsErr)
	}
	return nil
}
