// Package cmd wires the CLI surface: the serve daemon, the one-shot
// mirror runner and the job management commands that talk to a running
// daemon.
package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/packmirror/packmirror/internal/observability"
)

var (
	logLevel   string
	logProfile string
)

var rootCmd = &cobra.Command{
	Use:   "packmirror",
	Short: "Mirror IBM CASE component images into air-gapped registries",
	Long: `packmirror orchestrates long-running image mirror jobs around the
podman and oc ibm-pak tooling: download a CASE, generate its mirror
manifests and copy the images into a private registry, with durable
job state, retries and live log streaming.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return observability.Init(logLevel, logProfile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logProfile, "log-format", "console", "Log format: console or STRUCTURED")
}

// SetVersionInfo stamps build identity injected by the linker.
func SetVersionInfo(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
}

var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

// cliError carries a process exit code chosen by the failing command.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

// exitError creates an error that makes the CLI exit with the given code.
func exitError(code int, message string, err error) error {
	if err == nil {
		return &cliError{code: code, err: errors.New(message)}
	}
	return &cliError{code: code, err: fmt.Errorf("%s: %w", message, err)}
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	defer observability.Sync()
	if err := rootCmd.Execute(); err != nil {
		observability.CLILogger.Error(err.Error(), zap.Error(err))
		var ce *cliError
		if errors.As(err, &ce) {
			return ce.code
		}
		return 1
	}
	return 0
}
