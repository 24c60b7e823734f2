// Package cmd implements the autoloop command line interface.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driftworks/autoloop/internal/config"
	"github.com/driftworks/autoloop/internal/observability"
)

// versionInfo carries build metadata injected by the linker via
// SetVersionInfo.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata for the version command and the
// /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	flagLogLevel   string
	flagLogProfile string
)

var rootCmd = &cobra.Command{
	Use:   "autoloop",
	Short: "Automation backbone for project assistants",
	Long: `autoloop runs the automation backbone of a project assistant:
it reclaims dev ports, runs and tracks build/test jobs, drives the
auto-fix loop, and gates commits on passing test proofs.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		overrides := map[string]any{}
		if cmd.Flags().Changed("log-level") {
			overrides["logging.level"] = flagLogLevel
		}
		if cmd.Flags().Changed("log-profile") {
			overrides["logging.profile"] = flagLogProfile
		}
		cfg, err := config.Load(cmd.Context(), overrides)
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		if err := observability.Init(cfg.Logging.Level, cfg.Logging.Profile); err != nil {
			return fmt.Errorf("initialize logging: %w", err)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "",
		"Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagLogProfile, "log-profile", "",
		"Log profile (structured, console)")
}
