package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/driftworks/autoloop/internal/config"
	"github.com/driftworks/autoloop/internal/observability"
	"github.com/driftworks/autoloop/pkg/jobstore"
	"github.com/driftworks/autoloop/pkg/manifest"
)

var doctorManifestPath string

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the local environment and suggest fixes
for common issues.

Examples:
  autoloop doctor                        # Full environment check
  autoloop doctor --manifest custom.yaml # Check a specific manifest`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorManifestPath, "manifest", "autoloop.yaml",
		"Path to the project manifest")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	logger := observability.CLILogger
	logger.Info("=== autoloop doctor ===")
	logger.Info("")
	logger.Info("Running diagnostic checks...")
	logger.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 5

	// Check 1: environment
	logger.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s (%s)",
		checkNum, totalChecks, runtime.GOOS, runtime.GOARCH, runtime.Version()),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	// Check 2: lsof, which the port reclaimer shells out to
	if path, err := exec.LookPath("lsof"); err != nil {
		logger.Warn(fmt.Sprintf("[%d/%d] Checking lsof... ⚠️  not found (port reclamation needs it)",
			checkNum, totalChecks))
		allChecks = false
	} else {
		logger.Info(fmt.Sprintf("[%d/%d] Checking lsof... ✅ %s", checkNum, totalChecks, path),
			zap.String("lsof", path))
	}
	checkNum++

	// Check 3: data directory
	cfg := config.GetConfig()
	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		logger.Error(fmt.Sprintf("[%d/%d] Checking data directory... ❌ %s not writable",
			checkNum, totalChecks, cfg.Data.Dir), zap.Error(err))
		allChecks = false
	} else {
		logger.Info(fmt.Sprintf("[%d/%d] Checking data directory... ✅ %s",
			checkNum, totalChecks, cfg.Data.Dir),
			zap.String("data_dir", cfg.Data.Dir))
	}
	checkNum++

	// Check 4: job store
	store, err := jobstore.Open(cmd.Context(), filepath.Join(cfg.Data.Dir, "jobs.db"))
	if err != nil {
		logger.Error(fmt.Sprintf("[%d/%d] Checking job store... ❌ cannot open database",
			checkNum, totalChecks), zap.Error(err))
		allChecks = false
	} else {
		logger.Info(fmt.Sprintf("[%d/%d] Checking job store... ✅ jobs.db", checkNum, totalChecks))
		_ = store.Close()
	}
	checkNum++

	// Check 5: project manifest
	if m, err := manifest.Load(doctorManifestPath); err != nil {
		logger.Warn(fmt.Sprintf("[%d/%d] Checking manifest... ⚠️  %v", checkNum, totalChecks, err))
		allChecks = false
	} else {
		logger.Info(fmt.Sprintf("[%d/%d] Checking manifest... ✅ project %s, %d job(s)",
			checkNum, totalChecks, m.Project.ID, len(m.Jobs)),
			zap.String("project", m.Project.ID))
	}

	logger.Info("")
	if allChecks {
		logger.Info("✅ All checks passed! Your autoloop installation is healthy.")
	} else {
		logger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	logger.Info("")
	logger.Info("=== End Diagnostics ===")
	return nil
}
