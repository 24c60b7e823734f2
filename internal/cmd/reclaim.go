package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/driftworks/autoloop/internal/config"
	"github.com/driftworks/autoloop/internal/observability"
	"github.com/driftworks/autoloop/pkg/reclaim"
)

var (
	reclaimPorts    []int
	reclaimReserved []int
	reclaimTimeout  time.Duration
	reclaimInterval time.Duration
)

var reclaimCmd = &cobra.Command{
	Use:   "reclaim",
	Short: "Free occupied dev ports",
	Long: `Terminate whatever occupies the given ports and wait until they are
free. Reserved ports are never touched. Exits non-zero when ports remain
occupied after the timeout.`,
	RunE: runReclaim,
}

func init() {
	rootCmd.AddCommand(reclaimCmd)
	reclaimCmd.Flags().IntSliceVar(&reclaimPorts, "port", nil, "Port to reclaim (repeatable)")
	reclaimCmd.Flags().IntSliceVar(&reclaimReserved, "reserved", nil, "Port to protect (repeatable)")
	reclaimCmd.Flags().DurationVar(&reclaimTimeout, "timeout", 0, "Overall wait timeout (default from config)")
	reclaimCmd.Flags().DurationVar(&reclaimInterval, "interval", 0, "Delay between occupancy checks (default from config)")
	_ = reclaimCmd.MarkFlagRequired("port")
}

func runReclaim(cmd *cobra.Command, args []string) error {
	cfg := config.GetConfig()
	logger := observability.CLILogger

	timeout := reclaimTimeout
	if timeout == 0 {
		timeout = cfg.Reclaim.Timeout
	}
	interval := reclaimInterval
	if interval == 0 {
		interval = cfg.Reclaim.Interval
	}

	m := reclaim.New(logger, reclaim.WithReservedPorts(reclaimReserved...))
	freed, err := m.WaitForPortsToFree(cmd.Context(), reclaimPorts, reclaim.WaitOptions{
		Timeout:  timeout,
		Interval: interval,
	})
	if err != nil {
		return err
	}
	if !freed {
		return fmt.Errorf("ports still occupied after %s", timeout)
	}
	logger.Info("ports free", zap.Ints("ports", reclaimPorts))
	return nil
}
