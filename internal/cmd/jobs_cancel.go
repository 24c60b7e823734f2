package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driftworks/autoloop/internal/config"
	"github.com/driftworks/autoloop/internal/observability"
	"github.com/driftworks/autoloop/pkg/client"
)

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.GetConfig()
		c, err := client.New(cfg.Collaborator.BaseURL,
			client.WithLogger(observability.CLILogger))
		if err != nil {
			return fmt.Errorf("build collaborator client: %w", err)
		}

		if err := c.CancelJob(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("cancellation requested for job %s\n", args[0])
		return nil
	},
}

func init() {
	jobsCmd.AddCommand(jobsCancelCmd)
}
