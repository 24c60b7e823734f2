package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/driftworks/autoloop/internal/config"
	"github.com/driftworks/autoloop/internal/observability"
	"github.com/driftworks/autoloop/pkg/client"
)

var jobsStatusJSON bool

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the current status of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.GetConfig()
		c, err := client.New(cfg.Collaborator.BaseURL,
			client.WithLogger(observability.CLILogger))
		if err != nil {
			return fmt.Errorf("build collaborator client: %w", err)
		}

		rec, err := c.JobStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if jobsStatusJSON {
			return json.NewEncoder(os.Stdout).Encode(rec)
		}
		fmt.Printf("job %s: %s (%s)\n", rec.ID, rec.Status, rec.Type)
		if rec.Summary != nil {
			fmt.Printf("  %d passed, %d failed\n", rec.Summary.Passed, rec.Summary.Failed)
			if rec.Summary.ErrorText != "" {
				fmt.Printf("  error: %s\n", rec.Summary.ErrorText)
			}
		}
		return nil
	},
}

func init() {
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsStatusCmd.Flags().BoolVar(&jobsStatusJSON, "json", false, "Output as JSON")
}
