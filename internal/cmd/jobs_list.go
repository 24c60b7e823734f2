package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/driftworks/autoloop/internal/config"
	"github.com/driftworks/autoloop/pkg/jobstore"
)

var (
	jobsListProject string
	jobsListJSON    bool
)

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List job records for a project",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.GetConfig()
		store, err := jobstore.Open(cmd.Context(), filepath.Join(cfg.Data.Dir, "jobs.db"))
		if err != nil {
			return fmt.Errorf("open job store: %w", err)
		}
		defer store.Close()

		recs, err := store.ListRecords(cmd.Context(), jobsListProject)
		if err != nil {
			return err
		}

		if jobsListJSON {
			return json.NewEncoder(os.Stdout).Encode(recs)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tCREATED")
		for _, rec := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				rec.ID, rec.Type, rec.Status, rec.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

func init() {
	jobsCmd.AddCommand(jobsListCmd)
	jobsListCmd.Flags().StringVar(&jobsListProject, "project", "", "Project id (required)")
	jobsListCmd.Flags().BoolVar(&jobsListJSON, "json", false, "Output as JSON")
	_ = jobsListCmd.MarkFlagRequired("project")
}
