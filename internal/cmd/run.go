package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/driftworks/autoloop/internal/config"
	"github.com/driftworks/autoloop/internal/observability"
	"github.com/driftworks/autoloop/pkg/client"
	"github.com/driftworks/autoloop/pkg/job"
)

var (
	runProject string
	runFollow  bool
	runJSON    bool
)

var runCmd = &cobra.Command{
	Use:   "run <job-type>",
	Short: "Start a job through the collaborator",
	Long: `Start a job of the given type (frontend:test, backend:test,
frontend:build, backend:build, style:lint) through the collaborator server.

With --follow the command polls until the job reaches a terminal status and
exits non-zero when the job fails.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runProject, "project", "", "Project id (required)")
	runCmd.Flags().BoolVar(&runFollow, "follow", false, "Poll until the job finishes")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Output the final record as JSON")
	_ = runCmd.MarkFlagRequired("project")
}

func runRun(cmd *cobra.Command, args []string) error {
	typ, err := job.ParseType(args[0])
	if err != nil {
		return err
	}

	cfg := config.GetConfig()
	logger := observability.CLILogger

	c, err := client.New(cfg.Collaborator.BaseURL,
		client.WithRetries(cfg.Collaborator.Retries),
		client.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build collaborator client: %w", err)
	}

	res, err := c.StartJob(cmd.Context(), typ, job.StartRequest{
		ProjectID: runProject,
		Origin:    job.OriginUser,
	})
	if err != nil {
		return fmt.Errorf("start %s: %w", typ, err)
	}

	if res.Skip != nil && res.Skip.Skipped {
		logger.Info("run skipped",
			zap.String("type", typ.String()),
			zap.String("reason", res.Skip.Reason))
		if runJSON {
			return json.NewEncoder(os.Stdout).Encode(res.Skip)
		}
		fmt.Printf("skipped: %s\n", res.Skip.Reason)
		return nil
	}

	rec := res.Job
	logger.Info("job started",
		zap.String("job_id", rec.ID),
		zap.String("type", typ.String()))

	if !runFollow {
		if runJSON {
			return json.NewEncoder(os.Stdout).Encode(rec)
		}
		fmt.Printf("job %s started (%s)\n", rec.ID, rec.Status)
		return nil
	}

	for !rec.Status.IsTerminal() {
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-time.After(cfg.Collaborator.PollInterval):
		}
		next, err := c.JobStatus(cmd.Context(), rec.ID)
		if err != nil {
			logger.Warn("poll failed, retrying", zap.Error(err))
			continue
		}
		rec = next
	}

	if runJSON {
		if err := json.NewEncoder(os.Stdout).Encode(rec); err != nil {
			return err
		}
	} else {
		fmt.Printf("job %s finished: %s\n", rec.ID, rec.Status)
		if rec.Summary != nil && rec.Summary.Failed > 0 {
			fmt.Printf("  %d passed, %d failed\n", rec.Summary.Passed, rec.Summary.Failed)
			for _, name := range rec.Summary.FailingTests {
				fmt.Printf("  FAIL %s\n", name)
			}
		}
	}

	if rec.Status != job.StatusSucceeded {
		return fmt.Errorf("job %s %s", rec.ID, rec.Status)
	}
	return nil
}
