package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	schemasassets "github.com/driftworks/autoloop/internal/assets/schemas"
	"github.com/driftworks/autoloop/pkg/manifest"
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Work with project manifests",
}

var manifestValidateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Validate a project manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manifest.Load(args[0])
		if err != nil {
			var verrs manifest.ValidationErrors
			if errors.As(err, &verrs) {
				for _, ve := range verrs {
					fmt.Printf("  %s: %s\n", ve.Path, ve.Message)
				}
			}
			return fmt.Errorf("manifest %s is invalid: %w", args[0], err)
		}
		fmt.Printf("manifest %s is valid (project %s, %d job(s))\n",
			args[0], m.Project.ID, len(m.Jobs))
		return nil
	},
}

var manifestSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the manifest JSON schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := os.Stdout.Write(schemasassets.ManifestSchema)
		return err
	},
}

func init() {
	rootCmd.AddCommand(manifestCmd)
	manifestCmd.AddCommand(manifestValidateCmd)
	manifestCmd.AddCommand(manifestSchemaCmd)
}
