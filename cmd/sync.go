package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"adguardsync/internal/app"
)

var syncDebug bool
var syncConfigPath string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single reconciliation pass and exit",
	Long: `Performs one fetch-diff-apply-persist cycle against the AdGuard Home
server and prints the pass summary. Useful for cron-style deployments and
for verifying configuration before running the controller.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	application, err := app.NewApplication(app.Options{
		ConfigPath: syncConfigPath,
		Debug:      syncDebug,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := application.RunOnce(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "pass %s: %d created, %d updated, %d deleted, %d unchanged, %d skipped, %d errors\n",
		result.PassID, result.Created, result.Updated, result.Deleted,
		result.Unchanged, result.Skipped, len(result.Errors))

	if len(result.Errors) > 0 {
		for _, ruleErr := range result.Errors {
			fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", ruleErr.Error())
		}
		return fmt.Errorf("%d rule(s) failed to apply", len(result.Errors))
	}
	return nil
}

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().BoolVar(&syncDebug, "debug", false, "Enable debug logging")
	syncCmd.Flags().StringVar(&syncConfigPath, "config-path", "", "Path to the yaml configuration file")
}
