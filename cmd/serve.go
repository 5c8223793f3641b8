package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"adguardsync/internal/app"
)

// serveDebug enables verbose logging across the application.
var serveDebug bool

// serveConfigPath points at the yaml configuration file. Environment
// variables override individual settings either way.
var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync controller",
	Long: `Starts the controller: watches discovery sources for endpoint changes,
debounces them into reconciliation passes against the AdGuard Home rewrite
API, and serves a /health endpoint with pass statistics.

The controller runs until it receives SIGINT or SIGTERM; an in-flight
reconciliation pass is given a bounded grace period to finish.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	application, err := app.NewApplication(app.Options{
		ConfigPath: serveConfigPath,
		Debug:      serveDebug,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	serveCmd.Flags().StringVar(&serveConfigPath, "config-path", "", "Path to the yaml configuration file")
}
