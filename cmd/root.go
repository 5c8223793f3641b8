package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the application.
var rootCmd = &cobra.Command{
	Use:   "adguardsync",
	Short: "Keep AdGuard Home rewrite rules in sync with cluster endpoints",
	Long: `adguardsync watches Kubernetes LoadBalancer services and Traefik
ingresses and keeps the matching DNS rewrite rules on an AdGuard Home
server up to date. It only ever touches rules it created itself;
manually created rewrite rules are never updated or deleted.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors
	// that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command. Called from the main
// package to inject the build version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "adguardsync version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
}
