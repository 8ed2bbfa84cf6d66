// Package main is the entry point for the rzapply coordinator.
// It serves the agent HTTP API and, when enabled, the push endpoint.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rzapply/rzapply/internal/version"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "rzapply-server",
	Short: "Task coordinator for rzapply submission agents",
	Long: `rzapply-server queues submission tasks and hands them to registered
agents, either over a WebSocket push channel or through HTTP long-polling.

With no subcommand it runs the server.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rzapply-server version %s\n", version.Get())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "directory containing config.yaml")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
