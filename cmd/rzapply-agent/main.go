// Package main is the entry point for the rzapply worker agent.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rzapply/rzapply/internal/version"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "rzapply-agent",
	Short: "Worker agent that runs rzapply submission tasks",
	Long: `rzapply-agent registers with an rzapply coordinator, receives submission
tasks over WebSocket or HTTP long-polling, runs the configured uploader for
each one and reports the result.

Configuration comes from agent.yaml, a .env file and RZAPPLY_AGENT_*
environment variables.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rzapply-agent version %s\n", version.Get())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "directory containing agent.yaml")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
