// Package commands implements the bnode CLI: a persistent-flagged root
// command with one file per subcommand.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "bnode",
	Short: "B-Node coordinator for the C-Node agent fleet",
	Long: "bnode runs the coordinator: the bidirectional RPC fabric, the " +
		"three-tier connection hierarchy, the session broker, activity " +
		"fan-out, and the multi-client logout barrier for a fleet of " +
		"connected C-Node agents.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "bnode.conf",
		"path to the JSON(-with-comments) configuration document")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
