package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the coordinator's build version, set at build time via
// ldflags.
var Version = "dev"

// GitCommit is the git commit hash, set at build time via ldflags.
var GitCommit = "unknown"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print bnode build information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("bnode %s\n", Version)
			fmt.Printf("  commit: %s\n", GitCommit)
		},
	}
}
