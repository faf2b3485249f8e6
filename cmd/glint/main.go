package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "glint",
		Short: "Coordination server for live embedded widgets",
		Long: `Glint serves live embedded widgets and keeps their shared state
consistent across a fleet of workers.

A widget is registered once with its rendered HTML, then any worker can
serve its page, hold its live connection, and push updates to it. State
lives in-process for a single worker, or in Redis when running a fleet.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
