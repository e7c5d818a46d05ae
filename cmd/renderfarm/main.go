package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "renderfarm",
		Short:         "Render jobs on rented GPU nodes",
		Long:          "renderfarm dispatches render tasks onto a Redis work queue, rents marketplace nodes to run them, and tears the nodes down when the job is done.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().String("namespace", "", "status store namespace (overrides NAMESPACE)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newOffersCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newPurgeCmd())
	cmd.AddCommand(newTeardownCmd())
	cmd.AddCommand(newAuthCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "renderfarm %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
