package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newVersionCmd creates the Cobra command for displaying the application version.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of graphmcp",
		Run: func(cmd *cobra.Command, args []string) {
			// rootCmd.Version is set in root.go at build time.
			fmt.Fprintf(cmd.OutOrStdout(), "graphmcp version %s\n", rootCmd.Version)
		},
	}
}
