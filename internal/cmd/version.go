package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is overridden at release build time via
// -ldflags "-X github.com/crawlgate/crawlgate/internal/cmd.version=v1.2.3".
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
		return err
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
