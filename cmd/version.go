package cmd

import (
	"fmt"

	"github.com/carlmjohnson/versioninfo"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "geostitch %s (%s)\n", versioninfo.Short(), versioninfo.LastCommit.Format("2006-01-02"))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.Version = versioninfo.Short()
}
