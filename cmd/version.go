package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/logger"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the webprobe version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "webprobe %s (%s, %s/%s)\n", logger.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
