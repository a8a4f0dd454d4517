package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the build version, overridden at link time with
// -ldflags "-X .../commands.Version=v1.2.3".
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("voxloopd %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
