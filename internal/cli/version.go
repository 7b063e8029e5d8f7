package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set via -ldflags at build time.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the synagraph version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(VersionString())
	},
}

// VersionString returns the version for CLI and API surfaces.
func VersionString() string {
	return "synagraph " + Version
}
