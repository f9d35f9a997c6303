package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pressify/forge/system"
)

var versionCommand = &cobra.Command{
	Use:   "version",
	Short: "Prints the current executable version and exits.",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Printf("forge v%s (framework %s)\n", system.Version, system.FrameworkVersion)
	},
}
