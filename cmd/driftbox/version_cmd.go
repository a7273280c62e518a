package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driftbox/driftbox/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		short, _ := cmd.Flags().GetBool("short")
		if short {
			fmt.Println(version.Short())
			return
		}
		fmt.Println(version.Detailed())
	},
}

func init() {
	versionCmd.Flags().BoolP("short", "s", false, "print only the version number")
}
