package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the storysync version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("storysync %s (%s/%s)\n", version, runtime.GOOS, runtime.GOARCH)
	},
}
