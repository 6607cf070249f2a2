package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"sidragent/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the sidragent version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sidragent %s (%s %s/%s)\n",
			config.DefaultConfig().Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}
