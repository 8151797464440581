package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/sbl8/dnc/kernels"
)

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "dnc %s (commit: %s, built: %s)\n", Version, Commit, BuildDate)
		fmt.Fprintf(cmd.OutOrStdout(), "go %s %s/%s, default backend %s\n",
			runtime.Version(), runtime.GOOS, runtime.GOARCH, kernels.Default().Name())
	},
}
