// Command webengine serves the request engine configured by a YAML or
// JSON file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "webengine",
		Short: "Embeddable HTTP request engine",
		Long: `webengine serves controllers, static files and WebSocket sessions
from a bounded worker pool.

Configuration is read from webengine.yaml (or .yml/.json) in the working
directory unless --config names another file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		serveCmd(),
		versionCmd(),
	)
	return root
}
