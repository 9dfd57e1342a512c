package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	version = "0.1.0-preview"
	commit  = "dev"
	date    = "unknown"
)

// configPath is the persistent --config flag
var configPath string

func main() {
	var rootCmd = &cobra.Command{
		Use:   "vango-thin",
		Short: "vango-thin - headless client for server-driven UIs",
		Long: `vango-thin runs the client half of a server-driven UI outside the browser:
it joins a live session, applies ordered patch frames to a document and
sends events, acknowledgements and navigation back to the server.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// glog reads its flags from the standard flag set
			_ = flag.CommandLine.Parse(nil)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "vango-thin.yaml", "Configuration file (yaml, toml or json)")
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	rootCmd.PersistentFlags().AddFlagSet(pflag.CommandLine)

	// Add commands
	rootCmd.AddCommand(newConnectCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newReplayCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
