package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cordon",
	Short: "Cordon - secure executor for untrusted payloads",
	Long: `Cordon runs untrusted payloads in disposable containers behind a
policy-enforcing egress proxy, with caller credentials confined to a
credentialed fetch phase that completes before the payload starts.`,
	Version: Version,
}

var configPath string

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Cordon version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(sweepCmd)
}
