// Gray Logic Trigger - natural-language automation triggers
//
// This is the main entry point for the Gray Logic Trigger service. It keeps
// a live mirror of the home-automation hub's entity states, evaluates
// natural-language rule conditions with vision and text models when the
// entities they watch change, and dispatches each rule's actions when it
// fires.
//
// Subcommands:
//   - serve: run the engine, the hub session and the operations API
//   - rules: import, list and export stored rules
//   - version: print build information
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

var rootCmd = &cobra.Command{
	Use:           "graytrigger",
	Short:         "Natural-language automation triggers for a home-automation hub",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "configuration file (default $GRAYTRIGGER_CONFIG or "+defaultConfigPath+")")
}

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1) //nolint:gocritic // cancel already called
	}
}

// configPath resolves the configuration file: the --config flag, then
// GRAYTRIGGER_CONFIG, then the default.
func configPath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("config"); path != "" { //nolint:errcheck // flag is always registered
		return path
	}
	if path := os.Getenv("GRAYTRIGGER_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "graytrigger %s (commit %s, built %s)\n", version, commit, date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
