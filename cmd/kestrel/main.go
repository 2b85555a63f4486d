package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kestrelsec/kestrel/cmd/kestrel/commands"
	"github.com/kestrelsec/kestrel/logger"
)

var rootCmd = &cobra.Command{
	Use:   "kestrel",
	Short: "Kestrel - threat-intelligence query engine and event dispatch",
	Long: `Kestrel - cost-aware data access and real-time subscription dispatch
for multi-tenant threat-intelligence workloads.

Available commands:
  serve   - Start the websocket/HTTP server
  config  - Show the effective configuration
  version - Show build information

Examples:
  kestrel serve            # Start the server on the configured port
  kestrel config show      # Print the merged configuration
  kestrel version          # Print version and build metadata`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(false); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
