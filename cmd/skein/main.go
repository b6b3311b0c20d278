package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skein-dev/skein/cmd/skein/commands"
	"github.com/skein-dev/skein/logger"
)

var rootCmd = &cobra.Command{
	Use:   "skein",
	Short: "Skein - bulk operations engine",
	Long: `Skein - asynchronous bulk create/update/replace/delete/upsert engine.

Skein runs batches of record operations as tracked jobs: each batch becomes a
job with per-item error capture, live progress, and aggregate results over the
affected rows.

Available commands:
  serve   - Start the worker daemon (queue processor)
  jobs    - Inspect and manage bulk jobs
  db      - Manage database operations
  version - Show version information

Examples:
  skein serve                # Start worker daemon in foreground
  skein jobs ls              # List bulk jobs
  skein jobs status <id>     # Show one job's progress and counters
  skein db migrate           # Apply pending migrations`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		if err := logger.Initialize(jsonOutput); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json", false, "Emit JSON log output")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
