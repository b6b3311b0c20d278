package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skein-dev/skein/config"
)

// DbCmd groups database management commands
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage skein database",
	Long: `Manage database operations.

Examples:
  skein db migrate          # Apply pending migrations
  skein db stats            # Show job table statistics`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, _ := cmd.Flags().GetString("db")
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		// openDatabase migrates as part of opening
		database, err := openDatabase(cfg, dbPath)
		if err != nil {
			return err
		}
		defer database.Close()
		fmt.Println("Database is up to date")
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job table statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		database, err := openDatabase(cfg, "")
		if err != nil {
			return err
		}
		defer database.Close()

		rows, err := database.Query(`
			SELECT state, COUNT(*), COALESCE(SUM(total_items), 0)
			FROM bulk_jobs
			GROUP BY state
			ORDER BY state
		`)
		if err != nil {
			return fmt.Errorf("failed to query job stats: %w", err)
		}
		defer rows.Close()

		fmt.Printf("%-12s  %8s  %12s\n", "STATE", "JOBS", "TOTAL ITEMS")
		var totalJobs, totalItems int
		for rows.Next() {
			var state string
			var jobs, items int
			if err := rows.Scan(&state, &jobs, &items); err != nil {
				return fmt.Errorf("failed to scan job stats: %w", err)
			}
			fmt.Printf("%-12s  %8d  %12d\n", state, jobs, items)
			totalJobs += jobs
			totalItems += items
		}
		if err := rows.Err(); err != nil {
			return err
		}
		fmt.Printf("%-12s  %8d  %12d\n", "total", totalJobs, totalItems)
		return nil
	},
}

func init() {
	dbMigrateCmd.Flags().String("db", "", "Database path (overrides config)")
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}
