package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/skein-dev/skein/bulk/job"
	"github.com/skein-dev/skein/config"
	"github.com/skein-dev/skein/dispatch"
	"github.com/skein-dev/skein/logger"
)

// JobsCmd groups bulk job management commands
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage bulk jobs",
	Long: `Inspect and manage bulk jobs.

Job management commands:
  skein jobs ls              # List jobs with queue stats
  skein jobs status <id>     # Show one job in detail
  skein jobs cleanup         # Delete old finished jobs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// JobsLsCmd lists bulk jobs
var JobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List bulk jobs",
	Long: `List bulk jobs, newest first, optionally filtered by state.

State filters:
  queued       - Jobs waiting for a worker
  in_progress  - Jobs currently running
  complete     - Successfully finished jobs
  failed       - Jobs that failed

Examples:
  skein jobs ls                      # List recent jobs
  skein jobs ls --state failed       # List only failed jobs
  skein jobs ls --limit 50           # Show up to 50 jobs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		stateFilter, _ := cmd.Flags().GetString("state")
		limit, _ := cmd.Flags().GetInt("limit")
		return runJobsLs(stateFilter, limit)
	},
}

// JobsStatusCmd shows one job in detail
var JobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show status of a bulk job",
	Long: `Display detailed status information for a bulk job:
- Operation, entity type, and actor
- Current state and item counters
- Per-item errors (first few)
- Timestamps (created, started, completed)

Example:
  skein jobs status 4f7c9a12-...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsStatus(args[0])
	},
}

// JobsCleanupCmd deletes old finished jobs
var JobsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old finished jobs",
	Long: `Delete finished (complete or failed) jobs older than the retention
window. Queued and running jobs are never deleted.

Example:
  skein jobs cleanup --older-than 168h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		return runJobsCleanup(olderThan)
	},
}

func init() {
	JobsLsCmd.Flags().String("state", "", "Filter by state (queued, in_progress, complete, failed)")
	JobsLsCmd.Flags().Int("limit", 20, "Maximum number of jobs to display")
	JobsCleanupCmd.Flags().Duration("older-than", 7*24*time.Hour, "Retention window for finished jobs")

	JobsCmd.AddCommand(JobsLsCmd)
	JobsCmd.AddCommand(JobsStatusCmd)
	JobsCmd.AddCommand(JobsCleanupCmd)
}

// openQueue opens the configured database and wraps it in a queue view
func openQueue() (*dispatch.Queue, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	database, err := openDatabase(cfg, "")
	if err != nil {
		return nil, nil, err
	}
	jobs := job.NewManager(job.NewStore(database), logger.Logger)
	return dispatch.NewQueue(jobs), func() { database.Close() }, nil
}

func runJobsLs(stateFilter string, limit int) error {
	queue, closeDB, err := openQueue()
	if err != nil {
		return err
	}
	defer closeDB()
	ctx := context.Background()

	var state *job.State
	if stateFilter != "" {
		s := job.State(stateFilter)
		if !job.IsValidState(string(s)) {
			return fmt.Errorf("invalid state %q (queued, in_progress, complete, failed)", stateFilter)
		}
		state = &s
	}

	jobs, err := queue.ListJobs(ctx, state, limit)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-36s  %-8s  %-12s  %-12s  %-11s  %s\n",
		"ID", "OP", "ENTITY", "STATE", "PROGRESS", "CREATED")
	for _, j := range jobs {
		fmt.Printf("%-36s  %-8s  %-12s  %-12s  %5d/%-5d  %s\n",
			j.ID, j.JobType, j.EntityType, j.State,
			j.ProcessedItems, j.TotalItems,
			j.CreatedAt.Format("2006-01-02 15:04:05"))
	}

	stats, err := queue.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get queue stats: %w", err)
	}
	fmt.Printf("\n%d total: %d queued, %d in progress, %d complete, %d failed\n",
		stats.Total, stats.Queued, stats.InProgress, stats.Complete, stats.Failed)
	return nil
}

func runJobsStatus(jobID string) error {
	queue, closeDB, err := openQueue()
	if err != nil {
		return err
	}
	defer closeDB()

	j, err := queue.GetJob(context.Background(), jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}

	fmt.Printf("Job %s\n", j.ID)
	fmt.Printf("  Operation:   %s %s\n", j.JobType, j.EntityType)
	fmt.Printf("  State:       %s\n", j.State)
	fmt.Printf("  Actor:       %s\n", j.Actor)
	fmt.Printf("  Progress:    %d/%d items\n", j.ProcessedItems, j.TotalItems)
	fmt.Printf("  Succeeded:   %d\n", j.SuccessCount)
	fmt.Printf("  Errored:     %d\n", j.ErrorCount)
	if len(j.CreatedIDs) > 0 {
		fmt.Printf("  Created ids: %d\n", len(j.CreatedIDs))
	}
	if len(j.UpdatedIDs) > 0 {
		fmt.Printf("  Updated ids: %d\n", len(j.UpdatedIDs))
	}
	if len(j.DeletedIDs) > 0 {
		fmt.Printf("  Deleted ids: %d\n", len(j.DeletedIDs))
	}
	fmt.Printf("  Created:     %s\n", j.CreatedAt.Format(time.RFC3339))
	if j.StartedAt != nil {
		fmt.Printf("  Started:     %s\n", j.StartedAt.Format(time.RFC3339))
	}
	if j.CompletedAt != nil {
		fmt.Printf("  Completed:   %s\n", j.CompletedAt.Format(time.RFC3339))
	}
	if j.Failure != "" {
		fmt.Printf("  Failure:     %s\n", j.Failure)
	}

	if len(j.Errors) > 0 {
		const maxShown = 5
		fmt.Printf("\n  Errors (%d):\n", len(j.Errors))
		for i, e := range j.Errors {
			if i == maxShown {
				fmt.Printf("    ... and %d more\n", len(j.Errors)-maxShown)
				break
			}
			if e.Index < 0 {
				fmt.Printf("    [job] %s\n", strings.TrimSpace(e.Message))
			} else {
				fmt.Printf("    [item %d] %s\n", e.Index, strings.TrimSpace(e.Message))
			}
		}
	}
	return nil
}

func runJobsCleanup(olderThan time.Duration) error {
	queue, closeDB, err := openQueue()
	if err != nil {
		return err
	}
	defer closeDB()

	deleted, err := queue.Cleanup(context.Background(), olderThan)
	if err != nil {
		return fmt.Errorf("failed to clean up jobs: %w", err)
	}
	fmt.Printf("Deleted %d finished job(s) older than %v\n", deleted, olderThan)
	return nil
}
