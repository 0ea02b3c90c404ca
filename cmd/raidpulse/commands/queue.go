package commands

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/raidpulse/am"
	"github.com/teranos/raidpulse/errors"
	"github.com/teranos/raidpulse/pulse/async"
	"github.com/teranos/raidpulse/storage"
	"github.com/teranos/raidpulse/sym"
)

// QueueCmd represents the queue command - job queue management
var QueueCmd = &cobra.Command{
	Use:   "queue",
	Short: sym.IX + " Inspect and steer ingestion jobs",
	Long: sym.IX + ` Ingestion queue - one job per guild and kind.

Job kinds:
  full_rescan        - Page through a guild's whole report history
  update             - Re-fetch the newest reports that changed
  rescan_deaths      - Attach death events to stored attempts
  rescan_characters  - Record players seen in stored reports

Examples:
  raidpulse queue ls                        # List jobs
  raidpulse queue ls --status failed        # Only failed jobs
  raidpulse queue enqueue 12 full_rescan    # Queue a full rescan of guild 12
  raidpulse queue pause 12                  # Pause guild 12's work
  raidpulse queue retry <job-id>            # Retry a failed job now`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// QueueLsCmd lists jobs
var QueueLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	Long: `List jobs: running and paused work first, then by priority and age.

Examples:
  raidpulse queue ls --status paused
  raidpulse queue ls --kind update --guild 12
  raidpulse queue ls --page 2 --per-page 50`,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		kind, _ := cmd.Flags().GetString("kind")
		guildID, _ := cmd.Flags().GetInt64("guild")
		page, _ := cmd.Flags().GetInt("page")
		perPage, _ := cmd.Flags().GetInt("per-page")
		return runQueueLs(databaseFlag(cmd), status, kind, guildID, page, perPage)
	},
}

// QueueStatsCmd shows queue counters
var QueueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts per status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(databaseFlag(cmd), func(ctx context.Context, q *async.Queue, _ *storage.Store) error {
			stats, err := q.Stats(ctx)
			if err != nil {
				return err
			}
			printQueueStats(stats)
			return nil
		})
	},
}

// QueueEnqueueCmd queues a job for a guild
var QueueEnqueueCmd = &cobra.Command{
	Use:   "enqueue <guild-id> <kind>",
	Short: "Queue a job for a guild",
	Long: `Queue a job for a guild. An existing finished job of the same kind is
reset and queued again; an active one is left alone.

Full rescans and updates are refused for guilds the log API could not find.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		guildID, err := parseGuildID(args[0])
		if err != nil {
			return err
		}
		kind, err := async.ParseKind(args[1])
		if err != nil {
			return err
		}
		priority, _ := cmd.Flags().GetInt("priority")
		return withQueue(databaseFlag(cmd), func(ctx context.Context, q *async.Queue, _ *storage.Store) error {
			if !cmd.Flags().Changed("priority") {
				cfg, err := am.Load()
				if err != nil {
					return err
				}
				priority = priorityFor(cfg, kind)
			}
			job, created, err := q.Enqueue(ctx, guildID, kind, priority)
			if err != nil {
				return err
			}
			if created {
				pterm.Success.Printf("Queued %s for guild %d as %s\n", kind, guildID, job.ID)
			} else {
				pterm.Info.Printf("Guild %d already has %s job %s (%s)\n", guildID, kind, job.ID, job.Status)
			}
			return nil
		})
	},
}

// QueuePauseCmd pauses a guild's jobs
var QueuePauseCmd = &cobra.Command{
	Use:   "pause <guild-id>",
	Short: "Pause a guild's jobs",
	Long: `Pause a guild's jobs. A running job stops at its next checkpoint and
keeps its progress; it waits until 'raidpulse queue resume'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		guildID, err := parseGuildID(args[0])
		if err != nil {
			return err
		}
		return withQueue(databaseFlag(cmd), func(ctx context.Context, q *async.Queue, _ *storage.Store) error {
			n, err := q.PauseGuild(ctx, guildID)
			if err != nil {
				return err
			}
			pterm.Success.Printf("Paused %d job(s) of guild %d\n", n, guildID)
			return nil
		})
	},
}

// QueueResumeCmd resumes a guild's paused jobs
var QueueResumeCmd = &cobra.Command{
	Use:   "resume <guild-id>",
	Short: "Resume a guild's paused jobs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		guildID, err := parseGuildID(args[0])
		if err != nil {
			return err
		}
		return withQueue(databaseFlag(cmd), func(ctx context.Context, q *async.Queue, _ *storage.Store) error {
			n, err := q.ResumeGuild(ctx, guildID)
			if err != nil {
				return err
			}
			pterm.Success.Printf("Resumed %d job(s) of guild %d\n", n, guildID)
			return nil
		})
	},
}

// QueueRetryCmd re-queues a failed job
var QueueRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Retry a failed job now",
	Long: `Retry a failed job now. The job keeps its checkpoint and gets its
automatic retries back.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(databaseFlag(cmd), func(ctx context.Context, q *async.Queue, _ *storage.Store) error {
			job, err := q.Retry(ctx, args[0])
			if err != nil {
				return err
			}
			pterm.Success.Printf("Job %s is %s again\n", job.ID, job.Status)
			return nil
		})
	},
}

// QueueRmCmd removes a job
var QueueRmCmd = &cobra.Command{
	Use:   "rm <job-id>",
	Short: "Remove a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(databaseFlag(cmd), func(ctx context.Context, q *async.Queue, _ *storage.Store) error {
			if err := q.Remove(ctx, args[0]); err != nil {
				return err
			}
			pterm.Success.Printf("Removed job %s\n", args[0])
			return nil
		})
	},
}

// QueueCleanupCmd deletes old completed jobs
var QueueCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete completed jobs older than a cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		return withQueue(databaseFlag(cmd), func(ctx context.Context, q *async.Queue, _ *storage.Store) error {
			n, err := q.Cleanup(ctx, olderThan)
			if err != nil {
				return err
			}
			pterm.Success.Printf("Deleted %d completed job(s) older than %s\n", n, olderThan)
			return nil
		})
	},
}

func init() {
	QueueLsCmd.Flags().String("status", "", "Filter by status (pending, in_progress, paused, completed, failed)")
	QueueLsCmd.Flags().String("kind", "", "Filter by kind")
	QueueLsCmd.Flags().Int64("guild", 0, "Filter by guild id")
	QueueLsCmd.Flags().Int("page", 1, "Page number")
	QueueLsCmd.Flags().Int("per-page", async.DefaultPerPage, "Jobs per page")

	QueueEnqueueCmd.Flags().Int("priority", 0, "Priority, lower runs first (defaults per kind from config)")
	QueueCleanupCmd.Flags().Duration("older-than", 7*24*time.Hour, "Age cutoff for completed jobs")

	QueueCmd.AddCommand(QueueLsCmd)
	QueueCmd.AddCommand(QueueStatsCmd)
	QueueCmd.AddCommand(QueueEnqueueCmd)
	QueueCmd.AddCommand(QueuePauseCmd)
	QueueCmd.AddCommand(QueueResumeCmd)
	QueueCmd.AddCommand(QueueRetryCmd)
	QueueCmd.AddCommand(QueueRmCmd)
	QueueCmd.AddCommand(QueueCleanupCmd)
}

// withQueue opens the database for a short command. The queue is built
// without a processor: commands only change rows the daemon reads.
func withQueue(dbPath string, fn func(ctx context.Context, q *async.Queue, store *storage.Store) error) error {
	database, err := openDatabase(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()
	return runWithQueue(context.Background(), database, fn)
}

func runWithQueue(ctx context.Context, database *sql.DB, fn func(ctx context.Context, q *async.Queue, store *storage.Store) error) error {
	store := storage.New(database)
	return fn(ctx, async.NewQueue(database, store), store)
}

func runQueueLs(dbPath, status, kind string, guildID int64, page, perPage int) error {
	var filter async.ListFilter
	if status != "" {
		s, err := async.ParseStatus(status)
		if err != nil {
			return err
		}
		filter.Status = s
	}
	if kind != "" {
		k, err := async.ParseKind(kind)
		if err != nil {
			return err
		}
		filter.Kind = k
	}
	filter.GuildID = guildID

	return withQueue(dbPath, func(ctx context.Context, q *async.Queue, _ *storage.Store) error {
		result, err := q.List(ctx, filter, page, perPage)
		if err != nil {
			return err
		}
		if len(result.Entries) == 0 {
			pterm.Info.Println("No jobs found")
			return nil
		}

		rows := pterm.TableData{{"ID", "Guild", "Kind", "Status", "Prio", "Progress", "Activity", "Error"}}
		for _, e := range result.Entries {
			rows = append(rows, []string{
				e.ID[:8],
				guildLabel(e.Guild, e.Realm, e.Region),
				string(e.Kind),
				colorStatus(e.Status, e.PauseReason),
				strconv.Itoa(e.Priority),
				fmt.Sprintf("%.0f%% (%d reports)", e.Percent, e.Progress.ReportsProcessed),
				humanize.Time(e.LastActivityAt),
				jobError(e.JobItem),
			})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
			return err
		}
		pages := (result.Total + result.PerPage - 1) / result.PerPage
		fmt.Printf("\nPage %d of %d (%d jobs)\n", result.Page, pages, result.Total)
		return nil
	})
}

func colorStatus(s async.Status, reason async.PauseReason) string {
	switch s {
	case async.StatusInProgress:
		return pterm.Cyan(string(s))
	case async.StatusCompleted:
		return pterm.Green(string(s))
	case async.StatusFailed:
		return pterm.Red(string(s))
	case async.StatusPaused:
		if reason != "" {
			return pterm.Yellow(fmt.Sprintf("%s (%s)", s, reason))
		}
		return pterm.Yellow(string(s))
	}
	return string(s)
}

func jobError(j async.JobItem) string {
	if j.LastError == "" {
		return ""
	}
	msg := j.LastError
	if len(msg) > 60 {
		msg = msg[:57] + "..."
	}
	if j.ErrorType != "" {
		return fmt.Sprintf("[%s] %s", j.ErrorType, msg)
	}
	return msg
}

// priorityFor returns the configured default priority of a kind.
func priorityFor(cfg *am.Config, kind async.Kind) int {
	switch kind {
	case async.KindFullRescan:
		return cfg.Pulse.FullRescanPriority
	case async.KindUpdate:
		return cfg.Pulse.UpdatePriority
	default:
		return cfg.Pulse.RescanPriority
	}
}

func parseGuildID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.NewInvalidRequestError("guild id must be a positive number, got %q", s)
	}
	return id, nil
}
