package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/raidpulse/am"
	"github.com/teranos/raidpulse/logger"
	"github.com/teranos/raidpulse/pulse"
	"github.com/teranos/raidpulse/pulse/async"
	"github.com/teranos/raidpulse/pulse/budget"
	"github.com/teranos/raidpulse/raid"
	"github.com/teranos/raidpulse/sym"
)

// rankingFlushTimeout bounds the final ranking pass on shutdown.
const rankingFlushTimeout = 30 * time.Second

// PulseCmd represents the pulse command - the ingestion daemon
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Run the ingestion daemon (processor + refresh sweep)",
	Long: sym.Pulse + ` Pulse daemon - continuous ingestion.

The Pulse daemon provides:
- One processor draining the job queue, guild by guild
- Rate limit gating of every log API call
- A cron-driven refresh sweep that enqueues updates for known guilds
- Hot reload of the tracked raid list when the config file changes
- GRACE shutdown (parks the current job at its checkpoint before exit)

Example:
  raidpulse pulse start     # Start daemon in foreground
  raidpulse pulse status    # Show queue and budget state`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd starts the Pulse daemon
var PulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Pulse daemon",
	Long: `Start the Pulse daemon in foreground mode.

The daemon will:
- Recover jobs left running by a previous process
- Process queued jobs one at a time within the rate limit budget
- Sweep known guilds for updates on the refresh cron
- Run until interrupted (Ctrl+C) with GRACE shutdown`,
	RunE: func(cmd *cobra.Command, args []string) error {
		noSweep, _ := cmd.Flags().GetBool("no-sweep")
		return runPulseStart(databaseFlag(cmd), !noSweep)
	},
}

// PulseStatusCmd shows the daemon-facing state stored in the database
var PulseStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue counts, running jobs and rate limit budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPulseStatus(databaseFlag(cmd))
	},
}

func init() {
	PulseStartCmd.Flags().Bool("no-sweep", false, "Do not run the periodic refresh sweep")
	PulseCmd.AddCommand(PulseStartCmd)
	PulseCmd.AddCommand(PulseStatusCmd)
}

func runPulseStart(dbPath string, sweep bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("%s Starting Pulse daemon...\n", sym.Pulse)

	e, err := openEngine(ctx, dbPath)
	if err != nil {
		return err
	}
	defer e.Close()

	e.budget.OnPause(func(st budget.Status) {
		pterm.Warning.Printf("%s Rate limit budget spent, waiting %s for reset\n", sym.Pulse, st.ResetIn.Round(time.Second))
	})
	e.budget.OnResume(func(st budget.Status) {
		pterm.Info.Printf("%s Rate limit budget restored\n", sym.Pulse)
	})

	g, gctx := errgroup.WithContext(ctx)
	e.ranks.Start(gctx)

	g.Go(func() error {
		return e.processor.Run(gctx)
	})
	if sweep && e.sweeper != nil {
		g.Go(func() error {
			return e.sweeper.Run(gctx)
		})
	}
	updates := e.queue.Subscribe()
	defer e.queue.Unsubscribe(updates)
	g.Go(func() error {
		pulse.Relay(gctx, updates, terminalEmitter{})
		return nil
	})
	if path := watchedConfigPath(); path != "" {
		watcher, err := am.NewConfigWatcher(path, e.logger)
		if err != nil {
			e.logger.Warnw("Config hot reload disabled", logger.FieldError, err)
		} else {
			watcher.OnReload(func(cfg *am.Config) error {
				return e.applyConfig(gctx, cfg)
			})
			am.SetGlobalWatcher(watcher)
			watcher.Start()
			g.Go(func() error {
				<-gctx.Done()
				return watcher.Stop()
			})
		}
	}

	st := e.budget.Status()
	fmt.Printf("%s Pulse daemon started\n", sym.Pulse)
	fmt.Printf("  Tracked raids: %d\n", len(e.tracked.Current().Raids()))
	fmt.Printf("  Poll interval: %v\n", e.cfg.Pulse.PollInterval)
	fmt.Printf("  Budget: %s of %s points spent (%s)\n",
		humanize.Comma(int64(st.Spent)), humanize.Comma(int64(st.Limit)), st.Source)
	if sweep && e.sweeper != nil {
		fmt.Printf("  Refresh cron: %s\n", e.cfg.Pulse.RefreshCron)
	} else {
		fmt.Printf("  Refresh sweep: disabled\n")
	}
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)
	logger.Lifecycle(e.logger, true, "Pulse daemon started",
		"tracked_raids", len(e.tracked.Current().Raids()),
		"sweep", sweep && e.sweeper != nil)

	<-gctx.Done()
	fmt.Printf("\n%s Initiating GRACE shutdown...\n", sym.PulseClose)

	err = g.Wait()

	// Rankings requested by the last job still run against the open database
	flushCtx, cancel := context.WithTimeout(context.Background(), rankingFlushTimeout)
	defer cancel()
	e.ranks.Stop(flushCtx)

	processed := e.processor.Status().JobsProcessed
	logger.Lifecycle(e.logger, false, "Pulse daemon stopped", "jobs_processed", processed)
	fmt.Printf("%s Pulse daemon stopped (%d jobs processed)\n", sym.Pulse, processed)
	return err
}

// watchedConfigPath picks the most specific config file that exists.
func watchedConfigPath() string {
	paths := am.ConfigPaths()
	if len(paths) == 0 {
		return ""
	}
	return paths[len(paths)-1]
}

func runPulseStatus(dbPath string) error {
	ctx := context.Background()
	e, err := openEngine(ctx, dbPath)
	if err != nil {
		return err
	}
	defer e.Close()

	stats, err := e.queue.Stats(ctx)
	if err != nil {
		return err
	}
	pterm.DefaultSection.Println(sym.Pulse + " Queue")
	printQueueStats(stats)

	running, err := e.queue.List(ctx, async.ListFilter{Status: async.StatusInProgress}, 1, 10)
	if err != nil {
		return err
	}
	if len(running.Entries) > 0 {
		pterm.Println()
		for _, entry := range running.Entries {
			since := "-"
			if entry.StartedAt != nil {
				since = humanize.Time(*entry.StartedAt)
			}
			fmt.Printf("  %s %s %s page %d (%.0f%%, started %s)\n",
				pterm.Cyan(entry.ID[:8]), entry.Kind, guildLabel(entry.Guild, entry.Realm, entry.Region),
				entry.Progress.CurrentPage, entry.Percent, since)
		}
	}

	st := e.budget.Status()
	pterm.DefaultSection.Println(sym.Pulse + " Rate limit budget")
	fmt.Printf("  Spent:     %s / %s points (%s)\n",
		humanize.Comma(int64(st.Spent)), humanize.Comma(int64(st.Limit)), st.Source)
	fmt.Printf("  Remaining: %s points before the %.0f%% safety line\n",
		humanize.Comma(int64(st.Remaining(e.cfg.Pulse.SafetyRatio))), e.cfg.Pulse.SafetyRatio*100)
	if st.ResetIn > 0 {
		fmt.Printf("  Resets in: %s\n", st.ResetIn.Round(time.Second))
	}
	if st.Exhausted {
		fmt.Printf("  %s\n", pterm.Red("API refused calls; waiting for reset"))
	}
	return nil
}

func printQueueStats(s *async.Stats) {
	fmt.Printf("  Pending:     %s\n", humanize.Comma(int64(s.Pending)))
	fmt.Printf("  In progress: %s\n", humanize.Comma(int64(s.InProgress)))
	fmt.Printf("  Paused:      %s\n", humanize.Comma(int64(s.Paused)))
	fmt.Printf("  Completed:   %s\n", humanize.Comma(int64(s.Completed)))
	if s.Failed > 0 {
		fmt.Printf("  Failed:      %s\n", pterm.Red(humanize.Comma(int64(s.Failed))))
	} else {
		fmt.Printf("  Failed:      0\n")
	}
	fmt.Printf("  Reports fetched: %s, fights saved: %s\n",
		humanize.Comma(int64(s.ReportsFetched)), humanize.Comma(int64(s.FightsSaved)))
}

func guildLabel(name, realm, region string) string {
	return raid.Guild{Name: name, Realm: realm, Region: region}.String()
}

// terminalEmitter prints job events of a foreground daemon.
type terminalEmitter struct{}

func (terminalEmitter) EmitStage(job async.JobItem) {
	from := ""
	if job.Progress.CurrentPage > 1 {
		from = fmt.Sprintf(" from page %d", job.Progress.CurrentPage)
	}
	fmt.Printf("%s %s guild %d %s%s\n", sym.PulseOpen, pterm.Cyan(job.ID[:8]), job.GuildID, job.Kind, from)
}

func (terminalEmitter) EmitProgress(job async.JobItem) {
	fmt.Printf("%s %s %s reports, %s fights (%.0f%%)\n", sym.Pulse, pterm.Gray(job.ID[:8]),
		humanize.Comma(int64(job.Progress.ReportsProcessed)),
		humanize.Comma(int64(job.Progress.FightsProcessed)),
		job.Percent())
}

func (terminalEmitter) EmitComplete(job async.JobItem) {
	fmt.Printf("%s %s %s done: %s reports, %s fights\n", sym.PulseClose, pterm.Green(job.ID[:8]), job.Kind,
		humanize.Comma(int64(job.Progress.ReportsProcessed)),
		humanize.Comma(int64(job.Progress.FightsProcessed)))
}

func (terminalEmitter) EmitError(job async.JobItem) {
	fmt.Printf("%s %s %s\n", sym.Pulse, pterm.Red(job.ID[:8]), jobError(job))
}

func (terminalEmitter) EmitPaused(job async.JobItem) {
	fmt.Printf("%s %s paused (%s) at page %d\n", sym.Pulse, pterm.Yellow(job.ID[:8]), job.PauseReason, job.Progress.CurrentPage)
}
