package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/raidpulse/am"
	"github.com/teranos/raidpulse/errors"
	"github.com/teranos/raidpulse/pulse/async"
	"github.com/teranos/raidpulse/raid"
	"github.com/teranos/raidpulse/storage"
	"github.com/teranos/raidpulse/sym"
)

// GuildCmd represents the guild command
var GuildCmd = &cobra.Command{
	Use:   "guild",
	Short: "Add, import and inspect tracked guilds",
	Long: `Tracked guilds.

Examples:
  raidpulse guild add "Echo" "Tarren Mill" eu --rescan
  raidpulse guild import roster-eu.json roster-us.json --rescan
  raidpulse guild ls
  raidpulse guild progress 12
  raidpulse guild schedule 12`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// GuildAddCmd adds one guild
var GuildAddCmd = &cobra.Command{
	Use:   "add <name> <realm> <region>",
	Short: "Add a guild",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		rescan, _ := cmd.Flags().GetBool("rescan")
		return withQueue(databaseFlag(cmd), func(ctx context.Context, q *async.Queue, store *storage.Store) error {
			g, created, err := store.AddGuild(ctx, args[0], args[1], args[2])
			if err != nil {
				return err
			}
			if created {
				pterm.Success.Printf("Added %s as guild %d\n", g, g.ID)
			} else {
				pterm.Info.Printf("%s is already guild %d\n", g, g.ID)
			}
			if rescan {
				return enqueueRescans(ctx, q, []raid.Guild{g})
			}
			return nil
		})
	},
}

// GuildImportCmd imports guild rosters
var GuildImportCmd = &cobra.Command{
	Use:   "import <file.json>...",
	Short: "Import guilds from JSON roster files",
	Long: `Import guilds from JSON roster files. Each file holds an array of
{"name", "realm", "region"} objects. A guild listed twice under the same name
and realm is imported once; the first occurrence wins.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rescan, _ := cmd.Flags().GetBool("rescan")
		entries, dupes, err := readRosters(args)
		if err != nil {
			return err
		}
		return withQueue(databaseFlag(cmd), func(ctx context.Context, q *async.Queue, store *storage.Store) error {
			added, known, guilds, err := importRoster(ctx, store, entries)
			if err != nil {
				return err
			}
			pterm.Success.Printf("Imported %d guild(s): %d new, %d known, %d duplicate(s) skipped\n",
				len(entries), added, known, dupes)
			if rescan {
				return enqueueRescans(ctx, q, guilds)
			}
			return nil
		})
	},
}

// GuildLsCmd lists guilds
var GuildLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List guilds",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(databaseFlag(cmd), func(ctx context.Context, _ *async.Queue, store *storage.Store) error {
			guilds, err := store.ListGuilds(ctx)
			if err != nil {
				return err
			}
			if len(guilds) == 0 {
				pterm.Info.Println("No guilds yet. Add one with 'raidpulse guild add'")
				return nil
			}
			rows := pterm.TableData{{"ID", "Guild", "Fetched", "Last report", "State"}}
			for _, g := range guilds {
				rows = append(rows, []string{
					strconv.FormatInt(g.ID, 10),
					g.String(),
					whenOrNever(g.LastFetchedAt),
					whenOrNever(g.LastReportAt),
					guildState(g),
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
		})
	},
}

// GuildProgressCmd shows a guild's raid progress
var GuildProgressCmd = &cobra.Command{
	Use:   "progress <guild-id>",
	Short: "Show a guild's raid progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		guildID, err := parseGuildID(args[0])
		if err != nil {
			return err
		}
		return withQueue(databaseFlag(cmd), func(ctx context.Context, _ *async.Queue, store *storage.Store) error {
			g, err := store.Guild(ctx, guildID)
			if err != nil {
				return err
			}
			progress, err := store.GuildProgress(ctx, guildID)
			if err != nil {
				return err
			}
			names := raidNames()
			pterm.DefaultSection.Println(g.String())
			if len(progress) == 0 {
				pterm.Info.Println("No progress recorded")
				return nil
			}
			for _, p := range progress {
				printProgress(p, names[p.RaidID])
			}
			return nil
		})
	},
}

// GuildScheduleCmd shows a guild's inferred raid schedule
var GuildScheduleCmd = &cobra.Command{
	Use:   "schedule <guild-id>",
	Short: sym.Schedule + " Show a guild's inferred raid schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		guildID, err := parseGuildID(args[0])
		if err != nil {
			return err
		}
		return withQueue(databaseFlag(cmd), func(ctx context.Context, _ *async.Queue, store *storage.Store) error {
			slots, err := store.Schedule(ctx, guildID)
			if err != nil {
				return err
			}
			if len(slots) == 0 {
				pterm.Info.Println("No schedule inferred yet")
				return nil
			}
			for _, s := range slots {
				fmt.Printf("  %s %s  %s\n", sym.Schedule, s, pterm.Gray(fmt.Sprintf("(%d nights)", s.Occurrences)))
			}
			return nil
		})
	},
}

// GuildResolveCmd clears the unresolvable flag
var GuildResolveCmd = &cobra.Command{
	Use:   "resolve <guild-id>",
	Short: "Clear a guild's unresolvable flag after fixing its name or realm",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		guildID, err := parseGuildID(args[0])
		if err != nil {
			return err
		}
		return withQueue(databaseFlag(cmd), func(ctx context.Context, _ *async.Queue, store *storage.Store) error {
			if err := store.ClearUnresolvable(ctx, guildID); err != nil {
				return err
			}
			pterm.Success.Printf("Guild %d can be fetched again\n", guildID)
			return nil
		})
	},
}

// GuildRmCmd deletes a guild
var GuildRmCmd = &cobra.Command{
	Use:   "rm <guild-id>",
	Short: "Delete a guild with its reports, progress and jobs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		guildID, err := parseGuildID(args[0])
		if err != nil {
			return err
		}
		return withQueue(databaseFlag(cmd), func(ctx context.Context, _ *async.Queue, store *storage.Store) error {
			if err := store.DeleteGuild(ctx, guildID); err != nil {
				return err
			}
			pterm.Success.Printf("Deleted guild %d\n", guildID)
			return nil
		})
	},
}

func init() {
	GuildAddCmd.Flags().Bool("rescan", false, "Queue a full rescan for the guild")
	GuildImportCmd.Flags().Bool("rescan", false, "Queue a full rescan for every imported guild")

	GuildCmd.AddCommand(GuildAddCmd)
	GuildCmd.AddCommand(GuildImportCmd)
	GuildCmd.AddCommand(GuildLsCmd)
	GuildCmd.AddCommand(GuildProgressCmd)
	GuildCmd.AddCommand(GuildScheduleCmd)
	GuildCmd.AddCommand(GuildResolveCmd)
	GuildCmd.AddCommand(GuildRmCmd)
}

// rosterEntry is one guild in a roster file.
type rosterEntry struct {
	Name   string `json:"name"`
	Realm  string `json:"realm"`
	Region string `json:"region"`
}

// readRosters reads roster files in order and drops repeated name+realm
// pairs, keeping the first. It returns the number of entries dropped.
func readRosters(paths []string) ([]rosterEntry, int, error) {
	var (
		out   []rosterEntry
		dupes int
	)
	seen := make(map[string]bool)
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "read roster %s", path)
		}
		var entries []rosterEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, 0, errors.WithHint(
				errors.Wrapf(err, "parse roster %s", path),
				`a roster is a JSON array of {"name", "realm", "region"} objects`)
		}
		for i, e := range entries {
			if strings.TrimSpace(e.Name) == "" || strings.TrimSpace(e.Realm) == "" {
				return nil, 0, errors.NewInvalidRequestError("%s: entry %d needs a name and a realm", path, i)
			}
			key := strings.ToLower(strings.TrimSpace(e.Name)) + "\x00" + strings.ToLower(strings.TrimSpace(e.Realm))
			if seen[key] {
				dupes++
				continue
			}
			seen[key] = true
			out = append(out, e)
		}
	}
	return out, dupes, nil
}

// importRoster adds every entry, returning how many were new and known.
func importRoster(ctx context.Context, store *storage.Store, entries []rosterEntry) (added, known int, guilds []raid.Guild, err error) {
	for _, e := range entries {
		g, created, err := store.AddGuild(ctx, e.Name, e.Realm, e.Region)
		if err != nil {
			return added, known, guilds, errors.Wrapf(err, "import %s-%s", e.Name, e.Realm)
		}
		if created {
			added++
		} else {
			known++
		}
		guilds = append(guilds, g)
	}
	return added, known, guilds, nil
}

// enqueueRescans queues a full rescan for each resolvable guild.
func enqueueRescans(ctx context.Context, q *async.Queue, guilds []raid.Guild) error {
	cfg, err := am.Load()
	if err != nil {
		return err
	}
	priority := priorityFor(cfg, async.KindFullRescan)
	queued := 0
	for _, g := range guilds {
		if g.Unresolvable {
			pterm.Warning.Printf("Skipping %s: %s\n", g, g.UnresolvableReason)
			continue
		}
		_, created, err := q.Enqueue(ctx, g.ID, async.KindFullRescan, priority)
		if err != nil {
			return err
		}
		if created {
			queued++
		}
	}
	pterm.Success.Printf("%s Queued %d full rescan(s)\n", sym.IX, queued)
	return nil
}

func printProgress(p raid.RaidProgress, raidName string) {
	if raidName == "" {
		raidName = fmt.Sprintf("raid %d", p.RaidID)
	}
	rank := "unranked"
	if p.Rank != nil {
		rank = fmt.Sprintf("#%d", *p.Rank)
	}
	fmt.Printf("%s %s %s  %d/%d  %s\n", sym.Rank, raidName, p.Difficulty, p.BossesDefeated, p.TotalBosses, pterm.Cyan(rank))
	for _, b := range p.Bosses {
		if b.Killed() {
			when := ""
			if b.FirstKill != nil {
				when = humanize.Time(b.FirstKill.At) + " "
			}
			fmt.Printf("  %s %-28s killed %safter %d pulls, %d kill(s)\n",
				pterm.Green("✓"), b.EncounterName, when, b.Pulls, b.Kills)
			continue
		}
		if b.Pulls == 0 {
			fmt.Printf("  %s %-28s\n", pterm.Gray("·"), b.EncounterName)
			continue
		}
		best := fmt.Sprintf("best %.1f%%", b.BestPercent)
		if b.BestPull != nil && b.BestPull.Phase != "" {
			best += " in " + b.BestPull.Phase
		}
		fmt.Printf("  %s %-28s %d pulls, %s\n", pterm.Red("✗"), b.EncounterName, b.Pulls, best)
	}
}

// raidNames maps tracked raid ids to names, empty when the config is unreadable.
func raidNames() map[int]string {
	names := make(map[int]string)
	cfg, err := am.Load()
	if err != nil {
		return names
	}
	for _, r := range cfg.Raids {
		names[r.ID] = r.Name
	}
	return names
}

func whenOrNever(t *time.Time) string {
	if t == nil || t.IsZero() {
		return pterm.Gray("never")
	}
	return humanize.Time(*t)
}

func guildState(g raid.Guild) string {
	switch {
	case g.Unresolvable:
		return pterm.Red("unresolvable: " + g.UnresolvableReason)
	case !g.InitialFetchDone:
		return pterm.Yellow("awaiting full rescan")
	}
	return pterm.Green("tracked")
}
