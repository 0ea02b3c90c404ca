package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/raidpulse/am"
	"github.com/teranos/raidpulse/pulse/async"
	"github.com/teranos/raidpulse/errors"
	"github.com/teranos/raidpulse/logger"
	"github.com/teranos/raidpulse/raid"
	"github.com/teranos/raidpulse/ranking"
	"github.com/teranos/raidpulse/stats"
	"github.com/teranos/raidpulse/storage"
	"github.com/teranos/raidpulse/sym"
)

// RankCmd recomputes ranking tables
var RankCmd = &cobra.Command{
	Use:   "rank [raid-id difficulty]",
	Short: sym.Rank + " Recompute and show a ranking table",
	Long: sym.Rank + ` Recompute ranking tables from stored progress.

With no arguments every tracked raid and difficulty is ranked. The daemon
ranks on its own after ingestion; this command is for repairs and inspection.

Examples:
  raidpulse rank                 # Rank every tracked table
  raidpulse rank 42 mythic       # Rank and print one table
  raidpulse rank 42 m --top 50`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 && len(args) != 2 {
			return errors.NewInvalidRequestError("rank takes no arguments or <raid-id> <difficulty>")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		top, _ := cmd.Flags().GetInt("top")
		keys, err := rankKeys(args)
		if err != nil {
			return err
		}
		return withQueue(databaseFlag(cmd), func(ctx context.Context, _ *async.Queue, store *storage.Store) error {
			return runRank(ctx, store, keys, len(args) == 2, top)
		})
	},
}

func init() {
	RankCmd.Flags().Int("top", 20, "Placements to print for a single table")
}

// rankKeys turns arguments into tables, or lists every tracked table.
func rankKeys(args []string) ([]stats.Key, error) {
	if len(args) == 2 {
		raidID, err := strconv.Atoi(args[0])
		if err != nil {
			return nil, errors.NewInvalidRequestError("raid id must be a number, got %q", args[0])
		}
		d, err := raid.ParseDifficulty(args[1])
		if err != nil {
			return nil, err
		}
		return []stats.Key{{RaidID: raidID, Difficulty: d}}, nil
	}

	cfg, err := am.Load()
	if err != nil {
		return nil, err
	}
	raids, err := raid.RaidsFromConfig(cfg.Raids)
	if err != nil {
		return nil, err
	}
	var keys []stats.Key
	for _, r := range raids {
		for _, d := range r.Difficulties {
			keys = append(keys, stats.Key{RaidID: r.ID, Difficulty: d})
		}
	}
	return keys, nil
}

func runRank(ctx context.Context, store *storage.Store, keys []stats.Key, show bool, top int) error {
	runner := ranking.NewRunner(store, 0, logger.Logger)
	for _, k := range keys {
		placements, err := runner.Run(ctx, k)
		if err != nil {
			return err
		}
		fmt.Printf("%s raid %d %s: %d guild(s) ranked\n", sym.Rank, k.RaidID, k.Difficulty, len(placements))
		if !show {
			continue
		}
		for i, p := range placements {
			if i >= top {
				break
			}
			fmt.Printf("  %s %s\n", pterm.Cyan(fmt.Sprintf("#%-4d", p.Rank)), p.Guild)
		}
	}
	return nil
}
