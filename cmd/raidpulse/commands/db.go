package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/teranos/raidpulse/db"
	"github.com/teranos/raidpulse/errors"
	"github.com/teranos/raidpulse/pulse/budget"
	"github.com/teranos/raidpulse/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the raidpulse database",
	Long: sym.DB + ` db - Manage the raidpulse database

Examples:
  raidpulse db migrate     # Apply pending migrations
  raidpulse db stats       # Show row counts and applied migrations`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase(databaseFlag(cmd))
		if err != nil {
			return err
		}
		defer database.Close()

		versions, err := db.AppliedVersions(database)
		if err != nil {
			return err
		}
		fmt.Printf("%s Database is at migration %s (%d applied)\n", sym.DB, versions[len(versions)-1], len(versions))
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show row counts and applied migrations",
	RunE:  runDbStats,
}

var dbPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete rate limit ledger entries older than the budget window",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase(databaseFlag(cmd))
		if err != nil {
			return err
		}
		defer database.Close()

		n, err := budget.NewStore(database).Prune(context.Background(), budgetWindowStart())
		if err != nil {
			return err
		}
		fmt.Printf("%s Pruned %s ledger entries\n", sym.DB, humanize.Comma(n))
		return nil
	},
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
	DbCmd.AddCommand(dbPruneCmd)
}

// tableCounts lists the tables db stats counts, in display order.
var tableCounts = []struct {
	table string
	label string
}{
	{"guilds", "Guilds"},
	{"reports", "Reports"},
	{"fights", "Fights"},
	{"characters", "Characters"},
	{"raid_progress", "Progress rows"},
	{"boss_progress", "Boss rows"},
	{"schedule_slots", "Schedule slots"},
	{"job_items", "Jobs"},
	{"api_usage", "Ledger entries"},
}

func runDbStats(cmd *cobra.Command, args []string) error {
	database, err := openDatabase(databaseFlag(cmd))
	if err != nil {
		return err
	}
	defer database.Close()

	fmt.Printf("%s Database Statistics\n", sym.DB)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	for _, tc := range tableCounts {
		var n int64
		if err := database.QueryRow(`SELECT COUNT(*) FROM ` + tc.table).Scan(&n); err != nil {
			return errors.Wrapf(err, "failed to count %s", tc.table)
		}
		fmt.Printf("%-16s %s\n", tc.label+":", humanize.Comma(n))
	}

	points, calls, err := budget.NewStore(database).SpentSince(context.Background(), budgetWindowStart())
	if err != nil {
		return err
	}
	fmt.Printf("\nLast hour:       %s calls, %s points\n", humanize.Comma(int64(calls)), humanize.Comma(int64(points)))

	versions, err := db.AppliedVersions(database)
	if err != nil {
		return err
	}
	fmt.Printf("Migrations:      %v\n", versions)
	return nil
}

func budgetWindowStart() time.Time {
	return time.Now().UTC().Add(-budget.Window)
}
