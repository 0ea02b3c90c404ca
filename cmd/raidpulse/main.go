package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/raidpulse/cmd/raidpulse/commands"
	"github.com/teranos/raidpulse/errors"
	"github.com/teranos/raidpulse/logger"
)

var rootCmd = &cobra.Command{
	Use:   "raidpulse",
	Short: "raidpulse - guild raid progress ingestion and ranking",
	Long: `raidpulse - guild raid progress ingestion and ranking.

raidpulse pulls combat log summaries for tracked guilds from the log API,
turns boss attempts into raid progress, ranks guilds per raid and difficulty,
and infers when each guild raids.

Available commands:
  pulse  - Run the processor and refresh sweep ("꩜")
  queue  - Inspect and steer ingestion jobs
  guild  - Add, import and inspect guilds
  rank   - Recompute a ranking table
  am     - Manage configuration ("I am")
  db     - Manage the database

Examples:
  raidpulse guild add "Echo" "Tarren Mill" eu --rescan
  raidpulse pulse start
  raidpulse queue ls --status failed
  raidpulse rank 42 mythic`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Write logs as JSON")
	rootCmd.PersistentFlags().String("db", "", "Database path (defaults to the configured path)")

	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.QueueCmd)
	rootCmd.AddCommand(commands.GuildCmd)
	rootCmd.AddCommand(commands.RankCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
		}
		os.Exit(1)
	}
}
