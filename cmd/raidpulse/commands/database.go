package commands

import (
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/teranos/raidpulse/am"
	"github.com/teranos/raidpulse/db"
	"github.com/teranos/raidpulse/errors"
	"github.com/teranos/raidpulse/logger"
)

// defaultDatabasePath is used when neither --db nor the config names one.
const defaultDatabasePath = "raidpulse.db"

// openDatabase opens and migrates a database using the specified path.
// If dbPath is empty, it loads from am config.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		path, err := am.GetDatabasePath()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get database path")
		}
		if path == "" {
			dbPath = defaultDatabasePath
		} else {
			dbPath = path
		}
	}

	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.WithHint(err, "pass --db or set database.path with `raidpulse am set`")
	}
	return database, nil
}

// databaseFlag reads the persistent --db flag.
func databaseFlag(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("db")
	return path
}
