package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/raidpulse/errors"
	"github.com/teranos/raidpulse/logger"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

const migrationDir = "sqlite/migrations"

// Migration is one embedded schema step. Files are named NNN_description.sql
// and run in version order.
type Migration struct {
	Version string
	File    string
}

// Migrate applies every embedded migration not yet recorded in
// schema_migrations, each in its own transaction. A nil log is silent.
func Migrate(db *sql.DB, log *zap.SugaredLogger) error {
	pending, err := Pending(db)
	if err != nil {
		return err
	}
	if log != nil {
		log = logger.AddDBSymbol(log)
	}

	start := time.Now()
	for _, m := range pending {
		if log != nil {
			log.Infow("Applying migration", "version", m.Version, "migration", m.File)
		}
		if err := apply(db, m); err != nil {
			return err
		}
	}
	if log != nil && len(pending) > 0 {
		log.Infow("Schema up to date",
			"applied", len(pending),
			logger.FieldDurationMS, time.Since(start).Milliseconds())
	}
	return nil
}

// Pending lists the embedded migrations the database has not recorded yet.
func Pending(db *sql.DB) ([]Migration, error) {
	all, err := embedded()
	if err != nil {
		return nil, err
	}
	applied, err := AppliedVersions(db)
	if err != nil && !isMissingTable(err) {
		return nil, err
	}
	done := make(map[string]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	var out []Migration
	for _, m := range all {
		if !done[m.Version] {
			out = append(out, m)
		}
	}
	// schema_migrations comes from 000; without it nothing can be recorded
	if len(applied) == 0 && len(out) > 0 && out[0].Version != "000" {
		return nil, errors.Newf("schema_migrations missing and first pending migration is %s", out[0].File)
	}
	return out, nil
}

func apply(db *sql.DB, m Migration) error {
	body, err := migrations.ReadFile(path.Join(migrationDir, m.File))
	if err != nil {
		return errors.Wrapf(err, "read %s", m.File)
	}
	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin %s", m.File)
	}
	if _, err := tx.Exec(string(body)); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "execute %s", m.File)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.Version); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "record %s", m.File)
	}
	return errors.Wrapf(tx.Commit(), "commit %s", m.File)
}

// AppliedVersions lists the migration versions recorded in schema_migrations.
func AppliedVersions(db *sql.DB) ([]string, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		if IsDatabaseClosed(err) {
			return nil, errors.Mark(errors.Wrap(err, "read applied migrations"), ErrDatabaseClosed)
		}
		return nil, errors.Wrap(err, "read applied migrations")
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "scan migration version")
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func embedded() ([]Migration, error) {
	entries, err := migrations.ReadDir(migrationDir)
	if err != nil {
		return nil, errors.Wrap(err, "read embedded migrations")
	}
	var out []Migration
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, _, _ := strings.Cut(name, "_")
		out = append(out, Migration{Version: version, File: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func isMissingTable(err error) bool {
	return strings.Contains(err.Error(), "no such table")
}
