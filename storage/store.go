// Package storage persists guilds, ingested reports and fights, derived
// progress, and inferred schedules in SQLite. Every write is an upsert keyed by
// the record's natural key, so ingestion steps can be re-run safely.
package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/raidpulse/errors"
)

// ErrStorage marks failures of the database itself, as opposed to missing rows.
var ErrStorage = errors.New("storage error")

// Store is the SQLite-backed persistence layer.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a Store on an open, migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// DB exposes the underlying handle for components that share the database.
func (s *Store) DB() *sql.DB {
	return s.db
}

// wrap annotates a database failure and marks it as ErrStorage.
func wrap(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrStorage)
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrap(err, "commit transaction")
	}
	return nil
}

func toMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
