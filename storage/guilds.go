package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/teranos/raidpulse/errors"
	"github.com/teranos/raidpulse/raid"
)

const guildColumns = `id, name, realm, region, unresolvable, unresolvable_reason,
	initial_fetch_done, last_fetched_at, last_report_at, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGuild(row rowScanner) (raid.Guild, error) {
	var (
		g           raid.Guild
		reason      sql.NullString
		lastFetched sql.NullTime
		lastReport  sql.NullTime
	)
	err := row.Scan(&g.ID, &g.Name, &g.Realm, &g.Region, &g.Unresolvable, &reason,
		&g.InitialFetchDone, &lastFetched, &lastReport, &g.CreatedAt)
	if err != nil {
		return raid.Guild{}, err
	}
	g.UnresolvableReason = reason.String
	g.LastFetchedAt = timePtr(lastFetched)
	g.LastReportAt = timePtr(lastReport)
	return g, nil
}

// AddGuild inserts a guild, or returns the existing one with the same name,
// realm and region. The boolean reports whether a new row was created.
func (s *Store) AddGuild(ctx context.Context, name, realm, region string) (raid.Guild, bool, error) {
	name, realm = strings.TrimSpace(name), strings.TrimSpace(realm)
	region = raid.NormalizeRegion(region)
	if name == "" || realm == "" || region == "" {
		return raid.Guild{}, false, errors.NewInvalidRequestError("guild needs name, realm and region (got %q, %q, %q)", name, realm, region)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO guilds (name, realm, region, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (name, realm, region) DO NOTHING`,
		name, realm, region, s.now())
	if err != nil {
		return raid.Guild{}, false, wrap(err, "insert guild")
	}
	created, _ := res.RowsAffected()

	g, err := s.FindGuild(ctx, name, realm, region)
	if err != nil {
		return raid.Guild{}, false, err
	}
	if g == nil {
		return raid.Guild{}, false, errors.NewNotFoundError("guild %s-%s vanished after insert", name, realm)
	}
	return *g, created > 0, nil
}

// Guild loads a guild by id.
func (s *Store) Guild(ctx context.Context, id int64) (raid.Guild, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+guildColumns+` FROM guilds WHERE id = ?`, id)
	g, err := scanGuild(row)
	if err == sql.ErrNoRows {
		return raid.Guild{}, errors.NewNotFoundError("guild %d", id)
	}
	if err != nil {
		return raid.Guild{}, errors.WithDetail(wrap(err, "load guild"), fmt.Sprintf("Guild ID: %d", id))
	}
	return g, nil
}

// FindGuild looks a guild up by its natural key. Returns nil, nil when absent.
func (s *Store) FindGuild(ctx context.Context, name, realm, region string) (*raid.Guild, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+guildColumns+` FROM guilds
		WHERE name = ? AND realm = ? AND region = ?`,
		strings.TrimSpace(name), strings.TrimSpace(realm), raid.NormalizeRegion(region))
	g, err := scanGuild(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(err, "find guild")
	}
	return &g, nil
}

// ListGuilds returns every guild ordered by name.
func (s *Store) ListGuilds(ctx context.Context) ([]raid.Guild, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+guildColumns+` FROM guilds ORDER BY name, realm, region`)
	if err != nil {
		return nil, wrap(err, "list guilds")
	}
	defer rows.Close()

	var guilds []raid.Guild
	for rows.Next() {
		g, err := scanGuild(rows)
		if err != nil {
			return nil, wrap(err, "scan guild")
		}
		guilds = append(guilds, g)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "iterate guilds")
	}
	return guilds, nil
}

// MarkUnresolvable flags a guild the log API cannot find.
func (s *Store) MarkUnresolvable(ctx context.Context, id int64, reason string) error {
	return s.execOne(ctx, `UPDATE guilds SET unresolvable = 1, unresolvable_reason = ? WHERE id = ?`,
		"mark guild unresolvable", id, reason, id)
}

// ClearUnresolvable lifts the flag, e.g. after the guild was renamed back.
func (s *Store) ClearUnresolvable(ctx context.Context, id int64) error {
	return s.execOne(ctx, `UPDATE guilds SET unresolvable = 0, unresolvable_reason = NULL WHERE id = ?`,
		"clear guild unresolvable", id, id)
}

// MarkFetched records a finished fetch; initial marks the first full rescan done.
func (s *Store) MarkFetched(ctx context.Context, id int64, at time.Time, lastReport *time.Time, initial bool) error {
	return s.execOne(ctx, `
		UPDATE guilds SET
			last_fetched_at = ?,
			last_report_at = COALESCE(?, last_report_at),
			initial_fetch_done = MAX(initial_fetch_done, ?)
		WHERE id = ?`,
		"mark guild fetched", id, at.UTC(), nullTime(lastReport), boolInt(initial), id)
}

// DeleteGuild removes a guild and, through cascades, everything ingested for it.
func (s *Store) DeleteGuild(ctx context.Context, id int64) error {
	return s.execOne(ctx, `DELETE FROM guilds WHERE id = ?`, "delete guild", id, id)
}

// execOne runs an update that must touch exactly one guild row.
func (s *Store) execOne(ctx context.Context, query, what string, id int64, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.WithDetail(wrap(err, what), fmt.Sprintf("Guild ID: %d", id))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("guild %d", id)
	}
	return nil
}
