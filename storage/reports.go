package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/teranos/raidpulse/errors"
	"github.com/teranos/raidpulse/raid"
)

// UpsertReport inserts a report or refreshes its mutable fields.
func (s *Store) UpsertReport(ctx context.Context, r raid.Report) error {
	if r.Code == "" {
		return errors.NewInvalidRequestError("report without code")
	}
	seen := r.LastSeenAt
	if seen.IsZero() {
		seen = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (code, guild_id, zone_id, title, start_ms, end_ms, ongoing, fight_count, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (code) DO UPDATE SET
			zone_id = excluded.zone_id,
			title = excluded.title,
			end_ms = excluded.end_ms,
			ongoing = excluded.ongoing,
			fight_count = excluded.fight_count,
			last_seen_at = excluded.last_seen_at`,
		r.Code, r.GuildID, r.ZoneID, r.Title, toMS(r.Start), toMS(r.End),
		boolInt(r.Ongoing()), r.FightCount, seen.UTC())
	if err != nil {
		return errors.WithDetail(wrap(err, "upsert report"), fmt.Sprintf("Report: %s", r.Code))
	}
	return nil
}

const reportColumns = `code, guild_id, zone_id, title, start_ms, end_ms, fight_count, last_seen_at`

func scanReport(row rowScanner) (raid.Report, error) {
	var (
		r              raid.Report
		startMS, endMS int64
	)
	if err := row.Scan(&r.Code, &r.GuildID, &r.ZoneID, &r.Title, &startMS, &endMS, &r.FightCount, &r.LastSeenAt); err != nil {
		return raid.Report{}, err
	}
	r.Start, r.End = fromMS(startMS), fromMS(endMS)
	return r, nil
}

// Report loads a report by code. Returns nil, nil when it is unknown.
func (s *Store) Report(ctx context.Context, code string) (*raid.Report, error) {
	r, err := scanReport(s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE code = ?`, code))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithDetail(wrap(err, "load report"), fmt.Sprintf("Report: %s", code))
	}
	return &r, nil
}

// Reports lists a guild's reports, newest first. limit <= 0 returns all.
func (s *Store) Reports(ctx context.Context, guildID int64, limit int) ([]raid.Report, error) {
	query := `SELECT ` + reportColumns + ` FROM reports WHERE guild_id = ? ORDER BY start_ms DESC, code`
	args := []interface{}{guildID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(err, "list reports")
	}
	defer rows.Close()

	var reports []raid.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, wrap(err, "scan report")
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "iterate reports")
	}
	return reports, nil
}

// StoredFightCount counts persisted fights of a report.
func (s *Store) StoredFightCount(ctx context.Context, code string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fights WHERE report_code = ?`, code).Scan(&n); err != nil {
		return 0, wrap(err, "count fights")
	}
	return n, nil
}

// InsertFights stores new attempts in one transaction. Existing attempts are
// left untouched; death data is attached separately with AttachDeaths.
// Returns how many rows were new.
func (s *Store) InsertFights(ctx context.Context, fights []raid.Fight) (int, error) {
	if len(fights) == 0 {
		return 0, nil
	}
	inserted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO fights (report_code, fight_id, guild_id, encounter_id, encounter_name, difficulty,
				kill, boss_pct, fight_pct, duration_ms, last_phase, last_phase_intermission,
				start_ms, end_ms, deaths)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (report_code, fight_id) DO NOTHING`)
		if err != nil {
			return wrap(err, "prepare fight insert")
		}
		defer stmt.Close()

		for _, f := range fights {
			deaths, err := encodeDeaths(f)
			if err != nil {
				return err
			}
			res, err := stmt.ExecContext(ctx, f.ReportCode, f.FightID, f.GuildID, f.EncounterID, f.EncounterName,
				int(f.Difficulty), boolInt(f.Kill), f.BossPct, f.FightPct, f.Duration.Milliseconds(),
				f.LastPhase, boolInt(f.LastPhaseIntermission), toMS(f.Start), toMS(f.End), deaths)
			if err != nil {
				return errors.WithDetail(wrap(err, "insert fight"), fmt.Sprintf("Fight: %s", f.Key()))
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		return nil
	})
	return inserted, err
}

func encodeDeaths(f raid.Fight) (sql.NullString, error) {
	if !f.DeathsFetched {
		return sql.NullString{}, nil
	}
	deaths := f.Deaths
	if deaths == nil {
		deaths = []raid.Death{}
	}
	data, err := json.Marshal(deaths)
	if err != nil {
		return sql.NullString{}, errors.Wrapf(err, "encode deaths of %s", f.Key())
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// AttachDeaths records death events for attempts of one report. Attempts in
// fightIDs without an entry in deaths are stored as having no deaths.
func (s *Store) AttachDeaths(ctx context.Context, code string, fightIDs []int, deaths map[int][]raid.Death) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range fightIDs {
			enc, err := encodeDeaths(raid.Fight{ReportCode: code, FightID: id, Deaths: deaths[id], DeathsFetched: true})
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE fights SET deaths = ? WHERE report_code = ? AND fight_id = ?`,
				enc, code, id); err != nil {
				return errors.WithDetail(wrap(err, "attach deaths"), fmt.Sprintf("Report: %s, fight %d", code, id))
			}
		}
		return nil
	})
}

// FightQuery selects persisted fights for one guild.
type FightQuery struct {
	GuildID      int64
	EncounterIDs []int           // empty selects every encounter
	Difficulty   raid.Difficulty // zero selects every difficulty
	Since        time.Time       // inclusive, zero for no lower bound
	Until        time.Time       // exclusive, zero for no upper bound
	MissingDeath bool            // only attempts without death data
}

// Fights returns matching attempts ordered by start time, report, fight id.
func (s *Store) Fights(ctx context.Context, q FightQuery) ([]raid.Fight, error) {
	var (
		where = []string{"guild_id = ?"}
		args  = []interface{}{q.GuildID}
	)
	if len(q.EncounterIDs) > 0 {
		where = append(where, "encounter_id IN ("+placeholders(len(q.EncounterIDs))+")")
		for _, id := range q.EncounterIDs {
			args = append(args, id)
		}
	}
	if q.Difficulty != 0 {
		where = append(where, "difficulty = ?")
		args = append(args, int(q.Difficulty))
	}
	if !q.Since.IsZero() {
		where = append(where, "start_ms >= ?")
		args = append(args, toMS(q.Since))
	}
	if !q.Until.IsZero() {
		where = append(where, "start_ms < ?")
		args = append(args, toMS(q.Until))
	}
	if q.MissingDeath {
		where = append(where, "deaths IS NULL")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT report_code, fight_id, guild_id, encounter_id, encounter_name, difficulty, kill,
			boss_pct, fight_pct, duration_ms, last_phase, last_phase_intermission, start_ms, end_ms, deaths
		FROM fights WHERE `+strings.Join(where, " AND ")+`
		ORDER BY start_ms, report_code, fight_id`, args...)
	if err != nil {
		return nil, wrap(err, "query fights")
	}
	defer rows.Close()

	var fights []raid.Fight
	for rows.Next() {
		var (
			f              raid.Fight
			difficulty     int
			durationMS     int64
			startMS, endMS int64
			deaths         sql.NullString
		)
		if err := rows.Scan(&f.ReportCode, &f.FightID, &f.GuildID, &f.EncounterID, &f.EncounterName,
			&difficulty, &f.Kill, &f.BossPct, &f.FightPct, &durationMS, &f.LastPhase,
			&f.LastPhaseIntermission, &startMS, &endMS, &deaths); err != nil {
			return nil, wrap(err, "scan fight")
		}
		f.Difficulty = raid.Difficulty(difficulty)
		f.Duration = time.Duration(durationMS) * time.Millisecond
		f.Start, f.End = fromMS(startMS), fromMS(endMS)
		if deaths.Valid {
			f.DeathsFetched = true
			if err := json.Unmarshal([]byte(deaths.String), &f.Deaths); err != nil {
				return nil, errors.Wrapf(err, "decode deaths of %s", f.Key())
			}
		}
		fights = append(fights, f)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "iterate fights")
	}
	return fights, nil
}

// UpsertCharacters records players seen in a guild's reports. A character's
// class and last sighting only move forward in time.
func (s *Store) UpsertCharacters(ctx context.Context, chars []raid.Character) error {
	if len(chars) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range chars {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO characters (guild_id, name, realm, class, last_report_code, last_seen_ms)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT (guild_id, name, realm) DO UPDATE SET
					class = CASE WHEN excluded.last_seen_ms >= characters.last_seen_ms THEN excluded.class ELSE characters.class END,
					last_report_code = CASE WHEN excluded.last_seen_ms >= characters.last_seen_ms THEN excluded.last_report_code ELSE characters.last_report_code END,
					last_seen_ms = MAX(characters.last_seen_ms, excluded.last_seen_ms)`,
				c.GuildID, c.Name, c.Realm, c.Class, c.LastReportCode, toMS(c.LastSeen))
			if err != nil {
				return errors.WithDetail(wrap(err, "upsert character"), fmt.Sprintf("Character: %s-%s", c.Name, c.Realm))
			}
		}
		return nil
	})
}

// Characters lists a guild's known players, most recently seen first.
func (s *Store) Characters(ctx context.Context, guildID int64) ([]raid.Character, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT guild_id, name, realm, class, last_report_code, last_seen_ms
		FROM characters WHERE guild_id = ? ORDER BY last_seen_ms DESC, name`, guildID)
	if err != nil {
		return nil, wrap(err, "list characters")
	}
	defer rows.Close()

	var chars []raid.Character
	for rows.Next() {
		var (
			c      raid.Character
			seenMS int64
		)
		if err := rows.Scan(&c.GuildID, &c.Name, &c.Realm, &c.Class, &c.LastReportCode, &seenMS); err != nil {
			return nil, wrap(err, "scan character")
		}
		c.LastSeen = fromMS(seenMS)
		chars = append(chars, c)
	}
	return chars, wrapIter(rows.Err(), "iterate characters")
}

func wrapIter(err error, msg string) error {
	if err == nil {
		return nil
	}
	return wrap(err, msg)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
