package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/teranos/raidpulse/errors"
	"github.com/teranos/raidpulse/raid"
)

// ReplaceRaidProgress persists a freshly computed progress record, replacing
// the previous one and all of its boss rows.
func (s *Store) ReplaceRaidProgress(ctx context.Context, p raid.RaidProgress) error {
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}
	detail := fmt.Sprintf("Guild ID: %d, raid %d, %s", p.GuildID, p.RaidID, p.Difficulty)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO raid_progress (guild_id, raid_id, difficulty, bosses_defeated, total_bosses, total_time_ms, guild_rank, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (guild_id, raid_id, difficulty) DO UPDATE SET
				bosses_defeated = excluded.bosses_defeated,
				total_bosses = excluded.total_bosses,
				total_time_ms = excluded.total_time_ms,
				guild_rank = excluded.guild_rank,
				updated_at = excluded.updated_at`,
			p.GuildID, p.RaidID, int(p.Difficulty), p.BossesDefeated, p.TotalBosses,
			p.TotalTime.Milliseconds(), nullInt(p.Rank), updated.UTC())
		if err != nil {
			return errors.WithDetail(wrap(err, "upsert raid progress"), detail)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM boss_progress WHERE guild_id = ? AND raid_id = ? AND difficulty = ?`,
			p.GuildID, p.RaidID, int(p.Difficulty)); err != nil {
			return errors.WithDetail(wrap(err, "clear boss progress"), detail)
		}

		for _, b := range p.Bosses {
			history, err := json.Marshal(nonNilPulls(b.PullHistory))
			if err != nil {
				return errors.Wrapf(err, "encode pull history of encounter %d", b.EncounterID)
			}
			var (
				killMS     sql.NullInt64
				killReport sql.NullString
				killFight  sql.NullInt64
				killOrder  sql.NullInt64
				phase      string
				bestBoss   sql.NullFloat64
				bestFight  sql.NullFloat64
			)
			if b.FirstKill != nil {
				killMS = sql.NullInt64{Int64: toMS(b.FirstKill.At), Valid: true}
				killReport = sql.NullString{String: b.FirstKill.ReportCode, Valid: true}
				killFight = sql.NullInt64{Int64: int64(b.FirstKill.FightID), Valid: true}
			}
			if b.KillOrder > 0 {
				killOrder = sql.NullInt64{Int64: int64(b.KillOrder), Valid: true}
			}
			if b.BestPull != nil {
				phase = b.BestPull.Phase
				bestBoss = sql.NullFloat64{Float64: b.BestPull.BossPct, Valid: true}
				bestFight = sql.NullFloat64{Float64: b.BestPull.FightPct, Valid: true}
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO boss_progress (guild_id, raid_id, difficulty, encounter_id, encounter_name, position,
					kills, pulls, best_percent, time_spent_ms, first_kill_ms, first_kill_report, first_kill_fight,
					kill_order, best_pull_phase, best_pull_boss_pct, best_pull_fight_pct, pull_history)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				p.GuildID, p.RaidID, int(p.Difficulty), b.EncounterID, b.EncounterName, b.Position,
				b.Kills, b.Pulls, b.BestPercent, b.TimeSpent.Milliseconds(), killMS, killReport, killFight,
				killOrder, phase, bestBoss, bestFight, string(history))
			if err != nil {
				return errors.WithDetail(wrap(err, "insert boss progress"),
					fmt.Sprintf("%s, encounter %d", detail, b.EncounterID))
			}
		}
		return nil
	})
}

func nonNilPulls(p []raid.Pull) []raid.Pull {
	if p == nil {
		return []raid.Pull{}
	}
	return p
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

// RaidProgress loads one progress record with its bosses. Returns nil, nil
// when the guild has none for that raid and difficulty.
func (s *Store) RaidProgress(ctx context.Context, guildID int64, raidID int, d raid.Difficulty) (*raid.RaidProgress, error) {
	all, err := s.queryProgress(ctx, `WHERE rp.guild_id = ? AND rp.raid_id = ? AND rp.difficulty = ?`,
		guildID, raidID, int(d))
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	return &all[0], nil
}

// GuildProgress lists every progress record of a guild.
func (s *Store) GuildProgress(ctx context.Context, guildID int64) ([]raid.RaidProgress, error) {
	return s.queryProgress(ctx, `WHERE rp.guild_id = ?`, guildID)
}

// Standings returns every guild with progress in a raid at a difficulty,
// paired with its guild record, for a ranking pass.
func (s *Store) Standings(ctx context.Context, raidID int, d raid.Difficulty) ([]raid.Standing, error) {
	progress, err := s.queryProgress(ctx, `WHERE rp.raid_id = ? AND rp.difficulty = ?`, raidID, int(d))
	if err != nil {
		return nil, err
	}
	out := make([]raid.Standing, 0, len(progress))
	for _, p := range progress {
		g, err := s.Guild(ctx, p.GuildID)
		if err != nil {
			return nil, err
		}
		out = append(out, raid.Standing{Guild: g, Progress: p})
	}
	return out, nil
}

func (s *Store) queryProgress(ctx context.Context, where string, args ...interface{}) ([]raid.RaidProgress, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rp.guild_id, rp.raid_id, rp.difficulty, rp.bosses_defeated, rp.total_bosses,
			rp.total_time_ms, rp.guild_rank, rp.updated_at
		FROM raid_progress rp `+where+`
		ORDER BY rp.guild_id, rp.raid_id, rp.difficulty`, args...)
	if err != nil {
		return nil, wrap(err, "query raid progress")
	}

	var out []raid.RaidProgress
	for rows.Next() {
		var (
			p          raid.RaidProgress
			difficulty int
			totalMS    int64
			rank       sql.NullInt64
		)
		if err := rows.Scan(&p.GuildID, &p.RaidID, &difficulty, &p.BossesDefeated, &p.TotalBosses,
			&totalMS, &rank, &p.UpdatedAt); err != nil {
			rows.Close()
			return nil, wrap(err, "scan raid progress")
		}
		p.Difficulty = raid.Difficulty(difficulty)
		p.TotalTime = time.Duration(totalMS) * time.Millisecond
		if rank.Valid {
			r := int(rank.Int64)
			p.Rank = &r
		}
		out = append(out, p)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, wrap(err, "iterate raid progress")
	}

	// Boss rows are loaded after the outer cursor is closed; the test database
	// runs on a single connection.
	for i := range out {
		bosses, err := s.bossProgress(ctx, out[i].GuildID, out[i].RaidID, out[i].Difficulty)
		if err != nil {
			return nil, err
		}
		out[i].Bosses = bosses
	}
	return out, nil
}

func (s *Store) bossProgress(ctx context.Context, guildID int64, raidID int, d raid.Difficulty) ([]raid.BossProgress, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT encounter_id, encounter_name, position, kills, pulls, best_percent, time_spent_ms,
			first_kill_ms, first_kill_report, first_kill_fight, kill_order,
			best_pull_phase, best_pull_boss_pct, best_pull_fight_pct, pull_history
		FROM boss_progress
		WHERE guild_id = ? AND raid_id = ? AND difficulty = ?
		ORDER BY position`, guildID, raidID, int(d))
	if err != nil {
		return nil, wrap(err, "query boss progress")
	}
	defer rows.Close()

	var bosses []raid.BossProgress
	for rows.Next() {
		var (
			b          raid.BossProgress
			spentMS    int64
			killMS     sql.NullInt64
			killReport sql.NullString
			killFight  sql.NullInt64
			killOrder  sql.NullInt64
			phase      string
			bestBoss   sql.NullFloat64
			bestFight  sql.NullFloat64
			history    string
		)
		if err := rows.Scan(&b.EncounterID, &b.EncounterName, &b.Position, &b.Kills, &b.Pulls,
			&b.BestPercent, &spentMS, &killMS, &killReport, &killFight, &killOrder,
			&phase, &bestBoss, &bestFight, &history); err != nil {
			return nil, wrap(err, "scan boss progress")
		}
		b.TimeSpent = time.Duration(spentMS) * time.Millisecond
		if killMS.Valid {
			b.FirstKill = &raid.KillRef{
				At:         fromMS(killMS.Int64),
				ReportCode: killReport.String,
				FightID:    int(killFight.Int64),
			}
		}
		b.KillOrder = int(killOrder.Int64)
		if bestFight.Valid {
			b.BestPull = &raid.PullSnapshot{Phase: phase, BossPct: bestBoss.Float64, FightPct: bestFight.Float64}
		}
		if err := json.Unmarshal([]byte(history), &b.PullHistory); err != nil {
			return nil, errors.Wrapf(err, "decode pull history of encounter %d", b.EncounterID)
		}
		bosses = append(bosses, b)
	}
	return bosses, wrapIter(rows.Err(), "iterate boss progress")
}

// SetRanks stores a ranking pass for one raid and difficulty. Guilds missing
// from ranks lose any previous rank.
func (s *Store) SetRanks(ctx context.Context, raidID int, d raid.Difficulty, ranks map[int64]int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE raid_progress SET guild_rank = NULL WHERE raid_id = ? AND difficulty = ?`,
			raidID, int(d)); err != nil {
			return wrap(err, "clear ranks")
		}
		for guildID, rank := range ranks {
			if _, err := tx.ExecContext(ctx, `UPDATE raid_progress SET guild_rank = ?
				WHERE guild_id = ? AND raid_id = ? AND difficulty = ?`,
				rank, guildID, raidID, int(d)); err != nil {
				return errors.WithDetail(wrap(err, "set rank"), fmt.Sprintf("Guild ID: %d", guildID))
			}
		}
		return nil
	})
}

// DeleteRaidProgress drops a progress record and its bosses.
func (s *Store) DeleteRaidProgress(ctx context.Context, guildID int64, raidID int, d raid.Difficulty) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM raid_progress WHERE guild_id = ? AND raid_id = ? AND difficulty = ?`,
		guildID, raidID, int(d))
	if err != nil {
		return errors.WithDetail(wrap(err, "delete raid progress"), fmt.Sprintf("Guild ID: %d, raid %d", guildID, raidID))
	}
	return nil
}
