package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/teranos/raidpulse/errors"
	"github.com/teranos/raidpulse/raid"
)

// ReplaceSchedule swaps a guild's inferred raid nights for a new set.
func (s *Store) ReplaceSchedule(ctx context.Context, guildID int64, slots []raid.ScheduleSlot, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM schedule_slots WHERE guild_id = ?`, guildID); err != nil {
			return errors.WithDetail(wrap(err, "clear schedule"), fmt.Sprintf("Guild ID: %d", guildID))
		}
		for _, slot := range slots {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO schedule_slots (guild_id, weekday, start_hour, end_hour, occurrences, computed_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				guildID, int(slot.Weekday), slot.StartHour, slot.EndHour, slot.Occurrences, at.UTC()); err != nil {
				return errors.WithDetail(wrap(err, "insert schedule slot"), fmt.Sprintf("Guild ID: %d, %s", guildID, slot))
			}
		}
		return nil
	})
}

// Schedule returns a guild's raid nights, Monday first.
func (s *Store) Schedule(ctx context.Context, guildID int64) ([]raid.ScheduleSlot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT weekday, start_hour, end_hour, occurrences FROM schedule_slots
		WHERE guild_id = ? ORDER BY (weekday + 6) % 7`, guildID)
	if err != nil {
		return nil, wrap(err, "query schedule")
	}
	defer rows.Close()

	var slots []raid.ScheduleSlot
	for rows.Next() {
		var (
			slot    raid.ScheduleSlot
			weekday int
		)
		if err := rows.Scan(&weekday, &slot.StartHour, &slot.EndHour, &slot.Occurrences); err != nil {
			return nil, wrap(err, "scan schedule slot")
		}
		slot.Weekday = time.Weekday(weekday)
		slots = append(slots, slot)
	}
	return slots, wrapIter(rows.Err(), "iterate schedule")
}
