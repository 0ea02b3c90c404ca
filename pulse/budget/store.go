package budget

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/raidpulse/errors"
)

// Spend is one recorded API call.
type Spend struct {
	Operation string
	Points    float64
	At        time.Time
}

// Store is the api_usage ledger.
type Store struct {
	db *sql.DB
}

// NewStore creates a new usage store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record appends one call to the ledger.
func (s *Store) Record(ctx context.Context, operation string, points float64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_usage (operation, points, requested_at) VALUES (?, ?, ?)`,
		operation, points, at.UTC())
	if err != nil {
		return errors.Wrapf(err, "failed to record %s usage", operation)
	}
	return nil
}

// Since returns calls at or after since, oldest first.
func (s *Store) Since(ctx context.Context, since time.Time) ([]Spend, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT operation, points, requested_at FROM api_usage
		WHERE requested_at >= ?
		ORDER BY requested_at, id`, since.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "failed to query api usage")
	}
	defer rows.Close()

	var out []Spend
	for rows.Next() {
		var sp Spend
		if err := rows.Scan(&sp.Operation, &sp.Points, &sp.At); err != nil {
			return nil, errors.Wrap(err, "failed to scan api usage")
		}
		sp.At = sp.At.UTC()
		out = append(out, sp)
	}
	return out, rows.Err()
}

// SpentSince sums points and calls within a sliding window ending now.
func (s *Store) SpentSince(ctx context.Context, since time.Time) (points float64, calls int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(points), 0), COUNT(*) FROM api_usage WHERE requested_at >= ?`,
		since.UTC()).Scan(&points, &calls)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to sum api usage")
	}
	return points, calls, nil
}

// Prune deletes ledger rows older than before.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_usage WHERE requested_at < ?`, before.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune api usage")
	}
	return res.RowsAffected()
}
