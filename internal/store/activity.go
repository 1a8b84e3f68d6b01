package store

import (
	"context"
	"fmt"
	"time"
)

// RecordActivity marks a team member active on the day of at. Repeats on the same day are no-ops.
func (s *Store) RecordActivity(ctx context.Context, teamID, userID int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO team_member_activity (team_id, user_id, active_on)
		VALUES ($1, $2, $3::date)
		ON CONFLICT DO NOTHING
	`, teamID, userID, at.UTC())
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

// CountActiveUsers counts distinct members of a team active in [from, to). A nil team counts zero.
func (s *Store) CountActiveUsers(ctx context.Context, teamID *int64, from, to time.Time) (int, error) {
	if teamID == nil {
		return 0, nil
	}
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT user_id) FROM team_member_activity
		WHERE team_id = $1 AND active_on >= $2::date AND active_on < $3::date
	`, *teamID, from.UTC(), to.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active users: %w", err)
	}
	return n, nil
}
