package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Compile-time check that PostgresStore implements NotificationDedupRepo.
var _ NotificationDedupRepo = (*PostgresStore)(nil)

func (s *PostgresStore) IsNotificationDuplicate(userID, jobKind, entityID, fireDate string) (bool, error) {
	var exists int
	err := s.db.QueryRow(
		`SELECT 1 FROM notification_dedup WHERE user_id = $1 AND job_kind = $2 AND entity_id = $3 AND fire_date = $4`,
		userID, jobKind, entityID, fireDate,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("notification dedup check failed: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) RecordNotificationFired(userID, jobKind, entityID, fireDate string) (bool, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`INSERT INTO notification_dedup (user_id, job_kind, entity_id, fire_date, fired_at) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (user_id, job_kind, entity_id, fire_date) DO NOTHING`,
		userID, jobKind, entityID, fireDate, now,
	)
	if err != nil {
		return false, fmt.Errorf("record notification fired failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record notification fired rows affected failed: %w", err)
	}
	return n > 0, nil
}
