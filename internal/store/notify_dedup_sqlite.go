package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Compile-time check that SQLiteStore implements NotificationDedupRepo.
var _ NotificationDedupRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) IsNotificationDuplicate(userID, jobKind, entityID, fireDate string) (bool, error) {
	var exists int
	err := s.db.QueryRow(
		`SELECT 1 FROM notification_dedup WHERE user_id = ? AND job_kind = ? AND entity_id = ? AND fire_date = ?`,
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

func (s *SQLiteStore) RecordNotificationFired(userID, jobKind, entityID, fireDate string) (bool, error) {
	now := time.Now()
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO notification_dedup (user_id, job_kind, entity_id, fire_date, fired_at) VALUES (?, ?, ?, ?, ?)`,
		userID, jobKind, entityID, fireDate, now,
	)
	if err != nil {
		return false, fmt.Errorf("record notification fired failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record notification fired rows affected failed: %w", err)
	}
	return n > 0, nil
}
