package store

// NotificationDedupRepo guards the four periodic notification jobs
// (internal/notify) against firing more than once per local day for the
// same logical occurrence: the tuple (user_id, job_kind,
// event_id_or_goal_id, fire_date) from spec.md §4.6.
type NotificationDedupRepo interface {
	// IsNotificationDuplicate reports whether the given occurrence has
	// already fired.
	IsNotificationDuplicate(userID, jobKind, entityID, fireDate string) (bool, error)

	// RecordNotificationFired inserts the dedup key if absent. It
	// returns false without error when the key already existed (a
	// benign race between two overlapping job ticks).
	RecordNotificationFired(userID, jobKind, entityID, fireDate string) (bool, error)
}
