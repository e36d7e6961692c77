// Package store provides storage backends for goaltender.
//
// This file implements the SQLite-backed Store: the default backend for
// local/single-node deployment.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/ngoalkeeper/goaltender/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	if dir := filepath.Dir(dsn); dir != "." {
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dir)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	slog.Debug("Opening SQLite database connection")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	if err := s.db.Close(); err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
		return err
	}
	return nil
}

// --- users ---

func (s *SQLiteStore) GetUser(userID string) (models.User, error) {
	var u models.User
	var weekdaysCSV string
	err := s.db.QueryRow(`SELECT user_id, chat_id, timezone, notify_event_reminder, notify_goal_deadline,
		notify_step_reminder, notify_motivation, notify_general, preferred_weekdays,
		preferred_start_hour, preferred_start_minute FROM users WHERE user_id = ?`, userID).Scan(
		&u.UserID, &u.ChatID, &u.Timezone, &u.NotifyEventReminder, &u.NotifyGoalDeadline,
		&u.NotifyStepReminder, &u.NotifyMotivation, &u.NotifyGeneral, &weekdaysCSV,
		&u.PreferredStartHour, &u.PreferredStartMinute)
	if err == sql.ErrNoRows {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("get user failed: %w", err)
	}
	u.PreferredWeekdays = parseWeekdaysCSV(weekdaysCSV)
	return u, nil
}

func (s *SQLiteStore) UpsertUser(u models.User) error {
	if u.Timezone == "" {
		u.Timezone = models.DefaultTimezone
	}
	_, err := s.db.Exec(`INSERT INTO users (user_id, chat_id, timezone, notify_event_reminder,
		notify_goal_deadline, notify_step_reminder, notify_motivation, notify_general,
		preferred_weekdays, preferred_start_hour, preferred_start_minute)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET chat_id=excluded.chat_id, timezone=excluded.timezone,
		notify_event_reminder=excluded.notify_event_reminder, notify_goal_deadline=excluded.notify_goal_deadline,
		notify_step_reminder=excluded.notify_step_reminder, notify_motivation=excluded.notify_motivation,
		notify_general=excluded.notify_general, preferred_weekdays=excluded.preferred_weekdays,
		preferred_start_hour=excluded.preferred_start_hour, preferred_start_minute=excluded.preferred_start_minute`,
		u.UserID, u.ChatID, u.Timezone, u.NotifyEventReminder, u.NotifyGoalDeadline, u.NotifyStepReminder,
		u.NotifyMotivation, u.NotifyGeneral, weekdaysToCSV(u.PreferredWeekdays), u.PreferredStartHour, u.PreferredStartMinute)
	if err != nil {
		slog.Error("SQLiteStore UpsertUser failed", "error", err, "userID", u.UserID)
		return fmt.Errorf("upsert user failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListUsersWithToggle(toggle NotificationToggle) ([]models.User, error) {
	col, err := toggleColumn(toggle)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(fmt.Sprintf(`SELECT user_id, chat_id, timezone, notify_event_reminder,
		notify_goal_deadline, notify_step_reminder, notify_motivation, notify_general, preferred_weekdays,
		preferred_start_hour, preferred_start_minute FROM users WHERE %s = 1`, col))
	if err != nil {
		return nil, fmt.Errorf("list users with toggle failed: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		var weekdaysCSV string
		if err := rows.Scan(&u.UserID, &u.ChatID, &u.Timezone, &u.NotifyEventReminder, &u.NotifyGoalDeadline,
			&u.NotifyStepReminder, &u.NotifyMotivation, &u.NotifyGeneral, &weekdaysCSV,
			&u.PreferredStartHour, &u.PreferredStartMinute); err != nil {
			return nil, fmt.Errorf("scan user failed: %w", err)
		}
		u.PreferredWeekdays = parseWeekdaysCSV(weekdaysCSV)
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- goals ---

func (s *SQLiteStore) CreateGoal(g models.Goal) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`INSERT INTO goals (user_id, title, description, status, progress_percent,
		target_date, category, priority, is_scheduled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.UserID, g.Title, g.Description, orDefault(string(g.Status), "active"), g.ProgressPercent,
		dateOrNil(g.TargetDate), g.Category, orDefault(string(g.Priority), "medium"), g.IsScheduled, now, now)
	if err != nil {
		slog.Error("SQLiteStore CreateGoal failed", "error", err, "userID", g.UserID)
		return 0, fmt.Errorf("create goal failed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create goal id failed: %w", err)
	}
	slog.Debug("SQLiteStore CreateGoal succeeded", "goalID", id, "userID", g.UserID)
	return id, nil
}

func (s *SQLiteStore) GetGoal(userID string, goalID int64) (models.Goal, error) {
	g, err := scanGoalRow(s.db.QueryRow(`SELECT goal_id, user_id, title, description, status, progress_percent,
		target_date, category, priority, is_scheduled, created_at, updated_at
		FROM goals WHERE user_id = ? AND goal_id = ?`, userID, goalID))
	if err == sql.ErrNoRows {
		return models.Goal{}, ErrNotFound
	}
	if err != nil {
		return models.Goal{}, fmt.Errorf("get goal failed: %w", err)
	}
	return g, nil
}

func (s *SQLiteStore) UpdateGoal(g models.Goal) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(`UPDATE goals SET title=?, description=?, status=?, progress_percent=?,
		target_date=?, category=?, priority=?, is_scheduled=?, updated_at=?
		WHERE user_id=? AND goal_id=?`,
		g.Title, g.Description, g.Status, g.ProgressPercent, dateOrNil(g.TargetDate), g.Category,
		g.Priority, g.IsScheduled, now, g.UserID, g.GoalID)
	if err != nil {
		return fmt.Errorf("update goal failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteGoalCascade(userID string, goalID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete goal cascade begin failed: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM events WHERE user_id = ? AND linked_goal_id = ?`, userID, goalID); err != nil {
		return fmt.Errorf("delete goal cascade events failed: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM steps WHERE user_id = ? AND goal_id = ?`, userID, goalID); err != nil {
		return fmt.Errorf("delete goal cascade steps failed: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM goals WHERE user_id = ? AND goal_id = ?`, userID, goalID)
	if err != nil {
		return fmt.Errorf("delete goal cascade goal failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete goal cascade commit failed: %w", err)
	}
	slog.Info("SQLiteStore DeleteGoalCascade succeeded", "goalID", goalID, "userID", userID)
	return nil
}

func (s *SQLiteStore) ListGoals(userID string, status string) ([]models.Goal, error) {
	query := `SELECT goal_id, user_id, title, description, status, progress_percent, target_date,
		category, priority, is_scheduled, created_at, updated_at FROM goals WHERE user_id = ?`
	args := []any{userID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY CASE status WHEN 'active' THEN 0 WHEN 'paused' THEN 1 ELSE 2 END,
		target_date IS NULL, target_date ASC, goal_id ASC`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list goals failed: %w", err)
	}
	defer rows.Close()

	var goals []models.Goal
	for rows.Next() {
		g, err := scanGoalRows(rows)
		if err != nil {
			return nil, err
		}
		goals = append(goals, g)
	}
	return goals, rows.Err()
}

func (s *SQLiteStore) ListUnscheduledGoals() ([]models.Goal, error) {
	rows, err := s.db.Query(`SELECT goal_id, user_id, title, description, status, progress_percent,
		target_date, category, priority, is_scheduled, created_at, updated_at
		FROM goals WHERE status = 'active' AND is_scheduled = 0
		AND EXISTS (SELECT 1 FROM steps WHERE steps.goal_id = goals.goal_id)`)
	if err != nil {
		return nil, fmt.Errorf("list unscheduled goals failed: %w", err)
	}
	defer rows.Close()

	var goals []models.Goal
	for rows.Next() {
		g, err := scanGoalRows(rows)
		if err != nil {
			return nil, err
		}
		goals = append(goals, g)
	}
	return goals, rows.Err()
}

func (s *SQLiteStore) RecomputeGoalProgress(userID string, goalID int64) (models.Goal, error) {
	var total, completed int
	err := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(CASE WHEN status='completed' THEN 1 ELSE 0 END),0)
		FROM steps WHERE user_id = ? AND goal_id = ?`, userID, goalID).Scan(&total, &completed)
	if err != nil {
		return models.Goal{}, fmt.Errorf("recompute goal progress count failed: %w", err)
	}
	progress := 0
	if total > 0 {
		progress = int((100*completed + total/2) / total) // round to nearest
	}
	g, err := s.GetGoal(userID, goalID)
	if err != nil {
		return models.Goal{}, err
	}
	g.ProgressPercent = progress
	if total > 0 && completed == total {
		g.Status = models.GoalStatusCompleted
	} else if g.Status == models.GoalStatusCompleted && completed != total {
		g.Status = models.GoalStatusActive
	}
	if err := s.UpdateGoal(g); err != nil {
		return models.Goal{}, err
	}
	return g, nil
}

// --- steps ---

func (s *SQLiteStore) CreateStep(st models.Step) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO steps (goal_id, user_id, title, order_num, status,
		estimated_hours, completed_at, planned_date, planned_time, duration_minutes, linked_event_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.GoalID, st.UserID, st.Title, st.Order, orDefault(string(st.Status), "pending"),
		st.EstimatedHours, timeOrNil(st.CompletedAt), dateOrNil(st.PlannedDate), st.PlannedTime,
		st.DurationMinutes, st.LinkedEventID)
	if err != nil {
		return 0, fmt.Errorf("create step failed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create step id failed: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) GetStep(userID string, stepID int64) (models.Step, error) {
	st, err := scanStepRow(s.db.QueryRow(`SELECT step_id, goal_id, title, order_num, status,
		estimated_hours, completed_at, planned_date, planned_time, duration_minutes, linked_event_id
		FROM steps WHERE user_id = ? AND step_id = ?`, userID, stepID))
	if err == sql.ErrNoRows {
		return models.Step{}, ErrNotFound
	}
	if err != nil {
		return models.Step{}, fmt.Errorf("get step failed: %w", err)
	}
	st.UserID = userID
	return st, nil
}

func (s *SQLiteStore) UpdateStep(st models.Step) error {
	res, err := s.db.Exec(`UPDATE steps SET title=?, order_num=?, status=?, estimated_hours=?,
		completed_at=?, planned_date=?, planned_time=?, duration_minutes=?, linked_event_id=?
		WHERE user_id=? AND step_id=?`,
		st.Title, st.Order, st.Status, st.EstimatedHours, timeOrNil(st.CompletedAt),
		dateOrNil(st.PlannedDate), st.PlannedTime, st.DurationMinutes, st.LinkedEventID,
		st.UserID, st.StepID)
	if err != nil {
		return fmt.Errorf("update step failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteStepCascade(userID string, stepID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete step cascade begin failed: %w", err)
	}
	defer tx.Rollback()

	var linkedEventID sql.NullInt64
	if err := tx.QueryRow(`SELECT linked_event_id FROM steps WHERE user_id = ? AND step_id = ?`,
		userID, stepID).Scan(&linkedEventID); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("delete step cascade lookup failed: %w", err)
	}
	if linkedEventID.Valid {
		if _, err := tx.Exec(`DELETE FROM events WHERE user_id = ? AND event_id = ?`, userID, linkedEventID.Int64); err != nil {
			return fmt.Errorf("delete step cascade event failed: %w", err)
		}
	}
	if _, err := tx.Exec(`DELETE FROM steps WHERE user_id = ? AND step_id = ?`, userID, stepID); err != nil {
		return fmt.Errorf("delete step cascade step failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete step cascade commit failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListSteps(userID string, goalID int64) ([]models.Step, error) {
	rows, err := s.db.Query(`SELECT step_id, goal_id, title, order_num, status, estimated_hours,
		completed_at, planned_date, planned_time, duration_minutes, linked_event_id
		FROM steps WHERE user_id = ? AND goal_id = ? ORDER BY order_num ASC`, userID, goalID)
	if err != nil {
		return nil, fmt.Errorf("list steps failed: %w", err)
	}
	defer rows.Close()

	var steps []models.Step
	for rows.Next() {
		st, err := scanStepRows(rows)
		if err != nil {
			return nil, err
		}
		st.UserID = userID
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *SQLiteStore) MaxStepOrder(userID string, goalID int64) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(order_num) FROM steps WHERE user_id = ? AND goal_id = ?`, userID, goalID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max step order failed: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64), nil
}

func (s *SQLiteStore) ListOverdueSteps(userID string, today time.Time) ([]models.Step, error) {
	rows, err := s.db.Query(`SELECT step_id, goal_id, title, order_num, status, estimated_hours,
		completed_at, planned_date, planned_time, duration_minutes, linked_event_id
		FROM steps WHERE user_id = ? AND status IN ('pending','in_progress')
		AND planned_date IS NOT NULL AND planned_date < ? ORDER BY goal_id, order_num`,
		userID, today.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("list overdue steps failed: %w", err)
	}
	defer rows.Close()

	var steps []models.Step
	for rows.Next() {
		st, err := scanStepRows(rows)
		if err != nil {
			return nil, err
		}
		st.UserID = userID
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// --- events ---

func (s *SQLiteStore) CreateEvent(e models.Event) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO events (user_id, title, date, time, duration_minutes, repeat,
		notes, event_type, linked_step_id, linked_goal_id, reminder_minutes_before, reminder_enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, e.Title, e.Date.Format("2006-01-02"), e.Time, e.DurationMinutes, e.Repeat, e.Notes,
		orDefault(string(e.EventType), "user"), e.LinkedStepID, e.LinkedGoalID, e.ReminderMinutesBefore, e.ReminderEnabled)
	if err != nil {
		return 0, fmt.Errorf("create event failed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create event id failed: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) GetEvent(userID string, eventID int64) (models.Event, error) {
	e, err := scanEventRow(s.db.QueryRow(`SELECT event_id, user_id, title, date, time, duration_minutes,
		repeat, notes, event_type, linked_step_id, linked_goal_id, reminder_minutes_before, reminder_enabled
		FROM events WHERE user_id = ? AND event_id = ?`, userID, eventID))
	if err == sql.ErrNoRows {
		return models.Event{}, ErrNotFound
	}
	if err != nil {
		return models.Event{}, fmt.Errorf("get event failed: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) UpdateEvent(e models.Event) error {
	res, err := s.db.Exec(`UPDATE events SET title=?, date=?, time=?, duration_minutes=?, repeat=?,
		notes=?, event_type=?, linked_step_id=?, linked_goal_id=?, reminder_minutes_before=?,
		reminder_enabled=? WHERE user_id=? AND event_id=?`,
		e.Title, e.Date.Format("2006-01-02"), e.Time, e.DurationMinutes, e.Repeat, e.Notes, e.EventType,
		e.LinkedStepID, e.LinkedGoalID, e.ReminderMinutesBefore, e.ReminderEnabled, e.UserID, e.EventID)
	if err != nil {
		return fmt.Errorf("update event failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteEvent(userID string, eventID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete event begin failed: %w", err)
	}
	defer tx.Rollback()

	var linkedStepID sql.NullInt64
	if err := tx.QueryRow(`SELECT linked_step_id FROM events WHERE user_id = ? AND event_id = ?`,
		userID, eventID).Scan(&linkedStepID); err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("delete event lookup failed: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM events WHERE user_id = ? AND event_id = ?`, userID, eventID)
	if err != nil {
		return fmt.Errorf("delete event failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	if linkedStepID.Valid {
		if _, err := tx.Exec(`UPDATE steps SET linked_event_id = NULL, planned_date = NULL,
			planned_time = '', duration_minutes = 0 WHERE user_id = ? AND step_id = ?`,
			userID, linkedStepID.Int64); err != nil {
			return fmt.Errorf("delete event unlink step failed: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListEvents(userID string, from, to time.Time) ([]models.Event, error) {
	rows, err := s.db.Query(`SELECT event_id, user_id, title, date, time, duration_minutes, repeat,
		notes, event_type, linked_step_id, linked_goal_id, reminder_minutes_before, reminder_enabled
		FROM events WHERE user_id = ? AND date >= ? AND date <= ?
		ORDER BY date ASC, (time = '') ASC, time ASC, event_id ASC`,
		userID, from.Format("2006-01-02"), to.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("list events failed: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		e, err := scanEventRows(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) ListEventsForReminderWindow(windowStart, windowEnd time.Time) ([]models.Event, error) {
	rows, err := s.db.Query(`SELECT event_id, user_id, title, date, time, duration_minutes, repeat,
		notes, event_type, linked_step_id, linked_goal_id, reminder_minutes_before, reminder_enabled
		FROM events WHERE reminder_enabled = 1 AND time != ''
		AND date >= ? AND date <= ?`,
		windowStart.Format("2006-01-02"), windowEnd.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("list events for reminder window failed: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		e, err := scanEventRows(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- conversation messages ---

func (s *SQLiteStore) AppendMessage(m models.ConversationMessage) error {
	_, err := s.db.Exec(`INSERT INTO conversation_messages (user_id, role, text, timestamp, intent)
		VALUES (?, ?, ?, ?, ?)`, m.UserID, m.Role, m.Text, m.Timestamp, m.Intent)
	if err != nil {
		return fmt.Errorf("append message failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRecentMessages(userID string, limit int) ([]models.ConversationMessage, error) {
	rows, err := s.db.Query(`SELECT msg_id, user_id, role, text, timestamp, intent FROM
		(SELECT msg_id, user_id, role, text, timestamp, intent FROM conversation_messages
		 WHERE user_id = ? ORDER BY timestamp DESC, msg_id DESC LIMIT ?) ORDER BY timestamp ASC, msg_id ASC`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages failed: %w", err)
	}
	defer rows.Close()

	var msgs []models.ConversationMessage
	for rows.Next() {
		var m models.ConversationMessage
		if err := rows.Scan(&m.MsgID, &m.UserID, &m.Role, &m.Text, &m.Timestamp, &m.Intent); err != nil {
			return nil, fmt.Errorf("scan message failed: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) TrimMessages(userID string, keep int) error {
	_, err := s.db.Exec(`DELETE FROM conversation_messages WHERE user_id = ? AND msg_id NOT IN
		(SELECT msg_id FROM conversation_messages WHERE user_id = ? ORDER BY msg_id DESC LIMIT ?)`,
		userID, userID, keep)
	if err != nil {
		return fmt.Errorf("trim messages failed: %w", err)
	}
	return nil
}

// --- flow state ---

func (s *SQLiteStore) GetFlowState(userID string) (models.FlowState, error) {
	var fs models.FlowState
	var stateDataJSON string
	err := s.db.QueryRow(`SELECT user_id, current_state, state_data, updated_at FROM flow_state
		WHERE user_id = ?`, userID).Scan(&fs.UserID, &fs.CurrentState, &stateDataJSON, &fs.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.FlowState{UserID: userID, CurrentState: models.StateIdle, UpdatedAt: time.Now().UTC()}, nil
	}
	if err != nil {
		return models.FlowState{}, fmt.Errorf("get flow state failed: %w", err)
	}
	fs.StateData = decodeStateData(stateDataJSON)
	return fs, nil
}

func (s *SQLiteStore) SaveFlowState(fs models.FlowState) error {
	stateDataJSON := encodeStateData(fs.StateData)
	_, err := s.db.Exec(`INSERT INTO flow_state (user_id, current_state, state_data, updated_at)
		VALUES (?, ?, ?, ?) ON CONFLICT(user_id) DO UPDATE SET current_state=excluded.current_state,
		state_data=excluded.state_data, updated_at=excluded.updated_at`,
		fs.UserID, fs.CurrentState, stateDataJSON, fs.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save flow state failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteFlowState(userID string) error {
	_, err := s.db.Exec(`DELETE FROM flow_state WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete flow state failed: %w", err)
	}
	return nil
}
