// Package store provides storage backends for goaltender.
//
// This file implements the PostgreSQL-backed Store: the production
// multi-node backend.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "embed"

	"github.com/ngoalkeeper/goaltender/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	slog.Debug("Opening Postgres database connection")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		errMsg := err.Error()
		if strings.Contains(errMsg, "already exists") || strings.Contains(errMsg, "duplicate column") {
			slog.Debug("Postgres migration produced expected duplicate object warning (schema already up-to-date)", "error", err)
		} else {
			slog.Error("Failed to run migrations", "error", err)
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	if err := s.db.Close(); err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
		return err
	}
	return nil
}

// --- users ---

func (s *PostgresStore) GetUser(userID string) (models.User, error) {
	var u models.User
	var weekdaysCSV string
	err := s.db.QueryRow(`SELECT user_id, chat_id, timezone, notify_event_reminder, notify_goal_deadline,
		notify_step_reminder, notify_motivation, notify_general, preferred_weekdays,
		preferred_start_hour, preferred_start_minute FROM users WHERE user_id = $1`, userID).Scan(
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

func (s *PostgresStore) UpsertUser(u models.User) error {
	if u.Timezone == "" {
		u.Timezone = models.DefaultTimezone
	}
	_, err := s.db.Exec(`INSERT INTO users (user_id, chat_id, timezone, notify_event_reminder,
		notify_goal_deadline, notify_step_reminder, notify_motivation, notify_general,
		preferred_weekdays, preferred_start_hour, preferred_start_minute)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id) DO UPDATE SET chat_id=excluded.chat_id, timezone=excluded.timezone,
		notify_event_reminder=excluded.notify_event_reminder, notify_goal_deadline=excluded.notify_goal_deadline,
		notify_step_reminder=excluded.notify_step_reminder, notify_motivation=excluded.notify_motivation,
		notify_general=excluded.notify_general, preferred_weekdays=excluded.preferred_weekdays,
		preferred_start_hour=excluded.preferred_start_hour, preferred_start_minute=excluded.preferred_start_minute`,
		u.UserID, u.ChatID, u.Timezone, u.NotifyEventReminder, u.NotifyGoalDeadline, u.NotifyStepReminder,
		u.NotifyMotivation, u.NotifyGeneral, weekdaysToCSV(u.PreferredWeekdays), u.PreferredStartHour, u.PreferredStartMinute)
	if err != nil {
		slog.Error("PostgresStore UpsertUser failed", "error", err, "userID", u.UserID)
		return fmt.Errorf("upsert user failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUsersWithToggle(toggle NotificationToggle) ([]models.User, error) {
	col, err := toggleColumn(toggle)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(fmt.Sprintf(`SELECT user_id, chat_id, timezone, notify_event_reminder,
		notify_goal_deadline, notify_step_reminder, notify_motivation, notify_general, preferred_weekdays,
		preferred_start_hour, preferred_start_minute FROM users WHERE %s = true`, col))
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

func (s *PostgresStore) CreateGoal(g models.Goal) (int64, error) {
	now := time.Now().UTC()
	var id int64
	err := s.db.QueryRow(`INSERT INTO goals (user_id, title, description, status, progress_percent,
		target_date, category, priority, is_scheduled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING goal_id`,
		g.UserID, g.Title, g.Description, orDefault(string(g.Status), "active"), g.ProgressPercent,
		dateOrNil(g.TargetDate), g.Category, orDefault(string(g.Priority), "medium"), g.IsScheduled, now, now).Scan(&id)
	if err != nil {
		slog.Error("PostgresStore CreateGoal failed", "error", err, "userID", g.UserID)
		return 0, fmt.Errorf("create goal failed: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetGoal(userID string, goalID int64) (models.Goal, error) {
	g, err := scanGoalRow(s.db.QueryRow(`SELECT goal_id, user_id, title, description, status, progress_percent,
		target_date, category, priority, is_scheduled, created_at, updated_at
		FROM goals WHERE user_id = $1 AND goal_id = $2`, userID, goalID))
	if err == sql.ErrNoRows {
		return models.Goal{}, ErrNotFound
	}
	if err != nil {
		return models.Goal{}, fmt.Errorf("get goal failed: %w", err)
	}
	return g, nil
}

func (s *PostgresStore) UpdateGoal(g models.Goal) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(`UPDATE goals SET title=$1, description=$2, status=$3, progress_percent=$4,
		target_date=$5, category=$6, priority=$7, is_scheduled=$8, updated_at=$9
		WHERE user_id=$10 AND goal_id=$11`,
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

func (s *PostgresStore) DeleteGoalCascade(userID string, goalID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete goal cascade begin failed: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM events WHERE user_id = $1 AND linked_goal_id = $2`, userID, goalID); err != nil {
		return fmt.Errorf("delete goal cascade events failed: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM steps WHERE user_id = $1 AND goal_id = $2`, userID, goalID); err != nil {
		return fmt.Errorf("delete goal cascade steps failed: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM goals WHERE user_id = $1 AND goal_id = $2`, userID, goalID)
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
	slog.Info("PostgresStore DeleteGoalCascade succeeded", "goalID", goalID, "userID", userID)
	return nil
}

func (s *PostgresStore) ListGoals(userID string, status string) ([]models.Goal, error) {
	query := `SELECT goal_id, user_id, title, description, status, progress_percent, target_date,
		category, priority, is_scheduled, created_at, updated_at FROM goals WHERE user_id = $1`
	args := []any{userID}
	if status != "" {
		query += ` AND status = $2`
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

func (s *PostgresStore) ListUnscheduledGoals() ([]models.Goal, error) {
	rows, err := s.db.Query(`SELECT goal_id, user_id, title, description, status, progress_percent,
		target_date, category, priority, is_scheduled, created_at, updated_at
		FROM goals WHERE status = 'active' AND is_scheduled = false
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

func (s *PostgresStore) RecomputeGoalProgress(userID string, goalID int64) (models.Goal, error) {
	var total, completed int
	err := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(CASE WHEN status='completed' THEN 1 ELSE 0 END),0)
		FROM steps WHERE user_id = $1 AND goal_id = $2`, userID, goalID).Scan(&total, &completed)
	if err != nil {
		return models.Goal{}, fmt.Errorf("recompute goal progress count failed: %w", err)
	}
	progress := 0
	if total > 0 {
		progress = int((100*completed + total/2) / total)
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

func (s *PostgresStore) CreateStep(st models.Step) (int64, error) {
	var id int64
	err := s.db.QueryRow(`INSERT INTO steps (goal_id, user_id, title, order_num, status,
		estimated_hours, completed_at, planned_date, planned_time, duration_minutes, linked_event_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING step_id`,
		st.GoalID, st.UserID, st.Title, st.Order, orDefault(string(st.Status), "pending"),
		st.EstimatedHours, timeOrNil(st.CompletedAt), dateOrNil(st.PlannedDate), st.PlannedTime,
		st.DurationMinutes, st.LinkedEventID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create step failed: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetStep(userID string, stepID int64) (models.Step, error) {
	st, err := scanStepRow(s.db.QueryRow(`SELECT step_id, goal_id, title, order_num, status,
		estimated_hours, completed_at, planned_date, planned_time, duration_minutes, linked_event_id
		FROM steps WHERE user_id = $1 AND step_id = $2`, userID, stepID))
	if err == sql.ErrNoRows {
		return models.Step{}, ErrNotFound
	}
	if err != nil {
		return models.Step{}, fmt.Errorf("get step failed: %w", err)
	}
	st.UserID = userID
	return st, nil
}

func (s *PostgresStore) UpdateStep(st models.Step) error {
	res, err := s.db.Exec(`UPDATE steps SET title=$1, order_num=$2, status=$3, estimated_hours=$4,
		completed_at=$5, planned_date=$6, planned_time=$7, duration_minutes=$8, linked_event_id=$9
		WHERE user_id=$10 AND step_id=$11`,
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

func (s *PostgresStore) DeleteStepCascade(userID string, stepID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete step cascade begin failed: %w", err)
	}
	defer tx.Rollback()

	var linkedEventID sql.NullInt64
	if err := tx.QueryRow(`SELECT linked_event_id FROM steps WHERE user_id = $1 AND step_id = $2`,
		userID, stepID).Scan(&linkedEventID); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("delete step cascade lookup failed: %w", err)
	}
	if linkedEventID.Valid {
		if _, err := tx.Exec(`DELETE FROM events WHERE user_id = $1 AND event_id = $2`, userID, linkedEventID.Int64); err != nil {
			return fmt.Errorf("delete step cascade event failed: %w", err)
		}
	}
	if _, err := tx.Exec(`DELETE FROM steps WHERE user_id = $1 AND step_id = $2`, userID, stepID); err != nil {
		return fmt.Errorf("delete step cascade step failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete step cascade commit failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSteps(userID string, goalID int64) ([]models.Step, error) {
	rows, err := s.db.Query(`SELECT step_id, goal_id, title, order_num, status, estimated_hours,
		completed_at, planned_date, planned_time, duration_minutes, linked_event_id
		FROM steps WHERE user_id = $1 AND goal_id = $2 ORDER BY order_num ASC`, userID, goalID)
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

func (s *PostgresStore) MaxStepOrder(userID string, goalID int64) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(order_num) FROM steps WHERE user_id = $1 AND goal_id = $2`, userID, goalID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max step order failed: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64), nil
}

func (s *PostgresStore) ListOverdueSteps(userID string, today time.Time) ([]models.Step, error) {
	rows, err := s.db.Query(`SELECT step_id, goal_id, title, order_num, status, estimated_hours,
		completed_at, planned_date, planned_time, duration_minutes, linked_event_id
		FROM steps WHERE user_id = $1 AND status IN ('pending','in_progress')
		AND planned_date IS NOT NULL AND planned_date < $2 ORDER BY goal_id, order_num`,
		userID, today.Format(sqlDateLayout))
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

func (s *PostgresStore) CreateEvent(e models.Event) (int64, error) {
	var id int64
	err := s.db.QueryRow(`INSERT INTO events (user_id, title, date, time, duration_minutes, repeat,
		notes, event_type, linked_step_id, linked_goal_id, reminder_minutes_before, reminder_enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING event_id`,
		e.UserID, e.Title, e.Date.Format(sqlDateLayout), e.Time, e.DurationMinutes, e.Repeat, e.Notes,
		orDefault(string(e.EventType), "user"), e.LinkedStepID, e.LinkedGoalID, e.ReminderMinutesBefore, e.ReminderEnabled).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create event failed: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetEvent(userID string, eventID int64) (models.Event, error) {
	e, err := scanEventRow(s.db.QueryRow(`SELECT event_id, user_id, title, date, time, duration_minutes,
		repeat, notes, event_type, linked_step_id, linked_goal_id, reminder_minutes_before, reminder_enabled
		FROM events WHERE user_id = $1 AND event_id = $2`, userID, eventID))
	if err == sql.ErrNoRows {
		return models.Event{}, ErrNotFound
	}
	if err != nil {
		return models.Event{}, fmt.Errorf("get event failed: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) UpdateEvent(e models.Event) error {
	res, err := s.db.Exec(`UPDATE events SET title=$1, date=$2, time=$3, duration_minutes=$4, repeat=$5,
		notes=$6, event_type=$7, linked_step_id=$8, linked_goal_id=$9, reminder_minutes_before=$10,
		reminder_enabled=$11 WHERE user_id=$12 AND event_id=$13`,
		e.Title, e.Date.Format(sqlDateLayout), e.Time, e.DurationMinutes, e.Repeat, e.Notes, e.EventType,
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

func (s *PostgresStore) DeleteEvent(userID string, eventID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete event begin failed: %w", err)
	}
	defer tx.Rollback()

	var linkedStepID sql.NullInt64
	if err := tx.QueryRow(`SELECT linked_step_id FROM events WHERE user_id = $1 AND event_id = $2`,
		userID, eventID).Scan(&linkedStepID); err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("delete event lookup failed: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM events WHERE user_id = $1 AND event_id = $2`, userID, eventID)
	if err != nil {
		return fmt.Errorf("delete event failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	if linkedStepID.Valid {
		if _, err := tx.Exec(`UPDATE steps SET linked_event_id = NULL, planned_date = NULL,
			planned_time = '', duration_minutes = 0 WHERE user_id = $1 AND step_id = $2`,
			userID, linkedStepID.Int64); err != nil {
			return fmt.Errorf("delete event unlink step failed: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) ListEvents(userID string, from, to time.Time) ([]models.Event, error) {
	rows, err := s.db.Query(`SELECT event_id, user_id, title, date, time, duration_minutes, repeat,
		notes, event_type, linked_step_id, linked_goal_id, reminder_minutes_before, reminder_enabled
		FROM events WHERE user_id = $1 AND date >= $2 AND date <= $3
		ORDER BY date ASC, (time = '') ASC, time ASC, event_id ASC`,
		userID, from.Format(sqlDateLayout), to.Format(sqlDateLayout))
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

func (s *PostgresStore) ListEventsForReminderWindow(windowStart, windowEnd time.Time) ([]models.Event, error) {
	rows, err := s.db.Query(`SELECT event_id, user_id, title, date, time, duration_minutes, repeat,
		notes, event_type, linked_step_id, linked_goal_id, reminder_minutes_before, reminder_enabled
		FROM events WHERE reminder_enabled = true AND time != ''
		AND date >= $1 AND date <= $2`,
		windowStart.Format(sqlDateLayout), windowEnd.Format(sqlDateLayout))
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

func (s *PostgresStore) AppendMessage(m models.ConversationMessage) error {
	_, err := s.db.Exec(`INSERT INTO conversation_messages (user_id, role, text, timestamp, intent)
		VALUES ($1, $2, $3, $4, $5)`, m.UserID, m.Role, m.Text, m.Timestamp, m.Intent)
	if err != nil {
		return fmt.Errorf("append message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRecentMessages(userID string, limit int) ([]models.ConversationMessage, error) {
	rows, err := s.db.Query(`SELECT msg_id, user_id, role, text, timestamp, intent FROM
		(SELECT msg_id, user_id, role, text, timestamp, intent FROM conversation_messages
		 WHERE user_id = $1 ORDER BY timestamp DESC, msg_id DESC LIMIT $2) sub ORDER BY timestamp ASC, msg_id ASC`,
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

func (s *PostgresStore) TrimMessages(userID string, keep int) error {
	_, err := s.db.Exec(`DELETE FROM conversation_messages WHERE user_id = $1 AND msg_id NOT IN
		(SELECT msg_id FROM conversation_messages WHERE user_id = $2 ORDER BY msg_id DESC LIMIT $3)`,
		userID, userID, keep)
	if err != nil {
		return fmt.Errorf("trim messages failed: %w", err)
	}
	return nil
}

// --- flow state ---

func (s *PostgresStore) GetFlowState(userID string) (models.FlowState, error) {
	var fs models.FlowState
	var stateDataJSON string
	err := s.db.QueryRow(`SELECT user_id, current_state, state_data, updated_at FROM flow_state
		WHERE user_id = $1`, userID).Scan(&fs.UserID, &fs.CurrentState, &stateDataJSON, &fs.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.FlowState{UserID: userID, CurrentState: models.StateIdle, UpdatedAt: time.Now().UTC()}, nil
	}
	if err != nil {
		return models.FlowState{}, fmt.Errorf("get flow state failed: %w", err)
	}
	fs.StateData = decodeStateData(stateDataJSON)
	return fs, nil
}

func (s *PostgresStore) SaveFlowState(fs models.FlowState) error {
	stateDataJSON := encodeStateData(fs.StateData)
	_, err := s.db.Exec(`INSERT INTO flow_state (user_id, current_state, state_data, updated_at)
		VALUES ($1, $2, $3, $4) ON CONFLICT (user_id) DO UPDATE SET current_state=excluded.current_state,
		state_data=excluded.state_data, updated_at=excluded.updated_at`,
		fs.UserID, fs.CurrentState, stateDataJSON, fs.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save flow state failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteFlowState(userID string) error {
	_, err := s.db.Exec(`DELETE FROM flow_state WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete flow state failed: %w", err)
	}
	return nil
}
