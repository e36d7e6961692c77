package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ngoalkeeper/goaltender/internal/models"
)

// orDefault returns def when s is empty, otherwise s. Used so a zero-value
// enum field picked up from a freshly constructed struct still lands in its
// documented default column value (spec.md §3 Goal.status/priority defaults).
func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

const sqlDateLayout = "2006-01-02"

// dateOrNil formats a *time.Time as a DATE-column string, or nil for NULL.
func dateOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(sqlDateLayout)
}

// timeOrNil formats a *time.Time as a timestamp, or nil for NULL.
func timeOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func toggleColumn(toggle NotificationToggle) (string, error) {
	switch toggle {
	case ToggleEventReminder:
		return "notify_event_reminder", nil
	case ToggleGoalDeadline:
		return "notify_goal_deadline", nil
	case ToggleStepReminder:
		return "notify_step_reminder", nil
	case ToggleMotivation:
		return "notify_motivation", nil
	default:
		return "", fmt.Errorf("unknown notification toggle: %q", toggle)
	}
}

func weekdaysToCSV(days []int) string {
	if len(days) == 0 {
		return ""
	}
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

func parseWeekdaysCSV(csv string) []int {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	days := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			continue
		}
		days = append(days, n)
	}
	return days
}

func encodeStateData(data map[string]string) string {
	if len(data) == 0 {
		return "{}"
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeStateData(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil
	}
	return data
}

// goalRowScanner is satisfied by both *sql.Row and *sql.Rows.
type goalRowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGoalRow(row *sql.Row) (models.Goal, error) {
	return scanGoal(row)
}

func scanGoalRows(rows *sql.Rows) (models.Goal, error) {
	return scanGoal(rows)
}

func scanGoal(scanner goalRowScanner) (models.Goal, error) {
	var g models.Goal
	var targetDate sql.NullString
	var description, category sql.NullString
	err := scanner.Scan(&g.GoalID, &g.UserID, &g.Title, &description, &g.Status, &g.ProgressPercent,
		&targetDate, &category, &g.Priority, &g.IsScheduled, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return g, err
	}
	g.Description = description.String
	g.Category = category.String
	if targetDate.Valid && targetDate.String != "" {
		t, perr := time.Parse(sqlDateLayout, targetDate.String[:10])
		if perr == nil {
			g.TargetDate = &t
		}
	}
	return g, nil
}

func scanStepRow(row *sql.Row) (models.Step, error) {
	return scanStep(row)
}

func scanStepRows(rows *sql.Rows) (models.Step, error) {
	return scanStep(rows)
}

func scanStep(scanner goalRowScanner) (models.Step, error) {
	var st models.Step
	var completedAt sql.NullTime
	var plannedDate sql.NullString
	var plannedTime sql.NullString
	var linkedEventID sql.NullInt64
	err := scanner.Scan(&st.StepID, &st.GoalID, &st.Title, &st.Order, &st.Status, &st.EstimatedHours,
		&completedAt, &plannedDate, &plannedTime, &st.DurationMinutes, &linkedEventID)
	if err != nil {
		return st, err
	}
	if completedAt.Valid {
		st.CompletedAt = &completedAt.Time
	}
	if plannedDate.Valid && plannedDate.String != "" {
		t, perr := time.Parse(sqlDateLayout, plannedDate.String[:10])
		if perr == nil {
			st.PlannedDate = &t
		}
	}
	st.PlannedTime = plannedTime.String
	if linkedEventID.Valid {
		id := linkedEventID.Int64
		st.LinkedEventID = &id
	}
	return st, nil
}

func scanEventRow(row *sql.Row) (models.Event, error) {
	return scanEvent(row)
}

func scanEventRows(rows *sql.Rows) (models.Event, error) {
	return scanEvent(rows)
}

func scanEvent(scanner goalRowScanner) (models.Event, error) {
	var e models.Event
	var date string
	var evTime, repeat, notes sql.NullString
	var linkedStepID, linkedGoalID sql.NullInt64
	err := scanner.Scan(&e.EventID, &e.UserID, &e.Title, &date, &evTime, &e.DurationMinutes, &repeat,
		&notes, &e.EventType, &linkedStepID, &linkedGoalID, &e.ReminderMinutesBefore, &e.ReminderEnabled)
	if err != nil {
		return e, err
	}
	if len(date) >= 10 {
		t, perr := time.Parse(sqlDateLayout, date[:10])
		if perr == nil {
			e.Date = t
		}
	}
	e.Time = evTime.String
	e.Repeat = repeat.String
	e.Notes = notes.String
	if linkedStepID.Valid {
		id := linkedStepID.Int64
		e.LinkedStepID = &id
	}
	if linkedGoalID.Valid {
		id := linkedGoalID.Int64
		e.LinkedGoalID = &id
	}
	return e, nil
}
