// Package store provides storage backends for goaltender: a SQLite
// backend for local/single-node deployment, a PostgreSQL backend for
// production, and an in-memory backend for tests and DSN-less startup.
package store

import (
	"errors"
	"strings"
	"time"

	"github.com/ngoalkeeper/goaltender/internal/models"
)

// ErrNotFound is returned by single-row lookups when no matching row
// exists for the given user partition.
var ErrNotFound = errors.New("store: not found")

// ErrConstraint wraps a uniqueness or linkage violation (spec.md §7
// StoreConstraint) so callers can map it to a fixed user message without
// inspecting driver-specific error text themselves.
type ErrConstraint struct {
	Reason string
}

func (e *ErrConstraint) Error() string { return "store: constraint violation: " + e.Reason }

// Opts configures a store backend.
type Opts struct {
	DSN string
}

// Option mutates Opts; construction follows the teacher's functional
// options convention used throughout internal/store and internal/llm.
type Option func(*Opts)

// WithDSN sets the backend's data source name (a sqlite file path or a
// postgres:// connection string).
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for a postgres://-shaped DSN and
// "sqlite" otherwise (a bare file path), mirroring the teacher's
// store.DetectDSNType branch in internal/api.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}

// Store is the composite persistence contract the rest of the core
// depends on. It is satisfied by SQLiteStore, PostgresStore, and
// InMemoryStore. Result Sets are intentionally absent: spec.md §5
// specifies the Result Set cache as in-memory only, rebuilt from scratch
// on restart (see internal/resultset).
type Store interface {
	UserRepo
	GoalRepo
	StepRepo
	EventRepo
	ConversationRepo
	FlowStateRepo
	DedupRepo
	NotificationDedupRepo
	OutboxRepo
	JobRepo

	Close() error
}

// UserRepo is typed CRUD over per-user profiles.
type UserRepo interface {
	GetUser(userID string) (models.User, error)
	UpsertUser(u models.User) error
	ListUsersWithToggle(toggle NotificationToggle) ([]models.User, error)
}

// NotificationToggle selects which boolean preference ListUsersWithToggle
// filters on, avoiding four near-identical query methods.
type NotificationToggle string

const (
	ToggleEventReminder NotificationToggle = "event_reminder"
	ToggleGoalDeadline  NotificationToggle = "goal_deadline"
	ToggleStepReminder  NotificationToggle = "step_reminder"
	ToggleMotivation    NotificationToggle = "motivation"
)

// GoalRepo is typed CRUD over goals, transactional where §3/§4 require it.
type GoalRepo interface {
	CreateGoal(g models.Goal) (int64, error)
	GetGoal(userID string, goalID int64) (models.Goal, error)
	UpdateGoal(g models.Goal) error
	DeleteGoalCascade(userID string, goalID int64) error
	ListGoals(userID string, status string) ([]models.Goal, error)
	RecomputeGoalProgress(userID string, goalID int64) (models.Goal, error)
	// ListUnscheduledGoals returns every active goal with at least one step
	// across all users whose is_scheduled is still false, the startup
	// recovery sweep's input set (internal/recovery).
	ListUnscheduledGoals() ([]models.Goal, error)
}

// StepRepo is typed CRUD over a goal's ordered steps.
type StepRepo interface {
	CreateStep(s models.Step) (int64, error)
	GetStep(userID string, stepID int64) (models.Step, error)
	UpdateStep(s models.Step) error
	DeleteStepCascade(userID string, stepID int64) error
	ListSteps(userID string, goalID int64) ([]models.Step, error)
	MaxStepOrder(userID string, goalID int64) (int, error)
	ListOverdueSteps(userID string, today time.Time) ([]models.Step, error)
}

// EventRepo is typed CRUD over calendar events.
type EventRepo interface {
	CreateEvent(e models.Event) (int64, error)
	GetEvent(userID string, eventID int64) (models.Event, error)
	UpdateEvent(e models.Event) error
	DeleteEvent(userID string, eventID int64) error
	ListEvents(userID string, from, to time.Time) ([]models.Event, error)
	ListEventsForReminderWindow(windowStart, windowEnd time.Time) ([]models.Event, error)
}

// ConversationRepo persists the bounded sliding window of chat turns.
type ConversationRepo interface {
	AppendMessage(m models.ConversationMessage) error
	ListRecentMessages(userID string, limit int) ([]models.ConversationMessage, error)
	TrimMessages(userID string, keep int) error
}

// FlowStateRepo persists the single dialog FlowState per user.
type FlowStateRepo interface {
	GetFlowState(userID string) (models.FlowState, error)
	SaveFlowState(fs models.FlowState) error
	DeleteFlowState(userID string) error
}
