// Package models: dialog state type definitions, kept as string aliases
// (rather than concrete structs) to avoid circular imports between the
// dialog and store packages.
package models

import "time"

// StateType represents a single labeled position in the per-user dialog
// state machine.
type StateType string

// DataKey identifies an entry in a dialog state's opaque context bag.
type DataKey string

// Idle state and the multi-turn sub-flow states, one per user at a time.
const (
	StateIdle                StateType = "IDLE"
	StateGoalClarification    StateType = "GOAL_CLARIFICATION"
	StateGoalEditTitle        StateType = "GOAL_EDIT_title"
	StateGoalEditDescription  StateType = "GOAL_EDIT_description"
	StateGoalEditDeadline     StateType = "GOAL_EDIT_deadline"
	StateGoalEditCategory     StateType = "GOAL_EDIT_category"
	StateGoalEditPriority     StateType = "GOAL_EDIT_priority"
	StateEventEditTitle       StateType = "EVENT_EDIT_title"
	StateEventEditDate        StateType = "EVENT_EDIT_date"
	StateEventEditTime        StateType = "EVENT_EDIT_time"
	StateEventEditDuration    StateType = "EVENT_EDIT_duration"
	StateEventEditNotes       StateType = "EVENT_EDIT_notes"
	StateStepEditTitle        StateType = "STEP_EDIT_title"
	StateStepEditDate         StateType = "STEP_EDIT_date"
	StateStepEditTime         StateType = "STEP_EDIT_time"
	StateSchedulePrefsDays    StateType = "SCHEDULE_PREFS_DAYS"
	StateSchedulePrefsTime    StateType = "SCHEDULE_PREFS_TIME"
)

// DialogStateTimeoutSeconds is how long, in seconds, a non-idle state may sit without an
// inbound message before it silently resets to IDLE (spec.md §4.4).
const DialogStateTimeoutSeconds = 1800

// Keys into a FlowState's StateData bag.
const (
	DataKeyGoalDraftTitle       DataKey = "goal_draft_title"
	DataKeyGoalDraftDescription DataKey = "goal_draft_description"
	DataKeyGoalDraftTargetDate  DataKey = "goal_draft_target_date"
	DataKeyGoalDraftCategory    DataKey = "goal_draft_category"
	DataKeyGoalDraftPriority    DataKey = "goal_draft_priority"
	DataKeyGoalDraftUserLevel   DataKey = "goal_draft_user_level"
	DataKeyGoalDraftCommitment  DataKey = "goal_draft_time_commitment"
	DataKeyPendingGoalID        DataKey = "pending_goal_id"
	DataKeyEditEntityID         DataKey = "edit_entity_id"
	DataKeySelectedWeekdays     DataKey = "selected_weekdays"
	DataKeyPreferredStartHour   DataKey = "preferred_start_hour"
)

// EditableEntity identifies which entity kind an edit:<entity>:<field>:<id>
// callback targets.
type EditableEntity string

const (
	EditableEntityGoal  EditableEntity = "goal"
	EditableEntityEvent EditableEntity = "event"
	EditableEntityStep  EditableEntity = "step"
)

// FlowState is the persisted per-user dialog position plus its opaque
// context bag.
type FlowState struct {
	UserID       string            `json:"user_id"`
	CurrentState StateType         `json:"current_state"`
	StateData    map[string]string `json:"state_data,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}
