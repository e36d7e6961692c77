// Package dialog implements the Dialog State Machine (spec.md §4.4): the
// per-user finite state position that decides when an utterance or
// callback must be handled inside a multi-turn sub-flow instead of as a
// fresh intent. It owns state storage, timeout, cancellation, callback
// grammar parsing, and SMART goal-draft validation; internal/dispatch
// drives the actual per-variant business logic using these primitives.
package dialog

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ngoalkeeper/goaltender/internal/models"
	"github.com/ngoalkeeper/goaltender/internal/store"
)

// Machine tracks and transitions per-user dialog state.
type Machine struct {
	st      store.Store
	timeout time.Duration
}

// New builds a Machine with the given state timeout (spec.md §6
// dialog_state_timeout_s, default 1800s).
func New(st store.Store, timeout time.Duration) *Machine {
	if timeout <= 0 {
		timeout = models.DialogStateTimeoutSeconds * time.Second
	}
	return &Machine{st: st, timeout: timeout}
}

// Load returns the user's current FlowState, silently resetting to IDLE
// first if the existing state has gone stale (spec.md §4.4 Timeout).
func (m *Machine) Load(userID string) (models.FlowState, error) {
	fs, err := m.st.GetFlowState(userID)
	if err != nil {
		return models.FlowState{}, fmt.Errorf("dialog: load state: %w", err)
	}
	if fs.CurrentState != models.StateIdle && time.Since(fs.UpdatedAt) > m.timeout {
		slog.Info("Machine.Load: state timed out, resetting to idle", "userID", userID, "state", fs.CurrentState)
		fs = models.FlowState{UserID: userID, CurrentState: models.StateIdle, UpdatedAt: time.Now()}
		if err := m.st.SaveFlowState(fs); err != nil {
			return models.FlowState{}, fmt.Errorf("dialog: reset timed-out state: %w", err)
		}
	}
	return fs, nil
}

// Save persists fs with UpdatedAt refreshed to now.
func (m *Machine) Save(fs models.FlowState) error {
	fs.UpdatedAt = time.Now()
	if err := m.st.SaveFlowState(fs); err != nil {
		return fmt.Errorf("dialog: save state: %w", err)
	}
	return nil
}

// Cancel discards state_context and returns the user to IDLE (spec.md
// §4.4 Cancellation, the reserved "cancel" callback).
func (m *Machine) Cancel(userID string) error {
	slog.Info("Machine.Cancel invoked", "userID", userID)
	return m.Save(models.FlowState{UserID: userID, CurrentState: models.StateIdle})
}

// Transition moves the user to newState, replacing StateData with data
// (nil clears it).
func (m *Machine) Transition(userID string, newState models.StateType, data map[string]string) error {
	slog.Debug("Machine.Transition", "userID", userID, "to", newState)
	return m.Save(models.FlowState{UserID: userID, CurrentState: newState, StateData: data})
}

// CallbackKind discriminates the closed callback token grammar of
// spec.md §6.
type CallbackKind string

const (
	CallbackEdit         CallbackKind = "edit"
	CallbackDayPref      CallbackKind = "day_pref"
	CallbackDayPrefDone  CallbackKind = "day_pref_done"
	CallbackTimePref     CallbackKind = "time_pref"
	CallbackTimePrefDone CallbackKind = "time_pref_done"
	CallbackConfirm      CallbackKind = "confirm"
	CallbackCancel       CallbackKind = "cancel"
)

// Callback is a parsed inbound button-press token.
type Callback struct {
	Kind   CallbackKind
	Entity models.EditableEntity // edit only
	Field  string                // edit only
	ID     int64                 // edit, confirm only
	Day    int                   // day_pref only, 0=Mon..6=Sun
	Time   string                // time_pref only: morning|afternoon|evening|HH:MM
	Op     string                // confirm only
}

// ErrBadCallback is returned for a token outside the grammar of spec.md §6.
var ErrBadCallback = fmt.Errorf("dialog: callback does not match known grammar")

// ParseCallback parses one of the exhaustive callback shapes:
// edit:<entity>:<field>:<id> | day_pref:<0..6> | day_pref_done |
// time_pref:<morning|afternoon|evening|HH:MM> | time_pref_done |
// confirm:<op>:<id> | cancel.
func ParseCallback(raw string) (Callback, error) {
	parts := strings.Split(raw, ":")
	switch parts[0] {
	case string(CallbackCancel):
		if len(parts) != 1 {
			return Callback{}, ErrBadCallback
		}
		return Callback{Kind: CallbackCancel}, nil

	case string(CallbackDayPrefDone):
		if len(parts) != 1 {
			return Callback{}, ErrBadCallback
		}
		return Callback{Kind: CallbackDayPrefDone}, nil

	case string(CallbackTimePrefDone):
		if len(parts) != 1 {
			return Callback{}, ErrBadCallback
		}
		return Callback{Kind: CallbackTimePrefDone}, nil

	case string(CallbackDayPref):
		if len(parts) != 2 {
			return Callback{}, ErrBadCallback
		}
		day, err := strconv.Atoi(parts[1])
		if err != nil || day < 0 || day > 6 {
			return Callback{}, ErrBadCallback
		}
		return Callback{Kind: CallbackDayPref, Day: day}, nil

	case string(CallbackTimePref):
		if len(parts) != 2 && len(parts) != 3 {
			return Callback{}, ErrBadCallback
		}
		return Callback{Kind: CallbackTimePref, Time: strings.Join(parts[1:], ":")}, nil

	case string(CallbackEdit):
		if len(parts) != 4 {
			return Callback{}, ErrBadCallback
		}
		entity := models.EditableEntity(parts[1])
		switch entity {
		case models.EditableEntityGoal, models.EditableEntityEvent, models.EditableEntityStep:
		default:
			return Callback{}, ErrBadCallback
		}
		id, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			return Callback{}, ErrBadCallback
		}
		return Callback{Kind: CallbackEdit, Entity: entity, Field: parts[2], ID: id}, nil

	case string(CallbackConfirm):
		if len(parts) != 3 {
			return Callback{}, ErrBadCallback
		}
		id, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return Callback{}, ErrBadCallback
		}
		return Callback{Kind: CallbackConfirm, Op: parts[1], ID: id}, nil

	default:
		return Callback{}, ErrBadCallback
	}
}

// editStateFor maps an edit callback's (entity, field) pair to the
// dialog state that awaits the replacement value.
func editStateFor(entity models.EditableEntity, field string) (models.StateType, bool) {
	key := string(entity) + "_" + field
	table := map[string]models.StateType{
		"goal_title":         models.StateGoalEditTitle,
		"goal_description":   models.StateGoalEditDescription,
		"goal_deadline":      models.StateGoalEditDeadline,
		"goal_category":      models.StateGoalEditCategory,
		"goal_priority":      models.StateGoalEditPriority,
		"event_title":        models.StateEventEditTitle,
		"event_date":         models.StateEventEditDate,
		"event_time":         models.StateEventEditTime,
		"event_duration":     models.StateEventEditDuration,
		"event_notes":        models.StateEventEditNotes,
		"step_title":         models.StateStepEditTitle,
		"step_date":          models.StateStepEditDate,
		"step_time":          models.StateStepEditTime,
	}
	s, ok := table[key]
	return s, ok
}

// EnterEdit transitions the user into the *_EDIT_* state matching cb,
// remembering the target entity id in the state's data bag.
func (m *Machine) EnterEdit(userID string, cb Callback) error {
	state, ok := editStateFor(cb.Entity, cb.Field)
	if !ok {
		return fmt.Errorf("dialog: no edit state for %s.%s", cb.Entity, cb.Field)
	}
	return m.Transition(userID, state, map[string]string{
		string(models.DataKeyEditEntityID): strconv.FormatInt(cb.ID, 10),
	})
}

// SMARTResult is the outcome of ValidateSMART.
type SMARTResult struct {
	Pass   bool
	Reason string // set when Pass is false, used to target the follow-up question
}

var durationPattern = []string{"недел", "месяц", "день", "дня", "дней", "час", "week", "month", "day", "hour"}

// ValidateSMART implements spec.md §4.4's SMART gate for goal.create:
// title length + verb-like token heuristic, a deadline signal, and a
// non-question check.
func ValidateSMART(title, description, targetDate string) SMARTResult {
	if utf8.RuneCountInString(title) < 8 {
		return SMARTResult{Pass: false, Reason: "title_too_short"}
	}
	if !hasVerbLikeToken(title) {
		return SMARTResult{Pass: false, Reason: "title_no_verb"}
	}
	if targetDate == "" && !mentionsDuration(description) {
		return SMARTResult{Pass: false, Reason: "no_deadline_signal"}
	}
	if isPureQuestion(title + " " + description) {
		return SMARTResult{Pass: false, Reason: "is_question"}
	}
	return SMARTResult{Pass: true}
}

var stopwords = map[string]bool{
	"хочу": true, "надо": true, "нужно": true, "буду": true, "для": true,
	"and": true, "the": true, "to": true, "a": true, "i": true, "want": true,
}

func hasVerbLikeToken(title string) bool {
	for _, tok := range strings.Fields(strings.ToLower(title)) {
		tok = strings.Trim(tok, ".,!?\"'")
		if stopwords[tok] {
			continue
		}
		if utf8.RuneCountInString(tok) >= 4 {
			return true
		}
	}
	return false
}

func mentionsDuration(s string) bool {
	s = strings.ToLower(s)
	for _, p := range durationPattern {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func isPureQuestion(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasSuffix(s, "?")
}

// GoalDraft is the accumulated goal.create draft held in a
// GOAL_CLARIFICATION state's data bag.
type GoalDraft struct {
	Title          string
	Description    string
	TargetDate     string
	Category       string
	Priority       string
	UserLevel      string
	TimeCommitment string
}

func (d GoalDraft) toData() map[string]string {
	return map[string]string{
		string(models.DataKeyGoalDraftTitle):       d.Title,
		string(models.DataKeyGoalDraftDescription): d.Description,
		string(models.DataKeyGoalDraftTargetDate):  d.TargetDate,
		string(models.DataKeyGoalDraftCategory):    d.Category,
		string(models.DataKeyGoalDraftPriority):    d.Priority,
		string(models.DataKeyGoalDraftUserLevel):   d.UserLevel,
		string(models.DataKeyGoalDraftCommitment):  d.TimeCommitment,
	}
}

// DraftFromData reconstructs a GoalDraft from a FlowState's StateData.
func DraftFromData(data map[string]string) GoalDraft {
	return GoalDraft{
		Title:          data[string(models.DataKeyGoalDraftTitle)],
		Description:    data[string(models.DataKeyGoalDraftDescription)],
		TargetDate:     data[string(models.DataKeyGoalDraftTargetDate)],
		Category:       data[string(models.DataKeyGoalDraftCategory)],
		Priority:       data[string(models.DataKeyGoalDraftPriority)],
		UserLevel:      data[string(models.DataKeyGoalDraftUserLevel)],
		TimeCommitment: data[string(models.DataKeyGoalDraftCommitment)],
	}
}

// EnterGoalClarification transitions into GOAL_CLARIFICATION holding the
// rejected draft.
func (m *Machine) EnterGoalClarification(userID string, draft GoalDraft) error {
	return m.Transition(userID, models.StateGoalClarification, draft.toData())
}

// EnterSchedulePrefsDays transitions into SCHEDULE_PREFS_DAYS once SMART
// passes, remembering the goal awaiting placement.
func (m *Machine) EnterSchedulePrefsDays(userID string, goalID int64) error {
	return m.Transition(userID, models.StateSchedulePrefsDays, map[string]string{
		string(models.DataKeyPendingGoalID):    strconv.FormatInt(goalID, 10),
		string(models.DataKeySelectedWeekdays): "",
	})
}

// ToggleWeekday toggles a day_pref:<n> callback's day in the state's
// selected-weekday set (added if absent, removed if already present),
// returning the updated set.
func (m *Machine) ToggleWeekday(fs models.FlowState, day int) ([]int, error) {
	days := parseWeekdaySet(fs.StateData[string(models.DataKeySelectedWeekdays)])
	found := false
	for i, d := range days {
		if d == day {
			days = append(days[:i], days[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		days = append(days, day)
	}
	if fs.StateData == nil {
		fs.StateData = map[string]string{}
	}
	fs.StateData[string(models.DataKeySelectedWeekdays)] = weekdaySetToString(days)
	if err := m.Save(fs); err != nil {
		return nil, err
	}
	return days, nil
}

func parseWeekdaySet(s string) []int {
	if s == "" {
		return nil
	}
	var days []int
	for _, p := range strings.Split(s, ",") {
		n, err := strconv.Atoi(p)
		if err == nil {
			days = append(days, n)
		}
	}
	return days
}

func weekdaySetToString(days []int) string {
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

// FinishDayPrefs transitions SCHEDULE_PREFS_DAYS -> SCHEDULE_PREFS_TIME on
// a day_pref_done callback, carrying the selected weekdays forward.
func (m *Machine) FinishDayPrefs(fs models.FlowState) error {
	if fs.StateData == nil {
		fs.StateData = map[string]string{}
	}
	fs.CurrentState = models.StateSchedulePrefsTime
	return m.Save(fs)
}

// preferredHourFor maps the morning/afternoon/evening shorthand to a
// default clock hour, or parses an explicit HH:MM.
func preferredHourFor(pref string) (hour, minute int, err error) {
	switch pref {
	case "morning":
		return 9, 0, nil
	case "afternoon":
		return 14, 0, nil
	case "evening":
		return 18, 0, nil
	}
	parts := strings.Split(pref, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("dialog: invalid time preference %q", pref)
	}
	h, err1 := strconv.Atoi(parts[0])
	mi, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || mi < 0 || mi > 59 {
		return 0, 0, fmt.Errorf("dialog: invalid time preference %q", pref)
	}
	return h, mi, nil
}

// SchedulingPrefs is what FinishTimePrefs hands back to the caller so it
// can drive the Scheduler (§4.5) and return the user to IDLE.
type SchedulingPrefs struct {
	GoalID             int64
	Weekdays           []int
	PreferredHour      int
	PreferredMinute    int
}

// FinishTimePrefs completes SCHEDULE_PREFS_TIME on a time_pref:<...>
// callback, resolves the preferred hour, resets the user to IDLE, and
// returns the accumulated preferences for the Scheduler.
func (m *Machine) FinishTimePrefs(fs models.FlowState, pref string) (SchedulingPrefs, error) {
	hour, minute, err := preferredHourFor(pref)
	if err != nil {
		return SchedulingPrefs{}, err
	}
	goalID, _ := strconv.ParseInt(fs.StateData[string(models.DataKeyPendingGoalID)], 10, 64)
	days := parseWeekdaySet(fs.StateData[string(models.DataKeySelectedWeekdays)])

	if err := m.Save(models.FlowState{UserID: fs.UserID, CurrentState: models.StateIdle}); err != nil {
		return SchedulingPrefs{}, err
	}
	return SchedulingPrefs{GoalID: goalID, Weekdays: days, PreferredHour: hour, PreferredMinute: minute}, nil
}
