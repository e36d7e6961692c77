package dialog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngoalkeeper/goaltender/internal/models"
	"github.com/ngoalkeeper/goaltender/internal/store"
)

func TestMachine_LoadDefaultsToIdle(t *testing.T) {
	st := store.NewInMemoryStore()
	m := New(st, time.Hour)

	fs, err := m.Load("u1")
	require.NoError(t, err)
	assert.Equal(t, models.StateIdle, fs.CurrentState)
}

func TestMachine_LoadResetsAfterTimeout(t *testing.T) {
	st := store.NewInMemoryStore()
	m := New(st, 10*time.Millisecond)

	require.NoError(t, m.Transition("u1", models.StateGoalClarification, map[string]string{"x": "y"}))
	time.Sleep(20 * time.Millisecond)

	fs, err := m.Load("u1")
	require.NoError(t, err)
	assert.Equal(t, models.StateIdle, fs.CurrentState)
}

func TestMachine_Cancel(t *testing.T) {
	st := store.NewInMemoryStore()
	m := New(st, time.Hour)

	require.NoError(t, m.Transition("u1", models.StateGoalEditTitle, nil))
	require.NoError(t, m.Cancel("u1"))

	fs, err := m.Load("u1")
	require.NoError(t, err)
	assert.Equal(t, models.StateIdle, fs.CurrentState)
}

func TestParseCallback(t *testing.T) {
	cb, err := ParseCallback("edit:goal:title:42")
	require.NoError(t, err)
	assert.Equal(t, CallbackEdit, cb.Kind)
	assert.Equal(t, models.EditableEntityGoal, cb.Entity)
	assert.Equal(t, "title", cb.Field)
	assert.Equal(t, int64(42), cb.ID)

	cb, err = ParseCallback("day_pref:3")
	require.NoError(t, err)
	assert.Equal(t, CallbackDayPref, cb.Kind)
	assert.Equal(t, 3, cb.Day)

	cb, err = ParseCallback("day_pref_done")
	require.NoError(t, err)
	assert.Equal(t, CallbackDayPrefDone, cb.Kind)

	cb, err = ParseCallback("time_pref:morning")
	require.NoError(t, err)
	assert.Equal(t, "morning", cb.Time)

	cb, err = ParseCallback("confirm:delete:7")
	require.NoError(t, err)
	assert.Equal(t, "delete", cb.Op)
	assert.Equal(t, int64(7), cb.ID)

	cb, err = ParseCallback("cancel")
	require.NoError(t, err)
	assert.Equal(t, CallbackCancel, cb.Kind)
}

func TestParseCallback_Rejects(t *testing.T) {
	cases := []string{"", "bogus", "edit:goal:title", "edit:widget:title:1", "day_pref:9", "day_pref:x"}
	for _, c := range cases {
		_, err := ParseCallback(c)
		assert.ErrorIs(t, err, ErrBadCallback, "case %q", c)
	}
}

func TestMachine_EnterEdit(t *testing.T) {
	st := store.NewInMemoryStore()
	m := New(st, time.Hour)

	cb, err := ParseCallback("edit:event:time:5")
	require.NoError(t, err)
	require.NoError(t, m.EnterEdit("u1", cb))

	fs, err := m.Load("u1")
	require.NoError(t, err)
	assert.Equal(t, models.StateEventEditTime, fs.CurrentState)
	assert.Equal(t, "5", fs.StateData[string(models.DataKeyEditEntityID)])
}

func TestValidateSMART(t *testing.T) {
	r := ValidateSMART("Запустить сайт", "", "2026-09-01")
	assert.True(t, r.Pass)

	r = ValidateSMART("ab", "", "2026-09-01")
	assert.False(t, r.Pass)
	assert.Equal(t, "title_too_short", r.Reason)

	r = ValidateSMART("Похудеть навсегда", "", "")
	assert.False(t, r.Pass)
	assert.Equal(t, "no_deadline_signal", r.Reason)

	r = ValidateSMART("Что мне делать дальше?", "", "2026-09-01")
	assert.False(t, r.Pass)
	assert.Equal(t, "is_question", r.Reason)
}

func TestMachine_SchedulePrefsFlow(t *testing.T) {
	st := store.NewInMemoryStore()
	m := New(st, time.Hour)

	require.NoError(t, m.EnterSchedulePrefsDays("u1", 10))
	fs, err := m.Load("u1")
	require.NoError(t, err)

	days, err := m.ToggleWeekday(fs, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, days)

	fs, err = m.Load("u1")
	require.NoError(t, err)
	days, err = m.ToggleWeekday(fs, 3)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 3}, days)

	fs, err = m.Load("u1")
	require.NoError(t, err)
	require.NoError(t, m.FinishDayPrefs(fs))

	fs, err = m.Load("u1")
	require.NoError(t, err)
	assert.Equal(t, models.StateSchedulePrefsTime, fs.CurrentState)

	prefs, err := m.FinishTimePrefs(fs, "morning")
	require.NoError(t, err)
	assert.Equal(t, int64(10), prefs.GoalID)
	assert.ElementsMatch(t, []int{1, 3}, prefs.Weekdays)
	assert.Equal(t, 9, prefs.PreferredHour)

	fs, err = m.Load("u1")
	require.NoError(t, err)
	assert.Equal(t, models.StateIdle, fs.CurrentState)
}

func TestGoalDraftRoundTrip(t *testing.T) {
	d := GoalDraft{Title: "Learn Go", Description: "desc", TargetDate: "2026-09-01"}
	got := DraftFromData(d.toData())
	assert.Equal(t, d, got)
}
