package dispatch

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngoalkeeper/goaltender/internal/decompose"
	"github.com/ngoalkeeper/goaltender/internal/dialog"
	"github.com/ngoalkeeper/goaltender/internal/models"
	"github.com/ngoalkeeper/goaltender/internal/resultset"
	"github.com/ngoalkeeper/goaltender/internal/store"
)

type fakeModel struct{ responses []string; i int }

func (f *fakeModel) CompleteJSON(ctx context.Context, system, user string) (string, error) { return f.next() }
func (f *fakeModel) RetryJSON(ctx context.Context, system, user string) (string, error)    { return f.next() }
func (f *fakeModel) next() (string, error) {
	if f.i >= len(f.responses) {
		return f.responses[len(f.responses)-1], nil
	}
	r := f.responses[f.i]
	f.i++
	return r, nil
}

type fakeSummarizer struct{}

func (fakeSummarizer) CompleteText(ctx context.Context, system, user string) (string, error) {
	return "ok: " + user, nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, store.Store, *resultset.Cache) {
	t.Helper()
	st := store.NewInMemoryStore()
	rs := resultset.New(time.Hour, 64)
	dm := dialog.New(st, time.Hour)
	dc := decompose.New(&fakeModel{responses: []string{`[{"title":"a","estimated_hours":1,"order":1},{"title":"b","estimated_hours":1,"order":2},{"title":"c","estimated_hours":1,"order":3}]`}}, st)
	return New(st, rs, dm, dc, fakeSummarizer{}), st, rs
}

func TestHandleSmallTalk(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	resp, err := d.Dispatch(context.Background(), "u1", models.Intent{Kind: models.IntentSmallTalk, ReplyHint: "greet"})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseTypeFinalText, resp.ResponseType)
}

func TestHandleEventSearchCreatesResultSet(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	_, err := st.CreateEvent(models.Event{UserID: "u1", Title: "Meeting", Date: time.Now(), Time: "10:00"})
	require.NoError(t, err)

	resp, err := d.Dispatch(context.Background(), "u1", models.Intent{Kind: models.IntentEventSearch})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseTypeRenderTable, resp.ResponseType)
	assert.NotEmpty(t, resp.SetID)
	assert.Len(t, resp.Items, 1)
}

func TestHandleEventMutateCreate(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	resp, err := d.Dispatch(context.Background(), "u1", models.Intent{
		Kind: models.IntentEventMutate, Op: models.MutateOpCreate, Title: "Gym", Date: "2026-08-01", Time: "09:00",
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, models.ResponseTypeFinalText, resp.ResponseType)
}

func TestHandleEventMutateDeleteDryRun(t *testing.T) {
	d, st, rs := newTestDispatcher(t)
	eventID, err := st.CreateEvent(models.Event{UserID: "u1", Title: "Gym", Date: time.Now()})
	require.NoError(t, err)
	set := rs.Create("u1", models.ResultSetKindEvents, []int64{eventID})

	resp, err := d.Dispatch(context.Background(), "u1", models.Intent{
		Kind: models.IntentEventMutate, Op: models.MutateOpDelete, DryRun: true,
		Target: &models.EntityRef{SetID: set.SetID, Ordinal: 1},
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	_, err = st.GetEvent("u1", eventID)
	assert.NoError(t, err, "dry run must not delete")
}

func TestHandleGoalCreateFailsSMARTEntersClarification(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	resp, err := d.Dispatch(context.Background(), "u1", models.Intent{Kind: models.IntentGoalCreate, Title: "ab"})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseTypeAskClarification, resp.ResponseType)

	fs, err := st.GetFlowState("u1")
	require.NoError(t, err)
	assert.Equal(t, models.StateGoalClarification, fs.CurrentState)
}

func TestHandleGoalCreatePassesSMARTEntersSchedulePrefs(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	resp, err := d.Dispatch(context.Background(), "u1", models.Intent{
		Kind: models.IntentGoalCreate, Title: "Выучить испанский язык", TargetDate: "2026-12-01",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseTypeAskClarification, resp.ResponseType)
	assert.NotEmpty(t, resp.Buttons)

	fs, err := st.GetFlowState("u1")
	require.NoError(t, err)
	assert.Equal(t, models.StateSchedulePrefsDays, fs.CurrentState)

	goals, err := st.ListGoals("u1", "")
	require.NoError(t, err)
	require.Len(t, goals, 1)
	steps, err := st.ListSteps("u1", goals[0].GoalID)
	require.NoError(t, err)
	assert.Len(t, steps, 3)
}

func TestCompleteScheduling(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	require.NoError(t, st.UpsertUser(models.User{UserID: "u1", Timezone: "UTC"}))

	_, err := d.Dispatch(context.Background(), "u1", models.Intent{
		Kind: models.IntentGoalCreate, Title: "Выучить испанский язык", TargetDate: "2026-12-01",
	})
	require.NoError(t, err)
	goals, err := st.ListGoals("u1", "")
	require.NoError(t, err)
	require.Len(t, goals, 1)

	resp, err := d.CompleteScheduling(context.Background(), "u1", "UTC", dialog.SchedulingPrefs{
		GoalID: goals[0].GoalID, Weekdays: []int{0, 1, 2, 3, 4, 5, 6}, PreferredHour: 18,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseTypeFinalText, resp.ResponseType)

	updated, err := st.GetGoal("u1", goals[0].GoalID)
	require.NoError(t, err)
	assert.True(t, updated.IsScheduled)
}

func TestCompleteScheduling_FailureEnqueuesDurableRetry(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	require.NoError(t, st.UpsertUser(models.User{UserID: "u1", Timezone: "UTC"}))

	resp, err := d.CompleteScheduling(context.Background(), "u1", "UTC", dialog.SchedulingPrefs{
		GoalID: 999, Weekdays: []int{0, 1, 2, 3, 4, 5, 6}, PreferredHour: 18,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseTypeFinalText, resp.ResponseType)

	jobs, err := st.ClaimDueJobs(time.Now().Add(7*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, ScheduleGoalJobKind, jobs[0].Kind)
}

func TestHandleScheduleGoalJob_PlacesStepsFromPayload(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	require.NoError(t, st.UpsertUser(models.User{UserID: "u1", Timezone: "UTC"}))

	_, err := d.Dispatch(context.Background(), "u1", models.Intent{
		Kind: models.IntentGoalCreate, Title: "Выучить испанский язык", TargetDate: "2026-12-01",
	})
	require.NoError(t, err)
	goals, err := st.ListGoals("u1", "")
	require.NoError(t, err)
	require.Len(t, goals, 1)

	payload := `{"user_id":"u1","goal_id":` + strconv.FormatInt(goals[0].GoalID, 10) + `,"timezone":"UTC","weekdays":[0,1,2,3,4,5,6],"pref_hour":18,"pref_minute":0}`
	require.NoError(t, d.HandleScheduleGoalJob(context.Background(), payload))

	updated, err := st.GetGoal("u1", goals[0].GoalID)
	require.NoError(t, err)
	assert.True(t, updated.IsScheduled)
}

func TestHandleGoalUpdateStepRecomputesProgress(t *testing.T) {
	d, st, rs := newTestDispatcher(t)
	goalID, err := st.CreateGoal(models.Goal{UserID: "u1", Title: "Goal", Status: models.GoalStatusActive})
	require.NoError(t, err)
	s1, err := st.CreateStep(models.Step{GoalID: goalID, UserID: "u1", Title: "s1", Order: 1})
	require.NoError(t, err)
	_, err = st.CreateStep(models.Step{GoalID: goalID, UserID: "u1", Title: "s2", Order: 2})
	require.NoError(t, err)

	set := rs.Create("u1", models.ResultSetKindSteps, []int64{s1})
	resp, err := d.Dispatch(context.Background(), "u1", models.Intent{
		Kind: models.IntentGoalUpdateStep, NewStatus: string(models.StepStatusCompleted),
		StepRef: &models.EntityRef{SetID: set.SetID, Ordinal: 1},
	})
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "50")
}

func TestHandleGoalAddStepDefaultOrder(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	goalID, err := st.CreateGoal(models.Goal{UserID: "u1", Title: "Goal"})
	require.NoError(t, err)
	_, err = st.CreateStep(models.Step{GoalID: goalID, UserID: "u1", Title: "s1", Order: 1})
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), "u1", models.Intent{
		Kind: models.IntentGoalAddStep, GoalID: goalID, Title: "s2",
	})
	require.NoError(t, err)

	steps, err := st.ListSteps("u1", goalID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 2, steps[1].Order)
}

func TestHandleProductSearchStub(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	resp, err := d.Dispatch(context.Background(), "u1", models.Intent{Kind: models.IntentProductSearch, Query: "book"})
	require.NoError(t, err)
	assert.Empty(t, resp.Items)
}
