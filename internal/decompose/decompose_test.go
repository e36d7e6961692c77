package decompose

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngoalkeeper/goaltender/internal/models"
	"github.com/ngoalkeeper/goaltender/internal/store"
)

type fakeModel struct {
	responses []string
	i         int
}

func (f *fakeModel) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	return f.next()
}

func (f *fakeModel) RetryJSON(ctx context.Context, system, user string) (string, error) {
	return f.next()
}

func (f *fakeModel) next() (string, error) {
	if f.i >= len(f.responses) {
		return f.responses[len(f.responses)-1], nil
	}
	r := f.responses[f.i]
	f.i++
	return r, nil
}

const validSteps = `[{"title":"Learn alphabet","estimated_hours":2,"order":1},
{"title":"Basic grammar","estimated_hours":4,"order":2},
{"title":"First conversation","estimated_hours":3,"order":3}]`

func TestCreateGoalWithSteps(t *testing.T) {
	st := store.NewInMemoryStore()
	dc := New(&fakeModel{responses: []string{validSteps}}, st)

	goal, steps, err := dc.CreateGoalWithSteps(context.Background(), "u1", Draft{Title: "Learn Spanish", TargetDate: "2026-12-01"})
	require.NoError(t, err)
	assert.NotZero(t, goal.GoalID)
	require.Len(t, steps, 3)
	assert.Equal(t, 1, steps[0].Order)
	assert.Equal(t, models.StepStatusPending, steps[0].Status)
}

func TestCreateGoalWithSteps_FallsBackOnBadModelOutput(t *testing.T) {
	st := store.NewInMemoryStore()
	dc := New(&fakeModel{responses: []string{"not json", "still not json"}}, st)

	goal, steps, err := dc.CreateGoalWithSteps(context.Background(), "u1", Draft{Title: "Learn Spanish"})
	require.NoError(t, err)
	assert.NotZero(t, goal.GoalID)
	require.Len(t, steps, 1)
	assert.Equal(t, "Learn Spanish", steps[0].Title)
}

func TestPlaceSteps(t *testing.T) {
	st := store.NewInMemoryStore()
	require.NoError(t, st.UpsertUser(models.User{UserID: "u1", Timezone: "UTC"}))
	dc := New(&fakeModel{responses: []string{validSteps}}, st)

	goal, _, err := dc.CreateGoalWithSteps(context.Background(), "u1", Draft{Title: "Learn Spanish"})
	require.NoError(t, err)

	result, err := dc.PlaceSteps(context.Background(), "u1", goal.GoalID, "UTC", []int{0, 1, 2, 3, 4, 5, 6}, 18, 0)
	require.NoError(t, err)
	assert.False(t, result.TightDeadline)

	steps, err := st.ListSteps("u1", goal.GoalID)
	require.NoError(t, err)
	for _, s := range steps {
		assert.NotNil(t, s.PlannedDate)
		assert.NotEmpty(t, s.PlannedTime)
		assert.NotNil(t, s.LinkedEventID)
	}

	updated, err := st.GetGoal("u1", goal.GoalID)
	require.NoError(t, err)
	assert.True(t, updated.IsScheduled)
}

func TestPlaceSteps_IdempotentNoOp(t *testing.T) {
	st := store.NewInMemoryStore()
	require.NoError(t, st.UpsertUser(models.User{UserID: "u1", Timezone: "UTC"}))
	dc := New(&fakeModel{responses: []string{validSteps}}, st)

	goal, _, err := dc.CreateGoalWithSteps(context.Background(), "u1", Draft{Title: "Learn Spanish"})
	require.NoError(t, err)

	_, err = dc.PlaceSteps(context.Background(), "u1", goal.GoalID, "UTC", []int{0, 1, 2, 3, 4, 5, 6}, 9, 0)
	require.NoError(t, err)

	stepsBefore, err := st.ListSteps("u1", goal.GoalID)
	require.NoError(t, err)

	_, err = dc.PlaceSteps(context.Background(), "u1", goal.GoalID, "UTC", []int{0}, 20, 0)
	require.NoError(t, err)

	stepsAfter, err := st.ListSteps("u1", goal.GoalID)
	require.NoError(t, err)
	assert.Equal(t, stepsBefore, stepsAfter)
}

// TestPlaceSteps_DaytimePlacementOnTargetDateIsNotTight guards against
// comparing the placement instant to the UTC-midnight TargetDate
// directly: in a zone ahead of UTC, any daytime placement on the target
// date's own calendar day must not be flagged tight.
func TestPlaceSteps_DaytimePlacementOnTargetDateIsNotTight(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)
	today := time.Now().In(loc).Format("2006-01-02")

	st := store.NewInMemoryStore()
	require.NoError(t, st.UpsertUser(models.User{UserID: "u1", Timezone: "Europe/Moscow"}))
	dc := New(&fakeModel{responses: []string{validSteps}}, st)

	goal, _, err := dc.CreateGoalWithSteps(context.Background(), "u1", Draft{Title: "Learn Spanish", TargetDate: today})
	require.NoError(t, err)

	result, err := dc.PlaceSteps(context.Background(), "u1", goal.GoalID, "Europe/Moscow", []int{0, 1, 2, 3, 4, 5, 6}, 9, 0)
	require.NoError(t, err)
	assert.False(t, result.TightDeadline)
}
