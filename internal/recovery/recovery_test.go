package recovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngoalkeeper/goaltender/internal/decompose"
	"github.com/ngoalkeeper/goaltender/internal/models"
	"github.com/ngoalkeeper/goaltender/internal/store"
)

type fakeModel struct{ response string }

func (f *fakeModel) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	return f.response, nil
}

func (f *fakeModel) RetryJSON(ctx context.Context, system, user string) (string, error) {
	return f.response, nil
}

const steps = `[{"title":"a","estimated_hours":1,"order":1},{"title":"b","estimated_hours":1,"order":2}]`

func TestSweep_PlacesUnscheduledGoal(t *testing.T) {
	st := store.NewInMemoryStore()
	require.NoError(t, st.UpsertUser(models.User{UserID: "u1", Timezone: "UTC"}))
	dc := decompose.New(&fakeModel{response: steps}, st)

	goal, _, err := dc.CreateGoalWithSteps(context.Background(), "u1", decompose.Draft{Title: "Learn Spanish"})
	require.NoError(t, err)
	assert.False(t, goal.IsScheduled)

	res, err := Sweep(context.Background(), st, dc)
	require.NoError(t, err)
	assert.Equal(t, 1, res.GoalsAttempted)
	assert.Equal(t, 1, res.GoalsPlaced)

	updated, err := st.GetGoal("u1", goal.GoalID)
	require.NoError(t, err)
	assert.True(t, updated.IsScheduled)
}

func TestSweep_NoUnscheduledGoalsIsNoOp(t *testing.T) {
	st := store.NewInMemoryStore()
	dc := decompose.New(&fakeModel{response: steps}, st)

	res, err := Sweep(context.Background(), st, dc)
	require.NoError(t, err)
	assert.Equal(t, 0, res.GoalsAttempted)
}

func TestSweep_SkipsAlreadyScheduledGoal(t *testing.T) {
	st := store.NewInMemoryStore()
	require.NoError(t, st.UpsertUser(models.User{UserID: "u1", Timezone: "UTC"}))
	dc := decompose.New(&fakeModel{response: steps}, st)

	goal, _, err := dc.CreateGoalWithSteps(context.Background(), "u1", decompose.Draft{Title: "Learn Spanish"})
	require.NoError(t, err)
	_, err = dc.PlaceSteps(context.Background(), "u1", goal.GoalID, "UTC", []int{0, 1, 2, 3, 4, 5, 6}, 9, 0)
	require.NoError(t, err)

	res, err := Sweep(context.Background(), st, dc)
	require.NoError(t, err)
	assert.Equal(t, 0, res.GoalsAttempted)
}
