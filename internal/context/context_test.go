package context

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngoalkeeper/goaltender/internal/models"
	"github.com/ngoalkeeper/goaltender/internal/store"
)

func TestAssembler_Build_DegradesOnMissingUser(t *testing.T) {
	st := store.NewInMemoryStore()
	a := New(st)

	b := a.Build(context.Background(), "unknown-user")
	assert.Equal(t, models.DefaultTimezone, b.Timezone)
	assert.Equal(t, models.StateIdle, b.CurrentState)
	assert.NotEmpty(t, b.ToneGuide)
}

func TestAssembler_Build_PopulatesSlots(t *testing.T) {
	st := store.NewInMemoryStore()
	require.NoError(t, st.UpsertUser(models.User{UserID: "u1", ChatID: "c1", Timezone: "UTC"}))

	goalID, err := st.CreateGoal(models.Goal{UserID: "u1", Title: "Learn Go", Priority: models.PriorityHigh})
	require.NoError(t, err)
	_ = goalID

	require.NoError(t, st.AppendMessage(models.ConversationMessage{
		UserID: "u1", Role: models.MessageRoleUser, Text: "hi", Timestamp: time.Now(),
	}))

	a := New(st)
	b := a.Build(context.Background(), "u1")

	assert.Equal(t, "UTC", b.Timezone)
	require.Len(t, b.ActiveGoals, 1)
	assert.Equal(t, "Learn Go", b.ActiveGoals[0].Title)
	require.Len(t, b.ConversationHistory, 1)
	assert.Equal(t, "hi", b.ConversationHistory[0].Text)
}

func TestRender(t *testing.T) {
	b := &Bundle{Timezone: "UTC", Now: "2026-07-30 09:00", ToneGuide: "be nice"}
	system, user := Render(b, "hello")
	assert.Contains(t, system, "UTC")
	assert.Equal(t, "hello", user)
}
