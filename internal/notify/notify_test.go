package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngoalkeeper/goaltender/internal/models"
	"github.com/ngoalkeeper/goaltender/internal/scheduler"
	"github.com/ngoalkeeper/goaltender/internal/store"
	"github.com/ngoalkeeper/goaltender/internal/transport"
)

type recordingAdapter struct {
	mu  sync.Mutex
	got []transport.OutboundMessage
}

func (a *recordingAdapter) Send(ctx context.Context, msg transport.OutboundMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = append(a.got, msg)
	return nil
}

func (a *recordingAdapter) messages() []transport.OutboundMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]transport.OutboundMessage(nil), a.got...)
}

func TestScanEventReminders_EnqueuesAndDrains(t *testing.T) {
	st := store.NewInMemoryStore()
	require.NoError(t, st.UpsertUser(models.User{UserID: "u1", ChatID: "c1", Timezone: "UTC", NotifyEventReminder: true}))

	now := time.Now().UTC()
	fireAt := now.Add(10 * time.Second)
	_, err := st.CreateEvent(models.Event{
		UserID: "u1", Title: "Dentist", Date: fireAt, Time: fireAt.Format("15:04"),
		ReminderMinutesBefore: 0, ReminderEnabled: true,
	})
	require.NoError(t, err)

	adapter := &recordingAdapter{}
	sch := scheduler.NewScheduler()
	defer sch.Stop()
	n := New(sch, st, adapter, 30)

	ctx := context.Background()
	n.scanEventReminders(ctx, now)
	n.drainOutbox(ctx, now)

	msgs := adapter.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "c1", msgs[0].ChatID)
}

func TestScanEventReminders_DedupPreventsSecondFire(t *testing.T) {
	st := store.NewInMemoryStore()
	require.NoError(t, st.UpsertUser(models.User{UserID: "u1", ChatID: "c1", Timezone: "UTC", NotifyEventReminder: true}))

	now := time.Now().UTC()
	fireAt := now.Add(10 * time.Second)
	_, err := st.CreateEvent(models.Event{
		UserID: "u1", Title: "Dentist", Date: fireAt, Time: fireAt.Format("15:04"),
		ReminderMinutesBefore: 0, ReminderEnabled: true,
	})
	require.NoError(t, err)

	adapter := &recordingAdapter{}
	sch := scheduler.NewScheduler()
	defer sch.Stop()
	n := New(sch, st, adapter, 30)

	ctx := context.Background()
	n.scanEventReminders(ctx, now)
	n.scanEventReminders(ctx, now)
	n.drainOutbox(ctx, now)

	assert.Len(t, adapter.messages(), 1)
}

func TestAtLocalTime(t *testing.T) {
	loc, err := time.LoadLocation("UTC")
	require.NoError(t, err)
	now := time.Date(2026, 7, 30, 9, 0, 0, 0, loc)
	assert.True(t, atLocalTime("UTC", now, 9, 0))
	assert.False(t, atLocalTime("UTC", now, 9, 1))
}

func TestScanGoalDeadlines_FiresOnSevenDayMilestone(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)
	st := store.NewInMemoryStore()
	require.NoError(t, st.UpsertUser(models.User{UserID: "u1", ChatID: "c1", Timezone: "Europe/Moscow", NotifyGoalDeadline: true}))

	now := time.Date(2026, 7, 30, 9, 0, 0, 0, loc)
	target := time.Date(2026, 8, 6, 0, 0, 0, 0, time.UTC) // exactly 7 calendar days out in Moscow
	_, err = st.CreateGoal(models.Goal{UserID: "u1", Title: "Learn Spanish", Status: models.GoalStatusActive, TargetDate: &target})
	require.NoError(t, err)

	adapter := &recordingAdapter{}
	sch := scheduler.NewScheduler()
	defer sch.Stop()
	n := New(sch, st, adapter, 30)

	n.scanGoalDeadlines(context.Background(), now)
	n.drainOutbox(context.Background(), now)

	require.Len(t, adapter.messages(), 1)
	assert.Contains(t, adapter.messages()[0].HTMLText, "7 дн.")
}

// TestScanGoalDeadlines_DaytimeDoesNotUndercountAheadOfUTC guards against
// comparing TargetDate (always persisted as UTC midnight) to a local
// instant carrying a time-of-day: in a zone ahead of UTC, naive instant
// subtraction undercounts the true calendar-day gap by one.
func TestScanGoalDeadlines_DaytimeDoesNotUndercountAheadOfUTC(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)
	st := store.NewInMemoryStore()
	require.NoError(t, st.UpsertUser(models.User{UserID: "u1", ChatID: "c1", Timezone: "Europe/Moscow", NotifyGoalDeadline: true}))

	// "Today" is 2026-07-30 at 09:00 Moscow time; the deadline is exactly
	// one calendar day out (2026-07-31), which the 09:00 local
	// time-of-day should not perturb.
	now := time.Date(2026, 7, 30, 9, 0, 0, 0, loc)
	target := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	_, err = st.CreateGoal(models.Goal{UserID: "u1", Title: "Learn Spanish", Status: models.GoalStatusActive, TargetDate: &target})
	require.NoError(t, err)

	adapter := &recordingAdapter{}
	sch := scheduler.NewScheduler()
	defer sch.Stop()
	n := New(sch, st, adapter, 30)

	n.scanGoalDeadlines(context.Background(), now)
	n.drainOutbox(context.Background(), now)

	require.Len(t, adapter.messages(), 1)
	assert.Contains(t, adapter.messages()[0].HTMLText, "1 дн.")
}

func TestScanMotivation_SkipsUsersWithoutActiveGoals(t *testing.T) {
	st := store.NewInMemoryStore()
	require.NoError(t, st.UpsertUser(models.User{UserID: "u1", ChatID: "c1", Timezone: "UTC", NotifyMotivation: true}))

	loc, _ := time.LoadLocation("UTC")
	now := time.Date(2026, 7, 30, 8, 0, 0, 0, loc)

	adapter := &recordingAdapter{}
	sch := scheduler.NewScheduler()
	defer sch.Stop()
	n := New(sch, st, adapter, 30)

	n.scanMotivation(context.Background(), now)
	n.drainOutbox(context.Background(), now)
	assert.Empty(t, adapter.messages())

	_, err := st.CreateGoal(models.Goal{UserID: "u1", Title: "Goal", Status: models.GoalStatusActive})
	require.NoError(t, err)

	n.scanMotivation(context.Background(), now)
	n.drainOutbox(context.Background(), now)
	assert.Len(t, adapter.messages(), 1)
}
