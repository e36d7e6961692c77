// Package recovery implements the startup crash-recovery sweep implied by
// spec.md §C.3: a process that crashes between persisting a Goal+Steps
// (Decomposer Phase 1) and placing them on the calendar (Phases 2-3)
// leaves that goal with is_scheduled=false forever unless something
// re-attempts placement. It also requeues durable jobs and outbox
// messages stuck mid-flight in another instance that died, using the
// store's crash-recovery primitives (internal/store's JobRepo and
// OutboxRepo).
package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ngoalkeeper/goaltender/internal/decompose"
	"github.com/ngoalkeeper/goaltender/internal/models"
	"github.com/ngoalkeeper/goaltender/internal/store"
)

// placementConcurrency bounds how many goals are re-placed at once; each
// placement issues several store calls, so this is kept modest rather
// than unbounded.
const placementConcurrency = 4

// StaleAfter is how long a job/outbox message may sit claimed ("running"
// or "sending") before a startup sweep assumes the claiming process died
// and requeues it.
const StaleAfter = 10 * time.Minute

// defaultWeekdays is the fallback availability window for a goal whose
// owning user never recorded a scheduling preference (spec.md §3 User
// PreferredWeekdays is optional); every day is offered rather than none.
var defaultWeekdays = []int{0, 1, 2, 3, 4, 5, 6}

const (
	defaultPreferredHour   = 9
	defaultPreferredMinute = 0
)

// Result summarizes one sweep for logging/testing.
type Result struct {
	RequeuedJobs     int
	RequeuedMessages int
	GoalsAttempted   int
	GoalsPlaced      int
	GoalsFailed      int
}

// Sweep runs once at process startup, before the HTTP listener and the
// Notification Scheduler start accepting work: it requeues anything left
// mid-flight by a prior crashed instance, then re-attempts placement for
// every goal still unscheduled.
func Sweep(ctx context.Context, st store.Store, decomposer *decompose.Decomposer) (Result, error) {
	var res Result
	cutoff := time.Now().Add(-StaleAfter)

	if n, err := st.RequeueStaleRunningJobs(cutoff); err != nil {
		slog.Warn("recovery.Sweep: requeue stale jobs failed", "error", err)
	} else {
		res.RequeuedJobs = n
		if n > 0 {
			slog.Info("recovery.Sweep: requeued stale jobs", "count", n)
		}
	}

	if n, err := st.RequeueStaleSendingMessages(cutoff); err != nil {
		slog.Warn("recovery.Sweep: requeue stale outbox messages failed", "error", err)
	} else {
		res.RequeuedMessages = n
		if n > 0 {
			slog.Info("recovery.Sweep: requeued stale outbox messages", "count", n)
		}
	}

	goals, err := st.ListUnscheduledGoals()
	if err != nil {
		return res, err
	}
	res.GoalsAttempted = len(goals)

	var mu sync.Mutex
	eg := &errgroup.Group{}
	eg.SetLimit(placementConcurrency)
	for _, g := range goals {
		g := g
		eg.Go(func() error {
			ok := placeGoal(ctx, st, decomposer, g)
			mu.Lock()
			if ok {
				res.GoalsPlaced++
			} else {
				res.GoalsFailed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	if res.GoalsAttempted > 0 {
		slog.Info("recovery.Sweep: re-attempted goal placement",
			"attempted", res.GoalsAttempted, "placed", res.GoalsPlaced, "failed", res.GoalsFailed)
	}
	return res, nil
}

func placeGoal(ctx context.Context, st store.Store, decomposer *decompose.Decomposer, g models.Goal) bool {
	user, err := st.GetUser(g.UserID)
	tz := models.DefaultTimezone
	weekdays := defaultWeekdays
	hour, minute := defaultPreferredHour, defaultPreferredMinute
	if err == nil {
		if user.Timezone != "" {
			tz = user.Timezone
		}
		if len(user.PreferredWeekdays) > 0 {
			weekdays = user.PreferredWeekdays
		}
		if user.PreferredStartHour != 0 || user.PreferredStartMinute != 0 {
			hour, minute = user.PreferredStartHour, user.PreferredStartMinute
		}
	}

	if _, err := decomposer.PlaceSteps(ctx, g.UserID, g.GoalID, tz, weekdays, hour, minute); err != nil {
		slog.Warn("recovery.Sweep: placement retry failed", "userID", g.UserID, "goalID", g.GoalID, "error", err)
		return false
	}
	return true
}
