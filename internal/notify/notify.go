// Package notify implements the Notification Scheduler (spec.md §4.6):
// four periodic jobs that scan the store and emit reminders through the
// transport adapter, each firing decision made in the affected user's own
// local timezone, deduplicated per local day, and rate-limited on the
// way out through a durable outbox (spec.md §C.1 supplement: a transport
// outage must not lose a reminder).
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/ngoalkeeper/goaltender/internal/models"
	"github.com/ngoalkeeper/goaltender/internal/scheduler"
	"github.com/ngoalkeeper/goaltender/internal/store"
	"github.com/ngoalkeeper/goaltender/internal/transport"
)

const (
	jobKindEventReminder = "event_reminder"
	jobKindGoalDeadline  = "goal_deadline"
	jobKindStepReminder  = "step_reminder"
	jobKindMotivation    = "motivation"

	outboxClaimBatch = 200
)

// Notifier drives the four periodic jobs on a single shared minute tick,
// so each job's "daily at HH:MM local" trigger can be evaluated against
// every user's own timezone rather than the process's.
type Notifier struct {
	sch       *scheduler.Scheduler
	st        store.Store
	transport transport.Adapter
	limiter   *rate.Limiter
	motivators []string
}

// New builds a Notifier. ratePerSec bounds outbound send rate globally
// (spec.md §4.6 Backpressure, default 30/s).
func New(sch *scheduler.Scheduler, st store.Store, tr transport.Adapter, ratePerSec int) *Notifier {
	if ratePerSec <= 0 {
		ratePerSec = 30
	}
	return &Notifier{
		sch: sch, st: st, transport: tr,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		motivators: []string{
			"Маленькие шаги приводят к большим результатам.",
			"Вы уже ближе к цели, чем вчера.",
			"Постоянство важнее скорости.",
			"Сегодня отличный день, чтобы продвинуться ещё на шаг.",
		},
	}
}

// Start registers the shared minute tick with the scheduler.
func (n *Notifier) Start() error {
	return n.sch.AddJob("* * * * *", n.tick)
}

// tick is the cron callback; it has no request-scoped deadline so a
// fresh background context with a generous timeout is used, matching
// spec.md §5's suspension-point contract for the scheduler pool.
func (n *Notifier) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Second)
	defer cancel()

	now := time.Now().UTC()
	n.scanEventReminders(ctx, now)
	n.scanGoalDeadlines(ctx, now)
	n.scanStepReminders(ctx, now)
	n.scanMotivation(ctx, now)
	n.drainOutbox(ctx, now)
}

type payload struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

func (n *Notifier) enqueue(userID, chatID, jobKind, entityID, fireDate, text string) {
	dup, err := n.st.IsNotificationDuplicate(userID, jobKind, entityID, fireDate)
	if err != nil {
		slog.Warn("Notifier.enqueue: dedup check failed", "userID", userID, "jobKind", jobKind, "error", err)
		return
	}
	if dup {
		return
	}
	fresh, err := n.st.RecordNotificationFired(userID, jobKind, entityID, fireDate)
	if err != nil {
		slog.Warn("Notifier.enqueue: record fired failed", "userID", userID, "jobKind", jobKind, "error", err)
		return
	}
	if !fresh {
		return // benign race: another tick already claimed this occurrence
	}

	p := payload{ChatID: chatID, UserID: userID, Text: text}
	raw, err := json.Marshal(p)
	if err != nil {
		slog.Warn("Notifier.enqueue: marshal payload failed", "error", err)
		return
	}
	dedupeKey := fmt.Sprintf("%s:%s:%s:%s", userID, jobKind, entityID, fireDate)
	if _, err := n.st.EnqueueOutboxMessage(chatID, jobKind, string(raw), dedupeKey); err != nil {
		slog.Warn("Notifier.enqueue: outbox insert failed", "userID", userID, "jobKind", jobKind, "error", err)
	}
}

// maxReminderLead bounds how far ahead an event can be for its reminder
// to still fall within a lookahead window; generous enough that no
// reminder_minutes_before value configured through the API is missed.
const maxReminderLead = 24 * time.Hour

// scanEventReminders implements the "every 60s" job: events whose
// reminder lead time (event_datetime - reminder_minutes_before) falls in
// [now, now+60s). ListEventsForReminderWindow filters on raw event start
// time, so a generous window is fetched here and the precise lead-time
// arithmetic is done locally, since reminder_minutes_before varies per
// event.
func (n *Notifier) scanEventReminders(ctx context.Context, now time.Time) {
	tickEnd := now.Add(60 * time.Second)
	events, err := n.st.ListEventsForReminderWindow(now, tickEnd.Add(maxReminderLead))
	if err != nil {
		slog.Warn("Notifier.scanEventReminders: list failed", "error", err)
		return
	}
	for _, e := range events {
		if !e.ReminderEnabled {
			continue
		}
		eventStart, err := parseEventDateTime(e)
		if err != nil {
			continue
		}
		remindAt := eventStart.Add(-time.Duration(e.ReminderMinutesBefore) * time.Minute)
		if remindAt.Before(now) || !remindAt.Before(tickEnd) {
			continue
		}
		user, err := n.st.GetUser(e.UserID)
		if err != nil || !user.NotifyEventReminder {
			continue
		}
		fireDate := e.Date.Format("2006-01-02")
		text := fmt.Sprintf("<b>%s</b>\nчерез %d мин.", e.Title, e.ReminderMinutesBefore)
		n.enqueue(e.UserID, user.ChatID, jobKindEventReminder, fmt.Sprintf("%d", e.EventID), fireDate, text)
	}
}

func parseEventDateTime(e models.Event) (time.Time, error) {
	clock := e.Time
	if clock == "" {
		clock = "00:00"
	}
	return time.Parse("2006-01-02 15:04", e.Date.Format("2006-01-02")+" "+clock)
}

var deadlineMilestones = map[int]bool{7: true, 3: true, 1: true, 0: true}

// scanGoalDeadlines implements the "daily 09:00 local" job by checking,
// for every active user, whether it is currently 09:00 in their zone.
func (n *Notifier) scanGoalDeadlines(ctx context.Context, now time.Time) {
	users, err := n.st.ListUsersWithToggle(store.ToggleGoalDeadline)
	if err != nil {
		slog.Warn("Notifier.scanGoalDeadlines: list users failed", "error", err)
		return
	}
	for _, u := range users {
		if !atLocalTime(u.Timezone, now, 9, 0) {
			continue
		}
		goals, err := n.st.ListGoals(u.UserID, string(models.GoalStatusActive))
		if err != nil {
			slog.Warn("Notifier.scanGoalDeadlines: list goals failed", "userID", u.UserID, "error", err)
			continue
		}
		loc := locationFor(u.Timezone)
		today := now.In(loc)
		todayDate := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, loc)
		for _, g := range goals {
			if g.TargetDate == nil {
				continue
			}
			targetDate := g.TargetDate.In(loc)
			targetDate = time.Date(targetDate.Year(), targetDate.Month(), targetDate.Day(), 0, 0, 0, 0, loc)
			daysLeft := int(targetDate.Sub(todayDate).Hours() / 24)
			if !deadlineMilestones[daysLeft] {
				continue
			}
			fireDate := today.Format("2006-01-02")
			text := fmt.Sprintf("Цель «%s»: %d%% выполнено, осталось %d дн.", g.Title, g.ProgressPercent, daysLeft)
			n.enqueue(u.UserID, u.ChatID, jobKindGoalDeadline, fmt.Sprintf("%d", g.GoalID), fireDate, text)
		}
	}
}

// scanStepReminders implements the "daily 20:00 local" overdue-steps job.
func (n *Notifier) scanStepReminders(ctx context.Context, now time.Time) {
	users, err := n.st.ListUsersWithToggle(store.ToggleStepReminder)
	if err != nil {
		slog.Warn("Notifier.scanStepReminders: list users failed", "error", err)
		return
	}
	for _, u := range users {
		if !atLocalTime(u.Timezone, now, 20, 0) {
			continue
		}
		loc := locationFor(u.Timezone)
		today := now.In(loc)
		steps, err := n.st.ListOverdueSteps(u.UserID, today)
		if err != nil {
			slog.Warn("Notifier.scanStepReminders: list steps failed", "userID", u.UserID, "error", err)
			continue
		}
		if len(steps) == 0 {
			continue
		}
		byGoal := make(map[int64][]models.Step)
		for _, s := range steps {
			byGoal[s.GoalID] = append(byGoal[s.GoalID], s)
		}
		var text string
		for goalID, group := range byGoal {
			text += fmt.Sprintf("Цель #%d: %d просроченных шагов\n", goalID, len(group))
		}
		fireDate := today.Format("2006-01-02")
		n.enqueue(u.UserID, u.ChatID, jobKindStepReminder, "all", fireDate, text)
	}
}

// scanMotivation implements the "daily 08:00 local" motivation job.
func (n *Notifier) scanMotivation(ctx context.Context, now time.Time) {
	users, err := n.st.ListUsersWithToggle(store.ToggleMotivation)
	if err != nil {
		slog.Warn("Notifier.scanMotivation: list users failed", "error", err)
		return
	}
	for _, u := range users {
		if !atLocalTime(u.Timezone, now, 8, 0) {
			continue
		}
		goals, err := n.st.ListGoals(u.UserID, string(models.GoalStatusActive))
		if err != nil || len(goals) == 0 {
			continue
		}
		loc := locationFor(u.Timezone)
		today := now.In(loc)
		motivator := n.motivators[rand.Intn(len(n.motivators))]
		text := fmt.Sprintf("%s\nАктивных целей: %d", motivator, len(goals))
		n.enqueue(u.UserID, u.ChatID, jobKindMotivation, "daily", today.Format("2006-01-02"), text)
	}
}

// drainOutbox claims due messages and sends them through the transport
// adapter under the global rate limit, deferring whatever does not fit
// this tick's budget to the next one (spec.md §4.6 Backpressure). A failed
// send is requeued five seconds later and a payload that does not decode
// is requeued an hour later; the number of attempts is not capped, so a
// message stays in the outbox until a send succeeds.
func (n *Notifier) drainOutbox(ctx context.Context, now time.Time) {
	msgs, err := n.st.ClaimDueOutboxMessages(now, outboxClaimBatch)
	if err != nil {
		slog.Warn("Notifier.drainOutbox: claim failed", "error", err)
		return
	}
	for _, m := range msgs {
		if !n.limiter.Allow() {
			if err := n.st.FailOutboxMessage(m.ID, "rate limited, deferred to next tick", now.Add(2*time.Second)); err != nil {
				slog.Warn("Notifier.drainOutbox: defer failed", "id", m.ID, "error", err)
			}
			continue
		}

		var p payload
		if err := json.Unmarshal([]byte(m.PayloadJSON), &p); err != nil {
			slog.Warn("Notifier.drainOutbox: bad payload, requeued an hour later", "id", m.ID, "error", err)
			_ = n.st.FailOutboxMessage(m.ID, "unmarshal failure", now.Add(time.Hour))
			continue
		}

		err := n.transport.Send(ctx, transport.OutboundMessage{UserID: p.UserID, ChatID: p.ChatID, HTMLText: p.Text})
		if err != nil {
			slog.Warn("Notifier.drainOutbox: send failed, requeued", "id", m.ID, "error", err)
			if ferr := n.st.FailOutboxMessage(m.ID, err.Error(), now.Add(5*time.Second)); ferr != nil {
				slog.Warn("Notifier.drainOutbox: record failure failed", "id", m.ID, "error", ferr)
			}
			continue
		}
		if err := n.st.MarkOutboxMessageSent(m.ID); err != nil {
			slog.Warn("Notifier.drainOutbox: mark sent failed", "id", m.ID, "error", err)
		}
	}
}

func locationFor(tz string) *time.Location {
	if tz == "" {
		tz = models.DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// atLocalTime reports whether now, converted to tz, currently falls in
// the minute [hour:minute, hour:minute+1) — the tick granularity the
// scheduler runs at.
func atLocalTime(tz string, now time.Time, hour, minute int) bool {
	local := now.In(locationFor(tz))
	return local.Hour() == hour && local.Minute() == minute
}
