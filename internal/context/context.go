// Package context implements the Context Assembler (spec.md §4.1): for
// each inbound turn it builds a read-only prompt bundle consumed by the
// Intent Parser. It never calls the model and never mutates the store;
// a failure on any optional slot degrades that slot to empty rather than
// aborting the turn.
package context

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ngoalkeeper/goaltender/internal/models"
	"github.com/ngoalkeeper/goaltender/internal/store"
	"github.com/ngoalkeeper/goaltender/internal/tone"
)

// MaxActiveGoals and MaxHistoryTurns bound the bundle size so it always
// fits the model's context window after template expansion (spec.md
// §4.1 contract).
const (
	MaxActiveGoals       = 20
	MaxHistoryTurns      = 5
	UpcomingEventsWindow = 7 * 24 * time.Hour
)

// GoalSummary is the slim goal projection the bundle carries.
type GoalSummary struct {
	Title      string
	Progress   int
	TargetDate string // YYYY-MM-DD, empty if unset
}

// EventSummary is the slim event projection the bundle carries.
type EventSummary struct {
	Title string
	Date  string // YYYY-MM-DD
	Time  string // HH:MM, empty for all-day
}

// HistoryTurn is one (role, text) pair from the conversation window.
type HistoryTurn struct {
	Role models.MessageRole
	Text string
}

// Bundle is the opaque prompt bundle handed to the Intent Parser.
type Bundle struct {
	UserID              string
	UserName            string
	Timezone            string
	Now                 string // formatted to the user's zone, minute precision
	ActiveGoals         []GoalSummary
	UpcomingEvents      []EventSummary
	ConversationHistory []HistoryTurn
	StateContext        map[string]string // non-nil only if the user is in a non-idle state
	CurrentState        models.StateType
	ToneGuide           string // optional reply-register hint, degrades to "" silently
}

// Assembler builds Bundles from the store.
type Assembler struct {
	st store.Store
}

// New builds an Assembler over the given store.
func New(st store.Store) *Assembler {
	return &Assembler{st: st}
}

// Build produces the prompt bundle for one inbound turn. It never
// returns an error: any slot that fails to load is simply omitted, per
// spec.md §4.1's degrade-rather-than-abort contract.
func (a *Assembler) Build(ctx context.Context, userID string) *Bundle {
	slog.Debug("Assembler.Build invoked", "userID", userID)

	b := &Bundle{UserID: userID, Timezone: models.DefaultTimezone}

	user, err := a.st.GetUser(userID)
	if err != nil {
		slog.Warn("Assembler.Build: GetUser failed, using defaults", "userID", userID, "error", err)
	} else {
		b.Timezone = user.Timezone
		if b.Timezone == "" {
			b.Timezone = models.DefaultTimezone
		}
		b.UserName = user.ChatID
	}

	loc, locErr := time.LoadLocation(b.Timezone)
	if locErr != nil {
		slog.Warn("Assembler.Build: invalid timezone, falling back to UTC", "timezone", b.Timezone, "error", locErr)
		loc = time.UTC
	}
	now := time.Now().In(loc)
	b.Now = now.Format("2006-01-02 15:04")

	if goals, gErr := a.st.ListGoals(userID, "active"); gErr != nil {
		slog.Warn("Assembler.Build: ListGoals failed, omitting slot", "userID", userID, "error", gErr)
	} else {
		sort.Slice(goals, func(i, j int) bool { return goalOrderLess(goals[i], goals[j]) })
		for i, g := range goals {
			if i >= MaxActiveGoals {
				break
			}
			gs := GoalSummary{Title: g.Title, Progress: g.ProgressPercent}
			if g.TargetDate != nil {
				gs.TargetDate = g.TargetDate.Format("2006-01-02")
			}
			b.ActiveGoals = append(b.ActiveGoals, gs)
		}
	}

	from := now.UTC()
	to := from.Add(UpcomingEventsWindow)
	if events, eErr := a.st.ListEvents(userID, from, to); eErr != nil {
		slog.Warn("Assembler.Build: ListEvents failed, omitting slot", "userID", userID, "error", eErr)
	} else {
		for _, e := range events {
			b.UpcomingEvents = append(b.UpcomingEvents, EventSummary{
				Title: e.Title,
				Date:  e.Date.Format("2006-01-02"),
				Time:  e.Time,
			})
		}
	}

	if msgs, mErr := a.st.ListRecentMessages(userID, MaxHistoryTurns); mErr != nil {
		slog.Warn("Assembler.Build: ListRecentMessages failed, omitting slot", "userID", userID, "error", mErr)
	} else {
		for _, m := range msgs {
			b.ConversationHistory = append(b.ConversationHistory, HistoryTurn{Role: m.Role, Text: m.Text})
		}
	}

	if fs, fErr := a.st.GetFlowState(userID); fErr != nil {
		slog.Warn("Assembler.Build: GetFlowState failed, assuming idle", "userID", userID, "error", fErr)
		b.CurrentState = models.StateIdle
	} else {
		b.CurrentState = fs.CurrentState
		if fs.CurrentState != models.StateIdle {
			b.StateContext = fs.StateData
		}
	}

	b.ToneGuide = tone.DefaultGuide()

	slog.Debug("Assembler.Build completed", "userID", userID, "goals", len(b.ActiveGoals), "events", len(b.UpcomingEvents), "history", len(b.ConversationHistory))
	return b
}

func goalOrderLess(a, b models.Goal) bool {
	ra, rb := goalStatusRank(a.Status), goalStatusRank(b.Status)
	if ra != rb {
		return ra < rb
	}
	if a.TargetDate == nil && b.TargetDate != nil {
		return false
	}
	if a.TargetDate != nil && b.TargetDate == nil {
		return true
	}
	if a.TargetDate != nil && b.TargetDate != nil && !a.TargetDate.Equal(*b.TargetDate) {
		return a.TargetDate.Before(*b.TargetDate)
	}
	return a.GoalID < b.GoalID
}

func goalStatusRank(s models.GoalStatus) int {
	switch s {
	case models.GoalStatusActive:
		return 0
	case models.GoalStatusPaused:
		return 1
	case models.GoalStatusCompleted:
		return 2
	default:
		return 3
	}
}

// Render renders a Bundle plus the raw utterance into the flat system+user
// prompt pair the llm package's CompleteJSON/CompleteText expect. The
// template contract is (bundle, utterance) -> string, stable regardless
// of which model backs internal/llm (spec.md §9's template note).
func Render(b *Bundle, utterance string) (system, user string) {
	system = fmt.Sprintf(
		"You are a goal-planning assistant. User timezone: %s. Current time: %s. %s",
		b.Timezone, b.Now, b.ToneGuide,
	)
	user = utterance
	return system, user
}
