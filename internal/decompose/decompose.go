// Package decompose implements the Goal Decomposer & Auto-Scheduler
// (spec.md §4.5): turning a validated goal draft into a persisted
// Goal + ordered Steps (Phase 1), then placing those steps onto concrete
// calendar slots that respect the user's declared availability and
// existing commitments (Phases 2-3).
package decompose

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/ngoalkeeper/goaltender/internal/models"
	"github.com/ngoalkeeper/goaltender/internal/store"
)

// ModelClient is the narrow model surface the decomposer needs, mirroring
// internal/intent's pattern so tests can substitute a fake.
type ModelClient interface {
	CompleteJSON(ctx context.Context, system, user string) (string, error)
	RetryJSON(ctx context.Context, system, user string) (string, error)
}

// Decomposer drives both decomposition phases.
type Decomposer struct {
	llm ModelClient
	st  store.Store
}

// New builds a Decomposer.
func New(llm ModelClient, st store.Store) *Decomposer {
	return &Decomposer{llm: llm, st: st}
}

// Draft is the validated goal.create intent, already past SMART gating.
type Draft struct {
	Title          string
	Description    string
	TargetDate     string // YYYY-MM-DD, optional
	Category       string
	Priority       models.Priority
	UserLevel      string
	TimeCommitment string
}

// StepDraft is one row of the model's decomposition response.
type StepDraft struct {
	Title          string  `json:"title"`
	EstimatedHours float64 `json:"estimated_hours"`
	Order          int     `json:"order"`
}

const decompositionSchema = `
Break the goal into an ordered list of concrete, actionable steps. Reply
with a JSON array only, no markdown fences, no commentary. Each element
has exactly these fields: "title" (non-empty string), "estimated_hours"
(positive number), "order" (integer, a permutation of 1..N with no gaps
or repeats). Produce between 3 and 12 steps.`

// decomposeSteps runs Phase 1's model call with the spec's retry-once,
// fall back to single-catch-all-step contract.
func (d *Decomposer) decomposeSteps(ctx context.Context, draft Draft) ([]StepDraft, error) {
	system := fmt.Sprintf(
		"Goal: %s\nDescription: %s\nTarget date: %s\nUser level: %s\nTime commitment: %s\n%s",
		draft.Title, draft.Description, draft.TargetDate, draft.UserLevel, draft.TimeCommitment, decompositionSchema,
	)
	user := draft.Title

	raw, err := d.llm.CompleteJSON(ctx, system, user)
	if err == nil {
		if steps, verr := parseAndValidateSteps(raw); verr == nil {
			return steps, nil
		}
	}

	slog.Debug("Decomposer.decomposeSteps: first attempt failed, retrying", "goal", draft.Title)
	raw2, err2 := d.llm.RetryJSON(ctx, system, user)
	if err2 == nil {
		if steps, verr := parseAndValidateSteps(raw2); verr == nil {
			return steps, nil
		}
	}

	slog.Warn("Decomposer.decomposeSteps: falling back to single catch-all step", "goal", draft.Title)
	return []StepDraft{{Title: draft.Title, EstimatedHours: 1, Order: 1}}, nil
}

func parseAndValidateSteps(raw string) ([]StepDraft, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var steps []StepDraft
	if err := json.Unmarshal([]byte(raw), &steps); err != nil {
		return nil, fmt.Errorf("decompose: unmarshal step list: %w", err)
	}
	if len(steps) < 3 || len(steps) > 12 {
		return nil, fmt.Errorf("decompose: step count %d out of [3,12]", len(steps))
	}
	seen := make(map[int]bool, len(steps))
	for _, s := range steps {
		if s.Title == "" {
			return nil, fmt.Errorf("decompose: empty step title")
		}
		if s.EstimatedHours <= 0 {
			return nil, fmt.Errorf("decompose: non-positive estimated_hours for %q", s.Title)
		}
		if s.Order < 1 || s.Order > len(steps) || seen[s.Order] {
			return nil, fmt.Errorf("decompose: invalid or duplicate order %d", s.Order)
		}
		seen[s.Order] = true
	}
	return steps, nil
}

// CreateGoalWithSteps is Phase 1: persist the Goal and its unscheduled
// Steps. The goal is not yet placed on the calendar.
func (d *Decomposer) CreateGoalWithSteps(ctx context.Context, userID string, draft Draft) (models.Goal, []models.Step, error) {
	g := models.Goal{
		UserID:      userID,
		Title:       draft.Title,
		Description: draft.Description,
		Status:      models.GoalStatusActive,
		Category:    draft.Category,
		Priority:    draft.Priority,
	}
	if draft.TargetDate != "" {
		if t, err := time.Parse("2006-01-02", draft.TargetDate); err == nil {
			g.TargetDate = &t
		}
	}

	goalID, err := d.st.CreateGoal(g)
	if err != nil {
		return models.Goal{}, nil, fmt.Errorf("decompose: create goal: %w", err)
	}
	g.GoalID = goalID

	drafts, err := d.decomposeSteps(ctx, draft)
	if err != nil {
		return models.Goal{}, nil, fmt.Errorf("decompose: decompose steps: %w", err)
	}

	sort.Slice(drafts, func(i, j int) bool { return drafts[i].Order < drafts[j].Order })

	steps := make([]models.Step, 0, len(drafts))
	for _, sd := range drafts {
		s := models.Step{
			GoalID:         goalID,
			UserID:         userID,
			Title:          sd.Title,
			Order:          sd.Order,
			Status:         models.StepStatusPending,
			EstimatedHours: sd.EstimatedHours,
		}
		stepID, err := d.st.CreateStep(s)
		if err != nil {
			return models.Goal{}, nil, fmt.Errorf("decompose: create step: %w", err)
		}
		s.StepID = stepID
		steps = append(steps, s)
	}

	slog.Info("Decomposer.CreateGoalWithSteps succeeded", "userID", userID, "goalID", goalID, "stepCount", len(steps))
	return g, steps, nil
}

// busyInterval is a [start, end) window already occupied on a given day.
type busyInterval struct {
	start, end time.Time
}

func overlaps(a busyInterval, start, end time.Time) bool {
	return start.Before(a.end) && a.start.Before(end)
}

// availabilityDay is one entry of the Phase 2 availability map.
type availabilityDay struct {
	date  time.Time
	busy  []busyInterval
}

// buildAvailability is Phase 2: mark each of the next D days available if
// its weekday is in weekdays, and collect existing-event busy intervals
// for each available day.
func (d *Decomposer) buildAvailability(userID string, loc *time.Location, today time.Time, days int, weekdays map[int]bool) ([]availabilityDay, error) {
	out := make([]availabilityDay, 0, days)
	for i := 0; i < days; i++ {
		day := today.AddDate(0, 0, i)
		wd := goWeekdayToMonFirst(day.Weekday())
		if !weekdays[wd] {
			continue
		}
		dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
		dayEnd := dayStart.AddDate(0, 0, 1)
		events, err := d.st.ListEvents(userID, dayStart, dayEnd)
		if err != nil {
			return nil, fmt.Errorf("decompose: list events for availability: %w", err)
		}
		busy := make([]busyInterval, 0, len(events))
		for _, e := range events {
			if e.Time == "" {
				continue
			}
			start, err := parseEventTime(e.Date, e.Time, loc)
			if err != nil {
				continue
			}
			dur := e.DurationMinutes
			if dur <= 0 {
				dur = models.DefaultEventDurationMinutes
			}
			busy = append(busy, busyInterval{start: start, end: start.Add(time.Duration(dur) * time.Minute)})
		}
		sort.Slice(busy, func(i, j int) bool { return busy[i].start.Before(busy[j].start) })
		out = append(out, availabilityDay{date: dayStart, busy: busy})
	}
	return out, nil
}

// goWeekdayToMonFirst maps time.Weekday (Sun=0) to the spec's 0=Mon..6=Sun.
func goWeekdayToMonFirst(w time.Weekday) int {
	return (int(w) + 6) % 7
}

func parseEventTime(date time.Time, clock string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation("2006-01-02 15:04", date.Format("2006-01-02")+" "+clock, loc)
}

// afterCalendarDate reports whether instant's calendar date in loc falls
// after deadline's calendar date in loc. deadline is always persisted as
// UTC midnight (CreateGoalWithSteps), so comparing raw instants would
// flag any daytime placement on the deadline's own day, in a zone ahead
// of UTC, as past it; comparing formatted dates avoids that.
func afterCalendarDate(instant, deadline time.Time, loc *time.Location) bool {
	const dateLayout = "2006-01-02"
	return instant.In(loc).Format(dateLayout) > deadline.In(loc).Format(dateLayout)
}

// PlacementResult is what PlaceSteps hands back to the dispatcher.
type PlacementResult struct {
	TightDeadline bool
}

// PlaceSteps is Phases 2-3: build the availability map and place every
// unscheduled step of goalID, respecting weekdays and the preferred
// start time, advancing in 30-minute increments on conflict. A no-op if
// the goal is already scheduled (spec.md §4.5 Idempotence).
func (d *Decomposer) PlaceSteps(ctx context.Context, userID string, goalID int64, timezone string, weekdays []int, prefHour, prefMinute int) (PlacementResult, error) {
	goal, err := d.st.GetGoal(userID, goalID)
	if err != nil {
		return PlacementResult{}, fmt.Errorf("decompose: get goal: %w", err)
	}
	if goal.IsScheduled {
		slog.Info("Decomposer.PlaceSteps: already scheduled, no-op", "userID", userID, "goalID", goalID)
		return PlacementResult{}, nil
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}

	steps, err := d.st.ListSteps(userID, goalID)
	if err != nil {
		return PlacementResult{}, fmt.Errorf("decompose: list steps: %w", err)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	daysOut := 14
	if goal.TargetDate != nil {
		untilDays := int(time.Until(*goal.TargetDate).Hours()/24) + 1
		if untilDays > daysOut {
			daysOut = untilDays
		}
	}
	if daysOut > 90 {
		daysOut = 90
	}

	weekdaySet := make(map[int]bool, len(weekdays))
	for _, w := range weekdays {
		weekdaySet[w] = true
	}
	if len(weekdaySet) == 0 {
		for i := 0; i < 7; i++ {
			weekdaySet[i] = true
		}
	}

	now := time.Now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	avail, err := d.buildAvailability(userID, loc, today, daysOut, weekdaySet)
	if err != nil {
		return PlacementResult{}, err
	}
	if len(avail) == 0 {
		return PlacementResult{}, fmt.Errorf("decompose: no available days in window")
	}

	dayIdx := 0
	tight := false

	for _, s := range steps {
		durMinutes := int(math.Ceil(s.EstimatedHours * 60))
		if durMinutes <= 0 {
			durMinutes = 60
		}

		placed := false
		for ; dayIdx < len(avail); dayIdx++ {
			day := &avail[dayIdx]
			start := time.Date(day.date.Year(), day.date.Month(), day.date.Day(), prefHour, prefMinute, 0, 0, loc)
			dayEnd := day.date.AddDate(0, 0, 1)

			for start.Add(time.Duration(durMinutes) * time.Minute).Before(dayEnd) || start.Add(time.Duration(durMinutes)*time.Minute).Equal(dayEnd) {
				end := start.Add(time.Duration(durMinutes) * time.Minute)
				free := true
				for _, b := range day.busy {
					if overlaps(b, start, end) {
						free = false
						break
					}
				}
				if free {
					day.busy = append(day.busy, busyInterval{start: start, end: end})
					if goal.TargetDate != nil && afterCalendarDate(start, *goal.TargetDate, loc) {
						tight = true
					}
					if err := d.persistPlacement(userID, goalID, s, start, durMinutes); err != nil {
						return PlacementResult{}, err
					}
					placed = true
					break
				}
				start = start.Add(30 * time.Minute)
			}
			if placed {
				break
			}
		}
		if !placed {
			slog.Warn("Decomposer.PlaceSteps: ran out of available days", "userID", userID, "goalID", goalID, "step", s.StepID)
			tight = true
		}
	}

	goal.IsScheduled = true
	if err := d.st.UpdateGoal(goal); err != nil {
		return PlacementResult{}, fmt.Errorf("decompose: mark goal scheduled: %w", err)
	}

	slog.Info("Decomposer.PlaceSteps succeeded", "userID", userID, "goalID", goalID, "tight", tight)
	return PlacementResult{TightDeadline: tight}, nil
}

func (d *Decomposer) persistPlacement(userID string, goalID int64, s models.Step, start time.Time, durMinutes int) error {
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
	ev := models.Event{
		UserID:                userID,
		Title:                 s.Title,
		Date:                  day,
		Time:                  start.Format("15:04"),
		DurationMinutes:       durMinutes,
		EventType:             models.EventTypeGoalStep,
		LinkedStepID:          &s.StepID,
		LinkedGoalID:          &goalID,
		ReminderMinutesBefore: models.DefaultReminderMinutesBefore,
		ReminderEnabled:       true,
	}
	eventID, err := d.st.CreateEvent(ev)
	if err != nil {
		return fmt.Errorf("decompose: create event for step %d: %w", s.StepID, err)
	}

	clock := start.Format("15:04")
	s.PlannedDate = &day
	s.PlannedTime = clock
	s.DurationMinutes = durMinutes
	s.LinkedEventID = &eventID
	if err := d.st.UpdateStep(s); err != nil {
		return fmt.Errorf("decompose: update step %d with placement: %w", s.StepID, err)
	}
	return nil
}
