// Package dispatch implements the Intent Dispatcher (spec.md §4.3):
// given one validated intent, it executes the corresponding store
// operation transactionally (cascades, progress recomputation) and
// builds the user-facing CoreResponse, delegating to internal/dialog for
// multi-turn sub-flows and internal/decompose for goal.create.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ngoalkeeper/goaltender/internal/apperr"
	"github.com/ngoalkeeper/goaltender/internal/dialog"
	"github.com/ngoalkeeper/goaltender/internal/decompose"
	"github.com/ngoalkeeper/goaltender/internal/models"
	"github.com/ngoalkeeper/goaltender/internal/resultset"
	"github.com/ngoalkeeper/goaltender/internal/store"
)

// Summarizer is the narrow model surface used for the second, response-
// phrasing model call (spec.md §4.3 Response construction).
type Summarizer interface {
	CompleteText(ctx context.Context, system, user string) (string, error)
}

// Dispatcher routes intents to handlers and builds responses.
type Dispatcher struct {
	st         store.Store
	rs         *resultset.Cache
	dialog     *dialog.Machine
	decomposer *decompose.Decomposer
	summarizer Summarizer
}

// New builds a Dispatcher.
func New(st store.Store, rs *resultset.Cache, dm *dialog.Machine, dc *decompose.Decomposer, sum Summarizer) *Dispatcher {
	return &Dispatcher{st: st, rs: rs, dialog: dm, decomposer: dc, summarizer: sum}
}

// Dispatch executes in and returns the response the API layer serializes.
func (d *Dispatcher) Dispatch(ctx context.Context, userID string, in models.Intent) (models.CoreResponse, error) {
	slog.Debug("Dispatcher.Dispatch invoked", "userID", userID, "kind", in.Kind)

	switch in.Kind {
	case models.IntentSmallTalk:
		return d.handleSmallTalk(ctx, in)
	case models.IntentEventSearch:
		return d.handleEventSearch(ctx, userID, in)
	case models.IntentEventMutate:
		return d.handleEventMutate(ctx, userID, in)
	case models.IntentGoalSearch:
		return d.handleGoalSearch(ctx, userID, in)
	case models.IntentGoalCreate:
		return d.handleGoalCreate(ctx, userID, in)
	case models.IntentGoalDelete:
		return d.handleGoalDelete(ctx, userID, in)
	case models.IntentGoalQuery:
		return d.handleGoalQuery(ctx, userID, in)
	case models.IntentGoalUpdateStep:
		return d.handleGoalUpdateStep(ctx, userID, in)
	case models.IntentGoalAddStep:
		return d.handleGoalAddStep(ctx, userID, in)
	case models.IntentGoalDeleteStep:
		return d.handleGoalDeleteStep(ctx, userID, in)
	case models.IntentProductSearch:
		return d.handleProductSearch(ctx, in)
	default:
		return models.CoreResponse{}, apperr.New(apperr.KindIntentInvalid, fmt.Sprintf("unhandled kind %q", in.Kind), nil)
	}
}

func finalText(text string) models.CoreResponse {
	return models.CoreResponse{Success: true, ResponseType: models.ResponseTypeFinalText, Text: text}
}

// Confirm ops for the "confirm:<op>:<id>" callback grammar (spec.md §6).
// id is always a direct, already-resolved entity id, never a Result Set
// ordinal, so confirming never needs the cache that rendered the dry run.
const (
	ConfirmOpEventDelete = "event_delete"
	ConfirmOpGoalDelete  = "goal_delete"
	ConfirmOpStepDelete  = "step_delete"
)

func confirmPrompt(text, op string, id int64) models.CoreResponse {
	return models.CoreResponse{
		Success: true, ResponseType: models.ResponseTypeAskClarification, Text: text,
		Buttons: [][]models.Button{{
			{Text: "Подтвердить", CallbackData: fmt.Sprintf("confirm:%s:%d", op, id)},
			{Text: "Отмена", CallbackData: "cancel"},
		}},
	}
}

// HandleConfirm executes the mutation a "confirm:<op>:<id>" callback names,
// bypassing dry_run since the user has already seen and accepted the
// preview text confirmPrompt built.
func (d *Dispatcher) HandleConfirm(ctx context.Context, userID, op string, id int64) (models.CoreResponse, error) {
	switch op {
	case ConfirmOpEventDelete:
		return d.handleEventMutate(ctx, userID, models.Intent{
			Kind: models.IntentEventMutate, Op: models.MutateOpDelete, Target: &models.EntityRef{ID: id},
		})
	case ConfirmOpGoalDelete:
		return d.handleGoalDelete(ctx, userID, models.Intent{Kind: models.IntentGoalDelete, GoalRef: &models.EntityRef{ID: id}})
	case ConfirmOpStepDelete:
		return d.handleGoalDeleteStep(ctx, userID, models.Intent{Kind: models.IntentGoalDeleteStep, StepRef: &models.EntityRef{ID: id}})
	}
	return models.CoreResponse{}, apperr.New(apperr.KindIntentInvalid, fmt.Sprintf("unknown confirm op %q", op), nil)
}

func (d *Dispatcher) summarize(ctx context.Context, system, user string) string {
	if d.summarizer == nil {
		return user
	}
	text, err := d.summarizer.CompleteText(ctx, system, user)
	if err != nil {
		slog.Warn("Dispatcher.summarize: model call failed, falling back to raw text", "error", err)
		return user
	}
	return text
}

func (d *Dispatcher) handleSmallTalk(ctx context.Context, in models.Intent) (models.CoreResponse, error) {
	text := d.summarize(ctx,
		"Reply briefly and warmly in Russian to a casual remark. Use the hint as the gist of the reply.",
		in.ReplyHint)
	return finalText(text), nil
}

// --- events ---

func eventLess(a, b models.Event) bool {
	ad, bd := a.Date.Format("2006-01-02"), b.Date.Format("2006-01-02")
	if ad != bd {
		return ad < bd
	}
	at, bt := a.Time, b.Time
	if at == "" {
		at = "99:99"
	}
	if bt == "" {
		bt = "99:99"
	}
	if at != bt {
		return at < bt
	}
	return a.EventID < b.EventID
}

func (d *Dispatcher) handleEventSearch(ctx context.Context, userID string, in models.Intent) (models.CoreResponse, error) {
	from := time.Now().AddDate(-1, 0, 0)
	to := time.Now().AddDate(1, 0, 0)
	if in.DateFrom != "" {
		if t, err := time.Parse("2006-01-02", in.DateFrom); err == nil {
			from = t
		}
	}
	if in.DateTo != "" {
		if t, err := time.Parse("2006-01-02", in.DateTo); err == nil {
			to = t.AddDate(0, 0, 1)
		}
	}

	events, err := d.st.ListEvents(userID, from, to)
	if err != nil {
		return models.CoreResponse{}, storeErr(err)
	}

	filtered := events[:0]
	for _, e := range events {
		if in.TitleLike != "" && !containsFold(e.Title, in.TitleLike) {
			continue
		}
		if in.TimeFrom != "" && e.Time != "" && e.Time < in.TimeFrom {
			continue
		}
		if in.TimeTo != "" && e.Time != "" && e.Time > in.TimeTo {
			continue
		}
		filtered = append(filtered, e)
	}
	sort.Slice(filtered, func(i, j int) bool { return eventLess(filtered[i], filtered[j]) })

	ids := make([]int64, len(filtered))
	items := make([]any, len(filtered))
	for i, e := range filtered {
		ids[i] = e.EventID
		items[i] = e
	}
	rs := d.rs.Create(userID, models.ResultSetKindEvents, ids)

	return models.CoreResponse{
		Success: true, ResponseType: models.ResponseTypeRenderTable,
		Items: items, SetID: rs.SetID,
	}, nil
}

func containsFold(s, substr string) bool {
	return len(s) >= len(substr) && indexFold(s, substr) >= 0
}

func indexFold(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if equalFold(s[i:i+len(substr)], substr) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func (d *Dispatcher) handleEventMutate(ctx context.Context, userID string, in models.Intent) (models.CoreResponse, error) {
	switch in.Op {
	case models.MutateOpCreate:
		ev := models.Event{
			UserID: userID, Title: in.Title,
			DurationMinutes:       in.DurationMinutes,
			EventType:             models.EventTypeUser,
			ReminderMinutesBefore: models.DefaultReminderMinutesBefore,
			ReminderEnabled:       true,
		}
		if in.Date != "" {
			if t, err := time.Parse("2006-01-02", in.Date); err == nil {
				ev.Date = t
			}
		}
		ev.Time = in.Time
		if ev.DurationMinutes == 0 {
			ev.DurationMinutes = models.DefaultEventDurationMinutes
		}
		if in.DryRun {
			return finalText(fmt.Sprintf("Событие «%s» будет создано %s %s.", ev.Title, in.Date, in.Time)), nil
		}
		if _, err := d.st.CreateEvent(ev); err != nil {
			return models.CoreResponse{}, storeErr(err)
		}
		return finalText(fmt.Sprintf("Событие «%s» создано.", ev.Title)), nil

	case models.MutateOpUpdate:
		id, err := d.resolveRef(userID, in.Target)
		if err != nil {
			return models.CoreResponse{}, err
		}
		ev, gerr := d.st.GetEvent(userID, id)
		if gerr != nil {
			return models.CoreResponse{}, storeErr(gerr)
		}
		if in.Title != "" {
			ev.Title = in.Title
		}
		if in.Date != "" {
			if t, perr := time.Parse("2006-01-02", in.Date); perr == nil {
				ev.Date = t
			}
		}
		if in.Time != "" {
			ev.Time = in.Time
		}
		if in.DurationMinutes != 0 {
			ev.DurationMinutes = in.DurationMinutes
		}
		if in.DryRun {
			return finalText(fmt.Sprintf("Событие «%s» будет обновлено.", ev.Title)), nil
		}
		if err := d.st.UpdateEvent(ev); err != nil {
			return models.CoreResponse{}, storeErr(err)
		}
		return finalText(fmt.Sprintf("Событие «%s» обновлено.", ev.Title)), nil

	case models.MutateOpDelete:
		id, err := d.resolveRef(userID, in.Target)
		if err != nil {
			return models.CoreResponse{}, err
		}
		ev, gerr := d.st.GetEvent(userID, id)
		if gerr != nil {
			return models.CoreResponse{}, storeErr(gerr)
		}
		if in.DryRun {
			return confirmPrompt(fmt.Sprintf("Событие «%s» будет удалено. Подтвердить?", ev.Title), "event_delete", id), nil
		}
		if err := d.st.DeleteEvent(userID, id); err != nil {
			return models.CoreResponse{}, storeErr(err)
		}
		return finalText(fmt.Sprintf("Событие «%s» удалено.", ev.Title)), nil
	}
	return models.CoreResponse{}, apperr.New(apperr.KindIntentInvalid, "unknown mutate op", nil)
}

func (d *Dispatcher) resolveRef(userID string, ref *models.EntityRef) (int64, error) {
	if ref == nil {
		return 0, apperr.New(apperr.KindIntentInvalid, "missing entity reference", nil)
	}
	id, err := d.rs.Resolve(userID, *ref)
	if err != nil {
		return 0, apperr.New(apperr.KindReferencesUnknownEntity, "target", err)
	}
	return id, nil
}

// --- goals ---

func goalStatusRank(s models.GoalStatus) int {
	switch s {
	case models.GoalStatusActive:
		return 0
	case models.GoalStatusPaused:
		return 1
	default:
		return 2
	}
}

func goalLess(a, b models.Goal) bool {
	ra, rb := goalStatusRank(a.Status), goalStatusRank(b.Status)
	if ra != rb {
		return ra < rb
	}
	switch {
	case a.TargetDate == nil && b.TargetDate == nil:
	case a.TargetDate == nil:
		return false
	case b.TargetDate == nil:
		return true
	case !a.TargetDate.Equal(*b.TargetDate):
		return a.TargetDate.Before(*b.TargetDate)
	}
	return a.GoalID < b.GoalID
}

func (d *Dispatcher) handleGoalSearch(ctx context.Context, userID string, in models.Intent) (models.CoreResponse, error) {
	goals, err := d.st.ListGoals(userID, in.Status)
	if err != nil {
		return models.CoreResponse{}, storeErr(err)
	}
	sort.Slice(goals, func(i, j int) bool { return goalLess(goals[i], goals[j]) })

	ids := make([]int64, len(goals))
	items := make([]any, len(goals))
	for i, g := range goals {
		ids[i] = g.GoalID
		items[i] = g
	}
	rs := d.rs.Create(userID, models.ResultSetKindGoals, ids)

	return models.CoreResponse{
		Success: true, ResponseType: models.ResponseTypeRenderTable,
		Items: items, SetID: rs.SetID,
	}, nil
}

func clarificationQuestion(reason string) string {
	switch reason {
	case "title_too_short", "title_no_verb":
		return "Опишите цель чуть подробнее: что именно вы хотите сделать?"
	case "no_deadline_signal":
		return "К какому сроку хотите этого достичь?"
	case "is_question":
		return "Сформулируйте это как цель, а не вопрос: чего вы хотите добиться?"
	default:
		return "Расскажите немного подробнее о цели."
	}
}

func (d *Dispatcher) handleGoalCreate(ctx context.Context, userID string, in models.Intent) (models.CoreResponse, error) {
	draft := dialog.GoalDraft{
		Title: in.Title, Description: in.Description, TargetDate: in.TargetDate,
		Category: in.Category, Priority: in.Priority, UserLevel: in.UserLevel,
		TimeCommitment: fmt.Sprintf("%.0f", in.TimeCommitment),
	}

	result := dialog.ValidateSMART(draft.Title, draft.Description, draft.TargetDate)
	if !result.Pass {
		if err := d.dialog.EnterGoalClarification(userID, draft); err != nil {
			return models.CoreResponse{}, fmt.Errorf("dispatch: enter goal clarification: %w", err)
		}
		return models.CoreResponse{
			Success: true, ResponseType: models.ResponseTypeAskClarification,
			Text: clarificationQuestion(result.Reason),
		}, nil
	}

	g, _, err := d.decomposer.CreateGoalWithSteps(ctx, userID, decompose.Draft{
		Title: draft.Title, Description: draft.Description, TargetDate: draft.TargetDate,
		Category: draft.Category, Priority: models.Priority(draft.Priority), UserLevel: draft.UserLevel,
		TimeCommitment: draft.TimeCommitment,
	})
	if err != nil {
		return models.CoreResponse{}, storeErr(err)
	}

	if err := d.dialog.EnterSchedulePrefsDays(userID, g.GoalID); err != nil {
		return models.CoreResponse{}, fmt.Errorf("dispatch: enter schedule prefs: %w", err)
	}

	return models.CoreResponse{
		Success: true, ResponseType: models.ResponseTypeAskClarification,
		Text: fmt.Sprintf("Цель «%s» сохранена. В какие дни недели вам удобно над ней работать?", g.Title),
		Buttons: [][]models.Button{
			{{Text: "Пн", CallbackData: "day_pref:0"}, {Text: "Вт", CallbackData: "day_pref:1"}, {Text: "Ср", CallbackData: "day_pref:2"}},
			{{Text: "Чт", CallbackData: "day_pref:3"}, {Text: "Пт", CallbackData: "day_pref:4"}, {Text: "Сб", CallbackData: "day_pref:5"}},
			{{Text: "Вс", CallbackData: "day_pref:6"}, {Text: "Готово", CallbackData: "day_pref_done"}},
		},
	}, nil
}

// CompleteScheduling is invoked once the dialog's SCHEDULE_PREFS_TIME
// sub-flow finishes; it runs decompose.PlaceSteps (§4.5 Phases 2-3) and
// returns the tight-deadline advisory when applicable. A failed attempt
// (e.g. no available day left in the lookahead window) is handed to the
// durable job queue so it keeps retrying in the background instead of
// leaving the goal unscheduled until the next process restart's recovery
// sweep picks it up.
func (d *Dispatcher) CompleteScheduling(ctx context.Context, userID, timezone string, prefs dialog.SchedulingPrefs) (models.CoreResponse, error) {
	result, err := d.decomposer.PlaceSteps(ctx, userID, prefs.GoalID, timezone, prefs.Weekdays, prefs.PreferredHour, prefs.PreferredMinute)
	if err != nil {
		slog.Warn("Dispatcher.CompleteScheduling: placement failed, enqueuing retry", "userID", userID, "goalID", prefs.GoalID, "error", err)
		if jerr := d.enqueueScheduleRetry(userID, timezone, prefs); jerr != nil {
			slog.Warn("Dispatcher.CompleteScheduling: enqueue retry failed", "userID", userID, "goalID", prefs.GoalID, "error", jerr)
		}
		return finalText("Цель сохранена, но не удалось расставить шаги по календарю автоматически. Повторим попытку позже."), nil
	}
	if result.TightDeadline {
		return finalText("Шаги расставлены по календарю. Срок сжатый: часть шагов выходит за целевую дату."), nil
	}
	return finalText("Шаги расставлены по календарю согласно вашим предпочтениям."), nil
}

// ScheduleGoalJobKind is the store.JobRepo kind a JobRunner must route to
// HandleScheduleGoalJob via RegisterHandler.
const ScheduleGoalJobKind = "schedule_goal"

// scheduleRetryDelay is how long after a failed placement attempt the
// durable job queue waits before retrying; generous enough that a
// transient "no availability" condition (e.g. a fully booked lookahead
// window) has a chance to clear.
const scheduleRetryDelay = 6 * time.Hour

type scheduleGoalPayload struct {
	UserID     string `json:"user_id"`
	GoalID     int64  `json:"goal_id"`
	Timezone   string `json:"timezone"`
	Weekdays   []int  `json:"weekdays"`
	PrefHour   int    `json:"pref_hour"`
	PrefMinute int    `json:"pref_minute"`
}

func (d *Dispatcher) enqueueScheduleRetry(userID, timezone string, prefs dialog.SchedulingPrefs) error {
	p := scheduleGoalPayload{
		UserID: userID, GoalID: prefs.GoalID, Timezone: timezone,
		Weekdays: prefs.Weekdays, PrefHour: prefs.PreferredHour, PrefMinute: prefs.PreferredMinute,
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("dispatch: marshal schedule retry payload: %w", err)
	}
	dedupeKey := fmt.Sprintf("%s:%d", ScheduleGoalJobKind, prefs.GoalID)
	_, err = d.st.EnqueueJob(ScheduleGoalJobKind, time.Now().Add(scheduleRetryDelay), string(raw), dedupeKey)
	return err
}

// HandleScheduleGoalJob is the store.JobHandler a JobRunner registers for
// ScheduleGoalJobKind, retrying a placement that failed synchronously
// during CompleteScheduling. PlaceSteps is idempotent once it succeeds
// (spec.md §4.5 Idempotence), so a job that fires after the goal was
// placed some other way is a harmless no-op.
func (d *Dispatcher) HandleScheduleGoalJob(ctx context.Context, payload string) error {
	var p scheduleGoalPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return fmt.Errorf("dispatch: unmarshal schedule retry payload: %w", err)
	}
	_, err := d.decomposer.PlaceSteps(ctx, p.UserID, p.GoalID, p.Timezone, p.Weekdays, p.PrefHour, p.PrefMinute)
	return err
}

func (d *Dispatcher) handleGoalDelete(ctx context.Context, userID string, in models.Intent) (models.CoreResponse, error) {
	id, err := d.resolveGoalRef(userID, in.GoalRef)
	if err != nil {
		return models.CoreResponse{}, err
	}
	if in.DryRun {
		return confirmPrompt("Цель и все связанные шаги будут удалены. Подтвердить?", "goal_delete", id), nil
	}
	if err := d.st.DeleteGoalCascade(userID, id); err != nil {
		return models.CoreResponse{}, storeErr(err)
	}
	return finalText("Цель и все связанные шаги удалены."), nil
}

func (d *Dispatcher) handleGoalQuery(ctx context.Context, userID string, in models.Intent) (models.CoreResponse, error) {
	id, err := d.resolveGoalRef(userID, in.GoalRef)
	if err != nil {
		return models.CoreResponse{}, err
	}
	goal, gerr := d.st.GetGoal(userID, id)
	if gerr != nil {
		return models.CoreResponse{}, storeErr(gerr)
	}
	steps, serr := d.st.ListSteps(userID, id)
	if serr != nil {
		return models.CoreResponse{}, storeErr(serr)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	items := make([]any, 0, len(steps)+1)
	items = append(items, goal)
	for _, s := range steps {
		items = append(items, s)
	}
	return models.CoreResponse{Success: true, ResponseType: models.ResponseTypeRenderTable, Items: items}, nil
}

func (d *Dispatcher) resolveGoalRef(userID string, ref *models.EntityRef) (int64, error) {
	if ref == nil {
		return 0, apperr.New(apperr.KindIntentInvalid, "missing goal reference", nil)
	}
	id, err := d.rs.Resolve(userID, *ref)
	if err != nil {
		return 0, apperr.New(apperr.KindReferencesUnknownEntity, "goal_ref", err)
	}
	return id, nil
}

func (d *Dispatcher) handleGoalUpdateStep(ctx context.Context, userID string, in models.Intent) (models.CoreResponse, error) {
	id, err := d.resolveRef(userID, in.StepRef)
	if err != nil {
		return models.CoreResponse{}, err
	}
	s, gerr := d.st.GetStep(userID, id)
	if gerr != nil {
		return models.CoreResponse{}, storeErr(gerr)
	}
	newStatus := models.StepStatus(in.NewStatus)
	if in.DryRun {
		return finalText(fmt.Sprintf("Шаг «%s» будет переведён в статус %q.", s.Title, newStatus)), nil
	}

	s.Status = newStatus
	if newStatus == models.StepStatusCompleted {
		now := time.Now()
		s.CompletedAt = &now
	} else {
		s.CompletedAt = nil
	}
	if err := d.st.UpdateStep(s); err != nil {
		return models.CoreResponse{}, storeErr(err)
	}
	goal, rerr := d.st.RecomputeGoalProgress(userID, s.GoalID)
	if rerr != nil {
		return models.CoreResponse{}, storeErr(rerr)
	}
	return finalText(fmt.Sprintf("Шаг «%s»: %s. Прогресс цели: %d%%.", s.Title, newStatus, goal.ProgressPercent)), nil
}

func (d *Dispatcher) handleGoalAddStep(ctx context.Context, userID string, in models.Intent) (models.CoreResponse, error) {
	if _, gerr := d.st.GetGoal(userID, in.GoalID); gerr != nil {
		return models.CoreResponse{}, storeErr(gerr)
	}
	order := in.Order
	if order == 0 {
		maxOrder, merr := d.st.MaxStepOrder(userID, in.GoalID)
		if merr != nil {
			return models.CoreResponse{}, storeErr(merr)
		}
		order = maxOrder + 1
	}
	s := models.Step{GoalID: in.GoalID, UserID: userID, Title: in.Title, Order: order, Status: models.StepStatusPending}

	if in.DryRun {
		return finalText(fmt.Sprintf("Шаг «%s» будет добавлен.", s.Title)), nil
	}

	stepID, cerr := d.st.CreateStep(s)
	if cerr != nil {
		return models.CoreResponse{}, storeErr(cerr)
	}
	s.StepID = stepID

	if in.PlannedDate != "" {
		ev := models.Event{
			UserID: userID, Title: s.Title, Time: in.PlannedTime,
			EventType: models.EventTypeGoalStep, LinkedStepID: &stepID, LinkedGoalID: &in.GoalID,
			DurationMinutes: models.DefaultEventDurationMinutes, ReminderMinutesBefore: models.DefaultReminderMinutesBefore,
			ReminderEnabled: true,
		}
		if t, perr := time.Parse("2006-01-02", in.PlannedDate); perr == nil {
			ev.Date = t
		}
		eventID, eerr := d.st.CreateEvent(ev)
		if eerr != nil {
			return models.CoreResponse{}, storeErr(eerr)
		}
		s.LinkedEventID = &eventID
		s.PlannedDate = &ev.Date
		s.PlannedTime = in.PlannedTime
		if err := d.st.UpdateStep(s); err != nil {
			return models.CoreResponse{}, storeErr(err)
		}
	}

	return finalText(fmt.Sprintf("Шаг «%s» добавлен.", s.Title)), nil
}

func (d *Dispatcher) handleGoalDeleteStep(ctx context.Context, userID string, in models.Intent) (models.CoreResponse, error) {
	id, err := d.resolveRef(userID, in.StepRef)
	if err != nil {
		return models.CoreResponse{}, err
	}
	s, gerr := d.st.GetStep(userID, id)
	if gerr != nil {
		return models.CoreResponse{}, storeErr(gerr)
	}
	if in.DryRun {
		return confirmPrompt(fmt.Sprintf("Шаг «%s» будет удалён. Подтвердить?", s.Title), "step_delete", id), nil
	}
	if err := d.st.DeleteStepCascade(userID, id); err != nil {
		return models.CoreResponse{}, storeErr(err)
	}
	return finalText(fmt.Sprintf("Шаг «%s» удалён.", s.Title)), nil
}

// handleProductSearch is the reserved stub of spec.md §9: no product
// data flow exists, so this always returns an empty list.
func (d *Dispatcher) handleProductSearch(ctx context.Context, in models.Intent) (models.CoreResponse, error) {
	return models.CoreResponse{Success: true, ResponseType: models.ResponseTypeRenderTable, Items: []any{}}, nil
}

// ContinueGoalClarification appends freeform text to a rejected draft held
// in GOAL_CLARIFICATION, re-runs the SMART gate, and either asks a further
// clarifying question or proceeds to decomposition exactly like a first-pass
// goal.create that passed (spec.md §4.4 *_EDIT_*/clarification contract).
func (d *Dispatcher) ContinueGoalClarification(ctx context.Context, userID string, draft dialog.GoalDraft, addition string) (models.CoreResponse, error) {
	if draft.TargetDate == "" && looksLikeDate(addition) {
		draft.TargetDate = addition
	} else if draft.Description == "" {
		draft.Description = addition
	} else {
		draft.Description = draft.Description + " " + addition
	}

	result := dialog.ValidateSMART(draft.Title, draft.Description, draft.TargetDate)
	if !result.Pass {
		if err := d.dialog.EnterGoalClarification(userID, draft); err != nil {
			return models.CoreResponse{}, fmt.Errorf("dispatch: re-enter goal clarification: %w", err)
		}
		return models.CoreResponse{
			Success: true, ResponseType: models.ResponseTypeAskClarification,
			Text: clarificationQuestion(result.Reason),
		}, nil
	}

	g, _, err := d.decomposer.CreateGoalWithSteps(ctx, userID, decompose.Draft{
		Title: draft.Title, Description: draft.Description, TargetDate: draft.TargetDate,
		Category: draft.Category, Priority: models.Priority(draft.Priority), UserLevel: draft.UserLevel,
		TimeCommitment: draft.TimeCommitment,
	})
	if err != nil {
		return models.CoreResponse{}, storeErr(err)
	}
	if err := d.dialog.EnterSchedulePrefsDays(userID, g.GoalID); err != nil {
		return models.CoreResponse{}, fmt.Errorf("dispatch: enter schedule prefs: %w", err)
	}
	return models.CoreResponse{
		Success: true, ResponseType: models.ResponseTypeAskClarification,
		Text: fmt.Sprintf("Цель «%s» сохранена. В какие дни недели вам удобно над ней работать?", g.Title),
		Buttons: [][]models.Button{
			{{Text: "Пн", CallbackData: "day_pref:0"}, {Text: "Вт", CallbackData: "day_pref:1"}, {Text: "Ср", CallbackData: "day_pref:2"}},
			{{Text: "Чт", CallbackData: "day_pref:3"}, {Text: "Пт", CallbackData: "day_pref:4"}, {Text: "Сб", CallbackData: "day_pref:5"}},
			{{Text: "Вс", CallbackData: "day_pref:6"}, {Text: "Готово", CallbackData: "day_pref_done"}},
		},
	}, nil
}

func looksLikeDate(s string) bool {
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}

// ApplyEdit writes value into the single field identified by a completed
// *_EDIT_* sub-flow (spec.md §4.4). Goal progress is not recomputed here:
// no editable field is a step's status.
func (d *Dispatcher) ApplyEdit(ctx context.Context, userID string, state models.StateType, id int64, value string) (models.CoreResponse, error) {
	switch state {
	case models.StateGoalEditTitle, models.StateGoalEditDescription, models.StateGoalEditDeadline,
		models.StateGoalEditCategory, models.StateGoalEditPriority:
		g, err := d.st.GetGoal(userID, id)
		if err != nil {
			return models.CoreResponse{}, storeErr(err)
		}
		switch state {
		case models.StateGoalEditTitle:
			g.Title = value
		case models.StateGoalEditDescription:
			g.Description = value
		case models.StateGoalEditDeadline:
			t, perr := time.Parse("2006-01-02", value)
			if perr != nil {
				return models.CoreResponse{}, apperr.New(apperr.KindIntentInvalid, "bad deadline format", perr)
			}
			g.TargetDate = &t
		case models.StateGoalEditCategory:
			g.Category = value
		case models.StateGoalEditPriority:
			g.Priority = models.Priority(value)
		}
		if err := d.st.UpdateGoal(g); err != nil {
			return models.CoreResponse{}, storeErr(err)
		}
		return finalText(fmt.Sprintf("Цель «%s» обновлена.", g.Title)), nil

	case models.StateEventEditTitle, models.StateEventEditDate, models.StateEventEditTime,
		models.StateEventEditDuration, models.StateEventEditNotes:
		ev, err := d.st.GetEvent(userID, id)
		if err != nil {
			return models.CoreResponse{}, storeErr(err)
		}
		switch state {
		case models.StateEventEditTitle:
			ev.Title = value
		case models.StateEventEditDate:
			t, perr := time.Parse("2006-01-02", value)
			if perr != nil {
				return models.CoreResponse{}, apperr.New(apperr.KindIntentInvalid, "bad date format", perr)
			}
			ev.Date = t
		case models.StateEventEditTime:
			ev.Time = value
		case models.StateEventEditDuration:
			n, perr := parsePositiveInt(value)
			if perr != nil {
				return models.CoreResponse{}, apperr.New(apperr.KindIntentInvalid, "bad duration", perr)
			}
			ev.DurationMinutes = n
		case models.StateEventEditNotes:
			ev.Notes = value
		}
		if err := d.st.UpdateEvent(ev); err != nil {
			return models.CoreResponse{}, storeErr(err)
		}
		return finalText(fmt.Sprintf("Событие «%s» обновлено.", ev.Title)), nil

	case models.StateStepEditTitle, models.StateStepEditDate, models.StateStepEditTime:
		s, err := d.st.GetStep(userID, id)
		if err != nil {
			return models.CoreResponse{}, storeErr(err)
		}
		switch state {
		case models.StateStepEditTitle:
			s.Title = value
		case models.StateStepEditDate:
			t, perr := time.Parse("2006-01-02", value)
			if perr != nil {
				return models.CoreResponse{}, apperr.New(apperr.KindIntentInvalid, "bad date format", perr)
			}
			s.PlannedDate = &t
		case models.StateStepEditTime:
			s.PlannedTime = value
		}
		if err := d.st.UpdateStep(s); err != nil {
			return models.CoreResponse{}, storeErr(err)
		}
		return finalText(fmt.Sprintf("Шаг «%s» обновлён.", s.Title)), nil
	}
	return models.CoreResponse{}, apperr.New(apperr.KindIntentInvalid, fmt.Sprintf("unhandled edit state %q", state), nil)
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("not a positive integer: %q", s)
		}
		n = n*10 + int(r-'0')
	}
	if n == 0 {
		return 0, fmt.Errorf("not a positive integer: %q", s)
	}
	return n, nil
}

// storeErr maps a raw store error to the fixed apperr taxonomy (spec.md §7).
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.KindReferencesUnknownEntity, "not found", err)
	}
	var ce *store.ErrConstraint
	if errors.As(err, &ce) {
		return apperr.New(apperr.KindStoreConstraint, "constraint violation", err)
	}
	return apperr.New(apperr.KindStoreTransient, "store call failed", err)
}
