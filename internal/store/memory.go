// Package store provides storage backends for goaltender.
//
// This file implements InMemoryStore, a process-local backend used for
// tests and for DSN-less local runs. It generalizes the teacher's
// original in-memory receipt/response map into a full Store: one guarded
// map per entity, no persistence across restarts.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/ngoalkeeper/goaltender/internal/models"
	"github.com/ngoalkeeper/goaltender/internal/util"
)

// InMemoryStore is a guarded in-memory implementation of Store.
type InMemoryStore struct {
	mu sync.Mutex

	users map[string]models.User

	goals      map[int64]models.Goal
	nextGoalID int64

	steps      map[int64]models.Step
	nextStepID int64

	events      map[int64]models.Event
	nextEventID int64

	messages  map[string][]models.ConversationMessage
	nextMsgID int64

	flowStates map[string]models.FlowState

	inboundDedup map[string]DedupRecord

	notificationDedup map[string]bool

	outbox map[string]OutboxMessage

	jobs map[string]Job
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:             make(map[string]models.User),
		goals:             make(map[int64]models.Goal),
		steps:             make(map[int64]models.Step),
		events:            make(map[int64]models.Event),
		messages:          make(map[string][]models.ConversationMessage),
		flowStates:        make(map[string]models.FlowState),
		inboundDedup:      make(map[string]DedupRecord),
		notificationDedup: make(map[string]bool),
		outbox:            make(map[string]OutboxMessage),
		jobs:              make(map[string]Job),
	}
}

// Close is a no-op: there is nothing to release for an in-memory store.
func (s *InMemoryStore) Close() error { return nil }

// --- users ---

func (s *InMemoryStore) GetUser(userID string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return u, nil
}

func (s *InMemoryStore) UpsertUser(u models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.Timezone == "" {
		u.Timezone = models.DefaultTimezone
	}
	s.users[u.UserID] = u
	return nil
}

func (s *InMemoryStore) ListUsersWithToggle(toggle NotificationToggle) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.User
	for _, u := range s.users {
		if toggleMatches(u, toggle) {
			out = append(out, u)
		}
	}
	return out, nil
}

func toggleMatches(u models.User, toggle NotificationToggle) bool {
	switch toggle {
	case ToggleEventReminder:
		return u.NotifyEventReminder
	case ToggleGoalDeadline:
		return u.NotifyGoalDeadline
	case ToggleStepReminder:
		return u.NotifyStepReminder
	case ToggleMotivation:
		return u.NotifyMotivation
	default:
		return false
	}
}

// --- goals ---

func (s *InMemoryStore) CreateGoal(g models.Goal) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextGoalID++
	g.GoalID = s.nextGoalID
	now := time.Now().UTC()
	g.CreatedAt, g.UpdatedAt = now, now
	if g.Status == "" {
		g.Status = models.GoalStatusActive
	}
	if g.Priority == "" {
		g.Priority = models.PriorityMedium
	}
	s.goals[g.GoalID] = g
	return g.GoalID, nil
}

func (s *InMemoryStore) GetGoal(userID string, goalID int64) (models.Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.goals[goalID]
	if !ok || g.UserID != userID {
		return models.Goal{}, ErrNotFound
	}
	return g, nil
}

func (s *InMemoryStore) UpdateGoal(g models.Goal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.goals[g.GoalID]
	if !ok || existing.UserID != g.UserID {
		return ErrNotFound
	}
	g.CreatedAt = existing.CreatedAt
	g.UpdatedAt = time.Now().UTC()
	s.goals[g.GoalID] = g
	return nil
}

func (s *InMemoryStore) DeleteGoalCascade(userID string, goalID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.goals[goalID]
	if !ok || g.UserID != userID {
		return ErrNotFound
	}
	for id, st := range s.steps {
		if st.GoalID == goalID && st.UserID == userID {
			delete(s.steps, id)
		}
	}
	for id, e := range s.events {
		if e.LinkedGoalID != nil && *e.LinkedGoalID == goalID && e.UserID == userID {
			delete(s.events, id)
		}
	}
	delete(s.goals, goalID)
	return nil
}

func (s *InMemoryStore) ListGoals(userID string, status string) ([]models.Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Goal
	for _, g := range s.goals {
		if g.UserID != userID {
			continue
		}
		if status != "" && string(g.Status) != status {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		return goalOrderLess(out[i], out[j])
	})
	return out, nil
}

func goalOrderLess(a, b models.Goal) bool {
	rank := func(st models.GoalStatus) int {
		switch st {
		case models.GoalStatusActive:
			return 0
		case models.GoalStatusPaused:
			return 1
		default:
			return 2
		}
	}
	ra, rb := rank(a.Status), rank(b.Status)
	if ra != rb {
		return ra < rb
	}
	if (a.TargetDate == nil) != (b.TargetDate == nil) {
		return b.TargetDate == nil
	}
	if a.TargetDate != nil && b.TargetDate != nil && !a.TargetDate.Equal(*b.TargetDate) {
		return a.TargetDate.Before(*b.TargetDate)
	}
	return a.GoalID < b.GoalID
}

func (s *InMemoryStore) ListUnscheduledGoals() ([]models.Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hasSteps := make(map[int64]bool)
	for _, st := range s.steps {
		hasSteps[st.GoalID] = true
	}
	var out []models.Goal
	for _, g := range s.goals {
		if g.Status == models.GoalStatusActive && !g.IsScheduled && hasSteps[g.GoalID] {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *InMemoryStore) RecomputeGoalProgress(userID string, goalID int64) (models.Goal, error) {
	s.mu.Lock()
	total, completed := 0, 0
	for _, st := range s.steps {
		if st.GoalID == goalID && st.UserID == userID {
			total++
			if st.Status == models.StepStatusCompleted {
				completed++
			}
		}
	}
	g, ok := s.goals[goalID]
	if !ok || g.UserID != userID {
		s.mu.Unlock()
		return models.Goal{}, ErrNotFound
	}
	progress := 0
	if total > 0 {
		progress = (100*completed + total/2) / total
	}
	g.ProgressPercent = progress
	if total > 0 && completed == total {
		g.Status = models.GoalStatusCompleted
	} else if g.Status == models.GoalStatusCompleted && completed != total {
		g.Status = models.GoalStatusActive
	}
	g.UpdatedAt = time.Now().UTC()
	s.goals[goalID] = g
	s.mu.Unlock()
	return g, nil
}

// --- steps ---

func (s *InMemoryStore) CreateStep(st models.Step) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextStepID++
	st.StepID = s.nextStepID
	if st.Status == "" {
		st.Status = models.StepStatusPending
	}
	s.steps[st.StepID] = st
	return st.StepID, nil
}

func (s *InMemoryStore) GetStep(userID string, stepID int64) (models.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[stepID]
	if !ok || st.UserID != userID {
		return models.Step{}, ErrNotFound
	}
	return st, nil
}

func (s *InMemoryStore) UpdateStep(st models.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.steps[st.StepID]
	if !ok || existing.UserID != st.UserID {
		return ErrNotFound
	}
	s.steps[st.StepID] = st
	return nil
}

func (s *InMemoryStore) DeleteStepCascade(userID string, stepID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[stepID]
	if !ok || st.UserID != userID {
		return ErrNotFound
	}
	if st.LinkedEventID != nil {
		delete(s.events, *st.LinkedEventID)
	}
	delete(s.steps, stepID)
	return nil
}

func (s *InMemoryStore) ListSteps(userID string, goalID int64) ([]models.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Step
	for _, st := range s.steps {
		if st.UserID == userID && st.GoalID == goalID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (s *InMemoryStore) MaxStepOrder(userID string, goalID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, st := range s.steps {
		if st.UserID == userID && st.GoalID == goalID && st.Order > max {
			max = st.Order
		}
	}
	return max, nil
}

func (s *InMemoryStore) ListOverdueSteps(userID string, today time.Time) ([]models.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Step
	for _, st := range s.steps {
		if st.UserID != userID {
			continue
		}
		if st.Status != models.StepStatusPending && st.Status != models.StepStatusInProgress {
			continue
		}
		if st.PlannedDate != nil && st.PlannedDate.Before(today) {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GoalID != out[j].GoalID {
			return out[i].GoalID < out[j].GoalID
		}
		return out[i].Order < out[j].Order
	})
	return out, nil
}

// --- events ---

func (s *InMemoryStore) CreateEvent(e models.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEventID++
	e.EventID = s.nextEventID
	if e.EventType == "" {
		e.EventType = models.EventTypeUser
	}
	s.events[e.EventID] = e
	return e.EventID, nil
}

func (s *InMemoryStore) GetEvent(userID string, eventID int64) (models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok || e.UserID != userID {
		return models.Event{}, ErrNotFound
	}
	return e, nil
}

func (s *InMemoryStore) UpdateEvent(e models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.events[e.EventID]
	if !ok || existing.UserID != e.UserID {
		return ErrNotFound
	}
	s.events[e.EventID] = e
	return nil
}

func (s *InMemoryStore) DeleteEvent(userID string, eventID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok || e.UserID != userID {
		return ErrNotFound
	}
	if e.LinkedStepID != nil {
		if st, ok := s.steps[*e.LinkedStepID]; ok {
			st.LinkedEventID = nil
			st.PlannedDate = nil
			st.PlannedTime = ""
			st.DurationMinutes = 0
			s.steps[*e.LinkedStepID] = st
		}
	}
	delete(s.events, eventID)
	return nil
}

func (s *InMemoryStore) ListEvents(userID string, from, to time.Time) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Event
	for _, e := range s.events {
		if e.UserID != userID {
			continue
		}
		if e.Date.Before(from) || e.Date.After(to) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		if (out[i].Time == "") != (out[j].Time == "") {
			return out[j].Time == ""
		}
		if out[i].Time != out[j].Time {
			return out[i].Time < out[j].Time
		}
		return out[i].EventID < out[j].EventID
	})
	return out, nil
}

func (s *InMemoryStore) ListEventsForReminderWindow(windowStart, windowEnd time.Time) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Event
	for _, e := range s.events {
		if !e.ReminderEnabled || e.Time == "" {
			continue
		}
		start, err := time.Parse("2006-01-02 15:04", e.Date.Format("2006-01-02")+" "+e.Time)
		if err != nil {
			continue
		}
		if start.Before(windowStart) || start.After(windowEnd) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// --- conversation messages ---

func (s *InMemoryStore) AppendMessage(m models.ConversationMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMsgID++
	m.MsgID = s.nextMsgID
	s.messages[m.UserID] = append(s.messages[m.UserID], m)
	return nil
}

func (s *InMemoryStore) ListRecentMessages(userID string, limit int) ([]models.ConversationMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.messages[userID]
	if len(all) <= limit {
		out := make([]models.ConversationMessage, len(all))
		copy(out, all)
		return out, nil
	}
	out := make([]models.ConversationMessage, limit)
	copy(out, all[len(all)-limit:])
	return out, nil
}

func (s *InMemoryStore) TrimMessages(userID string, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.messages[userID]
	if len(all) > keep {
		s.messages[userID] = append([]models.ConversationMessage{}, all[len(all)-keep:]...)
	}
	return nil
}

// --- flow state ---

func (s *InMemoryStore) GetFlowState(userID string) (models.FlowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.flowStates[userID]
	if !ok {
		return models.FlowState{UserID: userID, CurrentState: models.StateIdle, UpdatedAt: time.Now().UTC()}, nil
	}
	return fs, nil
}

func (s *InMemoryStore) SaveFlowState(fs models.FlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flowStates[fs.UserID] = fs
	return nil
}

func (s *InMemoryStore) DeleteFlowState(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flowStates, userID)
	return nil
}

// --- inbound dedup ---

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inboundDedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, participantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inboundDedup[messageID]; ok {
		return false, nil
	}
	s.inboundDedup[messageID] = DedupRecord{MessageID: messageID, ParticipantID: participantID, ReceivedAt: time.Now().UTC()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inboundDedup[messageID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	rec.ProcessedAt = &now
	s.inboundDedup[messageID] = rec
	return nil
}

// --- notification dedup ---

func (s *InMemoryStore) IsNotificationDuplicate(userID, jobKind, entityID, fireDate string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notificationDedup[notifyDedupKey(userID, jobKind, entityID, fireDate)], nil
}

func (s *InMemoryStore) RecordNotificationFired(userID, jobKind, entityID, fireDate string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := notifyDedupKey(userID, jobKind, entityID, fireDate)
	if s.notificationDedup[key] {
		return false, nil
	}
	s.notificationDedup[key] = true
	return true, nil
}

func notifyDedupKey(userID, jobKind, entityID, fireDate string) string {
	return userID + "\x00" + jobKind + "\x00" + entityID + "\x00" + fireDate
}

// --- outbox ---

func (s *InMemoryStore) EnqueueOutboxMessage(participantID, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && m.Status != OutboxStatusSent && m.Status != OutboxStatusCanceled {
				return m.ID, nil
			}
		}
	}
	now := time.Now().UTC()
	id := util.GenerateRandomID("obx", 12)
	s.outbox[id] = OutboxMessage{
		ID: id, ParticipantID: participantID, Kind: kind, PayloadJSON: payloadJSON,
		Status: OutboxStatusQueued, DedupeKey: dedupeKey, CreatedAt: now, UpdatedAt: now,
	}
	return id, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []OutboxMessage
	for id, m := range s.outbox {
		if len(claimed) >= limit {
			break
		}
		if m.Status != OutboxStatusQueued {
			continue
		}
		if m.NextAttemptAt != nil && m.NextAttemptAt.After(now) {
			continue
		}
		m.Status = OutboxStatusSending
		m.LockedAt = &now
		s.outbox[id] = m
		claimed = append(claimed, m)
	}
	return claimed, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return ErrNotFound
	}
	m.Status = OutboxStatusSent
	m.UpdatedAt = time.Now().UTC()
	s.outbox[id] = m
	return nil
}

func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return ErrNotFound
	}
	m.Status = OutboxStatusQueued
	m.Attempts++
	m.LastError = errMsg
	m.NextAttemptAt = &nextAttemptAt
	m.LockedAt = nil
	m.UpdatedAt = time.Now().UTC()
	s.outbox[id] = m
	return nil
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			s.outbox[id] = m
			n++
		}
	}
	return n, nil
}

// --- jobs ---

func (s *InMemoryStore) EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, j := range s.jobs {
			if j.DedupeKey == dedupeKey && j.Status != JobStatusDone && j.Status != JobStatusCanceled {
				return j.ID, nil
			}
		}
	}
	now := time.Now().UTC()
	id := util.GenerateRandomID("job", 12)
	s.jobs[id] = Job{
		ID: id, Kind: kind, RunAt: runAt, PayloadJSON: payloadJSON, Status: JobStatusQueued,
		MaxAttempts: 3, DedupeKey: dedupeKey, CreatedAt: now, UpdatedAt: now,
	}
	return id, nil
}

func (s *InMemoryStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []Job
	for id, j := range s.jobs {
		if len(claimed) >= limit {
			break
		}
		if j.Status != JobStatusQueued || j.RunAt.After(now) {
			continue
		}
		j.Status = JobStatusRunning
		j.LockedAt = &now
		s.jobs[id] = j
		claimed = append(claimed, j)
	}
	return claimed, nil
}

func (s *InMemoryStore) CompleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = JobStatusDone
	j.UpdatedAt = time.Now().UTC()
	s.jobs[id] = j
	return nil
}

func (s *InMemoryStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Attempt++
	j.LastError = errMsg
	j.LockedAt = nil
	if j.Attempt >= j.MaxAttempts {
		j.Status = JobStatusFailed
	} else {
		j.Status = JobStatusQueued
		j.RunAt = nextRunAt
	}
	j.UpdatedAt = time.Now().UTC()
	s.jobs[id] = j
	return nil
}

func (s *InMemoryStore) CancelJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = JobStatusCanceled
	j.UpdatedAt = time.Now().UTC()
	s.jobs[id] = j
	return nil
}

func (s *InMemoryStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			s.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetJob(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &j, nil
}
