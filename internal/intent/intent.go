// Package intent implements the Intent Parser & Validator (spec.md §4.2):
// it renders the prompt template, calls the model adapter, parses the
// returned JSON into the closed models.Intent variant, and validates it
// against the store before handing it to the dispatcher. The parser
// never writes to the store; existence checks below are read-only.
package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	promptctx "github.com/ngoalkeeper/goaltender/internal/context"
	"github.com/ngoalkeeper/goaltender/internal/apperr"
	"github.com/ngoalkeeper/goaltender/internal/llm"
	"github.com/ngoalkeeper/goaltender/internal/models"
	"github.com/ngoalkeeper/goaltender/internal/resultset"
	"github.com/ngoalkeeper/goaltender/internal/store"
)

var dateRE = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
var timeRE = regexp.MustCompile(`^\d{2}:\d{2}$`)

// knownKinds is the closed set the validator accepts; anything else is
// IntentInvalid no matter how well-formed the surrounding JSON is.
var knownKinds = map[models.IntentKind]bool{
	models.IntentSmallTalk:      true,
	models.IntentEventSearch:    true,
	models.IntentEventMutate:    true,
	models.IntentGoalSearch:     true,
	models.IntentGoalCreate:     true,
	models.IntentGoalDelete:     true,
	models.IntentGoalQuery:      true,
	models.IntentGoalUpdateStep: true,
	models.IntentGoalAddStep:    true,
	models.IntentGoalDeleteStep: true,
	models.IntentProductSearch:  true,
}

// schemaInstructions is appended to every system prompt so the model
// always knows the exact closed JSON shape it must emit. Field names
// mirror models.Intent's json tags exactly; entity references always use
// the nested {"id": N} or {"set_id": "...", "ordinal": N} shape.
const schemaInstructions = `
Respond with a single JSON object describing exactly one action. The
object has a "kind" field set to one of: small_talk, event.search,
event.mutate, goal.search, goal.create, goal.delete, goal.query,
goal.update_step, goal.add_step, goal.delete_step, product.search.
Only include the fields relevant to that kind. Dates are "YYYY-MM-DD",
times are "HH:MM" (24h, no seconds). Any reference to an existing
entity is either {"id": <int>} or {"set_id": "<uuid>", "ordinal": <1-based int>},
nested under "target" (event.mutate), "goal_ref" (goal.delete/goal.query),
or "step_ref" (goal.update_step/goal.delete_step). Reply with JSON only,
no markdown fences, no commentary.`

// ModelClient is the narrow surface of internal/llm.Client the parser
// calls, narrowed to an interface so tests can substitute a fake.
type ModelClient interface {
	CompleteJSON(ctx context.Context, system, user string) (string, error)
	RetryJSON(ctx context.Context, system, user string) (string, error)
}

// Parser renders prompts, calls the model, and validates the result.
type Parser struct {
	llmClient ModelClient
	st        store.Store
	rs        *resultset.Cache
}

// New builds a Parser over the given model client, store, and Result Set
// cache.
func New(llmClient ModelClient, st store.Store, rs *resultset.Cache) *Parser {
	return &Parser{llmClient: llmClient, st: st, rs: rs}
}

var _ ModelClient = (*llm.Client)(nil)

// Parse converts one user utterance plus its prompt bundle into exactly
// one validated Intent, or a recoverable *apperr.Error (spec.md §4.2
// Failures).
func (p *Parser) Parse(ctx context.Context, userID string, bundle *promptctx.Bundle, utterance string) (models.Intent, error) {
	slog.Debug("Parser.Parse invoked", "userID", userID)

	system, user := promptctx.Render(bundle, utterance)
	system += schemaInstructions

	raw, err := p.llmClient.CompleteJSON(ctx, system, user)
	if err != nil {
		if errors.Is(err, llm.ErrTimeout) {
			slog.Warn("Parser.Parse: model call timed out", "userID", userID)
			return models.Intent{}, apperr.New(apperr.KindIntentTimeout, "model call timed out", err)
		}
		slog.Warn("Parser.Parse: model call failed, treating as parse error", "userID", userID, "error", err)
		return models.Intent{}, apperr.New(apperr.KindIntentParseError, "model call failed", err)
	}

	parsed, perr := decodeIntent(raw)
	if perr != nil {
		slog.Debug("Parser.Parse: first parse failed, retrying once", "userID", userID, "error", perr)
		raw2, err2 := p.llmClient.RetryJSON(ctx, system, user)
		if err2 != nil {
			if errors.Is(err2, llm.ErrTimeout) {
				return models.Intent{}, apperr.New(apperr.KindIntentTimeout, "retry timed out", err2)
			}
			return models.Intent{}, apperr.New(apperr.KindIntentParseError, "retry call failed", err2)
		}
		parsed, perr = decodeIntent(raw2)
		if perr != nil {
			slog.Warn("Parser.Parse: second parse failure, giving up", "userID", userID, "error", perr)
			return models.Intent{}, apperr.New(apperr.KindIntentParseError, "could not parse model output as JSON", perr)
		}
	}

	if err := p.validate(userID, parsed); err != nil {
		return models.Intent{}, err
	}

	slog.Info("Parser.Parse succeeded", "userID", userID, "kind", parsed.Kind)
	return parsed, nil
}

func decodeIntent(raw string) (models.Intent, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var parsed models.Intent
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return models.Intent{}, fmt.Errorf("intent: unmarshal model output: %w", err)
	}
	return parsed, nil
}

// validate implements spec.md §4.2 steps 4-5: shape, required fields,
// date/time format, semantic checks, and entity-id resolution.
func (p *Parser) validate(userID string, in models.Intent) error {
	if !knownKinds[in.Kind] {
		return apperr.New(apperr.KindIntentInvalid, fmt.Sprintf("unknown kind %q", in.Kind), nil)
	}

	switch in.Kind {
	case models.IntentSmallTalk:
		// no required fields beyond reply_hint being free text

	case models.IntentEventSearch:
		if in.DateFrom != "" && !dateRE.MatchString(in.DateFrom) {
			return invalidField("date_from")
		}
		if in.DateTo != "" && !dateRE.MatchString(in.DateTo) {
			return invalidField("date_to")
		}
		if in.TimeFrom != "" && !timeRE.MatchString(in.TimeFrom) {
			return invalidField("time_from")
		}
		if in.TimeTo != "" && !timeRE.MatchString(in.TimeTo) {
			return invalidField("time_to")
		}
		if in.DateFrom != "" && in.DateTo != "" && in.DateFrom > in.DateTo {
			return apperr.New(apperr.KindIntentInvalid, "date_from after date_to", nil)
		}
		if in.TimeFrom != "" && in.TimeTo != "" && in.TimeFrom > in.TimeTo {
			return apperr.New(apperr.KindIntentInvalid, "time_from after time_to", nil)
		}

	case models.IntentEventMutate:
		switch in.Op {
		case models.MutateOpCreate, models.MutateOpUpdate, models.MutateOpDelete:
		default:
			return invalidField("op")
		}
		if in.Date != "" && !dateRE.MatchString(in.Date) {
			return invalidField("date")
		}
		if in.Time != "" && !timeRE.MatchString(in.Time) {
			return invalidField("time")
		}
		if in.Op != models.MutateOpCreate {
			if in.Target == nil {
				return apperr.New(apperr.KindIntentInvalid, "target required for update/delete", nil)
			}
			if err := p.resolveAndCheck(userID, *in.Target, checkEvent); err != nil {
				return err
			}
		}

	case models.IntentGoalSearch:
		// status optional; no further checks

	case models.IntentGoalCreate:
		if len(in.Title) < 3 || len(in.Title) > 200 {
			return invalidField("title")
		}
		if in.TargetDate != "" && !dateRE.MatchString(in.TargetDate) {
			return invalidField("target_date")
		}

	case models.IntentGoalDelete, models.IntentGoalQuery:
		if in.GoalRef == nil {
			return apperr.New(apperr.KindIntentInvalid, "goal_ref required", nil)
		}
		if err := p.resolveAndCheck(userID, *in.GoalRef, checkGoal); err != nil {
			return err
		}

	case models.IntentGoalUpdateStep:
		if in.StepRef == nil {
			return apperr.New(apperr.KindIntentInvalid, "step_ref required", nil)
		}
		switch models.StepStatus(in.NewStatus) {
		case models.StepStatusPending, models.StepStatusInProgress, models.StepStatusCompleted:
		default:
			return invalidField("new_status")
		}
		if err := p.resolveAndCheck(userID, *in.StepRef, checkStep); err != nil {
			return err
		}

	case models.IntentGoalAddStep:
		if in.GoalID == 0 {
			return apperr.New(apperr.KindIntentInvalid, "goal_id required", nil)
		}
		if in.Title == "" {
			return invalidField("title")
		}
		if in.PlannedDate != "" && !dateRE.MatchString(in.PlannedDate) {
			return invalidField("planned_date")
		}
		if in.PlannedTime != "" && !timeRE.MatchString(in.PlannedTime) {
			return invalidField("planned_time")
		}
		if _, err := p.st.GetGoal(userID, in.GoalID); err != nil {
			return unknownEntity("goal_id", err)
		}

	case models.IntentGoalDeleteStep:
		if in.StepRef == nil {
			return apperr.New(apperr.KindIntentInvalid, "step_ref required", nil)
		}
		if err := p.resolveAndCheck(userID, *in.StepRef, checkStep); err != nil {
			return err
		}

	case models.IntentProductSearch:
		if in.Query == "" {
			return invalidField("query")
		}
	}

	return nil
}

type existenceCheck func(st store.Store, userID string, id int64) error

func checkGoal(st store.Store, userID string, id int64) error {
	_, err := st.GetGoal(userID, id)
	return err
}

func checkStep(st store.Store, userID string, id int64) error {
	_, err := st.GetStep(userID, id)
	return err
}

func checkEvent(st store.Store, userID string, id int64) error {
	_, err := st.GetEvent(userID, id)
	return err
}

// resolveAndCheck resolves an EntityRef (direct or ordinal) and confirms
// the resulting id exists in the store, per spec.md §4.2 step 4's "no
// invented entity IDs" rule.
func (p *Parser) resolveAndCheck(userID string, ref models.EntityRef, check existenceCheck) error {
	id, err := p.rs.Resolve(userID, ref)
	if err != nil {
		return unknownEntity("target", err)
	}
	if err := check(p.st, userID, id); err != nil {
		return unknownEntity("target", err)
	}
	return nil
}

func invalidField(field string) error {
	return apperr.New(apperr.KindIntentInvalid, fmt.Sprintf("invalid field %q", field), nil)
}

func unknownEntity(field string, err error) error {
	return apperr.New(apperr.KindReferencesUnknownEntity, field, err)
}
