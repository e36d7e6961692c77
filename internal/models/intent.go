package models

// IntentKind discriminates the closed set of intent variants the parser
// may ever produce. Downstream code switches on Kind and is total over
// this set; no other string value is ever assigned to it outside the
// parser package.
type IntentKind string

const (
	IntentSmallTalk      IntentKind = "small_talk"
	IntentEventSearch    IntentKind = "event.search"
	IntentEventMutate    IntentKind = "event.mutate"
	IntentGoalSearch     IntentKind = "goal.search"
	IntentGoalCreate     IntentKind = "goal.create"
	IntentGoalDelete     IntentKind = "goal.delete"
	IntentGoalQuery      IntentKind = "goal.query"
	IntentGoalUpdateStep IntentKind = "goal.update_step"
	IntentGoalAddStep    IntentKind = "goal.add_step"
	IntentGoalDeleteStep IntentKind = "goal.delete_step"
	IntentProductSearch  IntentKind = "product.search"
)

// MutateOp is the operation carried by an event.mutate intent.
type MutateOp string

const (
	MutateOpCreate MutateOp = "create"
	MutateOpUpdate MutateOp = "update"
	MutateOpDelete MutateOp = "delete"
)

// EntityRef resolves an intent's target either by a direct id or by an
// ordinal position within a previously issued Result Set. Exactly one of
// ID or (SetID, Ordinal) is populated.
type EntityRef struct {
	ID      int64  `json:"id,omitempty"`
	SetID   string `json:"set_id,omitempty"`
	Ordinal int    `json:"ordinal,omitempty"` // 1-based
}

// IsDirect reports whether the ref names an id directly rather than an
// ordinal into a Result Set.
func (r EntityRef) IsDirect() bool {
	return r.SetID == ""
}

// Intent is the closed tagged-variant type the Intent Parser produces and
// every downstream handler consumes. Only the field selected by Kind is
// meaningful; the others are zero. This is the one type that bridges
// dynamic model JSON and static Go code — see internal/intent for the
// parser that builds values of this type.
type Intent struct {
	Kind   IntentKind `json:"kind"`
	DryRun bool       `json:"dry_run,omitempty"`

	// small_talk
	ReplyHint string `json:"reply_hint,omitempty"`

	// event.search
	TitleLike string `json:"title_like,omitempty"`
	DateFrom  string `json:"date_from,omitempty"` // YYYY-MM-DD
	DateTo    string `json:"date_to,omitempty"`
	TimeFrom  string `json:"time_from,omitempty"` // HH:MM
	TimeTo    string `json:"time_to,omitempty"`

	// event.mutate
	Op              MutateOp   `json:"op,omitempty"`
	Title           string     `json:"title,omitempty"`
	Date            string     `json:"date,omitempty"`
	Time            string     `json:"time,omitempty"`
	DurationMinutes int        `json:"duration_minutes,omitempty"`
	Target          *EntityRef `json:"target,omitempty"`

	// goal.search
	Status string `json:"status,omitempty"`

	// goal.create
	Description    string  `json:"description,omitempty"`
	TargetDate     string  `json:"target_date,omitempty"`
	Category       string  `json:"category,omitempty"`
	Priority       string  `json:"priority,omitempty"`
	UserLevel      string  `json:"user_level,omitempty"`
	TimeCommitment float64 `json:"time_commitment,omitempty"` // minutes per week

	// goal.delete, goal.query use GoalRef; goal.update_step, goal.delete_step use StepRef
	GoalRef *EntityRef `json:"goal_ref,omitempty"`
	StepRef *EntityRef `json:"step_ref,omitempty"`

	// goal.update_step
	NewStatus string `json:"new_status,omitempty"`

	// goal.add_step
	GoalID      int64  `json:"goal_id,omitempty"`
	Order       int    `json:"order,omitempty"`
	PlannedDate string `json:"planned_date,omitempty"`
	PlannedTime string `json:"planned_time,omitempty"`

	// product.search
	Query    string  `json:"query,omitempty"`
	PriceMax float64 `json:"price_max,omitempty"`
}

// ResponseType selects how the dispatcher's result is rendered to the
// user (spec.md §4.3, §6).
type ResponseType string

const (
	ResponseTypeFinalText        ResponseType = "final_text"
	ResponseTypeRenderTable      ResponseType = "render_table"
	ResponseTypeAskClarification ResponseType = "ask_clarification"
)

// Button is one inline action offered alongside a response.
type Button struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// CoreResponse is the shape returned by both /process and /callback.
type CoreResponse struct {
	Success      bool         `json:"success"`
	ResponseType ResponseType `json:"response_type"`
	Text         string       `json:"text"`
	Items        []any        `json:"items,omitempty"`
	SetID        string       `json:"set_id,omitempty"`
	Buttons      [][]Button   `json:"buttons,omitempty"`
	Error        string       `json:"error,omitempty"`
}
