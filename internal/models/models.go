// Package models defines the data types shared by every component of the
// autotune control loop: traces, dataset rows, prompt variants, evaluation
// runs, and the loop's own persisted state.
package models

import "time"

// NotReached is the sentinel value for a scorer that could not compute a
// score for a case (missing data, malformed judge output, or a case that
// never reached the event being measured).
const NotReached = -1.0

// Trace is one completed multi-turn conversation, as recorded by the
// external tracing service. Traces are immutable once written; identity is
// TraceID.
type Trace struct {
	TraceID        string         `json:"trace_id"`
	ExperimentID   string         `json:"experiment_id"`
	CreatedAt      time.Time      `json:"created_at"`
	InputCaseID    string         `json:"input_case_id,omitempty"`
	Turns          []Turn         `json:"turns"`
	ToolCalls      []ToolCall     `json:"tool_calls,omitempty"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
	PromptHash     string         `json:"prompt_hash"`
	NeedsEmergency *bool          `json:"needs_emergency,omitempty"`
}

// Turn is one user/assistant exchange within a trace or a simulated run.
type Turn struct {
	Role string `json:"role"` // "user" | "assistant"
	Text string `json:"text"`
}

// ToolCall records one tool invocation observed during a turn.
type ToolCall struct {
	Turn int    `json:"turn"`
	Name string `json:"name"`
	Args string `json:"args,omitempty"`
}

// SimulatedUserProfile is the explicit, enumerated behavior model driving
// the simulated caller in an evaluation. Unknown attitude/tone values are
// rejected at dataset-load time rather than accepted as free-form strings.
type SimulatedUserProfile struct {
	Text            string  `json:"text"`
	Attitude        string  `json:"attitude,omitempty"`        // calm | agitated | hostile | confused
	Tone            string  `json:"tone,omitempty"`            // neutral | urgent | sarcastic
	Cooperativeness string  `json:"cooperativeness,omitempty"` // high | medium | low
	Verbosity       string  `json:"verbosity,omitempty"`       // terse | normal | rambling
	Patience        string  `json:"patience,omitempty"`        // high | medium | low
	Goal            string  `json:"goal,omitempty"`
	NeedsEmergency  bool    `json:"needs_emergency,omitempty"`
}

var (
	validAttitudes        = set("calm", "agitated", "hostile", "confused", "")
	validTones            = set("neutral", "urgent", "sarcastic", "")
	validCooperativeness  = set("high", "medium", "low", "")
	validVerbosity        = set("terse", "normal", "rambling", "")
	validPatience         = set("high", "medium", "low", "")
)

func set(vals ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		m[v] = struct{}{}
	}
	return m
}

// Validate rejects unknown enumerated values, per the design note that
// behavior fields are a closed enumeration, not a free-form key-value bag.
func (p SimulatedUserProfile) Validate() error {
	if _, ok := validAttitudes[p.Attitude]; !ok {
		return badEnum("attitude", p.Attitude)
	}
	if _, ok := validTones[p.Tone]; !ok {
		return badEnum("tone", p.Tone)
	}
	if _, ok := validCooperativeness[p.Cooperativeness]; !ok {
		return badEnum("cooperativeness", p.Cooperativeness)
	}
	if _, ok := validVerbosity[p.Verbosity]; !ok {
		return badEnum("verbosity", p.Verbosity)
	}
	if _, ok := validPatience[p.Patience]; !ok {
		return badEnum("patience", p.Patience)
	}
	return nil
}

func badEnum(field, val string) error {
	return &EnumError{Field: field, Value: val}
}

// EnumError reports an unrecognized enumerated value on a dataset row.
type EnumError struct {
	Field string
	Value string
}

func (e *EnumError) Error() string {
	return "models: unknown value " + e.Value + " for field " + e.Field
}

// DatasetRow is one frozen evaluation case.
type DatasetRow struct {
	CaseID      string                `json:"case_id"`
	Input       SimulatedUserProfile  `json:"input"`
	Expected    string                `json:"expected,omitempty"`
	Metadata    map[string]string     `json:"metadata,omitempty"`
}

// PromptVariant is one candidate system prompt, either the baseline or a
// proposed mutation of it.
type PromptVariant struct {
	Name       string `json:"name"`
	Text       string `json:"text"`
	Rationale  string `json:"rationale"`
	ParentHash string `json:"parent_hash"`
	Hash       string `json:"hash"`
}

// Split identifies which frozen dataset slice a VariantRun was evaluated
// against.
type Split string

const (
	SplitTrain Split = "train"
	SplitTest  Split = "test"
	SplitAdHoc Split = "adhoc"
)

// VariantRun is the aggregated result of evaluating one prompt variant
// against one dataset split.
type VariantRun struct {
	VariantName    string                        `json:"variant_name"`
	Split          Split                         `json:"split"`
	DatasetRef     string                        `json:"dataset_ref"`
	PerCase        map[string]map[string]float64 `json:"per_case"`
	Metrics        map[string]float64            `json:"metrics"`
	AvgTurnCount   float64                       `json:"avg_turn_count"`
	ExperimentRef  string                        `json:"experiment_ref"`
	MalformedJudge int                           `json:"malformed_judge_count"`
	StartedAt      time.Time                     `json:"started_at"`
	FinishedAt     time.Time                     `json:"finished_at"`
}

// Phase is one state of the autotune worker's finite state machine.
type Phase string

const (
	PhaseIdle                 Phase = "IDLE"
	PhasePolling              Phase = "POLLING"
	PhaseWaiting              Phase = "WAITING"
	PhaseSnapshotBuilt        Phase = "SNAPSHOT_BUILT"
	PhaseStrategiesGenerated  Phase = "STRATEGIES_GENERATED"
	PhaseEvalTest             Phase = "EVAL_TEST"
	PhaseEvalTrain            Phase = "EVAL_TRAIN"
	PhasePromoted             Phase = "PROMOTED"
	PhaseCycleComplete        Phase = "CYCLE_COMPLETE"
	PhaseErrored              Phase = "ERRORED"
	PhaseCancelled            Phase = "CANCELLED"
)

// LoopState is the process-wide, single-instance state of the autotune
// worker. It is owned solely by the worker; every other component receives
// a read-only snapshot.
type LoopState struct {
	LastTraceCursor    time.Time `json:"last_trace_cursor"`
	PendingTraceCount  int       `json:"pending_trace_count"`
	CurrentPhase       Phase     `json:"current_phase"`
	CurrentRunDir      string    `json:"current_run_dir,omitempty"`
	PromotedPromptHash string    `json:"promoted_prompt_hash,omitempty"`
	CurrentPromptText  string    `json:"current_prompt_text"`
	TestWinnerVariant  string    `json:"test_winner_variant,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Snapshot returns a copy safe for read-only use by other components.
func (s LoopState) Snapshot() LoopState { return s }

// FindingsAndVariants is the artifact written after the Strategy Proposer
// runs: the aggregated findings plus the proposed variants.
type FindingsAndVariants struct {
	Findings           []string        `json:"findings"`
	Variants           []PromptVariant `json:"variants"`
	RequestedCount     int             `json:"requested_count"`
	EffectiveTemp      float64         `json:"effective_temperature"`
	Seed               int64           `json:"seed"`
	Why                string          `json:"why,omitempty"`
}

// PromotionDecision is the artifact written after the Promotion Gate runs.
type PromotionDecision struct {
	Promoted             bool                `json:"promoted"`
	Winner               string              `json:"winner,omitempty"`
	Reason               string              `json:"reason"`
	// ReviewerFeedback is a quick-feedback tag a human can hand-add to this
	// file after the fact (e.g. "too_verbose"). The next STRATEGIES_GENERATED
	// step reads it back off the prior run and nudges the proposer's
	// dimension weights accordingly; empty means no feedback was given.
	ReviewerFeedback     string              `json:"reviewer_feedback,omitempty"`
	PriorPromptHash      string              `json:"prior_prompt_hash"`
	NewPromptHash        string              `json:"new_prompt_hash,omitempty"`
	TestBaseline         VariantRun          `json:"test_baseline"`
	TestCandidate        VariantRun          `json:"test_candidate,omitempty"`
	TrainBaseline        VariantRun          `json:"train_baseline,omitempty"`
	TrainCandidate       VariantRun          `json:"train_candidate,omitempty"`
	TestDeltaPrimary     float64             `json:"test_delta_primary"`
	TestDeltaSecondary   float64             `json:"test_delta_secondary"`
	TrainDeltaPrimary    float64             `json:"train_delta_primary"`
	ThresholdMinDeltaPrimary       float64   `json:"threshold_min_delta_primary"`
	ThresholdMaxRegressionSecondary float64  `json:"threshold_max_regression_secondary"`
	ThresholdMinDeltaPrimaryTrain  float64   `json:"threshold_min_delta_primary_train"`
	DecidedAt            time.Time           `json:"decided_at"`
}

// SourceTraces is the artifact recording exactly which traces a run used.
type SourceTraces struct {
	Traces        []Trace   `json:"traces"`
	CursorStart   time.Time `json:"cursor_start"`
	CursorEnd     time.Time `json:"cursor_end"`
	NewTraceCount int       `json:"new_trace_count"`
	AdHocCount    int       `json:"ad_hoc_count"`
}

// Status is the merged, dashboard-facing view written to status.json and
// served (enriched with ServerTime) by the Status API.
type Status struct {
	Phase               Phase     `json:"phase"`
	Reason              string    `json:"reason,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
	RunDir              string    `json:"run_dir,omitempty"`
	NewTraceCount       int       `json:"new_trace_count"`
	VariantsCount       int       `json:"variants_count"`
	VariantRuns         []string  `json:"variant_runs,omitempty"`
	Winner              string    `json:"winner,omitempty"`
	Promoted            bool      `json:"promoted"`
	BestArchivedVariant string    `json:"best_archived_variant,omitempty"`
	ServerTime          time.Time `json:"server_time,omitzero"`
}
