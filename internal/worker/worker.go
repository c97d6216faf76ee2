// Package worker implements the Autotune Worker: the single long-running
// finite state machine that advances one phase per tick, persisting its
// state durably before every return so a crash between ticks always
// resumes cleanly from disk alone.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tidalline/autotune/internal/artifact"
	"github.com/tidalline/autotune/internal/config"
	"github.com/tidalline/autotune/internal/datasetstore"
	"github.com/tidalline/autotune/internal/evaluator"
	"github.com/tidalline/autotune/internal/gate"
	"github.com/tidalline/autotune/internal/models"
	"github.com/tidalline/autotune/internal/proposer"
	"github.com/tidalline/autotune/internal/retry"
	"github.com/tidalline/autotune/internal/scorer"
	"github.com/tidalline/autotune/internal/snapshot"
	"github.com/tidalline/autotune/internal/telemetry"
	"github.com/tidalline/autotune/internal/tracestore"
)

// OutcomeKind classifies what a tick did, replacing exceptions for control
// flow with an explicit sum type.
type OutcomeKind int

const (
	Progressed OutcomeKind = iota
	Waited
	Errored
)

func (k OutcomeKind) String() string {
	switch k {
	case Progressed:
		return "progressed"
	case Waited:
		return "waited"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// TickOutcome is the result of one Tick call.
type TickOutcome struct {
	Kind   OutcomeKind
	Phase  models.Phase
	Reason string
}

// Broadcaster pushes a freshly written status to any live subscribers.
// Satisfied by *statusapi.Server; kept as an interface here so this
// package never imports the HTTP layer.
type Broadcaster interface {
	Broadcast(status any)
}

// Deps are every collaborator the worker orchestrates. All fields are
// required except Log, which defaults to slog.Default(), and Broadcaster,
// which is nil when the Status API's live stream is not running.
type Deps struct {
	Traces      *tracestore.Client
	Datasets    *datasetstore.Store
	Snapshot    *snapshot.Builder
	Proposer    *proposer.Proposer
	Evaluator   *evaluator.Evaluator
	Suite       scorer.Suite
	Gate        *gate.Gate
	Artifacts   *artifact.Store
	Cfg         *config.Config
	Log         *slog.Logger
	Broadcaster Broadcaster
}

// Worker owns the single process-wide LoopState. No other component may
// mutate it; State() hands out a read-only snapshot, and the Status API
// reads the status.json the worker writes. Every fact
// Tick needs to resume mid-run is re-derived from artifacts already on
// disk, not carried in memory, so a restart at any phase boundary picks
// up exactly where the previous process left off.
type Worker struct {
	deps Deps

	mu    sync.RWMutex
	state models.LoopState
}

// New constructs a Worker, resuming from persisted LoopState if present.
func New(deps Deps) (*Worker, error) {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	w := &Worker{deps: deps}

	state, ok, err := deps.Artifacts.ReadLoopState()
	if err != nil {
		return nil, fmt.Errorf("worker: load loop state: %w", err)
	}
	if !ok {
		state = models.LoopState{
			CurrentPhase:      models.PhaseIdle,
			CurrentPromptText: deps.Cfg.SeedPrompt,
			UpdatedAt:         time.Now().UTC(),
		}
	}
	w.state = state
	return w, nil
}

// State returns a read-only snapshot of the LoopState.
func (w *Worker) State() models.LoopState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state.Snapshot()
}

// Tick advances the state machine by at most one phase transition. It
// never returns an error for a recoverable condition: transient failures,
// rate limiting, and non-fatal schema violations are all folded into the
// returned TickOutcome so the caller's loop can sleep and retry
// unconditionally. Concurrent calls are serialized by the worker's mutex.
func (w *Worker) Tick(ctx context.Context) TickOutcome {
	ctx, span := telemetry.Tracer.Start(ctx, "worker.tick")
	defer span.End()

	w.mu.Lock()
	defer w.mu.Unlock()

	phase := w.state.CurrentPhase
	span.SetAttributes(attribute.String("autotune.phase", string(phase)))
	outcome, next, err := w.step(ctx, phase)

	var result TickOutcome
	var rl *retry.RateLimited
	switch {
	case errors.As(err, &rl):
		w.deps.Log.WarnContext(ctx, "worker: rate limited, entering WAITING", "phase", phase, "reason", rl.Reason)
		w.transition(models.PhaseWaiting, "rate_limited")
		result = TickOutcome{Kind: Waited, Phase: models.PhaseWaiting, Reason: "rate_limited"}

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		w.deps.Log.InfoContext(ctx, "worker: cancelled mid-tick", "phase", phase)
		w.transition(models.PhaseCancelled, "shutdown")
		result = TickOutcome{Kind: Errored, Phase: models.PhaseCancelled, Reason: "shutdown"}

	case errors.Is(err, artifact.ErrCorrupt):
		w.deps.Log.ErrorContext(ctx, "worker: artifact schema violation, quarantining run", "phase", phase, "err", err)
		if w.state.CurrentRunDir != "" {
			_ = w.deps.Artifacts.QuarantineRunDir(w.state.CurrentRunDir)
		}
		w.transition(models.PhaseErrored, err.Error())
		result = TickOutcome{Kind: Errored, Phase: models.PhaseErrored, Reason: err.Error()}

	case err != nil:
		w.deps.Log.WarnContext(ctx, "worker: transient failure, retrying next tick", "phase", phase, "err", err)
		w.persist()
		result = TickOutcome{Kind: Errored, Phase: phase, Reason: err.Error()}

	default:
		w.transition(next, outcome.Reason)
		result = TickOutcome{Kind: outcome.Kind, Phase: next, Reason: outcome.Reason}
	}

	telemetry.RecordTick(result.Kind.String(), string(result.Phase))
	if result.Kind == Progressed && result.Phase == models.PhasePromoted {
		telemetry.PromotionsTotal.Inc()
	}
	return result
}

// step performs the work associated with the current phase and reports
// the next phase to transition to. A non-nil error means no transition
// happened this tick; Tick classifies it and decides how to persist.
func (w *Worker) step(ctx context.Context, phase models.Phase) (TickOutcome, models.Phase, error) {
	switch phase {
	case models.PhaseIdle:
		return TickOutcome{Kind: Progressed}, models.PhasePolling, nil

	case models.PhaseWaiting:
		return TickOutcome{Kind: Progressed}, models.PhasePolling, nil

	case models.PhasePolling:
		return w.stepPolling(ctx)

	case models.PhaseSnapshotBuilt:
		return w.stepProposeVariants(ctx)

	case models.PhaseStrategiesGenerated:
		return w.stepEvalTest(ctx)

	case models.PhaseEvalTest:
		return w.stepSelectTestWinner(ctx)

	case models.PhaseEvalTrain:
		return w.stepEvalTrainAndDecide(ctx)

	case models.PhasePromoted:
		return TickOutcome{Kind: Progressed, Reason: "cycle complete"}, models.PhaseCycleComplete, nil

	case models.PhaseCycleComplete, models.PhaseErrored, models.PhaseCancelled:
		w.resetForNextCycle()
		return TickOutcome{Kind: Progressed}, models.PhaseIdle, nil

	default:
		return TickOutcome{}, phase, fmt.Errorf("worker: unknown phase %q", phase)
	}
}

// stepPolling fetches new traces, builds the snapshot, and decides
// whether there is enough new data to start a run.
func (w *Worker) stepPolling(ctx context.Context) (TickOutcome, models.Phase, error) {
	cursorStart := w.state.LastTraceCursor
	cursorEnd := time.Now().UTC()

	traces, err := w.deps.Traces.FetchTracesSince(ctx, cursorStart, w.deps.Cfg.SourceExperiment)
	if err != nil {
		return TickOutcome{}, models.PhasePolling, err
	}

	result := w.deps.Snapshot.Build(traces, cursorStart, cursorEnd)
	w.state.PendingTraceCount = result.SourceTraces.NewTraceCount

	if result.Waiting {
		// Cursor stays put: traces fetched this tick are still below
		// MIN_BATCH, so the next poll must refetch the same window and add
		// to it rather than discarding them. Advancing here would drop any
		// trace that arrives in a sub-batch dribble.
		return TickOutcome{
			Kind:   Waited,
			Reason: fmt.Sprintf("new_trace_count=%d below MIN_BATCH=%d", result.SourceTraces.NewTraceCount, w.deps.Cfg.MinBatch),
		}, models.PhaseWaiting, nil
	}

	w.state.LastTraceCursor = cursorEnd

	runDir, err := w.deps.Artifacts.NewRunDir(cursorEnd)
	if err != nil {
		return TickOutcome{}, models.PhasePolling, err
	}
	if err := w.deps.Artifacts.WriteSourceTraces(runDir, result.SourceTraces); err != nil {
		return TickOutcome{}, models.PhasePolling, err
	}

	w.state.CurrentRunDir = runDir
	w.state.TestWinnerVariant = ""

	return TickOutcome{
		Kind:   Progressed,
		Reason: fmt.Sprintf("snapshot built with %d new traces", result.SourceTraces.NewTraceCount),
	}, models.PhaseSnapshotBuilt, nil
}

// stepProposeVariants reads back the snapshot just written and asks the
// Strategy Proposer for candidate prompts.
func (w *Worker) stepProposeVariants(ctx context.Context) (TickOutcome, models.Phase, error) {
	runDir := w.state.CurrentRunDir
	sourceTraces, err := w.deps.Artifacts.ReadSourceTraces(runDir)
	if err != nil {
		return TickOutcome{}, models.PhaseSnapshotBuilt, err
	}

	w.applyPriorFeedback(ctx, runDir)

	joined := joinedTraces(sourceTraces.Traces)
	result, err := w.deps.Proposer.Propose(ctx, joined, w.state.CurrentPromptText)
	if err != nil {
		return TickOutcome{}, models.PhaseSnapshotBuilt, err
	}

	fv := models.FindingsAndVariants{
		Findings:       result.Findings,
		Variants:       result.Variants,
		RequestedCount: w.deps.Cfg.VariantCount,
		EffectiveTemp:  float64(result.EffectiveTemp),
		Why:            result.Why,
	}
	if err := w.deps.Artifacts.WriteFindingsAndVariants(runDir, fv); err != nil {
		return TickOutcome{}, models.PhaseSnapshotBuilt, err
	}

	return TickOutcome{
		Kind:   Progressed,
		Reason: fmt.Sprintf("%d variants proposed", len(result.Variants)),
	}, models.PhaseStrategiesGenerated, nil
}

// applyPriorFeedback reads the reviewer's quick-feedback tag off the prior
// run's promotion_decision.json, if one was hand-added, and nudges the
// proposer's dimension weights before it runs. Best-effort: a missing
// prior run, a missing decision file, or an untagged decision all leave
// the proposer's weights untouched.
func (w *Worker) applyPriorFeedback(ctx context.Context, runDir string) {
	prevDir, ok, err := w.deps.Artifacts.PreviousRunDir(runDir)
	if err != nil || !ok {
		return
	}
	decision, err := w.deps.Artifacts.ReadPromotionDecision(prevDir)
	if err != nil || decision.ReviewerFeedback == "" {
		return
	}
	w.deps.Proposer.ApplyFeedback(proposer.FeedbackType(decision.ReviewerFeedback))
	w.deps.Log.InfoContext(ctx, "worker: applied reviewer feedback to proposer weights",
		"feedback", decision.ReviewerFeedback, "prior_run_dir", prevDir)
}

// stepEvalTest evaluates the baseline and every candidate variant on the
// test split, one variant_runs/*.json artifact per variant. This is
// exactly the work that resumes cleanly from a crash observed at
// STRATEGIES_GENERATED: the already-written variants are read back rather
// than re-proposed, and any variant_runs already on disk from a prior
// attempt are simply overwritten, making the phase idempotent.
func (w *Worker) stepEvalTest(ctx context.Context) (TickOutcome, models.Phase, error) {
	runDir := w.state.CurrentRunDir
	fv, err := w.deps.Artifacts.ReadFindingsAndVariants(runDir)
	if err != nil {
		return TickOutcome{}, models.PhaseStrategiesGenerated, err
	}

	dataset, err := w.deps.Datasets.Load(ctx, w.deps.Cfg.DatasetName, w.deps.Cfg.DatasetVersion)
	if err != nil {
		return TickOutcome{}, models.PhaseStrategiesGenerated, err
	}
	testRows := dataset.RowsForSplit(models.SplitTest)
	if len(testRows) == 0 {
		if werr := w.deps.Artifacts.WritePromotionDecision(runDir, models.PromotionDecision{
			PriorPromptHash: proposer.HashText(w.state.CurrentPromptText),
			Reason:          "dataset missing test split; never promoting without it",
			DecidedAt:       time.Now().UTC(),
		}); werr != nil {
			return TickOutcome{}, models.PhaseStrategiesGenerated, werr
		}
		return TickOutcome{Kind: Waited, Reason: "test split empty"}, models.PhaseCycleComplete, nil
	}

	baselineRun, err := w.timedEvaluate(ctx, "baseline", models.SplitTest, dataset.Name, w.state.CurrentPromptText, testRows)
	if err != nil {
		return TickOutcome{}, models.PhaseStrategiesGenerated, err
	}
	if err := w.deps.Artifacts.WriteVariantRun(runDir, baselineRun); err != nil {
		return TickOutcome{}, models.PhaseStrategiesGenerated, err
	}

	for _, v := range fv.Variants {
		run, err := w.timedEvaluate(ctx, v.Name, models.SplitTest, dataset.Name, v.Text, testRows)
		if err != nil {
			return TickOutcome{}, models.PhaseStrategiesGenerated, err
		}
		if err := w.deps.Artifacts.WriteVariantRun(runDir, run); err != nil {
			return TickOutcome{}, models.PhaseStrategiesGenerated, err
		}
		w.deps.Proposer.RecordEvaluated(v, run, w.deps.Cfg.TurnLimit)
	}

	return TickOutcome{
		Kind:   Progressed,
		Reason: fmt.Sprintf("evaluated baseline + %d candidates on test split", len(fv.Variants)),
	}, models.PhaseEvalTest, nil
}

// stepSelectTestWinner rebuilds the candidate list entirely from the
// variant_runs already persisted for the current run directory (never
// from in-memory state, so this step is safe to resume into after a
// crash) and applies the test-split gate. It performs no remote calls.
func (w *Worker) stepSelectTestWinner(ctx context.Context) (TickOutcome, models.Phase, error) {
	runDir := w.state.CurrentRunDir
	fv, err := w.deps.Artifacts.ReadFindingsAndVariants(runDir)
	if err != nil {
		return TickOutcome{}, models.PhaseStrategiesGenerated, err
	}
	baseline, err := w.deps.Artifacts.ReadVariantRun(runDir, "baseline", models.SplitTest)
	if err != nil {
		return TickOutcome{}, models.PhaseStrategiesGenerated, err
	}

	candidates := make([]gate.Candidate, 0, len(fv.Variants))
	for _, v := range fv.Variants {
		run, err := w.deps.Artifacts.ReadVariantRun(runDir, v.Name, models.SplitTest)
		if err != nil {
			return TickOutcome{}, models.PhaseStrategiesGenerated, err
		}
		candidates = append(candidates, gate.Candidate{Variant: v, Run: run})
	}

	winner, deltaPrimary, deltaSecondary := w.deps.Gate.SelectWinner(baseline, candidates)
	if winner == nil {
		decision := w.deps.Gate.Decide(ctx, gate.DecideInput{
			PriorPromptHash: proposer.HashText(w.state.CurrentPromptText),
			BaselineTest:    baseline,
			Candidates:      candidates,
		})
		if werr := w.deps.Artifacts.WritePromotionDecision(runDir, decision); werr != nil {
			return TickOutcome{}, models.PhaseStrategiesGenerated, werr
		}
		return TickOutcome{Kind: Progressed, Reason: "no test winner"}, models.PhaseCycleComplete, nil
	}

	w.state.TestWinnerVariant = winner.Variant.Name

	return TickOutcome{
		Kind: Progressed,
		Reason: fmt.Sprintf("%s wins test split (delta_primary=%.4f, delta_secondary=%.4f)",
			winner.Variant.Name, deltaPrimary, deltaSecondary),
	}, models.PhaseEvalTrain, nil
}

// stepEvalTrainAndDecide re-runs the test winner (and baseline) on the
// train split, applies the final gate, writes the decision artifact, and
// optionally publishes the winning prompt.
func (w *Worker) stepEvalTrainAndDecide(ctx context.Context) (TickOutcome, models.Phase, error) {
	runDir := w.state.CurrentRunDir
	if w.state.TestWinnerVariant == "" {
		return TickOutcome{}, models.PhaseEvalTest, fmt.Errorf("worker: entered EVAL_TRAIN with no recorded test winner")
	}

	fv, err := w.deps.Artifacts.ReadFindingsAndVariants(runDir)
	if err != nil {
		return TickOutcome{}, models.PhaseEvalTest, err
	}
	winnerVariant, ok := findVariant(fv.Variants, w.state.TestWinnerVariant)
	if !ok {
		return TickOutcome{}, models.PhaseEvalTest, fmt.Errorf("worker: recorded test winner %q not found among proposed variants", w.state.TestWinnerVariant)
	}

	dataset, err := w.deps.Datasets.Load(ctx, w.deps.Cfg.DatasetName, w.deps.Cfg.DatasetVersion)
	if err != nil {
		return TickOutcome{}, models.PhaseEvalTest, err
	}
	trainRows := dataset.RowsForSplit(models.SplitTrain)

	priorHash := proposer.HashText(w.state.CurrentPromptText)
	baseline, err := w.deps.Artifacts.ReadVariantRun(runDir, "baseline", models.SplitTest)
	if err != nil {
		return TickOutcome{}, models.PhaseEvalTest, err
	}
	winnerTestRun, err := w.deps.Artifacts.ReadVariantRun(runDir, winnerVariant.Name, models.SplitTest)
	if err != nil {
		return TickOutcome{}, models.PhaseEvalTest, err
	}

	in := gate.DecideInput{
		PriorPromptHash: priorHash,
		BaselineTest:    baseline,
		Candidates:      []gate.Candidate{{Variant: winnerVariant, Run: winnerTestRun}},
	}

	if len(trainRows) == 0 {
		decision := w.deps.Gate.Decide(ctx, in)
		decision.Reason = "dataset missing train split; never promoting without it"
		if werr := w.deps.Artifacts.WritePromotionDecision(runDir, decision); werr != nil {
			return TickOutcome{}, models.PhaseEvalTest, werr
		}
		return TickOutcome{Kind: Progressed, Reason: decision.Reason}, models.PhaseCycleComplete, nil
	}

	baselineTrain, err := w.timedEvaluate(ctx, "baseline", models.SplitTrain, dataset.Name, w.state.CurrentPromptText, trainRows)
	if err != nil {
		return TickOutcome{}, models.PhaseEvalTest, err
	}
	if err := w.deps.Artifacts.WriteVariantRun(runDir, baselineTrain); err != nil {
		return TickOutcome{}, models.PhaseEvalTest, err
	}

	winnerTrain, err := w.timedEvaluate(ctx, winnerVariant.Name, models.SplitTrain, dataset.Name, winnerVariant.Text, trainRows)
	if err != nil {
		return TickOutcome{}, models.PhaseEvalTest, err
	}
	if err := w.deps.Artifacts.WriteVariantRun(runDir, winnerTrain); err != nil {
		return TickOutcome{}, models.PhaseEvalTest, err
	}

	in.BaselineTrain = &baselineTrain
	in.WinnerTrain = &winnerTrain
	decision := w.deps.Gate.Decide(ctx, in)
	if err := w.deps.Artifacts.WritePromotionDecision(runDir, decision); err != nil {
		return TickOutcome{}, models.PhaseEvalTest, err
	}

	if decision.Promoted {
		w.state.PromotedPromptHash = decision.NewPromptHash
		w.state.CurrentPromptText = winnerVariant.Text
		return TickOutcome{Kind: Progressed, Reason: decision.Reason}, models.PhasePromoted, nil
	}
	return TickOutcome{Kind: Progressed, Reason: decision.Reason}, models.PhaseCycleComplete, nil
}

// timedEvaluate wraps Evaluator.Evaluate with duration and malformed-judge
// telemetry, recorded regardless of outcome so a slow or failing evaluation
// still shows up on the histogram. On success it also opens the
// write_experiment handle for this (variant, split) so scored rows have
// somewhere to attach on the tracing service; a failure to open one is
// logged and not fatal to the evaluation itself.
func (w *Worker) timedEvaluate(ctx context.Context, variant string, split models.Split, datasetRef, promptText string, rows []models.DatasetRow) (models.VariantRun, error) {
	start := time.Now()
	run, err := w.deps.Evaluator.Evaluate(ctx, variant, split, datasetRef, promptText, rows)
	telemetry.EvaluationDuration.WithLabelValues(string(split)).Observe(time.Since(start).Seconds())
	if run.MalformedJudge > 0 {
		telemetry.MalformedJudgeTotal.WithLabelValues(variant, string(split)).Add(float64(run.MalformedJudge))
	}
	if err == nil {
		expName := fmt.Sprintf("%s-%s-%s", filepath.Base(w.state.CurrentRunDir), variant, split)
		ref, wErr := w.deps.Traces.WriteExperiment(ctx, expName, variant, split, rows)
		if wErr != nil {
			w.deps.Log.Warn("write_experiment failed", "variant", variant, "split", string(split), "err", wErr)
		} else {
			run.ExperimentRef = ref
		}
	}
	return run, err
}

func findVariant(variants []models.PromptVariant, name string) (models.PromptVariant, bool) {
	for _, v := range variants {
		if v.Name == name {
			return v, true
		}
	}
	return models.PromptVariant{}, false
}

func joinedTraces(traces []models.Trace) []models.Trace {
	out := make([]models.Trace, 0, len(traces))
	for _, t := range traces {
		if t.InputCaseID != "" {
			out = append(out, t)
		}
	}
	return out
}

// transition mutates the phase, updates UpdatedAt, and persists the state
// durably before returning control to the caller, satisfying the
// durable-before-return guarantee that makes every phase boundary a valid
// crash-resume point.
func (w *Worker) transition(next models.Phase, reason string) {
	w.state.CurrentPhase = next
	w.state.UpdatedAt = time.Now().UTC()
	w.persist()
	w.writeStatus(reason)
}

func (w *Worker) persist() {
	if err := w.deps.Artifacts.WriteLoopState(w.state); err != nil {
		w.deps.Log.Error("worker: failed to persist loop state", "err", err)
	}
}

func (w *Worker) writeStatus(reason string) {
	status := models.Status{
		Phase:         w.state.CurrentPhase,
		Reason:        reason,
		UpdatedAt:     w.state.UpdatedAt,
		RunDir:        w.state.CurrentRunDir,
		NewTraceCount: w.state.PendingTraceCount,
		Winner:        w.state.TestWinnerVariant,
		Promoted:      w.state.CurrentPhase == models.PhasePromoted,
		ServerTime:    time.Now().UTC(),
	}
	if name, ok := w.deps.Proposer.BestArchived(); ok {
		status.BestArchivedVariant = name
	}
	if names, err := w.deps.Artifacts.ListVariantRuns(w.state.CurrentRunDir); err == nil {
		status.VariantRuns = names
	}
	if err := w.deps.Artifacts.WriteStatus(status); err != nil {
		w.deps.Log.Error("worker: failed to write status", "err", err)
		return
	}
	if w.deps.Broadcaster != nil {
		w.deps.Broadcaster.Broadcast(status)
	}
}

func (w *Worker) resetForNextCycle() {
	w.state.CurrentRunDir = ""
	w.state.TestWinnerVariant = ""
}
