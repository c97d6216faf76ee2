package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidalline/autotune/internal/artifact"
	"github.com/tidalline/autotune/internal/config"
	"github.com/tidalline/autotune/internal/datasetstore"
	"github.com/tidalline/autotune/internal/evaluator"
	"github.com/tidalline/autotune/internal/gate"
	"github.com/tidalline/autotune/internal/llmclient"
	"github.com/tidalline/autotune/internal/models"
	"github.com/tidalline/autotune/internal/proposer"
	"github.com/tidalline/autotune/internal/scorer"
	"github.com/tidalline/autotune/internal/snapshot"
	"github.com/tidalline/autotune/internal/tracestore"
)

func testConfig(t *testing.T, runsDir string) *config.Config {
	t.Helper()
	return &config.Config{
		Project:              "firehouse",
		DatasetName:          "emergency-calls",
		JudgeModel:           "gpt-4o-mini",
		AgentLLM:             "gpt-4o",
		SeedPrompt:           "You are a calm dispatcher.",
		TurnLimit:            4,
		MinBatch:             5,
		MinDeltaPrimary:      0.10,
		MaxRegressionSecondary: 0.05,
		MinDeltaPrimaryTrain: 0.05,
		VariantCount:         2,
		VariantRetryK:        1,
		EvalParallelism:      2,
		PerCaseTimeout:       5 * time.Second,
		StatusFile:           filepath.Join(runsDir, "status.json"),
		RunsDir:              runsDir,
	}
}

// alwaysCalmLLM answers every chat completion as an immediately-satisfied
// caller, so the simulated conversation always terminates after one turn.
func alwaysCalmLLM(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Content: "Thank you, that's all I needed."},
			}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func newTestDeps(t *testing.T, cfg *config.Config, traceSrv, datasetSrv, llmSrv *httptest.Server) Deps {
	t.Helper()
	llm := llmclient.New(llmSrv.URL, "test-key")
	suite := scorer.Suite{scorer.EmergencyMentionScorer{}}

	return Deps{
		Traces:    tracestore.New(traceSrv.URL, "pk", "sk"),
		Datasets:  datasetstore.New(datasetSrv.URL, "pk", "sk"),
		Snapshot:  snapshot.New(cfg.MinBatch),
		Proposer:  proposer.New(llm, proposer.Config{GeneratorModel: cfg.AgentLLM, JudgeModel: cfg.JudgeModel, VariantCount: cfg.VariantCount, RetryK: cfg.VariantRetryK}, 8, nil),
		Evaluator: evaluator.New(llm, suite, evaluator.Config{AgentModel: cfg.AgentLLM, UserModel: cfg.AgentLLM, TurnLimit: cfg.TurnLimit, Parallelism: cfg.EvalParallelism, PerCaseTimeout: cfg.PerCaseTimeout}),
		Suite:     suite,
		Gate:      gate.New(gate.Thresholds{MinDeltaPrimary: cfg.MinDeltaPrimary, MaxRegressionSecondary: cfg.MaxRegressionSecondary, MinDeltaPrimaryTrain: cfg.MinDeltaPrimaryTrain}, nil, false),
		Artifacts: artifact.New(cfg.RunsDir, cfg.StatusFile),
		Cfg:       cfg,
	}
}

func TestTickPollingTransitionsToWaitingBelowMinBatch(t *testing.T) {
	traceSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"data": []map[string]any{
				{
					"id":        "trace-1",
					"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
					"input":     []map[string]any{{"role": "user", "content": "help"}},
					"output":    map[string]any{"role": "assistant", "content": "ok"},
					"metadata":  map[string]any{"input_case_id": "case-a"},
				},
			},
			"meta": map[string]any{"page": 1, "totalPages": 1},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer traceSrv.Close()

	datasetSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}, "meta": map[string]any{"page": 1, "totalPages": 1}})
	}))
	defer datasetSrv.Close()

	llmSrv := alwaysCalmLLM(t)
	defer llmSrv.Close()

	runsDir := t.TempDir()
	cfg := testConfig(t, runsDir)
	cfg.MinBatch = 5

	w, err := New(newTestDeps(t, cfg, traceSrv, datasetSrv, llmSrv))
	require.NoError(t, err)

	out := w.Tick(context.Background())
	assert.Equal(t, models.PhasePolling, out.Phase)

	out = w.Tick(context.Background())
	assert.Equal(t, Waited, out.Kind)
	assert.Equal(t, models.PhaseWaiting, out.Phase)
	assert.Contains(t, out.Reason, "below MIN_BATCH")

	state := w.State()
	assert.Equal(t, models.PhaseWaiting, state.CurrentPhase)
	assert.Empty(t, state.CurrentRunDir)
}

// TestWaitingTicksAccumulateTracesInsteadOfDroppingThem covers the
// sub-batch-dribble case: traces arriving a few at a time, each below
// MIN_BATCH on its own, must still accumulate across polls rather than
// being discarded by an advancing cursor.
func TestWaitingTicksAccumulateTracesInsteadOfDroppingThem(t *testing.T) {
	var fromTimestamps []string
	traceCount := 1

	traceSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromTimestamps = append(fromTimestamps, r.URL.Query().Get("fromTimestamp"))

		data := make([]map[string]any, 0, traceCount)
		for i := 0; i < traceCount; i++ {
			data = append(data, map[string]any{
				"id":        fmt.Sprintf("trace-%d", i),
				"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
				"input":     []map[string]any{{"role": "user", "content": "help"}},
				"output":    map[string]any{"role": "assistant", "content": "ok"},
				"metadata":  map[string]any{"input_case_id": "case-a"},
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": data,
			"meta": map[string]any{"page": 1, "totalPages": 1},
		})
	}))
	defer traceSrv.Close()

	datasetSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}, "meta": map[string]any{"page": 1, "totalPages": 1}})
	}))
	defer datasetSrv.Close()

	llmSrv := alwaysCalmLLM(t)
	defer llmSrv.Close()

	runsDir := t.TempDir()
	cfg := testConfig(t, runsDir)
	cfg.MinBatch = 5

	w, err := New(newTestDeps(t, cfg, traceSrv, datasetSrv, llmSrv))
	require.NoError(t, err)

	out := w.Tick(context.Background())
	require.Equal(t, models.PhasePolling, out.Phase)

	// The first poll sees three traces, below MIN_BATCH on their own.
	traceCount = 3
	out = w.Tick(context.Background())
	assert.Equal(t, Waited, out.Kind)
	assert.Equal(t, 3, w.State().PendingTraceCount)

	// WAITING -> POLLING takes a tick of its own.
	out = w.Tick(context.Background())
	require.Equal(t, models.PhasePolling, out.Phase)

	// A second poll sees the same trickle, still below MIN_BATCH.
	out = w.Tick(context.Background())
	assert.Equal(t, Waited, out.Kind)
	assert.Equal(t, 3, w.State().PendingTraceCount)

	// The cursor sent to the trace store must not have advanced across the
	// two WAITING polls: both queried from the same fromTimestamp, so no
	// trace already seen but not yet batched is silently skipped.
	require.Len(t, fromTimestamps, 2)
	assert.Equal(t, fromTimestamps[0], fromTimestamps[1])

	// Enough traces have now accumulated to clear MIN_BATCH.
	traceCount = 5
	out = w.Tick(context.Background())
	require.Equal(t, models.PhasePolling, out.Phase)
	out = w.Tick(context.Background())
	assert.Equal(t, Progressed, out.Kind)
	assert.Equal(t, models.PhaseSnapshotBuilt, out.Phase)
}

// TestApplyPriorFeedbackNudgesProposerWeights covers the feedback-driven
// weighting feature's real caller: a reviewer tag hand-added to the prior
// run's promotion_decision.json must reach the proposer's dimension
// weights before the next Propose call, changing which archived variant
// ranks best.
func TestApplyPriorFeedbackNudgesProposerWeights(t *testing.T) {
	runsDir := t.TempDir()
	cfg := testConfig(t, runsDir)
	store := artifact.New(cfg.RunsDir, cfg.StatusFile)

	prevDir, err := store.NewRunDir(time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.NoError(t, store.WritePromotionDecision(prevDir, models.PromotionDecision{
		Reason:           "no candidate beat baseline",
		ReviewerFeedback: string(proposer.FeedbackTooSlow),
	}))

	currentDir, err := store.NewRunDir(time.Now().UTC())
	require.NoError(t, err)

	llm := llmclient.New("http://example.invalid", "key")
	prop := proposer.New(llm, proposer.Config{VariantCount: 2}, 8, nil)

	slowButAccurate := models.VariantRun{
		Metrics:      map[string]float64{"calmer_end_state": 0.9, "emergency_services_when_needed": 0.9},
		AvgTurnCount: 18,
		PerCase: map[string]map[string]float64{
			"case-1": {"calmer_end_state": 0.9},
			"case-2": {"calmer_end_state": models.NotReached},
		},
	}
	fastButRougher := models.VariantRun{
		Metrics:      map[string]float64{"calmer_end_state": 0.5, "emergency_services_when_needed": 0.5},
		AvgTurnCount: 2,
		PerCase: map[string]map[string]float64{
			"case-1": {"calmer_end_state": 0.5},
			"case-2": {"calmer_end_state": models.NotReached},
		},
	}
	prop.RecordEvaluated(models.PromptVariant{Name: "accurate"}, slowButAccurate, 20)
	prop.RecordEvaluated(models.PromptVariant{Name: "fast"}, fastButRougher, 20)

	best, ok := prop.BestArchived()
	require.True(t, ok)
	assert.Equal(t, "accurate", best, "with default weights the higher-success variant should rank first")

	w := &Worker{deps: Deps{Artifacts: store, Proposer: prop, Log: slog.Default()}}
	w.applyPriorFeedback(context.Background(), currentDir)

	best, ok = prop.BestArchived()
	require.True(t, ok)
	assert.Equal(t, "fast", best, "too_slow feedback should raise the efficiency weight enough to favor the faster variant")
}

func TestTickResumesFromStrategiesGeneratedAfterCrash(t *testing.T) {
	traceSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}, "meta": map[string]any{"page": 1, "totalPages": 1}})
	}))
	defer traceSrv.Close()

	datasetSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/public/datasets/emergency-calls":
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "ds_1", "name": "emergency-calls"})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{
					{
						"id":       "case-a",
						"input":    map[string]any{"simulated_user": map[string]any{"text": "my neighbor is yelling"}},
						"metadata": map[string]any{"split": "test"},
					},
				},
				"meta": map[string]any{"page": 1, "totalPages": 1},
			})
		}
	}))
	defer datasetSrv.Close()

	llmSrv := alwaysCalmLLM(t)
	defer llmSrv.Close()

	runsDir := t.TempDir()
	cfg := testConfig(t, runsDir)
	deps := newTestDeps(t, cfg, traceSrv, datasetSrv, llmSrv)
	store := deps.Artifacts

	runDir, err := store.NewRunDir(time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, store.WriteSourceTraces(runDir, models.SourceTraces{}))
	require.NoError(t, store.WriteFindingsAndVariants(runDir, models.FindingsAndVariants{
		Findings: []string{"caller escalated too quickly"},
		Variants: []models.PromptVariant{
			{Name: "variant-A", Text: "You are an extremely calm dispatcher.", Hash: "hashA", ParentHash: "hash0"},
		},
	}))
	require.NoError(t, store.WriteLoopState(models.LoopState{
		CurrentPhase:      models.PhaseStrategiesGenerated,
		CurrentRunDir:     runDir,
		CurrentPromptText: cfg.SeedPrompt,
		UpdatedAt:         time.Now().UTC(),
	}))

	w, err := New(deps)
	require.NoError(t, err)
	require.Equal(t, models.PhaseStrategiesGenerated, w.State().CurrentPhase)

	out := w.Tick(context.Background())
	require.Equal(t, Progressed, out.Kind)
	assert.Equal(t, models.PhaseEvalTest, out.Phase)

	baseline, err := store.ReadVariantRun(runDir, "baseline", models.SplitTest)
	require.NoError(t, err)
	assert.Contains(t, baseline.PerCase, "case-a")

	variantRun, err := store.ReadVariantRun(runDir, "variant-A", models.SplitTest)
	require.NoError(t, err)
	assert.Contains(t, variantRun.PerCase, "case-a")

	names, err := store.ListVariantRuns(runDir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"baseline_test.json", "variant-A_test.json"}, names)
}

func TestTickCycleCompleteResetsToIdle(t *testing.T) {
	runsDir := t.TempDir()
	cfg := testConfig(t, runsDir)
	store := artifact.New(runsDir, cfg.StatusFile)
	require.NoError(t, store.WriteLoopState(models.LoopState{
		CurrentPhase:      models.PhaseCycleComplete,
		CurrentRunDir:     filepath.Join(runsDir, "stale-run"),
		CurrentPromptText: cfg.SeedPrompt,
	}))

	traceSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}, "meta": map[string]any{"page": 1, "totalPages": 1}})
	}))
	defer traceSrv.Close()
	datasetSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}, "meta": map[string]any{"page": 1, "totalPages": 1}})
	}))
	defer datasetSrv.Close()
	llmSrv := alwaysCalmLLM(t)
	defer llmSrv.Close()

	w, err := New(newTestDeps(t, cfg, traceSrv, datasetSrv, llmSrv))
	require.NoError(t, err)

	out := w.Tick(context.Background())
	assert.Equal(t, models.PhaseIdle, out.Phase)
	assert.Empty(t, w.State().CurrentRunDir)
}
