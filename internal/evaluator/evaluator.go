// Package evaluator simulates the candidate agent against a frozen
// dataset split, scores every case with the scorer suite, and aggregates
// the results into a VariantRun.
package evaluator

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tidalline/autotune/internal/llmclient"
	"github.com/tidalline/autotune/internal/models"
	"github.com/tidalline/autotune/internal/scorer"
)

var (
	satisfactionRe = regexp.MustCompile(`(?i)\b(thank you|that'?s all|i feel better|i'?m okay now|got it, thanks)\b`)
	endCallMarker  = "[END_CALL]"
)

// Config controls one Evaluate call.
type Config struct {
	AgentModel     string
	UserModel      string
	TurnLimit      int
	Parallelism    int
	PerCaseTimeout time.Duration
	Seed           *int
}

// Evaluator runs candidate prompts against dataset rows with a simulated
// caller and scores the resulting transcripts.
type Evaluator struct {
	llm   *llmclient.Client
	suite scorer.Suite
	cfg   Config
}

func New(llm *llmclient.Client, suite scorer.Suite, cfg Config) *Evaluator {
	if cfg.TurnLimit <= 0 {
		cfg.TurnLimit = 20
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	if cfg.PerCaseTimeout <= 0 {
		cfg.PerCaseTimeout = 2 * time.Minute
	}
	return &Evaluator{llm: llm, suite: suite, cfg: cfg}
}

type caseResult struct {
	caseID     string
	transcript []models.Turn
	turnCount  int
	scores     map[string]float64
	malformed  int
}

// Evaluate simulates every row of the split against promptText with
// bounded parallelism, then aggregates into a deterministic VariantRun.
// Cases are collected into a case-id-sorted map before aggregation so the
// result never depends on completion order.
func (e *Evaluator) Evaluate(ctx context.Context, variantName string, split models.Split, datasetRef string, promptText string, rows []models.DatasetRow) (models.VariantRun, error) {
	started := time.Now().UTC()
	results := make([]caseResult, len(rows))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Parallelism)

	for i, row := range rows {
		i, row := i, row
		g.Go(func() error {
			results[i] = e.runCase(gctx, promptText, row)
			return ctx.Err()
		})
	}
	// Evaluation never aborts the whole run on a single case's failure —
	// runCase itself converts errors into a fail-scored case — so the
	// only error errgroup can surface here is context cancellation from
	// the caller (worker shutdown).
	if err := g.Wait(); err != nil {
		return models.VariantRun{}, fmt.Errorf("evaluator: %w", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].caseID < results[j].caseID })

	run := models.VariantRun{
		VariantName: variantName,
		Split:       split,
		DatasetRef:  datasetRef,
		PerCase:     make(map[string]map[string]float64, len(results)),
		StartedAt:   started,
	}

	var totalTurns float64
	for _, r := range results {
		run.PerCase[r.caseID] = r.scores
		run.MalformedJudge += r.malformed
		totalTurns += float64(r.turnCount)
	}
	if len(results) > 0 {
		run.AvgTurnCount = totalTurns / float64(len(results))
	}
	run.Metrics = aggregate(run.PerCase, e.suite.Names())
	run.FinishedAt = time.Now().UTC()
	return run, nil
}

// runCase never returns an error: a timeout or judge failure produces a
// fail-scored case (every scorer NotReached) rather than aborting the run.
func (e *Evaluator) runCase(ctx context.Context, promptText string, row models.DatasetRow) caseResult {
	caseCtx, cancel := context.WithTimeout(ctx, e.cfg.PerCaseTimeout)
	defer cancel()

	transcript, err := e.simulate(caseCtx, promptText, row)
	if err != nil {
		return caseResult{
			caseID:    row.CaseID,
			scores:    failScores(e.suite.Names()),
			malformed: 0,
		}
	}

	scores, malformed := e.suite.ScoreAll(caseCtx, scorer.Input{
		CaseID:         row.CaseID,
		Transcript:     transcript,
		Expected:       row.Expected,
		NeedsEmergency: row.Input.NeedsEmergency,
	})
	return caseResult{
		caseID:     row.CaseID,
		transcript: transcript,
		turnCount:  countTurns(transcript),
		scores:     scores,
		malformed:  malformed,
	}
}

func failScores(names []string) map[string]float64 {
	out := make(map[string]float64, len(names))
	for _, n := range names {
		out[n] = models.NotReached
	}
	return out
}

// simulate alternates simulated-user and candidate-agent turns until the
// user signals satisfaction, the turn limit is hit, or the agent emits its
// end-of-call marker.
func (e *Evaluator) simulate(ctx context.Context, agentPrompt string, row models.DatasetRow) ([]models.Turn, error) {
	var transcript []models.Turn
	userSystemPrompt := simulatedUserSystemPrompt(row)

	for turn := 0; turn < e.cfg.TurnLimit; turn++ {
		userText, err := e.llm.Generate(ctx, llmclient.GenerateRequest{
			Model:    e.cfg.UserModel,
			Messages: append([]llmclient.Message{{Role: "system", Content: userSystemPrompt}}, historyToMessages(transcript, true)...),
			Seed:     e.cfg.Seed,
		})
		if err != nil {
			return transcript, fmt.Errorf("evaluator: simulate user turn: %w", err)
		}
		transcript = append(transcript, models.Turn{Role: "user", Text: userText})
		if satisfactionRe.MatchString(userText) {
			break
		}

		if err := ctx.Err(); err != nil {
			return transcript, err
		}

		assistantText, err := e.llm.Generate(ctx, llmclient.GenerateRequest{
			Model:    e.cfg.AgentModel,
			Messages: append([]llmclient.Message{{Role: "system", Content: agentPrompt}}, historyToMessages(transcript, false)...),
			Seed:     e.cfg.Seed,
		})
		if err != nil {
			return transcript, fmt.Errorf("evaluator: simulate agent turn: %w", err)
		}
		transcript = append(transcript, models.Turn{Role: "assistant", Text: assistantText})
		if strings.Contains(assistantText, endCallMarker) {
			break
		}
	}
	return transcript, nil
}

func simulatedUserSystemPrompt(row models.DatasetRow) string {
	p := row.Input
	var sb strings.Builder
	sb.WriteString("You are role-playing a caller in a phone conversation with a dispatcher. ")
	sb.WriteString("Situation: " + p.Text + ". ")
	if p.Attitude != "" {
		sb.WriteString("Your attitude is " + p.Attitude + ". ")
	}
	if p.Tone != "" {
		sb.WriteString("Your tone is " + p.Tone + ". ")
	}
	if p.Cooperativeness != "" {
		sb.WriteString("Your cooperativeness with the dispatcher is " + p.Cooperativeness + ". ")
	}
	if p.Verbosity != "" {
		sb.WriteString("Your responses are " + p.Verbosity + ". ")
	}
	if p.Patience != "" {
		sb.WriteString("Your patience level is " + p.Patience + ". ")
	}
	if p.Goal != "" {
		sb.WriteString("Your goal in this call is: " + p.Goal + ". ")
	}
	sb.WriteString("When you feel the situation is resolved, say so clearly (e.g. \"thank you, that's all I needed\").")
	return sb.String()
}

// historyToMessages converts the transcript so far into chat messages from
// one participant's point of view. The transcript always tags turns as
// "user" (caller) or "assistant" (candidate agent); when generating the
// caller's own next line, its own past turns must be presented to the
// model as "assistant" (itself) and the dispatcher's as "user" (the other
// party) — the inverse of when generating the agent's line.
func historyToMessages(transcript []models.Turn, invert bool) []llmclient.Message {
	out := make([]llmclient.Message, 0, len(transcript))
	for _, t := range transcript {
		role := t.Role
		if invert {
			role = flipRole(role)
		}
		out = append(out, llmclient.Message{Role: role, Content: t.Text})
	}
	return out
}

func flipRole(role string) string {
	if role == "user" {
		return "assistant"
	}
	return "user"
}

func countTurns(transcript []models.Turn) int {
	return len(transcript)
}

// aggregate combines per-case scores into run-level metrics: every metric
// takes the mean over the cases where it was reached (cases scored
// NotReached, such as malformed judge output, are left out), and
// turn-to-event counts also get a "_reach_rate" entry.
func aggregate(perCase map[string]map[string]float64, scorerNames []string) map[string]float64 {
	out := make(map[string]float64, len(scorerNames))
	for _, name := range scorerNames {
		var sum float64
		var reached int
		for _, scores := range perCase {
			v, ok := scores[name]
			if !ok || v == models.NotReached {
				continue
			}
			sum += v
			reached++
		}
		if reached == 0 {
			out[name] = models.NotReached
			continue
		}
		out[name] = sum / float64(reached)
		if isTurnCountMetric(name) {
			out[name+"_reach_rate"] = float64(reached) / float64(len(perCase))
		}
	}
	return out
}

func isTurnCountMetric(name string) bool {
	return strings.HasPrefix(name, "turns_to_")
}
