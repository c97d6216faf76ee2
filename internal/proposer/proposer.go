// Package proposer implements the Strategy Proposer: it reads a trace
// snapshot, asks the judge model for a per-case worked/failed summary,
// aggregates the findings, and asks the generator model for distinct
// candidate system-prompt variants.
package proposer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/tidalline/autotune/internal/llmclient"
	"github.com/tidalline/autotune/internal/models"
)

// Config controls one Propose call.
type Config struct {
	GeneratorModel string
	JudgeModel     string
	Seed           int64
	Temperature    float32
	VariantCount   int
	RetryK         int
}

// Proposer runs the finding-aggregation and variant-generation algorithm
// of the Strategy Proposer, and maintains a cross-tick Pareto archive of
// past proposals for the supplemental ranking feature.
type Proposer struct {
	llm     *llmclient.Client
	cfg     Config
	archive *Archive
	weights DimensionWeights
	log     *slog.Logger
}

func New(llm *llmclient.Client, cfg Config, archiveSize int, log *slog.Logger) *Proposer {
	if log == nil {
		log = slog.Default()
	}
	if cfg.VariantCount == 0 {
		cfg.VariantCount = 2
	}
	if cfg.RetryK == 0 {
		cfg.RetryK = 3
	}
	return &Proposer{
		llm:     llm,
		cfg:     cfg,
		archive: NewArchive(archiveSize),
		weights: DefaultWeights(),
		log:     log,
	}
}

// ApplyFeedback nudges the proposer's dimension weights per a reviewer's
// quick-feedback tag on a past run, per the supplemental feedback-driven
// weighting feature. Absent any call, default weights are used forever.
func (p *Proposer) ApplyFeedback(feedback FeedbackType) {
	p.weights = ApplyAdjustment(p.weights, MapFeedbackToDimensions(feedback))
}

// RecordEvaluated feeds a fully-evaluated variant's test-split metrics
// back into the Pareto archive, keyed by the same primary/secondary/
// turn-efficiency dimensions the promotion gate reads.
func (p *Proposer) RecordEvaluated(variant models.PromptVariant, run models.VariantRun, turnLimit int) {
	scores := DimensionScores{
		SuccessRate: run.Metrics["calmer_end_state"],
		Quality:     run.Metrics["emergency_services_when_needed"],
		Efficiency:  turnEfficiency(run.AvgTurnCount, turnLimit),
		Robustness:  reachRate(run),
		Novelty:     0.5,
	}
	p.archive.Add(&EliteVariant{Name: variant.Name, Text: variant.Text, Hash: variant.Hash, Scores: scores})
}

func turnEfficiency(avgTurns float64, turnLimit int) float64 {
	if turnLimit <= 0 || avgTurns < 0 {
		return 0
	}
	eff := 1 - avgTurns/float64(turnLimit)
	return clamp(eff, 0, 1)
}

func reachRate(run models.VariantRun) float64 {
	if len(run.PerCase) == 0 {
		return 0
	}
	reached := 0
	for _, scores := range run.PerCase {
		if scores["calmer_end_state"] != models.NotReached {
			reached++
		}
	}
	return float64(reached) / float64(len(run.PerCase))
}

// BestArchived returns the archive's current highest-ranked variant name,
// for status reporting; ("", false) if nothing has been recorded yet.
func (p *Proposer) BestArchived() (string, bool) {
	best := p.archive.Best(p.weights)
	if best == nil {
		return "", false
	}
	return best.Name, true
}

type caseFinding struct {
	CaseID     string   `json:"-"`
	Worked     []string `json:"worked"`
	Failed     []string `json:"failed"`
	FixSnippet string   `json:"fix_snippet"`
}

// Result is the output of one Propose call.
type Result struct {
	Findings       []string
	Variants       []models.PromptVariant
	EffectiveTemp  float32
	Why            string
}

// Propose computes findings and up to Config.VariantCount distinct prompt
// variants for the given snapshot of joined traces.
func (p *Proposer) Propose(ctx context.Context, traces []models.Trace, currentPrompt string) (Result, error) {
	findings, malformed := p.aggregateFindings(ctx, traces)
	if malformed > 0 {
		p.log.WarnContext(ctx, "proposer: malformed judge output during finding extraction",
			"malformed_count", malformed, "trace_count", len(traces))
	}

	seen := map[string]struct{}{hashText(currentPrompt): {}}
	var variants []models.PromptVariant
	var why string

	// One requested slot is reserved for the archive's current best-scoring
	// past variant, if it has one distinct from the prompt already seen.
	// This is the Pareto archive's only effect on Propose: it carries the
	// best variant a prior tick evaluated forward so a good candidate is
	// never lost just because a later tick's generator regresses.
	target := p.cfg.VariantCount
	elite := p.archive.Best(p.weights)
	if elite == nil || elite.Text == "" {
		elite = nil
	} else if _, dup := seen[elite.Hash]; dup {
		elite = nil
	} else {
		target--
		if target < 0 {
			target = 0
		}
	}

	for attempt := 0; attempt < p.cfg.RetryK && len(variants) < target; attempt++ {
		need := target - len(variants)
		batch, err := p.generateVariants(ctx, findings, currentPrompt, need, attempt)
		if err != nil {
			p.log.WarnContext(ctx, "proposer: variant generation attempt failed", "attempt", attempt, "err", err)
			continue
		}
		for _, v := range batch {
			h := hashText(v.Text)
			if _, dup := seen[h]; dup {
				continue
			}
			seen[h] = struct{}{}
			v.ParentHash = hashText(currentPrompt)
			v.Hash = h
			variants = append(variants, v)
			if len(variants) == target {
				break
			}
		}
	}

	if elite != nil {
		if _, dup := seen[elite.Hash]; !dup {
			seen[elite.Hash] = struct{}{}
			variants = append(variants, models.PromptVariant{
				Name:       elite.Name + "-carried",
				Text:       elite.Text,
				Rationale:  fmt.Sprintf("carried over from the Pareto archive, weighted score %.3f under the current dimension weights", elite.Scores.WeightedScore(p.weights)),
				ParentHash: hashText(currentPrompt),
				Hash:       elite.Hash,
			})
		}
	}

	if len(variants) < p.cfg.VariantCount {
		why = fmt.Sprintf("requested %d distinct variants but only produced %d after %d attempts; generator kept repeating prior text", p.cfg.VariantCount, len(variants), p.cfg.RetryK)
		findings = append(findings, "why: "+why)
	}

	return Result{
		Findings:      findings,
		Variants:      variants,
		EffectiveTemp: p.cfg.Temperature,
		Why:           why,
	}, nil
}

func (p *Proposer) aggregateFindings(ctx context.Context, traces []models.Trace) ([]string, int) {
	failureCounts := map[string]int{}
	var fixSnippets []string
	malformed := 0

	for _, t := range traces {
		cf, err := p.judgeCase(ctx, t)
		if err != nil {
			malformed++
			continue
		}
		for _, f := range cf.Failed {
			failureCounts[strings.ToLower(strings.TrimSpace(f))]++
		}
		if cf.FixSnippet != "" {
			fixSnippets = append(fixSnippets, cf.FixSnippet)
		}
	}

	type kv struct {
		reason string
		count  int
	}
	ranked := make([]kv, 0, len(failureCounts))
	for reason, count := range failureCounts {
		ranked = append(ranked, kv{reason, count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].reason < ranked[j].reason
	})

	findings := make([]string, 0, 6)
	for i, r := range ranked {
		if i >= 6 {
			break
		}
		findings = append(findings, fmt.Sprintf("%s (%d occurrences)", r.reason, r.count))
	}
	if len(findings) < 3 {
		for _, snippet := range fixSnippets {
			if len(findings) >= 3 {
				break
			}
			findings = append(findings, "suggested fix: "+snippet)
		}
	}
	return findings, malformed
}

func (p *Proposer) judgeCase(ctx context.Context, t models.Trace) (caseFinding, error) {
	var cf caseFinding
	prompt := "Read this dispatcher conversation and respond with strict JSON " +
		`{"worked": [...], "failed": [...], "fix_snippet": "..."} ` +
		"describing what the assistant did well, what it did wrong, and one concrete " +
		"prompt-wording fix.\n\n" + transcriptText(t)
	seed := intPtr(p.cfg.Seed)
	err := p.llm.GenerateJSON(ctx, llmclient.GenerateRequest{
		Model:       p.cfg.JudgeModel,
		Messages:    []llmclient.Message{{Role: "user", Content: prompt}},
		Temperature: 0,
		Seed:        seed,
	}, &cf)
	if err != nil {
		return caseFinding{}, err
	}
	cf.CaseID = t.TraceID
	return cf, nil
}

func transcriptText(t models.Trace) string {
	var sb strings.Builder
	for _, turn := range t.Turns {
		sb.WriteString(strings.ToUpper(turn.Role))
		sb.WriteString(": ")
		sb.WriteString(turn.Text)
		sb.WriteString("\n")
	}
	return sb.String()
}

const namedLevers = "escalation ordering, de-escalation cadence, turn budget, or action specificity"

func (p *Proposer) generateVariants(ctx context.Context, findings []string, currentPrompt string, count int, attempt int) ([]models.PromptVariant, error) {
	prompt := fmt.Sprintf(
		"You are revising a 911-dispatcher-style system prompt. Current prompt:\n\n%s\n\n"+
			"Known failure findings:\n- %s\n\n"+
			"Produce exactly %d distinct candidate prompts as strict JSON: "+
			`{"variants": [{"name": "...", "text": "...", "rationale": "..."}]}. `+
			"Each variant must differ from the current prompt and from each other in at "+
			"least one of: %s. Do not repeat the current prompt verbatim.",
		currentPrompt, strings.Join(findings, "\n- "), count, namedLevers,
	)

	var resp struct {
		Variants []struct {
			Name      string `json:"name"`
			Text      string `json:"text"`
			Rationale string `json:"rationale"`
		} `json:"variants"`
	}

	seedVal := p.cfg.Seed + int64(attempt)
	seed := intPtr(seedVal)
	err := p.llm.GenerateJSON(ctx, llmclient.GenerateRequest{
		Model:       p.cfg.GeneratorModel,
		Messages:    []llmclient.Message{{Role: "user", Content: prompt}},
		Temperature: temperatureOrDefault(p.cfg.Temperature),
		Seed:        seed,
	}, &resp)
	if err != nil {
		return nil, err
	}

	out := make([]models.PromptVariant, 0, len(resp.Variants))
	for i, v := range resp.Variants {
		name := v.Name
		if name == "" {
			name = fmt.Sprintf("variant-%d-%d", attempt, i)
		}
		out = append(out, models.PromptVariant{Name: name, Text: v.Text, Rationale: v.Rationale})
	}
	return out, nil
}

func temperatureOrDefault(t float32) float32 {
	if t <= 0 {
		return 0.7
	}
	return t
}

func intPtr(v int64) *int {
	i := int(v)
	return &i
}

func hashText(s string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(s)))
	return hex.EncodeToString(sum[:])
}

// HashText exposes the same content-hash function the proposer uses for
// variant identity, so callers can compute a comparable hash for the
// current baseline prompt without duplicating the algorithm.
func HashText(s string) string { return hashText(s) }
