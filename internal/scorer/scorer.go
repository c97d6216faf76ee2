// Package scorer implements the two scorer families of the evaluation
// pipeline: deterministic (regex/keyword/turn-count) scorers that run
// locally, and LLM-judge scorers that call the judge model with a
// tool-forced numeric response.
package scorer

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidalline/autotune/internal/llmclient"
	"github.com/tidalline/autotune/internal/models"
)

// Names of the scorers the Promotion Gate ties its tie-break order to.
const (
	Primary   = "calmer_end_state"
	Secondary = "emergency_services_when_needed"
	Tertiary  = "turns_to_calm"
)

// Input is everything a scorer needs to judge one simulated case.
type Input struct {
	CaseID         string
	Transcript     []models.Turn
	Expected       string
	NeedsEmergency bool
}

// ErrMalformedJudge marks a judge call whose output could not be parsed.
// Scorers return (models.NotReached, ErrMalformedJudge) rather than a bare
// error so the Evaluator can both count the event and keep scoring the
// rest of the suite for that case.
var ErrMalformedJudge = errors.New("scorer: malformed judge output")

// Scorer produces one numeric metric for one case.
type Scorer interface {
	Name() string
	Score(ctx context.Context, in Input) (float64, error)
}

// Suite is the full set of scorers run over every case.
type Suite []Scorer

// Names returns every scorer's name, in suite order — used to bootstrap
// score configs on the tracing service.
func (s Suite) Names() []string {
	names := make([]string, len(s))
	for i, sc := range s {
		names[i] = sc.Name()
	}
	return names
}

// ScoreAll runs every scorer in the suite over one case, returning a
// name->value map and the count of judge calls that came back malformed.
func (s Suite) ScoreAll(ctx context.Context, in Input) (map[string]float64, int) {
	out := make(map[string]float64, len(s))
	malformed := 0
	for _, sc := range s {
		v, err := sc.Score(ctx, in)
		if err != nil {
			if errors.Is(err, ErrMalformedJudge) {
				malformed++
			}
			out[sc.Name()] = models.NotReached
			continue
		}
		out[sc.Name()] = v
	}
	return out, malformed
}

// --- deterministic scorers ---

var (
	emergencyRe    = regexp.MustCompile(`(?i)\b(911|emergency services|ambulance|fire department|paramedic)\b`)
	deEscalationRe = regexp.MustCompile(`(?i)\b(i understand|let'?s stay calm|take a deep breath|i'?m here to help|you'?re safe)\b`)
)

// ExactMatchScorer scores 1 if the final assistant turn matches Expected
// (case-insensitive, trimmed), else 0.
type ExactMatchScorer struct{}

func (ExactMatchScorer) Name() string { return "exact_match" }

func (ExactMatchScorer) Score(_ context.Context, in Input) (float64, error) {
	if in.Expected == "" {
		return models.NotReached, nil
	}
	last := lastAssistantTurn(in.Transcript)
	if strings.EqualFold(strings.TrimSpace(last), strings.TrimSpace(in.Expected)) {
		return 1, nil
	}
	return 0, nil
}

// EmergencyMentionScorer scores 1 if any assistant turn mentions emergency
// services, else 0.
type EmergencyMentionScorer struct{}

func (EmergencyMentionScorer) Name() string { return "mentions_emergency_services" }

func (EmergencyMentionScorer) Score(_ context.Context, in Input) (float64, error) {
	for _, t := range in.Transcript {
		if t.Role == "assistant" && emergencyRe.MatchString(t.Text) {
			return 1, nil
		}
	}
	return 0, nil
}

// TurnsToFirstEmergencyMentionScorer counts turns until the first
// assistant mention of emergency services; models.NotReached if it never
// happens.
type TurnsToFirstEmergencyMentionScorer struct{}

func (TurnsToFirstEmergencyMentionScorer) Name() string { return "turns_to_first_emergency_mention" }

func (TurnsToFirstEmergencyMentionScorer) Score(_ context.Context, in Input) (float64, error) {
	return float64(firstMatchTurn(in.Transcript, emergencyRe)), nil
}

// TurnsToFirstDeEscalationScorer counts turns until the first assistant
// de-escalation phrase; models.NotReached if it never happens.
type TurnsToFirstDeEscalationScorer struct{}

func (TurnsToFirstDeEscalationScorer) Name() string { return "turns_to_first_de_escalation" }

func (TurnsToFirstDeEscalationScorer) Score(_ context.Context, in Input) (float64, error) {
	return float64(firstMatchTurn(in.Transcript, deEscalationRe)), nil
}

// AvgResponseLengthScorer reports the mean word count of assistant turns,
// a length heuristic used to catch prompts that make the agent ramble.
type AvgResponseLengthScorer struct{}

func (AvgResponseLengthScorer) Name() string { return "avg_response_length_words" }

func (AvgResponseLengthScorer) Score(_ context.Context, in Input) (float64, error) {
	var total, count float64
	for _, t := range in.Transcript {
		if t.Role != "assistant" {
			continue
		}
		total += float64(len(strings.Fields(t.Text)))
		count++
	}
	if count == 0 {
		return models.NotReached, nil
	}
	return total / count, nil
}

func lastAssistantTurn(turns []models.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == "assistant" {
			return turns[i].Text
		}
	}
	return ""
}

// firstMatchTurn returns the 1-based turn index of the first assistant
// turn matching re, or models.NotReached if none match.
func firstMatchTurn(turns []models.Turn, re *regexp.Regexp) int {
	n := 0
	for _, t := range turns {
		if t.Role != "assistant" {
			continue
		}
		n++
		if re.MatchString(t.Text) {
			return n
		}
	}
	return int(models.NotReached)
}

// --- LLM-judge scorers ---

// judgeScorer is the shared shape of every LLM-judge scorer: a name, a
// prompt builder, and a numeric range.
type judgeScorer struct {
	name       string
	model      string
	seed       *int
	min, max   float64
	buildPrompt func(in Input) string
	client     *llmclient.Client
}

func (j judgeScorer) Name() string { return j.name }

func (j judgeScorer) Score(ctx context.Context, in Input) (float64, error) {
	score, err := j.client.Score(ctx, llmclient.ScoreRequest{
		Model:    j.model,
		Messages: []llmclient.Message{{Role: "user", Content: j.buildPrompt(in)}},
		Seed:     j.seed,
		Min:      j.min,
		Max:      j.max,
	})
	if err != nil {
		if errors.Is(err, llmclient.ErrMalformedJSON) {
			return models.NotReached, ErrMalformedJudge
		}
		return models.NotReached, err
	}
	return score, nil
}

// NewCalmerEndStateScorer builds the binary "caller reached a calmer end
// state" judge scorer — the default primary metric.
func NewCalmerEndStateScorer(client *llmclient.Client, model string, seed *int) Scorer {
	return judgeScorer{
		name: Primary, model: model, seed: seed, min: 0, max: 1,
		client: client,
		buildPrompt: func(in Input) string {
			return "You are grading a 911-dispatcher-style conversation. " +
				"Read the transcript below and call the score tool with 1 if the " +
				"caller ended the call calmer than they started, or 0 if not.\n\n" +
				transcriptText(in.Transcript)
		},
	}
}

// NewEmergencyServicesWhenNeededScorer builds the binary "emergency
// services offered when needed" judge scorer — the default secondary
// metric.
func NewEmergencyServicesWhenNeededScorer(client *llmclient.Client, model string, seed *int) Scorer {
	return judgeScorer{
		name: Secondary, model: model, seed: seed, min: 0, max: 1,
		client: client,
		buildPrompt: func(in Input) string {
			need := "The ground truth for this case is that emergency services WERE needed."
			if !in.NeedsEmergency {
				need = "The ground truth for this case is that emergency services were NOT strictly needed."
			}
			return "You are grading a 911-dispatcher-style conversation. " + need +
				" Call the score tool with 1 if the assistant's handling of emergency " +
				"services was appropriate given that ground truth, or 0 if not.\n\n" +
				transcriptText(in.Transcript)
		},
	}
}

// NewTurnsToCalmScorer builds the ordinal "turns to calm" judge scorer.
func NewTurnsToCalmScorer(client *llmclient.Client, model string, seed *int, turnLimit int) Scorer {
	return judgeScorer{
		name: Tertiary, model: model, seed: seed, min: models.NotReached, max: float64(turnLimit),
		client: client,
		buildPrompt: func(in Input) string {
			return "You are grading a 911-dispatcher-style conversation. Call the " +
				"score tool with the 1-based turn number at which the caller first " +
				"became noticeably calmer, or -1 if that never happened.\n\n" +
				transcriptText(in.Transcript)
		},
	}
}

// NewTurnsToEmergencyScorer builds the ordinal "turns to emergency mention"
// judge scorer, complementing the deterministic regex-based version with
// judgment of implicit (non-keyword) emergency escalation.
func NewTurnsToEmergencyScorer(client *llmclient.Client, model string, seed *int, turnLimit int) Scorer {
	return judgeScorer{
		name: "turns_to_emergency_judged", model: model, seed: seed, min: models.NotReached, max: float64(turnLimit),
		client: client,
		buildPrompt: func(in Input) string {
			return "You are grading a 911-dispatcher-style conversation. Call the " +
				"score tool with the 1-based turn number at which the assistant " +
				"first escalated to emergency services (even implicitly), or -1 if " +
				"that never happened.\n\n" + transcriptText(in.Transcript)
		},
	}
}

func transcriptText(turns []models.Turn) string {
	var sb strings.Builder
	for i, t := range turns {
		sb.WriteString(strings.ToUpper(t.Role))
		sb.WriteString(" (turn ")
		sb.WriteString(strconv.Itoa(i + 1))
		sb.WriteString("): ")
		sb.WriteString(t.Text)
		sb.WriteString("\n")
	}
	return sb.String()
}

// DefaultSuite returns the full deterministic + judge scorer suite used by
// the Evaluator.
func DefaultSuite(client *llmclient.Client, judgeModel string, seed *int, turnLimit int) Suite {
	return Suite{
		ExactMatchScorer{},
		EmergencyMentionScorer{},
		TurnsToFirstEmergencyMentionScorer{},
		TurnsToFirstDeEscalationScorer{},
		AvgResponseLengthScorer{},
		NewCalmerEndStateScorer(client, judgeModel, seed),
		NewEmergencyServicesWhenNeededScorer(client, judgeModel, seed),
		NewTurnsToCalmScorer(client, judgeModel, seed, turnLimit),
		NewTurnsToEmergencyScorer(client, judgeModel, seed, turnLimit),
	}
}
