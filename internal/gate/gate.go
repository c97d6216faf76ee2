// Package gate implements the Promotion Gate: a strict, two-stage
// statistical/contract check that decides whether a candidate prompt
// variant replaces the live baseline.
package gate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tidalline/autotune/internal/models"
	"github.com/tidalline/autotune/internal/scorer"
)

// Thresholds are the configurable deltas the gate enforces.
type Thresholds struct {
	MinDeltaPrimary        float64
	MaxRegressionSecondary float64
	MinDeltaPrimaryTrain   float64
}

// Publisher records a promoted prompt on the tracing service. A Publisher
// failure is never fatal to the loop: Decide reports it in the decision
// artifact and leaves LoopState untouched.
type Publisher interface {
	PublishPrompt(ctx context.Context, promptHash, text string, metadata map[string]any) error
}

// Gate holds the thresholds and publish target for one project's decisions.
type Gate struct {
	thresholds Thresholds
	publisher  Publisher
	updateLive bool
}

func New(thresholds Thresholds, publisher Publisher, updateLive bool) *Gate {
	return &Gate{thresholds: thresholds, publisher: publisher, updateLive: updateLive}
}

// Candidate pairs a proposed variant with its evaluated run.
type Candidate struct {
	Variant models.PromptVariant
	Run     models.VariantRun
}

type qualified struct {
	candidate      Candidate
	deltaPrimary   float64
	deltaSecondary float64
}

// SelectWinner applies the test-split gate: a candidate qualifies only if
// its primary metric beats baseline by at least MinDeltaPrimary and its
// secondary metric does not regress past MaxRegressionSecondary. Among
// qualifying candidates the tie-break order is primary desc, secondary
// desc, then lower turns_to_calm. A true tie against the runner-up yields
// no winner — the baseline is retained.
func (g *Gate) SelectWinner(baseline models.VariantRun, candidates []Candidate) (*Candidate, float64, float64) {
	basePrimary := baseline.Metrics[scorer.Primary]
	baseSecondary := baseline.Metrics[scorer.Secondary]

	var passing []qualified
	for _, c := range candidates {
		dp := c.Run.Metrics[scorer.Primary] - basePrimary
		ds := c.Run.Metrics[scorer.Secondary] - baseSecondary
		if dp >= g.thresholds.MinDeltaPrimary && ds >= -g.thresholds.MaxRegressionSecondary {
			passing = append(passing, qualified{candidate: c, deltaPrimary: dp, deltaSecondary: ds})
		}
	}
	if len(passing) == 0 {
		return nil, 0, 0
	}

	sort.SliceStable(passing, func(i, j int) bool {
		if passing[i].deltaPrimary != passing[j].deltaPrimary {
			return passing[i].deltaPrimary > passing[j].deltaPrimary
		}
		if passing[i].deltaSecondary != passing[j].deltaSecondary {
			return passing[i].deltaSecondary > passing[j].deltaSecondary
		}
		return lowerTurnsWins(
			passing[i].candidate.Run.Metrics[scorer.Tertiary],
			passing[j].candidate.Run.Metrics[scorer.Tertiary],
		)
	})

	best := passing[0]
	if len(passing) > 1 && tied(best, passing[1]) {
		return nil, 0, 0
	}
	return &best.candidate, best.deltaPrimary, best.deltaSecondary
}

// lowerTurnsWins reports whether a should sort ahead of b under "lower
// turns_to_calm wins". NotReached (never became calm) is worse than any
// finite turn count.
func lowerTurnsWins(a, b float64) bool {
	if a == models.NotReached {
		return false
	}
	if b == models.NotReached {
		return true
	}
	return a < b
}

func tied(a, b qualified) bool {
	return a.deltaPrimary == b.deltaPrimary &&
		a.deltaSecondary == b.deltaSecondary &&
		a.candidate.Run.Metrics[scorer.Tertiary] == b.candidate.Run.Metrics[scorer.Tertiary]
}

// rejectionReason explains why SelectWinner found no winner. When the best
// primary performer was disqualified specifically by the secondary-metric
// regression cap (spec scenario 3), it names that metric and its delta
// rather than the generic no-winner message, matching the specificity a
// dashboard needs to distinguish "nothing improved" from "something got
// worse."
func (g *Gate) rejectionReason(baseline models.VariantRun, candidates []Candidate) string {
	basePrimary := baseline.Metrics[scorer.Primary]
	baseSecondary := baseline.Metrics[scorer.Secondary]

	var worst *Candidate
	var worstDeltaPrimary, worstDeltaSecondary float64
	for i, c := range candidates {
		dp := c.Run.Metrics[scorer.Primary] - basePrimary
		ds := c.Run.Metrics[scorer.Secondary] - baseSecondary
		if dp < g.thresholds.MinDeltaPrimary {
			continue
		}
		if ds >= -g.thresholds.MaxRegressionSecondary {
			continue
		}
		if worst == nil || dp > worstDeltaPrimary {
			worst = &candidates[i]
			worstDeltaPrimary = dp
			worstDeltaSecondary = ds
		}
	}
	if worst != nil {
		return fmt.Sprintf(
			"%s beat baseline on %s (delta_primary=%.4f) but regressed %s by %.4f, exceeding MAX_REGRESSION_SECONDARY=%.4f",
			worst.Variant.Name, scorer.Primary, worstDeltaPrimary, scorer.Secondary, -worstDeltaSecondary, g.thresholds.MaxRegressionSecondary,
		)
	}
	return "no candidate beat baseline by MIN_DELTA_PRIMARY without exceeding MAX_REGRESSION_SECONDARY, or the result was tied"
}

// ConfirmTrainWinner applies the (possibly looser) train-split
// confirmation: the test winner must still beat baseline's primary metric
// by at least MinDeltaPrimaryTrain.
func (g *Gate) ConfirmTrainWinner(baselineTrain, candidateTrain models.VariantRun) (bool, float64) {
	delta := candidateTrain.Metrics[scorer.Primary] - baselineTrain.Metrics[scorer.Primary]
	return delta >= g.thresholds.MinDeltaPrimaryTrain, delta
}

// DecideInput bundles everything Decide needs to produce one
// PromotionDecision artifact. BaselineTrain/WinnerTrain are nil until the
// worker has actually re-run the test winner on the train split (or if
// that split has no rows at all).
type DecideInput struct {
	PriorPromptHash string
	BaselineTest    models.VariantRun
	Candidates      []Candidate
	BaselineTrain   *models.VariantRun
	WinnerTrain     *models.VariantRun
}

// Decide runs the full two-stage promotion procedure and returns the
// artifact to persist. It never returns an error: every failure mode
// (no winner, train not confirmed, publish failure) is expressed as
// Promoted=false with a human-readable Reason.
func (g *Gate) Decide(ctx context.Context, in DecideInput) models.PromotionDecision {
	decision := models.PromotionDecision{
		PriorPromptHash:                 in.PriorPromptHash,
		TestBaseline:                    in.BaselineTest,
		ThresholdMinDeltaPrimary:        g.thresholds.MinDeltaPrimary,
		ThresholdMaxRegressionSecondary: g.thresholds.MaxRegressionSecondary,
		ThresholdMinDeltaPrimaryTrain:   g.thresholds.MinDeltaPrimaryTrain,
		DecidedAt:                       time.Now().UTC(),
	}

	winner, deltaPrimary, deltaSecondary := g.SelectWinner(in.BaselineTest, in.Candidates)
	if winner == nil {
		decision.Reason = g.rejectionReason(in.BaselineTest, in.Candidates)
		return decision
	}

	decision.Winner = winner.Variant.Name
	decision.TestCandidate = winner.Run
	decision.TestDeltaPrimary = deltaPrimary
	decision.TestDeltaSecondary = deltaSecondary

	if in.BaselineTrain == nil || in.WinnerTrain == nil {
		decision.Reason = "train split unavailable; never promoting without a train confirmation"
		return decision
	}
	decision.TrainBaseline = *in.BaselineTrain
	decision.TrainCandidate = *in.WinnerTrain

	confirmed, trainDelta := g.ConfirmTrainWinner(*in.BaselineTrain, *in.WinnerTrain)
	decision.TrainDeltaPrimary = trainDelta
	if !confirmed {
		decision.Reason = fmt.Sprintf(
			"train split did not confirm test win: delta_primary=%.4f < MIN_DELTA_PRIMARY_TRAIN=%.4f",
			trainDelta, g.thresholds.MinDeltaPrimaryTrain,
		)
		return decision
	}

	if g.updateLive && g.publisher != nil {
		err := g.publisher.PublishPrompt(ctx, winner.Variant.Hash, winner.Variant.Text, map[string]any{
			"parent_hash": winner.Variant.ParentHash,
			"rationale":   winner.Variant.Rationale,
		})
		if err != nil {
			decision.Reason = fmt.Sprintf("publish_failed: %s", err.Error())
			return decision
		}
	}

	decision.Promoted = true
	decision.NewPromptHash = winner.Variant.Hash
	decision.Reason = fmt.Sprintf(
		"%s won test (delta_primary=%.4f, delta_secondary=%.4f) and confirmed on train (delta_primary=%.4f)",
		winner.Variant.Name, deltaPrimary, deltaSecondary, trainDelta,
	)
	return decision
}
