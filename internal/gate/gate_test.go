package gate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidalline/autotune/internal/models"
	"github.com/tidalline/autotune/internal/scorer"
)

func run(primary, secondary float64) models.VariantRun {
	return models.VariantRun{Metrics: map[string]float64{scorer.Primary: primary, scorer.Secondary: secondary}}
}

type fakePublisher struct {
	err error
}

func (f fakePublisher) PublishPrompt(_ context.Context, _, _ string, _ map[string]any) error {
	return f.err
}

func TestDecideClearWinPromotes(t *testing.T) {
	g := New(Thresholds{MinDeltaPrimary: 0.10, MaxRegressionSecondary: 0.05, MinDeltaPrimaryTrain: 0.05}, fakePublisher{}, true)

	baselineTest := run(0.20, 0.40)
	candidates := []Candidate{
		{Variant: models.PromptVariant{Name: "A", Hash: "hash-a"}, Run: run(0.55, 0.50)},
		{Variant: models.PromptVariant{Name: "B", Hash: "hash-b"}, Run: run(0.30, 0.60)},
	}
	baselineTrain := run(0.20, 0.40)
	winnerTrain := run(0.52, 0.48)

	decision := g.Decide(context.Background(), DecideInput{
		PriorPromptHash: "hash-0",
		BaselineTest:    baselineTest,
		Candidates:      candidates,
		BaselineTrain:   &baselineTrain,
		WinnerTrain:     &winnerTrain,
	})

	assert.True(t, decision.Promoted)
	assert.Equal(t, "A", decision.Winner)
	assert.Equal(t, "hash-a", decision.NewPromptHash)
	assert.InDelta(t, 0.35, decision.TestDeltaPrimary, 1e-9)
	assert.InDelta(t, 0.10, decision.TestDeltaSecondary, 1e-9)
	assert.InDelta(t, 0.32, decision.TrainDeltaPrimary, 1e-9)
}

func TestDecideSecondaryRegressionBlocksPromotion(t *testing.T) {
	g := New(Thresholds{MinDeltaPrimary: 0.10, MaxRegressionSecondary: 0.05, MinDeltaPrimaryTrain: 0.05}, fakePublisher{}, true)

	baselineTest := run(0.20, 0.80)
	candidates := []Candidate{
		{Variant: models.PromptVariant{Name: "cand", Hash: "hash-c"}, Run: run(0.40, 0.60)},
	}

	decision := g.Decide(context.Background(), DecideInput{
		PriorPromptHash: "hash-0",
		BaselineTest:    baselineTest,
		Candidates:      candidates,
	})

	assert.False(t, decision.Promoted)
	assert.Contains(t, decision.Reason, "cand")
	assert.Contains(t, decision.Reason, scorer.Secondary)
	assert.Contains(t, decision.Reason, "0.2000")
}

func TestDecideTieYieldsNoWinner(t *testing.T) {
	g := New(Thresholds{MinDeltaPrimary: 0.10, MaxRegressionSecondary: 0.05, MinDeltaPrimaryTrain: 0.05}, fakePublisher{}, true)

	baselineTest := run(0.20, 0.40)
	candidates := []Candidate{
		{Variant: models.PromptVariant{Name: "A", Hash: "hash-a"}, Run: run(0.50, 0.50)},
		{Variant: models.PromptVariant{Name: "B", Hash: "hash-b"}, Run: run(0.50, 0.50)},
	}

	decision := g.Decide(context.Background(), DecideInput{
		PriorPromptHash: "hash-0",
		BaselineTest:    baselineTest,
		Candidates:      candidates,
	})

	assert.False(t, decision.Promoted)
	assert.Empty(t, decision.Winner)
}

func TestDecideTrainSplitUnavailableNeverPromotes(t *testing.T) {
	g := New(Thresholds{MinDeltaPrimary: 0.10, MaxRegressionSecondary: 0.05, MinDeltaPrimaryTrain: 0.05}, fakePublisher{}, true)

	baselineTest := run(0.20, 0.40)
	candidates := []Candidate{
		{Variant: models.PromptVariant{Name: "A", Hash: "hash-a"}, Run: run(0.55, 0.50)},
	}

	decision := g.Decide(context.Background(), DecideInput{
		PriorPromptHash: "hash-0",
		BaselineTest:    baselineTest,
		Candidates:      candidates,
	})

	assert.False(t, decision.Promoted)
	assert.Contains(t, decision.Reason, "train split unavailable")
}

func TestDecidePublishFailureKeepsPriorHash(t *testing.T) {
	g := New(Thresholds{MinDeltaPrimary: 0.10, MaxRegressionSecondary: 0.05, MinDeltaPrimaryTrain: 0.05},
		fakePublisher{err: errors.New("tracing service unreachable")}, true)

	baselineTest := run(0.20, 0.40)
	candidates := []Candidate{
		{Variant: models.PromptVariant{Name: "A", Hash: "hash-a"}, Run: run(0.55, 0.50)},
	}
	baselineTrain := run(0.20, 0.40)
	winnerTrain := run(0.52, 0.48)

	decision := g.Decide(context.Background(), DecideInput{
		PriorPromptHash: "hash-0",
		BaselineTest:    baselineTest,
		Candidates:      candidates,
		BaselineTrain:   &baselineTrain,
		WinnerTrain:     &winnerTrain,
	})

	require.False(t, decision.Promoted)
	assert.Contains(t, decision.Reason, "publish_failed")
	assert.Equal(t, "hash-0", decision.PriorPromptHash)
	assert.Empty(t, decision.NewPromptHash)
}
