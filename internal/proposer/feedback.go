package proposer

// FeedbackType is a quick-feedback tag a human reviewer can attach to a
// past promotion_decision.json, nudging the dimension weights the next
// proposer run uses when ranking its own archive.
type FeedbackType string

const (
	FeedbackTooVerbose      FeedbackType = "too_verbose"
	FeedbackWrongDirection  FeedbackType = "wrong_direction"
	FeedbackTooSlow         FeedbackType = "too_slow"
	FeedbackInconsistent    FeedbackType = "inconsistent"
	FeedbackSameApproach    FeedbackType = "same_approach"
	FeedbackGoodCall        FeedbackType = "good_call"
	FeedbackMissedEmergency FeedbackType = "missed_emergency"
)

// DimensionAdjustment is the per-dimension nudge one feedback tag applies.
// Positive means "the next round should weight this dimension higher".
type DimensionAdjustment struct {
	SuccessRate float64
	Quality     float64
	Efficiency  float64
	Robustness  float64
	Novelty     float64
}

// MapFeedbackToDimensions converts one feedback tag into a weight nudge.
func MapFeedbackToDimensions(feedback FeedbackType) DimensionAdjustment {
	switch feedback {
	case FeedbackGoodCall:
		return DimensionAdjustment{SuccessRate: -0.05, Quality: -0.05}
	case FeedbackTooVerbose:
		return DimensionAdjustment{Efficiency: +0.10, Quality: -0.03}
	case FeedbackTooSlow:
		return DimensionAdjustment{Efficiency: +0.15}
	case FeedbackInconsistent:
		return DimensionAdjustment{Robustness: +0.15}
	case FeedbackSameApproach:
		return DimensionAdjustment{Novelty: +0.15}
	case FeedbackWrongDirection:
		return DimensionAdjustment{SuccessRate: +0.10}
	case FeedbackMissedEmergency:
		return DimensionAdjustment{Robustness: +0.10, SuccessRate: +0.05}
	default:
		return DimensionAdjustment{}
	}
}

// ApplyAdjustment applies one adjustment to weights, clamping each
// dimension to [0.01, 0.6] before renormalizing.
func ApplyAdjustment(weights DimensionWeights, adjustment DimensionAdjustment) DimensionWeights {
	result := DimensionWeights{
		SuccessRate: clamp(weights.SuccessRate+adjustment.SuccessRate, 0.01, 0.6),
		Quality:     clamp(weights.Quality+adjustment.Quality, 0.01, 0.6),
		Efficiency:  clamp(weights.Efficiency+adjustment.Efficiency, 0.01, 0.6),
		Robustness:  clamp(weights.Robustness+adjustment.Robustness, 0.01, 0.6),
		Novelty:     clamp(weights.Novelty+adjustment.Novelty, 0.01, 0.6),
	}
	result.Normalize()
	return result
}

// AggregateFeedback averages several feedback tags into one adjustment.
func AggregateFeedback(feedbacks []FeedbackType) DimensionAdjustment {
	var result DimensionAdjustment
	for _, fb := range feedbacks {
		adj := MapFeedbackToDimensions(fb)
		result.SuccessRate += adj.SuccessRate
		result.Quality += adj.Quality
		result.Efficiency += adj.Efficiency
		result.Robustness += adj.Robustness
		result.Novelty += adj.Novelty
	}
	if n := float64(len(feedbacks)); n > 0 {
		result.SuccessRate /= n
		result.Quality /= n
		result.Efficiency /= n
		result.Robustness /= n
		result.Novelty /= n
	}
	return result
}
