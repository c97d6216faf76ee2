package proposer

import (
	"sort"
	"sync"
	"time"
)

// EliteVariant is one proposed prompt variant retained in the archive
// because no other archived variant dominates it across every dimension.
type EliteVariant struct {
	Name      string
	Text      string
	Hash      string
	Scores    DimensionScores
	CreatedAt time.Time
}

// Archive maintains a Pareto-optimal set of proposed variants across
// ticks, pruned to MaxSize by NSGA-II-style crowding distance when full.
// It never affects promotion; Propose consults Best to carry its current
// highest-ranked member forward into the next tick's candidate set.
type Archive struct {
	Variants []*EliteVariant
	MaxSize  int
	mu       sync.RWMutex
}

func NewArchive(maxSize int) *Archive {
	if maxSize <= 0 {
		maxSize = 20
	}
	return &Archive{MaxSize: maxSize}
}

// Add inserts v if it is not dominated by any archive member, pruning any
// members it dominates in turn. Returns false if v was dominated.
func (a *Archive) Add(v *EliteVariant) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, existing := range a.Variants {
		if dominates(existing.Scores, v.Scores) {
			return false
		}
	}

	a.Variants = filterNonDominated(a.Variants, v.Scores)
	a.Variants = append(a.Variants, v)

	if len(a.Variants) > a.MaxSize {
		a.Variants = pruneByDiversity(a.Variants, a.MaxSize)
	}
	return true
}

// Best returns the archive member with the highest weighted score under w,
// or nil if the archive is empty.
func (a *Archive) Best(w DimensionWeights) *EliteVariant {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var best *EliteVariant
	bestScore := -1.0
	for _, v := range a.Variants {
		score := v.Scores.WeightedScore(w)
		if best == nil || score > bestScore {
			best, bestScore = v, score
		}
	}
	return best
}

func (a *Archive) Size() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.Variants)
}

func dominates(a, b DimensionScores) bool {
	av := []float64{a.SuccessRate, a.Quality, a.Efficiency, a.Robustness, a.Novelty}
	bv := []float64{b.SuccessRate, b.Quality, b.Efficiency, b.Robustness, b.Novelty}

	atLeastAsGood := true
	strictlyBetter := false
	for i := range av {
		if av[i] < bv[i] {
			atLeastAsGood = false
			break
		}
		if av[i] > bv[i] {
			strictlyBetter = true
		}
	}
	return atLeastAsGood && strictlyBetter
}

func filterNonDominated(variants []*EliteVariant, newScores DimensionScores) []*EliteVariant {
	result := make([]*EliteVariant, 0, len(variants))
	for _, v := range variants {
		if !dominates(newScores, v.Scores) {
			result = append(result, v)
		}
	}
	return result
}

func pruneByDiversity(variants []*EliteVariant, maxSize int) []*EliteVariant {
	if len(variants) <= maxSize {
		return variants
	}
	distances := crowdingDistances(variants)

	type indexDist struct {
		idx  int
		dist float64
	}
	pairs := make([]indexDist, len(variants))
	for i, d := range distances {
		pairs[i] = indexDist{idx: i, dist: d}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].dist > pairs[j].dist })

	result := make([]*EliteVariant, maxSize)
	for i := 0; i < maxSize; i++ {
		result[i] = variants[pairs[i].idx]
	}
	return result
}

func crowdingDistances(variants []*EliteVariant) []float64 {
	n := len(variants)
	if n == 0 {
		return nil
	}
	distances := make([]float64, n)

	dims := []func(DimensionScores) float64{
		func(s DimensionScores) float64 { return s.SuccessRate },
		func(s DimensionScores) float64 { return s.Quality },
		func(s DimensionScores) float64 { return s.Efficiency },
		func(s DimensionScores) float64 { return s.Robustness },
		func(s DimensionScores) float64 { return s.Novelty },
	}

	for _, dim := range dims {
		indices := make([]int, n)
		for i := range indices {
			indices[i] = i
		}
		sort.Slice(indices, func(i, j int) bool {
			return dim(variants[indices[i]].Scores) < dim(variants[indices[j]].Scores)
		})

		minVal := dim(variants[indices[0]].Scores)
		maxVal := dim(variants[indices[n-1]].Scores)
		rangeVal := maxVal - minVal
		if rangeVal == 0 {
			continue
		}

		distances[indices[0]] = 1e9
		distances[indices[n-1]] = 1e9
		for i := 1; i < n-1; i++ {
			neighborDist := dim(variants[indices[i+1]].Scores) - dim(variants[indices[i-1]].Scores)
			distances[indices[i]] += neighborDist / rangeVal
		}
	}
	return distances
}
