// Package snapshot builds the frozen set of traces a single autotune run
// analyzes: it filters malformed traces, deduplicates by trace id, and
// separates traces that carry a dataset case id from ad-hoc traces that
// never touch promotion. The case id is not checked against the dataset.
package snapshot

import (
	"sort"
	"time"

	"github.com/tidalline/autotune/internal/models"
)

// Builder slices newly fetched traces into the SourceTraces artifact for
// one run.
type Builder struct {
	MinBatch int
}

func New(minBatch int) *Builder {
	return &Builder{MinBatch: minBatch}
}

// Result is the outcome of one Build call.
type Result struct {
	SourceTraces models.SourceTraces
	Joined       []models.Trace
	AdHoc        []models.Trace
	Waiting      bool
}

// Build filters, dedupes, and splits traces fetched since cursorStart. All
// traces are assumed to already satisfy created_at > cursorStart (the
// Trace Store Client enforces that); Build re-checks it defensively so a
// misbehaving client cannot smuggle stale traces into a run.
func (b *Builder) Build(traces []models.Trace, cursorStart, cursorEnd time.Time) Result {
	seen := make(map[string]struct{}, len(traces))
	var kept []models.Trace

	for _, t := range traces {
		if !isWellFormed(t) {
			continue
		}
		if !t.CreatedAt.After(cursorStart) {
			continue
		}
		if _, dup := seen[t.TraceID]; dup {
			continue
		}
		seen[t.TraceID] = struct{}{}
		kept = append(kept, t)
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].CreatedAt.Before(kept[j].CreatedAt) })

	var joined, adhoc []models.Trace
	for _, t := range kept {
		if t.InputCaseID != "" {
			joined = append(joined, t)
		} else {
			adhoc = append(adhoc, t)
		}
	}

	res := Result{
		Joined: joined,
		AdHoc:  adhoc,
		SourceTraces: models.SourceTraces{
			Traces:        kept,
			CursorStart:   cursorStart,
			CursorEnd:     cursorEnd,
			NewTraceCount: len(kept),
			AdHocCount:    len(adhoc),
		},
	}
	res.Waiting = len(kept) < b.MinBatch
	return res
}

// isWellFormed drops traces missing the fields the rest of the pipeline
// requires: an id, a creation time, and at least one recorded turn.
func isWellFormed(t models.Trace) bool {
	return t.TraceID != "" && !t.CreatedAt.IsZero() && len(t.Turns) > 0
}
