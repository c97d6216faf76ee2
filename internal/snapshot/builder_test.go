package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidalline/autotune/internal/models"
)

func trace(id string, createdAt time.Time, caseID string) models.Trace {
	return models.Trace{
		TraceID:     id,
		CreatedAt:   createdAt,
		InputCaseID: caseID,
		Turns:       []models.Turn{{Role: "user", Text: "help"}},
	}
}

func TestBuildInsufficientBatchSignalsWaiting(t *testing.T) {
	cursor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	traces := []models.Trace{
		trace("t1", cursor.Add(time.Minute), "case-1"),
		trace("t2", cursor.Add(2*time.Minute), "case-2"),
		trace("t3", cursor.Add(3*time.Minute), "case-3"),
	}
	b := New(5)
	res := b.Build(traces, cursor, cursor.Add(time.Hour))
	require.True(t, res.Waiting)
	assert.Equal(t, 3, res.SourceTraces.NewTraceCount)
}

func TestBuildDropsDuplicatesAndStaleTraces(t *testing.T) {
	cursor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	dup := trace("t1", cursor.Add(time.Minute), "case-1")
	traces := []models.Trace{
		dup, dup,
		trace("stale", cursor.Add(-time.Minute), "case-2"),
		{TraceID: "malformed", CreatedAt: cursor.Add(time.Minute)},
	}
	b := New(1)
	res := b.Build(traces, cursor, cursor.Add(time.Hour))
	require.Len(t, res.SourceTraces.Traces, 1)
	assert.Equal(t, "t1", res.SourceTraces.Traces[0].TraceID)
}

func TestBuildSplitsJoinedFromAdHoc(t *testing.T) {
	cursor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	traces := []models.Trace{
		trace("joined", cursor.Add(time.Minute), "case-1"),
		trace("adhoc", cursor.Add(2*time.Minute), ""),
	}
	b := New(1)
	res := b.Build(traces, cursor, cursor.Add(time.Hour))
	require.Len(t, res.Joined, 1)
	require.Len(t, res.AdHoc, 1)
	assert.Equal(t, 1, res.SourceTraces.AdHocCount)
	assert.False(t, res.Waiting)
}
