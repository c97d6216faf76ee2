package tracestore

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidalline/autotune/internal/models"
)

func TestFetchTracesSinceFiltersAndOrders(t *testing.T) {
	cursor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer1 := cursor.Add(2 * time.Hour)
	newer2 := cursor.Add(1 * time.Hour)
	older := cursor.Add(-time.Hour)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := tracePage{
			Data: []wireTrace{
				{ID: "t-older", Timestamp: older},
				{ID: "t-new-1", Timestamp: newer1},
				{ID: "t-new-2", Timestamp: newer2},
			},
		}
		resp.Meta.Page = 1
		resp.Meta.TotalPages = 1
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL, "pk", "sk")
	traces, err := c.FetchTracesSince(t.Context(), cursor, "")
	require.NoError(t, err)
	require.Len(t, traces, 2)
	assert.Equal(t, "t-new-2", traces[0].TraceID)
	assert.Equal(t, "t-new-1", traces[1].TraceID)
}

func TestWriteExperimentReturnsRef(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "exp_abc"})
	}))
	defer srv.Close()

	c := New(srv.URL, "pk", "sk")
	ref, err := c.WriteExperiment(t.Context(), "run-1-variant-A-test", "A", models.SplitTest, nil)
	require.NoError(t, err)
	assert.Equal(t, "exp_abc", ref)
}

func TestPublishPromptTreatsConflictAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := New(srv.URL, "pk", "sk")
	err := c.PublishPrompt(t.Context(), "hash123", "you are a helpful dispatcher", nil)
	require.NoError(t, err)
}

func TestPublishPromptSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "pk", "sk")
	err := c.PublishPrompt(t.Context(), "hash123", "text", nil)
	require.Error(t, err)
}

func TestFetchTracesRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, "pk", "sk")
	_, err := c.FetchTracesSince(t.Context(), time.Now(), "")
	require.Error(t, err)
}
