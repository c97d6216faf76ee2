package evaluator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidalline/autotune/internal/llmclient"
	"github.com/tidalline/autotune/internal/models"
	"github.com/tidalline/autotune/internal/scorer"
)

func TestEvaluateAggregatesDeterministically(t *testing.T) {
	turn := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		turn++
		content := "I'm calm now, thank you, that's all I needed."
		if len(req.Messages) > 0 && req.Messages[0].Role == "system" && req.Messages[0].Content != "" && turn%2 == 0 {
			content = "Help is on the way. " + endCallMarker
		}
		resp := openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: content}}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := llmclient.New(srv.URL, "test-key")
	suite := scorer.Suite{scorer.EmergencyMentionScorer{}}
	ev := New(client, suite, Config{AgentModel: "gpt-4o", UserModel: "gpt-4o-mini", TurnLimit: 4, Parallelism: 2, PerCaseTimeout: 5 * time.Second})

	rows := []models.DatasetRow{
		{CaseID: "case-b", Input: models.SimulatedUserProfile{Text: "my neighbor is yelling"}},
		{CaseID: "case-a", Input: models.SimulatedUserProfile{Text: "smoke in the kitchen"}},
	}

	run, err := ev.Evaluate(context.Background(), "baseline", models.SplitTest, "ds_1", "You are a calm dispatcher.", rows)
	require.NoError(t, err)
	assert.Len(t, run.PerCase, 2)
	assert.Contains(t, run.PerCase, "case-a")
	assert.Contains(t, run.PerCase, "case-b")
	assert.GreaterOrEqual(t, run.AvgTurnCount, 1.0)
}

func TestRunCaseTimeoutProducesFailScoredCase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		resp := openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "hello"}}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := llmclient.New(srv.URL, "test-key")
	suite := scorer.Suite{scorer.EmergencyMentionScorer{}}
	ev := New(client, suite, Config{AgentModel: "gpt-4o", UserModel: "gpt-4o-mini", TurnLimit: 20, PerCaseTimeout: 1 * time.Millisecond})

	res := ev.runCase(context.Background(), "prompt", models.DatasetRow{CaseID: "slow-case"})
	assert.Equal(t, models.NotReached, res.scores["mentions_emergency_services"])
}

func TestAggregateExcludesNotReachedFromMean(t *testing.T) {
	perCase := map[string]map[string]float64{
		"a": {"turns_to_calm": 3},
		"b": {"turns_to_calm": models.NotReached},
	}
	out := aggregate(perCase, []string{"turns_to_calm"})
	assert.Equal(t, 3.0, out["turns_to_calm"])
	assert.Equal(t, 0.5, out["turns_to_calm_reach_rate"])
}
