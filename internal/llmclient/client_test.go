package llmclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeOpenAIServer(t *testing.T, respond func(req openai.ChatCompletionRequest) openai.ChatCompletionResponse) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := respond(req)
		resp.ID = "chatcmpl-test"
		resp.Object = "chat.completion"
		resp.Model = req.Model
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestGenerateReturnsContent(t *testing.T) {
	srv := fakeOpenAIServer(t, func(req openai.ChatCompletionRequest) openai.ChatCompletionResponse {
		return openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "hello dispatcher"}}},
		}
	})
	defer srv.Close()

	c := New(srv.URL, "test-key")
	out, err := c.Generate(t.Context(), GenerateRequest{Model: "gpt-4o-mini", Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "hello dispatcher", out)
}

func TestScoreParsesToolCall(t *testing.T) {
	srv := fakeOpenAIServer(t, func(req openai.ChatCompletionRequest) openai.ChatCompletionResponse {
		require.Equal(t, "score", req.ToolChoice.(map[string]any)["function"].(map[string]any)["name"])
		return openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{
					ToolCalls: []openai.ToolCall{{
						Function: openai.FunctionCall{Name: "score", Arguments: `{"score": 7}`},
					}},
				},
			}},
		}
	})
	defer srv.Close()

	c := New(srv.URL, "test-key")
	score, err := c.Score(t.Context(), ScoreRequest{Model: "gpt-4o-mini", Messages: []Message{{Role: "user", Content: "rate this"}}, Min: 0, Max: 5})
	require.NoError(t, err)
	assert.Equal(t, 5.0, score)
}

func TestScoreMissingToolCallIsMalformed(t *testing.T) {
	srv := fakeOpenAIServer(t, func(req openai.ChatCompletionRequest) openai.ChatCompletionResponse {
		return openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "I refuse to rate this"}}},
		}
	})
	defer srv.Close()

	c := New(srv.URL, "test-key")
	_, err := c.Score(t.Context(), ScoreRequest{Model: "gpt-4o-mini", Messages: []Message{{Role: "user", Content: "rate this"}}, Min: 0, Max: 1})
	require.ErrorIs(t, err, ErrMalformedJSON)
}

func TestGenerateJSONDecodesContent(t *testing.T) {
	srv := fakeOpenAIServer(t, func(req openai.ChatCompletionRequest) openai.ChatCompletionResponse {
		return openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{
				Content: `{"worked": ["stayed calm"], "failed": ["missed emergency mention"], "fix_snippet": "mention 911 earlier"}`,
			}}},
		}
	})
	defer srv.Close()

	c := New(srv.URL, "test-key")
	var out struct {
		Worked     []string `json:"worked"`
		Failed     []string `json:"failed"`
		FixSnippet string   `json:"fix_snippet"`
	}
	require.NoError(t, c.GenerateJSON(t.Context(), GenerateRequest{Model: "gpt-4o-mini"}, &out))
	assert.Equal(t, []string{"stayed calm"}, out.Worked)
}
