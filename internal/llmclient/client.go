// Package llmclient wraps an OpenAI-compatible chat completion API for the
// two roles the loop needs from a language model: the generator (proposes
// prompt variants) and the judge (scores evaluation transcripts). Every
// call threads a deterministic seed where the backend supports one.
package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tidalline/autotune/internal/retry"
)

var tracer = otel.GetTracerProvider().Tracer("internal/llmclient")

// Client is a thin, traced wrapper over an OpenAI-compatible client,
// carrying the base URL it was built with.
type Client struct {
	*openai.Client
	BaseURL string
}

// New builds a Client. baseURL should be a full API base
// (e.g. "https://api.openai.com/v1"); an empty baseURL uses the OpenAI
// default.
func New(baseURL, apiKey string) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	cfg.HTTPClient = &http.Client{Timeout: 90 * time.Second}
	return &Client{Client: openai.NewClientWithConfig(cfg), BaseURL: cfg.BaseURL}
}

// Message is a role/content pair, decoupling callers from the go-openai
// wire type.
type Message struct {
	Role    string
	Content string
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// GenerateRequest is one free-text or JSON-object completion request.
type GenerateRequest struct {
	Model       string
	Messages    []Message
	Temperature float32
	Seed        *int
	JSONObject  bool
}

// Generate performs a single chat completion, returning the raw text
// content of the first choice.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	oreq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: req.Temperature,
		Seed:        req.Seed,
	}
	if req.JSONObject {
		oreq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := c.completion(ctx, "llm.generate", oreq)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llmclient: generate: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateJSON performs a JSON-object-mode completion and unmarshals the
// content into out. Callers (the Strategy Proposer's finding extraction)
// treat a decode failure as malformed judge output, not a fatal error.
func (c *Client) GenerateJSON(ctx context.Context, req GenerateRequest, out any) error {
	req.JSONObject = true
	content, err := c.Generate(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedJSON, err.Error())
	}
	return nil
}

// ErrMalformedJSON marks a judge/generator response that could not be
// parsed as JSON. Scorers treat it as the "not reached" sentinel rather
// than propagating a fatal error.
var ErrMalformedJSON = fmt.Errorf("llmclient: malformed JSON response")

// scoreTool is the single tool used to force a numeric rating out of a
// judge model instead of parsing free text.
func scoreTool(min, max float64) openai.Tool {
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        "score",
			Description: "Submit your rating for this case.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"score": map[string]any{
						"type":        "number",
						"description": fmt.Sprintf("Rating from %v to %v", min, max),
						"minimum":     min,
						"maximum":     max,
					},
				},
				"required":             []string{"score"},
				"additionalProperties": false,
			},
		},
	}
}

var scoreToolChoice = openai.ToolChoice{
	Type:     openai.ToolTypeFunction,
	Function: openai.ToolFunction{Name: "score"},
}

// ScoreRequest is one tool-forced judge scoring call.
type ScoreRequest struct {
	Model       string
	Messages    []Message
	Seed        *int
	Min, Max    float64
}

// Score forces the model to call the "score" tool and returns its
// argument, clamped to [Min, Max]. A malformed or missing tool call
// returns ErrMalformedJSON so callers apply the "not reached" sentinel.
func (c *Client) Score(ctx context.Context, req ScoreRequest) (float64, error) {
	oreq := openai.ChatCompletionRequest{
		Model:      req.Model,
		Messages:   toOpenAIMessages(req.Messages),
		Seed:       req.Seed,
		Tools:      []openai.Tool{scoreTool(req.Min, req.Max)},
		ToolChoice: scoreToolChoice,
	}

	resp, err := c.completion(ctx, "llm.score", oreq)
	if err != nil {
		return 0, err
	}
	if len(resp.Choices) == 0 {
		return 0, fmt.Errorf("%w: no choices returned", ErrMalformedJSON)
	}

	for _, tc := range resp.Choices[0].Message.ToolCalls {
		if tc.Function.Name != "score" {
			continue
		}
		var args struct {
			Score float64 `json:"score"`
		}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return 0, fmt.Errorf("%w: %s", ErrMalformedJSON, err.Error())
		}
		return clamp(args.Score, req.Min, req.Max), nil
	}
	return 0, fmt.Errorf("%w: model did not call the score tool", ErrMalformedJSON)
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func (c *Client) completion(ctx context.Context, spanName string, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	ctx, span := tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.request.messages", len(req.Messages)),
		attribute.Int("llm.request.tools", len(req.Tools)),
	)

	resp, err := c.Client.CreateChatCompletion(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == 429 {
			return resp, &retry.RateLimited{Reason: "llm provider returned 429"}
		}
		return resp, fmt.Errorf("llmclient: chat completion: %w", err)
	}

	span.SetAttributes(
		attribute.Int("llm.usage.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("llm.usage.completion_tokens", resp.Usage.CompletionTokens),
	)
	return resp, nil
}
