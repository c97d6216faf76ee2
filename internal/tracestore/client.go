// Package tracestore is the client for the external, Langfuse-shaped
// tracing and prompt-publication service: it fetches conversation traces,
// records evaluation experiments, and publishes candidate/promoted
// prompts.
package tracestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/tidalline/autotune/internal/models"
	"github.com/tidalline/autotune/internal/retry"
)

const (
	pageSize   = 100
	softCapDefault = 500
)

// Client talks to the tracing service over its public REST API using
// basic auth, the same shape as a Langfuse-compatible backend.
type Client struct {
	host       string
	publicKey  string
	secretKey  string
	httpClient *http.Client
	softCap    int
	log        *slog.Logger
}

// New builds a Client, falling back to AUTOTUNE_TRACE_HOST /
// AUTOTUNE_TRACE_PUBLIC_KEY / AUTOTUNE_TRACE_SECRET_KEY when the
// corresponding argument is empty.
func New(host, publicKey, secretKey string) *Client {
	if host == "" {
		host = os.Getenv("AUTOTUNE_TRACE_HOST")
	}
	if publicKey == "" {
		publicKey = os.Getenv("AUTOTUNE_TRACE_PUBLIC_KEY")
	}
	if secretKey == "" {
		secretKey = os.Getenv("AUTOTUNE_TRACE_SECRET_KEY")
	}
	logger := slog.New(slog.DiscardHandler)
	if os.Getenv("AUTOTUNE_TRACE_VERBOSE") != "" {
		logger = slog.Default()
	}
	return &Client{
		host:       host,
		publicKey:  publicKey,
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		softCap:    softCapDefault,
		log:        logger,
	}
}

type tracePage struct {
	Data []wireTrace `json:"data"`
	Meta struct {
		Page       int `json:"page"`
		TotalPages int `json:"totalPages"`
	} `json:"meta"`
}

type wireTrace struct {
	ID             string             `json:"id"`
	ProjectID      string             `json:"projectId"`
	Timestamp      time.Time          `json:"timestamp"`
	Input          any                `json:"input"`
	Output         any                `json:"output"`
	Metadata       map[string]any     `json:"metadata"`
	Scores         map[string]float64 `json:"-"`
}

// FetchTracesSince returns traces with CreatedAt strictly after cursor,
// optionally filtered to one experiment bucket, ordered ascending by
// CreatedAt, paginated internally and bounded by the per-tick soft cap.
func (c *Client) FetchTracesSince(ctx context.Context, cursor time.Time, sourceExperiment string) ([]models.Trace, error) {
	var out []models.Trace
	page := 1
	for len(out) < c.softCap {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("limit", strconv.Itoa(pageSize))
		q.Set("fromTimestamp", cursor.Format(time.RFC3339Nano))
		if sourceExperiment != "" {
			q.Set("tags", sourceExperiment)
		}

		var pageResp tracePage
		err := retry.Do(ctx, retry.Standard, func(ctx context.Context, attempt int) error {
			return c.getJSON(ctx, "/api/public/traces?"+q.Encode(), &pageResp)
		})
		if err != nil {
			return nil, fmt.Errorf("tracestore: fetch traces since %s: %w", cursor, err)
		}

		for _, wt := range pageResp.Data {
			if !wt.Timestamp.After(cursor) {
				continue
			}
			out = append(out, wireTraceToModel(wt))
		}

		if page >= pageResp.Meta.TotalPages || len(pageResp.Data) == 0 {
			break
		}
		page++
	}

	if len(out) > c.softCap {
		out = out[:c.softCap]
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func wireTraceToModel(wt wireTrace) models.Trace {
	t := models.Trace{
		TraceID:      wt.ID,
		ExperimentID: wt.ProjectID,
		CreatedAt:    wt.Timestamp,
		Metrics:      map[string]float64{},
		Turns:        turnsFromIO(wt.Input, wt.Output),
	}
	if md := wt.Metadata; md != nil {
		if v, ok := md["input_case_id"].(string); ok {
			t.InputCaseID = v
		}
		if v, ok := md["prompt_hash"].(string); ok {
			t.PromptHash = v
		}
		if v, ok := md["needs_emergency"].(bool); ok {
			t.NeedsEmergency = &v
		}
	}
	return t
}

// turnsFromIO reconstructs the conversation turns from a Langfuse-shaped
// trace's input (the message history leading up to this observation) and
// output (the final assistant reply), accepting either a bare string or a
// {"role", "content"|"text"} object at each position.
func turnsFromIO(input, output any) []models.Turn {
	var turns []models.Turn
	if list, ok := input.([]any); ok {
		for _, item := range list {
			if t, ok := turnFromAny(item); ok {
				turns = append(turns, t)
			}
		}
	}
	if output != nil {
		if t, ok := turnFromAny(output); ok {
			turns = append(turns, t)
		} else if s, ok := output.(string); ok && s != "" {
			turns = append(turns, models.Turn{Role: "assistant", Text: s})
		}
	}
	return turns
}

func turnFromAny(v any) (models.Turn, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return models.Turn{}, false
	}
	role, _ := m["role"].(string)
	text, ok := m["content"].(string)
	if !ok {
		text, ok = m["text"].(string)
	}
	if role == "" || !ok || text == "" {
		return models.Turn{}, false
	}
	return models.Turn{Role: role, Text: text}, true
}

// WriteExperiment creates an external experiment handle (a Langfuse-style
// dataset run) to which scored rows will be attached, returning the
// experiment_ref other components thread through VariantRun.ExperimentRef.
func (c *Client) WriteExperiment(ctx context.Context, name, variant string, split models.Split, rows []models.DatasetRow) (string, error) {
	body := map[string]any{
		"name": name,
		"metadata": map[string]any{
			"variant": variant,
			"split":   string(split),
			"rows":    len(rows),
		},
	}
	var resp struct {
		ID string `json:"id"`
	}
	err := retry.Do(ctx, retry.Standard, func(ctx context.Context, attempt int) error {
		return c.postJSON(ctx, "/api/public/dataset-runs", body, &resp, 201, 409)
	})
	if err != nil {
		return "", fmt.Errorf("tracestore: write experiment %s: %w", name, err)
	}
	if resp.ID == "" {
		resp.ID = name
	}
	return resp.ID, nil
}

// PublishPrompt records a new candidate or promoted prompt on the tracing
// service, matching pkg/langfuse's CreatePrompt idempotency contract:
// republishing the same hash is not an error.
func (c *Client) PublishPrompt(ctx context.Context, promptHash, text string, metadata map[string]any) error {
	body := map[string]any{
		"name":   "autotune-system-prompt",
		"prompt": text,
		"labels": []string{promptHash},
		"config": metadata,
	}
	err := retry.Do(ctx, retry.Quick, func(ctx context.Context, attempt int) error {
		return c.postJSON(ctx, "/api/public/v2/prompts", body, nil, 200, 201, 409)
	})
	if err != nil {
		return fmt.Errorf("tracestore: publish prompt %s: %w", promptHash, err)
	}
	return nil
}

// BootstrapScoreConfigs registers the scorer suite's names as named score
// configs on the tracing service so scores written by write_experiment
// carry bounds/labels in the service's own UI. Idempotent: a 409 (already
// exists) is treated as success.
func (c *Client) BootstrapScoreConfigs(ctx context.Context, names []string) error {
	for _, name := range names {
		body := map[string]any{
			"name":     name,
			"dataType": "NUMERIC",
			"minValue": -1,
			"maxValue": 1,
		}
		err := c.postJSON(ctx, "/api/public/score-configs", body, nil, 200, 201, 409)
		if err != nil {
			return fmt.Errorf("tracestore: bootstrap score config %s: %w", name, err)
		}
	}
	return nil
}

// Ping performs a lightweight health check, used at startup to fail fast on
// unreachable credentials without waiting for the first tick's timeout.
func (c *Client) Ping(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/public/score-configs?limit=1", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tracestore: ping: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("tracestore: ping: server returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out, 200)
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any, okCodes ...int) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("tracestore: encode request body: %w", err)
		}
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out, okCodes...)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.host+path, body)
	if err != nil {
		return nil, fmt.Errorf("tracestore: build request: %w", err)
	}
	req.SetBasicAuth(c.publicKey, c.secretKey)
	return req, nil
}

func (c *Client) do(req *http.Request, out any, okCodes ...int) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tracestore: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &retry.RateLimited{Reason: "tracing service returned 429"}
	}

	ok := false
	for _, code := range okCodes {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("tracestore: unexpected status %d: %s", resp.StatusCode, string(data))
	}
	if out == nil || resp.StatusCode == 409 {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("tracestore: decode response: %w", err)
	}
	return nil
}
