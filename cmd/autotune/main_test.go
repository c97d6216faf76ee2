package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidalline/autotune/internal/config"
)

func clearAutotuneEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		for i := range kv {
			if kv[i] == '=' {
				key := kv[:i]
				if len(key) >= 9 && key[:9] == "AUTOTUNE_" {
					t.Setenv(key, "")
					os.Unsetenv(key)
				}
				break
			}
		}
	}
}

func TestRunReturnsConfigErrorExitCode(t *testing.T) {
	clearAutotuneEnv(t)

	err := run(context.Background(), cliOverrides{})
	require.Error(t, err)

	var exitErr *exitCodeError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, exitConfigError, exitErr.code)
}

func testConfig(traceHost string) *config.Config {
	return &config.Config{
		Project:          "p",
		DatasetName:      "ds",
		JudgeModel:       "gpt-4o-mini",
		AgentLLM:         "gpt-4o",
		SeedPrompt:       "You are a dispatcher.",
		TraceHost:        traceHost,
		TracePublicKey:   "pk",
		TraceSecretKey:   "sk",
		LLMAPIKey:        "key",
		PollInterval:     1,
		MinBatch:         1,
		VariantCount:     1,
		VariantRetryK:    1,
		EvalParallelism:  1,
		LLMBudgetPerTick: 1,
	}
}

func TestBuildDepsFailsFastWhenTraceServiceUnreachable(t *testing.T) {
	_, err := buildDeps(context.Background(), testConfig("http://127.0.0.1:0"), slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestBuildDepsBootstrapsScoreConfigsBestEffort(t *testing.T) {
	var bootstrapped bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
		case r.Method == http.MethodPost:
			bootstrapped = true
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	deps, err := buildDeps(context.Background(), testConfig(srv.URL), slog.Default())
	require.NoError(t, err)
	assert.NotNil(t, deps.Traces)
	assert.True(t, bootstrapped, "expected BootstrapScoreConfigs to be called at startup")
}

func TestExitCodeErrorUnwraps(t *testing.T) {
	inner := errors.New("boom")
	wrapped := &exitCodeError{code: exitDependencyFailure, err: inner}

	assert.Equal(t, "boom", wrapped.Error())
	assert.Equal(t, inner, errors.Unwrap(wrapped))
}
