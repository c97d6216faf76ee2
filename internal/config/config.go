// Package config loads the autotune worker's environment configuration,
// following the AUTOTUNE_* keys and failing fast (a returned error, not a
// log.Fatalf) when a required key is absent so main can map it to exit
// code 2.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the fully-resolved, validated process configuration.
type Config struct {
	Project           string
	SourceExperiment  string
	DatasetName       string
	DatasetVersion    string
	JudgeModel        string
	AgentLLM          string
	SeedPrompt        string
	TraceHost         string
	TracePublicKey    string
	TraceSecretKey    string
	LLMBaseURL        string
	LLMAPIKey         string
	PollInterval      time.Duration
	TurnLimit         int
	MinBatch          int
	MinDeltaPrimary   float64
	MaxRegressionSecondary float64
	MinDeltaPrimaryTrain   float64
	UpdateLivePrompt  bool
	StatusFile        string
	RunsDir           string

	VariantCount      int
	VariantRetryK     int
	EvalParallelism   int
	PerCaseTimeout    time.Duration
	LLMBudgetPerTick  int

	StatusHost         string
	StatusPort         int
	StatusCORSOrigins  []string
}

// Load reads .env (if present, silently ignored otherwise) and then the
// process environment, returning an error naming every missing required
// key rather than exiting itself.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var missing []string
	req := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg := &Config{
		Project:          req("AUTOTUNE_PROJECT"),
		SourceExperiment: GetEnv("AUTOTUNE_SOURCE_EXPERIMENT", ""),
		DatasetName:      req("AUTOTUNE_DATASET_NAME"),
		DatasetVersion:   GetEnv("AUTOTUNE_DATASET_VERSION", ""),
		JudgeModel:       req("AUTOTUNE_JUDGE_MODEL"),
		AgentLLM:         req("AUTOTUNE_AGENT_LLM"),
		SeedPrompt:       req("AUTOTUNE_SEED_PROMPT"),
		TraceHost:        req("AUTOTUNE_TRACE_HOST"),
		TracePublicKey:   req("AUTOTUNE_TRACE_PUBLIC_KEY"),
		TraceSecretKey:   req("AUTOTUNE_TRACE_SECRET_KEY"),
		LLMBaseURL:       GetEnv("AUTOTUNE_LLM_BASE_URL", ""),
		LLMAPIKey:        req("AUTOTUNE_LLM_API_KEY"),
		PollInterval:     GetEnvDuration("AUTOTUNE_POLL_SECONDS", 15*time.Second),
		TurnLimit:        GetEnvInt("AUTOTUNE_TURN_LIMIT", 20),
		MinBatch:         GetEnvInt("AUTOTUNE_MIN_BATCH", 5),
		MinDeltaPrimary:  GetEnvFloat("AUTOTUNE_MIN_DELTA_PRIMARY", 0.10),
		MaxRegressionSecondary: GetEnvFloat("AUTOTUNE_MAX_REGRESSION_SECONDARY", 0.05),
		MinDeltaPrimaryTrain:   GetEnvFloat("AUTOTUNE_MIN_DELTA_PRIMARY_TRAIN", 0.05),
		UpdateLivePrompt: GetEnvBool("AUTOTUNE_UPDATE_LIVE_PROMPT", false),
		StatusFile:       GetEnv("AUTOTUNE_STATUS_FILE", "./autotune-runs/status.json"),
		RunsDir:          GetEnv("AUTOTUNE_RUNS_DIR", "./autotune-runs"),

		VariantCount:     GetEnvInt("AUTOTUNE_VARIANT_COUNT", 2),
		VariantRetryK:    GetEnvInt("AUTOTUNE_VARIANT_RETRY_K", 3),
		EvalParallelism:  GetEnvInt("AUTOTUNE_EVAL_PARALLELISM", 8),
		PerCaseTimeout:   GetEnvDuration("AUTOTUNE_PER_CASE_TIMEOUT", 2*time.Minute),
		LLMBudgetPerTick: GetEnvInt("AUTOTUNE_LLM_BUDGET_PER_TICK", 200),

		StatusHost:        GetEnv("AUTOTUNE_STATUS_HOST", "0.0.0.0"),
		StatusPort:        GetEnvInt("AUTOTUNE_STATUS_PORT", 8089),
		StatusCORSOrigins: splitCSV(GetEnv("AUTOTUNE_STATUS_CORS_ORIGINS", "*")),
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("config: missing required env vars: %s", strings.Join(missing, ", "))
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("config: AUTOTUNE_POLL_SECONDS must be positive")
	}
	if cfg.MinBatch <= 0 {
		return nil, fmt.Errorf("config: AUTOTUNE_MIN_BATCH must be positive")
	}
	return cfg, nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func GetEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseFloat(value, 64); err == nil {
			return result
		}
	}
	return defaultValue
}

func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		// AUTOTUNE_POLL_SECONDS and friends are plain integers meaning
		// seconds, not Go duration strings; accept both.
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
