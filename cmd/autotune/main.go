package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tidalline/autotune/internal/artifact"
	"github.com/tidalline/autotune/internal/config"
	"github.com/tidalline/autotune/internal/datasetstore"
	"github.com/tidalline/autotune/internal/evaluator"
	"github.com/tidalline/autotune/internal/gate"
	"github.com/tidalline/autotune/internal/llmclient"
	"github.com/tidalline/autotune/internal/proposer"
	"github.com/tidalline/autotune/internal/scorer"
	"github.com/tidalline/autotune/internal/snapshot"
	"github.com/tidalline/autotune/internal/statusapi"
	"github.com/tidalline/autotune/internal/telemetry"
	"github.com/tidalline/autotune/internal/tracestore"
	"github.com/tidalline/autotune/internal/worker"
)

// Version information (set via ldflags).
var (
	version = "dev"
	commit  = "none"
)

// exitConfigError and exitDependencyFailure are the process exit codes
// beyond the ordinary 0/1 cobra already maps errors to.
const (
	exitConfigError       = 2
	exitDependencyFailure = 3
)

// maxConsecutiveErrors bounds how many back-to-back Errored ticks the loop
// tolerates before treating the failure as persistent rather than
// transient and giving up with exitDependencyFailure.
const maxConsecutiveErrors = 10

func main() {
	var (
		pollSeconds     int
		updateLivePrompt bool
		once            bool
	)

	root := &cobra.Command{
		Use:   "autotune",
		Short: "Autotune control loop for voice-agent system prompts",
		Long: `autotune polls a tracing service for new conversation traces, proposes
system-prompt variants for failures it finds, evaluates baseline and
candidates offline against frozen datasets, and promotes a winner under a
statistical/contract gate.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cliOverrides{
				pollSeconds:      pollSeconds,
				pollSecondsSet:   cmd.Flags().Changed("poll-seconds"),
				updateLivePrompt: updateLivePrompt,
				updateLiveSet:    cmd.Flags().Changed("update-live-prompt"),
				once:             once,
			})
		},
	}
	root.Flags().IntVar(&pollSeconds, "poll-seconds", 0, "tick interval in seconds (overrides AUTOTUNE_POLL_SECONDS)")
	root.Flags().BoolVar(&updateLivePrompt, "update-live-prompt", false, "publish the promoted prompt to the tracing service (overrides AUTOTUNE_UPDATE_LIVE_PROMPT)")
	root.Flags().BoolVar(&once, "once", false, "run a single tick and exit")
	root.Version = fmt.Sprintf("%s (%s)", version, commit)

	if err := root.Execute(); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Unwrap())
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type cliOverrides struct {
	pollSeconds      int
	pollSecondsSet   bool
	updateLivePrompt bool
	updateLiveSet    bool
	once             bool
}

type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func run(ctx context.Context, ov cliOverrides) error {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		return &exitCodeError{code: exitConfigError, err: fmt.Errorf("config: %w", err)}
	}
	if ov.pollSecondsSet {
		cfg.PollInterval = time.Duration(ov.pollSeconds) * time.Second
	}
	if ov.updateLiveSet {
		cfg.UpdateLivePrompt = ov.updateLivePrompt
	}

	shutdownTracer, err := telemetry.InitTracer("autotune-worker")
	if err != nil {
		log.Warn("main: failed to initialize tracing, continuing without spans", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracer(shutdownCtx); err != nil {
				log.Warn("main: tracer shutdown failed", "err", err)
			}
		}()
	}

	deps, err := buildDeps(ctx, cfg, log)
	if err != nil {
		return &exitCodeError{code: exitDependencyFailure, err: err}
	}

	status := statusapi.New(cfg, deps.Artifacts, log)
	deps.Broadcaster = status

	w, err := worker.New(deps)
	if err != nil {
		return &exitCodeError{code: exitConfigError, err: fmt.Errorf("worker: %w", err)}
	}

	if ov.once {
		outcome := w.Tick(ctx)
		log.Info("main: single tick complete", "outcome", outcome.Kind.String(), "phase", outcome.Phase)
		if outcome.Kind == worker.Errored {
			return &exitCodeError{code: exitDependencyFailure, err: fmt.Errorf("tick failed: %s", outcome.Reason)}
		}
		return nil
	}

	return runLoop(ctx, cfg, log, w, status)
}

func buildDeps(ctx context.Context, cfg *config.Config, log *slog.Logger) (worker.Deps, error) {
	traceClient := tracestore.New(cfg.TraceHost, cfg.TracePublicKey, cfg.TraceSecretKey)
	if err := traceClient.Ping(ctx); err != nil {
		return worker.Deps{}, fmt.Errorf("tracing service unreachable at startup: %w", err)
	}
	datasetStore := datasetstore.New(cfg.TraceHost, cfg.TracePublicKey, cfg.TraceSecretKey)
	llmClient := llmclient.New(cfg.LLMBaseURL, cfg.LLMAPIKey)

	var seed *int
	suite := scorer.DefaultSuite(llmClient, cfg.JudgeModel, seed, cfg.TurnLimit)
	if err := traceClient.BootstrapScoreConfigs(ctx, suite.Names()); err != nil {
		log.Warn("main: failed to bootstrap score configs, continuing", "err", err)
	}

	snapBuilder := snapshot.New(cfg.MinBatch)

	prop := proposer.New(llmClient, proposer.Config{
		GeneratorModel: cfg.AgentLLM,
		JudgeModel:     cfg.JudgeModel,
		VariantCount:   cfg.VariantCount,
		RetryK:         cfg.VariantRetryK,
	}, cfg.VariantCount*8, log)

	eval := evaluator.New(llmClient, suite, evaluator.Config{
		AgentModel:     cfg.AgentLLM,
		UserModel:      cfg.AgentLLM,
		TurnLimit:      cfg.TurnLimit,
		Parallelism:    cfg.EvalParallelism,
		PerCaseTimeout: cfg.PerCaseTimeout,
	})

	promotionGate := gate.New(gate.Thresholds{
		MinDeltaPrimary:        cfg.MinDeltaPrimary,
		MaxRegressionSecondary: cfg.MaxRegressionSecondary,
		MinDeltaPrimaryTrain:   cfg.MinDeltaPrimaryTrain,
	}, traceClient, cfg.UpdateLivePrompt)

	store := artifact.New(cfg.RunsDir, cfg.StatusFile)

	return worker.Deps{
		Traces:    traceClient,
		Datasets:  datasetStore,
		Snapshot:  snapBuilder,
		Proposer:  prop,
		Evaluator: eval,
		Suite:     suite,
		Gate:      promotionGate,
		Artifacts: store,
		Cfg:       cfg,
		Log:       log,
	}, nil
}

// runLoop starts the Status API and calls Tick on cfg.PollInterval until
// the process receives SIGINT/SIGTERM or the caller's context is
// cancelled, then shuts the API server down gracefully.
func runLoop(ctx context.Context, cfg *config.Config, log *slog.Logger, w *worker.Worker, status *statusapi.Server) error {
	serverErrors := make(chan error, 1)
	go func() {
		log.Info("main: status API listening", "host", cfg.StatusHost, "port", cfg.StatusPort)
		if err := status.Start(); err != nil {
			serverErrors <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	consecutiveErrors := 0

	for {
		select {
		case <-ctx.Done():
			return shutdown(status, log, nil)

		case sig := <-sigCh:
			log.Info("main: received signal, shutting down", "signal", sig.String())
			return shutdown(status, log, nil)

		case err := <-serverErrors:
			return shutdown(status, log, &exitCodeError{code: exitDependencyFailure, err: fmt.Errorf("status api: %w", err)})

		case <-ticker.C:
			outcome := w.Tick(ctx)
			log.Info("main: tick", "outcome", outcome.Kind.String(), "phase", outcome.Phase, "reason", outcome.Reason)
			if outcome.Kind == worker.Errored {
				consecutiveErrors++
				if consecutiveErrors >= maxConsecutiveErrors {
					return shutdown(status, log, &exitCodeError{
						code: exitDependencyFailure,
						err:  fmt.Errorf("worker: %d consecutive tick failures, last: %s", consecutiveErrors, outcome.Reason),
					})
				}
			} else {
				consecutiveErrors = 0
			}
		}
	}
}

func shutdown(status *statusapi.Server, log *slog.Logger, cause error) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := status.Stop(shutdownCtx); err != nil {
		log.Warn("main: status api shutdown error", "err", err)
	}
	return cause
}
