// Package retry provides the backoff strategy used by the loop's calls to
// the tracing service: trace fetches, dataset loads, experiment writes,
// and prompt publication. Judge/generator LLM calls are not retried here.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Strategy struct {
	Delays []time.Duration
}

var (
	// Quick backs off calls that are expected to be cheap and fast to
	// retry, such as prompt publication.
	Quick = Strategy{
		Delays: []time.Duration{
			500 * time.Millisecond,
			2 * time.Second,
		},
	}

	// Standard backs off trace-store and dataset-store calls, which may be
	// rate limited by the external tracing service.
	Standard = Strategy{
		Delays: []time.Duration{
			1 * time.Second,
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
		},
	}
)

// Func is one attempt. attempt is 1-based.
type Func func(ctx context.Context, attempt int) error

// RateLimited, when returned (or wrapped) by a Func, stops the retry loop
// immediately instead of consuming the remaining backoff budget — the
// worker treats rate limiting as a WAITING transition, not a retriable
// error within a single tick.
type RateLimited struct {
	Reason string
}

func (e *RateLimited) Error() string { return "rate limited: " + e.Reason }

// Do runs fn up to len(strategy.Delays)+1 times, sleeping between attempts.
func Do(ctx context.Context, strategy Strategy, fn Func) error {
	var lastErr error
	var rl *RateLimited

	if err := fn(ctx, 1); err == nil {
		return nil
	} else if errors.As(err, &rl) {
		return err
	} else {
		lastErr = err
	}

	for i, delay := range strategy.Delays {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if err := fn(ctx, i+2); err == nil {
			return nil
		} else if errors.As(err, &rl) {
			return err
		} else {
			lastErr = err
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", len(strategy.Delays)+1, lastErr)
}
