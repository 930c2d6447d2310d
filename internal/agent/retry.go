package agent

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// RetryConfig bounds the transient-failure retry loop.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig matches the transport policy: 3 attempts, base 500ms,
// cap 8s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}
}

// RetryingRunner wraps a Runner with jittered exponential backoff on
// transient failures. Non-transient failures surface immediately; aborted
// runs are never retried.
type RetryingRunner struct {
	Inner Runner
	Cfg   RetryConfig

	// OnRetry is notified before each re-attempt (for run.retrying events).
	OnRetry func(attempt, max int, err error)
}

func (r *RetryingRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	cfg := r.Cfg
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetryConfig()
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		res, err := r.Inner.Run(ctx, req)
		if err == nil || res.Aborted {
			return res, err
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if Classify(err) != FailureTransient {
			return res, err
		}
		lastErr = err
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := backoffDelay(cfg, attempt)
		slog.Warn("agent transport transient failure, retrying",
			"attempt", attempt, "max", cfg.MaxAttempts, "delay", delay, "error", err)
		if r.OnRetry != nil {
			r.OnRetry(attempt, cfg.MaxAttempts, err)
		}

		select {
		case <-ctx.Done():
			return RunResult{Aborted: true}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return RunResult{}, lastErr
}

// backoffDelay doubles the base per attempt and adds ±25% jitter, capped.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	d := cfg.BaseDelay << (attempt - 1)
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	d += jitter
	if d < 0 {
		d = cfg.BaseDelay
	}
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}
