package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// Blocks never exceed one hour regardless of how far the attempt count runs.
const maxBlockDuration = time.Hour

// Result carries the decision plus the quota metadata exposed as response
// headers on every call, allowed or not.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// Limiter gates requests per (endpoint, client identity) using fixed-window
// counting with progressive blocking. It is a best-effort abuse brake, not a
// hard security boundary.
type Limiter struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewLimiter(store Store, logger *zap.Logger) *Limiter {
	return &Limiter{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Check records one attempt for the given client on the given endpoint.
//
// A client inside a blocking state is rejected outright with the remaining
// block time. An elapsed window resets the counter. A counter at the ceiling
// escalates into a block of min(window * 2^floor(attempts/max), 1h) and the
// escalation is recorded as a suspicious-activity event. Otherwise the
// attempt is counted and allowed.
func (l *Limiter) Check(ctx context.Context, endpoint, identity string, maxAttempts int, window time.Duration) (Result, error) {
	now := l.now().UTC()

	var result Result
	var escalatedFor time.Duration

	_, err := l.store.Update(ctx, endpoint, identity, func(c Counter) Counter {
		if c.BlockedUntil.After(now) {
			result = Result{
				Limit:      maxAttempts,
				Remaining:  0,
				Reset:      c.BlockedUntil,
				RetryAfter: clampRetry(c.BlockedUntil.Sub(now)),
			}
			return c
		}

		if c.WindowReset.IsZero() || now.After(c.WindowReset) {
			c = Counter{WindowReset: now.Add(window)}
		}

		if c.Attempts >= maxAttempts {
			block := blockDuration(window, c.Attempts, maxAttempts)
			c.BlockedUntil = now.Add(block)
			escalatedFor = block
			result = Result{
				Limit:      maxAttempts,
				Remaining:  0,
				Reset:      c.BlockedUntil,
				RetryAfter: clampRetry(block),
			}
			return c
		}

		c.Attempts++
		result = Result{
			Allowed:   true,
			Limit:     maxAttempts,
			Remaining: maxAttempts - c.Attempts,
			Reset:     c.WindowReset,
		}
		return c
	})
	if err != nil {
		return Result{}, fmt.Errorf("update rate limit counter: %w", err)
	}

	if escalatedFor > 0 {
		l.logger.Warn("suspicious_activity",
			zap.String("type", "rate_limit_exceeded"),
			zap.String("endpoint", endpoint),
			zap.String("ip", identity),
			zap.Int64("blocked_seconds", int64(escalatedFor.Seconds())),
		)
		sentry.CaptureMessage(fmt.Sprintf("rate limit exceeded on %s by %s", endpoint, identity))
	}

	return result, nil
}

func blockDuration(window time.Duration, attempts, maxAttempts int) time.Duration {
	factor := math.Pow(2, math.Floor(float64(attempts)/float64(maxAttempts)))
	block := time.Duration(float64(window) * factor)
	if block > maxBlockDuration {
		block = maxBlockDuration
	}
	return block
}

func clampRetry(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d
}
