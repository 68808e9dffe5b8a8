// Package retry provides the retry policy shared by every fetch site.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"
)

// Policy bounds and paces repeated attempts of one operation.
type Policy struct {
	// MaxAttempts counts the first attempt; values below 1 mean a single attempt.
	MaxAttempts int
	// ShouldRetry decides whether a failed attempt may be followed by another.
	// Nil means DefaultShouldRetry.
	ShouldRetry func(err error, attempt int) bool
	// Backoff returns the pause before the next attempt. Nil means retries are immediate.
	Backoff func(attempt int) time.Duration
}

// ExhaustedError is returned once every permitted attempt has failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap exposes the error of the final attempt.
func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// ceilingDelay bounds a single backoff when the caller sets no cap.
const ceilingDelay = time.Hour

// Immediate retries without any delay between attempts.
func Immediate(maxAttempts int) Policy {
	return Policy{MaxAttempts: maxAttempts}
}

// Exponential retries with jittered exponential backoff capped at maxDelay.
// A maxDelay of zero or less caps at one hour.
func Exponential(maxAttempts int, baseDelay, maxDelay time.Duration) Policy {
	if maxDelay <= 0 || maxDelay > ceilingDelay {
		maxDelay = ceilingDelay
	}
	return Policy{
		MaxAttempts: maxAttempts,
		Backoff: func(attempt int) time.Duration {
			delay := float64(baseDelay) * math.Pow(2, float64(attempt-1))
			if delay > float64(maxDelay) || math.IsNaN(delay) {
				delay = float64(maxDelay)
			}
			return time.Duration(delay/2) + randomJitter(time.Duration(delay)/2)
		},
	}
}

// DefaultShouldRetry retries everything except context cancellation and deadlines.
func DefaultShouldRetry(err error, _ int) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Do calls fn until it succeeds, the policy refuses another attempt, or ctx ends.
// Attempts are numbered from 1. When every attempt fails the result is an *ExhaustedError.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = DefaultShouldRetry
	}

	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry canceled before attempt %d: %w", attempt, err)
		}
		last = fn(ctx, attempt)
		if last == nil {
			return nil
		}
		if ctx.Err() != nil || !shouldRetry(last, attempt) {
			return last
		}
		if attempt == maxAttempts {
			break
		}
		if err := wait(ctx, p.backoff(attempt)); err != nil {
			return fmt.Errorf("retry canceled during backoff: %w", err)
		}
	}
	return &ExhaustedError{Attempts: maxAttempts, Last: last}
}

func (p Policy) backoff(attempt int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff(attempt)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
