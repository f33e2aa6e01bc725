package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/vietddude/controltower/internal/core/domain"
)

// Action is the outcome of a retry decision.
type Action int

const (
	ActionRetry Action = iota
	ActionExhausted
)

func (a Action) String() string {
	if a == ActionRetry {
		return "retry"
	}
	return "exhausted"
}

// Decision tells the caller whether and when to retry.
type Decision struct {
	Action Action
	Delay  time.Duration
	// Retryable is false when the category is never retried automatically,
	// as opposed to a retryable category that ran out of attempts.
	Retryable bool
}

// Policy decides retries by failure category.
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultPolicy returns defaults for message delivery.
// 1s, 2s, 4s, 8s ... (Max 60s)
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay: 1 * time.Second,
		MaxDelay:  60 * time.Second,
	}
}

// Retryable reports whether failures of category c may be retried automatically.
// Validation and mapping failures are deterministic and need a payload or rule fix.
func Retryable(c domain.Category) bool {
	return c == domain.CategoryConnection || c == domain.CategoryTarget
}

// Decide returns RETRY(delay) while attempt < maxAttempts for retryable
// categories, EXHAUSTED otherwise. attempt is the number of retries already made.
func (p Policy) Decide(category domain.Category, attempt, maxAttempts int) Decision {
	if !Retryable(category) {
		return Decision{Action: ActionExhausted}
	}
	if attempt >= maxAttempts {
		return Decision{Action: ActionExhausted, Retryable: true}
	}
	return Decision{Action: ActionRetry, Delay: p.Delay(attempt), Retryable: true}
}

// Delay calculates BaseDelay * 2^attempt, capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	return Backoff(p.BaseDelay, p.MaxDelay, attempt)
}

// Backoff calculates base * 2^attempt with overflow protection, capped at max.
// A zero max means no cap.
func Backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(base) * math.Pow(2, float64(attempt))
	if delay > float64(math.MaxInt64) {
		delay = float64(math.MaxInt64)
	}
	if maxDelay > 0 && delay > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(delay)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
