// Package retry runs network-bound operations under an explicit attempt budget.
package retry

import (
	"context"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Policy bounds a retry loop: at most MaxAttempts calls, Backoff apart.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Default is used for share-code and guardian lookups that wait out registry propagation.
var Default = Policy{MaxAttempts: 10, Backoff: 2 * time.Second}

// Immediate performs attempts back to back. Intended for tests.
func Immediate(attempts int) Policy {
	return Policy{MaxAttempts: attempts}
}

func (p Policy) backoff() goretry.Backoff {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.Backoff
	if delay < 0 {
		delay = 0
	}
	constant := goretry.BackoffFunc(func() (time.Duration, bool) {
		return delay, false
	})
	return goretry.WithMaxRetries(uint64(attempts-1), constant)
}

// Do calls fn until it succeeds, returns an error that shouldRetry rejects,
// the attempt budget runs out, or ctx is cancelled. The last error from fn is
// returned when the budget is exhausted.
func Do(ctx context.Context, p Policy, shouldRetry func(error) bool, fn func(context.Context) error) error {
	return goretry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if shouldRetry != nil && shouldRetry(err) {
			return goretry.RetryableError(err)
		}
		return err
	})
}
