// Package retry holds the bounded retry policy shared by the upstream client
// and the dispatcher.
package retry

import (
	"context"
	"time"

	retrygo "github.com/codeGROOVE-dev/retry"
)

// Policy retries an operation with exponential backoff plus random jitter.
// MaxAttempts counts the first try; 1 disables retries.
type Policy struct {
	MaxAttempts uint
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxJitter   time.Duration
}

// Default is used where a caller leaves its policy zero.
var Default = Policy{
	MaxAttempts: 4,
	BaseDelay:   time.Second,
	MaxDelay:    time.Minute,
	MaxJitter:   500 * time.Millisecond,
}

// Normalize fills zero fields from Default.
func (p Policy) Normalize() Policy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = Default.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = Default.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = Default.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxJitter < 0 {
		p.MaxJitter = 0
	}
	return p
}

// Op is one attempt. attempt starts at 1.
type Op func(ctx context.Context, attempt uint) error

// Hook observes a failed attempt that is about to be retried.
type Hook func(attempt uint, err error)

// Do runs op until it succeeds, returns an error retryable rejects, or the
// attempts run out. It returns nil, the last error from op, or ctx.Err().
// A nil retryable retries every error.
func (p Policy) Do(ctx context.Context, op Op, retryable func(error) bool, onRetry Hook) error {
	p = p.Normalize()

	var (
		attempt uint
		lastErr error
	)
	err := retrygo.Do(
		func() error {
			attempt++
			lastErr = op(ctx, attempt)
			if lastErr != nil && retryable != nil && !retryable(lastErr) {
				return retrygo.Unrecoverable(lastErr)
			}
			return lastErr
		},
		retrygo.Attempts(p.MaxAttempts),
		retrygo.Delay(p.BaseDelay),
		retrygo.MaxDelay(p.MaxDelay),
		retrygo.MaxJitter(p.MaxJitter),
		retrygo.Context(ctx),
		retrygo.OnRetry(func(n uint, err error) {
			if onRetry != nil {
				onRetry(n+1, err)
			}
		}),
	)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case lastErr != nil:
		return lastErr
	default:
		return err
	}
}
