// Package retry implements the bounded exponential-backoff retry used by
// the LLM and Embedding gateways for transient failures (SPEC_FULL.md §7).
// No pack example carries a third-party backoff dependency as a direct
// require, so this single concern is implemented on the standard library
// (see DESIGN.md).
package retry

import (
	"context"
	"errors"
	"time"
)

// Kind classifies a gateway failure so the retry loop knows whether to
// keep trying.
type Kind int

const (
	Permanent Kind = iota
	Transient
)

// Classifier inspects an error returned by a gateway call and reports
// its Kind. Gateways that don't distinguish failure kinds can use
// AlwaysTransient.
type Classifier func(error) Kind

// AlwaysTransient treats every error as retryable.
func AlwaysTransient(error) Kind { return Transient }

// Do calls fn up to maxRetry+1 times with exponential backoff starting
// at base, doubling each attempt, stopping early on a Permanent error,
// context cancellation, or success.
func Do(ctx context.Context, maxRetry int, base time.Duration, classify Classifier, fn func(context.Context) error) error {
	if classify == nil {
		classify = AlwaysTransient
	}
	var lastErr error
	delay := base
	for attempt := 0; attempt <= maxRetry; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if classify(err) == Permanent {
			return err
		}
		if attempt == maxRetry {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return errors.Join(lastErr, errors.New("retry: attempts exhausted"))
}
