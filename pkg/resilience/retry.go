// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

// Package resilience retries operations that fail transiently.
package resilience

import (
	"context"
	stderrors "errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/jllopis/kernos/pkg/errors"
)

// Retry controls retries with exponential backoff.
type Retry struct {
	// MaxAttempts is the number of calls made before giving up (at least 1).
	MaxAttempts int

	// InitialDelay is the wait before the second attempt.
	InitialDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// Multiplier grows the delay between attempts (2 when zero).
	Multiplier float64

	// Jitter spreads delays by up to ±Jitter of their length (0..1).
	Jitter float64

	// Retryable reports whether err is worth another attempt.
	// When nil, KernelErrors retry only if marked recoverable and any
	// other error retries.
	Retryable func(error) bool
}

// DefaultRetry suits short local operations such as database writes.
func DefaultRetry() Retry {
	return Retry{
		MaxAttempts:  3,
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		Jitter:       0.1,
	}
}

// Do calls fn until it succeeds, fails with a non-retryable error, or the
// attempts run out. The last error is returned.
func (r Retry) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := max(r.MaxAttempts, 1)
	retryable := r.Retryable
	if retryable == nil {
		retryable = Recoverable
	}

	var last error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(r.backoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.New(errors.CodeTimeout, "gave up retrying", ctx.Err()).
					WithContext("attempt", attempt).
					WithContext("last_error", last.Error())
			case <-timer.C:
			}
		}
		if last = fn(ctx); last == nil {
			return nil
		}
		if !retryable(last) {
			return last
		}
	}
	return last
}

// backoff is the delay before attempt (1-based for the first retry).
func (r Retry) backoff(attempt int) time.Duration {
	mult := r.Multiplier
	if mult == 0 {
		mult = 2
	}
	d := time.Duration(float64(r.InitialDelay) * math.Pow(mult, float64(attempt-1)))
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	if r.Jitter > 0 {
		d += time.Duration(float64(d) * r.Jitter * (2*rand.Float64() - 1))
	}
	return max(d, 0)
}

// Recoverable is the default Retryable.
func Recoverable(err error) bool {
	if err == nil {
		return false
	}
	var ke *errors.KernelError
	if stderrors.As(err, &ke) {
		return ke.Recoverable
	}
	return true
}
