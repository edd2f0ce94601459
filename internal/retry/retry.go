// Package retry is the bounded, cancellable retry loop shared by every
// polling site of a call (offer wait, offer write verification, restart
// cooldown).
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop.
type Policy struct {
	// MaxAttempts is the total number of calls to the operation, at least 1.
	MaxAttempts int
	// Interval is the delay before the second attempt.
	Interval time.Duration
	// Multiplier > 1 grows the delay exponentially; otherwise it stays fixed.
	Multiplier float64
	// MaxInterval caps exponential growth. Zero means no cap.
	MaxInterval time.Duration
}

// Fixed is a policy of attempts spaced by a constant interval.
func Fixed(attempts int, interval time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Interval: interval}
}

// Total is the sum of delays the policy waits when every attempt fails.
func (p Policy) Total() time.Duration {
	var total time.Duration
	d := p.Interval
	for i := 1; i < p.MaxAttempts; i++ {
		total += d
		if p.Multiplier > 1 {
			d = time.Duration(float64(d) * p.Multiplier)
			if p.MaxInterval > 0 && d > p.MaxInterval {
				d = p.MaxInterval
			}
		}
	}
	return total
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	if p.Multiplier > 1 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.Interval
		eb.Multiplier = p.Multiplier
		eb.RandomizationFactor = 0
		eb.MaxElapsedTime = 0
		if p.MaxInterval > 0 {
			eb.MaxInterval = p.MaxInterval
		} else {
			eb.MaxInterval = time.Duration(1<<63 - 1)
		}
		b = eb
	} else {
		b = backoff.NewConstantBackOff(p.Interval)
	}
	attempts := max(p.MaxAttempts, 1)
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Permanent stops the loop and makes Do return err.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls op until it succeeds, returns a Permanent error, the attempts are
// exhausted or ctx is done. It returns nil, the unwrapped permanent error,
// the last attempt's error, or ctx.Err() respectively. attempt counts from 1.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error) error {
	attempt := 0
	err := backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		return op(ctx, attempt)
	}, p.backOff(ctx))

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// Sleep waits d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
