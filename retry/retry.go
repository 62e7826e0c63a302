// Package retry implements a single reusable bounded-exponential-backoff
// policy object: initial delay, multiplier, and cap, that wraps any
// fallible operation producing a classified-transient error. Both the
// PKCS#11 and KMIP backends use this instead of writing their own loops.
//
// Built on github.com/cenkalti/backoff/v4.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmhodges/clock"
)

// Policy is a bounded-exponential-backoff retry policy: initial delay,
// multiplier, and a cap on cumulative wall time spent retrying
// (max_retry_seconds).
type Policy struct {
	InitialInterval time.Duration
	Multiplier float64
	MaxElapsedTime time.Duration
	clk clock.Clock
}

// NewPolicy builds a Policy from the retry_seconds/backoff_multiplier/
// max_retry_seconds config triad shared by PKCS#11 and KMIP.
func NewPolicy(initialSeconds int, multiplier float64, maxSeconds int, clk clock.Clock) Policy {
	if clk == nil {
		clk = clock.New()
	}
	return Policy{
		InitialInterval: time.Duration(initialSeconds) * time.Second,
		Multiplier: multiplier,
		MaxElapsedTime: time.Duration(maxSeconds) * time.Second,
		clk: clk,
	}
}

// Permanent marks err as non-retryable, matching backoff.Permanent. Use
// this to wrap terminal errors (bad mechanism, invalid attribute,
// authentication failed) so Do stops immediately instead of burning the
// retry budget on an error that will never change.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op, retrying on any error it returns that is not wrapped with
// Permanent, using exponential backoff until either op succeeds or the
// cumulative elapsed time exceeds MaxElapsedTime. It respects ctx
// cancellation at each suspension point.
func (p Policy) Do(ctx context.Context, op func() error) error {
	eb := &backoff.ExponentialBackOff{
		InitialInterval: p.InitialInterval,
		RandomizationFactor: 0,
		Multiplier: p.Multiplier,
		MaxInterval: p.MaxElapsedTime,
		MaxElapsedTime: p.MaxElapsedTime,
		Stop: backoff.Stop,
		Clock: backoffClock{p.clk},
	}
	eb.Reset()

	return backoff.Retry(op, backoff.WithContext(eb, ctx))
}

// backoffClock adapts jmhodges/clock.Clock to backoff.Clock, which the
// backoff library uses to measure elapsed time against MaxElapsedTime.
// The waits between attempts still use real timers.
type backoffClock struct {
	clk clock.Clock
}

func (c backoffClock) Now() time.Time { return c.clk.Now() }
