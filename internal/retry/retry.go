// Package retry holds the retry budgets used across the core: the HTTP budget
// for the ingestion bridge, the connect budget for the database, and
// OnStale for operations whose handles may go out of date.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/dharsanguruparan/Integrator/internal/errors"
)

// HTTP budget: 5 attempts, 2s base delay, factor 3.
const (
	HTTPAttempts   = 5
	HTTPBaseDelay  = 2 * time.Second
	HTTPMultiplier = 3
)

// Policy describes an exponential retry budget.
type Policy struct {
	Attempts   int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	MaxElapsed time.Duration
	Randomize  float64
}

// HTTPPolicy is the budget for calls to external HTTP services.
func HTTPPolicy() Policy {
	return Policy{
		Attempts:   HTTPAttempts,
		BaseDelay:  HTTPBaseDelay,
		Multiplier: HTTPMultiplier,
		MaxDelay:   time.Minute,
	}
}

// ConnectPolicy is the startup budget for reaching backing services.
func ConnectPolicy() Policy {
	return Policy{
		BaseDelay:  time.Second,
		Multiplier: 2,
		MaxDelay:   15 * time.Second,
		MaxElapsed: 2 * time.Minute,
		Randomize:  0.5,
	}
}

// BackOff builds the cenkalti backoff for p bound to ctx.
func (p Policy) BackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = p.Randomize
	if p.MaxDelay > 0 {
		exp.MaxInterval = p.MaxDelay
	}
	exp.MaxElapsedTime = p.MaxElapsed
	if exp.MaxElapsedTime == 0 {
		exp.MaxElapsedTime = time.Hour
	}
	exp.Reset()

	var b backoff.BackOff = exp
	if p.Attempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.Attempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// Do runs op under p until it succeeds, returns a Permanent error, the budget
// runs out or ctx is done. notify, when set, sees every failed attempt.
func Do(ctx context.Context, p Policy, op func() error, notify func(err error, next time.Duration)) error {
	wrapped := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return op()
	}
	if notify == nil {
		notify = func(error, time.Duration) {}
	}
	return backoff.RetryNotify(wrapped, p.BackOff(ctx), notify)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// OnStale runs op up to maxAttempts times while it fails with an error
// matching errors.ErrStale. op is expected to re-acquire whatever handle went
// stale before retrying its work.
func OnStale(ctx context.Context, maxAttempts int, op func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), uint64(maxAttempts-1)), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !errors.Is(err, errors.ErrStale) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
