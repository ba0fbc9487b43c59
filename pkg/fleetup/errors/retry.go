package errors

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes how often and how patiently an operation is retried.
// Zero durations fall back to the backoff library's defaults.
type Policy struct {
	Attempts   int // total tries including the first; <= 0 means unbounded
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
	Budget     time.Duration // wall-clock cap across all tries; 0 disables

	// Retryable decides whether a failure is worth another try.
	// IsRetryable is used when nil.
	Retryable func(error) bool

	// Notify sees every failure that will be retried, with the wait before
	// the next try.
	Notify func(err error, wait time.Duration)
}

// ProbePolicy suits polling a freshly restarted service.
var ProbePolicy = Policy{
	Attempts:   3,
	Initial:    time.Second,
	Max:        30 * time.Second,
	Multiplier: 2,
	Jitter:     0.1,
}

// Retry runs op until it succeeds, returns a non-retryable error, the
// policy runs out, or ctx is done. It reports how many tries were made.
// A returned error is always a *CategorizedError.
func Retry(ctx context.Context, p Policy, op func(context.Context) error) (int, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	tries := 0
	var last error
	err := backoff.RetryNotify(func() error {
		tries++
		last = op(ctx)
		if last != nil && !retryable(last) {
			return backoff.Permanent(last)
		}
		return last
	}, p.schedule(ctx), p.Notify)
	if err == nil {
		return tries, nil
	}

	if last == nil {
		return tries, &CategorizedError{Err: ctx.Err(), Category: CategoryPermanent, Context: "context cancelled"}
	}
	out := &CategorizedError{Err: last, Category: Categorize(last), Retries: tries}
	if retryable(last) {
		out.Context = "max retries exceeded"
	}
	return tries, out
}

func (p Policy) schedule(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		exp.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		exp.MaxInterval = p.Max
	}
	if p.Multiplier >= 1 {
		exp.Multiplier = p.Multiplier
	}
	exp.RandomizationFactor = p.Jitter
	exp.MaxElapsedTime = p.Budget
	exp.Reset()

	var b backoff.BackOff = exp
	if p.Attempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.Attempts-1))
	}
	return backoff.WithContext(b, ctx)
}
