// Package poll implements the bounded hardware polling loop shared by runlist submission,
// preemption and channel teardown.
package poll

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpusched/fifoutils"
)

const (
	DefaultInitialDelay = 10 * time.Microsecond
	DefaultMaxDelay     = 200 * time.Microsecond
)

// Options controls a single poll. Timeout must be nonzero: polls never run unbounded.
type Options struct {
	Timeout      time.Duration
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Clock is used to measure elapsed time; nil means the system clock
	Clock backoff.Clock
	// Notify, if not nil, is called before every sleep with the delay that is about to be slept
	Notify func(delay time.Duration)
}

// Condition reports whether the polled state has been reached. A non-nil error stops polling
// immediately and is returned as-is.
type Condition func() (done bool, err error)

var errNotYet = errors.New("condition not reached")

func (o Options) backOff() *backoff.ExponentialBackOff {
	if o.Timeout <= 0 {
		panic("poll.Options.Timeout must be positive")
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     o.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         o.MaxDelay,
		MaxElapsedTime:      o.Timeout,
		Clock:               o.Clock,
	}
	if b.InitialInterval <= 0 {
		b.InitialInterval = DefaultInitialDelay
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = DefaultMaxDelay
	}
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	if b.Clock == nil {
		b.Clock = backoff.SystemClock
	}
	b.Reset()

	return b
}

// Until evaluates cond with an exponentially growing delay between attempts until it reports done,
// returns an error, ctx is cancelled, or opts.Timeout elapses. Expiry returns an error matching
// fifoutils.ErrTimeout.
func Until(ctx context.Context, opts Options, cond Condition) error {
	var condErr error
	attempts := 0

	operation := func() error {
		attempts++
		done, err := cond()
		if err != nil {
			condErr = err
			return nil
		}
		if !done {
			return errNotYet
		}
		return nil
	}

	var notify backoff.Notify
	if opts.Notify != nil {
		notify = func(_ error, delay time.Duration) {
			opts.Notify(delay)
		}
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(opts.backOff(), ctx), notify)
	if condErr != nil {
		return condErr
	}
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	return errors.Wrapf(fifoutils.ErrTimeout, "condition not reached after %d attempts in %s", attempts, opts.Timeout)
}
