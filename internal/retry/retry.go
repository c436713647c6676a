// Package retry runs best-effort actions with a bounded number of attempts.
//
// Failures never escape: an action that returns false, returns an error or
// panics is retried after a constant delay, and Do reports false once the
// attempts are used up.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
)

// Action is a single attempt. It succeeds only when it returns true and a
// nil error.
type Action func(ctx context.Context) (bool, error)

// Options configure Do. The zero value means one attempt, no retries.
type Options struct {
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int
	// Delay between attempts.
	Delay time.Duration
	// Timer drives the delay; nil uses a wall-clock timer.
	Timer backoff.Timer
	// Logger receives per-attempt failures at debug level.
	Logger *slog.Logger
}

// Default matches the panel adapter's historical policy: two retries one
// second apart.
func Default() Options {
	return Options{MaxRetries: 2, Delay: time.Second}
}

var errUnsuccessful = errors.New("action reported failure")

// Do runs action until it succeeds or the retries are exhausted. It returns
// whether some attempt succeeded. Cancelling ctx stops further attempts.
func Do(ctx context.Context, opts Options, name string, action Action) bool {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	retries := opts.MaxRetries
	if retries < 0 {
		retries = 0
	}

	attempt := 0
	op := func() (err error) {
		attempt++
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		ok, err := action(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errUnsuccessful
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.Delay), uint64(retries)),
		ctx,
	)
	notify := func(err error, next time.Duration) {
		logger.Debug("retry: attempt failed", "action", name, "attempt", attempt, "next_in", next, "err", err)
	}

	if err := backoff.RetryNotifyWithTimer(op, policy, notify, opts.Timer); err != nil {
		logger.Warn("retry: giving up", "action", name, "attempts", attempt, "err", err)
		return false
	}
	return true
}

// ClockTimer adapts a quartz clock to backoff.Timer so retry delays follow
// the caller's clock.
func ClockTimer(clock quartz.Clock) backoff.Timer {
	return &clockTimer{clock: clock}
}

type clockTimer struct {
	clock quartz.Clock
	timer *quartz.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d, "retry")
		return
	}
	t.timer.Reset(d, "retry")
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop("retry")
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C
}
