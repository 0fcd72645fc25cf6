package engine

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// AwaitOptions configures the poll loop in Await.
type AwaitOptions struct {
	// InitialInterval is the delay before the first poll and the starting
	// backoff interval. Default: 2s.
	InitialInterval time.Duration

	// MaxInterval caps the backoff interval. This is also the bound on how
	// long cancellation can go unobserved. Default: 10s.
	MaxInterval time.Duration

	// Multiplier grows the interval after each poll. Default: 1.5.
	Multiplier float64

	// Jitter is the random fraction (+/-) applied to each sleep. Default: 0.2.
	Jitter float64

	// WallTimeout bounds the whole wait, submit time excluded. Exceeding it
	// yields ErrTimeout. Default: 10m.
	WallTimeout time.Duration

	// MaxNetRetries is how many consecutive transient poll errors are
	// tolerated before the error escalates. Default: 3.
	MaxNetRetries int

	// Progress, when set, receives per-poll status updates.
	Progress ProgressFunc

	// Clock overrides time for tests.
	Clock Clock
}

// DefaultAwaitOptions returns the default poll-loop configuration.
func DefaultAwaitOptions() AwaitOptions {
	return AwaitOptions{
		InitialInterval: 2 * time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      1.5,
		Jitter:          0.2,
		WallTimeout:     10 * time.Minute,
		MaxNetRetries:   3,
	}
}

func (o AwaitOptions) withDefaults() AwaitOptions {
	def := DefaultAwaitOptions()
	if o.InitialInterval <= 0 {
		o.InitialInterval = def.InitialInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = def.MaxInterval
	}
	if o.Multiplier <= 1 {
		o.Multiplier = def.Multiplier
	}
	if o.Jitter < 0 || o.Jitter >= 1 {
		o.Jitter = def.Jitter
	}
	if o.WallTimeout <= 0 {
		o.WallTimeout = def.WallTimeout
	}
	if o.MaxNetRetries <= 0 {
		o.MaxNetRetries = def.MaxNetRetries
	}
	if o.Clock == nil {
		o.Clock = realClock{}
	}
	return o
}

// Await polls eng until the remote job reaches a terminal status.
//
// The loop sleeps with exponential backoff and jitter between polls. Before
// every poll and before every sleep it checks the context and, when the
// engine implements SessionChecker, the liveness of the underlying session;
// either being torn down stops the loop immediately with ErrCancelled rather
// than letting a background poller keep erroring against released resources.
//
// Transient poll errors are retried up to MaxNetRetries consecutive times.
// Auth and invalid-input errors propagate immediately. Exceeding WallTimeout
// yields ErrTimeout wrapped with the engine and handle context.
func Await(ctx context.Context, eng Engine, h Handle, opts AwaitOptions) (PollResult, error) {
	opts = opts.withDefaults()
	desc := eng.Describe()
	deadline := opts.Clock.Now().Add(opts.WallTimeout)
	interval := opts.InitialInterval
	netFailures := 0

	for {
		if err := checkLive(ctx, eng); err != nil {
			return PollResult{}, &Error{Op: "Poll", Engine: desc.ID, Err: err}
		}
		if opts.Clock.Now().After(deadline) {
			return PollResult{}, &Error{Op: "Poll", Engine: desc.ID,
				Err: fmt.Errorf("%w after %s", ErrTimeout, opts.WallTimeout)}
		}

		res, err := eng.Poll(ctx, h)
		switch {
		case err == nil:
			netFailures = 0
			switch res.Status {
			case StatusSucceeded, StatusFailed:
				return res, nil
			case StatusNotFound:
				return res, &Error{Op: "Poll", Engine: desc.ID, Err: ErrNotFound}
			default:
				if opts.Progress != nil {
					opts.Progress(fmt.Sprintf("%s: generating (status %s)", desc.Name, res.Status))
				}
			}
		case IsCancelled(err):
			return PollResult{}, &Error{Op: "Poll", Engine: desc.ID, Err: ErrCancelled}
		case !IsRetryable(err):
			return PollResult{}, err
		default:
			netFailures++
			if netFailures > opts.MaxNetRetries {
				return PollResult{}, &Error{Op: "Poll", Engine: desc.ID,
					Err: fmt.Errorf("poll failed %d times: %w", netFailures, err)}
			}
		}

		if err := checkLive(ctx, eng); err != nil {
			return PollResult{}, &Error{Op: "Poll", Engine: desc.ID, Err: err}
		}
		if err := opts.Clock.Sleep(ctx, jitter(interval, opts.Jitter)); err != nil {
			return PollResult{}, &Error{Op: "Poll", Engine: desc.ID, Err: ErrCancelled}
		}

		interval = time.Duration(float64(interval) * opts.Multiplier)
		if interval > opts.MaxInterval {
			interval = opts.MaxInterval
		}
	}
}

// checkLive returns ErrCancelled when the context is done or the engine's
// session has been released.
func checkLive(ctx context.Context, eng Engine) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	if sc, ok := eng.(SessionChecker); ok && !sc.SessionAlive() {
		return ErrCancelled
	}
	return nil
}

// jitter spreads d by +/- frac to avoid poll alignment across tasks.
func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * frac * float64(d)
	return time.Duration(float64(d) + delta)
}
