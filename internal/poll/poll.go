// Package poll implements the bounded, fixed-interval polling used to wait
// for artifacts the peer has not published yet. The rendezvous store offers
// no push channel, so every wait in the signaling engine goes through a
// Poller; a push-capable transport would only need a different Poller.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Defaults give a ~10s discovery window.
const (
	DefaultMaxAttempts = 10
	DefaultInterval    = time.Second
)

// ErrTimeoutExceeded is matched by every *TimeoutError.
var ErrTimeoutExceeded = errors.New("poll budget exhausted")

// TimeoutError reports how many checks were made before giving up.
type TimeoutError struct {
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%v after %d attempts", ErrTimeoutExceeded, e.Attempts)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeoutExceeded
}

// FetchFunc performs one non-blocking check. ok == false means "absent, try
// again"; a non-nil error aborts the poll immediately.
type FetchFunc func(ctx context.Context) (value string, ok bool, err error)

// Poller waits for a FetchFunc to report a value.
type Poller interface {
	Poll(ctx context.Context, fetch FetchFunc) (string, error)
}

// Compile-time interface check.
var _ Poller = Fixed{}

// Fixed polls at a constant interval. The first check runs immediately and
// at most MaxAttempts checks are made.
type Fixed struct {
	MaxAttempts int
	Interval    time.Duration
}

// Poll implements Poller.
func (f Fixed) Poll(ctx context.Context, fetch FetchFunc) (string, error) {
	return Until(ctx, f.MaxAttempts, f.Interval, fetch)
}

// Until runs fetch up to maxAttempts times, sleeping interval between
// checks. It returns the first value found, the first hard error, ctx.Err()
// on cancellation, or a *TimeoutError once the budget is spent.
func Until[T any](ctx context.Context, maxAttempts int, interval time.Duration, fetch func(context.Context) (T, bool, error)) (T, error) {
	var zero T
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		val, ok, err := fetch(ctx)
		if err != nil {
			return zero, err
		}
		if ok {
			return val, nil
		}
		if attempt >= maxAttempts {
			return zero, &TimeoutError{Attempts: attempt}
		}

		timer.Reset(interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}
