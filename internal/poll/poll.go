// Package poll implements bounded busy-wait loops.
package poll

import (
	"context"
	"errors"
	"runtime"
	"time"

	"golang.org/x/time/rate"
)

// ErrExhausted is returned when condition wasn't met within the attempts
// budget.
var ErrExhausted = errors.New("poll attempts exhausted")

// Until checks cond every interval until it returns true. Number of checks
// after the first one is limited by attempts. It returns number of
// attempts spent.
func Until(ctx context.Context, interval time.Duration, attempts int, cond func() bool) (int, error) {
	if cond() {
		return 0, nil
	}
	l := limiter(interval)
	for n := 1; n <= attempts; n++ {
		if err := wait(ctx, l); err != nil {
			return n, err
		}
		if cond() {
			return n, nil
		}
	}
	return attempts, ErrExhausted
}

// limiter returns limiter with an empty bucket, so the first wait takes a
// full interval.
func limiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return nil
	}
	l := rate.NewLimiter(rate.Every(interval), 1)
	l.Allow()
	return l
}

func wait(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		runtime.Gosched()
		return ctx.Err()
	}
	if err := l.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// limiter refuses to wait beyond context deadline.
		return context.DeadlineExceeded
	}
	return nil
}

// Sleep pauses for d or until ctx is done.
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
