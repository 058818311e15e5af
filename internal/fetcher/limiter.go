package fetcher

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// IntervalLimiter spaces calls to an external API so that consecutive
// grants are at least Interval apart. It is safe for concurrent use and is
// shared by every run in the process; waiting callers are granted slots in
// the order they reserved them.
type IntervalLimiter struct {
	interval time.Duration
	limiter  *rate.Limiter
}

// NewIntervalLimiter creates a limiter. An interval <= 0 disables limiting.
func NewIntervalLimiter(interval time.Duration) *IntervalLimiter {
	if interval <= 0 {
		return &IntervalLimiter{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &IntervalLimiter{
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Interval returns the configured spacing (0 when disabled).
func (l *IntervalLimiter) Interval() time.Duration {
	return l.interval
}

// Acquire blocks until the next slot is available. The only error is the
// context ending while waiting.
func (l *IntervalLimiter) Acquire(ctx context.Context) error {
	return eris.Wrap(l.limiter.Wait(ctx), "limiter: acquire")
}
