// Package looprate rate-limits the debug loop's idle-poll spin: the
// loop's waitpid(WNOHANG) call (spec.md §4.1) returns immediately
// whether or not an event is ready, so without a limiter a tracee with
// nothing happening would spin the debug-loop OS thread at 100% CPU.
package looprate

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter paces the debug loop's idle iterations.
type Limiter struct {
	l *rate.Limiter
}

// New builds a Limiter allowing at most one idle iteration per interval
// on average, with a small burst to absorb scheduling jitter.
func New(interval rate.Limit, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{l: rate.NewLimiter(interval, burst)}
}

// Wait blocks until the next idle iteration is permitted or ctx is
// canceled.
func (lim *Limiter) Wait(ctx context.Context) error {
	return lim.l.Wait(ctx)
}
