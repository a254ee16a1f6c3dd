package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Gate enforces a minimum interval between consecutive passes, shared by
// every goroutine holding the same Gate. The first Wait passes immediately.
// A zero interval disables the gate.
type Gate struct {
	interval time.Duration
	limiter  *rate.Limiter
}

func NewGate(interval time.Duration) *Gate {
	if interval <= 0 {
		return &Gate{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Gate{
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Wait blocks until the caller may proceed or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	return g.limiter.Wait(ctx)
}

func (g *Gate) Interval() time.Duration {
	return g.interval
}
