package fetcher

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Gate enforces one minimum interval between outbound requests for the whole
// process. Every caller that talks to the archive shares the same Gate.
type Gate struct {
	mu       sync.Mutex
	interval time.Duration
	limiter  *rate.Limiter
}

// NewGate creates a gate admitting one request per interval. A non-positive
// interval disables throttling.
func NewGate(interval time.Duration) *Gate {
	g := &Gate{}
	g.SetInterval(interval)
	return g
}

// SetInterval changes the spacing, e.g. once robots.txt declares a larger
// crawl delay than configured.
func (g *Gate) SetInterval(interval time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.interval = interval
	if interval <= 0 {
		g.limiter = nil
		return
	}
	if g.limiter == nil {
		g.limiter = rate.NewLimiter(rate.Every(interval), 1)
		return
	}
	g.limiter.SetLimit(rate.Every(interval))
}

// Interval reports the current spacing.
func (g *Gate) Interval() time.Duration {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.interval
}

// Wait blocks until the interval since the previous admitted request has
// elapsed or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	if g == nil {
		return ctx.Err()
	}
	g.mu.Lock()
	limiter := g.limiter
	g.mu.Unlock()
	if limiter == nil {
		return ctx.Err()
	}
	return limiter.Wait(ctx)
}
