// ratelimit.go - Per-caller rate limiting for the prover service.
package tee

import (
	"sync"

	"golang.org/x/time/rate"
)

// callerLimiter keeps one token bucket per caller.
type callerLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	max      int
}

func newCallerLimiter(limit rate.Limit, burst, maxCallers int) *callerLimiter {
	return &callerLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
		max:      maxCallers,
	}
}

// Allow reports whether caller may send a request now and consumes a token if so.
func (cl *callerLimiter) Allow(caller string) bool {
	if cl.limit == rate.Inf {
		return true
	}
	cl.mu.Lock()
	limiter, ok := cl.limiters[caller]
	if !ok {
		if len(cl.limiters) >= cl.max {
			// forget everyone rather than grow without bound
			clear(cl.limiters)
		}
		limiter = rate.NewLimiter(cl.limit, cl.burst)
		cl.limiters[caller] = limiter
	}
	cl.mu.Unlock()
	return limiter.Allow()
}

// Tokens returns the tokens currently available to caller.
func (cl *callerLimiter) Tokens(caller string) float64 {
	cl.mu.Lock()
	limiter, ok := cl.limiters[caller]
	cl.mu.Unlock()
	if !ok {
		return float64(cl.burst)
	}
	return limiter.Tokens()
}
