package hub

import (
	"sync"

	"golang.org/x/time/rate"
)

// perPackageLimiter tracks one token-bucket limiter per App package
// using golang.org/x/time/rate.
type perPackageLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

func newPerPackageLimiter(eventsPerSecond float64, burst int) *perPackageLimiter {
	return &perPackageLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(eventsPerSecond),
		burst:    burst,
	}
}

// Allow reports whether package pkg may send another inbound message
// right now, creating its limiter lazily on first use.
func (p *perPackageLimiter) Allow(pkg string) bool {
	p.mu.Lock()
	l, ok := p.limiters[pkg]
	if !ok {
		l = rate.NewLimiter(p.r, p.burst)
		p.limiters[pkg] = l
	}
	p.mu.Unlock()
	return l.Allow()
}

// Forget drops pkg's limiter state, called from App teardown.
func (p *perPackageLimiter) Forget(pkg string) {
	p.mu.Lock()
	delete(p.limiters, pkg)
	p.mu.Unlock()
}
