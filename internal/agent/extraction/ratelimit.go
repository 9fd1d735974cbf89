package extraction

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// DomainLimiter spaces requests to the same domain across all jobs.
type DomainLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
}

// NewDomainLimiter creates a limiter with rps requests per second per domain.
func NewDomainLimiter(rps float64, burst int) *DomainLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &DomainLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (l *DomainLimiter) get(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[domain]
	if !ok {
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.limiters[domain] = limiter
	}
	return limiter
}

// Wait blocks until the domain may be hit again or ctx ends.
func (l *DomainLimiter) Wait(ctx context.Context, domain string) error {
	if l == nil || l.rps <= 0 || domain == "" {
		return nil
	}
	if err := l.get(domain).Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// the limiter refuses up front when the wait would pass the deadline
		if _, ok := ctx.Deadline(); ok {
			return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return err
	}
	return nil
}
