package mailbox

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter is a per-account token bucket in front of provider calls. Staying
// under the provider's quota proactively beats backing off after a 429.
type Limiter struct {
	l *rate.Limiter
}

func (l *Limiter) Wait(ctx context.Context) error {
	return l.l.Wait(ctx)
}

// LimiterRegistry hands out one Limiter per account so a heavy initial sync
// on one account cannot starve the quota of another.
type LimiterRegistry struct {
	mu       sync.Mutex
	perSec   float64
	burst    int
	limiters map[int64]*Limiter
}

func NewLimiterRegistry(perSec float64, burst int) *LimiterRegistry {
	if perSec <= 0 {
		perSec = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &LimiterRegistry{
		perSec:   perSec,
		burst:    burst,
		limiters: make(map[int64]*Limiter),
	}
}

// ForAccount returns the account's limiter, creating it on first use.
func (r *LimiterRegistry) ForAccount(accountID int64) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[accountID]; ok {
		return l
	}
	l := &Limiter{l: rate.NewLimiter(rate.Limit(r.perSec), r.burst)}
	r.limiters[accountID] = l
	return l
}

// Forget drops an account's limiter at unlink.
func (r *LimiterRegistry) Forget(accountID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.limiters, accountID)
}
