package common

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// QuotaClass identifies a shared upstream request budget. Several report
// types share the same upstream limit, so limiters are keyed by class
// rather than by report type.
type QuotaClass string

const (
	// QuotaReportCreate covers asynchronous report creation. The upstream
	// allows roughly one request per minute across all report types.
	QuotaReportCreate QuotaClass = "report_create"
	// QuotaReportGet covers report status polling and document lookups.
	QuotaReportGet QuotaClass = "report_get"
	// QuotaInventory covers direct inventory queries.
	QuotaInventory QuotaClass = "inventory"
)

// RateLimiter provides thread-safe rate limiting with dynamically adjustable limits.
// It helps prevent overwhelming downstream services by controlling request rates
// while allowing runtime adjustments based on service conditions.
type RateLimiter struct {
	limiter *rate.Limiter
	mu      sync.RWMutex // Protects concurrent access to the limiter
}

// NewRateLimiter creates a RateLimiter with the specified requests per second (rps)
// and burst size. The burst parameter controls how many requests can be made at once
// to accommodate temporary spikes in traffic.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Wait blocks until the rate limiter allows an event or the context is canceled.
// It returns an error if the context is canceled while waiting.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limiter.Wait(ctx)
}

// UpdateLimits dynamically adjusts the rate limiter's requests per second and burst size.
// This allows adapting to changing conditions like server load or API quotas at runtime.
func (rl *RateLimiter) UpdateLimits(rps float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limiter.SetLimit(rate.Limit(rps))
	rl.limiter.SetBurst(burst)
}

// QuotaRegistry holds one process-wide RateLimiter per quota class. Every
// network call in a throttled class must acquire from the registry before
// dispatching, so concurrent workers cannot multiply effective throughput
// beyond the shared upstream limit. Permits are scoped to the call, not to
// the unit of work that makes it.
type QuotaRegistry struct {
	mu           sync.RWMutex
	limiters     map[QuotaClass]*RateLimiter
	penaltyUntil map[QuotaClass]time.Time
}

// DefaultQuotaLimits are the documented upstream limits in requests per second.
var DefaultQuotaLimits = map[QuotaClass]float64{
	QuotaReportCreate: 1.0 / 60.0,
	QuotaReportGet:    2.0,
	QuotaInventory:    2.0,
}

// NewQuotaRegistry creates a registry with one limiter per configured class.
// Burst is fixed at 1: the upstream budgets are strict intervals, not
// token buckets that accumulate.
func NewQuotaRegistry(limits map[QuotaClass]float64) *QuotaRegistry {
	limiters := make(map[QuotaClass]*RateLimiter, len(limits))
	for class, rps := range limits {
		limiters[class] = NewRateLimiter(rps, 1)
	}
	return &QuotaRegistry{
		limiters:     limiters,
		penaltyUntil: make(map[QuotaClass]time.Time),
	}
}

// Acquire blocks until a permit for the class is available or the context is
// canceled. Unknown classes pass through without limiting.
func (r *QuotaRegistry) Acquire(ctx context.Context, class QuotaClass) error {
	r.mu.RLock()
	limiter := r.limiters[class]
	until := r.penaltyUntil[class]
	r.mu.RUnlock()

	if wait := time.Until(until); wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

// OnThrottled records an upstream throttling signal for the class. When the
// upstream supplies a Retry-After duration, permits for the class are held
// back until it elapses.
func (r *QuotaRegistry) OnThrottled(class QuotaClass, retryAfter time.Duration) {
	if retryAfter <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	until := time.Now().Add(retryAfter)
	if until.After(r.penaltyUntil[class]) {
		r.penaltyUntil[class] = until
	}
}

// AdoptUpstreamLimit adjusts the class limiter to a rate advertised by the
// upstream in its rate-limit response headers.
func (r *QuotaRegistry) AdoptUpstreamLimit(class QuotaClass, rps float64) {
	if rps <= 0 {
		return
	}
	r.mu.RLock()
	limiter := r.limiters[class]
	r.mu.RUnlock()
	if limiter != nil {
		limiter.UpdateLimits(rps, 1)
	}
}
