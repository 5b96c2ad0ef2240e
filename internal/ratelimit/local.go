package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Keyed is an in-process token bucket per key. Idle buckets are dropped by
// Sweep.
type Keyed struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	idle    time.Duration
	now     func() time.Time
}

func NewKeyed(perSecond float64, burst int) *Keyed {
	if burst <= 0 {
		burst = 1
	}
	return &Keyed{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idle:    5 * time.Minute,
		now:     time.Now,
	}
}

func (k *Keyed) Allow(key string) bool {
	if key == "" {
		key = "unknown"
	}
	now := k.now()
	k.mu.Lock()
	defer k.mu.Unlock()
	b, ok := k.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(k.limit, k.burst)}
		k.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

// Sweep removes buckets idle for longer than the idle window.
func (k *Keyed) Sweep() int {
	now := k.now()
	k.mu.Lock()
	defer k.mu.Unlock()
	removed := 0
	for key, b := range k.buckets {
		if now.Sub(b.seen) > k.idle {
			delete(k.buckets, key)
			removed++
		}
	}
	return removed
}

// Local adapts Keyed to Limiter for single-instance deployments.
type Local struct {
	keyed *Keyed
}

// NewLocal allows limit attempts per window with bursts up to limit.
func NewLocal(limit int, window time.Duration) *Local {
	if limit <= 0 || window <= 0 {
		return &Local{}
	}
	return &Local{keyed: NewKeyed(float64(limit)/window.Seconds(), limit)}
}

// Sweep drops idle attempt buckets.
func (l *Local) Sweep() int {
	if l == nil || l.keyed == nil {
		return 0
	}
	return l.keyed.Sweep()
}

func (l *Local) Allow(ctx context.Context, scope, subject string) (Decision, error) {
	if l == nil || l.keyed == nil {
		return Decision{Allowed: true}, nil
	}
	if l.keyed.Allow(scope + ":" + subject) {
		return Decision{Allowed: true}, nil
	}
	return Decision{Allowed: false, RetryAfter: time.Duration(float64(time.Second) / float64(l.keyed.limit))}, nil
}
