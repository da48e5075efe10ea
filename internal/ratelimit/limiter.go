package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter keeps one token bucket per caller id.
type Limiter struct {
	perMinute float64
	burst     int

	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	lastAccess map[string]time.Time

	now func() time.Time
}

// New creates a limiter allowing perMinute sustained requests with the given burst per
// caller.
func New(perMinute float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		perMinute:  perMinute,
		burst:      burst,
		limiters:   make(map[string]*rate.Limiter),
		lastAccess: make(map[string]time.Time),
		now:        time.Now,
	}
}

// Allow consumes one token from id's bucket.
func (l *Limiter) Allow(id string) bool {
	ok, _ := l.Reserve(id)
	return ok
}

// Reserve consumes one token when available. Otherwise it reports when the next token
// will be available without consuming anything.
func (l *Limiter) Reserve(id string) (bool, time.Time) {
	now := l.now()
	limiter := l.get(id, now)

	r := limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, now
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, now.Add(delay)
	}
	return true, now
}

func (l *Limiter) get(id string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[id]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(l.perMinute/60), l.burst)
		l.limiters[id] = limiter
	}
	l.lastAccess[id] = now
	return limiter
}

// Cleanup drops buckets idle for longer than maxIdle and returns how many were removed.
func (l *Limiter) Cleanup(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxIdle)
	removed := 0
	for id, last := range l.lastAccess {
		if last.Before(cutoff) {
			delete(l.limiters, id)
			delete(l.lastAccess, id)
			removed++
		}
	}
	return removed
}

// Size returns the number of tracked callers.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
