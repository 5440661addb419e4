package dispatch

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter enforces a provider's per-minute and per-hour call budget.
// Buckets are process-global: every session drawing on the same
// provider shares them.
type Limiter struct {
	perMinute *rate.Limiter
	perHour   *rate.Limiter

	mu    sync.Mutex
	calls int64
}

var (
	limiterMu sync.Mutex
	limiters  = map[string]*Limiter{}
)

// ForProvider returns the process-wide limiter for a provider,
// creating it on first use. Later calls ignore the limit arguments.
func ForProvider(name string, perMinute, perHour int) *Limiter {
	limiterMu.Lock()
	defer limiterMu.Unlock()

	if l, ok := limiters[name]; ok {
		return l
	}
	l := &Limiter{
		perMinute: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		perHour:   rate.NewLimiter(rate.Limit(float64(perHour)/3600.0), perHour),
	}
	limiters[name] = l
	return l
}

// Acquire blocks until both buckets yield a token or the context is
// cancelled. An empty bucket is not an error condition, just a wait.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.perHour.Wait(ctx); err != nil {
		return err
	}
	if err := l.perMinute.Wait(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	return nil
}

// Calls returns the number of tokens this limiter has handed out.
func (l *Limiter) Calls() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// UsageStats snapshots per-provider call counts for monitor surfaces.
func UsageStats() map[string]int64 {
	limiterMu.Lock()
	defer limiterMu.Unlock()

	stats := make(map[string]int64, len(limiters))
	for name, l := range limiters {
		stats[name] = l.Calls()
	}
	return stats
}

// ResetUsage clears the limiter registry. Test helper.
func ResetUsage() {
	limiterMu.Lock()
	defer limiterMu.Unlock()
	limiters = map[string]*Limiter{}
}
