// Package gate enforces per-identity request quotas before the AI
// pipeline is invoked.
package gate

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dkoval/questline/internal/config"
	"github.com/dkoval/questline/internal/identity"
)

const (
	minuteWindow = time.Minute
	dayWindow    = 24 * time.Hour
)

// Decision is the outcome of a quota check. On denial, Window names the
// window that denied ("minute" or "day") and Limit is that window's
// budget.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	Window     string
}

// Limiter enforces two independent windows per identity: a short one-minute
// window and a daily window. Both must pass; the first to fail determines
// the retry delay. Keys are user ids only so clients cannot bypass
// throttling by rotating session state.
type Limiter struct {
	mu     sync.Mutex
	quotas config.QuotaConfig
	minute map[string][]time.Time
	daily  map[string][]time.Time
	now    func() time.Time
}

// NewLimiter creates a limiter with the given per-class quotas.
func NewLimiter(quotas config.QuotaConfig) *Limiter {
	return &Limiter{
		quotas: quotas,
		minute: make(map[string][]time.Time),
		daily:  make(map[string][]time.Time),
		now:    time.Now,
	}
}

func prune(times []time.Time, cutoff time.Time) []time.Time {
	var recent []time.Time
	for _, t := range times {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	return recent
}

// retryAfter returns how long until the oldest in-window request expires.
func retryAfter(times []time.Time, window time.Duration, now time.Time) time.Duration {
	if len(times) == 0 {
		return window
	}
	wait := times[0].Add(window).Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

// Check evaluates both windows for the identity. A denied request does not
// mutate stored counters, so repeated rejected calls never extend the
// penalty.
func (l *Limiter) Check(id, class string) Decision {
	q := l.quotas.ForClass(class)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	minuteRecent := prune(l.minute[id], now.Add(-minuteWindow))
	dailyRecent := prune(l.daily[id], now.Add(-dayWindow))
	l.minute[id] = minuteRecent
	l.daily[id] = dailyRecent

	if len(minuteRecent) >= q.PerMinute {
		return Decision{
			Allowed:    false,
			Limit:      q.PerMinute,
			Remaining:  0,
			RetryAfter: retryAfter(minuteRecent, minuteWindow, now),
			Window:     "minute",
		}
	}
	if len(dailyRecent) >= q.PerDay {
		return Decision{
			Allowed:    false,
			Limit:      q.PerDay,
			Remaining:  0,
			RetryAfter: retryAfter(dailyRecent, dayWindow, now),
			Window:     "day",
		}
	}

	l.minute[id] = append(minuteRecent, now)
	l.daily[id] = append(dailyRecent, now)

	remaining := q.PerMinute - len(l.minute[id])
	if dayLeft := q.PerDay - len(l.daily[id]); dayLeft < remaining {
		remaining = dayLeft
	}
	return Decision{Allowed: true, Limit: q.PerMinute, Remaining: remaining}
}

// StartEviction runs a background goroutine that periodically drops
// expired keys, preventing unbounded memory growth. It stops when the
// context is cancelled.
func (l *Limiter) StartEviction(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(minuteWindow)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.evict()
			}
		}
	}()
}

func (l *Limiter) evict() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, times := range l.minute {
		if fresh := prune(times, now.Add(-minuteWindow)); len(fresh) == 0 {
			delete(l.minute, key)
		} else {
			l.minute[key] = fresh
		}
	}
	for key, times := range l.daily {
		if fresh := prune(times, now.Add(-dayWindow)); len(fresh) == 0 {
			delete(l.daily, key)
		} else {
			l.daily[key] = fresh
		}
	}
}

// Middleware rejects over-quota requests with 429 and standard rate-limit
// headers. It must run after the identity middleware.
func Middleware(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := identity.UserIDFromContext(r.Context())
			class := identity.ClassFromContext(r.Context())

			d := l.Check(id, class)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				w.Header().Set("X-RateLimit-Window", d.Window)
				w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds()+0.5)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
