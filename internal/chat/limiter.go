package chat

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// pruneThreshold is the number of tracked clients above which idle buckets
// are dropped.
const pruneThreshold = 10000

// Limiter hands out one token bucket per client key: burst = perMinute,
// refilled at perMinute per minute.
type Limiter struct {
	mu        sync.Mutex
	perMinute int
	clients   map[string]*bucket
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewLimiter creates a Limiter. perMinute <= 0 disables limiting.
func NewLimiter(perMinute int) *Limiter {
	return &Limiter{perMinute: perMinute, clients: make(map[string]*bucket)}
}

// Allow takes one token from key's bucket at time now.
func (l *Limiter) Allow(key string, now time.Time) bool {
	if l.perMinute <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.clients[key]
	if !ok {
		if len(l.clients) >= pruneThreshold {
			l.prune(now)
		}
		b = &bucket{lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)}
		l.clients[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

// prune forgets buckets idle for a full minute; they are refilled by then,
// so a fresh bucket behaves identically.
func (l *Limiter) prune(now time.Time) {
	for k, b := range l.clients {
		if now.Sub(b.seen) >= time.Minute {
			delete(l.clients, k)
		}
	}
}
