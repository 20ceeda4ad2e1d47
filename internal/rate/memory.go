package rate

import (
	"sync"
	"time"

	xrate "golang.org/x/time/rate"
)

type entry struct {
	lim      *xrate.Limiter
	limit    int
	window   time.Duration
	lastSeen time.Time
}

// Limiter keeps one token bucket per key. A key may burst up to limit
// requests and refills at limit per window.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*entry
	lastGC  time.Time
	now     func() time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{buckets: map[string]*entry{}, lastGC: time.Now().UTC(), now: time.Now}
}

func (l *Limiter) Allow(key string, limit int, window time.Duration) bool {
	if limit <= 0 || window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now().UTC()
	if now.Sub(l.lastGC) > time.Minute {
		for k, e := range l.buckets {
			if now.Sub(e.lastSeen) > 3*e.window {
				delete(l.buckets, k)
			}
		}
		l.lastGC = now
	}
	e, ok := l.buckets[key]
	if !ok || e.limit != limit || e.window != window {
		e = &entry{
			lim:    xrate.NewLimiter(xrate.Every(window/time.Duration(limit)), limit),
			limit:  limit,
			window: window,
		}
		l.buckets[key] = e
	}
	e.lastSeen = now
	return e.lim.AllowN(now, 1)
}
