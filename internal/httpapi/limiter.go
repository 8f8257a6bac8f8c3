package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig is a per-client token bucket.
type RateLimitConfig struct {
	Enabled bool
	PerSec  float64
	Burst   int
}

func (c RateLimitConfig) normalized() RateLimitConfig {
	if c.PerSec <= 0 {
		c.PerSec = 50
	}
	if c.Burst <= 0 {
		c.Burst = int(c.PerSec)
		if c.Burst < 1 {
			c.Burst = 1
		}
	}
	return c
}

type clientBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// limiter keeps one token bucket per client key. Apply swaps the settings
// and drops existing buckets so new limits take effect immediately.
type limiter struct {
	mu      sync.Mutex
	cfg     RateLimitConfig
	clients map[string]*clientBucket
	now     func() time.Time
}

func newLimiter(cfg RateLimitConfig) *limiter {
	return &limiter{cfg: cfg.normalized(), clients: map[string]*clientBucket{}, now: time.Now}
}

func (l *limiter) Apply(cfg RateLimitConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg.normalized()
	l.clients = map[string]*clientBucket{}
}

func (l *limiter) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.Enabled
}

func (l *limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.cfg.Enabled {
		return true
	}
	now := l.now()
	b := l.clients[key]
	if b == nil {
		b = &clientBucket{lim: rate.NewLimiter(rate.Limit(l.cfg.PerSec), l.cfg.Burst)}
		l.clients[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

// Prune drops buckets not seen for idle. Returns how many were removed.
func (l *limiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idle)
	n := 0
	for k, b := range l.clients {
		if b.seen.Before(cutoff) {
			delete(l.clients, k)
			n++
		}
	}
	return n
}

func (l *limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
