package ratelimit

import (
	"net"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

const minIdle = time.Minute

// Limiter is a per-key token bucket used to admit new connections. Buckets
// that sit idle long enough to refill are forgotten.
type Limiter struct {
	mu      sync.Mutex
	perSec  float64
	burst   float64
	buckets *cache.Cache
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewLimiter returns nil when rps or burst disable limiting; a nil Limiter
// admits everything.
func NewLimiter(rps float64, burst int) *Limiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	idle := time.Duration(float64(burst) / rps * float64(time.Second))
	if idle < minIdle {
		idle = minIdle
	}
	return &Limiter{
		perSec:  rps,
		burst:   float64(burst),
		buckets: cache.New(idle, idle),
	}
}

// Allow returns true if the connection is admitted, false if rate limited.
func (l *Limiter) Allow(key string, now time.Time) bool {
	if l == nil || key == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := &bucket{tokens: l.burst, last: now}
	if v, ok := l.buckets.Get(key); ok {
		b = v.(*bucket)
	}
	defer l.buckets.SetDefault(key, b)

	elapsed := now.Sub(b.last).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	b.tokens += elapsed * l.perSec
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}

	b.tokens -= 1
	return true
}

// Tracked returns the number of keys with a live bucket.
func (l *Limiter) Tracked() int {
	if l == nil {
		return 0
	}
	return l.buckets.ItemCount()
}

// ClientKey derives the admission key from a remote address.
func ClientKey(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
