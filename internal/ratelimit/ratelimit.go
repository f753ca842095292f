// Package ratelimit throttles API clients with per-key token buckets.
//
// Two layers are mounted on the router. The network layer runs before
// signature verification and keys on client IP, so unverified traffic cannot
// burn a particular signer's budget. The caller layer runs after verification
// and keys on the recovered signer address.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/metrics"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the refill rate of each IP bucket.
	RequestsPerMinute int
	// CallerRequestsPerMinute is the refill rate of each signer bucket.
	// Zero means RequestsPerMinute.
	CallerRequestsPerMinute int
	// BurstSize is the bucket capacity.
	BurstSize int
	// IdleTTL evicts buckets that have not been touched for this long.
	IdleTTL         time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		IdleTTL:           2 * time.Minute,
		CleanupInterval:   time.Minute,
	}
}

// Decision is the outcome of taking one token.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// Limiter holds one bucket per key.
type Limiter struct {
	cfg      Config
	now      func() time.Time
	mu       sync.Mutex
	buckets  map[string]*bucket
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a limiter and starts its eviction loop. Call Stop to end it.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.CallerRequestsPerMinute <= 0 {
		cfg.CallerRequestsPerMinute = cfg.RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = def.BurstSize
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}

	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.evictLoop()
	return l
}

func (l *Limiter) evictLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evictIdle() {
	cutoff := l.now().Add(-l.cfg.IdleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Stop ends the eviction loop. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Len reports how many buckets are live.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Allow takes a token from key's bucket at the network refill rate.
func (l *Limiter) Allow(key string) bool {
	return l.Take(key, l.cfg.RequestsPerMinute).Allowed
}

// Take refills key's bucket at perMinute tokens per minute and tries to
// spend one token.
func (l *Limiter) Take(key string, perMinute int) Decision {
	now := l.now()
	rate := float64(perMinute) / 60.0
	capacity := float64(l.cfg.BurstSize)

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: capacity, seen: now}
		l.buckets[key] = b
	} else {
		b.tokens = math.Min(capacity, b.tokens+now.Sub(b.seen).Seconds()*rate)
		b.seen = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true, Remaining: int(b.tokens)}
	}

	wait := time.Duration((1 - b.tokens) / rate * float64(time.Second))
	return Decision{RetryAfter: wait}
}

// Middleware limits every request by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		l.enforce(c, "ip", c.ClientIP(), l.cfg.RequestsPerMinute)
	}
}

// CallerMiddleware limits signed requests by their verified signer. It must
// run after auth.Middleware; unsigned requests pass through.
func (l *Limiter) CallerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := auth.Caller(c)
		if !ok {
			c.Next()
			return
		}
		l.enforce(c, "caller", strings.ToLower(caller.Hex()), l.cfg.CallerRequestsPerMinute)
	}
}

func (l *Limiter) enforce(c *gin.Context, layer, id string, perMinute int) {
	d := l.Take(layer+":"+id, perMinute)
	if !d.Allowed {
		metrics.RateLimitedTotal.WithLabelValues(layer).Inc()
		secs := int(math.Ceil(d.RetryAfter.Seconds()))
		c.Header("Retry-After", strconv.Itoa(max(secs, 1)))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":   "rate_limit_exceeded",
			"message": "Too many requests. Please slow down.",
		})
		return
	}
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	c.Next()
}
