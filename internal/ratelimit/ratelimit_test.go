package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/auth"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := New(cfg)
	l.now = clock.now
	t.Cleanup(l.Stop)
	return l, clock
}

func TestTake_BurstThenRefill(t *testing.T) {
	l, clock := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 5})

	for i := 0; i < 5; i++ {
		d := l.Take("k", 60)
		require.True(t, d.Allowed, "request %d within burst", i)
		assert.Equal(t, 4-i, d.Remaining)
	}

	d := l.Take("k", 60)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	clock.advance(500 * time.Millisecond)
	d = l.Take("k", 60)
	assert.False(t, d.Allowed)
	assert.Equal(t, 500*time.Millisecond, d.RetryAfter)

	clock.advance(500 * time.Millisecond)
	assert.True(t, l.Take("k", 60).Allowed)
}

func TestTake_RefillCappedAtBurst(t *testing.T) {
	l, clock := newTestLimiter(t, Config{RequestsPerMinute: 600, BurstSize: 2})

	l.Take("k", 600)
	clock.advance(time.Hour)

	assert.True(t, l.Take("k", 600).Allowed)
	assert.True(t, l.Take("k", 600).Allowed)
	assert.False(t, l.Take("k", 600).Allowed)
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		l.Allow("client-a")
	}
	assert.False(t, l.Allow("client-a"))
	assert.True(t, l.Allow("client-b"))
}

func TestEvictIdle(t *testing.T) {
	l, clock := newTestLimiter(t, Config{BurstSize: 1, IdleTTL: time.Minute})

	l.Allow("old")
	clock.advance(2 * time.Minute)
	l.Allow("fresh")
	require.Equal(t, 2, l.Len())

	l.evictIdle()
	assert.Equal(t, 1, l.Len())

	// An evicted key starts over with a full bucket.
	assert.True(t, l.Allow("old"))
}

func TestNew_FillsDefaults(t *testing.T) {
	l := New(Config{RequestsPerMinute: 30})
	defer l.Stop()

	assert.Equal(t, 30, l.cfg.CallerRequestsPerMinute)
	assert.Equal(t, 20, l.cfg.BurstSize)
	assert.Equal(t, 2*time.Minute, l.cfg.IdleTTL)
	assert.Equal(t, time.Minute, l.cfg.CleanupInterval)
}

func serve(r *gin.Engine, caller string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if caller != "" {
		req.Header.Set("X-Test-Caller", caller)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_LimitsByIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(t, Config{RequestsPerMinute: 1, BurstSize: 1})

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := serve(r, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = serve(r, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")
}

func TestCallerMiddleware_LimitsByVerifiedSigner(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(t, Config{RequestsPerMinute: 60, CallerRequestsPerMinute: 1, BurstSize: 1})

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if addr := c.GetHeader("X-Test-Caller"); addr != "" {
			c.Set(auth.ContextKeyCaller, common.HexToAddress(addr))
		}
		c.Next()
	})
	r.Use(l.CallerMiddleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	alice := "0x00000000000000000000000000000000000000A1"
	bob := "0x00000000000000000000000000000000000000b2"

	assert.Equal(t, http.StatusOK, serve(r, alice).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(r, alice).Code)
	assert.Equal(t, http.StatusOK, serve(r, bob).Code)

	// Unsigned requests are left to the IP layer.
	assert.Equal(t, http.StatusOK, serve(r, "").Code)
	assert.Equal(t, http.StatusOK, serve(r, "").Code)
}
