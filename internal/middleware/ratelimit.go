package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// KeyFunc picks the bucket a request is charged to. An empty key skips
// limiting for that request.
type KeyFunc func(c *gin.Context) string

// ClientIP charges each client address.
func ClientIP(c *gin.Context) string { return c.ClientIP() }

// ClientRoute charges each client address separately per route, so a busy
// endpoint does not drain the budget of another.
func ClientRoute(c *gin.Context) string {
	return c.ClientIP() + " " + c.Request.Method + " " + c.FullPath()
}

const (
	limiterSweep = 5 * time.Minute
	limiterIdle  = 10 * time.Minute
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter is a set of token buckets keyed by KeyFunc.
type Limiter struct {
	limit rate.Limit
	burst int
	key   KeyFunc

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewLimiter creates a Limiter allowing rps requests per second per key with
// the given burst. Idle buckets are dropped until ctx is done.
func NewLimiter(ctx context.Context, rps float64, burst int, key KeyFunc) *Limiter {
	if key == nil {
		key = ClientIP
	}
	l := &Limiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		key:     key,
		buckets: make(map[string]*bucket),
	}
	go l.sweep(ctx)
	return l
}

func (l *Limiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(limiterSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.mu.Lock()
			for k, b := range l.buckets {
				if now.Sub(b.lastSeen) > limiterIdle {
					delete(l.buckets, k)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Allow reports whether a request charged to key may proceed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()
	return b.limiter.Allow()
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Middleware rejects requests over budget with 429 and a Retry-After hint.
func (l *Limiter) Middleware() gin.HandlerFunc {
	retryAfter := "1"
	if l.limit > 0 && l.limit < 1 {
		retryAfter = strconv.Itoa(int(math.Ceil(1 / float64(l.limit))))
	}
	return func(c *gin.Context) {
		key := l.key(c)
		if key == "" || l.Allow(key) {
			c.Next()
			return
		}
		c.Header("Retry-After", retryAfter)
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "rate limit exceeded",
		})
	}
}

// RateLimiter is per-client-IP limiting over every route.
func RateLimiter(ctx context.Context, rps, burst int) gin.HandlerFunc {
	return NewLimiter(ctx, float64(rps), burst, ClientIP).Middleware()
}
