package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RateLimiterConfig holds configuration for rate limiting
type RateLimiterConfig struct {
	RequestsPerMinute int           // Max API requests per client per minute
	BatchesPerHour    int           // Max batch submissions per client per hour
	BurstSize         int           // Allow burst of N requests
	CleanupInterval   time.Duration // How often to clean up old entries
}

// LimitType selects which bucket a route draws from.
type LimitType string

const (
	LimitRequest LimitType = "request"
	LimitBatch   LimitType = "batch"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a new token bucket
func NewTokenBucket(maxTokens float64, refillRate float64) *TokenBucket {
	return newTokenBucket(maxTokens, refillRate, time.Now)
}

func newTokenBucket(maxTokens, refillRate float64, now func() time.Time) *TokenBucket {
	t := now()
	return &TokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: t,
		lastUsed:   t,
		now:        now,
	}
}

// Allow checks if a request can proceed and consumes a token if so
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	tb.lastUsed = tb.lastRefill
	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

// Remaining returns the number of tokens remaining
func (tb *TokenBucket) Remaining() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return int(tb.tokens)
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens = min(tb.maxTokens, tb.tokens+(elapsed*tb.refillRate))
	tb.lastRefill = now
}

func (tb *TokenBucket) idleSince(t time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed.Before(t)
}

// ClientRateLimiter manages rate limits per client address
type ClientRateLimiter struct {
	config        RateLimiterConfig
	requestLimits map[string]*TokenBucket
	batchLimits   map[string]*TokenBucket
	mu            sync.Mutex
	logger        *zap.Logger
	now           func() time.Time
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

// NewClientRateLimiter creates a limiter and starts its cleanup routine.
// Call Stop to end it.
func NewClientRateLimiter(config RateLimiterConfig, logger *zap.Logger) *ClientRateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 10 * time.Minute
	}
	if config.BurstSize <= 0 {
		config.BurstSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := &ClientRateLimiter{
		config:        config,
		requestLimits: make(map[string]*TokenBucket),
		batchLimits:   make(map[string]*TokenBucket),
		logger:        logger,
		now:           time.Now,
		stopCleanup:   make(chan struct{}),
	}

	go limiter.cleanupRoutine()
	return limiter
}

func (l *ClientRateLimiter) cleanupRoutine() {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

// cleanup drops buckets idle for longer than one cleanup interval.
func (l *ClientRateLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.config.CleanupInterval)
	removed := 0
	for _, buckets := range []map[string]*TokenBucket{l.requestLimits, l.batchLimits} {
		for key, b := range buckets {
			if b.idleSince(cutoff) {
				delete(buckets, key)
				removed++
			}
		}
	}
	if removed > 0 {
		l.logger.Debug("Cleaned up idle rate limiters", zap.Int("removed", removed))
	}
}

// Stop stops the cleanup routine
func (l *ClientRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}

func (l *ClientRateLimiter) bucket(kind LimitType, client string) (*TokenBucket, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	buckets, capacity, refill := l.requestLimits, l.config.BurstSize, float64(l.config.RequestsPerMinute)/60.0
	if kind == LimitBatch {
		buckets, capacity, refill = l.batchLimits, l.config.BatchesPerHour, float64(l.config.BatchesPerHour)/3600.0
	}
	b, ok := buckets[client]
	if !ok {
		b = newTokenBucket(float64(capacity), refill, l.now)
		buckets[client] = b
	}
	return b, capacity
}

// Allow consumes a token of kind for client and reports the remaining budget.
func (l *ClientRateLimiter) Allow(kind LimitType, client string) (allowed bool, remaining, limit int) {
	b, limit := l.bucket(kind, client)
	allowed = b.Allow()
	return allowed, b.Remaining(), limit
}

// RateLimitMiddleware creates a Gin middleware for rate limiting by client IP
func RateLimitMiddleware(limiter *ClientRateLimiter, kind LimitType) gin.HandlerFunc {
	return func(c *gin.Context) {
		client := c.ClientIP()
		allowed, remaining, limit := limiter.Allow(kind, client)

		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			retryAfter := 60
			if kind == LimitBatch {
				retryAfter = 3600 / max(limiter.config.BatchesPerHour, 1)
			}
			limiter.logger.Warn("Rate limit exceeded",
				zap.String("client", client),
				zap.String("limit_type", string(kind)),
				zap.Int("limit", limit))

			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"limit":       limit,
				"remaining":   remaining,
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}
