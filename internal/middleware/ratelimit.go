package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"telecare-backend/internal/database"
	"telecare-backend/pkg/logger"
)

// RateLimiter implements fixed-window rate limiting backed by Redis, with
// an in-memory fallback when Redis is degraded. Authenticated requests are
// limited per identity, anonymous ones per client IP.
type RateLimiter struct {
	client   *database.RedisClient
	requests int
	window   time.Duration

	mu     sync.Mutex
	limits map[string]*windowCount
}

type windowCount struct {
	count       int
	windowStart int64
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(client *database.RedisClient, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client:   client,
		requests: requests,
		window:   window,
		limits:   make(map[string]*windowCount),
	}
}

// Middleware returns a Gin middleware enforcing the limit
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := fmt.Sprintf("ip:%s", c.ClientIP())
		if identityID, exists := c.Get("identity_id"); exists {
			identifier = fmt.Sprintf("identity:%v", identityID)
		}

		var (
			allowed   bool
			remaining int
			resetTime int64
			err       error
		)

		if rl.client == nil || rl.client.IsDegraded() {
			allowed, remaining, resetTime = rl.checkInMemory(identifier)
		} else {
			allowed, remaining, resetTime, err = rl.checkRedis(c.Request.Context(), identifier)
			if err != nil {
				// Fail-open: a broken limiter must not take the service down
				logger.Warn("rate limit check failed, allowing request",
					zap.Error(err),
					zap.String("identifier", identifier))
				c.Next()
				return
			}
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetTime, 10))

		if !allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":    "Rate limit exceeded",
				"limit":    rl.requests,
				"reset_at": resetTime,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) checkRedis(ctx context.Context, identifier string) (bool, int, int64, error) {
	key := fmt.Sprintf("ratelimit:%s", identifier)

	pipe := rl.client.Client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, rl.window)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return false, 0, 0, fmt.Errorf("failed to update rate limit: %w", err)
	}

	count := int(incr.Val())
	remaining := rl.requests - count
	if remaining < 0 {
		remaining = 0
	}
	resetTime := time.Now().Add(rl.window).Unix()

	return count <= rl.requests, remaining, resetTime, nil
}

func (rl *RateLimiter) checkInMemory(identifier string) (bool, int, int64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now().Unix()
	windowSecs := int64(rl.window.Seconds())

	wc, exists := rl.limits[identifier]
	if !exists || now-wc.windowStart >= windowSecs {
		rl.limits[identifier] = &windowCount{count: 1, windowStart: now}
		return true, rl.requests - 1, now + windowSecs
	}

	wc.count++
	remaining := rl.requests - wc.count
	if remaining < 0 {
		remaining = 0
	}

	return wc.count <= rl.requests, remaining, wc.windowStart + windowSecs
}
