package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Per-IP rate limiters.
var (
	ipLimiters = make(map[string]*rate.Limiter)
	limiterMu  sync.RWMutex
)

func getIPLimiter(ip string) *rate.Limiter {
	limiterMu.RLock()
	limiter, exists := ipLimiters[ip]
	limiterMu.RUnlock()
	if exists {
		return limiter
	}

	limiterMu.Lock()
	defer limiterMu.Unlock()
	if limiter, exists := ipLimiters[ip]; exists {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Limit(20), 50)
	ipLimiters[ip] = limiter
	return limiter
}

// Reset the limiter map periodically so one-off clients don't
// accumulate forever.
func init() {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			limiterMu.Lock()
			ipLimiters = make(map[string]*rate.Limiter)
			limiterMu.Unlock()
		}
	}()
}

// RequestIDMiddleware adds a unique request ID for tracking.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("RequestID", requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

// RateLimitMiddleware applies per-IP request limits.
func RateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !getIPLimiter(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":  "RATE_LIMITED",
				"error": "too many requests",
			})
			return
		}
		c.Next()
	}
}

// RequestLogger logs requests with timing and status.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		logger.Info("http request",
			zap.String("request_id", c.GetString("RequestID")),
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
