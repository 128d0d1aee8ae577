package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jobvault/jobvault/pkg/config"
	"github.com/jobvault/jobvault/pkg/observability/logger"
)

const requestIDKey = "request_id"

// requestIDMiddleware assigns every request an id, echoing the caller's
// X-Request-Id when present, and threads it into the request context for
// log correlation.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-Id", id)
		c.Request = c.Request.WithContext(
			logger.ContextWithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// requestLoggerMiddleware logs one line per request with latency and status.
func requestLoggerMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"request_id", c.GetString(requestIDKey),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Error("request failed", fields...)
			return
		}
		log.Info("request handled", fields...)
	}
}

// clientLimiters keeps one token bucket per client IP. Idle buckets are
// dropped after clientLimiterTTL so the map does not grow unbounded.
type clientLimiters struct {
	mu     sync.Mutex
	limits map[string]*clientLimiter
	rps    rate.Limit
	burst  int
	lastGC time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const clientLimiterTTL = 10 * time.Minute

func newClientLimiters(rps float64, burst int) *clientLimiters {
	return &clientLimiters{
		limits: make(map[string]*clientLimiter),
		rps:    rate.Limit(rps),
		burst:  burst,
		lastGC: time.Now(),
	}
}

func (l *clientLimiters) allow(clientIP string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastGC) > clientLimiterTTL {
		for ip, entry := range l.limits {
			if now.Sub(entry.lastSeen) > clientLimiterTTL {
				delete(l.limits, ip)
			}
		}
		l.lastGC = now
	}

	entry, ok := l.limits[clientIP]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limits[clientIP] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

// rateLimitMiddleware throttles each client IP with a token bucket. This
// guards the transport; the queue applies its own admission limits.
func rateLimitMiddleware(cfg config.HTTPRateLimit) gin.HandlerFunc {
	limiters := newClientLimiters(cfg.RequestsPerSecond, cfg.Burst)
	return func(c *gin.Context) {
		if !limiters.allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error:     "rate_limited",
				Message:   "too many requests",
				RequestID: c.GetString(requestIDKey),
			})
			return
		}
		c.Next()
	}
}
