package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/seanzhang9999/anp-open-sdk-go/internal/domain"
)

// Context keys set by HostValidation for downstream handlers.
const (
	ctxHostKey = "anp_host"
	ctxPortKey = "anp_port"
)

// HostValidation resolves the inbound Host header against the domain
// manager and rejects hosts this instance does not serve with 403.
func HostValidation(domains *domain.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		host, port := domains.ResolveHostHeader(c.Request.Host)
		if err := domains.Validate(host, port); err != nil {
			var access *domain.AccessError
			if errors.As(err, &access) {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error": access.Error(),
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		c.Set(ctxHostKey, host)
		c.Set(ctxPortKey, port)
		c.Next()
	}
}

// requestHost returns the validated (host, port) placed by HostValidation,
// falling back to the defaults when the middleware did not run.
func requestHost(c *gin.Context) (string, int) {
	host := c.GetString(ctxHostKey)
	if host == "" {
		return domain.DefaultHost, domain.DefaultPort
	}
	return host, c.GetInt(ctxPortKey)
}

// SecurityHeaders sets the standard hardening headers on every response.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

// BodyLimit caps the request body at n bytes.
func BodyLimit(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		c.Next()
	}
}

// RequestLogger logs each request with method, path, status and latency.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces per-IP token-bucket rate limiting. rps is the
// steady-state requests per second; burst the maximum burst size. Stale
// entries are cleaned every 5 minutes.
func RateLimiter(rps, burst int) gin.HandlerFunc {
	var mu sync.Mutex
	limiters := make(map[string]*ipLimiter)

	go func() {
		for {
			time.Sleep(5 * time.Minute)
			mu.Lock()
			for ip, l := range limiters {
				if time.Since(l.lastSeen) > 10*time.Minute {
					delete(limiters, ip)
				}
			}
			mu.Unlock()
		}
	}()

	return func(c *gin.Context) {
		ip := c.ClientIP()

		mu.Lock()
		l, ok := limiters[ip]
		if !ok {
			l = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
			limiters[ip] = l
		}
		l.lastSeen = time.Now()
		mu.Unlock()

		if !l.limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
