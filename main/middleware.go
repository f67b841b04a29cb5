package main

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"tabula-backend/internal/keys"
)

const (
	requestIDKey      = "request_id"
	organizationIDKey = "organization_id"
	tenantKey         = "tenant"
)

// requestLogger assigns a request id and logs every request once it has been
// served.
func (app *App) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)

		c.Next()

		elapsed := time.Since(start)
		status := c.Writer.Status()
		app.Metrics.ObserveRequest(c.Request.Method, c.FullPath(), status, elapsed)

		fields := []zap.Field{
			zap.String("request_id", id),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", elapsed),
			zap.String("client_ip", c.ClientIP()),
		}
		switch {
		case status >= http.StatusInternalServerError:
			app.Logger.Error("request", fields...)
		case status >= http.StatusBadRequest:
			app.Logger.Warn("request", fields...)
		default:
			app.Logger.Info("request", fields...)
		}
	}
}

// adminMiddleware checks HTTP basic credentials against the configured
// superadmin. The optional X-Organization-ID header is recorded on new keys.
func (app *App) adminMiddleware() gin.HandlerFunc {
	username := []byte(app.Config.AdminUsername)
	hash := []byte(app.Config.AdminPasswordHash)

	return func(c *gin.Context) {
		if len(hash) == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Admin access is not configured"})
			return
		}

		user, password, ok := c.Request.BasicAuth()
		if !ok {
			c.Header("WWW-Authenticate", `Basic realm="tabula"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}
		userOK := subtle.ConstantTimeCompare([]byte(user), username) == 1
		passErr := bcrypt.CompareHashAndPassword(hash, []byte(password))
		if !userOK || passErr != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
			return
		}

		c.Set(organizationIDKey, strings.TrimSpace(c.GetHeader("X-Organization-ID")))
		c.Next()
	}
}

// apiKeyMiddleware resolves the x-api-key (or api-key) header to its tenant
// table and applies the per-key rate limit.
func (app *App) apiKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader("x-api-key"))
		if key == "" {
			key = strings.TrimSpace(c.GetHeader("api-key"))
		}
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "API key required"})
			return
		}

		if !app.Limiter.Allow(keys.Fingerprint(key)) {
			app.Metrics.RateLimited.Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}

		resolved, err := app.Resolver.Resolve(c.Request.Context(), key)
		if err != nil {
			app.respondError(c, err)
			return
		}
		c.Set(tenantKey, resolved)
		c.Next()
	}
}

// keyLimiter holds one token bucket per API key fingerprint. Buckets of
// idle keys fall out of the LRU.
type keyLimiter struct {
	limit rate.Limit
	burst int
	cache *lru.Cache
}

func newKeyLimiter(rps float64, burst, size int) (*keyLimiter, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &keyLimiter{limit: limit, burst: burst, cache: cache}, nil
}

// Allow reports whether a request for fingerprint may proceed.
func (l *keyLimiter) Allow(fingerprint string) bool {
	if v, ok := l.cache.Get(fingerprint); ok {
		return v.(*rate.Limiter).Allow()
	}
	limiter := rate.NewLimiter(l.limit, l.burst)
	if prev, ok, _ := l.cache.PeekOrAdd(fingerprint, limiter); ok {
		limiter = prev.(*rate.Limiter)
	}
	return limiter.Allow()
}
