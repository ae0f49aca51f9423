package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/schemewise/governance/internal/metrics"
	"github.com/schemewise/governance/internal/util"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// HeaderSessionID carries the cache session a request belongs to.
	HeaderSessionID = "X-Session-ID"
	// ContextSessionID is the gin context key holding the resolved session id.
	ContextSessionID = "sessionID"

	maxSessionIDLength = 128
)

// RequestLogger logs one line per request with secrets masked out of the query.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status/100)+"xx").Inc()

		entry := log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  status,
			"latency": time.Since(start).String(),
			"ip":      c.ClientIP(),
		})
		if q := c.Request.URL.RawQuery; q != "" {
			entry = entry.WithField("query", util.MaskSensitiveQuery(q))
		}
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("request failed")
		case status >= http.StatusBadRequest:
			entry.Warn("request rejected")
		default:
			entry.Debug("request served")
		}
	}
}

// SessionMiddleware resolves the cache session from X-Session-ID, minting one when absent,
// and echoes it on the response.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := strings.TrimSpace(c.GetHeader(HeaderSessionID))
		if len(session) > maxSessionIDLength {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "session id too long", "kind": "invalid-input"})
			return
		}
		if session == "" {
			session = uuid.NewString()
		}
		c.Set(ContextSessionID, session)
		c.Header(HeaderSessionID, session)
		c.Next()
	}
}

type visitor struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

// IPRateLimiter applies a token bucket per client IP.
type IPRateLimiter struct {
	visitors *haxmap.Map[string, *visitor]
	limit    rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

// NewIPRateLimiter allows perMinute requests per IP with a burst of the same size.
// perMinute <= 0 disables limiting.
func NewIPRateLimiter(perMinute int) *IPRateLimiter {
	return &IPRateLimiter{
		visitors: haxmap.New[string, *visitor](),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
		idle:     10 * time.Minute,
		now:      time.Now,
	}
}

// Allow reports whether ip may make a request now.
func (l *IPRateLimiter) Allow(ip string) bool {
	if l == nil || l.burst <= 0 {
		return true
	}
	v, _ := l.visitors.GetOrSet(ip, &visitor{limiter: rate.NewLimiter(l.limit, l.burst)})
	now := l.now()
	v.mu.Lock()
	v.lastSeen = now
	v.mu.Unlock()
	return v.limiter.AllowN(now, 1)
}

// Sweep forgets visitors idle for longer than the idle window.
func (l *IPRateLimiter) Sweep() int {
	if l == nil {
		return 0
	}
	cutoff := l.now().Add(-l.idle)
	var stale []string
	l.visitors.ForEach(func(ip string, v *visitor) bool {
		v.mu.Lock()
		if v.lastSeen.Before(cutoff) {
			stale = append(stale, ip)
		}
		v.mu.Unlock()
		return true
	})
	if len(stale) > 0 {
		l.visitors.Del(stale...)
	}
	return len(stale)
}

// StartJanitor sweeps idle visitors every interval until ctx is done.
func (l *IPRateLimiter) StartJanitor(ctx context.Context, interval time.Duration) {
	if l == nil || l.burst <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}

// Middleware refuses requests over the per-IP budget with 429.
func (l *IPRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			metrics.PublicThrottled.Inc()
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests", "kind": "rate-limited"})
			return
		}
		c.Next()
	}
}
