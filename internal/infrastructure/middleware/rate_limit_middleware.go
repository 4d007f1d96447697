package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"liveclass/pkg/cache"
	"liveclass/pkg/config"
	"liveclass/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterIdleTTL bounds how long a client's limiter survives without requests.
const limiterIdleTTL = 10 * time.Minute

// rateLimiterStore stores per-key (for example, per IP) rate limiters.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  *cache.Cache[*rate.Limiter]
	rate      rate.Limit
	burstSize int
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  cache.New[*rate.Limiter](limiterIdleTTL),
		rate:      r,
		burstSize: burst,
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, exists := s.limiters.Get(key)
	if !exists {
		limiter = rate.NewLimiter(s.rate, s.burstSize)
	}
	// refresh the idle deadline on every hit
	s.limiters.Set(key, limiter)
	return limiter
}

// clientIP extracts the caller address, preferring the first X-Forwarded-For hop.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// httpRateLimiter combines a per-client token bucket with an optional cap on
// requests in flight across all clients.
type httpRateLimiter struct {
	clients  *rateLimiterStore
	inflight chan struct{}
}

func (l *httpRateLimiter) handle(c *gin.Context) {
	if l.inflight != nil {
		select {
		case l.inflight <- struct{}{}:
			defer func() { <-l.inflight }()
		default:
			abortWithError(c, errors.NewServiceUnavailableError("too many concurrent requests"))
			return
		}
	}

	if !l.clients.getLimiter(clientIP(c.Request)).Allow() {
		c.Header("Retry-After", "1")
		abortWithError(c, errors.NewRateLimitError())
		return
	}
	c.Next()
}

// NewHTTPRateLimitMiddleware limits requests per client IP using the
// rate_limiting.http settings. It is a pass-through when rate limiting is off.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	httpCfg := cfg.RateLimiting.HTTP
	limiter := &httpRateLimiter{
		clients: newRateLimiterStore(rate.Limit(httpCfg.RequestsPerSecond), httpCfg.Burst),
	}
	if httpCfg.MaxConcurrent > 0 {
		limiter.inflight = make(chan struct{}, httpCfg.MaxConcurrent)
	}
	return limiter.handle
}
