package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/gatedl/gatedl/internal/errors"
	"github.com/gatedl/gatedl/internal/logger"
)

const limiterIdleTTL = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPLimiter allows each client address a fixed number of requests per
// minute, with the full allowance available as a burst.
type IPLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	perMinute int
	lastSweep time.Time
	now       func() time.Time
}

func NewIPLimiter(perMinute int) *IPLimiter {
	if perMinute <= 0 {
		perMinute = 10
	}
	return &IPLimiter{
		visitors:  make(map[string]*visitor),
		perMinute: perMinute,
		now:       time.Now,
	}
}

// Allow consumes one request for ip and reports whether it fits the limit.
func (l *IPLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > limiterIdleTTL {
		for key, v := range l.visitors {
			if now.Sub(v.lastSeen) > limiterIdleTTL {
				delete(l.visitors, key)
			}
		}
		l.lastSweep = now
	}

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute),
		}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// Middleware rejects requests over the limit with 429
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	log := logger.Default().WithComponent("ratelimit")
	retryAfter := strconv.Itoa(int((time.Minute / time.Duration(l.perMinute)).Seconds()) + 1)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := logger.ClientIP(r)
		if !l.Allow(ip) {
			log.Warn(r.Context(), "rate limit exceeded", map[string]interface{}{
				"remote_ip": ip,
				"path":      r.URL.Path,
			})
			w.Header().Set("Retry-After", retryAfter)
			apperrors.WriteError(w, apperrors.GetRequestID(r.Context()), apperrors.RateLimited())
			return
		}
		next.ServeHTTP(w, r)
	})
}
