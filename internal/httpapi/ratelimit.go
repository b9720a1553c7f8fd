package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdle  = 5 * time.Minute
	limiterSweep = time.Minute
)

type visitor struct {
	bucket *rate.Limiter
	seen   time.Time
}

// visitorLimiter keeps one token bucket per client IP. Idle buckets are
// swept at most once a minute from Allow.
type visitorLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	limit     rate.Limit
	burst     int
	lastSweep time.Time
}

func newVisitorLimiter(rps, burst int) *visitorLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &visitorLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

func (l *visitorLimiter) Allow(ip string, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= limiterSweep {
		for key, v := range l.visitors {
			if now.Sub(v.seen) > limiterIdle {
				delete(l.visitors, key)
			}
		}
		l.lastSweep = now
	}

	v := l.visitors[ip]
	if v == nil {
		v = &visitor{bucket: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.seen = now
	return v.bucket.AllowN(now, 1)
}

// clientIP prefers the first X-Forwarded-For hop since the daemon usually
// sits behind a tunnel or reverse proxy.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// rateExempt lists paths that are not driven by the extension: Telegram
// pushes webhooks from a handful of IPs and scrapers poll /metrics.
func rateExempt(path string) bool {
	return path == "/webhook" || path == "/metrics" || strings.HasPrefix(path, "/admin/")
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rateExempt(r.URL.Path) && !s.limiter.Allow(clientIP(r), time.Now()) {
			s.metrics.IncRateLimited()
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "Too many requests", RetryAfter: 1})
			return
		}
		next.ServeHTTP(w, r)
	})
}
