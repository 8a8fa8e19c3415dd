package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/zhouzirui/medivoice/backend/internal/metrics"
	"github.com/zhouzirui/medivoice/backend/pkg/utils"
)

const sweepThreshold = 4096

// FixedWindowLimiter 按 key 计数，窗口从该 key 的第一个请求开始计时。
type FixedWindowLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	start time.Time
	count int
}

// NewFixedWindowLimiter allows limit requests per key in each window.
func NewFixedWindowLimiter(limit int, every time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		limit:   limit,
		window:  every,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow records one request for key and reports whether it is within the
// limit, plus how long until the key's window resets.
func (l *FixedWindowLimiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if len(l.windows) > sweepThreshold {
		l.sweep(now)
	}

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.window {
		w = &window{start: now}
		l.windows[key] = w
	}

	retryAfter := w.start.Add(l.window).Sub(now)
	if w.count >= l.limit {
		return false, retryAfter
	}
	w.count++
	return true, retryAfter
}

func (l *FixedWindowLimiter) sweep(now time.Time) {
	for key, w := range l.windows {
		if now.Sub(w.start) >= l.window {
			delete(l.windows, key)
		}
	}
}

// RateLimit rejects callers over the per-IP limit with 429.
func RateLimit(limiter *FixedWindowLimiter, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, retryAfter := limiter.Allow(clientIP(r))
			if !allowed {
				m.RateLimitRejected()
				seconds := int(retryAfter.Round(time.Second) / time.Second)
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				utils.RespondError(w, http.StatusTooManyRequests, "Too many requests, please try again later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP 只看 RemoteAddr；部署在可信代理后时由 chi 的 RealIP 中间件先行改写。
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
