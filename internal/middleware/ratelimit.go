package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	apperrors "github.com/orderfeed/ingest/pkg/errors"
	"github.com/orderfeed/ingest/pkg/response"
)

// RateLimiter 固定窗口限流器，按 key 计数
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   int
	window  time.Duration
}

type bucket struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter 创建限流器并启动过期桶清理
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   limit,
		window:  window,
	}
	go rl.cleanup()
	return rl
}

// Allow 检查是否允许请求
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, exists := rl.buckets[key]

	if !exists || now.After(b.resetAt) {
		rl.buckets[key] = &bucket{
			count:   1,
			resetAt: now.Add(rl.window),
		}
		return true
	}

	if b.count >= rl.limit {
		return false
	}

	b.count++
	return true
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	for range ticker.C {
		rl.cleanupOnce(time.Now())
	}
}

func (rl *RateLimiter) cleanupOnce(now time.Time) {
	rl.mu.Lock()
	for key, b := range rl.buckets {
		if now.After(b.resetAt) {
			delete(rl.buckets, key)
		}
	}
	rl.mu.Unlock()
}

// RateLimit 限流中间件
func RateLimit(rl *RateLimiter, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	if keyFunc == nil {
		keyFunc = IPKeyFunc
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(keyFunc(r)) {
				w.Header().Set("Retry-After", "1")
				response.WriteErrorCode(w, r, apperrors.CodeRateLimited, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IPKeyFunc 使用客户端 IP 作为限流 key。
// 只有直连对端是本机或内网地址时才信任 X-Forwarded-For，
// 防止直连客户端伪造 XFF 撑爆限流表。
func IPKeyFunc(r *http.Request) string {
	remoteIP := remoteIPFromAddr(r.RemoteAddr)

	if remoteIP != "" && isLikelyTrustedProxyIP(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			if idx := strings.IndexByte(xff, ','); idx >= 0 {
				if ip := strings.TrimSpace(xff[:idx]); ip != "" {
					return ip
				}
			}
			return xff
		}
	}

	if remoteIP != "" {
		return remoteIP
	}
	return r.RemoteAddr
}

func remoteIPFromAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(remoteAddr)
}

func isLikelyTrustedProxyIP(ipStr string) bool {
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}
