package server

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig bounds HTTP API traffic. Zero rates disable a limit.
type RateLimitConfig struct {
	GlobalRPS   float64 `yaml:"globalRps"`
	GlobalBurst int     `yaml:"globalBurst"`
	PerIPRPS    float64 `yaml:"perIpRps"`
	PerIPBurst  int     `yaml:"perIpBurst"`
	// TrustForwardedHeaders keys per-IP buckets on X-Forwarded-For when the
	// relay sits behind a proxy.
	TrustForwardedHeaders bool `yaml:"trustForwardedHeaders"`
}

type rateLimiter struct {
	global  *rate.Limiter
	perIP   float64
	burst   int
	trustFw bool
	idleTTL time.Duration

	mu      sync.Mutex
	clients map[string]*ipLimiter
	now     func() time.Time
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	if cfg.GlobalRPS <= 0 && cfg.PerIPRPS <= 0 {
		return nil
	}
	rl := &rateLimiter{
		perIP:   cfg.PerIPRPS,
		burst:   burstFor(cfg.PerIPRPS, cfg.PerIPBurst),
		trustFw: cfg.TrustForwardedHeaders,
		idleTTL: 5 * time.Minute,
		clients: make(map[string]*ipLimiter),
		now:     time.Now,
	}
	if cfg.GlobalRPS > 0 {
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burstFor(cfg.GlobalRPS, cfg.GlobalBurst))
	}
	return rl
}

func burstFor(rate float64, burst int) int {
	if burst > 0 {
		return burst
	}
	return int(math.Max(1, math.Ceil(rate)))
}

// Allow reports whether a request from key may proceed, and when not, how
// long the caller should wait.
func (r *rateLimiter) Allow(key string) (bool, time.Duration) {
	if r == nil {
		return true, 0
	}
	now := r.now()
	var global *rate.Reservation
	if r.global != nil {
		global = r.global.ReserveN(now, 1)
		if wait := global.DelayFrom(now); wait > 0 {
			global.CancelAt(now)
			return false, wait
		}
	}
	if r.perIP <= 0 {
		return true, 0
	}
	if key == "" {
		key = "unknown"
	}
	r.mu.Lock()
	client, exists := r.clients[key]
	if !exists {
		client = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(r.perIP), r.burst)}
		r.clients[key] = client
	}
	client.lastSeen = now
	r.cleanupLocked(now)
	r.mu.Unlock()

	res := client.limiter.ReserveN(now, 1)
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		if global != nil {
			global.CancelAt(now)
		}
		return false, wait
	}
	return true, 0
}

func (r *rateLimiter) cleanupLocked(now time.Time) {
	cutoff := now.Add(-r.idleTTL)
	for key, client := range r.clients {
		if client.lastSeen.Before(cutoff) {
			delete(r.clients, key)
		}
	}
}

func (r *rateLimiter) clientKey(req *http.Request) string {
	if r.trustFw {
		if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xrip := strings.TrimSpace(req.Header.Get("X-Real-IP")); xrip != "" {
			return xrip
		}
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rl == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rl.clientKey(r)
			allowed, wait := rl.Allow(key)
			if !allowed {
				if logger != nil {
					requestLogger(r, logger).Debug("request rate limited", "remote_ip", key)
				}
				if wait > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				}
				writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
