package auth

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/farpath/farpath-agent/internal/config"
	"github.com/farpath/farpath-agent/internal/metrics"
)

// idleEvict is how long a client bucket may sit untouched before the
// limiter forgets it.
const idleEvict = 10 * time.Minute

// bucket refills continuously from the moment of its last take.
type bucket struct {
	tokens  float64
	touched time.Time
}

func (b *bucket) take(now time.Time, rps, burst float64) bool {
	if elapsed := now.Sub(b.touched).Seconds(); elapsed > 0 {
		b.tokens += elapsed * rps
		if b.tokens > burst {
			b.tokens = burst
		}
	}
	b.touched = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RateLimiter throttles the API with a process-wide bucket plus one
// bucket per client address.
type RateLimiter struct {
	cfg     config.RateLimitConfig
	metrics *metrics.Registry

	mu        sync.Mutex
	global    bucket
	perClient map[string]*bucket
	lastEvict time.Time
}

func NewRateLimiter(cfg config.RateLimitConfig, reg *metrics.Registry) *RateLimiter {
	now := time.Now().UTC()
	return &RateLimiter{
		cfg:       cfg,
		metrics:   reg,
		global:    bucket{tokens: float64(cfg.GlobalBurst), touched: now},
		perClient: map[string]*bucket{},
		lastEvict: now,
	}
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if !rl.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientAddr(r.RemoteAddr)) {
			rl.metrics.IncRateLimited()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"code":"throttled","message":"Rate limit exceeded.","details":null}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(addr string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now().UTC()
	if now.Sub(rl.lastEvict) > idleEvict {
		rl.evictLocked(now)
	}
	if !rl.global.take(now, rl.cfg.GlobalRPS, float64(rl.cfg.GlobalBurst)) {
		return false
	}
	b, ok := rl.perClient[addr]
	if !ok {
		b = &bucket{tokens: float64(rl.cfg.PerIPBurst), touched: now}
		rl.perClient[addr] = b
	}
	return b.take(now, rl.cfg.PerIPRPS, float64(rl.cfg.PerIPBurst))
}

func (rl *RateLimiter) evictLocked(now time.Time) {
	for addr, b := range rl.perClient {
		if now.Sub(b.touched) > idleEvict {
			delete(rl.perClient, addr)
		}
	}
	rl.lastEvict = now
}

// clientAddr strips the port; the per-client key is the bare host.
func clientAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || host == "" {
		return remoteAddr
	}
	return host
}
