package web

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client address.
type RateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	limit     rate.Limit
	burst     int
	lastSweep time.Time
	trusted   []netip.Prefix
}

var rateLimitNow = time.Now

func NewRateLimiter(ratePerSecond float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		clients:   make(map[string]*clientLimiter),
		limit:     rate.Limit(ratePerSecond),
		burst:     burst,
		lastSweep: rateLimitNow(),
	}
}

// TrustProxies sets the proxies whose X-Forwarded-For is believed. Entries
// are CIDRs or bare addresses. With none set the header is ignored.
func (rl *RateLimiter) TrustProxies(entries []string) error {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			addr, err := netip.ParseAddr(entry)
			if err != nil {
				return fmt.Errorf("trusted proxy %q: %w", entry, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	rl.mu.Lock()
	rl.trusted = prefixes
	rl.mu.Unlock()
	return nil
}

func (rl *RateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rateLimitNow()
	if now.Sub(rl.lastSweep) > 5*time.Minute {
		cutoff := now.Add(-10 * time.Minute)
		for k, v := range rl.clients {
			if v.lastSeen.Before(cutoff) {
				delete(rl.clients, k)
			}
		}
		rl.lastSweep = now
	}

	entry, ok := rl.clients[client]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[client] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(limiter.clientIP(r)) {
				writeError(w, http.StatusTooManyRequests, "rate-limited")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP is the peer address, unless the peer is a trusted proxy. Then it
// is the right-most X-Forwarded-For entry that is not itself trusted.
func (rl *RateLimiter) clientIP(r *http.Request) string {
	host := remoteHost(r)
	if !rl.isTrusted(host) {
		return host
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !rl.isTrusted(hop) {
			return hop
		}
	}
	return host
}

func (rl *RateLimiter) isTrusted(host string) bool {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for _, p := range rl.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
