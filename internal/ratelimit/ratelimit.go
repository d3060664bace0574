// Package ratelimit throttles the processing routes per client address, so
// one caller cannot keep every executable slot busy.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gaissmai/bart"
	"golang.org/x/time/rate"
)

// Limiter keeps one token bucket per client address. Buckets idle for longer
// than staleAfter are dropped by a background loop.
type Limiter struct {
	mu              sync.Mutex
	clients         map[string]*clientEntry
	rate            rate.Limit
	burst           int
	cleanupInterval time.Duration
	staleAfter      time.Duration
	done            chan struct{}
	closeOnce       sync.Once
	trustedProxies  *bart.Table[struct{}]
	onReject        func()
}

type clientEntry struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// New allows each client requestsPerInterval invocations per interval, all
// of which may be spent at once.
func New(requestsPerInterval int, interval, cleanupInterval, staleAfter time.Duration) (*Limiter, error) {
	if requestsPerInterval <= 0 {
		return nil, fmt.Errorf("ratelimit: requests_per_interval must be positive")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("ratelimit: interval must be positive")
	}
	if cleanupInterval <= 0 {
		return nil, fmt.Errorf("ratelimit: cleanup_interval must be positive")
	}
	if staleAfter <= 0 {
		return nil, fmt.Errorf("ratelimit: stale_after must be positive")
	}

	l := &Limiter{
		clients:         make(map[string]*clientEntry),
		rate:            rate.Limit(float64(requestsPerInterval) / interval.Seconds()),
		burst:           requestsPerInterval,
		cleanupInterval: cleanupInterval,
		staleAfter:      staleAfter,
		done:            make(chan struct{}),
		trustedProxies:  new(bart.Table[struct{}]),
	}

	go l.cleanupLoop()
	return l, nil
}

// SetTrustedProxies replaces the set of proxies whose X-Forwarded-For and
// X-Real-IP headers are honoured. Entries are CIDR prefixes or bare
// addresses.
func (l *Limiter) SetTrustedProxies(proxies []string) error {
	table := new(bart.Table[struct{}])
	for _, p := range proxies {
		pfx, err := parsePrefix(p)
		if err != nil {
			return fmt.Errorf("ratelimit: trusted proxy: %w", err)
		}
		table.Insert(pfx, struct{}{})
	}

	l.mu.Lock()
	l.trustedProxies = table
	l.mu.Unlock()
	return nil
}

// OnReject registers a callback run for every rejected request.
func (l *Limiter) OnReject(fn func()) {
	l.mu.Lock()
	l.onReject = fn
	l.mu.Unlock()
}

func parsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		pfx, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid prefix %q: %w", s, err)
		}
		return pfx.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid IP address %q: %w", s, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func (l *Limiter) isTrusted(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.trustedProxies.Lookup(addr.Unmap())
	return ok
}

func (l *Limiter) bucket(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	e, ok := l.clients[ip]
	if !ok {
		e = &clientEntry{bucket: rate.NewLimiter(l.rate, l.burst)}
		l.clients[ip] = e
	}
	e.lastSeen = now
	return e.bucket
}

// Allow spends one token from ip's bucket.
func (l *Limiter) Allow(ip string) bool {
	return l.bucket(ip).Allow()
}

// RetryAfter is the whole number of seconds until ip's bucket has a token
// again.
func (l *Limiter) RetryAfter(ip string) int {
	r := l.bucket(ip).Reserve()
	defer r.Cancel()
	return int(math.Ceil(r.Delay().Seconds()))
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.done:
			return
		}
	}
}

func (l *Limiter) cleanup() {
	cutoff := time.Now().Add(-l.staleAfter)

	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, e := range l.clients {
		if e.lastSeen.Before(cutoff) {
			delete(l.clients, ip)
		}
	}
}

// Close stops the cleanup loop. It may be called more than once.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

// ExtractClientIP names the client a request is charged to. X-Forwarded-For
// (its first hop) and X-Real-IP count only when the peer is a trusted proxy.
func (l *Limiter) ExtractClientIP(r *http.Request) string {
	if l.isTrusted(r.RemoteAddr) {
		first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ",")
		if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// ProblemDetail is the RFC 7807 body of a 429 answer.
type ProblemDetail struct {
	Type       string `json:"type"`
	Title      string `json:"title"`
	Status     int    `json:"status"`
	Detail     string `json:"detail"`
	Instance   string `json:"instance,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// Middleware rejects a client over its budget with 429 and a Retry-After
// header before any executable is started.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := l.ExtractClientIP(r)
		if l.Allow(ip) {
			next.ServeHTTP(w, r)
			return
		}
		l.reject(w, r, ip)
	})
}

func (l *Limiter) reject(w http.ResponseWriter, r *http.Request, ip string) {
	l.mu.Lock()
	hook := l.onReject
	l.mu.Unlock()
	if hook != nil {
		hook()
	}

	wait := l.RetryAfter(ip)
	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("Retry-After", strconv.Itoa(wait))
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(ProblemDetail{
		Type:       "about:blank",
		Title:      "Too Many Requests",
		Status:     http.StatusTooManyRequests,
		Detail:     fmt.Sprintf("%s may run again in %d seconds.", r.URL.Path, wait),
		Instance:   r.URL.Path,
		RetryAfter: wait,
	})
}
