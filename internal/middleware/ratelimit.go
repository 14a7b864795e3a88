package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter is an in-memory sliding-window limiter keyed by an arbitrary
// string. State is per-process; a multi-instance deployment gets a per-node
// budget, which is acceptable for abuse damping.
type RateLimiter struct {
	mu          sync.Mutex
	requests    map[string][]time.Time
	window      time.Duration
	maxRequests int
}

// NewRateLimiter creates a limiter allowing maxRequests per window per key.
func NewRateLimiter(window time.Duration, maxRequests int) *RateLimiter {
	rl := &RateLimiter{
		requests:    make(map[string][]time.Time),
		window:      window,
		maxRequests: maxRequests,
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a request for key is within budget and records it.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	valid := rl.requests[key][:0]
	for _, t := range rl.requests[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.maxRequests {
		rl.requests[key] = valid
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}

// cleanup drops idle keys so the map does not grow without bound.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		cutoff := time.Now().Add(-rl.window)
		for key, times := range rl.requests {
			valid := times[:0]
			for _, t := range times {
				if t.After(cutoff) {
					valid = append(valid, t)
				}
			}
			if len(valid) == 0 {
				delete(rl.requests, key)
			} else {
				rl.requests[key] = valid
			}
		}
		rl.mu.Unlock()
	}
}

// GetIPKey extracts a rate limit key from the request IP
func GetIPKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i > 0 {
			return "ip:" + strings.TrimSpace(fwd[:i])
		}
		return "ip:" + strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

// GetPublicKeyKey builds a rate limit key from a client-supplied public key.
// Hashed so unbounded client input never becomes a map key verbatim.
func GetPublicKeyKey(publicKey string) string {
	sum := sha256.Sum256([]byte(publicKey))
	return "pk:" + hex.EncodeToString(sum[:8])
}
