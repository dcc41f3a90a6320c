// Package middleware holds HTTP middleware shared by the API server: request
// logging, CORS, and the per-client rate limiter.
package middleware

import (
	"log"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig defines the limiter thresholds. The default allows 500
// requests per 15 minute window per client with the full window available as
// burst.
type RateLimitConfig struct {
	RequestsPerWindow int
	Window            time.Duration
	Burst             int
}

func (c RateLimitConfig) withDefaults() RateLimitConfig {
	if c.RequestsPerWindow == 0 {
		c.RequestsPerWindow = 500
	}
	if c.Window == 0 {
		c.Window = 15 * time.Minute
	}
	if c.Burst == 0 {
		c.Burst = c.RequestsPerWindow
	}
	return c
}

type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces a per-client token bucket. Keys are client IPs;
// idle buckets are garbage-collected periodically.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter

	cfg    RateLimitConfig
	stop   chan struct{}
	once   sync.Once
	logger *log.Logger
}

// NewRateLimiter creates a limiter and starts its cleanup loop.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		clients: make(map[string]*clientLimiter),
		cfg:     cfg.withDefaults(),
		stop:    make(chan struct{}),
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
	go rl.cleanup()
	return rl
}

// Allow consumes one token for the key. When the bucket is empty it returns
// false and the wait until the next token.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	rl.mu.Lock()
	client, ok := rl.clients[key]
	if !ok {
		perSecond := float64(rl.cfg.RequestsPerWindow) / rl.cfg.Window.Seconds()
		client = &clientLimiter{lim: rate.NewLimiter(rate.Limit(perSecond), rl.cfg.Burst)}
		rl.clients[key] = client
	}
	client.lastSeen = time.Now()
	rl.mu.Unlock()

	res := client.lim.Reserve()
	if !res.OK() {
		return false, rl.cfg.Window
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		rl.logger.Printf("rate limit exceeded: key=%s retry_after=%s", key, delay)
		return false, delay
	}
	return true, 0
}

// Stats returns a snapshot for the admin surface.
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return map[string]interface{}{
		"active_clients":      len(rl.clients),
		"requests_per_window": rl.cfg.RequestsPerWindow,
		"window_seconds":      int(rl.cfg.Window.Seconds()),
		"burst":               rl.cfg.Burst,
	}
}

// Stop ends the cleanup loop. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

// cleanup periodically drops buckets idle for two windows so the client map
// cannot grow without bound.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * rl.cfg.Window)
			rl.mu.Lock()
			for key, client := range rl.clients {
				if client.lastSeen.Before(cutoff) {
					delete(rl.clients, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// RetryAfterSeconds renders a delay as a Retry-After header value, rounded
// up so zero is never advertised.
func RetryAfterSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

// ClientIP extracts the caller address, honoring X-Forwarded-For from a
// fronting proxy. The first hop in the chain is the client.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
