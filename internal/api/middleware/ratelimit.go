package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-client limiting of the transfer API.
type RateLimitConfig struct {
	// Rate is the number of requests allowed per second per client and
	// request class.
	Rate rate.Limit
	// Burst is the maximum burst size per bucket.
	Burst int
	// CleanupInterval is how often idle buckets are swept.
	CleanupInterval time.Duration
	// MaxAge is how long an idle bucket is kept before eviction.
	MaxAge time.Duration
}

// DefaultRateLimitConfig returns 20 requests/second with a burst of 40.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:            rate.Limit(20),
		Burst:           40,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

// Request classes get separate buckets so a client polling transfer state
// cannot starve its own complete and cancel commands.
const (
	classRead    = "read"
	classCommand = "command"
)

func requestClass(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return classRead
	default:
		return classCommand
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientRateLimiter keeps one token bucket per client and request class.
type ClientRateLimiter struct {
	cfg    RateLimitConfig
	logger *slog.Logger

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewClientRateLimiter creates a limiter and starts its idle-bucket sweeper.
func NewClientRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *ClientRateLimiter {
	l := &ClientRateLimiter{
		cfg:     cfg,
		logger:  logger.With("subsystem", "ratelimit"),
		buckets: make(map[string]*bucket),
		stopCh:  make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Allow takes a token from the client's bucket for class. When the bucket
// is empty it returns false and how long until a token is available.
func (l *ClientRateLimiter) Allow(client, class string, now time.Time) (bool, time.Duration) {
	key := client + "|" + class

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.cfg.Rate, l.cfg.Burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Len returns the number of live buckets.
func (l *ClientRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Stop terminates the sweeper. Safe to call more than once.
func (l *ClientRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *ClientRateLimiter) sweepLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			l.sweep(now)
		case <-l.stopCh:
			return
		}
	}
}

// sweep drops buckets idle for longer than MaxAge and returns how many went.
func (l *ClientRateLimiter) sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.cfg.MaxAge)
	removed := 0
	for key, b := range l.buckets {
		if !b.lastSeen.After(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("rate limiter sweep", "removed", removed, "remaining", len(l.buckets))
	}
	return removed
}

// RateLimit returns middleware answering 429 with a Retry-After header, in
// whole seconds rounded up, once a client exhausts its bucket.
func RateLimit(l *ClientRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientIP(r)
			class := requestClass(r)

			ok, wait := l.Allow(client, class, time.Now())
			if !ok {
				retry := int(math.Ceil(wait.Seconds()))
				if retry < 1 {
					retry = 1
				}
				attrs := append(requestAttrs(r), "ip", client, "class", class, "retry_after", retry)
				l.logger.Warn("rate limit exceeded", attrs...)

				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(errorEnvelope{Error: "rate limit exceeded"}) //nolint:errcheck
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port from RemoteAddr. chi's RealIP middleware runs
// first so proxied requests are keyed by the forwarded address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
