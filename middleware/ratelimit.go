// Package middleware rate limiting implements token bucket and sliding
// window algorithms for throttling requests by client key (IP by default,
// or a custom key function), with secure client IP extraction behind
// trusted proxies.
package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smoke-http/smoke/mwctx"
	"github.com/smoke-http/smoke/pipeline"
	"github.com/smoke-http/smoke/writer"
)

// RateLimitStrategy defines the interface for rate limiting algorithms.
type RateLimitStrategy interface {
	// Allow reports whether a request for key should proceed, and if not,
	// how long the caller should wait before retrying.
	Allow(key string) (allowed bool, retryAfter time.Duration)

	// Name identifies the strategy for logs and metrics.
	Name() string
}

// RateLimitConfig holds configuration for the RateLimit middleware.
type RateLimitConfig struct {
	// Strategy is the rate limiting algorithm. Defaults to
	// TokenBucketStrategy(100, time.Minute).
	Strategy RateLimitStrategy

	// KeyFunc extracts the rate limiting key from the request. Defaults to
	// secure client IP extraction.
	KeyFunc func(raw *pipeline.RawRequest, mc *mwctx.Context) string

	// ErrorResponse builds the response when a request is blocked. Defaults
	// to HTTP 429 with a Retry-After header.
	ErrorResponse func(w *writer.Writer, retryAfter time.Duration) error

	// SkipFunc, when it returns true, bypasses rate limiting entirely.
	SkipFunc func(raw *pipeline.RawRequest, mc *mwctx.Context) bool

	// TrustedProxies lists CIDR ranges trusted to set X-Forwarded-For /
	// X-Real-IP. If empty, those headers are never trusted.
	TrustedProxies []string

	// MaxKeyLength truncates keys longer than this to prevent memory
	// exhaustion attacks. Defaults to 256.
	MaxKeyLength int

	// CleanupInterval is unused directly here; each strategy runs its own
	// background cleanup on a fixed 5-minute tick.
	CleanupInterval time.Duration
}

// RateLimitOption configures a RateLimit call.
type RateLimitOption func(*RateLimitConfig)

// WithStrategy sets the rate limiting algorithm.
func WithStrategy(strategy RateLimitStrategy) RateLimitOption {
	return func(cfg *RateLimitConfig) { cfg.Strategy = strategy }
}

// WithKeyFunc sets a custom key extraction function.
func WithKeyFunc(keyFunc func(raw *pipeline.RawRequest, mc *mwctx.Context) string) RateLimitOption {
	return func(cfg *RateLimitConfig) { cfg.KeyFunc = keyFunc }
}

// WithErrorResponse sets a custom blocked-request response.
func WithErrorResponse(errorResponse func(w *writer.Writer, retryAfter time.Duration) error) RateLimitOption {
	return func(cfg *RateLimitConfig) { cfg.ErrorResponse = errorResponse }
}

// WithSkipFunc sets a function that bypasses rate limiting when it returns true.
func WithSkipFunc(skipFunc func(raw *pipeline.RawRequest, mc *mwctx.Context) bool) RateLimitOption {
	return func(cfg *RateLimitConfig) { cfg.SkipFunc = skipFunc }
}

// WithTrustedProxies sets CIDR ranges trusted for forwarded-for headers.
func WithTrustedProxies(proxies []string) RateLimitOption {
	return func(cfg *RateLimitConfig) { cfg.TrustedProxies = proxies }
}

// WithMaxKeyLength caps the key length used for rate limiting.
func WithMaxKeyLength(maxLength int) RateLimitOption {
	return func(cfg *RateLimitConfig) { cfg.MaxKeyLength = maxLength }
}

// WithCleanupInterval is accepted for configuration symmetry; each strategy
// runs its own fixed cleanup cadence regardless of this value.
func WithCleanupInterval(interval time.Duration) RateLimitOption {
	return func(cfg *RateLimitConfig) { cfg.CleanupInterval = interval }
}

// =============================================================================
// Token Bucket Strategy
// =============================================================================

// TokenBucketStrategy allows bursts up to capacity, refilling fully every
// refill interval. Good for user-facing APIs that tolerate occasional
// bursts.
type TokenBucketStrategy struct {
	mu          sync.RWMutex
	buckets     map[string]*tokenBucket
	capacity    int
	refill      time.Duration
	lastCleanup int64
	cleanupDone chan struct{}
	cleanupOnce sync.Once
}

type tokenBucket struct {
	remaining int
	reset     time.Time
}

// NewTokenBucketStrategy creates a token bucket limiter allowing capacity
// requests, fully refilling every refill duration.
func NewTokenBucketStrategy(capacity int, refill time.Duration) *TokenBucketStrategy {
	if capacity <= 0 {
		capacity = 1
	}
	if refill <= 0 {
		refill = time.Minute
	}
	tb := &TokenBucketStrategy{
		buckets:     make(map[string]*tokenBucket),
		capacity:    capacity,
		refill:      refill,
		cleanupDone: make(chan struct{}),
	}
	tb.cleanupOnce.Do(func() { go tb.cleanup() })
	return tb
}

func (tb *TokenBucketStrategy) Name() string { return "token_bucket" }

func (tb *TokenBucketStrategy) Allow(key string) (bool, time.Duration) {
	now := time.Now()

	tb.mu.RLock()
	bucket := tb.buckets[key]
	tb.mu.RUnlock()

	if bucket == nil || now.After(bucket.reset) {
		tb.mu.Lock()
		bucket = tb.buckets[key]
		if bucket == nil || now.After(bucket.reset) {
			bucket = &tokenBucket{remaining: tb.capacity - 1, reset: now.Add(tb.refill)}
			tb.buckets[key] = bucket
		}
		tb.mu.Unlock()
		return true, 0
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	bucket = tb.buckets[key]
	if bucket == nil || now.After(bucket.reset) {
		bucket = &tokenBucket{remaining: tb.capacity - 1, reset: now.Add(tb.refill)}
		tb.buckets[key] = bucket
		return true, 0
	}

	if bucket.remaining > 0 {
		bucket.remaining--
		return true, 0
	}

	retry := time.Until(bucket.reset)
	if retry < 0 {
		retry = 0
	}
	return false, retry
}

func (tb *TokenBucketStrategy) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			atomic.StoreInt64(&tb.lastCleanup, now.Unix())
			tb.mu.Lock()
			for key, bucket := range tb.buckets {
				if now.After(bucket.reset.Add(tb.refill)) {
					delete(tb.buckets, key)
				}
			}
			tb.mu.Unlock()
		case <-tb.cleanupDone:
			return
		}
	}
}

// Close stops the cleanup goroutine.
func (tb *TokenBucketStrategy) Close() { close(tb.cleanupDone) }

// =============================================================================
// Sliding Window Strategy
// =============================================================================

// SlidingWindowStrategy provides smooth rate limiting without the burst
// issues a fixed window has at its boundaries, at the cost of keeping a
// timestamp per request in the window.
type SlidingWindowStrategy struct {
	mu          sync.RWMutex
	windows     map[string][]time.Time
	limit       int
	window      time.Duration
	lastCleanup int64
	cleanupDone chan struct{}
	cleanupOnce sync.Once
}

// NewSlidingWindowStrategy creates a sliding window limiter allowing limit
// requests per window duration.
func NewSlidingWindowStrategy(limit int, window time.Duration) *SlidingWindowStrategy {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	sw := &SlidingWindowStrategy{
		windows:     make(map[string][]time.Time),
		limit:       limit,
		window:      window,
		cleanupDone: make(chan struct{}),
	}
	sw.cleanupOnce.Do(func() { go sw.cleanup() })
	return sw
}

func (sw *SlidingWindowStrategy) Name() string { return "sliding_window" }

func (sw *SlidingWindowStrategy) Allow(key string) (bool, time.Duration) {
	now := time.Now()
	cutoff := now.Add(-sw.window)

	sw.mu.Lock()
	defer sw.mu.Unlock()

	timestamps := sw.windows[key]
	valid := timestamps[:0]
	for _, t := range timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= sw.limit {
		earliest := valid[0]
		for _, t := range valid[1:] {
			if t.Before(earliest) {
				earliest = t
			}
		}
		retry := earliest.Add(sw.window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		sw.windows[key] = valid
		return false, retry
	}

	valid = append(valid, now)
	sw.windows[key] = valid
	return true, 0
}

func (sw *SlidingWindowStrategy) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			atomic.StoreInt64(&sw.lastCleanup, now.Unix())
			cutoff := now.Add(-sw.window * 2)
			sw.mu.Lock()
			for key, timestamps := range sw.windows {
				valid := timestamps[:0]
				for _, t := range timestamps {
					if t.After(cutoff) {
						valid = append(valid, t)
					}
				}
				if len(valid) == 0 {
					delete(sw.windows, key)
				} else {
					sw.windows[key] = valid
				}
			}
			sw.mu.Unlock()
		case <-sw.cleanupDone:
			return
		}
	}
}

// Close stops the cleanup goroutine.
func (sw *SlidingWindowStrategy) Close() { close(sw.cleanupDone) }

// =============================================================================
// RateLimit Middleware
// =============================================================================

// RateLimit returns outer-tier middleware that throttles requests through
// cfg.Strategy, keyed by cfg.KeyFunc (secure client IP by default).
func RateLimit(options ...RateLimitOption) OuterMiddleware {
	cfg := &RateLimitConfig{}
	for _, option := range options {
		option(cfg)
	}

	if cfg.Strategy == nil {
		cfg.Strategy = NewTokenBucketStrategy(100, time.Minute)
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = func(raw *pipeline.RawRequest, mc *mwctx.Context) string {
			return secureClientIP(raw.HTTP, cfg.TrustedProxies)
		}
	}
	if cfg.ErrorResponse == nil {
		cfg.ErrorResponse = defaultErrorResponse
	}
	if cfg.MaxKeyLength <= 0 {
		cfg.MaxKeyLength = 256
	}

	return func(next OuterHandler) OuterHandler {
		return func(ctx context.Context, raw *pipeline.RawRequest, w *writer.Writer, mc *mwctx.Context) error {
			if cfg.SkipFunc != nil && cfg.SkipFunc(raw, mc) {
				return next(ctx, raw, w, mc)
			}

			key := cfg.KeyFunc(raw, mc)
			if key == "" {
				key = "unknown"
			}
			if len(key) > cfg.MaxKeyLength {
				key = key[:cfg.MaxKeyLength]
			}
			key = sanitizeKey(key)

			allowed, retryAfter := cfg.Strategy.Allow(key)
			if !allowed {
				return cfg.ErrorResponse(w, retryAfter)
			}
			return next(ctx, raw, w, mc)
		}
	}
}

// defaultErrorResponse answers a blocked request with 429 and a
// Retry-After header expressing retryAfter in whole seconds.
func defaultErrorResponse(w *writer.Writer, retryAfter time.Duration) error {
	if err := w.UpdateHeaders(func(h http.Header) {
		if retryAfter > 0 {
			h.Set("Retry-After", formatSeconds(retryAfter))
		}
		h.Set("X-RateLimit-Remaining", "0")
	}); err != nil {
		return err
	}
	if err := w.SetStatus(http.StatusTooManyRequests); err != nil {
		return err
	}
	return w.CommitAndCompleteWith([]byte(http.StatusText(http.StatusTooManyRequests)))
}

// =============================================================================
// Utility Functions
// =============================================================================

// secureClientIP extracts the real client IP, trusting X-Forwarded-For /
// X-Real-IP only when the direct connection comes from a trustedProxies
// CIDR range.
func secureClientIP(r *http.Request, trustedProxies []string) string {
	var trustedNets []*net.IPNet
	for _, proxy := range trustedProxies {
		if _, ipnet, err := net.ParseCIDR(proxy); err == nil {
			trustedNets = append(trustedNets, ipnet)
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	directIP := net.ParseIP(host)
	if directIP == nil {
		return host
	}

	if len(trustedNets) == 0 {
		return directIP.String()
	}

	isTrustedProxy := false
	for _, ipnet := range trustedNets {
		if ipnet.Contains(directIP) {
			isTrustedProxy = true
			break
		}
	}
	if !isTrustedProxy {
		return directIP.String()
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		for _, part := range parts {
			ip := strings.TrimSpace(part)
			if parsedIP := net.ParseIP(ip); parsedIP != nil {
				if !isPrivateOrLoopback(parsedIP) {
					return parsedIP.String()
				}
			}
		}
	}

	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		ip := strings.TrimSpace(xrip)
		if parsedIP := net.ParseIP(ip); parsedIP != nil && !isPrivateOrLoopback(parsedIP) {
			return parsedIP.String()
		}
	}

	return directIP.String()
}

// isPrivateOrLoopback reports whether ip is loopback, private, or
// link-local, used to skip internal hops in a forwarded-for chain.
func isPrivateOrLoopback(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

// sanitizeKey strips non-printable-ASCII characters from a rate limiting
// key to prevent injection and log-corruption attacks.
func sanitizeKey(key string) string {
	var result strings.Builder
	result.Grow(len(key))
	for _, r := range key {
		if r >= 32 && r <= 126 {
			result.WriteRune(r)
		} else {
			result.WriteRune('_')
		}
	}
	return result.String()
}

// formatSeconds renders d as whole seconds, rounding up to at least 1.
func formatSeconds(d time.Duration) string {
	sec := int(d.Seconds())
	if sec < 1 {
		sec = 1
	}
	return strconv.Itoa(sec)
}
