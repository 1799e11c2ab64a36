// Package middleware provides HTTP middleware components for the LogHive API.
package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier    int     = 2
	maxPublishers              int     = 100
	defaultGlobalRPS           int     = 500
	defaultPublisherRPS        int     = 100
	defaultAnonymousRPS        int     = 20
	thresholdMultiplier        float64 = 0.8
	thresholdPercentage        int     = 80
	rateLimiterCleanupInterval         = 5 * time.Minute
	rateLimiterIdleTimeout             = 1 * time.Hour
)

// publisherIDHeader identifies the publisher for per-publisher rate limiting.
// The bundled load generator sets it per worker; anonymous clients fall into
// a shared limiter.
const publisherIDHeader = "X-Publisher-ID"

// publicEndpoints defines endpoints that bypass rate limiting.
// Health probes must never be throttled, otherwise orchestrators
// mark a busy but healthy instance as dead.
var publicEndpoints = map[string]bool{} //nolint: gochecknoglobals

// RegisterPublicEndpoint marks a path as exempt from rate limiting.
// Must be called during route setup, before the server accepts traffic.
func RegisterPublicEndpoint(endpoint string) {
	publicEndpoints[endpoint] = true
}

type (
	// RateLimiter provides rate limiting for incoming requests.
	//
	// Implementations may use in-memory token buckets (single-node deployment)
	// or distributed stores like Redis (multi-node deployment).
	RateLimiter interface {
		// Allow checks if a request should be allowed based on rate limits.
		// Returns true if allowed, false if rate limited.
		//
		// publisherID identifies the publishing client; it is empty for
		// anonymous requests.
		Allow(publisherID string) bool
	}

	// InMemoryRateLimiter implements RateLimiter using golang.org/x/time/rate.
	//
	// Provides three-tier rate limiting:
	// 1. Global limit (applied to all requests)
	// 2. Per-publisher limit (requests carrying X-Publisher-ID)
	// 3. Anonymous limit (requests without a publisher ID)
	//
	// Uses token bucket algorithm with configurable burst capacity.
	// Memory cleanup runs periodically to prevent unbounded growth:
	// publishers idle longer than IdleTimeout are removed.
	InMemoryRateLimiter struct {
		global        *rate.Limiter
		perPublisher  map[string]*publisherLimiter
		anonymous     *rate.Limiter
		mu            sync.RWMutex
		cleanupTicker *time.Ticker
		done          chan struct{}

		// Configuration (stored for creating new publisher limiters and cleanup)
		publisherRPS    int
		publisherBurst  int
		cleanupInterval time.Duration
		idleTimeout     time.Duration
		maxPublishers   int
	}

	// publisherLimiter tracks rate limit state for a single publisher.
	// Includes last access time for memory cleanup.
	publisherLimiter struct {
		limiter    *rate.Limiter
		lastAccess time.Time
		mu         sync.Mutex
	}
)

// NewInMemoryRateLimiter creates a new in-memory rate limiter with three-tier limits.
//
// Burst capacity is computed automatically as 2 × rate unless overridden in config.
// Cleanup runs periodically to prevent unbounded memory growth.
//
// Example:
//
//	rl := NewInMemoryRateLimiter(&Config{
//	    GlobalRPS:    500,
//	    PublisherRPS: 100,
//	    AnonymousRPS: 20,
//	})
//	defer rl.Close()
func NewInMemoryRateLimiter(config *Config) *InMemoryRateLimiter {
	globalBurst := computeBurstCapacity(config.GlobalRPS, config.GlobalBurst)
	publisherBurst := computeBurstCapacity(config.PublisherRPS, config.PublisherBurst)
	anonymousBurst := computeBurstCapacity(config.AnonymousRPS, config.AnonymousBurst)

	rl := &InMemoryRateLimiter{
		global:          rate.NewLimiter(rate.Limit(config.GlobalRPS), globalBurst),
		perPublisher:    make(map[string]*publisherLimiter),
		anonymous:       rate.NewLimiter(rate.Limit(config.AnonymousRPS), anonymousBurst),
		done:            make(chan struct{}),
		publisherRPS:    config.PublisherRPS,
		publisherBurst:  publisherBurst,
		cleanupInterval: config.CleanupInterval,
		idleTimeout:     config.IdleTimeout,
		maxPublishers:   config.MaxPublishers,
	}

	rl.startCleanup()

	return rl
}

// computeBurstCapacity computes the burst capacity based on the rate and optional override.
//
// If burstOverride is 0, computes burst automatically as 2 × rate.
// If burstOverride > 0, uses the override value.
func computeBurstCapacity(rate, burstOverride int) int {
	if burstOverride > 0 {
		return burstOverride
	}

	return rate * burstCapacityMultiplier
}

// Allow checks if a request should be allowed based on rate limits.
// Implements the RateLimiter interface.
//
// Rate limiting is enforced in two tiers:
// 1. Global limit (all requests)
// 2. Per-publisher limit OR anonymous limit
//
// Parameters:
//   - publisherID: empty string for anonymous requests, publisher ID otherwise
func (rl *InMemoryRateLimiter) Allow(publisherID string) bool {
	// Tier 1: Check global limit first (fail fast)
	if !rl.global.Allow() {
		return false
	}

	// Tier 2: Check publisher-specific or anonymous limit
	if publisherID == "" {
		return rl.anonymous.Allow()
	}

	rl.mu.RLock()
	pl, ok := rl.perPublisher[publisherID]
	rl.mu.RUnlock()

	if !ok {
		// Lazy initialization: create limiter for this publisher
		rl.mu.Lock()
		// Double-check after acquiring write lock (avoid race)
		if pl, ok = rl.perPublisher[publisherID]; !ok {
			pl = &publisherLimiter{
				limiter:    rate.NewLimiter(rate.Limit(rl.publisherRPS), rl.publisherBurst),
				lastAccess: time.Now(),
			}

			rl.perPublisher[publisherID] = pl

			// Operational monitoring: warn when approaching max publishers limit.
			// Helps operators detect publisher ID proliferation before hitting hard limits.
			currentCount := len(rl.perPublisher)
			threshold := int(float64(rl.maxPublishers) * thresholdMultiplier) // 80% threshold

			if currentCount >= threshold {
				slog.Warn("rate limiter approaching max publishers limit",
					"current_publishers", currentCount,
					"max_publishers", rl.maxPublishers,
					"threshold_percent", thresholdPercentage,
					"recommendation", "investigate publisher ID proliferation or increase max_publishers limit")
			}
		}

		rl.mu.Unlock()
	}

	// Update last access time (for cleanup)
	pl.mu.Lock()
	pl.lastAccess = time.Now()
	pl.mu.Unlock()

	return pl.limiter.Allow()
}

// Close stops the cleanup goroutine and releases resources.
// Must be called when the InMemoryRateLimiter is no longer needed.
//
// Note: Close() is not part of the RateLimiter interface to allow
// implementations that don't require cleanup. Use type assertion
// if cleanup is needed:
//
//	if closer, ok := limiter.(io.Closer); ok {
//	    closer.Close()
//	}
func (rl *InMemoryRateLimiter) Close() error {
	if rl.cleanupTicker != nil {
		rl.cleanupTicker.Stop()
	}

	close(rl.done)

	return nil
}

// startCleanup starts a background goroutine that periodically removes
// stale publisher limiters to prevent memory leaks.
func (rl *InMemoryRateLimiter) startCleanup() {
	cleanupInterval := rl.cleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = rateLimiterCleanupInterval
	}

	rl.cleanupTicker = time.NewTicker(cleanupInterval)

	go func() {
		for {
			select {
			case <-rl.cleanupTicker.C:
				rl.cleanup()
			case <-rl.done:
				return
			}
		}
	}()
}

// cleanup removes publisher limiters that haven't been accessed recently.
func (rl *InMemoryRateLimiter) cleanup() {
	idleTimeout := rl.idleTimeout
	if idleTimeout == 0 {
		idleTimeout = rateLimiterIdleTimeout
	}

	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for publisherID, pl := range rl.perPublisher {
		pl.mu.Lock()
		lastAccess := pl.lastAccess
		pl.mu.Unlock()

		if now.Sub(lastAccess) > idleTimeout {
			delete(rl.perPublisher, publisherID)
		}
	}
}

// PublisherID extracts the rate-limiting identity from a request.
// The X-Publisher-ID header takes precedence; without it the remote host
// identifies the client so that one misbehaving address cannot exhaust
// the shared anonymous budget.
func PublisherID(r *http.Request) string {
	if id := r.Header.Get(publisherIDHeader); id != "" {
		return id
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return ""
	}

	return host
}

// RateLimit returns a middleware that enforces rate limits on incoming requests.
//
// When a request exceeds the rate limit, the middleware returns a 429 (Too Many Requests)
// response with RFC 7807 error format. Paths registered via RegisterPublicEndpoint
// (health probes) bypass rate limiting entirely.
//
// Example:
//
//	rateLimiter := NewInMemoryRateLimiter(&Config{
//	    GlobalRPS:    500,
//	    PublisherRPS: 100,
//	    AnonymousRPS: 20,
//	})
//	defer rateLimiter.Close()
//
//	handler = RateLimit(rateLimiter, logger)(handler)
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicEndpoints[r.URL.Path] {
				next.ServeHTTP(w, r)

				return
			}

			if !limiter.Allow(PublisherID(r)) {
				correlationID := GetCorrelationID(r.Context())

				detail := "Rate limit exceeded. Please retry after some time."
				if err := writeRFC7807Error(w, r, http.StatusTooManyRequests, detail, correlationID); err != nil {
					logger.Error("failed to write response with RFC 7807 error format",
						slog.String("correlation_id", correlationID),
						slog.String("path", r.URL.Path),
						slog.String("detail", detail),
						slog.String("error", err.Error()),
					)

					// Fallback to plain text if writeRFC7807Error fails
					http.Error(w, detail, http.StatusTooManyRequests)
				}

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
