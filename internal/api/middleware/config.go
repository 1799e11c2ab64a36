// Package middleware provides HTTP middleware components for the LogHive API.
package middleware

import (
	"time"

	"github.com/loghive-io/loghive/internal/config"
)

// Config holds rate limiter configuration.
//
// Rate limits specify requests per second (RPS) for three tiers:
//   - Global: Applied to all requests
//   - Per-publisher: Applied to requests carrying X-Publisher-ID
//   - Anonymous: Applied to requests without a publisher ID
//
// Burst capacity allows temporary bursts above sustained rate.
// If burst fields are 0, they are computed automatically as 2 × rate.
type Config struct {
	// Rate limits (requests per second)
	GlobalRPS    int // Default: 500
	PublisherRPS int // Default: 100
	AnonymousRPS int // Default: 20

	// Optional burst capacity overrides (0 = compute automatically as 2 × rate) using computeBurstCapacity()
	GlobalBurst    int // Default: 0 (computed as 2 × GlobalRPS = 1000)
	PublisherBurst int // Default: 0 (computed as 2 × PublisherRPS = 200)
	AnonymousBurst int // Default: 0 (computed as 2 × AnonymousRPS = 40)

	// Memory cleanup configuration
	CleanupInterval time.Duration // Default: 5 minutes
	IdleTimeout     time.Duration // Default: 1 hour
	MaxPublishers   int           // Default: 100
}

// LoadConfig loads middleware config from environment variables with fallback to defaults.
//
// Default burst capacity: 2 × rate (allows 2-second burst)
// Default cleanup: every 5 minutes, removes publishers idle >1 hour.
func LoadConfig() *Config {
	return &Config{
		// Rate limits
		GlobalRPS:    config.GetEnvInt("LOGHIVE_GLOBAL_RPS", defaultGlobalRPS),
		PublisherRPS: config.GetEnvInt("LOGHIVE_PUBLISHER_RPS", defaultPublisherRPS),
		AnonymousRPS: config.GetEnvInt("LOGHIVE_ANONYMOUS_RPS", defaultAnonymousRPS),

		// Burst overrides (0 = auto-compute)
		GlobalBurst:    config.GetEnvInt("LOGHIVE_GLOBAL_BURST", 0),
		PublisherBurst: config.GetEnvInt("LOGHIVE_PUBLISHER_BURST", 0),
		AnonymousBurst: config.GetEnvInt("LOGHIVE_ANONYMOUS_BURST", 0),

		// Cleanup configuration
		CleanupInterval: config.GetEnvDuration(
			"LOGHIVE_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval,
		),
		IdleTimeout:   config.GetEnvDuration("LOGHIVE_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxPublishers: config.GetEnvInt("LOGHIVE_RATE_LIMIT_MAX_PUBLISHERS", maxPublishers),
	}
}
