package oauth

import (
	"log/slog"
)

// Config holds the HTTP handler configuration
type Config struct {
	// ConsentPageURL is where users are sent to answer a consent prompt. The
	// page receives the prompt's csrf_token as a query parameter and posts
	// the decision to /consent.
	// If empty, /authorize answers the prompt data as JSON instead.
	ConsentPageURL string

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// MaxRequestBodyBytes bounds JSON and form bodies.
	// Default: 64 KiB
	MaxRequestBodyBytes int64

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP on every endpoint.
	// Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// RegistrationRate is client registrations per second allowed per IP.
	// Default: 1
	RegistrationRate int

	// RegistrationBurst is the registration burst size per IP.
	// Default: 5
	RegistrationBurst int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server. Default: 1
	TrustedProxyCount int
}

const (
	defaultMaxRequestBodyBytes = 64 << 10
	defaultRegistrationRate    = 1
	defaultRegistrationBurst   = 5
)

func applyHandlerDefaults(cfg *Config) *Config {
	if cfg.MaxRequestBodyBytes <= 0 {
		cfg.MaxRequestBodyBytes = defaultMaxRequestBodyBytes
	}
	if cfg.RateLimit.RegistrationRate <= 0 {
		cfg.RateLimit.RegistrationRate = defaultRegistrationRate
	}
	if cfg.RateLimit.RegistrationBurst <= 0 {
		cfg.RateLimit.RegistrationBurst = defaultRegistrationBurst
	}
	if cfg.RateLimit.TrustedProxyCount <= 0 {
		cfg.RateLimit.TrustedProxyCount = 1
	}
	if cfg.RateLimit.Rate > 0 && cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = cfg.RateLimit.Rate * 2
	}
	return cfg
}
