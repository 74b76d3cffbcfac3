package server

import (
	"log/slog"
	"net/url"
	"time"

	"github.com/giantswarm/oauth-authz/internal/util"
	"github.com/giantswarm/oauth-authz/security"
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes), maximum: 600

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// ConsentTTL is how long a pending consent prompt stays answerable
	ConsentTTL int64 // seconds, default: 600 (10 minutes)

	// StoreTimeout bounds every storage call. Timeouts fail closed.
	StoreTimeout int64 // seconds, default: 5, maximum: 5

	// CleanupInterval is how often expired codes and tokens are swept
	CleanupInterval int64 // seconds, default: 300 (5 minutes)

	// SupportedScopes is the global scope catalog. Clients may only
	// register for scopes listed here. Required.
	SupportedScopes []string

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// WARNING: The 'plain' method is insecure and deprecated in OAuth 2.1
	// A client must additionally opt in with AllowPlainPKCE.
	// Default: false
	AllowPKCEPlain bool // default: false

	// DetectRefreshTokenReuse revokes every descendant of a refresh token
	// when an already rotated token is presented again.
	// Default: false
	DetectRefreshTokenReuse bool // default: false

	// SecretHashAlgorithm selects the client secret hash: "bcrypt" or "argon2id"
	// Default: "bcrypt"
	SecretHashAlgorithm string

	// KeyPrefix namespaces this server's keys inside the ephemeral store
	KeyPrefix string
}

const (
	defaultAuthorizationCodeTTL = 600
	defaultAccessTokenTTL       = 3600
	defaultRefreshTokenTTL      = 30 * 24 * 3600
	defaultConsentTTL           = 600
	defaultStoreTimeout         = 5
	defaultCleanupInterval      = 300
)

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config, logger)

	if config.SecretHashAlgorithm == "" {
		config.SecretHashAlgorithm = security.HashAlgorithmBcrypt
	}
	config.SupportedScopes = util.ParseScope(util.JoinScope(config.SupportedScopes))

	logSecurityWarnings(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config, logger *slog.Logger) {
	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = defaultAuthorizationCodeTTL
	}
	if config.AuthorizationCodeTTL > defaultAuthorizationCodeTTL {
		logger.Warn("AuthorizationCodeTTL exceeds 10 minutes, capping",
			"configured", config.AuthorizationCodeTTL,
			"cap", defaultAuthorizationCodeTTL)
		config.AuthorizationCodeTTL = defaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = defaultAccessTokenTTL
	}
	if config.RefreshTokenTTL <= 0 {
		config.RefreshTokenTTL = defaultRefreshTokenTTL
	}
	if config.ConsentTTL <= 0 {
		config.ConsentTTL = defaultConsentTTL
	}
	if config.StoreTimeout <= 0 || config.StoreTimeout > defaultStoreTimeout {
		config.StoreTimeout = defaultStoreTimeout
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaultCleanupInterval
	}
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AllowPKCEPlain {
		logger.Warn("⚠️  SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if u, err := url.Parse(config.Issuer); config.Issuer != "" && (err != nil || (u.Scheme != "https" && !util.IsLoopbackHostname(u.Hostname()))) {
		logger.Warn("⚠️  SECURITY WARNING: Issuer is not an https URL",
			"issuer", config.Issuer,
			"risk", "Tokens and codes exposed in transit",
			"recommendation", "Serve the authorization server over TLS")
	}
	if config.RefreshTokenTTL > 90*24*3600 {
		logger.Warn("⚠️  SECURITY NOTICE: Refresh tokens live longer than 90 days",
			"refresh_token_ttl_seconds", config.RefreshTokenTTL)
	}
}

func (c *Config) authorizationCodeTTL() time.Duration {
	return time.Duration(c.AuthorizationCodeTTL) * time.Second
}

func (c *Config) accessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTL) * time.Second
}

func (c *Config) refreshTokenTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTL) * time.Second
}

func (c *Config) consentTTL() time.Duration {
	return time.Duration(c.ConsentTTL) * time.Second
}

func (c *Config) storeTimeout() time.Duration {
	return time.Duration(c.StoreTimeout) * time.Second
}

func (c *Config) cleanupInterval() time.Duration {
	return time.Duration(c.CleanupInterval) * time.Second
}
