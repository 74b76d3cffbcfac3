package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Backends.
const (
	backendMemory   = "memory"
	backendPostgres = "postgres"
	backendValkey   = "valkey"
	backendRedis    = "redis"
)

// config is the process configuration, read from the environment.
type config struct {
	ListenAddr string
	Issuer     string
	LogLevel   string
	LogJSON    bool

	DurableBackend   string
	EphemeralBackend string
	PostgresDSN      string
	RunMigrations    bool
	ValkeyAddr       string
	ValkeyPassword   string
	RedisURL         string
	KeyPrefix        string

	JWTHMACKey    []byte
	JWTRSAKeyFile string
	JWTKeyID      string

	Scopes []string

	AuthorizationCodeTTL    time.Duration
	AccessTokenTTL          time.Duration
	RefreshTokenTTL         time.Duration
	ConsentTTL              time.Duration
	CleanupInterval         time.Duration
	AllowPKCEPlain          bool
	DetectRefreshTokenReuse bool
	SecretHashAlgorithm     string

	IdentityHeader string
	ConsentPageURL string
	RateLimit      int
	RateBurst      int
	TrustProxy     bool
	ProxyCount     int

	AuditLogging   bool
	EnableTracing  bool
	ServiceVersion string
}

// scopeCatalog is the SCOPES_FILE layout.
type scopeCatalog struct {
	Scopes []struct {
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
	} `yaml:"scopes"`
}

// loadConfig reads .env (if present) and the environment.
func loadConfig() (config, error) {
	_ = godotenv.Load()

	cfg := config{
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),
		Issuer:     strings.TrimSpace(os.Getenv("ISSUER")),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogJSON:    getBool("LOG_JSON", true),

		DurableBackend:   getEnv("DURABLE_BACKEND", backendMemory),
		EphemeralBackend: getEnv("EPHEMERAL_BACKEND", backendMemory),
		PostgresDSN:      os.Getenv("DATABASE_URL"),
		RunMigrations:    getBool("RUN_MIGRATIONS", true),
		ValkeyAddr:       getEnv("VALKEY_ADDR", "127.0.0.1:6379"),
		ValkeyPassword:   os.Getenv("VALKEY_PASSWORD"),
		RedisURL:         getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		KeyPrefix:        os.Getenv("KEY_PREFIX"),

		JWTRSAKeyFile: os.Getenv("JWT_RSA_KEY_FILE"),
		JWTKeyID:      os.Getenv("JWT_KEY_ID"),

		AuthorizationCodeTTL:    getDuration("AUTH_CODE_TTL", 10*time.Minute),
		AccessTokenTTL:          getDuration("ACCESS_TOKEN_TTL", time.Hour),
		RefreshTokenTTL:         getDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),
		ConsentTTL:              getDuration("CONSENT_TTL", 10*time.Minute),
		CleanupInterval:         getDuration("CLEANUP_INTERVAL", 5*time.Minute),
		AllowPKCEPlain:          getBool("ALLOW_PKCE_PLAIN", false),
		DetectRefreshTokenReuse: getBool("DETECT_REFRESH_TOKEN_REUSE", false),
		SecretHashAlgorithm:     getEnv("SECRET_HASH_ALGORITHM", "bcrypt"),

		IdentityHeader: getEnv("IDENTITY_HEADER", "X-Authenticated-User"),
		ConsentPageURL: os.Getenv("CONSENT_PAGE_URL"),
		RateLimit:      getInt("RATE_LIMIT_RPS", 0),
		RateBurst:      getInt("RATE_LIMIT_BURST", 0),
		TrustProxy:     getBool("TRUST_PROXY", false),
		ProxyCount:     getInt("TRUSTED_PROXY_COUNT", 1),

		AuditLogging:   getBool("AUDIT_LOGGING", true),
		EnableTracing:  getBool("OTEL_ENABLED", false),
		ServiceVersion: getEnv("SERVICE_VERSION", "dev"),
	}

	if cfg.Issuer == "" {
		return config{}, fmt.Errorf("ISSUER is required")
	}

	if raw := os.Getenv("JWT_HMAC_KEY"); raw != "" {
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return config{}, fmt.Errorf("JWT_HMAC_KEY must be base64: %w", err)
		}
		cfg.JWTHMACKey = key
	}
	if len(cfg.JWTHMACKey) == 0 && cfg.JWTRSAKeyFile == "" {
		return config{}, fmt.Errorf("one of JWT_HMAC_KEY or JWT_RSA_KEY_FILE is required")
	}

	scopes, err := loadScopes(os.Getenv("SCOPES_FILE"), getList("SCOPES", nil))
	if err != nil {
		return config{}, err
	}
	if len(scopes) == 0 {
		return config{}, fmt.Errorf("SCOPES or SCOPES_FILE is required")
	}
	cfg.Scopes = scopes

	switch cfg.DurableBackend {
	case backendMemory:
	case backendPostgres:
		if cfg.PostgresDSN == "" {
			return config{}, fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	default:
		return config{}, fmt.Errorf("unknown DURABLE_BACKEND %q", cfg.DurableBackend)
	}
	switch cfg.EphemeralBackend {
	case backendMemory, backendValkey, backendRedis:
	default:
		return config{}, fmt.Errorf("unknown EPHEMERAL_BACKEND %q", cfg.EphemeralBackend)
	}

	return cfg, nil
}

// loadScopes merges the YAML catalog at path with extra.
func loadScopes(path string, extra []string) ([]string, error) {
	scopes := append([]string(nil), extra...)
	if path == "" {
		return scopes, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scopes file: %w", err)
	}
	var catalog scopeCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parse scopes file: %w", err)
	}
	for _, s := range catalog.Scopes {
		if name := strings.TrimSpace(s.Name); name != "" {
			scopes = append(scopes, name)
		}
	}
	return scopes, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		var cleaned []string
		for _, p := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
