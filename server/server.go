package server

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/oauth-authz/authcode"
	"github.com/giantswarm/oauth-authz/consent"
	"github.com/giantswarm/oauth-authz/instrumentation"
	"github.com/giantswarm/oauth-authz/registry"
	"github.com/giantswarm/oauth-authz/security"
	"github.com/giantswarm/oauth-authz/storage"
	"github.com/giantswarm/oauth-authz/token"
)

const (
	pendingKeyPrefix     = "pending:"
	pendingUsesKeyPrefix = "pending_uses:"

	logPrefixLength = 8
)

// Stores groups the storage backends a Server needs. One backend may
// implement several of them.
type Stores struct {
	Clients   storage.ClientStore
	Consents  storage.ConsentStore
	Ephemeral storage.EphemeralStore
}

// Option customizes a Server.
type Option func(*options)

type options struct {
	auditor         *security.Auditor
	instrumentation *instrumentation.Instrumentation
	clock           func() time.Time
}

// WithAuditor enables security audit logging.
func WithAuditor(a *security.Auditor) Option {
	return func(o *options) { o.auditor = a }
}

// WithInstrumentation enables tracing and metrics.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(o *options) { o.instrumentation = inst }
}

// WithClock overrides time.Now in the server and its managers, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// Server implements the OAuth 2.1 authorization server logic.
// It coordinates the flow across the client registry, consent, code and
// token managers.
type Server struct {
	registry *registry.Registry
	consents *consent.Manager
	codes    *authcode.Manager
	tokens   *token.Manager
	signer   token.Signer
	pending  storage.EphemeralStore

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
	Config          *Config

	janitor *Janitor
	now     func() time.Time
}

// New creates a Server and its managers. signer mints access tokens.
func New(stores Stores, signer token.Signer, config *Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	if stores.Clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if stores.Consents == nil {
		return nil, fmt.Errorf("consent store is required")
	}
	if stores.Ephemeral == nil {
		return nil, fmt.Errorf("ephemeral store is required")
	}
	if signer == nil {
		return nil, fmt.Errorf("access token signer is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	now := o.clock
	if now == nil {
		now = time.Now
	}

	config = applySecureDefaults(config, logger)

	hasher, err := security.NewSecretHasher(config.SecretHashAlgorithm)
	if err != nil {
		return nil, err
	}

	reg, err := registry.New(stores.Clients, registry.Config{
		ScopeCatalog:    config.SupportedScopes,
		Hasher:          hasher,
		StoreTimeout:    config.storeTimeout(),
		Logger:          logger.With("component", "registry"),
		Auditor:         o.auditor,
		Instrumentation: o.instrumentation,
		Clock:           o.clock,
	})
	if err != nil {
		return nil, err
	}

	tokens := token.New(stores.Ephemeral, signer, token.Config{
		RefreshTokenTTL: config.refreshTokenTTL(),
		AccessTokenTTL:  config.accessTokenTTL(),
		StoreTimeout:    config.storeTimeout(),
		DetectReuse:     config.DetectRefreshTokenReuse,
		KeyPrefix:       config.KeyPrefix,
		Logger:          logger.With("component", "token"),
		Auditor:         o.auditor,
		Instrumentation: o.instrumentation,
		Clock:           o.clock,
	})

	consents := consent.New(stores.Consents, reg, tokens, consent.Config{
		StoreTimeout:    config.storeTimeout(),
		Logger:          logger.With("component", "consent"),
		Auditor:         o.auditor,
		Instrumentation: o.instrumentation,
		Clock:           o.clock,
	})
	reg.SetConsentRevoker(consents)

	codes := authcode.New(stores.Ephemeral, authcode.Config{
		CodeTTL:         config.authorizationCodeTTL(),
		StoreTimeout:    config.storeTimeout(),
		KeyPrefix:       config.KeyPrefix,
		Logger:          logger.With("component", "authcode"),
		Auditor:         o.auditor,
		Instrumentation: o.instrumentation,
		Clock:           o.clock,
	})

	return &Server{
		registry:        reg,
		consents:        consents,
		codes:           codes,
		tokens:          tokens,
		signer:          signer,
		pending:         stores.Ephemeral,
		Auditor:         o.auditor,
		Instrumentation: o.instrumentation,
		Logger:          logger,
		Config:          config,
		now:             now,
	}, nil
}

// Registry returns the client registry.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Consents returns the consent manager.
func (s *Server) Consents() *consent.Manager { return s.consents }

// Codes returns the authorization code manager.
func (s *Server) Codes() *authcode.Manager { return s.codes }

// Tokens returns the refresh token manager.
func (s *Server) Tokens() *token.Manager { return s.tokens }

// StartJanitor starts the periodic cleanup of expired codes and tokens.
// It is a no-op if the janitor is already running.
func (s *Server) StartJanitor() {
	if s.janitor != nil {
		return
	}
	s.janitor = NewJanitor(s.codes, s.tokens, s.Config.cleanupInterval(), s.Logger)
	s.janitor.Start()
}

// Shutdown stops background work.
func (s *Server) Shutdown() {
	if s.janitor != nil {
		s.janitor.Stop()
	}
}
