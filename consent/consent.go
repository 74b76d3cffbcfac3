// Package consent records, checks and revokes end-user consent per
// (user, client) pair.
//
// A consent covers a request only when it is active and its scopes are a
// superset of the requested scopes. Revoking a consent also revokes every
// refresh token issued to the pair.
package consent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/oauth-authz/instrumentation"
	"github.com/giantswarm/oauth-authz/internal/util"
	"github.com/giantswarm/oauth-authz/security"
	"github.com/giantswarm/oauth-authz/storage"
)

// DefaultStoreTimeout bounds each store call.
const DefaultStoreTimeout = 5 * time.Second

var (
	// ErrInvalidScope is returned when a grant asks for scopes the client may
	// not request.
	ErrInvalidScope = errors.New("requested scope not allowed for client")

	// ErrInvalidClient is returned when the client is unknown or inactive.
	ErrInvalidClient = errors.New("unknown or inactive client")
)

// ClientLookup resolves registered clients.
type ClientLookup interface {
	Get(ctx context.Context, clientID string) (*storage.Client, error)
}

// TokenRevoker revokes refresh tokens. clientID nil means every client.
type TokenRevoker interface {
	RevokeAllFor(ctx context.Context, userID string, clientID *string) (int, error)
}

// Config configures a Manager.
type Config struct {
	// StoreTimeout bounds every store call (default and maximum 5 seconds)
	StoreTimeout time.Duration

	Logger          *slog.Logger
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Request is a user's decision on a consent prompt.
type Request struct {
	ClientID string
	Scopes   []string
	Approved bool
}

// View is a consent joined with the client's display data, for a
// "connected apps" listing.
type View struct {
	ClientID    string    `json:"client_id"`
	ClientName  string    `json:"client_name"`
	Description string    `json:"description,omitempty"`
	Website     string    `json:"website,omitempty"`
	Scopes      []string  `json:"scopes"`
	GrantedAt   time.Time `json:"granted_at"`
	LastUsedAt  time.Time `json:"last_used_at,omitzero"`
	IsActive    bool      `json:"is_active"`
}

// Manager manages user consents.
type Manager struct {
	store   storage.ConsentStore
	clients ClientLookup
	tokens  TokenRevoker
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Manager.
func New(store storage.ConsentStore, clients ClientLookup, tokens TokenRevoker, cfg Config) *Manager {
	if cfg.StoreTimeout <= 0 || cfg.StoreTimeout > DefaultStoreTimeout {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:   store,
		clients: clients,
		tokens:  tokens,
		cfg:     cfg,
		logger:  logger,
		now:     now,
	}
}

func (m *Manager) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.StoreTimeout)
}

func (m *Manager) get(ctx context.Context, userID, clientID string) (*storage.UserConsent, error) {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	return m.store.GetConsent(sctx, userID, clientID)
}

func (m *Manager) upsert(ctx context.Context, c *storage.UserConsent) error {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	return m.store.UpsertConsent(sctx, c)
}

// GetExisting returns the consent of userID for clientID if it is active and
// covers every requested scope. It returns nil, nil when there is no such
// consent. A hit records the use in LastUsedAt.
func (m *Manager) GetExisting(ctx context.Context, userID, clientID string, requested []string) (*storage.UserConsent, error) {
	c, err := m.get(ctx, userID, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrConsentNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load consent: %w", err)
	}
	if !c.IsActive || !util.IsSubset(requested, c.Scopes) {
		return nil, nil
	}

	// Only the usage timestamp is written, and only while the record is
	// active, so a concurrent revocation is never undone.
	c.LastUsedAt = m.now()
	sctx, cancel := m.storeCtx(ctx)
	err = m.store.TouchConsent(sctx, userID, clientID, c.LastUsedAt)
	cancel()
	if err != nil {
		// The consent is still valid; only the usage timestamp is lost.
		m.logger.Warn("Failed to update consent last_used_at",
			"client_id", clientID,
			"error", err)
	}
	return c, nil
}

// Grant records the decision in req. A denial writes nothing and returns
// false. An approval stores the union of previously granted and newly
// granted scopes and returns true.
func (m *Manager) Grant(ctx context.Context, userID string, req Request) (bool, error) {
	ctx, span := instrumentation.StartSpan(ctx, m.cfg.Instrumentation, "consent", "consent.Grant")
	defer span.End()

	if userID == "" || req.ClientID == "" {
		return false, fmt.Errorf("user_id and client_id are required")
	}

	client, err := m.clients.Get(ctx, req.ClientID)
	if err != nil || !client.IsActive {
		instrumentation.SetSpanError(span, "invalid client")
		return false, ErrInvalidClient
	}
	if len(req.Scopes) == 0 || !util.IsSubset(req.Scopes, client.Scopes) {
		m.logger.Warn("Consent requested for scopes outside client registration",
			"client_id", req.ClientID,
			"unregistered_scopes", util.Difference(req.Scopes, client.Scopes))
		m.cfg.Auditor.LogEvent(security.Event{
			Type:     security.EventScopeEscalationAttempt,
			UserID:   userID,
			ClientID: req.ClientID,
			Details:  map[string]any{"requested_scope": util.JoinScope(req.Scopes)},
		})
		instrumentation.SetSpanError(span, "invalid scope")
		return false, ErrInvalidScope
	}

	m.cfg.Instrumentation.Metrics().RecordConsentDecision(ctx, req.ClientID, req.Approved)

	if !req.Approved {
		m.logger.Info("Consent denied", "client_id", req.ClientID)
		m.cfg.Auditor.LogEvent(security.Event{
			Type:     security.EventConsentDenied,
			UserID:   userID,
			ClientID: req.ClientID,
		})
		instrumentation.SetSpanSuccess(span)
		return false, nil
	}

	scopes := req.Scopes
	existing, err := m.get(ctx, userID, req.ClientID)
	switch {
	case err == nil:
		// A revoked consent starts over; its old scopes are not restored.
		if existing.IsActive {
			scopes = util.Union(existing.Scopes, req.Scopes)
		}
	case errors.Is(err, storage.ErrConsentNotFound):
	default:
		instrumentation.RecordError(span, err)
		return false, fmt.Errorf("failed to load consent: %w", err)
	}

	now := m.now()
	consent := &storage.UserConsent{
		UserID:    userID,
		ClientID:  req.ClientID,
		Scopes:    util.Union(scopes, nil),
		GrantedAt: now,
		IsActive:  true,
	}
	if existing != nil {
		consent.LastUsedAt = existing.LastUsedAt
	}
	if err := m.upsert(ctx, consent); err != nil {
		instrumentation.RecordError(span, err)
		return false, fmt.Errorf("failed to store consent: %w", err)
	}

	scope := util.JoinScope(consent.Scopes)
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, userID, scope)
	instrumentation.SetSpanSuccess(span)
	m.logger.Info("Consent granted", "client_id", req.ClientID, "scope", scope)
	m.cfg.Auditor.LogEvent(security.Event{
		Type:     security.EventConsentGranted,
		UserID:   userID,
		ClientID: req.ClientID,
		Details:  map[string]any{"scope": scope},
	})
	return true, nil
}

// ============================================================
// Revocation
// ============================================================

// Revoke marks the consent of userID for clientID inactive and revokes every
// refresh token issued to the pair. Tokens are revoked even when no active
// consent exists. It reports whether an active consent was revoked.
func (m *Manager) Revoke(ctx context.Context, userID, clientID string) (bool, error) {
	c, err := m.get(ctx, userID, clientID)
	if err != nil && !errors.Is(err, storage.ErrConsentNotFound) {
		return false, fmt.Errorf("failed to load consent: %w", err)
	}

	revoked := false
	if c != nil && c.IsActive {
		if err := m.deactivate(ctx, c); err != nil {
			return false, err
		}
		revoked = true
	}

	if _, err := m.revokeTokens(ctx, userID, &clientID); err != nil {
		return revoked, err
	}
	return revoked, nil
}

// RevokeAll revokes every active consent of userID and all of the user's
// refresh tokens. It reports whether any consent was revoked.
func (m *Manager) RevokeAll(ctx context.Context, userID string) (bool, error) {
	sctx, cancel := m.storeCtx(ctx)
	consents, err := m.store.ListConsentsByUser(sctx, userID)
	cancel()
	if err != nil {
		return false, fmt.Errorf("failed to list consents: %w", err)
	}

	revoked := false
	for _, c := range consents {
		if !c.IsActive {
			continue
		}
		if err := m.deactivate(ctx, c); err != nil {
			return revoked, err
		}
		revoked = true
	}

	if _, err := m.revokeTokens(ctx, userID, nil); err != nil {
		return revoked, err
	}
	return revoked, nil
}

// RevokeAllForClient revokes every active consent given to clientID, with
// the same token cascade as Revoke. It returns the number of consents
// revoked.
func (m *Manager) RevokeAllForClient(ctx context.Context, clientID string) (int, error) {
	sctx, cancel := m.storeCtx(ctx)
	consents, err := m.store.ListConsentsByClient(sctx, clientID)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("failed to list consents: %w", err)
	}

	count := 0
	for _, c := range consents {
		if !c.IsActive {
			continue
		}
		if err := m.deactivate(ctx, c); err != nil {
			return count, err
		}
		if _, err := m.revokeTokens(ctx, c.UserID, &clientID); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (m *Manager) deactivate(ctx context.Context, c *storage.UserConsent) error {
	c.IsActive = false
	if err := m.upsert(ctx, c); err != nil {
		return fmt.Errorf("failed to revoke consent: %w", err)
	}
	m.logger.Info("Consent revoked", "client_id", c.ClientID)
	m.cfg.Auditor.LogEvent(security.Event{
		Type:     security.EventConsentRevoked,
		UserID:   c.UserID,
		ClientID: c.ClientID,
	})
	return nil
}

func (m *Manager) revokeTokens(ctx context.Context, userID string, clientID *string) (int, error) {
	if m.tokens == nil {
		return 0, nil
	}
	n, err := m.tokens.RevokeAllFor(ctx, userID, clientID)
	if err != nil {
		return n, fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	return n, nil
}

// List returns every consent of userID with the client's display data.
// Consents of deleted clients are listed with the client id only.
func (m *Manager) List(ctx context.Context, userID string) ([]View, error) {
	sctx, cancel := m.storeCtx(ctx)
	consents, err := m.store.ListConsentsByUser(sctx, userID)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to list consents: %w", err)
	}

	views := make([]View, 0, len(consents))
	for _, c := range consents {
		v := View{
			ClientID:   c.ClientID,
			Scopes:     c.Scopes,
			GrantedAt:  c.GrantedAt,
			LastUsedAt: c.LastUsedAt,
			IsActive:   c.IsActive,
		}
		if client, err := m.clients.Get(ctx, c.ClientID); err == nil {
			v.ClientName = client.Name
			v.Description = client.Description
			v.Website = client.Website
		}
		views = append(views, v)
	}
	return views, nil
}
