// Package token manages opaque refresh tokens and reissues access tokens
// from them.
//
// Only the sha256 hex digest of a refresh token is stored. Rotation is
// single use: a per-token counter in the ephemeral store guarantees that
// concurrent refreshes with the same token yield at most one successor.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-authz/instrumentation"
	"github.com/giantswarm/oauth-authz/internal/util"
	"github.com/giantswarm/oauth-authz/security"
	"github.com/giantswarm/oauth-authz/storage"
)

const (
	// DefaultRefreshTokenTTL is the default refresh token lifetime (30 days).
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour

	// DefaultAccessTokenTTL is the default access token lifetime.
	DefaultAccessTokenTTL = time.Hour

	// DefaultStoreTimeout bounds each store call.
	DefaultStoreTimeout = 5 * time.Second

	recordKeyPrefix = "rt:"
	indexKeyPrefix  = "rt_idx:"
	usesKeyPrefix   = "rt_uses:"
	usedKeyPrefix   = "rt_used:"
	familyKeyPrefix = "rt_fam:"

	hashLogLength = 8
)

var (
	// ErrInvalidGrant is returned for any unusable refresh token.
	ErrInvalidGrant = errors.New("invalid refresh token")

	// ErrInvalidScope is returned when rotation asks for scopes beyond the
	// original grant.
	ErrInvalidScope = errors.New("requested scope exceeds original grant")
)

// Signer mints access tokens.
type Signer interface {
	SignAccessToken(ctx context.Context, subject, audience string, scopes []string, ttl time.Duration) (string, error)
}

// Config configures a Manager.
type Config struct {
	RefreshTokenTTL time.Duration
	AccessTokenTTL  time.Duration

	// StoreTimeout bounds every store call (default and maximum 5 seconds)
	StoreTimeout time.Duration

	// DetectReuse keeps tombstones of rotated tokens. Presenting a rotated
	// token then revokes every token descended from the same grant.
	DetectReuse bool

	// KeyPrefix namespaces keys inside the ephemeral store (optional)
	KeyPrefix string

	Logger          *slog.Logger
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Grant is the result of a refresh: a new access token and its rotated
// refresh token.
type Grant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
	Scope        string
}

// Stats summarizes stored refresh tokens.
type Stats struct {
	Total         int
	Active        int
	Expired       int
	UniqueClients int
	UniqueUsers   int
}

// Manager issues, validates, rotates and revokes refresh tokens.
type Manager struct {
	store  storage.EphemeralStore
	signer Signer
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Manager. signer may be nil if RefreshAccessToken is unused.
func New(store storage.EphemeralStore, signer Signer, cfg Config) *Manager {
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = DefaultAccessTokenTTL
	}
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
	return &Manager{store: store, signer: signer, cfg: cfg, logger: logger, now: now}
}

// AccessTokenTTL returns the configured access token lifetime.
func (m *Manager) AccessTokenTTL() time.Duration {
	return m.cfg.AccessTokenTTL
}

// HashToken returns the storage key digest of a refresh token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ============================================================
// Keys
// ============================================================

func (m *Manager) recordKey(hash string) string {
	return m.cfg.KeyPrefix + recordKeyPrefix + hash
}

func (m *Manager) usesKey(hash string) string {
	return m.cfg.KeyPrefix + usesKeyPrefix + hash
}

func (m *Manager) usedKey(hash string) string {
	return m.cfg.KeyPrefix + usedKeyPrefix + hash
}

// indexPrefix returns the index prefix for a user, optionally narrowed to a
// client. Components are escaped so ':' inside ids cannot collide.
func (m *Manager) indexPrefix(userID string, clientID *string) string {
	p := m.cfg.KeyPrefix + indexKeyPrefix + url.QueryEscape(userID) + ":"
	if clientID != nil {
		p += url.QueryEscape(*clientID) + ":"
	}
	return p
}

func (m *Manager) indexKey(userID, clientID, hash string) string {
	return m.indexPrefix(userID, &clientID) + hash
}

func (m *Manager) familyPrefix(family string) string {
	return m.cfg.KeyPrefix + familyKeyPrefix + family + ":"
}

// keysFor lists the keys that make a stored token usable. The use counter
// is not among them: it must outlive the record until its own TTL, or a
// caller that validated the token before it was consumed would find a fresh
// counter and win a second claim.
func (m *Manager) keysFor(rt *storage.RefreshToken) []string {
	keys := []string{
		m.recordKey(rt.TokenHash),
		m.indexKey(rt.UserID, rt.ClientID, rt.TokenHash),
	}
	if rt.FamilyID != "" {
		keys = append(keys, m.familyPrefix(rt.FamilyID)+rt.TokenHash)
	}
	return keys
}

func (m *Manager) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.StoreTimeout)
}

// ============================================================
// Issue / Validate
// ============================================================

// IssueRefresh creates a refresh token and returns its plaintext. The
// plaintext is never stored.
func (m *Manager) IssueRefresh(ctx context.Context, clientID, userID string, scopes []string) (string, error) {
	return m.issue(ctx, clientID, userID, scopes, "")
}

func (m *Manager) issue(ctx context.Context, clientID, userID string, scopes []string, family string) (string, error) {
	if clientID == "" || userID == "" {
		return "", fmt.Errorf("client_id and user_id are required")
	}
	if family == "" {
		family = uuid.NewString()
	}

	plaintext := oauth2.GenerateVerifier()
	hash := HashToken(plaintext)
	now := m.now()

	rt := &storage.RefreshToken{
		TokenHash: hash,
		ClientID:  clientID,
		UserID:    userID,
		Scopes:    scopes,
		ExpiresAt: now.Add(m.cfg.RefreshTokenTTL),
		CreatedAt: now,
		IsActive:  true,
		FamilyID:  family,
	}
	data, err := json.Marshal(rt)
	if err != nil {
		return "", fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	sctx, cancel := m.storeCtx(ctx)
	defer cancel()

	ttl := m.cfg.RefreshTokenTTL
	if err := m.store.Set(sctx, m.usesKey(hash), []byte("0"), ttl); err != nil {
		return "", fmt.Errorf("failed to store refresh token counter: %w", err)
	}
	if err := m.store.Set(sctx, m.indexKey(userID, clientID, hash), []byte("1"), ttl); err != nil {
		m.deleteKeys(ctx, m.keysFor(rt)...)
		return "", fmt.Errorf("failed to store refresh token index: %w", err)
	}
	if m.cfg.DetectReuse {
		if err := m.store.Set(sctx, m.familyPrefix(family)+hash, []byte("1"), ttl); err != nil {
			m.deleteKeys(ctx, m.keysFor(rt)...)
			return "", fmt.Errorf("failed to store refresh token family: %w", err)
		}
	}
	if err := m.store.Set(sctx, m.recordKey(hash), data, ttl); err != nil {
		m.deleteKeys(ctx, m.keysFor(rt)...)
		return "", fmt.Errorf("failed to store refresh token: %w", err)
	}

	m.logger.Debug("Issued refresh token",
		"client_id", clientID,
		"token_hash_prefix", util.SafeTruncate(hash, hashLogLength))
	return plaintext, nil
}

func (m *Manager) load(ctx context.Context, hash string) (*storage.RefreshToken, error) {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()

	data, err := m.store.Get(sctx, m.recordKey(hash))
	if err != nil {
		return nil, err
	}
	var rt storage.RefreshToken
	if err := json.Unmarshal(data, &rt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}
	rt.TokenHash = hash
	return &rt, nil
}

// ValidateRefresh returns the stored token if it exists, is active, has not
// expired and belongs to clientID. Every failure is ErrInvalidGrant.
func (m *Manager) ValidateRefresh(ctx context.Context, token, clientID string) (*storage.RefreshToken, error) {
	if token == "" {
		return nil, ErrInvalidGrant
	}
	hash := HashToken(token)
	hashPrefix := util.SafeTruncate(hash, hashLogLength)

	rt, err := m.load(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			if m.cfg.DetectReuse {
				m.checkReuse(ctx, hash, clientID)
			}
		} else {
			m.logger.Error("Failed to load refresh token", "token_hash_prefix", hashPrefix, "error", err)
		}
		return nil, ErrInvalidGrant
	}

	if !rt.IsActive {
		m.logger.Debug("Inactive refresh token presented", "token_hash_prefix", hashPrefix)
		return nil, ErrInvalidGrant
	}

	if !m.now().Before(rt.ExpiresAt) {
		m.logger.Debug("Expired refresh token presented", "token_hash_prefix", hashPrefix)
		m.deleteKeys(ctx, m.keysFor(rt)...)
		return nil, ErrInvalidGrant
	}

	if rt.ClientID != clientID {
		m.logger.Warn("Refresh token presented by another client",
			"token_hash_prefix", hashPrefix,
			"token_client_id", rt.ClientID,
			"presenting_client_id", clientID)
		m.cfg.Auditor.LogAuthFailure(rt.UserID, clientID, "", "refresh_token_client_mismatch")
		return nil, ErrInvalidGrant
	}

	return rt, nil
}

// ============================================================
// Rotation
// ============================================================

// Rotate validates old, invalidates it and issues a successor for the same
// user and client. scopes may narrow the original grant but never widen it;
// nil keeps the original scopes. No token is issued when validation fails.
func (m *Manager) Rotate(ctx context.Context, old, clientID, userID string, scopes []string) (string, error) {
	rt, err := m.ValidateRefresh(ctx, old, clientID)
	if err != nil {
		return "", err
	}
	if rt.UserID != userID {
		return "", ErrInvalidGrant
	}
	if scopes == nil {
		scopes = rt.Scopes
	} else if !util.IsSubset(scopes, rt.Scopes) {
		return "", ErrInvalidScope
	}
	return m.rotate(ctx, rt, scopes)
}

func (m *Manager) rotate(ctx context.Context, rt *storage.RefreshToken, scopes []string) (string, error) {
	hashPrefix := util.SafeTruncate(rt.TokenHash, hashLogLength)

	uses, err := m.claim(ctx, rt.TokenHash)
	if err != nil {
		m.logger.Error("Failed to claim refresh token for rotation", "token_hash_prefix", hashPrefix, "error", err)
		return "", ErrInvalidGrant
	}
	if uses != 1 {
		m.logger.Warn("Concurrent refresh token rotation rejected", "token_hash_prefix", hashPrefix, "attempt", uses)
		return "", ErrInvalidGrant
	}

	if m.cfg.DetectReuse {
		remaining := rt.ExpiresAt.Sub(m.now())
		if remaining < time.Second {
			remaining = time.Second
		}
		tctx, tcancel := m.storeCtx(ctx)
		err := m.store.Set(tctx, m.usedKey(rt.TokenHash), []byte(rt.FamilyID), remaining)
		tcancel()
		if err != nil {
			m.logger.Warn("Failed to record rotated token tombstone", "token_hash_prefix", hashPrefix, "error", err)
		}
	}

	dctx, dcancel := m.storeCtx(ctx)
	oldKeys := []string{m.recordKey(rt.TokenHash), m.indexKey(rt.UserID, rt.ClientID, rt.TokenHash)}
	err = m.store.Delete(dctx, oldKeys...)
	dcancel()
	if err != nil {
		return "", fmt.Errorf("failed to delete rotated refresh token: %w", err)
	}

	// The family key of the old token stays so the family can still be
	// revoked as a whole; it expires with the old token.
	family := ""
	if m.cfg.DetectReuse {
		family = rt.FamilyID
	}
	return m.issue(ctx, rt.ClientID, rt.UserID, scopes, family)
}

// claim bumps the use counter of a token. Only the caller that sees 1 owns
// the token; rotation and revocation both claim before deleting.
func (m *Manager) claim(ctx context.Context, hash string) (int64, error) {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	return m.store.Increment(sctx, m.usesKey(hash))
}

// RefreshAccessToken validates token, mints an access token and rotates the
// refresh token. This is the only way access tokens are reissued.
func (m *Manager) RefreshAccessToken(ctx context.Context, token, clientID string) (*Grant, error) {
	return m.RefreshAccessTokenScoped(ctx, token, clientID, nil)
}

// RefreshAccessTokenScoped is RefreshAccessToken with an optional narrower
// scope set (RFC 6749 section 6). Both the access token and the rotated
// refresh token carry the narrowed scopes. Scopes beyond the original grant
// fail with ErrInvalidScope before the token is consumed.
func (m *Manager) RefreshAccessTokenScoped(ctx context.Context, token, clientID string, scopes []string) (*Grant, error) {
	ctx, span := instrumentation.StartSpan(ctx, m.cfg.Instrumentation, "token", "token.RefreshAccessToken")
	defer span.End()

	if m.signer == nil {
		return nil, fmt.Errorf("no access token signer configured")
	}

	rt, err := m.ValidateRefresh(ctx, token, clientID)
	if err != nil {
		instrumentation.SetSpanError(span, "invalid refresh token")
		return nil, err
	}

	if scopes == nil {
		scopes = rt.Scopes
	} else if !util.IsSubset(scopes, rt.Scopes) {
		instrumentation.SetSpanError(span, "scope exceeds grant")
		return nil, ErrInvalidScope
	}

	access, err := m.signer.SignAccessToken(ctx, rt.UserID, rt.ClientID, scopes, m.cfg.AccessTokenTTL)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	next, err := m.rotate(ctx, rt, scopes)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	scope := util.JoinScope(scopes)
	instrumentation.AddOAuthFlowAttributes(span, rt.ClientID, rt.UserID, scope)
	instrumentation.SetSpanSuccess(span)
	m.cfg.Instrumentation.Metrics().RecordTokenRefresh(ctx, rt.ClientID)
	m.cfg.Auditor.LogTokenRefreshed(rt.UserID, rt.ClientID)

	return &Grant{
		AccessToken:  access,
		RefreshToken: next,
		ExpiresIn:    int(m.cfg.AccessTokenTTL.Seconds()),
		Scope:        scope,
	}, nil
}

// checkReuse handles a token that no longer exists. If it was rotated, the
// whole family is revoked.
func (m *Manager) checkReuse(ctx context.Context, hash, clientID string) {
	sctx, cancel := m.storeCtx(ctx)
	family, err := m.store.Get(sctx, m.usedKey(hash))
	cancel()
	if err != nil {
		return
	}

	revoked, err := m.revokeFamily(ctx, string(family))
	m.logger.Warn("Refresh token reuse detected, revoking token family",
		"token_hash_prefix", util.SafeTruncate(hash, hashLogLength),
		"client_id", clientID,
		"revoked", revoked,
		"error", err)
	m.cfg.Instrumentation.Metrics().RecordTokenReuseDetected(ctx)
	m.cfg.Instrumentation.Metrics().RecordTokenRevocation(ctx, "reuse_detected", revoked)
	m.cfg.Auditor.LogEvent(security.Event{
		Type:     security.EventRefreshTokenReuseDetected,
		ClientID: clientID,
		Details:  map[string]any{"revoked_tokens": revoked},
	})
}

func (m *Manager) revokeFamily(ctx context.Context, family string) (int, error) {
	if family == "" {
		return 0, nil
	}
	sctx, cancel := m.storeCtx(ctx)
	keys, err := m.store.Scan(sctx, m.familyPrefix(family))
	cancel()
	if err != nil {
		return 0, fmt.Errorf("failed to scan token family: %w", err)
	}

	revoked := 0
	for _, key := range keys {
		hash := strings.TrimPrefix(key, m.familyPrefix(family))
		if rt, err := m.load(ctx, hash); err == nil {
			m.burn(ctx, rt.TokenHash)
			m.deleteKeys(ctx, m.keysFor(rt)...)
			revoked++
		}
		m.deleteKeys(ctx, key)
	}
	return revoked, nil
}

// ============================================================
// Revocation
// ============================================================

// Revoke invalidates a single refresh token. Unknown tokens are ignored
// (RFC 7009 section 2.2).
func (m *Manager) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	rt, err := m.load(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load refresh token: %w", err)
	}

	m.burn(ctx, rt.TokenHash)
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	if err := m.store.Delete(sctx, m.keysFor(rt)...); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	m.cfg.Instrumentation.Metrics().RecordTokenRevocation(ctx, "revoked", 1)
	m.cfg.Auditor.LogEvent(security.Event{
		Type:     security.EventTokenRevoked,
		UserID:   rt.UserID,
		ClientID: rt.ClientID,
	})
	return nil
}

// RevokeAllFor revokes every refresh token of userID, or only those issued
// to *clientID when clientID is non-nil. It returns the number revoked.
func (m *Manager) RevokeAllFor(ctx context.Context, userID string, clientID *string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("user_id is required")
	}

	prefix := m.indexPrefix(userID, clientID)
	sctx, cancel := m.storeCtx(ctx)
	keys, err := m.store.Scan(sctx, prefix)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("failed to scan refresh token index: %w", err)
	}

	revoked := 0
	for _, key := range keys {
		hash := key[strings.LastIndex(key, ":")+1:]
		toDelete := []string{key, m.recordKey(hash)}
		if rt, err := m.load(ctx, hash); err == nil {
			m.burn(ctx, hash)
			toDelete = m.keysFor(rt)
		}

		dctx, dcancel := m.storeCtx(ctx)
		err := m.store.Delete(dctx, toDelete...)
		dcancel()
		if err != nil {
			return revoked, fmt.Errorf("failed to revoke refresh token: %w", err)
		}
		revoked++
	}

	client := ""
	if clientID != nil {
		client = *clientID
	}
	m.cfg.Instrumentation.Metrics().RecordTokenRevocation(ctx, "revoke_all", revoked)
	m.cfg.Auditor.LogTokensRevoked(userID, client, "revoke_all", revoked)
	return revoked, nil
}

// burn claims a token ahead of deleting it so that a rotation already past
// validation cannot mint a successor.
func (m *Manager) burn(ctx context.Context, hash string) {
	if _, err := m.claim(context.WithoutCancel(ctx), hash); err != nil {
		m.logger.Warn("Failed to burn refresh token counter",
			"token_hash_prefix", util.SafeTruncate(hash, hashLogLength),
			"error", err)
	}
}

// deleteKeys removes keys on a best-effort basis, even after ctx ends.
func (m *Manager) deleteKeys(ctx context.Context, keys ...string) {
	dctx, cancel := m.storeCtx(context.WithoutCancel(ctx))
	defer cancel()
	if err := m.store.Delete(dctx, keys...); err != nil {
		m.logger.Warn("Failed to delete refresh token keys", "error", err)
	}
}

// ============================================================
// Maintenance
// ============================================================

// CleanupExpired removes expired token records and index entries whose
// record no longer exists.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	sctx, cancel := m.storeCtx(ctx)
	keys, err := m.store.Scan(sctx, m.cfg.KeyPrefix+recordKeyPrefix)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("failed to scan refresh tokens: %w", err)
	}

	now := m.now()
	removed := 0
	for _, key := range keys {
		rt, err := m.load(ctx, strings.TrimPrefix(key, m.cfg.KeyPrefix+recordKeyPrefix))
		if err != nil || now.Before(rt.ExpiresAt) {
			continue
		}
		m.deleteKeys(ctx, m.keysFor(rt)...)
		removed++
	}

	sctx, cancel = m.storeCtx(ctx)
	indexKeys, err := m.store.Scan(sctx, m.cfg.KeyPrefix+indexKeyPrefix)
	cancel()
	if err != nil {
		return removed, fmt.Errorf("failed to scan refresh token index: %w", err)
	}
	for _, key := range indexKeys {
		hash := key[strings.LastIndex(key, ":")+1:]
		if _, err := m.load(ctx, hash); errors.Is(err, storage.ErrNotFound) {
			m.deleteKeys(ctx, key)
		}
	}

	if removed > 0 {
		m.logger.Debug("Cleaned up expired refresh tokens", "count", removed)
	}
	return removed, nil
}

// Statistics counts stored refresh tokens.
func (m *Manager) Statistics(ctx context.Context) (Stats, error) {
	sctx, cancel := m.storeCtx(ctx)
	keys, err := m.store.Scan(sctx, m.cfg.KeyPrefix+recordKeyPrefix)
	cancel()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to scan refresh tokens: %w", err)
	}

	var stats Stats
	clients := make(map[string]struct{})
	users := make(map[string]struct{})
	now := m.now()

	for _, key := range keys {
		rt, err := m.load(ctx, strings.TrimPrefix(key, m.cfg.KeyPrefix+recordKeyPrefix))
		if err != nil {
			continue
		}
		stats.Total++
		switch {
		case !now.Before(rt.ExpiresAt):
			stats.Expired++
		case rt.IsActive:
			stats.Active++
		}
		clients[rt.ClientID] = struct{}{}
		users[rt.UserID] = struct{}{}
	}
	stats.UniqueClients = len(clients)
	stats.UniqueUsers = len(users)
	return stats, nil
}
