// Package authcode issues and redeems single-use OAuth authorization codes.
//
// Codes live in a storage.EphemeralStore next to a usage counter with the
// same TTL. Redemption increments the counter atomically; only the caller
// observing the 0 to 1 transition receives the code. Every other outcome
// (replay, race, expiry, unknown code, store failure) is reported as
// ErrInvalidGrant so callers cannot probe for code existence.
package authcode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-authz/instrumentation"
	"github.com/giantswarm/oauth-authz/internal/util"
	"github.com/giantswarm/oauth-authz/security"
	"github.com/giantswarm/oauth-authz/storage"
)

const (
	// DefaultCodeTTL is the default authorization code lifetime.
	DefaultCodeTTL = 10 * time.Minute

	// MaxCodeTTL caps the code lifetime (RFC 6749 section 4.1.2).
	MaxCodeTTL = 10 * time.Minute

	// DefaultStoreTimeout bounds each store call.
	DefaultStoreTimeout = 5 * time.Second

	codeKeyPrefix = "code:"
	usesKeyPrefix = "code_uses:"

	codeLogLength = 8
)

// ErrInvalidGrant is the only error returned by Redeem.
var ErrInvalidGrant = errors.New("invalid authorization code")

// Config configures a Manager.
type Config struct {
	// CodeTTL is the code lifetime (default and maximum 10 minutes)
	CodeTTL time.Duration

	// StoreTimeout bounds every store call (default and maximum 5 seconds)
	StoreTimeout time.Duration

	// KeyPrefix namespaces keys inside the ephemeral store (optional)
	KeyPrefix string

	Logger          *slog.Logger
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Manager issues and redeems authorization codes.
type Manager struct {
	store  storage.EphemeralStore
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// IssueRequest carries what an authorization code is bound to.
type IssueRequest struct {
	ClientID            string
	UserID              string
	RedirectURI         string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
}

// New creates a Manager on store.
func New(store storage.EphemeralStore, cfg Config) *Manager {
	if cfg.CodeTTL <= 0 || cfg.CodeTTL > MaxCodeTTL {
		cfg.CodeTTL = DefaultCodeTTL
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
	return &Manager{store: store, cfg: cfg, logger: logger, now: now}
}

// CodeTTL returns the effective code lifetime.
func (m *Manager) CodeTTL() time.Duration {
	return m.cfg.CodeTTL
}

func (m *Manager) codeKey(code string) string {
	return m.cfg.KeyPrefix + codeKeyPrefix + code
}

func (m *Manager) usesKey(code string) string {
	return m.cfg.KeyPrefix + usesKeyPrefix + code
}

// storeCtx derives the bounded context for one store call.
func (m *Manager) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.StoreTimeout)
}

// Issue generates a code bound to req and persists it with a zeroed usage
// counter under the same TTL.
func (m *Manager) Issue(ctx context.Context, req IssueRequest) (string, error) {
	ctx, span := instrumentation.StartSpan(ctx, m.cfg.Instrumentation, "authcode", "authcode.Issue")
	defer span.End()

	if req.ClientID == "" || req.UserID == "" || req.RedirectURI == "" {
		return "", fmt.Errorf("client_id, user_id and redirect_uri are required")
	}
	if req.CodeChallenge == "" || req.CodeChallengeMethod == "" {
		return "", fmt.Errorf("code_challenge and code_challenge_method are required")
	}

	// 32 random bytes, base64url encoded.
	code := oauth2.GenerateVerifier()
	now := m.now()

	record := storage.AuthorizationCode{
		ClientID:            req.ClientID,
		UserID:              req.UserID,
		RedirectURI:         req.RedirectURI,
		Scopes:              req.Scopes,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ExpiresAt:           now.Add(m.cfg.CodeTTL),
		CreatedAt:           now,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	sctx, cancel := m.storeCtx(ctx)
	defer cancel()

	if err := m.store.Set(sctx, m.usesKey(code), []byte("0"), m.cfg.CodeTTL); err != nil {
		instrumentation.RecordError(span, err)
		return "", fmt.Errorf("failed to store code counter: %w", err)
	}
	if err := m.store.Set(sctx, m.codeKey(code), data, m.cfg.CodeTTL); err != nil {
		m.deleteKeys(ctx, code)
		instrumentation.RecordError(span, err)
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}

	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, req.UserID, util.JoinScope(req.Scopes))
	m.cfg.Instrumentation.Metrics().RecordCodeIssued(ctx, req.ClientID)
	m.cfg.Auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationCodeIssued,
		UserID:   req.UserID,
		ClientID: req.ClientID,
	})
	m.logger.Debug("Issued authorization code",
		"client_id", req.ClientID,
		"code_prefix", util.SafeTruncate(code, codeLogLength))

	return code, nil
}

// Redeem consumes code. It returns the stored code with Used set, or
// ErrInvalidGrant. The first attempt consumes the code even if the caller
// later rejects it (for example on a PKCE mismatch).
func (m *Manager) Redeem(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := instrumentation.StartSpan(ctx, m.cfg.Instrumentation, "authcode", "authcode.Redeem")
	defer span.End()

	if code == "" {
		return nil, ErrInvalidGrant
	}
	codePrefix := util.SafeTruncate(code, codeLogLength)

	sctx, cancel := m.storeCtx(ctx)
	uses, err := m.store.Increment(sctx, m.usesKey(code))
	cancel()
	if err != nil {
		m.logger.Error("Failed to increment code counter, rejecting redemption",
			"code_prefix", codePrefix, "error", err)
		instrumentation.RecordError(span, err)
		return nil, ErrInvalidGrant
	}

	if uses != 1 {
		m.handleReplay(ctx, code, uses)
		instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrCodeReuse, true))
		instrumentation.SetSpanError(span, "authorization code reuse")
		return nil, ErrInvalidGrant
	}

	record, err := m.load(ctx, code)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Error("Failed to load authorization code, rejecting redemption",
				"code_prefix", codePrefix, "error", err)
		}
		// INCR created the counter for an unknown code.
		m.deleteKeys(ctx, code)
		return nil, ErrInvalidGrant
	}

	if !m.now().Before(record.ExpiresAt) {
		m.logger.Debug("Authorization code expired", "code_prefix", codePrefix, "client_id", record.ClientID)
		m.deleteKeys(ctx, code)
		return nil, ErrInvalidGrant
	}

	// The counter stays until its TTL so later replays are detected.
	dctx, dcancel := m.storeCtx(ctx)
	err = m.store.Delete(dctx, m.codeKey(code))
	dcancel()
	if err != nil {
		m.logger.Error("Failed to delete redeemed code, rejecting redemption",
			"code_prefix", codePrefix, "error", err)
		return nil, ErrInvalidGrant
	}

	record.Code = code
	record.Used = true
	instrumentation.AddOAuthFlowAttributes(span, record.ClientID, record.UserID, "")
	instrumentation.SetSpanSuccess(span)
	return record, nil
}

func (m *Manager) load(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()

	data, err := m.store.Get(sctx, m.codeKey(code))
	if err != nil {
		return nil, err
	}
	var record storage.AuthorizationCode
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	return &record, nil
}

// handleReplay invalidates a code presented more than once and audits it.
func (m *Manager) handleReplay(ctx context.Context, code string, uses int64) {
	var clientID, userID string
	if record, err := m.load(ctx, code); err == nil {
		clientID, userID = record.ClientID, record.UserID
	}
	m.deleteKeys(ctx, code)

	m.logger.Warn("Authorization code reuse detected",
		"code_prefix", util.SafeTruncate(code, codeLogLength),
		"client_id", clientID,
		"attempt", uses)
	m.cfg.Instrumentation.Metrics().RecordCodeReuseDetected(ctx)
	m.cfg.Auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationCodeReuseDetected,
		UserID:   userID,
		ClientID: clientID,
		Details:  map[string]any{"attempt": uses},
	})
}

// deleteKeys removes the code and its counter. It runs even when ctx is
// already canceled.
func (m *Manager) deleteKeys(ctx context.Context, code string) {
	dctx, cancel := m.storeCtx(context.WithoutCancel(ctx))
	defer cancel()
	if err := m.store.Delete(dctx, m.codeKey(code), m.usesKey(code)); err != nil {
		m.logger.Warn("Failed to delete authorization code keys",
			"code_prefix", util.SafeTruncate(code, codeLogLength), "error", err)
	}
}

// Revoke invalidates code before it expires.
func (m *Manager) Revoke(ctx context.Context, code string) error {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	if err := m.store.Delete(sctx, m.codeKey(code), m.usesKey(code)); err != nil {
		return fmt.Errorf("failed to revoke authorization code: %w", err)
	}
	return nil
}

// CleanupExpired deletes code records past expires_at together with their
// counters. Backends with native TTL rarely hold any; the sweep covers
// clock skew and stores without expiry.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	sctx, cancel := m.storeCtx(ctx)
	keys, err := m.store.Scan(sctx, m.cfg.KeyPrefix+codeKeyPrefix)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("failed to scan authorization codes: %w", err)
	}

	now := m.now()
	removed := 0
	for _, key := range keys {
		code := strings.TrimPrefix(key, m.cfg.KeyPrefix+codeKeyPrefix)
		record, err := m.load(ctx, code)
		if err != nil {
			continue
		}
		if now.Before(record.ExpiresAt) {
			continue
		}

		dctx, dcancel := m.storeCtx(ctx)
		err = m.store.Delete(dctx, m.codeKey(code), m.usesKey(code))
		dcancel()
		if err != nil {
			return removed, fmt.Errorf("failed to delete expired code: %w", err)
		}
		removed++
	}

	if removed > 0 {
		m.logger.Debug("Cleaned up expired authorization codes", "count", removed)
	}
	return removed, nil
}
