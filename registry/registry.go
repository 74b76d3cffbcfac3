// Package registry manages registered OAuth clients: registration,
// authentication, redirect URI matching and lifecycle.
//
// Client secrets are returned once, at registration or regeneration, and
// stored only as bcrypt or argon2id hashes. Deactivating or deleting a
// client revokes every consent given to it, which in turn revokes the
// refresh tokens issued under those consents.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-authz/instrumentation"
	"github.com/giantswarm/oauth-authz/internal/util"
	"github.com/giantswarm/oauth-authz/security"
	"github.com/giantswarm/oauth-authz/storage"
)

// DefaultStoreTimeout bounds each store call.
const DefaultStoreTimeout = 5 * time.Second

// ErrInvalidClient is returned by Validate for every authentication failure.
var ErrInvalidClient = errors.New("invalid client")

// ConsentRevoker revokes all consents given to a client.
type ConsentRevoker interface {
	RevokeAllForClient(ctx context.Context, clientID string) (int, error)
}

// Config configures a Registry.
type Config struct {
	// ScopeCatalog lists every scope a client may register for. Required.
	ScopeCatalog []string

	// Hasher hashes client secrets. Defaults to bcrypt.
	Hasher *security.SecretHasher

	// StoreTimeout bounds every store call (default and maximum 5 seconds)
	StoreTimeout time.Duration

	Logger          *slog.Logger
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Registration describes a client to register.
type Registration struct {
	Name         string
	Description  string
	Website      string
	ClientType   string
	RedirectURIs []string
	Scopes       []string

	// Owner is the registering identity, if any.
	Owner string

	AllowPlainPKCE bool
}

// RegisteredClient is the result of a registration. ClientSecret is only
// set for confidential clients and is never retrievable again.
type RegisteredClient struct {
	Client       *storage.Client
	ClientSecret string
}

// Update lists the fields to change. Nil fields stay unchanged.
type Update struct {
	Name           *string
	Description    *string
	Website        *string
	RedirectURIs   []string
	Scopes         []string
	AllowPlainPKCE *bool
}

// Registry manages OAuth clients.
type Registry struct {
	store    storage.ClientStore
	consents ConsentRevoker
	hasher   *security.SecretHasher
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Registry.
func New(store storage.ClientStore, cfg Config) (*Registry, error) {
	if len(cfg.ScopeCatalog) == 0 {
		return nil, fmt.Errorf("registry: scope catalog must not be empty")
	}
	if cfg.StoreTimeout <= 0 || cfg.StoreTimeout > DefaultStoreTimeout {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	hasher := cfg.Hasher
	if hasher == nil {
		var err error
		if hasher, err = security.NewSecretHasher(security.HashAlgorithmBcrypt); err != nil {
			return nil, err
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Registry{
		store:  store,
		hasher: hasher,
		cfg:    cfg,
		logger: logger,
		now:    now,
	}, nil
}

// SetConsentRevoker sets the consent cascade target. The consent manager
// looks clients up through the registry, so it is wired after construction.
func (r *Registry) SetConsentRevoker(c ConsentRevoker) {
	r.consents = c
}

// ScopeCatalog returns the scopes clients may register for.
func (r *Registry) ScopeCatalog() []string {
	return slices.Clone(r.cfg.ScopeCatalog)
}

func (r *Registry) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.cfg.StoreTimeout)
}

func (r *Registry) save(ctx context.Context, client *storage.Client) error {
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()
	if err := r.store.SaveClient(sctx, client); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	return nil
}

// update writes client metadata without touching its active flag.
func (r *Registry) update(ctx context.Context, client *storage.Client) error {
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()
	if err := r.store.UpdateClient(sctx, client); err != nil {
		return fmt.Errorf("failed to update client: %w", err)
	}
	return nil
}

func (r *Registry) rejected(reg Registration, err error) error {
	var verr *ValidationError
	if errors.As(err, &verr) {
		r.logger.Warn("Client registration rejected",
			"category", verr.Category,
			"reason", verr.Reason)
		r.cfg.Auditor.LogClientEvent(security.EventClientRegistrationRejected, "", reg.Owner, map[string]any{
			"category": verr.Category,
		})
	}
	return err
}

// Register validates reg and stores a new client.
func (r *Registry) Register(ctx context.Context, reg Registration) (*RegisteredClient, error) {
	ctx, span := instrumentation.StartSpan(ctx, r.cfg.Instrumentation, "registry", "registry.Register")
	defer span.End()

	name, err := validateName(reg.Name)
	if err != nil {
		return nil, r.rejected(reg, err)
	}
	if err := validateClientType(reg.ClientType); err != nil {
		return nil, r.rejected(reg, err)
	}
	if err := validateRedirectURIs(reg.RedirectURIs); err != nil {
		return nil, r.rejected(reg, err)
	}
	scopes := util.ParseScope(util.JoinScope(reg.Scopes))
	if err := r.validateScopes(scopes); err != nil {
		return nil, r.rejected(reg, err)
	}
	if err := validateWebsite(reg.Website); err != nil {
		return nil, r.rejected(reg, err)
	}

	now := r.now()
	client := &storage.Client{
		ClientID:       uuid.NewString(),
		ClientType:     reg.ClientType,
		RedirectURIs:   slices.Clone(reg.RedirectURIs),
		Scopes:         scopes,
		Owner:          reg.Owner,
		Name:           name,
		Description:    reg.Description,
		Website:        reg.Website,
		AllowPlainPKCE: reg.AllowPlainPKCE,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var secret string
	if client.IsConfidential() {
		secret, client.ClientSecretHash, err = r.newSecret()
		if err != nil {
			instrumentation.RecordError(span, err)
			return nil, err
		}
	}

	if err := r.save(ctx, client); err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.ClientType))
	instrumentation.SetSpanSuccess(span)
	r.cfg.Instrumentation.Metrics().RecordClientRegistration(ctx, client.ClientType)
	r.cfg.Auditor.LogClientEvent(security.EventClientRegistered, client.ClientID, client.Owner, map[string]any{
		"client_type": client.ClientType,
	})
	r.logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.Name,
		"client_type", client.ClientType)

	return &RegisteredClient{Client: client.Clone(), ClientSecret: secret}, nil
}

func (r *Registry) newSecret() (string, string, error) {
	secret := oauth2.GenerateVerifier()
	hash, err := r.hasher.Hash(secret)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return secret, hash, nil
}

// Get returns a client, or an error wrapping storage.ErrClientNotFound.
func (r *Registry) Get(ctx context.Context, clientID string) (*storage.Client, error) {
	if clientID == "" {
		return nil, storage.ErrClientNotFound
	}
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()
	client, err := r.store.GetClient(sctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return client, nil
}

// ListByOwner returns the clients registered by owner.
func (r *Registry) ListByOwner(ctx context.Context, owner string) ([]*storage.Client, error) {
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()
	clients, err := r.store.ListClientsByOwner(sctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	return clients, nil
}

// Validate authenticates a client. Confidential clients must present their
// secret; public clients must not present one. Every failure, including an
// inactive client, is ErrInvalidClient.
func (r *Registry) Validate(ctx context.Context, clientID, secret string) (*storage.Client, error) {
	client, err := r.Get(ctx, clientID)
	if err != nil {
		if !errors.Is(err, storage.ErrClientNotFound) {
			r.logger.Error("Failed to load client for authentication", "client_id", clientID, "error", err)
		}
		r.hasher.DummyVerify(secret)
		return nil, ErrInvalidClient
	}

	reason := ""
	switch {
	case !client.IsActive:
		reason = "client_inactive"
	case client.IsConfidential():
		if secret == "" || client.ClientSecretHash == "" || !r.hasher.Verify(client.ClientSecretHash, secret) {
			reason = "invalid_client_secret"
		}
	case secret != "":
		reason = "public_client_presented_secret"
	}

	if reason != "" {
		r.logger.Warn("Client authentication failed", "client_id", clientID, "reason", reason)
		r.cfg.Auditor.LogAuthFailure("", clientID, "", reason)
		return nil, ErrInvalidClient
	}
	return client, nil
}

// ValidateRedirectURI reports whether uri exactly matches one of the
// client's registered redirect URIs. Inactive clients match nothing.
func (r *Registry) ValidateRedirectURI(ctx context.Context, clientID, uri string) bool {
	client, err := r.Get(ctx, clientID)
	if err != nil || !client.IsActive {
		return false
	}
	return slices.Contains(client.RedirectURIs, uri)
}

// ScopesFor returns the scopes a client may request.
func (r *Registry) ScopesFor(ctx context.Context, clientID string) ([]string, error) {
	client, err := r.Get(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return client.Scopes, nil
}

// ============================================================
// Lifecycle
// ============================================================

// Update applies u to a client, validating every changed field.
func (r *Registry) Update(ctx context.Context, clientID string, u Update) (*storage.Client, error) {
	client, err := r.Get(ctx, clientID)
	if err != nil {
		return nil, err
	}

	changed := []string{}
	if u.Name != nil {
		name, err := validateName(*u.Name)
		if err != nil {
			return nil, err
		}
		client.Name = name
		changed = append(changed, "name")
	}
	if u.Description != nil {
		client.Description = *u.Description
		changed = append(changed, "description")
	}
	if u.Website != nil {
		if err := validateWebsite(*u.Website); err != nil {
			return nil, err
		}
		client.Website = *u.Website
		changed = append(changed, "website")
	}
	if u.RedirectURIs != nil {
		if err := validateRedirectURIs(u.RedirectURIs); err != nil {
			return nil, err
		}
		client.RedirectURIs = slices.Clone(u.RedirectURIs)
		changed = append(changed, "redirect_uris")
	}
	if u.Scopes != nil {
		scopes := util.ParseScope(util.JoinScope(u.Scopes))
		if err := r.validateScopes(scopes); err != nil {
			return nil, err
		}
		client.Scopes = scopes
		changed = append(changed, "scopes")
	}
	if u.AllowPlainPKCE != nil {
		client.AllowPlainPKCE = *u.AllowPlainPKCE
		changed = append(changed, "allow_plain_pkce")
	}

	client.UpdatedAt = r.now()
	if err := r.update(ctx, client); err != nil {
		return nil, err
	}

	r.cfg.Auditor.LogClientEvent(security.EventClientUpdated, clientID, client.Owner, map[string]any{
		"fields": changed,
	})
	r.logger.Info("Updated OAuth client", "client_id", clientID, "fields", changed)
	return client, nil
}

// RegenerateSecret replaces the secret of a confidential client and returns
// the new plaintext. The old secret stops working immediately.
func (r *Registry) RegenerateSecret(ctx context.Context, clientID string) (string, error) {
	client, err := r.Get(ctx, clientID)
	if err != nil {
		return "", err
	}
	if !client.IsConfidential() {
		return "", fmt.Errorf("public clients have no secret")
	}
	if !client.IsActive {
		return "", ErrInvalidClient
	}

	secret, hash, err := r.newSecret()
	if err != nil {
		return "", err
	}
	client.ClientSecretHash = hash
	client.UpdatedAt = r.now()
	if err := r.update(ctx, client); err != nil {
		return "", err
	}

	r.cfg.Auditor.LogClientEvent(security.EventClientSecretRegenerated, clientID, client.Owner, nil)
	r.logger.Info("Regenerated client secret", "client_id", clientID)
	return secret, nil
}

// Deactivate disables a client and revokes every consent given to it.
func (r *Registry) Deactivate(ctx context.Context, clientID string) error {
	client, err := r.Get(ctx, clientID)
	if err != nil {
		return err
	}

	if client.IsActive {
		sctx, cancel := r.storeCtx(ctx)
		err := r.store.DeactivateClient(sctx, clientID, r.now())
		cancel()
		if err != nil {
			return fmt.Errorf("failed to deactivate client: %w", err)
		}
	}

	revoked, err := r.revokeConsents(ctx, clientID)
	if err != nil {
		return err
	}

	r.cfg.Auditor.LogClientEvent(security.EventClientDeactivated, clientID, client.Owner, map[string]any{
		"consents_revoked": revoked,
	})
	r.logger.Info("Deactivated OAuth client", "client_id", clientID, "consents_revoked", revoked)
	return nil
}

// Delete revokes every consent given to a client, then removes it.
// Deleting an unknown client is not an error.
func (r *Registry) Delete(ctx context.Context, clientID string) error {
	revoked, err := r.revokeConsents(ctx, clientID)
	if err != nil {
		return err
	}

	sctx, cancel := r.storeCtx(ctx)
	defer cancel()
	if err := r.store.DeleteClient(sctx, clientID); err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}

	r.cfg.Auditor.LogClientEvent(security.EventClientDeleted, clientID, "", map[string]any{
		"consents_revoked": revoked,
	})
	r.logger.Info("Deleted OAuth client", "client_id", clientID, "consents_revoked", revoked)
	return nil
}

func (r *Registry) revokeConsents(ctx context.Context, clientID string) (int, error) {
	if r.consents == nil {
		r.logger.Warn("No consent revoker configured, skipping cascade", "client_id", clientID)
		return 0, nil
	}
	n, err := r.consents.RevokeAllForClient(ctx, clientID)
	if err != nil {
		return n, fmt.Errorf("failed to revoke consents for client: %w", err)
	}
	return n, nil
}
