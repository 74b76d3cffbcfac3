package server

import (
	"context"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth-authz/instrumentation"
	"github.com/giantswarm/oauth-authz/internal/util"
	"github.com/giantswarm/oauth-authz/pkce"
	"github.com/giantswarm/oauth-authz/registry"
	"github.com/giantswarm/oauth-authz/security"
	"github.com/giantswarm/oauth-authz/storage"
	"github.com/giantswarm/oauth-authz/token"
)

// Grant types.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// TokenRequest holds the parameters of a token request (RFC 6749 sections
// 4.1.3 and 6). Client credentials come from Basic auth or the form.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string

	Code         string
	RedirectURI  string
	CodeVerifier string

	RefreshToken string
	Scope        string
}

// TokenResponse is a successful token response (RFC 6749 section 5.1).
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Token handles the token endpoint. Failures are *Error values with
// generic descriptions; nothing is retried.
func (s *Server) Token(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	ctx, span := instrumentation.StartSpan(ctx, s.Instrumentation, "server", "server.Token")
	defer span.End()
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, req.GrantType))

	var (
		resp *TokenResponse
		oerr *Error
	)
	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		resp, oerr = s.exchangeCode(ctx, req)
	case GrantTypeRefreshToken:
		resp, oerr = s.refresh(ctx, req)
	case "":
		oerr = invalidRequest("grant_type is required")
	default:
		oerr = newError(ErrorCodeUnsupportedGrantType, "grant_type is not supported", http.StatusBadRequest)
	}

	if oerr != nil {
		instrumentation.SetSpanError(span, oerr.Code)
		return nil, oerr
	}
	instrumentation.SetSpanSuccess(span)
	return resp, nil
}

func (s *Server) authenticateClient(ctx context.Context, req TokenRequest) (*storage.Client, *Error) {
	if req.ClientID == "" {
		return nil, invalidClient()
	}
	client, err := s.registry.Validate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		if !errors.Is(err, registry.ErrInvalidClient) {
			s.Logger.Error("Client authentication error", "client_id", req.ClientID, "error", err)
			return nil, serverError()
		}
		return nil, invalidClient()
	}
	return client, nil
}

// exchangeCode redeems an authorization code. The code is consumed by
// Redeem before any other check, so a failed PKCE or redirect check still
// burns it.
func (s *Server) exchangeCode(ctx context.Context, req TokenRequest) (*TokenResponse, *Error) {
	client, oerr := s.authenticateClient(ctx, req)
	if oerr != nil {
		return nil, oerr
	}
	if req.Code == "" {
		return nil, invalidRequest("code is required")
	}

	f := newFlow(StateCodeIssued)
	fail := func(reason string, userID string) (*TokenResponse, *Error) {
		_ = f.to(StateTerminal)
		s.Logger.Debug("Authorization code exchange failed",
			"reason", reason,
			"client_id", client.ClientID,
			"code_prefix", util.SafeTruncate(req.Code, logPrefixLength))
		s.Auditor.LogAuthFailure(userID, client.ClientID, "", reason)
		return nil, invalidGrant()
	}

	code, err := s.codes.Redeem(ctx, req.Code)
	if err != nil {
		return fail("invalid_authorization_code", "")
	}

	if code.ClientID != client.ClientID {
		return fail("client_id_mismatch", code.UserID)
	}
	if code.RedirectURI != req.RedirectURI {
		return fail("redirect_uri_mismatch", code.UserID)
	}
	if !pkce.Validate(req.CodeVerifier, code.CodeChallenge, code.CodeChallengeMethod) {
		s.Instrumentation.Metrics().RecordPKCEValidationFailed(ctx, code.CodeChallengeMethod)
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventPKCEValidationFailed,
			UserID:   code.UserID,
			ClientID: client.ClientID,
			Details:  map[string]any{"method": code.CodeChallengeMethod},
		})
		return fail("pkce_validation_failed", code.UserID)
	}

	// Client scopes and consent may have changed since the code was issued.
	if !util.IsSubset(code.Scopes, client.Scopes) {
		return fail("scope_no_longer_allowed_for_client", code.UserID)
	}
	existing, err := s.consents.GetExisting(ctx, code.UserID, client.ClientID, code.Scopes)
	if err != nil {
		s.Logger.Error("Failed to re-check consent", "client_id", client.ClientID, "error", err)
		return nil, serverError()
	}
	if existing == nil {
		return fail("consent_revoked", code.UserID)
	}

	ttl := s.tokens.AccessTokenTTL()
	access, err := s.signer.SignAccessToken(ctx, code.UserID, client.ClientID, code.Scopes, ttl)
	if err != nil {
		s.Logger.Error("Failed to sign access token", "client_id", client.ClientID, "error", err)
		return nil, serverError()
	}
	refresh, err := s.tokens.IssueRefresh(ctx, client.ClientID, code.UserID, code.Scopes)
	if err != nil {
		s.Logger.Error("Failed to issue refresh token", "client_id", client.ClientID, "error", err)
		return nil, serverError()
	}
	_ = f.to(StateTokenExchanged)

	scope := util.JoinScope(code.Scopes)
	s.Instrumentation.Metrics().RecordCodeExchange(ctx, client.ClientID, code.CodeChallengeMethod)
	s.Auditor.LogTokenIssued(code.UserID, client.ClientID, scope)
	s.Logger.Info("Authorization code exchanged",
		"client_id", client.ClientID,
		"scope", scope)

	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int(ttl.Seconds()),
		RefreshToken: refresh,
		Scope:        scope,
	}, nil
}

func (s *Server) refresh(ctx context.Context, req TokenRequest) (*TokenResponse, *Error) {
	client, oerr := s.authenticateClient(ctx, req)
	if oerr != nil {
		return nil, oerr
	}
	if req.RefreshToken == "" {
		return nil, invalidRequest("refresh_token is required")
	}

	requested := util.ParseScope(req.Scope)
	rt, err := s.tokens.ValidateRefresh(ctx, req.RefreshToken, client.ClientID)
	if err != nil {
		if errors.Is(err, token.ErrInvalidGrant) {
			return nil, invalidGrant()
		}
		s.Logger.Error("Failed to validate refresh token", "client_id", client.ClientID, "error", err)
		return nil, serverError()
	}

	// Tokens must not outlive the consent behind them, even if a revocation
	// cascade only half completed. Widening is rejected below as
	// invalid_scope, so only the grant's own scopes are checked here.
	covered := rt.Scopes
	if requested != nil && util.IsSubset(requested, rt.Scopes) {
		covered = requested
	}
	existing, err := s.consents.GetExisting(ctx, rt.UserID, client.ClientID, covered)
	if err != nil {
		s.Logger.Error("Failed to re-check consent", "client_id", client.ClientID, "error", err)
		return nil, serverError()
	}
	if existing == nil {
		n, rerr := s.tokens.RevokeAllFor(ctx, rt.UserID, &client.ClientID)
		s.Logger.Warn("Refresh rejected without active consent",
			"client_id", client.ClientID,
			"tokens_revoked", n,
			"error", rerr)
		s.Auditor.LogAuthFailure(rt.UserID, client.ClientID, "", "consent_revoked")
		return nil, invalidGrant()
	}

	grant, err := s.tokens.RefreshAccessTokenScoped(ctx, req.RefreshToken, client.ClientID, requested)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrInvalidGrant):
			return nil, invalidGrant()
		case errors.Is(err, token.ErrInvalidScope):
			return nil, invalidScope("requested scope exceeds the original grant")
		default:
			s.Logger.Error("Failed to refresh access token", "client_id", client.ClientID, "error", err)
			return nil, serverError()
		}
	}

	return &TokenResponse{
		AccessToken:  grant.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    grant.ExpiresIn,
		RefreshToken: grant.RefreshToken,
		Scope:        grant.Scope,
	}, nil
}

// RevokeRequest is a token revocation request (RFC 7009).
type RevokeRequest struct {
	Token        string
	ClientID     string
	ClientSecret string
}

// Revoke revokes a refresh token belonging to the authenticated client.
// Unknown tokens and tokens of other clients succeed silently (RFC 7009
// section 2.2); only client authentication failures are reported.
func (s *Server) Revoke(ctx context.Context, req RevokeRequest) error {
	client, oerr := s.authenticateClient(ctx, TokenRequest{ClientID: req.ClientID, ClientSecret: req.ClientSecret})
	if oerr != nil {
		return oerr
	}
	if req.Token == "" {
		return invalidRequest("token is required")
	}

	if _, err := s.tokens.ValidateRefresh(ctx, req.Token, client.ClientID); err != nil {
		return nil
	}
	if err := s.tokens.Revoke(ctx, req.Token); err != nil {
		s.Logger.Error("Failed to revoke refresh token", "client_id", client.ClientID, "error", err)
		return serverError()
	}
	return nil
}
