package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-authz/authcode"
	"github.com/giantswarm/oauth-authz/instrumentation"
	"github.com/giantswarm/oauth-authz/internal/util"
	"github.com/giantswarm/oauth-authz/pkce"
	"github.com/giantswarm/oauth-authz/security"
	"github.com/giantswarm/oauth-authz/storage"
)

// AuthorizeRequest holds the parameters of an authorization request
// (RFC 6749 section 4.1.1, RFC 7636 section 4.3).
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ClientInfo is the client data shown on a consent prompt.
type ClientInfo struct {
	ClientID    string `json:"client_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Website     string `json:"website,omitempty"`
}

// AuthorizeResult is the outcome of Authorize. With StateCodeIssued the
// user agent is sent to RedirectURL. With StateConsentPending the user must
// be prompted, and the decision posted back with CSRFToken.
type AuthorizeResult struct {
	State       FlowState
	RedirectURL string

	CSRFToken string
	Client    ClientInfo
	Scopes    []string
	ExpiresAt time.Time
}

// Authorize validates an authorization request for an authenticated user.
//
// Errors found before the client and redirect URI are verified are returned
// without RedirectURI and must be shown to the user. Later errors are
// redirected to the client.
func (s *Server) Authorize(ctx context.Context, userID string, req AuthorizeRequest) (*AuthorizeResult, error) {
	ctx, span := instrumentation.StartSpan(ctx, s.Instrumentation, "server", "server.Authorize")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, userID, req.Scope)

	f := newFlow(StateStart)
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	_ = f.to(StateAuthenticated)

	client, oerr := s.validateAuthorizeRequest(ctx, userID, req)
	if oerr != nil {
		_ = f.to(StateTerminal)
		instrumentation.SetSpanError(span, oerr.Code)
		return nil, oerr
	}
	scopes := util.ParseScope(req.Scope)
	s.Instrumentation.Metrics().RecordAuthorizationStarted(ctx, client.ClientID)
	s.Auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationRequested,
		UserID:   userID,
		ClientID: client.ClientID,
		Details:  map[string]any{"scope": util.JoinScope(scopes)},
	})

	existing, err := s.consents.GetExisting(ctx, userID, client.ClientID, scopes)
	if err != nil {
		s.Logger.Error("Failed to look up consent", "client_id", client.ClientID, "error", err)
		instrumentation.RecordError(span, err)
		return nil, serverError().redirected(req.RedirectURI, req.State)
	}

	if existing != nil {
		_ = f.to(StateConsentGranted)
		redirect, oerr := s.issueCode(ctx, userID, scopes, &pendingAuthorization{
			ClientID:            client.ClientID,
			RedirectURI:         req.RedirectURI,
			State:               req.State,
			CodeChallenge:       req.CodeChallenge,
			CodeChallengeMethod: req.CodeChallengeMethod,
		})
		if oerr != nil {
			instrumentation.SetSpanError(span, oerr.Code)
			return nil, oerr
		}
		_ = f.to(StateCodeIssued)
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrFlowState, string(f.state)))
		instrumentation.SetSpanSuccess(span)
		return &AuthorizeResult{State: f.state, RedirectURL: redirect}, nil
	}

	result, err := s.createPending(ctx, userID, client, scopes, req)
	if err != nil {
		s.Logger.Error("Failed to store pending authorization", "client_id", client.ClientID, "error", err)
		instrumentation.RecordError(span, err)
		return nil, serverError().redirected(req.RedirectURI, req.State)
	}
	_ = f.to(StateConsentPending)
	result.State = f.state
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrFlowState, string(f.state)))
	instrumentation.SetSpanSuccess(span)
	return result, nil
}

// validateAuthorizeRequest checks req in protocol order and returns the
// client on success.
func (s *Server) validateAuthorizeRequest(ctx context.Context, userID string, req AuthorizeRequest) (*storage.Client, *Error) {
	client, err := s.registry.Get(ctx, req.ClientID)
	if err != nil || !client.IsActive {
		if err != nil && !errors.Is(err, storage.ErrClientNotFound) {
			s.Logger.Error("Failed to load client", "client_id", req.ClientID, "error", err)
			return nil, serverError()
		}
		s.Auditor.LogAuthFailure(userID, req.ClientID, "", "unknown_or_inactive_client")
		return nil, newError(ErrorCodeInvalidClient, "unknown or inactive client", http.StatusBadRequest)
	}

	if req.RedirectURI == "" || !slices.Contains(client.RedirectURIs, req.RedirectURI) {
		s.Logger.Warn("Authorization request with unregistered redirect_uri",
			"client_id", client.ClientID,
			"redirect_uri", util.SafeTruncate(req.RedirectURI, 200))
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventInvalidRedirect,
			UserID:   userID,
			ClientID: client.ClientID,
		})
		return nil, invalidRequest("redirect_uri does not match a registered redirect URI")
	}

	// From here on errors are redirected to the verified redirect_uri.
	redirect := func(e *Error) (*storage.Client, *Error) {
		return nil, e.redirected(req.RedirectURI, req.State)
	}

	if req.ResponseType != "code" {
		return redirect(newError(ErrorCodeUnsupportedResponseType, "response_type must be code", 0))
	}

	scopes := util.ParseScope(req.Scope)
	if len(scopes) == 0 {
		return redirect(invalidScope("scope is required"))
	}
	if !util.IsSubset(scopes, client.Scopes) {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventScopeEscalationAttempt,
			UserID:   userID,
			ClientID: client.ClientID,
			Details:  map[string]any{"requested_scope": util.JoinScope(scopes)},
		})
		return redirect(invalidScope("requested scope is not allowed for this client"))
	}

	if req.CodeChallenge == "" {
		return redirect(invalidRequest("code_challenge is required"))
	}
	if req.CodeChallengeMethod == "" {
		return redirect(invalidRequest("code_challenge_method is required"))
	}
	if err := pkce.ValidateChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		if errors.Is(err, pkce.ErrUnsupportedMethod) {
			return redirect(invalidRequest("code_challenge_method is not supported"))
		}
		return redirect(invalidRequest("code_challenge is malformed"))
	}
	if !pkce.MethodAllowed(req.CodeChallengeMethod, s.Config.AllowPKCEPlain && client.AllowPlainPKCE) {
		s.Instrumentation.Metrics().RecordPKCEValidationFailed(ctx, req.CodeChallengeMethod)
		return redirect(invalidRequest("code_challenge_method is not allowed for this client"))
	}

	return client, nil
}

// pendingAuthorization is the request context parked under a consent nonce.
type pendingAuthorization = storage.PendingAuthorization

func (s *Server) pendingKey(nonce string) string {
	return s.Config.KeyPrefix + pendingKeyPrefix + nonce
}

func (s *Server) pendingUsesKey(nonce string) string {
	return s.Config.KeyPrefix + pendingUsesKeyPrefix + nonce
}

func (s *Server) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.Config.storeTimeout())
}

func (s *Server) createPending(ctx context.Context, userID string, client *storage.Client, scopes []string, req AuthorizeRequest) (*AuthorizeResult, error) {
	nonce := oauth2.GenerateVerifier()
	ttl := s.Config.consentTTL()
	expiresAt := s.now().Add(ttl)

	data, err := json.Marshal(&pendingAuthorization{
		ClientID:            client.ClientID,
		UserID:              userID,
		RedirectURI:         req.RedirectURI,
		Scopes:              scopes,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ExpiresAt:           expiresAt,
	})
	if err != nil {
		return nil, err
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.pending.Set(sctx, s.pendingUsesKey(nonce), []byte("0"), ttl); err != nil {
		return nil, err
	}
	if err := s.pending.Set(sctx, s.pendingKey(nonce), data, ttl); err != nil {
		s.deletePending(ctx, nonce)
		return nil, err
	}

	s.Logger.Debug("Consent required, authorization parked",
		"client_id", client.ClientID,
		"nonce_prefix", util.SafeTruncate(nonce, logPrefixLength))

	return &AuthorizeResult{
		CSRFToken: nonce,
		Client: ClientInfo{
			ClientID:    client.ClientID,
			Name:        client.Name,
			Description: client.Description,
			Website:     client.Website,
		},
		Scopes:    scopes,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Server) deletePending(ctx context.Context, nonce string) {
	dctx, cancel := s.storeCtx(context.WithoutCancel(ctx))
	defer cancel()
	if err := s.pending.Delete(dctx, s.pendingKey(nonce), s.pendingUsesKey(nonce)); err != nil {
		s.Logger.Warn("Failed to delete pending authorization", "error", err)
	}
}

// issueCode issues a code for p and returns the client redirect carrying it.
func (s *Server) issueCode(ctx context.Context, userID string, scopes []string, p *pendingAuthorization) (string, *Error) {
	code, err := s.codes.Issue(ctx, authcode.IssueRequest{
		ClientID:            p.ClientID,
		UserID:              userID,
		RedirectURI:         p.RedirectURI,
		Scopes:              scopes,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: p.CodeChallengeMethod,
	})
	if err != nil {
		s.Logger.Error("Failed to issue authorization code", "client_id", p.ClientID, "error", err)
		return "", serverError().redirected(p.RedirectURI, p.State)
	}

	params := url.Values{"code": {code}}
	if p.State != "" {
		params.Set("state", p.State)
	}
	redirect, err := appendQuery(p.RedirectURI, params)
	if err != nil {
		return "", serverError()
	}
	return redirect, nil
}
