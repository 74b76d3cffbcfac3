package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth-authz/consent"
	"github.com/giantswarm/oauth-authz/instrumentation"
	"github.com/giantswarm/oauth-authz/internal/util"
	"github.com/giantswarm/oauth-authz/security"
)

// ConsentDecision is the user's answer to a consent prompt. Scopes may
// narrow the requested scopes; empty means all requested scopes.
type ConsentDecision struct {
	CSRFToken string
	ClientID  string
	State     string
	Scopes    []string
	Approved  bool
}

// ConsentResult is the outcome of Consent. The user agent is sent to
// RedirectURL, which carries either a code or an access_denied error.
type ConsentResult struct {
	State       FlowState
	RedirectURL string
}

// Consent completes a parked authorization. The nonce in d.CSRFToken is
// consumed whatever the outcome. Nonce problems return
// ErrCSRFValidationFailed; protocol errors after the nonce is verified are
// *Error values redirected to the client.
func (s *Server) Consent(ctx context.Context, userID string, d ConsentDecision) (*ConsentResult, error) {
	ctx, span := instrumentation.StartSpan(ctx, s.Instrumentation, "server", "server.Consent")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, d.ClientID, userID, "")

	if userID == "" {
		return nil, ErrUnauthenticated
	}

	p, reason := s.consumePending(ctx, userID, d)
	if reason != "" {
		s.Logger.Warn("Consent CSRF validation failed",
			"client_id", d.ClientID,
			"reason", reason,
			"nonce_prefix", util.SafeTruncate(d.CSRFToken, logPrefixLength))
		s.Instrumentation.Metrics().RecordCSRFValidationFailed(ctx)
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventCSRFValidationFailed,
			UserID:   userID,
			ClientID: d.ClientID,
			Details:  map[string]any{"reason": reason},
		})
		instrumentation.SetSpanError(span, "csrf validation failed")
		return nil, ErrCSRFValidationFailed
	}

	f := newFlow(StateConsentPending)

	if !d.Approved {
		_ = f.to(StateConsentDenied)
		if _, err := s.consents.Grant(ctx, userID, consent.Request{ClientID: p.ClientID, Scopes: p.Scopes}); err != nil {
			s.Logger.Debug("Recording consent denial failed", "client_id", p.ClientID, "error", err)
		}
		e := newError(ErrorCodeAccessDenied, "the user denied the request", 0).redirected(p.RedirectURI, p.State)
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrFlowState, string(f.state)))
		instrumentation.SetSpanSuccess(span)
		return &ConsentResult{State: f.state, RedirectURL: e.RedirectURL()}, nil
	}

	scopes := p.Scopes
	if len(d.Scopes) > 0 {
		scopes = util.ParseScope(util.JoinScope(d.Scopes))
		if !util.IsSubset(scopes, p.Scopes) {
			instrumentation.SetSpanError(span, ErrorCodeInvalidScope)
			return nil, invalidScope("approved scope exceeds the requested scope").redirected(p.RedirectURI, p.State)
		}
	}

	if _, err := s.consents.Grant(ctx, userID, consent.Request{ClientID: p.ClientID, Scopes: scopes, Approved: true}); err != nil {
		instrumentation.RecordError(span, err)
		switch {
		case errors.Is(err, consent.ErrInvalidScope):
			return nil, invalidScope("requested scope is not allowed for this client").redirected(p.RedirectURI, p.State)
		case errors.Is(err, consent.ErrInvalidClient):
			return nil, newError(ErrorCodeUnauthorizedClient, "client is no longer active", 0).redirected(p.RedirectURI, p.State)
		default:
			s.Logger.Error("Failed to record consent", "client_id", p.ClientID, "error", err)
			return nil, serverError().redirected(p.RedirectURI, p.State)
		}
	}
	_ = f.to(StateConsentGranted)

	redirect, oerr := s.issueCode(ctx, userID, scopes, p)
	if oerr != nil {
		instrumentation.SetSpanError(span, oerr.Code)
		return nil, oerr
	}
	_ = f.to(StateCodeIssued)

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrFlowState, string(f.state)))
	instrumentation.SetSpanSuccess(span)
	return &ConsentResult{State: f.state, RedirectURL: redirect}, nil
}

// consumePending claims the nonce exactly once and checks the parked request
// against the decision. It returns a non-empty reason on failure.
func (s *Server) consumePending(ctx context.Context, userID string, d ConsentDecision) (*pendingAuthorization, string) {
	if d.CSRFToken == "" {
		return nil, "missing_csrf_token"
	}

	sctx, cancel := s.storeCtx(ctx)
	uses, err := s.pending.Increment(sctx, s.pendingUsesKey(d.CSRFToken))
	cancel()
	if err != nil {
		s.Logger.Error("Failed to claim consent nonce", "error", err)
		return nil, "store_error"
	}

	// The nonce is single use whatever happens next.
	defer s.deletePending(ctx, d.CSRFToken)

	if uses != 1 {
		return nil, "csrf_token_reused"
	}

	sctx, cancel = s.storeCtx(ctx)
	data, err := s.pending.Get(sctx, s.pendingKey(d.CSRFToken))
	cancel()
	if err != nil {
		return nil, "unknown_csrf_token"
	}

	var p pendingAuthorization
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, "corrupt_pending_authorization"
	}

	switch {
	case !s.now().Before(p.ExpiresAt):
		return nil, "csrf_token_expired"
	case p.UserID != userID:
		return nil, "user_mismatch"
	case p.ClientID != d.ClientID:
		return nil, "client_mismatch"
	case p.State != d.State:
		return nil, "state_mismatch"
	}
	return &p, ""
}

// ConsentPageURL returns pageURL with the nonce appended as csrf_token.
func ConsentPageURL(pageURL, nonce string) (string, error) {
	return appendQuery(pageURL, url.Values{"csrf_token": {nonce}})
}
