package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth-authz/consent"
	"github.com/giantswarm/oauth-authz/instrumentation"
	"github.com/giantswarm/oauth-authz/registry"
	"github.com/giantswarm/oauth-authz/security"
	"github.com/giantswarm/oauth-authz/server"
)

// Handler is a thin HTTP adapter for the OAuth Server.
// It handles HTTP requests and delegates to the Server for business logic.
type Handler struct {
	server   *server.Server
	identity IdentityProvider
	config   *Config
	logger   *slog.Logger

	ipLimiter           *security.RateLimiter
	registrationLimiter *security.RateLimiter
}

// NewHandler creates a new HTTP handler. identity resolves the end user on
// /authorize, /consent and /consents.
func NewHandler(srv *server.Server, identity IdentityProvider, config *Config) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("server is required")
	}
	if identity == nil {
		return nil, fmt.Errorf("identity provider is required")
	}
	if config == nil {
		config = &Config{}
	}
	config = applyHandlerDefaults(config)

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	h := &Handler{
		server:   srv,
		identity: identity,
		config:   config,
		logger:   logger,
		registrationLimiter: security.NewRateLimiter(
			config.RateLimit.RegistrationRate, config.RateLimit.RegistrationBurst, logger),
	}
	if config.RateLimit.Rate > 0 {
		h.ipLimiter = security.NewRateLimiter(config.RateLimit.Rate, config.RateLimit.Burst, logger)
	}

	if !config.RateLimit.TrustProxy {
		return h, nil
	}
	logger.Warn("⚠️  SECURITY WARNING: Proxy headers are trusted for client IPs",
		"trusted_proxy_count", config.RateLimit.TrustedProxyCount,
		"risk", "Rate limits can be bypassed if the proxy does not overwrite X-Forwarded-For")
	return h, nil
}

// Routes returns the endpoints on a ServeMux wrapped in the request id and
// rate limiting middleware.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /clients", h.instrument("register", h.ServeClientRegistration))
	mux.Handle("GET /authorize", h.instrument("authorize", h.ServeAuthorization))
	mux.Handle("POST /consent", h.instrument("consent", h.ServeConsent))
	mux.Handle("POST /token", h.instrument("token", h.ServeToken))
	mux.Handle("POST /revoke", h.instrument("revoke", h.ServeTokenRevocation))
	mux.Handle("GET /consents", h.instrument("consents", h.ServeConsentList))
	mux.Handle("DELETE /consents/{client_id}", h.instrument("consents", h.ServeConsentRevocation))

	return security.RequestIDMiddleware(h.rateLimit(mux))
}

// Close stops the rate limiters' background sweeps.
func (h *Handler) Close() {
	h.registrationLimiter.Stop()
	if h.ipLimiter != nil {
		h.ipLimiter.Stop()
	}
}

// ============================================================
// Middleware
// ============================================================

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument wraps an endpoint in a span and records the request metric.
func (h *Handler) instrument(endpoint string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		ctx, span := instrumentation.StartSpan(r.Context(), h.server.Instrumentation, "http", "oauth.http."+endpoint)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		if rec.status >= http.StatusInternalServerError {
			instrumentation.SetSpanError(span, http.StatusText(rec.status))
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		h.recordHTTPMetrics(r, endpoint, rec.status, startTime)
	})
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	if h.ipLimiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := h.clientIP(r)
		if !h.ipLimiter.Allow(clientIP) {
			h.rejectRateLimited(w, r, clientIP, "ip")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) rejectRateLimited(w http.ResponseWriter, r *http.Request, clientIP, limiterType string) {
	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "path", r.URL.Path, "limiter", limiterType)
	h.server.Auditor.LogRateLimitExceeded(clientIP, r.URL.Path)
	h.server.Instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), limiterType)
	w.Header().Set("Retry-After", "1")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Too many requests. Please try again later.", http.StatusTooManyRequests)
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.config.RateLimit.TrustProxy, h.config.RateLimit.TrustedProxyCount)
}

// authenticatedUser returns the end user or writes a 401.
func (h *Handler) authenticatedUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := h.identity.UserID(r)
	if !ok {
		h.writeError(w, server.ErrorCodeAccessDenied, "user authentication required", http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxRequestBodyBytes)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return false
	}
	return true
}

// ============================================================
// Client registration
// ============================================================

// ServeClientRegistration handles POST /clients.
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	clientIP := h.clientIP(r)
	if !h.registrationLimiter.Allow(clientIP) {
		h.rejectRateLimited(w, r, clientIP, "registration")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxRequestBodyBytes)
	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, server.ErrorCodeInvalidRequest, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	// Registration does not require a user, but records one as owner.
	owner, _ := h.identity.UserID(r)

	registered, err := h.server.Registry().Register(r.Context(), registry.Registration{
		Name:         req.Name,
		Description:  req.Description,
		Website:      req.Website,
		ClientType:   req.ClientType,
		RedirectURIs: req.RedirectURIs,
		Scopes:       req.Scopes,
		Owner:        owner,
	})
	if err != nil {
		h.logger.Warn("Client registration rejected", "ip", clientIP, "error", err)
		h.writeRegistrationError(w, err)
		return
	}

	writeJSON(w, h.server.Config.Issuer, http.StatusCreated, registrationResponse(registered))
}

func registrationResponse(rc *registry.RegisteredClient) ClientRegistrationResponse {
	c := rc.Client
	return ClientRegistrationResponse{
		ClientID:     c.ClientID,
		ClientSecret: rc.ClientSecret,
		ClientType:   c.ClientType,
		Name:         c.Name,
		Description:  c.Description,
		Website:      c.Website,
		RedirectURIs: c.RedirectURIs,
		Scopes:       c.Scopes,
		CreatedAt:    c.CreatedAt,
	}
}

// ============================================================
// Authorization and consent
// ============================================================

// ServeAuthorization handles GET /authorize.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUser(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	res, err := h.server.Authorize(r.Context(), userID, server.AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	})
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	if res.State == server.StateCodeIssued {
		http.Redirect(w, r, res.RedirectURL, http.StatusFound)
		return
	}

	if h.config.ConsentPageURL == "" {
		writeJSON(w, h.server.Config.Issuer, http.StatusOK, ConsentPromptResponse{
			CSRFToken: res.CSRFToken,
			Client:    res.Client,
			Scopes:    res.Scopes,
			ExpiresAt: res.ExpiresAt,
		})
		return
	}

	pageURL, err := server.ConsentPageURL(h.config.ConsentPageURL, res.CSRFToken)
	if err != nil {
		h.logger.Error("Invalid consent page URL", "error", err)
		h.writeError(w, server.ErrorCodeServerError, "consent page unavailable", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, pageURL, http.StatusFound)
}

// ServeConsent handles POST /consent. The decision is bound to the
// csrf_token issued by /authorize; any mismatch answers 403.
func (h *Handler) ServeConsent(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUser(w, r)
	if !ok {
		return
	}
	if !h.parseForm(w, r) {
		return
	}

	approved, _ := strconv.ParseBool(r.PostForm.Get("approved"))
	res, err := h.server.Consent(r.Context(), userID, server.ConsentDecision{
		CSRFToken: r.PostForm.Get("csrf_token"),
		ClientID:  r.PostForm.Get("client_id"),
		State:     r.PostForm.Get("state"),
		Scopes:    strings.Fields(strings.Join(r.PostForm["scopes"], " ")),
		Approved:  approved,
	})
	if errors.Is(err, server.ErrCSRFValidationFailed) {
		h.writeCSRFFailure(w)
		return
	}
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, res.RedirectURL, http.StatusFound)
}

// ServeConsentList handles GET /consents.
func (h *Handler) ServeConsentList(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUser(w, r)
	if !ok {
		return
	}

	views, err := h.server.Consents().List(r.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to list consents", "error", err)
		h.writeError(w, server.ErrorCodeServerError, "failed to list consents", http.StatusInternalServerError)
		return
	}
	if views == nil {
		views = []consent.View{}
	}
	writeJSON(w, h.server.Config.Issuer, http.StatusOK, ConsentListResponse{Consents: views})
}

// ServeConsentRevocation handles DELETE /consents/{client_id}. The user's
// refresh tokens for the client are revoked with the consent.
func (h *Handler) ServeConsentRevocation(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUser(w, r)
	if !ok {
		return
	}

	revoked, err := h.server.Consents().Revoke(r.Context(), userID, r.PathValue("client_id"))
	if err != nil {
		h.logger.Error("Failed to revoke consent", "error", err)
		h.writeError(w, server.ErrorCodeServerError, "failed to revoke consent", http.StatusInternalServerError)
		return
	}
	if !revoked {
		h.writeError(w, server.ErrorCodeInvalidRequest, "no active consent for this client", http.StatusNotFound)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================
// Token endpoints
// ============================================================

// ServeToken handles POST /token.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}

	clientID, clientSecret, ok := h.clientCredentials(w, r)
	if !ok {
		return
	}

	resp, err := h.server.Token(r.Context(), server.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		Scope:        r.PostForm.Get("scope"),
	})
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}

	writeJSON(w, h.server.Config.Issuer, http.StatusOK, resp)
}

// ServeTokenRevocation handles POST /revoke (RFC 7009).
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}

	clientID, clientSecret, ok := h.clientCredentials(w, r)
	if !ok {
		return
	}

	err := h.server.Revoke(r.Context(), server.RevokeRequest{
		Token:        r.PostForm.Get("token"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
	})
	if err != nil {
		var oerr *server.Error
		if errors.As(err, &oerr) {
			h.writeOAuthError(w, r, err)
			return
		}
		// Per RFC 7009, storage failures do not fail the request.
		h.logger.Error("Failed to revoke token", "client_id", clientID, "error", err)
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// clientCredentials reads client credentials from Basic auth or the form.
// Using both at once is rejected (RFC 6749 section 2.3).
func (h *Handler) clientCredentials(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	formID, formSecret := r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")

	basicID, basicSecret, hasBasic := r.BasicAuth()
	if !hasBasic {
		return formID, formSecret, true
	}
	if formSecret != "" || (formID != "" && formID != basicID) {
		h.writeError(w, server.ErrorCodeInvalidRequest, "multiple client authentication methods", http.StatusBadRequest)
		return "", "", false
	}
	return basicID, basicSecret, true
}

// ============================================================
// Helpers
// ============================================================

func writeJSON(w http.ResponseWriter, issuer string, status int, body any) {
	security.SetSecurityHeaders(w, issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) recordHTTPMetrics(r *http.Request, endpoint string, status int, startTime time.Time) {
	duration := time.Since(startTime).Seconds() * 1000
	h.server.Instrumentation.Metrics().RecordHTTPRequest(r.Context(), r.Method, endpoint, status, duration)
}
