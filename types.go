package oauth

import (
	"time"

	"github.com/giantswarm/oauth-authz/consent"
	"github.com/giantswarm/oauth-authz/server"
)

// ErrorResponse represents an OAuth error response (RFC 6749 section 5.2)
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`

	// ErrorURI points to error documentation
	ErrorURI string `json:"error_uri,omitempty"`
}

// ==================== Client Registration Types ====================

// ClientRegistrationRequest is the body of POST /clients
type ClientRegistrationRequest struct {
	Name         string   `json:"name"`
	ClientType   string   `json:"client_type"`
	RedirectURIs []string `json:"redirect_uris"`
	Scopes       []string `json:"scopes"`
	Website      string   `json:"website,omitempty"`
	Description  string   `json:"description,omitempty"`
}

// ClientRegistrationResponse is returned once on registration. ClientSecret
// is only present for confidential clients and cannot be retrieved again.
type ClientRegistrationResponse struct {
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret,omitempty"`
	ClientType   string    `json:"client_type"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Website      string    `json:"website,omitempty"`
	RedirectURIs []string  `json:"redirect_uris"`
	Scopes       []string  `json:"scopes"`
	CreatedAt    time.Time `json:"created_at"`
}

// ==================== Consent Types ====================

// ConsentPromptResponse is the body of GET /authorize when consent is needed
// and no consent page is configured. The decision is posted to /consent
// with CSRFToken.
type ConsentPromptResponse struct {
	CSRFToken string            `json:"csrf_token"`
	Client    server.ClientInfo `json:"client"`
	Scopes    []string          `json:"scopes"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// ConsentListResponse is the body of GET /consents: the applications the
// user has connected.
type ConsentListResponse struct {
	Consents []consent.View `json:"consents"`
}
