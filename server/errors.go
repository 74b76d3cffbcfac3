package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// OAuth 2.0 error codes (RFC 6749 sections 4.1.2.1 and 5.2).
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"
)

// ErrCSRFValidationFailed is returned by Consent when the consent nonce is
// missing, unknown, already used, expired, or bound to a different request.
// Callers show a generic failure page; the nonce is never redirected.
var ErrCSRFValidationFailed = errors.New("consent request could not be verified")

// ErrUnauthenticated is returned when a flow step runs without a user.
var ErrUnauthenticated = errors.New("user is not authenticated")

// Error is an OAuth protocol error.
//
// When RedirectURI is set, the error is delivered to the client by
// redirecting there (see RedirectURL). Errors raised before the client and
// redirect URI are verified have no RedirectURI and must be shown to the
// user directly.
type Error struct {
	Code        string
	Description string
	URI         string
	State       string
	Status      int
	RedirectURI string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// RedirectURL returns RedirectURI with error, error_description, error_uri
// and state appended, or "" when the error must not be redirected.
func (e *Error) RedirectURL() string {
	if e.RedirectURI == "" {
		return ""
	}
	params := url.Values{}
	params.Set("error", e.Code)
	if e.Description != "" {
		params.Set("error_description", e.Description)
	}
	if e.URI != "" {
		params.Set("error_uri", e.URI)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	u, err := appendQuery(e.RedirectURI, params)
	if err != nil {
		return ""
	}
	return u
}

func newError(code, description string, status int) *Error {
	return &Error{Code: code, Description: description, Status: status}
}

// redirected returns a copy of e that is delivered to redirectURI.
func (e *Error) redirected(redirectURI, state string) *Error {
	cp := *e
	cp.RedirectURI = redirectURI
	cp.State = state
	if cp.Status == 0 {
		cp.Status = http.StatusFound
	}
	return &cp
}

func invalidRequest(description string) *Error {
	return newError(ErrorCodeInvalidRequest, description, http.StatusBadRequest)
}

func invalidClient() *Error {
	return newError(ErrorCodeInvalidClient, "client authentication failed", http.StatusUnauthorized)
}

func invalidGrant() *Error {
	return newError(ErrorCodeInvalidGrant, "the provided authorization grant is invalid, expired, or revoked", http.StatusBadRequest)
}

func invalidScope(description string) *Error {
	return newError(ErrorCodeInvalidScope, description, http.StatusBadRequest)
}

func serverError() *Error {
	return newError(ErrorCodeServerError, "the server encountered an unexpected condition", http.StatusInternalServerError)
}

// appendQuery adds params to the query of rawURL, keeping existing ones.
func appendQuery(rawURL string, params url.Values) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
