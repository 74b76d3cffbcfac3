package oauth

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/giantswarm/oauth-authz/registry"
	"github.com/giantswarm/oauth-authz/security"
	"github.com/giantswarm/oauth-authz/server"
)

// Error codes used by the HTTP layer in addition to server.ErrorCode*.
const (
	// RFC 7591 section 3.2.2
	ErrorCodeInvalidRedirectURI    = "invalid_redirect_uri"
	ErrorCodeInvalidClientMetadata = "invalid_client_metadata"

	ErrorCodeRateLimitExceeded = "rate_limit_exceeded"
)

// csrfFailureBody is shown when a consent submission cannot be verified. It
// carries no detail about the failure.
const csrfFailureBody = "This authorization request could not be verified. Please start again from the application.\n"

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if status == http.StatusUnauthorized && code == server.ErrorCodeInvalidClient {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth", error="invalid_client"`)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeOAuthError writes err as an RFC 6749 error. Redirectable errors
// become a 302 to the client, everything else a JSON body. It returns the
// status written.
func (h *Handler) writeOAuthError(w http.ResponseWriter, r *http.Request, err error) int {
	var oerr *server.Error
	if !errors.As(err, &oerr) {
		h.logger.Error("Unexpected error", "error", err, "request_id", security.GetRequestID(r.Context()))
		h.writeError(w, server.ErrorCodeServerError, "the server encountered an unexpected condition", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}

	if redirect := oerr.RedirectURL(); redirect != "" {
		security.SetSecurityHeaders(w, h.server.Config.Issuer)
		http.Redirect(w, r, redirect, http.StatusFound)
		return http.StatusFound
	}

	status := oerr.Status
	if status == 0 || status == http.StatusFound {
		status = http.StatusBadRequest
	}
	h.writeError(w, oerr.Code, oerr.Description, status)
	return status
}

// writeRegistrationError maps registry validation failures to RFC 7591
// error codes.
func (h *Handler) writeRegistrationError(w http.ResponseWriter, err error) int {
	var verr *registry.ValidationError
	if !errors.As(err, &verr) {
		h.logger.Error("Client registration failed", "error", err)
		h.writeError(w, server.ErrorCodeServerError, "client registration failed", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}

	code := ErrorCodeInvalidClientMetadata
	switch verr.Category {
	case registry.CategoryRedirectURI:
		code = ErrorCodeInvalidRedirectURI
	case registry.CategoryScope:
		code = server.ErrorCodeInvalidScope
	}
	h.writeError(w, code, verr.ClientMessage, http.StatusBadRequest)
	return http.StatusBadRequest
}

func (h *Handler) writeCSRFFailure(w http.ResponseWriter) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte(csrfFailureBody))
}
