package oauth

import (
	"net/http"
	"strings"
)

// DefaultIdentityHeader is the header HeaderIdentity reads when none is set.
const DefaultIdentityHeader = "X-Authenticated-User"

// IdentityProvider resolves the authenticated end user of a request. The
// authorization server does not log users in itself; a session layer or
// gateway in front of it does.
type IdentityProvider interface {
	UserID(r *http.Request) (string, bool)
}

// IdentityFunc adapts a function to IdentityProvider.
type IdentityFunc func(r *http.Request) (string, bool)

// UserID calls f(r).
func (f IdentityFunc) UserID(r *http.Request) (string, bool) {
	return f(r)
}

// HeaderIdentity trusts a header set by an upstream authenticating proxy.
//
// WARNING: Only use it when the proxy strips the header from client
// requests; otherwise any caller can claim any user.
type HeaderIdentity struct {
	Header string
}

// UserID returns the trimmed header value.
func (h HeaderIdentity) UserID(r *http.Request) (string, bool) {
	name := h.Header
	if name == "" {
		name = DefaultIdentityHeader
	}
	userID := strings.TrimSpace(r.Header.Get(name))
	return userID, userID != ""
}
