package registry

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/giantswarm/oauth-authz/internal/util"
	"github.com/giantswarm/oauth-authz/storage"
)

// MaxNameLength is the maximum client name length in runes.
const MaxNameLength = 100

// Validation error categories for logging and audit.
const (
	CategoryName        = "invalid_name"
	CategoryRedirectURI = "invalid_redirect_uri"
	CategoryClientType  = "invalid_client_type"
	CategoryScope       = "invalid_scope"
	CategoryWebsite     = "invalid_website"
)

// ValidationError is a registration or update rejected by validation.
// Error returns a message that is safe to show to the registrant; Reason
// holds operator detail for logs.
type ValidationError struct {
	Category      string
	Reason        string
	ClientMessage string
}

func (e *ValidationError) Error() string {
	return e.ClientMessage
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	n := utf8.RuneCountInString(name)
	if n == 0 || n > MaxNameLength {
		return "", &ValidationError{
			Category:      CategoryName,
			Reason:        fmt.Sprintf("name has %d runes", n),
			ClientMessage: fmt.Sprintf("name must be 1 to %d characters", MaxNameLength),
		}
	}
	if strings.IndexFunc(name, unicode.IsControl) >= 0 {
		return "", &ValidationError{
			Category:      CategoryName,
			Reason:        "name contains control characters",
			ClientMessage: "name must not contain control characters",
		}
	}
	return name, nil
}

func validateClientType(clientType string) error {
	switch clientType {
	case storage.ClientTypeConfidential, storage.ClientTypePublic:
		return nil
	}
	return &ValidationError{
		Category:      CategoryClientType,
		Reason:        fmt.Sprintf("client type %q", clientType),
		ClientMessage: "client_type must be confidential or public",
	}
}

// validateRedirectURIs requires at least one URI, each absolute, without a
// fragment, and either https or http on a loopback host.
func validateRedirectURIs(uris []string) error {
	if len(uris) == 0 {
		return &ValidationError{
			Category:      CategoryRedirectURI,
			Reason:        "no redirect URIs",
			ClientMessage: "at least one redirect_uri is required",
		}
	}
	for _, raw := range uris {
		if err := validateRedirectURI(raw); err != nil {
			return err
		}
	}
	return nil
}

func validateRedirectURI(raw string) error {
	invalid := func(reason, msg string) error {
		return &ValidationError{
			Category:      CategoryRedirectURI,
			Reason:        fmt.Sprintf("%s: %s", reason, util.SafeTruncate(raw, 200)),
			ClientMessage: "redirect_uri: " + msg,
		}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return invalid("parse error", "invalid URI format")
	}
	if !u.IsAbs() || u.Host == "" {
		return invalid("not absolute", "must be an absolute URI")
	}
	if u.Fragment != "" || strings.Contains(raw, "#") {
		return invalid("fragment", "fragments are not allowed")
	}
	if u.User != nil {
		return invalid("userinfo", "credentials in the URI are not allowed")
	}

	switch strings.ToLower(u.Scheme) {
	case "https":
		return nil
	case "http":
		if util.IsLoopbackHostname(u.Hostname()) {
			return nil
		}
		return invalid("http on non-loopback host", "http is only allowed for loopback addresses")
	default:
		return invalid("scheme "+u.Scheme, "scheme must be https")
	}
}

func validateWebsite(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return &ValidationError{
			Category:      CategoryWebsite,
			Reason:        fmt.Sprintf("website %q", util.SafeTruncate(raw, 200)),
			ClientMessage: "website must be an absolute http or https URL",
		}
	}
	return nil
}

func (r *Registry) validateScopes(scopes []string) error {
	if len(scopes) == 0 {
		return &ValidationError{
			Category:      CategoryScope,
			Reason:        "no scopes",
			ClientMessage: "at least one scope is required",
		}
	}
	if unknown := util.Difference(scopes, r.cfg.ScopeCatalog); len(unknown) > 0 {
		return &ValidationError{
			Category:      CategoryScope,
			Reason:        "unknown scopes: " + util.JoinScope(unknown),
			ClientMessage: "unknown scope: " + unknown[0],
		}
	}
	return nil
}
