package storage

import (
	"slices"
	"time"
)

// Client types (RFC 6749 section 2.1).
const (
	ClientTypeConfidential = "confidential"
	ClientTypePublic       = "public"
)

// Client is a registered OAuth client application.
type Client struct {
	ClientID string

	// ClientSecretHash is empty for public clients. It is a bcrypt or
	// argon2id encoding produced by security.SecretHasher.
	ClientSecretHash string

	ClientType   string
	RedirectURIs []string
	Scopes       []string

	Owner       string
	Name        string
	Description string
	Website     string

	// AllowPlainPKCE permits code_challenge_method=plain for this client.
	AllowPlainPKCE bool

	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsConfidential reports whether the client authenticates with a secret.
func (c *Client) IsConfidential() bool {
	return c.ClientType == ClientTypeConfidential
}

// Clone returns a deep copy so callers can mutate without affecting stores.
func (c *Client) Clone() *Client {
	if c == nil {
		return nil
	}
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.Scopes = slices.Clone(c.Scopes)
	return &cp
}

// AuthorizationCode is a one-time artifact proving a user authorized a
// client for a scope set. It lives only in the EphemeralStore.
type AuthorizationCode struct {
	Code                string    `json:"-"`
	ClientID            string    `json:"client_id"`
	UserID              string    `json:"user_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scopes              []string  `json:"scopes"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	ExpiresAt           time.Time `json:"expires_at"`
	Used                bool      `json:"used"`
	CreatedAt           time.Time `json:"created_at"`
}

// UserConsent records that a user approved a client for a scope set.
type UserConsent struct {
	UserID     string
	ClientID   string
	Scopes     []string
	GrantedAt  time.Time
	LastUsedAt time.Time
	IsActive   bool
}

// Clone returns a deep copy.
func (c *UserConsent) Clone() *UserConsent {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	return &cp
}

// RefreshToken is the stored form of a refresh token. Only the hash of the
// token value is kept.
type RefreshToken struct {
	TokenHash string    `json:"-"`
	ClientID  string    `json:"client_id"`
	UserID    string    `json:"user_id"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	IsActive  bool      `json:"is_active"`

	// FamilyID links rotated tokens for reuse detection.
	FamilyID string `json:"family_id,omitempty"`
}

// PendingAuthorization is the authorize-request context held under a
// one-time consent nonce while the user decides.
type PendingAuthorization struct {
	ClientID            string    `json:"client_id"`
	UserID              string    `json:"user_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scopes              []string  `json:"scopes"`
	State               string    `json:"state"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	ExpiresAt           time.Time `json:"expires_at"`
}
