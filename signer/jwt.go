// Package signer mints access tokens as JWTs (RFC 9068 profile) with
// golang-jwt. It implements the token.Signer collaborator.
package signer

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinHMACKeyLength is the minimum HS256 key size in bytes.
const MinHMACKeyLength = 32

// Claims are the access token claims.
type Claims struct {
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Config configures a JWT signer. Exactly one of HMACKey and RSAKey must be set.
type Config struct {
	// Issuer is the iss claim
	Issuer string

	// HMACKey selects HS256
	HMACKey []byte

	// RSAKey selects RS256
	RSAKey *rsa.PrivateKey

	// KeyID is set as the kid header when non-empty
	KeyID string

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// JWT signs and verifies access tokens.
type JWT struct {
	issuer    string
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	keyID     string
	now       func() time.Time
}

// NewJWT validates cfg and returns a signer.
func NewJWT(cfg Config) (*JWT, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}

	s := &JWT{issuer: cfg.Issuer, keyID: cfg.KeyID, now: cfg.Clock}
	if s.now == nil {
		s.now = time.Now
	}

	switch {
	case cfg.HMACKey != nil && cfg.RSAKey != nil:
		return nil, errors.New("configure either an HMAC key or an RSA key, not both")
	case cfg.RSAKey != nil:
		s.method = jwt.SigningMethodRS256
		s.signKey = cfg.RSAKey
		s.verifyKey = &cfg.RSAKey.PublicKey
	case len(cfg.HMACKey) >= MinHMACKeyLength:
		s.method = jwt.SigningMethodHS256
		s.signKey = cfg.HMACKey
		s.verifyKey = cfg.HMACKey
	case cfg.HMACKey != nil:
		return nil, fmt.Errorf("HMAC key must be at least %d bytes", MinHMACKeyLength)
	default:
		return nil, errors.New("a signing key is required")
	}
	return s, nil
}

// SignAccessToken mints a token for subject (the user) with audience (the
// client) and the granted scopes, valid for ttl.
func (s *JWT) SignAccessToken(_ context.Context, subject, audience string, scopes []string, ttl time.Duration) (string, error) {
	if subject == "" || audience == "" {
		return "", errors.New("subject and audience are required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}

	now := s.now()
	claims := Claims{
		ClientID: audience,
		Scope:    strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(s.method, claims)
	token.Header["typ"] = "at+jwt"
	if s.keyID != "" {
		token.Header["kid"] = s.keyID
	}

	signed, err := token.SignedString(s.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token issued by this signer.
func (s *JWT) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(token *jwt.Token) (any, error) {
			if token.Method.Alg() != s.method.Alg() {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.verifyKey, nil
		},
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
