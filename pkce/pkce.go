// Package pkce implements Proof Key for Code Exchange (RFC 7636) helpers:
// verifier generation, challenge derivation and constant-time validation.
//
// All functions are pure and safe for concurrent use.
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// Code challenge methods (RFC 7636 section 4.2).
const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

// Verifier length bounds (RFC 7636 section 4.1).
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

// An S256 challenge is always the unpadded base64url encoding of 32 bytes.
var s256ChallengeLength = base64.RawURLEncoding.EncodedLen(sha256.Size)

var (
	// ErrUnsupportedMethod is returned for a code_challenge_method other
	// than S256 or plain.
	ErrUnsupportedMethod = errors.New("unsupported code_challenge_method")

	// ErrInvalidChallenge is returned for a malformed code_challenge.
	ErrInvalidChallenge = errors.New("invalid code_challenge")
)

// GenerateVerifier returns a new 43 character code verifier backed by 32
// bytes of randomness.
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}

// ChallengeFrom derives the code challenge for verifier.
func ChallengeFrom(verifier, method string) (string, error) {
	switch method {
	case MethodS256:
		return oauth2.S256ChallengeFromVerifier(verifier), nil
	case MethodPlain:
		return verifier, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
}

// Validate reports whether verifier matches challenge under method.
// Malformed verifiers never match.
func Validate(verifier, challenge, method string) bool {
	if !validFormat(verifier) || challenge == "" {
		return false
	}

	computed, err := ChallengeFrom(verifier, method)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// ValidateChallenge checks the shape of a code_challenge received at the
// authorization endpoint.
func ValidateChallenge(challenge, method string) error {
	switch method {
	case MethodS256:
		if len(challenge) != s256ChallengeLength {
			return fmt.Errorf("%w: S256 challenge must be %d characters", ErrInvalidChallenge, s256ChallengeLength)
		}
		if _, err := base64.RawURLEncoding.DecodeString(challenge); err != nil {
			return fmt.Errorf("%w: not base64url", ErrInvalidChallenge)
		}
		return nil
	case MethodPlain:
		if !validFormat(challenge) {
			return fmt.Errorf("%w: plain challenge must be %d-%d unreserved characters",
				ErrInvalidChallenge, MinVerifierLength, MaxVerifierLength)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
}

// MethodAllowed reports whether method may be used. plain is only accepted
// when allowPlain is set, which callers derive from both server and client
// configuration.
func MethodAllowed(method string, allowPlain bool) bool {
	switch method {
	case MethodS256:
		return true
	case MethodPlain:
		return allowPlain
	default:
		return false
	}
}

// validFormat checks length and the [A-Za-z0-9-._~] alphabet.
func validFormat(v string) bool {
	if len(v) < MinVerifierLength || len(v) > MaxVerifierLength {
		return false
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		isValid := (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '.' || c == '_' || c == '~'
		if !isValid {
			return false
		}
	}
	return true
}
