package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/oauth-authz/pkce"
	"github.com/giantswarm/oauth-authz/storage"
)

// Fixture values shared across package tests.
const (
	TestClientID    = "test-client-id"
	TestUserID      = "test-user-123"
	TestRedirectURI = "https://app.example/cb"
	TestScope       = "read:profile"
)

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// GenerateRandomString generates a random base64url string of length characters.
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair returns an S256 (challenge, verifier) pair.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = pkce.GenerateVerifier()
	challenge, _ = pkce.ChallengeFrom(verifier, pkce.MethodS256)
	return challenge, verifier
}

// NewTestClient returns an active client fixture of the given type with
// TestRedirectURI and TestScope. The secret hash is left empty.
func NewTestClient(clientType string) *storage.Client {
	now := time.Now()
	return &storage.Client{
		ClientID:     TestClientID,
		ClientType:   clientType,
		RedirectURIs: []string{TestRedirectURI},
		Scopes:       []string{TestScope},
		Owner:        "owner@example.com",
		Name:         "Test Client",
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
