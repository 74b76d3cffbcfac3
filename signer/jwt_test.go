package signer

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"testing"
	"time"
)

var testHMACKey = []byte(strings.Repeat("k", MinHMACKeyLength))

func TestNewJWT_Validation(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "hmac", cfg: Config{Issuer: "https://auth.example", HMACKey: testHMACKey}},
		{name: "rsa", cfg: Config{Issuer: "https://auth.example", RSAKey: rsaKey}},
		{name: "missing issuer", cfg: Config{HMACKey: testHMACKey}, wantErr: true},
		{name: "short hmac", cfg: Config{Issuer: "i", HMACKey: []byte("short")}, wantErr: true},
		{name: "no key", cfg: Config{Issuer: "i"}, wantErr: true},
		{name: "both keys", cfg: Config{Issuer: "i", HMACKey: testHMACKey, RSAKey: rsaKey}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewJWT(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewJWT() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestJWT_SignAndVerify(t *testing.T) {
	s, err := NewJWT(Config{Issuer: "https://auth.example", HMACKey: testHMACKey, KeyID: "k1"})
	if err != nil {
		t.Fatalf("NewJWT() error = %v", err)
	}

	tok, err := s.SignAccessToken(context.Background(), "user-1", "client-1", []string{"read:profile", "email"}, time.Hour)
	if err != nil {
		t.Fatalf("SignAccessToken() error = %v", err)
	}

	claims, err := s.Verify(tok)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Subject != "user-1" || claims.ClientID != "client-1" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.Scope != "read:profile email" {
		t.Errorf("scope = %q", claims.Scope)
	}
	if claims.ID == "" {
		t.Error("expected jti")
	}
}

func TestJWT_VerifyRejectsExpiredAndForeign(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	s, _ := NewJWT(Config{Issuer: "https://auth.example", HMACKey: testHMACKey, Clock: clock})

	tok, err := s.SignAccessToken(context.Background(), "u", "c", nil, time.Minute)
	if err != nil {
		t.Fatalf("SignAccessToken() error = %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.Verify(tok); err == nil {
		t.Error("Verify() accepted an expired token")
	}

	other, _ := NewJWT(Config{Issuer: "https://auth.example", HMACKey: []byte(strings.Repeat("x", 32))})
	fresh, _ := other.SignAccessToken(context.Background(), "u", "c", nil, time.Hour)
	if _, err := s.Verify(fresh); err == nil {
		t.Error("Verify() accepted a token signed with another key")
	}
}

func TestJWT_SignValidation(t *testing.T) {
	s, _ := NewJWT(Config{Issuer: "i", HMACKey: testHMACKey})
	if _, err := s.SignAccessToken(context.Background(), "", "c", nil, time.Hour); err == nil {
		t.Error("expected error for empty subject")
	}
	if _, err := s.SignAccessToken(context.Background(), "u", "c", nil, 0); err == nil {
		t.Error("expected error for zero ttl")
	}
}
