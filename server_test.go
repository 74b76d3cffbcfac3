package oauth

import (
	"testing"

	"github.com/giantswarm/oauth-authz/internal/testutil"
	"github.com/giantswarm/oauth-authz/server"
	"github.com/giantswarm/oauth-authz/signer"
	"github.com/giantswarm/oauth-authz/storage/memory"
)

func TestNewServer(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	jwtSigner, err := signer.NewJWT(signer.Config{Issuer: testIssuer, HMACKey: []byte("0123456789abcdef0123456789abcdef")})
	testutil.AssertNoError(t, err)

	config := &server.Config{
		Issuer:          testIssuer,
		SupportedScopes: []string{"read:profile"},
	}

	srv, err := NewServer(server.Stores{Clients: store, Consents: store, Ephemeral: store}, jwtSigner, config, nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if srv == nil {
		t.Fatal("NewServer() returned nil")
	}
	srv.Shutdown()

	if _, err := NewServer(server.Stores{}, jwtSigner, config, nil); err == nil {
		t.Error("NewServer() without stores should fail")
	}
}
