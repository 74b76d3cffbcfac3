// Package server implements the OAuth 2.1 authorization code flow on top of
// the client registry, consent, authorization code and token managers.
//
// A flow moves through three protocol steps:
//   - Authorize validates the request and either issues a code right away
//     (covering consent exists) or parks the request under a one-time
//     consent nonce.
//   - Consent consumes the nonce, records the user's decision and, on
//     approval, issues a code.
//   - Token exchanges a code (with PKCE) or a refresh token for tokens.
//
// Every protocol failure is an *Error carrying an RFC 6749 error code.
// Internal reasons are logged and audited but never returned.
//
// Example usage:
//
//	srv, err := server.New(server.Stores{
//	    Clients:   pg,
//	    Consents:  pg,
//	    Ephemeral: valkeyStore,
//	}, jwtSigner, &server.Config{
//	    Issuer:          "https://auth.example.com",
//	    SupportedScopes: []string{"read:profile"},
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Shutdown()
package server
