package oauth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/giantswarm/oauth-authz/internal/testutil"
	"github.com/giantswarm/oauth-authz/server"
	"github.com/giantswarm/oauth-authz/signer"
	"github.com/giantswarm/oauth-authz/storage/memory"
)

const testIssuer = "https://auth.example"

type testHarness struct {
	handler *Handler
	routes  http.Handler
	srv     *server.Server
	signer  *signer.JWT
}

func setupTestHandler(t *testing.T, cfg *Config) *testHarness {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	jwtSigner, err := signer.NewJWT(signer.Config{
		Issuer:  testIssuer,
		HMACKey: []byte("0123456789abcdef0123456789abcdef"),
	})
	testutil.AssertNoError(t, err)

	srv, err := NewServer(server.Stores{Clients: store, Consents: store, Ephemeral: store}, jwtSigner,
		&server.Config{
			Issuer:          testIssuer,
			SupportedScopes: []string{"read:profile", "email"},
		}, testutil.DiscardLogger())
	testutil.AssertNoError(t, err)
	t.Cleanup(srv.Shutdown)

	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Logger = testutil.DiscardLogger()
	h, err := NewHandler(srv, HeaderIdentity{}, cfg)
	testutil.AssertNoError(t, err)
	t.Cleanup(h.Close)

	return &testHarness{handler: h, routes: h.Routes(), srv: srv, signer: jwtSigner}
}

func (th *testHarness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	th.routes.ServeHTTP(rec, req)
	return rec
}

func (th *testHarness) register(t *testing.T, clientType string) ClientRegistrationResponse {
	t.Helper()
	body, _ := json.Marshal(ClientRegistrationRequest{
		Name:         "Example App",
		ClientType:   clientType,
		RedirectURIs: []string{testutil.TestRedirectURI},
		Scopes:       []string{"read:profile", "email"},
	})
	rec := th.do(httptest.NewRequest(http.MethodPost, "/clients", bytes.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /clients = %d: %s", rec.Code, rec.Body.String())
	}
	var resp ClientRegistrationResponse
	testutil.AssertNoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func authorizeURL(clientID, scope, challenge string) string {
	q := url.Values{
		"client_id":             {clientID},
		"redirect_uri":          {testutil.TestRedirectURI},
		"response_type":         {"code"},
		"scope":                 {scope},
		"state":                 {"st-123"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	return "/authorize?" + q.Encode()
}

func asUser(req *http.Request, userID string) *http.Request {
	req.Header.Set(DefaultIdentityHeader, userID)
	return req
}

func formRequest(path string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func location(t *testing.T, rec *httptest.ResponseRecorder) *url.URL {
	t.Helper()
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302: %s", rec.Code, rec.Body.String())
	}
	u, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("bad Location: %v", err)
	}
	return u
}

// authorizeAndApprove walks /authorize and /consent and returns the code.
func (th *testHarness) authorizeAndApprove(t *testing.T, clientID, challenge string) string {
	t.Helper()
	rec := th.do(asUser(httptest.NewRequest(http.MethodGet, authorizeURL(clientID, "read:profile", challenge), nil), testutil.TestUserID))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /authorize = %d: %s", rec.Code, rec.Body.String())
	}
	var prompt ConsentPromptResponse
	testutil.AssertNoError(t, json.Unmarshal(rec.Body.Bytes(), &prompt))

	rec = th.do(asUser(formRequest("/consent", url.Values{
		"csrf_token": {prompt.CSRFToken},
		"client_id":  {clientID},
		"state":      {"st-123"},
		"approved":   {"true"},
	}), testutil.TestUserID))
	loc := location(t, rec)
	return loc.Query().Get("code")
}

func TestHandler_FullFlow(t *testing.T) {
	th := setupTestHandler(t, nil)
	client := th.register(t, "confidential")
	if client.ClientSecret == "" || client.ClientID == "" {
		t.Fatalf("registration response = %+v", client)
	}
	challenge, verifier := testutil.GeneratePKCEPair()

	code := th.authorizeAndApprove(t, client.ClientID, challenge)
	if code == "" {
		t.Fatal("no code in consent redirect")
	}

	req := formRequest("/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testutil.TestRedirectURI},
		"code_verifier": {verifier},
	})
	req.SetBasicAuth(client.ClientID, client.ClientSecret)
	rec := th.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /token = %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("token response must not be cached")
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing request id")
	}

	var tok server.TokenResponse
	testutil.AssertNoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
	if tok.TokenType != "Bearer" || tok.Scope != "read:profile" || tok.RefreshToken == "" {
		t.Errorf("token response = %+v", tok)
	}
	if _, err := th.signer.Verify(tok.AccessToken); err != nil {
		t.Errorf("access token does not verify: %v", err)
	}

	// Second redemption of the same code.
	req = formRequest("/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testutil.TestRedirectURI},
		"code_verifier": {verifier},
		"client_id":     {client.ClientID},
		"client_secret": {client.ClientSecret},
	})
	rec = th.do(req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("replay status = %d, want 400", rec.Code)
	}
	var errResp ErrorResponse
	testutil.AssertNoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	if errResp.Error != server.ErrorCodeInvalidGrant {
		t.Errorf("replay error = %q, want invalid_grant", errResp.Error)
	}
}

func TestHandler_AuthorizeRequiresUser(t *testing.T) {
	th := setupTestHandler(t, nil)
	client := th.register(t, "public")
	challenge, _ := testutil.GeneratePKCEPair()

	rec := th.do(httptest.NewRequest(http.MethodGet, authorizeURL(client.ClientID, "read:profile", challenge), nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestHandler_AuthorizeConsentPageRedirect(t *testing.T) {
	th := setupTestHandler(t, &Config{ConsentPageURL: "https://auth.example/consent-ui"})
	client := th.register(t, "public")
	challenge, _ := testutil.GeneratePKCEPair()

	rec := th.do(asUser(httptest.NewRequest(http.MethodGet, authorizeURL(client.ClientID, "read:profile", challenge), nil), testutil.TestUserID))
	loc := location(t, rec)
	if loc.Host != "auth.example" || loc.Path != "/consent-ui" || loc.Query().Get("csrf_token") == "" {
		t.Errorf("Location = %s", loc)
	}
}

func TestHandler_AuthorizeErrors(t *testing.T) {
	th := setupTestHandler(t, nil)
	client := th.register(t, "public")
	challenge, _ := testutil.GeneratePKCEPair()

	// Unknown client: never redirected.
	rec := th.do(asUser(httptest.NewRequest(http.MethodGet, authorizeURL("nope", "read:profile", challenge), nil), testutil.TestUserID))
	if rec.Code != http.StatusBadRequest || rec.Header().Get("Location") != "" {
		t.Errorf("unknown client = %d, Location %q", rec.Code, rec.Header().Get("Location"))
	}

	// Invalid scope: redirected with error and state.
	rec = th.do(asUser(httptest.NewRequest(http.MethodGet, authorizeURL(client.ClientID, "admin", challenge), nil), testutil.TestUserID))
	q := location(t, rec).Query()
	if q.Get("error") != server.ErrorCodeInvalidScope || q.Get("state") != "st-123" {
		t.Errorf("redirect query = %v", q)
	}
}

func TestHandler_ConsentCSRFFailure(t *testing.T) {
	th := setupTestHandler(t, nil)
	client := th.register(t, "public")

	rec := th.do(asUser(formRequest("/consent", url.Values{
		"csrf_token": {"forged"},
		"client_id":  {client.ClientID},
		"state":      {"st-123"},
		"approved":   {"true"},
	}), testutil.TestUserID))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") || rec.Body.String() != csrfFailureBody {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestHandler_ConsentDenied(t *testing.T) {
	th := setupTestHandler(t, nil)
	client := th.register(t, "public")
	challenge, _ := testutil.GeneratePKCEPair()

	rec := th.do(asUser(httptest.NewRequest(http.MethodGet, authorizeURL(client.ClientID, "read:profile", challenge), nil), testutil.TestUserID))
	var prompt ConsentPromptResponse
	testutil.AssertNoError(t, json.Unmarshal(rec.Body.Bytes(), &prompt))

	rec = th.do(asUser(formRequest("/consent", url.Values{
		"csrf_token": {prompt.CSRFToken},
		"client_id":  {client.ClientID},
		"state":      {"st-123"},
		"approved":   {"false"},
	}), testutil.TestUserID))
	q := location(t, rec).Query()
	if q.Get("error") != server.ErrorCodeAccessDenied || q.Get("state") != "st-123" {
		t.Errorf("redirect query = %v", q)
	}
}

func TestHandler_TokenClientAuthentication(t *testing.T) {
	th := setupTestHandler(t, nil)
	client := th.register(t, "confidential")

	tests := []struct {
		name       string
		req        func() *http.Request
		wantStatus int
		wantCode   string
	}{
		{
			name: "bad basic secret",
			req: func() *http.Request {
				r := formRequest("/token", url.Values{"grant_type": {"authorization_code"}, "code": {"x"}})
				r.SetBasicAuth(client.ClientID, "wrong")
				return r
			},
			wantStatus: http.StatusUnauthorized,
			wantCode:   server.ErrorCodeInvalidClient,
		},
		{
			name: "basic and form secret",
			req: func() *http.Request {
				r := formRequest("/token", url.Values{"grant_type": {"authorization_code"}, "client_secret": {"x"}})
				r.SetBasicAuth(client.ClientID, client.ClientSecret)
				return r
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   server.ErrorCodeInvalidRequest,
		},
		{
			name: "unsupported grant",
			req: func() *http.Request {
				return formRequest("/token", url.Values{"grant_type": {"password"}})
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   server.ErrorCodeUnsupportedGrantType,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := th.do(tt.req())
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			var resp ErrorResponse
			testutil.AssertNoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			if resp.Error != tt.wantCode {
				t.Errorf("error = %q, want %q", resp.Error, tt.wantCode)
			}
			if tt.wantStatus == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("401 must carry WWW-Authenticate")
			}
		})
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	th := setupTestHandler(t, nil)
	rec := th.do(httptest.NewRequest(http.MethodGet, "/token", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /token = %d, want 405", rec.Code)
	}
}

func TestHandler_RegistrationValidation(t *testing.T) {
	th := setupTestHandler(t, nil)

	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"bad json", `{`, server.ErrorCodeInvalidRequest},
		{"http redirect", `{"name":"A","client_type":"public","redirect_uris":["http://app.example/cb"],"scopes":["email"]}`, ErrorCodeInvalidRedirectURI},
		{"unknown scope", `{"name":"A","client_type":"public","redirect_uris":["https://app.example/cb"],"scopes":["admin"]}`, server.ErrorCodeInvalidScope},
		{"missing name", `{"client_type":"public","redirect_uris":["https://app.example/cb"],"scopes":["email"]}`, ErrorCodeInvalidClientMetadata},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := th.do(httptest.NewRequest(http.MethodPost, "/clients", strings.NewReader(tt.body)))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			var resp ErrorResponse
			testutil.AssertNoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			if resp.Error != tt.wantCode {
				t.Errorf("error = %q, want %q", resp.Error, tt.wantCode)
			}
		})
	}
}

func TestHandler_RegistrationRateLimit(t *testing.T) {
	th := setupTestHandler(t, &Config{RateLimit: RateLimitConfig{RegistrationRate: 1, RegistrationBurst: 1}})
	th.register(t, "public")

	rec := th.do(httptest.NewRequest(http.MethodPost, "/clients", strings.NewReader(`{}`)))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
}

func TestHandler_ConsentsAndRevocation(t *testing.T) {
	th := setupTestHandler(t, nil)
	client := th.register(t, "public")
	challenge, verifier := testutil.GeneratePKCEPair()
	code := th.authorizeAndApprove(t, client.ClientID, challenge)

	rec := th.do(formRequest("/token", url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {client.ClientID},
		"code":          {code},
		"redirect_uri":  {testutil.TestRedirectURI},
		"code_verifier": {verifier},
	}))
	var tok server.TokenResponse
	testutil.AssertNoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))

	rec = th.do(asUser(httptest.NewRequest(http.MethodGet, "/consents", nil), testutil.TestUserID))
	var list ConsentListResponse
	testutil.AssertNoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	if len(list.Consents) != 1 || list.Consents[0].ClientName != "Example App" {
		t.Fatalf("consents = %+v", list)
	}

	rec = th.do(asUser(httptest.NewRequest(http.MethodDelete, "/consents/"+client.ClientID, nil), testutil.TestUserID))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE /consents = %d", rec.Code)
	}

	rec = th.do(formRequest("/token", url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {client.ClientID},
		"refresh_token": {tok.RefreshToken},
	}))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("refresh after consent revocation = %d, want 400", rec.Code)
	}

	rec = th.do(asUser(httptest.NewRequest(http.MethodDelete, "/consents/"+client.ClientID, nil), testutil.TestUserID))
	if rec.Code != http.StatusNotFound {
		t.Errorf("second DELETE = %d, want 404", rec.Code)
	}
}

func TestHandler_Revoke(t *testing.T) {
	th := setupTestHandler(t, nil)
	client := th.register(t, "public")

	rec := th.do(formRequest("/revoke", url.Values{"token": {"unknown"}, "client_id": {client.ClientID}}))
	if rec.Code != http.StatusOK {
		t.Errorf("revoke unknown token = %d, want 200", rec.Code)
	}
}

func TestHandler_IPRateLimit(t *testing.T) {
	th := setupTestHandler(t, &Config{RateLimit: RateLimitConfig{Rate: 1, Burst: 1}})

	first := th.do(httptest.NewRequest(http.MethodGet, "/consents", nil))
	if first.Code != http.StatusUnauthorized {
		t.Fatalf("first request = %d", first.Code)
	}
	second := th.do(httptest.NewRequest(http.MethodGet, "/consents", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("second request = %d, want 429", second.Code)
	}
}

func TestNewHandler_Validation(t *testing.T) {
	th := setupTestHandler(t, nil)
	if _, err := NewHandler(nil, HeaderIdentity{}, nil); err == nil {
		t.Error("NewHandler(nil server) should fail")
	}
	if _, err := NewHandler(th.srv, nil, nil); err == nil {
		t.Error("NewHandler(nil identity) should fail")
	}
}
