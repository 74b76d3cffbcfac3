package oauth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestApplyHandlerDefaults(t *testing.T) {
	cfg := applyHandlerDefaults(&Config{RateLimit: RateLimitConfig{Rate: 10}})

	if cfg.MaxRequestBodyBytes != 64<<10 {
		t.Errorf("MaxRequestBodyBytes = %d", cfg.MaxRequestBodyBytes)
	}
	if cfg.RateLimit.RegistrationRate != 1 || cfg.RateLimit.RegistrationBurst != 5 {
		t.Errorf("registration limits = %d/%d", cfg.RateLimit.RegistrationRate, cfg.RateLimit.RegistrationBurst)
	}
	if cfg.RateLimit.Burst != 20 {
		t.Errorf("Burst = %d, want twice the rate", cfg.RateLimit.Burst)
	}
	if cfg.RateLimit.TrustedProxyCount != 1 {
		t.Errorf("TrustedProxyCount = %d", cfg.RateLimit.TrustedProxyCount)
	}
	if cfg.RateLimit.TrustProxy {
		t.Error("TrustProxy must default to false")
	}
}

func TestHeaderIdentity(t *testing.T) {
	tests := []struct {
		name     string
		identity HeaderIdentity
		header   string
		value    string
		wantID   string
		wantOK   bool
	}{
		{"default header", HeaderIdentity{}, DefaultIdentityHeader, "user-1", "user-1", true},
		{"custom header", HeaderIdentity{Header: "X-User"}, "X-User", " user-2 ", "user-2", true},
		{"missing", HeaderIdentity{}, "X-Other", "user-3", "", false},
		{"blank", HeaderIdentity{}, DefaultIdentityHeader, "   ", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.Header.Set(tt.header, tt.value)
			id, ok := tt.identity.UserID(r)
			if id != tt.wantID || ok != tt.wantOK {
				t.Errorf("UserID() = (%q, %v), want (%q, %v)", id, ok, tt.wantID, tt.wantOK)
			}
		})
	}

	fn := IdentityFunc(func(*http.Request) (string, bool) { return "fixed", true })
	if id, ok := fn.UserID(httptest.NewRequest("GET", "/", nil)); id != "fixed" || !ok {
		t.Errorf("IdentityFunc.UserID() = (%q, %v)", id, ok)
	}
}
