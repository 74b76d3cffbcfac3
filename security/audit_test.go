package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestAuditor_LogEvent_HashesUserID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	auditor := NewAuditor(logger, true)

	auditor.LogAuthFailure("alice@example.com", "client-1", "10.0.0.1", "invalid_secret")

	out := buf.String()
	if !strings.Contains(out, `"event_type":"auth_failure"`) {
		t.Errorf("expected event type in output, got %s", out)
	}
	if strings.Contains(out, "alice@example.com") {
		t.Error("user id must not be logged in clear text")
	}
	if !strings.Contains(out, hashForLogging("alice@example.com")) {
		t.Error("expected hashed user id in output")
	}
}

func TestAuditor_Disabled(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewJSONHandler(&buf, nil)), false)

	auditor.LogTokenIssued("user", "client", "read")
	if buf.Len() != 0 {
		t.Errorf("disabled auditor wrote output: %s", buf.String())
	}
}

func TestAuditor_NilSafe(t *testing.T) {
	var auditor *Auditor
	auditor.LogEvent(Event{Type: EventTokenRevoked})
	auditor.LogTokensRevoked("u", "c", "logout", 2)
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("hashForLogging(\"\") = %q", got)
	}
	h := hashForLogging("user")
	if len(h) != 16 {
		t.Errorf("expected 16 hex chars, got %d", len(h))
	}
	if h != hashForLogging("user") {
		t.Error("hash must be deterministic")
	}
}
