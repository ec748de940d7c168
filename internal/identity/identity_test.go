package identity

import (
	"strings"
	"testing"
	"time"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(Options{
		Secret:          "test-secret-at-least-this-long-ok",
		SubdomainLength: 8,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestRandomSubdomainShape(t *testing.T) {
	m := testManager(t)
	sub, err := m.RandomSubdomain()
	if err != nil {
		t.Fatalf("RandomSubdomain: %v", err)
	}
	if !m.VerifySubdomain(sub) {
		t.Errorf("generated subdomain %q fails its own verifier", sub)
	}
	if len(sub) != 8 {
		t.Errorf("len = %d, want 8", len(sub))
	}
}

func TestVerifySubdomain(t *testing.T) {
	m := testManager(t)
	tests := []struct {
		name string
		s    string
		want bool
	}{
		{"valid", "abcd1234", true},
		{"too short", "abcd123", false},
		{"too long", "abcd12345", false},
		{"bad charset", "ABCD1234", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.VerifySubdomain(tt.s); got != tt.want {
				t.Errorf("VerifySubdomain(%q) = %v, want %v", tt.s, got, tt.want)
			}
		})
	}
}

func TestSessionTokenRoundTrip(t *testing.T) {
	m := testManager(t)
	tok, err := m.IssueSessionToken("abcd1234")
	if err != nil {
		t.Fatalf("IssueSessionToken: %v", err)
	}
	sub, ok := m.VerifySessionToken(tok)
	if !ok || sub != "abcd1234" {
		t.Fatalf("VerifySessionToken = (%q,%v), want (abcd1234,true)", sub, ok)
	}
}

func TestSessionTokenTamperedFails(t *testing.T) {
	m := testManager(t)
	tok, _ := m.IssueSessionToken("abcd1234")
	tampered := tok[:len(tok)-2] + "xx"
	if _, ok := m.VerifySessionToken(tampered); ok {
		t.Error("tampered token verified, want failure")
	}
}

func TestSessionTokenWrongSecretFails(t *testing.T) {
	m := testManager(t)
	other, _ := New(Options{Secret: "a-totally-different-secret-value", SubdomainLength: 8})
	tok, _ := m.IssueSessionToken("abcd1234")
	if _, ok := other.VerifySessionToken(tok); ok {
		t.Error("token verified under wrong secret, want failure")
	}
}

func TestShareTokenScopesRequestAndSubdomain(t *testing.T) {
	m := testManager(t)
	tok, err := m.IssueShareToken("req-1", "abcd1234")
	if err != nil {
		t.Fatalf("IssueShareToken: %v", err)
	}
	reqID, sub, ok := m.VerifyShareToken(tok)
	if !ok || reqID != "req-1" || sub != "abcd1234" {
		t.Fatalf("VerifyShareToken = (%q,%q,%v)", reqID, sub, ok)
	}
}

func TestShareTokenExpiryEnforced(t *testing.T) {
	m, err := New(Options{
		Secret:          "test-secret-at-least-this-long-ok",
		SubdomainLength: 8,
		ShareMaxAge:     -1 * time.Minute,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tok, err := m.IssueShareToken("req-1", "abcd1234")
	if err != nil {
		t.Fatalf("IssueShareToken: %v", err)
	}
	if _, _, ok := m.VerifyShareToken(tok); ok {
		t.Error("expired share token verified, want failure")
	}
}

func TestCanCreateSession(t *testing.T) {
	noAdmin := testManager(t)
	if !noAdmin.CanCreateSession("") {
		t.Error("no admin token configured: should always allow")
	}

	withAdmin, err := New(Options{
		Secret:          "test-secret-at-least-this-long-ok",
		SubdomainLength: 8,
		AdminToken:      "s3cr3t",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !withAdmin.AdminRequired() {
		t.Fatal("AdminRequired should be true")
	}
	if withAdmin.CanCreateSession("wrong") {
		t.Error("wrong token should not authorize")
	}
	if !withAdmin.CanCreateSession("s3cr3t") {
		t.Error("correct token should authorize")
	}
}

func TestRandomSubdomainUsesConfiguredAlphabet(t *testing.T) {
	m, err := New(Options{
		Secret:            "test-secret-at-least-this-long-ok",
		SubdomainAlphabet: "ab",
		SubdomainLength:   16,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sub, err := m.RandomSubdomain()
	if err != nil {
		t.Fatalf("RandomSubdomain: %v", err)
	}
	if strings.Trim(sub, "ab") != "" {
		t.Errorf("subdomain %q uses characters outside configured alphabet", sub)
	}
}
