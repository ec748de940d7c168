// Package identity implements subdomain generation/verification and the
// two self-issued JWT kinds (session, share) that gate every tenant-scoped
// API call, plus the constant-time admin-token gate.
package identity

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

const issuer = "inspector"

// SessionClaims are the custom claims of a session token.
type SessionClaims struct {
	Subdomain string `json:"subdomain"`
}

// ShareClaims are the custom claims of a share token; it narrows access
// to a single observation within a tenant.
type ShareClaims struct {
	RequestID string `json:"request_id"`
	Subdomain string `json:"subdomain"`
}

// Manager issues and verifies subdomains and both JWT kinds.
type Manager struct {
	signingKey    []byte
	alphabet      string
	subdomainLen  int
	sessionMaxAge time.Duration
	shareMaxAge   time.Duration
	adminToken    string
}

// Options configures a Manager.
type Options struct {
	Secret            string
	SubdomainAlphabet string
	SubdomainLength   int
	SessionMaxAge     time.Duration // default 365 days
	ShareMaxAge       time.Duration // default 30 days
	AdminToken        string
}

// New constructs a Manager. The secret must be non-empty; callers are
// expected to validate its strength at config load time.
func New(opts Options) (*Manager, error) {
	if opts.Secret == "" {
		return nil, fmt.Errorf("identity: signing secret must not be empty")
	}
	sessionMaxAge := opts.SessionMaxAge
	if sessionMaxAge <= 0 {
		sessionMaxAge = 365 * 24 * time.Hour
	}
	shareMaxAge := opts.ShareMaxAge
	if shareMaxAge == 0 {
		shareMaxAge = 30 * 24 * time.Hour
	}
	alphabet := opts.SubdomainAlphabet
	if alphabet == "" {
		alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	}
	length := opts.SubdomainLength
	if length <= 0 {
		length = 8
	}
	return &Manager{
		signingKey:    []byte(opts.Secret),
		alphabet:      alphabet,
		subdomainLen:  length,
		sessionMaxAge: sessionMaxAge,
		shareMaxAge:   shareMaxAge,
		adminToken:    opts.AdminToken,
	}, nil
}

// RandomSubdomain draws a uniformly random token over the configured
// alphabet and length.
func (m *Manager) RandomSubdomain() (string, error) {
	b := make([]byte, m.subdomainLen)
	idx := make([]byte, m.subdomainLen)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("identity: reading random bytes: %w", err)
	}
	for i, v := range b {
		idx[i] = m.alphabet[int(v)%len(m.alphabet)]
	}
	return string(idx), nil
}

// VerifySubdomain checks length and charset. Both must hold for s to be
// accepted as a tenant key anywhere in the system.
func (m *Manager) VerifySubdomain(s string) bool {
	if len(s) != m.subdomainLen {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune(m.alphabet, r) {
			return false
		}
	}
	return true
}

func (m *Manager) signer() (jose.Signer, error) {
	return jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: m.signingKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
}

// IssueSessionToken returns a signed session JWT for subdomain.
func (m *Manager) IssueSessionToken(subdomain string) (string, error) {
	signer, err := m.signer()
	if err != nil {
		return "", fmt.Errorf("identity: creating signer: %w", err)
	}
	now := time.Now()
	registered := jwt.Claims{
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(m.sessionMaxAge)),
		Issuer:   issuer,
	}
	token, err := jwt.Signed(signer).
		Claims(registered).
		Claims(SessionClaims{Subdomain: subdomain}).
		Serialize()
	if err != nil {
		return "", fmt.Errorf("identity: signing session token: %w", err)
	}
	return token, nil
}

// VerifySessionToken returns the embedded subdomain iff signature, expiry,
// and the subdomain shape all check out.
func (m *Manager) VerifySessionToken(raw string) (string, bool) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return "", false
	}
	var registered jwt.Claims
	var custom SessionClaims
	if err := tok.Claims(m.signingKey, &registered, &custom); err != nil {
		return "", false
	}
	if err := registered.ValidateWithLeeway(jwt.Expected{Issuer: issuer, Time: time.Now()}, 5*time.Second); err != nil {
		return "", false
	}
	if !m.VerifySubdomain(custom.Subdomain) {
		return "", false
	}
	return custom.Subdomain, true
}

// IssueShareToken returns a signed share JWT narrowing access to requestID
// within subdomain.
func (m *Manager) IssueShareToken(requestID, subdomain string) (string, error) {
	signer, err := m.signer()
	if err != nil {
		return "", fmt.Errorf("identity: creating signer: %w", err)
	}
	now := time.Now()
	registered := jwt.Claims{
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(m.shareMaxAge)),
		Issuer:   issuer,
	}
	token, err := jwt.Signed(signer).
		Claims(registered).
		Claims(ShareClaims{RequestID: requestID, Subdomain: subdomain}).
		Serialize()
	if err != nil {
		return "", fmt.Errorf("identity: signing share token: %w", err)
	}
	return token, nil
}

// VerifyShareToken returns the embedded (requestID, subdomain) pair iff
// the token verifies and the subdomain shape checks out.
func (m *Manager) VerifyShareToken(raw string) (requestID, subdomain string, ok bool) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return "", "", false
	}
	var registered jwt.Claims
	var custom ShareClaims
	if err := tok.Claims(m.signingKey, &registered, &custom); err != nil {
		return "", "", false
	}
	if err := registered.ValidateWithLeeway(jwt.Expected{Issuer: issuer, Time: time.Now()}, 5*time.Second); err != nil {
		return "", "", false
	}
	if !m.VerifySubdomain(custom.Subdomain) || custom.RequestID == "" {
		return "", "", false
	}
	return custom.RequestID, custom.Subdomain, true
}

// AdminRequired reports whether an admin token is configured.
func (m *Manager) AdminRequired() bool { return m.adminToken != "" }

// CanCreateSession reports whether provided authorizes session creation:
// true unconditionally when no admin token is configured, otherwise a
// constant-time comparison against the configured token.
func (m *Manager) CanCreateSession(provided string) bool {
	if !m.AdminRequired() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(m.adminToken)) == 1
}
