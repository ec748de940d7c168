package tlsmgr

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"
)

func generateSelfSigned(t *testing.T, cn string) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{cn},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

func TestReadyFalseUntilLoaded(t *testing.T) {
	m := New()
	if m.Ready() {
		t.Fatal("expected not ready before any cert is loaded")
	}
}

func TestReloadDomainThenSNIDispatch(t *testing.T) {
	m := New()
	certPEM, keyPEM := generateSelfSigned(t, "example.com")
	if err := m.ReloadDomain(certPEM, keyPEM); err != nil {
		t.Fatalf("reload domain: %v", err)
	}
	if !m.Ready() {
		t.Fatal("expected ready after domain cert load")
	}

	cert, err := m.getCertificate(&tls.ClientHelloInfo{ServerName: "example.com"})
	if err != nil {
		t.Fatalf("get cert with SNI: %v", err)
	}
	if cert.Leaf.Subject.CommonName != "example.com" {
		t.Errorf("cn = %s, want example.com", cert.Leaf.Subject.CommonName)
	}
}

func TestNoSNIFallsBackToIPThenDomain(t *testing.T) {
	m := New()
	domainPEM, domainKey := generateSelfSigned(t, "example.com")
	if err := m.ReloadDomain(domainPEM, domainKey); err != nil {
		t.Fatalf("reload domain: %v", err)
	}

	cert, err := m.getCertificate(&tls.ClientHelloInfo{})
	if err != nil {
		t.Fatalf("expected fallback to domain cert, got error: %v", err)
	}
	if cert.Leaf.Subject.CommonName != "example.com" {
		t.Errorf("cn = %s, want fallback example.com", cert.Leaf.Subject.CommonName)
	}

	ipPEM, ipKey := generateSelfSigned(t, "203.0.113.5")
	if err := m.ReloadIP(ipPEM, ipKey); err != nil {
		t.Fatalf("reload ip: %v", err)
	}
	cert, err = m.getCertificate(&tls.ClientHelloInfo{})
	if err != nil {
		t.Fatalf("get ip cert: %v", err)
	}
	if cert.Leaf.Subject.CommonName != "203.0.113.5" {
		t.Errorf("cn = %s, want ip cert to take priority with no SNI", cert.Leaf.Subject.CommonName)
	}
}

func TestNoCertLoadedReturnsError(t *testing.T) {
	m := New()
	if _, err := m.getCertificate(&tls.ClientHelloInfo{ServerName: "example.com"}); err == nil {
		t.Fatal("expected error with nothing loaded")
	}
}
