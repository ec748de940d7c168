// Package tlsmgr implements C7: a hot-swappable SNI-dispatching cert
// resolver distinguishing the apex/wildcard domain cert from the IP cert
// used for bare-IP connections (no SNI, per RFC 6066).
package tlsmgr

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync/atomic"
)

// Manager holds two certificate slots behind atomic pointers so readers
// never block on a reload and in-flight handshakes keep the snapshot they
// started with.
type Manager struct {
	domainCert atomic.Pointer[tls.Certificate]
	ipCert     atomic.Pointer[tls.Certificate]
}

// New returns a Manager with no certificates loaded yet.
func New() *Manager {
	return &Manager{}
}

// ReloadDomain atomically swaps in a new domain (apex + wildcard) cert.
func (m *Manager) ReloadDomain(certPEM, keyPEM []byte) error {
	cert, err := parseCertificate(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("tlsmgr: reload domain cert: %w", err)
	}
	m.domainCert.Store(cert)
	return nil
}

// ReloadIP atomically swaps in a new IP cert.
func (m *Manager) ReloadIP(certPEM, keyPEM []byte) error {
	cert, err := parseCertificate(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("tlsmgr: reload ip cert: %w", err)
	}
	m.ipCert.Store(cert)
	return nil
}

// Ready reports whether at least one certificate has been loaded. C9 does
// not consult it; until then every handshake fails in GetCertificate.
func (m *Manager) Ready() bool {
	return m.domainCert.Load() != nil || m.ipCert.Load() != nil
}

// ServerConfig returns a *tls.Config whose GetCertificate resolves per
// ClientHello: SNI present → domain cert; SNI absent → IP cert, falling
// back to the domain cert if the IP cert isn't loaded yet.
func (m *Manager) ServerConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.getCertificate,
		NextProtos:     []string{"http/1.1"},
		MinVersion:     tls.VersionTLS12,
	}
}

func (m *Manager) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if hello.ServerName != "" {
		if cert := m.domainCert.Load(); cert != nil {
			return cert, nil
		}
		return nil, fmt.Errorf("tlsmgr: no domain certificate loaded")
	}
	if cert := m.ipCert.Load(); cert != nil {
		return cert, nil
	}
	if cert := m.domainCert.Load(); cert != nil {
		return cert, nil
	}
	return nil, fmt.Errorf("tlsmgr: no certificate loaded")
}

// parseCertificate builds a tls.Certificate from PEM chain+key bytes,
// trying PKCS#8, PKCS#1, then SEC1 EC private key formats in that order.
func parseCertificate(certPEM, keyPEM []byte) (*tls.Certificate, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err == nil {
		return &cert, nil
	}

	key, kerr := parsePrivateKey(keyPEM)
	if kerr != nil {
		return nil, fmt.Errorf("parsing private key: %w", kerr)
	}

	var certDER [][]byte
	rest := certPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			certDER = append(certDER, block.Bytes)
		}
	}
	if len(certDER) == 0 {
		return nil, fmt.Errorf("no certificate blocks found")
	}

	leaf, err := x509.ParseCertificate(certDER[0])
	if err != nil {
		return nil, fmt.Errorf("parsing leaf certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: certDER,
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

func parsePrivateKey(keyPEM []byte) (any, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("unsupported private key format")
}

// Ensure the ecdsa/rsa imports are exercised even when callers only use
// the higher-level PEM helpers above (both key types flow through
// crypto/x509's generic any return).
var (
	_ *ecdsa.PrivateKey
	_ *rsa.PrivateKey
)
