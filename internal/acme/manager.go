// Package acme implements C8: the certificate lifecycle engine. It runs
// two independent renewal loops on top of github.com/mholt/acmez/v3 —
// DNS-01 for the wildcard domain certificate, HTTP-01 for a short-lived
// IP certificate — and hot-reloads whatever it obtains into C7.
package acme

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mholt/acmez/v3"
	"github.com/mholt/acmez/v3/acme"

	"github.com/wisbric/inspector/internal/store"
	"github.com/wisbric/inspector/internal/telemetry"
	"github.com/wisbric/inspector/internal/tlsmgr"
)

// Options configures a Manager.
type Options struct {
	Domain            string
	ServerIP          string
	Email             string
	DirectoryURL      string
	CertDir           string
	RenewalDays       int           // domain cert: renew when fewer than this many days remain
	CheckInterval     time.Duration // domain cert: how often to check
	IPRenewalInterval time.Duration // IP cert: renew when less than this much validity remains
	IPCheckInterval   time.Duration

	Store      *store.Store
	TLS        *tlsmgr.Manager
	Challenges *HTTPChallengeMap
	Logger     *slog.Logger
}

// Manager owns the ACME account and drives both renewal loops.
type Manager struct {
	opts    Options
	client  acmez.Client
	account acme.Account
	log     *slog.Logger
}

// New constructs a Manager and loads or creates its ACME account.
func New(ctx context.Context, opts Options) (*Manager, error) {
	if opts.RenewalDays == 0 {
		opts.RenewalDays = 30
	}
	if opts.CheckInterval == 0 {
		opts.CheckInterval = 12 * time.Hour
	}
	if opts.IPCheckInterval == 0 {
		opts.IPCheckInterval = time.Hour
	}
	if opts.IPRenewalInterval == 0 {
		opts.IPRenewalInterval = 6 * time.Hour
	}

	m := &Manager{opts: opts, log: opts.Logger}
	m.client = acmez.Client{
		Client: &acme.Client{
			Directory:  opts.DirectoryURL,
			HTTPClient: http.DefaultClient,
		},
		ChallengeSolvers: map[string]acmez.Solver{
			acme.ChallengeTypeDNS01:  &dnsSolver{store: opts.Store},
			acme.ChallengeTypeHTTP01: &httpSolver{challenges: opts.Challenges},
		},
	}

	account, err := m.loadOrCreateAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("acme: account setup: %w", err)
	}
	m.account = account
	return m, nil
}

func (m *Manager) accountKeyPath() string  { return filepath.Join(m.opts.CertDir, "account.json") }
func (m *Manager) domainCertPath() string  { return filepath.Join(m.opts.CertDir, "fullchain.pem") }
func (m *Manager) domainKeyPath() string   { return filepath.Join(m.opts.CertDir, "privkey.pem") }
func (m *Manager) ipCertPath() string      { return filepath.Join(m.opts.CertDir, "ip-fullchain.pem") }
func (m *Manager) ipKeyPath() string       { return filepath.Join(m.opts.CertDir, "ip-privkey.pem") }

type accountFile struct {
	Contact      []string `json:"contact"`
	PrivateKey   []byte   `json:"private_key"` // PKCS8 DER
	LocationURL  string   `json:"location_url"`
	TermsAgreed  bool     `json:"terms_agreed"`
}

func (m *Manager) loadOrCreateAccount(ctx context.Context) (acme.Account, error) {
	if data, err := os.ReadFile(m.accountKeyPath()); err == nil {
		return m.decodeAccount(data)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return acme.Account{}, fmt.Errorf("generating account key: %w", err)
	}

	var contact []string
	if m.opts.Email != "" {
		contact = []string{"mailto:" + m.opts.Email}
	}

	account := acme.Account{
		Contact:              contact,
		TermsOfServiceAgreed: true,
		PrivateKey:           key,
	}
	account, err = m.client.NewAccount(ctx, account)
	if err != nil {
		return acme.Account{}, fmt.Errorf("registering account: %w", err)
	}

	if err := m.persistAccount(account); err != nil {
		m.log.Warn("acme: failed to persist account, will re-register next boot", "error", err)
	}
	return account, nil
}

func (m *Manager) persistAccount(account acme.Account) error {
	keyDER, err := x509.MarshalPKCS8PrivateKey(account.PrivateKey)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(accountFile{
		Contact:     account.Contact,
		PrivateKey:  keyDER,
		LocationURL: account.Location,
		TermsAgreed: account.TermsOfServiceAgreed,
	}, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(m.accountKeyPath(), data, 0600)
}

func (m *Manager) decodeAccount(data []byte) (acme.Account, error) {
	var af accountFile
	if err := json.Unmarshal(data, &af); err != nil {
		return acme.Account{}, err
	}
	key, err := x509.ParsePKCS8PrivateKey(af.PrivateKey)
	if err != nil {
		return acme.Account{}, err
	}
	return acme.Account{
		Contact:              af.Contact,
		TermsOfServiceAgreed: af.TermsAgreed,
		PrivateKey:           key,
		Location:             af.LocationURL,
		Status:               acme.StatusValid,
	}, nil
}

// RunDomainRenewalLoop obtains (or renews, within RenewalDays of
// expiry) the wildcard+apex certificate via DNS-01, reloading it into
// C7 on success. Runs until ctx is cancelled.
func (m *Manager) RunDomainRenewalLoop(ctx context.Context) {
	m.tickLoop(ctx, m.opts.CheckInterval, "domain", func() error {
		if !m.domainCertNeedsRenewal() {
			return nil
		}
		return m.renewDomainCert(ctx)
	})
}

// RunIPRenewalLoop checks the short-lived IP certificate every
// IPCheckInterval and re-issues it via HTTP-01 once less than
// IPRenewalInterval of validity remains.
func (m *Manager) RunIPRenewalLoop(ctx context.Context) {
	m.tickLoop(ctx, m.opts.IPCheckInterval, "ip", func() error {
		if !m.ipCertNeedsRenewal() {
			return nil
		}
		return m.renewIPCert(ctx)
	})
}

func (m *Manager) tickLoop(ctx context.Context, interval time.Duration, loop string, fn func() error) {
	if err := fn(); err != nil {
		m.log.Error("acme: initial issuance failed", "loop", loop, "error", err)
		telemetry.ACMERenewalsTotal.WithLabelValues(loop, "error").Inc()
	} else {
		telemetry.ACMERenewalsTotal.WithLabelValues(loop, "ok").Inc()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(); err != nil {
				m.log.Error("acme: renewal failed", "loop", loop, "error", err)
				telemetry.ACMERenewalsTotal.WithLabelValues(loop, "error").Inc()
				continue
			}
			telemetry.ACMERenewalsTotal.WithLabelValues(loop, "ok").Inc()
		}
	}
}

func (m *Manager) domainCertNeedsRenewal() bool {
	return certNeedsRenewal(m.domainCertPath(), time.Duration(m.opts.RenewalDays)*24*time.Hour)
}

func (m *Manager) ipCertNeedsRenewal() bool {
	return certNeedsRenewal(m.ipCertPath(), m.opts.IPRenewalInterval)
}

func certNeedsRenewal(path string, window time.Duration) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return true
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return true
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return true
	}
	return time.Until(cert.NotAfter) < window
}

func (m *Manager) renewDomainCert(ctx context.Context) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generating leaf key: %w", err)
	}

	sans := []string{m.opts.Domain, "*." + m.opts.Domain}
	certs, err := m.client.ObtainCertificateForSANs(ctx, m.account, key, sans)
	if err != nil {
		return fmt.Errorf("obtaining domain certificate: %w", err)
	}
	if len(certs) == 0 {
		return fmt.Errorf("no certificate returned")
	}

	keyPEM, err := marshalECKey(key)
	if err != nil {
		return err
	}
	if err := writeCertAndKey(m.domainCertPath(), m.domainKeyPath(), certs[0].ChainPEM, keyPEM); err != nil {
		return err
	}
	if err := m.opts.TLS.ReloadDomain(certs[0].ChainPEM, keyPEM); err != nil {
		return fmt.Errorf("reloading domain cert into tlsmgr: %w", err)
	}
	m.log.Info("acme: domain certificate renewed", "domain", m.opts.Domain)
	return nil
}

func (m *Manager) renewIPCert(ctx context.Context) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generating leaf key: %w", err)
	}

	certs, err := m.client.ObtainCertificateForSANs(ctx, m.account, key, []string{m.opts.ServerIP})
	if err != nil {
		return fmt.Errorf("obtaining ip certificate: %w", err)
	}
	if len(certs) == 0 {
		return fmt.Errorf("no certificate returned")
	}

	keyPEM, err := marshalECKey(key)
	if err != nil {
		return err
	}
	if err := writeCertAndKey(m.ipCertPath(), m.ipKeyPath(), certs[0].ChainPEM, keyPEM); err != nil {
		return err
	}
	if err := m.opts.TLS.ReloadIP(certs[0].ChainPEM, keyPEM); err != nil {
		return fmt.Errorf("reloading ip cert into tlsmgr: %w", err)
	}
	m.log.Info("acme: ip certificate renewed", "ip", m.opts.ServerIP)
	return nil
}

func marshalECKey(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// atomicWrite writes data to path via a temp file, fsync, and rename so
// a crash mid-write never leaves a truncated cert or key on disk.
func atomicWrite(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeCertAndKey(certPath, keyPath string, certPEM, keyPEM []byte) error {
	if err := atomicWrite(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", certPath, err)
	}
	if err := atomicWrite(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("writing %s: %w", keyPath, err)
	}
	return nil
}
