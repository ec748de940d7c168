// Package config loads the inspector's environment-variable configuration.
package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config holds all process configuration, loaded from environment variables.
// Field names and defaults follow the environment surface of the service.
type Config struct {
	ServerIP             string  `env:"SERVER_IP" envDefault:"127.0.0.1"`
	ServerDomain         string  `env:"SERVER_DOMAIN" envDefault:"localhost"`
	IncludeServerDomain  bool    `env:"INCLUDE_SERVER_DOMAIN" envDefault:"false"`
	SubdomainLength      int     `env:"SUBDOMAIN_LENGTH" envDefault:"8"`
	SubdomainAlphabet    string  `env:"SUBDOMAIN_ALPHABET" envDefault:"0123456789abcdefghijklmnopqrstuvwxyz"`
	JWTSecret            string  `env:"JWT_SECRET" envDefault:"secret"`
	TXTRecord            string  `env:"TXT" envDefault:"Hello!"`
	HTTPPort             int     `env:"HTTP_PORT" envDefault:"21337"`
	HTTPSPort            int     `env:"HTTPS_PORT" envDefault:"443"`
	DNSPort              int     `env:"DNS_PORT" envDefault:"53"`
	SMTPPort             int     `env:"SMTP_PORT" envDefault:"25"`
	TCPPortRangeStart    int     `env:"TCP_PORT_RANGE_START" envDefault:"10000"`
	TCPPortRangeEnd      int     `env:"TCP_PORT_RANGE_END" envDefault:"11000"`
	AdminToken           string  `env:"ADMIN_TOKEN"`
	MaxSubdomainSizeMB   int     `env:"MAX_SUBDOMAIN_SIZE_MB" envDefault:"10"`
	MaxRequestBodyMB     int     `env:"MAX_REQUEST_BODY_MB" envDefault:"10"`
	CacheMaxMemoryPct    float64 `env:"CACHE_MAX_MEMORY_PCT" envDefault:"0.7"`
	TLSEnabled           bool    `env:"TLS_ENABLED" envDefault:"false"`
	CertDir              string  `env:"CERT_DIR" envDefault:"/app/certs"`
	ACMEEmail            string  `env:"ACME_EMAIL"`
	ACMEDirectory        string  `env:"ACME_DIRECTORY" envDefault:"https://acme-v02.api.letsencrypt.org/directory"`
	CertRenewalDays      int     `env:"CERT_RENEWAL_DAYS" envDefault:"7"`
	CertCheckHours       int     `env:"CERT_CHECK_HOURS" envDefault:"12"`
	IPCertEnabled        bool    `env:"IP_CERT_ENABLED" envDefault:"false"`
	IPCertCheckHours     int     `env:"IP_CERT_CHECK_HOURS" envDefault:"6"`
	IPCertRenewalHours   int     `env:"IP_CERT_RENEWAL_HOURS" envDefault:"96"`
	SessionRateLimit     int     `env:"SESSION_RATE_LIMIT" envDefault:"10"`
	SessionRateWindowSec int     `env:"SESSION_RATE_WINDOW_SECS" envDefault:"60"`
	MaxRequestsPerSess   int     `env:"MAX_REQUESTS_PER_SESSION" envDefault:"1000"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	GeoIPCSVPath string `env:"GEOIP_CSV_PATH"`
}

// Load reads configuration from environment variables and normalises it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	cfg.ServerDomain = strings.ToLower(cfg.ServerDomain)
	return cfg, nil
}

// MaxSubdomainSizeBytes returns the per-tenant KV quota in bytes.
func (c *Config) MaxSubdomainSizeBytes() int64 {
	return int64(c.MaxSubdomainSizeMB) * 1024 * 1024
}

// MaxRequestBodyBytes returns the HTTP capture body cap in bytes.
func (c *Config) MaxRequestBodyBytes() int64 {
	return int64(c.MaxRequestBodyMB) * 1024 * 1024
}

// DNSAddr returns the UDP listen address for the DNS authority.
func (c *Config) DNSAddr() string { return fmt.Sprintf("0.0.0.0:%d", c.DNSPort) }

// HTTPAddr returns the plain HTTP listen address.
func (c *Config) HTTPAddr() string { return fmt.Sprintf("0.0.0.0:%d", c.HTTPPort) }

// HTTPSAddr returns the TLS listen address.
func (c *Config) HTTPSAddr() string { return fmt.Sprintf("0.0.0.0:%d", c.HTTPSPort) }

// SMTPAddr returns the SMTP listen address.
func (c *Config) SMTPAddr() string { return fmt.Sprintf("0.0.0.0:%d", c.SMTPPort) }

// AdminRequired reports whether session creation requires an admin token.
func (c *Config) AdminRequired() bool { return c.AdminToken != "" }
