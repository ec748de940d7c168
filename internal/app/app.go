// Package app implements C13: wiring every component together, starting
// all listeners and renewal loops in parallel, and shutting them down
// when ctx is cancelled.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wisbric/inspector/internal/acme"
	"github.com/wisbric/inspector/internal/bus"
	"github.com/wisbric/inspector/internal/config"
	"github.com/wisbric/inspector/internal/dashboard"
	"github.com/wisbric/inspector/internal/dnsauth"
	"github.com/wisbric/inspector/internal/geo"
	"github.com/wisbric/inspector/internal/httpapi"
	"github.com/wisbric/inspector/internal/httpslistener"
	"github.com/wisbric/inspector/internal/identity"
	"github.com/wisbric/inspector/internal/smtpsink"
	"github.com/wisbric/inspector/internal/store"
	"github.com/wisbric/inspector/internal/tcpbroker"
	"github.com/wisbric/inspector/internal/telemetry"
	"github.com/wisbric/inspector/internal/tlsmgr"
)

// Run reads cfg, constructs every component, and blocks until ctx is
// cancelled or any of the HTTP, HTTPS, DNS or SMTP listeners fails.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting inspector", "domain", cfg.ServerDomain, "tls_enabled", cfg.TLSEnabled)

	st := store.New(logger, store.Options{
		MaxSubdomainBytes:  cfg.MaxSubdomainSizeBytes(),
		MaxRequestsPerSess: cfg.MaxRequestsPerSess,
		CacheMaxMemoryPct:  cfg.CacheMaxMemoryPct,
	})
	go runEvictionTicker(ctx, st)

	eventBus := bus.New()

	geoTable := geo.NewTable()
	if cfg.GeoIPCSVPath != "" {
		if err := geoTable.LoadFrom(geo.CSVLoader{Path: cfg.GeoIPCSVPath}); err != nil {
			logger.Warn("geo: failed to load country table, lookups will return empty", "path", cfg.GeoIPCSVPath, "error", err)
		}
	}

	ids, err := identity.New(identity.Options{
		Secret:            cfg.JWTSecret,
		SubdomainAlphabet: cfg.SubdomainAlphabet,
		SubdomainLength:   cfg.SubdomainLength,
		AdminToken:        cfg.AdminToken,
	})
	if err != nil {
		return fmt.Errorf("app: identity manager: %w", err)
	}

	challenges := acme.NewHTTPChallengeMap()
	tlsMgr := tlsmgr.New()
	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	tcpBroker := tcpbroker.New(tcpbroker.Options{
		RangeStart: cfg.TCPPortRangeStart,
		RangeEnd:   cfg.TCPPortRangeEnd,
		Store:      st,
		Bus:        eventBus,
		Geo:        geoTable,
		Logger:     logger,
	})

	api := httpapi.New(httpapi.Deps{
		Config:     cfg,
		Store:      st,
		Bus:        eventBus,
		Identity:   ids,
		Geo:        geoTable,
		Challenges: challenges,
		TCP:        tcpBroker,
		Dashboard:  dashboard.FS(),
		Registry:   metricsReg,
		Logger:     logger,
	})

	dnsAuthority := dnsauth.New(dnsauth.Options{
		Apex:      cfg.ServerDomain,
		ServerIP:  cfg.ServerIP,
		TXTRecord: cfg.TXTRecord,
		Store:     st,
		Bus:       eventBus,
		Geo:       geoTable,
		Logger:    logger,
	})

	smtpSink := smtpsink.New(smtpsink.Options{
		Apex:   cfg.ServerDomain,
		Store:  st,
		Bus:    eventBus,
		Geo:    geoTable,
		Logger: logger,
	})

	if cfg.TLSEnabled {
		acmeMgr, err := acme.New(ctx, acme.Options{
			Domain:            cfg.ServerDomain,
			ServerIP:          cfg.ServerIP,
			Email:             cfg.ACMEEmail,
			DirectoryURL:      cfg.ACMEDirectory,
			CertDir:           cfg.CertDir,
			RenewalDays:       cfg.CertRenewalDays,
			CheckInterval:     time.Duration(cfg.CertCheckHours) * time.Hour,
			IPCheckInterval:   time.Duration(cfg.IPCertCheckHours) * time.Hour,
			IPRenewalInterval: time.Duration(cfg.IPCertRenewalHours) * time.Hour,
			Store:             st,
			TLS:               tlsMgr,
			Challenges:        challenges,
			Logger:            logger,
		})
		if err != nil {
			return fmt.Errorf("app: acme manager: %w", err)
		}
		go acmeMgr.RunDomainRenewalLoop(ctx)
		if cfg.IPCertEnabled {
			go acmeMgr.RunIPRenewalLoop(ctx)
		}
	}

	httpErrCh := make(chan error, 1)
	go func() { httpErrCh <- httpslistener.ListenAndServe(ctx, cfg.HTTPAddr(), api.Router, logger) }()

	httpsErrCh := make(chan error, 1)
	if cfg.TLSEnabled {
		go func() {
			httpsErrCh <- httpslistener.ListenAndServeTLS(ctx, cfg.HTTPSAddr(), tlsMgr, api.Router, logger)
		}()
	}

	// DNS and SMTP have no ctx-aware shutdown hook of their own — their
	// accept loops are abandoned along with the process once Run returns.
	dnsErrCh := make(chan error, 1)
	go func() { dnsErrCh <- dnsAuthority.ListenAndServe(cfg.DNSAddr()) }()

	smtpErrCh := make(chan error, 1)
	go func() { smtpErrCh <- smtpSink.ListenAndServe(cfg.SMTPAddr()) }()

	select {
	case <-ctx.Done():
		logger.Info("app: shutdown signal received")
	case err := <-httpErrCh:
		return fmt.Errorf("http listener: %w", err)
	case err := <-httpsErrCh:
		return fmt.Errorf("https listener: %w", err)
	case err := <-dnsErrCh:
		return fmt.Errorf("dns listener: %w", err)
	case err := <-smtpErrCh:
		return fmt.Errorf("smtp listener: %w", err)
	}

	if err := <-httpErrCh; err != nil {
		logger.Error("app: http listener shutdown error", "error", err)
	}
	if cfg.TLSEnabled {
		if err := <-httpsErrCh; err != nil {
			logger.Error("app: https listener shutdown error", "error", err)
		}
	}
	return nil
}

// runEvictionTicker drives the store's 60-second eviction sweep and stops
// feeding it once ctx is cancelled.
func runEvictionTicker(ctx context.Context, st *store.Store) {
	tick := make(chan struct{})
	done := make(chan struct{})
	go func() {
		st.RunEvictionLoop(tick)
		close(done)
	}()

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(tick)
			<-done
			return
		case <-ticker.C:
			select {
			case tick <- struct{}{}:
			default:
			}
		}
	}
}
