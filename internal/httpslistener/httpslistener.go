// Package httpslistener implements C9: a TLS accept loop that consults
// C7 on every handshake and dispatches into the same router C6 serves
// plain HTTP from.
package httpslistener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wisbric/inspector/internal/tlsmgr"
)

// ListenAndServe serves handler over plain HTTP on addr, blocking until
// ctx is cancelled or a fatal listener error occurs. This is the
// unencrypted half of C6/C9 — the ACME HTTP-01 challenge route and
// plain-HTTP fixture traffic both arrive here.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, log *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http listener starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listener: %w", err)
			return
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("http listener shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ListenAndServeTLS serves handler over addr using mgr's GetCertificate
// resolver, blocking until ctx is cancelled or a fatal listener error
// occurs.
func ListenAndServeTLS(ctx context.Context, addr string, mgr *tlsmgr.Manager, handler http.Handler, log *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		TLSConfig:    mgr.ServerConfig(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("https listener starting", "addr", addr)
		// Cert/key args are empty: GetCertificate in TLSConfig supplies
		// certificates per-handshake, so no file paths are needed here.
		if err := srv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("https listener: %w", err)
			return
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("https listener shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
