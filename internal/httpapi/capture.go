package httpapi

import (
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/wisbric/inspector/internal/ingest"
	"github.com/wisbric/inspector/internal/observation"
	"github.com/wisbric/inspector/internal/subdomain"
)

// catchAll is installed as the router's NotFound handler: it runs after
// every registered API route has failed to match, and decides whether the
// request targets a tenant (capture it) or the dashboard (serve the SPA).
func (s *Server) catchAll(w http.ResponseWriter, r *http.Request) {
	sub, servePath, ok := s.resolveTenant(r)
	if !ok {
		s.serveDashboard(w, r)
		return
	}

	if r.Method == http.MethodOptions {
		s.writeCORSPreflight(w)
		return
	}

	obs := s.buildObservation(r, sub)
	ingest.Capture(s.store, s.bus, s.log, obs)

	tree, err := loadFileTree(s.store, sub)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	_, fx, found := resolvePath(tree, servePath)
	if !found {
		http.NotFound(w, r)
		return
	}
	s.writeFixture(w, fx)
}

// resolveTenant determines the tenant and the path to serve fixtures
// from, either via Host or via a "/r/<sub>/..." path prefix.
func (s *Server) resolveTenant(r *http.Request) (sub, servePath string, ok bool) {
	if label, hostOK := subdomain.FromHost(r.Host, s.cfg.ServerDomain); hostOK && s.ids.VerifySubdomain(label) {
		return label, r.URL.Path, true
	}
	if label, rest, pathOK := subdomain.FromPathPrefix(r.URL.Path); pathOK && s.ids.VerifySubdomain(label) {
		return label, rest, true
	}
	return "", "", false
}

func (s *Server) writeCORSPreflight(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "*")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) buildObservation(r *http.Request, sub string) observation.Observation {
	ip := clientIP(r)
	obs := observation.New(observation.TypeHTTP, sub, ip)
	obs.Country = s.geoTable.Lookup(net.ParseIP(ip))

	port := s.cfg.HTTPPort
	if r.TLS != nil {
		port = s.cfg.HTTPSPort
	}
	obs.Port = &port

	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		headers[name] = strings.Join(values, ", ")
	}
	obs.Headers = headers

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	obs.Method = r.Method
	obs.Path = r.URL.Path
	if r.URL.RawQuery != "" {
		obs.Query = "?" + r.URL.RawQuery
	}
	if r.URL.Fragment != "" {
		obs.Fragment = r.URL.Fragment
	}
	obs.URL = fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.RequestURI())
	obs.Protocol = "HTTP/1.1"

	if r.Body != nil {
		limited := io.LimitReader(r.Body, s.cfg.MaxRequestBodyBytes())
		body, _ := io.ReadAll(limited)
		obs.Raw = base64.StdEncoding.EncodeToString(body)
	}

	return obs
}

func (s *Server) writeFixture(w http.ResponseWriter, fx Fixture) {
	body, err := base64.StdEncoding.DecodeString(fx.Raw)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	for _, h := range fx.Headers {
		w.Header().Add(h.Header, h.Value)
	}
	status := fx.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write(body)
}

// serveDashboard serves the embedded SPA bundle (an external collaborator
// in this module's scope): exact asset match, 404 for asset-shaped misses,
// index.html fallback otherwise.
func (s *Server) serveDashboard(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	if path == "" {
		path = "index.html"
	}
	if f, err := s.dashboard.Open(path); err == nil {
		f.Close()
		http.ServeFileFS(w, r, s.dashboard, path)
		return
	}
	if looksLikeAsset(path) {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	http.ServeFileFS(w, r, s.dashboard, "index.html")
}

func looksLikeAsset(path string) bool {
	base := path
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[idx+1:]
	}
	return strings.Contains(base, ".")
}
