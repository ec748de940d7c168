package httpapi

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wisbric/inspector/internal/acme"
	"github.com/wisbric/inspector/internal/bus"
	"github.com/wisbric/inspector/internal/config"
	"github.com/wisbric/inspector/internal/dashboard"
	"github.com/wisbric/inspector/internal/geo"
	"github.com/wisbric/inspector/internal/identity"
	"github.com/wisbric/inspector/internal/store"
	"github.com/wisbric/inspector/internal/tcpbroker"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		ServerDomain:      "example.com",
		SubdomainLength:   8,
		SubdomainAlphabet: "0123456789abcdefghijklmnopqrstuvwxyz",
		JWTSecret:         "test-secret",
		SessionRateLimit:  1000,
	}
	ids, err := identity.New(identity.Options{
		Secret:            cfg.JWTSecret,
		SubdomainAlphabet: cfg.SubdomainAlphabet,
		SubdomainLength:   cfg.SubdomainLength,
	})
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	st := store.New(slog.Default(), store.Options{
		MaxSubdomainBytes:  1 << 20,
		MaxRequestsPerSess: 100,
		MaxMemoryOverride:  1 << 20,
	})
	tcp := tcpbroker.New(tcpbroker.Options{
		RangeStart: 32000,
		RangeEnd:   32005,
		Store:      st,
		Bus:        bus.New(),
		Geo:        geo.NewTable(),
		Logger:     slog.Default(),
	})
	return New(Deps{
		Config:     cfg,
		Store:      st,
		Bus:        bus.New(),
		Identity:   ids,
		Geo:        geo.NewTable(),
		Challenges: acme.NewHTTPChallengeMap(),
		TCP:        tcp,
		Dashboard:  dashboard.FS(),
		Logger:     slog.Default(),
	})
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

func createSession(t *testing.T, s *Server) (token, subdomain string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v2/sessions", nil)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: status %d, body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Token     string `json:"token"`
		Subdomain string `json:"subdomain"`
	}
	decodeBody(t, rec, &body)
	return body.Token, body.Subdomain
}

func authed(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestCreateSessionIssuesTokenAndSubdomain(t *testing.T) {
	s := testServer(t)
	token, sub := createSession(t, s)
	if token == "" || sub == "" {
		t.Fatalf("got token=%q subdomain=%q, want both non-empty", token, sub)
	}
	if len(sub) != 8 {
		t.Errorf("subdomain length = %d, want 8", len(sub))
	}
}

func TestProtectedRouteRejectsMissingToken(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v2/dns", nil)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestDNSRoundTrip(t *testing.T) {
	s := testServer(t)
	token, sub := createSession(t, s)

	body, _ := json.Marshal(map[string]any{
		"records": []DNSRecord{{Domain: "www", Type: "A", Value: "1.2.3.4"}},
	})
	req := authed(httptest.NewRequest(http.MethodPut, "/api/v2/dns", bytes.NewReader(body)), token)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT dns: status %d, body %s", rec.Code, rec.Body.String())
	}

	req = authed(httptest.NewRequest(http.MethodGet, "/api/v2/dns", nil), token)
	rec = httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	var got struct {
		Records []DNSRecord `json:"records"`
	}
	decodeBody(t, rec, &got)
	wantDomain := "www." + sub + ".example.com."
	if len(got.Records) != 1 || got.Records[0].Value != "1.2.3.4" || got.Records[0].Domain != wantDomain {
		t.Errorf("got records %+v, want one A record %q -> 1.2.3.4", got.Records, wantDomain)
	}
}

// A tenant's write is always resolved under its own subdomain, even if
// the client names another tenant's domain outright — the server never
// trusts the client-supplied domain as a literal FQDN.
func TestDNSWriteCannotEscapeOwnSubdomain(t *testing.T) {
	s := testServer(t)
	token, sub := createSession(t, s)

	body, _ := json.Marshal(map[string]any{
		"records": []DNSRecord{{Domain: "victim.example.com", Type: "A", Value: "6.6.6.6"}},
	})
	req := authed(httptest.NewRequest(http.MethodPut, "/api/v2/dns", bytes.NewReader(body)), token)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT dns: status %d, body %s", rec.Code, rec.Body.String())
	}

	req = authed(httptest.NewRequest(http.MethodGet, "/api/v2/dns", nil), token)
	rec = httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	var got struct {
		Records []DNSRecord `json:"records"`
	}
	decodeBody(t, rec, &got)
	wantDomain := "victim.example.com." + sub + ".example.com."
	if len(got.Records) != 1 {
		t.Fatalf("got %d records, want 1", len(got.Records))
	}
	if got.Records[0].Domain == "victim.example.com." {
		t.Fatalf("write escaped into literal domain %q instead of the caller's own subdomain", got.Records[0].Domain)
	}
	if got.Records[0].Domain != wantDomain {
		t.Errorf("got domain %q, want %q (label forced under caller's own subdomain)", got.Records[0].Domain, wantDomain)
	}
}

func TestDNSRejectsInvalidRecordType(t *testing.T) {
	s := testServer(t)
	token, sub := createSession(t, s)
	body, _ := json.Marshal(map[string]any{
		"records": []DNSRecord{{Domain: sub + ".example.com", Type: "PTR", Value: "x"}},
	})
	req := authed(httptest.NewRequest(http.MethodPut, "/api/v2/dns", bytes.NewReader(body)), token)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestFilesDefaultIndexThenReplace(t *testing.T) {
	s := testServer(t)
	token, _ := createSession(t, s)

	req := authed(httptest.NewRequest(http.MethodGet, "/api/v2/files", nil), token)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	var tree FileTree
	decodeBody(t, rec, &tree)
	if _, ok := tree["index.html"]; !ok {
		t.Fatal("expected default index.html")
	}

	newTree := FileTree{"index.html": {Raw: "aGVsbG8=", StatusCode: 200}}
	body, _ := json.Marshal(newTree)
	req = authed(httptest.NewRequest(http.MethodPut, "/api/v2/files", bytes.NewReader(body)), token)
	rec = httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT files: status %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestFilesRejectsMissingIndex(t *testing.T) {
	s := testServer(t)
	token, _ := createSession(t, s)
	body, _ := json.Marshal(FileTree{"other.html": {Raw: "aGVsbG8="}})
	req := authed(httptest.NewRequest(http.MethodPut, "/api/v2/files", bytes.NewReader(body)), token)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCaptureThenListAndGetRequest(t *testing.T) {
	s := testServer(t)
	token, sub := createSession(t, s)

	captureReq := httptest.NewRequest(http.MethodGet, "/r/"+sub+"/hello", nil)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, captureReq)
	if rec.Code != http.StatusOK {
		t.Fatalf("capture request: status %d", rec.Code)
	}

	req := authed(httptest.NewRequest(http.MethodGet, "/api/v2/requests", nil), token)
	rec = httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	var listed struct {
		Requests []json.RawMessage `json:"requests"`
	}
	decodeBody(t, rec, &listed)
	if len(listed.Requests) != 1 {
		t.Fatalf("got %d requests, want 1", len(listed.Requests))
	}

	var obs struct {
		ID string `json:"_id"`
	}
	json.Unmarshal(listed.Requests[0], &obs)

	req = authed(httptest.NewRequest(http.MethodGet, "/api/v2/requests/"+obs.ID, nil), token)
	rec = httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get request: status %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestDeleteRequestThenGetReturns404(t *testing.T) {
	s := testServer(t)
	token, sub := createSession(t, s)

	captureReq := httptest.NewRequest(http.MethodGet, "/r/"+sub+"/hello", nil)
	s.Router.ServeHTTP(httptest.NewRecorder(), captureReq)

	req := authed(httptest.NewRequest(http.MethodGet, "/api/v2/requests", nil), token)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	var listed struct {
		Requests []json.RawMessage `json:"requests"`
	}
	decodeBody(t, rec, &listed)
	var obs struct {
		ID string `json:"_id"`
	}
	json.Unmarshal(listed.Requests[0], &obs)

	req = authed(httptest.NewRequest(http.MethodDelete, "/api/v2/requests/"+obs.ID, nil), token)
	rec = httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status %d", rec.Code)
	}

	req = authed(httptest.NewRequest(http.MethodGet, "/api/v2/requests/"+obs.ID, nil), token)
	rec = httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status after delete = %d, want 404", rec.Code)
	}
}

func TestShareTokenGrantsUnauthenticatedAccess(t *testing.T) {
	s := testServer(t)
	token, sub := createSession(t, s)

	captureReq := httptest.NewRequest(http.MethodGet, "/r/"+sub+"/hello", nil)
	s.Router.ServeHTTP(httptest.NewRecorder(), captureReq)

	req := authed(httptest.NewRequest(http.MethodGet, "/api/v2/requests", nil), token)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	var listed struct {
		Requests []json.RawMessage `json:"requests"`
	}
	decodeBody(t, rec, &listed)
	var obs struct {
		ID string `json:"_id"`
	}
	json.Unmarshal(listed.Requests[0], &obs)

	req = authed(httptest.NewRequest(http.MethodPost, "/api/v2/requests/"+obs.ID+"/share", nil), token)
	rec = httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	var share struct {
		ShareToken string `json:"share_token"`
	}
	decodeBody(t, rec, &share)
	if share.ShareToken == "" {
		t.Fatal("expected non-empty share token")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v2/requests/shared/"+share.ShareToken, nil)
	rec = httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("shared access: status %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestAllocateAndReleaseTCPPort(t *testing.T) {
	s := testServer(t)
	token, sub := createSession(t, s)

	req := authed(httptest.NewRequest(http.MethodPost, "/api/v2/tcp/port", nil), token)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("allocate: status %d, body %s", rec.Code, rec.Body.String())
	}
	var alloc struct {
		Port      int    `json:"port"`
		Subdomain string `json:"subdomain"`
	}
	decodeBody(t, rec, &alloc)
	if alloc.Subdomain != sub || alloc.Port < 32000 || alloc.Port > 32005 {
		t.Fatalf("got %+v, want subdomain %q and port in [32000,32005]", alloc, sub)
	}

	req = authed(httptest.NewRequest(http.MethodDelete, "/api/v2/tcp/port", nil), token)
	rec = httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("release: status %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestDashboardFallbackForUnknownPath(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/some/spa/route", nil)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (SPA fallback)", rec.Code)
	}
}

func TestACMEChallengeEndpoint(t *testing.T) {
	s := testServer(t)
	s.challenges.Set("tok123", "tok123.keyauth")

	req := httptest.NewRequest(http.MethodGet, "/.well-known/acme-challenge/tok123", nil)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "tok123.keyauth" {
		t.Errorf("body = %q, want tok123.keyauth", rec.Body.String())
	}
}
