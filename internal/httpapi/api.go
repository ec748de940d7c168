package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/inspector/internal/bus"
	"github.com/wisbric/inspector/internal/httpserver"
	"github.com/wisbric/inspector/internal/ingest"
	"github.com/wisbric/inspector/internal/store"
)

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	res := s.limiter.Record(ip)
	if !res.Allowed {
		retryAfter := int(time.Until(res.RetryAt).Seconds())
		if retryAfter < 0 {
			retryAfter = 0
		}
		httpserver.RespondRateLimited(w, retryAfter)
		return
	}

	var body struct {
		AdminToken string `json:"admin_token"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if !s.ids.CanCreateSession(body.AdminToken) {
		httpserver.RespondError(w, http.StatusForbidden, httpserver.CodeAdminRequired, "admin token required")
		return
	}

	sub, err := s.ids.RandomSubdomain()
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, httpserver.CodeInitError, "failed to allocate subdomain")
		return
	}
	token, err := s.ids.IssueSessionToken(sub)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, httpserver.CodeTokenError, "failed to issue session token")
		return
	}

	if body.AdminToken != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     "admin_token",
			Value:    body.AdminToken,
			HttpOnly: true,
			SameSite: http.SameSiteStrictMode,
			Secure:   s.cfg.TLSEnabled,
			Path:     "/",
		})
	}
	httpserver.Respond(w, http.StatusCreated, map[string]string{"token": token, "subdomain": sub})
}

func (s *Server) handleGetDNS(w http.ResponseWriter, r *http.Request) {
	sub := subdomainFromContext(r.Context())
	records, err := loadDNSRecords(s.store, sub)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, httpserver.CodeInitError, "failed to load DNS records")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handlePutDNS(w http.ResponseWriter, r *http.Request) {
	sub := subdomainFromContext(r.Context())
	var body dnsSubmission
	if err := httpserver.Decode(r, &body); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, httpserver.CodeBadRequest, err.Error())
		return
	}
	if errs := httpserver.Validate(body); len(errs) > 0 {
		httpserver.RespondValidationError(w, errs)
		return
	}
	if err := replaceDNSRecords(s.store, s.cfg.ServerDomain, sub, body.Records); err != nil {
		switch {
		case errors.Is(err, errInvalidRecordType):
			httpserver.RespondError(w, http.StatusBadRequest, httpserver.CodeInvalidRecordType, err.Error())
		case errors.Is(err, errInvalidDomain):
			httpserver.RespondError(w, http.StatusBadRequest, httpserver.CodeInvalidDomain, err.Error())
		case errors.Is(err, store.ErrQuotaExceeded):
			httpserver.RespondError(w, http.StatusBadRequest, httpserver.CodeQuotaExceeded, err.Error())
		default:
			httpserver.RespondError(w, http.StatusInternalServerError, httpserver.CodeInitError, err.Error())
		}
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"records": body.Records})
}

func (s *Server) handleGetFiles(w http.ResponseWriter, r *http.Request) {
	sub := subdomainFromContext(r.Context())
	tree, err := loadFileTree(s.store, sub)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, httpserver.CodeInitError, "failed to load file tree")
		return
	}
	httpserver.Respond(w, http.StatusOK, tree)
}

func (s *Server) handlePutFiles(w http.ResponseWriter, r *http.Request) {
	sub := subdomainFromContext(r.Context())
	var tree FileTree
	if err := httpserver.Decode(r, &tree); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, httpserver.CodeBadRequest, err.Error())
		return
	}
	if err := replaceFileTree(s.store, sub, tree); err != nil {
		switch {
		case errors.Is(err, ErrIndexRequired):
			httpserver.RespondError(w, http.StatusBadRequest, httpserver.CodeBadRequest, err.Error())
		case errors.Is(err, store.ErrQuotaExceeded):
			httpserver.RespondError(w, http.StatusBadRequest, httpserver.CodeQuotaExceeded, err.Error())
		default:
			httpserver.RespondError(w, http.StatusInternalServerError, httpserver.CodeInitError, err.Error())
		}
		return
	}
	httpserver.Respond(w, http.StatusOK, tree)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	sub := subdomainFromContext(r.Context())
	path := chi.URLParam(r, "*")
	tree, err := loadFileTree(s.store, sub)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, httpserver.CodeInitError, "failed to load file tree")
		return
	}
	_, fx, ok := resolvePath(tree, path)
	if !ok {
		httpserver.RespondError(w, http.StatusNotFound, httpserver.CodeNotFound, "file not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, fx)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	sub := subdomainFromContext(r.Context())
	limit := parseIntDefault(r.URL.Query().Get("limit"), 100)
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	if offset < 0 {
		offset = 0
	}

	total := s.store.LLen(sub)
	items := s.store.RequestsRange(sub, offset, offset+limit-1)
	requests := make([]json.RawMessage, len(items))
	for i, it := range items {
		requests[i] = it
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"requests": requests,
		"pagination": map[string]any{
			"total":    total,
			"limit":    limit,
			"offset":   offset,
			"has_more": offset+len(items) < total,
		},
	})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func (s *Server) lookupRequestIndex(sub, id string) (int, bool) {
	raw, err := s.store.Get(ingest.IndexKey(sub, id))
	if err != nil {
		return 0, false
	}
	idx, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, false
	}
	return idx, true
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	sub := subdomainFromContext(r.Context())
	id := chi.URLParam(r, "id")
	idx, ok := s.lookupRequestIndex(sub, id)
	if !ok {
		httpserver.RespondError(w, http.StatusNotFound, httpserver.CodeNotFound, "request not found")
		return
	}
	items := s.store.RequestsRange(sub, idx, idx)
	if len(items) == 0 {
		httpserver.RespondError(w, http.StatusNotFound, httpserver.CodeNotFound, "request not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(items[0])
}

func (s *Server) handleDeleteRequest(w http.ResponseWriter, r *http.Request) {
	sub := subdomainFromContext(r.Context())
	id := chi.URLParam(r, "id")
	idx, ok := s.lookupRequestIndex(sub, id)
	if !ok {
		httpserver.RespondError(w, http.StatusNotFound, httpserver.CodeNotFound, "request not found")
		return
	}
	if err := s.store.RequestsSet(sub, idx, []byte(`{}`)); err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, httpserver.CodeInitError, err.Error())
		return
	}
	s.store.Delete(ingest.IndexKey(sub, id))
	s.bus.Publish(bus.Event{Cmd: bus.CmdDeleteRequest, Subdomain: sub, Data: id})
	httpserver.Respond(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleDeleteAllRequests(w http.ResponseWriter, r *http.Request) {
	sub := subdomainFromContext(r.Context())
	s.store.RequestsDeleteAll(sub)
	for _, k := range s.store.Keys(ingest.IndexKey(sub, "*")) {
		s.store.Delete(k)
	}
	s.bus.Publish(bus.Event{Cmd: bus.CmdDeleteAll, Subdomain: sub})
	httpserver.Respond(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	sub := subdomainFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if _, ok := s.lookupRequestIndex(sub, id); !ok {
		httpserver.RespondError(w, http.StatusNotFound, httpserver.CodeNotFound, "request not found")
		return
	}
	token, err := s.ids.IssueShareToken(id, sub)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, httpserver.CodeTokenError, "failed to issue share token")
		return
	}
	httpserver.Respond(w, http.StatusCreated, map[string]string{"share_token": token})
}

func (s *Server) handleGetSharedRequest(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	reqID, sub, ok := s.ids.VerifyShareToken(token)
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, httpserver.CodeInvalidShareToken, "Invalid or expired share token")
		return
	}
	idx, ok := s.lookupRequestIndex(sub, reqID)
	if !ok {
		httpserver.RespondError(w, http.StatusNotFound, httpserver.CodeNotFound, "request not found")
		return
	}
	items := s.store.RequestsRange(sub, idx, idx)
	if len(items) == 0 {
		httpserver.RespondError(w, http.StatusNotFound, httpserver.CodeNotFound, "request not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(items[0])
}
