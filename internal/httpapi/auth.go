package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/wisbric/inspector/internal/httpserver"
)

type ctxKey string

const subdomainCtxKey ctxKey = "subdomain"

func withSubdomain(ctx context.Context, sub string) context.Context {
	return context.WithValue(ctx, subdomainCtxKey, sub)
}

func subdomainFromContext(ctx context.Context) string {
	sub, _ := ctx.Value(subdomainCtxKey).(string)
	return sub
}

// bearerToken extracts a token from "Authorization: Bearer <token>" or a
// "?token=" query parameter, for convenience on GET links.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// requireSessionToken verifies the session JWT and stashes the resolved
// subdomain in the request context.
func (s *Server) requireSessionToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			httpserver.RespondError(w, http.StatusUnauthorized, httpserver.CodeMissingToken, "missing session token")
			return
		}
		sub, ok := s.ids.VerifySessionToken(token)
		if !ok {
			httpserver.RespondError(w, http.StatusUnauthorized, httpserver.CodeInvalidToken, "invalid or expired session token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withSubdomain(r.Context(), sub)))
	})
}

// clientIP returns the address of the actual TCP peer. Forwarded headers
// are deliberately never consulted — they are untrustworthy for logging.
func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	return strings.Trim(host, "[]")
}
