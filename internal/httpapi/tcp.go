package httpapi

import (
	"errors"
	"net/http"

	"github.com/wisbric/inspector/internal/httpserver"
	"github.com/wisbric/inspector/internal/tcpbroker"
)

// handleAllocateTCPPort exposes C11's allocate_port over REST — dropped
// from the distilled route table but present in the original dashboard
// (a "Get TCP port" action per tenant).
func (s *Server) handleAllocateTCPPort(w http.ResponseWriter, r *http.Request) {
	sub := subdomainFromContext(r.Context())
	port, err := s.tcp.AllocatePort(sub)
	if err != nil {
		if errors.Is(err, tcpbroker.ErrNoPortsAvailable) {
			httpserver.RespondError(w, http.StatusServiceUnavailable, httpserver.CodeBadRequest, "no tcp ports available")
			return
		}
		httpserver.RespondError(w, http.StatusInternalServerError, httpserver.CodeInitError, "failed to allocate tcp port")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"port":      port,
		"subdomain": sub,
	})
}

// handleReleaseTCPPort exposes C11's release_port over REST.
func (s *Server) handleReleaseTCPPort(w http.ResponseWriter, r *http.Request) {
	sub := subdomainFromContext(r.Context())
	s.tcp.ReleasePort(sub)
	httpserver.Respond(w, http.StatusOK, map[string]any{"msg": "tcp port released"})
}
