// Package httpapi implements C6: the catch-all request-capture router,
// per-tenant fixture server, and the versioned REST/WebSocket API.
package httpapi

import (
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wisbric/inspector/internal/acme"
	"github.com/wisbric/inspector/internal/bus"
	"github.com/wisbric/inspector/internal/config"
	"github.com/wisbric/inspector/internal/geo"
	"github.com/wisbric/inspector/internal/httpserver"
	"github.com/wisbric/inspector/internal/identity"
	"github.com/wisbric/inspector/internal/ratelimit"
	"github.com/wisbric/inspector/internal/store"
	"github.com/wisbric/inspector/internal/tcpbroker"
	"github.com/wisbric/inspector/internal/wsmux"
)

// Server wires the store, bus, identity manager, and geo table into an
// http.Handler. It holds no long-lived connections itself — C9 and the
// plain HTTP listener both dispatch into the same Router.
type Server struct {
	cfg        *config.Config
	store      *store.Store
	bus        *bus.Bus
	ids        *identity.Manager
	geoTable   *geo.Table
	limiter    *ratelimit.Limiter
	challenges *acme.HTTPChallengeMap
	tcp        *tcpbroker.Broker
	dashboard  fs.FS
	log        *slog.Logger
	registry   *prometheus.Registry
	startedAt  time.Time

	Router chi.Router
}

// Deps bundles Server's constructor dependencies.
type Deps struct {
	Config     *config.Config
	Store      *store.Store
	Bus        *bus.Bus
	Identity   *identity.Manager
	Geo        *geo.Table
	Challenges *acme.HTTPChallengeMap
	TCP        *tcpbroker.Broker
	Dashboard  fs.FS
	Registry   *prometheus.Registry
	Logger     *slog.Logger
}

// New builds a Server and installs every route named in §6.
func New(d Deps) *Server {
	s := &Server{
		cfg:        d.Config,
		store:      d.Store,
		bus:        d.Bus,
		ids:        d.Identity,
		geoTable:   d.Geo,
		challenges: d.Challenges,
		tcp:        d.TCP,
		dashboard:  d.Dashboard,
		registry:   d.Registry,
		log:        d.Logger,
		startedAt:  time.Now(),
		limiter:    ratelimit.New(d.Config.SessionRateLimit, time.Duration(d.Config.SessionRateWindowSec)*time.Second),
	}

	r := chi.NewRouter()
	r.Use(httpserver.RequestID)
	r.Use(httpserver.Logger(s.log))
	r.Use(httpserver.Metrics)
	r.Use(corsMiddleware())

	r.Get("/health", s.handleHealth)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	r.Get("/.well-known/acme-challenge/{token}", s.handleACMEChallenge)

	r.Route("/api/v2", func(api chi.Router) {
		api.Post("/sessions", s.handleCreateSession)

		api.Group(func(authed chi.Router) {
			authed.Use(s.requireSessionToken)
			authed.Get("/dns", s.handleGetDNS)
			authed.Put("/dns", s.handlePutDNS)
			authed.Get("/files", s.handleGetFiles)
			authed.Put("/files", s.handlePutFiles)
			authed.Get("/files/*", s.handleGetFile)
			authed.Get("/requests", s.handleListRequests)
			authed.Delete("/requests", s.handleDeleteAllRequests)
			authed.Get("/requests/{id}", s.handleGetRequest)
			authed.Delete("/requests/{id}", s.handleDeleteRequest)
			authed.Post("/requests/{id}/share", s.handleCreateShare)
			authed.Post("/tcp/port", s.handleAllocateTCPPort)
			authed.Delete("/tcp/port", s.handleReleaseTCPPort)
		})

		api.Get("/requests/shared/{token}", s.handleGetSharedRequest)
		api.Get("/ws", wsmux.Handler(s.store, s.bus, s.ids, s.log))
	})

	r.NotFound(s.catchAll)
	s.Router = r
	return s
}

func corsMiddleware() func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300,
	})
}

func (s *Server) handleACMEChallenge(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	keyAuth, ok := s.challenges.Get(token)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(keyAuth))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"status": "ok",
		"cache": map[string]any{
			"current_memory": s.store.CurrentMemory(),
			"max_memory":      s.store.MaxMemory(),
			"tenants":         s.store.TenantCount(),
		},
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}
