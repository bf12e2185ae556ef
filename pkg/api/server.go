package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bec-project/bec-atlas/pkg/audit"
	"github.com/bec-project/bec-atlas/pkg/credentials"
	"github.com/bec-project/bec-atlas/pkg/middleware"
	"github.com/bec-project/bec-atlas/pkg/models"
	"github.com/bec-project/bec-atlas/pkg/observability"
	"github.com/bec-project/bec-atlas/pkg/profiles"
	"github.com/bec-project/bec-atlas/pkg/proxy"
	"github.com/bec-project/bec-atlas/pkg/relay"
)

// Deps are the components the server routes to. Routes of a nil
// component are not registered.
type Deps struct {
	Proxy       *proxy.Proxy
	Profiles    *profiles.Translator
	Credentials *credentials.Provisioner
	Relay       *relay.Relay
	Resolver    middleware.PrincipalResolver
	// RateLimiter, when set, limits /redis per principal
	RateLimiter *middleware.DistributedRateLimiter
	// Audit records grant and credential actions; AuditTrail serves them
	Audit      audit.Logger
	AuditTrail *audit.DocStoreLogger
	// AllowedOrigins restricts websocket upgrades; empty allows any origin
	AllowedOrigins []string
	Logger         *observability.Logger
}

// Server represents our API server
type Server struct {
	deps     Deps
	router   *mux.Router
	upgrader websocket.Upgrader
	logger   *observability.Logger
}

// NewServer creates a new API server
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = observability.NopLogger()
	}
	s := &Server{
		deps:   deps,
		router: mux.NewRouter(),
		logger: deps.Logger.WithField("component", "api"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	// The websocket handshake authenticates inside the relay.
	if s.deps.Relay != nil {
		s.router.HandleFunc("/api/v1/ws", s.serveWS).Methods("GET")
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.Principal(s.deps.Resolver, s.logger))
	if s.deps.Audit != nil {
		api.Use(audit.Middleware(s.deps.Audit))
	}

	if s.deps.Proxy != nil {
		s.handleLimited(api, "/redis", s.getRedis, "GET")
		s.handleLimited(api, "/redis", s.postRedis, "POST")
		s.handleLimited(api, "/redis", s.deleteRedis, "DELETE")
	}

	if s.deps.Profiles != nil {
		api.HandleFunc("/deployment_access", s.getDeploymentAccess).Methods("GET")
		api.HandleFunc("/deployment_access", s.patchDeploymentAccess).Methods("PATCH")
		api.HandleFunc("/bec_access", s.getBECAccess).Methods("GET")
	}

	if s.deps.Credentials != nil {
		api.HandleFunc("/deploymentCredentials", s.getDeploymentCredential).Methods("GET")
		api.HandleFunc("/deploymentCredentials/refresh", s.refreshDeploymentCredential).Methods("POST")
	}

	if s.deps.AuditTrail != nil {
		api.Handle("/audit", middleware.RequireGroup(models.AdminGroup)(audit.SearchHandler(s.deps.AuditTrail))).Methods("GET")
	}
}

func (s *Server) handleLimited(r *mux.Router, path string, h http.HandlerFunc, method string) {
	var handler http.Handler = h
	if s.deps.RateLimiter != nil {
		handler = middleware.RateLimit(s.deps.RateLimiter, s.logger)(handler)
	}
	r.Handle(path, handler).Methods(method)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.deps.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range s.deps.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
