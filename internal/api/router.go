package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/theblitlabs/parity-federated/internal/api/handlers"
	"github.com/theblitlabs/parity-federated/internal/api/middleware"
)

// Router wraps mux.Router to add more functionality
type Router struct {
	*mux.Router
	endpoint string
}

// NewRouter creates and configures a new router with all dependencies
func NewRouter(
	federationHandler *handlers.FederationHandler,
	hub *Hub,
	jwtSecret []byte,
	endpoint string,
	registry *prometheus.Registry,
) *Router {
	r := &Router{
		Router:   mux.NewRouter(),
		endpoint: endpoint,
	}

	r.Use(middleware.Logging)
	r.registerRoutes(federationHandler, hub, jwtSecret, registry)

	return r
}

// registerRoutes registers all application routes
func (r *Router) registerRoutes(
	federationHandler *handlers.FederationHandler,
	hub *Hub,
	jwtSecret []byte,
	registry *prometheus.Registry,
) {
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	if registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	api := r.PathPrefix(r.endpoint).Subrouter()

	// Registration is the only unauthenticated federation route; it is
	// where clients obtain their credential.
	api.HandleFunc("/clients/register", federationHandler.Register).Methods("POST")

	protected := api.PathPrefix("/").Subrouter()
	protected.Use(middleware.Auth(jwtSecret))

	protected.HandleFunc("/rounds/current", federationHandler.GetRound).Methods("GET")
	protected.HandleFunc("/rounds/updates", federationHandler.SubmitUpdate).Methods("POST")
	protected.HandleFunc("/model", federationHandler.GetModel).Methods("GET")
	protected.HandleFunc("/clients", federationHandler.ListClients).Methods("GET")
	protected.HandleFunc("/audit", federationHandler.GetAudit).Methods("GET")
	protected.HandleFunc("/privacy", federationHandler.GetPrivacy).Methods("GET")

	if hub != nil {
		// The hub authenticates via query token during the upgrade.
		r.Handle("/ws", hub)
	}
}
